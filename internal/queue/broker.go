// Package queue carries lifecycle events from the generator to the worker.
// The durable channel is an asynq task queue in Redis; events are routed to one
// of several queues by hashing the DOI so that every event for a given DOI
// lands on the same single-consumer shard.
package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/hibiken/asynq"

	"github.com/dharsanguruparan/doisync/internal/doi"
)

const (
	// LifecycleTask is the asynq task type for every lifecycle event.
	LifecycleTask = "doi:lifecycle"

	queuePrefix = "doi-lifecycle-"
)

// ShardFor maps a DOI to a shard in [0, shards).
func ShardFor(d doi.DOI, shards int) int {
	if shards <= 1 {
		return 0
	}
	return int(xxhash.Sum64String(d.Key()) % uint64(shards))
}

// QueueName is the asynq queue backing a shard.
func QueueName(shard int) string {
	return fmt.Sprintf("%s%d", queuePrefix, shard)
}

// Broker publishes events to the asynq queues.
type Broker struct {
	client   *asynq.Client
	shards   int
	maxRetry int
}

// NewBroker constructs a Broker. maxRetry bounds asynq's own redelivery, which
// only happens when the worker could not finish an event (e.g. the ledger was
// unreachable or the process shut down).
func NewBroker(client *asynq.Client, shards, maxRetry int) *Broker {
	if shards <= 0 {
		shards = 1
	}
	return &Broker{client: client, shards: shards, maxRetry: maxRetry}
}

// Publish enqueues one lifecycle event.
func (b *Broker) Publish(ctx context.Context, ev doi.LifecycleEvent) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	task := asynq.NewTask(LifecycleTask, data)
	queue := QueueName(ShardFor(ev.DOI, b.shards))
	if _, err := b.client.EnqueueContext(ctx, task, asynq.Queue(queue), asynq.MaxRetry(b.maxRetry)); err != nil {
		return fmt.Errorf("enqueue lifecycle event for %s: %w", ev.DOI, err)
	}
	return nil
}

// Close releases the underlying Redis connection.
func (b *Broker) Close() error {
	return b.client.Close()
}
