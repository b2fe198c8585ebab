package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/dharsanguruparan/doisync/internal/doi"
)

// Delivery is one event handed to the consumer loop. The consumer must call
// Ack exactly once when it is done with the event. Ctx is the producer-side
// context (the asynq task context) and is nil for in-memory deliveries.
type Delivery struct {
	Ctx   context.Context
	Event doi.LifecycleEvent
	done  chan error
}

// NewDelivery wraps an event together with the context it arrived on.
func NewDelivery(ctx context.Context, ev doi.LifecycleEvent) Delivery {
	return Delivery{Ctx: ctx, Event: ev, done: make(chan error, 1)}
}

// Ack reports the processing outcome back to the producer side. A non-nil
// error asks asynq to redeliver the event later.
func (d Delivery) Ack(err error) {
	if d.done == nil {
		return
	}
	select {
	case d.done <- err:
	default:
	}
}

// Wait blocks until the delivery is acknowledged.
func (d Delivery) Wait() error {
	return <-d.done
}

// Consumer turns asynq's per-task callbacks into a channel so the worker can
// run an explicit loop. Combined with a Concurrency of 1 on the asynq server,
// exactly one event per shard is in flight at a time.
type Consumer struct {
	deliveries chan Delivery
}

// NewConsumer constructs a Consumer with an unbuffered delivery channel.
func NewConsumer() *Consumer {
	return &Consumer{deliveries: make(chan Delivery)}
}

// Deliveries is the channel the worker loop reads from.
func (c *Consumer) Deliveries() <-chan Delivery {
	return c.deliveries
}

// Handler registers the lifecycle task handler.
func (c *Consumer) Handler() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(LifecycleTask, c.handle)
	return mux
}

func (c *Consumer) handle(ctx context.Context, task *asynq.Task) error {
	var ev doi.LifecycleEvent
	if err := json.Unmarshal(task.Payload(), &ev); err != nil {
		// A payload that never decodes will never succeed; do not retry it.
		return fmt.Errorf("decode payload: %v: %w", err, asynq.SkipRetry)
	}
	if err := ev.Validate(); err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	d := NewDelivery(ctx, ev)
	select {
	case c.deliveries <- d:
	case <-ctx.Done():
		return ctx.Err()
	}
	return d.Wait()
}
