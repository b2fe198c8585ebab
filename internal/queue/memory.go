package queue

import (
	"context"
	"errors"
	"sync"

	"github.com/dharsanguruparan/doisync/internal/doi"
)

// ErrQueueFull is returned by Memory.Publish when the buffer is saturated.
var ErrQueueFull = errors.New("lifecycle queue full")

// Memory is a buffered in-process channel with the same publish/deliver
// contract as the asynq broker. It is not durable; events are lost if the
// process exits.
type Memory struct {
	ch     chan Delivery
	mu     sync.Mutex
	closed bool
}

// NewMemory builds a Memory queue holding up to capacity pending events.
func NewMemory(capacity int) *Memory {
	if capacity <= 0 {
		capacity = 1
	}
	return &Memory{ch: make(chan Delivery, capacity)}
}

// Publish queues an event without blocking.
func (m *Memory) Publish(_ context.Context, ev doi.LifecycleEvent) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("lifecycle queue closed")
	}
	select {
	case m.ch <- Delivery{Event: ev, done: make(chan error, 1)}:
		return nil
	default:
		return ErrQueueFull
	}
}

// Deliveries is the channel the worker loop reads from.
func (m *Memory) Deliveries() <-chan Delivery {
	return m.ch
}

// Close stops accepting events and closes the delivery channel once drained
// by the consumer.
func (m *Memory) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.ch)
	}
}
