package pipeline

import (
	"context"
	"sync"

	"github.com/bryanwahyu/deeptm/internal/domain/events"
)

// Emitter delivers one event to the consumer. It blocks while the consumer
// is behind and returns an error once the run should stop emitting.
type Emitter func(ctx context.Context, ev events.Event) error

// Bus is a single-producer, single-consumer ordered event channel.
// Publish blocks when the buffer is full, so a slow consumer throttles the
// producer instead of growing memory.
type Bus struct {
	ch   chan events.Event
	once sync.Once
}

// NewBus creates a bus holding up to size undelivered events.
func NewBus(size int) *Bus {
	if size < 0 {
		size = 0
	}
	return &Bus{ch: make(chan events.Event, size)}
}

// Publish sends ev, or gives up when ctx is done.
func (b *Bus) Publish(ctx context.Context, ev events.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case b.ch <- ev:
		return nil
	}
}

// Events is the consumer side; it is closed after the producer finishes.
func (b *Bus) Events() <-chan events.Event {
	return b.ch
}

// Close ends the stream. Only the producer calls it.
func (b *Bus) Close() {
	b.once.Do(func() { close(b.ch) })
}
