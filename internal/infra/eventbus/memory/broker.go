// Package memory provides an in-process task event bus. It keeps every
// published event and fans them out to subscribers, which suits tests and
// single-process runs where no broker is configured.
package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/ahrav/fleet-armada/internal/domain/task"
)

var _ task.EventPublisher = (*Broker)(nil)

// Broker records task events and delivers them synchronously to subscribers.
type Broker struct {
	mu       sync.RWMutex
	events   []task.Event
	nextID   int
	handlers map[int]func(task.Event) error
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{handlers: make(map[int]func(task.Event) error)}
}

// Subscribe registers handler until ctx is done.
func (b *Broker) Subscribe(ctx context.Context, handler func(task.Event) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if handler == nil {
		return errors.New("handler cannot be nil")
	}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.handlers[id] = handler
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.handlers, id)
		b.mu.Unlock()
	}()
	return nil
}

// PublishTaskEvent stores evt and hands it to every subscriber, stopping at
// the first handler error.
func (b *Broker) PublishTaskEvent(ctx context.Context, evt task.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	b.events = append(b.events, evt)
	// Copy handlers so none run under the lock.
	handlers := make([]func(task.Event) error, 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.Unlock()

	for _, h := range handlers {
		if err := h(evt); err != nil {
			return err
		}
	}
	return nil
}

// Events returns a copy of every event published so far.
func (b *Broker) Events() []task.Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]task.Event, len(b.events))
	copy(out, b.events)
	return out
}

// EventsFor returns the events published for one task, in order.
func (b *Broker) EventsFor(taskID string) []task.Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []task.Event
	for _, e := range b.events {
		if e.TaskID == taskID {
			out = append(out, e)
		}
	}
	return out
}
