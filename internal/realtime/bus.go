// Package realtime carries the push channel the screens rely on: stock
// updates, price updates, order updates, and per-request payment status.
// Subscriptions are fire-and-forget; payload filtering by branch, price list,
// or request name happens on the consumer side.
package realtime

import (
	"context"
	"encoding/json"
	"sync"
)

type Event struct {
	Name    string
	Payload json.RawMessage
}

type Bus interface {
	Publish(ctx context.Context, event string, payload any) error
	// Subscribe returns a receive channel for the named events and a cancel
	// function. A slow subscriber loses events rather than blocking
	// publishers.
	Subscribe(ctx context.Context, events ...string) (<-chan Event, func(), error)
}

// MemoryBus is the in-process implementation used in tests and when no redis
// address is configured.
type MemoryBus struct {
	mu   sync.Mutex
	next int
	subs map[int]*memorySub
}

type memorySub struct {
	events map[string]struct{}
	ch     chan Event
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[int]*memorySub)}
}

func (b *MemoryBus) Publish(_ context.Context, event string, payload any) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		if _, ok := sub.events[event]; !ok {
			continue
		}
		select {
		case sub.ch <- Event{Name: event, Payload: encoded}:
		default:
			// Subscriber is not keeping up; drop rather than block.
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(_ context.Context, events ...string) (<-chan Event, func(), error) {
	sub := &memorySub{
		events: make(map[string]struct{}, len(events)),
		ch:     make(chan Event, 32),
	}
	for _, event := range events {
		sub.events[event] = struct{}{}
	}

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = sub
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub.ch)
		}
		b.mu.Unlock()
	}
	return sub.ch, cancel, nil
}
