package queue

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/slackhq/mqnic/ring"
)

type EventType uint8

const (
	EventTxCpl EventType = iota
	EventRxCpl
)

func (t EventType) String() string {
	if t == EventTxCpl {
		return "tx_cpl"
	}
	return "rx_cpl"
}

func eventType(k Kind) EventType {
	if k == KindTxCpl {
		return EventTxCpl
	}
	return EventRxCpl
}

// Event tells the operator that the completion queue Source has entries.
type Event struct {
	Type   EventType
	Source uint32
}

// EventQueue collects events from the completion queues bound to it.
type EventQueue struct {
	id uint32
	m  *Manager

	mu   sync.Mutex
	ring *ring.Ring[Event]

	drops atomic.Uint64
	ready chan struct{}
}

func (e *EventQueue) ID() uint32 {
	return e.id
}

func (e *EventQueue) post(ev Event) {
	e.mu.Lock()
	err := e.ring.Push(ev)
	e.mu.Unlock()

	if err != nil {
		e.drops.Add(1)
		e.m.eventDropped(e.id)
		return
	}

	select {
	case e.ready <- struct{}{}:
	default:
	}
}

// Read consumes up to max events. A max <= 0 reads everything available.
func (e *EventQueue) Read(max int) []Event {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := e.ring.Len()
	if max > 0 && n > max {
		n = max
	}

	out := make([]Event, 0, n)
	for i := 0; i < n; i++ {
		ev, _ := e.ring.Pop()
		out = append(out, ev)
	}

	return out
}

func (e *EventQueue) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ring.Len()
}

// Dropped returns the number of events lost to a full event queue.
func (e *EventQueue) Dropped() uint64 {
	return e.drops.Load()
}

// Wait blocks until an event is posted or ctx is done.
func (e *EventQueue) Wait(ctx context.Context) error {
	select {
	case <-e.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
