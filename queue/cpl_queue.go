package queue

import (
	"context"
	"fmt"
	"sync"

	"github.com/slackhq/mqnic/ring"
)

// CplQueue is a completion queue. Engines reserve a slot when they start an
// operation and commit into it when the operation finishes, the operator reads
// committed completions in reservation order.
type CplQueue struct {
	id   uint32
	kind Kind
	m    *Manager

	mu    sync.Mutex
	ring  *ring.Ring[ring.Completion]
	eq    *EventQueue
	armed bool

	ready chan struct{}
}

func newCplQueue(m *Manager, kind Kind, id uint32, r *ring.Ring[ring.Completion]) *CplQueue {
	return &CplQueue{
		id:    id,
		kind:  kind,
		m:     m,
		ring:  r,
		ready: make(chan struct{}, 1),
	}
}

func (c *CplQueue) ID() uint32 {
	return c.id
}

func (c *CplQueue) Kind() Kind {
	return c.kind
}

// Post reserves and commits a single completion.
func (c *CplQueue) Post(e ring.Completion) error {
	slot, err := c.reserve()
	if err != nil {
		return err
	}

	c.commit(slot, e)
	return nil
}

func (c *CplQueue) reserve() (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	slot, err := c.ring.Reserve()
	if err != nil {
		return 0, fmt.Errorf("%w: %s %d", ErrCompletionQueueFull, c.kind, c.id)
	}

	return slot, nil
}

func (c *CplQueue) commit(slot uint32, e ring.Completion) {
	c.mu.Lock()
	n, err := c.ring.Commit(slot, e)
	if err != nil {
		c.mu.Unlock()
		c.m.l.WithError(err).WithField("queue", c.id).WithField("kind", c.kind).
			Error("Failed to commit completion")
		return
	}

	if n > 0 {
		c.fireLocked()
	}
	c.mu.Unlock()

	if n > 0 {
		c.signal()
	}
}

// fireLocked posts an event to the bound event queue when the queue is armed.
func (c *CplQueue) fireLocked() {
	if !c.armed || c.eq == nil {
		return
	}

	c.armed = false
	c.eq.post(Event{Type: eventType(c.kind), Source: c.id})
}

func (c *CplQueue) signal() {
	select {
	case c.ready <- struct{}{}:
	default:
	}
}

// Read consumes up to max published completions, in order. A max <= 0 reads
// everything available.
func (c *CplQueue) Read(max int) []ring.Completion {
	c.mu.Lock()
	n := c.ring.Len()
	if max > 0 && n > max {
		n = max
	}

	out := make([]ring.Completion, 0, n)
	for i := 0; i < n; i++ {
		e, _ := c.ring.Pop()
		out = append(out, e)
	}
	c.mu.Unlock()

	if n > 0 {
		// Freed slots may unblock an engine waiting on a full completion queue.
		c.m.notify(c.kind, c.id)
	}

	return out
}

// Len returns the number of completions ready to be read.
func (c *CplQueue) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ring.Len()
}

// Free returns the number of slots that can still be reserved.
func (c *CplQueue) Free() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ring.Free()
}

// Head returns the producer index.
func (c *CplQueue) Head() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ring.Head()
}

// Tail returns the consumer index.
func (c *CplQueue) Tail() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ring.Tail()
}

// Arm requests a single event on the next publish. If completions are already
// waiting the event is generated immediately.
func (c *CplQueue) Arm() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.armed = true
	if c.ring.Len() > 0 {
		c.fireLocked()
	}
}

// Wait blocks until a completion is published or ctx is done. A publish that
// happened since the last Wait returns immediately.
func (c *CplQueue) Wait(ctx context.Context) error {
	select {
	case <-c.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *CplQueue) bind(eq *EventQueue) {
	c.mu.Lock()
	c.eq = eq
	c.mu.Unlock()
}
