package queue

import (
	"errors"
	"fmt"
	"sync"

	"github.com/slackhq/mqnic/ring"
)

var (
	ErrQueueFull           = errors.New("queue full")
	ErrCompletionQueueFull = errors.New("completion queue full")
	ErrQueueDisabled       = errors.New("queue disabled")
	ErrQueueEmpty          = errors.New("queue empty")
	ErrOpTableFull         = errors.New("operation table full")
	ErrNotBound            = errors.New("queue is not bound to a completion queue")
	ErrOpCompleted         = errors.New("operation already completed")
	ErrNotStalled          = errors.New("queue is not stalled")
)

// Queue is a transmit or receive descriptor queue. Every field is guarded by
// mu, unrelated queues never contend.
type Queue struct {
	id          uint32
	kind        Kind
	opTableSize int
	m           *Manager

	mu      sync.Mutex
	ring    *ring.Ring[ring.Descriptor]
	enabled bool
	stalled bool
	cpl     *CplQueue
	pending int
}

func (q *Queue) ID() uint32 {
	return q.id
}

func (q *Queue) Kind() Kind {
	return q.kind
}

// Enqueue publishes a descriptor. It fails with ErrQueueFull when the ring has
// no free slot or the operation table is saturated.
func (q *Queue) Enqueue(d ring.Descriptor) error {
	q.mu.Lock()
	if q.ring.Free() == 0 || q.pending >= q.opTableSize {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s %d", ErrQueueFull, q.kind, q.id)
	}

	err := q.ring.Push(d)
	q.mu.Unlock()
	if err != nil {
		return fmt.Errorf("%w: %s %d", ErrQueueFull, q.kind, q.id)
	}

	q.m.notify(q.kind, q.id)
	return nil
}

// SetEnabled changes the enable flag. Disabling never aborts an operation that
// was already started.
func (q *Queue) SetEnabled(enabled bool) {
	q.mu.Lock()
	q.enabled = enabled
	q.mu.Unlock()

	if enabled {
		q.m.notify(q.kind, q.id)
	}
}

func (q *Queue) Enabled() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.enabled
}

// HasWork reports whether Begin would currently find a descriptor to start.
func (q *Queue) HasWork() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.enabled && q.ring.Len() > 0 && q.pending < q.opTableSize
}

// Len returns the number of descriptors waiting in the ring.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ring.Len()
}

// Head returns the producer index.
func (q *Queue) Head() uint32 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ring.Head()
}

// Tail returns the consumer index.
func (q *Queue) Tail() uint32 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ring.Tail()
}

// Pending returns the number of started operations that have not completed.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending
}

// Completion returns the completion queue this queue is bound to, if any.
func (q *Queue) Completion() *CplQueue {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cpl
}

// Begin starts an operation on the oldest descriptor. check runs against the
// descriptor before anything is consumed, a check error leaves the queue
// untouched. On success the descriptor is consumed, a completion slot is
// reserved in order and the pending count is raised until the returned Op is
// completed.
func (q *Queue) Begin(check func(ring.Descriptor) error) (*Op, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.enabled {
		return nil, fmt.Errorf("%w: %s %d", ErrQueueDisabled, q.kind, q.id)
	}

	d, ok := q.ring.Peek()
	if !ok {
		return nil, fmt.Errorf("%w: %s %d", ErrQueueEmpty, q.kind, q.id)
	}

	if q.pending >= q.opTableSize {
		return nil, fmt.Errorf("%w: %s %d", ErrOpTableFull, q.kind, q.id)
	}

	if q.cpl == nil {
		return nil, fmt.Errorf("%w: %s %d", ErrNotBound, q.kind, q.id)
	}

	if check != nil {
		if err := check(d); err != nil {
			return nil, err
		}
	}

	slot, err := q.cpl.reserve()
	if err != nil {
		return nil, err
	}

	idx := q.ring.Tail()
	q.ring.Pop()
	q.pending++

	return &Op{q: q, cpl: q.cpl, desc: d, index: idx, slot: slot}, nil
}

// Stall disables the queue because the engine refused its oldest descriptor.
// Only a stalled queue can be recovered.
func (q *Queue) Stall() {
	q.mu.Lock()
	q.enabled = false
	q.stalled = true
	q.mu.Unlock()
}

func (q *Queue) Stalled() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stalled
}

// Recover drops the descriptor a stalled queue was refused on, without a
// completion, and enables the queue again.
func (q *Queue) Recover() (ring.Descriptor, error) {
	q.mu.Lock()
	if !q.stalled {
		q.mu.Unlock()
		return ring.Descriptor{}, fmt.Errorf("%w: %s %d", ErrNotStalled, q.kind, q.id)
	}

	d, _ := q.ring.Pop()
	q.stalled = false
	q.enabled = true
	q.mu.Unlock()

	q.m.notify(q.kind, q.id)
	return d, nil
}

func (q *Queue) bind(c *CplQueue) {
	q.mu.Lock()
	q.cpl = c
	q.mu.Unlock()
}

// Op is a started operation. Complete must be called exactly once.
type Op struct {
	q     *Queue
	cpl   *CplQueue
	desc  ring.Descriptor
	index uint32
	slot  uint32
	done  bool
}

// Descriptor returns the consumed descriptor.
func (o *Op) Descriptor() ring.Descriptor {
	return o.desc
}

// Index returns the ring index the descriptor was consumed from.
func (o *Op) Index() uint32 {
	return o.index
}

// Complete fills in the originating queue, index and tag and commits c into
// the reserved completion slot.
func (o *Op) Complete(c ring.Completion) error {
	if o.done {
		return ErrOpCompleted
	}
	o.done = true

	c.Queue = o.q.id
	c.Index = o.index
	c.Tag = o.desc.Tag
	o.cpl.commit(o.slot, c)

	o.q.mu.Lock()
	o.q.pending--
	o.q.mu.Unlock()

	o.q.m.notify(o.q.kind, o.q.id)
	return nil
}
