package ring

import (
	"errors"
	"fmt"
)

var (
	// ErrFull is returned by Reserve and Push when every slot is in use.
	ErrFull = errors.New("ring is full")

	// ErrNotReserved is returned by Commit for an index that is not an
	// outstanding reservation.
	ErrNotReserved = errors.New("index was not reserved")
)

type slot[T any] struct {
	v    T
	done bool
}

// Ring is a fixed capacity circular buffer of T.
//
//	tail <= published <= head
//
// Entries in [tail, published) are visible to the consumer, entries in
// [published, head) are reserved by a producer but not yet published.
type Ring[T any] struct {
	slots     []slot[T]
	mask      uint32
	head      uint32
	published uint32
	tail      uint32
}

// New allocates a ring with the given size. See [CheckSize].
func New[T any](size int) (*Ring[T], error) {
	if err := CheckSize(size); err != nil {
		return nil, err
	}

	return &Ring[T]{
		slots: make([]slot[T], size),
		mask:  uint32(size - 1),
	}, nil
}

// Size returns the number of slots in the ring.
func (r *Ring[T]) Size() int {
	return len(r.slots)
}

// Head returns the free-running producer index.
func (r *Ring[T]) Head() uint32 {
	return r.head
}

// Tail returns the free-running consumer index.
func (r *Ring[T]) Tail() uint32 {
	return r.tail
}

// Len returns the number of published entries waiting for the consumer.
func (r *Ring[T]) Len() int {
	return int(r.published - r.tail)
}

// Used returns the number of slots that are either reserved or published.
func (r *Ring[T]) Used() int {
	return int(r.head - r.tail)
}

// Free returns the number of slots that can still be reserved.
func (r *Ring[T]) Free() int {
	return len(r.slots) - r.Used()
}

// Reserve claims the next slot for a producer. The returned index must later
// be handed to Commit.
func (r *Ring[T]) Reserve() (uint32, error) {
	if r.Free() == 0 {
		return 0, ErrFull
	}

	idx := r.head
	r.head++
	return idx, nil
}

// Commit writes v into a reserved slot and publishes every contiguous
// committed slot starting at the publish index. It returns the number of
// entries that became visible.
func (r *Ring[T]) Commit(idx uint32, v T) (int, error) {
	// Unsigned distance handles index wrap around.
	if idx-r.published >= r.head-r.published {
		return 0, fmt.Errorf("%w: %d", ErrNotReserved, idx)
	}

	s := &r.slots[idx&r.mask]
	if s.done {
		return 0, fmt.Errorf("%w: %d was already committed", ErrNotReserved, idx)
	}
	s.v = v
	s.done = true

	n := 0
	for r.published != r.head {
		if !r.slots[r.published&r.mask].done {
			break
		}
		r.published++
		n++
	}

	return n, nil
}

// Push reserves and commits a single entry.
func (r *Ring[T]) Push(v T) error {
	idx, err := r.Reserve()
	if err != nil {
		return err
	}

	_, err = r.Commit(idx, v)
	return err
}

// Peek returns the oldest published entry without consuming it.
func (r *Ring[T]) Peek() (T, bool) {
	if r.tail == r.published {
		var zero T
		return zero, false
	}

	return r.slots[r.tail&r.mask].v, true
}

// Pop consumes the oldest published entry. The slot is cleared so the ring
// does not keep the entry's buffers alive.
func (r *Ring[T]) Pop() (T, bool) {
	if r.tail == r.published {
		var zero T
		return zero, false
	}

	s := &r.slots[r.tail&r.mask]
	v := s.v
	*s = slot[T]{}
	r.tail++
	return v, true
}
