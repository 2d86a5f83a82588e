package rss

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/slackhq/mqnic/ring"
)

var (
	ErrIndexOutOfRange = errors.New("indirection table index out of range")
	ErrMaskInvalid     = errors.New("rss mask does not fit the indirection table")
)

type snapshot struct {
	entries []uint32
	mask    uint32
}

// Table is an indirection table mapping masked hash values to receive queues.
// Writers serialize on mu and publish a fresh snapshot, readers never block.
// A packet resolved against an older snapshot keeps the queue it got.
type Table struct {
	mu  sync.Mutex
	cur atomic.Pointer[snapshot]
}

// NewTable returns a table of size entries, all pointing at queue 0, with a
// mask of 0.
func NewTable(size int) (*Table, error) {
	if err := ring.CheckSize(size); err != nil {
		return nil, fmt.Errorf("invalid indirection table size: %w", err)
	}

	t := &Table{}
	t.cur.Store(&snapshot{entries: make([]uint32, size)})
	return t, nil
}

// Lookup returns entries[hash & mask].
func (t *Table) Lookup(hash uint32) uint32 {
	s := t.cur.Load()
	return s.entries[hash&s.mask]
}

func (t *Table) Size() int {
	return len(t.cur.Load().entries)
}

func (t *Table) Mask() uint32 {
	return t.cur.Load().mask
}

// Entries returns a copy of the table entries.
func (t *Table) Entries() []uint32 {
	return append([]uint32(nil), t.cur.Load().entries...)
}

func (t *Table) SetEntry(index int, queue uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.cur.Load()
	if index < 0 || index >= len(s.entries) {
		return fmt.Errorf("%w: %d, table size %d", ErrIndexOutOfRange, index, len(s.entries))
	}

	n := &snapshot{entries: append([]uint32(nil), s.entries...), mask: s.mask}
	n.entries[index] = queue
	t.cur.Store(n)
	return nil
}

// SetMask selects which low order hash bits index the table. The mask must
// not address past the end of the table.
func (t *Table) SetMask(mask uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.cur.Load()
	if mask > uint32(len(s.entries)-1) {
		return fmt.Errorf("%w: %#x, table size %d", ErrMaskInvalid, mask, len(s.entries))
	}

	t.cur.Store(&snapshot{entries: s.entries, mask: mask})
	return nil
}
