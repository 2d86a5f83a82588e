package rss

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

var (
	ErrUnknownTable = errors.New("unknown indirection table")
	ErrQueueInvalid = errors.New("receive queue out of range")
)

// Resolver owns the indirection tables of an interface, one per port. Entries
// are restricted to the receive queues that exist on the interface.
type Resolver struct {
	l      *logrus.Logger
	tables []*Table
	queues uint32
}

// NewResolver creates count tables of tableSize entries each, valid for rxQueues
// receive queues.
func NewResolver(l *logrus.Logger, count int, tableSize int, rxQueues int) (*Resolver, error) {
	if rxQueues <= 0 {
		return nil, fmt.Errorf("%w: interface has no receive queues", ErrQueueInvalid)
	}

	r := &Resolver{l: l, tables: make([]*Table, count), queues: uint32(rxQueues)}
	for i := range r.tables {
		t, err := NewTable(tableSize)
		if err != nil {
			return nil, err
		}
		r.tables[i] = t
	}

	return r, nil
}

// Table returns the indirection table table.
func (r *Resolver) Table(table int) (*Table, error) {
	if table < 0 || table >= len(r.tables) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownTable, table)
	}
	return r.tables[table], nil
}

func (r *Resolver) Tables() int {
	return len(r.tables)
}

// Resolve returns indirection_table[table][hash & mask].
func (r *Resolver) Resolve(hash uint32, table int) (uint32, error) {
	t, err := r.Table(table)
	if err != nil {
		return 0, err
	}

	return t.Lookup(hash), nil
}

func (r *Resolver) SetIndirectionEntry(table int, index int, queue uint32) error {
	if queue >= r.queues {
		return fmt.Errorf("%w: %d, interface has %d", ErrQueueInvalid, queue, r.queues)
	}

	t, err := r.Table(table)
	if err != nil {
		return err
	}

	if err := t.SetEntry(index, queue); err != nil {
		return err
	}

	if r.l.IsLevelEnabled(logrus.DebugLevel) {
		r.l.WithField("table", table).WithField("index", index).WithField("queue", queue).
			Debug("Updated indirection table entry")
	}
	return nil
}

func (r *Resolver) SetMask(table int, mask uint32) error {
	t, err := r.Table(table)
	if err != nil {
		return err
	}

	if err := t.SetMask(mask); err != nil {
		return err
	}

	r.l.WithField("table", table).WithField("mask", fmt.Sprintf("%#x", mask)).Info("Updated rss mask")
	return nil
}
