package sched

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Block is a group of schedulers bound to one port. Every scheduler of the
// block feeds the same port transmit engine.
type Block struct {
	index      int
	port       int
	l          *logrus.Logger
	enabled    atomic.Bool
	schedulers []*Scheduler
}

// NewBlock creates a disabled block of count disabled schedulers, each with a
// zeroed control word per transmit queue.
func NewBlock(l *logrus.Logger, index int, port int, count int, queues int, src Source) (*Block, error) {
	if count <= 0 {
		return nil, fmt.Errorf("scheduler block %d needs at least one scheduler", index)
	}

	b := &Block{index: index, port: port, l: l}
	for i := 0; i < count; i++ {
		b.schedulers = append(b.schedulers, newScheduler(l, b, i, queues, src))
	}

	return b, nil
}

func (b *Block) Index() int {
	return b.index
}

// Port returns the port this block is bound to.
func (b *Block) Port() int {
	return b.port
}

func (b *Block) Enabled() bool {
	return b.enabled.Load()
}

// SetEnabled takes effect on the next selection of every scheduler in the
// block. A dispatch the engine has not accepted yet is refused, one already
// transmitting completes.
func (b *Block) SetEnabled(enabled bool) {
	b.enabled.Store(enabled)
	b.l.WithField("block", b.index).WithField("port", b.port).WithField("enabled", enabled).
		Info("Scheduler block state changed")

	if enabled {
		b.Kick()
	}
}

func (b *Block) Schedulers() []*Scheduler {
	return b.schedulers
}

func (b *Block) Scheduler(i int) (*Scheduler, error) {
	if i < 0 || i >= len(b.schedulers) {
		return nil, fmt.Errorf("scheduler block %d has no scheduler %d", b.index, i)
	}
	return b.schedulers[i], nil
}

// Kick wakes every scheduler of the block.
func (b *Block) Kick() {
	for _, s := range b.schedulers {
		s.Kick()
	}
}

// Run runs every scheduler of the block until ctx is done.
func (b *Block) Run(ctx context.Context, dispatch Dispatcher) error {
	eg, ctx := errgroup.WithContext(ctx)
	for _, s := range b.schedulers {
		eg.Go(func() error {
			return s.Run(ctx, dispatch)
		})
	}
	return eg.Wait()
}
