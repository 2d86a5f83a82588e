package mqnic

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/mqnic/link"
	"github.com/slackhq/mqnic/packet"
	"github.com/slackhq/mqnic/queue"
	"github.com/slackhq/mqnic/ring"
	"github.com/slackhq/mqnic/rss"
	"github.com/slackhq/mqnic/sched"
	"github.com/slackhq/mqnic/stats"
	"golang.org/x/sync/errgroup"
)

const (
	minRxBufferSize = 64

	// DefaultRxBacklog is the number of frames a port holds between the
	// link and its receive engine.
	DefaultRxBacklog = 64
)

type InterfaceConfig struct {
	Index              int
	PortBase           int
	Ports              int
	SchedulersPerBlock int

	TxQueues       int
	TxQueueSize    int
	RxQueues       int
	RxQueueSize    int
	CplQueueSize   int
	EventQueueSize int
	OpTableSize    int

	MaxTxSize    int
	MaxRxSize    int
	RxBufferSize int
	RxBacklog    int

	TxChecksum bool
	RxChecksum bool
	RSS        bool
	RSSMask    uint32
	TableSize  int
	Hasher     rss.Hasher

	Link     link.Link
	Stats    *stats.Counters
	Registry metrics.Registry
	Clock    func() uint64
	l        *logrus.Logger
}

// Port is one port of an interface with its engines and scheduler block.
type Port struct {
	Index int
	ID    int
	Tx    *TxEngine
	Rx    *RxEngine
	Block *sched.Block
}

// Packet is a received frame handed to the operator by Recv.
type Packet struct {
	Data       []byte
	Queue      uint32
	Status     ring.Status
	RxChecksum uint16
	Hash       uint32
	HashType   packet.HashType
	Timestamp  uint64
}

// Interface is a logical network interface: a queue manager, the indirection
// tables of its ports and a transmit engine, receive engine and scheduler
// block per port.
type Interface struct {
	index        int
	portBase     int
	rxBufferSize int

	qm       *queue.Manager
	resolver *rss.Resolver
	ports    []*Port
	stats    *stats.Counters
	eq       *queue.EventQueue
	txQs     []*queue.Queue
	txCpls   []*queue.CplQueue
	rxCpls   []*queue.CplQueue
	txTags   []atomic.Uint32

	txSpace broadcast
	rxReady broadcast

	recvMu sync.Mutex
	rxNext int

	sweep       atomic.Bool
	txDone      atomic.Pointer[func(ring.Completion)]
	txCompleted metrics.Counter

	l *logrus.Logger
}

func NewInterface(c *InterfaceConfig) (*Interface, error) {
	if c.l == nil {
		return nil, errors.New("no logger")
	}
	if c.Link == nil {
		return nil, errors.New("no link")
	}
	if c.Stats == nil {
		return nil, errors.New("no statistics counters")
	}
	if c.Hasher == nil {
		return nil, errors.New("no rss hasher")
	}
	if c.Ports <= 0 {
		return nil, fmt.Errorf("interface %d needs at least one port", c.Index)
	}
	if c.TxQueues <= 0 || c.RxQueues <= 0 {
		return nil, fmt.Errorf("interface %d needs at least one transmit and one receive queue", c.Index)
	}
	if c.MaxTxSize <= 0 || c.MaxRxSize <= 0 {
		return nil, fmt.Errorf("max transmit and receive sizes must be positive")
	}
	if c.RxBacklog <= 0 {
		c.RxBacklog = DefaultRxBacklog
	}
	if c.RxBufferSize < minRxBufferSize {
		return nil, fmt.Errorf("receive buffer size %d is smaller than %d", c.RxBufferSize, minRxBufferSize)
	}

	qm, err := queue.NewManager(c.l, c.OpTableSize)
	if err != nil {
		return nil, err
	}

	eqn, err := qm.CreateQueue(queue.KindEvent, c.EventQueueSize)
	if err != nil {
		return nil, fmt.Errorf("event queue: %w", err)
	}
	eq, err := qm.EventQueue(eqn)
	if err != nil {
		return nil, err
	}

	resolver, err := rss.NewResolver(c.l, c.Ports, c.TableSize, c.RxQueues)
	if err != nil {
		return nil, err
	}

	ifce := &Interface{
		index:        c.Index,
		portBase:     c.PortBase,
		rxBufferSize: c.RxBufferSize,
		qm:           qm,
		resolver:     resolver,
		stats:        c.Stats,
		eq:           eq,
		txTags:       make([]atomic.Uint32, c.TxQueues),
		txCompleted:  metrics.NewCounter(),
		l:            c.l,
	}

	if c.Registry != nil {
		ifce.txCompleted = metrics.GetOrRegisterCounter(fmt.Sprintf("mqnic.if%d.tx_completions", c.Index), c.Registry)
	}

	for _, kind := range []queue.Kind{queue.KindTx, queue.KindRx} {
		count, size := c.TxQueues, c.TxQueueSize
		if kind == queue.KindRx {
			count, size = c.RxQueues, c.RxQueueSize
		}

		for i := 0; i < count; i++ {
			if err := ifce.createQueuePair(kind, size, c.CplQueueSize, eqn); err != nil {
				return nil, fmt.Errorf("%s queue %d: %w", kind, i, err)
			}
		}
	}

	for p := 0; p < c.Ports; p++ {
		t, err := resolver.Table(p)
		if err != nil {
			return nil, err
		}

		for k := 0; k < t.Size(); k++ {
			if err := resolver.SetIndirectionEntry(p, k, uint32(k%c.RxQueues)); err != nil {
				return nil, err
			}
		}

		if err := resolver.SetMask(p, c.RSSMask); err != nil {
			return nil, err
		}
	}

	src := txSource{qm: qm}
	for k := 0; k < c.Ports; k++ {
		id := c.PortBase + k
		block, err := sched.NewBlock(c.l, k, id, c.SchedulersPerBlock, c.TxQueues, src)
		if err != nil {
			return nil, err
		}
		block.SetEnabled(true)

		port := &Port{
			Index: k,
			ID:    id,
			Tx:    newTxEngine(c.l, id, qm, c.Link, c.Stats, c.MaxTxSize, c.TxChecksum, c.Clock),
			Rx:    newRxEngine(c.l, id, k, qm, resolver, c.Hasher, c.Stats, c.MaxRxSize, c.RxBacklog, c.RxChecksum, c.RSS, c.Clock),
			Block: block,
		}
		c.Link.Attach(id, port.Rx)
		ifce.ports = append(ifce.ports, port)
	}

	// Block 0 scheduler 0 serves every transmit queue until told otherwise.
	s := ifce.ports[0].Block.Schedulers()[0]
	for q := 0; q < c.TxQueues; q++ {
		if err := s.SetQueue(uint32(q), sched.CtrlEligible); err != nil {
			return nil, err
		}
	}
	s.SetEnabled(true)

	qm.Subscribe(ifce.doorbell)
	qm.OnEventDrop(func(uint32) {
		ifce.stats.Add(ifce.portBase, stats.EventDrop, 1)
		ifce.sweep.Store(true)
	})

	if err := ifce.fillRx(); err != nil {
		return nil, err
	}

	if c.l.IsLevelEnabled(logrus.DebugLevel) {
		c.l.WithFields(logrus.Fields{
			"interface":  c.Index,
			"ports":      c.Ports,
			"txQueues":   c.TxQueues,
			"rxQueues":   c.RxQueues,
			"opTable":    c.OpTableSize,
			"txChecksum": c.TxChecksum,
			"rxChecksum": c.RxChecksum,
			"rss":        c.RSS,
		}).Debug("Initialized interface")
	}

	return ifce, nil
}

func (f *Interface) createQueuePair(kind queue.Kind, size int, cplSize int, eqn uint32) error {
	cplKind := queue.KindTxCpl
	if kind == queue.KindRx {
		cplKind = queue.KindRxCpl
	}

	qid, err := f.qm.CreateQueue(kind, size)
	if err != nil {
		return err
	}

	cqn, err := f.qm.CreateQueue(cplKind, cplSize)
	if err != nil {
		return err
	}

	if err := f.qm.Bind(kind, qid, cqn); err != nil {
		return err
	}
	if err := f.qm.Bind(cplKind, cqn, eqn); err != nil {
		return err
	}

	q, err := f.qm.Queue(kind, qid)
	if err != nil {
		return err
	}
	cq, err := f.qm.CplQueue(cplKind, cqn)
	if err != nil {
		return err
	}

	if kind == queue.KindTx {
		f.txQs = append(f.txQs, q)
		f.txCpls = append(f.txCpls, cq)
	} else {
		f.rxCpls = append(f.rxCpls, cq)
	}

	q.SetEnabled(true)
	return nil
}

// fillRx posts a fresh buffer into every free receive descriptor slot.
func (f *Interface) fillRx() error {
	for i := 0; i < f.qm.Count(queue.KindRx); i++ {
		q, err := f.qm.Queue(queue.KindRx, uint32(i))
		if err != nil {
			return err
		}

		for tag := 0; ; tag++ {
			err := q.Enqueue(f.newRxDescriptor(uint16(tag)))
			if errors.Is(err, queue.ErrQueueFull) {
				break
			}
			if err != nil {
				return err
			}
		}
	}

	return nil
}

func (f *Interface) newRxDescriptor(tag uint16) ring.Descriptor {
	return ring.Descriptor{
		Len:  uint32(f.rxBufferSize),
		Tag:  tag,
		Data: make([]byte, f.rxBufferSize),
	}
}

type txSource struct {
	qm *queue.Manager
}

func (s txSource) HasWork(q uint32) bool {
	tq, err := s.qm.Queue(queue.KindTx, q)
	if err != nil {
		return false
	}
	return tq.HasWork()
}

func (f *Interface) doorbell(kind queue.Kind, _ uint32) {
	switch kind {
	case queue.KindTx:
		f.txSpace.notify()
		f.kick()
	case queue.KindTxCpl:
		// Read completions free slots an engine may be waiting on.
		f.kick()
	}
}

func (f *Interface) kick() {
	for _, p := range f.ports {
		p.Block.Kick()
	}
}

func (f *Interface) Index() int {
	return f.index
}

func (f *Interface) Manager() *queue.Manager {
	return f.qm
}

func (f *Interface) Resolver() *rss.Resolver {
	return f.resolver
}

func (f *Interface) Ports() []*Port {
	return f.ports
}

func (f *Interface) Port(k int) (*Port, error) {
	if k < 0 || k >= len(f.ports) {
		return nil, fmt.Errorf("interface %d has no port %d", f.index, k)
	}
	return f.ports[k], nil
}

// Block returns the scheduler block bound to local port k.
func (f *Interface) Block(k int) (*sched.Block, error) {
	p, err := f.Port(k)
	if err != nil {
		return nil, err
	}
	return p.Block, nil
}

// Scheduler returns scheduler s of block b.
func (f *Interface) Scheduler(b int, s int) (*sched.Scheduler, error) {
	block, err := f.Block(b)
	if err != nil {
		return nil, err
	}
	return block.Scheduler(s)
}

// SetTxCompletionHandler registers a function called for every reaped
// transmit completion, in completion order per queue.
func (f *Interface) SetTxCompletionHandler(h func(ring.Completion)) {
	f.txDone.Store(&h)
}

// TxCompleted returns the number of transmit completions reaped so far.
func (f *Interface) TxCompleted() int64 {
	return f.txCompleted.Count()
}

// StartXmit posts a transmit descriptor for data on queue txq and returns its
// tag. While the queue is full it waits for the engine to drain it.
func (f *Interface) StartXmit(ctx context.Context, data []byte, txq uint32, csum ring.CsumCmd) (uint16, error) {
	if int(txq) >= len(f.txQs) {
		return 0, fmt.Errorf("%w: %s %d", queue.ErrUnknownQueue, queue.KindTx, txq)
	}

	q := f.txQs[txq]
	tag := uint16(f.txTags[txq].Add(1) - 1)
	d := ring.Descriptor{Len: uint32(len(data)), Tag: tag, Csum: csum, Data: data}

	for {
		space := f.txSpace.wait()
		err := q.Enqueue(d)
		if !errors.Is(err, queue.ErrQueueFull) {
			return tag, err
		}

		select {
		case <-space:
		case <-ctx.Done():
			return tag, ctx.Err()
		}
	}
}

// Recv returns the next received packet from any receive queue, waiting for
// one to arrive. The consumed receive buffer is replaced with a fresh one.
func (f *Interface) Recv(ctx context.Context) (*Packet, error) {
	for {
		if p := f.pollRx(); p != nil {
			return p, nil
		}

		ready := f.rxReady.wait()
		for _, cq := range f.rxCpls {
			cq.Arm()
		}

		if p := f.pollRx(); p != nil {
			return p, nil
		}

		select {
		case <-ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (f *Interface) pollRx() *Packet {
	f.recvMu.Lock()
	defer f.recvMu.Unlock()

	n := len(f.rxCpls)
	for i := 0; i < n; i++ {
		idx := (f.rxNext + i) % n
		cs := f.rxCpls[idx].Read(1)
		if len(cs) == 0 {
			continue
		}

		f.rxNext = idx + 1
		c := cs[0]
		if err := f.qm.Enqueue(queue.KindRx, c.Queue, f.newRxDescriptor(c.Tag)); err != nil {
			f.l.WithError(err).WithField("queue", c.Queue).Warn("Failed to refill receive queue")
		}

		return &Packet{
			Data:       c.Data,
			Queue:      c.Queue,
			Status:     c.Status,
			RxChecksum: c.Checksum,
			Hash:       c.Hash,
			HashType:   packet.HashType(c.HashType),
			Timestamp:  c.Timestamp,
		}
	}

	return nil
}

// RecoverTxQueue drops the descriptor a transmit queue stalled on and enables
// the queue again. Queues the engine did not stall are left alone.
func (f *Interface) RecoverTxQueue(txq uint32) (ring.Descriptor, error) {
	q, err := f.qm.Queue(queue.KindTx, txq)
	if err != nil {
		return ring.Descriptor{}, err
	}

	d, err := q.Recover()
	if err != nil {
		return ring.Descriptor{}, err
	}
	f.l.WithField("interface", f.index).WithField("queue", txq).WithField("tag", d.Tag).
		Info("Recovered transmit queue")
	return d, nil
}

// Run starts every engine, scheduler and the completion reaper of the
// interface and blocks until ctx is done.
func (f *Interface) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)

	for _, p := range f.ports {
		eg.Go(func() error {
			return p.Tx.Run(ctx)
		})
		eg.Go(func() error {
			return p.Rx.Run(ctx)
		})
		eg.Go(func() error {
			return p.Block.Run(ctx, p.Tx.Dispatch)
		})
	}

	eg.Go(func() error {
		return f.reap(ctx)
	})

	f.l.WithField("interface", f.index).WithField("ports", len(f.ports)).Info("Interface is active")
	return eg.Wait()
}

// reap services the event queue: transmit completions are consumed and
// receive completions wake Recv.
func (f *Interface) reap(ctx context.Context) error {
	for _, cq := range f.txCpls {
		cq.Arm()
	}

	for {
		for _, ev := range f.eq.Read(0) {
			if ev.Type == queue.EventTxCpl {
				f.reapTx(ev.Source)
			} else {
				f.rxReady.notify()
			}
		}

		// An event was lost, look at everything.
		if f.sweep.Swap(false) {
			for i := range f.txCpls {
				f.reapTx(uint32(i))
			}
			f.rxReady.notify()
		}

		if err := f.eq.Wait(ctx); err != nil {
			return nil
		}
	}
}

func (f *Interface) reapTx(cqn uint32) {
	if int(cqn) >= len(f.txCpls) {
		return
	}

	cq := f.txCpls[cqn]
	h := f.txDone.Load()
	for _, c := range cq.Read(0) {
		f.txCompleted.Inc(1)
		if h != nil {
			(*h)(c)
		}
	}
	cq.Arm()
}
