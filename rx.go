package mqnic

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/mqnic/packet"
	"github.com/slackhq/mqnic/queue"
	"github.com/slackhq/mqnic/ring"
	"github.com/slackhq/mqnic/rss"
	"github.com/slackhq/mqnic/stats"
)

var (
	ErrNoFreeBuffer = errors.New("no free receive buffer")
	ErrFrameTooLong = errors.New("frame exceeds max receive size")
)

// RxEngine steers frames arriving on its port into receive queues. Frames are
// handed over by the link through OnFrame and processed in arrival order by Run.
type RxEngine struct {
	port     int
	table    int
	l        *logrus.Logger
	qm       *queue.Manager
	resolver *rss.Resolver
	hasher   rss.Hasher
	stats    *stats.Counters
	maxSize  int
	checksum bool
	hashing  bool
	clock    func() uint64

	parser *packet.Parser
	flow   packet.Flow

	frames   chan []byte
	stopped  chan struct{}
	stopOnce sync.Once
}

func newRxEngine(l *logrus.Logger, port int, table int, qm *queue.Manager, resolver *rss.Resolver, hasher rss.Hasher,
	st *stats.Counters, maxSize int, backlog int, checksum bool, hashing bool, clock func() uint64) *RxEngine {

	return &RxEngine{
		port:     port,
		table:    table,
		l:        l,
		qm:       qm,
		resolver: resolver,
		hasher:   hasher,
		stats:    st,
		maxSize:  maxSize,
		checksum: checksum,
		hashing:  hashing,
		clock:    clock,
		parser:   packet.NewParser(),
		frames:   make(chan []byte, backlog),
		stopped:  make(chan struct{}),
	}
}

// OnFrame queues a frame from the link. It never waits: a frame that finds
// the backlog full or the engine stopped is dropped and counted in rx_drop.
func (e *RxEngine) OnFrame(_ int, frame []byte) {
	select {
	case <-e.stopped:
		e.stats.Add(e.port, stats.RxDrop, 1)
		return
	default:
	}

	select {
	case e.frames <- frame:
	default:
		e.stats.Add(e.port, stats.RxDrop, 1)
	}
}

// Run processes queued frames until ctx is done.
func (e *RxEngine) Run(ctx context.Context) error {
	defer e.stopOnce.Do(func() { close(e.stopped) })

	for {
		select {
		case <-ctx.Done():
			return nil
		case frame := <-e.frames:
			if err := e.Receive(frame); err != nil && e.l.IsLevelEnabled(logrus.DebugLevel) {
				e.l.WithError(err).WithField("port", e.port).WithField("len", len(frame)).Debug("Dropped frame")
			}
		}
	}
}

// Receive hashes frame, resolves its receive queue through the port's
// indirection table and completes the next receive descriptor of that queue.
// When the queue has no descriptor the frame is dropped with ErrNoFreeBuffer.
// Receive is not safe for concurrent use, Run serializes it.
func (e *RxEngine) Receive(frame []byte) error {
	if len(frame) > e.maxSize {
		e.stats.Add(e.port, stats.RxError, 1)
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLong, len(frame), e.maxSize)
	}

	var hash uint32
	var hashType packet.HashType
	if e.hashing {
		if err := e.parser.Parse(frame, &e.flow); err == nil {
			hash = e.hasher.Hash(&e.flow)
			hashType = e.flow.HashType()
		}
	}

	qid, err := e.resolver.Resolve(hash, e.table)
	if err != nil {
		e.stats.Add(e.port, stats.RxError, 1)
		return err
	}

	q, err := e.qm.Queue(queue.KindRx, qid)
	if err != nil {
		e.stats.Add(e.port, stats.RxError, 1)
		return err
	}

	op, err := q.Begin(nil)
	if err != nil {
		e.stats.Add(e.port, stats.RxDrop, 1)
		if errors.Is(err, queue.ErrCompletionQueueFull) {
			e.stats.Add(e.port, stats.CplOverflow, 1)
			return err
		}
		return fmt.Errorf("%w: %w", ErrNoFreeBuffer, err)
	}

	d := op.Descriptor()
	buf := d.Data
	if int(d.Len) < len(buf) {
		buf = buf[:d.Len]
	}

	n := copy(buf, frame)
	c := ring.Completion{
		Status:   ring.StatusOK,
		Len:      uint32(n),
		Hash:     hash,
		HashType: uint8(hashType),
		Data:     buf[:n],
	}

	if n < len(frame) {
		c.Status = ring.StatusTruncated
	}

	if e.checksum && len(frame) > packet.EthernetHeaderLen {
		c.Checksum = packet.Sum(frame[packet.EthernetHeaderLen:], 0)
	}

	if e.clock != nil {
		c.Timestamp = e.clock()
	}

	e.stats.Add(e.port, stats.RxPackets, 1)
	e.stats.Add(e.port, stats.RxBytes, uint64(len(frame)))
	return op.Complete(c)
}
