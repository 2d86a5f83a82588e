package mqnic

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/mqnic/link"
	"github.com/slackhq/mqnic/packet"
	"github.com/slackhq/mqnic/queue"
	"github.com/slackhq/mqnic/ring"
	"github.com/slackhq/mqnic/sched"
	"github.com/slackhq/mqnic/stats"
)

var ErrDescriptorMalformed = errors.New("descriptor malformed")

type txRequest struct {
	sched *sched.Scheduler
	queue uint32
	reply chan error
}

// TxEngine drains the transmit queues its port's schedulers select. Requests
// from every scheduler of the port are served one at a time in arrival order.
type TxEngine struct {
	port     int
	l        *logrus.Logger
	qm       *queue.Manager
	link     link.Link
	stats    *stats.Counters
	maxSize  int
	checksum bool
	clock    func() uint64

	buf      []byte
	requests chan txRequest
}

func newTxEngine(l *logrus.Logger, port int, qm *queue.Manager, lk link.Link, st *stats.Counters, maxSize int, checksum bool, clock func() uint64) *TxEngine {
	return &TxEngine{
		port:     port,
		l:        l,
		qm:       qm,
		link:     lk,
		stats:    st,
		maxSize:  maxSize,
		checksum: checksum,
		clock:    clock,
		buf:      make([]byte, maxSize),
		requests: make(chan txRequest),
	}
}

// Dispatch hands queue q selected by s to the engine and waits for the result
// of the transmit attempt.
func (e *TxEngine) Dispatch(ctx context.Context, s *sched.Scheduler, q uint32) error {
	r := txRequest{sched: s, queue: q, reply: make(chan error, 1)}

	select {
	case e.requests <- r:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-r.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run serves dispatches until ctx is done.
func (e *TxEngine) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case r := <-e.requests:
			r.reply <- e.accept(r)
		}
	}
}

// accept transmits a request unless its queue stopped being eligible while
// the request waited for the engine.
func (e *TxEngine) accept(r txRequest) error {
	if r.sched != nil && !r.sched.Eligible(r.queue) {
		return fmt.Errorf("%w: port %d queue %d", sched.ErrNotEligible, e.port, r.queue)
	}
	return e.Transmit(r.queue)
}

// Transmit sends the oldest descriptor of transmit queue qid. A malformed
// descriptor is left in place and the queue is stalled until the operator
// recovers it. Transmit is not safe for concurrent use, Run serializes it.
func (e *TxEngine) Transmit(qid uint32) error {
	q, err := e.qm.Queue(queue.KindTx, qid)
	if err != nil {
		return err
	}

	op, err := q.Begin(e.check)
	if err != nil {
		if errors.Is(err, ErrDescriptorMalformed) {
			e.stats.Add(e.port, stats.TxError, 1)
			q.Stall()
			e.l.WithError(err).WithField("port", e.port).WithField("queue", qid).
				Warn("Refusing malformed transmit descriptor, queue disabled")
		}
		return err
	}

	d := op.Descriptor()
	frame := e.buf[:d.Len]
	copy(frame, d.Data)

	if d.Csum.Enable && e.checksum {
		// Offsets were validated by check.
		_ = packet.InsertChecksum(frame, int(d.Csum.Start), int(d.Csum.Offset))
	}

	c := ring.Completion{Status: ring.StatusOK, Len: d.Len, Data: d.Data}
	if err := e.link.Deliver(e.port, frame); err != nil {
		c.Status = ring.StatusError
		e.stats.Add(e.port, stats.TxError, 1)
		if e.l.IsLevelEnabled(logrus.DebugLevel) {
			e.l.WithError(err).WithField("port", e.port).WithField("queue", qid).Debug("Link refused frame")
		}
	} else {
		e.stats.Add(e.port, stats.TxPackets, 1)
		e.stats.Add(e.port, stats.TxBytes, uint64(d.Len))
	}

	if e.clock != nil {
		c.Timestamp = e.clock()
	}

	return op.Complete(c)
}

func (e *TxEngine) check(d ring.Descriptor) error {
	if int(d.Len) > e.maxSize {
		return fmt.Errorf("%w: length %d exceeds max transmit size %d", ErrDescriptorMalformed, d.Len, e.maxSize)
	}

	if int(d.Len) > len(d.Data) {
		return fmt.Errorf("%w: length %d exceeds buffer of %d", ErrDescriptorMalformed, d.Len, len(d.Data))
	}

	if d.Csum.Enable && e.checksum {
		if err := packet.CheckOffload(int(d.Len), int(d.Csum.Start), int(d.Csum.Offset)); err != nil {
			return fmt.Errorf("%w: %w", ErrDescriptorMalformed, err)
		}
	}

	return nil
}
