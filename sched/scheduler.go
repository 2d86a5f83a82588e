package sched

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Per queue control word bits. A queue is eligible only when both are set.
const (
	CtrlEnable uint32 = 1 << 0
	CtrlActive uint32 = 1 << 1

	CtrlEligible = CtrlEnable | CtrlActive
)

var (
	ErrUnknownQueue = errors.New("queue is not managed by this scheduler")
	ErrNotEligible  = errors.New("queue is no longer eligible")
)

type State uint8

const (
	StateIdle State = iota
	StateSelecting
	StateDispatched
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSelecting:
		return "selecting"
	case StateDispatched:
		return "dispatched"
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// Source reports whether a transmit queue currently has work that could be
// started.
type Source interface {
	HasWork(q uint32) bool
}

// Dispatcher hands a queue selected by s to the transmit engine and returns
// once the engine accepted or refused it. The engine must confirm
// s.Eligible(q) when it accepts the request, selection and acceptance are
// not atomic.
type Dispatcher func(ctx context.Context, s *Scheduler, q uint32) error

// Scheduler arbitrates round robin between the transmit queues enabled in its
// control words.
type Scheduler struct {
	index int
	block *Block
	src   Source
	l     *logrus.Logger

	mu      sync.Mutex
	enabled bool
	ctrl    []uint32
	last    int
	state   State

	wake chan struct{}
}

func newScheduler(l *logrus.Logger, b *Block, index int, queues int, src Source) *Scheduler {
	return &Scheduler{
		index: index,
		block: b,
		src:   src,
		l:     l,
		ctrl:  make([]uint32, queues),
		last:  -1,
		wake:  make(chan struct{}, 1),
	}
}

func (s *Scheduler) Index() int {
	return s.index
}

func (s *Scheduler) SetEnabled(enabled bool) {
	s.mu.Lock()
	s.enabled = enabled
	s.mu.Unlock()

	s.l.WithField("block", s.block.index).WithField("scheduler", s.index).WithField("enabled", enabled).
		Info("Scheduler state changed")

	if enabled {
		s.Kick()
	}
}

func (s *Scheduler) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

// SetQueue writes the control word of queue q.
func (s *Scheduler) SetQueue(q uint32, word uint32) error {
	s.mu.Lock()
	if int(q) >= len(s.ctrl) {
		s.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrUnknownQueue, q)
	}
	s.ctrl[q] = word
	s.mu.Unlock()

	if word&CtrlEligible == CtrlEligible {
		s.Kick()
	}
	return nil
}

// Queue returns the control word of queue q.
func (s *Scheduler) Queue(q uint32) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if int(q) >= len(s.ctrl) {
		return 0, fmt.Errorf("%w: %d", ErrUnknownQueue, q)
	}
	return s.ctrl[q], nil
}

func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Eligible reports whether queue q may be served right now: the block, the
// scheduler and both control word bits of q must be enabled.
func (s *Scheduler) Eligible(q uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.enabled || !s.block.Enabled() || int(q) >= len(s.ctrl) {
		return false
	}
	return s.ctrl[q]&CtrlEligible == CtrlEligible
}

// Select picks the next eligible queue with work, starting just after the
// last dispatched queue and wrapping in ascending id order.
func (s *Scheduler) Select() (uint32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.enabled || !s.block.Enabled() {
		s.state = StateIdle
		return 0, false
	}

	s.state = StateSelecting
	n := len(s.ctrl)
	for i := 1; i <= n; i++ {
		q := (s.last + i) % n
		if s.ctrl[q]&CtrlEligible != CtrlEligible {
			continue
		}

		if !s.src.HasWork(uint32(q)) {
			continue
		}

		s.last = q
		s.state = StateDispatched
		return uint32(q), true
	}

	s.state = StateIdle
	return 0, false
}

// Done returns a dispatched scheduler to selecting.
func (s *Scheduler) Done() {
	s.mu.Lock()
	if s.state == StateDispatched {
		s.state = StateSelecting
	}
	s.mu.Unlock()
}

// Kick wakes an idle Run loop. It never blocks.
func (s *Scheduler) Kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run selects and dispatches until ctx is done. A refused dispatch moves on to
// the next queue, a full round of refusals or no eligible work parks the loop
// until Kick.
func (s *Scheduler) Run(ctx context.Context, dispatch Dispatcher) error {
	failures := 0
	for {
		if ctx.Err() != nil {
			return nil
		}

		if failures <= len(s.ctrl) {
			if q, ok := s.Select(); ok {
				err := dispatch(ctx, s, q)
				s.Done()
				if err == nil {
					failures = 0
					continue
				}

				if ctx.Err() != nil {
					return nil
				}

				failures++
				if s.l.IsLevelEnabled(logrus.DebugLevel) {
					s.l.WithError(err).WithField("block", s.block.index).WithField("scheduler", s.index).
						WithField("queue", q).Debug("Dispatch refused")
				}
				continue
			}
		}

		failures = 0
		select {
		case <-ctx.Done():
			return nil
		case <-s.wake:
		}
	}
}
