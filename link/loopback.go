package link

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Loopback wires every port's transmit side back into a receive side, its own
// by default. Delivery is synchronous: a receiver that can not keep up pushes
// back on the transmitter.
type Loopback struct {
	l     *logrus.Logger
	ports int

	mu       sync.RWMutex
	peer     []int
	handlers []Handler

	enabled atomic.Bool
	dropped atomic.Uint64
}

func NewLoopback(l *logrus.Logger, ports int) *Loopback {
	lb := &Loopback{
		l:        l,
		ports:    ports,
		peer:     make([]int, ports),
		handlers: make([]Handler, ports),
	}

	for p := range lb.peer {
		lb.peer[p] = p
	}
	lb.enabled.Store(true)
	return lb
}

// Connect cross connects two ports, frames sent on a arrive on b and the other
// way around.
func (lb *Loopback) Connect(a, b int) error {
	if !lb.valid(a) || !lb.valid(b) {
		return fmt.Errorf("%w: %d <-> %d", ErrUnknownPort, a, b)
	}

	lb.mu.Lock()
	lb.peer[a] = b
	lb.peer[b] = a
	lb.mu.Unlock()
	return nil
}

// SetEnabled switches the loopback. A disabled loopback drops every frame
// like an unplugged cable.
func (lb *Loopback) SetEnabled(enabled bool) {
	lb.enabled.Store(enabled)
	lb.l.WithField("enabled", enabled).Info("Loopback state changed")
}

// Dropped returns the number of frames lost while disabled or unattached.
func (lb *Loopback) Dropped() uint64 {
	return lb.dropped.Load()
}

func (lb *Loopback) Attach(port int, h Handler) {
	if !lb.valid(port) {
		return
	}

	lb.mu.Lock()
	lb.handlers[port] = h
	lb.mu.Unlock()
}

func (lb *Loopback) Deliver(port int, frame []byte) error {
	if !lb.valid(port) {
		return fmt.Errorf("%w: %d", ErrUnknownPort, port)
	}

	if !lb.enabled.Load() {
		lb.dropped.Add(1)
		return nil
	}

	lb.mu.RLock()
	dst := lb.peer[port]
	h := lb.handlers[dst]
	lb.mu.RUnlock()

	if h == nil {
		lb.dropped.Add(1)
		return fmt.Errorf("%w: %d", ErrNoHandler, dst)
	}

	if lb.l.IsLevelEnabled(logrus.TraceLevel) {
		lb.l.WithField("from", port).WithField("to", dst).WithField("len", len(frame)).Trace("Loopback frame")
	}

	h.OnFrame(dst, append([]byte(nil), frame...))
	return nil
}

func (lb *Loopback) valid(port int) bool {
	return port >= 0 && port < lb.ports
}
