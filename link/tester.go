package link

import (
	"fmt"
	"sync"
)

// Frame is a frame seen on a port.
type Frame struct {
	Port int
	Data []byte
}

// Tester is a Link for tests. Transmitted frames are captured on TxFrames and
// Inject feeds frames into the attached receivers.
type Tester struct {
	TxFrames chan Frame

	mu       sync.RWMutex
	handlers map[int]Handler
}

func NewTester(buffer int) *Tester {
	return &Tester{
		TxFrames: make(chan Frame, buffer),
		handlers: map[int]Handler{},
	}
}

func (t *Tester) Attach(port int, h Handler) {
	t.mu.Lock()
	t.handlers[port] = h
	t.mu.Unlock()
}

func (t *Tester) Deliver(port int, frame []byte) error {
	t.TxFrames <- Frame{Port: port, Data: append([]byte(nil), frame...)}
	return nil
}

// Inject delivers frame to the receiver attached to port.
func (t *Tester) Inject(port int, frame []byte) error {
	t.mu.RLock()
	h := t.handlers[port]
	t.mu.RUnlock()

	if h == nil {
		return fmt.Errorf("%w: %d", ErrNoHandler, port)
	}

	h.OnFrame(port, append([]byte(nil), frame...))
	return nil
}

// Get pulls a transmitted frame, nil when block is false and nothing is waiting.
func (t *Tester) Get(block bool) *Frame {
	if block {
		f := <-t.TxFrames
		return &f
	}

	select {
	case f := <-t.TxFrames:
		return &f
	default:
		return nil
	}
}

// Discard drops everything it is asked to deliver.
type Discard struct {
	ports int
}

func NewDiscard(ports int) *Discard {
	return &Discard{ports: ports}
}

func (d *Discard) Attach(int, Handler) {}

func (d *Discard) Deliver(port int, _ []byte) error {
	if port < 0 || port >= d.ports {
		return fmt.Errorf("%w: %d", ErrUnknownPort, port)
	}
	return nil
}
