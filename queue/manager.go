package queue

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/mqnic/ring"
)

var ErrUnknownQueue = errors.New("unknown queue")

// Watcher is called after any change that may give a queue work: a
// descriptor was enqueued, the queue was enabled, an operation completed or
// completion queue slots were freed. Watchers run on the caller's goroutine
// and must not block.
type Watcher func(kind Kind, id uint32)

// Manager owns every descriptor, completion and event queue of an interface.
// The manager lock only guards the registry, queue state is guarded per queue.
type Manager struct {
	l           *logrus.Logger
	opTableSize int

	mu     sync.RWMutex
	tx     []*Queue
	rx     []*Queue
	txCpl  []*CplQueue
	rxCpl  []*CplQueue
	events []*EventQueue

	watchers  atomic.Pointer[[]Watcher]
	watchLock sync.Mutex
	eventDrop atomic.Pointer[func(eq uint32)]
}

func NewManager(l *logrus.Logger, opTableSize int) (*Manager, error) {
	if opTableSize <= 0 {
		return nil, fmt.Errorf("operation table size must be positive: %d", opTableSize)
	}

	return &Manager{l: l, opTableSize: opTableSize}, nil
}

// OpTableSize returns the per queue bound on started but uncompleted operations.
func (m *Manager) OpTableSize() int {
	return m.opTableSize
}

// CreateQueue allocates the next queue of kind. Ids are handed out per kind
// starting at 0.
func (m *Manager) CreateQueue(kind Kind, capacity int) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var id uint32
	switch kind {
	case KindTx, KindRx:
		r, err := ring.New[ring.Descriptor](capacity)
		if err != nil {
			return 0, err
		}

		q := &Queue{kind: kind, opTableSize: m.opTableSize, m: m, ring: r}
		if kind == KindTx {
			q.id = uint32(len(m.tx))
			m.tx = append(m.tx, q)
		} else {
			q.id = uint32(len(m.rx))
			m.rx = append(m.rx, q)
		}
		id = q.id

	case KindTxCpl, KindRxCpl:
		r, err := ring.New[ring.Completion](capacity)
		if err != nil {
			return 0, err
		}

		if kind == KindTxCpl {
			id = uint32(len(m.txCpl))
			m.txCpl = append(m.txCpl, newCplQueue(m, kind, id, r))
		} else {
			id = uint32(len(m.rxCpl))
			m.rxCpl = append(m.rxCpl, newCplQueue(m, kind, id, r))
		}

	case KindEvent:
		r, err := ring.New[Event](capacity)
		if err != nil {
			return 0, err
		}

		id = uint32(len(m.events))
		m.events = append(m.events, &EventQueue{id: id, m: m, ring: r, ready: make(chan struct{}, 1)})

	default:
		return 0, fmt.Errorf("unknown queue kind: %v", kind)
	}

	if m.l.IsLevelEnabled(logrus.DebugLevel) {
		m.l.WithField("kind", kind).WithField("queue", id).WithField("capacity", capacity).
			Debug("Created queue")
	}

	return id, nil
}

// Count returns the number of queues of kind.
func (m *Manager) Count(kind Kind) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	switch kind {
	case KindTx:
		return len(m.tx)
	case KindRx:
		return len(m.rx)
	case KindTxCpl:
		return len(m.txCpl)
	case KindRxCpl:
		return len(m.rxCpl)
	case KindEvent:
		return len(m.events)
	}
	return 0
}

// Queue returns a transmit or receive descriptor queue.
func (m *Manager) Queue(kind Kind, id uint32) (*Queue, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var qs []*Queue
	switch kind {
	case KindTx:
		qs = m.tx
	case KindRx:
		qs = m.rx
	default:
		return nil, fmt.Errorf("%w: %s is not a descriptor queue kind", ErrUnknownQueue, kind)
	}

	if int(id) >= len(qs) {
		return nil, fmt.Errorf("%w: %s %d", ErrUnknownQueue, kind, id)
	}
	return qs[id], nil
}

// CplQueue returns a transmit or receive completion queue.
func (m *Manager) CplQueue(kind Kind, id uint32) (*CplQueue, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var qs []*CplQueue
	switch kind {
	case KindTxCpl:
		qs = m.txCpl
	case KindRxCpl:
		qs = m.rxCpl
	default:
		return nil, fmt.Errorf("%w: %s is not a completion queue kind", ErrUnknownQueue, kind)
	}

	if int(id) >= len(qs) {
		return nil, fmt.Errorf("%w: %s %d", ErrUnknownQueue, kind, id)
	}
	return qs[id], nil
}

func (m *Manager) EventQueue(id uint32) (*EventQueue, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if int(id) >= len(m.events) {
		return nil, fmt.Errorf("%w: %s %d", ErrUnknownQueue, KindEvent, id)
	}
	return m.events[id], nil
}

// Bind attaches a descriptor queue to a completion queue of the matching kind,
// or a completion queue to an event queue.
func (m *Manager) Bind(kind Kind, id uint32, target uint32) error {
	switch kind {
	case KindTx, KindRx:
		q, err := m.Queue(kind, id)
		if err != nil {
			return err
		}

		c, err := m.CplQueue(kind.completionKind(), target)
		if err != nil {
			return err
		}

		q.bind(c)

	case KindTxCpl, KindRxCpl:
		c, err := m.CplQueue(kind, id)
		if err != nil {
			return err
		}

		eq, err := m.EventQueue(target)
		if err != nil {
			return err
		}

		c.bind(eq)

	default:
		return fmt.Errorf("%w: %s queues can not be bound", ErrUnknownQueue, kind)
	}

	return nil
}

// Enable sets the enable flag of a descriptor queue.
func (m *Manager) Enable(kind Kind, id uint32, enabled bool) error {
	q, err := m.Queue(kind, id)
	if err != nil {
		return err
	}

	q.SetEnabled(enabled)
	return nil
}

// Enqueue publishes a descriptor on a descriptor queue.
func (m *Manager) Enqueue(kind Kind, id uint32, d ring.Descriptor) error {
	q, err := m.Queue(kind, id)
	if err != nil {
		return err
	}

	return q.Enqueue(d)
}

// Post publishes a completion on a completion queue.
func (m *Manager) Post(kind Kind, id uint32, c ring.Completion) error {
	cq, err := m.CplQueue(kind, id)
	if err != nil {
		return err
	}

	return cq.Post(c)
}

// Subscribe registers a Watcher for every queue of the manager.
func (m *Manager) Subscribe(w Watcher) {
	m.watchLock.Lock()
	defer m.watchLock.Unlock()

	var ws []Watcher
	if cur := m.watchers.Load(); cur != nil {
		ws = append(ws, *cur...)
	}
	ws = append(ws, w)
	m.watchers.Store(&ws)
}

// OnEventDrop registers the function called whenever an event queue overflows.
func (m *Manager) OnEventDrop(f func(eq uint32)) {
	m.eventDrop.Store(&f)
}

func (m *Manager) notify(kind Kind, id uint32) {
	ws := m.watchers.Load()
	if ws == nil {
		return
	}

	for _, w := range *ws {
		w(kind, id)
	}
}

func (m *Manager) eventDropped(eq uint32) {
	if f := m.eventDrop.Load(); f != nil {
		(*f)(eq)
	}

	if m.l.IsLevelEnabled(logrus.DebugLevel) {
		m.l.WithField("eventQueue", eq).Debug("Event queue overflow, dropped event")
	}
}
