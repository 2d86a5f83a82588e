package mqnic

import (
	"context"
	"encoding/binary"
	"net"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/slackhq/mqnic/link"
	"github.com/slackhq/mqnic/packet"
	"github.com/slackhq/mqnic/queue"
	"github.com/slackhq/mqnic/ring"
	"github.com/slackhq/mqnic/rss"
	"github.com/slackhq/mqnic/sched"
	"github.com/slackhq/mqnic/stats"
	"github.com/slackhq/mqnic/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	hostA = net.IPv4(192, 168, 1, 100)
	hostB = net.IPv4(192, 168, 1, 101)
)

type testInterface struct {
	*Interface
	lb    *link.Loopback
	stats *stats.Counters
}

func newTestInterface(t *testing.T, mod func(c *InterfaceConfig)) *testInterface {
	t.Helper()
	l := test.NewLogger()
	hasher, err := rss.NewHasher("toeplitz")
	require.NoError(t, err)

	c := &InterfaceConfig{
		Ports:              1,
		SchedulersPerBlock: 1,
		TxQueues:           4,
		TxQueueSize:        64,
		RxQueues:           4,
		RxQueueSize:        64,
		CplQueueSize:       256,
		EventQueueSize:     64,
		OpTableSize:        32,
		MaxTxSize:          9214,
		MaxRxSize:          9214,
		RxBufferSize:       9216,
		TxChecksum:         true,
		RxChecksum:         true,
		RSS:                true,
		TableSize:          256,
		Hasher:             hasher,
		Clock: func() uint64 {
			return uint64(time.Now().UnixNano())
		},
		l: l,
	}
	if mod != nil {
		mod(c)
	}

	var lb *link.Loopback
	if c.Link == nil {
		lb = link.NewLoopback(l, c.PortBase+c.Ports)
		c.Link = lb
	}
	c.Stats = stats.New(c.PortBase+c.Ports, nil, "mqnic")

	f, err := NewInterface(c)
	require.NoError(t, err)
	return &testInterface{Interface: f, lb: lb, stats: c.Stats}
}

func (ti *testInterface) run(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- ti.Run(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})
}

func (ti *testInterface) recv(t *testing.T) *Packet {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	p, err := ti.Recv(ctx)
	require.NoError(t, err)
	return p
}

func (ti *testInterface) xmit(t *testing.T, frame []byte, txq uint32) uint16 {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tag, err := ti.StartXmit(ctx, frame, txq, ring.CsumCmd{})
	require.NoError(t, err)
	return tag
}

func seqFrame(seq uint32, dstPort uint16, size int) []byte {
	data := test.Payload(size)
	binary.BigEndian.PutUint32(data, seq)
	return test.UDPFrame(hostA, hostB, 1, dstPort, data)
}

func TestNewInterface(t *testing.T) {
	f := newTestInterface(t, func(c *InterfaceConfig) {
		c.Ports = 2
		c.PortBase = 4
	})

	assert.Equal(t, 4, f.Manager().Count(queue.KindTx))
	assert.Equal(t, 4, f.Manager().Count(queue.KindRx))
	assert.Equal(t, 4, f.Manager().Count(queue.KindTxCpl))
	assert.Equal(t, 1, f.Manager().Count(queue.KindEvent))
	assert.Equal(t, 2, f.Resolver().Tables())

	require.Len(t, f.Ports(), 2)
	assert.Equal(t, 5, f.Ports()[1].ID)
	assert.Equal(t, 5, f.Ports()[1].Block.Port())

	// Every receive queue starts full of buffers
	for i := uint32(0); i < 4; i++ {
		q, err := f.Manager().Queue(queue.KindRx, i)
		require.NoError(t, err)
		assert.Equal(t, 64, q.Len())
		assert.True(t, q.Enabled())
	}

	// Block 0 scheduler 0 serves every transmit queue, everything else is parked
	s, err := f.Scheduler(0, 0)
	require.NoError(t, err)
	assert.True(t, s.Enabled())
	for q := uint32(0); q < 4; q++ {
		w, err := s.Queue(q)
		require.NoError(t, err)
		assert.Equal(t, sched.CtrlEligible, w)
	}

	s, err = f.Scheduler(1, 0)
	require.NoError(t, err)
	assert.False(t, s.Enabled())
	assert.True(t, f.ports[1].Block.Enabled())

	_, err = f.Port(2)
	assert.Error(t, err)
	_, err = f.Scheduler(0, 1)
	assert.Error(t, err)
}

func TestNewInterface_Invalid(t *testing.T) {
	hasher, err := rss.NewHasher("xxh3")
	require.NoError(t, err)
	l := test.NewLogger()

	valid := func() *InterfaceConfig {
		return &InterfaceConfig{
			Ports: 1, SchedulersPerBlock: 1,
			TxQueues: 1, TxQueueSize: 8, RxQueues: 1, RxQueueSize: 8,
			CplQueueSize: 8, EventQueueSize: 8, OpTableSize: 4,
			MaxTxSize: 1514, MaxRxSize: 1514, RxBufferSize: 2048, TableSize: 4,
			Hasher: hasher, Link: link.NewDiscard(1), Stats: stats.New(1, nil, "mqnic"), l: l,
		}
	}

	_, err = NewInterface(valid())
	require.NoError(t, err)

	tests := []struct {
		name string
		mod  func(c *InterfaceConfig)
	}{
		{"no link", func(c *InterfaceConfig) { c.Link = nil }},
		{"no stats", func(c *InterfaceConfig) { c.Stats = nil }},
		{"no hasher", func(c *InterfaceConfig) { c.Hasher = nil }},
		{"no ports", func(c *InterfaceConfig) { c.Ports = 0 }},
		{"no rx queues", func(c *InterfaceConfig) { c.RxQueues = 0 }},
		{"tiny buffers", func(c *InterfaceConfig) { c.RxBufferSize = 32 }},
		{"ring size", func(c *InterfaceConfig) { c.TxQueueSize = 12 }},
		{"table size", func(c *InterfaceConfig) { c.TableSize = 3 }},
		{"no schedulers", func(c *InterfaceConfig) { c.SchedulersPerBlock = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mod(c)
			_, err := NewInterface(c)
			assert.Error(t, err)
		})
	}
}

func TestInterface_LoopbackRoundTrip(t *testing.T) {
	f := newTestInterface(t, nil)
	f.run(t)

	for _, size := range []int{60, 1514, 9014} {
		frame := test.Payload(size)
		copy(frame, test.UDPFrame(hostA, hostB, 1, 2, nil))

		f.xmit(t, frame, 0)
		p := f.recv(t)

		test.AssertDeepCopyEqual(t, frame, p.Data)
		assert.Equal(t, ring.StatusOK, p.Status, "size %d", size)
		assert.Equal(t, uint32(0), p.Queue)
		assert.NotZero(t, p.Timestamp)
	}

	assert.Eventually(t, func() bool {
		return f.TxCompleted() == 3
	}, 5*time.Second, time.Millisecond)

	assert.Equal(t, uint64(3), f.stats.Get(0, stats.TxPackets))
	assert.Equal(t, uint64(60+1514+9014), f.stats.Get(0, stats.TxBytes))
	assert.Equal(t, uint64(3), f.stats.Get(0, stats.RxPackets))
	assert.Equal(t, uint64(60+1514+9014), f.stats.Get(0, stats.RxBytes))
}

func TestInterface_FIFO(t *testing.T) {
	const count = 200
	f := newTestInterface(t, func(c *InterfaceConfig) {
		c.TxQueueSize = 16
		c.RxQueueSize = 256
		c.RxBacklog = count
	})

	var mu sync.Mutex
	var tags []uint16
	f.SetTxCompletionHandler(func(c ring.Completion) {
		mu.Lock()
		defer mu.Unlock()
		if c.Queue == 2 {
			tags = append(tags, c.Tag)
		}
	})
	f.run(t)

	// The sender outruns the 16 entry ring and has to wait for space
	sent := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		for i := uint32(0); i < count; i++ {
			if _, err := f.StartXmit(ctx, seqFrame(i, 2, 64), 2, ring.CsumCmd{}); err != nil {
				sent <- err
				return
			}
		}
		sent <- nil
	}()

	for i := uint32(0); i < count; i++ {
		p := f.recv(t)
		require.Equal(t, i, binary.BigEndian.Uint32(p.Data[42:]))
	}
	require.NoError(t, <-sent)

	expected := make([]uint16, count)
	for i := range expected {
		expected[i] = uint16(i)
	}

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(tags) == count
	}, 5*time.Second, time.Millisecond)

	mu.Lock()
	assert.Equal(t, expected, tags)
	mu.Unlock()
	assert.Equal(t, uint64(0), f.stats.Get(0, stats.RxDrop))
}

func TestInterface_Checksum(t *testing.T) {
	t.Run("rx", func(t *testing.T) {
		f := newTestInterface(t, nil)
		f.run(t)

		frame := test.UDPFrame(hostA, hostB, 1, 2, test.Payload(100))
		f.xmit(t, frame, 0)
		p := f.recv(t)
		assert.Equal(t, packet.Sum(frame[packet.EthernetHeaderLen:], 0), p.RxChecksum)
	})

	t.Run("tx offload", func(t *testing.T) {
		f := newTestInterface(t, nil)
		f.run(t)

		for _, orig := range [][]byte{
			test.UDPFrame(hostA, hostB, 1, 2, test.Payload(100)),
			test.UDPFrame(hostA, hostB, 1, 2, test.Payload(1472)),
			test.TCPFrame(hostA, hostB, 1, 2, test.Payload(100)),
		} {
			frame := slices.Clone(orig)
			start, offset, err := packet.PrepareOffload(frame)
			require.NoError(t, err)
			require.NotEqual(t, orig, frame)

			_, err = f.StartXmit(context.Background(), frame, 1, ring.CsumCmd{Enable: true, Start: start, Offset: offset})
			require.NoError(t, err)

			p := f.recv(t)
			assert.Equal(t, orig, p.Data)
		}
	})

	t.Run("tx offload disabled", func(t *testing.T) {
		f := newTestInterface(t, func(c *InterfaceConfig) {
			c.TxChecksum = false
			c.RxChecksum = false
		})
		f.run(t)

		frame := test.UDPFrame(hostA, hostB, 1, 2, test.Payload(100))
		start, offset, err := packet.PrepareOffload(frame)
		require.NoError(t, err)

		_, err = f.StartXmit(context.Background(), frame, 0, ring.CsumCmd{Enable: true, Start: start, Offset: offset})
		require.NoError(t, err)

		// The seeded frame goes out untouched
		p := f.recv(t)
		assert.Equal(t, frame, p.Data)
		assert.Zero(t, p.RxChecksum)
	})
}

func TestInterface_RSS(t *testing.T) {
	f := newTestInterface(t, func(c *InterfaceConfig) {
		c.RSSMask = 0x3
	})
	f.run(t)

	table, err := f.Resolver().Table(0)
	require.NoError(t, err)
	assert.Equal(t, []uint32{0, 1, 2, 3}, table.Entries()[:4])

	// Only the source port changes
	seen := map[uint32]int{}
	for k := 0; k < 64; k++ {
		f.xmit(t, test.UDPFrame(hostA, hostB, uint16(k), 2, test.Payload(18)), 0)
		p := f.recv(t)

		assert.Equal(t, p.Hash&0x3, p.Queue)
		assert.Equal(t, packet.HashTypeIPv4|packet.HashTypeUDP, p.HashType)
		seen[p.Queue]++
	}

	assert.Equal(t, map[uint32]int{0: 16, 1: 16, 2: 16, 3: 16}, seen)

	// Same flow, same queue
	frame := test.UDPFrame(hostA, hostB, 1, 7, test.Payload(18))
	f.xmit(t, frame, 0)
	first := f.recv(t)
	f.xmit(t, frame, 1)
	second := f.recv(t)
	assert.Equal(t, first.Hash, second.Hash)
	assert.Equal(t, first.Queue, second.Queue)
}

func TestInterface_QueueMapOffset(t *testing.T) {
	f := newTestInterface(t, nil)
	f.run(t)

	// With a zero mask entry 0 takes everything
	for k := uint32(0); k < 4; k++ {
		require.NoError(t, f.Resolver().SetIndirectionEntry(0, 0, k))
		f.xmit(t, test.UDPFrame(hostA, hostB, 1, 2, test.Payload(18)), 0)
		assert.Equal(t, k, f.recv(t).Queue)
	}

	assert.ErrorIs(t, f.Resolver().SetIndirectionEntry(0, 0, 4), rss.ErrQueueInvalid)
}

func TestInterface_RSSDisabled(t *testing.T) {
	f := newTestInterface(t, func(c *InterfaceConfig) {
		c.RSS = false
		c.RSSMask = 0x3
	})
	f.run(t)

	for k := 0; k < 8; k++ {
		f.xmit(t, test.UDPFrame(hostA, hostB, 1, uint16(k), test.Payload(18)), 0)
		p := f.recv(t)
		assert.Equal(t, uint32(0), p.Queue)
		assert.Zero(t, p.Hash)
		assert.Zero(t, p.HashType)
	}
}

func TestInterface_Backpressure(t *testing.T) {
	f := newTestInterface(t, func(c *InterfaceConfig) {
		c.TxQueueSize = 16
	})

	// Nothing drains the queue
	frame := test.UDPFrame(hostA, hostB, 1, 2, nil)
	for i := 0; i < 16; i++ {
		f.xmit(t, frame, 3)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := f.StartXmit(ctx, frame, 3, ring.CsumCmd{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.ErrorIs(t, f.Manager().Enqueue(queue.KindTx, 3, ring.Descriptor{Data: frame}), queue.ErrQueueFull)

	_, err = f.StartXmit(context.Background(), frame, 4, ring.CsumCmd{})
	assert.ErrorIs(t, err, queue.ErrUnknownQueue)

	// Once running the queued frames drain and the waiting sender gets in
	f.run(t)
	f.xmit(t, frame, 3)
	for i := 0; i < 17; i++ {
		f.recv(t)
	}
}

func TestInterface_MalformedDescriptor(t *testing.T) {
	f := newTestInterface(t, func(c *InterfaceConfig) {
		c.MaxTxSize = 1000
	})
	f.run(t)

	big := test.UDPFrame(hostA, hostB, 1, 2, test.Payload(1400))
	f.xmit(t, big, 1)

	q1, err := f.Manager().Queue(queue.KindTx, 1)
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		return !q1.Enabled()
	}, 5*time.Second, time.Millisecond)

	// The descriptor stays put, nothing is completed
	assert.True(t, q1.Stalled())
	assert.Equal(t, 1, q1.Len())
	assert.Equal(t, uint64(1), f.stats.Get(0, stats.TxError))
	assert.Equal(t, uint64(0), f.stats.Get(0, stats.TxPackets))

	// Other queues are not held up
	small := test.UDPFrame(hostA, hostB, 1, 2, test.Payload(100))
	f.xmit(t, small, 0)
	assert.Equal(t, small, f.recv(t).Data)

	// Queued frames behind the bad one wait for recovery
	f.xmit(t, small, 1)
	assert.Equal(t, 2, q1.Len())

	d, err := f.RecoverTxQueue(1)
	require.NoError(t, err)
	assert.Equal(t, uint32(len(big)), d.Len)
	assert.True(t, q1.Enabled())

	assert.Equal(t, small, f.recv(t).Data)
	assert.Equal(t, uint64(1), f.stats.Get(0, stats.TxError))

	// A checksum offset past the end is just as malformed
	_, err = f.StartXmit(context.Background(), small, 2, ring.CsumCmd{Enable: true, Start: 34, Offset: 2000})
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		return f.stats.Get(0, stats.TxError) == 2
	}, 5*time.Second, time.Millisecond)

	_, err = f.RecoverTxQueue(7)
	assert.ErrorIs(t, err, queue.ErrUnknownQueue)
}

func TestInterface_RecoverHealthyQueue(t *testing.T) {
	f := newTestInterface(t, nil)

	// Not running, the descriptor stays queued
	f.xmit(t, test.UDPFrame(hostA, hostB, 1, 2, test.Payload(100)), 0)
	q0, err := f.Manager().Queue(queue.KindTx, 0)
	require.NoError(t, err)

	_, err = f.RecoverTxQueue(0)
	assert.ErrorIs(t, err, queue.ErrNotStalled)
	assert.Equal(t, 1, q0.Len())

	// Disabled by the operator is not stalled either
	require.NoError(t, f.Manager().Enable(queue.KindTx, 0, false))
	_, err = f.RecoverTxQueue(0)
	assert.ErrorIs(t, err, queue.ErrNotStalled)
	assert.Equal(t, 1, q0.Len())
	assert.False(t, q0.Enabled())

	require.NoError(t, f.Manager().Enable(queue.KindTx, 0, true))
	f.run(t)
	f.recv(t)
	assert.Eventually(t, func() bool {
		return f.TxCompleted() == 1
	}, 5*time.Second, time.Millisecond)
}

func TestRxEngine_Receive(t *testing.T) {
	frame := test.UDPFrame(hostA, hostB, 1, 2, test.Payload(100))

	t.Run("no free buffer", func(t *testing.T) {
		f := newTestInterface(t, func(c *InterfaceConfig) {
			c.RxQueueSize = 16
		})
		rx := f.ports[0].Rx

		for i := 0; i < 16; i++ {
			require.NoError(t, rx.Receive(frame))
		}
		assert.ErrorIs(t, rx.Receive(frame), ErrNoFreeBuffer)
		assert.ErrorIs(t, rx.Receive(frame), queue.ErrQueueEmpty)
		assert.Equal(t, uint64(2), f.stats.Get(0, stats.RxDrop))
		assert.Equal(t, uint64(16), f.stats.Get(0, stats.RxPackets))

		// Reading a packet gives its buffer back
		p := f.recv(t)
		assert.Equal(t, frame, p.Data)
		require.NoError(t, rx.Receive(frame))
	})

	t.Run("disabled queue", func(t *testing.T) {
		f := newTestInterface(t, nil)
		rx := f.ports[0].Rx

		require.NoError(t, f.Manager().Enable(queue.KindRx, 0, false))
		err := rx.Receive(frame)
		assert.ErrorIs(t, err, ErrNoFreeBuffer)
		assert.ErrorIs(t, err, queue.ErrQueueDisabled)
		assert.Equal(t, uint64(1), f.stats.Get(0, stats.RxDrop))
	})

	t.Run("completion queue full", func(t *testing.T) {
		f := newTestInterface(t, func(c *InterfaceConfig) {
			c.RxQueueSize = 16
			c.CplQueueSize = 4
		})
		rx := f.ports[0].Rx

		for i := 0; i < 4; i++ {
			require.NoError(t, rx.Receive(frame))
		}
		assert.ErrorIs(t, rx.Receive(frame), queue.ErrCompletionQueueFull)
		assert.Equal(t, uint64(1), f.stats.Get(0, stats.CplOverflow))
		assert.Equal(t, uint64(1), f.stats.Get(0, stats.RxDrop))
	})

	t.Run("too long", func(t *testing.T) {
		f := newTestInterface(t, func(c *InterfaceConfig) {
			c.MaxRxSize = 100
		})

		assert.ErrorIs(t, f.ports[0].Rx.Receive(frame), ErrFrameTooLong)
		assert.Equal(t, uint64(1), f.stats.Get(0, stats.RxError))
	})

	t.Run("truncated", func(t *testing.T) {
		f := newTestInterface(t, func(c *InterfaceConfig) {
			c.RxBufferSize = 128
		})

		require.NoError(t, f.ports[0].Rx.Receive(frame))
		p := f.recv(t)
		assert.Equal(t, ring.StatusTruncated, p.Status)
		assert.Equal(t, frame[:128], p.Data)
	})

	t.Run("backlog full", func(t *testing.T) {
		f := newTestInterface(t, func(c *InterfaceConfig) {
			c.RxBacklog = 2
		})

		// Nothing drains the backlog, the third frame is lost instead of waiting
		for i := 0; i < 3; i++ {
			f.ports[0].Rx.OnFrame(0, frame)
		}
		assert.Equal(t, uint64(1), f.stats.Get(0, stats.RxDrop))

		f.run(t)
		f.recv(t)
		f.recv(t)
		assert.Eventually(t, func() bool {
			return f.stats.Get(0, stats.RxPackets) == 2
		}, 5*time.Second, time.Millisecond)
		assert.Equal(t, uint64(1), f.stats.Get(0, stats.RxDrop))
	})

	t.Run("stopped", func(t *testing.T) {
		f := newTestInterface(t, nil)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		require.NoError(t, f.ports[0].Rx.Run(ctx))

		f.ports[0].Rx.OnFrame(0, frame)
		assert.Equal(t, uint64(1), f.stats.Get(0, stats.RxDrop))
	})
}

func TestInterface_BlockDisable(t *testing.T) {
	f := newTestInterface(t, func(c *InterfaceConfig) {
		c.Ports = 2
		c.TxQueues = 2
		c.RxQueues = 2
	})

	// Block 1 owns transmit queue 1 and steers what it receives to queue 1
	s0, err := f.Scheduler(0, 0)
	require.NoError(t, err)
	require.NoError(t, s0.SetQueue(1, 0))
	s1, err := f.Scheduler(1, 0)
	require.NoError(t, err)
	require.NoError(t, s1.SetQueue(1, sched.CtrlEligible))
	s1.SetEnabled(true)
	require.NoError(t, f.Resolver().SetIndirectionEntry(1, 0, 1))

	b1, err := f.Block(1)
	require.NoError(t, err)
	b1.SetEnabled(false)
	f.run(t)

	q1, err := f.Manager().Queue(queue.KindTx, 1)
	require.NoError(t, err)

	frame := test.UDPFrame(hostA, hostB, 1, 2, test.Payload(18))
	f.xmit(t, frame, 1)
	f.xmit(t, frame, 0)

	p := f.recv(t)
	assert.Equal(t, uint32(0), p.Queue)
	assert.Never(t, func() bool {
		return q1.Len() == 0
	}, 100*time.Millisecond, 5*time.Millisecond)
	assert.Equal(t, sched.StateIdle, s1.State())

	b1.SetEnabled(true)
	p = f.recv(t)
	assert.Equal(t, uint32(1), p.Queue)
	assert.Equal(t, uint64(1), f.stats.Get(0, stats.TxPackets))
	assert.Equal(t, uint64(1), f.stats.Get(1, stats.TxPackets))
	assert.Equal(t, uint64(1), f.stats.Get(1, stats.RxPackets))
}

func TestInterface_EventDrop(t *testing.T) {
	f := newTestInterface(t, func(c *InterfaceConfig) {
		c.EventQueueSize = 1
		c.PortBase = 2
	})

	// Two armed transmit completion queues, one event slot
	for i := uint32(0); i < 2; i++ {
		cq, err := f.Manager().CplQueue(queue.KindTxCpl, i)
		require.NoError(t, err)
		cq.Arm()
		require.NoError(t, cq.Post(ring.Completion{Tag: uint16(i)}))
	}

	assert.Equal(t, uint64(1), f.stats.Get(2, stats.EventDrop))
	assert.True(t, f.sweep.Load())

	// The reaper sweeps everything
	f.run(t)
	assert.Eventually(t, func() bool {
		return f.TxCompleted() == 2
	}, 5*time.Second, time.Millisecond)
}

// A dispatch that was selected but not yet taken by the engine must not go out
// once its block is disabled.
func TestInterface_BlockDisableBeforeAccept(t *testing.T) {
	lt := link.NewTester(0)
	f := newTestInterface(t, func(c *InterfaceConfig) {
		c.SchedulersPerBlock = 2
		c.Link = lt
	})

	b, err := f.Block(0)
	require.NoError(t, err)
	s0, err := b.Scheduler(0)
	require.NoError(t, err)
	s1, err := b.Scheduler(1)
	require.NoError(t, err)

	for q := uint32(1); q < 4; q++ {
		require.NoError(t, s0.SetQueue(q, 0))
	}
	require.NoError(t, s1.SetQueue(1, sched.CtrlEligible))
	s1.SetEnabled(true)
	f.run(t)

	frame := test.UDPFrame(hostA, hostB, 1, 2, test.Payload(18))
	q0, err := f.Manager().Queue(queue.KindTx, 0)
	require.NoError(t, err)
	q1, err := f.Manager().Queue(queue.KindTx, 1)
	require.NoError(t, err)

	// The engine takes q0 and blocks in the link until we read the frame
	f.xmit(t, frame, 0)
	require.Eventually(t, func() bool {
		return q0.Len() == 0
	}, 5*time.Second, time.Millisecond)

	// s1 selects q1 and waits for the busy engine
	f.xmit(t, frame, 1)
	require.Eventually(t, func() bool {
		return s1.State() == sched.StateDispatched
	}, 5*time.Second, time.Millisecond)

	b.SetEnabled(false)
	first := lt.Get(true)
	assert.Equal(t, 0, first.Port)

	assert.Never(t, func() bool {
		return lt.Get(false) != nil
	}, 100*time.Millisecond, 5*time.Millisecond)
	assert.Equal(t, 1, q1.Len())
	assert.Equal(t, uint64(1), f.stats.Get(0, stats.TxPackets))

	// Nothing was lost, the queue goes out once the block is back
	b.SetEnabled(true)
	second := lt.Get(true)
	assert.Equal(t, frame, second.Data)
	assert.Eventually(t, func() bool {
		return q1.Len() == 0 && f.stats.Get(0, stats.TxPackets) == 2
	}, 5*time.Second, time.Millisecond)
}
