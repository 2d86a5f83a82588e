package link

import (
	"testing"

	"github.com/slackhq/mqnic/config"
	"github.com/slackhq/mqnic/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capture struct {
	frames []Frame
}

func (c *capture) OnFrame(port int, frame []byte) {
	c.frames = append(c.frames, Frame{Port: port, Data: frame})
}

func TestLoopback(t *testing.T) {
	lb := NewLoopback(test.NewLogger(), 2)
	var c0, c1 capture
	lb.Attach(0, &c0)
	lb.Attach(1, &c1)

	frame := test.Payload(60)
	require.NoError(t, lb.Deliver(0, frame))
	require.Len(t, c0.frames, 1)

	// The receiver gets its own copy.
	test.AssertDeepCopyEqual(t, frame, c0.frames[0].Data)
	frame[0] = 0xff
	assert.Equal(t, byte(0), c0.frames[0].Data[0])

	require.NoError(t, lb.Connect(0, 1))
	require.NoError(t, lb.Deliver(0, frame))
	require.NoError(t, lb.Deliver(1, frame))
	assert.Len(t, c0.frames, 2)
	require.Len(t, c1.frames, 1)
	assert.Equal(t, 1, c1.frames[0].Port)

	lb.SetEnabled(false)
	require.NoError(t, lb.Deliver(0, frame))
	assert.Len(t, c1.frames, 1)
	assert.Equal(t, uint64(1), lb.Dropped())

	assert.ErrorIs(t, lb.Deliver(2, frame), ErrUnknownPort)
	assert.ErrorIs(t, lb.Connect(0, 5), ErrUnknownPort)
}

func TestLoopback_NoHandler(t *testing.T) {
	lb := NewLoopback(test.NewLogger(), 1)
	assert.ErrorIs(t, lb.Deliver(0, []byte{1}), ErrNoHandler)
	assert.Equal(t, uint64(1), lb.Dropped())
}

func TestTester(t *testing.T) {
	tl := NewTester(1)
	assert.Nil(t, tl.Get(false))

	require.NoError(t, tl.Deliver(3, []byte{1, 2}))
	f := tl.Get(true)
	assert.Equal(t, 3, f.Port)
	assert.Equal(t, []byte{1, 2}, f.Data)

	assert.ErrorIs(t, tl.Inject(0, []byte{1}), ErrNoHandler)
	var c capture
	tl.Attach(0, &c)
	require.NoError(t, tl.Inject(0, []byte{9}))
	assert.Equal(t, []byte{9}, c.frames[0].Data)
}

func TestNewFromConfig(t *testing.T) {
	l := test.NewLogger()
	c := config.NewC(l)

	lk, err := NewFromConfig(l, c, 2)
	require.NoError(t, err)
	assert.IsType(t, &Loopback{}, lk)

	require.NoError(t, c.LoadString("link:\n  type: loopback\n  cross_connect: true\n"))
	lk, err = NewFromConfig(l, c, 2)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 0}, lk.(*Loopback).peer)

	require.NoError(t, c.LoadString("link:\n  type: none\n"))
	lk, err = NewFromConfig(l, c, 2)
	require.NoError(t, err)
	assert.NoError(t, lk.Deliver(1, nil))
	assert.ErrorIs(t, lk.Deliver(2, nil), ErrUnknownPort)

	require.NoError(t, c.LoadString("link:\n  type: pcie\n"))
	_, err = NewFromConfig(l, c, 2)
	assert.EqualError(t, err, "unknown link type `pcie`. possible types: [loopback none]")
}
