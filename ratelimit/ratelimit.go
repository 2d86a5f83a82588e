// Package ratelimit paces a packet generator to a packets per second target.
package ratelimit

import (
	"context"
	"time"
)

// Throttle limits to pps packets per second on average. It does not catch up
// by sending faster after being delayed. Not safe for concurrent use.
type Throttle struct {
	perPacket time.Duration
	sent      uint64
	nextCheck uint64
	every     uint64
	start     time.Time
	now       func() time.Time
}

// New returns a Throttle for pps packets per second, nil when pps is 0. A nil
// Throttle never waits.
func New(pps uint64) *Throttle {
	if pps == 0 {
		return nil
	}

	// Look at the clock about every 10ms worth of packets, at least every
	// 32 and at most every 1024 packets.
	every := min(max(pps/100, 32), 1024)
	return &Throttle{
		perPacket: time.Second / time.Duration(pps),
		every:     every,
		nextCheck: every,
		start:     time.Now(),
		now:       time.Now,
	}
}

// Wait accounts for n more packets and blocks until they are allowed or ctx
// is done.
func (t *Throttle) Wait(ctx context.Context, n uint64) error {
	if t == nil || n == 0 {
		return nil
	}

	t.sent += n
	if t.sent < t.nextCheck {
		return nil
	}
	t.nextCheck = t.sent + t.every

	d := t.delay()
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// delay is how far the sender is ahead of schedule.
func (t *Throttle) delay() time.Duration {
	expected := t.start.Add(time.Duration(t.sent) * t.perPacket)
	return expected.Sub(t.now())
}
