package mqnic

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/mqnic/queue"
	"github.com/slackhq/mqnic/ring"
	"github.com/slackhq/mqnic/stats"
)

// Control is the host side driver of a running device. Every command takes
// effect before it returns and is seen by the next scheduling or receive
// decision.
type Control struct {
	d          *Device
	l          *logrus.Logger
	ctx        context.Context
	cancel     context.CancelFunc
	statsStart func()
	done       chan struct{}
}

// Start runs the device, this is a nonblocking call. To block use Control.ShutdownBlock()
func (c *Control) Start() {
	if c.statsStart != nil {
		go c.statsStart()
	}

	go func() {
		defer close(c.done)
		if err := c.d.Run(c.ctx); err != nil {
			c.l.WithError(err).Error("Device stopped")
		}
	}()
}

// Stop signals the device to shutdown, returns after the shutdown is complete
func (c *Control) Stop() {
	c.cancel()
	<-c.done
	c.l.Info("Goodbye")
}

// ShutdownBlock will listen for and block on term and interrupt signals, calling Control.Stop() once signalled
func (c *Control) ShutdownBlock() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM)
	signal.Notify(sigChan, syscall.SIGINT)

	rawSig := <-sigChan
	sig := rawSig.String()
	c.l.WithField("signal", sig).Info("Caught signal, shutting down")
	c.Stop()
}

func (c *Control) Device() *Device {
	return c.d
}

// Context is cancelled once Stop is called.
func (c *Control) Context() context.Context {
	return c.ctx
}

// StartXmit queues data for transmission on transmit queue txq of an interface.
// A zero csumStart disables checksum insertion, otherwise the one's complement
// checksum of data[csumStart:] is written at csumStart+csumOffset.
func (c *Control) StartXmit(ctx context.Context, iface int, data []byte, txq uint32, csumStart, csumOffset uint16) (uint16, error) {
	f, err := c.d.Interface(iface)
	if err != nil {
		return 0, err
	}

	// The caller may reuse data as soon as we return.
	buf := make([]byte, len(data))
	copy(buf, data)

	csum := ring.CsumCmd{Enable: csumStart != 0, Start: csumStart, Offset: csumOffset}
	return f.StartXmit(ctx, buf, txq, csum)
}

// Recv waits for the next packet received by an interface.
func (c *Control) Recv(ctx context.Context, iface int) (*Packet, error) {
	f, err := c.d.Interface(iface)
	if err != nil {
		return nil, err
	}
	return f.Recv(ctx)
}

// SetRxQueueMapIndirTable points entry index of the indirection table of a
// local port at receive queue q.
func (c *Control) SetRxQueueMapIndirTable(iface int, port int, index int, q uint32) error {
	f, err := c.d.Interface(iface)
	if err != nil {
		return err
	}
	return f.Resolver().SetIndirectionEntry(port, index, q)
}

// SetRxQueueMapRSSMask sets the hash mask of the indirection table of a local port.
func (c *Control) SetRxQueueMapRSSMask(iface int, port int, mask uint32) error {
	f, err := c.d.Interface(iface)
	if err != nil {
		return err
	}
	return f.Resolver().SetMask(port, mask)
}

// SetQueueEnabled enables or disables a transmit or receive queue.
func (c *Control) SetQueueEnabled(iface int, kind queue.Kind, id uint32, enabled bool) error {
	f, err := c.d.Interface(iface)
	if err != nil {
		return err
	}
	return f.Manager().Enable(kind, id, enabled)
}

// SetSchedulerBlockEnabled enables or disables the scheduler block of a local port.
func (c *Control) SetSchedulerBlockEnabled(iface int, block int, enabled bool) error {
	f, err := c.d.Interface(iface)
	if err != nil {
		return err
	}
	b, err := f.Block(block)
	if err != nil {
		return err
	}
	b.SetEnabled(enabled)
	return nil
}

// SetSchedulerEnabled enables or disables one scheduler of a block.
func (c *Control) SetSchedulerEnabled(iface int, block int, sched int, enabled bool) error {
	f, err := c.d.Interface(iface)
	if err != nil {
		return err
	}
	s, err := f.Scheduler(block, sched)
	if err != nil {
		return err
	}
	s.SetEnabled(enabled)
	return nil
}

// SetSchedulerQueue writes the control word of transmit queue q in a scheduler.
// A queue is served only with both sched.CtrlEnable and sched.CtrlActive set.
func (c *Control) SetSchedulerQueue(iface int, block int, sched int, q uint32, word uint32) error {
	f, err := c.d.Interface(iface)
	if err != nil {
		return err
	}
	s, err := f.Scheduler(block, sched)
	if err != nil {
		return err
	}
	return s.SetQueue(q, word)
}

// RecoverTxQueue drops the descriptor a transmit queue stalled on and enables
// the queue again.
func (c *Control) RecoverTxQueue(iface int, txq uint32) error {
	f, err := c.d.Interface(iface)
	if err != nil {
		return err
	}
	_, err = f.RecoverTxQueue(txq)
	return err
}

// ReadStat reads a statistics counter by id.
func (c *Control) ReadStat(id stats.ID) (uint64, error) {
	v, err := c.d.ReadStat(id)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", id, err)
	}
	return v, nil
}
