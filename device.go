package mqnic

import (
	"context"
	"fmt"
	"time"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/mqnic/config"
	"github.com/slackhq/mqnic/link"
	"github.com/slackhq/mqnic/rss"
	"github.com/slackhq/mqnic/stats"
	"golang.org/x/sync/errgroup"
)

// DeviceConfig describes every interface of a device. All interfaces share
// the same shape.
type DeviceConfig struct {
	Interfaces         int
	PortsPerInterface  int
	SchedulersPerBlock int

	TxQueues       int
	TxQueueSize    int
	RxQueues       int
	RxQueueSize    int
	CplQueueSize   int
	EventQueueSize int
	OpTableSize    int

	MaxTxSize    int
	MaxRxSize    int
	RxBufferSize int
	RxBacklog    int

	TxChecksum    bool
	RxChecksum    bool
	RSS           bool
	PTPTimestamps bool

	RSSTableSize int
	RSSMask      uint32
	RSSHash      string

	// Registry receives the device metrics, nil keeps them private.
	Registry metrics.Registry
}

// NewDeviceConfig reads a DeviceConfig from c, applying defaults for anything
// not set.
func NewDeviceConfig(c *config.C) *DeviceConfig {
	return &DeviceConfig{
		Interfaces:         c.GetInt("interfaces", 1),
		PortsPerInterface:  c.GetInt("ports_per_interface", 1),
		SchedulersPerBlock: c.GetInt("schedulers_per_block", 1),

		TxQueues:       c.GetInt("queues.tx.count", 8),
		TxQueueSize:    c.GetInt("queues.tx.size", 1024),
		RxQueues:       c.GetInt("queues.rx.count", 8),
		RxQueueSize:    c.GetInt("queues.rx.size", 256),
		CplQueueSize:   c.GetInt("queues.cpl.size", 1024),
		EventQueueSize: c.GetInt("queues.event.size", 256),
		OpTableSize:    c.GetInt("queues.op_table_size", 32),

		MaxTxSize:    c.GetByteSize("engine.max_tx_size", 9214),
		MaxRxSize:    c.GetByteSize("engine.max_rx_size", 9214),
		RxBufferSize: c.GetByteSize("engine.rx_buffer_size", 9216),
		RxBacklog:    c.GetInt("engine.rx_backlog", DefaultRxBacklog),

		TxChecksum:    c.GetBool("engine.tx_checksum", true),
		RxChecksum:    c.GetBool("engine.rx_checksum", true),
		RSS:           c.GetBool("rss.enabled", true),
		PTPTimestamps: c.GetBool("engine.ptp_timestamps", true),

		RSSTableSize: c.GetInt("rss.table_size", 256),
		RSSMask:      c.GetUint32("rss.mask", 0),
		RSSHash:      c.GetString("rss.hash", "toeplitz"),
	}
}

// Ports returns the total number of ports of the device.
func (dc *DeviceConfig) Ports() int {
	return dc.Interfaces * dc.PortsPerInterface
}

func (dc *DeviceConfig) validate() error {
	if dc.Interfaces <= 0 {
		return fmt.Errorf("interfaces must be positive: %d", dc.Interfaces)
	}
	if dc.PortsPerInterface <= 0 {
		return fmt.Errorf("ports_per_interface must be positive: %d", dc.PortsPerInterface)
	}
	if dc.MaxRxSize > dc.RxBufferSize {
		return fmt.Errorf("engine.max_rx_size %d is larger than engine.rx_buffer_size %d", dc.MaxRxSize, dc.RxBufferSize)
	}
	return nil
}

// Device is a multi interface NIC core. Port ids are global, interface i owns
// ports [i*PortsPerInterface, (i+1)*PortsPerInterface).
type Device struct {
	l          *logrus.Logger
	cfg        DeviceConfig
	interfaces []*Interface
	stats      *stats.Counters
	link       link.Link
}

func NewDevice(l *logrus.Logger, dc *DeviceConfig, lk link.Link) (*Device, error) {
	if err := dc.validate(); err != nil {
		return nil, err
	}

	hasher, err := rss.NewHasher(dc.RSSHash)
	if err != nil {
		return nil, err
	}

	var clock func() uint64
	if dc.PTPTimestamps {
		start := time.Now()
		clock = func() uint64 {
			return uint64(time.Since(start).Nanoseconds())
		}
	}

	d := &Device{
		l:     l,
		cfg:   *dc,
		stats: stats.New(dc.Ports(), dc.Registry, "mqnic"),
		link:  lk,
	}

	for i := 0; i < dc.Interfaces; i++ {
		ifce, err := NewInterface(&InterfaceConfig{
			Index:              i,
			PortBase:           i * dc.PortsPerInterface,
			Ports:              dc.PortsPerInterface,
			SchedulersPerBlock: dc.SchedulersPerBlock,
			TxQueues:           dc.TxQueues,
			TxQueueSize:        dc.TxQueueSize,
			RxQueues:           dc.RxQueues,
			RxQueueSize:        dc.RxQueueSize,
			CplQueueSize:       dc.CplQueueSize,
			EventQueueSize:     dc.EventQueueSize,
			OpTableSize:        dc.OpTableSize,
			MaxTxSize:          dc.MaxTxSize,
			MaxRxSize:          dc.MaxRxSize,
			RxBufferSize:       dc.RxBufferSize,
			RxBacklog:          dc.RxBacklog,
			TxChecksum:         dc.TxChecksum,
			RxChecksum:         dc.RxChecksum,
			RSS:                dc.RSS,
			RSSMask:            dc.RSSMask,
			TableSize:          dc.RSSTableSize,
			Hasher:             hasher,
			Link:               lk,
			Stats:              d.stats,
			Registry:           dc.Registry,
			Clock:              clock,
			l:                  l,
		})
		if err != nil {
			return nil, fmt.Errorf("interface %d: %w", i, err)
		}
		d.interfaces = append(d.interfaces, ifce)
	}

	l.WithFields(logrus.Fields{
		"interfaces": dc.Interfaces,
		"ports":      dc.Ports(),
		"txQueues":   dc.TxQueues,
		"rxQueues":   dc.RxQueues,
		"rssHash":    dc.RSSHash,
	}).Info("Device initialized")

	return d, nil
}

func (d *Device) Interfaces() []*Interface {
	return d.interfaces
}

func (d *Device) Interface(i int) (*Interface, error) {
	if i < 0 || i >= len(d.interfaces) {
		return nil, fmt.Errorf("device has no interface %d", i)
	}
	return d.interfaces[i], nil
}

func (d *Device) Stats() *stats.Counters {
	return d.stats
}

func (d *Device) Link() link.Link {
	return d.link
}

// ReadStat reads a statistics counter by id.
func (d *Device) ReadStat(id stats.ID) (uint64, error) {
	return d.stats.Read(id)
}

// Run runs every interface until ctx is done.
func (d *Device) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)
	for _, ifce := range d.interfaces {
		eg.Go(func() error {
			return ifce.Run(ctx)
		})
	}
	return eg.Wait()
}

// reload applies the settings that may change at runtime.
func (d *Device) reload(c *config.C) {
	if c.HasChanged("rss.mask") {
		mask := c.GetUint32("rss.mask", 0)
		for _, ifce := range d.interfaces {
			for p := 0; p < ifce.resolver.Tables(); p++ {
				if err := ifce.resolver.SetMask(p, mask); err != nil {
					d.l.WithError(err).WithField("interface", ifce.index).Error("Failed to apply rss.mask")
				}
			}
		}
	}

	if c.HasChanged("link.loopback_enable") {
		if lb, ok := d.link.(*link.Loopback); ok {
			lb.SetEnabled(c.GetBool("link.loopback_enable", true))
		}
	}
}
