package mqnic

import (
	"context"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/mqnic/config"
	"github.com/slackhq/mqnic/link"
	"github.com/slackhq/mqnic/util"
	"go.yaml.in/yaml/v3"
)

// Main builds a device from c. With configTest set everything is validated
// but nothing is started and the returned Control is nil.
func Main(c *config.C, configTest bool, buildVersion string, logger *logrus.Logger) (*Control, error) {
	l := logger
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	// Print the config if in test, the exit comes later
	if configTest {
		b, err := yaml.Marshal(c.Settings())
		if err != nil {
			return nil, err
		}

		// Print the final config
		l.Println(string(b))
	}

	err := configLogger(l, c)
	if err != nil {
		return nil, util.ContextualizeIfNeeded("Failed to configure the logger", err)
	}

	c.RegisterReloadCallback(func(c *config.C) {
		err := configLogger(l, c)
		if err != nil {
			l.WithError(err).Error("Failed to configure the logger")
		}
	})

	dc := NewDeviceConfig(c)
	dc.Registry = metrics.NewRegistry()

	lk, err := link.NewFromConfig(l, c, dc.Ports())
	if err != nil {
		return nil, util.NewContextualError("Failed to configure the link", map[string]any{"link.type": c.GetString("link.type", "loopback")}, err)
	}

	statsStart, err := startStats(l, c, dc.Registry, buildVersion, configTest)
	if err != nil {
		return nil, util.ContextualizeIfNeeded("Failed to start stats emitter", err)
	}

	d, err := NewDevice(l, dc, lk)
	if err != nil {
		return nil, util.ContextualizeIfNeeded("Failed to create device", err)
	}

	if configTest {
		return nil, nil
	}

	c.RegisterReloadCallback(d.reload)

	ctx, cancel := context.WithCancel(context.Background())
	return &Control{
		d:          d,
		l:          l,
		ctx:        ctx,
		cancel:     cancel,
		statsStart: statsStart,
		done:       make(chan struct{}),
	}, nil
}
