package link

import (
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/mqnic/config"
)

var (
	ErrUnknownPort = errors.New("unknown port")
	ErrNoHandler   = errors.New("no handler attached to port")
)

// Handler receives frames arriving on a port. The frame is owned by the
// handler once OnFrame is called.
type Handler interface {
	OnFrame(port int, frame []byte)
}

// Link is the transport between the device ports and the wire.
type Link interface {
	// Deliver transmits frame out of port. The frame may be reused by the
	// caller once Deliver returns.
	Deliver(port int, frame []byte) error
	// Attach registers the receiver of frames arriving on port.
	Attach(port int, h Handler)
}

// NewFromConfig builds the link named by link.type for ports ports.
func NewFromConfig(l *logrus.Logger, c *config.C, ports int) (Link, error) {
	t := strings.ToLower(c.GetString("link.type", "loopback"))
	switch t {
	case "loopback":
		lb := NewLoopback(l, ports)
		if c.GetBool("link.cross_connect", false) {
			for p := 0; p+1 < ports; p += 2 {
				if err := lb.Connect(p, p+1); err != nil {
					return nil, err
				}
			}
		}
		lb.SetEnabled(c.GetBool("link.loopback_enable", true))
		return lb, nil

	case "none":
		return NewDiscard(ports), nil

	default:
		return nil, fmt.Errorf("unknown link type `%s`. possible types: %s", t, []string{"loopback", "none"})
	}
}
