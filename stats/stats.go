package stats

import (
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/rcrowley/go-metrics"
)

// Stride is the number of counter ids reserved per port.
const Stride = 16

var ErrUnknownCounter = errors.New("unknown counter")

type Kind uint8

const (
	TxPackets Kind = iota
	TxBytes
	TxError
	RxPackets
	RxBytes
	RxDrop
	RxError
	CplOverflow
	EventDrop

	kindCount
)

func (k Kind) String() string {
	switch k {
	case TxPackets:
		return "tx_packets"
	case TxBytes:
		return "tx_bytes"
	case TxError:
		return "tx_error"
	case RxPackets:
		return "rx_packets"
	case RxBytes:
		return "rx_bytes"
	case RxDrop:
		return "rx_drop"
	case RxError:
		return "rx_error"
	case CplOverflow:
		return "cpl_overflow"
	case EventDrop:
		return "event_drop"
	}
	return ""
}

// ID addresses one counter, port*Stride + kind.
type ID uint32

func PortID(port int, k Kind) ID {
	return ID(port*Stride + int(k))
}

func (id ID) Port() int {
	return int(id) / Stride
}

func (id ID) Kind() Kind {
	return Kind(int(id) % Stride)
}

func (id ID) String() string {
	return fmt.Sprintf("port%d.%s", id.Port(), id.Kind())
}

// Counters holds the monotonic 64 bit counters of every port of a device.
// Increments are atomic and are mirrored into a go-metrics registry so they
// can be exported with the rest of the process metrics.
type Counters struct {
	ports  int
	vals   []atomic.Uint64
	mirror []metrics.Counter
}

// New allocates zeroed counters for ports ports. A nil registry disables
// mirroring.
func New(ports int, r metrics.Registry, prefix string) *Counters {
	c := &Counters{
		ports: ports,
		vals:  make([]atomic.Uint64, ports*Stride),
	}

	if r != nil {
		c.mirror = make([]metrics.Counter, ports*Stride)
		for p := 0; p < ports; p++ {
			for k := Kind(0); k < kindCount; k++ {
				id := PortID(p, k)
				c.mirror[id] = metrics.GetOrRegisterCounter(fmt.Sprintf("%s.%s", prefix, id), r)
			}
		}
	}

	return c
}

func (c *Counters) Ports() int {
	return c.ports
}

// Add increments a port counter. Out of range ports are ignored.
func (c *Counters) Add(port int, k Kind, n uint64) {
	if port < 0 || port >= c.ports || k >= kindCount {
		return
	}

	id := PortID(port, k)
	c.vals[id].Add(n)
	if c.mirror != nil {
		c.mirror[id].Inc(int64(n))
	}
}

// Inc increments the counter id by n.
func (c *Counters) Inc(id ID, n uint64) error {
	if !c.valid(id) {
		return fmt.Errorf("%w: %d", ErrUnknownCounter, id)
	}

	c.Add(id.Port(), id.Kind(), n)
	return nil
}

func (c *Counters) Read(id ID) (uint64, error) {
	if !c.valid(id) {
		return 0, fmt.Errorf("%w: %d", ErrUnknownCounter, id)
	}

	return c.vals[id].Load(), nil
}

// Get reads a port counter, out of range ports read as 0.
func (c *Counters) Get(port int, k Kind) uint64 {
	v, _ := c.Read(PortID(port, k))
	return v
}

// Total sums a counter kind over every port.
func (c *Counters) Total(k Kind) uint64 {
	var t uint64
	for p := 0; p < c.ports; p++ {
		t += c.Get(p, k)
	}
	return t
}

func (c *Counters) valid(id ID) bool {
	return int(id) < len(c.vals) && id.Kind() < kindCount
}

// Snapshot is a point in time copy of every counter.
type Snapshot map[ID]uint64

func (c *Counters) Snapshot() Snapshot {
	s := make(Snapshot, c.ports*int(kindCount))
	for p := 0; p < c.ports; p++ {
		for k := Kind(0); k < kindCount; k++ {
			id := PortID(p, k)
			s[id] = c.vals[id].Load()
		}
	}
	return s
}

// Since computes s - old.
func (s Snapshot) Since(old Snapshot) Snapshot {
	out := make(Snapshot, len(s))
	for id, v := range s {
		out[id] = v - old[id]
	}
	return out
}

// Print writes a per port packet and byte summary.
func (s Snapshot) Print(w io.Writer, ports int) {
	for p := 0; p < ports; p++ {
		txBytes := s[PortID(p, TxBytes)]
		rxBytes := s[PortID(p, RxBytes)]

		fmt.Fprintf(w, "port%d:\n", p)
		fmt.Fprintf(w, "  TX   %-12d  ≈ %-8s (%s) errors %d\n",
			s[PortID(p, TxPackets)], humanize.Bytes(txBytes), humanize.Comma(int64(txBytes)), s[PortID(p, TxError)],
		)
		fmt.Fprintf(w, "  RX   %-12d  ≈ %-8s (%s) drops %d errors %d\n",
			s[PortID(p, RxPackets)], humanize.Bytes(rxBytes), humanize.Comma(int64(rxBytes)),
			s[PortID(p, RxDrop)], s[PortID(p, RxError)],
		)
	}
}
