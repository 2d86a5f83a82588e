package main

import (
	"context"
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/mqnic"
	"github.com/slackhq/mqnic/config"
	"github.com/slackhq/mqnic/packet"
	"github.com/slackhq/mqnic/ratelimit"
	"github.com/slackhq/mqnic/util"
	"golang.org/x/sync/errgroup"
)

const defaultConfig = `
interfaces: 1
ports_per_interface: 1
queues:
  tx:
    count: 4
  rx:
    count: 4
rss:
  mask: 3
link:
  type: loopback
logging:
  level: warning
`

func main() {
	configPath := flag.String("config", "", "Path to either a file or directory to load configuration from, a single port loopback device is used when empty")
	count := flag.Uint64("n", 100_000, "Packets to send")
	size := flag.Uint("l", 1514, "Frame size")
	queues := flag.Uint("q", 4, "Transmit queues to spread the packets over")
	pps := flag.Uint64("pps", 0, "Packets per second, 0 sends as fast as possible")
	iface := flag.Int("i", 0, "Interface to send on and receive from")
	csum := flag.Bool("csum", true, "Let the device insert the UDP checksum")
	grace := flag.Duration("wait", 2*time.Second, "How long to wait for receive stragglers once sending is done")
	flag.Parse()

	l := logrus.New()
	l.Out = os.Stderr

	c := config.NewC(l)
	var err error
	if *configPath == "" {
		err = c.LoadString(defaultConfig)
	} else {
		err = c.Load(*configPath)
	}
	if err != nil {
		fmt.Printf("failed to load config: %s\n", err)
		os.Exit(1)
	}

	ctrl, err := mqnic.Main(c, false, "bench", l)
	if err != nil {
		util.LogWithContextIfNeeded("Failed to start", err, l)
		os.Exit(1)
	}
	ctrl.Start()
	defer ctrl.Stop()

	frame, err := buildUDPPacket(uint32(*size))
	if err != nil {
		fmt.Printf("failed to build frame: %s\n", err)
		os.Exit(1)
	}

	var start, offset uint16
	if *csum {
		if start, offset, err = packet.PrepareOffload(frame); err != nil {
			fmt.Printf("failed to prepare checksum offload: %s\n", err)
			os.Exit(1)
		}
	}

	fmt.Fprintf(os.Stderr, "mqnic bench:\niface=%d count=%d size=%d queues=%d pps=%d csum=%t\n",
		*iface, *count, len(frame), *queues, *pps, *csum,
	)

	st := ctrl.Device().Stats()
	before := st.Snapshot()
	begin := time.Now()

	sendCtx, sendDone := context.WithCancel(ctrl.Context())
	recvCtx, recvCancel := context.WithCancel(ctrl.Context())
	defer recvCancel()

	var received, bytes uint64
	eg, egCtx := errgroup.WithContext(sendCtx)

	eg.Go(func() error {
		defer sendDone()
		th := ratelimit.New(*pps)
		for seq := uint64(0); seq < *count; seq++ {
			if err := th.Wait(egCtx, 1); err != nil {
				return err
			}

			binary.BigEndian.PutUint64(frame[len(frame)-8:], seq)
			txq := uint32(seq % uint64(*queues))
			if _, err := ctrl.StartXmit(egCtx, *iface, frame, txq, start, offset); err != nil {
				return fmt.Errorf("transmit %d on queue %d: %w", seq, txq, err)
			}
		}
		return nil
	})

	eg.Go(func() error {
		for received < *count {
			p, err := ctrl.Recv(recvCtx, *iface)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			}
			received++
			bytes += uint64(len(p.Data))
		}
		return nil
	})

	go func() {
		<-sendCtx.Done()
		select {
		case <-time.After(*grace):
			recvCancel()
		case <-recvCtx.Done():
		}
	}()

	if err := eg.Wait(); err != nil {
		l.WithError(err).Error("Bench failed")
	}
	elapsed := time.Since(begin)

	rate := float64(received) / elapsed.Seconds()
	fmt.Printf("received %s of %s packets in %s\n", humanize.Comma(int64(received)), humanize.Comma(int64(*count)), elapsed.Round(time.Millisecond))
	fmt.Printf("  %s pps, %s/s\n", humanize.Commaf(float64(int64(rate))), humanize.Bytes(uint64(float64(bytes)/elapsed.Seconds())))
	st.Snapshot().Since(before).Print(os.Stdout, st.Ports())
}

// buildUDPPacket returns a pktSize byte IPv4 UDP frame. The last 8 bytes hold a sequence number.
func buildUDPPacket(pktSize uint32) ([]byte, error) {
	const headers = 14 + 20 + 8
	if pktSize < headers+8 {
		pktSize = headers + 8
	}

	eth := layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x5a, 0x51, 0x52, 0x53, 0x54, 0x55},
		DstMAC:       net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x00},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.IPv4(192, 168, 1, 100),
		DstIP:    net.IPv4(192, 168, 1, 101),
	}
	udp := layers.UDP{
		SrcPort: 1,
		DstPort: 2,
	}
	if err := udp.SetNetworkLayerForChecksum(&ip); err != nil {
		return nil, err
	}

	buf := gopacket.NewSerializeBuffer()
	err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true},
		&eth, &ip, &udp, gopacket.Payload(make([]byte, pktSize-headers)),
	)
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
