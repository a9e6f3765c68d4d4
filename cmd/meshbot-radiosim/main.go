// meshbot-radiosim emulates a radio node over TCP for manual testing.
// It accepts meshbot-node connections, answers pings, emits synthetic
// mesh traffic on an interval and reflects outbound sends back as
// received packets.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"math/rand"
	"net"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/Tigro14/meshbot-sub001/pkg/wire"
	"github.com/Tigro14/meshbot-sub001/pkg/wire/codec"
)

func main() {
	addr := flag.String("addr", ":4403", "address to listen on")
	interval := flag.Duration("interval", 5*time.Second, "synthetic packet interval")
	nodeID := flag.Uint("node", 0xFADECAFE, "node id of the simulated radio")
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	zap.ReplaceGlobals(logger)
	defer logger.Sync()

	ln, err := net.Listen("tcp", *addr)
	if err != nil {
		fatalf("listen: %v", err)
	}
	zap.L().Info("radio simulator listening", zap.String("addr", *addr))

	for {
		conn, err := ln.Accept()
		if err != nil {
			fatalf("accept: %v", err)
		}
		go serve(conn, uint32(*nodeID), *interval)
	}
}

func serve(conn net.Conn, nodeID uint32, interval time.Duration) {
	defer conn.Close()
	log := zap.L().With(zap.String("peer", conn.RemoteAddr().String()))
	log.Info("node connected")

	cdc := codec.MustCBOR()
	out := make(chan wire.Frame, 16)
	done := make(chan struct{})

	// writer: serializes simulator-generated traffic and reflections
	go func() {
		for {
			select {
			case f := <-out:
				b, err := wire.EncodeFrame(cdc, f)
				if err != nil {
					log.Warn("encode failed", zap.Error(err))
					continue
				}
				if _, err := conn.Write(b); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()

	// synthetic mesh chatter
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		seq := 0
		for {
			select {
			case <-ticker.C:
				seq++
				select {
				case out <- synthetic(nodeID, seq):
				default:
				}
			case <-done:
				return
			}
		}
	}()

	br := bufio.NewReaderSize(conn, 4096)
	for {
		f, err := wire.ReadFrame(br, cdc)
		if err != nil {
			log.Info("node disconnected", zap.Error(err))
			close(done)
			return
		}
		switch f.Kind {
		case wire.FramePing:
			out <- wire.Frame{Kind: wire.FramePing}
		case wire.FrameSend:
			if f.Send == nil {
				continue
			}
			log.Info("send received",
				zap.Uint32("to", f.Send.To),
				zap.Int32("channel", f.Send.Channel),
				zap.Int("bytes", len(f.Send.Payload)))
			// reflect it back as if another node repeated it
			out <- wire.Frame{Kind: wire.FramePacket, Packet: &wire.Decoded{
				From:     nodeID,
				To:       f.Send.To,
				PortName: "TEXT_MESSAGE_APP",
				Payload:  f.Send.Payload,
				RSSI:     -80,
				SNR:      6,
				HopStart: 3,
				HopLimit: 3,
			}}
		}
	}
}

// synthetic produces a rotating mix of packet kinds resembling quiet mesh
// background traffic.
func synthetic(nodeID uint32, seq int) wire.Frame {
	from := nodeID + uint32(1+seq%4)
	d := &wire.Decoded{
		From:     from,
		To:       wire.BroadcastAddr,
		RSSI:     int32(-70 - rand.Intn(40)),
		SNR:      float64(rand.Intn(20)) - 10,
		HopStart: 3,
		HopLimit: int32(rand.Intn(4)),
	}
	switch seq % 3 {
	case 0:
		d.PortName = "TEXT_MESSAGE_APP"
		d.Payload = []byte(fmt.Sprintf("sim message %d", seq))
	case 1:
		d.PortName = "POSITION_APP"
		d.Payload = []byte{0x01}
	default:
		d.PortName = "NODEINFO_APP"
		d.Payload = []byte{0x02}
		d.NodeInfo = &wire.NodeInfo{
			NodeID:    from,
			Name:      fmt.Sprintf("sim-%d", from&0xFF),
			ShortName: fmt.Sprintf("S%d", from&0xF),
			HWModel:   "SIMULATED",
		}
	}
	return wire.Frame{Kind: wire.FramePacket, Packet: d}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
