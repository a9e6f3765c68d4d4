package radio

import (
	"bufio"
	"errors"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/Tigro14/meshbot-sub001/pkg/wire"
	"github.com/Tigro14/meshbot-sub001/pkg/wire/codec"
)

// streamLink implements Link over any framed byte stream (TCP socket or
// serial port) using the wire stream framing. The owner supplies peering
// verification.
type streamLink struct {
	rwc io.ReadWriteCloser
	br  *bufio.Reader

	wmu sync.Mutex
	bw  *bufio.Writer

	cdc     codec.Codec
	packets chan wire.Decoded

	closeOnce sync.Once
	closed    chan struct{}
}

func newStreamLink(rwc io.ReadWriteCloser) *streamLink {
	l := &streamLink{
		rwc:     rwc,
		br:      bufio.NewReaderSize(rwc, 4096),
		bw:      bufio.NewWriterSize(rwc, 4096),
		cdc:     codec.MustCBOR(),
		packets: make(chan wire.Decoded, 64),
	}
	l.closed = make(chan struct{})
	go l.readLoop()
	return l
}

func (l *streamLink) Packets() <-chan wire.Decoded { return l.packets }

func (l *streamLink) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.closed)
		err = l.rwc.Close()
	})
	return err
}

func (l *streamLink) isClosed() bool {
	select {
	case <-l.closed:
		return true
	default:
		return false
	}
}

func (l *streamLink) writeFrame(f wire.Frame) error {
	if l.isClosed() {
		return ErrNotConnected
	}
	b, err := wire.EncodeFrame(l.cdc, f)
	if err != nil {
		return &TransportError{Op: "encode frame", Err: err}
	}
	l.wmu.Lock()
	defer l.wmu.Unlock()
	if _, err := l.bw.Write(b); err != nil {
		return &TransportError{Op: "write frame", Err: err}
	}
	if err := l.bw.Flush(); err != nil {
		return &TransportError{Op: "flush frame", Err: err}
	}
	return nil
}

func (l *streamLink) readLoop() {
	defer close(l.packets)
	for {
		raw, err := wire.ReadFrameBody(l.br)
		if err != nil {
			if !l.isClosed() {
				zap.L().Debug("link read ended", zap.Error(err))
			}
			return
		}
		var f wire.Frame
		if err := l.cdc.Unmarshal(raw, &f); err != nil {
			// one bad frame is not a dead link
			zap.L().Debug("undecodable frame skipped", zap.Error(err))
			continue
		}
		switch f.Kind {
		case wire.FramePacket:
			if f.Packet == nil {
				continue
			}
			select {
			case l.packets <- *f.Packet:
			case <-l.closed:
				return
			}
		case wire.FramePing:
			// ping echo; liveness only
		default:
		}
	}
}

// ping writes a liveness probe frame; an error means the handle is dead.
func (l *streamLink) ping() error {
	return l.writeFrame(wire.Frame{Kind: wire.FramePing})
}

func (l *streamLink) sendOutbound(payload []byte, dest uint32, channel int32) error {
	return l.writeFrame(wire.Frame{
		Kind: wire.FrameSend,
		Send: &wire.Outbound{To: dest, Channel: channel, Payload: payload},
	})
}

func opError(op string, err error) error {
	if err == nil {
		return nil
	}
	var te *TransportError
	if errors.As(err, &te) {
		return err
	}
	return &TransportError{Op: op, Err: err}
}
