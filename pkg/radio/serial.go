package radio

import (
	"context"

	"go.bug.st/serial"
)

// SerialDialer opens framed stream links over a local serial device.
type SerialDialer struct {
	// BaudRate for the port; defaults to 115200.
	BaudRate int
}

func (d *SerialDialer) Dial(_ context.Context, address string) (Link, error) {
	baud := d.BaudRate
	if baud <= 0 {
		baud = 115200
	}
	port, err := serial.Open(address, &serial.Mode{BaudRate: baud})
	if err != nil {
		return nil, &TransportError{Op: "open serial " + address, Err: err}
	}
	_ = port.ResetInputBuffer()
	return &serialLink{streamLink: newStreamLink(port), port: port}, nil
}

type serialLink struct {
	*streamLink
	port serial.Port
}

func (l *serialLink) Send(_ context.Context, payload []byte, dest uint32, channel int32) error {
	if l.isClosed() {
		return ErrNotConnected
	}
	return opError("send", l.sendOutbound(payload, dest, channel))
}

// Peered probes the device handle. Serial ports have no peer in the TCP
// sense; a writable handle after the stabilization delay is the best
// available liveness signal.
func (l *serialLink) Peered() bool {
	if l.isClosed() {
		return false
	}
	return l.ping() == nil
}
