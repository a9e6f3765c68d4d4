package radio

import (
	"context"
	"net"
	"time"
)

// TCPDialer opens framed stream links to radio nodes exposing a TCP API.
type TCPDialer struct {
	// DialTimeout bounds the TCP connect; defaults to 10s.
	DialTimeout time.Duration
	// PingTimeout bounds the liveness probe write; defaults to 5s.
	PingTimeout time.Duration
}

func (d *TCPDialer) Dial(ctx context.Context, address string) (Link, error) {
	timeout := d.DialTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	nd := &net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}
	c, err := nd.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, &TransportError{Op: "dial tcp " + address, Err: err}
	}
	if tc, ok := c.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	ping := d.PingTimeout
	if ping <= 0 {
		ping = 5 * time.Second
	}
	return &tcpLink{streamLink: newStreamLink(c), conn: c, pingTimeout: ping}, nil
}

type tcpLink struct {
	*streamLink
	conn        net.Conn
	pingTimeout time.Duration
}

func (l *tcpLink) Send(ctx context.Context, payload []byte, dest uint32, channel int32) error {
	if l.isClosed() {
		return ErrNotConnected
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = l.conn.SetWriteDeadline(dl)
		defer l.conn.SetWriteDeadline(time.Time{})
	}
	return opError("send", l.sendOutbound(payload, dest, channel))
}

// Peered verifies the socket is actually connected to a live peer, not a
// half-open leftover: the remote end must still accept a probe write.
func (l *tcpLink) Peered() bool {
	if l.isClosed() || l.conn.RemoteAddr() == nil {
		return false
	}
	_ = l.conn.SetWriteDeadline(time.Now().Add(l.pingTimeout))
	err := l.ping()
	_ = l.conn.SetWriteDeadline(time.Time{})
	return err == nil
}
