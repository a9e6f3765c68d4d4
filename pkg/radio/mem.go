package radio

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/Tigro14/meshbot-sub001/pkg/wire"
)

// MemDialer hands out scripted in-process links. It exists so the manager's
// resilience logic can be exercised deterministically: tests inject packets,
// kill links, fail dials and toggle peering without a real node.
type MemDialer struct {
	mu       sync.Mutex
	failNext int // dials to fail before succeeding
	dials    int
	links    []*MemLink
}

func NewMemDialer() *MemDialer { return &MemDialer{} }

// FailNext makes the next n dials fail.
func (d *MemDialer) FailNext(n int) {
	d.mu.Lock()
	d.failNext = n
	d.mu.Unlock()
}

// Dials returns the number of Dial calls observed.
func (d *MemDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// Link returns the i-th link handed out, or nil.
func (d *MemDialer) Link(i int) *MemLink {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i < 0 || i >= len(d.links) {
		return nil
	}
	return d.links[i]
}

// LastLink returns the most recently handed out link, or nil.
func (d *MemDialer) LastLink() *MemLink {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.links) == 0 {
		return nil
	}
	return d.links[len(d.links)-1]
}

func (d *MemDialer) Dial(_ context.Context, address string) (Link, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.failNext > 0 {
		d.failNext--
		return nil, &TransportError{Op: "dial mem " + address, Err: errors.New("scripted dial failure")}
	}
	l := NewMemLink()
	d.links = append(d.links, l)
	return l, nil
}

// MemLink is the scripted fake Link.
type MemLink struct {
	packets chan wire.Decoded

	peered   atomic.Bool
	sendFail atomic.Bool

	mu   sync.Mutex
	sent []wire.Outbound

	closeOnce sync.Once
	closed    chan struct{}
}

func NewMemLink() *MemLink {
	l := &MemLink{
		packets: make(chan wire.Decoded, 64),
		closed:  make(chan struct{}),
	}
	l.peered.Store(true)
	return l
}

// Inject delivers a decoded packet as if received from the mesh.
func (l *MemLink) Inject(p wire.Decoded) {
	select {
	case l.packets <- p:
	case <-l.closed:
	}
}

// SetPeered toggles the liveness verification result.
func (l *MemLink) SetPeered(v bool) { l.peered.Store(v) }

// FailSends makes Send return a transport error.
func (l *MemLink) FailSends(v bool) { l.sendFail.Store(v) }

// Sent returns a copy of the outbound requests seen so far.
func (l *MemLink) Sent() []wire.Outbound {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]wire.Outbound, len(l.sent))
	copy(out, l.sent)
	return out
}

func (l *MemLink) Send(_ context.Context, payload []byte, dest uint32, channel int32) error {
	if l.IsClosed() {
		return ErrNotConnected
	}
	if l.sendFail.Load() {
		return &TransportError{Op: "send mem", Err: errors.New("scripted send failure")}
	}
	l.mu.Lock()
	l.sent = append(l.sent, wire.Outbound{To: dest, Channel: channel, Payload: payload})
	l.mu.Unlock()
	return nil
}

func (l *MemLink) Packets() <-chan wire.Decoded { return l.packets }

func (l *MemLink) Peered() bool { return !l.IsClosed() && l.peered.Load() }

func (l *MemLink) Close() error {
	l.closeOnce.Do(func() {
		close(l.closed)
		close(l.packets)
	})
	return nil
}

// IsClosed reports whether Close was called (or the link was killed).
func (l *MemLink) IsClosed() bool {
	select {
	case <-l.closed:
		return true
	default:
		return false
	}
}

// Kill simulates the transport dying under the manager: the packet channel
// closes as it would when a socket read fails.
func (l *MemLink) Kill() { _ = l.Close() }
