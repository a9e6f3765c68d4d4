// Package radio owns the connection lifecycle to embedded radio nodes: the
// small vendor-link abstraction, the stream transports (tcp, serial, mem)
// and the per-network connection manager with silence detection and
// reconnection.
package radio

import (
	"context"
	"errors"
	"fmt"

	"github.com/Tigro14/meshbot-sub001/pkg/wire"
)

// ErrNotConnected is returned by Send when no live connection exists.
var ErrNotConnected = errors.New("radio: not connected")

// TransportError wraps recoverable transport failures. It triggers
// reconnection and never crashes the process.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return "radio: " + e.Op + " failed"
	}
	return fmt.Sprintf("radio: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Link is the minimal surface this core needs from a vendor node
// connection. The wire protocol behind it is the transport's concern.
type Link interface {
	// Send transmits one payload to dest on channel.
	Send(ctx context.Context, payload []byte, dest uint32, channel int32) error
	// Packets delivers decoded inbound packets. The channel is closed when
	// the link dies; exactly one receiver is expected.
	Packets() <-chan wire.Decoded
	// Peered reports whether the underlying socket/handle is verifiably
	// live. Used after the stabilization delay before declaring Stable.
	Peered() bool
	Close() error
}

// Dialer opens a Link to a node at a transport-specific address.
type Dialer interface {
	Dial(ctx context.Context, address string) (Link, error)
}

// Notifier receives lifecycle events: "connected" after every successful
// (re)connection with a nil error, and persistent-failure reports such as
// "reconnect failed" with the cause. It must not block.
type Notifier func(network wire.NetworkSource, event string, err error)

// State is the connection lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateStable
	StateDegraded
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateStable:
		return "stable"
	case StateDegraded:
		return "degraded"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}
