// Package router presents a single send/receive surface over up to two
// radio network connection managers.
package router

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/Tigro14/meshbot-sub001/pkg/wire"
)

// Sender is the slice of the connection manager the router depends on.
type Sender interface {
	Send(ctx context.Context, payload []byte, dest uint32, channel int32) error
	Channel() int32
	Healthy() bool
}

// Sink consumes tagged inbound packets; the ingestion pipeline implements it.
type Sink interface {
	Ingest(p wire.Decoded, source wire.NetworkSource)
}

// Router routes inbound packets to the sink and outbound replies to the
// network each sender was last heard on.
type Router struct {
	primary wire.NetworkSource

	mu      sync.Mutex
	senders map[wire.NetworkSource]Sender
	origin  map[uint32]wire.NetworkSource // sender id -> last-seen network

	sink Sink
}

// New creates a Router with no attached networks. primary receives sends
// whose recipient has never been heard.
func New(primary wire.NetworkSource, sink Sink) *Router {
	return &Router{
		primary: primary,
		senders: make(map[wire.NetworkSource]Sender),
		origin:  make(map[uint32]wire.NetworkSource),
		sink:    sink,
	}
}

// Attach registers one network's sender. Attaching zero or one network is
// legal; the router degrades to single-network routing.
func (r *Router) Attach(source wire.NetworkSource, s Sender) {
	r.mu.Lock()
	r.senders[source] = s
	r.mu.Unlock()
	zap.L().Info("network attached", zap.String("network", source.String()))
}

// Disable records that a network failed to initialize and will not
// participate in routing.
func (r *Router) Disable(source wire.NetworkSource, reason error) {
	r.mu.Lock()
	delete(r.senders, source)
	r.mu.Unlock()
	zap.L().Warn("network disabled, degrading to single-network routing",
		zap.String("network", source.String()),
		zap.Error(reason))
}

// OnPacket records the sender's origin network (last-write-wins) and
// forwards the tagged packet to the ingestion sink. Wired as each
// manager's packet callback.
func (r *Router) OnPacket(p wire.Decoded, source wire.NetworkSource) {
	r.mu.Lock()
	r.origin[p.From] = source
	r.mu.Unlock()
	if r.sink != nil {
		r.sink.Ingest(p, source)
	}
}

// SenderSource returns the network a sender was last heard on.
func (r *Router) SenderSource(id uint32) (wire.NetworkSource, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	src, ok := r.origin[id]
	return src, ok
}

// Send routes one outbound message. Recipients never heard on any network
// go to the primary; the ambiguity is logged because such a reply cannot
// be disambiguated. Failures are returned, never silently dropped.
func (r *Router) Send(ctx context.Context, payload []byte, dest uint32) error {
	r.mu.Lock()
	target, known := r.origin[dest]
	if !known || dest == wire.BroadcastAddr {
		target = r.primary
	}
	s := r.senders[target]
	if s == nil {
		// primary side is down or never came up; try whichever remains
		for src, alt := range r.senders {
			target, s = src, alt
			break
		}
	}
	r.mu.Unlock()

	if s == nil {
		return fmt.Errorf("router: no network available for %08x", dest)
	}
	if !known && dest != wire.BroadcastAddr {
		zap.L().Info("recipient never heard, routing to primary",
			zap.Uint32("dest", dest),
			zap.String("network", target.String()))
	}
	if err := s.Send(ctx, payload, dest, s.Channel()); err != nil {
		return fmt.Errorf("router: send via %s: %w", target, err)
	}
	return nil
}

// Broadcast sends to the broadcast address on every attached network.
// The first failure is returned after all networks were attempted.
func (r *Router) Broadcast(ctx context.Context, payload []byte) error {
	r.mu.Lock()
	senders := make(map[wire.NetworkSource]Sender, len(r.senders))
	for src, s := range r.senders {
		senders[src] = s
	}
	r.mu.Unlock()

	var firstErr error
	for src, s := range senders {
		if err := s.Send(ctx, payload, wire.BroadcastAddr, s.Channel()); err != nil {
			zap.L().Warn("broadcast failed", zap.String("network", src.String()), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Sources lists the currently attached networks.
func (r *Router) Sources() []wire.NetworkSource {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]wire.NetworkSource, 0, len(r.senders))
	for src := range r.senders {
		out = append(out, src)
	}
	return out
}

// Healthy reports whether at least one attached network is healthy.
func (r *Router) Healthy() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.senders {
		if s.Healthy() {
			return true
		}
	}
	return false
}
