// Package ingest normalizes decoded radio traffic into canonical packets,
// suppresses self-echoed broadcasts and keeps reception diagnostics.
package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/Tigro14/meshbot-sub001/pkg/ttlkv"
	"github.com/Tigro14/meshbot-sub001/pkg/wire"
)

// DecodeError marks a packet that could not be normalized. The packet is
// dropped and counted; processing continues.
type DecodeError struct {
	Source wire.NetworkSource
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("ingest: undecodable packet on network %s: %s", e.Source, e.Reason)
}

// Sink persists every accepted packet plus the side records some packet
// types carry.
type Sink interface {
	SavePacket(p wire.Packet) error
	SaveNeighborBatch(nodeID uint32, obs []wire.Neighbor, source wire.NetworkSource) error
	UpsertNodeIdentity(source wire.NetworkSource, rec wire.NodeInfo) error
}

// Dispatch receives packets addressed to the local node or broadcast, so a
// command layer can react to them. Called on the receive path; slow work
// belongs in the callee's own goroutine.
type Dispatch func(p wire.Packet)

// Options configures a Pipeline.
type Options struct {
	LocalNodeID uint32
	DedupWindow time.Duration // 0 means the 60s default
	RateWindow  int           // sliding window capacity, 0 means 300
	Dispatch    Dispatch
	OnError     func(error) // storage failures, after logging
}

// Pipeline is the per-process ingestion path shared by both networks.
type Pipeline struct {
	local    uint32
	window   time.Duration
	dispatch Dispatch
	onError  func(error)
	sink     Sink
	seen     *ttlkv.Store
	log      *zap.Logger

	dropped  atomic.Uint64
	dupes    atomic.Uint64
	accepted atomic.Uint64
	session  atomic.Uint64

	mu      sync.Mutex
	recent  []time.Time // bounded ring, oldest evicted first
	recentN int

	nowFn func() time.Time
}

// New builds a Pipeline over the given sink.
func New(sink Sink, opts Options) *Pipeline {
	if opts.DedupWindow <= 0 {
		opts.DedupWindow = 60 * time.Second
	}
	if opts.RateWindow <= 0 {
		opts.RateWindow = 300
	}
	return &Pipeline{
		local:    opts.LocalNodeID,
		window:   opts.DedupWindow,
		dispatch: opts.Dispatch,
		onError:  opts.OnError,
		sink:     sink,
		seen:     ttlkv.New(ttlkv.Options{Shards: 8}),
		log:      zap.L().Named("ingest"),
		recent:   make([]time.Time, 0, opts.RateWindow),
		recentN:  opts.RateWindow,
		nowFn:    time.Now,
	}
}

// Ingest runs one decoded packet through normalization, dedup, accounting
// and forwarding. Safe for concurrent use from both network receive paths.
func (p *Pipeline) Ingest(d wire.Decoded, source wire.NetworkSource) {
	pkt, err := p.normalize(d, source)
	if err != nil {
		p.dropped.Add(1)
		p.log.Warn("packet dropped", zap.Error(err))
		return
	}

	if pkt.Broadcast && p.isEcho(pkt) {
		p.dupes.Add(1)
		p.log.Debug("duplicate broadcast suppressed",
			zap.Uint32("from", pkt.FromID),
			zap.String("network", source.String()))
		return
	}

	p.accepted.Add(1)
	p.session.Add(1)
	p.record(pkt.Timestamp)

	if err := p.sink.SavePacket(pkt); err != nil {
		p.log.Error("store write failed, packet skipped", zap.Error(err))
		p.fail(err)
	}
	p.sideRecords(d, source)

	if p.dispatch != nil && (pkt.Broadcast || pkt.ToID == p.local) {
		p.dispatch(pkt)
	}
}

// normalize maps the vendor decoded shape into the canonical Packet.
func (p *Pipeline) normalize(d wire.Decoded, source wire.NetworkSource) (wire.Packet, error) {
	if d.From == 0 {
		return wire.Packet{}, &DecodeError{Source: source, Reason: "missing sender id"}
	}
	typ := wire.PortType(d.PortName)
	if d.Encrypted {
		typ = wire.TypeEncrypted
	}
	if typ == wire.TypeUnknown && len(d.Payload) == 0 {
		return wire.Packet{}, &DecodeError{Source: source, Reason: "unknown port " + d.PortName + " with empty payload"}
	}
	return wire.Packet{
		Timestamp: p.nowFn(),
		FromID:    d.From,
		ToID:      d.To,
		Source:    source,
		Type:      typ,
		Payload:   d.Payload,
		RSSI:      d.RSSI,
		SNR:       d.SNR,
		HopStart:  d.HopStart,
		HopLimit:  d.HopLimit,
		Broadcast: d.To == wire.BroadcastAddr,
		Encrypted: d.Encrypted,
		Size:      len(d.Payload),
	}, nil
}

// isEcho reports whether an identical broadcast payload was already seen
// inside the dedup window, recording the hash when it was not. Stale
// entries expire lazily inside the TTL store on lookup.
func (p *Pipeline) isEcho(pkt wire.Packet) bool {
	sum := sha256.Sum256(pkt.Payload)
	key := hex.EncodeToString(sum[:])
	if p.seen.Has(key) {
		return true
	}
	p.seen.Set(key, nil, p.window)
	return false
}

func (p *Pipeline) sideRecords(d wire.Decoded, source wire.NetworkSource) {
	if d.NodeInfo != nil {
		if err := p.sink.UpsertNodeIdentity(source, *d.NodeInfo); err != nil {
			p.log.Error("node identity upsert failed", zap.Error(err))
			p.fail(err)
		}
	}
	if d.NeighborInfo != nil && len(d.NeighborInfo.Neighbors) > 0 {
		if err := p.sink.SaveNeighborBatch(d.NeighborInfo.NodeID, d.NeighborInfo.Neighbors, source); err != nil {
			p.log.Error("neighbor batch write failed", zap.Error(err))
			p.fail(err)
		}
	}
}

func (p *Pipeline) record(ts time.Time) {
	p.mu.Lock()
	if len(p.recent) >= p.recentN {
		copy(p.recent, p.recent[1:])
		p.recent = p.recent[:len(p.recent)-1]
	}
	p.recent = append(p.recent, ts)
	p.mu.Unlock()
}

// Rate returns the reception rate in packets per minute over the sliding
// window, looking back at most one minute.
func (p *Pipeline) Rate() float64 {
	cutoff := p.nowFn().Add(-time.Minute)
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for i := len(p.recent) - 1; i >= 0; i-- {
		if p.recent[i].Before(cutoff) {
			break
		}
		n++
	}
	return float64(n)
}

// ResetSession zeroes the per-session packet counter. Called by the
// connection layer after a successful reconnection.
func (p *Pipeline) ResetSession() {
	p.session.Store(0)
}

// Stats is a snapshot of the pipeline counters for diagnostics.
type Stats struct {
	Accepted   uint64
	Dropped    uint64
	Duplicates uint64
	Session    uint64
	Rate       float64
}

func (p *Pipeline) Snapshot() Stats {
	return Stats{
		Accepted:   p.accepted.Load(),
		Dropped:    p.dropped.Load(),
		Duplicates: p.dupes.Load(),
		Session:    p.session.Load(),
		Rate:       p.Rate(),
	}
}

func (p *Pipeline) fail(err error) {
	if p.onError != nil {
		p.onError(err)
	}
}

// SetNow overrides the clock. Test hook.
func (p *Pipeline) SetNow(fn func() time.Time) {
	p.nowFn = fn
	p.seen.SetNow(fn)
}
