package ingest

import (
	"errors"
	"testing"
	"time"

	"github.com/Tigro14/meshbot-sub001/pkg/wire"
)

type memSink struct {
	packets   []wire.Packet
	neighbors []wire.Neighbor
	nodes     []wire.NodeInfo
	fail      error
}

func (m *memSink) SavePacket(p wire.Packet) error {
	if m.fail != nil {
		return m.fail
	}
	m.packets = append(m.packets, p)
	return nil
}

func (m *memSink) SaveNeighborBatch(_ uint32, obs []wire.Neighbor, _ wire.NetworkSource) error {
	m.neighbors = append(m.neighbors, obs...)
	return nil
}

func (m *memSink) UpsertNodeIdentity(_ wire.NetworkSource, rec wire.NodeInfo) error {
	m.nodes = append(m.nodes, rec)
	return nil
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestPipeline(t *testing.T, sink Sink, opts Options) (*Pipeline, *fakeClock) {
	t.Helper()
	p := New(sink, opts)
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	p.SetNow(clk.now)
	return p, clk
}

func broadcast(from uint32, payload string) wire.Decoded {
	return wire.Decoded{
		From:     from,
		To:       wire.BroadcastAddr,
		PortName: "TEXT_MESSAGE_APP",
		Payload:  []byte(payload),
	}
}

func TestNormalize(t *testing.T) {
	sink := &memSink{}
	p, _ := newTestPipeline(t, sink, Options{LocalNodeID: 1})

	p.Ingest(wire.Decoded{
		From: 0x10, To: 0x1, PortName: "POSITION_APP",
		Payload: []byte{1, 2, 3}, RSSI: -90, SNR: 5.5, HopStart: 3, HopLimit: 1,
	}, wire.SourceB)

	if len(sink.packets) != 1 {
		t.Fatalf("expected 1 stored packet, got %d", len(sink.packets))
	}
	got := sink.packets[0]
	if got.Type != wire.TypePosition || got.Source != wire.SourceB {
		t.Fatalf("bad normalization: %+v", got)
	}
	if got.HopCount() != 2 {
		t.Fatalf("hop count = %d, want 2", got.HopCount())
	}
	if got.Broadcast {
		t.Fatalf("directed packet flagged as broadcast")
	}
}

func TestMalformedDropped(t *testing.T) {
	sink := &memSink{}
	p, _ := newTestPipeline(t, sink, Options{LocalNodeID: 1})

	p.Ingest(wire.Decoded{From: 0, PortName: "TEXT_MESSAGE_APP"}, wire.SourceA)
	p.Ingest(wire.Decoded{From: 5, PortName: "BOGUS_APP"}, wire.SourceA)

	if len(sink.packets) != 0 {
		t.Fatalf("malformed packets must not reach the store")
	}
	if s := p.Snapshot(); s.Dropped != 2 || s.Accepted != 0 {
		t.Fatalf("unexpected counters: %+v", s)
	}
}

func TestBroadcastDedupWindow(t *testing.T) {
	sink := &memSink{}
	p, clk := newTestPipeline(t, sink, Options{LocalNodeID: 1, DedupWindow: 60 * time.Second})

	// same payload 10s apart: first accepted, second suppressed
	p.Ingest(broadcast(0x20, "hello mesh"), wire.SourceA)
	clk.advance(10 * time.Second)
	p.Ingest(broadcast(0x20, "hello mesh"), wire.SourceA)

	if len(sink.packets) != 1 {
		t.Fatalf("expected 1 forwarded packet inside the window, got %d", len(sink.packets))
	}
	if s := p.Snapshot(); s.Duplicates != 1 {
		t.Fatalf("duplicate not counted: %+v", s)
	}

	// after the window the same content is a fresh packet
	clk.advance(61 * time.Second)
	p.Ingest(broadcast(0x20, "hello mesh"), wire.SourceA)
	if len(sink.packets) != 2 {
		t.Fatalf("expected re-acceptance after window, got %d", len(sink.packets))
	}
}

func TestDedupIgnoresDirectedPackets(t *testing.T) {
	sink := &memSink{}
	p, _ := newTestPipeline(t, sink, Options{LocalNodeID: 1})

	d := wire.Decoded{From: 0x30, To: 0x1, PortName: "TEXT_MESSAGE_APP", Payload: []byte("x")}
	p.Ingest(d, wire.SourceA)
	p.Ingest(d, wire.SourceA)
	if len(sink.packets) != 2 {
		t.Fatalf("directed packets must never dedup, got %d", len(sink.packets))
	}
}

func TestDispatchOnlyLocalOrBroadcast(t *testing.T) {
	sink := &memSink{}
	var dispatched []wire.Packet
	p, _ := newTestPipeline(t, sink, Options{
		LocalNodeID: 0xAA,
		Dispatch:    func(pkt wire.Packet) { dispatched = append(dispatched, pkt) },
	})

	p.Ingest(wire.Decoded{From: 1, To: 0xAA, PortName: "TEXT_MESSAGE_APP", Payload: []byte("a")}, wire.SourceA)
	p.Ingest(wire.Decoded{From: 2, To: 0xBB, PortName: "TEXT_MESSAGE_APP", Payload: []byte("b")}, wire.SourceA)
	p.Ingest(broadcast(3, "c"), wire.SourceA)

	if len(dispatched) != 2 {
		t.Fatalf("dispatch count = %d, want 2 (local + broadcast)", len(dispatched))
	}
	if len(sink.packets) != 3 {
		t.Fatalf("all packets must still be persisted, got %d", len(sink.packets))
	}
}

func TestSideRecords(t *testing.T) {
	sink := &memSink{}
	p, _ := newTestPipeline(t, sink, Options{LocalNodeID: 1})

	p.Ingest(wire.Decoded{
		From: 0x40, To: wire.BroadcastAddr, PortName: "NODEINFO_APP", Payload: []byte{1},
		NodeInfo: &wire.NodeInfo{NodeID: 0x40, Name: "relay-west", PublicKey: "ab12"},
	}, wire.SourceB)
	p.Ingest(wire.Decoded{
		From: 0x41, To: wire.BroadcastAddr, PortName: "NEIGHBORINFO_APP", Payload: []byte{2},
		NeighborInfo: &wire.NeighborInfo{
			NodeID:    0x41,
			Neighbors: []wire.Neighbor{{NeighborID: 0x42, SNR: 3.5}, {NeighborID: 0x43, SNR: -1}},
		},
	}, wire.SourceB)

	if len(sink.nodes) != 1 || sink.nodes[0].Name != "relay-west" {
		t.Fatalf("node identity not captured: %+v", sink.nodes)
	}
	if len(sink.neighbors) != 2 {
		t.Fatalf("neighbor batch not captured: %+v", sink.neighbors)
	}
}

func TestStoreFailureSkipsAndNotifies(t *testing.T) {
	boom := errors.New("disk full")
	sink := &memSink{fail: boom}
	var notified error
	p, _ := newTestPipeline(t, sink, Options{
		LocalNodeID: 1,
		OnError:     func(err error) { notified = err },
	})

	p.Ingest(broadcast(0x50, "payload"), wire.SourceA)
	if !errors.Is(notified, boom) {
		t.Fatalf("storage failure must reach the error callback, got %v", notified)
	}
	// pipeline keeps going
	sink.fail = nil
	p.Ingest(broadcast(0x50, "another payload"), wire.SourceA)
	if len(sink.packets) != 1 {
		t.Fatalf("pipeline stopped after a storage failure")
	}
}

func TestSessionCounterReset(t *testing.T) {
	sink := &memSink{}
	p, _ := newTestPipeline(t, sink, Options{LocalNodeID: 1})

	for i := 0; i < 5; i++ {
		p.Ingest(wire.Decoded{From: uint32(i + 1), To: 0x1, PortName: "TEXT_MESSAGE_APP", Payload: []byte{byte(i)}}, wire.SourceA)
	}
	if s := p.Snapshot(); s.Session != 5 {
		t.Fatalf("session counter = %d, want 5", s.Session)
	}
	p.ResetSession()
	if s := p.Snapshot(); s.Session != 0 || s.Accepted != 5 {
		t.Fatalf("reset must clear session only: %+v", s)
	}
}

func TestRateWindowBounded(t *testing.T) {
	sink := &memSink{}
	p, clk := newTestPipeline(t, sink, Options{LocalNodeID: 1, RateWindow: 4})

	for i := 0; i < 10; i++ {
		p.Ingest(wire.Decoded{From: 0x60, To: 0x1, PortName: "TEXT_MESSAGE_APP", Payload: []byte{byte(i)}}, wire.SourceA)
		clk.advance(time.Second)
	}
	// capacity 4 bounds the lookback even though 10 packets arrived
	if r := p.Rate(); r != 4 {
		t.Fatalf("rate = %v, want 4 (window capacity)", r)
	}

	clk.advance(2 * time.Minute)
	if r := p.Rate(); r != 0 {
		t.Fatalf("rate after quiet period = %v, want 0", r)
	}
}
