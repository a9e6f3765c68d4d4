package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Tigro14/meshbot-sub001/pkg/wire"
)

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "meshbot.db")
	s, err := Open(path, Options{CacheTTL: time.Minute})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, path
}

func testPacket(from uint32, ts time.Time) wire.Packet {
	return wire.Packet{
		Timestamp: ts,
		FromID:    from,
		ToID:      wire.BroadcastAddr,
		Source:    wire.SourceA,
		Type:      wire.TypeText,
		Payload:   []byte("hi"),
		RSSI:      -95,
		SNR:       4.25,
		HopStart:  3,
		HopLimit:  2,
		Broadcast: true,
		Size:      2,
	}
}

func TestSavePacketAndCount(t *testing.T) {
	s, _ := openTestStore(t)
	now := time.Now()
	for i := 0; i < 3; i++ {
		if err := s.SavePacket(testPacket(uint32(i+1), now)); err != nil {
			t.Fatalf("save: %v", err)
		}
	}
	n, err := s.PacketCount()
	if err != nil || n != 3 {
		t.Fatalf("count = %d, err %v", n, err)
	}
}

func TestNodeStatsAggregation(t *testing.T) {
	s, _ := openTestStore(t)
	now := time.Now()
	p := testPacket(0x77, now)
	for i := 0; i < 4; i++ {
		p.RSSI = int32(-100 + i)
		if err := s.SavePacket(p); err != nil {
			t.Fatalf("save: %v", err)
		}
	}
	st, ok, err := s.NodeStatsFor(wire.SourceA, 0x77)
	if err != nil || !ok {
		t.Fatalf("stats lookup: ok=%v err=%v", ok, err)
	}
	if st.Packets != 4 {
		t.Fatalf("packets = %d, want 4", st.Packets)
	}
	if st.LastRSSI != -97 {
		t.Fatalf("last rssi = %d, want most recent -97", st.LastRSSI)
	}
}

func TestCleanupRetention(t *testing.T) {
	s, _ := openTestStore(t)
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	s.SetNow(func() time.Time { return now })

	old := now.Add(-72 * time.Hour)
	fresh := now.Add(-1 * time.Hour)
	if err := s.SavePacket(testPacket(1, old)); err != nil {
		t.Fatalf("save old: %v", err)
	}
	if err := s.SavePacket(testPacket(2, fresh)); err != nil {
		t.Fatalf("save fresh: %v", err)
	}
	if err := s.SaveNeighborBatch(1, []wire.Neighbor{{NeighborID: 9}}, wire.SourceA); err != nil {
		t.Fatalf("save neighbors: %v", err)
	}

	if err := s.Cleanup(48, 168); err != nil {
		t.Fatalf("cleanup: %v", err)
	}

	n, err := s.PacketCount()
	if err != nil || n != 1 {
		t.Fatalf("post-cleanup count = %d, err %v", n, err)
	}
	// node_stats of both nodes were touched recently, inside the 168h horizon
	if _, ok, _ := s.NodeStatsFor(wire.SourceA, 1); !ok {
		t.Fatalf("node stats inside stats horizon must survive")
	}

	// push past the stats horizon and cleanup again
	s.SetNow(func() time.Time { return now.Add(200 * time.Hour) })
	if err := s.Cleanup(48, 168); err != nil {
		t.Fatalf("second cleanup: %v", err)
	}
	if _, ok, _ := s.NodeStatsFor(wire.SourceA, 1); ok {
		t.Fatalf("stale node stats must be deleted")
	}
}

func TestRegistryIsolation(t *testing.T) {
	s, _ := openTestStore(t)

	// same numeric node_id in both registries with different keys
	if err := s.UpsertNodeIdentity(wire.SourceA, wire.NodeInfo{NodeID: 0x1234, Name: "alpha", PublicKey: "aaaa1111"}); err != nil {
		t.Fatalf("upsert a: %v", err)
	}
	if err := s.UpsertNodeIdentity(wire.SourceB, wire.NodeInfo{NodeID: 0x1234, Name: "bravo", PublicKey: "bbbb2222"}); err != nil {
		t.Fatalf("upsert b: %v", err)
	}

	id, source, ok, err := s.FindNodeByPublicKeyPrefix("bbbb")
	if err != nil || !ok {
		t.Fatalf("find: ok=%v err=%v", ok, err)
	}
	if source != wire.SourceB || id != 0x1234 {
		t.Fatalf("key in B resolved to (%#x, %v)", id, source)
	}

	// a key present only in B must never resolve through A
	if _, source, ok, _ := s.FindNodeByPublicKeyPrefix("bbbb2222"); !ok || source != wire.SourceB {
		t.Fatalf("full-key lookup leaked across registries: ok=%v source=%v", ok, source)
	}

	recA, ok, err := s.NodeIdentity(wire.SourceA, 0x1234)
	if err != nil || !ok || recA.Name != "alpha" {
		t.Fatalf("registry A record wrong: %+v ok=%v err=%v", recA, ok, err)
	}
	recB, ok, err := s.NodeIdentity(wire.SourceB, 0x1234)
	if err != nil || !ok || recB.Name != "bravo" {
		t.Fatalf("registry B record wrong: %+v ok=%v err=%v", recB, ok, err)
	}
}

func TestFindNodeMissing(t *testing.T) {
	s, _ := openTestStore(t)
	if _, _, ok, err := s.FindNodeByPublicKeyPrefix("dead"); ok || err != nil {
		t.Fatalf("expected no match, got ok=%v err=%v", ok, err)
	}
}

func TestUpsertIdempotent(t *testing.T) {
	s, _ := openTestStore(t)
	rec := wire.NodeInfo{NodeID: 0x55, Name: "first", PublicKey: "cafe"}
	if err := s.UpsertNodeIdentity(wire.SourceA, rec); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	rec.Name = "second"
	rec.Lat = 48.85
	if err := s.UpsertNodeIdentity(wire.SourceA, rec); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}
	got, ok, err := s.NodeIdentity(wire.SourceA, 0x55)
	if err != nil || !ok {
		t.Fatalf("lookup: ok=%v err=%v", ok, err)
	}
	if got.Name != "second" || got.Lat != 48.85 {
		t.Fatalf("replace did not take: %+v", got)
	}
}

func TestTruncatedFileRecovery(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "meshbot.db")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatalf("truncate: %v", err)
	}

	s, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("open over zero-length file: %v", err)
	}
	defer s.Close()

	if err := s.SavePacket(testPacket(1, time.Now())); err != nil {
		t.Fatalf("write after recovery: %v", err)
	}
	if n, _ := s.PacketCount(); n != 1 {
		t.Fatalf("count after recovery = %d", n)
	}
}

func TestReopenKeepsData(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "meshbot.db")

	s, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.SavePacket(testPacket(1, time.Now())); err != nil {
		t.Fatalf("save: %v", err)
	}
	s.Close()

	s2, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	if n, _ := s2.PacketCount(); n != 1 {
		t.Fatalf("data lost across reopen: %d", n)
	}
}

func TestCacheRoundTripAndExpiry(t *testing.T) {
	s, _ := openTestStore(t)
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	s.SetNow(func() time.Time { return now })

	type weather struct {
		Temp float64 `cbor:"temp"`
		Desc string  `cbor:"desc"`
	}
	if err := s.CachePut("wx:paris", weather{Temp: 21.5, Desc: "clear"}); err != nil {
		t.Fatalf("put: %v", err)
	}

	var got weather
	ok, err := s.CacheGet("wx:paris", &got)
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got.Temp != 21.5 || got.Desc != "clear" {
		t.Fatalf("cache value mangled: %+v", got)
	}

	// past the TTL both layers must miss
	s.SetNow(func() time.Time { return now.Add(2 * time.Minute) })
	ok, err = s.CacheGet("wx:paris", &got)
	if err != nil {
		t.Fatalf("expired get: %v", err)
	}
	if ok {
		t.Fatalf("expired cache entry served")
	}
}
