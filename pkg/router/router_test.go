package router

import (
	"context"
	"errors"
	"testing"

	"github.com/Tigro14/meshbot-sub001/pkg/wire"
)

type fakeSender struct {
	channel int32
	healthy bool
	fail    error
	sent    []wire.Outbound
}

func (f *fakeSender) Send(_ context.Context, payload []byte, dest uint32, channel int32) error {
	if f.fail != nil {
		return f.fail
	}
	f.sent = append(f.sent, wire.Outbound{To: dest, Channel: channel, Payload: payload})
	return nil
}

func (f *fakeSender) Channel() int32 { return f.channel }
func (f *fakeSender) Healthy() bool  { return f.healthy }

type captureSink struct {
	got []wire.Decoded
	src []wire.NetworkSource
}

func (c *captureSink) Ingest(p wire.Decoded, source wire.NetworkSource) {
	c.got = append(c.got, p)
	c.src = append(c.src, source)
}

func TestSendRoutesToOriginNetwork(t *testing.T) {
	a := &fakeSender{healthy: true}
	b := &fakeSender{healthy: true, channel: 1}
	sink := &captureSink{}
	r := New(wire.SourceA, sink)
	r.Attach(wire.SourceA, a)
	r.Attach(wire.SourceB, b)

	// sender 0xAABBCCDD heard on network B
	r.OnPacket(wire.Decoded{From: 0xAABBCCDD, PortName: "TEXT_MESSAGE_APP"}, wire.SourceB)

	if err := r.Send(context.Background(), []byte("re"), 0xAABBCCDD); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(b.sent) != 1 || len(a.sent) != 0 {
		t.Fatalf("reply not routed to origin network: a=%d b=%d", len(a.sent), len(b.sent))
	}
	if b.sent[0].Channel != 1 {
		t.Fatalf("expected network channel, got %d", b.sent[0].Channel)
	}
}

func TestSendUnknownRecipientFallsBackToPrimary(t *testing.T) {
	a := &fakeSender{healthy: true}
	b := &fakeSender{healthy: true}
	r := New(wire.SourceA, &captureSink{})
	r.Attach(wire.SourceA, a)
	r.Attach(wire.SourceB, b)

	if err := r.Send(context.Background(), []byte("hi"), 0x12345678); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(a.sent) != 1 || len(b.sent) != 0 {
		t.Fatalf("unknown recipient must go to primary: a=%d b=%d", len(a.sent), len(b.sent))
	}
}

func TestLastSeenWins(t *testing.T) {
	a := &fakeSender{healthy: true}
	b := &fakeSender{healthy: true}
	r := New(wire.SourceA, &captureSink{})
	r.Attach(wire.SourceA, a)
	r.Attach(wire.SourceB, b)

	r.OnPacket(wire.Decoded{From: 0x42}, wire.SourceA)
	r.OnPacket(wire.Decoded{From: 0x42}, wire.SourceB)
	if src, _ := r.SenderSource(0x42); src != wire.SourceB {
		t.Fatalf("expected most recent network to win, got %v", src)
	}
	r.OnPacket(wire.Decoded{From: 0x42}, wire.SourceA)
	if src, _ := r.SenderSource(0x42); src != wire.SourceA {
		t.Fatalf("expected overwrite back to A, got %v", src)
	}
}

func TestSingleNetworkDegradation(t *testing.T) {
	b := &fakeSender{healthy: true}
	r := New(wire.SourceA, &captureSink{})
	r.Attach(wire.SourceB, b)
	r.Disable(wire.SourceA, errors.New("serial port missing"))

	// primary A is gone; sends must still go out via B
	if err := r.Send(context.Background(), []byte("hi"), 0x99); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(b.sent) != 1 {
		t.Fatalf("send not degraded to remaining network")
	}
	if got := r.Sources(); len(got) != 1 || got[0] != wire.SourceB {
		t.Fatalf("unexpected sources: %v", got)
	}
}

func TestSendFailureSurfaces(t *testing.T) {
	a := &fakeSender{healthy: true, fail: errors.New("socket gone")}
	r := New(wire.SourceA, &captureSink{})
	r.Attach(wire.SourceA, a)
	if err := r.Send(context.Background(), []byte("hi"), 0x1); err == nil {
		t.Fatalf("send failure must surface to the caller")
	}
}

func TestSendNoNetworks(t *testing.T) {
	r := New(wire.SourceA, &captureSink{})
	if err := r.Send(context.Background(), []byte("hi"), 0x1); err == nil {
		t.Fatalf("expected error with zero attached networks")
	}
}

func TestOnPacketForwardsTagged(t *testing.T) {
	sink := &captureSink{}
	r := New(wire.SourceA, sink)
	r.OnPacket(wire.Decoded{From: 0x7, PortName: "POSITION_APP"}, wire.SourceB)
	if len(sink.got) != 1 || sink.src[0] != wire.SourceB || sink.got[0].From != 0x7 {
		t.Fatalf("packet not forwarded with origin tag: %+v %+v", sink.got, sink.src)
	}
}

func TestBroadcastAllNetworks(t *testing.T) {
	a := &fakeSender{healthy: true}
	b := &fakeSender{healthy: true}
	r := New(wire.SourceA, &captureSink{})
	r.Attach(wire.SourceA, a)
	r.Attach(wire.SourceB, b)
	if err := r.Broadcast(context.Background(), []byte("ann")); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if len(a.sent) != 1 || len(b.sent) != 1 {
		t.Fatalf("broadcast must reach both networks: a=%d b=%d", len(a.sent), len(b.sent))
	}
	if a.sent[0].To != wire.BroadcastAddr {
		t.Fatalf("broadcast dest wrong: %08x", a.sent[0].To)
	}
}

func TestHealthy(t *testing.T) {
	a := &fakeSender{healthy: false}
	r := New(wire.SourceA, &captureSink{})
	r.Attach(wire.SourceA, a)
	if r.Healthy() {
		t.Fatalf("unhealthy sender must not report healthy")
	}
	a.healthy = true
	if !r.Healthy() {
		t.Fatalf("healthy sender must report healthy")
	}
}
