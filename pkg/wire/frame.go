package wire

// FrameKind labels frames exchanged on a node link.
type FrameKind int

const (
	FrameUnknown FrameKind = iota
	// FramePacket carries a decoded mesh packet from the node to the host.
	FramePacket
	// FrameSend carries an outbound transmit request to the node.
	FrameSend
	// FramePing is a liveness probe; nodes echo it back.
	FramePing
)

// Frame is the envelope exchanged with a radio node over its stream link.
// Frames are length-prefixed CBOR on the wire.
type Frame struct {
	Kind   FrameKind `cbor:"kind" json:"kind"`
	Packet *Decoded  `cbor:"packet,omitempty" json:"packet,omitempty"`
	Send   *Outbound `cbor:"send,omitempty" json:"send,omitempty"`
}

// Outbound is one transmit request handed to a node.
type Outbound struct {
	To      uint32 `cbor:"to" json:"to"`
	Channel int32  `cbor:"channel,omitempty" json:"channel,omitempty"`
	Payload []byte `cbor:"payload,omitempty" json:"payload,omitempty"`
}
