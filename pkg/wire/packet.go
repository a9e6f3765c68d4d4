// Package wire defines the canonical packet model shared by the radio
// transports, the router and the ingestion pipeline.
package wire

import (
	"time"
)

// BroadcastAddr is the node id used by the mesh for broadcast traffic.
const BroadcastAddr uint32 = 0xFFFFFFFF

// NetworkSource identifies which of the two independent mesh networks a
// packet or routing decision pertains to.
type NetworkSource int

const (
	SourceA NetworkSource = iota
	SourceB
)

func (s NetworkSource) String() string {
	switch s {
	case SourceA:
		return "A"
	case SourceB:
		return "B"
	default:
		return "unknown"
	}
}

// PacketType classifies decoded traffic by application port.
type PacketType int

const (
	TypeUnknown PacketType = iota
	TypeText
	TypePosition
	TypeNodeInfo
	TypeNeighborInfo
	TypeTelemetry
	TypeTraceroute
	TypeEncrypted
)

func (t PacketType) String() string {
	switch t {
	case TypeText:
		return "text"
	case TypePosition:
		return "position"
	case TypeNodeInfo:
		return "nodeinfo"
	case TypeNeighborInfo:
		return "neighborinfo"
	case TypeTelemetry:
		return "telemetry"
	case TypeTraceroute:
		return "traceroute"
	case TypeEncrypted:
		return "encrypted"
	default:
		return "unknown"
	}
}

// Packet is the canonical normalized form of one received mesh packet.
// Immutable once created; the store appends and never mutates.
type Packet struct {
	Timestamp time.Time
	FromID    uint32
	ToID      uint32
	Source    NetworkSource
	Type      PacketType
	Payload   []byte
	RSSI      int32
	SNR       float64
	HopStart  int32
	HopLimit  int32
	Broadcast bool
	Encrypted bool
	Size      int
}

// HopCount derives traversed hops from the hop window, or -1 when the
// radio did not report one.
func (p Packet) HopCount() int32 {
	if p.HopStart <= 0 {
		return -1
	}
	return p.HopStart - p.HopLimit
}

// Decoded is the vendor-decoded inbound packet shape delivered by a node
// link. The wire protocol itself is the vendor library's concern; this is
// the already-decoded surface the core consumes.
type Decoded struct {
	From      uint32  `cbor:"from" json:"from"`
	To        uint32  `cbor:"to" json:"to"`
	PortName  string  `cbor:"port" json:"port"`
	Payload   []byte  `cbor:"payload,omitempty" json:"payload,omitempty"`
	RSSI      int32   `cbor:"rssi,omitempty" json:"rssi,omitempty"`
	SNR       float64 `cbor:"snr,omitempty" json:"snr,omitempty"`
	HopStart  int32   `cbor:"hop_start,omitempty" json:"hop_start,omitempty"`
	HopLimit  int32   `cbor:"hop_limit,omitempty" json:"hop_limit,omitempty"`
	Channel   int32   `cbor:"channel,omitempty" json:"channel,omitempty"`
	Encrypted bool    `cbor:"encrypted,omitempty" json:"encrypted,omitempty"`
	WantAck   bool    `cbor:"want_ack,omitempty" json:"want_ack,omitempty"`

	// Optional side records carried by nodeinfo/neighborinfo ports.
	NodeInfo     *NodeInfo     `cbor:"node_info,omitempty" json:"node_info,omitempty"`
	NeighborInfo *NeighborInfo `cbor:"neighbor_info,omitempty" json:"neighbor_info,omitempty"`
}

// NodeInfo is the identity record a node advertises about itself.
type NodeInfo struct {
	NodeID    uint32  `cbor:"node_id" json:"node_id"`
	Name      string  `cbor:"name,omitempty" json:"name,omitempty"`
	ShortName string  `cbor:"short_name,omitempty" json:"short_name,omitempty"`
	HWModel   string  `cbor:"hw_model,omitempty" json:"hw_model,omitempty"`
	PublicKey string  `cbor:"public_key,omitempty" json:"public_key,omitempty"`
	Lat       float64 `cbor:"lat,omitempty" json:"lat,omitempty"`
	Lon       float64 `cbor:"lon,omitempty" json:"lon,omitempty"`
	Alt       int32   `cbor:"alt,omitempty" json:"alt,omitempty"`
}

// Neighbor is one adjacency a node reports about a peer it hears directly.
type Neighbor struct {
	NeighborID uint32  `cbor:"neighbor_id" json:"neighbor_id"`
	SNR        float64 `cbor:"snr,omitempty" json:"snr,omitempty"`
	LastRxTime int64   `cbor:"last_rx_time,omitempty" json:"last_rx_time,omitempty"`
}

// NeighborInfo is a batch of adjacency observations from one node.
type NeighborInfo struct {
	NodeID            uint32     `cbor:"node_id" json:"node_id"`
	BroadcastInterval int64      `cbor:"broadcast_interval,omitempty" json:"broadcast_interval,omitempty"`
	Neighbors         []Neighbor `cbor:"neighbors,omitempty" json:"neighbors,omitempty"`
}

// PortType maps a vendor port name to the canonical packet type.
func PortType(port string) PacketType {
	switch port {
	case "TEXT_MESSAGE_APP":
		return TypeText
	case "POSITION_APP":
		return TypePosition
	case "NODEINFO_APP":
		return TypeNodeInfo
	case "NEIGHBORINFO_APP":
		return TypeNeighborInfo
	case "TELEMETRY_APP":
		return TypeTelemetry
	case "TRACEROUTE_APP":
		return TypeTraceroute
	case "ENCRYPTED":
		return TypeEncrypted
	default:
		return TypeUnknown
	}
}
