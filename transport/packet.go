package transport

import (
	"errors"
	"net"
)

// PacketType identifies the type of a wire packet.
type PacketType byte

const (
	// PacketAnnounce carries a presence announcement on the local network.
	PacketAnnounce PacketType = iota + 1
	// PacketHandshake carries a Noise handshake stage message.
	PacketHandshake
	// PacketCapacityReject tells an initiator the responder is at its
	// peer-count cap. Explicit, so the initiator can retry later instead of
	// treating the peer as dead.
	PacketCapacityReject
	// PacketSessionMessage carries an encrypted session frame.
	PacketSessionMessage
)

// Packet is the outermost wire unit: a one-byte type followed by a
// type-dependent body.
type Packet struct {
	PacketType PacketType
	Data       []byte
}

// PacketHandler is a function that processes incoming packets.
type PacketHandler func(packet *Packet, addr net.Addr)

// Transport is the abstract local-network primitive the peer network runs
// over: point-to-point sends plus best-effort broadcast for discovery.
// Implementations dispatch inbound packets to registered handlers by type.
type Transport interface {
	Send(packet *Packet, addr net.Addr) error
	Broadcast(packet *Packet) error
	RegisterHandler(packetType PacketType, handler PacketHandler)
	LocalAddr() net.Addr
	Close() error
}

// Serialize converts a packet to a byte slice for transmission.
// Format: [packet type (1 byte)][data (variable length)].
func (p *Packet) Serialize() ([]byte, error) {
	if p.Data == nil {
		return nil, errors.New("packet data is nil")
	}

	result := make([]byte, 1+len(p.Data))
	result[0] = byte(p.PacketType)
	copy(result[1:], p.Data)

	return result, nil
}

// ParsePacket converts a byte slice to a Packet structure.
func ParsePacket(data []byte) (*Packet, error) {
	if len(data) < 1 {
		return nil, errors.New("packet too short")
	}

	packet := &Packet{
		PacketType: PacketType(data[0]),
		Data:       make([]byte, len(data)-1),
	}

	copy(packet.Data, data[1:])

	return packet, nil
}
