// Package tunnel frames data-plane packets on an established session and
// relays them between the client channels and the tun device.
package tunnel

import (
	"errors"
	"fmt"
)

// PacketType is the one-byte tag carried by every tunnel packet
type PacketType uint8

const (
	PktData       PacketType = 0 // uncompressed IP packet
	PktDPDOut     PacketType = 3 // dead peer detection request
	PktDPDResp    PacketType = 4 // dead peer detection reply
	PktDisconnect PacketType = 5 // client is going away
	PktKeepalive  PacketType = 7
	PktCompressed PacketType = 8 // compressed IP packet
	PktTermServer PacketType = 9 // server kick
)

func (t PacketType) String() string {
	switch t {
	case PktData:
		return "DATA"
	case PktDPDOut:
		return "DPD_OUT"
	case PktDPDResp:
		return "DPD_RESP"
	case PktDisconnect:
		return "DISCONN"
	case PktKeepalive:
		return "KEEPALIVE"
	case PktCompressed:
		return "COMPRESSED"
	case PktTermServer:
		return "TERM_SERVER"
	}
	return fmt.Sprintf("PacketType(%d)", uint8(t))
}

// Valid reports whether t is one of the defined tags
func (t PacketType) Valid() bool {
	switch t {
	case PktData, PktDPDOut, PktDPDResp, PktDisconnect, PktKeepalive, PktCompressed, PktTermServer:
		return true
	}
	return false
}

// IsData reports whether packets of this type carry device traffic
func (t PacketType) IsData() bool {
	return t == PktData || t == PktCompressed
}

// MaxPacket bounds a packet payload; the stream header length is 16 bits.
const MaxPacket = 0xffff

var (
	ErrBadMagic       = errors.New("bad stream packet header")
	ErrUnknownType    = errors.New("unknown packet type")
	ErrPacketTooLarge = errors.New("packet too large")
	ErrEmptyDatagram  = errors.New("empty datagram")
)

// Packet is one decoded tunnel unit
type Packet struct {
	Type    PacketType
	Payload []byte
}
