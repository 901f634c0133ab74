// Package transport implements the DHT's wire layer: packet framing and the
// pluggable Transport interface used by the RPC client and service.
//
// The packet system provides:
//   - Strongly-typed packet identification using PacketType constants, one
//     per RPC verb (spec §4.E "Wire verbs")
//   - gob-based envelope encoding, chosen over a hand-rolled binary framing
//     because the module's RPC payloads are nested Go structs (contacts,
//     signatures, node lists) that gob already round-trips without a
//     bespoke codec (see SPEC_FULL.md "Wire protocol")
//
// Example usage:
//
//	packet := &Packet{PacketType: PacketPing, Data: payload}
//	data, _ := packet.Serialize()
//	transport.Send(packet, remoteAddr)
//
//	received, _ := ParsePacket(networkData)
//	switch received.PacketType {
//	case PacketPingResponse:
//	    // handle ping response
//	}
package transport

import (
	"bytes"
	"encoding/gob"
	"errors"
)

// PacketType identifies the RPC verb carried by a packet (spec §4.E).
type PacketType byte

const (
	PacketPing PacketType = iota + 1
	PacketPingResponse
	PacketFindNodes
	PacketFindNodesResponse
	PacketFindValue
	PacketFindValueResponse
	PacketStore
	PacketStoreResponse
	PacketStoreRefresh
	PacketStoreRefreshResponse
	PacketDelete
	PacketDeleteResponse
	PacketDeleteRefresh
	PacketDeleteRefreshResponse
	PacketUpdate
	PacketUpdateResponse
	PacketDownlist
)

func (t PacketType) String() string {
	switch t {
	case PacketPing:
		return "Ping"
	case PacketPingResponse:
		return "PingResponse"
	case PacketFindNodes:
		return "FindNodes"
	case PacketFindNodesResponse:
		return "FindNodesResponse"
	case PacketFindValue:
		return "FindValue"
	case PacketFindValueResponse:
		return "FindValueResponse"
	case PacketStore:
		return "Store"
	case PacketStoreResponse:
		return "StoreResponse"
	case PacketStoreRefresh:
		return "StoreRefresh"
	case PacketStoreRefreshResponse:
		return "StoreRefreshResponse"
	case PacketDelete:
		return "Delete"
	case PacketDeleteResponse:
		return "DeleteResponse"
	case PacketDeleteRefresh:
		return "DeleteRefresh"
	case PacketDeleteRefreshResponse:
		return "DeleteRefreshResponse"
	case PacketUpdate:
		return "Update"
	case PacketUpdateResponse:
		return "UpdateResponse"
	case PacketDownlist:
		return "Downlist"
	default:
		return "Unknown"
	}
}

// Packet is the fundamental unit of communication on the wire: a verb tag
// plus a gob-encoded payload specific to that verb.
type Packet struct {
	PacketType PacketType
	Data       []byte
}

// Serialize converts a packet to a byte slice for network transmission.
// Format: [packet_type(1)][gob envelope(variable)].
func (p *Packet) Serialize() ([]byte, error) {
	if p.Data == nil {
		return nil, errors.New("packet data is nil")
	}
	result := make([]byte, 1+len(p.Data))
	result[0] = byte(p.PacketType)
	copy(result[1:], p.Data)
	return result, nil
}

// ParsePacket converts a byte slice back into a Packet.
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

// EncodePayload gob-encodes an RPC payload for use as a Packet's Data field.
func EncodePayload(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodePayload gob-decodes a Packet's Data field into v.
func DecodePayload(data []byte, v interface{}) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}
