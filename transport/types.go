// Package transport abstracts the wire layer RPC traffic rides on: a
// common Transport interface over UDP, TCP, and an in-memory fake used by
// tests, plus the Packet framing the rpc package encodes envelopes into.
package transport

import "net"

// PacketHandler processes one received packet. Transports invoke handlers
// concurrently, one goroutine per packet, passing the sender's address
// alongside the packet so the handler can reply.
type PacketHandler func(packet *Packet, addr net.Addr) error

// Transport is the interface every RPC verb is sent and received over.
// UDPTransport, TCPTransport, and MemoryTransport all satisfy it, letting
// the rpc and service packages stay oblivious to the underlying medium.
//
//export KadTransport
type Transport interface {
	// Send transmits packet to addr.
	Send(packet *Packet, addr net.Addr) error
	// Close shuts the transport down and releases its resources.
	Close() error
	// LocalAddr returns the address this transport is reachable at.
	LocalAddr() net.Addr
	// RegisterHandler routes subsequently received packets of packetType
	// to handler, replacing any handler previously registered for it.
	RegisterHandler(packetType PacketType, handler PacketHandler)
}
