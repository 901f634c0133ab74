// Package transport implements the UDP transport for DHT RPC traffic: the
// primary transport for ping, lookup, and store operations where low
// latency outweighs delivery guarantees (the rpc package layers its own
// per-call timeout on top; lost packets are not retried).
package transport

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// udpReadBufferSize must hold the largest gob-encoded envelope the wire
// protocol produces: a FindNodesResponse carrying K WireContacts. 8KiB
// leaves headroom well beyond that.
const udpReadBufferSize = 8192

// UDPTransport implements Transport over a connectionless UDP socket: one
// goroutine reads and dispatches packets to registered handlers, one packet
// at a time in its own goroutine so a slow handler never stalls the socket.
//
//export KadUDPTransport
type UDPTransport struct {
	conn       net.PacketConn
	listenAddr net.Addr
	handlers   map[PacketType]PacketHandler
	mu         sync.RWMutex
	ctx        context.Context
	cancel     context.CancelFunc
}

// NewUDPTransport binds a UDP socket at listenAddr and starts its receive
// loop in the background.
//
//export KadNewUDPTransport
func NewUDPTransport(listenAddr string) (Transport, error) {
	conn, err := net.ListenPacket("udp", listenAddr)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &UDPTransport{
		conn:       conn,
		listenAddr: conn.LocalAddr(),
		handlers:   make(map[PacketType]PacketHandler),
		ctx:        ctx,
		cancel:     cancel,
	}

	go t.receiveLoop()
	return t, nil
}

// RegisterHandler associates handler with packetType for subsequently
// received packets.
func (t *UDPTransport) RegisterHandler(packetType PacketType, handler PacketHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[packetType] = handler
}

// Send serializes packet and writes it to addr in a single datagram.
//
//export KadUDPSend
func (t *UDPTransport) Send(packet *Packet, addr net.Addr) error {
	data, err := packet.Serialize()
	if err != nil {
		return err
	}
	_, err = t.conn.WriteTo(data, addr)
	return err
}

// Close stops the receive loop and releases the socket.
//
//export KadUDPClose
func (t *UDPTransport) Close() error {
	t.cancel()
	return t.conn.Close()
}

// receiveLoop reads datagrams until the transport is closed, dispatching
// each to its registered handler in its own goroutine. Reads use a short
// deadline so context cancellation is noticed promptly instead of blocking
// forever on an idle socket.
func (t *UDPTransport) receiveLoop() {
	logger := logrus.WithFields(logrus.Fields{"function": "receiveLoop", "package": "transport", "transport": "udp"})
	buffer := make([]byte, udpReadBufferSize)

	for {
		select {
		case <-t.ctx.Done():
			return
		default:
		}

		_ = t.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		n, addr, err := t.conn.ReadFrom(buffer)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			select {
			case <-t.ctx.Done():
				return
			default:
				logger.WithError(err).Debug("read failed")
				continue
			}
		}

		packet, err := ParsePacket(buffer[:n])
		if err != nil {
			logger.WithError(err).WithField("peer", addr).Warn("dropping malformed packet")
			continue
		}

		t.mu.RLock()
		handler, ok := t.handlers[packet.PacketType]
		t.mu.RUnlock()
		if !ok {
			continue
		}
		go func(p *Packet, a net.Addr) {
			if err := handler(p, a); err != nil {
				logger.WithError(err).WithField("peer", a).Debug("handler returned error")
			}
		}(packet, addr)
	}
}

// LocalAddr returns the socket's bound address.
func (t *UDPTransport) LocalAddr() net.Addr {
	return t.conn.LocalAddr()
}
