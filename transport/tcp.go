// Package transport implements the TCP transport for DHT RPC traffic,
// length-prefix framed for reliable delivery to peers behind connections
// that can't accept unsolicited UDP.
package transport

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// tcpWriteTimeout bounds how long Send waits for a connection to accept a
// framed packet before giving up and dropping the connection.
const tcpWriteTimeout = 5 * time.Second

// TCPTransport implements Transport over persistent TCP connections, with
// each packet framed by a 4-byte big-endian length prefix so packet
// boundaries survive the stream.
//
//export KadTCPTransport
type TCPTransport struct {
	listener   net.Listener
	listenAddr net.Addr
	handlers   map[PacketType]PacketHandler
	clients    map[string]net.Conn
	mu         sync.RWMutex
	ctx        context.Context
	cancel     context.CancelFunc
}

// NewTCPTransport listens on listenAddr and starts accepting connections in
// the background.
//
//export KadNewTCPTransport
func NewTCPTransport(listenAddr string) (Transport, error) {
	listener, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &TCPTransport{
		listener:   listener,
		listenAddr: listener.Addr(),
		handlers:   make(map[PacketType]PacketHandler),
		clients:    make(map[string]net.Conn),
		ctx:        ctx,
		cancel:     cancel,
	}

	go t.acceptLoop()
	return t, nil
}

// RegisterHandler associates handler with packetType for subsequently
// received packets.
func (t *TCPTransport) RegisterHandler(packetType PacketType, handler PacketHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[packetType] = handler
}

// Send writes a length-prefixed packet to addr, dialing a new connection
// and caching it if one isn't already open.
func (t *TCPTransport) Send(packet *Packet, addr net.Addr) error {
	conn, err := t.connFor(addr)
	if err != nil {
		return err
	}

	data, err := packet.Serialize()
	if err != nil {
		return err
	}

	frame := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(frame, uint32(len(data)))
	copy(frame[4:], data)

	if err := conn.SetWriteDeadline(time.Now().Add(tcpWriteTimeout)); err != nil {
		return err
	}
	if _, err := conn.Write(frame); err != nil {
		t.dropClient(addr.String())
		conn.Close()
		return err
	}
	return nil
}

func (t *TCPTransport) connFor(addr net.Addr) (net.Conn, error) {
	t.mu.RLock()
	conn, ok := t.clients[addr.String()]
	t.mu.RUnlock()
	if ok {
		return conn, nil
	}

	conn, err := net.Dial("tcp", addr.String())
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	t.clients[addr.String()] = conn
	t.mu.Unlock()
	go t.handleConnection(conn)
	return conn, nil
}

func (t *TCPTransport) dropClient(key string) {
	t.mu.Lock()
	delete(t.clients, key)
	t.mu.Unlock()
}

// Close stops accepting connections, closes every cached client
// connection, and closes the listener.
func (t *TCPTransport) Close() error {
	t.cancel()

	t.mu.Lock()
	for _, conn := range t.clients {
		conn.Close()
	}
	t.mu.Unlock()

	return t.listener.Close()
}

// LocalAddr returns the listener's bound address.
func (t *TCPTransport) LocalAddr() net.Addr {
	return t.listenAddr
}

func (t *TCPTransport) acceptLoop() {
	logger := logrus.WithFields(logrus.Fields{"function": "acceptLoop", "package": "transport", "transport": "tcp"})
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.ctx.Done():
				return
			default:
				logger.WithError(err).Debug("accept failed")
				continue
			}
		}
		go t.handleConnection(conn)
	}
}

// handleConnection reads length-prefixed packets from conn until it closes
// or the frame stream is corrupted, dispatching each to its registered
// handler. io.ReadFull is required here: a single Read on a TCP stream may
// return fewer bytes than requested, so framing by length prefix demands
// reading to completion rather than trusting one syscall's worth of data.
func (t *TCPTransport) handleConnection(conn net.Conn) {
	logger := logrus.WithFields(logrus.Fields{"function": "handleConnection", "package": "transport", "transport": "tcp"})
	addr := conn.RemoteAddr()

	t.mu.Lock()
	t.clients[addr.String()] = conn
	t.mu.Unlock()
	defer func() {
		t.dropClient(addr.String())
		conn.Close()
	}()

	header := make([]byte, 4)
	for {
		if _, err := io.ReadFull(conn, header); err != nil {
			return
		}
		length := binary.BigEndian.Uint32(header)

		data := make([]byte, length)
		if _, err := io.ReadFull(conn, data); err != nil {
			return
		}

		packet, err := ParsePacket(data)
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
