package transport

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryTransportDeliversToRegisteredHandler(t *testing.T) {
	network := NewMemoryNetwork()
	alice := network.NewTransport("alice")
	bob := network.NewTransport("bob")

	received := make(chan *Packet, 1)
	bob.RegisterHandler(PacketPing, func(p *Packet, addr net.Addr) error {
		received <- p
		return nil
	})

	err := alice.Send(&Packet{PacketType: PacketPing, Data: []byte("hello")}, bob.LocalAddr())
	require.NoError(t, err)

	select {
	case p := <-received:
		assert.Equal(t, []byte("hello"), p.Data)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestMemoryTransportSendToUnknownPeerErrors(t *testing.T) {
	network := NewMemoryNetwork()
	alice := network.NewTransport("alice")

	err := alice.Send(&Packet{PacketType: PacketPing, Data: []byte("x")}, MemoryAddr("ghost"))
	assert.Error(t, err)
}

func TestPacketSerializeRoundTrip(t *testing.T) {
	p := &Packet{PacketType: PacketFindNodes, Data: []byte("payload")}
	data, err := p.Serialize()
	require.NoError(t, err)

	parsed, err := ParsePacket(data)
	require.NoError(t, err)
	assert.Equal(t, p.PacketType, parsed.PacketType)
	assert.Equal(t, p.Data, parsed.Data)
}

func TestEncodeDecodePayloadRoundTrip(t *testing.T) {
	type pingPayload struct {
		Nonce uint64
	}
	encoded, err := EncodePayload(pingPayload{Nonce: 42})
	require.NoError(t, err)

	var decoded pingPayload
	require.NoError(t, DecodePayload(encoded, &decoded))
	assert.Equal(t, uint64(42), decoded.Nonce)
}
