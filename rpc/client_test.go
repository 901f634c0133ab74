package rpc

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/opd-ai/kadnet"
	"github.com/opd-ai/kadnet/crypto"
	"github.com/opd-ai/kadnet/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomID(t *testing.T) crypto.NodeID {
	t.Helper()
	id, err := crypto.RandomNodeID()
	require.NoError(t, err)
	return id
}

func newTestPeer(t *testing.T, network *transport.MemoryNetwork, name string) (*kadnet.Contact, transport.Transport) {
	t.Helper()
	tr := network.NewTransport(name)
	id := randomID(t)
	return kadnet.NewContact(id, tr.LocalAddr()), tr
}

func TestPingRoundTrip(t *testing.T) {
	network := transport.NewMemoryNetwork()

	bobContact, bobTransport := newTestPeer(t, network, "bob")
	bobTransport.RegisterHandler(transport.PacketPing, func(p *transport.Packet, addr net.Addr) error {
		var req PingRequest
		require.NoError(t, transport.DecodePayload(p.Data, &req))
		resp := PingResponse{RequestID: req.RequestID, ResponderID: bobContact.NodeID}
		data, err := transport.EncodePayload(resp)
		require.NoError(t, err)
		return bobTransport.Send(&transport.Packet{PacketType: transport.PacketPingResponse, Data: data}, addr)
	})

	aliceContact, aliceTransport := newTestPeer(t, network, "alice")
	client := NewClient(aliceTransport, aliceContact, time.Second, nil)

	resp, err := client.Ping(context.Background(), bobContact)
	require.NoError(t, err)
	assert.Equal(t, bobContact.NodeID, resp.ResponderID)
}

func TestPingTimesOutWithNoResponder(t *testing.T) {
	network := transport.NewMemoryNetwork()
	aliceContact, aliceTransport := newTestPeer(t, network, "alice")
	// The ghost is registered but handles nothing, so the ping is delivered
	// and never answered.
	network.NewTransport("ghost")
	ghost := kadnet.NewContact(randomID(t), transport.MemoryAddr("ghost"))

	client := NewClient(aliceTransport, aliceContact, 50*time.Millisecond, nil)
	_, err := client.Ping(context.Background(), ghost)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestFindNodesRoundTrip(t *testing.T) {
	network := transport.NewMemoryNetwork()

	bobContact, bobTransport := newTestPeer(t, network, "bob")
	carolContact, _ := newTestPeer(t, network, "carol")

	bobTransport.RegisterHandler(transport.PacketFindNodes, func(p *transport.Packet, addr net.Addr) error {
		var req FindNodesRequest
		require.NoError(t, transport.DecodePayload(p.Data, &req))
		resp := FindNodesResponse{
			RequestID:   req.RequestID,
			ResponderID: bobContact.NodeID,
			Contacts:    []WireContact{ToWireContact(carolContact)},
		}
		data, err := transport.EncodePayload(resp)
		require.NoError(t, err)
		return bobTransport.Send(&transport.Packet{PacketType: transport.PacketFindNodesResponse, Data: data}, addr)
	})

	aliceContact, aliceTransport := newTestPeer(t, network, "alice")
	client := NewClient(aliceTransport, aliceContact, time.Second, nil)

	resp, err := client.FindNodes(context.Background(), bobContact, randomID(t))
	require.NoError(t, err)
	require.Len(t, resp.Contacts, 1)
	assert.Equal(t, carolContact.NodeID, resp.Contacts[0].NodeID)
}

func TestContactObserverNotifiedOnResponse(t *testing.T) {
	network := transport.NewMemoryNetwork()
	bobContact, bobTransport := newTestPeer(t, network, "bob")
	bobTransport.RegisterHandler(transport.PacketPing, func(p *transport.Packet, addr net.Addr) error {
		var req PingRequest
		require.NoError(t, transport.DecodePayload(p.Data, &req))
		resp := PingResponse{RequestID: req.RequestID, ResponderID: bobContact.NodeID}
		data, _ := transport.EncodePayload(resp)
		return bobTransport.Send(&transport.Packet{PacketType: transport.PacketPingResponse, Data: data}, addr)
	})

	var seen *kadnet.Contact
	aliceContact, aliceTransport := newTestPeer(t, network, "alice")
	client := NewClient(aliceTransport, aliceContact, time.Second, func(c *kadnet.Contact) { seen = c })

	_, err := client.Ping(context.Background(), bobContact)
	require.NoError(t, err)
	require.NotNil(t, seen)
	assert.Equal(t, bobContact.NodeID, seen.NodeID)
}

func TestWireContactRoundTrip(t *testing.T) {
	original := kadnet.NewContact(randomID(t), transport.MemoryAddr("somewhere"))
	wire := ToWireContact(original)
	restored, err := wire.ToContact()
	require.NoError(t, err)
	assert.True(t, original.Equal(restored))
}
