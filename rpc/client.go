package rpc

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opd-ai/kadnet"
	"github.com/opd-ai/kadnet/crypto"
	"github.com/opd-ai/kadnet/transport"
	"github.com/sirupsen/logrus"
)

// ErrTimeout indicates a request received no response within its deadline,
// the trigger for the routing table's failed-RPC accounting (spec §4.C
// step 7).
var ErrTimeout = errors.New("rpc: request timed out")

// ContactObserver is notified whenever the client hears from a peer,
// independent of whether the exchange it was part of succeeded —
// mirroring the spec's "every received packet is a liveness signal"
// rule (spec §4.C "AddContact on receipt").
type ContactObserver func(c *kadnet.Contact)

// Client issues the DHT's RPC verbs over a transport.Transport and matches
// responses back to pending calls by RequestID. Grounded on the teacher's
// BootstrapManager ping/get_nodes round trip (dht/bootstrap.go), generalized
// into a reusable client for every verb in spec §4.E.
type Client struct {
	transport transport.Transport
	self      *kadnet.Contact
	timeout   time.Duration

	mu      sync.Mutex
	pending map[uuid.UUID]chan interface{}

	onContactSeen ContactObserver
}

// NewClient creates an RPC client bound to self's identity and addressable
// endpoints, issuing requests over tr with the given per-request timeout.
func NewClient(tr transport.Transport, self *kadnet.Contact, timeout time.Duration, onContactSeen ContactObserver) *Client {
	c := &Client{
		transport:     tr,
		self:          self,
		timeout:       timeout,
		pending:       make(map[uuid.UUID]chan interface{}),
		onContactSeen: onContactSeen,
	}
	c.registerHandlers()
	return c
}

func (c *Client) registerHandlers() {
	c.transport.RegisterHandler(transportPacketType(kindPingResponse), c.handlePingResponse)
	c.transport.RegisterHandler(transportPacketType(kindFindNodesResponse), c.handleFindNodesResponse)
	c.transport.RegisterHandler(transportPacketType(kindFindValueResponse), c.handleFindValueResponse)
	c.transport.RegisterHandler(transportPacketType(kindStoreResponse), c.handleStoreResponse)
	c.transport.RegisterHandler(transportPacketType(kindStoreRefreshResponse), c.handleStoreRefreshResponse)
	c.transport.RegisterHandler(transportPacketType(kindDeleteResponse), c.handleDeleteResponse)
	c.transport.RegisterHandler(transportPacketType(kindDeleteRefreshResponse), c.handleDeleteRefreshResponse)
	c.transport.RegisterHandler(transportPacketType(kindUpdateResponse), c.handleUpdateResponse)
}

type packetKind int

const (
	kindPing packetKind = iota
	kindPingResponse
	kindFindNodes
	kindFindNodesResponse
	kindFindValue
	kindFindValueResponse
	kindStore
	kindStoreResponse
	kindStoreRefresh
	kindStoreRefreshResponse
	kindDelete
	kindDeleteResponse
	kindDeleteRefresh
	kindDeleteRefreshResponse
	kindUpdate
	kindUpdateResponse
	kindDownlist
)

func transportPacketType(k packetKind) transport.PacketType {
	switch k {
	case kindPing:
		return transport.PacketPing
	case kindPingResponse:
		return transport.PacketPingResponse
	case kindFindNodes:
		return transport.PacketFindNodes
	case kindFindNodesResponse:
		return transport.PacketFindNodesResponse
	case kindFindValue:
		return transport.PacketFindValue
	case kindFindValueResponse:
		return transport.PacketFindValueResponse
	case kindStore:
		return transport.PacketStore
	case kindStoreResponse:
		return transport.PacketStoreResponse
	case kindStoreRefresh:
		return transport.PacketStoreRefresh
	case kindStoreRefreshResponse:
		return transport.PacketStoreRefreshResponse
	case kindDelete:
		return transport.PacketDelete
	case kindDeleteResponse:
		return transport.PacketDeleteResponse
	case kindDeleteRefresh:
		return transport.PacketDeleteRefresh
	case kindDeleteRefreshResponse:
		return transport.PacketDeleteRefreshResponse
	case kindUpdate:
		return transport.PacketUpdate
	case kindUpdateResponse:
		return transport.PacketUpdateResponse
	default:
		return transport.PacketDownlist
	}
}

func (c *Client) newRequestID() uuid.UUID {
	return uuid.New()
}

func (c *Client) register(id uuid.UUID) chan interface{} {
	ch := make(chan interface{}, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	return ch
}

func (c *Client) unregister(id uuid.UUID) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// call sends a request packet, waits for the matching response on ch, and
// returns ErrTimeout if none arrives before ctx is done or the client's
// configured timeout elapses, whichever is first.
func (c *Client) call(ctx context.Context, target *kadnet.Contact, kind packetKind, payload interface{}, id uuid.UUID) (interface{}, error) {
	ch := c.register(id)
	defer c.unregister(id)

	data, err := transport.EncodePayload(payload)
	if err != nil {
		return nil, err
	}
	packet := &transport.Packet{PacketType: transportPacketType(kind), Data: data}
	if err := c.transport.Send(packet, target.Endpoint()); err != nil {
		return nil, err
	}

	timeout := time.NewTimer(c.timeout)
	defer timeout.Stop()

	select {
	case resp := <-ch:
		return resp, nil
	case <-timeout.C:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) noteContact(id crypto.NodeID, addr net.Addr) {
	if c.onContactSeen == nil {
		return
	}
	c.onContactSeen(kadnet.NewContact(id, addr))
}

// Ping checks liveness of target (spec §4.E "Ping").
func (c *Client) Ping(ctx context.Context, target *kadnet.Contact) (*PingResponse, error) {
	id := c.newRequestID()
	req := PingRequest{RequestID: id, SenderID: c.self.NodeID, SenderContact: ToWireContact(c.self)}
	resp, err := c.call(ctx, target, kindPing, req, id)
	if err != nil {
		return nil, err
	}
	out := resp.(PingResponse)
	c.noteContact(out.ResponderID, target.Endpoint())
	return &out, nil
}

// FindNodes asks target for its closest contacts to key (spec §4.E
// "FindNodes").
func (c *Client) FindNodes(ctx context.Context, target *kadnet.Contact, key crypto.NodeID) (*FindNodesResponse, error) {
	id := c.newRequestID()
	req := FindNodesRequest{RequestID: id, SenderID: c.self.NodeID, SenderContact: ToWireContact(c.self), Target: key}
	resp, err := c.call(ctx, target, kindFindNodes, req, id)
	if err != nil {
		return nil, err
	}
	out := resp.(FindNodesResponse)
	c.noteContact(out.ResponderID, target.Endpoint())
	return &out, nil
}

// FindValue asks target for values stored under key, or its closest
// contacts failing that (spec §4.E "FindValue").
func (c *Client) FindValue(ctx context.Context, target *kadnet.Contact, key crypto.NodeID) (*FindValueResponse, error) {
	id := c.newRequestID()
	req := FindValueRequest{RequestID: id, SenderID: c.self.NodeID, SenderContact: ToWireContact(c.self), Key: key}
	resp, err := c.call(ctx, target, kindFindValue, req, id)
	if err != nil {
		return nil, err
	}
	out := resp.(FindValueResponse)
	c.noteContact(out.ResponderID, target.Endpoint())
	return &out, nil
}

// Store publishes value under key at target (spec §4.E "Store").
func (c *Client) Store(ctx context.Context, target *kadnet.Contact, key crypto.NodeID, value, signature []byte, signerID crypto.NodeID, signerPublicKey []byte, ttl time.Duration, publish, hashable bool) (*StoreResponse, error) {
	id := c.newRequestID()
	req := StoreRequest{
		RequestID: id, SenderID: c.self.NodeID, Key: key, Value: value, Signature: signature,
		SignerID: signerID, SignerPublicKey: signerPublicKey, TTLSeconds: int64(ttl.Seconds()),
		Publish: publish, Hashable: hashable,
	}
	resp, err := c.call(ctx, target, kindStore, req, id)
	if err != nil {
		return nil, err
	}
	out := resp.(StoreResponse)
	c.noteContact(out.ResponderID, target.Endpoint())
	return &out, nil
}

// StoreRefresh advances the refresh time of a previously stored (key, value)
// tuple at target; its expiry time is unchanged (spec §4.E "StoreRefresh").
func (c *Client) StoreRefresh(ctx context.Context, target *kadnet.Contact, key crypto.NodeID, value []byte) (*StoreRefreshResponse, error) {
	id := c.newRequestID()
	req := StoreRefreshRequest{RequestID: id, SenderID: c.self.NodeID, Key: key, Value: value}
	resp, err := c.call(ctx, target, kindStoreRefresh, req, id)
	if err != nil {
		return nil, err
	}
	out := resp.(StoreRefreshResponse)
	c.noteContact(out.ResponderID, target.Endpoint())
	return &out, nil
}

// Delete soft-deletes a (key, value) tuple at target given a deletion proof
// (spec §4.E "Delete").
func (c *Client) Delete(ctx context.Context, target *kadnet.Contact, key crypto.NodeID, value, deletionProof []byte) (*DeleteResponse, error) {
	id := c.newRequestID()
	req := DeleteRequest{RequestID: id, SenderID: c.self.NodeID, Key: key, Value: value, DeletionProof: deletionProof}
	resp, err := c.call(ctx, target, kindDelete, req, id)
	if err != nil {
		return nil, err
	}
	out := resp.(DeleteResponse)
	c.noteContact(out.ResponderID, target.Endpoint())
	return &out, nil
}

// DeleteRefresh renews a soft-delete tombstone's TTL at target (spec §4.E
// "DeleteRefresh").
func (c *Client) DeleteRefresh(ctx context.Context, target *kadnet.Contact, key crypto.NodeID, value []byte) (*DeleteRefreshResponse, error) {
	id := c.newRequestID()
	req := DeleteRefreshRequest{RequestID: id, SenderID: c.self.NodeID, Key: key, Value: value}
	resp, err := c.call(ctx, target, kindDeleteRefresh, req, id)
	if err != nil {
		return nil, err
	}
	out := resp.(DeleteRefreshResponse)
	c.noteContact(out.ResponderID, target.Endpoint())
	return &out, nil
}

// Update replaces an existing value with a new signed value at target
// (spec §4.E "Update").
func (c *Client) Update(ctx context.Context, target *kadnet.Contact, key crypto.NodeID, oldValue, newValue, newSignature []byte, signerID crypto.NodeID, signerPublicKey []byte, ttl time.Duration, hashable bool) (*UpdateResponse, error) {
	id := c.newRequestID()
	req := UpdateRequest{
		RequestID: id, SenderID: c.self.NodeID, Key: key, OldValue: oldValue, NewValue: newValue,
		NewSignature: newSignature, SignerID: signerID, SignerPublicKey: signerPublicKey,
		TTLSeconds: int64(ttl.Seconds()), Hashable: hashable,
	}
	resp, err := c.call(ctx, target, kindUpdate, req, id)
	if err != nil {
		return nil, err
	}
	out := resp.(UpdateResponse)
	c.noteContact(out.ResponderID, target.Endpoint())
	return &out, nil
}

// Downlist fires a best-effort, unacknowledged notice to target that the
// sender believes deadContacts to be unreachable (spec §4.E "Downlist"):
// the recipient must independently verify liveness before acting.
func (c *Client) Downlist(target *kadnet.Contact, deadContacts []crypto.NodeID) error {
	msg := DownlistMessage{SenderID: c.self.NodeID, DeadContacts: deadContacts}
	data, err := transport.EncodePayload(msg)
	if err != nil {
		return err
	}
	return c.transport.Send(&transport.Packet{PacketType: transport.PacketDownlist, Data: data}, target.Endpoint())
}

func (c *Client) decodeInto(packet *transport.Packet, v interface{}) error {
	return transport.DecodePayload(packet.Data, v)
}

func (c *Client) deliver(id uuid.UUID, v interface{}) {
	c.mu.Lock()
	ch, ok := c.pending[id]
	c.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- v:
	default:
	}
}

func (c *Client) handlePingResponse(packet *transport.Packet, addr net.Addr) error {
	var resp PingResponse
	if err := c.decodeInto(packet, &resp); err != nil {
		logrus.WithError(err).Warn("rpc: malformed ping response")
		return err
	}
	c.deliver(resp.RequestID, resp)
	return nil
}

func (c *Client) handleFindNodesResponse(packet *transport.Packet, addr net.Addr) error {
	var resp FindNodesResponse
	if err := c.decodeInto(packet, &resp); err != nil {
		return err
	}
	c.deliver(resp.RequestID, resp)
	return nil
}

func (c *Client) handleFindValueResponse(packet *transport.Packet, addr net.Addr) error {
	var resp FindValueResponse
	if err := c.decodeInto(packet, &resp); err != nil {
		return err
	}
	c.deliver(resp.RequestID, resp)
	return nil
}

func (c *Client) handleStoreResponse(packet *transport.Packet, addr net.Addr) error {
	var resp StoreResponse
	if err := c.decodeInto(packet, &resp); err != nil {
		return err
	}
	c.deliver(resp.RequestID, resp)
	return nil
}

func (c *Client) handleStoreRefreshResponse(packet *transport.Packet, addr net.Addr) error {
	var resp StoreRefreshResponse
	if err := c.decodeInto(packet, &resp); err != nil {
		return err
	}
	c.deliver(resp.RequestID, resp)
	return nil
}

func (c *Client) handleDeleteResponse(packet *transport.Packet, addr net.Addr) error {
	var resp DeleteResponse
	if err := c.decodeInto(packet, &resp); err != nil {
		return err
	}
	c.deliver(resp.RequestID, resp)
	return nil
}

func (c *Client) handleDeleteRefreshResponse(packet *transport.Packet, addr net.Addr) error {
	var resp DeleteRefreshResponse
	if err := c.decodeInto(packet, &resp); err != nil {
		return err
	}
	c.deliver(resp.RequestID, resp)
	return nil
}

func (c *Client) handleUpdateResponse(packet *transport.Packet, addr net.Addr) error {
	var resp UpdateResponse
	if err := c.decodeInto(packet, &resp); err != nil {
		return err
	}
	c.deliver(resp.RequestID, resp)
	return nil
}
