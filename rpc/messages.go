// Package rpc implements the DHT's peer-to-peer RPC verbs (spec §4.E):
// typed request/response pairs carried as gob-encoded transport.Packet
// payloads, plus the client-side one-shot request/callback machinery and
// the fire-and-forget Downlist notification.
//
// Grounded on the teacher's dht.BootstrapManager RPC exchange (bootstrap.go)
// generalized from the bootstrap-only ping/get_nodes pair to the full verb
// set the spec requires.
package rpc

import (
	"net"

	"github.com/google/uuid"
	"github.com/opd-ai/kadnet"
	"github.com/opd-ai/kadnet/crypto"
)

// WireContact is the wire-safe representation of kadnet.Contact: net.Addr
// is an interface and cannot be gob-encoded directly, so endpoints travel
// as (network, address) string pairs and are resolved back to net.Addr on
// receipt.
type WireContact struct {
	NodeID             crypto.NodeID
	PreferredNetwork   string
	PreferredAddress   string
	RendezvousNetwork  string
	RendezvousAddress  string
	DirectlyConnected  bool
	PublicKey          []byte
	SignedID           []byte
}

// ToWireContact converts a Contact to its wire representation.
func ToWireContact(c *kadnet.Contact) WireContact {
	w := WireContact{
		NodeID:            c.NodeID,
		DirectlyConnected: c.DirectlyConnected,
		PublicKey:         c.PublicKey,
		SignedID:          c.SignedID,
	}
	if c.PreferredEndpoint != nil {
		w.PreferredNetwork = c.PreferredEndpoint.Network()
		w.PreferredAddress = c.PreferredEndpoint.String()
	}
	if c.RendezvousEndpoint != nil {
		w.RendezvousNetwork = c.RendezvousEndpoint.Network()
		w.RendezvousAddress = c.RendezvousEndpoint.String()
	}
	return w
}

// ToContact resolves a WireContact back into a kadnet.Contact.
func (w WireContact) ToContact() (*kadnet.Contact, error) {
	preferred, err := resolveAddr(w.PreferredNetwork, w.PreferredAddress)
	if err != nil {
		return nil, err
	}
	c := &kadnet.Contact{
		NodeID:            w.NodeID,
		PreferredEndpoint:  preferred,
		DirectlyConnected: w.DirectlyConnected,
		PublicKey:         w.PublicKey,
		SignedID:          w.SignedID,
	}
	if w.RendezvousAddress != "" {
		rendezvous, err := resolveAddr(w.RendezvousNetwork, w.RendezvousAddress)
		if err != nil {
			return nil, err
		}
		c.RendezvousEndpoint = rendezvous
	}
	return c, nil
}

func resolveAddr(network, address string) (net.Addr, error) {
	if address == "" {
		return nil, nil
	}
	switch network {
	case "tcp":
		return net.ResolveTCPAddr("tcp", address)
	case "memory":
		return transportMemoryAddr(address), nil
	default:
		return net.ResolveUDPAddr("udp", address)
	}
}

// transportMemoryAddr mirrors transport.MemoryAddr's string-backed net.Addr
// without importing transport here, keeping rpc's wire types independent of
// any one transport implementation.
type transportMemoryAddr string

func (a transportMemoryAddr) Network() string { return "memory" }
func (a transportMemoryAddr) String() string  { return string(a) }

// PingRequest carries a liveness check (spec §4.E "Ping").
type PingRequest struct {
	RequestID     uuid.UUID
	SenderID      crypto.NodeID
	SenderContact WireContact
}

// PingResponse confirms liveness.
type PingResponse struct {
	RequestID   uuid.UUID
	ResponderID crypto.NodeID
}

// FindNodesRequest asks a peer for its k closest contacts to Target.
type FindNodesRequest struct {
	RequestID     uuid.UUID
	SenderID      crypto.NodeID
	SenderContact WireContact
	Target        crypto.NodeID
}

// FindNodesResponse carries the closest contacts known to the responder.
type FindNodesResponse struct {
	RequestID   uuid.UUID
	ResponderID crypto.NodeID
	Contacts    []WireContact
}

// FindValueRequest asks a peer to return any values stored under Key, or
// failing that, its closest contacts to Key.
type FindValueRequest struct {
	RequestID     uuid.UUID
	SenderID      crypto.NodeID
	SenderContact WireContact
	Key           crypto.NodeID
}

// FindValueResponse returns either stored values or closest contacts.
// NeedsCacheCopy signals the requester should cache the returned values at
// the closest node it contacted that did not itself hold the value (spec
// §9 Open Question, resolved in DESIGN.md).
type FindValueResponse struct {
	RequestID      uuid.UUID
	ResponderID    crypto.NodeID
	Values         [][]byte
	Contacts       []WireContact
	NeedsCacheCopy bool
}

// StoreRequest publishes a signed value under Key.
type StoreRequest struct {
	RequestID       uuid.UUID
	SenderID        crypto.NodeID
	Key             crypto.NodeID
	Value           []byte
	Signature       []byte
	SignerID        crypto.NodeID
	SignerPublicKey []byte
	TTLSeconds      int64
	Publish         bool
	Hashable        bool
}

// StoreResponse acknowledges a store attempt.
type StoreResponse struct {
	RequestID   uuid.UUID
	ResponderID crypto.NodeID
	Accepted    bool
	Reason      string
}

// StoreRefreshRequest asks the receiver to advance the refresh time of a
// previously stored value.
type StoreRefreshRequest struct {
	RequestID uuid.UUID
	SenderID  crypto.NodeID
	Key       crypto.NodeID
	Value     []byte
}

// StoreRefreshResponse acknowledges a refresh, or (if the tuple is marked
// for deletion) carries the deletion proof back to the refresher.
type StoreRefreshResponse struct {
	RequestID       uuid.UUID
	ResponderID     crypto.NodeID
	Accepted        bool
	DeletionRequest []byte
}

// DeleteRequest soft-deletes a (key, value) tuple given a deletion proof.
type DeleteRequest struct {
	RequestID     uuid.UUID
	SenderID      crypto.NodeID
	Key           crypto.NodeID
	Value         []byte
	DeletionProof []byte
}

// DeleteResponse acknowledges a delete request.
type DeleteResponse struct {
	RequestID   uuid.UUID
	ResponderID crypto.NodeID
	Accepted    bool
}

// DeleteRefreshRequest renews a soft-delete tombstone's TTL.
type DeleteRefreshRequest struct {
	RequestID uuid.UUID
	SenderID  crypto.NodeID
	Key       crypto.NodeID
	Value     []byte
}

// DeleteRefreshResponse acknowledges a delete-refresh request.
type DeleteRefreshResponse struct {
	RequestID   uuid.UUID
	ResponderID crypto.NodeID
	Accepted    bool
}

// UpdateRequest replaces an existing value with a new signed value.
type UpdateRequest struct {
	RequestID       uuid.UUID
	SenderID        crypto.NodeID
	Key             crypto.NodeID
	OldValue        []byte
	NewValue        []byte
	NewSignature    []byte
	SignerID        crypto.NodeID
	SignerPublicKey []byte
	TTLSeconds      int64
	Hashable        bool
}

// UpdateResponse acknowledges an update attempt.
type UpdateResponse struct {
	RequestID   uuid.UUID
	ResponderID crypto.NodeID
	Accepted    bool
	Reason      string
}

// DownlistMessage is a fire-and-forget notification that the sender
// believes the listed contacts to be dead (spec §4.E "Downlist"); the
// receiving service must verify liveness itself before acting on it.
type DownlistMessage struct {
	SenderID     crypto.NodeID
	DeadContacts []crypto.NodeID
}
