package kadnet

import (
	"net"
	"sync/atomic"

	"github.com/opd-ai/kadnet/crypto"
)

// Contact is a peer descriptor: an identifier plus addressable endpoints and
// validation state, grounded on the teacher's dht.Node but widened with the
// spec's rendezvous/directly-connected/signed-id fields (spec §3 "Contact").
//
//export KadContact
type Contact struct {
	NodeID             crypto.NodeID
	PreferredEndpoint  net.Addr
	LocalEndpoints     []net.Addr
	RendezvousEndpoint net.Addr
	DirectlyConnected  bool
	PublicKey          []byte
	SignedID           []byte

	// failedRPCs is mutated exclusively by the routing table (spec §4.B:
	// "incremented by RoutingTable on timeout"); atomic because Contact
	// values are shared between routing-table internals and callers that
	// only read it.
	failedRPCs int32
}

// NewContact creates a Contact for the given identifier and preferred
// endpoint.
func NewContact(id crypto.NodeID, preferred net.Addr) *Contact {
	return &Contact{NodeID: id, PreferredEndpoint: preferred}
}

// Endpoint returns the address to use when contacting this peer: the direct
// preferred endpoint when reachable, otherwise the rendezvous endpoint.
func (c *Contact) Endpoint() net.Addr {
	if c.DirectlyConnected || c.RendezvousEndpoint == nil {
		return c.PreferredEndpoint
	}
	return c.RendezvousEndpoint
}

// FailedRPCs returns the number of consecutive RPC failures recorded for
// this contact.
func (c *Contact) FailedRPCs() int {
	return int(atomic.LoadInt32(&c.failedRPCs))
}

// IncrementFailedRPCs records an RPC failure and returns the updated count.
func (c *Contact) IncrementFailedRPCs() int {
	return int(atomic.AddInt32(&c.failedRPCs, 1))
}

// ResetFailedRPCs clears the failure counter, called on a successful RPC
// (spec §9 Open Questions: a successful RPC zeroes the counter).
func (c *Contact) ResetFailedRPCs() {
	atomic.StoreInt32(&c.failedRPCs, 0)
}

// Exceeded reports whether this contact has failed enough consecutive RPCs
// to be evicted.
func (c *Contact) Exceeded(tolerance int) bool {
	return c.FailedRPCs() >= tolerance
}

// Valid reports whether the contact is well-formed: its node id is
// non-zero and its preferred endpoint is set.
func (c *Contact) Valid() bool {
	return !c.NodeID.IsZero() && c.PreferredEndpoint != nil
}

// Equal reports whether two contacts refer to the same peer. Per spec §4.B,
// contact equality is by node id only.
func (c *Contact) Equal(other *Contact) bool {
	if c == nil || other == nil {
		return c == other
	}
	return c.NodeID.Equal(other.NodeID)
}

// sentinelClientID is the reserved all-ones identifier used to recognize the
// distinguished "client" contact (spec §4.B): a peer with no listening port
// that must never be stored in the routing table.
var sentinelClientID = crypto.AllOnesNodeID()

// IsClientContact reports whether c is the distinguished client sentinel
// that the routing table must never store.
func (c *Contact) IsClientContact() bool {
	return c.NodeID.Equal(sentinelClientID) && c.PreferredEndpoint == nil
}
