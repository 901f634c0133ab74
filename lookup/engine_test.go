package lookup

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/opd-ai/kadnet"
	"github.com/opd-ai/kadnet/crypto"
	"github.com/opd-ai/kadnet/routing"
	"github.com/opd-ai/kadnet/rpc"
	"github.com/opd-ai/kadnet/securifier"
	"github.com/opd-ai/kadnet/service"
	"github.com/opd-ai/kadnet/store"
	"github.com/opd-ai/kadnet/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// delayedReplyTransport wraps a transport.Transport, delaying every
// outbound Send. Used to simulate a slow peer whose response is still in
// flight when a sibling in the same lookup batch answers first.
type delayedReplyTransport struct {
	transport.Transport
	delay time.Duration
}

func (d *delayedReplyTransport) Send(packet *transport.Packet, addr net.Addr) error {
	time.Sleep(d.delay)
	return d.Transport.Send(packet, addr)
}

// lookupNode bundles every per-node piece needed to take part in a lookup:
// a transport endpoint, routing table, data store, RPC client, and the
// inbound service dispatching requests the client sends it.
type lookupNode struct {
	contact    *kadnet.Contact
	table      *routing.Table
	dataStore  *store.DataStore
	securifier *securifier.Ed25519Securifier
	client     *rpc.Client
	engine     *Engine
}

func newLookupNode(t *testing.T, network *transport.MemoryNetwork, name string) *lookupNode {
	t.Helper()
	id, err := crypto.RandomNodeID()
	require.NoError(t, err)
	keys, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	tr := network.NewTransport(name)
	contact := kadnet.NewContact(id, tr.LocalAddr())
	table := routing.NewTable(id, kadnet.K)
	ds := store.New()
	sec := securifier.New(id, keys)

	client := rpc.NewClient(tr, contact, time.Second, func(c *kadnet.Contact) { table.AddContact(c) })
	service.New(contact, tr, table, ds, sec, nil)

	return &lookupNode{
		contact: contact, table: table, dataStore: ds, securifier: sec,
		client: client, engine: New(contact, table, client),
	}
}

// newSlowReplyLookupNode is newLookupNode, but the node's own service
// replies over a transport whose Send is delayed, simulating a peer that
// is slow to answer.
func newSlowReplyLookupNode(t *testing.T, network *transport.MemoryNetwork, name string, replyDelay time.Duration) *lookupNode {
	t.Helper()
	id, err := crypto.RandomNodeID()
	require.NoError(t, err)
	keys, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	tr := network.NewTransport(name)
	slowTr := &delayedReplyTransport{Transport: tr, delay: replyDelay}
	contact := kadnet.NewContact(id, tr.LocalAddr())
	table := routing.NewTable(id, kadnet.K)
	ds := store.New()
	sec := securifier.New(id, keys)

	client := rpc.NewClient(tr, contact, time.Second, func(c *kadnet.Contact) { table.AddContact(c) })
	service.New(contact, slowTr, table, ds, sec, nil)

	return &lookupNode{
		contact: contact, table: table, dataStore: ds, securifier: sec,
		client: client, engine: New(contact, table, client),
	}
}

// wireRing has every node know its immediate neighbor in the slice (plus
// wraparound), mimicking a freshly bootstrapped, sparsely connected network
// where no single node starts out knowing everyone.
func wireRing(nodes []*lookupNode) {
	n := len(nodes)
	for i, node := range nodes {
		next := nodes[(i+1)%n]
		node.table.AddContact(next.contact)
	}
}

func TestFindNodeConvergesOnClosestContacts(t *testing.T) {
	network := transport.NewMemoryNetwork()
	var nodes []*lookupNode
	for i := 0; i < 8; i++ {
		nodes = append(nodes, newLookupNode(t, network, nameFor(i)))
	}
	wireRing(nodes)

	target, err := crypto.RandomNodeID()
	require.NoError(t, err)

	results, err := nodes[0].engine.FindNode(context.Background(), target)
	require.NoError(t, err)
	assert.NotEmpty(t, results)

	// every other node in the ring is reachable via the chain of
	// FindNodes hops; the lookup should have discovered more than just
	// the single seed neighbor nodes[0] started with.
	assert.Greater(t, len(results), 1)
}

func TestFindValueReturnsStoredValueFromRemoteNode(t *testing.T) {
	network := transport.NewMemoryNetwork()
	var nodes []*lookupNode
	for i := 0; i < 6; i++ {
		nodes = append(nodes, newLookupNode(t, network, nameFor(i)))
	}
	wireRing(nodes)

	key, err := crypto.RandomNodeID()
	require.NoError(t, err)
	value := []byte("stored somewhere in the ring")

	holder := nodes[3]
	sig, err := holder.securifier.Sign(value)
	require.NoError(t, err)
	require.NoError(t, holder.dataStore.Store(key, value, sig, holder.contact.NodeID, time.Hour, true, false))

	result, err := nodes[0].engine.FindValue(context.Background(), key)
	require.NoError(t, err)
	require.True(t, result.Found)
	require.Len(t, result.Values, 1)
	assert.Equal(t, value, result.Values[0])
}

func TestFindValueReportsNotFoundWhenNoNodeHoldsKey(t *testing.T) {
	network := transport.NewMemoryNetwork()
	var nodes []*lookupNode
	for i := 0; i < 5; i++ {
		nodes = append(nodes, newLookupNode(t, network, nameFor(i)))
	}
	wireRing(nodes)

	key, err := crypto.RandomNodeID()
	require.NoError(t, err)

	result, err := nodes[0].engine.FindValue(context.Background(), key)
	require.NoError(t, err)
	assert.False(t, result.Found)
	assert.Empty(t, result.Values)
}

func TestFindNodeExcludesSelfFromResults(t *testing.T) {
	network := transport.NewMemoryNetwork()
	var nodes []*lookupNode
	for i := 0; i < 4; i++ {
		nodes = append(nodes, newLookupNode(t, network, nameFor(i)))
	}
	wireRing(nodes)

	target, err := crypto.RandomNodeID()
	require.NoError(t, err)

	results, err := nodes[0].engine.FindNode(context.Background(), target)
	require.NoError(t, err)
	for _, c := range results {
		assert.NotEqual(t, nodes[0].contact.NodeID, c.NodeID)
	}
}

func TestFindValueShortCircuitsBatchOnceValueArrives(t *testing.T) {
	network := transport.NewMemoryNetwork()
	looker := newLookupNode(t, network, "looker")
	holder := newLookupNode(t, network, "holder")
	slow := newSlowReplyLookupNode(t, network, "slow", 2*time.Second)

	key, err := crypto.RandomNodeID()
	require.NoError(t, err)
	value := []byte("fast answer")
	sig, err := holder.securifier.Sign(value)
	require.NoError(t, err)
	require.NoError(t, holder.dataStore.Store(key, value, sig, holder.contact.NodeID, time.Hour, true, false))

	// Put both the holder and the slow peer in the looker's shortlist
	// directly so the very first batch queries them concurrently.
	looker.table.AddContact(holder.contact)
	looker.table.AddContact(slow.contact)

	start := time.Now()
	result, err := looker.engine.FindValue(context.Background(), key)
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.True(t, result.Found)
	assert.Equal(t, value, result.Values[0])

	// The slow peer's reply takes 2s; if the batch waited for it, this
	// lookup would take at least that long. Finding the value from the
	// fast holder must cancel the still-in-flight RPC to the slow peer
	// rather than block on it.
	assert.Less(t, elapsed, time.Second)

	// The slow peer's RPC was aborted by context cancellation, not an
	// actual failure, so it must not be penalized in the routing table.
	slowContact, ok := looker.table.GetContact(slow.contact.NodeID)
	require.True(t, ok)
	assert.Equal(t, 0, slowContact.FailedRPCs())
}

func nameFor(i int) string {
	names := []string{"alice", "bob", "carol", "dave", "erin", "frank", "grace", "heidi"}
	return names[i%len(names)]
}
