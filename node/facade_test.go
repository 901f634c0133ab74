package node

import (
	"context"
	"testing"
	"time"

	"github.com/opd-ai/kadnet"
	"github.com/opd-ai/kadnet/crypto"
	"github.com/opd-ai/kadnet/securifier"
	"github.com/opd-ai/kadnet/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestNode(t *testing.T, network *transport.MemoryNetwork, name string) (*Node, *securifier.Ed25519Securifier) {
	t.Helper()
	id, err := crypto.RandomNodeID()
	require.NoError(t, err)
	keys, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	tr := network.NewTransport(name)
	contact := kadnet.NewContact(id, tr.LocalAddr())
	sec := securifier.New(id, keys)

	n, err := New(Config{
		Self: contact, Transport: tr, Securifier: sec,
		RPCTimeout: time.Second, RefreshInterval: time.Hour, RepublishInterval: time.Hour,
	})
	require.NoError(t, err)
	return n, sec
}

func TestJoinFailsWithNoSeeds(t *testing.T) {
	network := transport.NewMemoryNetwork()
	n, _ := newTestNode(t, network, "alice")
	defer n.Leave()

	err := n.Join(nil)
	assert.ErrorIs(t, err, ErrNoLiveSeeds)
}

func TestJoinFailsWhenNoSeedResponds(t *testing.T) {
	network := transport.NewMemoryNetwork()
	n, _ := newTestNode(t, network, "alice")
	defer n.Leave()

	ghost := kadnet.NewContact(mustRandomID(t), transport.MemoryAddr("ghost"))
	err := n.Join([]*kadnet.Contact{ghost})
	assert.ErrorIs(t, err, ErrNoLiveSeeds)
}

func TestJoinSucceedsAgainstLiveSeed(t *testing.T) {
	network := transport.NewMemoryNetwork()
	alice, _ := newTestNode(t, network, "alice")
	defer alice.Leave()
	bob, _ := newTestNode(t, network, "bob")
	defer bob.Leave()

	err := alice.Join([]*kadnet.Contact{bob.self})
	require.NoError(t, err)
	assert.Greater(t, alice.table.Size(), 0)
}

func TestStoreThenFindValueAcrossJoinedNodes(t *testing.T) {
	network := transport.NewMemoryNetwork()
	alice, aliceSec := newTestNode(t, network, "alice")
	defer alice.Leave()
	bob, _ := newTestNode(t, network, "bob")
	defer bob.Leave()

	require.NoError(t, alice.Join([]*kadnet.Contact{bob.self}))

	key, err := crypto.RandomNodeID()
	require.NoError(t, err)
	value := []byte("hello from the facade")
	sig, err := aliceSec.Sign(value)
	require.NoError(t, err)

	err = alice.Store(context.Background(), key, value, sig, time.Hour, true, false)
	require.NoError(t, err)

	result, err := bob.FindValue(context.Background(), key)
	require.NoError(t, err)
	assert.True(t, result.Found)
	require.Len(t, result.Values, 1)
	assert.Equal(t, value, result.Values[0])
}

func TestLeaveStopsBackgroundTimers(t *testing.T) {
	network := transport.NewMemoryNetwork()
	alice, _ := newTestNode(t, network, "alice")
	bob, _ := newTestNode(t, network, "bob")
	defer bob.Leave()

	require.NoError(t, alice.Join([]*kadnet.Contact{bob.self}))
	alice.Leave()

	select {
	case <-alice.ctx.Done():
	default:
		t.Fatal("expected context to be canceled after Leave")
	}
}

func TestVerifyAndEvictDeadContactRemovesUnresponsivePeer(t *testing.T) {
	network := transport.NewMemoryNetwork()
	alice, _ := newTestNode(t, network, "alice")
	defer alice.Leave()

	ghostID := mustRandomID(t)
	ghost := kadnet.NewContact(ghostID, transport.MemoryAddr("ghost"))
	alice.table.AddContact(ghost)

	// FailedRPCTolerance is 2: a single failed verification increments the
	// counter but does not yet evict.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	alice.VerifyAndEvictDeadContact(ctx, ghostID)
	_, ok := alice.table.GetContact(ghostID)
	assert.True(t, ok)

	ctx2, cancel2 := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel2()
	alice.VerifyAndEvictDeadContact(ctx2, ghostID)
	_, ok = alice.table.GetContact(ghostID)
	assert.False(t, ok)
}

func TestDeleteRemovesValueAcrossJoinedNodes(t *testing.T) {
	network := transport.NewMemoryNetwork()
	alice, aliceSec := newTestNode(t, network, "alice")
	defer alice.Leave()
	bob, _ := newTestNode(t, network, "bob")
	defer bob.Leave()

	require.NoError(t, alice.Join([]*kadnet.Contact{bob.self}))

	key, err := crypto.RandomNodeID()
	require.NoError(t, err)
	value := []byte("ephemeral")
	sig, err := aliceSec.Sign(value)
	require.NoError(t, err)
	require.NoError(t, alice.Store(context.Background(), key, value, sig, time.Hour, true, false))

	result, err := bob.FindValue(context.Background(), key)
	require.NoError(t, err)
	require.True(t, result.Found)

	proof, err := aliceSec.Sign(value)
	require.NoError(t, err)
	require.NoError(t, alice.Delete(context.Background(), key, value, proof))

	result, err = bob.FindValue(context.Background(), key)
	require.NoError(t, err)
	assert.False(t, result.Found)
}

func TestUpdateReplacesValueAcrossJoinedNodes(t *testing.T) {
	network := transport.NewMemoryNetwork()
	alice, aliceSec := newTestNode(t, network, "alice")
	defer alice.Leave()
	bob, _ := newTestNode(t, network, "bob")
	defer bob.Leave()

	require.NoError(t, alice.Join([]*kadnet.Contact{bob.self}))

	key, err := crypto.RandomNodeID()
	require.NoError(t, err)
	oldValue := []byte("version-1")
	oldSig, err := aliceSec.Sign(oldValue)
	require.NoError(t, err)
	require.NoError(t, alice.Store(context.Background(), key, oldValue, oldSig, time.Hour, true, false))

	newValue := []byte("version-2")
	newSig, err := aliceSec.Sign(newValue)
	require.NoError(t, err)
	require.NoError(t, alice.Update(context.Background(), key, oldValue, newValue, newSig, time.Hour, false))

	result, err := bob.FindValue(context.Background(), key)
	require.NoError(t, err)
	require.True(t, result.Found)
	require.Len(t, result.Values, 1)
	assert.Equal(t, newValue, result.Values[0])
}

func TestDownlistClaimEvictsContactOnlyAfterVerificationFails(t *testing.T) {
	network := transport.NewMemoryNetwork()
	alice, _ := newTestNode(t, network, "alice")
	defer alice.Leave()
	bob, _ := newTestNode(t, network, "bob")
	defer bob.Leave()

	ghostID := mustRandomID(t)
	ghost := kadnet.NewContact(ghostID, transport.MemoryAddr("ghost"))
	alice.table.AddContact(ghost)

	require.NoError(t, bob.client.Downlist(alice.self, []crypto.NodeID{ghostID}))

	// FailedRPCTolerance is 2: the first downlist-triggered verification
	// fails but does not yet evict.
	require.Eventually(t, func() bool {
		c, ok := alice.table.GetContact(ghostID)
		return ok && c.FailedRPCs() == 1
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, bob.client.Downlist(alice.self, []crypto.NodeID{ghostID}))
	require.Eventually(t, func() bool {
		_, ok := alice.table.GetContact(ghostID)
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func mustRandomID(t *testing.T) crypto.NodeID {
	t.Helper()
	id, err := crypto.RandomNodeID()
	require.NoError(t, err)
	return id
}
