package kadnet

import (
	"net"
	"testing"

	"github.com/opd-ai/kadnet/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomContact(t *testing.T) *Contact {
	t.Helper()
	id, err := crypto.RandomNodeID()
	require.NoError(t, err)
	addr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 33445}
	return NewContact(id, addr)
}

func TestContactValid(t *testing.T) {
	c := randomContact(t)
	assert.True(t, c.Valid())

	c.PreferredEndpoint = nil
	assert.False(t, c.Valid())
}

func TestContactEqualityByNodeIDOnly(t *testing.T) {
	id, err := crypto.RandomNodeID()
	require.NoError(t, err)

	a := NewContact(id, &net.UDPAddr{Port: 1})
	b := NewContact(id, &net.UDPAddr{Port: 2})
	assert.True(t, a.Equal(b))
}

func TestFailedRPCsIncrementAndReset(t *testing.T) {
	c := randomContact(t)
	assert.Equal(t, 0, c.FailedRPCs())

	c.IncrementFailedRPCs()
	c.IncrementFailedRPCs()
	assert.Equal(t, 2, c.FailedRPCs())
	assert.True(t, c.Exceeded(FailedRPCTolerance))

	c.ResetFailedRPCs()
	assert.Equal(t, 0, c.FailedRPCs())
	assert.False(t, c.Exceeded(FailedRPCTolerance))
}

func TestEndpointPrefersDirectConnection(t *testing.T) {
	c := randomContact(t)
	c.RendezvousEndpoint = &net.UDPAddr{Port: 9999}
	c.DirectlyConnected = true
	assert.Equal(t, c.PreferredEndpoint, c.Endpoint())

	c.DirectlyConnected = false
	assert.Equal(t, c.RendezvousEndpoint, c.Endpoint())
}

func TestIsClientContactSentinel(t *testing.T) {
	sentinel := &Contact{NodeID: crypto.AllOnesNodeID()}
	assert.True(t, sentinel.IsClientContact())

	c := randomContact(t)
	assert.False(t, c.IsClientContact())
}
