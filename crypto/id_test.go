package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRandomNodeIDIsNotZero(t *testing.T) {
	id, err := RandomNodeID()
	require.NoError(t, err)
	assert.False(t, id.IsZero())
}

func TestNodeIDHexRoundTrip(t *testing.T) {
	id, err := RandomNodeID()
	require.NoError(t, err)

	decoded, err := NodeIDFromHex(id.Hex())
	require.NoError(t, err)
	assert.Equal(t, id, decoded)
}

func TestNodeIDBase32RoundTrip(t *testing.T) {
	id, err := RandomNodeID()
	require.NoError(t, err)

	decoded, err := NodeIDFromBase32(id.Base32())
	require.NoError(t, err)
	assert.Equal(t, id, decoded)
}

func TestNodeIDBase64RoundTrip(t *testing.T) {
	id, err := RandomNodeID()
	require.NoError(t, err)

	decoded, err := NodeIDFromBase64(id.Base64())
	require.NoError(t, err)
	assert.Equal(t, id, decoded)
}

func TestNodeIDFromBytesRejectsWrongLength(t *testing.T) {
	_, err := NodeIDFromBytes(make([]byte, KeySize-1))
	assert.ErrorIs(t, err, ErrInvalidKeyLength)
}

func TestPowerOfTwoNodeID(t *testing.T) {
	id, err := PowerOfTwoNodeID(0)
	require.NoError(t, err)
	assert.Equal(t, byte(1), id[KeySize-1])

	_, err = PowerOfTwoNodeID(KeyBits)
	assert.ErrorIs(t, err, ErrPowerTooLarge)
}

func TestXORSymmetry(t *testing.T) {
	a, _ := RandomNodeID()
	b, _ := RandomNodeID()
	target, _ := RandomNodeID()

	da := a.XOR(target)
	db := b.XOR(target)
	assert.Equal(t, da.Less(db), CloserToTarget(a, b, target))
}

func TestCloserToTargetReflexive(t *testing.T) {
	a, _ := RandomNodeID()
	target, _ := RandomNodeID()
	assert.False(t, CloserToTarget(a, a, target))
}

func TestRandomNodeIDInRangeDegenerate(t *testing.T) {
	a, _ := RandomNodeID()
	got, err := RandomNodeIDInRange(a, a)
	require.NoError(t, err)
	assert.Equal(t, a, got)
}

func TestRandomNodeIDInRangeRejectsInverted(t *testing.T) {
	low := AllOnesNodeID()
	high := NodeID{}
	_, err := RandomNodeIDInRange(low, high)
	assert.ErrorIs(t, err, ErrInvalidRange)
}

func TestRandomNodeIDInRangeStaysInBounds(t *testing.T) {
	low, _ := PowerOfTwoNodeID(8)
	high, _ := PowerOfTwoNodeID(16)

	for i := 0; i < 50; i++ {
		got, err := RandomNodeIDInRange(low, high)
		require.NoError(t, err)
		assert.False(t, got.Less(low))
		assert.False(t, high.Less(got))
	}
}

func TestAllOnesNodeIDIsMaximal(t *testing.T) {
	max := AllOnesNodeID()
	random, _ := RandomNodeID()
	assert.False(t, max.Less(random))
}
