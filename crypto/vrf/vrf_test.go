package vrf

import (
	"bytes"
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockberries/stakeberry/types"
)

func testKey(b byte) (types.PublicKey, ed25519.PrivateKey) {
	priv := ed25519.NewKeyFromSeed(bytes.Repeat([]byte{b}, ed25519.SeedSize))
	return types.MustNewPublicKey(priv.Public().(ed25519.PublicKey)), priv
}

func TestProveVerify(t *testing.T) {
	pub, priv := testKey(1)
	seed := types.HashBytes([]byte("seed"))

	proof, err := Prove(priv, seed, 5)
	require.NoError(t, err)
	assert.True(t, Verify(pub, seed, 5, proof))
	assert.False(t, Verify(pub, seed, 6, proof), "wrong slot")
	assert.False(t, Verify(pub, types.HashBytes([]byte("other")), 5, proof), "wrong seed")

	other, _ := testKey(2)
	assert.False(t, Verify(other, seed, 5, proof), "wrong key")
}

func TestOutputDeterministic(t *testing.T) {
	_, priv := testKey(3)
	seed := types.HashBytes([]byte("seed"))

	p1, err := Prove(priv, seed, 9)
	require.NoError(t, err)
	p2, err := Prove(priv, seed, 9)
	require.NoError(t, err)
	assert.Equal(t, p1, p2)
	assert.Equal(t, Output(p1), Output(p2))

	p3, err := Prove(priv, seed, 10)
	require.NoError(t, err)
	assert.NotEqual(t, Output(p1), Output(p3))
}

func TestProveRejectsBadKey(t *testing.T) {
	_, err := Prove(ed25519.PrivateKey{1, 2}, types.ZeroHash, 1)
	require.ErrorIs(t, err, types.ErrCrypto)
}

func TestNormalized(t *testing.T) {
	var h types.Hash
	h[0] = 0x80
	assert.Equal(t, uint64(1)<<63, Normalized(h))
	h[7] = 1
	assert.Equal(t, uint64(1)<<63|1, Normalized(h))
}
