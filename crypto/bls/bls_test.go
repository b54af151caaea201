package bls

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockberries/stakeberry/types"
)

func seededKey(t *testing.T, b byte) *SecretKey {
	t.Helper()
	k, err := KeyFromSeed(bytes.Repeat([]byte{b}, SecretKeySize))
	require.NoError(t, err)
	return k
}

func TestSignVerify(t *testing.T) {
	k := seededKey(t, 1)
	msg := []byte("attestation")
	sig := k.Sign(msg)

	require.NoError(t, ValidatePublicKey(k.PublicKey()))
	assert.True(t, Verify(k.PublicKey(), msg, sig))
	assert.False(t, Verify(k.PublicKey(), []byte("other"), sig))
	assert.False(t, Verify(seededKey(t, 2).PublicKey(), msg, sig))
	assert.False(t, Verify(k.PublicKey(), msg, types.BLSSignature{}))
}

func TestKeyDeterministic(t *testing.T) {
	a := seededKey(t, 7)
	b := seededKey(t, 7)
	assert.Equal(t, a.PublicKey(), b.PublicKey())

	restored, err := SecretKeyFromBytes(a.Bytes())
	require.NoError(t, err)
	assert.Equal(t, a.PublicKey(), restored.PublicKey())

	_, err = SecretKeyFromBytes([]byte{1, 2, 3})
	require.ErrorIs(t, err, types.ErrCrypto)
}

func TestGenerateKey(t *testing.T) {
	k, err := GenerateKey(rand.Reader)
	require.NoError(t, err)
	require.NoError(t, ValidatePublicKey(k.PublicKey()))

	_, err = GenerateKey(bytes.NewReader([]byte{1}))
	require.Error(t, err)
}

func TestValidatePublicKeyRejectsGarbage(t *testing.T) {
	require.ErrorIs(t, ValidatePublicKey(types.BLSPublicKey{}), types.ErrCrypto)
	require.ErrorIs(t, ValidatePublicKey(types.BLSPublicKey{1, 2, 3}), types.ErrCrypto)
}

func TestFastAggregateVerify(t *testing.T) {
	msg := []byte("same vote")
	var pubs []types.BLSPublicKey
	var sigs []types.BLSSignature
	for i := byte(1); i <= 5; i++ {
		k := seededKey(t, i)
		pubs = append(pubs, k.PublicKey())
		sigs = append(sigs, k.Sign(msg))
	}

	agg, err := AggregateSignatures(sigs)
	require.NoError(t, err)
	assert.True(t, FastAggregateVerify(pubs, msg, agg))
	assert.False(t, FastAggregateVerify(pubs[:4], msg, agg), "missing signer")
	assert.False(t, FastAggregateVerify(pubs, []byte("other vote"), agg))

	single, err := AggregateSignatures(sigs[:1])
	require.NoError(t, err)
	assert.Equal(t, sigs[0], single)

	_, err = AggregateSignatures(nil)
	require.ErrorIs(t, err, ErrEmptyAggregate)
	_, err = AggregateSignatures([]types.BLSSignature{{1}})
	require.Error(t, err)
	assert.False(t, FastAggregateVerify(nil, msg, agg))
}
