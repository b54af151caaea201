// Package bls implements BLS12-381 attestation signatures: minimal-pubkey-size
// keys in G1, signatures in G2, and aggregation of signatures over a single
// message.
package bls

import (
	"io"

	"github.com/pkg/errors"
	blst "github.com/supranational/blst/bindings/go"

	"github.com/blockberries/stakeberry/types"
)

// SecretKeySize is the serialized size of a secret key.
const SecretKeySize = 32

var dst = []byte("STAKEBERRY_BLS_SIG_BLS12381G2_XMD:SHA-256_SSWU_RO_POP_")

var (
	ErrInvalidSecretKey = errors.Wrap(types.ErrCrypto, "invalid bls secret key")
	ErrInvalidPublicKey = errors.Wrap(types.ErrCrypto, "invalid bls public key")
	ErrInvalidSignature = errors.Wrap(types.ErrCrypto, "invalid bls signature")
	ErrEmptyAggregate   = errors.Wrap(types.ErrCrypto, "nothing to aggregate")
)

// SecretKey is a BLS12-381 secret key.
type SecretKey struct {
	sk *blst.SecretKey
}

// GenerateKey creates a secret key from 32 bytes of r.
func GenerateKey(r io.Reader) (*SecretKey, error) {
	ikm := make([]byte, SecretKeySize)
	if _, err := io.ReadFull(r, ikm); err != nil {
		return nil, errors.Wrap(err, "could not read key material")
	}
	return KeyFromSeed(ikm)
}

// KeyFromSeed derives a secret key from at least 32 bytes of key material.
func KeyFromSeed(ikm []byte) (*SecretKey, error) {
	sk := blst.KeyGen(ikm)
	if sk == nil {
		return nil, ErrInvalidSecretKey
	}
	return &SecretKey{sk: sk}, nil
}

// SecretKeyFromBytes deserializes a secret key.
func SecretKeyFromBytes(b []byte) (*SecretKey, error) {
	if len(b) != SecretKeySize {
		return nil, errors.Wrapf(ErrInvalidSecretKey, "secret key must be %d bytes", SecretKeySize)
	}
	sk := new(blst.SecretKey).Deserialize(b)
	if sk == nil || !sk.Valid() {
		return nil, ErrInvalidSecretKey
	}
	return &SecretKey{sk: sk}, nil
}

// Bytes serializes the secret key.
func (k *SecretKey) Bytes() []byte {
	return k.sk.Serialize()
}

// PublicKey returns the compressed public key.
func (k *SecretKey) PublicKey() types.BLSPublicKey {
	var pk types.BLSPublicKey
	copy(pk[:], new(blst.P1Affine).From(k.sk).Compress())
	return pk
}

// Sign signs msg.
func (k *SecretKey) Sign(msg []byte) types.BLSSignature {
	var sig types.BLSSignature
	copy(sig[:], new(blst.P2Affine).Sign(k.sk, msg, dst).Compress())
	return sig
}

// Zeroize wipes the key from memory.
func (k *SecretKey) Zeroize() {
	k.sk.Zeroize()
}

// ValidatePublicKey checks that pub decompresses to a non-identity point in
// the G1 subgroup.
func ValidatePublicKey(pub types.BLSPublicKey) error {
	p := new(blst.P1Affine).Uncompress(pub[:])
	if p == nil || !p.KeyValidate() {
		return ErrInvalidPublicKey
	}
	return nil
}

// Verify checks sig over msg against pub.
func Verify(pub types.BLSPublicKey, msg []byte, sig types.BLSSignature) bool {
	var dummy blst.P2Affine
	return dummy.VerifyCompressed(sig[:], true, pub[:], true, msg, dst)
}

// AggregateSignatures combines signatures over the same message.
func AggregateSignatures(sigs []types.BLSSignature) (types.BLSSignature, error) {
	var out types.BLSSignature
	if len(sigs) == 0 {
		return out, ErrEmptyAggregate
	}
	raw := make([][]byte, len(sigs))
	for i := range sigs {
		raw[i] = sigs[i][:]
	}
	agg := new(blst.P2Aggregate)
	if !agg.AggregateCompressed(raw, true) {
		return out, ErrInvalidSignature
	}
	aff := agg.ToAffine()
	if aff == nil || !aff.SigValidate(false) {
		return out, ErrInvalidSignature
	}
	copy(out[:], aff.Compress())
	return out, nil
}

// AggregatePublicKeys combines public keys.
func AggregatePublicKeys(pubs []types.BLSPublicKey) (types.BLSPublicKey, error) {
	var out types.BLSPublicKey
	if len(pubs) == 0 {
		return out, ErrEmptyAggregate
	}
	raw := make([][]byte, len(pubs))
	for i := range pubs {
		raw[i] = pubs[i][:]
	}
	agg := new(blst.P1Aggregate)
	if !agg.AggregateCompressed(raw, true) {
		return out, ErrInvalidPublicKey
	}
	aff := agg.ToAffine()
	if aff == nil || !aff.KeyValidate() {
		return out, ErrInvalidPublicKey
	}
	copy(out[:], aff.Compress())
	return out, nil
}

// FastAggregateVerify checks an aggregate signature of pubs over one message.
func FastAggregateVerify(pubs []types.BLSPublicKey, msg []byte, sig types.BLSSignature) bool {
	aggPub, err := AggregatePublicKeys(pubs)
	if err != nil {
		return false
	}
	return Verify(aggPub, msg, sig)
}
