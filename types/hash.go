package types

import (
	"bytes"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// HashSize is the expected size of a hash in bytes
const HashSize = 32

// SignatureSize is the expected size of an ed25519 signature in bytes
const SignatureSize = ed25519.SignatureSize

// PublicKeySize is the expected size of an ed25519 public key in bytes
const PublicKeySize = ed25519.PublicKeySize

// ValidatorIDSize is the size of a validator id in bytes
const ValidatorIDSize = 20

// BLS12-381 sizes (compressed G1 public key, compressed G2 signature)
const (
	BLSPublicKeySize = 48
	BLSSignatureSize = 96
)

// VRFProofSize is the size of a VRF proof in bytes
const VRFProofSize = ed25519.SignatureSize

// Hash is a blake3 content hash
type Hash [HashSize]byte

// Signature is an ed25519 signature
type Signature [SignatureSize]byte

// PublicKey is an ed25519 public key
type PublicKey [PublicKeySize]byte

// BLSPublicKey is a compressed BLS12-381 public key
type BLSPublicKey [BLSPublicKeySize]byte

// BLSSignature is a compressed BLS12-381 signature
type BLSSignature [BLSSignatureSize]byte

// VRFProof binds a validator to a (seed, slot) pair
type VRFProof [VRFProofSize]byte

// ValidatorID identifies a validator. It is derived from the validator's public key.
type ValidatorID [ValidatorIDSize]byte

// ZeroHash is the all-zero hash
var ZeroHash Hash

// NewHash creates a Hash from bytes, returning error if invalid.
// Use for untrusted input (network, files).
func NewHash(data []byte) (Hash, error) {
	var h Hash
	if len(data) != HashSize {
		return h, fmt.Errorf("hash must be %d bytes, got %d", HashSize, len(data))
	}
	copy(h[:], data)
	return h, nil
}

// MustNewHash creates a Hash, panicking if invalid.
// Use only for trusted internal data.
func MustNewHash(data []byte) Hash {
	h, err := NewHash(data)
	if err != nil {
		panic(err)
	}
	return h
}

// HashBytes computes the blake3 hash of the concatenation of data
func HashBytes(data ...[]byte) Hash {
	hasher := blake3.New()
	for _, d := range data {
		// blake3 hasher writes never fail
		_, _ = hasher.Write(d)
	}
	var h Hash
	copy(h[:], hasher.Sum(nil))
	return h
}

// IsZero returns true if the hash is all zeros
func (h Hash) IsZero() bool {
	return h == ZeroHash
}

// Bytes returns a copy of the hash bytes
func (h Hash) Bytes() []byte {
	out := make([]byte, HashSize)
	copy(out, h[:])
	return out
}

// String returns hex-encoded hash
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Short returns the first 4 bytes hex-encoded, for logs
func (h Hash) Short() string {
	return hex.EncodeToString(h[:4])
}

// Less orders hashes lexicographically
func (h Hash) Less(o Hash) bool {
	return bytes.Compare(h[:], o[:]) < 0
}

// NewPublicKey creates a PublicKey from bytes, returning error if invalid.
func NewPublicKey(data []byte) (PublicKey, error) {
	var pk PublicKey
	if len(data) != PublicKeySize {
		return pk, fmt.Errorf("public key must be %d bytes, got %d", PublicKeySize, len(data))
	}
	copy(pk[:], data)
	return pk, nil
}

// MustNewPublicKey creates a PublicKey, panicking if invalid.
func MustNewPublicKey(data []byte) PublicKey {
	pk, err := NewPublicKey(data)
	if err != nil {
		panic(err)
	}
	return pk
}

// NewSignature creates a Signature from bytes, returning error if invalid.
func NewSignature(data []byte) (Signature, error) {
	var sig Signature
	if len(data) != SignatureSize {
		return sig, fmt.Errorf("signature must be %d bytes, got %d", SignatureSize, len(data))
	}
	copy(sig[:], data)
	return sig, nil
}

// MustNewSignature creates a Signature, panicking if invalid.
// Use only for trusted internal data (e.g., crypto library output).
func MustNewSignature(data []byte) Signature {
	sig, err := NewSignature(data)
	if err != nil {
		panic(err)
	}
	return sig
}

// NewBLSPublicKey creates a BLSPublicKey from compressed bytes.
func NewBLSPublicKey(data []byte) (BLSPublicKey, error) {
	var pk BLSPublicKey
	if len(data) != BLSPublicKeySize {
		return pk, fmt.Errorf("bls public key must be %d bytes, got %d", BLSPublicKeySize, len(data))
	}
	copy(pk[:], data)
	return pk, nil
}

// NewBLSSignature creates a BLSSignature from compressed bytes.
func NewBLSSignature(data []byte) (BLSSignature, error) {
	var sig BLSSignature
	if len(data) != BLSSignatureSize {
		return sig, fmt.Errorf("bls signature must be %d bytes, got %d", BLSSignatureSize, len(data))
	}
	copy(sig[:], data)
	return sig, nil
}

// NewVRFProof creates a VRFProof from bytes.
func NewVRFProof(data []byte) (VRFProof, error) {
	var p VRFProof
	if len(data) != VRFProofSize {
		return p, fmt.Errorf("vrf proof must be %d bytes, got %d", VRFProofSize, len(data))
	}
	copy(p[:], data)
	return p, nil
}

// ValidatorIDFromPublicKey derives the validator id: the first 20 bytes of blake3(pubkey).
func ValidatorIDFromPublicKey(pk PublicKey) ValidatorID {
	h := HashBytes(pk[:])
	var id ValidatorID
	copy(id[:], h[:ValidatorIDSize])
	return id
}

// IsZero returns true for the unset id
func (id ValidatorID) IsZero() bool {
	return id == ValidatorID{}
}

// String returns hex-encoded id
func (id ValidatorID) String() string {
	return hex.EncodeToString(id[:])
}

// Less orders ids lexicographically
func (id ValidatorID) Less(o ValidatorID) bool {
	return bytes.Compare(id[:], o[:]) < 0
}

// ValidatorIDFromHex parses a hex-encoded validator id.
func ValidatorIDFromHex(s string) (ValidatorID, error) {
	var id ValidatorID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, err
	}
	if len(b) != ValidatorIDSize {
		return id, fmt.Errorf("validator id must be %d bytes, got %d", ValidatorIDSize, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// HashFromHex parses a hex-encoded hash.
func HashFromHex(s string) (Hash, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Hash{}, err
	}
	return NewHash(b)
}
