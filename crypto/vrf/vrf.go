// Package vrf implements the slot lottery VRF on ed25519: the proof is an
// ed25519 signature over (seed, slot) and the output is the blake3 hash of the
// proof. Signing is deterministic, so a key yields one output per input.
package vrf

import (
	"crypto/ed25519"
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/blockberries/stakeberry/types"
)

const domain = "stakeberry/vrf"

// Message returns the bytes proven for (seed, slot).
func Message(seed types.Hash, slot types.Slot) []byte {
	msg := make([]byte, 0, len(domain)+types.HashSize+8)
	msg = append(msg, domain...)
	msg = append(msg, seed[:]...)
	msg = binary.BigEndian.AppendUint64(msg, uint64(slot))
	return msg
}

// Prove computes the proof for (seed, slot).
func Prove(priv ed25519.PrivateKey, seed types.Hash, slot types.Slot) (types.VRFProof, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return types.VRFProof{}, errors.Wrap(types.ErrCrypto, "bad ed25519 private key length")
	}
	return types.NewVRFProof(ed25519.Sign(priv, Message(seed, slot)))
}

// Verify checks proof against pub for (seed, slot).
func Verify(pub types.PublicKey, seed types.Hash, slot types.Slot, proof types.VRFProof) bool {
	return ed25519.Verify(pub[:], Message(seed, slot), proof[:])
}

// Output returns the pseudo-random output of proof.
func Output(proof types.VRFProof) types.Hash {
	return types.HashBytes(proof[:])
}

// Normalized returns the first 8 bytes of out read big-endian: the numerator
// of out as a fraction of 2^64.
func Normalized(out types.Hash) uint64 {
	return binary.BigEndian.Uint64(out[:8])
}
