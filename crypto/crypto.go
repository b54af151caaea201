// Package crypto defines the cryptographic capabilities the consensus core
// consumes. Components take a Verifier (and signers take a Prover) so that
// tests can substitute deterministic doubles.
package crypto

import (
	"crypto/ed25519"

	"github.com/blockberries/stakeberry/crypto/bls"
	"github.com/blockberries/stakeberry/crypto/vrf"
	"github.com/blockberries/stakeberry/types"
)

// Verifier checks proofs and signatures. Implementations must be safe for
// concurrent use and free of side effects.
type Verifier interface {
	// VerifyVRF checks a lottery proof for (seed, slot).
	VerifyVRF(pub types.PublicKey, seed types.Hash, slot types.Slot, proof types.VRFProof) bool
	// VRFOutput maps a proof to its pseudo-random output.
	VRFOutput(proof types.VRFProof) types.Hash
	// VerifySignature checks a single-key (proposal) signature.
	VerifySignature(pub types.PublicKey, msg []byte, sig types.Signature) bool
	// VerifyBLS checks one attestation signature.
	VerifyBLS(pub types.BLSPublicKey, msg []byte, sig types.BLSSignature) bool
	// AggregateVerify checks an aggregate signature of pubs over msg.
	AggregateVerify(pubs []types.BLSPublicKey, msg []byte, sig types.BLSSignature) bool
}

// Prover produces lottery proofs for one validator key.
type Prover interface {
	VRFProve(seed types.Hash, slot types.Slot) (types.VRFProof, error)
}

// DefaultVerifier is ed25519 for proposals and the VRF, BLS12-381 for
// attestations.
type DefaultVerifier struct{}

var _ Verifier = DefaultVerifier{}

// NewVerifier returns the default suite.
func NewVerifier() Verifier {
	return DefaultVerifier{}
}

func (DefaultVerifier) VerifyVRF(pub types.PublicKey, seed types.Hash, slot types.Slot, proof types.VRFProof) bool {
	return vrf.Verify(pub, seed, slot, proof)
}

func (DefaultVerifier) VRFOutput(proof types.VRFProof) types.Hash {
	return vrf.Output(proof)
}

func (DefaultVerifier) VerifySignature(pub types.PublicKey, msg []byte, sig types.Signature) bool {
	return ed25519.Verify(pub[:], msg, sig[:])
}

func (DefaultVerifier) VerifyBLS(pub types.BLSPublicKey, msg []byte, sig types.BLSSignature) bool {
	return bls.Verify(pub, msg, sig)
}

func (DefaultVerifier) AggregateVerify(pubs []types.BLSPublicKey, msg []byte, sig types.BLSSignature) bool {
	return bls.FastAggregateVerify(pubs, msg, sig)
}

// Ed25519Prover proves with a raw ed25519 key.
type Ed25519Prover struct {
	priv ed25519.PrivateKey
}

// NewEd25519Prover wraps priv.
func NewEd25519Prover(priv ed25519.PrivateKey) *Ed25519Prover {
	return &Ed25519Prover{priv: priv}
}

func (p *Ed25519Prover) VRFProve(seed types.Hash, slot types.Slot) (types.VRFProof, error) {
	return vrf.Prove(p.priv, seed, slot)
}
