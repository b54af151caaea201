// Package types defines the core data structures for the Stakeberry
// proof-of-stake consensus engine.
//
// # Core Types
//
// Validator: A staking participant identified by a ValidatorID derived from its
// ed25519 public key. Stake is an unsigned 256-bit amount. Validators also carry
// a BLS12-381 key used only for attestations.
//
// BlockProposal: A block header proposed for a slot, carrying the parent hash,
// an opaque state root, the proposer's VRF proof for the slot and an ed25519
// signature. Blocks are referenced by Hash().
//
// Attestation: A validator's vote for a block at a slot. The vote also names
// the attester's latest justified checkpoint (Source) so that surround votes
// can be proven.
//
// AggregateAttestation: Votes of several committee members for the same
// AttestationData, with one aggregated BLS signature and a bitlist indexed by
// committee position.
//
// Checkpoint / FinalityCheckpoint: A block named as the checkpoint of an epoch,
// with the stake accumulated behind it and its status (Candidate, Justified,
// Finalized).
//
// EquivocationRecord, ForkChoiceViolationProof, SlashingCondition: Evidence of
// misbehavior and the penalty applied for it.
//
// # Errors
//
// errors.go holds the closed error taxonomy shared by every consensus package.
// Use ClassOf to decide how to react to an error:
//
//	switch types.ClassOf(err) {
//	case types.ClassStructural, types.ClassAuthorization, types.ClassCrypto:
//	    // artifact rejected, nothing changed
//	case types.ClassSafety:
//	    // misbehavior recorded; ErrForkChoice may halt the chain
//	case types.ClassLiveness:
//	    // normal steady-state outcome
//	}
//
// # Encoding and Hashing
//
// Sign bytes and content hashes use the canonical RLP encoding of a fixed
// field layout, hashed with blake3. The chain id is part of every sign payload
// but not of block hashes.
//
// # Immutability
//
// Proposals, attestations and records are values once created. Types that
// contain pointers (Validator, FinalityCheckpoint) provide Copy methods and the
// owning components hand out copies only.
package types
