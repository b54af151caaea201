package types

import (
	"fmt"

	"github.com/prysmaticlabs/go-bitfield"
)

// AttestationData is the part of an attestation every committee member signs.
// It excludes the attester so that equal votes aggregate.
type AttestationData struct {
	Slot      Slot
	BlockHash Hash
	// Source is the attester's latest justified checkpoint.
	Source Checkpoint
}

type canonicalAttestationData struct {
	ChainID     string
	Slot        uint64
	BlockHash   Hash
	SourceEpoch uint64
	SourceRoot  Hash
}

// AttestationSignBytes returns the bytes an attester signs.
func AttestationSignBytes(chainID string, d AttestationData) []byte {
	return mustEncode(&canonicalAttestationData{
		ChainID:     chainID,
		Slot:        uint64(d.Slot),
		BlockHash:   d.BlockHash,
		SourceEpoch: uint64(d.Source.Epoch),
		SourceRoot:  d.Source.Root,
	})
}

// Target returns the checkpoint this vote supports: the target block in the
// epoch of the attestation's slot.
func (d AttestationData) Target(slotsPerEpoch uint64) Checkpoint {
	return Checkpoint{Epoch: EpochOf(d.Slot, slotsPerEpoch), Root: d.BlockHash}
}

// Attestation is a single validator's vote for a block at a slot.
type Attestation struct {
	Slot      Slot
	BlockHash Hash
	Source    Checkpoint
	Validator ValidatorID
	Signature BLSSignature
}

// Data returns the signed portion of the attestation.
func (a *Attestation) Data() AttestationData {
	return AttestationData{Slot: a.Slot, BlockHash: a.BlockHash, Source: a.Source}
}

// TargetEpoch returns the epoch of the attestation's slot.
func (a *Attestation) TargetEpoch(slotsPerEpoch uint64) Epoch {
	return EpochOf(a.Slot, slotsPerEpoch)
}

// Hash identifies the attestation by content, excluding the signature.
func (a *Attestation) Hash() Hash {
	return HashBytes(AttestationSignBytes("", a.Data()), a.Validator[:])
}

// SameVote reports whether a and b carry the same vote from the same validator.
func (a *Attestation) SameVote(b *Attestation) bool {
	return a.Validator == b.Validator && a.Data() == b.Data()
}

// ValidateBasic performs stateless checks on an attestation.
func (a *Attestation) ValidateBasic(slotsPerEpoch uint64) error {
	if a == nil {
		return fmt.Errorf("%w: nil attestation", ErrInvalidAttestation)
	}
	if a.Validator.IsZero() {
		return fmt.Errorf("%w: missing validator", ErrInvalidAttestation)
	}
	if a.BlockHash.IsZero() {
		return fmt.Errorf("%w: missing target block", ErrInvalidAttestation)
	}
	if a.Source.Epoch > a.TargetEpoch(slotsPerEpoch) {
		return fmt.Errorf("%w: source epoch %d after target epoch %d",
			ErrInvalidAttestation, a.Source.Epoch, a.TargetEpoch(slotsPerEpoch))
	}
	if a.Signature == (BLSSignature{}) {
		return fmt.Errorf("%w: missing signature", ErrInvalidAttestation)
	}
	return nil
}

// Copy returns a copy of the attestation.
func (a *Attestation) Copy() *Attestation {
	if a == nil {
		return nil
	}
	cp := *a
	return &cp
}

// AggregateAttestation carries the votes of several committee members for the
// same data. Bit i of AggregationBits refers to the i-th member of the slot's
// committee.
type AggregateAttestation struct {
	Slot            Slot
	BlockHash       Hash
	Source          Checkpoint
	AggregationBits bitfield.Bitlist
	Signature       BLSSignature
}

// Data returns the signed portion of the aggregate.
func (agg *AggregateAttestation) Data() AttestationData {
	return AttestationData{Slot: agg.Slot, BlockHash: agg.BlockHash, Source: agg.Source}
}

// ValidateBasic performs stateless checks on an aggregate.
func (agg *AggregateAttestation) ValidateBasic(committeeSize int) error {
	if agg == nil {
		return fmt.Errorf("%w: nil aggregate", ErrInvalidAttestation)
	}
	if agg.BlockHash.IsZero() {
		return fmt.Errorf("%w: missing target block", ErrInvalidAttestation)
	}
	if agg.AggregationBits == nil || agg.AggregationBits.Len() != uint64(committeeSize) {
		return fmt.Errorf("%w: aggregation bits length does not match committee size %d",
			ErrInvalidAttestation, committeeSize)
	}
	if agg.AggregationBits.Count() == 0 {
		return fmt.Errorf("%w: empty aggregation bits", ErrInvalidAttestation)
	}
	return nil
}

// NewAggregate starts an empty aggregate for data over a committee of size n.
func NewAggregate(d AttestationData, n int) *AggregateAttestation {
	return &AggregateAttestation{
		Slot:            d.Slot,
		BlockHash:       d.BlockHash,
		Source:          d.Source,
		AggregationBits: bitfield.NewBitlist(uint64(n)),
	}
}
