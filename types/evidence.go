package types

import (
	"fmt"

	"github.com/holiman/uint256"
)

// Offense classifies slashable misbehavior.
type Offense uint8

const (
	OffenseDoubleProposal Offense = iota + 1
	OffenseDoubleAttestation
	OffenseSurroundVote
	OffenseFinalityViolation
)

func (o Offense) String() string {
	switch o {
	case OffenseDoubleProposal:
		return "double_proposal"
	case OffenseDoubleAttestation:
		return "double_attestation"
	case OffenseSurroundVote:
		return "surround_vote"
	case OffenseFinalityViolation:
		return "finality_violation"
	default:
		return fmt.Sprintf("offense(%d)", uint8(o))
	}
}

// EquivocationRecord holds two conflicting artifacts signed by one validator.
// Exactly one of the proposal pair or the attestation pair is set. First is
// the artifact seen first; it is never replaced.
type EquivocationRecord struct {
	Offense   Offense
	Validator ValidatorID
	Slot      Slot

	FirstProposal  *BlockProposal `rlp:"nil"`
	SecondProposal *BlockProposal `rlp:"nil"`
	FirstVote      *Attestation   `rlp:"nil"`
	SecondVote     *Attestation   `rlp:"nil"`
}

// Epoch returns the offense epoch: the epoch of the record's slot.
func (r *EquivocationRecord) Epoch(slotsPerEpoch uint64) Epoch {
	return EpochOf(r.Slot, slotsPerEpoch)
}

// Hash identifies the record by content.
func (r *EquivocationRecord) Hash() Hash {
	return HashBytes(mustEncode(r))
}

// ValidateBasic checks that the record is internally consistent: both
// artifacts come from the record's validator and actually conflict.
func (r *EquivocationRecord) ValidateBasic(slotsPerEpoch uint64) error {
	if r == nil {
		return fmt.Errorf("%w: nil record", ErrSlashingCondition)
	}
	switch r.Offense {
	case OffenseDoubleProposal:
		a, b := r.FirstProposal, r.SecondProposal
		if a == nil || b == nil {
			return fmt.Errorf("%w: missing proposal", ErrSlashingCondition)
		}
		if a.Proposer != r.Validator || b.Proposer != r.Validator {
			return fmt.Errorf("%w: proposals from different validators", ErrSlashingCondition)
		}
		if a.Slot != r.Slot || b.Slot != r.Slot {
			return fmt.Errorf("%w: proposals for different slots", ErrSlashingCondition)
		}
		if a.Hash() == b.Hash() {
			return fmt.Errorf("%w: identical proposals are not equivocation", ErrSlashingCondition)
		}
	case OffenseDoubleAttestation:
		a, b := r.FirstVote, r.SecondVote
		if err := r.checkVotePair(); err != nil {
			return err
		}
		if a.Slot != r.Slot || b.Slot != r.Slot {
			return fmt.Errorf("%w: attestations for different slots", ErrSlashingCondition)
		}
		if a.BlockHash == b.BlockHash {
			return fmt.Errorf("%w: attestations for the same block are not equivocation", ErrSlashingCondition)
		}
	case OffenseSurroundVote:
		if err := r.checkVotePair(); err != nil {
			return err
		}
		if !Surrounds(r.FirstVote, r.SecondVote, slotsPerEpoch) && !Surrounds(r.SecondVote, r.FirstVote, slotsPerEpoch) {
			return fmt.Errorf("%w: votes do not surround", ErrSlashingCondition)
		}
	default:
		return fmt.Errorf("%w: unknown offense %v", ErrSlashingCondition, r.Offense)
	}
	return nil
}

func (r *EquivocationRecord) checkVotePair() error {
	a, b := r.FirstVote, r.SecondVote
	if a == nil || b == nil {
		return fmt.Errorf("%w: missing attestation", ErrSlashingCondition)
	}
	if a.Validator != r.Validator || b.Validator != r.Validator {
		return fmt.Errorf("%w: attestations from different validators", ErrSlashingCondition)
	}
	return nil
}

// Surrounds reports whether vote a surrounds vote b: a's source is older and
// a's target is newer.
func Surrounds(a, b *Attestation, slotsPerEpoch uint64) bool {
	return a.Source.Epoch < b.Source.Epoch && a.TargetEpoch(slotsPerEpoch) > b.TargetEpoch(slotsPerEpoch)
}

// ForkChoiceViolationProof shows a validator signing an attestation whose
// source checkpoint conflicts with a finalized checkpoint.
type ForkChoiceViolationProof struct {
	Attestation *Attestation
	Finalized   Checkpoint
}

// Validator returns the offending validator.
func (p *ForkChoiceViolationProof) Validator() ValidatorID {
	return p.Attestation.Validator
}

// Hash identifies the proof by content.
func (p *ForkChoiceViolationProof) Hash() Hash {
	return HashBytes(mustEncode(p))
}

// SlashingCondition describes an applied (or previously applied) penalty.
type SlashingCondition struct {
	Validator ValidatorID
	Offense   Offense
	Epoch     Epoch
	Slot      Slot
	// Evidence is the hash of the record or proof that triggered the penalty.
	Evidence Hash

	StakeBefore         *uint256.Int
	Penalty             *uint256.Int
	WhistleblowerReward *uint256.Int
	ProposerReward      *uint256.Int
	Burned              *uint256.Int
}

func (c *SlashingCondition) String() string {
	return fmt.Sprintf("%s validator=%s epoch=%d penalty=%s", c.Offense, c.Validator, c.Epoch, c.Penalty.Dec())
}

// Error lets a condition be returned as a safety error.
func (c *SlashingCondition) Error() string {
	return fmt.Sprintf("%v: %s", ErrSlashingCondition, c.String())
}

// Is matches ErrSlashingCondition.
func (c *SlashingCondition) Is(target error) bool {
	return target == ErrSlashingCondition
}

// Copy returns a deep copy of the condition.
func (c *SlashingCondition) Copy() *SlashingCondition {
	if c == nil {
		return nil
	}
	cp := *c
	for _, f := range []**uint256.Int{&cp.StakeBefore, &cp.Penalty, &cp.WhistleblowerReward, &cp.ProposerReward, &cp.Burned} {
		if *f != nil {
			*f = (*f).Clone()
		}
	}
	return &cp
}
