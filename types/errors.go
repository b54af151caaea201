package types

import (
	"errors"
	"fmt"
)

// Consensus errors. The set is closed: every error returned by the consensus
// packages wraps at least one of these; ClassOf resolves errors that wrap
// several.
var (
	// Validator and stake errors
	ErrInvalidValidator       = errors.New("invalid validator")
	ErrInsufficientStake      = errors.New("insufficient stake")
	ErrValidatorAlreadyExists = errors.New("validator already exists")
	ErrValidatorNotFound      = errors.New("validator not found")

	// Cryptographic verification errors
	ErrInvalidProof          = errors.New("invalid proof")
	ErrVRFVerificationFailed = errors.New("vrf verification failed")
	ErrInvalidSignature      = errors.New("invalid signature")
	ErrCrypto                = errors.New("crypto error")

	// Committee and authorization errors
	ErrCommitteeSelectionFailed = errors.New("committee selection failed")
	ErrNotCommitteeMember       = errors.New("not a committee member")

	// Safety violations
	ErrDoubleProposal    = errors.New("double proposal")
	ErrDoubleAttestation = errors.New("double attestation")
	ErrSlashingCondition = errors.New("slashing condition")
	ErrForkChoice        = errors.New("fork choice conflict")

	// Structural errors
	ErrInvalidBlock       = errors.New("invalid block")
	ErrInvalidAttestation = errors.New("invalid attestation")
	ErrInvalidEpoch       = errors.New("invalid epoch")
	ErrInvalidSlot        = errors.New("invalid slot")

	// Liveness outcomes
	ErrFinalityNotReached = errors.New("finality not reached")
	ErrTimeout            = errors.New("timeout")

	// Infrastructure errors
	ErrStorage = errors.New("storage error")
	ErrNetwork = errors.New("network error")
)

// ErrorClass groups consensus errors by how callers must react to them.
type ErrorClass uint8

const (
	ClassUnknown ErrorClass = iota
	ClassValidator
	ClassCrypto
	ClassAuthorization
	ClassSafety
	ClassStructural
	ClassLiveness
	ClassInfrastructure
)

func (c ErrorClass) String() string {
	switch c {
	case ClassValidator:
		return "validator"
	case ClassCrypto:
		return "crypto"
	case ClassAuthorization:
		return "authorization"
	case ClassSafety:
		return "safety"
	case ClassStructural:
		return "structural"
	case ClassLiveness:
		return "liveness"
	case ClassInfrastructure:
		return "infrastructure"
	default:
		return "unknown"
	}
}

// ClassOf returns the class of err, or ClassUnknown if err does not wrap a
// consensus error. An error wrapping sentinels of several classes takes the
// first matching case below.
func ClassOf(err error) ErrorClass {
	switch {
	case err == nil:
		return ClassUnknown
	case errors.Is(err, ErrInvalidValidator),
		errors.Is(err, ErrInsufficientStake),
		errors.Is(err, ErrValidatorAlreadyExists),
		errors.Is(err, ErrValidatorNotFound):
		return ClassValidator
	case errors.Is(err, ErrInvalidProof),
		errors.Is(err, ErrVRFVerificationFailed),
		errors.Is(err, ErrInvalidSignature),
		errors.Is(err, ErrCrypto):
		return ClassCrypto
	case errors.Is(err, ErrCommitteeSelectionFailed),
		errors.Is(err, ErrNotCommitteeMember):
		return ClassAuthorization
	case errors.Is(err, ErrDoubleProposal),
		errors.Is(err, ErrDoubleAttestation),
		errors.Is(err, ErrSlashingCondition),
		errors.Is(err, ErrForkChoice):
		return ClassSafety
	case errors.Is(err, ErrInvalidBlock),
		errors.Is(err, ErrInvalidAttestation),
		errors.Is(err, ErrInvalidEpoch),
		errors.Is(err, ErrInvalidSlot):
		return ClassStructural
	case errors.Is(err, ErrFinalityNotReached),
		errors.Is(err, ErrTimeout):
		return ClassLiveness
	case errors.Is(err, ErrStorage),
		errors.Is(err, ErrNetwork):
		return ClassInfrastructure
	default:
		return ClassUnknown
	}
}

// IsSafetyViolation reports whether err proves validator misbehavior or a
// finality conflict.
func IsSafetyViolation(err error) bool {
	return ClassOf(err) == ClassSafety
}

// DoubleProposalError is returned when a validator proposes two distinct
// blocks for the same slot.
type DoubleProposalError struct {
	Validator ValidatorID
	Slot      Slot
}

func (e *DoubleProposalError) Error() string {
	return fmt.Sprintf("%v: validator %s at slot %d", ErrDoubleProposal, e.Validator, e.Slot)
}

// Is matches ErrDoubleProposal.
func (e *DoubleProposalError) Is(target error) bool {
	return target == ErrDoubleProposal
}

// DoubleAttestationError is returned when a validator attests to two distinct
// blocks in the same slot. Block is the target of the rejected attestation.
type DoubleAttestationError struct {
	Validator ValidatorID
	Slot      Slot
	Block     Hash
}

func (e *DoubleAttestationError) Error() string {
	return fmt.Sprintf("%v: validator %s at slot %d for block %s", ErrDoubleAttestation, e.Validator, e.Slot, e.Block.Short())
}

// Is matches ErrDoubleAttestation.
func (e *DoubleAttestationError) Is(target error) bool {
	return target == ErrDoubleAttestation
}

// InvalidSlotError reports an artifact for a slot the receiver cannot accept.
type InvalidSlotError struct {
	Expected Slot
	Actual   Slot
}

func (e *InvalidSlotError) Error() string {
	return fmt.Sprintf("%v: expected %d, got %d", ErrInvalidSlot, e.Expected, e.Actual)
}

// Is matches ErrInvalidSlot.
func (e *InvalidSlotError) Is(target error) bool {
	return target == ErrInvalidSlot
}

// InvalidEpochError reports an artifact for an epoch the receiver cannot accept.
type InvalidEpochError struct {
	Expected Epoch
	Actual   Epoch
}

func (e *InvalidEpochError) Error() string {
	return fmt.Sprintf("%v: expected %d, got %d", ErrInvalidEpoch, e.Expected, e.Actual)
}

// Is matches ErrInvalidEpoch.
func (e *InvalidEpochError) Is(target error) bool {
	return target == ErrInvalidEpoch
}

// ForkChoiceError reports a block or checkpoint that conflicts with the
// finalized checkpoint.
type ForkChoiceError struct {
	Block     Hash
	Finalized Checkpoint
	Reason    string
}

func (e *ForkChoiceError) Error() string {
	return fmt.Sprintf("%v: block %s conflicts with finalized checkpoint %d/%s: %s",
		ErrForkChoice, e.Block.Short(), e.Finalized.Epoch, e.Finalized.Root.Short(), e.Reason)
}

// Is matches ErrForkChoice.
func (e *ForkChoiceError) Is(target error) bool {
	return target == ErrForkChoice
}
