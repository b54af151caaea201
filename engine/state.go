package engine

import (
	"github.com/sirupsen/logrus"

	"github.com/blockberries/stakeberry/types"
)

// SlotStep is the progress of the current slot.
type SlotStep uint8

const (
	StepAwaitingProposal SlotStep = iota
	StepProposalReceived
	StepAwaitingAttestations
	StepJustifying
	StepFinalized
)

// StepString returns a human readable step name
func StepString(step SlotStep) string {
	switch step {
	case StepAwaitingProposal:
		return "AwaitingProposal"
	case StepProposalReceived:
		return "ProposalReceived"
	case StepAwaitingAttestations:
		return "AwaitingAttestations"
	case StepJustifying:
		return "Justifying"
	case StepFinalized:
		return "Finalized"
	default:
		return "Unknown"
	}
}

func (s SlotStep) String() string { return StepString(s) }

// slotState tracks the slot the local clock is in. It is owned by the
// dispatch loop.
type slotState struct {
	slot     types.Slot
	epoch    types.Epoch
	step     SlotStep
	proposal types.Hash
	started  bool
}

// enterSlot moves to slot and reports whether the previous slot ended
// without a proposal.
func (s *slotState) enterSlot(slot types.Slot, epoch types.Epoch) (missed bool) {
	missed = s.started && s.step == StepAwaitingProposal
	s.slot = slot
	s.epoch = epoch
	s.step = StepAwaitingProposal
	s.proposal = types.Hash{}
	s.started = true
	stepGauge.Set(float64(s.step))
	return missed
}

// advance moves forward to step. Steps never go back within a slot.
func (s *slotState) advance(step SlotStep) {
	if step <= s.step {
		return
	}
	log.WithFields(logrus.Fields{
		"slot": s.slot,
		"from": s.step,
		"to":   step,
	}).Debug("Slot step")
	s.step = step
	stepGauge.Set(float64(step))
}

// proposalAccepted records the block accepted for the current slot.
func (s *slotState) proposalAccepted(root types.Hash) {
	if s.proposal.IsZero() {
		s.proposal = root
	}
	s.advance(StepProposalReceived)
	s.advance(StepAwaitingAttestations)
}
