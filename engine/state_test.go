package engine

import (
	"testing"

	"github.com/blockberries/stakeberry/types"
)

func TestStepString(t *testing.T) {
	tests := []struct {
		step SlotStep
		want string
	}{
		{StepAwaitingProposal, "AwaitingProposal"},
		{StepProposalReceived, "ProposalReceived"},
		{StepAwaitingAttestations, "AwaitingAttestations"},
		{StepJustifying, "Justifying"},
		{StepFinalized, "Finalized"},
		{SlotStep(42), "Unknown"},
	}
	for _, tt := range tests {
		if got := tt.step.String(); got != tt.want {
			t.Errorf("step %d: got %q, want %q", tt.step, got, tt.want)
		}
	}
}

func TestEnterSlotMissed(t *testing.T) {
	var s slotState

	if s.enterSlot(1, 0) {
		t.Error("first slot cannot be missed")
	}
	if !s.enterSlot(2, 0) {
		t.Error("slot 1 ended without a proposal")
	}

	s.proposalAccepted(types.HashBytes([]byte("b2")))
	if s.enterSlot(3, 0) {
		t.Error("slot 2 had a proposal")
	}
	if s.step != StepAwaitingProposal || !s.proposal.IsZero() {
		t.Errorf("new slot should start clean, got step %v proposal %v", s.step, s.proposal)
	}
}

func TestAdvanceIsMonotone(t *testing.T) {
	var s slotState
	s.enterSlot(1, 0)

	s.advance(StepJustifying)
	s.advance(StepProposalReceived)
	if s.step != StepJustifying {
		t.Errorf("step went back to %v", s.step)
	}
	s.advance(StepFinalized)
	if s.step != StepFinalized {
		t.Errorf("expected Finalized, got %v", s.step)
	}
}

func TestProposalAcceptedKeepsFirst(t *testing.T) {
	var s slotState
	s.enterSlot(5, 1)

	first := types.HashBytes([]byte("first"))
	s.proposalAccepted(first)
	s.proposalAccepted(types.HashBytes([]byte("second")))

	if s.proposal != first {
		t.Errorf("expected first proposal to stick, got %v", s.proposal)
	}
	if s.step != StepAwaitingAttestations {
		t.Errorf("expected AwaitingAttestations, got %v", s.step)
	}
}
