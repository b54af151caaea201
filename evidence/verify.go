package evidence

import (
	"fmt"

	"github.com/blockberries/stakeberry/crypto"
	"github.com/blockberries/stakeberry/types"
)

// VerifyRecord checks that rec is valid proof against val: the pair is
// structurally a conflict and both artifacts carry val's signatures.
func VerifyRecord(rec *types.EquivocationRecord, chainID string, slotsPerEpoch uint64,
	val *types.Validator, verifier crypto.Verifier) error {
	if err := rec.ValidateBasic(slotsPerEpoch); err != nil {
		return err
	}
	if val == nil || val.ID != rec.Validator {
		return fmt.Errorf("%w: record names %s", types.ErrValidatorNotFound, rec.Validator)
	}

	switch rec.Offense {
	case types.OffenseDoubleProposal:
		for i, p := range []*types.BlockProposal{rec.FirstProposal, rec.SecondProposal} {
			if !verifier.VerifySignature(val.PublicKey, types.ProposalSignBytes(chainID, p), p.Signature) {
				return fmt.Errorf("%w: proposal %d of record", types.ErrInvalidSignature, i+1)
			}
		}
	case types.OffenseDoubleAttestation, types.OffenseSurroundVote:
		for i, a := range []*types.Attestation{rec.FirstVote, rec.SecondVote} {
			if !verifier.VerifyBLS(val.BLSKey, types.AttestationSignBytes(chainID, a.Data()), a.Signature) {
				return fmt.Errorf("%w: attestation %d of record", types.ErrInvalidSignature, i+1)
			}
		}
	}
	return nil
}

// VerifyViolation checks the signature on a fork-choice violation proof. The
// caller checks the conflict with its own finalized checkpoint.
func VerifyViolation(p *types.ForkChoiceViolationProof, chainID string, slotsPerEpoch uint64,
	val *types.Validator, verifier crypto.Verifier) error {
	if p == nil || p.Attestation == nil {
		return fmt.Errorf("%w: empty violation proof", types.ErrSlashingCondition)
	}
	if err := p.Attestation.ValidateBasic(slotsPerEpoch); err != nil {
		return err
	}
	if val == nil || val.ID != p.Validator() {
		return fmt.Errorf("%w: proof names %s", types.ErrValidatorNotFound, p.Validator())
	}
	a := p.Attestation
	if !verifier.VerifyBLS(val.BLSKey, types.AttestationSignBytes(chainID, a.Data()), a.Signature) {
		return fmt.Errorf("%w: violation attestation", types.ErrInvalidSignature)
	}
	return nil
}
