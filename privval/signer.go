package privval

import (
	"crypto/ed25519"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/blockberries/stakeberry/crypto"
	"github.com/blockberries/stakeberry/crypto/bls"
	"github.com/blockberries/stakeberry/crypto/vrf"
	"github.com/blockberries/stakeberry/types"
)

// Errors
var (
	ErrDoubleSign        = errors.New("double sign attempt")
	ErrSlotRegression    = errors.New("slot regression")
	ErrSourceRegression  = errors.New("source epoch regression")
	ErrInvalidKey        = errors.New("invalid key material")
	ErrValidatorMismatch = errors.New("artifact signed for another validator")
)

// PrivValidator signs consensus artifacts for one validator. It never signs
// two different proposals or two different attestations for one slot.
type PrivValidator interface {
	crypto.Prover

	ID() types.ValidatorID
	PublicKey() types.PublicKey
	BLSPublicKey() types.BLSPublicKey

	// SignProposal sets p.Proposer and p.Signature.
	SignProposal(chainID string, p *types.BlockProposal) error
	// SignAttestation sets a.Validator and a.Signature.
	SignAttestation(chainID string, a *types.Attestation) error
}

// LastSignState is the last proposal and attestation signed. A zero sign
// bytes hash means nothing was signed yet.
type LastSignState struct {
	ProposalSlot      types.Slot
	ProposalSignBytes types.Hash
	ProposalSignature types.Signature

	AttestationSlot      types.Slot
	AttestationSignBytes types.Hash
	AttestationSignature types.BLSSignature
	// highest source epoch attested; lower sources could surround earlier votes
	SourceEpoch types.Epoch
}

// CheckProposal returns nil if a proposal for slot with the given sign bytes
// hash may be signed, errSameSignBytes if it was already signed, and an
// error otherwise.
func (lss *LastSignState) CheckProposal(slot types.Slot, signBytes types.Hash) error {
	return checkSlot(lss.ProposalSlot, lss.ProposalSignBytes, slot, signBytes)
}

// CheckAttestation is CheckProposal for attestations. It also refuses a
// source older than one already attested.
func (lss *LastSignState) CheckAttestation(slot types.Slot, source types.Epoch, signBytes types.Hash) error {
	if err := checkSlot(lss.AttestationSlot, lss.AttestationSignBytes, slot, signBytes); err != nil {
		return err
	}
	if !lss.AttestationSignBytes.IsZero() && source < lss.SourceEpoch {
		return errors.Wrapf(ErrSourceRegression, "source %d < %d", source, lss.SourceEpoch)
	}
	return nil
}

var errSameSignBytes = errors.New("already signed")

func checkSlot(lastSlot types.Slot, lastBytes types.Hash, slot types.Slot, signBytes types.Hash) error {
	if lastBytes.IsZero() {
		return nil
	}
	if slot < lastSlot {
		return errors.Wrapf(ErrSlotRegression, "slot %d < %d", slot, lastSlot)
	}
	if slot == lastSlot {
		if signBytes == lastBytes {
			return errSameSignBytes
		}
		return errors.Wrapf(ErrDoubleSign, "slot %d", slot)
	}
	return nil
}

type keys struct {
	priv ed25519.PrivateKey
	pub  types.PublicKey
	id   types.ValidatorID
	bls  *bls.SecretKey
}

func newKeys(priv ed25519.PrivateKey, blsKey *bls.SecretKey) (keys, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return keys{}, errors.Wrapf(ErrInvalidKey, "ed25519 key is %d bytes", len(priv))
	}
	if blsKey == nil {
		return keys{}, errors.Wrap(ErrInvalidKey, "missing bls key")
	}
	pub, err := types.NewPublicKey(priv.Public().(ed25519.PublicKey))
	if err != nil {
		return keys{}, errors.Wrap(ErrInvalidKey, err.Error())
	}
	return keys{priv: priv, pub: pub, id: types.ValidatorIDFromPublicKey(pub), bls: blsKey}, nil
}

// signer holds the key material and the double-sign guard shared by the
// PrivValidator implementations. save, if set, persists the state before a
// signature is released.
type signer struct {
	mu    sync.Mutex
	keys  keys
	state LastSignState
	save  func(LastSignState) error
}

func (s *signer) ID() types.ValidatorID            { return s.keys.id }
func (s *signer) PublicKey() types.PublicKey       { return s.keys.pub }
func (s *signer) BLSPublicKey() types.BLSPublicKey { return s.keys.bls.PublicKey() }

// VRFProve returns the lottery proof for (seed, slot).
func (s *signer) VRFProve(seed types.Hash, slot types.Slot) (types.VRFProof, error) {
	return vrf.Prove(s.keys.priv, seed, slot)
}

// SignProposal signs p unless a different proposal for p.Slot was signed.
func (s *signer) SignProposal(chainID string, p *types.BlockProposal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !p.Proposer.IsZero() && p.Proposer != s.keys.id {
		return errors.Wrapf(ErrValidatorMismatch, "proposer %s", p.Proposer)
	}
	p.Proposer = s.keys.id
	signBytes := types.ProposalSignBytes(chainID, p)
	h := types.HashBytes(signBytes)

	switch err := s.state.CheckProposal(p.Slot, h); err {
	case nil:
	case errSameSignBytes:
		p.Signature = s.state.ProposalSignature
		return nil
	default:
		s.refused("proposal", p.Slot, err)
		return err
	}

	sig := types.MustNewSignature(ed25519.Sign(s.keys.priv, signBytes))
	next := s.state
	next.ProposalSlot = p.Slot
	next.ProposalSignBytes = h
	next.ProposalSignature = sig
	if err := s.commit(next); err != nil {
		return err
	}
	p.Signature = sig
	return nil
}

// SignAttestation signs a unless a different attestation for a.Slot was
// signed or its source regresses.
func (s *signer) SignAttestation(chainID string, a *types.Attestation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !a.Validator.IsZero() && a.Validator != s.keys.id {
		return errors.Wrapf(ErrValidatorMismatch, "attester %s", a.Validator)
	}
	a.Validator = s.keys.id
	signBytes := types.AttestationSignBytes(chainID, a.Data())
	h := types.HashBytes(signBytes)

	switch err := s.state.CheckAttestation(a.Slot, a.Source.Epoch, h); err {
	case nil:
	case errSameSignBytes:
		a.Signature = s.state.AttestationSignature
		return nil
	default:
		s.refused("attestation", a.Slot, err)
		return err
	}

	sig := s.keys.bls.Sign(signBytes)
	next := s.state
	next.AttestationSlot = a.Slot
	next.AttestationSignBytes = h
	next.AttestationSignature = sig
	if a.Source.Epoch > next.SourceEpoch {
		next.SourceEpoch = a.Source.Epoch
	}
	if err := s.commit(next); err != nil {
		return err
	}
	a.Signature = sig
	return nil
}

// LastSignState returns a copy of the guard state.
func (s *signer) LastSignState() LastSignState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *signer) commit(next LastSignState) error {
	if s.save != nil {
		if err := s.save(next); err != nil {
			return errors.Wrap(err, "could not persist sign state")
		}
	}
	s.state = next
	return nil
}

func (s *signer) refused(kind string, slot types.Slot, err error) {
	log.WithFields(logrus.Fields{
		"validator": s.keys.id,
		"kind":      kind,
		"slot":      slot,
	}).WithError(err).Warn("Refused to sign")
}
