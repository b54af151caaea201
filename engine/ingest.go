package engine

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/blockberries/stakeberry/contribution"
	"github.com/blockberries/stakeberry/evidence"
	"github.com/blockberries/stakeberry/finality"
	"github.com/blockberries/stakeberry/registry"
	"github.com/blockberries/stakeberry/slashing"
	"github.com/blockberries/stakeberry/sortition"
	"github.com/blockberries/stakeberry/types"
)

// The handlers below run on the dispatch goroutine with e.mu held.
// Structural and authorization checks come first and leave no trace.

// checkSlot rejects artifacts too far ahead of the local clock and those of
// epochs already below the finalized checkpoint.
func (e *Engine) checkSlot(slot types.Slot) error {
	if uint64(slot) > uint64(e.state.slot)+e.config.FutureSlotTolerance {
		return &types.InvalidSlotError{Expected: e.state.slot, Actual: slot}
	}
	fin := e.tracker.Finalized()
	if epoch := types.EpochOf(slot, e.params.SlotsPerEpoch); epoch < fin.Epoch {
		return &types.InvalidEpochError{Expected: fin.Epoch, Actual: epoch}
	}
	return nil
}

func (e *Engine) handleProposal(p *types.BlockProposal) error {
	if err := p.ValidateBasic(); err != nil {
		return err
	}
	root := p.Hash()
	if p.IsGenesis() {
		if root == e.genesis.Hash() {
			return nil
		}
		return fmt.Errorf("%w: conflicting genesis", types.ErrInvalidBlock)
	}
	if err := e.checkSlot(p.Slot); err != nil {
		return err
	}

	committee, snap, err := e.committee(p.Slot)
	if err != nil {
		return err
	}
	if !committee.IsProposer(p.Proposer) {
		return fmt.Errorf("%w: %w: %s is not the proposer of slot %d",
			types.ErrInvalidBlock, types.ErrNotCommitteeMember, p.Proposer, p.Slot)
	}
	val, ok := snap.Get(p.Proposer)
	if !ok {
		return fmt.Errorf("%w: %w: proposer %s", types.ErrInvalidBlock, types.ErrValidatorNotFound, p.Proposer)
	}
	if !e.verifier.VerifyVRF(val.PublicKey, committee.Seed, p.Slot, p.VRFProof) {
		return fmt.Errorf("%w: %w: slot %d", types.ErrInvalidBlock, types.ErrVRFVerificationFailed, p.Slot)
	}
	if !e.verifier.VerifySignature(val.PublicKey, types.ProposalSignBytes(e.chainID, p), p.Signature) {
		return fmt.Errorf("%w: %w: proposal %s", types.ErrInvalidBlock, types.ErrInvalidSignature, root.Short())
	}

	if err := e.store.CheckCandidate(p.ParentHash); err != nil {
		return err
	}
	parent, _ := e.store.Block(p.ParentHash)
	if p.Slot <= parent.Slot {
		return fmt.Errorf("%w: slot %d not after parent slot %d", types.ErrInvalidBlock, p.Slot, parent.Slot)
	}

	rec, err := e.detector.CheckProposal(p)
	if rec != nil {
		e.punish(rec, e.local)
	}
	if err != nil {
		return err
	}

	prevHead := e.store.Head()
	if err := e.store.AddBlock(p); err != nil {
		return err
	}
	if err := e.persister.StoreBlock(p); err != nil {
		log.WithError(err).WithField("block", root.Short()).Warn("Block not persisted")
	}
	if p.Slot == e.state.slot {
		e.state.proposalAccepted(root)
	}
	e.work.Credit(p.Proposer, contribution.KindBlockProduction, types.EpochOf(p.Slot, e.params.SlotsPerEpoch))
	log.WithFields(logrus.Fields{
		"slot":     p.Slot,
		"block":    root.Short(),
		"proposer": p.Proposer,
	}).Debug("Accepted proposal")
	e.publishHead(prevHead)
	return nil
}

func (e *Engine) handleAttestation(a *types.Attestation) error {
	if err := a.ValidateBasic(e.params.SlotsPerEpoch); err != nil {
		return err
	}
	if err := e.checkSlot(a.Slot); err != nil {
		return err
	}

	committee, snap, err := e.committee(a.Slot)
	if err != nil {
		return err
	}
	if !committee.Contains(a.Validator) {
		return fmt.Errorf("%w: %w: %s at slot %d",
			types.ErrInvalidAttestation, types.ErrNotCommitteeMember, a.Validator, a.Slot)
	}
	val, _ := snap.Get(a.Validator)
	if !e.verifier.VerifyBLS(val.BLSKey, types.AttestationSignBytes(e.chainID, a.Data()), a.Signature) {
		return fmt.Errorf("%w: %w: attestation by %s", types.ErrInvalidAttestation, types.ErrInvalidSignature, a.Validator)
	}

	fin := e.tracker.Finalized()
	if e.store.ConflictsWithFinality(a.Source.Root) {
		e.punishViolation(&types.ForkChoiceViolationProof{Attestation: a.Copy(), Finalized: fin}, e.local)
		return &types.ForkChoiceError{Block: a.Source.Root, Finalized: fin, Reason: "attestation source conflicts with finality"}
	}
	if err := e.checkTarget(a.BlockHash); err != nil {
		return err
	}

	rec, err := e.detector.CheckAttestation(a)
	if rec != nil {
		e.punish(rec, e.local)
	}
	if err != nil {
		return err
	}

	if err := e.pool.Add(a, committee); err != nil {
		log.WithError(err).Debug("Attestation not pooled")
	}
	return e.count(a.Slot, func() (*finality.Update, error) {
		update, err := e.tracker.AddAttestation(a, committee, snap)
		if err == nil && !update.Weight.IsZero() {
			e.work.Credit(a.Validator, contribution.KindAttestation, types.EpochOf(a.Slot, e.params.SlotsPerEpoch))
		}
		return update, err
	}, a.BlockHash)
}

func (e *Engine) handleAggregate(agg *types.AggregateAttestation) error {
	if agg == nil {
		return fmt.Errorf("%w: nil aggregate", types.ErrInvalidAttestation)
	}
	if err := e.checkSlot(agg.Slot); err != nil {
		return err
	}
	committee, snap, err := e.committee(agg.Slot)
	if err != nil {
		return err
	}
	if err := agg.ValidateBasic(committee.Size()); err != nil {
		return err
	}
	d := agg.Data()
	if target := types.EpochOf(d.Slot, e.params.SlotsPerEpoch); d.Source.Epoch > target {
		return fmt.Errorf("%w: source epoch %d after target epoch %d", types.ErrInvalidAttestation, d.Source.Epoch, target)
	}

	attesters, pubs := aggregateSigners(agg, committee, snap)
	if !e.verifier.AggregateVerify(pubs, types.AttestationSignBytes(e.chainID, d), agg.Signature) {
		return fmt.Errorf("%w: %w: aggregate of %d", types.ErrInvalidAttestation, types.ErrInvalidSignature, len(attesters))
	}

	fin := e.tracker.Finalized()
	if e.store.ConflictsWithFinality(d.Source.Root) {
		// no individual signatures, so no violation proof can be built
		return &types.ForkChoiceError{Block: d.Source.Root, Finalized: fin, Reason: "aggregate source conflicts with finality"}
	}
	if err := e.checkTarget(d.BlockHash); err != nil {
		return err
	}

	// Members that conflict with a vote already seen lose their weight.
	// Only individually signed votes produce evidence.
	honest := make([]types.ValidatorID, 0, len(attesters))
	var firstErr error
	for _, id := range attesters {
		vote := &types.Attestation{Slot: d.Slot, BlockHash: d.BlockHash, Source: d.Source, Validator: id}
		if err := e.detector.Conflicts(vote); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		honest = append(honest, id)
	}
	if len(honest) == 0 {
		return firstErr
	}
	if len(honest) == len(attesters) {
		if err := e.pool.AddAggregate(agg); err != nil {
			log.WithError(err).Debug("Aggregate not pooled")
		}
	}
	return e.count(d.Slot, func() (*finality.Update, error) {
		return e.tracker.AddAggregate(d, honest, committee, snap)
	}, d.BlockHash)
}

// aggregateSigners returns the members whose bits are set and their keys.
func aggregateSigners(agg *types.AggregateAttestation, committee *sortition.Committee,
	snap *registry.Snapshot) ([]types.ValidatorID, []types.BLSPublicKey) {
	idx := agg.AggregationBits.BitIndices()
	ids := make([]types.ValidatorID, 0, len(idx))
	pubs := make([]types.BLSPublicKey, 0, len(idx))
	for _, i := range idx {
		m := committee.Members[i]
		val, ok := snap.Get(m.ID)
		if !ok {
			continue
		}
		ids = append(ids, m.ID)
		pubs = append(pubs, val.BLSKey)
	}
	return ids, pubs
}

// checkTarget rejects votes for blocks outside the fork choice.
func (e *Engine) checkTarget(root types.Hash) error {
	if e.store.ConflictsWithFinality(root) {
		return &types.ForkChoiceError{Block: root, Finalized: e.tracker.Finalized(), Reason: "vote for a block pruned by finality"}
	}
	if !e.store.HasBlock(root) {
		return fmt.Errorf("%w: unknown target block %s", types.ErrInvalidAttestation, root.Short())
	}
	return nil
}

// count applies a finality update and moves the fork choice weight. A
// finality conflict halts the engine.
func (e *Engine) count(slot types.Slot, add func() (*finality.Update, error), root types.Hash) error {
	update, err := add()
	if err != nil {
		if errors.Is(err, types.ErrForkChoice) {
			e.halt(err)
		}
		return err
	}

	prevHead := e.store.Head()
	if err := e.store.AddWeight(root, update.Weight); err != nil {
		return err
	}
	e.publishHead(prevHead)

	if slot == e.state.slot && e.state.step >= StepAwaitingAttestations {
		e.state.advance(StepJustifying)
	}
	if update.Justified != nil {
		e.events.publish(Event{Type: EventJustified, Slot: e.state.slot, Checkpoint: *update.Justified})
	}
	if update.Finalized != nil {
		return e.applyFinality(*update.Finalized)
	}
	return nil
}

func (e *Engine) applyFinality(cp types.Checkpoint) error {
	prevHead := e.store.Head()
	if err := e.store.Finalize(cp); err != nil {
		if errors.Is(err, types.ErrForkChoice) {
			e.halt(err)
		}
		return err
	}

	e.detector.Prune(cp.Epoch)
	e.tracker.Prune(cp.Epoch)
	e.tickets.Prune(cp.Epoch)
	e.pruneSnapshots(cp.Epoch)
	if err := e.persister.PersistFinalized(cp); err != nil {
		log.WithError(err).WithField("checkpoint", cp).Error("Finalized checkpoint not persisted")
	}

	e.state.advance(StepFinalized)
	e.events.publish(Event{Type: EventFinalized, Slot: e.state.slot, Checkpoint: cp})
	e.publishHead(prevHead)
	return nil
}

func (e *Engine) handleEvidence(rec *types.EquivocationRecord, reporter types.ValidatorID) error {
	if rec == nil {
		return fmt.Errorf("%w: nil evidence", types.ErrInvalidProof)
	}
	val, err := e.registry.Get(rec.Validator)
	if err != nil {
		return err
	}
	if err := evidence.VerifyRecord(rec, e.chainID, e.params.SlotsPerEpoch, val, e.verifier); err != nil {
		return err
	}
	if err := e.detector.AddRecord(rec); err != nil && !errors.Is(err, evidence.ErrDuplicateEvidence) {
		return err
	}
	e.punish(rec, reporter)
	return nil
}

func (e *Engine) handleViolation(proof *types.ForkChoiceViolationProof, reporter types.ValidatorID) error {
	if proof == nil || proof.Attestation == nil {
		return fmt.Errorf("%w: empty violation proof", types.ErrSlashingCondition)
	}
	val, err := e.registry.Get(proof.Validator())
	if err != nil {
		return err
	}
	if err := evidence.VerifyViolation(proof, e.chainID, e.params.SlotsPerEpoch, val, e.verifier); err != nil {
		return err
	}
	if !e.store.ConflictsWithFinality(proof.Attestation.Source.Root) {
		return fmt.Errorf("%w: source %s does not conflict with finality", types.ErrInvalidProof, proof.Attestation.Source.Root.Short())
	}
	e.punishViolation(proof, reporter)
	return nil
}

func (e *Engine) handleTicket(t sortition.Ticket) error {
	val, err := e.registry.Get(t.Validator)
	if err != nil {
		return err
	}
	seed := e.sortition.Seed(types.EpochOf(t.Slot, e.params.SlotsPerEpoch))
	return e.tickets.Add(t, val.PublicKey, seed)
}

// punish records the evidence and slashes its offender.
func (e *Engine) punish(rec *types.EquivocationRecord, reporter types.ValidatorID) {
	if err := e.persister.PersistEvidence(rec); err != nil {
		log.WithError(err).WithField("validator", rec.Validator).Error("Evidence not persisted")
	}
	c, applied, err := e.ledger.RecordEquivocation(rec, e.beneficiaries(reporter))
	if c != nil && applied {
		e.detector.MarkCommitted(rec)
	}
	e.slashed(c, applied, err)
}

func (e *Engine) punishViolation(proof *types.ForkChoiceViolationProof, reporter types.ValidatorID) {
	c, applied, err := e.ledger.RecordViolation(proof, e.beneficiaries(reporter))
	e.slashed(c, applied, err)
}

func (e *Engine) slashed(c *types.SlashingCondition, applied bool, err error) {
	if err != nil {
		log.WithError(err).Error("Slashing incomplete")
	}
	if c == nil || !applied {
		return
	}
	e.thawSnapshots(e.state.epoch)
	e.events.publish(Event{Type: EventSlashed, Slot: e.state.slot, Slashing: c})
}

// beneficiaries credits reporter and the proposer of the current slot.
func (e *Engine) beneficiaries(reporter types.ValidatorID) slashing.Beneficiaries {
	to := slashing.Beneficiaries{Reporter: reporter}
	if !e.state.proposal.IsZero() {
		if b, ok := e.store.Block(e.state.proposal); ok {
			to.Proposer = b.Proposer
		}
	}
	return to
}

func (e *Engine) publishHead(prev types.Hash) {
	head := e.store.Head()
	if head == prev {
		return
	}
	e.events.publish(Event{Type: EventNewHead, Slot: e.state.slot, Head: head})
}

// halt stops chain progression after the finalized chain was contradicted.
func (e *Engine) halt(err error) {
	if e.halted != nil {
		return
	}
	e.halted = err
	haltedGauge.Set(1)
	log.WithError(err).Error("Halting: finalized checkpoint contradicted")
	e.events.publish(Event{Type: EventHalted, Slot: e.state.slot, Err: err})
}

func (e *Engine) handleTick(slot types.Slot) {
	if e.halted != nil {
		return
	}
	if e.state.started && slot <= e.state.slot {
		return
	}
	epoch := types.EpochOf(slot, e.params.SlotsPerEpoch)
	newEpoch := !e.state.started || epoch > e.state.epoch
	if missed := e.state.enterSlot(slot, epoch); missed {
		missedSlots.Inc()
		log.WithField("slot", slot-1).Debug("Slot ended without a proposal")
	}
	if newEpoch {
		e.enterEpoch(epoch)
	}
	slotGauge.Set(float64(slot))
	e.pool.Prune(slot)
	e.events.publish(Event{Type: EventNewSlot, Slot: slot})
}

func (e *Engine) enterEpoch(epoch types.Epoch) {
	snap := e.snapshot(epoch)
	e.tickets.Seal(epoch)
	e.work.Decay(epoch)
	if err := e.persister.StoreValidatorSet(epoch, snap.Validators()); err != nil {
		log.WithError(err).WithField("epoch", epoch).Warn("Validator set not persisted")
	}
	log.WithFields(logrus.Fields{
		"epoch":      epoch,
		"validators": snap.Len(),
		"stake":      snap.TotalStake().Dec(),
	}).Info("Entered epoch")
}
