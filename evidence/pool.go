package evidence

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/blockberries/stakeberry/types"
)

// Errors
var (
	ErrDuplicateEvidence = errors.New("duplicate evidence")
	ErrEvidenceNotFound  = errors.New("evidence not found")
	ErrTrackingLimit     = errors.New("evidence tracking limit reached")
)

// Config holds detector configuration
type Config struct {
	// SlotsPerEpoch maps slots to epochs for pruning and surround checks
	SlotsPerEpoch uint64
	// MaxSeenArtifacts bounds the number of first-seen proposals and
	// attestations of unfinalized epochs. New artifacts are refused at the
	// cap until finality lets Prune release old ones.
	MaxSeenArtifacts int
	// MaxPending bounds the pending list
	MaxPending int
}

// DefaultConfig returns default detector configuration
func DefaultConfig() Config {
	return Config{
		SlotsPerEpoch:    32,
		MaxSeenArtifacts: 1 << 20,
		MaxPending:       10000,
	}
}

type slotKey struct {
	validator types.ValidatorID
	slot      types.Slot
}

type recordKey struct {
	validator types.ValidatorID
	slot      types.Slot
	offense   types.Offense
}

type ffgVote struct {
	source types.Epoch
	target types.Epoch
}

// Detector finds equivocations and holds the resulting records until they
// are committed.
type Detector struct {
	mu     sync.RWMutex
	config Config

	// first-seen artifacts per (validator, slot)
	proposals map[slotKey]*types.BlockProposal
	votes     map[slotKey]*types.Attestation

	// one attestation per distinct (source, target) per validator
	ffg map[types.ValidatorID]map[ffgVote]*types.Attestation

	records   map[recordKey]*types.EquivocationRecord
	pending   []*types.EquivocationRecord
	committed map[types.Hash]struct{}
}

// NewDetector creates a new detector
func NewDetector(config Config) *Detector {
	return &Detector{
		config:    config,
		proposals: make(map[slotKey]*types.BlockProposal),
		votes:     make(map[slotKey]*types.Attestation),
		ffg:       make(map[types.ValidatorID]map[ffgVote]*types.Attestation),
		records:   make(map[recordKey]*types.EquivocationRecord),
		committed: make(map[types.Hash]struct{}),
	}
}

// CheckProposal remembers p or, if its proposer already signed a different
// proposal for the slot, returns the equivocation record and a
// DoubleProposalError. Resubmitting an identical proposal is a no-op.
func (d *Detector) CheckProposal(p *types.BlockProposal) (*types.EquivocationRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := slotKey{validator: p.Proposer, slot: p.Slot}
	existing, ok := d.proposals[key]
	if !ok {
		if err := d.checkLimitLocked(); err != nil {
			return nil, err
		}
		d.proposals[key] = p.Copy()
		trackedArtifacts.Set(float64(d.trackedLocked()))
		return nil, nil
	}
	if existing.Hash() == p.Hash() {
		return nil, nil
	}

	rec := d.recordLocked(recordKey{validator: p.Proposer, slot: p.Slot, offense: types.OffenseDoubleProposal},
		func() *types.EquivocationRecord {
			return &types.EquivocationRecord{
				Offense:        types.OffenseDoubleProposal,
				Validator:      p.Proposer,
				Slot:           p.Slot,
				FirstProposal:  existing.Copy(),
				SecondProposal: p.Copy(),
			}
		})
	return rec, &types.DoubleProposalError{Validator: p.Proposer, Slot: p.Slot}
}

// CheckAttestation remembers a or returns the record proving that its
// validator double-voted at the slot (DoubleAttestationError) or cast a
// surrounding or surrounded FFG vote (ErrSlashingCondition).
func (d *Detector) CheckAttestation(a *types.Attestation) (*types.EquivocationRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := slotKey{validator: a.Validator, slot: a.Slot}
	if existing, ok := d.votes[key]; ok {
		if existing.BlockHash == a.BlockHash {
			return nil, nil
		}
		rec := d.recordLocked(recordKey{validator: a.Validator, slot: a.Slot, offense: types.OffenseDoubleAttestation},
			func() *types.EquivocationRecord {
				return &types.EquivocationRecord{
					Offense:    types.OffenseDoubleAttestation,
					Validator:  a.Validator,
					Slot:       a.Slot,
					FirstVote:  existing.Copy(),
					SecondVote: a.Copy(),
				}
			})
		return rec, &types.DoubleAttestationError{Validator: a.Validator, Slot: a.Slot, Block: a.BlockHash}
	}

	vote := ffgVote{source: a.Source.Epoch, target: a.TargetEpoch(d.config.SlotsPerEpoch)}
	if prevVote, prev, ok := d.findSurround(a.Validator, vote); ok {
		rec := d.recordLocked(recordKey{validator: a.Validator, slot: a.Slot, offense: types.OffenseSurroundVote},
			func() *types.EquivocationRecord {
				return &types.EquivocationRecord{
					Offense:    types.OffenseSurroundVote,
					Validator:  a.Validator,
					Slot:       a.Slot,
					FirstVote:  prev.Copy(),
					SecondVote: a.Copy(),
				}
			})
		return rec, fmt.Errorf("%w: surround vote by %s (source %d target %d vs source %d target %d)",
			types.ErrSlashingCondition, a.Validator, vote.source, vote.target, prevVote.source, prevVote.target)
	}

	if err := d.checkLimitLocked(); err != nil {
		return nil, err
	}
	d.votes[key] = a.Copy()
	byVal, ok := d.ffg[a.Validator]
	if !ok {
		byVal = make(map[ffgVote]*types.Attestation)
		d.ffg[a.Validator] = byVal
	}
	if _, ok := byVal[vote]; !ok {
		byVal[vote] = a.Copy()
	}
	trackedArtifacts.Set(float64(d.trackedLocked()))
	return nil, nil
}

// Conflicts reports whether a would equivocate against the attestations
// already seen, without recording anything. It serves votes that carry no
// individual signature, such as aggregate members, which cannot back a
// verifiable record.
func (d *Detector) Conflicts(a *types.Attestation) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if existing, ok := d.votes[slotKey{validator: a.Validator, slot: a.Slot}]; ok {
		if existing.BlockHash == a.BlockHash {
			return nil
		}
		return &types.DoubleAttestationError{Validator: a.Validator, Slot: a.Slot, Block: a.BlockHash}
	}
	vote := ffgVote{source: a.Source.Epoch, target: a.TargetEpoch(d.config.SlotsPerEpoch)}
	if prevVote, _, ok := d.findSurround(a.Validator, vote); ok {
		return fmt.Errorf("%w: surround vote by %s (source %d target %d vs source %d target %d)",
			types.ErrSlashingCondition, a.Validator, vote.source, vote.target, prevVote.source, prevVote.target)
	}
	return nil
}

// findSurround returns the lowest (source, target) vote of validator that
// surrounds or is surrounded by vote.
func (d *Detector) findSurround(validator types.ValidatorID, vote ffgVote) (ffgVote, *types.Attestation, bool) {
	var (
		best  ffgVote
		found *types.Attestation
	)
	for prevVote, prev := range d.ffg[validator] {
		if !surrounds(vote, prevVote) && !surrounds(prevVote, vote) {
			continue
		}
		if found == nil || prevVote.source < best.source ||
			(prevVote.source == best.source && prevVote.target < best.target) {
			best, found = prevVote, prev
		}
	}
	return best, found, found != nil
}

func surrounds(a, b ffgVote) bool {
	return a.source < b.source && a.target > b.target
}

// recordLocked returns the record for key, creating it with mk on first
// detection. Records are never overwritten.
func (d *Detector) recordLocked(key recordKey, mk func() *types.EquivocationRecord) *types.EquivocationRecord {
	if rec, ok := d.records[key]; ok {
		return rec
	}
	rec := mk()
	d.records[key] = rec
	d.addPendingLocked(rec)
	equivocationsDetected.WithLabelValues(rec.Offense.String()).Inc()

	log.WithFields(logrus.Fields{
		"validator": rec.Validator,
		"slot":      rec.Slot,
		"offense":   rec.Offense,
	}).Warn("Detected equivocation")
	return rec
}

func (d *Detector) addPendingLocked(rec *types.EquivocationRecord) {
	if len(d.pending) >= d.config.MaxPending && d.config.MaxPending > 0 {
		// oldest pending is dropped; its record stays retrievable
		d.pending = d.pending[1:]
	}
	d.pending = append(d.pending, rec)
	pendingEvidence.Set(float64(len(d.pending)))
}

// AddRecord adds a verified record received from elsewhere. It fails with
// ErrDuplicateEvidence when a record for the same validator, slot and offense
// is already known.
func (d *Detector) AddRecord(rec *types.EquivocationRecord) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := recordKey{validator: rec.Validator, slot: rec.Slot, offense: rec.Offense}
	if _, ok := d.records[key]; ok {
		return ErrDuplicateEvidence
	}
	if _, ok := d.committed[rec.Hash()]; ok {
		return ErrDuplicateEvidence
	}
	d.records[key] = rec
	d.addPendingLocked(rec)
	equivocationsDetected.WithLabelValues(rec.Offense.String()).Inc()
	return nil
}

// Record returns the record for (validator, slot, offense).
func (d *Detector) Record(validator types.ValidatorID, slot types.Slot, offense types.Offense) (*types.EquivocationRecord, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	rec, ok := d.records[recordKey{validator: validator, slot: slot, offense: offense}]
	if !ok {
		return nil, ErrEvidenceNotFound
	}
	return rec, nil
}

// Pending returns records not yet marked committed, oldest first.
func (d *Detector) Pending() []*types.EquivocationRecord {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]*types.EquivocationRecord, len(d.pending))
	copy(out, d.pending)
	return out
}

// MarkCommitted removes records from the pending list.
func (d *Detector) MarkCommitted(recs ...*types.EquivocationRecord) {
	d.mu.Lock()
	defer d.mu.Unlock()

	done := make(map[types.Hash]struct{}, len(recs))
	for _, rec := range recs {
		h := rec.Hash()
		done[h] = struct{}{}
		d.committed[h] = struct{}{}
	}

	remaining := d.pending[:0]
	for _, rec := range d.pending {
		if _, ok := done[rec.Hash()]; !ok {
			remaining = append(remaining, rec)
		}
	}
	d.pending = remaining
	pendingEvidence.Set(float64(len(d.pending)))
}

// Size returns the number of pending records
func (d *Detector) Size() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.pending)
}

// Prune drops first-seen artifacts and committed records of epochs strictly
// older than finalizedEpoch.
func (d *Detector) Prune(finalizedEpoch types.Epoch) {
	d.mu.Lock()
	defer d.mu.Unlock()

	spe := d.config.SlotsPerEpoch
	before := d.trackedLocked()
	for k := range d.proposals {
		if types.EpochOf(k.slot, spe) < finalizedEpoch {
			delete(d.proposals, k)
		}
	}
	for k := range d.votes {
		if types.EpochOf(k.slot, spe) < finalizedEpoch {
			delete(d.votes, k)
		}
	}
	for id, byVal := range d.ffg {
		for v := range byVal {
			if v.target < finalizedEpoch {
				delete(byVal, v)
			}
		}
		if len(byVal) == 0 {
			delete(d.ffg, id)
		}
	}
	for k, rec := range d.records {
		if types.EpochOf(k.slot, spe) >= finalizedEpoch {
			continue
		}
		if _, ok := d.committed[rec.Hash()]; ok {
			delete(d.records, k)
		}
	}

	after := d.trackedLocked()
	trackedArtifacts.Set(float64(after))
	if before != after {
		log.WithFields(logrus.Fields{
			"finalized": finalizedEpoch,
			"pruned":    before - after,
		}).Debug("Pruned first-seen artifacts")
	}
}

func (d *Detector) trackedLocked() int {
	return len(d.proposals) + len(d.votes)
}

// checkLimitLocked refuses a new artifact once the cap is reached. Artifacts
// of unfinalized epochs are never dropped to make room, since a later
// conflicting artifact would then go undetected. Caller must hold d.mu.
func (d *Detector) checkLimitLocked() error {
	limit := d.config.MaxSeenArtifacts
	if limit <= 0 || d.trackedLocked() < limit {
		return nil
	}
	refusedArtifacts.Inc()
	return fmt.Errorf("%w: %d artifacts await finality", ErrTrackingLimit, d.trackedLocked())
}
