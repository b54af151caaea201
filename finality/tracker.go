// Package finality accumulates attestation weight behind checkpoints and
// applies the two-epoch finality rule.
//
// A checkpoint is an (epoch, block) pair; the block is the one attested to
// by votes cast in slots of that epoch. Each attester's stake counts at most
// once per checkpoint. A checkpoint whose weight reaches the quorum fraction
// of the epoch's total active stake is justified. When checkpoints of two
// consecutive epochs are justified and the later one's block descends from
// (or is) the earlier one's, both become finalized.
//
// Finalization is monotone. A newly finalized checkpoint that does not
// descend from the current one means the safety assumption has been broken;
// the tracker refuses it with a ForkChoiceError and the caller must stop.
package finality

import (
	"fmt"
	"sort"
	"sync"

	"github.com/holiman/uint256"
	"github.com/sirupsen/logrus"

	"github.com/blockberries/stakeberry/params"
	"github.com/blockberries/stakeberry/registry"
	"github.com/blockberries/stakeberry/sortition"
	"github.com/blockberries/stakeberry/types"
)

// BlockTree answers ancestry questions about known blocks.
type BlockTree interface {
	HasBlock(root types.Hash) bool
	IsDescendant(ancestor, descendant types.Hash) bool
}

type candidate struct {
	weight    *uint256.Int
	status    types.CheckpointStatus
	attesters map[types.ValidatorID]struct{}
}

// Update reports the effect of counting votes.
type Update struct {
	// Weight is the stake newly counted for the checkpoint. It is zero when
	// every attester had already been counted.
	Weight *uint256.Int
	// Justified is set when the checkpoint became justified.
	Justified *types.Checkpoint
	// Finalized is set when the latest finalized checkpoint advanced.
	Finalized *types.Checkpoint
}

// Tracker is the finality tracker.
type Tracker struct {
	mu sync.RWMutex

	slotsPerEpoch uint64
	quorumNum     uint64
	quorumDen     uint64
	tree          BlockTree

	candidates map[types.Epoch]map[types.Hash]*candidate
	justified  types.Checkpoint
	finalized  types.Checkpoint
}

// New creates a tracker whose first justified and finalized checkpoint is
// the genesis block at epoch 0.
func New(cfg *params.Config, tree BlockTree, genesis types.Hash) *Tracker {
	genesisCp := types.Checkpoint{Epoch: 0, Root: genesis}
	t := &Tracker{
		slotsPerEpoch: cfg.SlotsPerEpoch,
		quorumNum:     cfg.QuorumNumerator,
		quorumDen:     cfg.QuorumDenominator,
		tree:          tree,
		candidates:    make(map[types.Epoch]map[types.Hash]*candidate),
		justified:     genesisCp,
		finalized:     genesisCp,
	}
	t.candidateLocked(genesisCp).status = types.CheckpointFinalized
	return t
}

// Restore makes cp, loaded from storage after a restart, the justified and
// finalized checkpoint. Its block must already be in the tree and cp may
// not precede the current finalized checkpoint.
func (t *Tracker) Restore(cp types.Checkpoint) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if cp.Epoch < t.finalized.Epoch {
		return &types.InvalidEpochError{Expected: t.finalized.Epoch, Actual: cp.Epoch}
	}
	if !t.tree.HasBlock(cp.Root) {
		return fmt.Errorf("%w: unknown finalized block %s", types.ErrInvalidBlock, cp.Root.Short())
	}
	t.candidateLocked(cp).status = types.CheckpointFinalized
	t.finalized = cp
	if cp.Epoch >= t.justified.Epoch {
		t.justified = cp
	}
	t.pruneLocked(cp.Epoch)
	justifiedEpoch.Set(float64(t.justified.Epoch))
	finalizedEpoch.Set(float64(cp.Epoch))
	return nil
}

// AddAttestation counts a single attestation. The attester must hold a seat
// in the slot's committee and the target block must be known; snap is the
// stake snapshot of the target epoch.
func (t *Tracker) AddAttestation(a *types.Attestation, committee *sortition.Committee, snap *registry.Snapshot) (*Update, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cp, err := t.checkVoteLocked(a.Data(), committee, snap)
	if err != nil {
		return nil, err
	}
	if !committee.Contains(a.Validator) {
		return nil, fmt.Errorf("%w: %s is not in the committee for slot %d",
			types.ErrInvalidAttestation, a.Validator, a.Slot)
	}
	return t.countLocked(cp, []types.ValidatorID{a.Validator}, snap)
}

// AddAggregate counts the votes of several committee members for the same
// data. The caller has verified the aggregate signature.
func (t *Tracker) AddAggregate(d types.AttestationData, attesters []types.ValidatorID,
	committee *sortition.Committee, snap *registry.Snapshot) (*Update, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cp, err := t.checkVoteLocked(d, committee, snap)
	if err != nil {
		return nil, err
	}
	for _, id := range attesters {
		if !committee.Contains(id) {
			return nil, fmt.Errorf("%w: %s is not in the committee for slot %d",
				types.ErrInvalidAttestation, id, d.Slot)
		}
	}
	return t.countLocked(cp, attesters, snap)
}

func (t *Tracker) checkVoteLocked(d types.AttestationData, committee *sortition.Committee,
	snap *registry.Snapshot) (types.Checkpoint, error) {
	cp := d.Target(t.slotsPerEpoch)
	if committee.Slot != d.Slot {
		return cp, &types.InvalidSlotError{Expected: committee.Slot, Actual: d.Slot}
	}
	if snap.Epoch() != cp.Epoch {
		return cp, &types.InvalidEpochError{Expected: cp.Epoch, Actual: snap.Epoch()}
	}
	if cp.Epoch < t.finalized.Epoch {
		return cp, &types.InvalidEpochError{Expected: t.finalized.Epoch, Actual: cp.Epoch}
	}
	if !t.tree.HasBlock(cp.Root) {
		return cp, fmt.Errorf("%w: unknown target block %s", types.ErrInvalidAttestation, cp.Root.Short())
	}
	return cp, nil
}

func (t *Tracker) countLocked(cp types.Checkpoint, attesters []types.ValidatorID, snap *registry.Snapshot) (*Update, error) {
	c := t.candidateLocked(cp)
	added := new(uint256.Int)
	for _, id := range attesters {
		if _, ok := c.attesters[id]; ok {
			continue
		}
		c.attesters[id] = struct{}{}
		added.Add(added, snap.Stake(id))
		countedAttestations.Inc()
	}
	c.weight.Add(c.weight, added)

	u := &Update{Weight: added}
	if c.status != types.CheckpointCandidate || !snap.HasQuorum(c.weight, t.quorumNum, t.quorumDen) {
		return u, nil
	}

	c.status = types.CheckpointJustified
	justified := cp
	u.Justified = &justified
	if cp.Epoch > t.justified.Epoch {
		t.justified = cp
		justifiedEpoch.Set(float64(cp.Epoch))
	}
	log.WithFields(logrus.Fields{
		"epoch":  cp.Epoch,
		"root":   cp.Root.Short(),
		"weight": c.weight.Dec(),
		"total":  snap.TotalStake().Dec(),
	}).Info("Justified checkpoint")

	finalized, err := t.tryFinalizeLocked(cp)
	if err != nil {
		return u, err
	}
	u.Finalized = finalized
	return u, nil
}

// tryFinalizeLocked applies the two-epoch rule around a newly justified
// checkpoint, looking at both neighbouring epochs.
func (t *Tracker) tryFinalizeLocked(cp types.Checkpoint) (*types.Checkpoint, error) {
	var advanced *types.Checkpoint
	if cp.Epoch > 0 {
		for _, prev := range t.justifiedRootsLocked(cp.Epoch - 1) {
			if prev == cp.Root || t.tree.IsDescendant(prev, cp.Root) {
				ok, err := t.finalizeLocked(types.Checkpoint{Epoch: cp.Epoch - 1, Root: prev}, cp)
				if err != nil {
					return advanced, err
				}
				if ok {
					advanced = &types.Checkpoint{Epoch: cp.Epoch, Root: cp.Root}
				}
			}
		}
	}
	for _, next := range t.justifiedRootsLocked(cp.Epoch + 1) {
		if next == cp.Root || t.tree.IsDescendant(cp.Root, next) {
			second := types.Checkpoint{Epoch: cp.Epoch + 1, Root: next}
			ok, err := t.finalizeLocked(cp, second)
			if err != nil {
				return advanced, err
			}
			if ok {
				advanced = &second
			}
		}
	}
	return advanced, nil
}

// finalizeLocked promotes first and second and moves the latest finalized
// checkpoint to second. It reports whether the latest finalized checkpoint
// moved.
func (t *Tracker) finalizeLocked(first, second types.Checkpoint) (bool, error) {
	if second.Epoch < t.finalized.Epoch {
		return false, nil
	}
	if second.Root != t.finalized.Root && !t.tree.IsDescendant(t.finalized.Root, second.Root) {
		log.WithFields(logrus.Fields{
			"finalized": t.finalized,
			"candidate": second,
		}).Error("Conflicting checkpoints reached finality")
		return false, &types.ForkChoiceError{
			Block:     second.Root,
			Finalized: t.finalized,
			Reason:    "conflicting checkpoint reached finality",
		}
	}

	t.candidateLocked(first).status = types.CheckpointFinalized
	t.candidateLocked(second).status = types.CheckpointFinalized
	if second == t.finalized {
		return false, nil
	}
	t.finalized = second
	finalizedEpoch.Set(float64(second.Epoch))
	log.WithFields(logrus.Fields{
		"epoch": second.Epoch,
		"root":  second.Root.Short(),
	}).Info("Finalized checkpoint")
	return true, nil
}

func (t *Tracker) justifiedRootsLocked(epoch types.Epoch) []types.Hash {
	var roots []types.Hash
	for root, c := range t.candidates[epoch] {
		if c.status != types.CheckpointCandidate {
			roots = append(roots, root)
		}
	}
	sort.Slice(roots, func(i, j int) bool { return roots[i].Less(roots[j]) })
	return roots
}

func (t *Tracker) candidateLocked(cp types.Checkpoint) *candidate {
	byRoot, ok := t.candidates[cp.Epoch]
	if !ok {
		byRoot = make(map[types.Hash]*candidate)
		t.candidates[cp.Epoch] = byRoot
	}
	c, ok := byRoot[cp.Root]
	if !ok {
		c = &candidate{
			weight:    new(uint256.Int),
			attesters: make(map[types.ValidatorID]struct{}),
		}
		byRoot[cp.Root] = c
		trackedCandidates.Inc()
	}
	return c
}

// Justified returns the justified checkpoint with the highest epoch.
func (t *Tracker) Justified() types.Checkpoint {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.justified
}

// Finalized returns the latest finalized checkpoint.
func (t *Tracker) Finalized() types.Checkpoint {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.finalized
}

// Checkpoint returns the tracked state of cp.
func (t *Tracker) Checkpoint(cp types.Checkpoint) (types.FinalityCheckpoint, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	c, ok := t.candidates[cp.Epoch][cp.Root]
	if !ok {
		return types.FinalityCheckpoint{}, false
	}
	return types.FinalityCheckpoint{
		Checkpoint: cp,
		Weight:     c.weight.Clone(),
		Status:     c.status,
	}, true
}

// Status returns the justified or finalized checkpoint of epoch, preferring
// a finalized one. It fails with ErrFinalityNotReached while no checkpoint
// of the epoch has reached the quorum.
func (t *Tracker) Status(epoch types.Epoch) (types.FinalityCheckpoint, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var (
		best  types.FinalityCheckpoint
		found bool
	)
	for _, root := range t.justifiedRootsLocked(epoch) {
		c := t.candidates[epoch][root]
		if !found || c.status > best.Status {
			best = types.FinalityCheckpoint{
				Checkpoint: types.Checkpoint{Epoch: epoch, Root: root},
				Weight:     c.weight.Clone(),
				Status:     c.status,
			}
			found = true
		}
	}
	if !found {
		return types.FinalityCheckpoint{}, fmt.Errorf("%w: epoch %d", types.ErrFinalityNotReached, epoch)
	}
	return best, nil
}

// Candidates returns every checkpoint tracked for epoch, ordered by root.
func (t *Tracker) Candidates(epoch types.Epoch) []types.FinalityCheckpoint {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]types.FinalityCheckpoint, 0, len(t.candidates[epoch]))
	for root, c := range t.candidates[epoch] {
		out = append(out, types.FinalityCheckpoint{
			Checkpoint: types.Checkpoint{Epoch: epoch, Root: root},
			Weight:     c.weight.Clone(),
			Status:     c.status,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Root.Less(out[j].Root) })
	return out
}

// Prune drops candidates of epochs strictly older than epoch and returns
// how many were dropped.
func (t *Tracker) Prune(epoch types.Epoch) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pruneLocked(epoch)
}

func (t *Tracker) pruneLocked(epoch types.Epoch) int {
	removed := 0
	for e, byRoot := range t.candidates {
		if e < epoch {
			removed += len(byRoot)
			delete(t.candidates, e)
		}
	}
	trackedCandidates.Sub(float64(removed))
	return removed
}
