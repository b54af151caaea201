// Package registry is the authoritative validator set: identities, stake and
// lifecycle. All other components read it through immutable per-epoch
// snapshots.
package registry

import (
	"fmt"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/holiman/uint256"
	"github.com/sirupsen/logrus"

	"github.com/blockberries/stakeberry/crypto/bls"
	"github.com/blockberries/stakeberry/params"
	"github.com/blockberries/stakeberry/types"
)

// maxSnapshots bounds the snapshot cache. A few epochs around the current one
// are hot at any time.
const maxSnapshots = 16

type snapshotKey struct {
	epoch   types.Epoch
	version uint64
}

// Registry holds every known validator.
type Registry struct {
	mu sync.RWMutex

	minStake        *uint256.Int
	withdrawalDelay types.Epoch

	validators map[types.ValidatorID]*types.Validator
	// version increments on every mutation and keys the snapshot cache
	version uint64

	snapshots *lru.Cache[snapshotKey, *Snapshot]
}

// New creates an empty registry governed by cfg.
func New(cfg *params.Config) *Registry {
	cache, err := lru.New[snapshotKey, *Snapshot](maxSnapshots)
	if err != nil {
		// only fails for a non-positive size
		panic(err)
	}
	return &Registry{
		minStake:        uint256.NewInt(cfg.MinActivationStake),
		withdrawalDelay: cfg.WithdrawalDelayEpochs,
		validators:      make(map[types.ValidatorID]*types.Validator),
		snapshots:       cache,
	}
}

// NewWithValidators creates a registry and registers vals.
func NewWithValidators(cfg *params.Config, vals []*types.Validator) (*Registry, error) {
	r := New(cfg)
	for _, v := range vals {
		if err := r.Register(v); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a validator. The registry stores a copy.
func (r *Registry) Register(v *types.Validator) error {
	if err := v.ValidateBasic(); err != nil {
		return err
	}
	if err := bls.ValidatePublicKey(v.BLSKey); err != nil {
		return fmt.Errorf("%w: %v", types.ErrInvalidValidator, err)
	}
	if v.Stake.Lt(r.minStake) {
		return fmt.Errorf("%w: stake %s below minimum %s", types.ErrInsufficientStake, v.Stake.Dec(), r.minStake.Dec())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.validators[v.ID]; ok {
		return fmt.Errorf("%w: %s", types.ErrValidatorAlreadyExists, v.ID)
	}
	r.validators[v.ID] = v.Copy()
	r.version++
	registeredValidators.Set(float64(len(r.validators)))

	log.WithFields(logrus.Fields{
		"validator":  v.ID,
		"stake":      v.Stake.Dec(),
		"activation": v.ActivationEpoch,
	}).Debug("Registered validator")
	return nil
}

// Restore overwrites the records of vals, as loaded from storage, and adds
// those not yet known. Stake minimums are not enforced on restored records.
func (r *Registry) Restore(vals []*types.Validator) error {
	for _, v := range vals {
		if err := v.ValidateBasic(); err != nil {
			return err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, v := range vals {
		r.validators[v.ID] = v.Copy()
	}
	r.version++
	registeredValidators.Set(float64(len(r.validators)))
	log.WithField("validators", len(vals)).Debug("Restored validator records")
	return nil
}

// Get returns a copy of the validator with id.
func (r *Registry) Get(id types.ValidatorID) (*types.Validator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	v, ok := r.validators[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrValidatorNotFound, id)
	}
	return v.Copy(), nil
}

// SetStake replaces the stake of id. A slashed validator's stake cannot grow.
func (r *Registry) SetStake(id types.ValidatorID, stake *uint256.Int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.validators[id]
	if !ok {
		return fmt.Errorf("%w: %s", types.ErrValidatorNotFound, id)
	}
	if v.Slashed && stake.Gt(v.Stake) {
		return fmt.Errorf("%w: stake of slashed validator %s is frozen", types.ErrInvalidValidator, id)
	}
	v.Stake = new(uint256.Int).Set(stake)
	r.version++
	return nil
}

// IncreaseStake adds amount to the stake of id.
func (r *Registry) IncreaseStake(id types.ValidatorID, amount *uint256.Int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.validators[id]
	if !ok {
		return fmt.Errorf("%w: %s", types.ErrValidatorNotFound, id)
	}
	if v.Slashed && !amount.IsZero() {
		return fmt.Errorf("%w: stake of slashed validator %s is frozen", types.ErrInvalidValidator, id)
	}
	sum, overflow := new(uint256.Int).AddOverflow(v.Stake, amount)
	if overflow {
		return fmt.Errorf("%w: stake overflow for %s", types.ErrInvalidValidator, id)
	}
	v.Stake = sum
	r.version++
	return nil
}

// DecreaseStake removes amount from the stake of id. It fails with
// ErrInsufficientStake rather than going below zero.
func (r *Registry) DecreaseStake(id types.ValidatorID, amount *uint256.Int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.validators[id]
	if !ok {
		return fmt.Errorf("%w: %s", types.ErrValidatorNotFound, id)
	}
	if amount.Gt(v.Stake) {
		return fmt.Errorf("%w: %s has %s, asked %s", types.ErrInsufficientStake, id, v.Stake.Dec(), amount.Dec())
	}
	v.Stake = new(uint256.Int).Sub(v.Stake, amount)
	r.version++
	return nil
}

// Slash removes up to penalty from the stake of id, marks it slashed and
// schedules its exit at epoch. It returns the amount actually removed.
func (r *Registry) Slash(id types.ValidatorID, penalty *uint256.Int, epoch types.Epoch) (*uint256.Int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.validators[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrValidatorNotFound, id)
	}

	applied := new(uint256.Int).Set(penalty)
	if applied.Gt(v.Stake) {
		applied.Set(v.Stake)
	}
	v.Stake = new(uint256.Int).Sub(v.Stake, applied)
	v.Slashed = true

	exit := epoch
	if exit < v.ActivationEpoch {
		exit = v.ActivationEpoch
	}
	if exit < v.ExitEpoch {
		v.ExitEpoch = exit
	}
	withdrawable := addEpochs(v.ExitEpoch, r.withdrawalDelay)
	if v.WithdrawableEpoch == types.FarFutureEpoch || withdrawable > v.WithdrawableEpoch {
		v.WithdrawableEpoch = withdrawable
	}
	r.version++

	log.WithFields(logrus.Fields{
		"validator": id,
		"penalty":   applied.Dec(),
		"remaining": v.Stake.Dec(),
		"exit":      v.ExitEpoch,
	}).Warn("Slashed validator")
	return applied, nil
}

// Exit schedules a voluntary exit at epoch.
func (r *Registry) Exit(id types.ValidatorID, epoch types.Epoch) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.validators[id]
	if !ok {
		return fmt.Errorf("%w: %s", types.ErrValidatorNotFound, id)
	}
	if v.Slashed {
		return fmt.Errorf("%w: %s is slashed", types.ErrInvalidValidator, id)
	}
	if v.ExitEpoch != types.FarFutureEpoch {
		return fmt.Errorf("%w: %s already exits at %d", types.ErrInvalidValidator, id, v.ExitEpoch)
	}
	if epoch < v.ActivationEpoch {
		epoch = v.ActivationEpoch
	}
	v.ExitEpoch = epoch
	v.WithdrawableEpoch = addEpochs(epoch, r.withdrawalDelay)
	r.version++
	return nil
}

// ActiveSet returns copies of the validators eligible at epoch, ordered by id.
func (r *Registry) ActiveSet(epoch types.Epoch) []*types.Validator {
	return r.Snapshot(epoch).Validators()
}

// TotalActiveStake returns the quorum denominator for epoch.
func (r *Registry) TotalActiveStake(epoch types.Epoch) *uint256.Int {
	return r.Snapshot(epoch).TotalStake()
}

// Validators returns copies of every known validator ordered by id.
func (r *Registry) Validators() []*types.Validator {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*types.Validator, 0, len(r.validators))
	for _, v := range r.validators {
		out = append(out, v.Copy())
	}
	sortByID(out)
	return out
}

// Len returns the number of known validators.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.validators)
}

// Version returns the mutation counter.
func (r *Registry) Version() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}

// Snapshot returns the immutable active set of epoch as of the current
// registry version.
func (r *Registry) Snapshot(epoch types.Epoch) *Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	key := snapshotKey{epoch: epoch, version: r.version}
	if s, ok := r.snapshots.Get(key); ok {
		snapshotCacheHit.Inc()
		return s
	}
	snapshotCacheMiss.Inc()

	all := make([]*types.Validator, 0, len(r.validators))
	for _, v := range r.validators {
		all = append(all, v)
	}
	s := newSnapshot(epoch, activeAt(epoch, all))
	r.snapshots.Add(key, s)
	return s
}

func activeAt(epoch types.Epoch, vals []*types.Validator) []*types.Validator {
	active := make([]*types.Validator, 0, len(vals))
	for _, v := range vals {
		if v.IsActive(epoch) {
			active = append(active, v.Copy())
		}
	}
	sortByID(active)
	return active
}

func sortByID(vals []*types.Validator) {
	sort.Slice(vals, func(i, j int) bool { return vals[i].ID.Less(vals[j].ID) })
}

func addEpochs(e, delta types.Epoch) types.Epoch {
	if e > types.FarFutureEpoch-delta {
		return types.FarFutureEpoch
	}
	return e + delta
}
