package registry

import (
	"encoding/binary"
	"math/big"

	"github.com/holiman/uint256"

	"github.com/blockberries/stakeberry/types"
)

// Snapshot is the immutable active validator set of one epoch. Every reader
// that needs "stake as of epoch E" is handed the same snapshot.
type Snapshot struct {
	epoch      types.Epoch
	validators []*types.Validator // sorted by id
	index      map[types.ValidatorID]int
	total      *uint256.Int
	hash       types.Hash
}

func newSnapshot(epoch types.Epoch, active []*types.Validator) *Snapshot {
	s := &Snapshot{
		epoch:      epoch,
		validators: active,
		index:      make(map[types.ValidatorID]int, len(active)),
		total:      new(uint256.Int),
	}
	var epochBytes [8]byte
	binary.BigEndian.PutUint64(epochBytes[:], uint64(epoch))
	parts := make([][]byte, 0, 1+2*len(active))
	parts = append(parts, epochBytes[:])
	for i, v := range active {
		s.index[v.ID] = i
		s.total.Add(s.total, v.Stake)
		stake := v.Stake.Bytes32()
		parts = append(parts, v.ID[:], stake[:])
	}
	s.hash = types.HashBytes(parts...)
	return s
}

// NewSnapshot builds a snapshot from validators active at epoch. Inactive
// entries are skipped. Intended for tests and for sets loaded from storage.
func NewSnapshot(epoch types.Epoch, vals []*types.Validator) *Snapshot {
	return newSnapshot(epoch, activeAt(epoch, vals))
}

// Epoch returns the epoch the snapshot was taken for.
func (s *Snapshot) Epoch() types.Epoch { return s.epoch }

// Len returns the number of active validators.
func (s *Snapshot) Len() int { return len(s.validators) }

// Hash commits to the epoch and every (id, stake) pair.
func (s *Snapshot) Hash() types.Hash { return s.hash }

// TotalStake returns the total active stake.
func (s *Snapshot) TotalStake() *uint256.Int {
	return new(uint256.Int).Set(s.total)
}

// Contains reports whether id is active in the snapshot.
func (s *Snapshot) Contains(id types.ValidatorID) bool {
	_, ok := s.index[id]
	return ok
}

// Get returns a copy of the validator with id.
func (s *Snapshot) Get(id types.ValidatorID) (*types.Validator, bool) {
	i, ok := s.index[id]
	if !ok {
		return nil, false
	}
	return s.validators[i].Copy(), true
}

// Stake returns the stake of id, zero when absent.
func (s *Snapshot) Stake(id types.ValidatorID) *uint256.Int {
	i, ok := s.index[id]
	if !ok {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(s.validators[i].Stake)
}

// Validators returns copies of the active validators ordered by id.
func (s *Snapshot) Validators() []*types.Validator {
	out := make([]*types.Validator, len(s.validators))
	for i, v := range s.validators {
		out[i] = v.Copy()
	}
	return out
}

// IDs returns the active ids in order.
func (s *Snapshot) IDs() []types.ValidatorID {
	out := make([]types.ValidatorID, len(s.validators))
	for i, v := range s.validators {
		out[i] = v.ID
	}
	return out
}

// HasQuorum reports whether weight * den >= total * num.
func (s *Snapshot) HasQuorum(weight *uint256.Int, num, den uint64) bool {
	return HasQuorum(weight, s.total, num, den)
}

// HasQuorum reports whether weight * den >= total * num, computed without
// overflow.
func HasQuorum(weight, total *uint256.Int, num, den uint64) bool {
	if total.IsZero() {
		return false
	}
	lhs := new(big.Int).Mul(weight.ToBig(), new(big.Int).SetUint64(den))
	rhs := new(big.Int).Mul(total.ToBig(), new(big.Int).SetUint64(num))
	return lhs.Cmp(rhs) >= 0
}
