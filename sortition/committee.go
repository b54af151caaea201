package sortition

import (
	"fmt"

	"github.com/holiman/uint256"

	"github.com/blockberries/stakeberry/types"
)

// Member is one committee seat.
type Member struct {
	ID     types.ValidatorID
	Stake  *uint256.Int
	Proof  types.VRFProof
	Output types.Hash
}

// Committee is the result of sortition for one slot. Members are ordered by
// VRF output; bit i of an aggregate refers to Members[i].
type Committee struct {
	Slot  types.Slot
	Epoch types.Epoch
	Seed  types.Hash

	Proposer      types.ValidatorID
	ProposerProof types.VRFProof
	// Winners is the number of validators under the lottery threshold.
	// Zero means the proposer was chosen by the fallback rule.
	Winners int

	Members []Member

	index  map[types.ValidatorID]int
	weight *uint256.Int
}

func newCommittee(slot types.Slot, epoch types.Epoch, seed types.Hash, members []Member) *Committee {
	c := &Committee{
		Slot:    slot,
		Epoch:   epoch,
		Seed:    seed,
		Members: members,
		index:   make(map[types.ValidatorID]int, len(members)),
		weight:  new(uint256.Int),
	}
	for i, m := range members {
		c.index[m.ID] = i
		c.weight.Add(c.weight, m.Stake)
	}
	return c
}

// Size returns the number of members.
func (c *Committee) Size() int { return len(c.Members) }

// Contains reports whether id holds a seat.
func (c *Committee) Contains(id types.ValidatorID) bool {
	_, ok := c.index[id]
	return ok
}

// Index returns the seat of id.
func (c *Committee) Index(id types.ValidatorID) (int, bool) {
	i, ok := c.index[id]
	return i, ok
}

// RequireMember returns ErrNotCommitteeMember unless id holds a seat.
func (c *Committee) RequireMember(id types.ValidatorID) error {
	if !c.Contains(id) {
		return fmt.Errorf("%w: %s at slot %d", types.ErrNotCommitteeMember, id, c.Slot)
	}
	return nil
}

// IsProposer reports whether id is the slot's proposer.
func (c *Committee) IsProposer(id types.ValidatorID) bool {
	return c.Proposer == id
}

// IDs returns member ids in seat order.
func (c *Committee) IDs() []types.ValidatorID {
	out := make([]types.ValidatorID, len(c.Members))
	for i, m := range c.Members {
		out[i] = m.ID
	}
	return out
}

// Weight returns the total stake of the members.
func (c *Committee) Weight() *uint256.Int {
	return new(uint256.Int).Set(c.weight)
}

// Equal reports whether two committees select the same proposer and the same
// members in the same order.
func (c *Committee) Equal(o *Committee) bool {
	if c.Slot != o.Slot || c.Seed != o.Seed || c.Proposer != o.Proposer || len(c.Members) != len(o.Members) {
		return false
	}
	for i := range c.Members {
		if c.Members[i].ID != o.Members[i].ID || c.Members[i].Output != o.Members[i].Output {
			return false
		}
	}
	return true
}
