package types

import (
	"fmt"

	"github.com/holiman/uint256"
)

// Checkpoint names a block as the checkpoint of an epoch.
type Checkpoint struct {
	Epoch Epoch
	Root  Hash
}

func (c Checkpoint) String() string {
	return fmt.Sprintf("%d/%s", c.Epoch, c.Root.Short())
}

// CheckpointStatus is the finality status of a checkpoint.
type CheckpointStatus uint8

const (
	CheckpointCandidate CheckpointStatus = iota
	CheckpointJustified
	CheckpointFinalized
)

func (s CheckpointStatus) String() string {
	switch s {
	case CheckpointCandidate:
		return "candidate"
	case CheckpointJustified:
		return "justified"
	case CheckpointFinalized:
		return "finalized"
	default:
		return fmt.Sprintf("checkpoint_status(%d)", uint8(s))
	}
}

// FinalityCheckpoint is a checkpoint together with the attestation weight
// accumulated behind it and its status.
type FinalityCheckpoint struct {
	Checkpoint
	Weight *uint256.Int
	Status CheckpointStatus
}

// Copy returns a deep copy.
func (fc FinalityCheckpoint) Copy() FinalityCheckpoint {
	cp := fc
	cp.Weight = new(uint256.Int)
	if fc.Weight != nil {
		cp.Weight.Set(fc.Weight)
	}
	return cp
}
