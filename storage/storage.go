// Package storage defines the persistence collaborator of the consensus
// engine and a LevelDB implementation of it.
package storage

import (
	"github.com/pkg/errors"

	"github.com/blockberries/stakeberry/types"
)

// ErrNotFound is the only way a Storage signals absence. Every other failure
// wraps types.ErrStorage.
var ErrNotFound = errors.New("not found")

// Storage persists blocks, validator sets, finality and slashing data.
// Implementations must be safe for concurrent use.
type Storage interface {
	LoadBlock(hash types.Hash) (*types.BlockProposal, error)
	StoreBlock(p *types.BlockProposal) error

	LoadValidatorSet(epoch types.Epoch) ([]*types.Validator, error)
	StoreValidatorSet(epoch types.Epoch, vals []*types.Validator) error

	PersistFinalized(cp types.Checkpoint) error
	LoadFinalized() (types.Checkpoint, error)

	PersistEvidence(rec *types.EquivocationRecord) error
	Evidence() ([]*types.EquivocationRecord, error)

	PersistSlashing(c *types.SlashingCondition) error
	Slashings() ([]*types.SlashingCondition, error)

	Close() error
}
