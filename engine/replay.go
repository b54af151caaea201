package engine

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/blockberries/stakeberry/registry"
	"github.com/blockberries/stakeberry/storage"
	"github.com/blockberries/stakeberry/types"
)

// ReplayResult describes the state recovered from storage on Start.
type ReplayResult struct {
	// Finalized is the stored finalized checkpoint.
	Finalized types.Checkpoint
	// Blocks is the number of finalized chain blocks loaded above genesis.
	Blocks int
	// Validators is the size of the restored validator set, zero when none
	// was stored for the finalized epoch.
	Validators int
	// Slashings is the number of penalties reloaded into the ledger.
	Slashings int
}

// replay rebuilds the fork choice, finality, validator set and slashing
// ledger from storage. It returns nil when storage holds nothing beyond
// genesis. Caller must hold e.mu.
func (e *Engine) replay() (*ReplayResult, error) {
	cp, err := e.storage.LoadFinalized()
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load finalized checkpoint: %w", err)
	}

	genesis := e.genesis.Hash()
	if cp.Epoch == 0 {
		if cp.Root != genesis {
			return nil, fmt.Errorf("%w: stored checkpoint %s is not genesis %s", types.ErrStorage, cp, genesis.Short())
		}
		return nil, nil
	}

	chain, err := e.loadChain(cp.Root)
	if err != nil {
		return nil, err
	}
	for _, b := range chain {
		if err := e.store.AddBlock(b); err != nil {
			return nil, fmt.Errorf("failed to replay block %s: %w", b.Hash().Short(), err)
		}
	}
	if err := e.store.Finalize(cp); err != nil {
		return nil, fmt.Errorf("failed to replay finalized checkpoint: %w", err)
	}
	if err := e.tracker.Restore(cp); err != nil {
		return nil, fmt.Errorf("failed to replay finalized checkpoint: %w", err)
	}
	e.detector.Prune(cp.Epoch)
	e.tickets.Prune(cp.Epoch)

	result := &ReplayResult{Finalized: cp, Blocks: len(chain)}

	vals, err := e.storage.LoadValidatorSet(cp.Epoch)
	switch {
	case err == nil:
		if err := e.registry.Restore(vals); err != nil {
			return nil, fmt.Errorf("failed to restore validator set of epoch %d: %w", cp.Epoch, err)
		}
		e.snapMu.Lock()
		e.snapshots[cp.Epoch] = registry.NewSnapshot(cp.Epoch, vals)
		e.snapMu.Unlock()
		result.Validators = len(vals)
	case !errors.Is(err, storage.ErrNotFound):
		return nil, fmt.Errorf("failed to load validator set of epoch %d: %w", cp.Epoch, err)
	}

	conds, err := e.storage.Slashings()
	if err != nil {
		return nil, fmt.Errorf("failed to load slashings: %w", err)
	}
	if err := e.ledger.Restore(conds); err != nil {
		return nil, fmt.Errorf("failed to restore slashings: %w", err)
	}
	result.Slashings = len(conds)

	log.WithFields(logrus.Fields{
		"finalized":  cp,
		"blocks":     result.Blocks,
		"validators": result.Validators,
		"slashings":  result.Slashings,
	}).Info("Replayed stored consensus state")
	return result, nil
}

// loadChain returns the stored blocks above genesis up to and including
// root, in slot order.
func (e *Engine) loadChain(root types.Hash) ([]*types.BlockProposal, error) {
	genesis := e.genesis.Hash()
	var chain []*types.BlockProposal
	for cur := root; cur != genesis; {
		b, err := e.storage.LoadBlock(cur)
		if err != nil {
			return nil, fmt.Errorf("failed to load finalized chain at %s: %w", cur.Short(), err)
		}
		if b.Hash() != cur {
			return nil, fmt.Errorf("%w: block stored under %s hashes to %s", types.ErrStorage, cur.Short(), b.Hash().Short())
		}
		if b.IsGenesis() {
			return nil, fmt.Errorf("%w: finalized chain starts at foreign genesis %s", types.ErrStorage, cur.Short())
		}
		if n := len(chain); n > 0 && b.Slot >= chain[n-1].Slot {
			return nil, fmt.Errorf("%w: block %s at slot %d does not precede its child", types.ErrStorage, cur.Short(), b.Slot)
		}
		chain = append(chain, b)
		cur = b.ParentHash
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}
