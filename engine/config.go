package engine

import (
	"fmt"
	"time"

	"github.com/blockberries/stakeberry/contribution"
	"github.com/blockberries/stakeberry/evidence"
)

// Config holds runtime configuration for the consensus engine. Protocol
// constants live in params.Config.
type Config struct {
	// ChainID identifies the blockchain
	ChainID string

	// Queue sizes
	SubmitQueueSize  int // pending submissions waiting for the dispatch loop
	PersistQueueSize int // pending storage writes
	EventBufferSize  int // default per-subscriber buffer

	// FutureSlotTolerance admits artifacts up to this many slots ahead of
	// the local clock.
	FutureSlotTolerance uint64

	// GenesisTime is the start of slot 0. Zero means the engine's start time.
	GenesisTime time.Time

	// Evidence configures the equivocation detector. SlotsPerEpoch is taken
	// from the protocol parameters.
	Evidence evidence.Config

	// MaxAggregateSlots bounds how many recent slots of attestations are kept
	// for aggregation.
	MaxAggregateSlots uint64

	// Contribution weights the work credited to proposers and attesters.
	Contribution contribution.Config
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		ChainID:             "stakeberry-chain",
		SubmitQueueSize:     1024,
		PersistQueueSize:    4096,
		EventBufferSize:     128,
		FutureSlotTolerance: 1,
		Evidence:            evidence.DefaultConfig(),
		MaxAggregateSlots:   64,
		Contribution:        contribution.DefaultConfig(),
	}
}

// ValidateBasic performs basic validation of the config
func (cfg *Config) ValidateBasic() error {
	if cfg.ChainID == "" {
		return fmt.Errorf("%w: empty chain id", ErrInvalidConfig)
	}
	if cfg.SubmitQueueSize <= 0 {
		return fmt.Errorf("%w: submit queue size must be positive", ErrInvalidConfig)
	}
	if cfg.PersistQueueSize <= 0 {
		return fmt.Errorf("%w: persist queue size must be positive", ErrInvalidConfig)
	}
	if cfg.EventBufferSize < 0 {
		return fmt.Errorf("%w: negative event buffer size", ErrInvalidConfig)
	}
	if cfg.MaxAggregateSlots == 0 {
		return fmt.Errorf("%w: aggregate window must be positive", ErrInvalidConfig)
	}
	if err := cfg.Contribution.Validate(); err != nil {
		return fmt.Errorf("%w: contribution: %v", ErrInvalidConfig, err)
	}
	return nil
}
