// Package params defines the protocol parameters every node of a chain must
// agree on: epoch length, committee size, quorum fraction, slashing penalties
// and slot timing.
package params

import (
	"encoding/hex"
	"time"

	"github.com/pkg/errors"

	"github.com/blockberries/stakeberry/types"
)

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("invalid protocol config")

// Config contains the protocol constants of a chain.
type Config struct {
	ConfigName string `yaml:"CONFIG_NAME"`

	// Time
	SlotsPerEpoch  uint64 `yaml:"SLOTS_PER_EPOCH"`
	SecondsPerSlot uint64 `yaml:"SECONDS_PER_SLOT"`

	// Sortition
	TargetCommitteeSize uint64 `yaml:"TARGET_COMMITTEE_SIZE"`
	// ProposerLotteryScale is the expected number of proposer lottery winners per slot.
	ProposerLotteryScale uint64 `yaml:"PROPOSER_LOTTERY_SCALE"`
	// GenesisSeed is the hex-encoded 32-byte seed all epoch seeds derive from.
	GenesisSeed string `yaml:"GENESIS_SEED"`

	// Finality: a checkpoint is justified when
	// weight * QuorumDenominator >= total * QuorumNumerator.
	QuorumNumerator   uint64 `yaml:"QUORUM_NUMERATOR"`
	QuorumDenominator uint64 `yaml:"QUORUM_DENOMINATOR"`

	// Validators
	MinActivationStake    uint64      `yaml:"MIN_ACTIVATION_STAKE"`
	WithdrawalDelayEpochs types.Epoch `yaml:"WITHDRAWAL_DELAY_EPOCHS"`

	// Slashing, as percentages
	DoubleProposalPenaltyPercent    uint64 `yaml:"DOUBLE_PROPOSAL_PENALTY_PERCENT"`
	DoubleAttestationPenaltyPercent uint64 `yaml:"DOUBLE_ATTESTATION_PENALTY_PERCENT"`
	SurroundVotePenaltyPercent      uint64 `yaml:"SURROUND_VOTE_PENALTY_PERCENT"`
	FinalityViolationPenaltyPercent uint64 `yaml:"FINALITY_VIOLATION_PENALTY_PERCENT"`
	WhistleblowerRewardPercent      uint64 `yaml:"WHISTLEBLOWER_REWARD_PERCENT"`
	ProposerRewardPercent           uint64 `yaml:"PROPOSER_REWARD_PERCENT"`
}

// DefaultConfig returns the mainnet-style protocol parameters.
func DefaultConfig() *Config {
	return &Config{
		ConfigName:                      "mainnet",
		SlotsPerEpoch:                   32,
		SecondsPerSlot:                  6,
		TargetCommitteeSize:             128,
		ProposerLotteryScale:            1,
		GenesisSeed:                     hex.EncodeToString(make([]byte, types.HashSize)),
		QuorumNumerator:                 2,
		QuorumDenominator:               3,
		MinActivationStake:              1,
		WithdrawalDelayEpochs:           8192,
		DoubleProposalPenaltyPercent:    100,
		DoubleAttestationPenaltyPercent: 100,
		SurroundVotePenaltyPercent:      100,
		FinalityViolationPenaltyPercent: 100,
		WhistleblowerRewardPercent:      4,
		ProposerRewardPercent:           1,
	}
}

// MinimalConfig returns small parameters suitable for tests and local
// simulations.
func MinimalConfig() *Config {
	c := DefaultConfig()
	c.ConfigName = "minimal"
	c.SlotsPerEpoch = 4
	c.SecondsPerSlot = 1
	c.TargetCommitteeSize = 16
	c.WithdrawalDelayEpochs = 16
	c.DoubleProposalPenaltyPercent = 50
	c.DoubleAttestationPenaltyPercent = 50
	c.SurroundVotePenaltyPercent = 50
	c.FinalityViolationPenaltyPercent = 50
	return c
}

// Copy returns a copy of the config.
func (c *Config) Copy() *Config {
	cp := *c
	return &cp
}

// Validate checks that the parameters are usable.
func (c *Config) Validate() error {
	if c.SlotsPerEpoch == 0 {
		return errors.Wrap(ErrInvalidConfig, "slots per epoch must be positive")
	}
	if c.SecondsPerSlot == 0 {
		return errors.Wrap(ErrInvalidConfig, "seconds per slot must be positive")
	}
	if c.TargetCommitteeSize == 0 {
		return errors.Wrap(ErrInvalidConfig, "committee size must be positive")
	}
	if c.ProposerLotteryScale == 0 {
		return errors.Wrap(ErrInvalidConfig, "proposer lottery scale must be positive")
	}
	if c.QuorumDenominator == 0 || c.QuorumNumerator == 0 || c.QuorumNumerator > c.QuorumDenominator {
		return errors.Wrapf(ErrInvalidConfig, "quorum %d/%d", c.QuorumNumerator, c.QuorumDenominator)
	}
	if c.QuorumNumerator*2 <= c.QuorumDenominator {
		return errors.Wrapf(ErrInvalidConfig, "quorum %d/%d is not a supermajority", c.QuorumNumerator, c.QuorumDenominator)
	}
	for _, p := range []uint64{
		c.DoubleProposalPenaltyPercent,
		c.DoubleAttestationPenaltyPercent,
		c.SurroundVotePenaltyPercent,
		c.FinalityViolationPenaltyPercent,
	} {
		if p > 100 {
			return errors.Wrapf(ErrInvalidConfig, "penalty %d%% exceeds 100%%", p)
		}
	}
	if c.WhistleblowerRewardPercent+c.ProposerRewardPercent > 100 {
		return errors.Wrap(ErrInvalidConfig, "rewards exceed the penalty")
	}
	if _, err := c.Seed(); err != nil {
		return err
	}
	return nil
}

// Seed decodes GenesisSeed.
func (c *Config) Seed() (types.Hash, error) {
	b, err := hex.DecodeString(c.GenesisSeed)
	if err != nil {
		return types.Hash{}, errors.Wrap(ErrInvalidConfig, "genesis seed is not hex")
	}
	h, err := types.NewHash(b)
	if err != nil {
		return types.Hash{}, errors.Wrap(ErrInvalidConfig, err.Error())
	}
	return h, nil
}

// SlotDuration returns the wall-clock length of a slot.
func (c *Config) SlotDuration() time.Duration {
	return time.Duration(c.SecondsPerSlot) * time.Second
}

// EpochOf returns the epoch of slot.
func (c *Config) EpochOf(slot types.Slot) types.Epoch {
	return types.EpochOf(slot, c.SlotsPerEpoch)
}

// PenaltyPercent returns the share of stake forfeited for offense.
func (c *Config) PenaltyPercent(o types.Offense) uint64 {
	switch o {
	case types.OffenseDoubleProposal:
		return c.DoubleProposalPenaltyPercent
	case types.OffenseDoubleAttestation:
		return c.DoubleAttestationPenaltyPercent
	case types.OffenseSurroundVote:
		return c.SurroundVotePenaltyPercent
	case types.OffenseFinalityViolation:
		return c.FinalityViolationPenaltyPercent
	default:
		return 0
	}
}
