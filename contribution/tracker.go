// Package contribution keeps per-validator accounts of consensus work and
// turns them into a proof-of-contribution score. Scores are reported only;
// committee selection stays weighted by stake alone.
package contribution

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/holiman/uint256"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/blockberries/stakeberry/types"
)

// ErrInsufficientContribution is returned by Require for validators below
// the requested contribution total.
var ErrInsufficientContribution = errors.New("insufficient contribution")

// Kind is a type of credited work.
type Kind uint8

const (
	KindBlockProduction Kind = iota
	KindAttestation
)

func (k Kind) String() string {
	switch k {
	case KindBlockProduction:
		return "block_production"
	case KindAttestation:
		return "attestation"
	default:
		return "unknown"
	}
}

// Config weights work and score components.
type Config struct {
	// Points credited per accepted proposal and per counted attestation.
	ProposalWeight    uint64
	AttestationWeight uint64

	// Every DecayInterval epochs all totals are scaled by
	// DecayFactor/DecayDivisor. Zero DecayInterval disables decay.
	DecayInterval uint64
	DecayFactor   uint64
	DecayDivisor  uint64

	// Score = StakeWeight*stake + ContributionWeight*work + AgeWeight*age,
	// each component normalized to [0, 1].
	StakeWeight        float64
	ContributionWeight float64
	AgeWeight          float64

	// MaxEffectiveStake caps the stake component.
	MaxEffectiveStake *uint256.Int
	// SaturationPoints is the total at which the work component reaches 1.
	SaturationPoints uint64
	// AgeThreshold is the number of active epochs at which the age
	// component reaches 1.
	AgeThreshold uint64
}

// DefaultConfig returns the default weighting.
func DefaultConfig() Config {
	return Config{
		ProposalWeight:     100,
		AttestationWeight:  10,
		DecayInterval:      32,
		DecayFactor:        9,
		DecayDivisor:       10,
		StakeWeight:        0.5,
		ContributionWeight: 0.3,
		AgeWeight:          0.2,
		MaxEffectiveStake:  uint256.NewInt(320_000),
		SaturationPoints:   100_000,
		AgeThreshold:       10,
	}
}

// Validate checks the config.
func (c Config) Validate() error {
	if c.DecayInterval > 0 && (c.DecayDivisor == 0 || c.DecayFactor > c.DecayDivisor) {
		return errors.Errorf("decay %d/%d must not grow totals", c.DecayFactor, c.DecayDivisor)
	}
	if c.StakeWeight < 0 || c.ContributionWeight < 0 || c.AgeWeight < 0 {
		return errors.New("score weights must not be negative")
	}
	if c.MaxEffectiveStake == nil || c.MaxEffectiveStake.IsZero() {
		return errors.New("max effective stake must be positive")
	}
	return nil
}

// Account is the credited work of one validator.
type Account struct {
	Validator    types.ValidatorID
	Total        uint64
	Proposals    uint64
	Attestations uint64
	// FirstEpoch is the epoch of the first credited work.
	FirstEpoch types.Epoch
}

// Share returns the fraction of Total earned by kind, or zero for an empty
// account.
func (a Account) Share(kind Kind) float64 {
	if a.Total == 0 {
		return 0
	}
	switch kind {
	case KindBlockProduction:
		return float64(a.Proposals) / float64(a.Total)
	case KindAttestation:
		return float64(a.Attestations) / float64(a.Total)
	default:
		return 0
	}
}

// Tracker credits work and scores validators. It is safe for concurrent
// use.
type Tracker struct {
	mu  sync.RWMutex
	cfg Config

	accounts  map[types.ValidatorID]*Account
	lastDecay types.Epoch
}

// NewTracker creates an empty tracker.
func NewTracker(cfg Config) (*Tracker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Tracker{
		cfg:      cfg,
		accounts: make(map[types.ValidatorID]*Account),
	}, nil
}

// Credit adds one unit of kind to validator, earned at epoch.
func (t *Tracker) Credit(validator types.ValidatorID, kind Kind, epoch types.Epoch) {
	var points uint64
	switch kind {
	case KindBlockProduction:
		points = t.cfg.ProposalWeight
	case KindAttestation:
		points = t.cfg.AttestationWeight
	default:
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	acc, ok := t.accounts[validator]
	if !ok {
		acc = &Account{Validator: validator, FirstEpoch: epoch}
		t.accounts[validator] = acc
	}
	acc.Total = saturatingAdd(acc.Total, points)
	if kind == KindBlockProduction {
		acc.Proposals = saturatingAdd(acc.Proposals, points)
	} else {
		acc.Attestations = saturatingAdd(acc.Attestations, points)
	}
	creditedPoints.WithLabelValues(kind.String()).Add(float64(points))
}

// Decay scales every account once per elapsed decay interval up to epoch.
func (t *Tracker) Decay(epoch types.Epoch) {
	if t.cfg.DecayInterval == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	rounds := 0
	for uint64(epoch) >= uint64(t.lastDecay)+t.cfg.DecayInterval {
		t.lastDecay += types.Epoch(t.cfg.DecayInterval)
		for _, acc := range t.accounts {
			acc.Total = acc.Total / t.cfg.DecayDivisor * t.cfg.DecayFactor
			acc.Proposals = acc.Proposals / t.cfg.DecayDivisor * t.cfg.DecayFactor
			acc.Attestations = acc.Attestations / t.cfg.DecayDivisor * t.cfg.DecayFactor
		}
		rounds++
	}
	if rounds > 0 {
		log.WithFields(logrus.Fields{
			"epoch":    epoch,
			"rounds":   rounds,
			"accounts": len(t.accounts),
		}).Debug("Decayed contribution totals")
	}
}

// Account returns the account of validator. Unknown validators have an
// empty account.
func (t *Tracker) Account(validator types.ValidatorID) Account {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if acc, ok := t.accounts[validator]; ok {
		return *acc
	}
	return Account{Validator: validator}
}

// Accounts returns all accounts, highest total first.
func (t *Tracker) Accounts() []Account {
	t.mu.RLock()
	out := make([]Account, 0, len(t.accounts))
	for _, acc := range t.accounts {
		out = append(out, *acc)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Total != out[j].Total {
			return out[i].Total > out[j].Total
		}
		return out[i].Validator.Less(out[j].Validator)
	})
	return out
}

// Require fails with ErrInsufficientContribution if validator has earned
// less than points.
func (t *Tracker) Require(validator types.ValidatorID, points uint64) error {
	if acc := t.Account(validator); acc.Total < points {
		return errors.Wrapf(ErrInsufficientContribution, "%s has %d of %d points", validator, acc.Total, points)
	}
	return nil
}

// Score combines stake, credited work and age at epoch into a value in
// [0, 1]. Stake enters by square root so that large holders gain less per
// unit staked.
func (t *Tracker) Score(validator types.ValidatorID, stake *uint256.Int, epoch types.Epoch) float64 {
	acc := t.Account(validator)

	score := t.cfg.StakeWeight*t.stakeComponent(stake) +
		t.cfg.ContributionWeight*t.workComponent(acc.Total) +
		t.cfg.AgeWeight*t.ageComponent(acc, epoch)
	return math.Min(score, 1)
}

func (t *Tracker) stakeComponent(stake *uint256.Int) float64 {
	if stake == nil || stake.IsZero() {
		return 0
	}
	limit := t.cfg.MaxEffectiveStake
	if stake.Gt(limit) {
		stake = limit
	}
	return math.Sqrt(stake.Float64()) / math.Sqrt(limit.Float64())
}

func (t *Tracker) workComponent(total uint64) float64 {
	if t.cfg.SaturationPoints == 0 {
		return 1
	}
	return math.Min(float64(total)/float64(t.cfg.SaturationPoints), 1)
}

func (t *Tracker) ageComponent(acc Account, epoch types.Epoch) float64 {
	if acc.Total == 0 || epoch < acc.FirstEpoch {
		return 0
	}
	if t.cfg.AgeThreshold == 0 {
		return 1
	}
	return math.Min(float64(epoch-acc.FirstEpoch)/float64(t.cfg.AgeThreshold), 1)
}

func saturatingAdd(a, b uint64) uint64 {
	if a > math.MaxUint64-b {
		return math.MaxUint64
	}
	return a + b
}

// String renders an account for logs.
func (a Account) String() string {
	return fmt.Sprintf("%s total=%d proposals=%d attestations=%d", a.Validator, a.Total, a.Proposals, a.Attestations)
}
