// Package slashing turns proven misbehavior into stake penalties.
package slashing

import (
	"sort"
	"sync"

	"github.com/holiman/uint256"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/blockberries/stakeberry/params"
	"github.com/blockberries/stakeberry/registry"
	"github.com/blockberries/stakeberry/types"
)

// Sink receives every newly applied condition after it is recorded in
// memory.
type Sink interface {
	PersistSlashing(c *types.SlashingCondition) error
}

// Beneficiaries names who is credited for a slashing. Zero ids forfeit their
// share to the burn.
type Beneficiaries struct {
	Reporter types.ValidatorID
	Proposer types.ValidatorID
}

type conditionKey struct {
	validator types.ValidatorID
	epoch     types.Epoch
}

// Ledger applies penalties through the registry. A validator is penalized at
// most once per offense epoch.
type Ledger struct {
	mu sync.RWMutex

	cfg      *params.Config
	registry *registry.Registry
	sink     Sink

	conditions map[conditionKey]*types.SlashingCondition
	burned     *uint256.Int
}

// NewLedger creates a ledger that slashes through reg. sink may be nil.
func NewLedger(cfg *params.Config, reg *registry.Registry, sink Sink) *Ledger {
	return &Ledger{
		cfg:        cfg,
		registry:   reg,
		sink:       sink,
		conditions: make(map[conditionKey]*types.SlashingCondition),
		burned:     new(uint256.Int),
	}
}

// RecordEquivocation penalizes the offender of a verified record. It
// reports whether a new penalty was applied; a second record for the same
// validator and offense epoch returns the existing condition unchanged.
func (l *Ledger) RecordEquivocation(rec *types.EquivocationRecord, to Beneficiaries) (*types.SlashingCondition, bool, error) {
	if err := rec.ValidateBasic(l.cfg.SlotsPerEpoch); err != nil {
		return nil, false, err
	}
	return l.apply(rec.Validator, rec.Offense, rec.Epoch(l.cfg.SlotsPerEpoch), rec.Slot, rec.Hash(), to)
}

// RecordViolation penalizes the signer of an attestation whose source
// conflicts with finality. The offense epoch is the attestation's target
// epoch.
func (l *Ledger) RecordViolation(p *types.ForkChoiceViolationProof, to Beneficiaries) (*types.SlashingCondition, bool, error) {
	if p == nil || p.Attestation == nil {
		return nil, false, errors.Wrap(types.ErrSlashingCondition, "empty violation proof")
	}
	a := p.Attestation
	return l.apply(a.Validator, types.OffenseFinalityViolation, a.TargetEpoch(l.cfg.SlotsPerEpoch), a.Slot, p.Hash(), to)
}

func (l *Ledger) apply(id types.ValidatorID, offense types.Offense, epoch types.Epoch, slot types.Slot,
	evidence types.Hash, to Beneficiaries) (*types.SlashingCondition, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := conditionKey{validator: id, epoch: epoch}
	if c, ok := l.conditions[key]; ok {
		return c.Copy(), false, nil
	}

	v, err := l.registry.Get(id)
	if err != nil {
		return nil, false, err
	}
	penalty := percentOf(v.Stake, l.cfg.PenaltyPercent(offense))
	removed, err := l.registry.Slash(id, penalty, epoch)
	if err != nil {
		return nil, false, err
	}

	whistleblower := percentOf(removed, l.cfg.WhistleblowerRewardPercent)
	proposer := percentOf(removed, l.cfg.ProposerRewardPercent)
	whistleblower = l.credit(id, to.Reporter, whistleblower)
	proposer = l.credit(id, to.Proposer, proposer)

	burned := new(uint256.Int).Sub(removed, whistleblower)
	burned.Sub(burned, proposer)
	l.burned.Add(l.burned, burned)

	c := &types.SlashingCondition{
		Validator:           id,
		Offense:             offense,
		Epoch:               epoch,
		Slot:                slot,
		Evidence:            evidence,
		StakeBefore:         v.Stake.Clone(),
		Penalty:             removed,
		WhistleblowerReward: whistleblower,
		ProposerReward:      proposer,
		Burned:              burned,
	}
	l.conditions[key] = c

	slashingsTotal.WithLabelValues(offense.String()).Inc()
	slashedAmount.Add(toFloat(removed))
	burnedAmount.Add(toFloat(burned))
	log.WithFields(logrus.Fields{
		"validator": id,
		"offense":   offense,
		"epoch":     epoch,
		"penalty":   removed.Dec(),
		"burned":    burned.Dec(),
	}).Warn("Applied slashing penalty")

	if l.sink != nil {
		if err := l.sink.PersistSlashing(c.Copy()); err != nil {
			return c.Copy(), true, errors.Wrapf(types.ErrStorage, "persist slashing of %s: %v", id, err)
		}
	}
	return c.Copy(), true, nil
}

// credit pays amount to beneficiary and returns what was paid. The offender
// and ineligible validators receive nothing.
func (l *Ledger) credit(offender, beneficiary types.ValidatorID, amount *uint256.Int) *uint256.Int {
	if amount.IsZero() || beneficiary.IsZero() || beneficiary == offender {
		return new(uint256.Int)
	}
	if err := l.registry.IncreaseStake(beneficiary, amount); err != nil {
		log.WithError(err).WithField("beneficiary", beneficiary).Debug("Reward forfeited to burn")
		return new(uint256.Int)
	}
	return amount
}

// Restore reloads conditions applied before a restart without notifying the
// sink. A penalty is applied again only when the registry does not reflect
// it yet; rewards are not credited again.
func (l *Ledger) Restore(conds []*types.SlashingCondition) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, c := range conds {
		key := conditionKey{validator: c.Validator, epoch: c.Epoch}
		if _, ok := l.conditions[key]; ok {
			continue
		}
		v, err := l.registry.Get(c.Validator)
		if err != nil {
			return err
		}
		if !v.Slashed || v.Stake.Eq(c.StakeBefore) {
			if _, err := l.registry.Slash(c.Validator, c.Penalty, c.Epoch); err != nil {
				return err
			}
		}
		l.conditions[key] = c.Copy()
		l.burned.Add(l.burned, c.Burned)
	}
	return nil
}

// Condition returns the condition applied to id for epoch.
func (l *Ledger) Condition(id types.ValidatorID, epoch types.Epoch) (*types.SlashingCondition, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	c, ok := l.conditions[conditionKey{validator: id, epoch: epoch}]
	if !ok {
		return nil, false
	}
	return c.Copy(), true
}

// Conditions returns every applied condition ordered by epoch, then
// validator.
func (l *Ledger) Conditions() []*types.SlashingCondition {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]*types.SlashingCondition, 0, len(l.conditions))
	for _, c := range l.conditions {
		out = append(out, c.Copy())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Epoch != out[j].Epoch {
			return out[i].Epoch < out[j].Epoch
		}
		return out[i].Validator.Less(out[j].Validator)
	})
	return out
}

// TotalBurned returns the stake destroyed so far.
func (l *Ledger) TotalBurned() *uint256.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.burned.Clone()
}

// percentOf returns x * pct / 100 without intermediate overflow.
func percentOf(x *uint256.Int, pct uint64) *uint256.Int {
	z, _ := new(uint256.Int).MulDivOverflow(x, uint256.NewInt(pct), uint256.NewInt(100))
	return z
}

func toFloat(x *uint256.Int) float64 {
	f, _ := x.ToBig().Float64()
	return f
}
