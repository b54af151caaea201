package types

import (
	"fmt"

	"github.com/holiman/uint256"
)

// ValidatorStatus is the lifecycle status of a validator at a given epoch.
type ValidatorStatus uint8

const (
	StatusPending ValidatorStatus = iota
	StatusActive
	StatusExiting
	StatusWithdrawable
	StatusSlashed
)

func (s ValidatorStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusActive:
		return "active"
	case StatusExiting:
		return "exiting"
	case StatusWithdrawable:
		return "withdrawable"
	case StatusSlashed:
		return "slashed"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Validator is a staking participant. Instances are owned by the registry;
// everything handed out of it is a copy.
type Validator struct {
	ID        ValidatorID
	PublicKey PublicKey
	// BLSKey signs attestations so that committee votes can be aggregated.
	BLSKey BLSPublicKey
	Stake  *uint256.Int

	ActivationEpoch   Epoch
	ExitEpoch         Epoch // FarFutureEpoch when no exit is scheduled
	WithdrawableEpoch Epoch
	Slashed           bool
}

// NewValidator creates a validator activating at activation with the given stake.
func NewValidator(pub PublicKey, blsKey BLSPublicKey, stake *uint256.Int, activation Epoch) *Validator {
	s := new(uint256.Int)
	if stake != nil {
		s.Set(stake)
	}
	return &Validator{
		ID:                ValidatorIDFromPublicKey(pub),
		PublicKey:         pub,
		BLSKey:            blsKey,
		Stake:             s,
		ActivationEpoch:   activation,
		ExitEpoch:         FarFutureEpoch,
		WithdrawableEpoch: FarFutureEpoch,
	}
}

// IsActive reports whether the validator may be selected at epoch:
// activated, not exited, not slashed and holding stake.
func (v *Validator) IsActive(epoch Epoch) bool {
	if v.Slashed {
		return false
	}
	if v.ActivationEpoch > epoch || epoch >= v.ExitEpoch {
		return false
	}
	return v.Stake != nil && !v.Stake.IsZero()
}

// Status returns the lifecycle status at epoch.
func (v *Validator) Status(epoch Epoch) ValidatorStatus {
	switch {
	case v.Slashed:
		return StatusSlashed
	case epoch < v.ActivationEpoch:
		return StatusPending
	case epoch >= v.WithdrawableEpoch:
		return StatusWithdrawable
	case v.ExitEpoch != FarFutureEpoch:
		if epoch >= v.ExitEpoch {
			return StatusWithdrawable
		}
		return StatusExiting
	default:
		return StatusActive
	}
}

// ValidateBasic checks the validator's internal consistency.
func (v *Validator) ValidateBasic() error {
	if v == nil {
		return fmt.Errorf("%w: nil validator", ErrInvalidValidator)
	}
	if v.ID.IsZero() {
		return fmt.Errorf("%w: empty id", ErrInvalidValidator)
	}
	if v.ID != ValidatorIDFromPublicKey(v.PublicKey) {
		return fmt.Errorf("%w: id %s does not match public key", ErrInvalidValidator, v.ID)
	}
	if v.Stake == nil {
		return fmt.Errorf("%w: nil stake", ErrInvalidValidator)
	}
	if v.ExitEpoch < v.ActivationEpoch {
		return fmt.Errorf("%w: exit epoch %d before activation %d", ErrInvalidValidator, v.ExitEpoch, v.ActivationEpoch)
	}
	return nil
}

// Copy returns a deep copy of the validator.
func (v *Validator) Copy() *Validator {
	if v == nil {
		return nil
	}
	cp := *v
	cp.Stake = new(uint256.Int)
	if v.Stake != nil {
		cp.Stake.Set(v.Stake)
	}
	return &cp
}

// StakeOrZero returns a copy of the stake, zero if unset.
func (v *Validator) StakeOrZero() *uint256.Int {
	if v == nil || v.Stake == nil {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(v.Stake)
}
