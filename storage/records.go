package storage

import (
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/golang/snappy"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"

	"github.com/blockberries/stakeberry/types"
)

// Stake amounts are stored as 32-byte big-endian values.

type validatorRecord struct {
	ID                types.ValidatorID
	PublicKey         types.PublicKey
	BLSKey            types.BLSPublicKey
	Stake             []byte
	ActivationEpoch   uint64
	ExitEpoch         uint64
	WithdrawableEpoch uint64
	Slashed           bool
}

func toValidatorRecord(v *types.Validator) validatorRecord {
	return validatorRecord{
		ID:                v.ID,
		PublicKey:         v.PublicKey,
		BLSKey:            v.BLSKey,
		Stake:             stakeBytes(v.Stake),
		ActivationEpoch:   uint64(v.ActivationEpoch),
		ExitEpoch:         uint64(v.ExitEpoch),
		WithdrawableEpoch: uint64(v.WithdrawableEpoch),
		Slashed:           v.Slashed,
	}
}

func (r validatorRecord) validator() *types.Validator {
	return &types.Validator{
		ID:                r.ID,
		PublicKey:         r.PublicKey,
		BLSKey:            r.BLSKey,
		Stake:             new(uint256.Int).SetBytes(r.Stake),
		ActivationEpoch:   types.Epoch(r.ActivationEpoch),
		ExitEpoch:         types.Epoch(r.ExitEpoch),
		WithdrawableEpoch: types.Epoch(r.WithdrawableEpoch),
		Slashed:           r.Slashed,
	}
}

type slashingRecord struct {
	Validator           types.ValidatorID
	Offense             uint8
	Epoch               uint64
	Slot                uint64
	Evidence            types.Hash
	StakeBefore         []byte
	Penalty             []byte
	WhistleblowerReward []byte
	ProposerReward      []byte
	Burned              []byte
}

func toSlashingRecord(c *types.SlashingCondition) slashingRecord {
	return slashingRecord{
		Validator:           c.Validator,
		Offense:             uint8(c.Offense),
		Epoch:               uint64(c.Epoch),
		Slot:                uint64(c.Slot),
		Evidence:            c.Evidence,
		StakeBefore:         stakeBytes(c.StakeBefore),
		Penalty:             stakeBytes(c.Penalty),
		WhistleblowerReward: stakeBytes(c.WhistleblowerReward),
		ProposerReward:      stakeBytes(c.ProposerReward),
		Burned:              stakeBytes(c.Burned),
	}
}

func (r slashingRecord) condition() *types.SlashingCondition {
	return &types.SlashingCondition{
		Validator:           r.Validator,
		Offense:             types.Offense(r.Offense),
		Epoch:               types.Epoch(r.Epoch),
		Slot:                types.Slot(r.Slot),
		Evidence:            r.Evidence,
		StakeBefore:         new(uint256.Int).SetBytes(r.StakeBefore),
		Penalty:             new(uint256.Int).SetBytes(r.Penalty),
		WhistleblowerReward: new(uint256.Int).SetBytes(r.WhistleblowerReward),
		ProposerReward:      new(uint256.Int).SetBytes(r.ProposerReward),
		Burned:              new(uint256.Int).SetBytes(r.Burned),
	}
}

func stakeBytes(x *uint256.Int) []byte {
	if x == nil {
		x = new(uint256.Int)
	}
	b := x.Bytes32()
	return b[:]
}

// encodeValue returns the snappy-compressed RLP encoding of v.
func encodeValue(v interface{}) ([]byte, error) {
	enc, err := rlp.EncodeToBytes(v)
	if err != nil {
		return nil, errors.Wrapf(types.ErrStorage, "encode %T: %v", v, err)
	}
	return snappy.Encode(nil, enc), nil
}

func decodeValue(data []byte, v interface{}) error {
	enc, err := snappy.Decode(nil, data)
	if err != nil {
		return errors.Wrapf(types.ErrStorage, "decompress %T: %v", v, err)
	}
	if err := rlp.DecodeBytes(enc, v); err != nil {
		return errors.Wrapf(types.ErrStorage, "decode %T: %v", v, err)
	}
	return nil
}
