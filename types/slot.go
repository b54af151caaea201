package types

import "math"

// Slot is the smallest unit of time in which one block may be proposed.
type Slot uint64

// Epoch is a fixed-length run of slots.
type Epoch uint64

// FarFutureEpoch marks an epoch that has not been scheduled (e.g. no exit requested).
const FarFutureEpoch = Epoch(math.MaxUint64)

// EpochOf returns the epoch containing slot.
func EpochOf(slot Slot, slotsPerEpoch uint64) Epoch {
	if slotsPerEpoch == 0 {
		return 0
	}
	return Epoch(uint64(slot) / slotsPerEpoch)
}

// StartSlot returns the first slot of epoch.
func StartSlot(epoch Epoch, slotsPerEpoch uint64) Slot {
	return Slot(uint64(epoch) * slotsPerEpoch)
}

// SlotOffset returns the position of slot within its epoch.
func SlotOffset(slot Slot, slotsPerEpoch uint64) uint64 {
	if slotsPerEpoch == 0 {
		return 0
	}
	return uint64(slot) % slotsPerEpoch
}
