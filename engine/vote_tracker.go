package engine

import (
	"errors"
	"sort"
	"sync"

	"github.com/prysmaticlabs/go-bitfield"

	"github.com/blockberries/stakeberry/crypto/bls"
	"github.com/blockberries/stakeberry/sortition"
	"github.com/blockberries/stakeberry/types"
)

var (
	errBitsOverlap = errors.New("overlapping aggregation bits")
	errBitsLength  = errors.New("aggregation bits of different length")
)

// aggregateSet holds disjoint partial aggregates of one AttestationData.
type aggregateSet struct {
	bits bitfield.Bitlist
	sigs []types.BLSSignature
}

// AttestationPool collects verified attestations of recent slots and merges
// them into one aggregate per (slot, block, source).
type AttestationPool struct {
	mu sync.RWMutex

	maxSlots uint64
	bySlot   map[types.Slot]map[types.AttestationData]*aggregateSet
}

// NewAttestationPool creates a pool keeping maxSlots slots.
func NewAttestationPool(maxSlots uint64) *AttestationPool {
	return &AttestationPool{
		maxSlots: maxSlots,
		bySlot:   make(map[types.Slot]map[types.AttestationData]*aggregateSet),
	}
}

// Add inserts a single attestation from a member of committee. A vote whose
// bit is already covered is ignored.
func (p *AttestationPool) Add(a *types.Attestation, committee *sortition.Committee) error {
	idx, ok := committee.Index(a.Validator)
	if !ok {
		return committee.RequireMember(a.Validator)
	}
	agg := types.NewAggregate(a.Data(), committee.Size())
	agg.AggregationBits.SetBitAt(uint64(idx), true)
	agg.Signature = a.Signature
	return p.AddAggregate(agg)
}

// AddAggregate merges agg if its bits are disjoint from what the pool holds
// for the same data. Covered or overlapping aggregates are ignored.
func (p *AttestationPool) AddAggregate(agg *types.AggregateAttestation) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	d := agg.Data()
	sets, ok := p.bySlot[d.Slot]
	if !ok {
		sets = make(map[types.AttestationData]*aggregateSet)
		p.bySlot[d.Slot] = sets
	}
	set, ok := sets[d]
	if !ok {
		sets[d] = &aggregateSet{
			bits: copyBits(agg.AggregationBits),
			sigs: []types.BLSSignature{agg.Signature},
		}
		return nil
	}

	merged, err := mergeBits(set.bits, agg.AggregationBits)
	switch {
	case errors.Is(err, errBitsOverlap):
		return nil
	case err != nil:
		return err
	}
	set.bits = merged
	set.sigs = append(set.sigs, agg.Signature)
	return nil
}

// Aggregates returns the merged aggregates of slot ordered by participation,
// largest first.
func (p *AttestationPool) Aggregates(slot types.Slot) ([]*types.AggregateAttestation, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]*types.AggregateAttestation, 0, len(p.bySlot[slot]))
	for d, set := range p.bySlot[slot] {
		sig, err := bls.AggregateSignatures(set.sigs)
		if err != nil {
			return nil, err
		}
		agg := types.NewAggregate(d, int(set.bits.Len()))
		agg.AggregationBits = copyBits(set.bits)
		agg.Signature = sig
		out = append(out, agg)
	}
	sort.Slice(out, func(i, j int) bool {
		ci, cj := out[i].AggregationBits.Count(), out[j].AggregationBits.Count()
		if ci != cj {
			return ci > cj
		}
		return out[i].BlockHash.Less(out[j].BlockHash)
	})
	return out, nil
}

// Prune drops slots older than the pool window ending at current.
func (p *AttestationPool) Prune(current types.Slot) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if uint64(current) < p.maxSlots {
		return 0
	}
	oldest := current - types.Slot(p.maxSlots)
	pruned := 0
	for slot := range p.bySlot {
		if slot < oldest {
			delete(p.bySlot, slot)
			pruned++
		}
	}
	return pruned
}

// Len returns the number of slots held.
func (p *AttestationPool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.bySlot)
}

// mergeBits returns a | b for disjoint lists of equal length.
func mergeBits(a, b bitfield.Bitlist) (bitfield.Bitlist, error) {
	if a.Len() != b.Len() {
		return nil, errBitsLength
	}
	overlaps, err := a.Overlaps(b)
	if err != nil {
		return nil, err
	}
	if overlaps {
		return nil, errBitsOverlap
	}
	return a.Or(b)
}

func copyBits(b bitfield.Bitlist) bitfield.Bitlist {
	out := make(bitfield.Bitlist, len(b))
	copy(out, b)
	return out
}
