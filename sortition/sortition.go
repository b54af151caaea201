// Package sortition selects the proposer and the attesting committee of each
// slot by a stake-weighted VRF lottery.
//
// Every active validator holding a ticket for the slot draws the output
// hash(proof). Read as a fraction of 2^64, a validator wins the proposer
// lottery when out < scale * stake / total. The proposer is the winner with
// the lowest output; when nobody wins it is the validator with the lowest
// out / stake. The committee is the N validators with the lowest outputs.
// Given the same snapshot, seed and tickets every node computes the same
// committee.
package sortition

import (
	"encoding/binary"
	"fmt"
	"math/big"
	"runtime"
	"sort"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/blockberries/stakeberry/crypto"
	"github.com/blockberries/stakeberry/crypto/vrf"
	"github.com/blockberries/stakeberry/params"
	"github.com/blockberries/stakeberry/registry"
	"github.com/blockberries/stakeberry/types"
)

const (
	seedDomain = "stakeberry/seed"

	maxCachedCommittees = 256
)

var two64 = new(big.Int).Lsh(big.NewInt(1), 64)

// Seed derives the lottery seed of epoch.
func Seed(genesisSeed types.Hash, epoch types.Epoch) types.Hash {
	var e [8]byte
	binary.BigEndian.PutUint64(e[:], uint64(epoch))
	return types.HashBytes([]byte(seedDomain), genesisSeed[:], e[:])
}

type cacheKey struct {
	slot       types.Slot
	seed       types.Hash
	snapshot   types.Hash
	generation uint64
}

// Sortition computes committees. It holds no consensus state; all inputs are
// explicit.
type Sortition struct {
	slotsPerEpoch uint64
	committeeSize int
	lotteryScale  uint64
	genesisSeed   types.Hash

	verifier crypto.Verifier
	source   TicketSource

	cache *lru.Cache[cacheKey, *Committee]
}

// New creates a Sortition drawing tickets from source.
func New(cfg *params.Config, verifier crypto.Verifier, source TicketSource) (*Sortition, error) {
	seed, err := cfg.Seed()
	if err != nil {
		return nil, err
	}
	cache, err := lru.New[cacheKey, *Committee](maxCachedCommittees)
	if err != nil {
		return nil, err
	}
	return &Sortition{
		slotsPerEpoch: cfg.SlotsPerEpoch,
		committeeSize: int(cfg.TargetCommitteeSize),
		lotteryScale:  cfg.ProposerLotteryScale,
		genesisSeed:   seed,
		verifier:      verifier,
		source:        source,
		cache:         cache,
	}, nil
}

// Seed returns the seed of epoch.
func (s *Sortition) Seed(epoch types.Epoch) types.Hash {
	return Seed(s.genesisSeed, epoch)
}

// Committee selects the committee of slot using the seed of the slot's epoch.
func (s *Sortition) Committee(snap *registry.Snapshot, slot types.Slot) (*Committee, error) {
	return s.SelectCommittee(snap, slot, s.Seed(types.EpochOf(slot, s.slotsPerEpoch)))
}

type draw struct {
	member Member
	stake  *big.Int
	out    *big.Int // normalized output numerator
	ticket bool
}

// SelectCommittee runs the lottery for slot over snap. It fails with
// ErrCommitteeSelectionFailed when no active validator holds a ticket and with
// ErrVRFVerificationFailed when the ticket source hands out a bad proof.
func (s *Sortition) SelectCommittee(snap *registry.Snapshot, slot types.Slot, seed types.Hash) (*Committee, error) {
	epoch := types.EpochOf(slot, s.slotsPerEpoch)
	if snap.Epoch() != epoch {
		return nil, &types.InvalidEpochError{Expected: epoch, Actual: snap.Epoch()}
	}
	if snap.Len() == 0 {
		return nil, fmt.Errorf("%w: empty active set at epoch %d", types.ErrCommitteeSelectionFailed, epoch)
	}

	key := cacheKey{slot: slot, seed: seed, snapshot: snap.Hash()}
	if g, ok := s.source.(generational); ok {
		key.generation = g.Generation()
	}
	if c, ok := s.cache.Get(key); ok {
		committeeCacheHit.Inc()
		return c, nil
	}
	committeeCacheMiss.Inc()

	draws, err := s.drawAll(snap, slot, seed)
	if err != nil {
		return nil, err
	}
	if len(draws) == 0 {
		return nil, fmt.Errorf("%w: no tickets for slot %d", types.ErrCommitteeSelectionFailed, slot)
	}

	total := snap.TotalStake().ToBig()
	proposer, winners := s.pickProposer(draws, total)

	// Seats go to the n lowest outputs overall. The proposer holds one only
	// when its own output ranks among them.
	sort.Slice(draws, func(i, j int) bool { return lessOutput(draws[i], draws[j]) })
	n := s.committeeSize
	if n > len(draws) {
		n = len(draws)
	}
	members := make([]Member, n)
	for i := 0; i < n; i++ {
		members[i] = draws[i].member
	}

	c := newCommittee(slot, epoch, seed, members)
	c.Proposer = proposer.member.ID
	c.ProposerProof = proposer.member.Proof
	c.Winners = winners
	s.cache.Add(key, c)
	committeeSize.Set(float64(n))

	log.WithFields(logrus.Fields{
		"slot":     slot,
		"proposer": c.Proposer,
		"winners":  winners,
		"size":     n,
	}).Debug("Selected committee")
	return c, nil
}

// drawAll fetches and verifies every active validator's ticket in parallel.
func (s *Sortition) drawAll(snap *registry.Snapshot, slot types.Slot, seed types.Hash) ([]*draw, error) {
	vals := snap.Validators()
	results := make([]draw, len(vals))

	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i := range vals {
		g.Go(func() error {
			v := vals[i]
			proof, ok := s.source.Ticket(v.ID, seed, slot)
			if !ok {
				return nil
			}
			if !s.verifier.VerifyVRF(v.PublicKey, seed, slot, proof) {
				return fmt.Errorf("%w: ticket of %s for slot %d", types.ErrVRFVerificationFailed, v.ID, slot)
			}
			out := s.verifier.VRFOutput(proof)
			results[i] = draw{
				member: Member{ID: v.ID, Stake: v.Stake, Proof: proof, Output: out},
				stake:  v.Stake.ToBig(),
				out:    new(big.Int).SetUint64(vrf.Normalized(out)),
				ticket: true,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	draws := make([]*draw, 0, len(results))
	for i := range results {
		if results[i].ticket {
			draws = append(draws, &results[i])
		}
	}
	return draws, nil
}

// pickProposer returns the proposer draw and the number of lottery winners.
func (s *Sortition) pickProposer(draws []*draw, total *big.Int) (*draw, int) {
	scale := new(big.Int).SetUint64(s.lotteryScale)
	var best *draw
	winners := 0
	for _, d := range draws {
		// out * total < scale * stake * 2^64
		lhs := new(big.Int).Mul(d.out, total)
		rhs := new(big.Int).Mul(scale, d.stake)
		rhs.Mul(rhs, two64)
		if lhs.Cmp(rhs) >= 0 {
			continue
		}
		winners++
		if best == nil || lessOutput(d, best) {
			best = d
		}
	}
	if best != nil {
		return best, winners
	}

	// No winner: lowest out/stake, compared as out_a*stake_b < out_b*stake_a.
	for _, d := range draws {
		if best == nil || lessScore(d, best) {
			best = d
		}
	}
	return best, 0
}

func lessOutput(a, b *draw) bool {
	if a.member.Output != b.member.Output {
		return a.member.Output.Less(b.member.Output)
	}
	return a.member.ID.Less(b.member.ID)
}

func lessScore(a, b *draw) bool {
	lhs := new(big.Int).Mul(a.out, b.stake)
	rhs := new(big.Int).Mul(b.out, a.stake)
	if c := lhs.Cmp(rhs); c != 0 {
		return c < 0
	}
	return lessOutput(a, b)
}
