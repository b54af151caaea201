// Package forkchoice keeps the block DAG above the finalized checkpoint and
// selects the canonical head.
//
// The head is the leaf with the greatest cumulative attestation weight along
// its path from the finalized root. Equal weights are broken by the lower
// block hash, so the result depends only on the set of blocks and weights,
// never on arrival order. Blocks that do not descend from the finalized root
// are pruned on finalization; their hashes are remembered so that late
// children are rejected as finality conflicts.
package forkchoice

import (
	"fmt"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/holiman/uint256"
	"github.com/sirupsen/logrus"

	"github.com/blockberries/stakeberry/types"
)

// prunedCacheSize bounds how many pruned block hashes are remembered, per
// kind.
const prunedCacheSize = 1 << 14

// Store is the fork choice store. It is safe for concurrent use.
type Store struct {
	mu sync.RWMutex

	nodes     map[types.Hash]*node
	root      *node
	finalized types.Checkpoint
	head      *node

	// finalized ancestors of root, and blocks on forks that conflict with it
	canonical *lru.Cache[types.Hash, struct{}]
	pruned    *lru.Cache[types.Hash, struct{}]
}

// New creates a store rooted at genesis, which is also the first finalized
// checkpoint (epoch 0).
func New(genesis *types.BlockProposal) (*Store, error) {
	if genesis == nil || !genesis.IsGenesis() {
		return nil, fmt.Errorf("%w: fork choice must start from a genesis block", types.ErrInvalidBlock)
	}
	canonical, err := lru.New[types.Hash, struct{}](prunedCacheSize)
	if err != nil {
		return nil, err
	}
	pruned, err := lru.New[types.Hash, struct{}](prunedCacheSize)
	if err != nil {
		return nil, err
	}
	root := genesis.Hash()
	n := newNode(genesis, root, nil)
	s := &Store{
		nodes:     map[types.Hash]*node{root: n},
		root:      n,
		finalized: types.Checkpoint{Epoch: 0, Root: root},
		head:      n,
		canonical: canonical,
		pruned:    pruned,
	}
	nodeCount.Set(1)
	return s, nil
}

// AddBlock inserts a block whose parent is already known. Adding a known
// block is a no-op. A block whose parent was pruned by finality fails with a
// ForkChoiceError.
func (s *Store) AddBlock(p *types.BlockProposal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	root := p.Hash()
	if _, ok := s.nodes[root]; ok || s.canonical.Contains(root) {
		return nil
	}
	if s.pruned.Contains(root) {
		return s.conflict(root, "block was pruned by finality")
	}
	parent, ok := s.nodes[p.ParentHash]
	if !ok {
		if s.pruned.Contains(p.ParentHash) || s.canonical.Contains(p.ParentHash) {
			return s.conflict(root, fmt.Sprintf("parent %s does not descend from the finalized checkpoint", p.ParentHash.Short()))
		}
		return fmt.Errorf("%w: unknown parent %s", types.ErrInvalidBlock, p.ParentHash.Short())
	}
	if p.Slot <= parent.slot {
		return fmt.Errorf("%w: slot %d not after parent slot %d", types.ErrInvalidBlock, p.Slot, parent.slot)
	}

	s.nodes[root] = newNode(p, root, parent)
	processedBlockCount.Inc()
	nodeCount.Set(float64(len(s.nodes)))
	s.updateHead()
	return nil
}

// AddWeight adds attestation weight to a known block.
func (s *Store) AddWeight(root types.Hash, weight *uint256.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[root]
	if !ok {
		if s.canonical.Contains(root) {
			return nil
		}
		if s.pruned.Contains(root) {
			return s.conflict(root, "vote for a block pruned by finality")
		}
		return fmt.Errorf("%w: unknown block %s", types.ErrInvalidAttestation, root.Short())
	}
	if weight == nil || weight.IsZero() {
		return nil
	}
	n.weight = addSaturating(n.weight, weight)
	s.updateHead()
	return nil
}

// Head returns the canonical head.
func (s *Store) Head() types.Hash {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.head.root
}

// HeadBlock returns a copy of the canonical head block.
func (s *Store) HeadBlock() *types.BlockProposal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.head.block.Copy()
}

// CheckCandidate fails with a ForkChoiceError if root does not descend from
// the finalized checkpoint, and with InvalidBlock if it is unknown.
func (s *Store) CheckCandidate(root types.Hash) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.nodes[root]
	if !ok {
		if s.pruned.Contains(root) || s.canonical.Contains(root) {
			return s.conflict(root, "candidate does not descend from the finalized checkpoint")
		}
		return fmt.Errorf("%w: unknown block %s", types.ErrInvalidBlock, root.Short())
	}
	if !n.isDescendantOf(s.root) {
		return s.conflict(root, "candidate does not descend from the finalized checkpoint")
	}
	return nil
}

// IsDescendant reports whether descendant is ancestor or lies below it. Both
// blocks must be in the store.
func (s *Store) IsDescendant(ancestor, descendant types.Hash) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.nodes[ancestor]
	if !ok {
		return false
	}
	d, ok := s.nodes[descendant]
	if !ok {
		return false
	}
	return d.isDescendantOf(a)
}

// Finalize moves the finalized checkpoint to cp and prunes every block that
// does not descend from it. cp must descend from the current finalized
// checkpoint.
func (s *Store) Finalize(cp types.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cp.Epoch < s.finalized.Epoch {
		return &types.InvalidEpochError{Expected: s.finalized.Epoch, Actual: cp.Epoch}
	}
	if cp.Root == s.finalized.Root {
		s.finalized = cp
		return nil
	}
	n, ok := s.nodes[cp.Root]
	if !ok || !n.isDescendantOf(s.root) {
		return s.conflict(cp.Root, "new finalized checkpoint does not descend from the current one")
	}

	ancestors := make(map[types.Hash]struct{})
	for cur := n.parent; cur != nil; cur = cur.parent {
		ancestors[cur.root] = struct{}{}
	}
	n.parent = nil
	kept := make(map[types.Hash]*node, len(s.nodes))
	stack := []*node{n}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		kept[cur.root] = cur
		stack = append(stack, cur.children...)
	}
	removed := 0
	for root := range s.nodes {
		if _, ok := kept[root]; ok {
			continue
		}
		if _, ok := ancestors[root]; ok {
			s.canonical.Add(root, struct{}{})
		} else {
			s.pruned.Add(root, struct{}{})
		}
		removed++
	}
	s.nodes = kept
	s.root = n
	s.finalized = cp
	s.updateHead()

	prunedCount.Add(float64(removed))
	nodeCount.Set(float64(len(s.nodes)))
	log.WithFields(logrus.Fields{
		"epoch":  cp.Epoch,
		"root":   cp.Root.Short(),
		"pruned": removed,
	}).Debug("Pruned fork choice store")
	return nil
}

// ConflictsWithFinality reports whether root is known to lie on a fork that
// was pruned because it does not contain the finalized checkpoint. Unknown
// blocks and finalized ancestors do not conflict.
func (s *Store) ConflictsWithFinality(root types.Hash) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pruned.Contains(root)
}

// Finalized returns the finalized checkpoint.
func (s *Store) Finalized() types.Checkpoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.finalized
}

// Block returns a copy of a known block.
func (s *Store) Block(root types.Hash) (*types.BlockProposal, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[root]
	if !ok {
		return nil, false
	}
	return n.block.Copy(), true
}

// HasBlock reports whether root is in the store.
func (s *Store) HasBlock(root types.Hash) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.nodes[root]
	return ok
}

// Weight returns the attestation weight cast directly for root.
func (s *Store) Weight(root types.Hash) (*uint256.Int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[root]
	if !ok {
		return nil, false
	}
	return n.weight.Clone(), true
}

// Len returns the number of blocks in the store.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.nodes)
}

// updateHead re-evaluates the head from the finalized root. Caller must hold
// s.mu.
func (s *Store) updateHead() {
	type frame struct {
		n   *node
		acc *uint256.Int
	}
	var (
		best       *node
		bestWeight *uint256.Int
	)
	stack := []frame{{n: s.root, acc: s.root.weight.Clone()}}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if len(f.n.children) == 0 {
			if best == nil || f.acc.Gt(bestWeight) || (f.acc.Eq(bestWeight) && f.n.root.Less(best.root)) {
				best, bestWeight = f.n, f.acc
			}
			continue
		}
		for _, c := range f.n.children {
			stack = append(stack, frame{n: c, acc: addSaturating(f.acc, c.weight)})
		}
	}

	if best != s.head {
		headChangesCount.Inc()
		log.WithFields(logrus.Fields{
			"slot":   best.slot,
			"root":   best.root.Short(),
			"weight": bestWeight.Dec(),
		}).Debug("Head changed")
	}
	s.head = best
	headSlotNumber.Set(float64(best.slot))
}

func (s *Store) conflict(root types.Hash, reason string) error {
	return &types.ForkChoiceError{Block: root, Finalized: s.finalized, Reason: reason}
}

// sortedNodes returns the nodes ordered by slot, then root. Caller must hold
// s.mu.
func (s *Store) sortedNodes() []*node {
	out := make([]*node, 0, len(s.nodes))
	for _, n := range s.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].slot != out[j].slot {
			return out[i].slot < out[j].slot
		}
		return out[i].root.Less(out[j].root)
	})
	return out
}
