package forkchoice

import (
	"github.com/holiman/uint256"

	"github.com/blockberries/stakeberry/types"
)

// node is a block in the fork choice DAG.
type node struct {
	block    *types.BlockProposal
	root     types.Hash
	slot     types.Slot
	parent   *node
	children []*node
	// weight is the attestation weight cast directly for this block.
	weight *uint256.Int
}

func newNode(p *types.BlockProposal, root types.Hash, parent *node) *node {
	n := &node{
		block:  p.Copy(),
		root:   root,
		slot:   p.Slot,
		parent: parent,
		weight: new(uint256.Int),
	}
	if parent != nil {
		parent.children = append(parent.children, n)
	}
	return n
}

// isDescendantOf reports whether n is a, or lies below a.
func (n *node) isDescendantOf(a *node) bool {
	for cur := n; cur != nil; cur = cur.parent {
		if cur == a {
			return true
		}
		if cur.slot < a.slot {
			return false
		}
	}
	return false
}

// addSaturating returns x+y, clamped to the largest uint256.
func addSaturating(x, y *uint256.Int) *uint256.Int {
	z, overflow := new(uint256.Int).AddOverflow(x, y)
	if overflow {
		z.SetAllOne()
	}
	return z
}
