package types

import (
	"fmt"
)

// BlockProposal is a block header proposed for a slot. The consensus core
// treats StateRoot as an opaque commitment.
type BlockProposal struct {
	Slot       Slot
	Proposer   ValidatorID
	ParentHash Hash
	StateRoot  Hash
	// VRFProof binds the proposer to (epoch seed, slot).
	VRFProof  VRFProof
	Signature Signature
}

// canonicalProposal is the signed portion of a proposal.
type canonicalProposal struct {
	ChainID    string
	Slot       uint64
	Proposer   ValidatorID
	ParentHash Hash
	StateRoot  Hash
	VRFProof   VRFProof
}

func (p *BlockProposal) canonical(chainID string) *canonicalProposal {
	return &canonicalProposal{
		ChainID:    chainID,
		Slot:       uint64(p.Slot),
		Proposer:   p.Proposer,
		ParentHash: p.ParentHash,
		StateRoot:  p.StateRoot,
		VRFProof:   p.VRFProof,
	}
}

// ProposalSignBytes returns the bytes the proposer signs.
func ProposalSignBytes(chainID string, p *BlockProposal) []byte {
	return mustEncode(p.canonical(chainID))
}

// Hash returns the block hash. The signature and chain id are excluded, so a
// block is identified by its content alone.
func (p *BlockProposal) Hash() Hash {
	return HashBytes(mustEncode(p.canonical("")))
}

// IsGenesis reports whether p is a genesis block.
func (p *BlockProposal) IsGenesis() bool {
	return p.Slot == 0 && p.ParentHash.IsZero()
}

// ValidateBasic performs stateless checks on a proposal.
func (p *BlockProposal) ValidateBasic() error {
	if p == nil {
		return fmt.Errorf("%w: nil proposal", ErrInvalidBlock)
	}
	if p.IsGenesis() {
		return nil
	}
	if p.Slot == 0 {
		return fmt.Errorf("%w: only genesis may occupy slot 0", ErrInvalidBlock)
	}
	if p.Proposer.IsZero() {
		return fmt.Errorf("%w: missing proposer", ErrInvalidBlock)
	}
	if p.ParentHash.IsZero() {
		return fmt.Errorf("%w: missing parent hash", ErrInvalidBlock)
	}
	if p.Signature == (Signature{}) {
		return fmt.Errorf("%w: missing signature", ErrInvalidBlock)
	}
	return nil
}

// Copy returns a copy of the proposal.
func (p *BlockProposal) Copy() *BlockProposal {
	if p == nil {
		return nil
	}
	cp := *p
	return &cp
}

// NewGenesis returns the genesis block committing to stateRoot.
func NewGenesis(stateRoot Hash) *BlockProposal {
	return &BlockProposal{StateRoot: stateRoot}
}

// EncodeProposal returns the canonical encoding of a full proposal.
func EncodeProposal(p *BlockProposal) ([]byte, error) {
	return encode(p)
}

// DecodeProposal decodes a proposal produced by EncodeProposal.
func DecodeProposal(data []byte) (*BlockProposal, error) {
	p := new(BlockProposal)
	if err := decode(data, p); err != nil {
		return nil, err
	}
	return p, nil
}
