package engine

import (
	"context"
	"encoding/binary"
	"fmt"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/blockberries/stakeberry/crypto/bls"
	"github.com/blockberries/stakeberry/params"
	"github.com/blockberries/stakeberry/privval"
	"github.com/blockberries/stakeberry/registry"
	"github.com/blockberries/stakeberry/sortition"
	"github.com/blockberries/stakeberry/storage"
	"github.com/blockberries/stakeberry/types"
)

const (
	testChainID = "test-chain"
	testStake   = 1000
)

type testNet struct {
	t       *testing.T
	params  *params.Config
	cfg     *Config
	pvs     map[types.ValidatorID]*privval.MemPV
	seeds   map[types.ValidatorID][]byte
	ids     []types.ValidatorID
	keys    *privval.Keyring
	reg     *registry.Registry
	db      *storage.LevelDB
	ticker  *ManualTicker
	genesis *types.BlockProposal
	eng     *Engine
}

type netOption func(*testNet, *Options)

// withoutKeyring leaves the ticket book as the only ticket source.
func withoutKeyring() netOption {
	return func(_ *testNet, o *Options) { o.Tickets = nil }
}

func withStorage() netOption {
	return func(n *testNet, o *Options) {
		db, err := storage.NewMemLevelDB()
		require.NoError(n.t, err)
		n.db = db
		o.Storage = db
	}
}

func withLocal(i int) netOption {
	return func(n *testNet, o *Options) { o.Local = n.ids[i] }
}

func newTestNet(t *testing.T, validators int, opts ...netOption) *testNet {
	t.Helper()

	n := &testNet{
		t:       t,
		params:  params.MinimalConfig(),
		cfg:     DefaultConfig(),
		pvs:     make(map[types.ValidatorID]*privval.MemPV),
		seeds:   make(map[types.ValidatorID][]byte),
		keys:    privval.NewKeyring(),
		ticker:  NewManualTicker(),
		genesis: types.NewGenesis(types.HashBytes([]byte("genesis state"))),
	}
	n.cfg.ChainID = testChainID

	vals := make([]*types.Validator, 0, validators)
	for i := 0; i < validators; i++ {
		seed := []byte(fmt.Sprintf("validator-%d", i))
		pv, err := privval.NewMemPV(seed)
		require.NoError(t, err)
		n.pvs[pv.ID()] = pv
		n.seeds[pv.ID()] = seed
		n.ids = append(n.ids, pv.ID())
		n.keys.Add(pv)
		vals = append(vals, types.NewValidator(pv.PublicKey(), pv.BLSPublicKey(), uint256.NewInt(testStake), 0))
	}
	reg, err := registry.NewWithValidators(n.params, vals)
	require.NoError(t, err)
	n.reg = reg

	o := Options{Tickets: n.keys, Ticker: n.ticker}
	for _, opt := range opts {
		opt(n, &o)
	}
	eng, err := New(n.cfg, n.params, n.genesis, reg, o)
	require.NoError(t, err)
	n.eng = eng
	require.NoError(t, eng.Start())
	t.Cleanup(func() { _ = eng.Stop() })
	return n
}

// restart replaces the engine with a new one over the same storage and a
// registry rebuilt from the genesis validator set.
func (n *testNet) restart() {
	n.t.Helper()
	vals := make([]*types.Validator, 0, len(n.ids))
	for _, id := range n.ids {
		pv := n.pvs[id]
		vals = append(vals, types.NewValidator(pv.PublicKey(), pv.BLSPublicKey(), uint256.NewInt(testStake), 0))
	}
	reg, err := registry.NewWithValidators(n.params, vals)
	require.NoError(n.t, err)

	n.reg = reg
	n.ticker = NewManualTicker()
	eng, err := New(n.cfg, n.params, n.genesis, reg, Options{Tickets: n.keys, Ticker: n.ticker, Storage: n.db})
	require.NoError(n.t, err)
	require.NoError(n.t, eng.Start())
	n.eng = eng
	n.t.Cleanup(func() { _ = eng.Stop() })
}

func (n *testNet) ctx() context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	n.t.Cleanup(cancel)
	return ctx
}

// advance delivers slot and waits until the engine has handled it.
func (n *testNet) advance(slot types.Slot) {
	n.t.Helper()
	require.True(n.t, n.ticker.Advance(slot))
	n.sync()
}

// sync returns once every earlier submission and tick is applied.
func (n *testNet) sync() {
	n.t.Helper()
	require.NoError(n.t, n.eng.submit(n.ctx(), "sync", func() error { return nil }))
}

func (n *testNet) committee(slot types.Slot) *sortition.Committee {
	n.t.Helper()
	c, err := n.eng.Committee(slot)
	require.NoError(n.t, err)
	return c
}

// twin returns a fresh signer holding the keys of id, without its
// double-sign guard history.
func (n *testNet) twin(id types.ValidatorID) *privval.MemPV {
	n.t.Helper()
	pv, err := privval.NewMemPV(n.seeds[id])
	require.NoError(n.t, err)
	return pv
}

func stateRoot(slot types.Slot, salt string) types.Hash {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(slot))
	return types.HashBytes(b[:], []byte(salt))
}

// proposal builds and signs a proposal of slot's proposer with signer pv,
// or the proposer's own key when pv is nil.
func (n *testNet) proposal(slot types.Slot, parent types.Hash, salt string, pv privval.PrivValidator) *types.BlockProposal {
	n.t.Helper()
	c := n.committee(slot)
	if pv == nil {
		pv = n.pvs[c.Proposer]
	}
	p := &types.BlockProposal{
		Slot:       slot,
		ParentHash: parent,
		StateRoot:  stateRoot(slot, salt),
		VRFProof:   c.ProposerProof,
	}
	require.NoError(n.t, pv.SignProposal(testChainID, p))
	return p
}

func (n *testNet) propose(slot types.Slot, parent types.Hash) *types.BlockProposal {
	n.t.Helper()
	p := n.proposal(slot, parent, "", nil)
	require.NoError(n.t, n.eng.SubmitProposal(n.ctx(), p))
	return p
}

func (n *testNet) attestation(pv privval.PrivValidator, slot types.Slot, block types.Hash, source types.Checkpoint) *types.Attestation {
	n.t.Helper()
	a := &types.Attestation{Slot: slot, BlockHash: block, Source: source}
	require.NoError(n.t, pv.SignAttestation(testChainID, a))
	return a
}

// attest submits votes of the first count committee members of slot.
func (n *testNet) attest(slot types.Slot, block types.Hash, count int) {
	n.t.Helper()
	c := n.committee(slot)
	require.LessOrEqual(n.t, count, c.Size())
	source := n.eng.Status().Justified
	for _, m := range c.Members[:count] {
		a := n.attestation(n.pvs[m.ID], slot, block, source)
		require.NoError(n.t, n.eng.SubmitAttestation(n.ctx(), a))
	}
}

// aggregate signs d with the given committee members and aggregates the
// signatures.
func (n *testNet) aggregate(c *sortition.Committee, d types.AttestationData, signers []types.ValidatorID) *types.AggregateAttestation {
	n.t.Helper()
	agg := types.NewAggregate(d, c.Size())
	sigs := make([]types.BLSSignature, 0, len(signers))
	for _, id := range signers {
		idx, ok := c.Index(id)
		require.True(n.t, ok)
		a := n.attestation(n.pvs[id], d.Slot, d.BlockHash, d.Source)
		agg.AggregationBits.SetBitAt(uint64(idx), true)
		sigs = append(sigs, a.Signature)
	}
	sig, err := bls.AggregateSignatures(sigs)
	require.NoError(n.t, err)
	agg.Signature = sig
	return agg
}

func genesisCheckpoint(n *testNet) types.Checkpoint {
	return types.Checkpoint{Epoch: 0, Root: n.genesis.Hash()}
}

// nextEvent waits for the next event of type typ.
func nextEvent(t *testing.T, sub *Subscription, typ EventType) Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-sub.C:
			require.True(t, ok, "subscription closed")
			if ev.Type == typ {
				return ev
			}
		case <-timeout:
			t.Fatalf("no %s event", typ)
			return Event{}
		}
	}
}

func stakeOf(t *testing.T, n *testNet, id types.ValidatorID) uint64 {
	t.Helper()
	v, err := n.eng.Validator(id)
	require.NoError(t, err)
	return v.Stake.Uint64()
}
