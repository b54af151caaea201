package simulation

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/holiman/uint256"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/blockberries/stakeberry/engine"
	"github.com/blockberries/stakeberry/params"
	"github.com/blockberries/stakeberry/privval"
	"github.com/blockberries/stakeberry/registry"
	"github.com/blockberries/stakeberry/storage"
	"github.com/blockberries/stakeberry/types"
)

// ErrInvalidConfig is returned by New for unusable network settings.
var ErrInvalidConfig = errors.New("invalid simulation config")

// Config describes a simulated network.
type Config struct {
	ChainID    string
	Validators int
	// Equivocators is the number of validators, starting from the first,
	// that double propose and double attest until they are slashed.
	Equivocators int
	Stake        uint64
	Params       *params.Config
	// Storage is attached to the first node. Nil disables persistence.
	Storage storage.Storage
}

// DefaultConfig returns a four validator network on the minimal parameters.
func DefaultConfig() Config {
	return Config{
		ChainID:    "stakeberry-sim",
		Validators: 4,
		Stake:      32_000,
		Params:     params.MinimalConfig(),
	}
}

func (c Config) validate() error {
	if c.Validators <= 0 {
		return errors.Wrap(ErrInvalidConfig, "need at least one validator")
	}
	if c.Equivocators < 0 || c.Equivocators > c.Validators {
		return errors.Wrapf(ErrInvalidConfig, "%d equivocators out of %d validators", c.Equivocators, c.Validators)
	}
	if c.Stake == 0 {
		return errors.Wrap(ErrInvalidConfig, "zero stake")
	}
	if c.Params == nil {
		return errors.Wrap(ErrInvalidConfig, "missing protocol parameters")
	}
	return nil
}

// Node is one validator and the engine it runs.
type Node struct {
	ID        types.ValidatorID
	Engine    *engine.Engine
	Byzantine bool

	pv     *privval.MemPV
	seed   []byte
	ticker *engine.ManualTicker
}

// twin returns a signer with the node's keys and an empty double-sign
// guard, which lets a Byzantine node sign conflicting messages.
func (n *Node) twin() (*privval.MemPV, error) {
	return privval.NewMemPV(n.seed)
}

// SlotReport summarizes one simulated slot as seen by the first node.
type SlotReport struct {
	Slot      types.Slot
	Proposer  types.ValidatorID
	Proposed  bool
	Head      types.Hash
	Justified types.Checkpoint
	Finalized types.Checkpoint
	// Rejected counts deliveries refused by any engine.
	Rejected int
	Slashed  int
}

func (r SlotReport) Fields() logrus.Fields {
	return logrus.Fields{
		"slot":      r.Slot,
		"proposer":  r.Proposer,
		"proposed":  r.Proposed,
		"head":      r.Head.Short(),
		"justified": r.Justified.Epoch,
		"finalized": r.Finalized.Epoch,
		"rejected":  r.Rejected,
		"slashed":   r.Slashed,
	}
}

// ContributionReport is the work credited to one validator by the first
// node.
type ContributionReport struct {
	ID           types.ValidatorID
	Byzantine    bool
	Proposals    uint64
	Attestations uint64
	Score        float64
}

func (r ContributionReport) Fields() logrus.Fields {
	return logrus.Fields{
		"validator":    r.ID,
		"byzantine":    r.Byzantine,
		"proposals":    r.Proposals,
		"attestations": r.Attestations,
		"score":        fmt.Sprintf("%.3f", r.Score),
	}
}

// Network runs every validator's engine in process. Each slot, the proposer
// broadcasts a block to all engines and every committee member then
// broadcasts an attestation to its own head.
type Network struct {
	cfg     Config
	genesis *types.BlockProposal
	nodes   []*Node
	byID    map[types.ValidatorID]*Node
	keys    *privval.Keyring

	mu      sync.Mutex
	slot    types.Slot
	started bool
}

// New creates the validators and their engines. Every engine gets its own
// registry; they stay equal because all engines apply the same evidence.
func New(cfg Config) (*Network, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	n := &Network{
		cfg:     cfg,
		genesis: types.NewGenesis(types.HashBytes([]byte(cfg.ChainID))),
		byID:    make(map[types.ValidatorID]*Node, cfg.Validators),
		keys:    privval.NewKeyring(),
	}

	vals := make([]*types.Validator, 0, cfg.Validators)
	for i := 0; i < cfg.Validators; i++ {
		seed := []byte(fmt.Sprintf("%s/validator/%d", cfg.ChainID, i))
		pv, err := privval.NewMemPV(seed)
		if err != nil {
			return nil, err
		}
		node := &Node{
			ID:        pv.ID(),
			Byzantine: i < cfg.Equivocators,
			pv:        pv,
			seed:      seed,
			ticker:    engine.NewManualTicker(),
		}
		n.nodes = append(n.nodes, node)
		n.byID[node.ID] = node
		n.keys.Add(pv)
		vals = append(vals, types.NewValidator(pv.PublicKey(), pv.BLSPublicKey(), uint256.NewInt(cfg.Stake), 0))
	}

	for i, node := range n.nodes {
		reg, err := registry.NewWithValidators(cfg.Params, copyValidators(vals))
		if err != nil {
			return nil, err
		}
		ecfg := engine.DefaultConfig()
		ecfg.ChainID = cfg.ChainID
		// Reporter rewards burn so that every engine applies identical
		// penalties and the registries never diverge.
		opts := engine.Options{Tickets: n.keys, Ticker: node.ticker}
		if i == 0 {
			opts.Storage = cfg.Storage
		}
		eng, err := engine.New(ecfg, cfg.Params, n.genesis, reg, opts)
		if err != nil {
			return nil, err
		}
		node.Engine = eng
	}
	return n, nil
}

func copyValidators(vals []*types.Validator) []*types.Validator {
	out := make([]*types.Validator, len(vals))
	for i, v := range vals {
		out[i] = v.Copy()
	}
	return out
}

// Start starts every engine.
func (n *Network) Start() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	for _, node := range n.nodes {
		if err := node.Engine.Start(); err != nil {
			return err
		}
	}
	n.started = true
	log.WithFields(logrus.Fields{
		"validators":   len(n.nodes),
		"equivocators": n.cfg.Equivocators,
		"genesis":      n.genesis.Hash().Short(),
	}).Info("Started simulated network")
	return nil
}

// Stop stops every engine.
func (n *Network) Stop() {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.started {
		return
	}
	n.started = false
	for _, node := range n.nodes {
		if err := node.Engine.Stop(); err != nil {
			log.WithError(err).WithField("validator", node.ID).Error("Failed to stop engine")
		}
	}
}

// Nodes returns the simulated validators in creation order.
func (n *Network) Nodes() []*Node {
	return n.nodes
}

// Contributions reports the credited work of every validator as seen by the
// first node, in creation order.
func (n *Network) Contributions() ([]ContributionReport, error) {
	eng := n.nodes[0].Engine
	accounts := make(map[types.ValidatorID]ContributionReport)
	for _, acc := range eng.Contributions() {
		accounts[acc.Validator] = ContributionReport{Proposals: acc.Proposals, Attestations: acc.Attestations}
	}

	out := make([]ContributionReport, 0, len(n.nodes))
	for _, node := range n.nodes {
		r := accounts[node.ID]
		r.ID = node.ID
		r.Byzantine = node.Byzantine
		score, err := eng.ContributionScore(node.ID)
		if err != nil {
			return nil, err
		}
		r.Score = score
		out = append(out, r)
	}
	return out, nil
}

// Genesis returns the genesis block shared by all nodes.
func (n *Network) Genesis() *types.BlockProposal {
	return n.genesis.Copy()
}

// Slot returns the last simulated slot.
func (n *Network) Slot() types.Slot {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.slot
}

// Run simulates slots until count slots have passed or ctx is done. A zero
// interval runs as fast as the engines allow; a zero count runs until ctx
// is done. report is called after each slot.
func (n *Network) Run(ctx context.Context, count uint64, interval time.Duration, report func(SlotReport)) error {
	var tick <-chan time.Time
	if interval > 0 {
		t := time.NewTicker(interval)
		defer t.Stop()
		tick = t.C
	}

	for i := uint64(0); count == 0 || i < count; i++ {
		if tick != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-tick:
			}
		}
		r, err := n.Step(ctx)
		if err != nil {
			return err
		}
		if report != nil {
			report(r)
		}
	}
	return nil
}

// Step moves every engine to the next slot and plays it out.
func (n *Network) Step(ctx context.Context) (SlotReport, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.started {
		return SlotReport{}, engine.ErrNotStarted
	}
	n.slot++
	slot := n.slot
	slotsSimulated.Inc()

	for _, node := range n.nodes {
		if !node.ticker.Advance(slot) {
			return SlotReport{}, engine.ErrStopped
		}
	}

	r := SlotReport{Slot: slot}
	first := n.nodes[0].Engine
	before := len(first.Slashings())

	c, err := first.Committee(slot)
	if err != nil {
		return r, errors.Wrapf(err, "no committee for slot %d", slot)
	}
	r.Proposer = c.Proposer

	if proposer, ok := n.byID[c.Proposer]; ok {
		accepted, err := n.propose(ctx, proposer, slot, c.ProposerProof, &r)
		if err != nil {
			return r, err
		}
		r.Proposed = accepted
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	for _, m := range c.Members {
		node, ok := n.byID[m.ID]
		if !ok {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			rejected, err := n.attest(ctx, node, slot)
			mu.Lock()
			r.Rejected += rejected
			mu.Unlock()
			if err != nil {
				log.WithError(err).WithField("validator", node.ID).Error("Failed to attest")
			}
		}()
	}
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return r, err
	}

	st := first.Status()
	r.Head = st.Head
	r.Justified = st.Justified
	r.Finalized = st.Finalized
	r.Slashed = len(first.Slashings()) - before
	if st.Halted != nil {
		return r, st.Halted
	}
	return r, nil
}

// propose broadcasts the proposer's block, plus a conflicting one when the
// proposer is Byzantine. It reports whether the first engine accepted the
// honest block.
func (n *Network) propose(ctx context.Context, node *Node, slot types.Slot, proof types.VRFProof, r *SlotReport) (bool, error) {
	parent := node.Engine.Head()
	p := &types.BlockProposal{
		Slot:       slot,
		ParentHash: parent,
		StateRoot:  stateRoot(slot, parent, 0),
		VRFProof:   proof,
	}
	if err := node.pv.SignProposal(n.cfg.ChainID, p); err != nil {
		return false, errors.Wrap(err, "proposer refused to sign")
	}
	errs := n.broadcast(func(eng *engine.Engine) error { return eng.SubmitProposal(ctx, p) })
	r.Rejected += countRejected(errs)
	blocksProposed.Inc()

	if n.equivocating(node) {
		twin, err := node.twin()
		if err != nil {
			return false, err
		}
		fork := &types.BlockProposal{
			Slot:       slot,
			ParentHash: parent,
			StateRoot:  stateRoot(slot, parent, 1),
			VRFProof:   proof,
		}
		if err := twin.SignProposal(n.cfg.ChainID, fork); err != nil {
			return false, err
		}
		log.WithFields(logrus.Fields{"validator": node.ID, "slot": slot}).Warn("Broadcasting conflicting proposal")
		r.Rejected += countRejected(n.broadcast(func(eng *engine.Engine) error { return eng.SubmitProposal(ctx, fork) }))
		equivocations.WithLabelValues("proposal").Inc()
	}
	return errs[0] == nil, ctx.Err()
}

// attest broadcasts node's vote for its own head, plus a vote for the head's
// parent when the node is Byzantine.
func (n *Network) attest(ctx context.Context, node *Node, slot types.Slot) (int, error) {
	st := node.Engine.Status()
	a := &types.Attestation{Slot: slot, BlockHash: st.Head, Source: st.Justified}
	if err := node.pv.SignAttestation(n.cfg.ChainID, a); err != nil {
		return 0, err
	}
	rejected := countRejected(n.broadcast(func(eng *engine.Engine) error { return eng.SubmitAttestation(ctx, a) }))

	if !n.equivocating(node) {
		return rejected, nil
	}
	head, ok := node.Engine.Block(st.Head)
	if !ok || head.IsGenesis() {
		return rejected, nil
	}
	twin, err := node.twin()
	if err != nil {
		return rejected, err
	}
	b := &types.Attestation{Slot: slot, BlockHash: head.ParentHash, Source: st.Justified}
	if err := twin.SignAttestation(n.cfg.ChainID, b); err != nil {
		return rejected, err
	}
	log.WithFields(logrus.Fields{"validator": node.ID, "slot": slot}).Warn("Broadcasting conflicting attestation")
	rejected += countRejected(n.broadcast(func(eng *engine.Engine) error { return eng.SubmitAttestation(ctx, b) }))
	equivocations.WithLabelValues("attestation").Inc()
	return rejected, nil
}

// equivocating reports whether node still misbehaves: Byzantine nodes stop
// once their own engine has slashed them.
func (n *Network) equivocating(node *Node) bool {
	if !node.Byzantine {
		return false
	}
	v, err := node.Engine.Validator(node.ID)
	return err == nil && !v.Slashed
}

// broadcast delivers a message to every engine concurrently and returns each
// engine's decision, indexed like the nodes.
func (n *Network) broadcast(deliver func(*engine.Engine) error) []error {
	errs := make([]error, len(n.nodes))
	var g errgroup.Group
	for i, node := range n.nodes {
		g.Go(func() error {
			errs[i] = deliver(node.Engine)
			if errs[i] != nil {
				deliveriesRejected.WithLabelValues(types.ClassOf(errs[i]).String()).Inc()
				log.WithError(errs[i]).WithField("engine", node.ID).Debug("Delivery rejected")
			}
			return nil
		})
	}
	_ = g.Wait()
	return errs
}

func countRejected(errs []error) int {
	count := 0
	for _, err := range errs {
		if err != nil {
			count++
		}
	}
	return count
}

func stateRoot(slot types.Slot, parent types.Hash, variant byte) types.Hash {
	var b [9]byte
	binary.BigEndian.PutUint64(b[:8], uint64(slot))
	b[8] = variant
	return types.HashBytes(parent[:], b[:])
}
