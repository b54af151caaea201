package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/blockberries/stakeberry/contribution"
	"github.com/blockberries/stakeberry/crypto"
	"github.com/blockberries/stakeberry/evidence"
	"github.com/blockberries/stakeberry/finality"
	"github.com/blockberries/stakeberry/forkchoice"
	"github.com/blockberries/stakeberry/params"
	"github.com/blockberries/stakeberry/registry"
	"github.com/blockberries/stakeberry/slashing"
	"github.com/blockberries/stakeberry/sortition"
	"github.com/blockberries/stakeberry/storage"
	"github.com/blockberries/stakeberry/types"
)

// Options carries the optional collaborators of an Engine.
type Options struct {
	// Verifier defaults to crypto.NewVerifier().
	Verifier crypto.Verifier
	// Tickets is consulted after the engine's own ticket book, typically a
	// privval.Keyring proving for local validators.
	Tickets sortition.TicketSource
	// Storage receives blocks, validator sets, evidence, slashings and
	// finalized checkpoints. Nil disables persistence.
	Storage storage.Storage
	// Ticker defaults to a wall-clock SlotTicker starting at
	// Config.GenesisTime.
	Ticker Ticker
	// Local is credited as reporter of misbehavior the engine detects
	// itself. Zero burns the reward.
	Local types.ValidatorID
}

// Status is a point-in-time view of the engine.
type Status struct {
	Slot      types.Slot
	Epoch     types.Epoch
	Step      SlotStep
	Head      types.Hash
	Justified types.Checkpoint
	Finalized types.Checkpoint
	// Halted is the finality conflict that stopped the engine, if any.
	Halted error
}

type request struct {
	fn   func() error
	done chan error
}

// Engine is the consensus engine. All consensus state is mutated by a single
// dispatch goroutine; submissions are queued to it and answered
// synchronously. Queries are served concurrently.
type Engine struct {
	mu sync.RWMutex

	// Configuration
	config  *Config
	params  *params.Config
	chainID string
	local   types.ValidatorID

	// Components
	verifier  crypto.Verifier
	registry  *registry.Registry
	tickets   *sortition.TicketBook
	sortition *sortition.Sortition
	detector  *evidence.Detector
	store     *forkchoice.Store
	tracker   *finality.Tracker
	ledger    *slashing.Ledger
	pool      *AttestationPool
	work      *contribution.Tracker

	storage   storage.Storage
	persister *persister
	ticker    Ticker
	events    *eventBus

	genesis *types.BlockProposal

	// validator snapshots frozen at first use, per epoch
	snapMu    sync.Mutex
	snapshots map[types.Epoch]*registry.Snapshot

	// State, written by the dispatch loop under mu
	state    slotState
	halted   error
	replayed *ReplayResult

	requests chan request

	started bool
	stopped bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates an engine for the chain starting at genesis. reg holds the
// validator set and is mutated by slashing.
func New(cfg *Config, p *params.Config, genesis *types.BlockProposal, reg *registry.Registry, opts Options) (*Engine, error) {
	if err := cfg.ValidateBasic(); err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if genesis == nil || !genesis.IsGenesis() {
		return nil, fmt.Errorf("%w: genesis must be at slot 0 with no parent", types.ErrInvalidBlock)
	}
	if reg == nil {
		return nil, fmt.Errorf("%w: nil registry", ErrInvalidConfig)
	}

	verifier := opts.Verifier
	if verifier == nil {
		verifier = crypto.NewVerifier()
	}
	tickets := sortition.NewTicketBook(p.SlotsPerEpoch, verifier)
	sources := ticketSources{tickets}
	if opts.Tickets != nil {
		sources = append(sources, opts.Tickets)
	}
	sel, err := sortition.New(p, verifier, sources)
	if err != nil {
		return nil, err
	}
	store, err := forkchoice.New(genesis)
	if err != nil {
		return nil, err
	}
	work, err := contribution.NewTracker(cfg.Contribution)
	if err != nil {
		return nil, err
	}

	evCfg := cfg.Evidence
	evCfg.SlotsPerEpoch = p.SlotsPerEpoch
	pers := newPersister(opts.Storage, cfg.PersistQueueSize)

	return &Engine{
		config:    cfg,
		params:    p,
		chainID:   cfg.ChainID,
		local:     opts.Local,
		verifier:  verifier,
		registry:  reg,
		tickets:   tickets,
		sortition: sel,
		detector:  evidence.NewDetector(evCfg),
		store:     store,
		tracker:   finality.New(p, store, genesis.Hash()),
		ledger:    slashing.NewLedger(p, reg, pers),
		pool:      NewAttestationPool(cfg.MaxAggregateSlots),
		work:      work,
		storage:   opts.Storage,
		persister: pers,
		ticker:    opts.Ticker,
		events:    newEventBus(),
		genesis:   genesis.Copy(),
		snapshots: make(map[types.Epoch]*registry.Snapshot),
		requests:  make(chan request, cfg.SubmitQueueSize),
	}, nil
}

// Start starts the dispatch loop and the slot ticker.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		return ErrAlreadyStarted
	}
	if e.stopped {
		return ErrStopped
	}

	if e.storage != nil {
		replayed, err := e.replay()
		if err != nil {
			// partially replayed state cannot be trusted
			e.stopped = true
			return err
		}
		e.replayed = replayed
	}
	// queued before the writer starts, so a failure leaves nothing running
	if err := e.persister.StoreBlock(e.genesis); err != nil {
		return err
	}
	e.persister.start()

	if e.ticker == nil {
		genesisTime := e.config.GenesisTime
		if genesisTime.IsZero() {
			genesisTime = time.Now()
		}
		e.ticker = NewSlotTicker(genesisTime, e.params.SlotDuration())
	}

	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.wg.Add(1)
	go e.receiveRoutine()
	e.ticker.Start()

	e.started = true
	log.WithFields(logrus.Fields{
		"chain":      e.chainID,
		"genesis":    e.genesis.Hash().Short(),
		"validators": e.registry.Len(),
	}).Info("Started consensus engine")
	return nil
}

// Stop stops the engine and flushes pending storage writes. A stopped
// engine cannot be restarted.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return ErrNotStarted
	}
	e.started = false
	e.stopped = true
	e.mu.Unlock()

	e.ticker.Stop()
	e.cancel()
	e.wg.Wait()
	e.persister.stop()
	e.events.close()

	log.Info("Stopped consensus engine")
	return nil
}

func (e *Engine) receiveRoutine() {
	defer e.wg.Done()

	for {
		select {
		case <-e.ctx.Done():
			return

		case req := <-e.requests:
			req.done <- e.dispatch(req.fn)

		case slot := <-e.ticker.Chan():
			e.mu.Lock()
			e.handleTick(slot)
			e.mu.Unlock()
		}
	}
}

func (e *Engine) dispatch(fn func() error) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.halted != nil {
		return e.halted
	}
	return fn()
}

// submit queues fn for the dispatch loop and waits for its decision. A
// cancelled ctx stops the wait; a queued submission is still processed.
func (e *Engine) submit(ctx context.Context, kind string, fn func() error) error {
	e.mu.RLock()
	started, halted := e.started, e.halted
	var stopped <-chan struct{}
	if e.ctx != nil {
		stopped = e.ctx.Done()
	}
	e.mu.RUnlock()

	if !started {
		if e.isStopped() {
			return ErrStopped
		}
		return ErrNotStarted
	}
	if halted != nil {
		rejectedTotal.WithLabelValues(kind, types.ClassOf(halted).String()).Inc()
		return halted
	}

	req := request{fn: fn, done: make(chan error, 1)}
	select {
	case e.requests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-stopped:
		return ErrStopped
	}

	var err error
	select {
	case err = <-req.done:
	case <-ctx.Done():
		return ctx.Err()
	case <-stopped:
		return ErrStopped
	}

	if err != nil {
		rejectedTotal.WithLabelValues(kind, types.ClassOf(err).String()).Inc()
		log.WithError(err).WithField("kind", kind).Debug("Rejected submission")
		return err
	}
	acceptedTotal.WithLabelValues(kind).Inc()
	return nil
}

func (e *Engine) isStopped() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.stopped
}

// SubmitProposal validates a block proposal and adds it to the fork choice.
func (e *Engine) SubmitProposal(ctx context.Context, p *types.BlockProposal) error {
	p = p.Copy()
	return e.submit(ctx, "proposal", func() error { return e.handleProposal(p) })
}

// SubmitAttestation validates a single attestation and counts its weight.
func (e *Engine) SubmitAttestation(ctx context.Context, a *types.Attestation) error {
	a = a.Copy()
	return e.submit(ctx, "attestation", func() error { return e.handleAttestation(a) })
}

// SubmitAggregate validates an aggregate attestation and counts the weight
// of every attester that did not equivocate.
func (e *Engine) SubmitAggregate(ctx context.Context, agg *types.AggregateAttestation) error {
	agg = copyAggregate(agg)
	return e.submit(ctx, "aggregate", func() error { return e.handleAggregate(agg) })
}

// SubmitEvidence verifies an equivocation record received from reporter and
// slashes the offender. Evidence already acted upon is accepted without a
// second penalty.
func (e *Engine) SubmitEvidence(ctx context.Context, rec *types.EquivocationRecord, reporter types.ValidatorID) error {
	return e.submit(ctx, "evidence", func() error { return e.handleEvidence(rec, reporter) })
}

// SubmitViolation verifies proof that an attestation's source conflicts with
// the local finalized chain and slashes its signer.
func (e *Engine) SubmitViolation(ctx context.Context, proof *types.ForkChoiceViolationProof, reporter types.ValidatorID) error {
	return e.submit(ctx, "violation", func() error { return e.handleViolation(proof, reporter) })
}

// SubmitTicket stores a validator's lottery proof for a slot of an epoch
// that has not started yet.
func (e *Engine) SubmitTicket(ctx context.Context, t sortition.Ticket) error {
	return e.submit(ctx, "ticket", func() error { return e.handleTicket(t) })
}

// Subscribe returns a subscription to engine events. buffer <= 0 uses the
// configured default.
func (e *Engine) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = e.config.EventBufferSize
	}
	return e.events.subscribe(buffer)
}

// Status returns the current state.
func (e *Engine) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return Status{
		Slot:      e.state.slot,
		Epoch:     e.state.epoch,
		Step:      e.state.step,
		Head:      e.store.Head(),
		Justified: e.tracker.Justified(),
		Finalized: e.tracker.Finalized(),
		Halted:    e.halted,
	}
}

// Replayed returns what Start recovered from storage, or nil when the
// engine started from genesis.
func (e *Engine) Replayed() *ReplayResult {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.replayed
}

// Head returns the canonical head.
func (e *Engine) Head() types.Hash {
	return e.store.Head()
}

// HeadBlock returns a copy of the canonical head block.
func (e *Engine) HeadBlock() *types.BlockProposal {
	return e.store.HeadBlock()
}

// Block returns a copy of a block in the fork choice.
func (e *Engine) Block(root types.Hash) (*types.BlockProposal, bool) {
	return e.store.Block(root)
}

// Committee returns the proposer and committee of slot.
func (e *Engine) Committee(slot types.Slot) (*sortition.Committee, error) {
	c, _, err := e.committee(slot)
	return c, err
}

// FinalityStatus returns the best checkpoint of epoch, or
// ErrFinalityNotReached.
func (e *Engine) FinalityStatus(epoch types.Epoch) (types.FinalityCheckpoint, error) {
	return e.tracker.Status(epoch)
}

// Validator returns a copy of a registered validator.
func (e *Engine) Validator(id types.ValidatorID) (*types.Validator, error) {
	return e.registry.Get(id)
}

// Slashings returns every penalty applied so far.
func (e *Engine) Slashings() []*types.SlashingCondition {
	return e.ledger.Conditions()
}

// PendingEvidence returns detected equivocations not yet acted upon.
func (e *Engine) PendingEvidence() []*types.EquivocationRecord {
	return e.detector.Pending()
}

// Contributions returns the credited work of every validator that has
// proposed or attested, highest total first.
func (e *Engine) Contributions() []contribution.Account {
	return e.work.Accounts()
}

// ContributionScore returns the proof-of-contribution score of a registered
// validator at the current epoch.
func (e *Engine) ContributionScore(id types.ValidatorID) (float64, error) {
	val, err := e.registry.Get(id)
	if err != nil {
		return 0, err
	}
	e.mu.RLock()
	epoch := e.state.epoch
	e.mu.RUnlock()
	return e.work.Score(id, val.Stake, epoch), nil
}

// Aggregates returns the merged attestations of slot, largest first.
func (e *Engine) Aggregates(slot types.Slot) ([]*types.AggregateAttestation, error) {
	return e.pool.Aggregates(slot)
}

// Graph renders the fork choice tree in DOT format.
func (e *Engine) Graph() string {
	return e.store.Graph()
}

// ChainID returns the chain the engine signs and verifies for.
func (e *Engine) ChainID() string {
	return e.chainID
}

// snapshot returns the validator snapshot of epoch, freezing it on first
// use so that committees of a running epoch never change.
func (e *Engine) snapshot(epoch types.Epoch) *registry.Snapshot {
	e.snapMu.Lock()
	defer e.snapMu.Unlock()

	if s, ok := e.snapshots[epoch]; ok {
		return s
	}
	s := e.registry.Snapshot(epoch)
	e.snapshots[epoch] = s
	return s
}

// thawSnapshots drops frozen snapshots of epochs after epoch so that
// slashings take effect from the next epoch on.
func (e *Engine) thawSnapshots(after types.Epoch) {
	e.snapMu.Lock()
	defer e.snapMu.Unlock()
	for ep := range e.snapshots {
		if ep > after {
			delete(e.snapshots, ep)
		}
	}
}

func (e *Engine) pruneSnapshots(before types.Epoch) {
	e.snapMu.Lock()
	defer e.snapMu.Unlock()
	for ep := range e.snapshots {
		if ep < before {
			delete(e.snapshots, ep)
		}
	}
}

func (e *Engine) committee(slot types.Slot) (*sortition.Committee, *registry.Snapshot, error) {
	snap := e.snapshot(types.EpochOf(slot, e.params.SlotsPerEpoch))
	c, err := e.sortition.Committee(snap, slot)
	if err != nil {
		return nil, nil, err
	}
	return c, snap, nil
}

// ticketSources consults each source in order.
type ticketSources []sortition.TicketSource

func (s ticketSources) Ticket(id types.ValidatorID, seed types.Hash, slot types.Slot) (types.VRFProof, bool) {
	for _, src := range s {
		if proof, ok := src.Ticket(id, seed, slot); ok {
			return proof, true
		}
	}
	return types.VRFProof{}, false
}

// Generation sums the generations of the sources so that the committee
// cache notices a change in any of them.
func (s ticketSources) Generation() uint64 {
	var g uint64
	for _, src := range s {
		if gs, ok := src.(interface{ Generation() uint64 }); ok {
			g += gs.Generation()
		}
	}
	return g
}

func copyAggregate(agg *types.AggregateAttestation) *types.AggregateAttestation {
	if agg == nil {
		return nil
	}
	cp := *agg
	if agg.AggregationBits != nil {
		cp.AggregationBits = copyBits(agg.AggregationBits)
	}
	return &cp
}
