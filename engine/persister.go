package engine

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/blockberries/stakeberry/slashing"
	"github.com/blockberries/stakeberry/storage"
	"github.com/blockberries/stakeberry/types"
)

type persistOp struct {
	kind string
	fn   func(storage.Storage) error
}

// persister applies storage writes on its own goroutine so that the
// dispatch loop never waits for I/O. Writes are applied in order. A nil
// store accepts and discards everything.
type persister struct {
	mu      sync.Mutex
	store   storage.Storage
	ops     chan persistOp
	running bool
	closed  bool
	wg      sync.WaitGroup
}

var _ slashing.Sink = (*persister)(nil)

func newPersister(store storage.Storage, queueSize int) *persister {
	return &persister{
		store: store,
		ops:   make(chan persistOp, queueSize),
	}
}

func (p *persister) start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.store == nil || p.running || p.closed {
		return
	}
	p.running = true
	p.wg.Add(1)
	go p.run()
}

func (p *persister) run() {
	defer p.wg.Done()
	for op := range p.ops {
		persistQueueDepth.Set(float64(len(p.ops)))
		if err := op.fn(p.store); err != nil {
			persistFailures.WithLabelValues(op.kind).Inc()
			log.WithError(err).WithField("kind", op.kind).Error("Storage write failed")
		}
	}
}

// stop applies the queued writes and returns.
func (p *persister) stop() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.ops)
	p.mu.Unlock()
	p.wg.Wait()
}

// enqueue schedules op. It fails with ErrStorage when the queue is full or
// the persister is stopped; it never blocks.
func (p *persister) enqueue(kind string, fn func(storage.Storage) error) error {
	if p.store == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("%w: persister stopped, dropped %s", types.ErrStorage, kind)
	}
	select {
	case p.ops <- persistOp{kind: kind, fn: fn}:
		persistQueueDepth.Set(float64(len(p.ops)))
		return nil
	default:
		persistFailures.WithLabelValues(kind).Inc()
		log.WithFields(logrus.Fields{"kind": kind, "queue": cap(p.ops)}).Error("Persist queue full, dropped write")
		return fmt.Errorf("%w: persist queue full, dropped %s", types.ErrStorage, kind)
	}
}

func (p *persister) StoreBlock(b *types.BlockProposal) error {
	b = b.Copy()
	return p.enqueue("block", func(s storage.Storage) error { return s.StoreBlock(b) })
}

func (p *persister) StoreValidatorSet(epoch types.Epoch, vals []*types.Validator) error {
	return p.enqueue("validator_set", func(s storage.Storage) error { return s.StoreValidatorSet(epoch, vals) })
}

func (p *persister) PersistFinalized(cp types.Checkpoint) error {
	return p.enqueue("finalized", func(s storage.Storage) error { return s.PersistFinalized(cp) })
}

func (p *persister) PersistEvidence(rec *types.EquivocationRecord) error {
	return p.enqueue("evidence", func(s storage.Storage) error { return s.PersistEvidence(rec) })
}

// PersistSlashing implements slashing.Sink.
func (p *persister) PersistSlashing(c *types.SlashingCondition) error {
	c = c.Copy()
	return p.enqueue("slashing", func(s storage.Storage) error { return s.PersistSlashing(c) })
}
