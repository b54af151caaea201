package sortition

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/blockberries/stakeberry/crypto"
	"github.com/blockberries/stakeberry/types"
)

// Ticket is a validator's VRF proof for one slot.
type Ticket struct {
	Validator types.ValidatorID
	Slot      types.Slot
	Proof     types.VRFProof
}

// TicketSource supplies the lottery proof of a validator for (seed, slot).
// A validator without a ticket abstains from the slot.
type TicketSource interface {
	Ticket(id types.ValidatorID, seed types.Hash, slot types.Slot) (types.VRFProof, bool)
}

// generational sources change the committee cache key when their content
// changes.
type generational interface {
	Generation() uint64
}

type ticketKey struct {
	validator types.ValidatorID
	slot      types.Slot
}

type storedTicket struct {
	seed  types.Hash
	proof types.VRFProof
}

// TicketBook stores tickets received from validators. Tickets are verified on
// insertion and only accepted for epochs that have not started, so the
// committee of a slot cannot change once the slot's epoch is running.
type TicketBook struct {
	mu sync.RWMutex

	slotsPerEpoch uint64
	verifier      crypto.Verifier

	tickets map[ticketKey]storedTicket
	// epochs <= sealed reject new tickets
	sealed     types.Epoch
	hasSealed  bool
	generation uint64
}

// NewTicketBook creates an empty book.
func NewTicketBook(slotsPerEpoch uint64, verifier crypto.Verifier) *TicketBook {
	return &TicketBook{
		slotsPerEpoch: slotsPerEpoch,
		verifier:      verifier,
		tickets:       make(map[ticketKey]storedTicket),
	}
}

// Add verifies and stores t. seed must be the seed of t's epoch and pub the
// validator's public key. Re-adding the same ticket is a no-op; a different
// proof for a slot that already has one is rejected.
func (b *TicketBook) Add(t Ticket, pub types.PublicKey, seed types.Hash) error {
	epoch := types.EpochOf(t.Slot, b.slotsPerEpoch)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.hasSealed && epoch <= b.sealed {
		ticketsRejected.WithLabelValues("sealed").Inc()
		return &types.InvalidEpochError{Expected: b.sealed + 1, Actual: epoch}
	}
	key := ticketKey{validator: t.Validator, slot: t.Slot}
	if prev, ok := b.tickets[key]; ok {
		if prev.proof == t.Proof && prev.seed == seed {
			return nil
		}
		ticketsRejected.WithLabelValues("conflict").Inc()
		return fmt.Errorf("%w: conflicting ticket from %s for slot %d", types.ErrInvalidProof, t.Validator, t.Slot)
	}
	if types.ValidatorIDFromPublicKey(pub) != t.Validator {
		ticketsRejected.WithLabelValues("key").Inc()
		return fmt.Errorf("%w: public key does not belong to %s", types.ErrInvalidProof, t.Validator)
	}
	if !b.verifier.VerifyVRF(pub, seed, t.Slot, t.Proof) {
		ticketsRejected.WithLabelValues("proof").Inc()
		return fmt.Errorf("%w: ticket from %s for slot %d", types.ErrVRFVerificationFailed, t.Validator, t.Slot)
	}

	b.tickets[key] = storedTicket{seed: seed, proof: t.Proof}
	b.generation++
	ticketsAccepted.Inc()
	return nil
}

// Ticket implements TicketSource.
func (b *TicketBook) Ticket(id types.ValidatorID, seed types.Hash, slot types.Slot) (types.VRFProof, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	t, ok := b.tickets[ticketKey{validator: id, slot: slot}]
	if !ok || t.seed != seed {
		return types.VRFProof{}, false
	}
	return t.proof, true
}

// Seal closes epochs up to and including epoch to new tickets.
func (b *TicketBook) Seal(epoch types.Epoch) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.hasSealed || epoch > b.sealed {
		b.sealed = epoch
		b.hasSealed = true
		log.WithField("epoch", epoch).Debug("Sealed ticket book")
	}
}

// Prune drops tickets of epochs before epoch.
func (b *TicketBook) Prune(epoch types.Epoch) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	pruned := 0
	for k := range b.tickets {
		if types.EpochOf(k.slot, b.slotsPerEpoch) < epoch {
			delete(b.tickets, k)
			pruned++
		}
	}
	if pruned > 0 {
		log.WithFields(logrus.Fields{"before": epoch, "pruned": pruned}).Debug("Pruned tickets")
	}
	return pruned
}

// Len returns the number of stored tickets.
func (b *TicketBook) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.tickets)
}

// Generation increments on every stored ticket.
func (b *TicketBook) Generation() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.generation
}
