package privval

import (
	"crypto/ed25519"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/blockberries/stakeberry/crypto/bls"
	"github.com/blockberries/stakeberry/types"
)

// MemPV is a private validator whose keys and state live in memory.
type MemPV struct {
	signer
}

// NewMemPV derives both keys deterministically from seed.
func NewMemPV(seed []byte) (*MemPV, error) {
	edSeed := types.HashBytes([]byte("stakeberry/privval/ed25519"), seed)
	blsSeed := types.HashBytes([]byte("stakeberry/privval/bls"), seed)
	blsKey, err := bls.KeyFromSeed(blsSeed[:])
	if err != nil {
		return nil, err
	}
	k, err := newKeys(ed25519.NewKeyFromSeed(edSeed[:]), blsKey)
	if err != nil {
		return nil, err
	}
	return &MemPV{signer: signer{keys: k}}, nil
}

var _ PrivValidator = (*MemPV)(nil)

// Keyring proves VRF tickets for the validators whose keys it holds. It is a
// sortition.TicketSource for nodes that run their validators in process.
type Keyring struct {
	mu   sync.RWMutex
	pvs  map[types.ValidatorID]PrivValidator
	skip map[types.ValidatorID]bool
	gen  uint64
}

// NewKeyring creates a keyring holding pvs.
func NewKeyring(pvs ...PrivValidator) *Keyring {
	kr := &Keyring{
		pvs:  make(map[types.ValidatorID]PrivValidator, len(pvs)),
		skip: make(map[types.ValidatorID]bool),
	}
	for _, pv := range pvs {
		kr.pvs[pv.ID()] = pv
	}
	return kr
}

// Add inserts pv, replacing any validator with the same id.
func (kr *Keyring) Add(pv PrivValidator) {
	kr.mu.Lock()
	defer kr.mu.Unlock()
	kr.pvs[pv.ID()] = pv
	kr.gen++
}

// Get returns the validator with id.
func (kr *Keyring) Get(id types.ValidatorID) (PrivValidator, error) {
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	pv, ok := kr.pvs[id]
	if !ok {
		return nil, errors.Wrapf(types.ErrValidatorNotFound, "no key for %s", id)
	}
	return pv, nil
}

// IDs returns the held validator ids in ascending order.
func (kr *Keyring) IDs() []types.ValidatorID {
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	ids := make([]types.ValidatorID, 0, len(kr.pvs))
	for id := range kr.pvs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })
	return ids
}

// Abstain makes id withhold its tickets, as an offline validator would.
func (kr *Keyring) Abstain(id types.ValidatorID, abstain bool) {
	kr.mu.Lock()
	defer kr.mu.Unlock()
	if abstain {
		kr.skip[id] = true
	} else {
		delete(kr.skip, id)
	}
	kr.gen++
}

// Generation changes whenever the set of ticket holders changes.
func (kr *Keyring) Generation() uint64 {
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	return kr.gen
}

// Ticket implements sortition.TicketSource.
func (kr *Keyring) Ticket(id types.ValidatorID, seed types.Hash, slot types.Slot) (types.VRFProof, bool) {
	kr.mu.RLock()
	pv, ok := kr.pvs[id]
	skip := kr.skip[id]
	kr.mu.RUnlock()
	if !ok || skip {
		return types.VRFProof{}, false
	}
	proof, err := pv.VRFProve(seed, slot)
	if err != nil {
		log.WithError(err).WithField("validator", id).Error("Could not prove ticket")
		return types.VRFProof{}, false
	}
	return proof, true
}
