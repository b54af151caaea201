package evidence

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"testing"

	"github.com/holiman/uint256"

	"github.com/blockberries/stakeberry/crypto"
	"github.com/blockberries/stakeberry/crypto/bls"
	"github.com/blockberries/stakeberry/types"
)

const (
	testChainID = "test-chain"
	testSPE     = 4
)

type testSigner struct {
	val  *types.Validator
	priv ed25519.PrivateKey
	bls  *bls.SecretKey
}

func newTestSigner(t *testing.T, seed byte) *testSigner {
	t.Helper()
	priv := ed25519.NewKeyFromSeed(bytes.Repeat([]byte{seed}, ed25519.SeedSize))
	blsKey, err := bls.KeyFromSeed(bytes.Repeat([]byte{seed}, bls.SecretKeySize))
	if err != nil {
		t.Fatalf("bls key: %v", err)
	}
	pub := types.MustNewPublicKey(priv.Public().(ed25519.PublicKey))
	return &testSigner{
		val:  types.NewValidator(pub, blsKey.PublicKey(), uint256.NewInt(100), 0),
		priv: priv,
		bls:  blsKey,
	}
}

func (s *testSigner) proposal(slot types.Slot, root string) *types.BlockProposal {
	p := &types.BlockProposal{
		Slot:       slot,
		Proposer:   s.val.ID,
		ParentHash: types.HashBytes([]byte("parent")),
		StateRoot:  types.HashBytes([]byte(root)),
	}
	p.Signature = types.MustNewSignature(ed25519.Sign(s.priv, types.ProposalSignBytes(testChainID, p)))
	return p
}

func (s *testSigner) vote(slot types.Slot, block string, source types.Epoch) *types.Attestation {
	a := &types.Attestation{
		Slot:      slot,
		BlockHash: types.HashBytes([]byte(block)),
		Source:    types.Checkpoint{Epoch: source},
		Validator: s.val.ID,
	}
	a.Signature = s.bls.Sign(types.AttestationSignBytes(testChainID, a.Data()))
	return a
}

func newTestDetector() *Detector {
	cfg := DefaultConfig()
	cfg.SlotsPerEpoch = testSPE
	return NewDetector(cfg)
}

func TestDetectorNew(t *testing.T) {
	d := newTestDetector()
	if d == nil {
		t.Fatal("NewDetector should not return nil")
	}
	if d.Size() != 0 {
		t.Errorf("new detector should have no pending records, got %d", d.Size())
	}
}

func TestDetectorDoubleProposal(t *testing.T) {
	d := newTestDetector()
	v := newTestSigner(t, 1)

	b1 := v.proposal(5, "b1")
	rec, err := d.CheckProposal(b1)
	if err != nil || rec != nil {
		t.Fatalf("first proposal should be accepted, got %v %v", rec, err)
	}

	// Same proposal again - not equivocation
	rec, err = d.CheckProposal(b1.Copy())
	if err != nil || rec != nil {
		t.Fatalf("identical proposal should be a no-op, got %v %v", rec, err)
	}

	// Different proposal at same slot - equivocation
	b2 := v.proposal(5, "b2")
	rec, err = d.CheckProposal(b2)
	if rec == nil {
		t.Fatal("expected equivocation record")
	}
	var dpe *types.DoubleProposalError
	if !errors.As(err, &dpe) {
		t.Fatalf("expected DoubleProposalError, got %v", err)
	}
	if dpe.Validator != v.val.ID || dpe.Slot != 5 {
		t.Errorf("wrong error payload: %+v", dpe)
	}
	if rec.FirstProposal.Hash() != b1.Hash() || rec.SecondProposal.Hash() != b2.Hash() {
		t.Error("record should hold first-seen then conflicting proposal")
	}

	stored, err := d.Record(v.val.ID, 5, types.OffenseDoubleProposal)
	if err != nil || stored != rec {
		t.Fatalf("record not retrievable: %v", err)
	}
	if d.Size() != 1 {
		t.Errorf("expected 1 pending record, got %d", d.Size())
	}
}

func TestDetectorRecordNeverOverwritten(t *testing.T) {
	d := newTestDetector()
	v := newTestSigner(t, 1)

	d.CheckProposal(v.proposal(5, "b1"))
	first, _ := d.CheckProposal(v.proposal(5, "b2"))
	again, err := d.CheckProposal(v.proposal(5, "b3"))
	if err == nil {
		t.Fatal("third distinct proposal should still be rejected")
	}
	if again != first {
		t.Error("later conflicts should return the original record")
	}
	if again.SecondProposal.StateRoot != types.HashBytes([]byte("b2")) {
		t.Error("record content changed")
	}
	if d.Size() != 1 {
		t.Errorf("expected 1 pending record, got %d", d.Size())
	}
}

func TestDetectorDoubleAttestation(t *testing.T) {
	d := newTestDetector()
	v := newTestSigner(t, 1)

	a1 := v.vote(6, "h1", 0)
	if rec, err := d.CheckAttestation(a1); err != nil || rec != nil {
		t.Fatalf("first vote should be accepted: %v", err)
	}
	if rec, err := d.CheckAttestation(a1.Copy()); err != nil || rec != nil {
		t.Fatalf("identical vote should be a no-op: %v", err)
	}

	a2 := v.vote(6, "h2", 0)
	rec, err := d.CheckAttestation(a2)
	var dae *types.DoubleAttestationError
	if !errors.As(err, &dae) {
		t.Fatalf("expected DoubleAttestationError, got %v", err)
	}
	if dae.Block != a2.BlockHash {
		t.Error("error should name the conflicting block")
	}
	if rec == nil || rec.Offense != types.OffenseDoubleAttestation {
		t.Fatal("expected double attestation record")
	}
	if err := rec.ValidateBasic(testSPE); err != nil {
		t.Errorf("record should be valid: %v", err)
	}

	// Other validator at same slot is independent
	w := newTestSigner(t, 2)
	if _, err := d.CheckAttestation(w.vote(6, "h2", 0)); err != nil {
		t.Errorf("other validator should not conflict: %v", err)
	}
}

func TestDetectorOutOfOrder(t *testing.T) {
	d := newTestDetector()
	v := newTestSigner(t, 1)

	// later slot first, then the earlier conflicting pair
	d.CheckAttestation(v.vote(9, "x", 1))
	d.CheckAttestation(v.vote(6, "h2", 1))
	if _, err := d.CheckAttestation(v.vote(6, "h1", 1)); !errors.Is(err, types.ErrDoubleAttestation) {
		t.Fatalf("expected double attestation regardless of order, got %v", err)
	}
}

func TestDetectorSurroundVote(t *testing.T) {
	d := newTestDetector()
	v := newTestSigner(t, 1)

	// inner: source 2, target 3 (slot 12)
	if _, err := d.CheckAttestation(v.vote(12, "inner", 2)); err != nil {
		t.Fatalf("inner vote: %v", err)
	}
	// outer: source 1, target 4 (slot 17) surrounds inner
	rec, err := d.CheckAttestation(v.vote(17, "outer", 1))
	if !errors.Is(err, types.ErrSlashingCondition) {
		t.Fatalf("expected surround vote, got %v", err)
	}
	if rec == nil || rec.Offense != types.OffenseSurroundVote {
		t.Fatal("expected surround record")
	}
	if err := rec.ValidateBasic(testSPE); err != nil {
		t.Errorf("surround record should be valid: %v", err)
	}

	// surrounded direction
	w := newTestSigner(t, 2)
	d.CheckAttestation(w.vote(17, "outer", 1))
	if _, err := d.CheckAttestation(w.vote(12, "inner", 2)); !errors.Is(err, types.ErrSlashingCondition) {
		t.Fatalf("expected surrounded vote to be caught, got %v", err)
	}

	// consecutive votes are fine
	u := newTestSigner(t, 3)
	d.CheckAttestation(u.vote(4, "a", 0))
	d.CheckAttestation(u.vote(8, "b", 1))
	if _, err := d.CheckAttestation(u.vote(12, "c", 2)); err != nil {
		t.Errorf("chained votes are not slashable: %v", err)
	}
}

func TestDetectorPendingAndCommitted(t *testing.T) {
	d := newTestDetector()
	v := newTestSigner(t, 1)
	w := newTestSigner(t, 2)

	d.CheckProposal(v.proposal(1, "a"))
	r1, _ := d.CheckProposal(v.proposal(1, "b"))
	d.CheckProposal(w.proposal(2, "a"))
	r2, _ := d.CheckProposal(w.proposal(2, "b"))

	pending := d.Pending()
	if len(pending) != 2 || pending[0] != r1 || pending[1] != r2 {
		t.Fatalf("pending should list records oldest first, got %d", len(pending))
	}

	d.MarkCommitted(r1)
	if d.Size() != 1 || d.Pending()[0] != r2 {
		t.Error("committed record should leave the pending list")
	}
	if err := d.AddRecord(r1); !errors.Is(err, ErrDuplicateEvidence) {
		t.Errorf("committed record should be a duplicate, got %v", err)
	}
}

func TestDetectorAddRecord(t *testing.T) {
	d := newTestDetector()
	v := newTestSigner(t, 1)

	rec := &types.EquivocationRecord{
		Offense:        types.OffenseDoubleProposal,
		Validator:      v.val.ID,
		Slot:           3,
		FirstProposal:  v.proposal(3, "a"),
		SecondProposal: v.proposal(3, "b"),
	}
	if err := d.AddRecord(rec); err != nil {
		t.Fatalf("AddRecord: %v", err)
	}
	if err := d.AddRecord(rec); !errors.Is(err, ErrDuplicateEvidence) {
		t.Errorf("expected duplicate, got %v", err)
	}

	// local detection of the same offense reuses the external record
	d.CheckProposal(v.proposal(3, "a"))
	got, _ := d.CheckProposal(v.proposal(3, "c"))
	if got != rec {
		t.Error("detector should reuse the known record")
	}
}

func TestDetectorPrune(t *testing.T) {
	d := newTestDetector()
	v := newTestSigner(t, 1)

	d.CheckProposal(v.proposal(2, "a"))   // epoch 0
	d.CheckAttestation(v.vote(6, "x", 0)) // epoch 1
	d.CheckProposal(v.proposal(9, "a"))   // epoch 2

	d.Prune(2)
	if d.trackedLocked() != 1 {
		t.Fatalf("expected 1 artifact after prune, got %d", d.trackedLocked())
	}

	// pruned slots no longer conflict
	if _, err := d.CheckProposal(v.proposal(2, "b")); err != nil {
		t.Errorf("pruned slot should accept a fresh proposal: %v", err)
	}
	if _, err := d.CheckProposal(v.proposal(9, "b")); !errors.Is(err, types.ErrDoubleProposal) {
		t.Errorf("retained slot should still conflict: %v", err)
	}
}

func TestDetectorConflicts(t *testing.T) {
	d := newTestDetector()
	v := newTestSigner(t, 1)

	unsigned := func(slot types.Slot, block string, source types.Epoch) *types.Attestation {
		a := v.vote(slot, block, source)
		a.Signature = types.BLSSignature{}
		return a
	}

	if err := d.Conflicts(unsigned(6, "h1", 0)); err != nil {
		t.Fatalf("nothing seen yet: %v", err)
	}
	if d.trackedLocked() != 0 {
		t.Fatal("Conflicts must not record the vote")
	}

	d.CheckAttestation(v.vote(6, "h1", 0))
	d.CheckAttestation(v.vote(12, "inner", 2))
	if err := d.Conflicts(unsigned(6, "h1", 0)); err != nil {
		t.Errorf("same vote should not conflict: %v", err)
	}
	if err := d.Conflicts(unsigned(6, "h2", 0)); !errors.Is(err, types.ErrDoubleAttestation) {
		t.Errorf("expected ErrDoubleAttestation, got %v", err)
	}
	if err := d.Conflicts(unsigned(17, "outer", 1)); !errors.Is(err, types.ErrSlashingCondition) {
		t.Errorf("expected surround conflict, got %v", err)
	}
	if d.Size() != 0 {
		t.Errorf("Conflicts must not create records, got %d pending", d.Size())
	}
}

func TestDetectorLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SlotsPerEpoch = testSPE
	cfg.MaxSeenArtifacts = 4
	d := NewDetector(cfg)
	v := newTestSigner(t, 1)
	w := newTestSigner(t, 2)

	if _, err := d.CheckProposal(v.proposal(5, "a")); err != nil {
		t.Fatalf("first artifact refused: %v", err)
	}
	for slot := types.Slot(6); slot < 9; slot++ {
		if _, err := d.CheckProposal(w.proposal(slot, "x")); err != nil {
			t.Fatalf("artifact at slot %d refused: %v", slot, err)
		}
	}

	// nothing is finalized, so the cap refuses instead of evicting
	if _, err := d.CheckProposal(w.proposal(9, "x")); !errors.Is(err, ErrTrackingLimit) {
		t.Fatalf("expected ErrTrackingLimit, got %v", err)
	}
	if _, err := d.CheckAttestation(w.vote(9, "h", 0)); !errors.Is(err, ErrTrackingLimit) {
		t.Fatalf("expected ErrTrackingLimit for a vote, got %v", err)
	}
	if n := d.trackedLocked(); n != 4 {
		t.Errorf("tracking exceeded limit: %d", n)
	}

	// known artifacts are still checked at the cap
	if _, err := d.CheckProposal(w.proposal(6, "x")); err != nil {
		t.Errorf("resubmitted artifact refused: %v", err)
	}
	rec, err := d.CheckProposal(v.proposal(5, "b"))
	if !errors.Is(err, types.ErrDoubleProposal) || rec == nil {
		t.Fatalf("equivocation at the cap went undetected: %v", err)
	}

	// finality releases room
	d.Prune(2)
	if _, err := d.CheckProposal(w.proposal(9, "x")); err != nil {
		t.Errorf("artifact refused after prune: %v", err)
	}
}

func TestVerifyRecord(t *testing.T) {
	d := newTestDetector()
	v := newTestSigner(t, 1)
	verifier := crypto.NewVerifier()

	d.CheckProposal(v.proposal(5, "a"))
	rec, _ := d.CheckProposal(v.proposal(5, "b"))
	if err := VerifyRecord(rec, testChainID, testSPE, v.val, verifier); err != nil {
		t.Fatalf("valid record rejected: %v", err)
	}
	if err := VerifyRecord(rec, "other-chain", testSPE, v.val, verifier); !errors.Is(err, types.ErrInvalidSignature) {
		t.Errorf("wrong chain should fail signature check, got %v", err)
	}
	other := newTestSigner(t, 2)
	if err := VerifyRecord(rec, testChainID, testSPE, other.val, verifier); !errors.Is(err, types.ErrValidatorNotFound) {
		t.Errorf("wrong validator should fail, got %v", err)
	}

	d.CheckAttestation(v.vote(6, "h1", 0))
	vrec, _ := d.CheckAttestation(v.vote(6, "h2", 0))
	if err := VerifyRecord(vrec, testChainID, testSPE, v.val, verifier); err != nil {
		t.Fatalf("valid vote record rejected: %v", err)
	}

	forged := *vrec
	forged.SecondVote = vrec.SecondVote.Copy()
	forged.SecondVote.Signature = other.bls.Sign(types.AttestationSignBytes(testChainID, forged.SecondVote.Data()))
	if err := VerifyRecord(&forged, testChainID, testSPE, v.val, verifier); !errors.Is(err, types.ErrInvalidSignature) {
		t.Errorf("forged signature should fail, got %v", err)
	}
}

func TestVerifyViolation(t *testing.T) {
	v := newTestSigner(t, 1)
	verifier := crypto.NewVerifier()

	proof := &types.ForkChoiceViolationProof{
		Attestation: v.vote(9, "fork", 1),
		Finalized:   types.Checkpoint{Epoch: 1, Root: types.HashBytes([]byte("final"))},
	}
	if err := VerifyViolation(proof, testChainID, testSPE, v.val, verifier); err != nil {
		t.Fatalf("valid proof rejected: %v", err)
	}
	if err := VerifyViolation(&types.ForkChoiceViolationProof{}, testChainID, testSPE, v.val, verifier); err == nil {
		t.Error("empty proof should fail")
	}
}
