package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockberries/stakeberry/crypto"
	"github.com/blockberries/stakeberry/evidence"
	"github.com/blockberries/stakeberry/privval"
	"github.com/blockberries/stakeberry/sortition"
	"github.com/blockberries/stakeberry/storage"
	"github.com/blockberries/stakeberry/types"
)

func TestEngineLifecycle(t *testing.T) {
	n := newTestNet(t, 4)

	require.ErrorIs(t, n.eng.Start(), ErrAlreadyStarted)
	require.NoError(t, n.eng.Stop())
	require.ErrorIs(t, n.eng.Stop(), ErrNotStarted)
	require.ErrorIs(t, n.eng.Start(), ErrStopped)

	err := n.eng.SubmitProposal(context.Background(), n.genesis)
	require.ErrorIs(t, err, ErrStopped)
}

func TestSubmitBeforeStart(t *testing.T) {
	n := newTestNet(t, 1)
	eng, err := New(n.cfg, n.params, n.genesis, n.reg, Options{Ticker: NewManualTicker()})
	require.NoError(t, err)

	err = eng.SubmitProposal(context.Background(), n.genesis)
	require.ErrorIs(t, err, ErrNotStarted)
}

func TestNewRejectsNonGenesis(t *testing.T) {
	n := newTestNet(t, 1)
	notGenesis := &types.BlockProposal{Slot: 1, ParentHash: n.genesis.Hash()}
	_, err := New(n.cfg, n.params, notGenesis, n.reg, Options{})
	require.ErrorIs(t, err, types.ErrInvalidBlock)
}

func TestProposalAccepted(t *testing.T) {
	n := newTestNet(t, 4)
	sub := n.eng.Subscribe(0)

	n.advance(1)
	require.Equal(t, types.Slot(1), nextEvent(t, sub, EventNewSlot).Slot)
	require.Equal(t, StepAwaitingProposal, n.eng.Status().Step)

	p := n.propose(1, n.genesis.Hash())

	ev := nextEvent(t, sub, EventNewHead)
	assert.Equal(t, p.Hash(), ev.Head)
	assert.Equal(t, p.Hash(), n.eng.Head())
	assert.Equal(t, StepAwaitingAttestations, n.eng.Status().Step)

	// resubmitting is a no-op
	require.NoError(t, n.eng.SubmitProposal(n.ctx(), p))
	assert.Empty(t, n.eng.Slashings())
}

func TestProposalRejected(t *testing.T) {
	cases := []struct {
		name  string
		build func(n *testNet) *types.BlockProposal
		want  []error
	}{
		{
			name: "conflicting genesis",
			build: func(n *testNet) *types.BlockProposal {
				return types.NewGenesis(types.HashBytes([]byte("other genesis")))
			},
			want: []error{types.ErrInvalidBlock},
		},
		{
			name: "too far in the future",
			build: func(n *testNet) *types.BlockProposal {
				return n.proposal(3, n.genesis.Hash(), "", nil)
			},
			want: []error{types.ErrInvalidSlot},
		},
		{
			name: "not the proposer",
			build: func(n *testNet) *types.BlockProposal {
				c := n.committee(1)
				for _, id := range n.ids {
					if id != c.Proposer {
						return n.proposal(1, n.genesis.Hash(), "", n.pvs[id])
					}
				}
				t.Fatal("single validator")
				return nil
			},
			want: []error{types.ErrInvalidBlock, types.ErrNotCommitteeMember},
		},
		{
			name: "bad vrf proof",
			build: func(n *testNet) *types.BlockProposal {
				c := n.committee(1)
				pv := n.pvs[c.Proposer]
				proof, err := pv.VRFProve(c.Seed, 2)
				require.NoError(t, err)
				p := &types.BlockProposal{Slot: 1, ParentHash: n.genesis.Hash(), VRFProof: proof}
				require.NoError(t, pv.SignProposal(testChainID, p))
				return p
			},
			want: []error{types.ErrInvalidBlock, types.ErrVRFVerificationFailed},
		},
		{
			name: "bad signature",
			build: func(n *testNet) *types.BlockProposal {
				p := n.proposal(1, n.genesis.Hash(), "", nil)
				p.StateRoot = stateRoot(1, "tampered")
				return p
			},
			want: []error{types.ErrInvalidBlock, types.ErrInvalidSignature},
		},
		{
			name: "unknown parent",
			build: func(n *testNet) *types.BlockProposal {
				return n.proposal(1, types.HashBytes([]byte("nowhere")), "", nil)
			},
			want: []error{types.ErrInvalidBlock},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			n := newTestNet(t, 4)
			n.advance(1)

			err := n.eng.SubmitProposal(n.ctx(), tc.build(n))
			require.Error(t, err)
			for _, want := range tc.want {
				assert.ErrorIs(t, err, want)
			}
			assert.Equal(t, n.genesis.Hash(), n.eng.Head())
			assert.Equal(t, StepAwaitingProposal, n.eng.Status().Step)
		})
	}
}

func TestProposalFutureSlotError(t *testing.T) {
	n := newTestNet(t, 4)
	n.advance(1)

	err := n.eng.SubmitProposal(n.ctx(), n.proposal(5, n.genesis.Hash(), "", nil))
	var slotErr *types.InvalidSlotError
	require.True(t, errors.As(err, &slotErr))
	assert.Equal(t, types.Slot(1), slotErr.Expected)
	assert.Equal(t, types.Slot(5), slotErr.Actual)
	assert.Equal(t, types.ClassStructural, types.ClassOf(err))
}

func TestProposalSlotNotAfterParent(t *testing.T) {
	n := newTestNet(t, 4)
	n.advance(2)
	b2 := n.propose(2, n.genesis.Hash())

	late := n.proposal(1, b2.Hash(), "", n.twin(n.committee(1).Proposer))
	err := n.eng.SubmitProposal(n.ctx(), late)
	require.ErrorIs(t, err, types.ErrInvalidBlock)
	assert.Equal(t, b2.Hash(), n.eng.Head())
}

func TestDoubleProposalSlashed(t *testing.T) {
	n := newTestNet(t, 4, withStorage())
	sub := n.eng.Subscribe(0)
	n.advance(1)

	b1 := n.propose(1, n.genesis.Hash())
	proposer := b1.Proposer
	b2 := n.proposal(1, n.genesis.Hash(), "equivocation", n.twin(proposer))
	require.NotEqual(t, b1.Hash(), b2.Hash())

	err := n.eng.SubmitProposal(n.ctx(), b2)
	require.ErrorIs(t, err, types.ErrDoubleProposal)
	var dp *types.DoubleProposalError
	require.True(t, errors.As(err, &dp))
	assert.Equal(t, proposer, dp.Validator)
	assert.Equal(t, types.Slot(1), dp.Slot)
	assert.True(t, types.IsSafetyViolation(err))

	ev := nextEvent(t, sub, EventSlashed)
	require.NotNil(t, ev.Slashing)
	assert.Equal(t, proposer, ev.Slashing.Validator)
	assert.Equal(t, types.OffenseDoubleProposal, ev.Slashing.Offense)

	assert.Equal(t, uint64(testStake/2), stakeOf(t, n, proposer))
	v, err := n.eng.Validator(proposer)
	require.NoError(t, err)
	assert.True(t, v.Slashed)
	assert.Empty(t, n.eng.PendingEvidence())
	assert.Equal(t, b1.Hash(), n.eng.Head())

	// the same equivocation again changes nothing
	err = n.eng.SubmitProposal(n.ctx(), b2)
	require.ErrorIs(t, err, types.ErrDoubleProposal)
	assert.Equal(t, uint64(testStake/2), stakeOf(t, n, proposer))
	assert.Len(t, n.eng.Slashings(), 1)

	require.NoError(t, n.eng.Stop())
	recs, err := n.db.Evidence()
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, types.OffenseDoubleProposal, recs[0].Offense)
	slashings, err := n.db.Slashings()
	require.NoError(t, err)
	require.Len(t, slashings, 1)
	assert.Equal(t, proposer, slashings[0].Validator)
}

func TestJustificationQuorum(t *testing.T) {
	n := newTestNet(t, 7)
	sub := n.eng.Subscribe(0)
	n.advance(4)
	b4 := n.propose(4, n.genesis.Hash())
	require.Equal(t, 7, n.committee(4).Size())

	n.attest(4, b4.Hash(), 4)
	_, err := n.eng.FinalityStatus(1)
	require.ErrorIs(t, err, types.ErrFinalityNotReached)
	assert.Equal(t, types.ClassLiveness, types.ClassOf(err))
	assert.Equal(t, StepJustifying, n.eng.Status().Step)

	n.attest(4, b4.Hash(), 5)
	cp := types.Checkpoint{Epoch: 1, Root: b4.Hash()}
	assert.Equal(t, cp, nextEvent(t, sub, EventJustified).Checkpoint)
	// genesis is justified, so the first justified child checkpoint finalizes
	assert.Equal(t, cp, nextEvent(t, sub, EventFinalized).Checkpoint)

	fc, err := n.eng.FinalityStatus(1)
	require.NoError(t, err)
	assert.Equal(t, types.CheckpointFinalized, fc.Status)
	assert.Equal(t, uint64(5*testStake), fc.Weight.Uint64())

	st := n.eng.Status()
	assert.Equal(t, cp, st.Finalized)
	assert.Equal(t, cp, st.Justified)
	assert.Equal(t, StepFinalized, st.Step)
}

func TestFinalityPrunesForks(t *testing.T) {
	n := newTestNet(t, 7)
	n.advance(4)
	b4 := n.propose(4, n.genesis.Hash())
	n.advance(5)
	f5 := n.propose(5, n.genesis.Hash())

	n.attest(4, b4.Hash(), 5)
	fin := types.Checkpoint{Epoch: 1, Root: b4.Hash()}
	require.Equal(t, fin, n.eng.Status().Finalized)
	require.Equal(t, b4.Hash(), n.eng.Head())

	// a proposal building on the pruned fork
	n.advance(6)
	c6 := n.committee(6)
	fork := n.proposal(6, f5.Hash(), "fork", n.twin(c6.Proposer))
	err := n.eng.SubmitProposal(n.ctx(), fork)
	require.ErrorIs(t, err, types.ErrForkChoice)
	require.Nil(t, n.eng.Status().Halted)

	b6 := n.propose(6, b4.Hash())
	assert.Equal(t, b6.Hash(), n.eng.Head())

	// a vote for the pruned fork
	voter := c6.Members[0].ID
	err = n.eng.SubmitAttestation(n.ctx(), n.attestation(n.pvs[voter], 6, f5.Hash(), fin))
	require.ErrorIs(t, err, types.ErrForkChoice)
	assert.Equal(t, uint64(testStake), stakeOf(t, n, voter))

	// a vote whose source lies on the pruned fork is slashable
	violator := c6.Members[1].ID
	bad := n.attestation(n.twin(violator), 6, b6.Hash(), types.Checkpoint{Epoch: 1, Root: f5.Hash()})
	err = n.eng.SubmitAttestation(n.ctx(), bad)
	require.ErrorIs(t, err, types.ErrForkChoice)
	require.Nil(t, n.eng.Status().Halted)

	slashings := n.eng.Slashings()
	require.Len(t, slashings, 1)
	assert.Equal(t, violator, slashings[0].Validator)
	assert.Equal(t, types.OffenseFinalityViolation, slashings[0].Offense)

	// the next epoch finalizes on top of the first
	n.advance(8)
	b8 := n.propose(8, b6.Hash())
	require.False(t, n.committee(8).Contains(violator))
	n.attest(8, b8.Hash(), 5)
	assert.Equal(t, types.Checkpoint{Epoch: 2, Root: b8.Hash()}, n.eng.Status().Finalized)

	// stale epochs are refused
	err = n.eng.SubmitAttestation(n.ctx(), n.attestation(n.twin(voter), 4, b4.Hash(), genesisCheckpoint(n)))
	require.ErrorIs(t, err, types.ErrInvalidEpoch)
}

func TestAggregateCountsWeight(t *testing.T) {
	n := newTestNet(t, 7)
	n.advance(4)
	b4 := n.propose(4, n.genesis.Hash())
	c := n.committee(4)
	d := types.AttestationData{Slot: 4, BlockHash: b4.Hash(), Source: genesisCheckpoint(n)}

	signers := c.IDs()[:5]
	agg := n.aggregate(c, d, signers)

	// a bit without a matching signature
	bad := copyAggregate(agg)
	bad.AggregationBits.SetBitAt(5, true)
	err := n.eng.SubmitAggregate(n.ctx(), bad)
	require.ErrorIs(t, err, types.ErrInvalidSignature)
	_, err = n.eng.FinalityStatus(1)
	require.ErrorIs(t, err, types.ErrFinalityNotReached)

	require.NoError(t, n.eng.SubmitAggregate(n.ctx(), agg))
	assert.Equal(t, types.Checkpoint{Epoch: 1, Root: b4.Hash()}, n.eng.Status().Finalized)

	pooled, err := n.eng.Aggregates(4)
	require.NoError(t, err)
	require.Len(t, pooled, 1)
	assert.Equal(t, uint64(5), pooled[0].AggregationBits.Count())

	pubs := make([]types.BLSPublicKey, 0, len(signers))
	for _, id := range signers {
		pubs = append(pubs, n.pvs[id].BLSPublicKey())
	}
	assert.True(t, crypto.NewVerifier().AggregateVerify(pubs, types.AttestationSignBytes(testChainID, d), pooled[0].Signature))
}

func TestAggregateExcludesEquivocators(t *testing.T) {
	n := newTestNet(t, 7)
	n.advance(4)
	b4 := n.propose(4, n.genesis.Hash())
	c := n.committee(4)
	ids := c.IDs()
	equivocator := ids[5]

	first := n.attestation(n.twin(equivocator), 4, n.genesis.Hash(), genesisCheckpoint(n))
	require.NoError(t, n.eng.SubmitAttestation(n.ctx(), first))

	d := types.AttestationData{Slot: 4, BlockHash: b4.Hash(), Source: genesisCheckpoint(n)}
	require.NoError(t, n.eng.SubmitAggregate(n.ctx(), n.aggregate(c, d, ids[:6])))

	// the aggregate carries no individual signature to slash with
	assert.Empty(t, n.eng.Slashings())
	assert.Empty(t, n.eng.PendingEvidence())

	fc, err := n.eng.FinalityStatus(1)
	require.NoError(t, err)
	assert.Equal(t, b4.Hash(), fc.Root)
	assert.Equal(t, uint64(5*testStake), fc.Weight.Uint64())
}

func TestAggregateOnlyEquivocators(t *testing.T) {
	n := newTestNet(t, 4)
	n.advance(4)
	b4 := n.propose(4, n.genesis.Hash())
	c := n.committee(4)
	id := c.IDs()[0]

	require.NoError(t, n.eng.SubmitAttestation(n.ctx(),
		n.attestation(n.twin(id), 4, n.genesis.Hash(), genesisCheckpoint(n))))

	d := types.AttestationData{Slot: 4, BlockHash: b4.Hash(), Source: genesisCheckpoint(n)}
	err := n.eng.SubmitAggregate(n.ctx(), n.aggregate(c, d, []types.ValidatorID{id}))
	require.ErrorIs(t, err, types.ErrDoubleAttestation)
}

func TestAggregateConflictLeavesVerifiableEvidence(t *testing.T) {
	n := newTestNet(t, 7, withStorage())
	n.advance(4)
	b4 := n.propose(4, n.genesis.Hash())
	c := n.committee(4)
	ids := c.IDs()
	equivocator := ids[0]
	signer := n.twin(equivocator)

	require.NoError(t, n.eng.SubmitAttestation(n.ctx(),
		n.attestation(signer, 4, n.genesis.Hash(), genesisCheckpoint(n))))
	d := types.AttestationData{Slot: 4, BlockHash: b4.Hash(), Source: genesisCheckpoint(n)}
	require.NoError(t, n.eng.SubmitAggregate(n.ctx(), n.aggregate(c, d, ids[:3])))

	// the same conflict signed individually is slashable
	second := n.attestation(n.twin(equivocator), 4, b4.Hash(), genesisCheckpoint(n))
	require.ErrorIs(t, n.eng.SubmitAttestation(n.ctx(), second), types.ErrDoubleAttestation)
	slashings := n.eng.Slashings()
	require.Len(t, slashings, 1)
	assert.Equal(t, equivocator, slashings[0].Validator)

	val, err := n.eng.Validator(equivocator)
	require.NoError(t, err)
	require.NoError(t, n.eng.Stop())

	recs, err := n.db.Evidence()
	require.NoError(t, err)
	require.Len(t, recs, 1)
	verifier := crypto.NewVerifier()
	for _, rec := range recs {
		assert.NoError(t, evidence.VerifyRecord(rec, testChainID, n.params.SlotsPerEpoch, val, verifier))
	}
}

func TestAttestationRejected(t *testing.T) {
	n := newTestNet(t, 4)
	n.advance(1)
	b1 := n.propose(1, n.genesis.Hash())
	src := genesisCheckpoint(n)
	pv := n.pvs[n.committee(1).Members[0].ID]

	unknown := n.attestation(n.twin(pv.ID()), 1, types.HashBytes([]byte("unknown")), src)
	require.ErrorIs(t, n.eng.SubmitAttestation(n.ctx(), unknown), types.ErrInvalidAttestation)

	tampered := n.attestation(n.twin(pv.ID()), 1, b1.Hash(), src)
	tampered.Slot = 2
	err := n.eng.SubmitAttestation(n.ctx(), tampered)
	require.ErrorIs(t, err, types.ErrInvalidSignature)

	outsider, err := privval.NewMemPV([]byte("outsider"))
	require.NoError(t, err)
	err = n.eng.SubmitAttestation(n.ctx(), n.attestation(outsider, 1, b1.Hash(), src))
	require.ErrorIs(t, err, types.ErrNotCommitteeMember)
	assert.Equal(t, types.ClassAuthorization, types.ClassOf(err))

	// none of the rejections were remembered
	require.NoError(t, n.eng.SubmitAttestation(n.ctx(), n.attestation(pv, 1, b1.Hash(), src)))
	assert.Empty(t, n.eng.Slashings())
}

func TestDoubleAttestationSlashed(t *testing.T) {
	n := newTestNet(t, 4, withLocal(0))
	n.advance(2)
	b1 := n.propose(1, n.genesis.Hash())
	b2 := n.propose(2, n.genesis.Hash())

	offender := n.committee(2).Members[0].ID
	if offender == n.ids[0] {
		offender = n.committee(2).Members[1].ID
	}
	src := genesisCheckpoint(n)
	require.NoError(t, n.eng.SubmitAttestation(n.ctx(), n.attestation(n.pvs[offender], 2, b2.Hash(), src)))

	err := n.eng.SubmitAttestation(n.ctx(), n.attestation(n.twin(offender), 2, b1.Hash(), src))
	require.ErrorIs(t, err, types.ErrDoubleAttestation)

	c, ok := n.eng.ledger.Condition(offender, 0)
	require.True(t, ok)
	// the local validator reported the offense
	assert.Equal(t, uint64(20), c.WhistleblowerReward.Uint64())
	want := uint64(testStake + 20)
	if b2.Proposer == n.ids[0] {
		want += c.ProposerReward.Uint64()
	}
	assert.Equal(t, want, stakeOf(t, n, n.ids[0]))
}

func TestSubmitEvidence(t *testing.T) {
	n := newTestNet(t, 4)
	offender, reporter := n.ids[0], n.ids[1]
	src := genesisCheckpoint(n)

	rec := &types.EquivocationRecord{
		Offense:    types.OffenseDoubleAttestation,
		Validator:  offender,
		Slot:       1,
		FirstVote:  n.attestation(n.twin(offender), 1, types.HashBytes([]byte("a")), src),
		SecondVote: n.attestation(n.twin(offender), 1, types.HashBytes([]byte("b")), src),
	}
	require.NoError(t, n.eng.SubmitEvidence(n.ctx(), rec, reporter))
	assert.Equal(t, uint64(testStake/2), stakeOf(t, n, offender))
	assert.Equal(t, uint64(testStake+20), stakeOf(t, n, reporter))

	// resubmission is accepted without a second penalty
	require.NoError(t, n.eng.SubmitEvidence(n.ctx(), rec, reporter))
	assert.Equal(t, uint64(testStake/2), stakeOf(t, n, offender))
	assert.Equal(t, uint64(testStake+20), stakeOf(t, n, reporter))
	require.Len(t, n.eng.Slashings(), 1)

	forged := &types.EquivocationRecord{
		Offense:   types.OffenseDoubleAttestation,
		Validator: n.ids[2],
		Slot:      1,
		FirstVote: n.attestation(n.twin(n.ids[2]), 1, types.HashBytes([]byte("a")), src),
	}
	forged.SecondVote = forged.FirstVote.Copy()
	forged.SecondVote.BlockHash = types.HashBytes([]byte("c"))
	err := n.eng.SubmitEvidence(n.ctx(), forged, reporter)
	require.ErrorIs(t, err, types.ErrInvalidSignature)
	assert.Equal(t, uint64(testStake), stakeOf(t, n, n.ids[2]))

	stranger := *rec
	stranger.Validator = types.ValidatorID{1}
	require.ErrorIs(t, n.eng.SubmitEvidence(n.ctx(), &stranger, reporter), types.ErrValidatorNotFound)
}

func TestSubmitViolationRequiresConflict(t *testing.T) {
	n := newTestNet(t, 4)
	id := n.ids[0]
	a := n.attestation(n.pvs[id], 1, types.HashBytes([]byte("a")), genesisCheckpoint(n))
	proof := &types.ForkChoiceViolationProof{Attestation: a, Finalized: genesisCheckpoint(n)}

	err := n.eng.SubmitViolation(n.ctx(), proof, n.ids[1])
	require.ErrorIs(t, err, types.ErrInvalidProof)
	require.ErrorIs(t, n.eng.SubmitViolation(n.ctx(), nil, n.ids[1]), types.ErrSlashingCondition)
	assert.Equal(t, uint64(testStake), stakeOf(t, n, id))
}

func TestTickets(t *testing.T) {
	n := newTestNet(t, 4, withoutKeyring())

	_, err := n.eng.Committee(4)
	require.ErrorIs(t, err, types.ErrCommitteeSelectionFailed)

	seed := n.eng.sortition.Seed(1)
	for _, id := range n.ids {
		proof, err := n.pvs[id].VRFProve(seed, 4)
		require.NoError(t, err)
		require.NoError(t, n.eng.SubmitTicket(n.ctx(), sortition.Ticket{Validator: id, Slot: 4, Proof: proof}))
	}
	c := n.committee(4)
	assert.Equal(t, 4, c.Size())

	wrong, err := n.pvs[n.ids[0]].VRFProve(seed, 6)
	require.NoError(t, err)
	err = n.eng.SubmitTicket(n.ctx(), sortition.Ticket{Validator: n.ids[0], Slot: 5, Proof: wrong})
	require.ErrorIs(t, err, types.ErrVRFVerificationFailed)

	n.advance(4)
	late, err := n.pvs[n.ids[0]].VRFProve(seed, 5)
	require.NoError(t, err)
	err = n.eng.SubmitTicket(n.ctx(), sortition.Ticket{Validator: n.ids[0], Slot: 5, Proof: late})
	require.ErrorIs(t, err, types.ErrInvalidEpoch)

	b4 := n.propose(4, n.genesis.Hash())
	assert.Equal(t, b4.Hash(), n.eng.Head())
	assert.True(t, c.Equal(n.committee(4)))
}

func TestMissedSlot(t *testing.T) {
	n := newTestNet(t, 4)
	sub := n.eng.Subscribe(0)

	n.advance(1)
	n.advance(2)
	assert.Equal(t, types.Slot(1), nextEvent(t, sub, EventNewSlot).Slot)
	assert.Equal(t, types.Slot(2), nextEvent(t, sub, EventNewSlot).Slot)

	st := n.eng.Status()
	assert.Equal(t, types.Slot(2), st.Slot)
	assert.Equal(t, StepAwaitingProposal, st.Step)
	assert.Equal(t, n.genesis.Hash(), st.Head)

	// old ticks are ignored
	n.advance(1)
	assert.Equal(t, types.Slot(2), n.eng.Status().Slot)
}

func TestHalt(t *testing.T) {
	n := newTestNet(t, 4)
	sub := n.eng.Subscribe(0)
	n.advance(1)

	conflict := &types.ForkChoiceError{
		Block:     types.HashBytes([]byte("other")),
		Finalized: genesisCheckpoint(n),
		Reason:    "conflicting checkpoint reached finality",
	}
	require.NoError(t, n.eng.submit(n.ctx(), "test", func() error {
		n.eng.halt(conflict)
		return nil
	}))

	ev := nextEvent(t, sub, EventHalted)
	assert.Equal(t, conflict, ev.Err)
	assert.Equal(t, conflict, n.eng.Status().Halted)

	err := n.eng.SubmitProposal(n.ctx(), n.proposal(1, n.genesis.Hash(), "", nil))
	require.ErrorIs(t, err, types.ErrForkChoice)
	assert.Equal(t, n.genesis.Hash(), n.eng.Head())

	require.True(t, n.ticker.Advance(2))
	assert.Equal(t, types.Slot(1), n.eng.Status().Slot)
}

func TestPersistence(t *testing.T) {
	n := newTestNet(t, 7, withStorage())
	n.advance(4)
	b4 := n.propose(4, n.genesis.Hash())
	n.attest(4, b4.Hash(), 5)
	require.NoError(t, n.eng.Stop())

	cp, err := n.db.LoadFinalized()
	require.NoError(t, err)
	assert.Equal(t, types.Checkpoint{Epoch: 1, Root: b4.Hash()}, cp)

	stored, err := n.db.LoadBlock(b4.Hash())
	require.NoError(t, err)
	assert.Equal(t, b4, stored)
	_, err = n.db.LoadBlock(n.genesis.Hash())
	require.NoError(t, err)

	vals, err := n.db.LoadValidatorSet(1)
	require.NoError(t, err)
	assert.Len(t, vals, 7)
}

func TestRestartReplaysFinality(t *testing.T) {
	n := newTestNet(t, 7, withStorage())
	n.advance(4)
	b4 := n.propose(4, n.genesis.Hash())
	n.attest(4, b4.Hash(), 5)
	fin := types.Checkpoint{Epoch: 1, Root: b4.Hash()}
	require.Equal(t, fin, n.eng.Status().Finalized)

	// a penalty applied after finality
	n.advance(5)
	b5 := n.propose(5, b4.Hash())
	twin := n.proposal(5, b4.Hash(), "equivocation", n.twin(b5.Proposer))
	require.ErrorIs(t, n.eng.SubmitProposal(n.ctx(), twin), types.ErrDoubleProposal)
	slashedStake := stakeOf(t, n, b5.Proposer)
	require.Less(t, slashedStake, uint64(testStake))
	require.NoError(t, n.eng.Stop())

	n.restart()
	replayed := n.eng.Replayed()
	require.NotNil(t, replayed)
	assert.Equal(t, fin, replayed.Finalized)
	assert.Equal(t, 1, replayed.Blocks)
	assert.Equal(t, 7, replayed.Validators)
	assert.Equal(t, 1, replayed.Slashings)

	st := n.eng.Status()
	assert.Equal(t, fin, st.Finalized)
	assert.Equal(t, fin, st.Justified)
	assert.Equal(t, b4.Hash(), st.Head)
	_, ok := n.eng.Block(b4.Hash())
	assert.True(t, ok)
	assert.Equal(t, slashedStake, stakeOf(t, n, b5.Proposer))
	require.Len(t, n.eng.Slashings(), 1)

	// a fork from genesis conflicts with the replayed checkpoint
	n.advance(6)
	c6 := n.committee(6)
	fork := n.proposal(6, n.genesis.Hash(), "fork", n.twin(c6.Proposer))
	require.ErrorIs(t, n.eng.SubmitProposal(n.ctx(), fork), types.ErrForkChoice)
	require.Nil(t, n.eng.Status().Halted)
	b6 := n.propose(6, b4.Hash())
	assert.Equal(t, b6.Hash(), n.eng.Head())

	// finality moves on from the replayed checkpoint
	n.advance(8)
	b8 := n.propose(8, b6.Hash())
	require.False(t, n.committee(8).Contains(b5.Proposer))
	n.attest(8, b8.Hash(), 5)
	want := types.Checkpoint{Epoch: 2, Root: b8.Hash()}
	assert.Equal(t, want, n.eng.Status().Finalized)

	require.NoError(t, n.eng.Stop())
	cp, err := n.db.LoadFinalized()
	require.NoError(t, err)
	assert.Equal(t, want, cp)
}

func TestStartFailsOnBrokenStorage(t *testing.T) {
	n := newTestNet(t, 4, withStorage())
	assert.Nil(t, n.eng.Replayed())
	require.NoError(t, n.eng.Stop())
	missing := types.Checkpoint{Epoch: 1, Root: types.HashBytes([]byte("missing"))}
	require.NoError(t, n.db.PersistFinalized(missing))

	eng, err := New(n.cfg, n.params, n.genesis, n.reg, Options{Storage: n.db, Ticker: NewManualTicker()})
	require.NoError(t, err)
	require.ErrorIs(t, eng.Start(), storage.ErrNotFound)
	assert.False(t, eng.persister.running, "no writer is left behind")
	require.ErrorIs(t, eng.Start(), ErrStopped)
	require.ErrorIs(t, eng.Stop(), ErrNotStarted)
}

func TestStartFailsWhenGenesisNotQueued(t *testing.T) {
	n := newTestNet(t, 4)
	db, err := storage.NewMemLevelDB()
	require.NoError(t, err)
	defer db.Close()

	cfg := *n.cfg
	cfg.PersistQueueSize = 1
	eng, err := New(&cfg, n.params, n.genesis, n.reg, Options{Storage: db, Ticker: NewManualTicker()})
	require.NoError(t, err)
	require.NoError(t, eng.persister.StoreBlock(n.genesis))

	require.ErrorIs(t, eng.Start(), types.ErrStorage)
	assert.False(t, eng.persister.running, "no writer is left behind")
	require.ErrorIs(t, eng.Stop(), ErrNotStarted)
}

func TestContributionsCredited(t *testing.T) {
	n := newTestNet(t, 7)
	n.advance(4)
	b4 := n.propose(4, n.genesis.Hash())
	c := n.committee(4)
	n.attest(4, b4.Hash(), 3)

	// a repeated vote adds no weight and earns nothing
	again := n.attestation(n.twin(c.Members[0].ID), 4, b4.Hash(), genesisCheckpoint(n))
	require.NoError(t, n.eng.SubmitAttestation(n.ctx(), again))

	byID := make(map[types.ValidatorID]uint64)
	var proposals uint64
	for _, acc := range n.eng.Contributions() {
		byID[acc.Validator] = acc.Attestations
		proposals += acc.Proposals
	}
	assert.Equal(t, uint64(100), proposals)
	for i, m := range c.Members {
		want := uint64(0)
		if i < 3 {
			want = 10
		}
		assert.Equal(t, want, byID[m.ID], "member %d", i)
	}

	score, err := n.eng.ContributionScore(b4.Proposer)
	require.NoError(t, err)
	var idleID types.ValidatorID
	for _, m := range c.Members[3:] {
		if m.ID != b4.Proposer {
			idleID = m.ID
			break
		}
	}
	idle, err := n.eng.ContributionScore(idleID)
	require.NoError(t, err)
	assert.Greater(t, score, idle)

	_, err = n.eng.ContributionScore(types.ValidatorID{0xff})
	require.ErrorIs(t, err, types.ErrValidatorNotFound)
}

func TestGraph(t *testing.T) {
	n := newTestNet(t, 4)
	n.advance(1)
	b1 := n.propose(1, n.genesis.Hash())
	assert.Contains(t, n.eng.Graph(), b1.Hash().Short())
}
