// Package engine implements the proof-of-stake consensus state machine.
//
// Each slot moves through these steps:
//
//	AwaitingProposal → ProposalReceived → AwaitingAttestations → Justifying → Finalized
//
// A slot whose deadline passes without a valid proposal is closed and the
// engine moves on to the next one with no head change.
//
// # Core Components
//
// Engine: Owns the registry, sortition, equivocation detector, fork choice,
// finality tracker and slashing ledger of one chain. A single dispatch
// goroutine applies every submission and slot tick; callers get the
// accept/reject decision synchronously.
//
// AttestationPool: Merges verified attestations of recent slots into one
// aggregate per (slot, block, source).
//
// Ticker: Delivers slot starts. SlotTicker follows the wall clock from the
// genesis time; ManualTicker is driven by the caller.
//
// persister: Applies storage writes in the background so the dispatch loop
// never blocks on I/O.
//
// # Usage Example
//
//	reg, _ := registry.NewWithValidators(p, vals)
//	eng, _ := engine.New(engine.DefaultConfig(), p, types.NewGenesis(root), reg, engine.Options{
//	    Tickets: keyring,
//	    Storage: db,
//	})
//	eng.Start()
//	defer eng.Stop()
//
//	sub := eng.Subscribe(0)
//	err := eng.SubmitProposal(ctx, proposal)
//	err = eng.SubmitAttestation(ctx, attestation)
//
// # Errors
//
// Rejections wrap the errors of the types package; types.ClassOf tells them
// apart. Equivocations and finality violations are slashed before the error
// is returned. A checkpoint finalized in conflict with the engine's own
// finalized chain halts it: every later submission returns that
// ForkChoiceError.
package engine
