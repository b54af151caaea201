// Package evidence implements equivocation detection and the pending-evidence
// pool.
//
// The Detector remembers the first proposal and the first attestation each
// validator signed for each slot, and every FFG vote (source epoch, target
// epoch) it cast. A second artifact that conflicts with a remembered one is
// proof of misbehavior:
//
//	DoubleProposal     two different proposals for one slot
//	DoubleAttestation  two attestations for different blocks at one slot
//	SurroundVote       one vote's source/target span strictly contains another's
//
// On detection the Detector creates an EquivocationRecord holding both signed
// artifacts. The first record for a (validator, slot, offense) is kept
// forever; later conflicts return it again rather than creating a new one.
// New records also enter the pending list, which the consumer drains with
// Pending and MarkCommitted once the penalty has been applied.
//
// # Delivery Order
//
// Detection does not depend on arrival order: whichever artifact arrives first
// is remembered, and the conflict is caught when the other arrives. Artifacts
// are retained until the epoch containing their slot is older than the
// finalized epoch (Prune). A hard cap bounds memory if finality stalls.
//
// # External Evidence
//
// Records received from other nodes are checked with VerifyRecord, which
// validates the pair's structure and both signatures against the offender's
// keys, then added with AddRecord.
//
// # Thread Safety
//
// The Detector uses internal locking; it may be queried from any goroutine.
package evidence
