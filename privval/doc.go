// Package privval implements local validator signers with double-sign
// prevention.
//
// A private validator holds an ed25519 key, used for proposals and VRF
// tickets, and a BLS key, used for attestations. Before signing it checks
// LastSignState:
//
//  1. Never sign two different proposals or attestations for one slot
//  2. Never regress to a lower slot
//  3. Never attest with a source epoch below one already attested
//
// Re-signing identical sign bytes returns the cached signature.
//
// # Implementations
//
// FilePV keeps two JSON files, written atomically (temp file, fsync,
// rename) before a signature is released:
//
//   - key file: ed25519 and BLS secret keys and the validator id
//   - state file: LastSignState
//
// MemPV derives both keys from a seed and keeps its state in memory. It is
// meant for tests and simulations.
//
// Keyring groups in-process validators and serves their VRF tickets as a
// sortition.TicketSource.
package privval
