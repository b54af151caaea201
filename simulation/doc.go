// Package simulation runs a network of consensus engines in one process.
//
// Every validator gets its own engine, registry and slot ticker. The network
// drives all tickers in lockstep and plays out each slot: the slot's proposer
// signs a block on top of its head and broadcasts it, then each committee
// member signs an attestation to its own head with its justified checkpoint
// as source.
//
// Byzantine validators additionally sign a conflicting block or vote with a
// second copy of their keys until the engines have slashed them.
package simulation
