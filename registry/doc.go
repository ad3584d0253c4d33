// Package registry implements the contact registry and the replay guard.
//
// The contact registry maps a peer's public key to the last time its key
// advertisement was accepted. Entries are overwritten on every accepted
// advertisement and never deleted.
//
// The replay guard is a set of notification identifiers: content hashes of
// the canonical bytes of exposure envelopes already processed. Records carry
// the envelope send time so records older than the staleness window can be
// pruned; such envelopes are dropped by the staleness check first, so
// pruning never readmits one.
//
// A Registry does not persist itself. Callers snapshot it with [Registry.Snapshot]
// and persist the [State] after every mutation.
package registry
