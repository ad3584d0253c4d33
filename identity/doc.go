// Package identity owns the device key pair and the persisted session state.
//
// The whole session (key pair, contact registry and replay guard) is stored
// as one JSON blob under a single key of a [store.Store]. Callers that mutate
// the registry must call [Manager.PersistSessionState] before returning
// control, so state survives process restarts.
//
// Failures reaching the store are reported as [ErrStorageUnavailable];
// a blob that cannot be decoded is reported as [ErrCorruptSession], and the
// caller decides whether to [Manager.Reset] and regenerate or abort.
package identity
