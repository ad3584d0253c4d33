// Package store provides the opaque key-value persistence the identity
// layer writes its session blob to.
//
// Two implementations are included:
//
//   - [MemoryStore]: process-local, for tests and the simulator.
//   - [EncryptedFileStore]: one XChaCha20-Poly1305 sealed file per key, with the
//     file key derived from a passphrase by PBKDF2. Writes are atomic
//     (temporary file plus rename).
//
// Both return [ErrNotFound] from Get for absent keys.
package store
