// Package engine implements the DENSE protocol engine.
//
// The engine advertises the device's public key to every peer it links with,
// records the keys it hears, and sends and receives exposure envelopes. It
// is a single logical actor: registry, replay guard and reassembly state are
// only touched under one mutex, and every mutation is persisted before the
// call that made it returns.
//
// # Verification Pipeline
//
// A reassembled exposure envelope passes these checks in order and stops at
// the first failure:
//
//  1. staleness: sent at least StalenessWindow ago
//  2. replay: its content hash was already processed
//  3. the hash is marked processed and persisted
//  4. decryption with the device's private key
//  5. signature check against the sender key inside the payload
//  6. signed time must equal the plaintext envelope time
//  7. the sender is not this device
//  8. the sender is a known contact, which raises exactly one alert
//
// Each call returns an Outcome naming where the envelope stopped. Decode and
// crypto failures on received data are logged and never returned as errors.
// Storage failures are returned.
//
// # Peer States
//
//	Idle -> Discovering -> Connected -> Exchanging -> Connected ... -> Idle
//
// A peer is Exchanging while an advertisement or exposure transfer to or
// from it is in flight, and returns to Idle when its link closes.
//
// # Transfer Modes
//
// ModeLegacy splits envelopes into three unacknowledged parts paced by
// ChunkInterval and is compatible with legacy peers. ModeSequenced sends
// acknowledged, digest-checked frames and is not.
package engine
