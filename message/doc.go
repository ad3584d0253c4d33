// Package message defines the DENSE wire messages and the framing used to move
// them over narrow radio links.
//
// Two message kinds exist. A key share advertises a device's public key:
//
//	{"header":"DENSE keyshare","pk":"<public key>","time":<unix ms>}
//
// An exposure envelope carries a signed, encrypted exposure payload:
//
//	{"header":"DENSE exposure","time":<unix ms>,"signature":"<b64>","message":"<b64>"}
//
// The envelope time stays in plaintext so relays can drop stale envelopes
// without decrypting them. The encrypted payload repeats the time under the
// sender's signature.
//
// # Transfer Framing
//
// Legacy framing splits an envelope that does not fit in one write into
// exactly three parts, each wrapped as {"part-<n>":"<bytes>"} and written to its
// own channel. There is no acknowledgement, ordering or checksum. An envelope
// that fits in one write is sent unwrapped.
//
// Sequenced framing carries any number of CBOR frames tagged with a transfer
// ID, a sequence number and a digest of the whole envelope. Receivers
// acknowledge each frame. Sequenced framing is not understood by legacy peers.
package message
