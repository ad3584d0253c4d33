// Package noise seals small secrets to a recipient's static X25519 key using
// the one-way Noise N pattern from the flynn/noise library.
//
// The N pattern needs a single message from an anonymous sender to a
// recipient whose static public key is known in advance:
//
//	-> e, es
//
// The sender never reveals a static key, so a sealed message does not
// identify its author. The crypto package uses this to wrap the per-message
// content key of an exposure envelope once per recipient.
//
// Example:
//
//	sealed, err := noise.SealTo(recipientPub, prologue, contentKey)
//	if err != nil {
//	    return err
//	}
//	key, err := noise.Open(myPriv, myPub, prologue, sealed)
//
// The cipher suite is Noise_N_25519_ChaChaPoly_SHA256. Open fails with
// ErrInvalidMessage for any message not sealed to the given key pair, so
// callers can trial-open a list of wraps.
package noise
