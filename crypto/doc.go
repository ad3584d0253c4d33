// Package crypto implements the cryptographic facade of the exposure
// notification protocol.
//
// # Keys
//
// A [KeyPair] is a device identity made of two halves: an Ed25519 key for
// signatures and an X25519 key for encryption. Both halves are concatenated
// and base58-encoded, so keys travel and persist as opaque strings:
//
//	kp, err := crypto.GenerateKeyPair()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println("Public key:", crypto.KeyPreview(kp.PublicKey))
//
// # Signatures
//
//	sig, _ := crypto.Sign(kp.PrivateKey, payload)
//	ok := crypto.Verify(kp.PublicKey, sig, payload)
//
// # Multi-recipient encryption
//
// [EncryptFor] seals a plaintext under a fresh ChaCha20-Poly1305 content key
// and wraps that key once per recipient with a one-way Noise N handshake
// (see the noise package). Any recipient can [Decrypt]; everyone else gets
// [ErrDecryptionFailed]. The ciphertext is a canonical CBOR container:
//
//	{1: version, 2: [wrap...], 3: nonce, 4: body}
//
// Wraps carry no recipient identifiers, so decryption trial-opens each wrap.
//
// # Content hashes
//
// [ContentHash] is a BLAKE2b-256 digest over length-prefixed fields. The
// replay guard uses it to identify exposure envelopes by their canonical
// bytes.
//
// # Thread Safety
//
// All functions are pure functions of their inputs and safe for concurrent
// use.
package crypto
