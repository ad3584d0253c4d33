package noise

import (
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/flynn/noise"
)

// KeySize is the size of X25519 keys accepted by this package.
const KeySize = 32

// Overhead is the number of bytes SealTo adds to a payload: the ephemeral
// public key and the AEAD tag.
const Overhead = KeySize + 16

var (
	// ErrInvalidMessage indicates a sealed message could not be opened.
	ErrInvalidMessage = errors.New("invalid sealed message")
	// ErrInvalidKey indicates a key of the wrong size.
	ErrInvalidKey = errors.New("invalid key size")
)

var cipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)

// SealTo produces a Noise N handshake message that carries payload to the
// holder of recipientPub. The prologue binds the message to a context and
// must be identical on both sides.
func SealTo(recipientPub, prologue, payload []byte) ([]byte, error) {
	if len(recipientPub) != KeySize {
		return nil, fmt.Errorf("%w: recipient public key is %d bytes", ErrInvalidKey, len(recipientPub))
	}

	peer := make([]byte, KeySize)
	copy(peer, recipientPub)

	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite: cipherSuite,
		Random:      rand.Reader,
		Pattern:     noise.HandshakeN,
		Initiator:   true,
		Prologue:    prologue,
		PeerStatic:  peer,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create handshake state: %w", err)
	}

	message, _, _, err := hs.WriteMessage(nil, payload)
	if err != nil {
		return nil, fmt.Errorf("sealing failed: %w", err)
	}
	return message, nil
}

// Open reads a message produced by SealTo with the recipient's static key
// pair and returns the payload.
func Open(staticPriv, staticPub, prologue, message []byte) ([]byte, error) {
	if len(staticPriv) != KeySize || len(staticPub) != KeySize {
		return nil, fmt.Errorf("%w: static key pair must be %d bytes", ErrInvalidKey, KeySize)
	}
	if len(message) < Overhead {
		return nil, ErrInvalidMessage
	}

	static := noise.DHKey{
		Private: make([]byte, KeySize),
		Public:  make([]byte, KeySize),
	}
	copy(static.Private, staticPriv)
	copy(static.Public, staticPub)
	defer zero(static.Private)

	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite,
		Random:        rand.Reader,
		Pattern:       noise.HandshakeN,
		Initiator:     false,
		Prologue:      prologue,
		StaticKeypair: static,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create handshake state: %w", err)
	}

	payload, _, _, err := hs.ReadMessage(nil, message)
	if err != nil {
		return nil, ErrInvalidMessage
	}
	return payload, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
