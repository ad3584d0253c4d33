package crypto

import (
	"errors"
	"fmt"

	"github.com/opd-ai/densecore/noise"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
)

// ErrDecryptionFailed is returned when a ciphertext is malformed or was not
// addressed to the given private key.
var ErrDecryptionFailed = errors.New("decryption failed")

// Decrypt opens a ciphertext produced by EncryptFor with privateKey.
// Every failure, including malformed input, is reported as ErrDecryptionFailed.
func Decrypt(privateKey string, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 {
		return nil, fmt.Errorf("%w: empty ciphertext", ErrDecryptionFailed)
	}
	if len(ciphertext) > MaxMessageSize+maxSealedOverhead {
		return nil, fmt.Errorf("%w: ciphertext too large", ErrDecryptionFailed)
	}

	var box sealed
	if err := sealDecMode.Unmarshal(ciphertext, &box); err != nil {
		return nil, fmt.Errorf("%w: malformed container: %v", ErrDecryptionFailed, err)
	}
	if box.Version != sealedVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrDecryptionFailed, box.Version)
	}
	if len(box.Nonce) != chacha20poly1305.NonceSize {
		return nil, fmt.Errorf("%w: bad nonce size %d", ErrDecryptionFailed, len(box.Nonce))
	}

	sk, err := parsePrivateKey(privateKey)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	defer sk.wipe()

	boxPub, err := curve25519.X25519(sk.box[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", ErrInvalidKey)
	}

	contentKey := openWraps(box.Wraps, sk.box[:], boxPub)
	if contentKey == nil {
		logEntry("Decrypt").WithFields(blobFields("ciphertext", ciphertext)).
			WithField("wraps", len(box.Wraps)).Debug("No key wrap addressed to this device")
		return nil, fmt.Errorf("%w: not a recipient", ErrDecryptionFailed)
	}
	defer ZeroBytes(contentKey)

	aead, err := chacha20poly1305.New(contentKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	plaintext, err := aead.Open(nil, box.Nonce, box.Body, sealPrologue)
	if err != nil {
		return nil, fmt.Errorf("%w: body authentication failed", ErrDecryptionFailed)
	}

	return plaintext, nil
}

// maxSealedOverhead allows for the container framing and a generous number of
// wraps around a maximal body.
const maxSealedOverhead = 4096 * (noise.Overhead + chacha20poly1305.KeySize + 4)

// openWraps returns the content key from the first wrap sealed to the given
// X25519 key pair, or nil.
func openWraps(wraps [][]byte, boxPriv, boxPub []byte) []byte {
	for _, wrap := range wraps {
		key, err := noise.Open(boxPriv, boxPub, sealPrologue, wrap)
		if err != nil {
			continue
		}
		if len(key) != chacha20poly1305.KeySize {
			ZeroBytes(key)
			continue
		}
		return key
	}
	return nil
}
