package crypto

import (
	"crypto/ed25519"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

// SignatureSize is the size of an Ed25519 signature in bytes.
const SignatureSize = ed25519.SignatureSize

// ErrSignatureInvalid is returned when a signature does not verify.
var ErrSignatureInvalid = errors.New("signature invalid")

// Sign creates an Ed25519 signature over message with the signing half of
// privateKey.
func Sign(privateKey string, message []byte) ([]byte, error) {
	if len(message) == 0 {
		return nil, errors.New("empty message")
	}

	sk, err := parsePrivateKey(privateKey)
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	defer sk.wipe()

	return ed25519.Sign(sk.sign, message), nil
}

// Verify reports whether signature is a valid signature of message by the
// signing half of publicKey. Malformed keys and signatures verify as false.
func Verify(publicKey string, signature, message []byte) bool {
	if len(message) == 0 || len(signature) != SignatureSize {
		return false
	}

	pk, err := parsePublicKey(publicKey)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Verify",
			"error":    err.Error(),
		}).Debug("Rejecting signature with undecodable public key")
		return false
	}

	return ed25519.Verify(pk.sign, message, signature)
}
