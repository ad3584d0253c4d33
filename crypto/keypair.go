package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
	"golang.org/x/crypto/curve25519"
)

const (
	// KeySize is the size of each half of an encoded key.
	KeySize = 32

	// encodedKeySize is the decoded length of a PublicKey or PrivateKey string:
	// the ed25519 half followed by the X25519 half.
	encodedKeySize = 2 * KeySize
)

// ErrInvalidKey is returned when a key string cannot be decoded.
var ErrInvalidKey = errors.New("invalid key")

// KeyPair is a device identity. Both fields are opaque base58 strings.
//
// PublicKey carries the ed25519 verification key followed by the X25519
// encryption key. PrivateKey carries the ed25519 seed followed by the X25519
// private scalar.
type KeyPair struct {
	PublicKey  string `json:"publicKey"`
	PrivateKey string `json:"privateKey"`
}

// publicKey is the decoded form of a KeyPair.PublicKey string.
type publicKey struct {
	sign ed25519.PublicKey
	box  [KeySize]byte
}

// privateKey is the decoded form of a KeyPair.PrivateKey string.
type privateKey struct {
	sign ed25519.PrivateKey
	box  [KeySize]byte
}

// GenerateKeyPair creates a new random identity.
func GenerateKeyPair() (*KeyPair, error) {
	signPub, signPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %w", err)
	}

	var boxPriv [KeySize]byte
	if _, err := rand.Read(boxPriv[:]); err != nil {
		return nil, fmt.Errorf("failed to generate encryption key: %w", err)
	}
	clamp(&boxPriv)

	boxPub, err := curve25519.X25519(boxPriv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive encryption key: %w", err)
	}

	pub := make([]byte, 0, encodedKeySize)
	pub = append(pub, signPub...)
	pub = append(pub, boxPub...)

	priv := make([]byte, 0, encodedKeySize)
	priv = append(priv, signPriv.Seed()...)
	priv = append(priv, boxPriv[:]...)

	kp := &KeyPair{
		PublicKey:  base58.Encode(pub),
		PrivateKey: base58.Encode(priv),
	}

	wipeAll(priv, boxPriv[:], signPriv)

	return kp, nil
}

// Validate checks that both halves decode and that the private key matches
// the public key.
func (kp *KeyPair) Validate() error {
	if kp == nil {
		return fmt.Errorf("%w: nil key pair", ErrInvalidKey)
	}

	pub, err := parsePublicKey(kp.PublicKey)
	if err != nil {
		return err
	}
	priv, err := parsePrivateKey(kp.PrivateKey)
	if err != nil {
		return err
	}
	defer priv.wipe()

	derivedSign := priv.sign.Public().(ed25519.PublicKey)
	if !derivedSign.Equal(pub.sign) {
		return fmt.Errorf("%w: signing key does not match public key", ErrInvalidKey)
	}

	derivedBox, err := curve25519.X25519(priv.box[:], curve25519.Basepoint)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if string(derivedBox) != string(pub.box[:]) {
		return fmt.Errorf("%w: encryption key does not match public key", ErrInvalidKey)
	}

	return nil
}

// KeyPreview returns a short printable prefix of a key for logs.
func KeyPreview(key string) string {
	if len(key) <= 12 {
		return key
	}
	return key[:12] + "..."
}

// ValidatePublicKey reports whether s is a well-formed public key.
func ValidatePublicKey(s string) error {
	_, err := parsePublicKey(s)
	return err
}

func parsePublicKey(s string) (*publicKey, error) {
	raw, err := decodeKey(s)
	if err != nil {
		return nil, err
	}

	pk := &publicKey{sign: ed25519.PublicKey(raw[:KeySize])}
	copy(pk.box[:], raw[KeySize:])
	return pk, nil
}

func parsePrivateKey(s string) (*privateKey, error) {
	raw, err := decodeKey(s)
	if err != nil {
		return nil, err
	}
	defer ZeroBytes(raw)

	sk := &privateKey{sign: ed25519.NewKeyFromSeed(raw[:KeySize])}
	copy(sk.box[:], raw[KeySize:])
	return sk, nil
}

func decodeKey(s string) ([]byte, error) {
	if s == "" {
		return nil, fmt.Errorf("%w: empty key", ErrInvalidKey)
	}
	raw, err := base58.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(raw) != encodedKeySize {
		return nil, fmt.Errorf("%w: decoded length %d, want %d", ErrInvalidKey, len(raw), encodedKeySize)
	}
	return raw, nil
}

func (sk *privateKey) wipe() {
	wipeAll(sk.sign, sk.box[:])
}

// clamp applies RFC 7748 scalar clamping.
func clamp(k *[KeySize]byte) {
	k[0] &= 248
	k[31] &= 127
	k[31] |= 64
}
