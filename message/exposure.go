package message

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/opd-ai/densecore/crypto"
	"github.com/opd-ai/densecore/limits"
)

// ExposurePayload is the plaintext sealed inside an exposure envelope.
type ExposurePayload struct {
	SenderPublicKey string `json:"sender_pk"`
	Time            int64  `json:"time"`
	Salt            int32  `json:"salt"`
}

// SentAt returns the signed send time.
func (p ExposurePayload) SentAt() time.Time {
	return time.UnixMilli(p.Time)
}

// ExposureEnvelope is the wire form of an exposure report.
type ExposureEnvelope struct {
	Header string `json:"header"`
	// Time is the plaintext send time in Unix milliseconds.
	Time       int64  `json:"time"`
	Signature  []byte `json:"signature"`
	Ciphertext []byte `json:"message"`
}

// SentAt returns the plaintext send time.
func (e *ExposureEnvelope) SentAt() time.Time {
	return time.UnixMilli(e.Time)
}

// ID returns the stable notification identifier used by the replay guard.
// It covers every wire field, so two decodings of the same wire message
// share an ID and a copy with an altered time does not.
func (e *ExposureEnvelope) ID() string {
	var sent [8]byte
	binary.BigEndian.PutUint64(sent[:], uint64(e.Time))
	return crypto.ContentHash(sent[:], e.Signature, e.Ciphertext)
}

// Marshal serializes the envelope.
func (e *ExposureEnvelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Recipients supplies the public keys an exposure is addressed to.
type Recipients interface {
	AllKnownPublicKeys() []string
}

// BuildExposure creates a signed exposure envelope from kp addressed to every
// key in contacts. The serialized payload is both signed and encrypted.
func BuildExposure(kp *crypto.KeyPair, contacts Recipients, now time.Time) (*ExposureEnvelope, error) {
	if kp == nil {
		return nil, fmt.Errorf("%w: nil key pair", crypto.ErrInvalidKey)
	}

	recipients := contacts.AllKnownPublicKeys()
	if len(recipients) == 0 {
		return nil, fmt.Errorf("no known contacts to address")
	}

	salt, err := randomSalt()
	if err != nil {
		return nil, err
	}

	payload := ExposurePayload{
		SenderPublicKey: kp.PublicKey,
		Time:            now.UnixMilli(),
		Salt:            salt,
	}
	plaintext, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize payload: %w", err)
	}

	signature, err := crypto.Sign(kp.PrivateKey, plaintext)
	if err != nil {
		return nil, fmt.Errorf("failed to sign payload: %w", err)
	}

	ciphertext, err := crypto.EncryptFor(recipients, plaintext)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt payload: %w", err)
	}

	return &ExposureEnvelope{
		Header:     ExposureHeader,
		Time:       payload.Time,
		Signature:  signature,
		Ciphertext: ciphertext,
	}, nil
}

// EncodeExposure builds and serializes an exposure envelope.
func EncodeExposure(kp *crypto.KeyPair, contacts Recipients, now time.Time) ([]byte, error) {
	env, err := BuildExposure(kp, contacts, now)
	if err != nil {
		return nil, err
	}
	return env.Marshal()
}

// DecodeExposure parses an envelope received from a peer. It does not
// decrypt or verify anything.
func DecodeExposure(data []byte) (*ExposureEnvelope, error) {
	if err := limits.ValidateEnvelope(data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	var env ExposureEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if env.Header != ExposureHeader {
		return nil, fmt.Errorf("%w: unexpected header %q", ErrMalformedMessage, env.Header)
	}
	if env.Time <= 0 {
		return nil, fmt.Errorf("%w: missing send time", ErrMalformedMessage)
	}
	if len(env.Signature) != crypto.SignatureSize {
		return nil, fmt.Errorf("%w: signature is %d bytes", ErrMalformedMessage, len(env.Signature))
	}
	if len(env.Ciphertext) == 0 {
		return nil, fmt.Errorf("%w: empty ciphertext", ErrMalformedMessage)
	}
	return &env, nil
}

// DecodePayload parses a decrypted exposure payload.
func DecodePayload(plaintext []byte) (ExposurePayload, error) {
	var p ExposurePayload
	if err := json.Unmarshal(plaintext, &p); err != nil {
		return p, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if err := crypto.ValidatePublicKey(p.SenderPublicKey); err != nil {
		return p, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if p.Time <= 0 {
		return p, fmt.Errorf("%w: missing send time", ErrMalformedMessage)
	}
	return p, nil
}

func randomSalt() (int32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("failed to generate salt: %w", err)
	}
	return int32(binary.BigEndian.Uint32(b[:])), nil
}
