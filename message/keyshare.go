package message

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/opd-ai/densecore/crypto"
	"github.com/opd-ai/densecore/limits"
)

// KeyShare is a public-key advertisement.
type KeyShare struct {
	Header    string `json:"header"`
	PublicKey string `json:"pk"`
	// Time is the send time in Unix milliseconds.
	Time int64 `json:"time"`
}

// SentAt returns the advertised send time.
func (k KeyShare) SentAt() time.Time {
	return time.UnixMilli(k.Time)
}

// NewKeyShare builds the advertisement for publicKey sent at now.
func NewKeyShare(publicKey string, now time.Time) KeyShare {
	return KeyShare{
		Header:    KeyShareHeader,
		PublicKey: publicKey,
		Time:      now.UnixMilli(),
	}
}

// EncodeKeyShare serializes the advertisement of kp's public key.
func EncodeKeyShare(kp *crypto.KeyPair, now time.Time) ([]byte, error) {
	if kp == nil {
		return nil, fmt.Errorf("%w: nil key pair", crypto.ErrInvalidKey)
	}
	if err := crypto.ValidatePublicKey(kp.PublicKey); err != nil {
		return nil, err
	}
	return json.Marshal(NewKeyShare(kp.PublicKey, now))
}

// DecodeKeyShare parses an advertisement received from a peer.
func DecodeKeyShare(data []byte) (KeyShare, error) {
	var ks KeyShare
	if err := limits.ValidateKeyShare(data); err != nil {
		return ks, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if err := json.Unmarshal(data, &ks); err != nil {
		return ks, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if ks.Header != KeyShareHeader {
		return ks, fmt.Errorf("%w: unexpected header %q", ErrMalformedMessage, ks.Header)
	}
	if err := crypto.ValidatePublicKey(ks.PublicKey); err != nil {
		return ks, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if ks.Time <= 0 {
		return ks, fmt.Errorf("%w: missing send time", ErrMalformedMessage)
	}
	return ks, nil
}
