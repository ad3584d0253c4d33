// Package diagnostics runs self-checks of a device identity against the
// exposure codec and the crypto facade. Nothing here is reachable from the
// receive pipeline.
package diagnostics

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/opd-ai/densecore/crypto"
	"github.com/opd-ai/densecore/message"
	"github.com/sirupsen/logrus"
)

// ErrCheckFailed is returned when a self-check does not hold.
var ErrCheckFailed = errors.New("self-check failed")

// roundTripSize is the length of the random message CryptoRoundTrip seals.
const roundTripSize = 256

// Result describes one self-check run.
type Result struct {
	Name     string
	Passed   bool
	Err      error
	Duration time.Duration
}

type selfOnly string

func (s selfOnly) AllKnownPublicKeys() []string { return []string{string(s)} }

// SanityCheck builds an exposure envelope addressed only to kp, decodes it,
// decrypts it and verifies the signature and times.
func SanityCheck(kp *crypto.KeyPair) Result {
	return run("sanity", func() error {
		now := time.Now()
		data, err := message.EncodeExposure(kp, selfOnly(kp.PublicKey), now)
		if err != nil {
			return err
		}

		env, err := message.DecodeExposure(data)
		if err != nil {
			return err
		}
		plaintext, err := crypto.Decrypt(kp.PrivateKey, env.Ciphertext)
		if err != nil {
			return err
		}
		payload, err := message.DecodePayload(plaintext)
		if err != nil {
			return err
		}

		if !crypto.Verify(payload.SenderPublicKey, env.Signature, plaintext) {
			return fmt.Errorf("%w: signature does not verify", ErrCheckFailed)
		}
		if payload.SenderPublicKey != kp.PublicKey {
			return fmt.Errorf("%w: sender key changed in transit", ErrCheckFailed)
		}
		if payload.Time != env.Time || payload.Time != now.UnixMilli() {
			return fmt.Errorf("%w: send time changed in transit", ErrCheckFailed)
		}
		return nil
	})
}

// CryptoRoundTrip encrypts random bytes for kp and decrypts them again.
func CryptoRoundTrip(kp *crypto.KeyPair) Result {
	return run("crypto_round_trip", func() error {
		msg := make([]byte, roundTripSize)
		if _, err := rand.Read(msg); err != nil {
			return err
		}

		sealed, err := crypto.EncryptFor([]string{kp.PublicKey}, msg)
		if err != nil {
			return err
		}
		opened, err := crypto.Decrypt(kp.PrivateKey, sealed)
		if err != nil {
			return err
		}
		if !bytes.Equal(msg, opened) {
			return fmt.Errorf("%w: decrypted bytes differ", ErrCheckFailed)
		}
		return nil
	})
}

// RunAll runs every check and reports whether all passed.
func RunAll(kp *crypto.KeyPair) ([]Result, bool) {
	results := []Result{SanityCheck(kp), CryptoRoundTrip(kp)}
	ok := true
	for _, r := range results {
		ok = ok && r.Passed
	}
	return results, ok
}

func run(name string, check func() error) Result {
	start := time.Now()
	err := check()
	r := Result{
		Name:     name,
		Passed:   err == nil,
		Err:      err,
		Duration: time.Since(start),
	}

	entry := logrus.WithFields(logrus.Fields{
		"function": "diagnostics",
		"check":    name,
		"duration": r.Duration.String(),
	})
	if err != nil {
		entry.WithField("error", err.Error()).Error("Self-check failed")
	} else {
		entry.Debug("Self-check passed")
	}
	return r
}
