package engine

import (
	"time"

	"github.com/opd-ai/densecore/crypto"
	"github.com/opd-ai/densecore/message"
	"github.com/sirupsen/logrus"
)

// alert is raised after e.mu is released.
type alert struct {
	publicKey string
	lastSeen  time.Time
}

// ProcessExposure runs a complete exposure envelope through the
// verification pipeline. If the replay mark cannot be persisted the
// envelope stops there with OutcomePending and the storage error.
func (e *Engine) ProcessExposure(data []byte) (Outcome, error) {
	outcome, a, err := e.processExposure(data)
	e.raise(a)
	return outcome, err
}

func (e *Engine) processExposure(data []byte) (Outcome, *alert, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.processLocked(data)
}

// raise delivers a to the sink.
func (e *Engine) raise(a *alert) {
	if a == nil {
		return
	}
	logrus.WithFields(logrus.Fields{
		"function":     "raise",
		"public_key":   crypto.KeyPreview(a.publicKey),
		"last_seen_at": a.lastSeen.UTC().Format(time.RFC3339),
	}).Warn("Exposure detected for close contact")

	if e.sink != nil {
		e.sink.OnExposureDetected(a.publicKey, a.lastSeen)
	}
}

// processLocked is the pipeline body. The caller holds e.mu.
func (e *Engine) processLocked(data []byte) (Outcome, *alert, error) {
	env, err := message.DecodeExposure(data)
	if err != nil {
		return e.drop(OutcomeMalformed, "", logrus.Fields{"error": err.Error()}), nil, nil
	}

	now := e.clock.Now()
	sentAt := env.SentAt()
	if now.Sub(sentAt) >= e.cfg.StalenessWindow {
		return e.drop(OutcomeStale, "", logrus.Fields{"sent_at": sentAt.UTC().Format(time.RFC3339)}), nil, nil
	}
	// A future send time would keep its replay record from ever being pruned.
	if sentAt.Sub(now) > e.cfg.MaxClockSkew {
		return e.drop(OutcomeFuture, "", logrus.Fields{"sent_at": sentAt.UTC().Format(time.RFC3339)}), nil, nil
	}

	id := env.ID()
	if e.registry.HasProcessed(id) {
		return e.drop(OutcomeReplay, id, nil), nil, nil
	}

	e.registry.MarkProcessed(id, sentAt, now)
	if err := e.persistLocked("ProcessExposure"); err != nil {
		return OutcomePending, nil, err
	}

	plaintext, err := crypto.Decrypt(e.keyPair.PrivateKey, env.Ciphertext)
	if err != nil {
		return e.drop(OutcomeUndecryptable, id, nil), nil, nil
	}

	payload, err := message.DecodePayload(plaintext)
	if err != nil {
		return e.drop(OutcomeMalformed, id, logrus.Fields{"error": err.Error()}), nil, nil
	}

	if !crypto.Verify(payload.SenderPublicKey, env.Signature, plaintext) {
		return e.drop(OutcomeBadSignature, id, logrus.Fields{
			"sender": crypto.KeyPreview(payload.SenderPublicKey),
		}), nil, nil
	}

	if payload.Time != env.Time {
		return e.drop(OutcomeTimeMismatch, id, logrus.Fields{
			"signed_time":   payload.Time,
			"envelope_time": env.Time,
		}), nil, nil
	}

	if payload.SenderPublicKey == e.keyPair.PublicKey {
		return e.drop(OutcomeSelf, id, nil), nil, nil
	}

	lastSeen, known := e.registry.LastSeen(payload.SenderPublicKey)
	if !known {
		return e.drop(OutcomeUnknownSender, id, logrus.Fields{
			"sender": crypto.KeyPreview(payload.SenderPublicKey),
		}), nil, nil
	}

	if !e.registry.MarkAlerted(id) {
		return e.drop(OutcomeReplay, id, nil), nil, nil
	}
	e.metrics.ExposureProcessed(OutcomeAlerted.String())
	e.metrics.Alert()

	a := &alert{publicKey: payload.SenderPublicKey, lastSeen: lastSeen}
	// The alert is raised even if persisting the flag fails; the error is
	// still returned to the caller.
	return OutcomeAlerted, a, e.persistLocked("ProcessExposure")
}

// drop logs and counts a pipeline exit.
func (e *Engine) drop(outcome Outcome, id string, fields logrus.Fields) Outcome {
	entry := logrus.WithFields(logrus.Fields{
		"function": "ProcessExposure",
		"outcome":  outcome.String(),
	})
	if id != "" {
		entry = entry.WithField("notification", id[:16])
	}
	if fields != nil {
		entry = entry.WithFields(fields)
	}
	entry.Info("Dropping exposure envelope")

	e.metrics.ExposureProcessed(outcome.String())
	return outcome
}
