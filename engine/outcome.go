package engine

// Outcome names where a received exposure envelope stopped.
type Outcome int

const (
	// OutcomePending means a transfer is still missing parts.
	OutcomePending Outcome = iota
	// OutcomeAlerted means the sender is a known contact and an alert was raised.
	OutcomeAlerted
	// OutcomeStale means the envelope is older than the staleness window.
	OutcomeStale
	// OutcomeReplay means the envelope was processed before.
	OutcomeReplay
	// OutcomeUndecryptable means the envelope is not addressed to this device.
	OutcomeUndecryptable
	// OutcomeBadSignature means the payload signature does not verify.
	OutcomeBadSignature
	// OutcomeTimeMismatch means the plaintext time differs from the signed time.
	OutcomeTimeMismatch
	// OutcomeSelf means the envelope was sent by this device.
	OutcomeSelf
	// OutcomeUnknownSender means the sender is not a contact.
	OutcomeUnknownSender
	// OutcomeMalformed means the bytes did not decode.
	OutcomeMalformed
	// OutcomeFuture means the send time is further ahead than the allowed clock skew.
	OutcomeFuture
)

var outcomeNames = map[Outcome]string{
	OutcomePending:       "pending",
	OutcomeAlerted:       "alerted",
	OutcomeStale:         "stale",
	OutcomeReplay:        "replay",
	OutcomeUndecryptable: "undecryptable",
	OutcomeBadSignature:  "bad_signature",
	OutcomeTimeMismatch:  "time_mismatch",
	OutcomeSelf:          "self",
	OutcomeUnknownSender: "unknown_sender",
	OutcomeMalformed:     "malformed",
	OutcomeFuture:        "future",
}

// String returns the outcome's metric label.
func (o Outcome) String() string {
	if name, ok := outcomeNames[o]; ok {
		return name
	}
	return "unknown"
}
