package message

import "errors"

const (
	// KeyShareHeader identifies key-share advertisements on the wire.
	KeyShareHeader = "DENSE keyshare"
	// ExposureHeader identifies exposure envelopes on the wire.
	ExposureHeader = "DENSE exposure"
)

var (
	// ErrMalformedMessage indicates bytes that do not parse as the expected message.
	ErrMalformedMessage = errors.New("malformed message")
	// ErrIncomplete indicates a reassembly that is still missing parts.
	ErrIncomplete = errors.New("reassembly incomplete")
	// ErrTooLarge indicates a message that cannot be carried by the chosen framing.
	ErrTooLarge = errors.New("message too large for transfer")
)
