package limits

import (
	"errors"
	"fmt"
)

// Radio write bounds. MinWriteSize is a default BLE ATT payload (23-byte MTU
// less the 3-byte opcode header); MaxWriteSize is the attribute value limit.
const (
	MinWriteSize     = 20
	MaxWriteSize     = 512
	DefaultWriteSize = MaxWriteSize
)

const (
	// LegacyParts is how many part channels a legacy envelope is spread over.
	LegacyParts = 3

	// MaxKeyShareMessage bounds one encoded advertisement.
	MaxKeyShareMessage = 1024

	// MaxEnvelope caps any reassembled exposure envelope, whatever a peer
	// announces.
	MaxEnvelope = 1 << 20

	// MaxFrames caps the frame count of one sequenced transfer.
	MaxFrames = 65535
)

var (
	ErrMessageEmpty     = errors.New("empty message")
	ErrMessageTooLarge  = errors.New("message too large")
	ErrInvalidWriteSize = errors.New("invalid write size")
)

func checkSize(kind string, message []byte, max int) error {
	switch {
	case len(message) == 0:
		return ErrMessageEmpty
	case len(message) > max:
		return fmt.Errorf("%w: %s is %d bytes, limit %d", ErrMessageTooLarge, kind, len(message), max)
	}
	return nil
}

// ValidateKeyShare rejects empty or oversized advertisements.
func ValidateKeyShare(message []byte) error {
	return checkSize("key share", message, MaxKeyShareMessage)
}

// ValidateEnvelope rejects empty or oversized envelope bytes. Everything a
// peer sends on a data channel goes through it before decoding.
func ValidateEnvelope(message []byte) error {
	return checkSize("envelope", message, MaxEnvelope)
}

// ValidateWriteSize checks a configured write size.
func ValidateWriteSize(n int) error {
	if n < MinWriteSize || n > MaxWriteSize {
		return fmt.Errorf("%w: %d not in [%d, %d]", ErrInvalidWriteSize, n, MinWriteSize, MaxWriteSize)
	}
	return nil
}

// LegacyCapacity is the most envelope bytes three parts can carry when each
// wrapped part, overhead included, must fit in writeSize.
func LegacyCapacity(writeSize, overhead int) int {
	if writeSize <= overhead {
		return 0
	}
	return (writeSize - overhead) * LegacyParts
}
