package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/opd-ai/densecore/limits"
)

// TransferMode selects how exposure envelopes are framed on the link.
type TransferMode string

const (
	// ModeLegacy sends three paced, unacknowledged parts.
	ModeLegacy TransferMode = "legacy"
	// ModeSequenced sends acknowledged frames with a whole-message digest.
	ModeSequenced TransferMode = "sequenced"
)

// ParseTransferMode parses a mode name.
func ParseTransferMode(s string) (TransferMode, error) {
	switch TransferMode(s) {
	case ModeLegacy, ModeSequenced:
		return TransferMode(s), nil
	default:
		return "", fmt.Errorf("unknown transfer mode %q", s)
	}
}

// DefaultStalenessWindow is the age at which exposure envelopes are ignored.
const DefaultStalenessWindow = 7 * 24 * time.Hour

// DefaultMaxClockSkew tolerates unsynchronized device clocks.
const DefaultMaxClockSkew = 10 * time.Minute

// ErrInvalidConfig indicates an engine configuration that cannot run.
var ErrInvalidConfig = errors.New("invalid engine configuration")

// Config holds engine tunables.
type Config struct {
	StalenessWindow time.Duration
	// MaxClockSkew is how far in the future an envelope's send time may be
	// before it is dropped unrecorded.
	MaxClockSkew  time.Duration
	MaxWriteSize  int
	ChunkInterval time.Duration
	// ReassemblyTimeout bounds how long a partial transfer is kept. Zero
	// selects a multiple of the sender's pacing, see EffectiveReassemblyTimeout.
	ReassemblyTimeout time.Duration
	TransferMode      TransferMode
	AckTimeout        time.Duration
	MaxRetries        int
	ConnectTimeout    time.Duration
	JanitorInterval   time.Duration
}

// DefaultConfig returns the configuration used when none is given.
func DefaultConfig() Config {
	return Config{
		StalenessWindow: DefaultStalenessWindow,
		MaxClockSkew:    DefaultMaxClockSkew,
		MaxWriteSize:    limits.DefaultWriteSize,
		ChunkInterval:   300 * time.Millisecond,
		TransferMode:    ModeLegacy,
		AckTimeout:      2 * time.Second,
		MaxRetries:      3,
		ConnectTimeout:  10 * time.Second,
		JanitorInterval: 30 * time.Second,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.StalenessWindow <= 0 {
		return fmt.Errorf("%w: staleness window must be positive", ErrInvalidConfig)
	}
	if err := limits.ValidateWriteSize(c.MaxWriteSize); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.ChunkInterval < 0 || c.ReassemblyTimeout < 0 || c.MaxClockSkew < 0 {
		return fmt.Errorf("%w: durations must not be negative", ErrInvalidConfig)
	}
	if _, err := ParseTransferMode(string(c.TransferMode)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.TransferMode == ModeSequenced && (c.AckTimeout <= 0 || c.MaxRetries < 0) {
		return fmt.Errorf("%w: sequenced mode needs a positive ack timeout and non-negative retries", ErrInvalidConfig)
	}
	if c.JanitorInterval <= 0 {
		return fmt.Errorf("%w: janitor interval must be positive", ErrInvalidConfig)
	}
	return nil
}

// EffectiveReassemblyTimeout returns ReassemblyTimeout, or when it is zero,
// four times the time a sender needs for one transfer: all three legacy
// parts, or every retry of one sequenced frame.
func (c Config) EffectiveReassemblyTimeout() time.Duration {
	if c.ReassemblyTimeout > 0 {
		return c.ReassemblyTimeout
	}
	pacing := time.Duration(limits.LegacyParts) * c.ChunkInterval
	if c.TransferMode == ModeSequenced {
		pacing = time.Duration(c.MaxRetries+1) * c.AckTimeout
	}
	if pacing <= 0 {
		pacing = time.Second
	}
	return 4 * pacing
}
