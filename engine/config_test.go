package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 7*24*time.Hour, cfg.StalenessWindow)
	assert.Equal(t, ModeLegacy, cfg.TransferMode)
	assert.Equal(t, DefaultMaxClockSkew, cfg.MaxClockSkew)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero window", func(c *Config) { c.StalenessWindow = 0 }},
		{"write size too small", func(c *Config) { c.MaxWriteSize = 10 }},
		{"write size too large", func(c *Config) { c.MaxWriteSize = 4096 }},
		{"negative interval", func(c *Config) { c.ChunkInterval = -time.Second }},
		{"negative clock skew", func(c *Config) { c.MaxClockSkew = -time.Minute }},
		{"unknown mode", func(c *Config) { c.TransferMode = "burst" }},
		{"sequenced without ack timeout", func(c *Config) {
			c.TransferMode = ModeSequenced
			c.AckTimeout = 0
		}},
		{"no janitor", func(c *Config) { c.JanitorInterval = 0 }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}

func TestParseTransferMode(t *testing.T) {
	mode, err := ParseTransferMode("sequenced")
	require.NoError(t, err)
	assert.Equal(t, ModeSequenced, mode)

	_, err = ParseTransferMode("")
	assert.Error(t, err)
}

func TestEffectiveReassemblyTimeout(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 4*3*300*time.Millisecond, cfg.EffectiveReassemblyTimeout())

	cfg.TransferMode = ModeSequenced
	assert.Equal(t, 4*4*2*time.Second, cfg.EffectiveReassemblyTimeout())

	cfg.ReassemblyTimeout = time.Minute
	assert.Equal(t, time.Minute, cfg.EffectiveReassemblyTimeout())

	cfg = DefaultConfig()
	cfg.ChunkInterval = 0
	assert.Equal(t, 4*time.Second, cfg.EffectiveReassemblyTimeout())
}

func TestManualClock(t *testing.T) {
	m := NewManualClock(t0)
	m.Advance(time.Hour)
	assert.Equal(t, t0.Add(time.Hour), m.Now())
	m.Set(t0)
	assert.Equal(t, t0, m.Now())
}
