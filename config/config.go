// Package config loads node settings from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/opd-ai/densecore/engine"
	"github.com/opd-ai/densecore/identity"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig indicates a configuration that cannot be used.
var ErrInvalidConfig = errors.New("invalid configuration")

// DefaultPassphraseEnv names the variable holding the store passphrase.
const DefaultPassphraseEnv = "DENSE_PASSPHRASE"

// Config is the on-disk node configuration.
type Config struct {
	// DataDir holds the encrypted session store. Empty keeps state in memory.
	DataDir       string `yaml:"data_dir"`
	SessionKey    string `yaml:"session_key"`
	PassphraseEnv string `yaml:"passphrase_env"`

	StalenessWindow   time.Duration `yaml:"staleness_window"`
	MaxClockSkew      time.Duration `yaml:"max_clock_skew"`
	MaxWriteSize      int           `yaml:"max_write_size"`
	ChunkInterval     time.Duration `yaml:"chunk_interval"`
	ReassemblyTimeout time.Duration `yaml:"reassembly_timeout"`
	TransferMode      string        `yaml:"transfer_mode"`
	AckTimeout        time.Duration `yaml:"ack_timeout"`
	MaxRetries        int           `yaml:"max_retries"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	JanitorInterval   time.Duration `yaml:"janitor_interval"`

	Logging Logging `yaml:"logging"`
}

// Logging selects the logrus level and output format.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used for missing fields.
func Default() Config {
	ec := engine.DefaultConfig()
	return Config{
		SessionKey:        identity.DefaultSessionKey,
		PassphraseEnv:     DefaultPassphraseEnv,
		StalenessWindow:   ec.StalenessWindow,
		MaxClockSkew:      ec.MaxClockSkew,
		MaxWriteSize:      ec.MaxWriteSize,
		ChunkInterval:     ec.ChunkInterval,
		ReassemblyTimeout: ec.ReassemblyTimeout,
		TransferMode:      string(ec.TransferMode),
		AckTimeout:        ec.AckTimeout,
		MaxRetries:        ec.MaxRetries,
		ConnectTimeout:    ec.ConnectTimeout,
		JanitorInterval:   ec.JanitorInterval,
		Logging: Logging{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads path over Default and validates the result.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over Default and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks every field.
func (c Config) Validate() error {
	if _, err := c.EngineConfig(); err != nil {
		return err
	}
	if _, err := logrus.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("%w: unknown log format %q", ErrInvalidConfig, c.Logging.Format)
	}
	if c.DataDir != "" && c.PassphraseEnv == "" {
		return fmt.Errorf("%w: data_dir needs passphrase_env", ErrInvalidConfig)
	}
	return nil
}

// EngineConfig converts c to the engine's configuration.
func (c Config) EngineConfig() (engine.Config, error) {
	mode, err := engine.ParseTransferMode(c.TransferMode)
	if err != nil {
		return engine.Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	ec := engine.Config{
		StalenessWindow:   c.StalenessWindow,
		MaxClockSkew:      c.MaxClockSkew,
		MaxWriteSize:      c.MaxWriteSize,
		ChunkInterval:     c.ChunkInterval,
		ReassemblyTimeout: c.ReassemblyTimeout,
		TransferMode:      mode,
		AckTimeout:        c.AckTimeout,
		MaxRetries:        c.MaxRetries,
		ConnectTimeout:    c.ConnectTimeout,
		JanitorInterval:   c.JanitorInterval,
	}
	if err := ec.Validate(); err != nil {
		return engine.Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return ec, nil
}

// Passphrase returns the store passphrase from the configured variable.
func (c Config) Passphrase() ([]byte, error) {
	v := strings.TrimSpace(os.Getenv(c.PassphraseEnv))
	if v == "" {
		return nil, fmt.Errorf("%w: %s is not set", ErrInvalidConfig, c.PassphraseEnv)
	}
	return []byte(v), nil
}

// ConfigureLogging applies the logging section to the standard logger.
func (c Config) ConfigureLogging() error {
	level, err := logrus.ParseLevel(c.Logging.Level)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	logrus.SetLevel(level)

	switch c.Logging.Format {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	default:
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}
