package densecore

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/opd-ai/densecore/config"
	"github.com/opd-ai/densecore/crypto"
	"github.com/opd-ai/densecore/diagnostics"
	"github.com/opd-ai/densecore/engine"
	"github.com/opd-ai/densecore/identity"
	"github.com/opd-ai/densecore/metrics"
	"github.com/opd-ai/densecore/registry"
	"github.com/opd-ai/densecore/store"
	"github.com/opd-ai/densecore/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// ErrSelfCheckFailed is returned by New when the identity fails its
// startup self-check.
var ErrSelfCheckFailed = errors.New("identity self-check failed")

// Options contains the collaborators of a Node. Zero fields get defaults.
type Options struct {
	Config config.Config

	// Store overrides the store selected by Config.DataDir.
	Store store.Store
	// Sink receives exposure alerts.
	Sink engine.AlertSink
	// Clock overrides the system clock.
	Clock engine.Clock
	// Registerer enables metrics. Nil disables them.
	Registerer prometheus.Registerer
	// SkipSelfCheck disables the startup diagnostics.
	SkipSelfCheck bool
}

// NewOptions returns Options with the default configuration.
func NewOptions() *Options {
	return &Options{Config: config.Default()}
}

// Node is one device: identity, registry, engine and storage wired together.
type Node struct {
	identity *identity.Manager
	registry *registry.Registry
	engine   *engine.Engine
	metrics  *metrics.Collector

	// closer is the store opened by New, if any.
	closer interface{ Close() error }

	mu      sync.Mutex
	keyPair *crypto.KeyPair
}

// New loads or creates the device identity and session state and builds
// the protocol engine.
func New(opts *Options) (*Node, error) {
	if opts == nil {
		opts = NewOptions()
	}
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ec, err := cfg.EngineConfig()
	if err != nil {
		return nil, err
	}

	s, closer, err := openStore(cfg, opts.Store)
	if err != nil {
		return nil, err
	}
	fail := func(err error) (*Node, error) {
		if closer != nil {
			closer.Close()
		}
		return nil, err
	}

	mgr := identity.NewManager(s, cfg.SessionKey)
	kp, err := mgr.LoadOrCreateIdentity()
	if err != nil {
		return fail(err)
	}
	reg, err := mgr.LoadSessionState()
	if err != nil {
		return fail(err)
	}

	if !opts.SkipSelfCheck {
		if results, ok := diagnostics.RunAll(kp); !ok {
			for _, r := range results {
				if !r.Passed {
					return fail(fmt.Errorf("%w: %s: %v", ErrSelfCheckFailed, r.Name, r.Err))
				}
			}
		}
	}

	var collector *metrics.Collector
	if opts.Registerer != nil {
		collector, err = metrics.New(opts.Registerer)
		if err != nil {
			return fail(err)
		}
	}

	eng, err := engine.New(ec, kp, reg, mgr, &engine.Options{
		Sink:    opts.Sink,
		Clock:   opts.Clock,
		Metrics: collector,
	})
	if err != nil {
		return fail(err)
	}

	logrus.WithFields(logrus.Fields{
		"function":   "densecore.New",
		"public_key": crypto.KeyPreview(kp.PublicKey),
		"persistent": cfg.DataDir != "" || opts.Store != nil,
	}).Info("Node ready")

	return &Node{
		identity: mgr,
		registry: reg,
		engine:   eng,
		metrics:  collector,
		closer:   closer,
		keyPair:  kp,
	}, nil
}

func openStore(cfg config.Config, override store.Store) (store.Store, interface{ Close() error }, error) {
	if override != nil {
		return override, nil, nil
	}
	if cfg.DataDir == "" {
		return store.NewMemoryStore(), nil, nil
	}
	passphrase, err := cfg.Passphrase()
	if err != nil {
		return nil, nil, err
	}
	defer crypto.ZeroBytes(passphrase)

	fs, err := store.NewEncryptedFileStore(cfg.DataDir, passphrase)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	return fs, fs, nil
}

// PublicKey returns the device's current public key.
func (n *Node) PublicKey() string {
	return n.engine.PublicKey()
}

// Engine returns the protocol engine.
func (n *Node) Engine() *engine.Engine {
	return n.engine
}

// Contacts returns the public keys of every recorded contact.
func (n *Node) Contacts() []string {
	return n.registry.AllKnownPublicKeys()
}

// Serve runs the engine over t until ctx is done.
func (n *Node) Serve(ctx context.Context, t transport.Transport) error {
	return n.engine.Serve(ctx, t)
}

// ReportExposure sends an exposure report to the given peers, or to every
// connected peer when none are named.
func (n *Node) ReportExposure(ctx context.Context, peerIDs ...string) error {
	return n.engine.ReportExposure(ctx, peerIDs)
}

// RegenerateIdentity replaces the device key pair. Contacts and processed
// notifications are kept. Links opened afterwards advertise the new key.
func (n *Node) RegenerateIdentity() (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	kp, err := n.identity.RegenerateIdentity(n.registry)
	if err != nil {
		return "", err
	}
	if err := n.engine.SetKeyPair(kp); err != nil {
		return "", err
	}
	n.keyPair = kp
	return kp.PublicKey, nil
}

// SelfCheck runs the identity diagnostics.
func (n *Node) SelfCheck() ([]diagnostics.Result, bool) {
	n.mu.Lock()
	kp := n.keyPair
	n.mu.Unlock()
	return diagnostics.RunAll(kp)
}

// Close releases the store opened by New. It does not stop Serve.
func (n *Node) Close() error {
	if n.closer == nil {
		return nil
	}
	return n.closer.Close()
}
