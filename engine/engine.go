package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opd-ai/densecore/crypto"
	"github.com/opd-ai/densecore/message"
	"github.com/opd-ai/densecore/metrics"
	"github.com/opd-ai/densecore/registry"
	"github.com/opd-ai/densecore/transport"
	"github.com/sirupsen/logrus"
)

// Persister writes the registry to durable storage.
// identity.Manager implements it.
type Persister interface {
	PersistSessionState(reg *registry.Registry) error
}

// Options holds optional collaborators. Nil fields get defaults.
type Options struct {
	Sink    AlertSink
	Clock   Clock
	Metrics *metrics.Collector
}

// Engine is the protocol engine of one device.
type Engine struct {
	cfg       Config
	registry  *registry.Registry
	persister Persister
	sink      AlertSink
	clock     Clock
	metrics   *metrics.Collector

	mu        sync.Mutex
	keyPair   *crypto.KeyPair
	sessions  map[string]*session
	dialing   map[string]struct{}
	legacy    map[string]*legacyContext
	frames    map[string]*frameContext
	completed map[string]uuid.UUID
}

// New creates an engine for kp over reg. Mutations of reg are written
// through persister before the mutating call returns.
func New(cfg Config, kp *crypto.KeyPair, reg *registry.Registry, persister Persister, opts *Options) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := kp.Validate(); err != nil {
		return nil, fmt.Errorf("engine key pair: %w", err)
	}
	if reg == nil {
		return nil, fmt.Errorf("engine needs a registry")
	}
	if persister == nil {
		return nil, fmt.Errorf("engine needs a persister")
	}
	if opts == nil {
		opts = &Options{}
	}

	e := &Engine{
		cfg:       cfg,
		registry:  reg,
		persister: persister,
		sink:      opts.Sink,
		clock:     opts.Clock,
		metrics:   opts.Metrics,
		keyPair:   kp,
		sessions:  make(map[string]*session),
		dialing:   make(map[string]struct{}),
		legacy:    make(map[string]*legacyContext),
		frames:    make(map[string]*frameContext),
		completed: make(map[string]uuid.UUID),
	}
	if e.clock == nil {
		e.clock = SystemClock{}
	}
	e.metrics.SetKnownContacts(reg.ContactCount())

	logrus.WithFields(logrus.Fields{
		"function":      "engine.New",
		"public_key":    crypto.KeyPreview(kp.PublicKey),
		"transfer_mode": string(cfg.TransferMode),
		"contacts":      reg.ContactCount(),
	}).Info("Protocol engine created")

	return e, nil
}

// Config returns the engine configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// PublicKey returns the device's current public key.
func (e *Engine) PublicKey() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.keyPair.PublicKey
}

// SetKeyPair switches the engine to a regenerated identity. Links opened
// afterwards advertise the new key.
func (e *Engine) SetKeyPair(kp *crypto.KeyPair) error {
	if err := kp.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.keyPair = kp
	return nil
}

// PeerState returns the state of the peer with the given transport ID.
func (e *Engine) PeerState(peerID string) PeerState {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.sessions[peerID]
	if !ok {
		if _, dialing := e.dialing[peerID]; dialing {
			return StateDiscovering
		}
		return StateIdle
	}
	if s.active > 0 || e.legacy[peerID] != nil || e.frames[peerID] != nil {
		return StateExchanging
	}
	return StateConnected
}

// ConnectedPeers returns the IDs of peers with an open link.
func (e *Engine) ConnectedPeers() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.sessions))
	for id := range e.sessions {
		ids = append(ids, id)
	}
	return ids
}

// persistLocked writes the registry. The caller holds e.mu.
func (e *Engine) persistLocked(operation string) error {
	if err := e.persister.PersistSessionState(e.registry); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": operation,
			"error":    err.Error(),
		}).Error("Failed to persist session state")
		return fmt.Errorf("persist session state: %w", err)
	}
	return nil
}

// OnKeyShareReceived records the advertised key. Malformed advertisements
// and the device's own key are dropped; only storage failures are returned.
func (e *Engine) OnKeyShareReceived(data []byte) error {
	ks, err := message.DecodeKeyShare(data)
	if err != nil {
		e.metrics.KeyShareReceived("malformed")
		logrus.WithFields(logrus.Fields{
			"function": "OnKeyShareReceived",
			"size":     len(data),
			"error":    err.Error(),
		}).Warn("Dropping malformed key share")
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if ks.PublicKey == e.keyPair.PublicKey {
		e.metrics.KeyShareReceived("self")
		logrus.WithFields(logrus.Fields{
			"function": "OnKeyShareReceived",
		}).Debug("Ignoring own key share")
		return nil
	}

	e.registry.RecordContact(ks.PublicKey, ks.SentAt())
	e.metrics.KeyShareReceived("recorded")
	e.metrics.SetKnownContacts(e.registry.ContactCount())

	logrus.WithFields(logrus.Fields{
		"function":   "OnKeyShareReceived",
		"public_key": crypto.KeyPreview(ks.PublicKey),
		"sent_at":    ks.SentAt().UTC().Format(time.RFC3339),
	}).Info("Recorded contact")

	return e.persistLocked("OnKeyShareReceived")
}

// AdvertiseIdentity sends the device's key share to a connected peer.
func (e *Engine) AdvertiseIdentity(ctx context.Context, peerID string) error {
	s, err := e.session(peerID)
	if err != nil {
		return err
	}
	if !s.begin() {
		return transport.ErrNotConnected
	}
	defer s.end()
	return e.advertise(ctx, s)
}

func (e *Engine) advertise(ctx context.Context, s *session) error {
	e.mu.Lock()
	kp := e.keyPair
	s.active++
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		s.active--
		e.mu.Unlock()
	}()

	data, err := message.EncodeKeyShare(kp, e.clock.Now())
	if err != nil {
		return err
	}
	if err := s.conn.Write(ctx, transport.ChannelKeyShare, data); err != nil {
		return fmt.Errorf("advertise to %s: %w", s.peer.Name, transport.Classify(err))
	}

	logrus.WithFields(logrus.Fields{
		"function": "AdvertiseIdentity",
		"peer":     s.peer.Name,
	}).Debug("Key share sent")
	return nil
}

func (e *Engine) session(peerID string) (*session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[peerID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", transport.ErrNotConnected, peerID)
	}
	return s, nil
}
