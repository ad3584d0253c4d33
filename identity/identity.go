package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/opd-ai/densecore/crypto"
	"github.com/opd-ai/densecore/registry"
	"github.com/opd-ai/densecore/store"
	"github.com/sirupsen/logrus"
)

// DefaultSessionKey is the store key the session blob is written under.
const DefaultSessionKey = "dense.session"

// SessionVersion is the current session blob format version.
const SessionVersion = 1

var (
	// ErrStorageUnavailable indicates the underlying store could not be read
	// or written.
	ErrStorageUnavailable = errors.New("storage unavailable")
	// ErrCorruptSession indicates a stored session that cannot be decoded.
	ErrCorruptSession = errors.New("corrupt session")
)

// session is the persisted blob.
type session struct {
	Version  int             `json:"version"`
	SavedAt  time.Time       `json:"savedAt"`
	KeyPair  *crypto.KeyPair `json:"keyPair"`
	Registry registry.State  `json:"registry"`
}

// Manager loads and persists the session. It is safe for concurrent use.
type Manager struct {
	mu         sync.Mutex
	store      store.Store
	sessionKey string
	keyPair    *crypto.KeyPair
	now        func() time.Time
}

// NewManager creates a manager over s. An empty sessionKey selects
// DefaultSessionKey.
func NewManager(s store.Store, sessionKey string) *Manager {
	if sessionKey == "" {
		sessionKey = DefaultSessionKey
	}
	return &Manager{
		store:      s,
		sessionKey: sessionKey,
		now:        time.Now,
	}
}

// LoadOrCreateIdentity returns the stored key pair, generating and
// persisting a fresh one on first run.
func (m *Manager) LoadOrCreateIdentity() (*crypto.KeyPair, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.keyPair != nil {
		return m.keyPair, nil
	}

	sess, err := m.read()
	if err == nil {
		m.keyPair = sess.KeyPair
		logrus.WithFields(logrus.Fields{
			"function":   "LoadOrCreateIdentity",
			"public_key": crypto.KeyPreview(sess.KeyPair.PublicKey),
		}).Info("Loaded existing identity")
		return m.keyPair, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate identity: %w", err)
	}
	if err := m.write(kp, registry.State{}); err != nil {
		return nil, err
	}
	m.keyPair = kp

	logrus.WithFields(logrus.Fields{
		"function":   "LoadOrCreateIdentity",
		"public_key": crypto.KeyPreview(kp.PublicKey),
	}).Info("Generated new identity")
	return kp, nil
}

// RegenerateIdentity replaces the key pair and persists it together with
// the current registry state. Contacts and the replay guard are kept.
func (m *Manager) RegenerateIdentity(reg *registry.Registry) (*crypto.KeyPair, error) {
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate identity: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	state := registry.State{}
	if reg != nil {
		state = reg.Snapshot()
	}
	if err := m.write(kp, state); err != nil {
		return nil, err
	}

	previous := ""
	if m.keyPair != nil {
		previous = crypto.KeyPreview(m.keyPair.PublicKey)
	}
	m.keyPair = kp

	logrus.WithFields(logrus.Fields{
		"function":            "RegenerateIdentity",
		"previous_public_key": previous,
		"public_key":          crypto.KeyPreview(kp.PublicKey),
	}).Info("Identity regenerated")
	return kp, nil
}

// LoadSessionState returns the persisted registry. An absent session yields
// an empty registry.
func (m *Manager) LoadSessionState() (*registry.Registry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, err := m.read()
	if errors.Is(err, store.ErrNotFound) {
		return registry.New(), nil
	}
	if err != nil {
		return nil, err
	}
	return registry.FromState(sess.Registry), nil
}

// PersistSessionState writes the key pair and a snapshot of reg as one blob.
// The identity must have been loaded or created first.
func (m *Manager) PersistSessionState(reg *registry.Registry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.keyPair == nil {
		return errors.New("identity not loaded")
	}
	return m.write(m.keyPair, reg.Snapshot())
}

// Reset discards the stored session, for example after ErrCorruptSession.
// The next LoadOrCreateIdentity generates a new key pair.
func (m *Manager) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.keyPair = nil
	if d, ok := m.store.(interface{ Delete(string) error }); ok {
		if err := d.Delete(m.sessionKey); err != nil {
			return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
		}
		return nil
	}
	if err := m.store.Set(m.sessionKey, nil); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return nil
}

// read loads and decodes the blob. The caller holds m.mu.
func (m *Manager) read() (*session, error) {
	data, err := m.store.Get(m.sessionKey)
	if errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if len(data) == 0 {
		return nil, store.ErrNotFound
	}

	var sess session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptSession, err)
	}
	if sess.Version != SessionVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorruptSession, sess.Version)
	}
	if err := sess.KeyPair.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptSession, err)
	}
	return &sess, nil
}

// write encodes and stores the blob. The caller holds m.mu.
func (m *Manager) write(kp *crypto.KeyPair, state registry.State) error {
	data, err := json.Marshal(session{
		Version:  SessionVersion,
		SavedAt:  m.now(),
		KeyPair:  kp,
		Registry: state,
	})
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	if err := m.store.Set(m.sessionKey, data); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return nil
}
