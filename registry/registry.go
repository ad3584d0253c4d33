package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Contact is one entry of the contact registry.
type Contact struct {
	PublicKey  string    `json:"publicKey"`
	LastSeenAt time.Time `json:"lastSeenAt"`
}

// Notification is one entry of the replay guard.
type Notification struct {
	ID          string    `json:"id"`
	SentAt      time.Time `json:"sentAt"`
	ProcessedAt time.Time `json:"processedAt"`
	Alerted     bool      `json:"alerted,omitempty"`
}

// State is the serializable form of a Registry.
type State struct {
	Contacts      []Contact      `json:"contacts"`
	Notifications []Notification `json:"notifications"`
}

// Registry holds contacts and processed notifications.
// It is safe for concurrent use.
type Registry struct {
	mu            sync.RWMutex
	contacts      map[string]time.Time
	notifications map[string]*Notification
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		contacts:      make(map[string]time.Time),
		notifications: make(map[string]*Notification),
	}
}

// FromState rebuilds a registry from a snapshot. Later duplicates win.
func FromState(state State) *Registry {
	r := New()
	for _, c := range state.Contacts {
		if c.PublicKey == "" {
			continue
		}
		r.contacts[c.PublicKey] = c.LastSeenAt
	}
	for i := range state.Notifications {
		n := state.Notifications[i]
		if n.ID == "" {
			continue
		}
		r.notifications[n.ID] = &n
	}
	return r
}

// RecordContact upserts a contact. The stored time is overwritten by every
// call.
func (r *Registry) RecordContact(publicKey string, seenAt time.Time) {
	r.mu.Lock()
	previous, existed := r.contacts[publicKey]
	r.contacts[publicKey] = seenAt
	r.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":  "RecordContact",
		"new":       !existed,
		"previous":  previous,
		"last_seen": seenAt,
	}).Debug("Contact recorded")
}

// IsKnownContact reports whether publicKey has been recorded.
func (r *Registry) IsKnownContact(publicKey string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.contacts[publicKey]
	return ok
}

// LastSeen returns the recorded time for publicKey.
func (r *Registry) LastSeen(publicKey string) (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.contacts[publicKey]
	return t, ok
}

// AllKnownPublicKeys returns every recorded key, sorted.
func (r *Registry) AllKnownPublicKeys() []string {
	r.mu.RLock()
	keys := make([]string, 0, len(r.contacts))
	for k := range r.contacts {
		keys = append(keys, k)
	}
	r.mu.RUnlock()

	sort.Strings(keys)
	return keys
}

// ContactCount returns the number of recorded contacts.
func (r *Registry) ContactCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.contacts)
}
