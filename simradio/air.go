package simradio

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opd-ai/densecore/transport"
	"github.com/sirupsen/logrus"
)

// ErrOutOfRange indicates a peer that is not on the air.
var ErrOutOfRange = errors.New("peer out of range")

// Filter decides whether a write is delivered. Returning false drops it.
type Filter func(from, to transport.PeerHandle, ch transport.ChannelID, data []byte) bool

// Air is the shared medium radios join.
type Air struct {
	mu      sync.Mutex
	radios  map[string]*Radio
	filter  Filter
	latency time.Duration
	writes  map[transport.ChannelID]int
}

// NewAir creates an empty medium.
func NewAir() *Air {
	return &Air{
		radios: make(map[string]*Radio),
		writes: make(map[transport.ChannelID]int),
	}
}

// SetFilter installs f for every subsequent write. nil delivers everything.
func (a *Air) SetFilter(f Filter) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.filter = f
}

// SetLatency delays every delivery by d.
func (a *Air) SetLatency(d time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.latency = d
}

// WriteCount returns how many writes were attempted on ch, delivered or not.
func (a *Air) WriteCount(ch transport.ChannelID) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.writes[ch]
}

// Join adds a radio named name to the air and announces it to every
// discovering radio.
func (a *Air) Join(name string) *Radio {
	r := &Radio{
		air: a,
		handle: transport.PeerHandle{
			ID:   uuid.NewString(),
			Name: name,
			RSSI: -50,
		},
		inbound: make(chan *endpoint, 16),
		links:   make(map[*link]struct{}),
		left:    make(chan struct{}),
	}

	a.mu.Lock()
	a.radios[r.handle.ID] = r
	for _, other := range a.radios {
		if other == r {
			continue
		}
		other.announceLocked(r.handle)
	}
	a.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Air.Join",
		"radio":    name,
		"id":       r.handle.ID,
	}).Debug("Radio joined")

	return r
}

// Leave removes r from the air and drops all of its links.
func (a *Air) Leave(r *Radio) {
	a.mu.Lock()
	if _, ok := a.radios[r.handle.ID]; !ok {
		a.mu.Unlock()
		return
	}
	delete(a.radios, r.handle.ID)
	close(r.left)
	for _, w := range r.watchers {
		close(w)
	}
	r.watchers = nil
	a.mu.Unlock()

	r.dropLinks()

	logrus.WithFields(logrus.Fields{
		"function": "Air.Leave",
		"radio":    r.handle.Name,
	}).Debug("Radio left")
}

func (a *Air) lookup(id string) *Radio {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.radios[id]
}

// admit counts a write and applies the filter.
func (a *Air) admit(from, to transport.PeerHandle, ch transport.ChannelID, data []byte) (bool, time.Duration) {
	a.mu.Lock()
	a.writes[ch]++
	f := a.filter
	latency := a.latency
	a.mu.Unlock()

	if f != nil && !f(from, to, ch, data) {
		return false, latency
	}
	return true, latency
}
