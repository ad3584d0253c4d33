package simradio

import (
	"context"
	"fmt"
	"sync"

	"github.com/opd-ai/densecore/transport"
	"github.com/sirupsen/logrus"
)

// Radio is one device on an Air.
type Radio struct {
	air     *Air
	handle  transport.PeerHandle
	inbound chan *endpoint
	left    chan struct{}

	// watchers is guarded by air.mu.
	watchers []chan transport.PeerHandle

	mu    sync.Mutex
	links map[*link]struct{}
}

var (
	_ transport.Transport = (*Radio)(nil)
	_ transport.Listener  = (*Radio)(nil)
)

// Handle returns the handle other radios use to reach r.
func (r *Radio) Handle() transport.PeerHandle {
	return r.handle
}

// announceLocked offers a newly joined peer to r's discovery streams.
// Caller holds air.mu.
func (r *Radio) announceLocked(peer transport.PeerHandle) {
	for _, w := range r.watchers {
		select {
		case w <- peer:
		default:
			logrus.WithFields(logrus.Fields{
				"function": "Radio.announce",
				"radio":    r.handle.Name,
				"peer":     peer.Name,
			}).Warn("Discovery stream full, peer announcement dropped")
		}
	}
}

// Discover streams every radio already on the air, then radios that join
// later, until ctx is done.
func (r *Radio) Discover(ctx context.Context) (<-chan transport.PeerHandle, error) {
	a := r.air
	a.mu.Lock()
	if _, ok := a.radios[r.handle.ID]; !ok {
		a.mu.Unlock()
		return nil, ErrOutOfRange
	}

	out := make(chan transport.PeerHandle, len(a.radios)+16)
	for _, other := range a.radios {
		if other != r {
			out <- other.handle
		}
	}
	r.watchers = append(r.watchers, out)
	a.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-r.left:
			return
		}
		a.mu.Lock()
		defer a.mu.Unlock()
		for i, w := range r.watchers {
			if w == out {
				r.watchers = append(r.watchers[:i], r.watchers[i+1:]...)
				close(out)
				return
			}
		}
	}()

	return out, nil
}

// Connect opens a link to peer. The far end is handed to the peer's Accept.
func (r *Radio) Connect(ctx context.Context, peer transport.PeerHandle) (transport.Connection, error) {
	if peer.ID == r.handle.ID {
		return nil, fmt.Errorf("cannot connect to self")
	}
	select {
	case <-r.left:
		return nil, ErrOutOfRange
	default:
	}

	target := r.air.lookup(peer.ID)
	if target == nil {
		return nil, fmt.Errorf("%w: %s", ErrOutOfRange, peer.Name)
	}

	l := newLink(r, target)
	r.track(l)
	target.track(l)

	select {
	case target.inbound <- l.ends[1]:
	case <-target.left:
		l.close()
		return nil, fmt.Errorf("%w: %s", ErrOutOfRange, peer.Name)
	case <-ctx.Done():
		l.close()
		return nil, transport.Classify(ctx.Err())
	}

	logrus.WithFields(logrus.Fields{
		"function": "Radio.Connect",
		"radio":    r.handle.Name,
		"peer":     peer.Name,
		"link":     l.id.String(),
	}).Debug("Link established")

	return l.ends[0], nil
}

// Accept returns the next inbound link.
func (r *Radio) Accept(ctx context.Context) (transport.Connection, error) {
	select {
	case <-r.left:
		return nil, ErrOutOfRange
	default:
	}

	select {
	case ep := <-r.inbound:
		return ep, nil
	case <-r.left:
		return nil, ErrOutOfRange
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// LinkCount returns how many links r currently holds.
func (r *Radio) LinkCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.links)
}

func (r *Radio) track(l *link) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.links[l] = struct{}{}
}

func (r *Radio) untrack(l *link) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.links, l)
}

func (r *Radio) dropLinks() {
	r.mu.Lock()
	links := make([]*link, 0, len(r.links))
	for l := range r.links {
		links = append(links, l)
	}
	r.mu.Unlock()

	for _, l := range links {
		l.close()
	}
}
