package simradio

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opd-ai/densecore/transport"
)

// maxPending bounds the writes held for a channel without a subscriber.
const maxPending = 64

type link struct {
	id   uuid.UUID
	once sync.Once
	done chan struct{}
	ends [2]*endpoint
}

func newLink(a, b *Radio) *link {
	l := &link{id: uuid.New(), done: make(chan struct{})}
	l.ends[0] = newEndpoint(l, a, b)
	l.ends[1] = newEndpoint(l, b, a)
	l.ends[0].peer = l.ends[1]
	l.ends[1].peer = l.ends[0]
	go l.ends[0].run()
	go l.ends[1].run()
	return l
}

func (l *link) close() {
	l.once.Do(func() {
		close(l.done)
		l.ends[0].local.untrack(l)
		l.ends[1].local.untrack(l)
	})
}

type delivery struct {
	ch    transport.ChannelID
	data  []byte
	delay time.Duration
	flush bool
}

// endpoint is one side of a link and implements transport.Connection.
type endpoint struct {
	link   *link
	local  *Radio
	remote *Radio
	peer   *endpoint
	queue  chan delivery

	mu       sync.Mutex
	handlers map[transport.ChannelID]transport.DataHandler
	pending  map[transport.ChannelID][][]byte
}

var _ transport.Connection = (*endpoint)(nil)

func newEndpoint(l *link, local, remote *Radio) *endpoint {
	return &endpoint{
		link:     l,
		local:    local,
		remote:   remote,
		queue:    make(chan delivery, 256),
		handlers: make(map[transport.ChannelID]transport.DataHandler),
		pending:  make(map[transport.ChannelID][][]byte),
	}
}

func (e *endpoint) Peer() transport.PeerHandle {
	return e.remote.handle
}

func (e *endpoint) Done() <-chan struct{} {
	return e.link.done
}

func (e *endpoint) closed() bool {
	select {
	case <-e.link.done:
		return true
	default:
		return false
	}
}

func (e *endpoint) Write(ctx context.Context, ch transport.ChannelID, data []byte) error {
	if e.closed() {
		return transport.ErrNotConnected
	}

	ok, latency := e.local.air.admit(e.local.handle, e.remote.handle, ch, data)
	if !ok {
		return nil
	}

	d := delivery{ch: ch, data: append([]byte(nil), data...), delay: latency}
	select {
	case e.peer.queue <- d:
		return nil
	case <-e.link.done:
		return transport.ErrDisconnected
	case <-ctx.Done():
		return transport.Classify(ctx.Err())
	}
}

func (e *endpoint) Subscribe(ctx context.Context, ch transport.ChannelID, handler transport.DataHandler) error {
	if e.closed() {
		return transport.ErrNotConnected
	}

	e.mu.Lock()
	e.handlers[ch] = handler
	hasPending := len(e.pending[ch]) > 0
	e.mu.Unlock()

	if !hasPending {
		return nil
	}
	select {
	case e.queue <- delivery{ch: ch, flush: true}:
		return nil
	case <-e.link.done:
		return transport.ErrDisconnected
	case <-ctx.Done():
		return transport.Classify(ctx.Err())
	}
}

func (e *endpoint) Unsubscribe(ch transport.ChannelID) error {
	if e.closed() {
		return transport.ErrNotConnected
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.handlers, ch)
	return nil
}

func (e *endpoint) Disconnect() error {
	e.link.close()
	return nil
}

// run delivers queued writes in order until the link closes.
func (e *endpoint) run() {
	for {
		select {
		case d := <-e.queue:
			if d.delay > 0 {
				select {
				case <-time.After(d.delay):
				case <-e.link.done:
					return
				}
			}
			e.deliver(d)
		case <-e.link.done:
			return
		}
	}
}

// deliver hands d to the channel handler, draining older held writes first.
func (e *endpoint) deliver(d delivery) {
	e.mu.Lock()
	h := e.handlers[d.ch]
	if h == nil {
		if !d.flush {
			held := append(e.pending[d.ch], d.data)
			if len(held) > maxPending {
				held = held[len(held)-maxPending:]
			}
			e.pending[d.ch] = held
		}
		e.mu.Unlock()
		return
	}
	backlog := e.pending[d.ch]
	delete(e.pending, d.ch)
	e.mu.Unlock()

	for _, data := range backlog {
		if e.closed() {
			return
		}
		h(data)
	}
	if !d.flush && !e.closed() {
		h(d.data)
	}
}
