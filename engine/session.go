package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opd-ai/densecore/message"
	"github.com/opd-ai/densecore/transport"
	"github.com/sirupsen/logrus"
)

// session is one open link to a peer.
type session struct {
	peer   transport.PeerHandle
	conn   transport.Connection
	ctx    context.Context
	cancel context.CancelFunc
	sub    *transport.Subscription

	// active counts in-flight outbound operations. Guarded by Engine.mu.
	active int

	// sendMu serializes exposure transfers to this peer.
	sendMu sync.Mutex

	mu      sync.Mutex
	closing bool
	wg      sync.WaitGroup
	acks    map[uuid.UUID]chan uint16

	once sync.Once
	done chan struct{}
}

func newSession(ctx context.Context, cancel context.CancelFunc, conn transport.Connection) *session {
	return &session{
		peer:   conn.Peer(),
		conn:   conn,
		ctx:    ctx,
		cancel: cancel,
		acks:   make(map[uuid.UUID]chan uint16),
		done:   make(chan struct{}),
	}
}

// begin registers an operation that teardown must wait for. It fails once
// teardown has started.
func (s *session) begin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.wg.Add(1)
	return true
}

func (s *session) end() {
	s.wg.Done()
}

// track makes h a tracked channel handler. An alert h returns is raised
// after the handler has left s.wg, so the sink may call Disconnect.
func (e *Engine) track(s *session, h func([]byte) *alert) transport.DataHandler {
	return func(data []byte) {
		if !s.begin() {
			return
		}
		var a *alert
		func() {
			defer s.end()
			a = h(data)
		}()
		e.raise(a)
	}
}

// Serve runs discovery, inbound links and housekeeping until ctx is done,
// then disconnects every peer. It returns ctx.Err().
func (e *Engine) Serve(ctx context.Context, t transport.Transport) error {
	peers, err := t.Discover(ctx)
	if err != nil {
		return fmt.Errorf("discover: %w", transport.Classify(err))
	}

	var self *transport.PeerHandle
	if l, ok := t.(transport.Local); ok {
		h := l.Handle()
		self = &h
	}

	var wg sync.WaitGroup
	if l, ok := t.(transport.Listener); ok {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.acceptLoop(ctx, l, &wg)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.janitor(ctx)
	}()

	logrus.WithFields(logrus.Fields{
		"function":      "Serve",
		"transfer_mode": string(e.cfg.TransferMode),
	}).Info("Engine serving")

	for {
		select {
		case <-ctx.Done():
			e.disconnectAll()
			wg.Wait()
			logrus.WithFields(logrus.Fields{
				"function": "Serve",
			}).Info("Engine stopped")
			return ctx.Err()
		case p, ok := <-peers:
			if !ok {
				peers = nil
				continue
			}
			if self != nil && self.ID > p.ID {
				// The peer dials us.
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				e.dial(ctx, t, p)
			}()
		}
	}
}

func (e *Engine) dial(ctx context.Context, t transport.Transport, p transport.PeerHandle) {
	e.mu.Lock()
	_, connected := e.sessions[p.ID]
	_, dialing := e.dialing[p.ID]
	if connected || dialing {
		e.mu.Unlock()
		return
	}
	e.dialing[p.ID] = struct{}{}
	e.mu.Unlock()

	err := transport.WithConnection(ctx, t, p, e.cfg.ConnectTimeout, func(conn transport.Connection) error {
		e.runSession(ctx, conn)
		return nil
	})

	e.mu.Lock()
	delete(e.dialing, p.ID)
	e.mu.Unlock()

	if err != nil && ctx.Err() == nil {
		logrus.WithFields(logrus.Fields{
			"function": "dial",
			"peer":     p.Name,
			"error":    err.Error(),
		}).Warn("Connect failed")
	}
}

func (e *Engine) acceptLoop(ctx context.Context, l transport.Listener, wg *sync.WaitGroup) {
	for {
		conn, err := l.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logrus.WithFields(logrus.Fields{
				"function": "acceptLoop",
				"error":    err.Error(),
			}).Warn("Accept failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer conn.Disconnect()
			e.runSession(ctx, conn)
		}()
	}
}

func (e *Engine) janitor(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.JanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.Sweep(); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "janitor",
					"error":    err.Error(),
				}).Error("Sweep failed")
			}
		}
	}
}

// runSession attaches conn, advertises, and waits for the link to close.
func (e *Engine) runSession(ctx context.Context, conn transport.Connection) {
	s, err := e.attach(ctx, conn)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "runSession",
			"peer":     conn.Peer().Name,
			"error":    err.Error(),
		}).Warn("Failed to set up link")
		return
	}
	defer e.teardown(s)

	if s.begin() {
		if err := e.advertise(s.ctx, s); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "runSession",
				"peer":     s.peer.Name,
				"error":    err.Error(),
			}).Warn("Advertisement failed")
		}
		s.end()
	}

	select {
	case <-conn.Done():
	case <-s.ctx.Done():
	}
}

// attach subscribes every channel and installs the session. An existing
// session with the same peer is torn down first.
func (e *Engine) attach(ctx context.Context, conn transport.Connection) (*session, error) {
	peer := conn.Peer()

	e.mu.Lock()
	old := e.sessions[peer.ID]
	e.mu.Unlock()
	if old != nil {
		logrus.WithFields(logrus.Fields{
			"function": "attach",
			"peer":     peer.Name,
		}).Info("New link to peer, closing previous one")
		e.teardown(old)
	}

	sctx, cancel := context.WithCancel(ctx)
	s := newSession(sctx, cancel, conn)

	handlers := map[transport.ChannelID]transport.DataHandler{
		transport.ChannelKeyShare: e.track(s, func(data []byte) *alert {
			if err := e.OnKeyShareReceived(data); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "keyShareHandler",
					"peer":     peer.Name,
					"error":    err.Error(),
				}).Error("Key share not persisted")
			}
			return nil
		}),
		transport.ChannelFrame: e.track(s, func(data []byte) *alert { return e.handleFrame(s, data) }),
		transport.ChannelAck:   e.track(s, func(data []byte) *alert { e.handleAck(s, data); return nil }),
	}
	for i, ch := range transport.PartChannels {
		slot := i + 1
		handlers[ch] = e.track(s, func(data []byte) *alert {
			_, a, err := e.receiveChunk(peer.ID, slot, data)
			if err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "partHandler",
					"peer":     peer.Name,
					"error":    err.Error(),
				}).Error("Exposure state not persisted")
			}
			return a
		})
	}

	sub, err := transport.SubscribeAll(sctx, conn, handlers)
	if err != nil {
		cancel()
		return nil, err
	}
	s.sub = sub

	e.mu.Lock()
	prev := e.sessions[peer.ID]
	e.sessions[peer.ID] = s
	delete(e.dialing, peer.ID)
	e.mu.Unlock()
	if prev != nil {
		e.teardown(prev)
	}

	logrus.WithFields(logrus.Fields{
		"function": "attach",
		"peer":     peer.Name,
		"peer_id":  peer.ID,
	}).Info("Peer connected")
	return s, nil
}

// teardown cancels the session's pending operations, closes the link, waits
// for in-flight handlers and sends, and discards reassembly state. It is
// idempotent and returns only after the first call has finished.
func (e *Engine) teardown(s *session) {
	s.once.Do(func() {
		s.mu.Lock()
		s.closing = true
		s.mu.Unlock()

		s.cancel()
		if s.sub != nil {
			s.sub.Close()
		}
		if err := s.conn.Disconnect(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "teardown",
				"peer":     s.peer.Name,
				"error":    err.Error(),
			}).Debug("Disconnect failed")
		}
		s.wg.Wait()

		e.mu.Lock()
		cur := e.sessions[s.peer.ID]
		if cur == s {
			delete(e.sessions, s.peer.ID)
		}
		if cur == s || cur == nil {
			e.clearPeerLocked(s.peer.ID)
		}
		e.mu.Unlock()

		logrus.WithFields(logrus.Fields{
			"function": "teardown",
			"peer":     s.peer.Name,
		}).Info("Peer disconnected")
		close(s.done)
	})
	<-s.done
}

// Disconnect closes the link to peerID. Pending sends and partial transfers
// for the peer are cancelled before it returns.
func (e *Engine) Disconnect(peerID string) error {
	e.mu.Lock()
	s := e.sessions[peerID]
	if s == nil {
		e.clearPeerLocked(peerID)
	}
	e.mu.Unlock()

	if s == nil {
		return fmt.Errorf("%w: %s", transport.ErrNotConnected, peerID)
	}
	e.teardown(s)
	return nil
}

func (e *Engine) disconnectAll() {
	e.mu.Lock()
	all := make([]*session, 0, len(e.sessions))
	for _, s := range e.sessions {
		all = append(all, s)
	}
	e.mu.Unlock()

	for _, s := range all {
		e.teardown(s)
	}
}

// handleFrame acknowledges a frame and feeds it to reassembly. It returns
// the alert the completed envelope produced, if any.
func (e *Engine) handleFrame(s *session, data []byte) *alert {
	f, err := message.DecodeFrame(data)
	if err != nil {
		e.dropChunk(s.peer.ID, 0, err)
		return nil
	}

	ack, err := message.EncodeAck(&message.Ack{Transfer: f.Transfer, Seq: f.Seq})
	if err == nil {
		err = s.conn.Write(s.ctx, transport.ChannelAck, ack)
	}
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleFrame",
			"peer":     s.peer.Name,
			"seq":      f.Seq,
			"error":    err.Error(),
		}).Debug("Acknowledgement not sent")
	}

	_, a, err := e.acceptFrame(s.peer.ID, f)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleFrame",
			"peer":     s.peer.Name,
			"error":    err.Error(),
		}).Error("Exposure state not persisted")
	}
	return a
}

// handleAck routes an acknowledgement to the waiting sender.
func (e *Engine) handleAck(s *session, data []byte) {
	ack, err := message.DecodeAck(data)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleAck",
			"peer":     s.peer.Name,
			"error":    err.Error(),
		}).Debug("Dropping malformed acknowledgement")
		return
	}

	s.mu.Lock()
	waiter := s.acks[ack.TransferID()]
	s.mu.Unlock()
	if waiter == nil {
		return
	}
	select {
	case waiter <- ack.Seq:
	default:
	}
}
