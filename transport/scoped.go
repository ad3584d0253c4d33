package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// Classify maps context failures onto transport error kinds.
func Classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrTimeout):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	default:
		return err
	}
}

// WithConnection connects to peer, runs fn and disconnects on every exit path.
// timeout bounds the connect step; zero means no extra bound.
func WithConnection(ctx context.Context, t Transport, peer PeerHandle, timeout time.Duration, fn func(Connection) error) error {
	connectCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		connectCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	conn, err := t.Connect(connectCtx, peer)
	if err != nil {
		return Classify(err)
	}

	defer func() {
		if derr := conn.Disconnect(); derr != nil {
			logrus.WithFields(logrus.Fields{
				"function": "WithConnection",
				"peer":     peer.ID,
				"error":    derr.Error(),
			}).Debug("Disconnect after scoped use failed")
		}
	}()

	return Classify(fn(conn))
}

// Subscription is a set of channel handlers on one connection.
type Subscription struct {
	conn     Connection
	channels []ChannelID
}

// SubscribeAll subscribes every handler in handlers. If any subscription
// fails, the ones already made are removed before returning the error.
func SubscribeAll(ctx context.Context, conn Connection, handlers map[ChannelID]DataHandler) (*Subscription, error) {
	sub := &Subscription{conn: conn}
	for ch, h := range handlers {
		if err := conn.Subscribe(ctx, ch, h); err != nil {
			sub.Close()
			return nil, fmt.Errorf("subscribe %s: %w", ch, Classify(err))
		}
		sub.channels = append(sub.channels, ch)
	}
	return sub, nil
}

// Close unsubscribes every channel. Errors are logged, not returned, since
// the link may already be gone.
func (s *Subscription) Close() {
	for _, ch := range s.channels {
		if err := s.conn.Unsubscribe(ch); err != nil && !errors.Is(err, ErrNotConnected) {
			logrus.WithFields(logrus.Fields{
				"function": "Subscription.Close",
				"channel":  string(ch),
				"error":    err.Error(),
			}).Debug("Unsubscribe failed")
		}
	}
	s.channels = nil
}
