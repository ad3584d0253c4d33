package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	mu           sync.Mutex
	subs         map[ChannelID]DataHandler
	failOn       ChannelID
	disconnected int
	done         chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{subs: map[ChannelID]DataHandler{}, done: make(chan struct{})}
}

func (c *fakeConn) Peer() PeerHandle { return PeerHandle{ID: "fake"} }

func (c *fakeConn) Write(context.Context, ChannelID, []byte) error { return nil }

func (c *fakeConn) Subscribe(_ context.Context, ch ChannelID, h DataHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ch == c.failOn {
		return errors.New("characteristic not found")
	}
	c.subs[ch] = h
	return nil
}

func (c *fakeConn) Unsubscribe(ch ChannelID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subs, ch)
	return nil
}

func (c *fakeConn) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disconnected == 0 {
		close(c.done)
	}
	c.disconnected++
	return nil
}

func (c *fakeConn) Done() <-chan struct{} { return c.done }

type fakeTransport struct {
	conn  *fakeConn
	block bool
}

func (t *fakeTransport) Discover(context.Context) (<-chan PeerHandle, error) {
	return nil, errors.New("not used")
}

func (t *fakeTransport) Connect(ctx context.Context, _ PeerHandle) (Connection, error) {
	if t.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return t.conn, nil
}

func TestPartChannels(t *testing.T) {
	for slot := 1; slot <= 3; slot++ {
		ch, err := PartChannel(slot)
		require.NoError(t, err)
		got, ok := SlotForChannel(ch)
		assert.True(t, ok)
		assert.Equal(t, slot, got)
	}

	_, err := PartChannel(0)
	assert.Error(t, err)
	_, ok := SlotForChannel(ChannelKeyShare)
	assert.False(t, ok)
}

func TestWithConnectionDisconnectsOnEveryPath(t *testing.T) {
	boom := errors.New("write failed")

	for name, fn := range map[string]func(Connection) error{
		"success": func(Connection) error { return nil },
		"failure": func(Connection) error { return boom },
	} {
		t.Run(name, func(t *testing.T) {
			conn := newFakeConn()
			err := WithConnection(context.Background(), &fakeTransport{conn: conn}, PeerHandle{ID: "p"}, time.Second, fn)
			if name == "failure" {
				assert.ErrorIs(t, err, boom)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, 1, conn.disconnected)
		})
	}
}

func TestWithConnectionConnectTimeout(t *testing.T) {
	called := false
	err := WithConnection(context.Background(), &fakeTransport{block: true}, PeerHandle{ID: "p"}, 20*time.Millisecond,
		func(Connection) error {
			called = true
			return nil
		})
	assert.ErrorIs(t, err, ErrTimeout)
	assert.False(t, called)
}

func TestClassify(t *testing.T) {
	assert.NoError(t, Classify(nil))
	assert.ErrorIs(t, Classify(context.DeadlineExceeded), ErrTimeout)
	assert.ErrorIs(t, Classify(ErrDisconnected), ErrDisconnected)
	assert.NotErrorIs(t, Classify(context.Canceled), ErrTimeout)
}

func TestSubscribeAll(t *testing.T) {
	conn := newFakeConn()
	noop := func([]byte) {}

	sub, err := SubscribeAll(context.Background(), conn, map[ChannelID]DataHandler{
		ChannelKeyShare: noop,
		ChannelFrame:    noop,
	})
	require.NoError(t, err)
	assert.Len(t, conn.subs, 2)

	sub.Close()
	assert.Empty(t, conn.subs)
}

func TestSubscribeAllRollsBack(t *testing.T) {
	conn := newFakeConn()
	conn.failOn = ChannelAck
	noop := func([]byte) {}

	_, err := SubscribeAll(context.Background(), conn, map[ChannelID]DataHandler{
		ChannelKeyShare: noop,
		ChannelPart1:    noop,
		ChannelAck:      noop,
	})
	assert.Error(t, err)
	assert.Empty(t, conn.subs)
}
