package transport

import (
	"context"
	"errors"
	"fmt"
)

// ChannelID names a channel on a connection.
type ChannelID string

const (
	// ChannelKeyShare carries key-share advertisements.
	ChannelKeyShare ChannelID = "dense/keyshare"
	// ChannelPart1 carries legacy part 1, or a whole envelope that fits one write.
	ChannelPart1 ChannelID = "dense/part-1"
	// ChannelPart2 carries legacy part 2.
	ChannelPart2 ChannelID = "dense/part-2"
	// ChannelPart3 carries legacy part 3.
	ChannelPart3 ChannelID = "dense/part-3"
	// ChannelFrame carries sequenced frames.
	ChannelFrame ChannelID = "dense/frame"
	// ChannelAck carries sequenced acknowledgements.
	ChannelAck ChannelID = "dense/ack"
)

// PartChannels lists the legacy part channels in slot order.
var PartChannels = [3]ChannelID{ChannelPart1, ChannelPart2, ChannelPart3}

// PartChannel returns the channel for a legacy slot (1..3).
func PartChannel(slot int) (ChannelID, error) {
	if slot < 1 || slot > len(PartChannels) {
		return "", fmt.Errorf("no part channel for slot %d", slot)
	}
	return PartChannels[slot-1], nil
}

// SlotForChannel returns the legacy slot carried by ch.
func SlotForChannel(ch ChannelID) (int, bool) {
	for i, c := range PartChannels {
		if c == ch {
			return i + 1, true
		}
	}
	return 0, false
}

var (
	// ErrTimeout indicates a transport operation did not finish in time.
	ErrTimeout = errors.New("transport timeout")
	// ErrDisconnected indicates the link was lost.
	ErrDisconnected = errors.New("transport disconnected")
	// ErrNotConnected indicates an operation on a connection that was closed.
	ErrNotConnected = errors.New("transport not connected")
)

// PeerHandle identifies a discovered peer.
type PeerHandle struct {
	ID   string
	Name string
	RSSI int
}

// DataHandler receives the bytes written to a subscribed channel.
// Handlers are called from the transport's delivery goroutine and must not block.
type DataHandler func(data []byte)

// Transport discovers and connects to peers.
type Transport interface {
	// Discover streams peers in range until ctx is done.
	Discover(ctx context.Context) (<-chan PeerHandle, error)

	// Connect opens a link to peer.
	Connect(ctx context.Context, peer PeerHandle) (Connection, error)
}

// Listener is implemented by transports that also accept inbound links.
type Listener interface {
	// Accept blocks until a peer connects or ctx is done.
	Accept(ctx context.Context) (Connection, error)
}

// Local is implemented by transports that know their own handle. When both
// ends of a link expose one, only the end with the lower ID dials, so two
// peers that discover each other open a single link.
type Local interface {
	Handle() PeerHandle
}

// Connection is one open link to a peer.
type Connection interface {
	// Peer returns the remote peer.
	Peer() PeerHandle

	// Write sends data on ch. Delivery is not acknowledged.
	Write(ctx context.Context, ch ChannelID, data []byte) error

	// Subscribe registers handler for data arriving on ch, replacing any
	// previous handler for ch.
	Subscribe(ctx context.Context, ch ChannelID, handler DataHandler) error

	// Unsubscribe removes the handler for ch.
	Unsubscribe(ch ChannelID) error

	// Disconnect closes the link. It is safe to call more than once.
	Disconnect() error

	// Done is closed when the link is gone, from either end.
	Done() <-chan struct{}
}
