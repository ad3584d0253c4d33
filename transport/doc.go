// Package transport defines the radio link the DENSE engine consumes.
//
// A Transport discovers nearby peers and connects to them. A Connection
// moves small byte buffers on named channels: writes on one end are delivered
// to the subscribers of the same channel on the other end. Implementations
// wrap a platform radio stack (BLE GATT characteristics, for example). The
// simradio package provides an in-memory implementation for tests and
// simulation.
//
// # Channels
//
//	ChannelKeyShare       key-share advertisements
//	ChannelPart1..3       legacy exposure parts, one per slot
//	ChannelFrame          sequenced exposure frames
//	ChannelAck            sequenced frame acknowledgements
//
// # Scoped Use
//
// Every connection acquired by WithConnection is disconnected on every exit
// path, including timeouts:
//
//	err := transport.WithConnection(ctx, radio, peer, 5*time.Second,
//	    func(conn transport.Connection) error {
//	        return conn.Write(ctx, transport.ChannelKeyShare, advert)
//	    })
package transport
