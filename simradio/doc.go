// Package simradio is an in-memory radio implementing transport.Transport and
// transport.Listener.
//
// Radios join a shared Air. Every radio can discover every other radio on
// the same Air, connect to it, and exchange writes on named channels. Writes
// to a channel nobody has subscribed to yet are held (like a GATT value) and
// delivered once a handler subscribes. A Filter can drop writes to simulate
// radio loss, and Leave simulates a device moving out of range.
//
//	air := simradio.NewAir()
//	alice := air.Join("alice")
//	bob := air.Join("bob")
//	conn, err := alice.Connect(ctx, bob.Handle())
package simradio
