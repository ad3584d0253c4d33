// Package densecore implements DENSE, a proximity exposure-notification
// protocol for short-range radios.
//
// Devices advertise their public key to every peer in range. Each device
// records who it has met and when. A device that reports an exposure sends
// one signed envelope, encrypted for every contact it has recorded, to the
// peers currently in range. A receiver that can decrypt the envelope and
// verify that it came from a recorded contact raises an alert carrying the
// contact's key and the time they last met.
//
// # Getting Started
//
//	opts := densecore.NewOptions()
//	opts.Sink = engine.AlertFunc(func(pk string, lastSeen time.Time) {
//	    fmt.Printf("exposure: contact %s met at %s\n", crypto.KeyPreview(pk), lastSeen)
//	})
//
//	node, err := densecore.New(opts)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer node.Close()
//
//	go node.Serve(ctx, radio)
//	...
//	err = node.ReportExposure(ctx)
//
// # Packages
//
//   - [github.com/opd-ai/densecore/engine]: per-peer state machine and the
//     verification pipeline
//   - [github.com/opd-ai/densecore/message]: wire formats and chunking
//   - [github.com/opd-ai/densecore/crypto]: keys, signatures and
//     multi-recipient encryption
//   - [github.com/opd-ai/densecore/identity]: identity and session persistence
//   - [github.com/opd-ai/densecore/registry]: contacts and the replay guard
//   - [github.com/opd-ai/densecore/transport]: the radio abstraction
//   - [github.com/opd-ai/densecore/simradio]: an in-memory radio for tests
//     and the simulator
//
// # Persistence
//
// With Config.DataDir set, the session is kept in an encrypted file store
// whose passphrase is read from the environment variable named by
// Config.PassphraseEnv. Without it the session lives in memory.
package densecore
