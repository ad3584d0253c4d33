package engine

import "time"

// AlertSink receives exposure alerts. It is called without engine locks held
// and outside any tracked link handler, at most once per exposure
// notification. A sink may call back into the engine, Disconnect included,
// but delivery on that link waits until it returns.
type AlertSink interface {
	OnExposureDetected(peerPublicKey string, lastSeenAt time.Time)
}

// AlertFunc adapts a function to AlertSink.
type AlertFunc func(peerPublicKey string, lastSeenAt time.Time)

// OnExposureDetected calls f.
func (f AlertFunc) OnExposureDetected(peerPublicKey string, lastSeenAt time.Time) {
	f(peerPublicKey, lastSeenAt)
}
