package engine

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/opd-ai/densecore/crypto"
	"github.com/opd-ai/densecore/message"
	"github.com/opd-ai/densecore/registry"
	"github.com/opd-ai/densecore/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.UnixMilli(time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC).UnixMilli())

type recipients []string

func (r recipients) AllKnownPublicKeys() []string { return r }

type memPersister struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (p *memPersister) PersistSessionState(*registry.Registry) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return p.err
}

func (p *memPersister) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type recordedAlert struct {
	publicKey string
	lastSeen  time.Time
}

type alertRecorder struct {
	mu     sync.Mutex
	alerts []recordedAlert
}

func (r *alertRecorder) OnExposureDetected(pk string, lastSeen time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, recordedAlert{pk, lastSeen})
}

func (r *alertRecorder) all() []recordedAlert {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recordedAlert(nil), r.alerts...)
}

type fixture struct {
	engine    *Engine
	kp        *crypto.KeyPair
	reg       *registry.Registry
	persister *memPersister
	alerts    *alertRecorder
	clock     *ManualClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	f := &fixture{
		kp:        kp,
		reg:       registry.New(),
		persister: &memPersister{},
		alerts:    &alertRecorder{},
		clock:     NewManualClock(t0),
	}
	f.engine, err = New(DefaultConfig(), kp, f.reg, f.persister, &Options{
		Sink:  f.alerts,
		Clock: f.clock,
	})
	require.NoError(t, err)
	return f
}

func mustKeyPair(t *testing.T) *crypto.KeyPair {
	t.Helper()
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	return kp
}

// exposureFrom builds an envelope from sender addressed to the given keys.
func exposureFrom(t *testing.T, sender *crypto.KeyPair, at time.Time, to ...string) *message.ExposureEnvelope {
	t.Helper()
	env, err := message.BuildExposure(sender, recipients(to), at)
	require.NoError(t, err)
	return env
}

func marshal(t *testing.T, env *message.ExposureEnvelope) []byte {
	t.Helper()
	data, err := env.Marshal()
	require.NoError(t, err)
	return data
}

func TestNewRejectsBadArguments(t *testing.T) {
	kp := mustKeyPair(t)
	reg := registry.New()
	p := &memPersister{}

	_, err := New(Config{}, kp, reg, p, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = New(DefaultConfig(), &crypto.KeyPair{PublicKey: "x"}, reg, p, nil)
	assert.ErrorIs(t, err, crypto.ErrInvalidKey)

	_, err = New(DefaultConfig(), kp, nil, p, nil)
	assert.Error(t, err)

	_, err = New(DefaultConfig(), kp, reg, nil, nil)
	assert.Error(t, err)

	e, err := New(DefaultConfig(), kp, reg, p, nil)
	require.NoError(t, err)
	assert.Equal(t, kp.PublicKey, e.PublicKey())
}

func TestOnKeyShareReceived(t *testing.T) {
	f := newFixture(t)
	peer := mustKeyPair(t)
	sentAt := t0.Add(-time.Minute)

	data, err := message.EncodeKeyShare(peer, sentAt)
	require.NoError(t, err)
	require.NoError(t, f.engine.OnKeyShareReceived(data))

	seen, ok := f.reg.LastSeen(peer.PublicKey)
	require.True(t, ok)
	assert.True(t, sentAt.Equal(seen), "contact time is the advertised time")
	assert.Equal(t, 1, f.persister.count())

	later, err := message.EncodeKeyShare(peer, t0)
	require.NoError(t, err)
	require.NoError(t, f.engine.OnKeyShareReceived(later))
	seen, _ = f.reg.LastSeen(peer.PublicKey)
	assert.True(t, t0.Equal(seen))
}

func TestOnKeyShareReceivedDropsSelfAndMalformed(t *testing.T) {
	f := newFixture(t)

	own, err := message.EncodeKeyShare(f.kp, t0)
	require.NoError(t, err)
	require.NoError(t, f.engine.OnKeyShareReceived(own))
	assert.False(t, f.reg.IsKnownContact(f.kp.PublicKey))

	for _, bad := range [][]byte{nil, []byte("{"), []byte(`{"header":"other","pk":"x","time":1}`)} {
		assert.NoError(t, f.engine.OnKeyShareReceived(bad))
	}
	assert.Equal(t, 0, f.reg.ContactCount())
	assert.Equal(t, 0, f.persister.count())
}

func TestOnKeyShareReceivedStorageFailure(t *testing.T) {
	f := newFixture(t)
	f.persister.err = errors.New("disk full")

	data, err := message.EncodeKeyShare(mustKeyPair(t), t0)
	require.NoError(t, err)
	assert.Error(t, f.engine.OnKeyShareReceived(data))
}

func TestProcessExposureAlertsOnce(t *testing.T) {
	f := newFixture(t)
	sender := mustKeyPair(t)
	met := t0.Add(-48 * time.Hour)
	f.reg.RecordContact(sender.PublicKey, met)

	data := marshal(t, exposureFrom(t, sender, t0, f.kp.PublicKey))

	outcome, err := f.engine.ProcessExposure(data)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlerted, outcome)

	outcome, err = f.engine.ProcessExposure(data)
	require.NoError(t, err)
	assert.Equal(t, OutcomeReplay, outcome)

	alerts := f.alerts.all()
	require.Len(t, alerts, 1)
	assert.Equal(t, sender.PublicKey, alerts[0].publicKey)
	assert.True(t, met.Equal(alerts[0].lastSeen))
}

func TestProcessExposureStaleness(t *testing.T) {
	sender := mustKeyPair(t)

	cases := []struct {
		name string
		age  time.Duration
		want Outcome
	}{
		{"six days", 6 * 24 * time.Hour, OutcomeAlerted},
		{"exactly window", DefaultStalenessWindow, OutcomeStale},
		{"eight days", 8 * 24 * time.Hour, OutcomeStale},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.reg.RecordContact(sender.PublicKey, t0)
			data := marshal(t, exposureFrom(t, sender, t0, f.kp.PublicKey))
			f.clock.Set(t0.Add(tc.age))

			outcome, err := f.engine.ProcessExposure(data)
			require.NoError(t, err)
			assert.Equal(t, tc.want, outcome)
			if tc.want == OutcomeStale {
				assert.Empty(t, f.alerts.all())
				assert.Equal(t, 0, f.reg.NotificationCount(), "stale envelopes are not recorded")
			}
		})
	}
}

func TestProcessExposureDrops(t *testing.T) {
	sender := mustKeyPair(t)
	stranger := mustKeyPair(t)

	tests := []struct {
		name  string
		build func(f *fixture) []byte
		want  Outcome
	}{
		{
			name:  "malformed",
			build: func(*fixture) []byte { return []byte("not an envelope") },
			want:  OutcomeMalformed,
		},
		{
			name: "not addressed to us",
			build: func(*fixture) []byte {
				return marshal(t, exposureFrom(t, sender, t0, stranger.PublicKey))
			},
			want: OutcomeUndecryptable,
		},
		{
			name: "tampered signature",
			build: func(f *fixture) []byte {
				env := exposureFrom(t, sender, t0, f.kp.PublicKey)
				env.Signature[0] ^= 0xff
				return marshal(t, env)
			},
			want: OutcomeBadSignature,
		},
		{
			name: "tampered ciphertext",
			build: func(f *fixture) []byte {
				env := exposureFrom(t, sender, t0, f.kp.PublicKey)
				env.Ciphertext[len(env.Ciphertext)-1] ^= 0xff
				return marshal(t, env)
			},
			want: OutcomeUndecryptable,
		},
		{
			name: "plaintext time rewritten",
			build: func(f *fixture) []byte {
				env := exposureFrom(t, sender, t0, f.kp.PublicKey)
				env.Time -= 1000
				return marshal(t, env)
			},
			want: OutcomeTimeMismatch,
		},
		{
			name: "own envelope",
			build: func(f *fixture) []byte {
				return marshal(t, exposureFrom(t, f.kp, t0, f.kp.PublicKey))
			},
			want: OutcomeSelf,
		},
		{
			name: "unknown sender",
			build: func(f *fixture) []byte {
				return marshal(t, exposureFrom(t, stranger, t0, f.kp.PublicKey))
			},
			want: OutcomeUnknownSender,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.reg.RecordContact(sender.PublicKey, t0)

			outcome, err := f.engine.ProcessExposure(tc.build(f))
			require.NoError(t, err)
			assert.Equal(t, tc.want, outcome)
			assert.Empty(t, f.alerts.all())
		})
	}
}

func TestRewrittenTimeDoesNotBurnGenuineEnvelope(t *testing.T) {
	f := newFixture(t)
	sender := mustKeyPair(t)
	f.reg.RecordContact(sender.PublicKey, t0)

	env := exposureFrom(t, sender, t0, f.kp.PublicKey)
	genuine := marshal(t, env)
	rewritten := *env
	rewritten.Time += 1000

	outcome, err := f.engine.ProcessExposure(marshal(t, &rewritten))
	require.NoError(t, err)
	assert.Equal(t, OutcomeTimeMismatch, outcome)

	outcome, err = f.engine.ProcessExposure(genuine)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlerted, outcome)

	outcome, err = f.engine.ProcessExposure(genuine)
	require.NoError(t, err)
	assert.Equal(t, OutcomeReplay, outcome)
	assert.Len(t, f.alerts.all(), 1)
}

func TestProcessExposureFutureSendTime(t *testing.T) {
	sender := mustKeyPair(t)

	cases := []struct {
		name  string
		ahead time.Duration
		want  Outcome
	}{
		{"within skew", 5 * time.Minute, OutcomeAlerted},
		{"at skew", DefaultMaxClockSkew, OutcomeAlerted},
		{"beyond skew", DefaultMaxClockSkew + time.Second, OutcomeFuture},
		{"a century ahead", 100 * 365 * 24 * time.Hour, OutcomeFuture},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.reg.RecordContact(sender.PublicKey, t0)

			outcome, err := f.engine.ProcessExposure(marshal(t, exposureFrom(t, sender, t0.Add(tc.ahead), f.kp.PublicKey)))
			require.NoError(t, err)
			assert.Equal(t, tc.want, outcome)
			if tc.want == OutcomeFuture {
				assert.Empty(t, f.alerts.all())
				assert.Equal(t, 0, f.reg.NotificationCount(), "future envelopes are not recorded")
			}
		})
	}
}

func TestReplaySetDrainsAfterFutureEnvelopes(t *testing.T) {
	f := newFixture(t)
	sender := mustKeyPair(t)

	for _, ahead := range []time.Duration{time.Minute, 24 * time.Hour, 100 * 365 * 24 * time.Hour} {
		_, err := f.engine.ProcessExposure(marshal(t, exposureFrom(t, sender, t0.Add(ahead), f.kp.PublicKey)))
		require.NoError(t, err)
	}
	require.Equal(t, 1, f.reg.NotificationCount(), "only the envelope within skew is recorded")

	f.clock.Advance(30 * 24 * time.Hour)
	require.NoError(t, f.engine.Sweep())
	assert.Equal(t, 0, f.reg.NotificationCount())
}

func TestProcessExposureRecordsBeforeDecrypting(t *testing.T) {
	f := newFixture(t)
	stranger := mustKeyPair(t)
	data := marshal(t, exposureFrom(t, stranger, t0, f.kp.PublicKey))

	outcome, err := f.engine.ProcessExposure(data)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnknownSender, outcome)
	assert.Equal(t, 1, f.reg.NotificationCount())

	// Learning the sender later does not resurrect the notification.
	f.reg.RecordContact(stranger.PublicKey, t0)
	outcome, err = f.engine.ProcessExposure(data)
	require.NoError(t, err)
	assert.Equal(t, OutcomeReplay, outcome)
	assert.Empty(t, f.alerts.all())
}

func TestProcessExposurePersistFailure(t *testing.T) {
	f := newFixture(t)
	sender := mustKeyPair(t)
	f.reg.RecordContact(sender.PublicKey, t0)
	f.persister.err = errors.New("keystore locked")

	outcome, err := f.engine.ProcessExposure(marshal(t, exposureFrom(t, sender, t0, f.kp.PublicKey)))
	assert.Error(t, err)
	assert.Equal(t, OutcomePending, outcome)
	assert.Empty(t, f.alerts.all())
}

func TestLegacyChunksAnyOrder(t *testing.T) {
	f := newFixture(t)
	sender := mustKeyPair(t)
	f.reg.RecordContact(sender.PublicKey, t0)

	writes, err := message.EncodeLegacy(marshal(t, exposureFrom(t, sender, t0, f.kp.PublicKey)), 240)
	require.NoError(t, err)
	require.Len(t, writes, 3)

	for _, slot := range []int{3, 1} {
		outcome, err := f.engine.OnExposureChunkReceived("peer", slot, writes[slot-1])
		require.NoError(t, err)
		assert.Equal(t, OutcomePending, outcome)
	}
	assert.Equal(t, StateIdle, f.engine.PeerState("peer"), "no link, reassembly alone")

	outcome, err := f.engine.OnExposureChunkReceived("peer", 2, writes[1])
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlerted, outcome)
	assert.Len(t, f.alerts.all(), 1)
}

func TestLegacyWholeEnvelope(t *testing.T) {
	f := newFixture(t)
	sender := mustKeyPair(t)
	f.reg.RecordContact(sender.PublicKey, t0)
	data := marshal(t, exposureFrom(t, sender, t0, f.kp.PublicKey))

	outcome, err := f.engine.OnExposureChunkReceived("peer", 2, data)
	require.NoError(t, err)
	assert.Equal(t, OutcomeMalformed, outcome, "whole envelopes travel on part 1")

	outcome, err = f.engine.OnExposureChunkReceived("peer", 1, data)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlerted, outcome)
}

func TestLegacyRepeatedSlotRestarts(t *testing.T) {
	f := newFixture(t)
	sender := mustKeyPair(t)
	f.reg.RecordContact(sender.PublicKey, t0)

	writes, err := message.EncodeLegacy(marshal(t, exposureFrom(t, sender, t0, f.kp.PublicKey)), 240)
	require.NoError(t, err)
	require.Len(t, writes, 3)

	for _, slot := range []int{1, 2, 1, 3} {
		outcome, err := f.engine.OnExposureChunkReceived("peer", slot, writes[slot-1])
		require.NoError(t, err)
		assert.Equal(t, OutcomePending, outcome, "slot %d", slot)
	}

	outcome, err := f.engine.OnExposureChunkReceived("peer", 2, writes[1])
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlerted, outcome)
}

func TestLegacySlotMismatch(t *testing.T) {
	f := newFixture(t)
	part, err := message.EncodeChunk(2, []byte("abc"))
	require.NoError(t, err)

	outcome, err := f.engine.OnExposureChunkReceived("peer", 1, part)
	require.NoError(t, err)
	assert.Equal(t, OutcomeMalformed, outcome)
}

func TestLegacyPartsFromDifferentPeersDoNotMix(t *testing.T) {
	f := newFixture(t)
	sender := mustKeyPair(t)
	f.reg.RecordContact(sender.PublicKey, t0)

	writes, err := message.EncodeLegacy(marshal(t, exposureFrom(t, sender, t0, f.kp.PublicKey)), 240)
	require.NoError(t, err)
	require.Len(t, writes, 3)

	_, err = f.engine.OnExposureChunkReceived("p1", 1, writes[0])
	require.NoError(t, err)
	_, err = f.engine.OnExposureChunkReceived("p2", 2, writes[1])
	require.NoError(t, err)
	outcome, err := f.engine.OnExposureChunkReceived("p1", 3, writes[2])
	require.NoError(t, err)
	assert.Equal(t, OutcomePending, outcome)
}

func TestSweepExpiresPartialTransfers(t *testing.T) {
	f := newFixture(t)
	sender := mustKeyPair(t)
	f.reg.RecordContact(sender.PublicKey, t0)

	writes, err := message.EncodeLegacy(marshal(t, exposureFrom(t, sender, t0, f.kp.PublicKey)), 240)
	require.NoError(t, err)
	require.Len(t, writes, 3)

	_, err = f.engine.OnExposureChunkReceived("peer", 1, writes[0])
	require.NoError(t, err)

	f.clock.Advance(f.engine.Config().EffectiveReassemblyTimeout())
	require.NoError(t, f.engine.Sweep())

	for _, slot := range []int{2, 3} {
		outcome, err := f.engine.OnExposureChunkReceived("peer", slot, writes[slot-1])
		require.NoError(t, err)
		assert.Equal(t, OutcomePending, outcome, "part 1 was discarded")
	}
}

func TestSweepPrunesReplayRecords(t *testing.T) {
	f := newFixture(t)
	sender := mustKeyPair(t)
	f.reg.RecordContact(sender.PublicKey, t0)

	_, err := f.engine.ProcessExposure(marshal(t, exposureFrom(t, sender, t0, f.kp.PublicKey)))
	require.NoError(t, err)
	require.Equal(t, 1, f.reg.NotificationCount())
	calls := f.persister.count()

	f.clock.Advance(6 * 24 * time.Hour)
	require.NoError(t, f.engine.Sweep())
	assert.Equal(t, 1, f.reg.NotificationCount())
	assert.Equal(t, calls, f.persister.count(), "nothing pruned, nothing written")

	f.clock.Advance(2 * 24 * time.Hour)
	require.NoError(t, f.engine.Sweep())
	assert.Equal(t, 0, f.reg.NotificationCount())
	assert.Equal(t, calls+1, f.persister.count())
}

func encodedFrames(t *testing.T, envelope []byte, writeSize int) [][]byte {
	t.Helper()
	_, frames, err := message.NewFrames(envelope, writeSize)
	require.NoError(t, err)
	out := make([][]byte, len(frames))
	for i := range frames {
		out[i], err = message.EncodeFrame(&frames[i])
		require.NoError(t, err)
	}
	return out
}

func TestFramesAssembleOutOfOrder(t *testing.T) {
	f := newFixture(t)
	sender := mustKeyPair(t)
	f.reg.RecordContact(sender.PublicKey, t0)

	frames := encodedFrames(t, marshal(t, exposureFrom(t, sender, t0, f.kp.PublicKey)), 160)
	require.Greater(t, len(frames), 2)

	for i := len(frames) - 1; i > 0; i-- {
		outcome, err := f.engine.OnFrameReceived("peer", frames[i])
		require.NoError(t, err)
		assert.Equal(t, OutcomePending, outcome)
	}
	outcome, err := f.engine.OnFrameReceived("peer", frames[len(frames)-1])
	require.NoError(t, err)
	assert.Equal(t, OutcomePending, outcome, "duplicate frames are ignored")

	outcome, err = f.engine.OnFrameReceived("peer", frames[0])
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlerted, outcome)

	outcome, err = f.engine.OnFrameReceived("peer", frames[0])
	require.NoError(t, err)
	assert.Equal(t, OutcomeReplay, outcome, "retransmission after completion")
	assert.Len(t, f.alerts.all(), 1)
}

func TestFramesNewTransferAbandonsOld(t *testing.T) {
	f := newFixture(t)
	sender := mustKeyPair(t)
	f.reg.RecordContact(sender.PublicKey, t0)

	first := encodedFrames(t, marshal(t, exposureFrom(t, sender, t0, f.kp.PublicKey)), 160)
	second := encodedFrames(t, marshal(t, exposureFrom(t, sender, t0, f.kp.PublicKey)), 160)

	_, err := f.engine.OnFrameReceived("peer", first[0])
	require.NoError(t, err)

	var outcome Outcome
	for _, fr := range second {
		outcome, err = f.engine.OnFrameReceived("peer", fr)
		require.NoError(t, err)
	}
	assert.Equal(t, OutcomeAlerted, outcome)

	for _, fr := range first[1:] {
		outcome, err = f.engine.OnFrameReceived("peer", fr)
		require.NoError(t, err)
	}
	assert.Equal(t, OutcomePending, outcome, "the first transfer restarted without frame 0")
}

func TestFrameMalformed(t *testing.T) {
	f := newFixture(t)
	outcome, err := f.engine.OnFrameReceived("peer", []byte{0xff, 0x00})
	require.NoError(t, err)
	assert.Equal(t, OutcomeMalformed, outcome)
}

func TestDisconnectWithoutLink(t *testing.T) {
	f := newFixture(t)
	part, err := message.EncodeChunk(1, []byte("abc"))
	require.NoError(t, err)
	_, err = f.engine.OnExposureChunkReceived("peer", 1, part)
	require.NoError(t, err)

	assert.ErrorIs(t, f.engine.Disconnect("peer"), transport.ErrNotConnected)

	f.engine.mu.Lock()
	_, pending := f.engine.legacy["peer"]
	f.engine.mu.Unlock()
	assert.False(t, pending, "reassembly state is cleared even without a link")
}

func TestSetKeyPair(t *testing.T) {
	f := newFixture(t)
	fresh := mustKeyPair(t)

	require.NoError(t, f.engine.SetKeyPair(fresh))
	assert.Equal(t, fresh.PublicKey, f.engine.PublicKey())
	assert.Error(t, f.engine.SetKeyPair(&crypto.KeyPair{}))
	assert.Equal(t, fresh.PublicKey, f.engine.PublicKey())
}

func TestOutcomeAndStateNames(t *testing.T) {
	assert.Equal(t, "alerted", OutcomeAlerted.String())
	assert.Equal(t, "future", OutcomeFuture.String())
	assert.Equal(t, "unknown", Outcome(99).String())
	assert.Equal(t, "exchanging", StateExchanging.String())
	assert.Equal(t, "unknown", PeerState(99).String())
}
