package engine

import (
	"errors"
	"time"

	"github.com/opd-ai/densecore/message"
	"github.com/sirupsen/logrus"
)

// legacyContext holds the parts of one in-flight legacy transfer from a peer.
type legacyContext struct {
	chunks  map[int][]byte
	started time.Time
}

// frameContext holds one in-flight sequenced transfer from a peer.
type frameContext struct {
	asm     *message.FrameAssembler
	updated time.Time
}

// OnExposureChunkReceived feeds one legacy write that arrived from peerID on
// the part channel for slot. When the envelope is complete it runs through
// the verification pipeline; until then the outcome is OutcomePending.
func (e *Engine) OnExposureChunkReceived(peerID string, slot int, data []byte) (Outcome, error) {
	outcome, a, err := e.receiveChunk(peerID, slot, data)
	e.raise(a)
	return outcome, err
}

func (e *Engine) receiveChunk(peerID string, slot int, data []byte) (Outcome, *alert, error) {
	chunk, err := message.DecodeChunk(data)
	if err != nil {
		return e.dropChunk(peerID, slot, err), nil, nil
	}

	if chunk.Whole() {
		if slot != 1 {
			return e.dropChunk(peerID, slot, errors.New("whole envelope on a part channel other than 1")), nil, nil
		}
		return e.processExposure(chunk.Data)
	}
	if chunk.Slot != slot {
		return e.dropChunk(peerID, slot, errors.New("part number does not match channel")), nil, nil
	}

	e.mu.Lock()
	ctx := e.legacy[peerID]
	if ctx != nil {
		if _, dup := ctx.chunks[slot]; dup {
			logrus.WithFields(logrus.Fields{
				"function": "OnExposureChunkReceived",
				"peer":     peerID,
				"slot":     slot,
			}).Warn("Part repeated, abandoning partial transfer")
			e.metrics.ReassemblyExpired()
			ctx = nil
		}
	}
	if ctx == nil {
		ctx = &legacyContext{chunks: make(map[int][]byte), started: e.clock.Now()}
		e.legacy[peerID] = ctx
	}
	ctx.chunks[slot] = chunk.Data

	envelope, err := message.Reassemble(ctx.chunks)
	if errors.Is(err, message.ErrIncomplete) {
		e.mu.Unlock()
		return OutcomePending, nil, nil
	}
	delete(e.legacy, peerID)
	if err != nil {
		e.mu.Unlock()
		return e.dropChunk(peerID, slot, err), nil, nil
	}

	outcome, a, err := e.processLocked(envelope)
	e.mu.Unlock()
	return outcome, a, err
}

// OnFrameReceived feeds one sequenced frame from peerID. The caller is
// responsible for acknowledging it.
func (e *Engine) OnFrameReceived(peerID string, data []byte) (Outcome, error) {
	f, err := message.DecodeFrame(data)
	if err != nil {
		return e.dropChunk(peerID, 0, err), nil
	}
	outcome, a, err := e.acceptFrame(peerID, f)
	e.raise(a)
	return outcome, err
}

func (e *Engine) acceptFrame(peerID string, f *message.Frame) (Outcome, *alert, error) {
	e.mu.Lock()

	id := f.TransferID()
	if e.completed[peerID] == id {
		e.mu.Unlock()
		return OutcomeReplay, nil, nil
	}

	ctx := e.frames[peerID]
	if ctx != nil && ctx.asm.Transfer() != id {
		logrus.WithFields(logrus.Fields{
			"function": "OnFrameReceived",
			"peer":     peerID,
			"abandons": ctx.asm.Transfer().String(),
			"transfer": id.String(),
		}).Warn("New transfer started, abandoning partial transfer")
		e.metrics.ReassemblyExpired()
		ctx = nil
	}
	if ctx == nil {
		ctx = &frameContext{asm: message.NewFrameAssembler(f)}
		e.frames[peerID] = ctx
	}
	ctx.updated = e.clock.Now()

	envelope, err := ctx.asm.Add(f)
	if errors.Is(err, message.ErrIncomplete) {
		e.mu.Unlock()
		return OutcomePending, nil, nil
	}
	delete(e.frames, peerID)
	if err != nil {
		e.mu.Unlock()
		return e.dropChunk(peerID, int(f.Seq), err), nil, nil
	}
	e.completed[peerID] = id

	outcome, a, err := e.processLocked(envelope)
	e.mu.Unlock()
	return outcome, a, err
}

func (e *Engine) dropChunk(peerID string, slot int, err error) Outcome {
	logrus.WithFields(logrus.Fields{
		"function": "OnExposureChunkReceived",
		"peer":     peerID,
		"slot":     slot,
		"error":    err.Error(),
	}).Warn("Dropping malformed exposure write")
	e.metrics.ExposureProcessed(OutcomeMalformed.String())
	return OutcomeMalformed
}

// Sweep abandons reassembly contexts older than the reassembly timeout and
// prunes replay records older than the staleness window. Serve calls it
// every JanitorInterval.
func (e *Engine) Sweep() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock.Now()
	timeout := e.cfg.EffectiveReassemblyTimeout()

	for peerID, ctx := range e.legacy {
		if now.Sub(ctx.started) >= timeout {
			delete(e.legacy, peerID)
			e.metrics.ReassemblyExpired()
			logrus.WithFields(logrus.Fields{
				"function": "Sweep",
				"peer":     peerID,
				"parts":    len(ctx.chunks),
			}).Info("Abandoned incomplete legacy transfer")
		}
	}
	for peerID, ctx := range e.frames {
		if now.Sub(ctx.updated) >= timeout {
			delete(e.frames, peerID)
			e.metrics.ReassemblyExpired()
			logrus.WithFields(logrus.Fields{
				"function": "Sweep",
				"peer":     peerID,
				"frames":   ctx.asm.Received(),
			}).Info("Abandoned stalled sequenced transfer")
		}
	}

	if pruned := e.registry.PruneNotifications(now.Add(-e.cfg.StalenessWindow)); pruned > 0 {
		return e.persistLocked("Sweep")
	}
	return nil
}

// clearPeerLocked discards all reassembly state for peerID.
// The caller holds e.mu.
func (e *Engine) clearPeerLocked(peerID string) {
	delete(e.legacy, peerID)
	delete(e.frames, peerID)
	delete(e.completed, peerID)
}
