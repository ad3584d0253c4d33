package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opd-ai/densecore/message"
	"github.com/opd-ai/densecore/transport"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// ReportExposure sends one signed exposure envelope, encrypted for every
// known contact, to each of peerIDs. An empty peerIDs means every connected
// peer. Sends run concurrently; transfers to the same peer are serialized.
// Errors from individual peers are joined.
func (e *Engine) ReportExposure(ctx context.Context, peerIDs []string) error {
	e.mu.Lock()
	kp := e.keyPair
	if len(peerIDs) == 0 {
		for id := range e.sessions {
			peerIDs = append(peerIDs, id)
		}
	}
	var errs []error
	targets := make([]*session, 0, len(peerIDs))
	for _, id := range peerIDs {
		if s, ok := e.sessions[id]; ok {
			targets = append(targets, s)
		} else {
			errs = append(errs, fmt.Errorf("%w: %s", transport.ErrNotConnected, id))
		}
	}
	e.mu.Unlock()

	if len(targets) == 0 {
		if len(errs) == 0 {
			return fmt.Errorf("%w: no peers in range", transport.ErrNotConnected)
		}
		return errors.Join(errs...)
	}

	envelope, err := message.EncodeExposure(kp, e.registry, e.clock.Now())
	if err != nil {
		return fmt.Errorf("build exposure: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function":      "ReportExposure",
		"peers":         len(targets),
		"size":          len(envelope),
		"transfer_mode": string(e.cfg.TransferMode),
	}).Info("Reporting exposure")

	results := make(chan error, len(targets))
	for _, s := range targets {
		go func(s *session) {
			results <- e.sendExposure(ctx, s, envelope)
		}(s)
	}
	for range targets {
		if err := <-results; err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) sendExposure(ctx context.Context, s *session, envelope []byte) error {
	if !s.begin() {
		return fmt.Errorf("%w: %s", transport.ErrNotConnected, s.peer.Name)
	}
	defer s.end()

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	// Disconnect cancels the send.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	e.mu.Lock()
	s.active++
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		s.active--
		e.mu.Unlock()
	}()

	var err error
	switch e.cfg.TransferMode {
	case ModeSequenced:
		err = e.sendSequenced(ctx, s, envelope)
	default:
		err = e.sendLegacy(ctx, s, envelope)
	}
	if err != nil {
		return fmt.Errorf("report exposure to %s: %w", s.peer.Name, err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "ReportExposure",
		"peer":     s.peer.Name,
	}).Info("Exposure envelope delivered")
	return nil
}

// sendLegacy writes the envelope as up to three parts on the part channels,
// paced ChunkInterval apart.
func (e *Engine) sendLegacy(ctx context.Context, s *session, envelope []byte) error {
	writes, err := message.EncodeLegacy(envelope, e.cfg.MaxWriteSize)
	if err != nil {
		return err
	}

	limiter := rate.NewLimiter(rate.Every(e.cfg.ChunkInterval), 1)
	for i, w := range writes {
		if err := limiter.Wait(ctx); err != nil {
			return transport.Classify(err)
		}
		if err := s.conn.Write(ctx, transport.PartChannels[i], w); err != nil {
			return fmt.Errorf("part %d: %w", i+1, transport.Classify(err))
		}
		e.metrics.ChunksSent(string(ModeLegacy), 1)

		logrus.WithFields(logrus.Fields{
			"function": "sendLegacy",
			"peer":     s.peer.Name,
			"part":     i + 1,
			"parts":    len(writes),
			"size":     len(w),
		}).Debug("Part written")
	}
	return nil
}

// sendSequenced writes one frame at a time and waits for its
// acknowledgement, retrying up to MaxRetries times.
func (e *Engine) sendSequenced(ctx context.Context, s *session, envelope []byte) error {
	transfer, frames, err := message.NewFrames(envelope, e.cfg.MaxWriteSize)
	if err != nil {
		return err
	}

	acks := make(chan uint16, 16)
	s.mu.Lock()
	s.acks[transfer] = acks
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.acks, transfer)
		s.mu.Unlock()
	}()

	for i := range frames {
		data, err := message.EncodeFrame(&frames[i])
		if err != nil {
			return err
		}
		if err := e.sendFrame(ctx, s, acks, frames[i].Seq, data); err != nil {
			return err
		}
	}

	logrus.WithFields(logrus.Fields{
		"function": "sendSequenced",
		"peer":     s.peer.Name,
		"transfer": transfer.String(),
		"frames":   len(frames),
	}).Debug("Transfer acknowledged")
	return nil
}

func (e *Engine) sendFrame(ctx context.Context, s *session, acks <-chan uint16, seq uint16, data []byte) error {
	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			logrus.WithFields(logrus.Fields{
				"function": "sendFrame",
				"peer":     s.peer.Name,
				"seq":      seq,
				"attempt":  attempt + 1,
			}).Debug("Retransmitting frame")
		}

		if err := s.conn.Write(ctx, transport.ChannelFrame, data); err != nil {
			return fmt.Errorf("frame %d: %w", seq, transport.Classify(err))
		}
		e.metrics.ChunksSent(string(ModeSequenced), 1)

		acked, err := waitAck(ctx, acks, seq, e.cfg.AckTimeout)
		if err != nil {
			return err
		}
		if acked {
			return nil
		}
	}
	return fmt.Errorf("%w: frame %d not acknowledged after %d attempts",
		transport.ErrTimeout, seq, e.cfg.MaxRetries+1)
}

// waitAck waits for the acknowledgement of seq. Acknowledgements for
// earlier frames are ignored.
func waitAck(ctx context.Context, acks <-chan uint16, seq uint16, timeout time.Duration) (bool, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case got := <-acks:
			if got == seq {
				return true, nil
			}
		case <-timer.C:
			return false, nil
		case <-ctx.Done():
			return false, transport.Classify(ctx.Err())
		}
	}
}
