package call

import (
	"context"

	"go.uber.org/zap"

	"knockknock-core/internal/domain"
	"knockknock-core/internal/media"
	"knockknock-core/internal/signaling"
	pkgctx "knockknock-core/pkg/context"
	apperrors "knockknock-core/pkg/errors"
	"knockknock-core/pkg/logger"
	"knockknock-core/pkg/resilience"
)

// teardown moves the call to ENDING and releases it in the background. It
// runs at most once per call; later requests are counted and ignored.
func (m *Machine) teardown(reason domain.EndReason) {
	state := m.state()
	if !state.Active() {
		m.metrics.RecordDuplicate("teardown")
		return
	}

	log := logger.WithCall(m.room, string(state))
	log.Info("Tearing down call", zap.String("reason", string(reason)))

	if err := m.fire(evEnd); err != nil {
		log.Error("Failed to enter ending", zap.Error(err))
		return
	}
	m.persist()
	m.activeGen.Store(0)

	resilience.BestEffort("stop_alert", func() error {
		m.stopAlert()
		return nil
	})
	resilience.BestEffort("cancel_timers", func() error {
		m.stopTimers()
		return nil
	})

	room := m.room
	notified := m.notified[room] || reason.RemoteInitiated()
	m.markNotified(room)

	job := releaseJob{
		room:     room,
		peer:     m.peer,
		track:    m.track,
		reason:   reason,
		notified: notified,
	}
	m.track = nil
	m.session = 0

	go m.release(job)
}

type releaseJob struct {
	room     string
	peer     *domain.Peer
	track    media.Track
	reason   domain.EndReason
	notified bool
}

// release runs the ordered teardown steps. Every step is isolated so a
// failure never skips the ones after it.
func (m *Machine) release(job releaseJob) {
	ctx, cancel := pkgctx.WithMediumTimeout(context.Background())
	defer cancel()

	resilience.BestEffort("release_media", func() error {
		if job.track != nil {
			job.track.Stop()
		}
		return nil
	})

	resilience.BestEffort("close_transports", func() error {
		m.coord.Close()
		return nil
	})

	resilience.BestEffort("notify_peer", func() error {
		if job.notified || job.peer == nil {
			return nil
		}
		return m.notifyEnd(ctx, job.peer, job.room, job.reason)
	})

	resilience.BestEffort("clear_records", func() error {
		record := m.queueStore("clear_call_record", func(ctx context.Context) error {
			return m.store.ClearCallRecord(ctx)
		})
		set := m.queueStore("clear_transport_set", func(ctx context.Context) error {
			return m.store.ClearTransportSet(ctx)
		})
		if err := m.wait(ctx, record); err != nil {
			return err
		}
		return m.wait(ctx, set)
	})

	resilience.BestEffort("reset_busy", func() error {
		return m.resetBusy()
	})

	m.metrics.RecordTeardown(string(job.reason))

	m.post(func() { m.finish(job) })
}

// finish returns the machine to IDLE after a release completed
func (m *Machine) finish(job releaseJob) {
	if m.room != job.room || m.state() != domain.StateEnding {
		return
	}
	if err := m.fire(evReset); err != nil {
		logger.Error("Failed to reset call", zap.Error(err))
		return
	}

	m.room = ""
	m.peer = nil
	m.initiator = false
	m.answering = false
	m.localAudio = true
	m.remoteAudio = false
	m.lastReason = job.reason
	m.lastMessage = job.reason.Message()

	m.guard.Release(job.room)
	logger.Info("Call ended",
		zap.String("room", job.room),
		zap.String("reason", string(job.reason)))
}

// notifyEnd tells the peer the call is over, over signaling when possible and
// by push otherwise
func (m *Machine) notifyEnd(ctx context.Context, peer *domain.Peer, room string, reason domain.EndReason) error {
	payload := signaling.EndCall{
		TargetDeviceID: peer.DeviceID,
		RoomName:       room,
		FCMToken:       peer.FCMToken,
		CallerName:     m.self.DisplayName,
		Reason:         string(reason),
	}

	if m.channel.Connected() {
		err := resilience.Retry(ctx, m.cfg.EndCallRetry, "end_call", func(ctx context.Context) error {
			return m.channel.Emit(ctx, signaling.EventEndCall, payload)
		})
		if err == nil {
			return nil
		}
		logger.Warn("End call over signaling failed", zap.String("room", room), zap.Error(err))
	}

	if m.push == nil || peer.FCMToken == "" {
		return apperrors.SignalingUnavailableError()
	}
	return m.push.SendCallEnded(ctx, peer.FCMToken, room, m.self.DisplayName, string(reason))
}

// resetBusy writes busy=false. It serializes with assertBusy so a late
// busy=true from an ended call can never land after it.
func (m *Machine) resetBusy() error {
	m.busyMu.Lock()
	defer m.busyMu.Unlock()

	ctx, cancel := pkgctx.WithMediumTimeout(context.Background())
	defer cancel()
	return m.admission.SetBusy(ctx, false)
}

// assertBusy writes busy=true while gen is still the live call
func (m *Machine) assertBusy(ctx context.Context, gen uint64) {
	m.busyMu.Lock()
	defer m.busyMu.Unlock()

	if gen == 0 || m.activeGen.Load() != gen {
		return
	}
	if err := m.admission.SetBusy(ctx, true); err != nil {
		logger.Warn("Failed to assert busy", zap.Error(err))
	}
}

func (m *Machine) wait(ctx context.Context, done <-chan error) error {
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-m.stop:
		return ErrClosed
	}
}
