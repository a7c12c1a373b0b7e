package call

import (
	"context"

	"go.uber.org/zap"

	"knockknock-core/internal/domain"
	"knockknock-core/pkg/constants"
	pkgctx "knockknock-core/pkg/context"
	apperrors "knockknock-core/pkg/errors"
	"knockknock-core/pkg/logger"
)

// Recover resumes or clears the call persisted by a previous process. It
// must run before the device accepts new calls.
func (m *Machine) Recover(ctx context.Context) error {
	rec, err := m.store.LoadCallRecord(ctx)
	if err != nil {
		return apperrors.StorageError(err)
	}
	set, err := m.store.LoadTransportSet(ctx)
	if err != nil {
		return apperrors.StorageError(err)
	}

	if rec == nil {
		if set != nil {
			logger.Info("Clearing orphaned transport set", zap.String("room", set.RoomName))
			return m.clearPersisted(ctx)
		}
		return nil
	}

	now := m.clock.Now()
	log := logger.WithCall(rec.RoomName, string(rec.State))

	switch {
	case rec.Stale(now, constants.CallRecordMaxAge):
		log.Info("Discarding call record",
			zap.Error(apperrors.StaleStateError("call record")),
			zap.Time("timestamp", rec.Timestamp))
	case set != nil && set.Stale(now, constants.TransportSetMaxAge):
		log.Info("Discarding call record",
			zap.Error(apperrors.StaleStateError("transport set")),
			zap.Time("timestamp", set.Timestamp))
	case rec.State != domain.StateConnecting && rec.State != domain.StateConnected:
		log.Info("Discarding call record that cannot be resumed")
	default:
		return m.resume(ctx, rec)
	}

	if err := m.clearPersisted(ctx); err != nil {
		return err
	}
	if err := m.resetBusy(); err != nil {
		log.Warn("Failed to reset busy after discarding call", zap.Error(err))
	}
	m.metrics.RecordTeardown(string(domain.ReasonStale))
	return nil
}

// resume restores a live persisted call
func (m *Machine) resume(ctx context.Context, rec *domain.CallRecord) error {
	peer := &domain.Peer{
		DeviceID: rec.PeerDeviceID,
		UserID:   rec.PeerUserID,
		Name:     rec.PeerName,
		FCMToken: rec.PeerFCMToken,
	}

	return m.do(ctx, func() error {
		if m.state() != domain.StateIdle {
			return apperrors.CallInProgressError()
		}
		if !m.guard.TryEnter(rec.RoomName) {
			return apperrors.CallInProgressError()
		}

		gen := m.begin(rec.RoomName, peer, rec.IsInitiator, nil)
		log := logger.WithCall(rec.RoomName, string(rec.State))

		if m.cfg.OptimisticRestore && rec.State == domain.StateConnected {
			if err := m.fire(evRestoreOptimistic); err != nil {
				m.guard.Release(rec.RoomName)
				return err
			}
			m.persist()
			m.startHeartbeat()
			go m.assertBusy(context.Background(), gen)
			log.Info("Call restored without renegotiation")
			return nil
		}

		if err := m.fire(evRestore); err != nil {
			m.guard.Release(rec.RoomName)
			return err
		}
		m.persist()
		m.startConnectionTimeout()
		m.startHeartbeat()
		m.answering = true
		room := rec.RoomName

		go func() {
			busyCtx, cancel := pkgctx.WithPresenceTimeout(context.Background())
			m.assertBusy(busyCtx, gen)
			cancel()

			micCtx, cancel := pkgctx.WithMediumTimeout(context.Background())
			defer cancel()
			track, err := m.engine.AcquireMicrophone(micCtx)

			m.post(func() {
				if m.room != room || m.state() != domain.StateConnecting {
					if track != nil {
						track.Stop()
					}
					return
				}
				if err != nil {
					logger.Warn("Microphone unavailable on restore", zap.String("room", room), zap.Error(err))
					m.teardown(domain.ReasonMediaFailed)
					return
				}
				m.track = track
				track.SetEnabled(m.localAudio)
				m.session = m.coord.Join(room, track)
			})
		}()

		log.Info("Restoring call")
		return nil
	})
}

func (m *Machine) clearPersisted(ctx context.Context) error {
	if err := m.store.ClearCallRecord(ctx); err != nil {
		return apperrors.StorageError(err)
	}
	if err := m.store.ClearTransportSet(ctx); err != nil {
		return apperrors.StorageError(err)
	}
	return nil
}
