package call

import (
	"context"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"knockknock-core/internal/domain"
	"knockknock-core/internal/service/negotiation"
	"knockknock-core/internal/signaling"
	pkgctx "knockknock-core/pkg/context"
	"knockknock-core/pkg/logger"
)

// handleSignal runs on the channel's delivery goroutine. Events are posted
// to the loop in the order they arrive.
func (m *Machine) handleSignal(ev signaling.Event) {
	switch e := ev.(type) {
	case signaling.CallStarted:
		ctx, cancel := pkgctx.WithStoreTimeout(context.Background())
		defer cancel()
		err := m.HandleIncoming(ctx, Incoming{
			RoomName:       e.RoomName,
			CallerDeviceID: e.CallerDeviceID,
			CallerName:     e.CallerName,
			CallerSocketID: e.CallerSocketID,
			Via:            "socket",
		})
		if err != nil {
			logger.Debug("Incoming call not handled", zap.String("room", e.RoomName), zap.Error(err))
		}

	case signaling.CallEnded:
		m.post(func() { m.remoteEnded(e.RoomName, remoteEndReason(e.Reason)) })

	case signaling.CallRejected:
		m.post(func() { m.remoteEnded(e.RoomName, rejectReason(e.Reason)) })

	case signaling.CallError:
		m.post(func() {
			logger.Warn("Relay reported call error", zap.String("room", e.RoomName), zap.String("error", e.Error))
			m.remoteEnded(e.RoomName, domain.ReasonCallError)
		})

	case signaling.GhostCall:
		m.post(func() { m.remoteEnded("", domain.ReasonGhosted) })

	case signaling.PTTStateChange:
		m.post(func() {
			if e.DeviceID == m.self.DeviceID || !m.state().Active() {
				return
			}
			m.remoteAudio = e.IsPressed
		})

	case signaling.NewProducer:
		m.coord.HandleNewProducer(e.ProducerID)

	case signaling.ProducerClosed:
		m.coord.HandleProducerClosed(e.RemoteProducerID)

	case signaling.MutualViewing:
		m.post(func() { m.mutual = lo.Uniq(append(m.mutual, e.FriendDeviceID)) })

	case signaling.MutualViewingEnded:
		m.post(func() { m.mutual = lo.Without(m.mutual, e.FriendDeviceID) })
	}
}

// remoteEnded tears the call in room down for a reason the peer already knows
func (m *Machine) remoteEnded(room string, reason domain.EndReason) {
	if room != "" && room != m.room {
		m.metrics.RecordDuplicate("remote_end")
		logger.Debug("Ignoring end for another room",
			zap.String("room", room),
			zap.String("current_room", m.room))
		return
	}
	if !m.state().Active() {
		m.metrics.RecordDuplicate("remote_end")
		return
	}
	m.markNotified(m.room)
	m.teardown(reason)
}

func remoteEndReason(reason string) domain.EndReason {
	if domain.EndReason(reason) == domain.ReasonGhosted {
		return domain.ReasonGhosted
	}
	return domain.ReasonRemoteEnded
}

func rejectReason(reason string) domain.EndReason {
	switch r := domain.EndReason(reason); r {
	case domain.ReasonSilenceMode, domain.ReasonDND, domain.ReasonBusy:
		return r
	}
	return domain.ReasonRejected
}

// listener adapts negotiation milestones onto the loop
type listener struct {
	m *Machine
}

// Listener returns the listener a negotiator supplied through Options must
// report to
func (m *Machine) Listener() negotiation.Listener {
	return listener{m}
}

func (l listener) OnJoined(session uint64) {
	m := l.m
	m.post(func() {
		if session != m.session {
			return
		}
		if m.state().Ringing() {
			if err := m.fire(evNegotiate); err != nil {
				logger.Warn("Failed to enter negotiation", zap.Error(err))
				return
			}
			m.persist()
			m.startConnectionTimeout()
			m.startHeartbeat()
		}
	})
}

func (l listener) OnConsumerReady(session uint64, producerID string) {
	m := l.m
	m.post(func() {
		if session != m.session {
			return
		}
		m.remoteAudio = true
		if m.state() != domain.StateConnecting {
			return
		}
		if err := m.fire(evConnect); err != nil {
			logger.Warn("Failed to enter connected", zap.Error(err))
			return
		}
		m.persist()
		m.stopConnectionTimeout()
		m.stopAlert()
		logger.Info("Call connected",
			zap.String("room", m.room),
			zap.String("producer_id", producerID))
	})
}

func (l listener) OnNegotiationFailed(session uint64, err error) {
	m := l.m
	m.post(func() {
		if session != m.session || !m.state().Active() {
			return
		}
		logger.Warn("Negotiation failed", zap.String("room", m.room), zap.Error(err))
		m.teardown(domain.ReasonNegotiationFailed)
	})
}

func (l listener) OnSoleProducerClosed(session uint64) {
	m := l.m
	m.post(func() {
		if session != m.session || !m.state().Active() {
			return
		}
		m.markNotified(m.room)
		m.teardown(domain.ReasonProducerClosed)
	})
}
