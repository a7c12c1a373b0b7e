package call

import (
	"context"
	stderrors "errors"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"knockknock-core/internal/domain"
	redisrepo "knockknock-core/internal/repository/redis"
	"knockknock-core/internal/signaling"
	"knockknock-core/pkg/constants"
	pkgctx "knockknock-core/pkg/context"
	apperrors "knockknock-core/pkg/errors"
	"knockknock-core/pkg/logger"
)

// Incoming describes a call offered to this device by socket or push
type Incoming struct {
	RoomName       string
	CallerDeviceID string
	CallerName     string
	CallerSocketID string
	// Via is "socket" or "push"
	Via string
}

// StartCall rings a friend. It returns once the call is OUTGOING_RINGING or
// with the reason it could not start.
func (m *Machine) StartCall(ctx context.Context, friendUserID string) error {
	if m.State() != domain.StateIdle {
		return apperrors.CallInProgressError()
	}

	friend, err := m.lookupFriend(ctx, friendUserID)
	if err != nil {
		return err
	}

	roomID, err := uuid.NewV7()
	if err != nil {
		return apperrors.InternalError("failed to generate room id")
	}
	room := "room-" + roomID.String()
	log := logger.With(zap.String("room", room), zap.String("peer_device_id", friend.DeviceID))

	if !m.guard.TryEnter(room) {
		m.metrics.RecordDuplicate("start_call")
		return apperrors.CallInProgressError()
	}

	decision, err := m.admission.CheckCanCall(ctx, friend.UserID)
	if err != nil {
		m.guard.Release(room)
		m.metrics.RecordCallAttempt("outgoing", "error")
		return err
	}
	if !decision.Allowed {
		m.guard.Release(room)
		m.metrics.RecordCallAttempt("outgoing", "denied")
		return decision.Err()
	}

	track, err := m.engine.AcquireMicrophone(ctx)
	if err != nil {
		m.guard.Release(room)
		m.metrics.RecordCallAttempt("outgoing", "media_failed")
		log.Warn("Microphone unavailable", zap.Error(err))
		return apperrors.MediaAcquisitionError(err)
	}

	if err := m.admission.SetBusy(ctx, true); err != nil {
		track.Stop()
		m.guard.Release(room)
		m.metrics.RecordCallAttempt("outgoing", "error")
		return err
	}

	err = m.do(ctx, func() error {
		if m.state() != domain.StateIdle {
			return apperrors.CallInProgressError()
		}
		m.begin(room, friend.Peer(), true, track)
		if err := m.fire(evDial); err != nil {
			return err
		}
		m.persist()
		go m.dial(room, friend)
		return nil
	})
	if err != nil {
		track.Stop()
		m.guard.Release(room)
		m.resetBusy()
		m.metrics.RecordCallAttempt("outgoing", "error")
		return err
	}

	m.metrics.RecordCallAttempt("outgoing", "started")
	log.Info("Outgoing call started")
	return nil
}

// dial announces the call to the relay, then joins the room
func (m *Machine) dial(room string, friend *domain.Friend) {
	ctx, cancel := pkgctx.WithAckTimeout(context.Background())
	defer cancel()

	err := m.channel.Emit(ctx, signaling.EventStartCall, signaling.StartCall{
		RoomName:       room,
		TargetDeviceID: friend.DeviceID,
		FCMToken:       friend.FCMToken,
		CallerName:     m.self.DisplayName,
		TargetUserID:   friend.UserID,
	})
	if err != nil {
		logger.Warn("Failed to announce call", zap.String("room", room), zap.Error(err))
	}

	m.post(func() {
		if m.room != room || m.state() != domain.StateOutgoingRinging || m.track == nil {
			return
		}
		m.session = m.coord.Join(room, m.track)
	})
}

// HandleIncoming offers a call to this device. Duplicates of a room already
// being handled are ignored.
func (m *Machine) HandleIncoming(ctx context.Context, in Incoming) error {
	log := logger.With(zap.String("room", in.RoomName), zap.String("via", in.Via))

	if in.CallerDeviceID == "" {
		log.Warn("Incoming call has no caller device")
		m.metrics.RecordCallAttempt("incoming", "unidentified")
		return apperrors.CallerUnidentifiedError()
	}
	if in.RoomName == "" {
		return apperrors.MalformedEventError(signaling.EventCallStarted, stderrors.New("roomName missing"))
	}

	rec, err := m.store.LoadCallRecord(ctx)
	if err != nil {
		log.Warn("Failed to read call record", zap.Error(err))
	}
	persisted := rec != nil && rec.RoomName == in.RoomName && rec.State.Active() &&
		!rec.Stale(m.clock.Now(), constants.CallRecordMaxAge)

	return m.do(ctx, func() error {
		if m.room == in.RoomName || m.notified[in.RoomName] {
			m.metrics.RecordDuplicate("incoming_call")
			log.Debug("Ignoring duplicate incoming call")
			return nil
		}
		if persisted {
			m.metrics.RecordDuplicate("incoming_call")
			log.Debug("Incoming call already handled by another context")
			return nil
		}
		if m.state() != domain.StateIdle {
			m.metrics.RecordCallAttempt("incoming", "busy")
			return apperrors.CallInProgressError()
		}
		if !m.guard.TryEnter(in.RoomName) {
			m.metrics.RecordDuplicate("incoming_call")
			return apperrors.CallInProgressError()
		}

		peer := &domain.Peer{DeviceID: in.CallerDeviceID, Name: in.CallerName}
		gen := m.begin(in.RoomName, peer, false, nil)
		if err := m.fire(evRing); err != nil {
			m.guard.Release(in.RoomName)
			return err
		}
		m.persist()
		m.startAlert()
		m.startRingTimeout()
		m.startHeartbeat()
		m.metrics.RecordCallAttempt("incoming", "ringing")
		log.Info("Incoming call", zap.String("caller_device_id", in.CallerDeviceID))

		go m.prepareIncoming(gen, in.RoomName, in.CallerDeviceID)
		return nil
	})
}

// prepareIncoming marks the device busy, resolves the caller and answers
// when auto-answer is on
func (m *Machine) prepareIncoming(gen uint64, room, callerDeviceID string) {
	ctx, cancel := pkgctx.WithPresenceTimeout(context.Background())
	defer cancel()

	m.assertBusy(ctx, gen)

	friend, err := m.friends.FindByDevice(ctx, m.self.UserID, callerDeviceID)
	if err != nil && !stderrors.Is(err, redisrepo.ErrFriendNotFound) {
		logger.Warn("Failed to resolve caller", zap.String("room", room), zap.Error(err))
	}

	m.post(func() {
		if m.room != room || !m.state().Active() {
			return
		}
		if friend != nil {
			m.peer = friend.Peer()
			m.persist()
		}
		if m.cfg.AutoAnswer && m.state() == domain.StateIncomingRinging {
			m.answer()
		}
	})
}

// answer acquires the microphone and joins the ringing room
func (m *Machine) answer() {
	if m.answering {
		m.metrics.RecordDuplicate("answer")
		return
	}
	m.answering = true
	room := m.room

	go func() {
		ctx, cancel := pkgctx.WithMediumTimeout(context.Background())
		defer cancel()
		track, err := m.engine.AcquireMicrophone(ctx)

		m.post(func() {
			if m.room != room || m.state() != domain.StateIncomingRinging {
				if track != nil {
					track.Stop()
				}
				return
			}
			if err != nil {
				logger.Warn("Microphone unavailable", zap.String("room", room), zap.Error(err))
				m.teardown(domain.ReasonMediaFailed)
				return
			}
			m.track = track
			track.SetEnabled(m.localAudio)
			m.session = m.coord.Join(room, track)
		})
	}()
}

// Accept answers a ringing incoming call
func (m *Machine) Accept(ctx context.Context) error {
	return m.do(ctx, func() error {
		if m.state() != domain.StateIncomingRinging {
			return apperrors.InvalidTransitionError("accept", m.fsm.Current())
		}
		m.answer()
		return nil
	})
}

// Decline refuses a ringing incoming call
func (m *Machine) Decline(ctx context.Context) error {
	return m.do(ctx, func() error {
		if m.state() != domain.StateIncomingRinging {
			return apperrors.InvalidTransitionError("decline", m.fsm.Current())
		}
		m.teardown(domain.ReasonDeclined)
		return nil
	})
}

// HangUp ends the active call
func (m *Machine) HangUp(ctx context.Context) error {
	return m.do(ctx, func() error {
		if !m.state().Active() {
			return apperrors.NoActiveCallError()
		}
		m.teardown(domain.ReasonHangup)
		return nil
	})
}

// Ghost abandons the active call, telling the peer it was ghosted
func (m *Machine) Ghost(ctx context.Context) error {
	return m.do(ctx, func() error {
		if !m.state().Active() {
			return apperrors.NoActiveCallError()
		}
		room, peer := m.room, m.peer
		m.markNotified(room)

		go func() {
			ctx, cancel := pkgctx.WithAckTimeout(context.Background())
			defer cancel()
			if peer == nil {
				return
			}
			if m.channel.Connected() {
				if err := m.channel.Emit(ctx, signaling.EventGhostCall, signaling.GhostCallRequest{
					TargetDeviceID: peer.DeviceID,
					RoomName:       room,
					FCMToken:       peer.FCMToken,
				}); err != nil {
					logger.Warn("Failed to send ghost", zap.String("room", room), zap.Error(err))
				}
			}
			if err := m.notifyEnd(ctx, peer, room, domain.ReasonGhosted); err != nil {
				logger.Warn("Failed to notify ghosted peer", zap.String("room", room), zap.Error(err))
			}
		}()

		m.teardown(domain.ReasonGhosted)
		return nil
	})
}

// ToggleMute flips the local microphone and returns whether it is now enabled
func (m *Machine) ToggleMute(ctx context.Context) (bool, error) {
	var enabled bool
	err := m.do(ctx, func() error {
		if !m.state().Active() {
			return apperrors.NoActiveCallError()
		}
		m.localAudio = !m.localAudio
		enabled = m.localAudio
		if m.track != nil {
			m.track.SetEnabled(enabled)
		}

		payload := signaling.PTTState{DeviceID: m.self.DeviceID, IsPressed: enabled, RoomName: m.room}
		go func() {
			ctx, cancel := pkgctx.WithAckTimeout(context.Background())
			defer cancel()
			if err := m.channel.Emit(ctx, signaling.EventPTTStateChange, payload); err != nil {
				logger.Debug("Failed to broadcast microphone state", zap.Error(err))
			}
		}()
		return nil
	})
	return enabled, err
}

// ResyncMicrophone re-applies the mute state to the track, e.g. after the
// app returns to the foreground
func (m *Machine) ResyncMicrophone() {
	m.post(func() {
		if m.track != nil {
			m.track.SetEnabled(m.localAudio)
		}
	})
}

// Knock pings a friend. Knocks to one friend are limited to one per interval.
func (m *Machine) Knock(ctx context.Context, friendUserID string) error {
	friend, err := m.lookupFriend(ctx, friendUserID)
	if err != nil {
		return err
	}
	if !m.limiter(friendUserID).AllowN(m.clock.Now(), 1) {
		return apperrors.RateLimitExceededError()
	}

	if m.channel.Connected() {
		err := m.channel.Emit(ctx, signaling.EventSendKnock, signaling.SendKnock{
			TargetDeviceID: friend.DeviceID,
			TargetUserID:   friend.UserID,
			FCMToken:       friend.FCMToken,
			SenderDeviceID: m.self.DeviceID,
			SenderName:     m.self.DisplayName,
		})
		if err == nil {
			m.metrics.RecordKnock("out", "socket")
			return nil
		}
		logger.Warn("Knock over signaling failed, falling back to push", zap.Error(err))
	}

	if m.push == nil || friend.FCMToken == "" {
		return apperrors.SignalingUnavailableError()
	}
	if err := m.push.SendKnock(ctx, friend.FCMToken, m.self.DeviceID, m.self.DisplayName); err != nil {
		return err
	}
	m.metrics.RecordKnock("out", "push")
	return nil
}

// ReceiveKnock records a knock delivered to this device
func (m *Machine) ReceiveKnock(fromDeviceID, fromName string) {
	m.metrics.RecordKnock("in", "push")
	m.post(func() {
		m.lastKnock = &domain.Knock{
			FromDeviceID: fromDeviceID,
			FromName:     fromName,
			ReceivedAt:   m.clock.Now(),
		}
	})
}

// HandleRemoteEnd ends the call in room because the peer ended it. An empty
// room means the current one.
func (m *Machine) HandleRemoteEnd(room, reason string) {
	m.post(func() {
		m.remoteEnded(room, remoteEndReason(reason))
	})
}

func (m *Machine) lookupFriend(ctx context.Context, friendUserID string) (*domain.Friend, error) {
	if friendUserID == "" {
		return nil, apperrors.ValidationError("friend id is required")
	}
	lookupCtx, cancel := pkgctx.WithPresenceTimeout(ctx)
	defer cancel()

	friend, err := m.friends.GetFriend(lookupCtx, m.self.UserID, friendUserID)
	if stderrors.Is(err, redisrepo.ErrFriendNotFound) {
		return nil, apperrors.PeerNotFoundError(friendUserID)
	}
	if err != nil {
		return nil, apperrors.PresenceError(err)
	}
	return friend, nil
}

func (m *Machine) limiter(friendUserID string) *rate.Limiter {
	m.knockMu.Lock()
	defer m.knockMu.Unlock()

	lim, ok := m.limiters[friendUserID]
	if !ok {
		lim = rate.NewLimiter(rate.Every(m.cfg.KnockInterval), 1)
		m.limiters[friendUserID] = lim
	}
	return lim
}
