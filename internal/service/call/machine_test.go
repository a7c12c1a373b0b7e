package call

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"knockknock-core/internal/database"
	"knockknock-core/internal/domain"
	"knockknock-core/internal/media/mediatest"
	redisrepo "knockknock-core/internal/repository/redis"
	sqliterepo "knockknock-core/internal/repository/sqlite"
	"knockknock-core/internal/service/admission"
	"knockknock-core/internal/signaling"
	"knockknock-core/internal/signaling/signalingtest"
	apperrors "knockknock-core/pkg/errors"
	"knockknock-core/pkg/push"
	"knockknock-core/pkg/resilience"
)

const (
	waitFor = 3 * time.Second
	tick    = 5 * time.Millisecond
)

type harness struct {
	t        *testing.T
	relay    *signalingtest.Relay
	clock    *clock.Mock
	redis    *database.RedisClient
	friends  *redisrepo.FriendRepository
	presence *redisrepo.PresenceRepository
}

type device struct {
	name      string
	identity  domain.LocalIdentity
	endpoint  *signalingtest.Endpoint
	engine    *mediatest.Engine
	alerter   *mediatest.Alerter
	store     *sqliterepo.CallStore
	admission *admission.Service
	pushes    *push.MockProvider
	machine   *Machine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := database.NewRedisDB(&database.RedisConfig{Addr: mr.Addr(), Timeout: time.Second})
	require.NoError(t, err)
	t.Cleanup(client.Close)

	relay := signalingtest.NewRelay()
	t.Cleanup(relay.Close)

	return &harness{
		t:        t,
		relay:    relay,
		clock:    clock.NewMock(),
		redis:    client,
		friends:  redisrepo.NewFriendRepository(client),
		presence: redisrepo.NewPresenceRepository(client),
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.EndCallRetry = resilience.Policy{Attempts: 1}
	cfg.ReconnectRetry = resilience.Policy{Attempts: 1}
	return cfg
}

// device creates a connected, registered device named name
func (h *harness) device(name string, configure ...func(*Config)) *device {
	t := h.t
	t.Helper()

	cfg := testConfig()
	for _, fn := range configure {
		fn(&cfg)
	}

	id := domain.LocalIdentity{
		UserID:      "user-" + name,
		DeviceID:    "dev-" + name,
		DisplayName: name,
		FCMToken:    "tok-" + name,
	}

	endpoint := h.relay.Endpoint(name)
	require.NoError(t, endpoint.Connect(context.Background()))
	require.NoError(t, endpoint.Emit(context.Background(), signaling.EventRegisterUser,
		signaling.RegisterUser{DeviceID: id.DeviceID, FCMToken: id.FCMToken}))

	db, err := database.OpenSQLite(&database.SQLiteConfig{Path: filepath.Join(t.TempDir(), name+".db")})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	store := sqliterepo.NewCallStore(db)

	adm := admission.NewService(admission.Options{
		Self:      id.UserID,
		Store:     h.presence,
		Clock:     h.clock,
		BusyRetry: resilience.Policy{Attempts: 2},
	})
	t.Cleanup(adm.Close)

	d := &device{
		name:      name,
		identity:  id,
		endpoint:  endpoint,
		engine:    mediatest.NewEngine(),
		alerter:   &mediatest.Alerter{},
		store:     store,
		admission: adm,
		pushes:    &push.MockProvider{},
	}
	d.machine = NewMachine(Options{
		Identity:  id,
		Channel:   endpoint,
		Admission: adm,
		Friends:   h.friends,
		Store:     store,
		Engine:    d.engine,
		Alerter:   d.alerter,
		Push:      push.NewSender(d.pushes, nil),
		Clock:     h.clock,
		Config:    cfg,
	})
	t.Cleanup(func() { d.machine.Close() })
	return d
}

// befriend makes a and b friends of each other
func (h *harness) befriend(a, b *device) {
	ctx := context.Background()
	for _, pair := range [][2]*device{{a, b}, {b, a}} {
		owner, friend := pair[0], pair[1]
		require.NoError(h.t, h.friends.PutFriend(ctx, owner.identity.UserID, &domain.Friend{
			UserID:   friend.identity.UserID,
			DeviceID: friend.identity.DeviceID,
			Name:     friend.name,
			FCMToken: friend.identity.FCMToken,
		}))
	}
}

func (h *harness) busy(d *device) bool {
	status, err := h.presence.GetBusy(context.Background(), d.identity.UserID)
	require.NoError(h.t, err)
	return status.Busy
}

func waitState(t *testing.T, d *device, want domain.CallState) {
	t.Helper()
	require.Eventually(t, func() bool {
		return d.machine.State() == want
	}, waitFor, tick, "%s never reached %s (at %s)", d.name, want, d.machine.State())
}

func (d *device) record(t *testing.T) *domain.CallRecord {
	rec, err := d.store.LoadCallRecord(context.Background())
	require.NoError(t, err)
	return rec
}

// connect runs a full call from caller to callee and waits until both are connected
func (h *harness) connect(caller, callee *device) string {
	t := h.t
	t.Helper()
	require.NoError(t, caller.machine.StartCall(context.Background(), callee.identity.UserID))
	waitState(t, caller, domain.StateConnected)
	waitState(t, callee, domain.StateConnected)
	return caller.machine.Status().RoomName
}

func TestCallConnectsAndHangsUp(t *testing.T) {
	h := newHarness(t)
	alice, bob := h.device("alice"), h.device("bob")
	h.befriend(alice, bob)
	ctx := context.Background()

	room := h.connect(alice, bob)

	// Assert connected state
	as, bs := alice.machine.Status(), bob.machine.Status()
	assert.True(t, as.IsInitiator)
	assert.False(t, bs.IsInitiator)
	assert.Equal(t, room, bs.RoomName)
	require.NotNil(t, as.Peer)
	assert.Equal(t, "dev-bob", as.Peer.DeviceID)
	require.Eventually(t, func() bool {
		p := bob.machine.Status().Peer
		return p != nil && p.UserID == "user-alice"
	}, waitFor, tick)
	assert.True(t, as.IsInCall)
	assert.True(t, as.IsLocalAudioEnabled)

	assert.Eventually(t, func() bool { return h.busy(alice) && h.busy(bob) }, waitFor, tick)
	assert.Eventually(t, func() bool { return !bob.alerter.Active() }, waitFor, tick)
	assert.Equal(t, 1, bob.alerter.Starts())
	assert.Equal(t, 0, alice.alerter.Starts())
	assert.Eventually(t, func() bool {
		rec := alice.record(t)
		return rec != nil && rec.State == domain.StateConnected && rec.RoomName == room
	}, waitFor, tick)

	// Execute
	require.NoError(t, alice.machine.HangUp(ctx))

	// Assert
	waitState(t, alice, domain.StateIdle)
	waitState(t, bob, domain.StateIdle)

	as, bs = alice.machine.Status(), bob.machine.Status()
	assert.Equal(t, domain.ReasonHangup, as.LastReason)
	assert.Equal(t, domain.ReasonRemoteEnded, bs.LastReason)
	assert.Equal(t, "Call ended by the other person", bs.LastMessage)
	assert.False(t, as.IsInCall)
	assert.Empty(t, as.RoomName)

	assert.Equal(t, 1, h.relay.CountFrom("alice", signaling.EventEndCall))
	assert.Equal(t, 0, h.relay.CountFrom("bob", signaling.EventEndCall))

	assert.False(t, h.busy(alice))
	assert.False(t, h.busy(bob))
	assert.Nil(t, alice.record(t))
	assert.Nil(t, bob.record(t))

	set, err := bob.store.LoadTransportSet(ctx)
	require.NoError(t, err)
	assert.Nil(t, set)

	assert.Zero(t, alice.engine.OpenHandles())
	assert.Zero(t, bob.engine.OpenHandles())
	assert.True(t, alice.engine.LastTrack().Stopped())
	assert.True(t, bob.engine.LastTrack().Stopped())
}

func TestStartCallDeniedByAdmission(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, bob *device)
		want  apperrors.ErrorCode
	}{
		{
			name: "silence mode",
			setup: func(t *testing.T, bob *device) {
				_, err := bob.admission.ToggleSilenceMode(context.Background(), 0)
				require.NoError(t, err)
			},
			want: apperrors.ErrCodeSilenceMode,
		},
		{
			name: "dnd for caller",
			setup: func(t *testing.T, bob *device) {
				_, err := bob.admission.ToggleDND(context.Background(), "user-alice", 30)
				require.NoError(t, err)
			},
			want: apperrors.ErrCodeDND,
		},
		{
			name: "busy",
			setup: func(t *testing.T, bob *device) {
				require.NoError(t, bob.admission.SetBusy(context.Background(), true))
			},
			want: apperrors.ErrCodePeerBusy,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			alice, bob := h.device("alice"), h.device("bob")
			h.befriend(alice, bob)
			tt.setup(t, bob)

			err := alice.machine.StartCall(context.Background(), "user-bob")

			assert.True(t, apperrors.Is(err, tt.want), "got %v", err)
			assert.Equal(t, apperrors.KindAdmission, apperrors.KindOf(err))
			assert.Equal(t, domain.StateIdle, alice.machine.State())
			assert.Zero(t, h.relay.Count(signaling.EventStartCall))
			assert.Empty(t, alice.engine.Tracks())
			assert.False(t, h.busy(alice))
			assert.Nil(t, alice.record(t))
		})
	}
}

func TestStartCallErrors(t *testing.T) {
	h := newHarness(t)
	alice, bob := h.device("alice"), h.device("bob")
	h.befriend(alice, bob)
	ctx := context.Background()

	t.Run("unknown friend", func(t *testing.T) {
		err := alice.machine.StartCall(ctx, "user-nobody")
		assert.True(t, apperrors.Is(err, apperrors.ErrCodePeerNotFound))
	})

	t.Run("microphone unavailable", func(t *testing.T) {
		alice.engine.FailMicrophone(errors.New("permission denied"))
		defer alice.engine.FailMicrophone(nil)

		err := alice.machine.StartCall(ctx, "user-bob")
		assert.True(t, apperrors.Is(err, apperrors.ErrCodeMediaAcquisition))
		assert.Equal(t, "Microphone unavailable", apperrors.UserMessage(err))
		assert.Equal(t, domain.StateIdle, alice.machine.State())
		assert.False(t, h.busy(alice))
	})

	t.Run("second call while ringing", func(t *testing.T) {
		carol := h.device("carol")
		h.befriend(alice, carol)
		carol.endpoint.Disconnect()

		require.NoError(t, alice.machine.StartCall(ctx, "user-carol"))
		err := alice.machine.StartCall(ctx, "user-bob")
		assert.True(t, apperrors.Is(err, apperrors.ErrCodeCallInProgress))

		require.NoError(t, alice.machine.HangUp(ctx))
		waitState(t, alice, domain.StateIdle)
	})
}

func TestRemoteRejection(t *testing.T) {
	tests := []struct {
		reason  string
		want    domain.EndReason
		message string
	}{
		{reason: "silence_mode", want: domain.ReasonSilenceMode, message: "User has silence mode enabled"},
		{reason: "dnd", want: domain.ReasonDND, message: "User has do not disturb enabled for you"},
		{reason: "busy", want: domain.ReasonBusy, message: "User is on another call"},
		{reason: "whatever", want: domain.ReasonRejected, message: "Call was rejected"},
	}

	for _, tt := range tests {
		t.Run(tt.reason, func(t *testing.T) {
			h := newHarness(t)
			alice, carol := h.device("alice"), h.device("carol")
			h.befriend(alice, carol)
			carol.endpoint.Disconnect()

			require.NoError(t, alice.machine.StartCall(context.Background(), "user-carol"))
			waitState(t, alice, domain.StateConnecting)
			room := alice.machine.Status().RoomName

			// A rejection for another room is ignored
			alice.endpoint.Inject(signaling.EventCallRejected, signaling.CallRejected{RoomName: "room-other", Reason: tt.reason})
			alice.endpoint.Inject(signaling.EventCallRejected, signaling.CallRejected{RoomName: room, Reason: tt.reason})

			waitState(t, alice, domain.StateIdle)
			s := alice.machine.Status()
			assert.Equal(t, tt.want, s.LastReason)
			assert.Equal(t, tt.message, s.LastMessage)
			assert.Zero(t, h.relay.CountFrom("alice", signaling.EventEndCall))
			assert.False(t, h.busy(alice))
			assert.Nil(t, alice.record(t))
		})
	}
}

func TestConnectionTimeout(t *testing.T) {
	h := newHarness(t)
	alice, carol := h.device("alice"), h.device("carol")
	h.befriend(alice, carol)
	carol.endpoint.Disconnect()

	require.NoError(t, alice.machine.StartCall(context.Background(), "user-carol"))
	waitState(t, alice, domain.StateConnecting)

	// Execute
	h.clock.Add(DefaultConfig().ConnectionTimeout)

	// Assert
	waitState(t, alice, domain.StateIdle)
	s := alice.machine.Status()
	assert.Equal(t, domain.ReasonTimeout, s.LastReason)
	assert.Equal(t, "Connection failed", s.LastMessage)
	assert.Equal(t, 1, h.relay.CountFrom("alice", signaling.EventEndCall))
	assert.False(t, h.busy(alice))
	assert.Zero(t, alice.engine.OpenHandles())
	assert.Nil(t, alice.record(t))

	set, err := alice.store.LoadTransportSet(context.Background())
	require.NoError(t, err)
	assert.Nil(t, set)
}

func TestTeardownFallsBackToPush(t *testing.T) {
	h := newHarness(t)
	alice, carol := h.device("alice"), h.device("carol")
	h.befriend(alice, carol)
	carol.endpoint.Disconnect()
	ctx := context.Background()

	require.NoError(t, alice.machine.StartCall(ctx, "user-carol"))
	waitState(t, alice, domain.StateConnecting)
	room := alice.machine.Status().RoomName
	require.Eventually(t, func() bool {
		return len(h.relay.Producers(room, "alice")) == 1
	}, waitFor, tick)

	alice.endpoint.Disconnect()
	require.NoError(t, alice.machine.HangUp(ctx))
	waitState(t, alice, domain.StateIdle)

	sent := alice.pushes.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, string(push.TypeEndCall), sent[0].Data["type"])
	assert.Equal(t, "hangup", sent[0].Data["reason"])
	assert.Zero(t, h.relay.CountFrom("alice", signaling.EventEndCall))
}

func TestNegotiationFailureEndsCall(t *testing.T) {
	h := newHarness(t)
	alice, carol := h.device("alice"), h.device("carol")
	h.befriend(alice, carol)
	carol.endpoint.Disconnect()
	h.relay.FailNext(signaling.EventTransportProduce, "router closed")

	require.NoError(t, alice.machine.StartCall(context.Background(), "user-carol"))

	waitState(t, alice, domain.StateIdle)
	s := alice.machine.Status()
	assert.Equal(t, domain.ReasonNegotiationFailed, s.LastReason)
	assert.Equal(t, "Connection failed", s.LastMessage)
	assert.False(t, h.busy(alice))
	assert.Zero(t, alice.engine.OpenHandles())
}

func TestManualAnswer(t *testing.T) {
	h := newHarness(t)
	manual := func(c *Config) { c.AutoAnswer = false }
	alice, bob := h.device("alice"), h.device("bob", manual)
	h.befriend(alice, bob)
	ctx := context.Background()

	require.NoError(t, alice.machine.StartCall(ctx, "user-bob"))
	waitState(t, bob, domain.StateIncomingRinging)
	room := bob.machine.Status().RoomName
	assert.True(t, bob.machine.Status().Alerting)
	assert.Eventually(t, func() bool { return h.busy(bob) }, waitFor, tick)

	// The same call delivered by push is a duplicate
	require.NoError(t, bob.machine.HandleIncoming(ctx, Incoming{
		RoomName:       room,
		CallerDeviceID: "dev-alice",
		CallerName:     "alice",
		Via:            "push",
	}))
	assert.Equal(t, 1, bob.alerter.Starts())
	assert.Empty(t, bob.engine.Tracks())

	// Execute
	require.NoError(t, bob.machine.Accept(ctx))

	// Assert
	waitState(t, bob, domain.StateConnected)
	waitState(t, alice, domain.StateConnected)
	assert.False(t, bob.machine.Status().Alerting)
	assert.Len(t, bob.engine.Tracks(), 1)

	err := bob.machine.Accept(ctx)
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeInvalidTransition))
}

func TestUnansweredIncomingTimesOut(t *testing.T) {
	h := newHarness(t)
	manual := func(c *Config) { c.AutoAnswer = false }
	bob, carol := h.device("bob", manual), h.device("carol")
	h.befriend(bob, carol)
	carol.endpoint.Disconnect()
	ctx := context.Background()

	require.NoError(t, bob.machine.HandleIncoming(ctx, Incoming{
		RoomName:       "room-lost",
		CallerDeviceID: "dev-carol",
		CallerName:     "carol",
		Via:            "push",
	}))
	waitState(t, bob, domain.StateIncomingRinging)
	assert.Eventually(t, func() bool { return h.busy(bob) }, waitFor, tick)

	// The heartbeat keeps running while the device rings
	connects := bob.endpoint.Connects()
	bob.endpoint.Disconnect()
	h.clock.Add(DefaultConfig().HeartbeatInterval)
	assert.Eventually(t, func() bool { return bob.endpoint.Connected() }, waitFor, tick)
	assert.Equal(t, connects+1, bob.endpoint.Connects())
	assert.Equal(t, domain.StateIncomingRinging, bob.machine.State())

	// Execute
	h.clock.Add(DefaultConfig().RingTimeout)

	// Assert
	waitState(t, bob, domain.StateIdle)
	assert.Equal(t, domain.ReasonTimeout, bob.machine.Status().LastReason)
	assert.False(t, bob.alerter.Active())
	assert.Empty(t, bob.engine.Tracks())
	assert.Eventually(t, func() bool { return !h.busy(bob) }, waitFor, tick)
	assert.Nil(t, bob.record(t))
}

func TestDeclineIncoming(t *testing.T) {
	h := newHarness(t)
	manual := func(c *Config) { c.AutoAnswer = false }
	alice, bob := h.device("alice"), h.device("bob", manual)
	h.befriend(alice, bob)
	ctx := context.Background()

	require.NoError(t, alice.machine.StartCall(ctx, "user-bob"))
	waitState(t, bob, domain.StateIncomingRinging)

	require.NoError(t, bob.machine.Decline(ctx))

	waitState(t, bob, domain.StateIdle)
	waitState(t, alice, domain.StateIdle)
	assert.Equal(t, domain.ReasonDeclined, bob.machine.Status().LastReason)
	assert.Equal(t, domain.ReasonRemoteEnded, alice.machine.Status().LastReason)
	assert.Equal(t, 1, h.relay.CountFrom("bob", signaling.EventEndCall))
	assert.Zero(t, h.relay.CountFrom("alice", signaling.EventEndCall))
	assert.False(t, bob.alerter.Active())
	assert.Empty(t, bob.engine.Tracks())
}

func TestGhostCall(t *testing.T) {
	h := newHarness(t)
	alice, bob := h.device("alice"), h.device("bob")
	h.befriend(alice, bob)
	ctx := context.Background()

	h.connect(alice, bob)
	enabled, err := alice.machine.ToggleMute(ctx)
	require.NoError(t, err)
	require.False(t, enabled)
	require.Eventually(t, func() bool { return !bob.machine.Status().RemoteAudioActive }, waitFor, tick)

	// Execute
	require.NoError(t, bob.machine.Ghost(ctx))

	// Assert
	waitState(t, bob, domain.StateIdle)
	waitState(t, alice, domain.StateIdle)
	assert.Equal(t, domain.ReasonGhosted, bob.machine.Status().LastReason)
	assert.Equal(t, domain.ReasonGhosted, alice.machine.Status().LastReason)
	assert.Equal(t, "The person you called has ghosted the call", alice.machine.Status().LastMessage)

	assert.Eventually(t, func() bool {
		return h.relay.CountFrom("bob", signaling.EventEndCall) == 1
	}, waitFor, tick)
	assert.Equal(t, 1, h.relay.CountFrom("bob", signaling.EventGhostCall))
	assert.Zero(t, h.relay.CountFrom("alice", signaling.EventEndCall))

	// Both sides are back to a clean slate
	as, bs := alice.machine.Status(), bob.machine.Status()
	assert.True(t, as.IsLocalAudioEnabled)
	assert.True(t, bs.IsLocalAudioEnabled)
	assert.False(t, as.RemoteAudioActive)
	assert.False(t, bs.RemoteAudioActive)
	assert.Eventually(t, func() bool { return !h.busy(alice) && !h.busy(bob) }, waitFor, tick)
	assert.Nil(t, alice.record(t))
	assert.Nil(t, bob.record(t))

	// The ghosted caller can dial again right away
	h.connect(alice, bob)
	assert.True(t, alice.machine.Status().IsLocalAudioEnabled)
}

func TestRemoteEndIsIdempotent(t *testing.T) {
	h := newHarness(t)
	alice, bob := h.device("alice"), h.device("bob")
	h.befriend(alice, bob)

	room := h.connect(alice, bob)

	// socket and push both report the end
	alice.endpoint.Inject(signaling.EventCallEnded, signaling.CallEnded{RoomName: room})
	alice.machine.HandleRemoteEnd(room, "")
	alice.endpoint.Inject(signaling.EventCallEnded, signaling.CallEnded{})

	waitState(t, alice, domain.StateIdle)
	assert.Equal(t, domain.ReasonRemoteEnded, alice.machine.Status().LastReason)
	assert.Zero(t, h.relay.CountFrom("alice", signaling.EventEndCall))

	// A late incoming for the ended room does not ring again
	require.NoError(t, alice.machine.HandleIncoming(context.Background(), Incoming{
		RoomName:       room,
		CallerDeviceID: "dev-bob",
		Via:            "push",
	}))
	assert.Equal(t, domain.StateIdle, alice.machine.State())
}

func TestSoleProducerClosedEndsCall(t *testing.T) {
	h := newHarness(t)
	alice, bob := h.device("alice"), h.device("bob")
	h.befriend(alice, bob)

	room := h.connect(alice, bob)
	producers := h.relay.Producers(room, "alice")
	require.Len(t, producers, 1)

	// Execute
	h.relay.CloseProducer(producers[0])

	// Assert
	waitState(t, bob, domain.StateIdle)
	assert.Equal(t, domain.ReasonProducerClosed, bob.machine.Status().LastReason)
	assert.Zero(t, h.relay.CountFrom("bob", signaling.EventEndCall))
}

func TestIncomingWithoutCaller(t *testing.T) {
	h := newHarness(t)
	bob := h.device("bob")

	err := bob.machine.HandleIncoming(context.Background(), Incoming{RoomName: "room-1", Via: "push"})
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeCallerUnidentified))

	bob.endpoint.Inject(signaling.EventCallStarted, signaling.CallStarted{RoomName: "room-2"})
	bob.endpoint.Inject(signaling.EventMutualViewing, signaling.MutualViewing{FriendDeviceID: "dev-x"})

	// Events are handled in order, so once the later one shows the first was dropped
	require.Eventually(t, func() bool {
		return len(bob.machine.Status().MutualViewers) == 1
	}, waitFor, tick)
	assert.Equal(t, domain.StateIdle, bob.machine.State())
	assert.Zero(t, bob.alerter.Starts())
}

func TestToggleMute(t *testing.T) {
	h := newHarness(t)
	alice, bob := h.device("alice"), h.device("bob")
	h.befriend(alice, bob)
	ctx := context.Background()

	_, err := alice.machine.ToggleMute(ctx)
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeNoActiveCall))

	h.connect(alice, bob)
	require.Eventually(t, func() bool { return bob.machine.Status().RemoteAudioActive }, waitFor, tick)

	// Execute
	enabled, err := alice.machine.ToggleMute(ctx)

	// Assert
	require.NoError(t, err)
	assert.False(t, enabled)
	assert.False(t, alice.engine.LastTrack().Enabled())
	assert.False(t, alice.machine.Status().IsLocalAudioEnabled)
	assert.Eventually(t, func() bool { return !bob.machine.Status().RemoteAudioActive }, waitFor, tick)

	enabled, err = alice.machine.ToggleMute(ctx)
	require.NoError(t, err)
	assert.True(t, enabled)
	assert.Eventually(t, func() bool { return bob.machine.Status().RemoteAudioActive }, waitFor, tick)

	// A foreground resync re-applies the current state
	alice.engine.LastTrack().SetEnabled(false)
	alice.machine.ResyncMicrophone()
	assert.Eventually(t, func() bool { return alice.engine.LastTrack().Enabled() }, waitFor, tick)
}

func TestKnock(t *testing.T) {
	h := newHarness(t)
	alice, bob := h.device("alice"), h.device("bob")
	h.befriend(alice, bob)
	ctx := context.Background()

	require.NoError(t, alice.machine.Knock(ctx, "user-bob"))
	assert.Equal(t, 1, h.relay.CountFrom("alice", signaling.EventSendKnock))

	err := alice.machine.Knock(ctx, "user-bob")
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeRateLimitExceeded))

	h.clock.Add(time.Second)
	alice.endpoint.Disconnect()
	require.NoError(t, alice.machine.Knock(ctx, "user-bob"))

	sent := alice.pushes.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, string(push.TypeKnock), sent[0].Data["type"])
	assert.Equal(t, "dev-alice", sent[0].Data["callerDeviceId"])

	bob.machine.ReceiveKnock("dev-alice", "alice")
	require.Eventually(t, func() bool { return bob.machine.Status().LastKnock != nil }, waitFor, tick)
	assert.Equal(t, "alice", bob.machine.Status().LastKnock.FromName)
}

func TestMutualViewing(t *testing.T) {
	h := newHarness(t)
	bob := h.device("bob")

	bob.endpoint.Inject(signaling.EventMutualViewing, signaling.MutualViewing{FriendDeviceID: "dev-a"})
	bob.endpoint.Inject(signaling.EventMutualViewing, signaling.MutualViewing{FriendDeviceID: "dev-a"})
	bob.endpoint.Inject(signaling.EventMutualViewing, signaling.MutualViewing{FriendDeviceID: "dev-c"})
	require.Eventually(t, func() bool {
		return len(bob.machine.Status().MutualViewers) == 2
	}, waitFor, tick)

	bob.endpoint.Inject(signaling.EventMutualViewingEnded, signaling.MutualViewingEnded{FriendDeviceID: "dev-a"})
	require.Eventually(t, func() bool {
		v := bob.machine.Status().MutualViewers
		return len(v) == 1 && v[0] == "dev-c"
	}, waitFor, tick)
}

func TestHeartbeatReconnectsSignaling(t *testing.T) {
	h := newHarness(t)
	alice, bob := h.device("alice"), h.device("bob")
	h.befriend(alice, bob)

	h.connect(alice, bob)
	connects := alice.endpoint.Connects()
	alice.endpoint.Disconnect()

	h.clock.Add(DefaultConfig().HeartbeatInterval)

	assert.Eventually(t, func() bool { return alice.endpoint.Connected() }, waitFor, tick)
	assert.Equal(t, connects+1, alice.endpoint.Connects())
	assert.Equal(t, domain.StateConnected, alice.machine.State())
}

func TestHangUpWithoutCall(t *testing.T) {
	h := newHarness(t)
	alice := h.device("alice")

	err := alice.machine.HangUp(context.Background())
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeNoActiveCall))
	assert.True(t, apperrors.Is(alice.machine.Ghost(context.Background()), apperrors.ErrCodeNoActiveCall))
	assert.True(t, apperrors.Is(alice.machine.Decline(context.Background()), apperrors.ErrCodeInvalidTransition))
}

func TestClosedMachineRejectsOperations(t *testing.T) {
	h := newHarness(t)
	alice := h.device("alice")

	require.NoError(t, alice.machine.Close())
	require.NoError(t, alice.machine.Close())

	err := alice.machine.HangUp(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}
