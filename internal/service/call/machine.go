// Package call implements the device's call lifecycle. One Machine owns the
// single call a device can be in and moves it through
// IDLE, ringing, CONNECTING, CONNECTED and ENDING.
//
// Every mutation runs on one goroutine. Network, media, store and presence
// work runs elsewhere and posts its completion back, where it is checked
// against the room and session it was started for.
package call

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/looplab/fsm"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"knockknock-core/internal/domain"
	"knockknock-core/internal/media"
	"knockknock-core/internal/service/admission"
	"knockknock-core/internal/service/negotiation"
	"knockknock-core/internal/signaling"
	"knockknock-core/pkg/constants"
	pkgctx "knockknock-core/pkg/context"
	apperrors "knockknock-core/pkg/errors"
	"knockknock-core/pkg/logger"
	"knockknock-core/pkg/metrics"
	"knockknock-core/pkg/resilience"
)

// ErrClosed is returned by operations on a closed Machine
var ErrClosed = stderrors.New("call machine closed")

// State machine events
const (
	evDial              = "dial"
	evRing              = "ring"
	evNegotiate         = "negotiate"
	evRestore           = "restore"
	evRestoreOptimistic = "restore_optimistic"
	evConnect           = "connect"
	evEnd               = "end"
	evReset             = "reset"
)

// CallStore persists the call record and transport set
type CallStore interface {
	SaveCallRecord(ctx context.Context, rec *domain.CallRecord) error
	LoadCallRecord(ctx context.Context) (*domain.CallRecord, error)
	ClearCallRecord(ctx context.Context) error
	SaveTransportSet(ctx context.Context, set *domain.ActiveTransportSet) error
	LoadTransportSet(ctx context.Context) (*domain.ActiveTransportSet, error)
	ClearTransportSet(ctx context.Context) error
}

// Admission checks peers and owns the local busy flag
type Admission interface {
	CheckCanCall(ctx context.Context, peerID string) (admission.Decision, error)
	SetBusy(ctx context.Context, busy bool) error
}

// FriendDirectory resolves friends of the local user
type FriendDirectory interface {
	GetFriend(ctx context.Context, ownerID, friendUserID string) (*domain.Friend, error)
	FindByDevice(ctx context.Context, ownerID, deviceID string) (*domain.Friend, error)
}

// Negotiator drives transport negotiation for a room
type Negotiator interface {
	Join(room string, track media.Track) uint64
	HandleNewProducer(producerID string)
	HandleProducerClosed(producerID string)
	Touch()
	Close()
}

// Notifier delivers call notifications when the socket cannot
type Notifier interface {
	SendKnock(ctx context.Context, token, senderDeviceID, senderName string) error
	SendCallEnded(ctx context.Context, token, roomName, callerName, reason string) error
}

// Guard admits one call-handling entry per process
type Guard interface {
	TryEnter(room string) bool
	Release(room string)
}

// Config holds call timing and behavior settings
type Config struct {
	// AutoAnswer joins an incoming call without waiting for Accept
	AutoAnswer bool
	// OptimisticRestore resumes a persisted connected call without renegotiating
	OptimisticRestore bool
	ConnectionTimeout time.Duration
	RingTimeout       time.Duration
	AlertPollInterval time.Duration
	HeartbeatInterval time.Duration
	KnockInterval     time.Duration
	EndCallRetry      resilience.Policy
	ReconnectRetry    resilience.Policy
}

// DefaultConfig returns the production call settings
func DefaultConfig() Config {
	return Config{
		AutoAnswer:        true,
		ConnectionTimeout: constants.ConnectionTimeout,
		RingTimeout:       constants.RingTimeout,
		AlertPollInterval: constants.AlertPollInterval,
		HeartbeatInterval: constants.HeartbeatInterval,
		KnockInterval:     constants.KnockInterval,
		EndCallRetry:      resilience.Policy{Attempts: 2, Backoff: 500 * time.Millisecond},
		ReconnectRetry: resilience.Policy{
			Attempts:   constants.MaxConnectionAttempts,
			Backoff:    time.Second,
			Multiplier: 2,
		},
	}
}

// Options configures a Machine
type Options struct {
	Identity  domain.LocalIdentity
	Channel   signaling.Channel
	Admission Admission
	Friends   FriendDirectory
	Store     CallStore
	Engine    media.Engine
	Alerter   media.Alerter
	// Negotiator defaults to a negotiation.Coordinator over Channel, Engine and Store
	Negotiator Negotiator
	Push       Notifier
	Guard      Guard
	Clock      clock.Clock
	Metrics    *metrics.Metrics
	Config     Config
}

// Machine coordinates the device's single call
type Machine struct {
	self      domain.LocalIdentity
	channel   signaling.Channel
	admission Admission
	friends   FriendDirectory
	store     CallStore
	engine    media.Engine
	alerter   media.Alerter
	coord     Negotiator
	push      Notifier
	guard     Guard
	clock     clock.Clock
	metrics   *metrics.Metrics
	cfg       Config

	events      chan func()
	storeOps    chan storeOp
	stop        chan struct{}
	stopOnce    sync.Once
	done        chan struct{}
	unsubscribe func()

	// Owned by the loop goroutine
	fsm         *fsm.FSM
	room        string
	peer        *domain.Peer
	initiator   bool
	track       media.Track
	session     uint64
	answering   bool
	connectedAt time.Time
	localAudio  bool
	remoteAudio bool
	alerting    bool
	mutual      []string
	lastReason  domain.EndReason
	lastMessage string
	lastKnock   *domain.Knock
	notified    map[string]bool
	genSeq      uint64
	timerGen    uint64
	connTimer   *clock.Timer
	stopAlertFn func()
	stopBeatFn  func()

	statusMu sync.RWMutex
	status   domain.Status

	// activeGen is the generation of the live call, 0 when none. Busy=true
	// writes only land while their generation is current.
	activeGen atomic.Uint64
	busyMu    sync.Mutex

	knockMu  sync.Mutex
	limiters map[string]*rate.Limiter
}

type storeOp struct {
	name string
	fn   func(ctx context.Context) error
	done chan error
}

// NewMachine creates a Machine and starts its loop
func NewMachine(opts Options) *Machine {
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	cfg := opts.Config
	if cfg.ConnectionTimeout == 0 {
		cfg.ConnectionTimeout = constants.ConnectionTimeout
	}
	if cfg.RingTimeout == 0 {
		cfg.RingTimeout = constants.RingTimeout
	}
	if cfg.AlertPollInterval == 0 {
		cfg.AlertPollInterval = constants.AlertPollInterval
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = constants.HeartbeatInterval
	}
	if cfg.KnockInterval == 0 {
		cfg.KnockInterval = constants.KnockInterval
	}
	if cfg.EndCallRetry.Clock == nil {
		cfg.EndCallRetry.Clock = clk
	}
	if cfg.ReconnectRetry.Clock == nil {
		cfg.ReconnectRetry.Clock = clk
	}
	guard := opts.Guard
	if guard == nil {
		guard = nopGuard{}
	}

	m := &Machine{
		self:       opts.Identity,
		channel:    opts.Channel,
		admission:  opts.Admission,
		friends:    opts.Friends,
		store:      opts.Store,
		engine:     opts.Engine,
		alerter:    opts.Alerter,
		push:       opts.Push,
		guard:      guard,
		clock:      clk,
		metrics:    opts.Metrics,
		cfg:        cfg,
		events:     make(chan func(), 128),
		storeOps:   make(chan storeOp, 64),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		localAudio: true,
		mutual:     []string{},
		notified:   make(map[string]bool),
		limiters:   make(map[string]*rate.Limiter),
	}

	m.coord = opts.Negotiator
	if m.coord == nil {
		m.coord = negotiation.NewCoordinator(negotiation.Options{
			Channel:  opts.Channel,
			Engine:   opts.Engine,
			Store:    storeAdapter{m},
			Listener: listener{m},
			Clock:    clk,
			Metrics:  opts.Metrics,
		})
	}

	m.fsm = fsm.NewFSM(
		string(domain.StateIdle),
		fsm.Events{
			{Name: evDial, Src: []string{string(domain.StateIdle)}, Dst: string(domain.StateOutgoingRinging)},
			{Name: evRing, Src: []string{string(domain.StateIdle)}, Dst: string(domain.StateIncomingRinging)},
			{Name: evNegotiate, Src: []string{string(domain.StateOutgoingRinging), string(domain.StateIncomingRinging)}, Dst: string(domain.StateConnecting)},
			{Name: evRestore, Src: []string{string(domain.StateIdle)}, Dst: string(domain.StateConnecting)},
			{Name: evRestoreOptimistic, Src: []string{string(domain.StateIdle)}, Dst: string(domain.StateConnected)},
			{Name: evConnect, Src: []string{string(domain.StateConnecting)}, Dst: string(domain.StateConnected)},
			{Name: evEnd, Src: []string{
				string(domain.StateOutgoingRinging),
				string(domain.StateIncomingRinging),
				string(domain.StateConnecting),
				string(domain.StateConnected),
			}, Dst: string(domain.StateEnding)},
			{Name: evReset, Src: []string{string(domain.StateEnding)}, Dst: string(domain.StateIdle)},
		},
		fsm.Callbacks{
			"enter_state": func(ctx context.Context, e *fsm.Event) {
				m.onEnterState(e)
			},
		},
	)

	m.publish()
	if m.channel != nil {
		m.unsubscribe = m.channel.Subscribe(m.handleSignal)
	}
	go m.run()
	go m.storeLoop()
	return m
}

func (m *Machine) run() {
	defer close(m.done)
	for {
		select {
		case fn := <-m.events:
			fn()
			m.publish()
		case <-m.stop:
			m.stopTimers()
			return
		}
	}
}

// post queues fn on the loop. It reports false once the machine is closed.
func (m *Machine) post(fn func()) bool {
	select {
	case m.events <- fn:
		return true
	case <-m.stop:
		return false
	}
}

// do runs fn on the loop and waits for its result
func (m *Machine) do(ctx context.Context, fn func() error) error {
	errc := make(chan error, 1)
	ok := m.post(func() {
		err := fn()
		m.publish()
		errc <- err
	})
	if !ok {
		return ErrClosed
	}
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-m.stop:
		return ErrClosed
	}
}

func (m *Machine) storeLoop() {
	for {
		select {
		case op := <-m.storeOps:
			ctx, cancel := pkgctx.WithStoreTimeout(context.Background())
			err := op.fn(ctx)
			cancel()
			if err != nil {
				logger.Warn("Call store operation failed",
					zap.String("operation", op.name),
					zap.Error(err))
			}
			if op.done != nil {
				op.done <- err
			}
		case <-m.stop:
			return
		}
	}
}

// queueStore runs fn on the store worker in submission order
func (m *Machine) queueStore(name string, fn func(ctx context.Context) error) <-chan error {
	done := make(chan error, 1)
	select {
	case m.storeOps <- storeOp{name: name, fn: fn, done: done}:
	case <-m.stop:
		done <- ErrClosed
	}
	return done
}

// persist writes the current call record
func (m *Machine) persist() {
	rec := m.record()
	m.queueStore("save_call_record", func(ctx context.Context) error {
		return m.store.SaveCallRecord(ctx, rec)
	})
}

func (m *Machine) record() *domain.CallRecord {
	rec := &domain.CallRecord{
		State:       m.state(),
		RoomName:    m.room,
		IsInitiator: m.initiator,
		Timestamp:   m.clock.Now(),
	}
	if m.peer != nil {
		rec.PeerDeviceID = m.peer.DeviceID
		rec.PeerUserID = m.peer.UserID
		rec.PeerName = m.peer.Name
		rec.PeerFCMToken = m.peer.FCMToken
	}
	return rec
}

func (m *Machine) state() domain.CallState {
	return domain.CallState(m.fsm.Current())
}

// fire applies an event to the state machine
func (m *Machine) fire(event string) error {
	err := m.fsm.Event(context.Background(), event)
	if err == nil {
		return nil
	}
	var invalid fsm.InvalidEventError
	if stderrors.As(err, &invalid) {
		return apperrors.InvalidTransitionError(event, invalid.State)
	}
	return err
}

func (m *Machine) onEnterState(e *fsm.Event) {
	from, to := domain.CallState(e.Src), domain.CallState(e.Dst)
	m.metrics.RecordTransition(e.Src, e.Dst)

	if to == domain.StateConnected {
		m.connectedAt = m.clock.Now()
		m.metrics.SetCallActive(true)
	}
	if from == domain.StateConnected {
		m.metrics.RecordCallDuration(m.clock.Since(m.connectedAt))
		m.metrics.SetCallActive(false)
	}

	logger.WithCall(m.room, e.Dst).Info("Call state changed",
		zap.String("event", e.Event),
		zap.String("from", e.Src))
}

// begin resets the per-call fields for a new call and returns its generation
func (m *Machine) begin(room string, peer *domain.Peer, initiator bool, track media.Track) uint64 {
	m.room = room
	m.peer = peer
	m.initiator = initiator
	m.track = track
	m.session = 0
	m.answering = false
	m.localAudio = true
	m.remoteAudio = false
	m.lastReason = ""
	m.lastMessage = ""

	m.genSeq++
	m.activeGen.Store(m.genSeq)
	return m.genSeq
}

// markNotified records that the peer of room already knows the call is over
func (m *Machine) markNotified(room string) {
	if room == "" {
		return
	}
	if len(m.notified) >= 64 {
		m.notified = make(map[string]bool)
	}
	m.notified[room] = true
}

func (m *Machine) publish() {
	s := domain.Status{
		State:               m.state(),
		RoomName:            m.room,
		IsInitiator:         m.initiator,
		IsInCall:            m.state().Active(),
		IsLocalAudioEnabled: m.localAudio,
		RemoteAudioActive:   m.remoteAudio,
		Alerting:            m.alerting,
		MutualViewers:       append([]string{}, m.mutual...),
		LastReason:          m.lastReason,
		LastMessage:         m.lastMessage,
	}
	if m.peer != nil {
		p := *m.peer
		s.Peer = &p
	}
	if m.lastKnock != nil {
		k := *m.lastKnock
		s.LastKnock = &k
	}

	m.statusMu.Lock()
	m.status = s
	m.statusMu.Unlock()
}

// Status returns a consistent snapshot of the call as the UI sees it
func (m *Machine) Status() domain.Status {
	m.statusMu.RLock()
	defer m.statusMu.RUnlock()
	s := m.status
	s.MutualViewers = append([]string{}, s.MutualViewers...)
	return s
}

// State returns the current call state
func (m *Machine) State() domain.CallState {
	return m.Status().State
}

// Close stops the machine. An active call stays persisted for Recover.
func (m *Machine) Close() error {
	m.stopOnce.Do(func() {
		if m.unsubscribe != nil {
			m.unsubscribe()
		}
		close(m.stop)
	})
	<-m.done
	return nil
}

type nopGuard struct{}

func (nopGuard) TryEnter(string) bool { return true }
func (nopGuard) Release(string)       {}

// storeAdapter routes coordinator writes through the ordered store worker
type storeAdapter struct {
	m *Machine
}

func (a storeAdapter) SaveTransportSet(ctx context.Context, set *domain.ActiveTransportSet) error {
	select {
	case err := <-a.m.queueStore("save_transport_set", func(ctx context.Context) error {
		return a.m.store.SaveTransportSet(ctx, set)
	}):
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
