// Package process wires the per-process call context. A device may run a
// foreground context (the interactive app) and a background context (woken by
// a push) at the same time; they share state only through the durable call
// store and the presence registry.
package process

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"knockknock-core/internal/domain"
	"knockknock-core/internal/media"
	"knockknock-core/internal/service/admission"
	"knockknock-core/internal/service/call"
	"knockknock-core/internal/signaling"
	"knockknock-core/pkg/constants"
	pkgctx "knockknock-core/pkg/context"
	apperrors "knockknock-core/pkg/errors"
	"knockknock-core/pkg/logger"
	"knockknock-core/pkg/metrics"
	"knockknock-core/pkg/push"
	"knockknock-core/pkg/resilience"
)

// Role names the kind of process a Context runs in
type Role string

const (
	RoleForeground Role = "foreground"
	RoleBackground Role = "background"
)

// Options holds the dependencies of a Context
type Options struct {
	Role     Role
	Identity domain.LocalIdentity
	Channel  signaling.Channel
	Presence admission.PresenceStore
	Friends  call.FriendDirectory
	Store    call.CallStore
	Engine   media.Engine
	Alerter  media.Alerter
	// Push is optional; without it knocks and end-call notices need the socket
	Push     push.Provider
	Clock    clock.Clock
	Metrics  *metrics.Metrics
	Call     call.Config
	CacheTTL time.Duration
	// SweepSpec is the cron spec of the presence expiry sweep. Empty disables it.
	SweepSpec string
	Reconnect resilience.Policy
}

// Context owns the signaling channel, entry guard, admission service and call
// machine of one process
type Context struct {
	role      Role
	identity  domain.LocalIdentity
	channel   signaling.Channel
	guard     *EntryGuard
	admission *admission.Service
	machine   *call.Machine
	sweeper   *admission.Sweeper
	metrics   *metrics.Metrics
	reconnect resilience.Policy

	closeOnce sync.Once
}

// New builds a Context. Nothing touches the network until Start.
func New(opts Options) (*Context, error) {
	if opts.Channel == nil {
		return nil, fmt.Errorf("process context needs a signaling channel")
	}
	if opts.Identity.UserID == "" || opts.Identity.DeviceID == "" {
		return nil, fmt.Errorf("process context needs a user and device id")
	}
	if opts.Role == "" {
		opts.Role = RoleForeground
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	reconnect := opts.Reconnect
	if reconnect.Attempts == 0 {
		reconnect = resilience.Policy{
			Attempts:   constants.MaxConnectionAttempts,
			Backoff:    time.Second,
			Multiplier: 2,
		}
	}
	if reconnect.Clock == nil {
		reconnect.Clock = clk
	}

	c := &Context{
		role:      opts.Role,
		identity:  opts.Identity,
		channel:   opts.Channel,
		guard:     NewEntryGuard(),
		metrics:   opts.Metrics,
		reconnect: reconnect,
	}

	c.admission = admission.NewService(admission.Options{
		Self:     opts.Identity.UserID,
		Store:    opts.Presence,
		Clock:    clk,
		Metrics:  opts.Metrics,
		CacheTTL: opts.CacheTTL,
	})

	var notifier call.Notifier
	if opts.Push != nil {
		notifier = push.NewSender(opts.Push, opts.Metrics)
	}
	c.machine = call.NewMachine(call.Options{
		Identity:  opts.Identity,
		Channel:   opts.Channel,
		Admission: c.admission,
		Friends:   opts.Friends,
		Store:     opts.Store,
		Engine:    opts.Engine,
		Alerter:   opts.Alerter,
		Push:      notifier,
		Guard:     c.guard,
		Clock:     clk,
		Metrics:   opts.Metrics,
		Config:    opts.Call,
	})

	if opts.SweepSpec != "" {
		sweeper, err := admission.NewSweeper(c.admission, opts.SweepSpec, c.inCall)
		if err != nil {
			c.machine.Close()
			c.admission.Close()
			return nil, err
		}
		c.sweeper = sweeper
	}

	c.channel.OnConnect(func() {
		ctx, cancel := pkgctx.WithAckTimeout(context.Background())
		defer cancel()
		if err := c.register(ctx); err != nil {
			logger.Warn("Device registration failed", zap.Error(err))
		}
	})

	return c, nil
}

// Start connects the channel, recovers a persisted call and starts the sweep.
// A relay that cannot be reached is not fatal; pushes still reach the device.
func (c *Context) Start(ctx context.Context) error {
	logger.Info("Starting call context",
		zap.String("role", string(c.role)),
		zap.String("device_id", c.identity.DeviceID))

	if err := c.connect(ctx); err != nil {
		logger.Warn("Signaling relay unreachable, continuing on push", zap.Error(err))
	}

	if err := c.machine.Recover(ctx); err != nil {
		return fmt.Errorf("failed to recover call: %w", err)
	}

	if !c.inCall() {
		c.resetStaleBusy(ctx)
	}

	if c.sweeper != nil {
		c.sweeper.Start()
	}
	return nil
}

// OnForeground brings the context up to date after the app returns to the
// foreground: the channel is reconnected and the user re-registered, and the
// microphone is resynced to the mute flag.
func (c *Context) OnForeground(ctx context.Context) error {
	var err error
	if c.channel.Connected() {
		err = c.register(ctx)
	} else {
		// the connect hook registers
		err = c.connect(ctx)
	}

	c.machine.ResyncMicrophone()
	if !c.inCall() {
		c.resetStaleBusy(ctx)
	}

	if err != nil {
		return apperrors.SignalingUnavailableError()
	}
	return nil
}

// HandlePush routes a push payload delivered as a flat data map
func (c *Context) HandlePush(ctx context.Context, data map[string]string) error {
	p, err := push.ParseData(data)
	if err != nil {
		c.metrics.RecordPushNotification(string(p.Type), "in_rejected")
		return apperrors.MalformedEventError("push", err)
	}
	return c.route(ctx, p)
}

// HandlePushJSON routes a push payload delivered as JSON
func (c *Context) HandlePushJSON(ctx context.Context, raw []byte) error {
	p, err := push.Decode(raw)
	if err != nil {
		c.metrics.RecordPushNotification("unknown", "in_rejected")
		return apperrors.MalformedEventError("push", err)
	}
	return c.route(ctx, p)
}

func (c *Context) route(ctx context.Context, p *push.Payload) error {
	c.metrics.RecordPushNotification(string(p.Type), "in")
	logger.Debug("Push received",
		zap.String("type", string(p.Type)),
		zap.String("room", p.RoomName),
		zap.String("role", string(c.role)))

	switch p.Type {
	case push.TypeIncomingCall:
		// negotiation needs the socket; a failure surfaces later as a timeout
		if !c.channel.Connected() {
			if err := c.connect(ctx); err != nil {
				logger.Warn("Signaling relay unreachable for pushed call", zap.Error(err))
			}
		}
		return c.machine.HandleIncoming(ctx, call.Incoming{
			RoomName:       p.RoomName,
			CallerDeviceID: p.CallerDeviceID,
			CallerName:     p.CallerName,
			CallerSocketID: p.CallerSocketID,
			Via:            "push",
		})
	case push.TypeEndCall:
		c.machine.HandleRemoteEnd(p.RoomName, p.Reason)
	case push.TypeKnock:
		c.machine.ReceiveKnock(p.CallerDeviceID, p.CallerName)
	}
	return nil
}

// Role returns the process role
func (c *Context) Role() Role { return c.role }

// Channel returns the memoized signaling channel
func (c *Context) Channel() signaling.Channel { return c.channel }

// Guard returns the entry guard
func (c *Context) Guard() *EntryGuard { return c.guard }

// Machine returns the call machine
func (c *Context) Machine() *call.Machine { return c.machine }

// Admission returns the admission service
func (c *Context) Admission() *admission.Service { return c.admission }

// Close stops everything the context started. It is safe to call twice.
func (c *Context) Close() error {
	var err error
	c.closeOnce.Do(func() {
		if c.sweeper != nil {
			c.sweeper.Stop()
		}
		c.machine.Close()
		c.admission.Close()
		err = c.channel.Close()
		logger.Info("Call context closed", zap.String("role", string(c.role)))
	})
	return err
}

func (c *Context) connect(ctx context.Context) error {
	return resilience.Retry(ctx, c.reconnect, "signaling_connect", func(ctx context.Context) error {
		return c.channel.Connect(ctx)
	})
}

func (c *Context) register(ctx context.Context) error {
	return c.channel.Emit(ctx, signaling.EventRegisterUser, signaling.RegisterUser{
		DeviceID: c.identity.DeviceID,
		FCMToken: c.identity.FCMToken,
	})
}

func (c *Context) resetStaleBusy(ctx context.Context) {
	resetCtx, cancel := pkgctx.WithPresenceTimeout(ctx)
	defer cancel()
	if cleared, err := c.admission.ResetStaleBusy(resetCtx); err != nil {
		logger.Warn("Stale busy check failed", zap.Error(err))
	} else if cleared {
		logger.Info("Cleared stale busy flag")
	}
}

func (c *Context) inCall() bool {
	return c.machine.State().Active()
}
