package admission

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"knockknock-core/internal/domain"
	redisrepo "knockknock-core/internal/repository/redis"
	"knockknock-core/pkg/cache"
	"knockknock-core/pkg/constants"
	pkgctx "knockknock-core/pkg/context"
	apperrors "knockknock-core/pkg/errors"
	"knockknock-core/pkg/logger"
	"knockknock-core/pkg/metrics"
	"knockknock-core/pkg/resilience"
)

// PresenceStore is the presence registry admission control reads and writes
type PresenceStore interface {
	GetPresence(ctx context.Context, userID, viewerID string) (*domain.PresenceRecord, error)
	GetBusy(ctx context.Context, userID string) (domain.BusyStatus, error)
	SetBusy(ctx context.Context, userID string, status domain.BusyStatus) error
	GetSilenceMode(ctx context.Context, userID string) (domain.SilenceMode, error)
	SetSilenceMode(ctx context.Context, userID string, mode domain.SilenceMode) error
	GetDND(ctx context.Context, ownerID, peerID string) (domain.DNDEntry, bool, error)
	SetDND(ctx context.Context, ownerID, peerID string, entry domain.DNDEntry) error
	ListDND(ctx context.Context, ownerID string) (map[string]domain.DNDEntry, error)
	Watch(ctx context.Context, userID string) (*redisrepo.PresenceWatch, error)
}

// Options configures a Service
type Options struct {
	// Self is the local user id; busy, silence and DND writes target it
	Self     string
	Store    PresenceStore
	Clock    clock.Clock
	Metrics  *metrics.Metrics
	CacheTTL time.Duration
	// BusyRetry bounds busy flag writes. Zero uses 3 attempts 1s apart.
	BusyRetry resilience.Policy
}

// Service decides whether the local user may call a peer and owns the
// local user's presence flags
type Service struct {
	self      string
	store     PresenceStore
	cache     *cache.MemoryCache
	stopCache func()
	closeOnce sync.Once
	group     singleflight.Group
	clock     clock.Clock
	metrics   *metrics.Metrics
	busyRetry resilience.Policy

	mu       sync.Mutex
	selected string
	live     *domain.PresenceRecord
	watch    *redisrepo.PresenceWatch
}

// NewService creates a new admission service
func NewService(opts Options) *Service {
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = constants.PresenceCacheTTL
	}
	retry := opts.BusyRetry
	if retry.Attempts == 0 {
		retry = resilience.Policy{
			Attempts: constants.BusyResetAttempts,
			Backoff:  constants.BusyResetBackoff,
		}
	}
	if retry.Clock == nil {
		retry.Clock = clk
	}

	c := cache.NewMemoryCacheWithClock(ttl, constants.PresenceCacheSize, clk)
	return &Service{
		self:      opts.Self,
		store:     opts.Store,
		cache:     c,
		stopCache: c.StartCleanup(ttl),
		clock:     clk,
		metrics:   opts.Metrics,
		busyRetry: retry,
	}
}

// Decision is the outcome of an admission check
type Decision struct {
	Allowed bool
	Reason  apperrors.ErrorCode
}

// Err returns the error reported to the caller for a denied decision
func (d Decision) Err() error {
	switch {
	case d.Allowed:
		return nil
	case d.Reason == apperrors.ErrCodeSilenceMode:
		return apperrors.SilenceModeError()
	case d.Reason == apperrors.ErrCodeDND:
		return apperrors.DNDError()
	default:
		return apperrors.PeerBusyError()
	}
}

// Evaluate applies the admission rules to a peer's presence as seen by
// viewerID. Silence mode wins over DND, DND over busy. A busy flag older
// than BusyStaleAfter does not block.
func Evaluate(rec *domain.PresenceRecord, viewerID string, now time.Time) Decision {
	if rec.SilenceMode.ActiveAt(now) {
		return Decision{Reason: apperrors.ErrCodeSilenceMode}
	}
	if entry, ok := rec.DNDList[viewerID]; ok && entry.ActiveAt(now) {
		return Decision{Reason: apperrors.ErrCodeDND}
	}
	if rec.Busy.Busy && !rec.Busy.Stale(now, constants.BusyStaleAfter) {
		return Decision{Reason: apperrors.ErrCodePeerBusy}
	}
	return Decision{Allowed: true}
}

// CheckCanCall reports whether the local user may call peerID right now
func (s *Service) CheckCanCall(ctx context.Context, peerID string) (Decision, error) {
	rec, err := s.peerPresence(ctx, peerID)
	if err != nil {
		return Decision{}, apperrors.PresenceError(err)
	}

	d := Evaluate(rec, s.self, s.clock.Now())
	if !d.Allowed {
		s.metrics.RecordAdmissionDenied(string(d.Reason))
		logger.Info("Call admission denied",
			zap.String("peer_id", peerID),
			zap.String("reason", string(d.Reason)))
	}
	return d, nil
}

// peerPresence serves the selected peer from the live view, others from the
// cache, and collapses concurrent misses into one registry read
func (s *Service) peerPresence(ctx context.Context, peerID string) (*domain.PresenceRecord, error) {
	s.mu.Lock()
	if s.selected == peerID && s.live != nil {
		rec := s.live
		s.mu.Unlock()
		return rec, nil
	}
	s.mu.Unlock()

	if v, ok := s.cache.Get(peerID); ok {
		s.metrics.RecordPresenceCache(true)
		return v.(*domain.PresenceRecord), nil
	}
	s.metrics.RecordPresenceCache(false)

	v, err, _ := s.group.Do(peerID, func() (any, error) {
		rec, err := s.fetch(ctx, peerID)
		if err != nil {
			return nil, err
		}
		s.cache.Set(peerID, rec, 0)
		return rec, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.PresenceRecord), nil
}

func (s *Service) fetch(ctx context.Context, peerID string) (*domain.PresenceRecord, error) {
	ctx, cancel := pkgctx.WithPresenceTimeout(ctx)
	defer cancel()
	return s.store.GetPresence(ctx, peerID, s.self)
}

// Invalidate drops any cached presence for peerID
func (s *Service) Invalidate(peerID string) {
	s.cache.Delete(peerID)
}

// SelectPeer keeps a live view of peerID's presence until another peer is
// selected or Deselect is called
func (s *Service) SelectPeer(ctx context.Context, peerID string) error {
	s.Deselect()

	w, err := s.store.Watch(ctx, peerID)
	if err != nil {
		return apperrors.PresenceError(err)
	}
	rec, err := s.fetch(ctx, peerID)
	if err != nil {
		w.Close()
		return apperrors.PresenceError(err)
	}

	s.mu.Lock()
	s.selected = peerID
	s.live = rec
	s.watch = w
	s.mu.Unlock()

	go s.follow(peerID, w)

	logger.Debug("Watching peer presence", zap.String("peer_id", peerID))
	return nil
}

func (s *Service) follow(peerID string, w *redisrepo.PresenceWatch) {
	for change := range w.C {
		rec, err := s.fetch(context.Background(), peerID)
		if err != nil {
			logger.Warn("Failed to refresh watched presence",
				zap.String("peer_id", peerID),
				zap.String("field", change.Field),
				zap.Error(err))
			continue
		}
		s.cache.Delete(peerID)

		s.mu.Lock()
		if s.watch == w {
			s.live = rec
		}
		s.mu.Unlock()
	}
}

// Deselect stops the live view, if any
func (s *Service) Deselect() {
	s.mu.Lock()
	w := s.watch
	s.selected, s.live, s.watch = "", nil, nil
	s.mu.Unlock()

	if w != nil {
		w.Close()
	}
}

// Selected returns the peer with a live view, or ""
func (s *Service) Selected() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selected
}

// SetBusy writes the local user's busy flag, retrying transient failures
func (s *Service) SetBusy(ctx context.Context, busy bool) error {
	err := resilience.Retry(ctx, s.busyRetry, "set_busy", func(ctx context.Context) error {
		ctx, cancel := pkgctx.WithPresenceTimeout(ctx)
		defer cancel()
		return s.store.SetBusy(ctx, s.self, domain.BusyStatus{Busy: busy, UpdatedAt: s.clock.Now()})
	})
	if err != nil {
		return apperrors.PresenceError(err)
	}
	return nil
}

// ResetStaleBusy clears the local user's busy flag when it has gone stale.
// Callers must only use it while no call is active.
func (s *Service) ResetStaleBusy(ctx context.Context) (bool, error) {
	status, err := s.store.GetBusy(ctx, s.self)
	if err != nil {
		return false, apperrors.PresenceError(err)
	}
	if !status.Stale(s.clock.Now(), constants.BusyStaleAfter) {
		return false, nil
	}

	logger.Info("Clearing stale busy flag", zap.Time("updated_at", status.UpdatedAt))
	if err := s.SetBusy(ctx, false); err != nil {
		return false, err
	}
	return true, nil
}

// IsSilenceModeActive reports whether userID blocks every call right now
func (s *Service) IsSilenceModeActive(ctx context.Context, userID string) (bool, error) {
	mode, err := s.store.GetSilenceMode(ctx, userID)
	if err != nil {
		return false, apperrors.PresenceError(err)
	}
	return mode.ActiveAt(s.clock.Now()), nil
}

// IsDNDBlocking reports whether ownerID has do-not-disturb on for peerID
func (s *Service) IsDNDBlocking(ctx context.Context, ownerID, peerID string) (bool, error) {
	entry, ok, err := s.store.GetDND(ctx, ownerID, peerID)
	if err != nil {
		return false, apperrors.PresenceError(err)
	}
	return ok && entry.ActiveAt(s.clock.Now()), nil
}

// ToggleSilenceMode flips the local user's silence mode. Turning it on with
// minutes > 0 makes it expire; 0 keeps it on until turned off.
func (s *Service) ToggleSilenceMode(ctx context.Context, minutes int) (domain.SilenceMode, error) {
	if minutes < 0 {
		return domain.SilenceMode{}, apperrors.ValidationError("duration must not be negative")
	}
	cur, err := s.store.GetSilenceMode(ctx, s.self)
	if err != nil {
		return domain.SilenceMode{}, apperrors.PresenceError(err)
	}

	now := s.clock.Now()
	next := domain.SilenceMode{Enabled: false, UpdatedAt: now}
	if !cur.Enabled {
		next = domain.SilenceMode{
			Enabled:   true,
			ExpiresAt: domain.ExpiryFor(now, minutes),
			Duration:  minutes,
			UpdatedAt: now,
		}
	}

	if err := s.store.SetSilenceMode(ctx, s.self, next); err != nil {
		return domain.SilenceMode{}, apperrors.PresenceError(err)
	}
	logger.Info("Silence mode toggled",
		zap.Bool("enabled", next.Enabled),
		zap.String("remaining", domain.FormatRemaining(domain.RemainingMinutes(next.ExpiresAt, now), true)))
	return next, nil
}

// ToggleDND flips the local user's do-not-disturb entry for peerID
func (s *Service) ToggleDND(ctx context.Context, peerID string, minutes int) (domain.DNDEntry, error) {
	if peerID == "" {
		return domain.DNDEntry{}, apperrors.ValidationError("peer is required")
	}
	if minutes < 0 {
		return domain.DNDEntry{}, apperrors.ValidationError("duration must not be negative")
	}
	cur, _, err := s.store.GetDND(ctx, s.self, peerID)
	if err != nil {
		return domain.DNDEntry{}, apperrors.PresenceError(err)
	}

	now := s.clock.Now()
	next := domain.DNDEntry{Status: false, UpdatedAt: now}
	if !cur.Status {
		next = domain.DNDEntry{
			Status:    true,
			ExpiresAt: domain.ExpiryFor(now, minutes),
			Duration:  minutes,
			UpdatedAt: now,
		}
	}

	if err := s.store.SetDND(ctx, s.self, peerID, next); err != nil {
		return domain.DNDEntry{}, apperrors.PresenceError(err)
	}
	logger.Info("DND toggled",
		zap.String("peer_id", peerID),
		zap.Bool("enabled", next.Status),
		zap.String("remaining", domain.FormatRemaining(domain.RemainingMinutes(next.ExpiresAt, now), true)))
	return next, nil
}

// SweepExpired turns off the local user's silence mode and DND entries whose
// expiry has passed, marking them auto-disabled. It returns how many it changed.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	now := s.clock.Now()
	disabled := 0

	mode, err := s.store.GetSilenceMode(ctx, s.self)
	if err != nil {
		return 0, apperrors.PresenceError(err)
	}
	if mode.Expired(now) {
		off := domain.SilenceMode{Enabled: false, AutoDisabled: true, UpdatedAt: now}
		if err := s.store.SetSilenceMode(ctx, s.self, off); err != nil {
			return disabled, apperrors.PresenceError(err)
		}
		disabled++
		s.metrics.RecordAutoDisabled("silence")
		logger.Info("Auto-disabled expired silence mode")
	}

	entries, err := s.store.ListDND(ctx, s.self)
	if err != nil {
		return disabled, apperrors.PresenceError(err)
	}
	for peerID, entry := range entries {
		if !entry.Expired(now) {
			continue
		}
		off := domain.DNDEntry{Status: false, AutoDisabled: true, UpdatedAt: now}
		if err := s.store.SetDND(ctx, s.self, peerID, off); err != nil {
			logger.Warn("Failed to auto-disable DND entry",
				zap.String("peer_id", peerID),
				zap.Error(err))
			continue
		}
		disabled++
		s.metrics.RecordAutoDisabled("dnd")
		logger.Info("Auto-disabled expired DND", zap.String("peer_id", peerID))
	}

	return disabled, nil
}

// Close stops the live view and the cache cleanup
func (s *Service) Close() {
	s.Deselect()
	s.closeOnce.Do(s.stopCache)
}
