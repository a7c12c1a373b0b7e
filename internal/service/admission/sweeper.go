package admission

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	pkgctx "knockknock-core/pkg/context"
	"knockknock-core/pkg/logger"
)

// Sweeper periodically expires silence and DND entries and clears a stale
// busy flag left behind by a crashed call
type Sweeper struct {
	quartz *cron.Cron
	svc    *Service
	inCall func() bool
}

// NewSweeper schedules the sweep on a cron spec such as "@every 60s".
// inCall reports whether a call is live; the busy flag is left alone then.
func NewSweeper(svc *Service, spec string, inCall func() bool) (*Sweeper, error) {
	s := &Sweeper{
		quartz: cron.New(cron.WithLogger(cron.PrintfLogger(zap.NewStdLog(logger.Log)))),
		svc:    svc,
		inCall: inCall,
	}
	if _, err := s.quartz.AddFunc(spec, s.Run); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", spec, err)
	}
	return s, nil
}

// Start begins the schedule
func (s *Sweeper) Start() {
	s.quartz.Start()
}

// Stop ends the schedule and waits for a running sweep
func (s *Sweeper) Stop() {
	<-s.quartz.Stop().Done()
}

// Run performs one sweep
func (s *Sweeper) Run() {
	ctx, cancel := pkgctx.WithMediumTimeout(context.Background())
	defer cancel()

	if n, err := s.svc.SweepExpired(ctx); err != nil {
		logger.Warn("Presence expiry sweep failed", zap.Error(err))
	} else if n > 0 {
		logger.Debug("Presence expiry sweep done", zap.Int("disabled", n))
	}

	if s.inCall != nil && s.inCall() {
		return
	}
	if _, err := s.svc.ResetStaleBusy(ctx); err != nil {
		logger.Warn("Stale busy reset failed", zap.Error(err))
	}
}
