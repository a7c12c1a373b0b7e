package admission

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSweeperRejectsBadSpec(t *testing.T) {
	repo, _ := newRedisRepo(t)
	svc := newService("user-y", repo, clock.NewMock())

	_, err := NewSweeper(svc, "every minute please", nil)
	assert.Error(t, err)
}

func TestSweeperRun(t *testing.T) {
	repo, _ := newRedisRepo(t)
	clk := clock.NewMock()
	clk.Set(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	svc := newService("user-y", repo, clk)
	ctx := context.Background()

	_, err := svc.ToggleSilenceMode(ctx, 5)
	require.NoError(t, err)
	require.NoError(t, svc.SetBusy(ctx, true))

	inCall := true
	sweeper, err := NewSweeper(svc, "@every 60s", func() bool { return inCall })
	require.NoError(t, err)

	clk.Add(10 * time.Minute)
	sweeper.Run()

	mode, err := repo.GetSilenceMode(ctx, "user-y")
	require.NoError(t, err)
	assert.True(t, mode.AutoDisabled)

	busy, err := repo.GetBusy(ctx, "user-y")
	require.NoError(t, err)
	assert.True(t, busy.Busy, "busy is left alone while a call is live")

	inCall = false
	sweeper.Run()

	busy, err = repo.GetBusy(ctx, "user-y")
	require.NoError(t, err)
	assert.False(t, busy.Busy)
}
