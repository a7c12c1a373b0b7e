package database

import (
	"context"
	"errors"
	"net"

	"github.com/redis/go-redis/v9"

	"knockknock-core/pkg/metrics"
)

// commandHook counts every command the client runs. A missing key is not
// an error.
type commandHook struct {
	metrics *metrics.Metrics
}

func (h commandHook) DialHook(next redis.DialHook) redis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		return next(ctx, network, addr)
	}
}

func (h commandHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		err := next(ctx, cmd)
		h.metrics.RecordRedisCommand(cmd.Name(), commandError(err))
		return err
	}
}

func (h commandHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		err := next(ctx, cmds)
		for _, cmd := range cmds {
			h.metrics.RecordRedisCommand(cmd.Name(), commandError(cmd.Err()))
		}
		return err
	}
}

func commandError(err error) error {
	if errors.Is(err, redis.Nil) {
		return nil
	}
	return err
}

// Instrument records command counts and errors on m
func (r *RedisClient) Instrument(m *metrics.Metrics) {
	if m == nil {
		return
	}
	r.Client.AddHook(commandHook{metrics: m})
}
