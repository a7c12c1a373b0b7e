package resilience

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"knockknock-core/pkg/logger"
)

// Policy describes a bounded retry with backoff
type Policy struct {
	Attempts   int
	Backoff    time.Duration
	MaxBackoff time.Duration
	// Multiplier grows the backoff between attempts. Values <= 1 keep it constant.
	Multiplier float64
	// Retryable decides whether an error is worth another attempt. Nil retries everything.
	Retryable func(error) bool
	Clock     clock.Clock
}

// resilienceMetrics tracks retry and best-effort outcomes
type resilienceMetrics struct {
	attemptsTotal *prometheus.CounterVec
	errorsTotal   *prometheus.CounterVec
}

var (
	metricsInstance *resilienceMetrics
	metricsOnce     sync.Once
)

// init registers resilience metrics with Prometheus
func init() {
	metricsOnce.Do(func() {
		metricsInstance = &resilienceMetrics{
			attemptsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "knockknock_retry_attempts_total",
					Help: "Total number of attempts made by retried operations",
				},
				[]string{"operation", "status"},
			),
			errorsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "knockknock_best_effort_errors_total",
					Help: "Total number of failed best-effort steps",
				},
				[]string{"step", "error_type"},
			),
		}
		prometheus.MustRegister(metricsInstance.attemptsTotal)
		prometheus.MustRegister(metricsInstance.errorsTotal)
	})
}

// Retry runs fn until it succeeds, the policy is exhausted, or ctx is done
func Retry(ctx context.Context, p Policy, operation string, fn func(ctx context.Context) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	clk := p.Clock
	if clk == nil {
		clk = clock.New()
	}

	backoff := p.Backoff
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			logger.Warn("Retrying operation",
				zap.String("operation", operation),
				zap.Int("attempt", attempt),
				zap.Error(lastErr),
			)
		}

		err := fn(ctx)
		if err == nil {
			metricsInstance.attemptsTotal.WithLabelValues(operation, "success").Inc()
			return nil
		}
		lastErr = err
		metricsInstance.attemptsTotal.WithLabelValues(operation, "failure").Inc()

		if p.Retryable != nil && !p.Retryable(err) {
			return err
		}
		if attempt == attempts {
			break
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%s cancelled after %d attempts: %w", operation, attempt, lastErr)
		case <-clk.After(backoff):
		}

		if p.Multiplier > 1 {
			backoff = time.Duration(float64(backoff) * p.Multiplier)
		}
		if p.MaxBackoff > 0 && backoff > p.MaxBackoff {
			backoff = p.MaxBackoff
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operation, attempts, lastErr)
}

// BestEffort runs one fault-isolated step. Errors and panics are logged and
// counted, never propagated, so a sequence of steps always runs to the end.
func BestEffort(step string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s: %v", step, r)
		}
		if err != nil {
			metricsInstance.errorsTotal.WithLabelValues(step, classifyError(err)).Inc()
			logger.Warn("Best-effort step failed",
				zap.String("step", step),
				zap.Error(err),
			)
		}
	}()
	return fn()
}

// classifyError classifies errors for better metrics
func classifyError(err error) string {
	if err == nil {
		return "none"
	}

	errMsg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errMsg, "timeout") || strings.Contains(errMsg, "deadline exceeded"):
		return "timeout"
	case strings.Contains(errMsg, "connection refused") || strings.Contains(errMsg, "network unreachable"):
		return "network"
	case strings.Contains(errMsg, "not connected") || strings.Contains(errMsg, "closed"):
		return "disconnected"
	case strings.Contains(errMsg, "no such host") || strings.Contains(errMsg, "dns"):
		return "dns"
	case strings.Contains(errMsg, "not found"):
		return "not_found"
	case strings.Contains(errMsg, "panic"):
		return "panic"
	default:
		return "unknown"
	}
}
