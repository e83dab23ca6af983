package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"
)

// Outcome tells the guard how to treat a failed call. Retry drives the
// backoff loop, CountsAsFailure drives the circuit breaker; a permission or
// validation error should set neither.
type Outcome struct {
	Retry           bool
	CountsAsFailure bool
}

type Classifier func(err error) Outcome

func conservativeClassifier(error) Outcome {
	return Outcome{Retry: false, CountsAsFailure: true}
}

// Guard wraps every call to one backend with bounded retries and a circuit
// breaker. One guard per backend client; retrieval branches through an open
// breaker fail fast instead of burning their per-call timeout.
type Guard struct {
	name     string
	policy   Policy
	classify Classifier
	breaker  *gobreaker.CircuitBreaker[any]
}

func NewGuard(name string, policy Policy, classify Classifier) *Guard {
	policy = policy.normalize()
	if classify == nil {
		classify = conservativeClassifier
	}

	g := &Guard{name: name, policy: policy, classify: classify}
	if policy.BreakerEnabled {
		g.breaker = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
			Name:        name,
			MaxRequests: policy.BreakerHalfOpenMaxCalls,
			Timeout:     policy.BreakerOpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				if counts.Requests < policy.BreakerMinRequests {
					return false
				}
				ratio := float64(counts.TotalFailures) / float64(counts.Requests)
				return ratio >= policy.BreakerFailureRatio
			},
			IsSuccessful: func(err error) bool {
				return err == nil || !classify(err).CountsAsFailure
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				slog.Warn("circuit_breaker_state_change",
					"backend", name,
					"from", from.String(),
					"to", to.String(),
				)
			},
		})
	}
	return g
}

func (g *Guard) Do(ctx context.Context, fn func(context.Context) error) error {
	if fn == nil {
		return fmt.Errorf("resilience: nil call for backend %s", g.name)
	}
	if g.breaker == nil {
		return g.withRetry(ctx, fn)
	}
	_, err := g.breaker.Execute(func() (any, error) {
		return nil, g.withRetry(ctx, fn)
	})
	return err
}

func (g *Guard) withRetry(ctx context.Context, fn func(context.Context) error) error {
	delay := g.policy.RetryBaseDelay

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		if attempt >= g.policy.RetryAttempts || !g.classify(err).Retry {
			return err
		}

		slog.Warn("backend_retry",
			"backend", g.name,
			"attempt", attempt,
			"delay_ms", delay.Milliseconds(),
			"error", err,
		)
		if !sleepCtx(ctx, delay) {
			return err
		}
		delay = min(2*delay, g.policy.RetryMaxDelay)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func IsCircuitOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
