// Package quota gates ingestion on a per-organization monthly event budget.
//
// The gate is a single atomic conditional update in the store; this package adds the
// billing period computation, the fail-closed policy and a circuit breaker. A granted
// unit is never returned, even if the event write that follows fails: usage counts
// accepted attempts, not stored events.
package quota

import (
	"context"
	"errors"
	"time"

	"github.com/coder/quartz"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"

	"github.com/PratikDhanave/tally/internal/logging"
	"github.com/PratikDhanave/tally/internal/metrics"
)

// Counter is the storage primitive: charge one unit unless the budget for the period
// starting at periodStart is exhausted. It must be a single indivisible operation.
type Counter interface {
	ConsumeQuota(ctx context.Context, orgID string, periodStart time.Time) (bool, error)
}

// Config tunes the circuit breaker around the counter.
type Config struct {
	// BreakerFailures is the number of consecutive storage errors that opens the breaker.
	BreakerFailures uint32
	// BreakerTimeout is how long the breaker stays open before probing again.
	BreakerTimeout time.Duration
}

// Enforcer decides whether an organization may record one more event.
type Enforcer struct {
	counter Counter
	breaker *gobreaker.CircuitBreaker[bool]
	clock   quartz.Clock
	log     zerolog.Logger
}

// Option customizes an Enforcer.
type Option func(*Enforcer)

// WithClock overrides the clock used to find the current billing period.
func WithClock(c quartz.Clock) Option {
	return func(e *Enforcer) { e.clock = c }
}

// New builds an Enforcer over counter.
func New(counter Counter, cfg Config, opts ...Option) *Enforcer {
	e := &Enforcer{
		counter: counter,
		clock:   quartz.NewReal(),
		log:     logging.With("quota"),
	}
	for _, opt := range opts {
		opt(e)
	}

	failures := cfg.BreakerFailures
	if failures == 0 {
		failures = 5
	}
	e.breaker = gobreaker.NewCircuitBreaker[bool](gobreaker.Settings{
		Name:        "quota",
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		// A caller hanging up says nothing about the database.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			open := 0.0
			if to == gobreaker.StateOpen {
				open = 1
			}
			metrics.QuotaBreakerOpen.Set(open)
			e.log.Warn().Str("from", from.String()).Str("to", to.String()).Msg("quota breaker state changed")
		},
	})
	return e
}

// Allow charges one unit to orgID and reports whether the event may be accepted.
// Any failure to evaluate the budget, including an open breaker, is a denial.
func (e *Enforcer) Allow(ctx context.Context, orgID string) bool {
	start := PeriodStart(e.clock.Now())

	granted, err := e.breaker.Execute(func() (bool, error) {
		return e.counter.ConsumeQuota(ctx, orgID, start)
	})
	switch {
	case err != nil:
		metrics.QuotaDecisions.WithLabelValues("error").Inc()
		e.log.Error().Err(err).Str("org", orgID).Msg("quota check failed, denying")
		return false
	case !granted:
		metrics.QuotaDecisions.WithLabelValues("denied").Inc()
		return false
	default:
		metrics.QuotaDecisions.WithLabelValues("granted").Inc()
		return true
	}
}

// PeriodStart returns the first instant of t's calendar month in UTC.
func PeriodStart(t time.Time) time.Time {
	y, m, _ := t.UTC().Date()
	return time.Date(y, m, 1, 0, 0, 0, 0, time.UTC)
}
