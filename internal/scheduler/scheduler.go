// Package scheduler fires the aggregation job on a cron schedule under a suture supervisor.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/coder/quartz"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/PratikDhanave/tally/internal/aggregate"
	"github.com/PratikDhanave/tally/internal/logging"
)

const (
	TriggerScheduled = "scheduled"
	TriggerIntraday  = "intraday"
)

// Runner runs one aggregation window. Satisfied by *aggregate.Job.
type Runner interface {
	Run(ctx context.Context, trigger string, w aggregate.Window) (aggregate.Report, error)
}

// Config selects when runs fire. Schedules are standard 5-field cron expressions in UTC.
type Config struct {
	Schedule         string
	IntradaySchedule string
	Timeout          time.Duration
}

// Scheduler is a suture.Service.
type Scheduler struct {
	runner Runner
	cfg    Config
	clock  quartz.Clock
	log    zerolog.Logger
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithClock overrides the clock used to pick the day to aggregate.
func WithClock(c quartz.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// New validates the schedules and returns a Scheduler.
func New(runner Runner, cfg Config, opts ...Option) (*Scheduler, error) {
	if _, err := cron.ParseStandard(cfg.Schedule); err != nil {
		return nil, fmt.Errorf("schedule %q: %w", cfg.Schedule, err)
	}
	if cfg.IntradaySchedule != "" {
		if _, err := cron.ParseStandard(cfg.IntradaySchedule); err != nil {
			return nil, fmt.Errorf("intraday schedule %q: %w", cfg.IntradaySchedule, err)
		}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Minute
	}
	s := &Scheduler{
		runner: runner,
		cfg:    cfg,
		clock:  quartz.NewReal(),
		log:    logging.With("scheduler"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Serve implements suture.Service. It blocks until ctx is cancelled, then waits for
// an in-flight run to observe the cancellation and return.
func (s *Scheduler) Serve(ctx context.Context) error {
	l := cronLogger{s.log}
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(l),
		cron.WithChain(cron.Recover(l), cron.SkipIfStillRunning(l)),
	)

	if _, err := c.AddFunc(s.cfg.Schedule, func() { s.RunDaily(ctx) }); err != nil {
		return fmt.Errorf("add daily job: %w", err)
	}
	if s.cfg.IntradaySchedule != "" {
		if _, err := c.AddFunc(s.cfg.IntradaySchedule, func() { s.RunIntraday(ctx) }); err != nil {
			return fmt.Errorf("add intraday job: %w", err)
		}
	}

	c.Start()
	s.log.Info().
		Str("schedule", s.cfg.Schedule).
		Str("intraday_schedule", s.cfg.IntradaySchedule).
		Time("next_run", c.Entries()[0].Next).
		Msg("aggregation scheduler started")

	<-ctx.Done()
	<-c.Stop().Done()
	return ctx.Err()
}

// RunDaily aggregates the last complete UTC day.
func (s *Scheduler) RunDaily(ctx context.Context) {
	s.run(ctx, TriggerScheduled, aggregate.Yesterday(s.clock.Now()))
}

// RunIntraday refreshes the current UTC day.
func (s *Scheduler) RunIntraday(ctx context.Context) {
	s.run(ctx, TriggerIntraday, aggregate.Today(s.clock.Now()))
}

func (s *Scheduler) run(ctx context.Context, trigger string, w aggregate.Window) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	// The job logs its own summary; failures are retried by the next tick.
	_, _ = s.runner.Run(ctx, trigger, w)
}

func (s *Scheduler) String() string { return "aggregation-scheduler" }

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
