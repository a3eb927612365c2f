// Package aggregate compacts a day of raw events into per-project DailyStat rows.
//
// Rows are upserted with replace semantics, so running the job again for the same day
// and the same raw events leaves the stats unchanged. The job must run inside the raw
// event retention window; see config.CheckRetentionCoversAggregation.
package aggregate

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/PratikDhanave/tally/internal/logging"
	"github.com/PratikDhanave/tally/internal/metrics"
	"github.com/PratikDhanave/tally/internal/models"
)

// EventSource streams raw events with timestamp in [from, to).
type EventSource interface {
	ScanEvents(ctx context.Context, from, to time.Time, projectIDs []string, fn func(*models.Event) error) error
}

// StatsWriter upserts one DailyStat, replacing any existing row for (project, date).
type StatsWriter interface {
	UpsertDailyStat(ctx context.Context, s models.DailyStat) error
}

// Report summarizes one run.
type Report struct {
	Day      time.Time `json:"date"`
	Events   int       `json:"events_processed"`
	Projects int       `json:"projects_processed"`
	Failed   []string  `json:"failed_projects,omitempty"`
}

// Job runs aggregation windows.
type Job struct {
	events    EventSource
	stats     StatsWriter
	workers   int
	retention time.Duration
	clock     quartz.Clock
	log       zerolog.Logger
}

// Option customizes a Job.
type Option func(*Job)

// WithRetention makes the job refuse windows that start before now-d. Raw events older
// than that are already gone, and replacing a complete row with a tally of the
// surviving remainder would lose counts.
func WithRetention(d time.Duration) Option {
	return func(j *Job) { j.retention = d }
}

// WithClock overrides the clock used for the retention horizon.
func WithClock(c quartz.Clock) Option {
	return func(j *Job) { j.clock = c }
}

// NewJob builds a Job that writes up to workers projects concurrently.
func NewJob(events EventSource, stats StatsWriter, workers int, opts ...Option) *Job {
	if workers < 1 {
		workers = 1
	}
	j := &Job{
		events:  events,
		stats:   stats,
		workers: workers,
		clock:   quartz.NewReal(),
		log:     logging.With("aggregate"),
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Run aggregates w. trigger labels the run in logs and metrics (scheduled, intraday,
// http, cli).
//
// A failing project is logged and listed in the report but does not stop the others;
// the next run retries it. An error is returned only when the whole run failed: a bad
// or expired window, a failed scan, or cancellation. An interrupted run can simply be repeated.
func (j *Job) Run(ctx context.Context, trigger string, w Window) (Report, error) {
	start := time.Now()
	report, err := j.run(ctx, w)

	status := "ok"
	switch {
	case err != nil:
		status = "error"
	case len(report.Failed) > 0:
		status = "partial"
	}
	metrics.AggregationRuns.WithLabelValues(trigger, status).Inc()
	metrics.AggregationDuration.Observe(time.Since(start).Seconds())

	ev := j.log.Info()
	if err != nil {
		ev = j.log.Error().Err(err)
	}
	ev.Str("trigger", trigger).
		Str("date", w.From.Format(time.DateOnly)).
		Int("events", report.Events).
		Int("projects", report.Projects).
		Int("failed", len(report.Failed)).
		Dur("took", time.Since(start)).
		Msg("aggregation finished")

	return report, err
}

func (j *Job) run(ctx context.Context, w Window) (Report, error) {
	if err := w.Validate(); err != nil {
		return Report{}, err
	}
	if j.retention > 0 {
		if horizon := j.clock.Now().Add(-j.retention); w.From.Before(horizon) {
			return Report{}, fmt.Errorf("%w: %s starts before the raw event retention horizon %s",
				ErrBadWindow, w.From.Format(time.DateOnly), horizon.UTC().Format(time.RFC3339))
		}
	}
	report := Report{Day: w.From}

	groups := map[string][]*models.Event{}
	err := j.events.ScanEvents(ctx, w.From, w.To, w.ProjectIDs, func(ev *models.Event) error {
		groups[ev.ProjectID] = append(groups[ev.ProjectID], ev)
		report.Events++
		return nil
	})
	if err != nil {
		return report, fmt.Errorf("scan events: %w", err)
	}
	metrics.AggregationEvents.Add(float64(report.Events))

	projects := make([]string, 0, len(groups))
	for id := range groups {
		projects = append(projects, id)
	}
	sort.Strings(projects)

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(j.workers)

	for _, id := range projects {
		if ctx.Err() != nil {
			break
		}
		events := groups[id]
		g.Go(func() error {
			stat := Tally(id, w.From, events)
			err := j.stats.UpsertDailyStat(ctx, stat)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed = append(report.Failed, id)
				metrics.AggregationProjectFailures.Inc()
				j.log.Error().Err(err).Str("project", id).Msg("project aggregation failed, will retry next run")
				return nil
			}
			report.Projects++
			return nil
		})
	}
	_ = g.Wait()

	sort.Strings(report.Failed)
	if err := ctx.Err(); err != nil {
		return report, fmt.Errorf("aggregation interrupted: %w", err)
	}
	return report, nil
}
