package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/PratikDhanave/tally/internal/aggregate"
	"github.com/PratikDhanave/tally/internal/config"
	"github.com/PratikDhanave/tally/internal/httpserver"
	"github.com/PratikDhanave/tally/internal/ingest"
	"github.com/PratikDhanave/tally/internal/logging"
	"github.com/PratikDhanave/tally/internal/quota"
	"github.com/PratikDhanave/tally/internal/scheduler"
	"github.com/PratikDhanave/tally/internal/store"
)

// main boots the service: config → stores → schema/indexes → supervised HTTP server and scheduler.
func main() {
	configPath := flag.String("config", "", "YAML config file (default $"+config.PathEnvVar+")")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.Fatal().Err(err).Msg("invalid configuration")
	}
	logging.Init(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logging.Fatal().Err(err).Msg("server exited")
	}
	logging.Info().Msg("server stopped")
}

func run(ctx context.Context, cfg config.Config) error {
	// Relational store: tenants, quota counters, daily stats.
	pg, err := store.NewPostgresStore(cfg.Postgres.URL)
	if err != nil {
		return err
	}
	defer pg.Close()

	// Raw events live in MongoDB with a TTL index.
	events, err := store.NewEventStore(cfg.Mongo.URI, cfg.Mongo.Database, cfg.Mongo.Collection, cfg.Events.Retention)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = events.Close(closeCtx)
	}()

	// Ensure tables and indexes exist so `docker compose up --build` is enough.
	setupCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := pg.EnsureSchema(setupCtx); err != nil {
		return err
	}
	if err := events.EnsureIndexes(setupCtx); err != nil {
		return err
	}

	gate := quota.New(pg, quota.Config{
		BreakerFailures: cfg.Quota.BreakerFailures,
		BreakerTimeout:  cfg.Quota.BreakerTimeout,
	})
	job := aggregate.NewJob(events, pg, cfg.Aggregation.Workers, aggregate.WithRetention(cfg.Events.Retention))

	sched, err := scheduler.New(job, scheduler.Config{
		Schedule:         cfg.Aggregation.Schedule,
		IntradaySchedule: cfg.Aggregation.IntradaySchedule,
		Timeout:          cfg.Aggregation.Timeout,
	})
	if err != nil {
		return err
	}

	router := httpserver.NewRouter(cfg, httpserver.Deps{
		Ingest: ingest.NewService(pg, gate, events),
		Job:    job,
		Usage:  pg,
		Stats:  pg,
		Ready: map[string]httpserver.Pinger{
			"postgres": pg,
			"mongo":    events,
		},
	})
	// The cron route outlives http.write_timeout: allow the run plus time to write its report.
	handler := httpserver.ExtendDeadlines(router, "/api/cron/", cfg.Aggregation.Timeout+cfg.HTTP.WriteTimeout)
	srv := httpserver.NewService(cfg.HTTP, handler)
	if _, err := srv.Listen(); err != nil {
		return err
	}

	sup := suture.New("tally", suture.Spec{
		EventHook: logging.SutureHook(),
		Timeout:   cfg.HTTP.ShutdownTimeout + 5*time.Second,
	})
	sup.Add(srv)
	sup.Add(sched)

	err = sup.Serve(ctx)
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("supervisor: %w", err)
	}
	return nil
}
