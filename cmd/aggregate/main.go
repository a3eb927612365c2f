// Command aggregate runs one aggregation pass and exits. It is the manual and
// external-scheduler counterpart of the in-process cron.
//
//	aggregate                      # yesterday (UTC)
//	aggregate -date 2026-05-19
//	aggregate -today -project proj_123 -project proj_456
//
// The exit status is 2 for a bad or already expired window and 1 when the whole run
// failed; individual failed projects are listed on stdout and retried by the next run.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/goccy/go-json"

	"github.com/PratikDhanave/tally/internal/aggregate"
	"github.com/PratikDhanave/tally/internal/config"
	"github.com/PratikDhanave/tally/internal/logging"
	"github.com/PratikDhanave/tally/internal/store"
)

const triggerCLI = "cli"

type projectList []string

func (p *projectList) String() string { return strings.Join(*p, ",") }

func (p *projectList) Set(v string) error {
	*p = append(*p, v)
	return nil
}

func main() {
	var (
		configPath = flag.String("config", "", "YAML config file (default $"+config.PathEnvVar+")")
		date       = flag.String("date", "", "UTC day to aggregate, YYYY-MM-DD (default yesterday)")
		today      = flag.Bool("today", false, "aggregate the current UTC day")
		projects   projectList
	)
	flag.Var(&projects, "project", "restrict to a project id (repeatable)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	logging.Init(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})

	w, err := window(*date, *today, time.Now())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	w.ProjectIDs = projects

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, cfg.Aggregation.Timeout)
	defer cancel()

	report, err := run(ctx, cfg, w)
	out, _ := json.MarshalIndent(report, "", "  ")
	fmt.Println(string(out))
	switch {
	case errors.Is(err, aggregate.ErrBadWindow):
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	case err != nil:
		logging.Error().Err(err).Msg("aggregation failed")
		os.Exit(1)
	}
}

func window(date string, today bool, now time.Time) (aggregate.Window, error) {
	switch {
	case date != "" && today:
		return aggregate.Window{}, fmt.Errorf("-date and -today are mutually exclusive")
	case date != "":
		return aggregate.ParseDay(date)
	case today:
		return aggregate.Today(now), nil
	default:
		return aggregate.Yesterday(now), nil
	}
}

func run(ctx context.Context, cfg config.Config, w aggregate.Window) (aggregate.Report, error) {
	pg, err := store.NewPostgresStore(cfg.Postgres.URL)
	if err != nil {
		return aggregate.Report{}, err
	}
	defer pg.Close()
	if err := pg.EnsureSchema(ctx); err != nil {
		return aggregate.Report{}, err
	}

	events, err := store.NewEventStore(cfg.Mongo.URI, cfg.Mongo.Database, cfg.Mongo.Collection, cfg.Events.Retention)
	if err != nil {
		return aggregate.Report{}, err
	}
	defer func() { _ = events.Close(context.Background()) }()

	job := aggregate.NewJob(events, pg, cfg.Aggregation.Workers, aggregate.WithRetention(cfg.Events.Retention))
	return job.Run(ctx, triggerCLI, w)
}
