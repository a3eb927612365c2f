package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/quartz"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/PratikDhanave/tally/internal/auth"
	"github.com/PratikDhanave/tally/internal/config"
	"github.com/PratikDhanave/tally/internal/handlers"
	"github.com/PratikDhanave/tally/internal/ingest"
	"github.com/PratikDhanave/tally/internal/logging"
	"github.com/PratikDhanave/tally/internal/tracker"
)

// Pinger is a dependency checked by /ready.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators the router dispatches to.
type Deps struct {
	Ingest   handlers.Ingester
	Job      handlers.AggregateRunner
	Usage    handlers.UsageReader
	Stats    handlers.FreshnessReader
	Ready    map[string]Pinger
	Gatherer prometheus.Gatherer
	Clock    quartz.Clock
}

// NewRouter wires public endpoints and secret-guarded operator APIs.
// Public: /api/track, /tracker.js, /health, /ready, /health/aggregation, /metrics
// Bearer secret: /api/cron/aggregate, /api/admin/*
func NewRouter(cfg config.Config, d Deps) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	if d.Clock == nil {
		d.Clock = quartz.NewReal()
	}
	if d.Gatherer == nil {
		d.Gatherer = prometheus.DefaultGatherer
	}

	r := gin.New()
	r.Use(gin.Recovery(), logging.GinMiddleware())

	// Liveness: confirms the process is running.
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Readiness: confirms both stores are reachable.
	r.GET("/ready", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), time.Second)
		defer cancel()

		for name, p := range d.Ready {
			if err := p.Ping(ctx); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "dependency": name, "error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	r.GET("/tracker.js", tracker.Handler)

	handlers.RegisterTrackRoutes(r, d.Ingest, handlers.TrackOptions{
		MaxBodyBytes: cfg.HTTP.MaxBodyBytes,
		Geo:          ingest.GeoHeaders{Country: cfg.Geo.CountryHeader, City: cfg.Geo.CityHeader},
	})
	handlers.RegisterFreshnessRoute(r, d.Stats, d.Clock, cfg.Aggregation.StaleAfter)
	handlers.RegisterMetricRoutes(r, d.Gatherer)

	cron := r.Group("/")
	cron.Use(auth.BearerSecret(cfg.CronSecret, "cron"))
	handlers.RegisterAggregateRoutes(cron, d.Job, d.Clock, cfg.Aggregation.Timeout)

	admin := r.Group("/")
	admin.Use(auth.BearerSecret(cfg.CronSecret, "admin"))
	handlers.RegisterAdminRoutes(admin, d.Usage)

	return r
}
