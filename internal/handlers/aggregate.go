package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/coder/quartz"
	"github.com/gin-gonic/gin"

	"github.com/PratikDhanave/tally/internal/aggregate"
)

// TriggerHTTP labels runs started through the cron endpoint.
const TriggerHTTP = "http"

// AggregateRunner is satisfied by *aggregate.Job.
type AggregateRunner interface {
	Run(ctx context.Context, trigger string, w aggregate.Window) (aggregate.Report, error)
}

// RegisterAggregateRoutes registers the aggregation trigger. The group is expected to
// carry auth.BearerSecret.
//
// GET|POST /api/cron/aggregate?date=YYYY-MM-DD&scope=today&project=<id>...
// - No date and no scope: yesterday (UTC), what the daily schedule runs
// - scope=today: the still-open current day
// - project (repeatable): restrict to those projects
func RegisterAggregateRoutes(r gin.IRoutes, job AggregateRunner, clock quartz.Clock, timeout time.Duration) {
	h := func(c *gin.Context) {
		date, scope := c.Query("date"), c.Query("scope")

		var (
			w   aggregate.Window
			err error
		)
		switch {
		case date != "" && scope != "":
			c.JSON(http.StatusBadRequest, gin.H{"error": "date and scope are mutually exclusive"})
			return
		case date != "":
			w, err = aggregate.ParseDay(date)
		case scope == "today":
			w = aggregate.Today(clock.Now())
		case scope == "" || scope == "yesterday":
			w = aggregate.Yesterday(clock.Now())
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "scope must be today or yesterday"})
			return
		}
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		w.ProjectIDs = c.QueryArray("project")

		ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
		defer cancel()

		report, err := job.Run(ctx, TriggerHTTP, w)
		switch {
		case errors.Is(err, aggregate.ErrBadWindow):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case err != nil:
			c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error(), "report": report})
		default:
			c.JSON(http.StatusOK, gin.H{"success": true, "report": report})
		}
	}

	r.GET("/api/cron/aggregate", h)
	r.POST("/api/cron/aggregate", h)
}
