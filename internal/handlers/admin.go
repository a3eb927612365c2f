package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/coder/quartz"
	"github.com/gin-gonic/gin"

	"github.com/PratikDhanave/tally/internal/models"
	"github.com/PratikDhanave/tally/internal/store"
)

// UsageReader reads an organization's quota counter.
type UsageReader interface {
	Usage(ctx context.Context, orgID string) (models.Usage, error)
}

// RegisterAdminRoutes registers operator reads. The group is expected to carry
// auth.BearerSecret.
//
// GET /api/admin/usage/:orgId
func RegisterAdminRoutes(r gin.IRoutes, usage UsageReader) {
	r.GET("/api/admin/usage/:orgId", func(c *gin.Context) {
		u, err := usage.Usage(c.Request.Context(), c.Param("orgId"))
		if errors.Is(err, store.ErrOrganizationNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "organization not found"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "db query failed"})
			return
		}
		c.JSON(http.StatusOK, u)
	})
}

// FreshnessReader reports when aggregated stats were last written.
type FreshnessReader interface {
	LatestAggregation(ctx context.Context) (time.Time, bool, error)
}

// RegisterFreshnessRoute registers GET /health/aggregation, which answers 503 when no
// stats row has been written within staleAfter. Load balancers should not use it;
// it is for alerting on a stalled scheduler.
func RegisterFreshnessRoute(r gin.IRoutes, stats FreshnessReader, clock quartz.Clock, staleAfter time.Duration) {
	r.GET("/health/aggregation", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		last, ok, err := stats.LatestAggregation(ctx)
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unknown", "error": err.Error()})
			return
		}
		if !ok {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "stale", "last_aggregated": nil})
			return
		}

		age := clock.Since(last)
		body := gin.H{"last_aggregated": last.UTC(), "age_seconds": int64(age.Seconds())}
		if age > staleAfter {
			body["status"] = "stale"
			c.JSON(http.StatusServiceUnavailable, body)
			return
		}
		body["status"] = "ok"
		c.JSON(http.StatusOK, body)
	})
}
