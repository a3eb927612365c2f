package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/PratikDhanave/tally/internal/ingest"
	"github.com/PratikDhanave/tally/internal/logging"
	"github.com/PratikDhanave/tally/internal/metrics"
	"github.com/PratikDhanave/tally/internal/models"
)

// Ingester is satisfied by *ingest.Service.
type Ingester interface {
	Ingest(ctx context.Context, req models.TrackRequest, meta ingest.Meta) (ingest.Result, error)
}

// TrackOptions configures the public ingestion route.
type TrackOptions struct {
	MaxBodyBytes int64
	Geo          ingest.GeoHeaders
}

// RegisterTrackRoutes registers the public ingestion endpoint.
//
// POST /api/track
// - No credentials; the write key in the body identifies the project
// - Body is parsed as JSON whatever the Content-Type (beacons send text/plain)
// - 204 for accepted and duplicate events, so client retries are safe
//
// OPTIONS /api/track answers the CORS pre-flight.
func RegisterTrackRoutes(r gin.IRoutes, svc Ingester, opts TrackOptions) {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 16 << 10
	}

	r.OPTIONS("/api/track", func(c *gin.Context) {
		trackHeaders(c)
		c.AbortWithStatus(http.StatusNoContent)
	})

	r.POST("/api/track", func(c *gin.Context) {
		trackHeaders(c)
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, opts.MaxBodyBytes)

		var req models.TrackRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			metrics.IngestRequests.WithLabelValues(ingest.Malformed.String()).Inc()
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}

		res, err := svc.Ingest(c.Request.Context(), req, ingest.Meta{
			UserAgent: c.Request.UserAgent(),
			Geo:       ingest.GeoFromHeaders(c.Request.Header, opts.Geo),
		})
		if err != nil {
			logging.Error().Err(err).
				Str("outcome", res.Outcome.String()).
				Str("write_key", logging.RedactKey(req.Key)).
				Msg("ingest failed")
		}

		status, msg := statusFor(res.Outcome)
		if msg == "" {
			c.AbortWithStatus(status)
			return
		}
		c.JSON(status, gin.H{"error": msg})
	})
}

// statusFor is the single mapping from ingestion outcome to HTTP response.
func statusFor(o ingest.Outcome) (int, string) {
	switch o {
	case ingest.Accepted, ingest.Duplicate:
		return http.StatusNoContent, ""
	case ingest.Malformed:
		return http.StatusBadRequest, "invalid request"
	case ingest.UnknownTenant:
		return http.StatusUnauthorized, "invalid key"
	case ingest.QuotaExceeded:
		return http.StatusTooManyRequests, "quota exceeded"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func trackHeaders(c *gin.Context) {
	h := c.Writer.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "POST, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type")
	h.Set("Cache-Control", "no-store")
}
