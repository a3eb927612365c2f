// Package ingest accepts one analytics event: validate, resolve the tenant, charge
// quota, enrich and persist. Requests share no in-process state.
package ingest

import (
	"context"
	"errors"

	"github.com/coder/quartz"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/PratikDhanave/tally/internal/logging"
	"github.com/PratikDhanave/tally/internal/metrics"
	"github.com/PratikDhanave/tally/internal/models"
	"github.com/PratikDhanave/tally/internal/store"
)

// Outcome is the terminal result of one ingestion call.
type Outcome int

const (
	Accepted Outcome = iota
	Duplicate
	Malformed
	UnknownTenant
	QuotaExceeded
	InternalFault
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case Duplicate:
		return "duplicate"
	case Malformed:
		return "malformed"
	case UnknownTenant:
		return "unknown_tenant"
	case QuotaExceeded:
		return "quota_exceeded"
	default:
		return "internal_fault"
	}
}

// TenantResolver maps a write key to its tenant. store.ErrUnknownWriteKey means no match.
type TenantResolver interface {
	ResolveWriteKey(ctx context.Context, writeKey string) (models.Tenant, error)
}

// Gate charges one unit of quota. false means the event must be rejected.
type Gate interface {
	Allow(ctx context.Context, orgID string) bool
}

// EventWriter persists an event; inserted is false for an already-stored identifier.
type EventWriter interface {
	InsertEvent(ctx context.Context, ev models.Event) (inserted bool, err error)
}

// Meta is request metadata supplied by the transport.
type Meta struct {
	UserAgent string
	Geo       models.Geo
}

// Result reports what happened to one call.
type Result struct {
	Outcome Outcome
	EventID string
}

// Service runs the ingestion pipeline.
type Service struct {
	tenants TenantResolver
	gate    Gate
	events  EventWriter
	clock   quartz.Clock
	log     zerolog.Logger
}

// Option customizes a Service.
type Option func(*Service)

// WithClock overrides the clock used to timestamp events.
func WithClock(c quartz.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// NewService wires the pipeline stages.
func NewService(tenants TenantResolver, gate Gate, events EventWriter, opts ...Option) *Service {
	s := &Service{
		tenants: tenants,
		gate:    gate,
		events:  events,
		clock:   quartz.NewReal(),
		log:     logging.With("ingest"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ingest processes one request. Retrying with the same eventId is safe: the second
// call is reported as Duplicate and stores nothing. The returned error is set only
// for InternalFault.
func (s *Service) Ingest(ctx context.Context, req models.TrackRequest, meta Meta) (Result, error) {
	res, err := s.ingest(ctx, req, meta)
	metrics.IngestRequests.WithLabelValues(res.Outcome.String()).Inc()
	return res, err
}

func (s *Service) ingest(ctx context.Context, req models.TrackRequest, meta Meta) (Result, error) {
	if req.Key == "" || req.URL == "" || !models.ValidEventName(req.Name) {
		return Result{Outcome: Malformed}, nil
	}

	tenant, err := s.tenants.ResolveWriteKey(ctx, req.Key)
	if errors.Is(err, store.ErrUnknownWriteKey) {
		s.log.Warn().Str("write_key", logging.RedactKey(req.Key)).Msg("unknown write key")
		return Result{Outcome: UnknownTenant}, nil
	}
	if err != nil {
		return Result{Outcome: InternalFault}, err
	}

	if !s.gate.Allow(ctx, tenant.OrgID) {
		return Result{Outcome: QuotaExceeded}, nil
	}

	eventID := req.EventID
	if eventID == "" {
		eventID = uuid.NewString()
	}

	geo := meta.Geo
	if geo.Country == "" {
		geo.Country = models.UnknownBucket
	}

	ev := models.Event{
		ProjectID: tenant.ProjectID,
		EventID:   eventID,
		Name:      req.Name,
		Properties: models.Properties{
			URL:      req.URL,
			Referrer: req.Referrer,
			Screen:   req.Screen,
			Language: req.Language,
			Browser:  BrowserFromUA(meta.UserAgent),
		},
		Geo:       geo,
		Timestamp: s.clock.Now().UTC(),
	}

	inserted, err := s.events.InsertEvent(ctx, ev)
	if err != nil {
		// The quota unit stays charged; usage reflects accepted attempts.
		return Result{Outcome: InternalFault, EventID: eventID}, err
	}
	if !inserted {
		return Result{Outcome: Duplicate, EventID: eventID}, nil
	}
	return Result{Outcome: Accepted, EventID: eventID}, nil
}
