package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/PratikDhanave/tally/internal/models"
)

// schemaSQL is embedded so the service can self-bootstrap its database schema.
//
//go:embed schema.sql
var schemaSQL string

var (
	// ErrUnknownWriteKey is returned when a write key maps to no project.
	ErrUnknownWriteKey = errors.New("unknown write key")
	// ErrOrganizationNotFound is returned by usage lookups for a missing organization.
	ErrOrganizationNotFound = errors.New("organization not found")
)

// PostgresStore holds the tenant directory, quota counters and daily stats.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a connection pool and fails fast if DB is unreachable.
func NewPostgresStore(dbURL string) (*PostgresStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		return nil, fmt.Errorf("pgxpool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

// EnsureSchema applies schema.sql. Safe to run multiple times.
func (p *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, schemaSQL)
	return err
}

// Ping is used by readiness endpoint to validate DB connectivity.
func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Close shuts down the connection pool.
func (p *PostgresStore) Close() {
	p.pool.Close()
}

// ResolveWriteKey maps a project write key to its project, organization and limit.
func (p *PostgresStore) ResolveWriteKey(ctx context.Context, writeKey string) (models.Tenant, error) {
	var t models.Tenant
	err := p.pool.QueryRow(ctx, `
		SELECT p.id, p.org_id, o.monthly_limit, o.plan_tier
		FROM projects p
		JOIN organizations o ON o.id = p.org_id
		WHERE p.write_key = $1
	`, writeKey).Scan(&t.ProjectID, &t.OrgID, &t.MonthlyLimit, &t.PlanTier)

	if errors.Is(err, pgx.ErrNoRows) {
		return models.Tenant{}, ErrUnknownWriteKey
	}
	if err != nil {
		return models.Tenant{}, fmt.Errorf("resolve write key: %w", err)
	}
	return t, nil
}

// ConsumeQuota charges one unit against the organization's monthly budget.
//
// Check and increment are a single conditional UPDATE: it matches only while usage is
// below the limit, or when last_reset predates periodStart, in which case usage restarts
// at 1 and last_reset moves to periodStart in the same statement. Concurrent callers
// racing for the last unit are serialized by the row lock, so at most one matches.
func (p *PostgresStore) ConsumeQuota(ctx context.Context, orgID string, periodStart time.Time) (bool, error) {
	tag, err := p.pool.Exec(ctx, `
		UPDATE organizations
		SET
			current_usage = CASE WHEN last_reset < $2 THEN 1 ELSE current_usage + 1 END,
			last_reset    = CASE WHEN last_reset < $2 THEN $2 ELSE last_reset END
		WHERE id = $1
		  AND (last_reset < $2 OR current_usage < monthly_limit)
	`, orgID, periodStart)
	if err != nil {
		return false, fmt.Errorf("consume quota: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Usage returns the organization's quota counter.
func (p *PostgresStore) Usage(ctx context.Context, orgID string) (models.Usage, error) {
	u := models.Usage{OrgID: orgID}
	err := p.pool.QueryRow(ctx, `
		SELECT plan_tier, current_usage, monthly_limit, last_reset
		FROM organizations
		WHERE id = $1
	`, orgID).Scan(&u.PlanTier, &u.Used, &u.Limit, &u.LastReset)

	if errors.Is(err, pgx.ErrNoRows) {
		return models.Usage{}, ErrOrganizationNotFound
	}
	if err != nil {
		return models.Usage{}, fmt.Errorf("usage: %w", err)
	}

	u.Remaining = max(u.Limit-u.Used, 0)
	if u.Limit > 0 {
		u.PercentUsed = int((u.Used*100 + u.Limit/2) / u.Limit)
	}
	return u, nil
}

// UpsertDailyStat writes the row for (project, date), replacing every dimension map
// if the row already exists. Re-running with the same tallies leaves the row unchanged.
func (p *PostgresStore) UpsertDailyStat(ctx context.Context, s models.DailyStat) error {
	maps := make([][]byte, 0, 5)
	for _, c := range []models.Counts{s.PageViews, s.Countries, s.Browsers, s.Screens, s.Referrers} {
		if c == nil {
			c = models.Counts{}
		}
		b, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("encode counts: %w", err)
		}
		maps = append(maps, b)
	}

	_, err := p.pool.Exec(ctx, `
		INSERT INTO daily_stats (project_id, date, page_views, countries, browsers, screens, referrers, aggregated, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, true, now())
		ON CONFLICT (project_id, date) DO UPDATE SET
			page_views = EXCLUDED.page_views,
			countries  = EXCLUDED.countries,
			browsers   = EXCLUDED.browsers,
			screens    = EXCLUDED.screens,
			referrers  = EXCLUDED.referrers,
			aggregated = true,
			updated_at = EXCLUDED.updated_at
	`, s.ProjectID, dateOnly(s.Date), maps[0], maps[1], maps[2], maps[3], maps[4])
	if err != nil {
		return fmt.Errorf("upsert daily stat %s/%s: %w", s.ProjectID, dateOnly(s.Date).Format(time.DateOnly), err)
	}
	return nil
}

// GetDailyStat reads one aggregate row. ok is false when the row does not exist.
func (p *PostgresStore) GetDailyStat(ctx context.Context, projectID string, date time.Time) (models.DailyStat, bool, error) {
	s := models.DailyStat{ProjectID: projectID}
	var raw [5][]byte
	err := p.pool.QueryRow(ctx, `
		SELECT date, page_views, countries, browsers, screens, referrers, aggregated
		FROM daily_stats
		WHERE project_id = $1 AND date = $2
	`, projectID, dateOnly(date)).Scan(&s.Date, &raw[0], &raw[1], &raw[2], &raw[3], &raw[4], &s.Aggregated)

	if errors.Is(err, pgx.ErrNoRows) {
		return models.DailyStat{}, false, nil
	}
	if err != nil {
		return models.DailyStat{}, false, fmt.Errorf("get daily stat: %w", err)
	}

	dst := []*models.Counts{&s.PageViews, &s.Countries, &s.Browsers, &s.Screens, &s.Referrers}
	for i, b := range raw {
		if err := json.Unmarshal(b, dst[i]); err != nil {
			return models.DailyStat{}, false, fmt.Errorf("decode counts: %w", err)
		}
	}
	return s, true, nil
}

// LatestAggregation returns when the most recent aggregated row was written.
func (p *PostgresStore) LatestAggregation(ctx context.Context) (time.Time, bool, error) {
	var ts *time.Time
	err := p.pool.QueryRow(ctx, `
		SELECT max(updated_at) FROM daily_stats WHERE aggregated
	`).Scan(&ts)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("latest aggregation: %w", err)
	}
	if ts == nil {
		return time.Time{}, false, nil
	}
	return *ts, true, nil
}

func dateOnly(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
