// Package storetest provides an in-memory store with the same contracts as the
// Postgres and MongoDB stores, for tests that do not need a database.
package storetest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/PratikDhanave/tally/internal/models"
	"github.com/PratikDhanave/tally/internal/store"
)

// Org is a seeded quota counter.
type Org struct {
	ID           string
	PlanTier     string
	MonthlyLimit int64
	CurrentUsage int64
	LastReset    time.Time
}

type statKey struct {
	project string
	day     string
}

// Memory implements the tenant directory, quota counter, event store and stats store.
// Each method holds one mutex for its whole duration, which gives ConsumeQuota the same
// indivisibility the SQL statement has.
type Memory struct {
	mu       sync.Mutex
	orgs     map[string]*Org
	projects map[string]models.Tenant // write key -> tenant
	events   map[string]models.Event  // projectId/eventId -> event
	stats    map[statKey]models.DailyStat
	updated  time.Time

	// Retention, when set, hides events older than Now()-Retention from ScanEvents the
	// way the Mongo store's read clamp and TTL index do.
	Retention time.Duration
	Now       func() time.Time

	// Fault injection.
	ResolveErr error
	QuotaErr   error
	InsertErr  error
	ScanErr    error
	UpsertErr  map[string]error // by project id

	QuotaCalls  int
	InsertCalls int
	UpsertCalls int
}

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{
		orgs:      map[string]*Org{},
		projects:  map[string]models.Tenant{},
		events:    map[string]models.Event{},
		stats:     map[statKey]models.DailyStat{},
		UpsertErr: map[string]error{},
		Now:       time.Now,
	}
}

// AddOrg seeds an organization.
func (m *Memory) AddOrg(o Org) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o.PlanTier == "" {
		o.PlanTier = "free"
	}
	m.orgs[o.ID] = &o
}

// AddProject seeds a project under an existing organization.
func (m *Memory) AddProject(projectID, orgID, writeKey string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.projects[writeKey] = models.Tenant{ProjectID: projectID, OrgID: orgID}
}

// Org returns a copy of the organization's counter.
func (m *Memory) Org(id string) Org {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.orgs[id]
}

func (m *Memory) ResolveWriteKey(_ context.Context, writeKey string) (models.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ResolveErr != nil {
		return models.Tenant{}, m.ResolveErr
	}
	t, ok := m.projects[writeKey]
	if !ok {
		return models.Tenant{}, store.ErrUnknownWriteKey
	}
	if o, ok := m.orgs[t.OrgID]; ok {
		t.MonthlyLimit = o.MonthlyLimit
		t.PlanTier = o.PlanTier
	}
	return t, nil
}

func (m *Memory) ConsumeQuota(_ context.Context, orgID string, periodStart time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.QuotaCalls++
	if m.QuotaErr != nil {
		return false, m.QuotaErr
	}
	o, ok := m.orgs[orgID]
	if !ok {
		return false, nil
	}
	switch {
	case o.LastReset.Before(periodStart):
		o.CurrentUsage = 1
		o.LastReset = periodStart
		return true, nil
	case o.CurrentUsage < o.MonthlyLimit:
		o.CurrentUsage++
		return true, nil
	default:
		return false, nil
	}
}

func (m *Memory) Usage(_ context.Context, orgID string) (models.Usage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orgs[orgID]
	if !ok {
		return models.Usage{}, store.ErrOrganizationNotFound
	}
	u := models.Usage{
		OrgID:     o.ID,
		PlanTier:  o.PlanTier,
		Used:      o.CurrentUsage,
		Limit:     o.MonthlyLimit,
		Remaining: max(o.MonthlyLimit-o.CurrentUsage, 0),
		LastReset: o.LastReset,
	}
	if o.MonthlyLimit > 0 {
		u.PercentUsed = int((o.CurrentUsage*100 + o.MonthlyLimit/2) / o.MonthlyLimit)
	}
	return u, nil
}

func (m *Memory) InsertEvent(_ context.Context, ev models.Event) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.InsertCalls++
	if m.InsertErr != nil {
		return false, m.InsertErr
	}
	k := ev.ProjectID + "/" + ev.EventID
	if _, dup := m.events[k]; dup {
		return false, nil
	}
	m.events[k] = ev
	return true, nil
}

func (m *Memory) ScanEvents(ctx context.Context, from, to time.Time, projectIDs []string, fn func(*models.Event) error) error {
	m.mu.Lock()
	if m.ScanErr != nil {
		m.mu.Unlock()
		return m.ScanErr
	}
	want := map[string]bool{}
	for _, id := range projectIDs {
		want[id] = true
	}
	if m.Retention > 0 {
		if horizon := m.Now().Add(-m.Retention); from.Before(horizon) {
			from = horizon
		}
	}
	var out []models.Event
	for _, ev := range m.events {
		if ev.Timestamp.Before(from) || !ev.Timestamp.Before(to) {
			continue
		}
		if len(want) > 0 && !want[ev.ProjectID] {
			continue
		}
		out = append(out, ev)
	}
	m.mu.Unlock()

	for i := range out {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(&out[i]); err != nil {
			return err
		}
	}
	return nil
}

// Events returns every stored event ordered by project and event id.
func (m *Memory) Events() []models.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Event, 0, len(m.events))
	for _, ev := range m.events {
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ProjectID != out[j].ProjectID {
			return out[i].ProjectID < out[j].ProjectID
		}
		return out[i].EventID < out[j].EventID
	})
	return out
}

func (m *Memory) UpsertDailyStat(_ context.Context, s models.DailyStat) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.UpsertCalls++
	if err := m.UpsertErr[s.ProjectID]; err != nil {
		return err
	}
	s.Aggregated = true
	m.stats[statKey{s.ProjectID, s.Date.UTC().Format(time.DateOnly)}] = s
	m.updated = time.Now()
	return nil
}

func (m *Memory) GetDailyStat(_ context.Context, projectID string, date time.Time) (models.DailyStat, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stats[statKey{projectID, date.UTC().Format(time.DateOnly)}]
	return s, ok, nil
}

func (m *Memory) LatestAggregation(context.Context) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updated, !m.updated.IsZero(), nil
}

// SetLatestAggregation overrides the value returned by LatestAggregation.
func (m *Memory) SetLatestAggregation(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updated = t
}

func (m *Memory) Ping(context.Context) error { return nil }
