package handlers_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PratikDhanave/tally/internal/aggregate"
	"github.com/PratikDhanave/tally/internal/handlers"
	"github.com/PratikDhanave/tally/internal/ingest"
	"github.com/PratikDhanave/tally/internal/models"
	"github.com/PratikDhanave/tally/internal/quota"
	"github.com/PratikDhanave/tally/internal/store/storetest"
)

var now = time.Date(2026, 5, 20, 9, 30, 0, 0, time.UTC)

func mockClock(t *testing.T) *quartz.Mock {
	clock := quartz.NewMock(t)
	clock.Set(now)
	return clock
}

func trackRouter(t *testing.T, limit, used int64) (*gin.Engine, *storetest.Memory) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	clock := mockClock(t)

	mem := storetest.NewMemory()
	mem.AddOrg(storetest.Org{ID: "org-1", MonthlyLimit: limit, CurrentUsage: used, LastReset: quota.PeriodStart(now)})
	mem.AddProject("proj-1", "org-1", "wk_live_abcdef")

	gate := quota.New(mem, quota.Config{BreakerTimeout: time.Minute}, quota.WithClock(clock))
	svc := ingest.NewService(mem, gate, mem, ingest.WithClock(clock))

	r := gin.New()
	handlers.RegisterTrackRoutes(r, svc, handlers.TrackOptions{
		MaxBodyBytes: 1024,
		Geo:          ingest.GeoHeaders{Country: "X-Vercel-IP-Country", City: "X-Vercel-IP-City"},
	})
	return r, mem
}

func do(r http.Handler, method, target, body string, hdr map[string]string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func assertTrackHeaders(t *testing.T, w *httptest.ResponseRecorder) {
	t.Helper()
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "POST, OPTIONS", w.Header().Get("Access-Control-Allow-Methods"))
	assert.Equal(t, "Content-Type", w.Header().Get("Access-Control-Allow-Headers"))
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
}

func TestTrack_StatusMapping(t *testing.T) {
	cases := []struct {
		name string
		used int64
		body string
		want int
	}{
		{"accepted", 0, `{"key":"wk_live_abcdef","name":"pageview","url":"/"}`, http.StatusNoContent},
		{"malformed json", 0, `{"key":`, http.StatusBadRequest},
		{"missing url", 0, `{"key":"wk_live_abcdef","name":"pageview"}`, http.StatusBadRequest},
		{"unknown name", 0, `{"key":"wk_live_abcdef","name":"purchase","url":"/"}`, http.StatusBadRequest},
		{"unknown key", 0, `{"key":"wk_nope","name":"pageview","url":"/"}`, http.StatusUnauthorized},
		{"quota exceeded", 10, `{"key":"wk_live_abcdef","name":"click","url":"/"}`, http.StatusTooManyRequests},
		{"oversized body", 0, `{"key":"wk_live_abcdef","name":"custom","url":"/` + strings.Repeat("a", 2048) + `"}`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r, _ := trackRouter(t, 10, tc.used)
			w := do(r, http.MethodPost, "/api/track", tc.body, map[string]string{"Content-Type": "text/plain;charset=UTF-8"})
			assert.Equal(t, tc.want, w.Code, w.Body.String())
			assertTrackHeaders(t, w)
		})
	}
}

func TestTrack_InternalFault(t *testing.T) {
	r, mem := trackRouter(t, 10, 0)
	mem.InsertErr = errors.New("no primary")

	w := do(r, http.MethodPost, "/api/track", `{"key":"wk_live_abcdef","name":"pageview","url":"/"}`, nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "no primary")
}

func TestTrack_BeaconIsEnriched(t *testing.T) {
	r, mem := trackRouter(t, 10, 0)
	w := do(r, http.MethodPost, "/api/track",
		`{"key":"wk_live_abcdef","name":"pageview","url":"/docs","eventId":"e-1","screen":"390x844"}`,
		map[string]string{
			"Content-Type":        "text/plain",
			"User-Agent":          "Mozilla/5.0 (X11; Linux x86_64; rv:127.0) Gecko/20100101 Firefox/127.0",
			"X-Vercel-IP-Country": "nl",
		})
	require.Equal(t, http.StatusNoContent, w.Code)

	// A retry of the same beacon is also a success.
	w = do(r, http.MethodPost, "/api/track", `{"key":"wk_live_abcdef","name":"pageview","url":"/docs","eventId":"e-1"}`, nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	events := mem.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "Firefox", events[0].Properties.Browser)
	assert.Equal(t, "NL", events[0].Geo.Country)
	assert.Equal(t, now, events[0].Timestamp)
}

func TestTrack_Preflight(t *testing.T) {
	r, mem := trackRouter(t, 10, 0)
	w := do(r, http.MethodOptions, "/api/track", "", map[string]string{"Origin": "https://example.com"})
	assert.Equal(t, http.StatusNoContent, w.Code)
	assertTrackHeaders(t, w)
	assert.Zero(t, mem.QuotaCalls)
}

type fakeJob struct {
	got    aggregate.Window
	called bool
	err    error
}

func (f *fakeJob) Run(_ context.Context, trigger string, w aggregate.Window) (aggregate.Report, error) {
	f.called = true
	f.got = w
	return aggregate.Report{Day: w.From, Events: 3, Projects: 1}, f.err
}

func TestAggregateTrigger(t *testing.T) {
	day := func(y int, m time.Month, d int) time.Time { return time.Date(y, m, d, 0, 0, 0, 0, time.UTC) }

	cases := []struct {
		name     string
		query    string
		want     int
		wantFrom time.Time
		projects []string
	}{
		{"default yesterday", "", http.StatusOK, day(2026, 5, 19), nil},
		{"today", "?scope=today", http.StatusOK, day(2026, 5, 20), nil},
		{"explicit date", "?date=2026-02-28&project=p1&project=p2", http.StatusOK, day(2026, 2, 28), []string{"p1", "p2"}},
		{"bad date", "?date=yesterday", http.StatusBadRequest, time.Time{}, nil},
		{"bad scope", "?scope=week", http.StatusBadRequest, time.Time{}, nil},
		{"both", "?date=2026-02-28&scope=today", http.StatusBadRequest, time.Time{}, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			gin.SetMode(gin.TestMode)
			job := &fakeJob{}
			r := gin.New()
			handlers.RegisterAggregateRoutes(r, job, mockClock(t), time.Minute)

			w := do(r, http.MethodPost, "/api/cron/aggregate"+tc.query, "", nil)
			require.Equal(t, tc.want, w.Code, w.Body.String())
			if tc.want != http.StatusOK {
				assert.False(t, job.called)
				return
			}
			assert.Equal(t, tc.wantFrom, job.got.From)
			assert.Equal(t, tc.projects, job.got.ProjectIDs)

			var body struct {
				Success bool             `json:"success"`
				Report  aggregate.Report `json:"report"`
			}
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.True(t, body.Success)
			assert.Equal(t, 3, body.Report.Events)
		})
	}
}

func TestAggregateTrigger_JobFailure(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	handlers.RegisterAggregateRoutes(r, &fakeJob{err: errors.New("scan events: timeout")}, mockClock(t), time.Minute)

	w := do(r, http.MethodGet, "/api/cron/aggregate", "", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), `"success":false`)
}

func TestAggregateTrigger_ExpiredDayIsBadRequest(t *testing.T) {
	gin.SetMode(gin.TestMode)
	clock := mockClock(t)
	mem := storetest.NewMemory()
	mem.Retention = 48 * time.Hour
	mem.Now = func() time.Time { return clock.Now() }
	require.NoError(t, mem.UpsertDailyStat(context.Background(), models.DailyStat{
		ProjectID: "p1", Date: time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC), PageViews: models.Counts{"/": 40},
	}))

	job := aggregate.NewJob(mem, mem, 1, aggregate.WithRetention(mem.Retention), aggregate.WithClock(clock))
	r := gin.New()
	handlers.RegisterAggregateRoutes(r, job, clock, time.Minute)

	w := do(r, http.MethodPost, "/api/cron/aggregate?date=2026-05-01", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
	assert.Equal(t, 1, mem.UpsertCalls)

	w = do(r, http.MethodPost, "/api/cron/aggregate", "", nil)
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestAdminUsage(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mem := storetest.NewMemory()
	mem.AddOrg(storetest.Org{ID: "org-1", PlanTier: "pro", MonthlyLimit: 200, CurrentUsage: 50, LastReset: quota.PeriodStart(now)})

	r := gin.New()
	handlers.RegisterAdminRoutes(r, mem)

	w := do(r, http.MethodGet, "/api/admin/usage/org-1", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{
		"org_id": "org-1", "plan": "pro", "used": 50, "limit": 200, "remaining": 150,
		"percent_used": 25, "reset_date": "2026-05-01T00:00:00Z"
	}`, w.Body.String())

	w = do(r, http.MethodGet, "/api/admin/usage/org-404", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestFreshness(t *testing.T) {
	cases := []struct {
		name string
		last time.Time
		want int
	}{
		{"never aggregated", time.Time{}, http.StatusServiceUnavailable},
		{"fresh", now.Add(-9 * time.Hour), http.StatusOK},
		{"stale", now.Add(-37 * time.Hour), http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			gin.SetMode(gin.TestMode)
			mem := storetest.NewMemory()
			mem.SetLatestAggregation(tc.last)

			r := gin.New()
			handlers.RegisterFreshnessRoute(r, mem, mockClock(t), 36*time.Hour)
			w := do(r, http.MethodGet, "/health/aggregation", "", nil)
			assert.Equal(t, tc.want, w.Code, w.Body.String())
		})
	}
}

func TestMetricsRoute(t *testing.T) {
	gin.SetMode(gin.TestMode)
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "tally_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Inc()

	r := gin.New()
	handlers.RegisterMetricRoutes(r, reg)
	w := do(r, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "tally_test_total 1")
}
