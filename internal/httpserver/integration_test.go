//go:build integration

package httpserver_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PratikDhanave/tally/internal/aggregate"
	"github.com/PratikDhanave/tally/internal/config"
	"github.com/PratikDhanave/tally/internal/httpserver"
	"github.com/PratikDhanave/tally/internal/ingest"
	"github.com/PratikDhanave/tally/internal/quota"
	"github.com/PratikDhanave/tally/internal/store"
	"github.com/PratikDhanave/tally/internal/testinfra"
)

////////////////////////////////////////////////////////////////////////////////
// INTEGRATION TEST SUITE
//
// These tests validate the service end-to-end:
//
//   Beacon → HTTP API → Tenant → Quota (Postgres) → Events (MongoDB)
//          → Aggregation → daily_stats (Postgres)
//
// Postgres and MongoDB run in testcontainers; the tests are skipped without Docker.
//
////////////////////////////////////////////////////////////////////////////////

const cronSecret = "integration-secret"

type stack struct {
	url string
	pg  *store.PostgresStore
}

func startStack(t *testing.T, limit int64) stack {
	t.Helper()
	pgURL := testinfra.StartPostgres(t)
	mongoURI := testinfra.StartMongo(t)

	pg, err := store.NewPostgresStore(pgURL)
	require.NoError(t, err)
	t.Cleanup(pg.Close)
	require.NoError(t, pg.EnsureSchema(t.Context()))

	cfg := config.Defaults()
	cfg.CronSecret = cronSecret

	events, err := store.NewEventStore(mongoURI, "tally_e2e", "events", cfg.Events.Retention)
	require.NoError(t, err)
	t.Cleanup(func() { _ = events.Close(t.Context()) })
	require.NoError(t, events.EnsureIndexes(t.Context()))

	testinfra.SeedTenant(t, pgURL, testinfra.Tenant{
		OrgID: "org-1", ProjectID: "proj-1", WriteKey: "wk_e2e_one", MonthlyLimit: limit,
		LastReset: quota.PeriodStart(time.Now()),
	})
	testinfra.SeedTenant(t, pgURL, testinfra.Tenant{
		OrgID: "org-2", ProjectID: "proj-2", WriteKey: "wk_e2e_two", MonthlyLimit: limit,
		LastReset: quota.PeriodStart(time.Now()),
	})

	job := aggregate.NewJob(events, pg, 2)
	router := httpserver.NewRouter(cfg, httpserver.Deps{
		Ingest: ingest.NewService(pg, quota.New(pg, quota.Config{}), events),
		Job:    job,
		Usage:  pg,
		Stats:  pg,
		Ready:  map[string]httpserver.Pinger{"postgres": pg, "mongo": events},
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	s := stack{url: srv.URL, pg: pg}
	waitReady(t, s)
	return s
}

// unique generates a unique string so tests never collide with previous runs.
func unique(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
}

// waitReady polls /ready until both stores answer.
func waitReady(t *testing.T, s stack) {
	t.Helper()

	client := &http.Client{Timeout: 2 * time.Second}
	deadline := time.Now().Add(30 * time.Second)

	for time.Now().Before(deadline) {
		resp, err := client.Get(s.url + "/ready")
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(300 * time.Millisecond)
	}

	t.Fatalf("service not ready after 30s")
}

// beacon posts a track payload the way navigator.sendBeacon does.
func beacon(t *testing.T, s stack, payload any) int {
	t.Helper()

	b, _ := json.Marshal(payload)
	req, _ := http.NewRequest(http.MethodPost, s.url+"/api/track", bytes.NewReader(b))
	req.Header.Set("Content-Type", "text/plain;charset=UTF-8")
	req.Header.Set("User-Agent", "Mozilla/5.0 (Macintosh) AppleWebKit/605.1.15 Version/17.5 Safari/605.1.15")
	req.Header.Set("X-Vercel-IP-Country", "SE")

	resp, err := (&http.Client{Timeout: 5 * time.Second}).Do(req)
	if err != nil {
		t.Fatalf("POST /api/track failed: %v", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode
}

// operator performs a bearer-authenticated GET.
func operator(t *testing.T, s stack, path string) (int, []byte) {
	t.Helper()

	req, _ := http.NewRequest(http.MethodGet, s.url+path, nil)
	req.Header.Set("Authorization", "Bearer "+cronSecret)

	resp, err := (&http.Client{Timeout: 30 * time.Second}).Do(req)
	if err != nil {
		t.Fatalf("GET %s failed: %v", path, err)
	}
	defer resp.Body.Close()

	out, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, out
}

func pageview(key, eventID, url string) map[string]any {
	p := map[string]any{"key": key, "name": "pageview", "url": url, "screen": "1512x982"}
	if eventID != "" {
		p["eventId"] = eventID
	}
	return p
}

////////////////////////////////////////////////////////////////////////////////
// CORE SYSTEM BEHAVIOR TESTS
////////////////////////////////////////////////////////////////////////////////

func TestE2E_IngestAggregateAndIsolateTenants(t *testing.T) {
	s := startStack(t, 1000)

	// A retried beacon is accepted twice and stored once.
	id := unique("evt")
	require.Equal(t, http.StatusNoContent, beacon(t, s, pageview("wk_e2e_one", id, "/")))
	require.Equal(t, http.StatusNoContent, beacon(t, s, pageview("wk_e2e_one", id, "/")))
	require.Equal(t, http.StatusNoContent, beacon(t, s, pageview("wk_e2e_one", "", "/pricing")))
	require.Equal(t, http.StatusNoContent, beacon(t, s, map[string]any{"key": "wk_e2e_one", "name": "click", "url": "/pricing"}))
	require.Equal(t, http.StatusNoContent, beacon(t, s, pageview("wk_e2e_two", id, "/")))

	assert.Equal(t, http.StatusUnauthorized, beacon(t, s, pageview("wk_unknown", "", "/")))
	assert.Equal(t, http.StatusBadRequest, beacon(t, s, map[string]any{"key": "wk_e2e_one", "name": "pageview"}))

	status, body := operator(t, s, "/api/cron/aggregate?scope=today")
	require.Equal(t, http.StatusOK, status, string(body))

	var res struct {
		Success bool             `json:"success"`
		Report  aggregate.Report `json:"report"`
	}
	require.NoError(t, json.Unmarshal(body, &res))
	assert.True(t, res.Success)
	assert.Equal(t, 4, res.Report.Events)
	assert.Equal(t, 2, res.Report.Projects)
	assert.Empty(t, res.Report.Failed)

	day := aggregate.Today(time.Now()).From
	one, ok, err := s.pg.GetDailyStat(t.Context(), "proj-1", day)
	require.NoError(t, err)
	require.True(t, ok)
	assert.EqualValues(t, map[string]int64{"/": 1, "/pricing": 1}, map[string]int64(one.PageViews))
	assert.EqualValues(t, 3, one.Countries["SE"])
	assert.EqualValues(t, 3, one.Browsers["Safari"])
	assert.EqualValues(t, 3, one.Referrers["Direct"])

	two, ok, err := s.pg.GetDailyStat(t.Context(), "proj-2", day)
	require.NoError(t, err)
	require.True(t, ok)
	assert.EqualValues(t, 1, two.PageViews["/"])

	// Re-running the job leaves the stats unchanged.
	status, _ = operator(t, s, "/api/cron/aggregate?scope=today")
	require.Equal(t, http.StatusOK, status)
	again, _, err := s.pg.GetDailyStat(t.Context(), "proj-1", day)
	require.NoError(t, err)
	assert.Equal(t, one.PageViews, again.PageViews)

	status, body = operator(t, s, "/api/admin/usage/org-1")
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), `"used":4`)

	resp, err := http.Get(s.url + "/health/aggregation")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestE2E_QuotaExhaustion(t *testing.T) {
	s := startStack(t, 5)

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		counts = map[int]int{}
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			code := beacon(t, s, pageview("wk_e2e_one", "", "/"))
			mu.Lock()
			counts[code]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, counts[http.StatusNoContent])
	assert.Equal(t, 15, counts[http.StatusTooManyRequests])

	// The other organization's budget is untouched.
	assert.Equal(t, http.StatusNoContent, beacon(t, s, pageview("wk_e2e_two", "", "/")))
}
