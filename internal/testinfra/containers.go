//go:build integration

package testinfra

import (
	"context"
	"fmt"
	"os/exec"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	PostgresImage = "postgres:16-alpine"
	MongoImage    = "mongo:7"
)

// SkipIfNoDocker skips the test if Docker is not available.
func SkipIfNoDocker(t *testing.T) {
	t.Helper()
	if !IsDockerAvailable() {
		t.Skip("Skipping test: Docker not available")
	}
}

// IsDockerAvailable checks if the Docker daemon is running and accessible.
func IsDockerAvailable() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return exec.CommandContext(ctx, "docker", "info").Run() == nil
}

// StartPostgres runs a throwaway Postgres and returns its connection URL. The
// container is terminated when the test ends.
func StartPostgres(t *testing.T) string {
	t.Helper()
	SkipIfNoDocker(t)
	ctx := context.Background()

	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        PostgresImage,
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "tally",
				"POSTGRES_PASSWORD": "tally",
				"POSTGRES_DB":       "tally",
			},
			// The entrypoint restarts the server once after init.
			WaitingFor: wait.ForAll(
				wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
				wait.ForListeningPort("5432/tcp"),
			).WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("start postgres: %v", err)
	}
	t.Cleanup(func() { CleanupContainer(t, context.Background(), c) })

	return fmt.Sprintf("postgres://tally:tally@%s/tally?sslmode=disable", endpoint(t, c))
}

// StartMongo runs a throwaway standalone MongoDB and returns its URI.
func StartMongo(t *testing.T) string {
	t.Helper()
	SkipIfNoDocker(t)
	ctx := context.Background()

	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        MongoImage,
			ExposedPorts: []string{"27017/tcp"},
			WaitingFor: wait.ForAll(
				wait.ForLog("Waiting for connections"),
				wait.ForListeningPort("27017/tcp"),
			).WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("start mongo: %v", err)
	}
	t.Cleanup(func() { CleanupContainer(t, context.Background(), c) })

	return "mongodb://" + endpoint(t, c)
}

// endpoint returns host:port of the container's single exposed port.
func endpoint(t *testing.T, c testcontainers.Container) string {
	t.Helper()
	ep, err := c.Endpoint(context.Background(), "")
	if err != nil {
		t.Fatalf("container endpoint: %v", err)
	}
	return ep
}

// CleanupContainer terminates a container and logs, rather than fails on, errors.
func CleanupContainer(t *testing.T, ctx context.Context, c testcontainers.Container) {
	t.Helper()
	if c != nil {
		if err := c.Terminate(ctx); err != nil {
			t.Logf("Warning: failed to terminate container: %v", err)
		}
	}
}

// Tenant is one organization with one project, as the management plane would
// provision it.
type Tenant struct {
	OrgID        string
	ProjectID    string
	WriteKey     string
	PlanTier     string
	MonthlyLimit int64
	CurrentUsage int64
	LastReset    time.Time
}

// SeedTenant inserts t into the tenant directory. The schema must already exist.
func SeedTenant(tb testing.TB, dbURL string, tn Tenant) {
	tb.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := pgx.Connect(ctx, dbURL)
	if err != nil {
		tb.Fatalf("connect: %v", err)
	}
	defer conn.Close(ctx)

	if tn.PlanTier == "" {
		tn.PlanTier = "free"
	}
	if _, err := conn.Exec(ctx,
		`INSERT INTO organizations (id, plan_tier, monthly_limit, current_usage, last_reset) VALUES ($1, $2, $3, $4, $5)`,
		tn.OrgID, tn.PlanTier, tn.MonthlyLimit, tn.CurrentUsage, tn.LastReset,
	); err != nil {
		tb.Fatalf("seed organization: %v", err)
	}
	if _, err := conn.Exec(ctx,
		`INSERT INTO projects (id, org_id, write_key) VALUES ($1, $2, $3)`,
		tn.ProjectID, tn.OrgID, tn.WriteKey,
	); err != nil {
		tb.Fatalf("seed project: %v", err)
	}
}
