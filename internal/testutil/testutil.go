// Package testutil starts the Postgres ledger that integration tests run
// against.
//
// Each package with ledger tests starts one container in TestMain:
//
//	func TestMain(m *testing.M) {
//	    tc := testutil.MustStartPostgres()
//	    testDB, _ = tc.NewTestDB(context.Background(), testutil.TestLogger())
//	    code := m.Run()
//	    tc.Terminate()
//	    os.Exit(code)
//	}
//
// Setting ASSAY_TEST_DATABASE_URL points the tests at an existing database
// instead, which is how CI runs them next to a service container.
package testutil

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/ashita-ai/assay/internal/storage"
	"github.com/ashita-ai/assay/migrations"
)

const defaultImage = "postgres:17-alpine"

// TestContainer is a running ledger database. Container is nil when the
// database came from ASSAY_TEST_DATABASE_URL.
type TestContainer struct {
	Container testcontainers.Container
	DSN       string
}

// MustStartPostgres returns a ledger database or exits the test binary.
func MustStartPostgres() *TestContainer {
	tc, err := StartPostgres(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "testutil: %v\n", err)
		os.Exit(1)
	}
	return tc
}

// StartPostgres starts a throwaway Postgres container, or reuses the
// database named by ASSAY_TEST_DATABASE_URL.
func StartPostgres(ctx context.Context) (*TestContainer, error) {
	if dsn := os.Getenv("ASSAY_TEST_DATABASE_URL"); dsn != "" {
		return &TestContainer{DSN: dsn}, nil
	}

	image := os.Getenv("ASSAY_TEST_POSTGRES_IMAGE")
	if image == "" {
		image = defaultImage
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        image,
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "assay",
				"POSTGRES_PASSWORD": "assay",
				"POSTGRES_DB":       "assay",
			},
			// The entrypoint restarts the server once after initdb.
			WaitingFor: wait.ForAll(
				wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
				wait.ForListeningPort("5432/tcp"),
			).WithDeadline(90 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		return nil, fmt.Errorf("start %s: %w", image, err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("container host: %w", err)
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("container port: %w", err)
	}
	dsn := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword("assay", "assay"),
		Host:     host + ":" + port.Port(),
		Path:     "/assay",
		RawQuery: "sslmode=disable",
	}
	return &TestContainer{Container: container, DSN: dsn.String()}, nil
}

// NewTestDB opens the ledger with queue notifications enabled and applies
// the migrations.
func (tc *TestContainer) NewTestDB(ctx context.Context, logger *slog.Logger) (*storage.DB, error) {
	db, err := storage.New(ctx, storage.Options{
		URL:       tc.DSN,
		NotifyURL: tc.DSN,
		MaxConns:  16,
		AppName:   "assay-test",
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("testutil: open ledger: %w", err)
	}
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		db.Close(ctx)
		return nil, fmt.Errorf("testutil: migrate: %w", err)
	}
	return db, nil
}

// Terminate removes the container, if one was started.
func (tc *TestContainer) Terminate() {
	if tc.Container != nil {
		_ = tc.Container.Terminate(context.Background())
	}
}

// TestLogger logs warnings and errors to stderr, or everything when
// ASSAY_TEST_LOG=debug.
func TestLogger() *slog.Logger {
	level := slog.LevelWarn
	if os.Getenv("ASSAY_TEST_LOG") == "debug" {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// ResetLedger empties every ledger table so a test starts from a clean
// queue. Tests that depend on claim order call it first.
func ResetLedger(ctx context.Context, db *storage.DB) error {
	_, err := db.Pool().Exec(ctx,
		`TRUNCATE memory_edit_log, memory_index, feedback, cancel_requests, idempotency_keys,
		          deltas, citation_aliases, trace_events, jobs, runs, batches`)
	if err != nil {
		return fmt.Errorf("testutil: reset ledger: %w", err)
	}
	return nil
}
