// Package integration runs the Postgres store against a real server. Set
// DATABASE_URL to use an existing database; otherwise a container is started
// when docker is available. Without either the tests are skipped.
package integration

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/ehr/vitalwatch/internal/platform/db"
	"github.com/ehr/vitalwatch/migrations"
)

// testDB holds the shared database for the package.
type testDB struct {
	Pool    *pgxpool.Pool
	ConnStr string
}

var (
	globalDB   *testDB
	skipReason string
)

func TestMain(m *testing.M) {
	flag.Parse()
	if testing.Short() {
		skipReason = "integration tests skipped in -short mode"
		os.Exit(m.Run())
	}

	ctx := context.Background()
	tdb, cleanup, err := setupPostgres(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to setup postgres: %v\n", err)
		os.Exit(1)
	}
	if tdb == nil {
		skipReason = "DATABASE_URL not set and docker not available"
		os.Exit(m.Run())
	}

	globalDB = tdb
	code := m.Run()
	cleanup()
	os.Exit(code)
}

// setupPostgres returns nil without error when no database can be provided.
func setupPostgres(ctx context.Context) (*testDB, func(), error) {
	connStr := os.Getenv("DATABASE_URL")
	stop := func() {}
	if connStr == "" {
		if _, err := exec.LookPath("docker"); err != nil {
			return nil, nil, nil
		}
		var err error
		connStr, stop, err = startPostgresContainer(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("start postgres container: %w", err)
		}
	}

	pool, err := db.NewPool(ctx, connStr, 20, 1)
	if err != nil {
		stop()
		return nil, nil, fmt.Errorf("create pool: %w", err)
	}
	return &testDB{Pool: pool, ConnStr: connStr}, func() {
		pool.Close()
		stop()
	}, nil
}

func requireDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if globalDB == nil {
		t.Skip(skipReason)
	}
	return globalDB.Pool
}

// uniqueTenantID generates a tenant ID for test isolation.
func uniqueTenantID(prefix string) string {
	short := strings.ReplaceAll(uuid.New().String()[:8], "-", "")
	return fmt.Sprintf("%s_%s", prefix, short)
}

// createTenant creates a migrated tenant schema that is dropped when the test
// ends.
func createTenant(t *testing.T, prefix string) string {
	t.Helper()
	pool := requireDB(t)
	ctx := context.Background()
	tenantID := uniqueTenantID(prefix)

	_, err := db.CreateTenantSchema(ctx, pool, tenantID, migrations.FS)
	require.NoError(t, err, "create tenant schema %s", tenantID)

	t.Cleanup(func() {
		schema := pgx.Identifier{db.SchemaForTenant(tenantID)}.Sanitize()
		if _, err := pool.Exec(context.Background(), "DROP SCHEMA IF EXISTS "+schema+" CASCADE"); err != nil {
			t.Logf("warning: failed to drop schema for %s: %v", tenantID, err)
		}
	})
	return tenantID
}

// tenantContext returns a context bound to a connection scoped to tenantID.
func tenantContext(t *testing.T, tenantID string) context.Context {
	t.Helper()
	ctx, release, err := db.AcquireTenant(context.Background(), requireDB(t), tenantID)
	require.NoError(t, err)
	t.Cleanup(release)
	return ctx
}

// countPatients counts rows in the tenant's patients table.
func countPatients(t *testing.T, ctx context.Context) int {
	t.Helper()
	var n int
	require.NoError(t, db.ConnFromContext(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM patients`).Scan(&n))
	return n
}
