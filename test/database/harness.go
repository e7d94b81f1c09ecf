// Package database provides the shared PostgreSQL harness for integration
// tests: a pgvector-enabled container started once per package, one database
// per test, and a second connection pool bound to a non-superuser role so
// row-level security actually applies.
package database

import (
	"context"
	"crypto/rand"
	stdsql "database/sql"
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/soorma-ai/soorma-core/pkg/database"
)

// appRole is the login role integration tests use for RLS-scoped access.
// Superusers bypass row-level security entirely, so isolation tests must run
// as an ordinary role.
const (
	appRole     = "soorma_app"
	appPassword = "app-test"
)

var (
	sharedAdminConfig database.Config
	containerOnce     sync.Once
	containerErr      error
)

// TestDB is one isolated database for a single test: migrated schema, an
// admin pool, and an app-role pool subject to row-level security.
type TestDB struct {
	// Admin connects as the migration owner; RLS does not constrain it.
	Admin *database.Client
	// App connects as the unprivileged application role.
	App *database.Client

	// AdminConfig and AppConfig rebuild DSNs for components that need a
	// dedicated connection, like the NOTIFY listener.
	AdminConfig database.Config
	AppConfig   database.Config
}

// NewTestDB creates a fresh database on the shared container, runs
// migrations, prepares the app role, and opens both pools. Everything is
// torn down via t.Cleanup.
func NewTestDB(t *testing.T) *TestDB {
	t.Helper()
	ctx := context.Background()

	base := baseConfig(t)
	dbName := generateDatabaseName(t)

	admin, err := stdsql.Open("pgx", base.DSN())
	require.NoError(t, err)
	_, err = admin.ExecContext(ctx, fmt.Sprintf("CREATE DATABASE %s", dbName))
	require.NoError(t, err)
	_ = admin.Close()

	t.Cleanup(func() {
		cleanup, err := stdsql.Open("pgx", base.DSN())
		if err != nil {
			t.Logf("warning: could not connect to drop database %s: %v", dbName, err)
			return
		}
		defer func() { _ = cleanup.Close() }()
		if _, err := cleanup.ExecContext(context.Background(),
			fmt.Sprintf("DROP DATABASE IF EXISTS %s WITH (FORCE)", dbName)); err != nil {
			t.Logf("warning: failed to drop database %s: %v", dbName, err)
		}
	})

	adminCfg := base
	adminCfg.Database = dbName

	adminClient, err := database.NewClient(ctx, adminCfg)
	require.NoError(t, err, "migrations must apply cleanly")
	t.Cleanup(adminClient.Close)

	grantAppRole(t, adminClient)

	appCfg := adminCfg
	appCfg.User = appRole
	appCfg.Password = appPassword

	appClient, err := database.NewClientWithoutMigrations(ctx, appCfg)
	require.NoError(t, err)
	t.Cleanup(appClient.Close)

	return &TestDB{
		Admin:       adminClient,
		App:         appClient,
		AdminConfig: adminCfg,
		AppConfig:   appCfg,
	}
}

// grantAppRole ensures the app role exists cluster-wide and grants it table
// access in this test's database. RLS policies, not privileges, do the
// isolation.
func grantAppRole(t *testing.T, client *database.Client) {
	t.Helper()
	ctx := context.Background()
	pool := client.Pool()

	_, err := pool.Exec(ctx, fmt.Sprintf(`
		DO $$
		BEGIN
			CREATE ROLE %s LOGIN PASSWORD '%s';
		EXCEPTION WHEN duplicate_object THEN
			NULL;
		END
		$$`, appRole, appPassword))
	require.NoError(t, err)

	for _, stmt := range []string{
		fmt.Sprintf("GRANT USAGE ON SCHEMA public TO %s", appRole),
		fmt.Sprintf("GRANT SELECT, INSERT, UPDATE, DELETE ON ALL TABLES IN SCHEMA public TO %s", appRole),
		fmt.Sprintf("GRANT USAGE, SELECT ON ALL SEQUENCES IN SCHEMA public TO %s", appRole),
	} {
		_, err := pool.Exec(ctx, stmt)
		require.NoError(t, err)
	}
}

// baseConfig returns connection details for the shared server: an external
// one named by TEST_DATABASE_URL, or a pgvector testcontainer started once
// per package.
func baseConfig(t *testing.T) database.Config {
	if raw := os.Getenv("TEST_DATABASE_URL"); raw != "" {
		cfg, err := parseDatabaseURL(raw)
		require.NoError(t, err, "invalid TEST_DATABASE_URL")
		return cfg
	}

	containerOnce.Do(func() {
		ctx := context.Background()
		t.Log("Starting shared PostgreSQL testcontainer")

		pgContainer, err := postgres.Run(ctx,
			"pgvector/pgvector:pg17",
			postgres.WithDatabase("postgres"),
			postgres.WithUsername("postgres"),
			postgres.WithPassword("test"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
		if err != nil {
			containerErr = fmt.Errorf("failed to start postgres container: %w", err)
			return
		}

		connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			containerErr = fmt.Errorf("failed to get connection string: %w", err)
			return
		}
		sharedAdminConfig, containerErr = parseDatabaseURL(connStr)
	})
	require.NoError(t, containerErr, "failed to set up shared test container")
	return sharedAdminConfig
}

// parseDatabaseURL converts a postgres:// URL into the config struct the
// services load from the environment.
func parseDatabaseURL(raw string) (database.Config, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return database.Config{}, fmt.Errorf("failed to parse database URL: %w", err)
	}

	port := 5432
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return database.Config{}, fmt.Errorf("invalid port in database URL: %w", err)
		}
	}
	password, _ := u.User.Password()
	sslMode := u.Query().Get("sslmode")
	if sslMode == "" {
		sslMode = "disable"
	}

	return database.Config{
		Host:            u.Hostname(),
		Port:            port,
		User:            u.User.Username(),
		Password:        password,
		Database:        strings.TrimPrefix(u.Path, "/"),
		SSLMode:         sslMode,
		MaxConns:        10,
		MinConns:        2,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
	}, nil
}

// generateDatabaseName creates a unique, PostgreSQL-safe database name for
// the test.
func generateDatabaseName(t *testing.T) string {
	name := strings.ToLower(t.Name())
	name = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, name)
	if len(name) > 40 {
		name = name[:40]
	}

	randomBytes := make([]byte, 4)
	if _, err := rand.Read(randomBytes); err != nil {
		t.Fatalf("failed to generate random database suffix: %v", err)
	}
	return fmt.Sprintf("test_%s_%s", name, hex.EncodeToString(randomBytes))
}
