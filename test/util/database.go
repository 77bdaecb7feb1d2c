// Package util provides shared helpers for database-backed tests.
package util

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net/url"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/flowmesh/flowmesh/pkg/config"
	"github.com/flowmesh/flowmesh/pkg/database"
)

var (
	sharedConnStr string
	containerOnce sync.Once
	containerErr  error
)

// SetupTestDatabase returns a client bound to a fresh per-test schema, with
// migrations applied. Connection source:
//   - TEST_DATABASE_URL: external PostgreSQL (CI service container)
//   - TEST_USE_TESTCONTAINERS=1: a shared testcontainer, started once
//
// Without either, the test is skipped so the suite stays runnable anywhere.
func SetupTestDatabase(t *testing.T) *database.Client {
	t.Helper()
	ctx := context.Background()

	connStr := getConnString(t)
	schemaName := generateSchemaName(t)

	conn, err := pgx.Connect(ctx, connStr)
	require.NoError(t, err)
	_, err = conn.Exec(ctx, fmt.Sprintf("CREATE SCHEMA %s", schemaName))
	require.NoError(t, err)
	require.NoError(t, conn.Close(ctx))

	client, err := database.NewClient(ctx, config.DatabaseConfig{
		URL:            addSearchPath(connStr, schemaName),
		PoolMin:        1,
		PoolMax:        5,
		AcquireTimeout: 30 * time.Second,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		dropCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_, err := client.Pool().Exec(dropCtx,
			fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", schemaName))
		if err != nil {
			t.Logf("warning: failed to drop schema %s: %v", schemaName, err)
		}
		client.Close()
	})
	return client
}

func getConnString(t *testing.T) string {
	t.Helper()
	if url := os.Getenv("TEST_DATABASE_URL"); url != "" {
		return normalizeScheme(url)
	}
	if os.Getenv("TEST_USE_TESTCONTAINERS") == "" {
		t.Skip("set TEST_DATABASE_URL or TEST_USE_TESTCONTAINERS=1 to run database tests")
	}

	containerOnce.Do(func() {
		ctx := context.Background()
		container, err := postgres.Run(ctx, "postgres:16-alpine",
			postgres.WithDatabase("flowmesh_test"),
			postgres.WithUsername("postgres"),
			postgres.WithPassword("postgres"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).WithStartupTimeout(60*time.Second)),
		)
		if err != nil {
			containerErr = err
			return
		}
		connStr, err := container.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			containerErr = err
			return
		}
		sharedConnStr = normalizeScheme(connStr)
	})
	require.NoError(t, containerErr)
	return sharedConnStr
}

// normalizeScheme rewrites postgres:// to postgresql:// to satisfy config
// validation.
func normalizeScheme(connStr string) string {
	if strings.HasPrefix(connStr, "postgres://") {
		return "postgresql://" + strings.TrimPrefix(connStr, "postgres://")
	}
	return connStr
}

func addSearchPath(connStr, schema string) string {
	sep := "?"
	if strings.Contains(connStr, "?") {
		sep = "&"
	}
	return connStr + sep + "options=" + url.QueryEscape("-csearch_path="+schema)
}

func generateSchemaName(t *testing.T) string {
	t.Helper()
	name := strings.ToLower(t.Name())
	name = strings.Map(func(r rune) rune {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' {
			return r
		}
		return '_'
	}, name)
	if len(name) > 32 {
		name = name[:32]
	}
	return fmt.Sprintf("test_%s_%04d", name, rand.IntN(10000))
}
