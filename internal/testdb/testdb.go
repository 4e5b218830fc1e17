// Package testdb boots a disposable Postgres via testcontainers and hands
// out schema-sandboxed connections for integration tests, adapted from the
// fixture-boot pattern used elsewhere in this codebase's test suites.
package testdb

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

var (
	bootOnce   sync.Once
	bootErr    error
	container  *postgres.PostgresContainer
	connString string
)

// BootOnce starts one shared Postgres container for the whole test binary.
// Call it from each integration test before NewSandbox; only the first call
// boots the container, and a failed boot fails the calling test.
func BootOnce(t *testing.T) {
	t.Helper()
	bootOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		c, err := postgres.Run(ctx,
			"docker.io/postgres:16-alpine",
			postgres.WithDatabase("qwatch"),
			postgres.WithUsername("qwatch"),
			postgres.WithPassword("qwatch"),
			postgres.BasicWaitStrategies(),
		)
		if err != nil {
			bootErr = err
			return
		}
		container = c

		host, _ := c.Host(ctx)
		port, _ := c.MappedPort(ctx, "5432/tcp")
		connString = fmt.Sprintf("postgres://qwatch:qwatch@%s:%s/qwatch?sslmode=disable", host, port.Port())
	})
	if bootErr != nil {
		t.Fatalf("testdb: boot failed: %v", bootErr)
	}
}

// Sandbox is one test's isolated schema and pool, dropped on cleanup.
type Sandbox struct {
	Pool   *pgxpool.Pool
	Schema string
}

// NewSandbox creates a fresh schema, builds a pool whose connections carry
// that schema first in search_path, and registers cleanup.
func NewSandbox(t *testing.T) *Sandbox {
	t.Helper()
	if container == nil {
		t.Fatalf("testdb: not booted, call testdb.BootOnce(t) first")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	admin, err := pgxpool.New(ctx, connString)
	if err != nil {
		t.Fatalf("testdb: admin pool: %v", err)
	}

	schema := fmt.Sprintf("t_%x", randomSuffix())
	if _, err := admin.Exec(ctx, `CREATE SCHEMA "`+schema+`"`); err != nil {
		t.Fatalf("testdb: create schema: %v", err)
	}

	sandboxDSN := withSearchPath(connString, schema)
	pool, err := pgxpool.New(ctx, sandboxDSN)
	if err != nil {
		t.Fatalf("testdb: sandbox pool: %v", err)
	}

	sbx := &Sandbox{Pool: pool, Schema: schema}
	t.Cleanup(func() {
		dctx, dcancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer dcancel()
		pool.Close()
		_, _ = admin.Exec(dctx, `DROP SCHEMA IF EXISTS "`+schema+`" CASCADE`)
		admin.Close()
	})
	return sbx
}

func withSearchPath(base, schema string) string {
	u, _ := url.Parse(base)
	q := u.Query()
	q.Set("options", fmt.Sprintf("-csearch_path=%s,public", schema))
	u.RawQuery = q.Encode()
	return u.String()
}

func randomSuffix() int64 {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return int64(binary.LittleEndian.Uint64(b[:]))
}

// Shutdown tears down the shared container. Call from TestMain after
// m.Run().
func Shutdown() {
	if container == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = container.Terminate(ctx)
}
