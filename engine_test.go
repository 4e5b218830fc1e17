package qwatch_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/driftwood-labs/qwatch"
	"github.com/driftwood-labs/qwatch/internal/pgconn"
	"github.com/driftwood-labs/qwatch/internal/testdb"
)

func TestMain(m *testing.M) {
	// Integration tests need Docker. Under `go test -short` each test skips
	// before booting the container; without Docker, testcontainers returns
	// an error and testdb.BootOnce fails the test with t.Fatalf.
	code := m.Run()
	testdb.Shutdown()
	os.Exit(code)
}

func mustSandbox(t *testing.T) *testdb.Sandbox {
	t.Helper()
	testdb.BootOnce(t)
	return testdb.NewSandbox(t)
}

func TestWatchSingleColumnTable(t *testing.T) {
	if testing.Short() {
		t.Skip("requires Docker")
	}
	sbx := mustSandbox(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := sbx.Pool.QueryRow(ctx, "SELECT 1").Scan(new(int)); err != nil {
		t.Fatalf("sandbox not reachable: %v", err)
	}
	if _, err := sbx.Pool.Exec(ctx, "CREATE TABLE t (a int)"); err != nil {
		t.Fatalf("create table: %v", err)
	}
	if _, err := sbx.Pool.Exec(ctx, "INSERT INTO t (a) VALUES (1), (2)"); err != nil {
		t.Fatalf("seed rows: %v", err)
	}

	conn := pgconn.New(sbx.Pool, nil)
	eng := qwatch.NewEngine(conn)
	defer eng.Close(ctx)

	sub, err := eng.Watch(ctx, "SELECT a FROM t")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer sub.Close(ctx)

	waitFor(t, sub, qwatch.EventReady)

	// The first diff pass delivers the two pre-existing rows as inserts,
	// followed by one changes batch.
	waitFor(t, sub, qwatch.EventInsert)
	waitFor(t, sub, qwatch.EventInsert)
	initial := waitFor(t, sub, qwatch.EventChanges)
	if len(initial.Rows) != 2 {
		t.Fatalf("expected 2 rows in the initial changes batch, got %d", len(initial.Rows))
	}

	// Base-table writes after Watch must go through the engine's own
	// connection: the identity trigger installed on t lives in pg_temp and
	// is only visible to the backend that created it.
	if err := conn.Exec(ctx, "INSERT INTO t (a) VALUES (3)"); err != nil {
		t.Fatalf("insert: %v", err)
	}
	ins := waitFor(t, sub, qwatch.EventInsert)
	if ins.Row == nil || len(ins.Row.Values) != 1 {
		t.Fatalf("expected inserted row with one value, got %+v", ins.Row)
	}
	waitFor(t, sub, qwatch.EventChanges)

	if err := conn.Exec(ctx, "UPDATE t SET a = 30 WHERE a = 3"); err != nil {
		t.Fatalf("update: %v", err)
	}
	waitFor(t, sub, qwatch.EventUpdate)
	waitFor(t, sub, qwatch.EventChanges)

	if err := conn.Exec(ctx, "DELETE FROM t WHERE a = 30"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	waitFor(t, sub, qwatch.EventDelete)
	waitFor(t, sub, qwatch.EventChanges)
}

// TestWatchTwoWatchersShareTable exercises two independent subscriptions
// against the same base table over one engine: a single base-table write
// must fan out to both, each computing its own diff against its own shadow
// table and its own query shape.
func TestWatchTwoWatchersShareTable(t *testing.T) {
	if testing.Short() {
		t.Skip("requires Docker")
	}
	sbx := mustSandbox(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if _, err := sbx.Pool.Exec(ctx, "CREATE TABLE t (a int)"); err != nil {
		t.Fatalf("create table: %v", err)
	}
	if _, err := sbx.Pool.Exec(ctx, "INSERT INTO t (a) VALUES (1), (2)"); err != nil {
		t.Fatalf("seed rows: %v", err)
	}

	conn := pgconn.New(sbx.Pool, nil)
	eng := qwatch.NewEngine(conn)
	defer eng.Close(ctx)

	all, err := eng.Watch(ctx, "SELECT a FROM t")
	if err != nil {
		t.Fatalf("watch all: %v", err)
	}
	defer all.Close(ctx)

	big, err := eng.Watch(ctx, "SELECT a FROM t WHERE a > 1")
	if err != nil {
		t.Fatalf("watch filtered: %v", err)
	}
	defer big.Close(ctx)

	waitFor(t, all, qwatch.EventReady)
	waitFor(t, all, qwatch.EventInsert)
	waitFor(t, all, qwatch.EventInsert)
	waitFor(t, all, qwatch.EventChanges)

	waitFor(t, big, qwatch.EventReady)
	waitFor(t, big, qwatch.EventInsert) // only a=2 satisfies a > 1
	waitFor(t, big, qwatch.EventChanges)

	if err := conn.Exec(ctx, "INSERT INTO t (a) VALUES (5)"); err != nil {
		t.Fatalf("insert: %v", err)
	}

	waitFor(t, all, qwatch.EventInsert)
	waitFor(t, all, qwatch.EventChanges)
	waitFor(t, big, qwatch.EventInsert)
	waitFor(t, big, qwatch.EventChanges)
}

func waitFor(t *testing.T, sub *qwatch.Subscription, want qwatch.EventType) qwatch.Event {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case ev := <-sub.Events:
			if ev.Type == want {
				return ev
			}
			if ev.Type == qwatch.EventError {
				t.Fatalf("unexpected error event: %v", ev.Err)
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event %s", want)
		}
	}
}
