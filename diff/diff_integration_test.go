package diff_test

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/driftwood-labs/qwatch/diff"
	"github.com/driftwood-labs/qwatch/internal/pgconn"
	"github.com/driftwood-labs/qwatch/internal/testdb"
	"github.com/driftwood-labs/qwatch/shadow"
)

func TestMain(m *testing.M) {
	code := m.Run()
	testdb.Shutdown()
	os.Exit(code)
}

// setup builds a base table shaped like what identity.Rewrite would produce
// (an id/rev pair plus one user column) without going through the identity
// package, so the diff pipeline can be exercised directly.
func setup(t *testing.T) (ctx context.Context, conn *pgconn.Conn, rewrittenSQL, shadowTable, seqName string) {
	t.Helper()
	if testing.Short() {
		t.Skip("requires Docker")
	}
	testdb.BootOnce(t)
	sbx := testdb.NewSandbox(t)

	var cancel context.CancelFunc
	ctx, cancel = context.WithTimeout(context.Background(), 20*time.Second)
	t.Cleanup(cancel)

	conn = pgconn.New(sbx.Pool, nil)
	seqName = "pg_temp.__qw_diff_test_seq"
	if err := conn.Exec(ctx, "CREATE SEQUENCE "+seqName); err != nil {
		t.Fatalf("create sequence: %v", err)
	}
	if err := conn.Exec(ctx, `CREATE TABLE t (id TEXT PRIMARY KEY, rev BIGINT NOT NULL, a INT)`); err != nil {
		t.Fatalf("create table: %v", err)
	}

	mgr := shadow.NewManager(conn)
	tbl, err := mgr.Allocate(ctx)
	if err != nil {
		t.Fatalf("allocate shadow table: %v", err)
	}
	shadowTable = tbl.Name

	rewrittenSQL = `SELECT a, id AS "__id__", rev AS "__rev__" FROM t`
	return ctx, conn, rewrittenSQL, shadowTable, seqName
}

func TestRunInitialInsert(t *testing.T) {
	ctx, conn, rewrittenSQL, shadowTable, seqName := setup(t)

	if err := conn.Exec(ctx, fmt.Sprintf(
		`INSERT INTO t (id, rev, a) VALUES ('r1', nextval('%[1]s'), 1), ('r2', nextval('%[1]s'), 2)`, seqName)); err != nil {
		t.Fatalf("seed rows: %v", err)
	}

	changes, newRev, err := diff.Run(ctx, conn, shadowTable, rewrittenSQL, "__id__", "__rev__", seqName, []string{"a"}, 0)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(changes) != 2 {
		t.Fatalf("expected 2 changes, got %d", len(changes))
	}
	if newRev <= 0 {
		t.Fatalf("expected newRev to advance past 0, got %d", newRev)
	}

	byID := map[string]diff.Change{}
	for _, c := range changes {
		if c.Op != diff.OpInsert {
			t.Errorf("expected OpInsert, got %v", c.Op)
		}
		byID[c.ID] = c
	}
	r1, ok := byID["r1"]
	if !ok {
		t.Fatalf("missing r1 in changes: %+v", changes)
	}
	var data []int
	if err := json.Unmarshal(r1.Data, &data); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if len(data) != 1 || data[0] != 1 {
		t.Fatalf("expected r1 data [1], got %v", data)
	}
	if r1.Rn == 0 {
		t.Errorf("expected r1 to carry a nonzero row number")
	}

	// A second pass with no writes in between reports no changes and keeps
	// the revision idempotent.
	changes2, newRev2, err := diff.Run(ctx, conn, shadowTable, rewrittenSQL, "__id__", "__rev__", seqName, []string{"a"}, newRev)
	if err != nil {
		t.Fatalf("run 2: %v", err)
	}
	if len(changes2) != 0 {
		t.Fatalf("expected no changes on idempotent re-run, got %d", len(changes2))
	}
	if newRev2 != newRev {
		t.Fatalf("expected revision unchanged on idempotent re-run, got %d want %d", newRev2, newRev)
	}
}

func TestRunUpdateAndDelete(t *testing.T) {
	ctx, conn, rewrittenSQL, shadowTable, seqName := setup(t)

	if err := conn.Exec(ctx, fmt.Sprintf(
		`INSERT INTO t (id, rev, a) VALUES ('r1', nextval('%[1]s'), 1), ('r2', nextval('%[1]s'), 2)`, seqName)); err != nil {
		t.Fatalf("seed rows: %v", err)
	}
	_, lastRev, err := diff.Run(ctx, conn, shadowTable, rewrittenSQL, "__id__", "__rev__", seqName, []string{"a"}, 0)
	if err != nil {
		t.Fatalf("initial run: %v", err)
	}

	if err := conn.Exec(ctx, fmt.Sprintf(`UPDATE t SET a = 99, rev = nextval('%s') WHERE id = 'r1'`, seqName)); err != nil {
		t.Fatalf("update: %v", err)
	}
	changes, updatedRev, err := diff.Run(ctx, conn, shadowTable, rewrittenSQL, "__id__", "__rev__", seqName, []string{"a"}, lastRev)
	if err != nil {
		t.Fatalf("run after update: %v", err)
	}
	if len(changes) != 1 || changes[0].Op != diff.OpUpdate || changes[0].ID != "r1" {
		t.Fatalf("expected single update for r1, got %+v", changes)
	}
	if updatedRev <= lastRev {
		t.Fatalf("expected revision to advance past %d, got %d", lastRev, updatedRev)
	}

	if err := conn.Exec(ctx, `DELETE FROM t WHERE id = 'r2'`); err != nil {
		t.Fatalf("delete: %v", err)
	}
	changes, deletedRev, err := diff.Run(ctx, conn, shadowTable, rewrittenSQL, "__id__", "__rev__", seqName, []string{"a"}, updatedRev)
	if err != nil {
		t.Fatalf("run after delete: %v", err)
	}
	if len(changes) != 1 || changes[0].Op != diff.OpDelete || changes[0].ID != "r2" {
		t.Fatalf("expected single delete for r2, got %+v", changes)
	}
	if deletedRev <= updatedRev {
		t.Fatalf("expected a delete-only pass to still advance the revision past %d, got %d", updatedRev, deletedRev)
	}
	if changes[0].Data != nil {
		t.Errorf("expected nil data for a delete, got %s", changes[0].Data)
	}
}
