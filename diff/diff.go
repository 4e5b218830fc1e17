// Package diff implements the single-statement CTE pipeline that compares
// a rewritten query's current result against a watcher's shadow table and
// atomically updates the shadow table to match, returning exactly the rows
// that changed.
package diff

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/driftwood-labs/qwatch/qcore"
	"github.com/driftwood-labs/qwatch/sqlident"
)

// Op identifies the kind of change a Change record represents.
type Op int

const (
	OpInsert Op = 1
	OpUpdate Op = 2
	OpDelete Op = 3
)

func (o Op) String() string {
	switch o {
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Change is one row-level change surfaced by a single diff run.
type Change struct {
	ID string
	Op Op
	// Rn is the row's row_number() position in the current query result,
	// for subscribers that need stable ordering. Unset (0) for OpDelete,
	// since a deleted row no longer appears in the result.
	Rn int64
	// Data holds the row's user-visible column values, in the order given
	// to Run, as a JSON array. Nil for OpDelete.
	Data json.RawMessage
}

// Run executes one diff pass: it evaluates rewrittenSQL (already carrying
// idCol/revCol per identity.Context.Rewrite), diffs the result against
// shadowTable, updates the shadow table in place, and returns the rows that
// changed plus the highest revision observed (the watcher's next lastRev).
//
// The whole operation is a single SQL statement so the read of the live
// query, the shadow-table mutation, and the change list it returns are all
// computed against one consistent snapshot.
func Run(
	ctx context.Context,
	conn qcore.Connection,
	shadowTable string,
	rewrittenSQL string,
	idCol, revCol string,
	seqName string,
	cols []string,
	lastRev int64,
) ([]Change, int64, error) {
	dataExpr := "jsonb_build_array(" + sqlident.QuoteList(cols, "q") + ")"
	if len(cols) == 0 {
		dataExpr = "'[]'::jsonb"
	}

	stmt := fmt.Sprintf(`
WITH q AS (
  SELECT *, row_number() OVER () AS __qw_rn
  FROM (%[1]s) __qw_src
),
u AS (
  UPDATE %[2]s s
  SET rev = q.%[3]s
  FROM q
  WHERE s.id = q.%[4]s AND q.%[3]s > s.rev
  RETURNING s.id
),
d AS (
  DELETE FROM %[2]s s
  WHERE NOT EXISTS (SELECT 1 FROM q WHERE q.%[4]s = s.id)
  RETURNING s.id, nextval(%[6]s) AS rev
),
i AS (
  INSERT INTO %[2]s (id, rev)
  SELECT q.%[4]s, q.%[3]s
  FROM q
  WHERE NOT EXISTS (SELECT 1 FROM %[2]s s WHERE s.id = q.%[4]s)
  RETURNING id
)
SELECT i.id AS id, 1::smallint AS op, q.__qw_rn AS rn, %[5]s AS data, q.%[3]s AS rev
  FROM i JOIN q ON q.%[4]s = i.id
UNION ALL
SELECT u.id, 2::smallint, q.__qw_rn, %[5]s, q.%[3]s
  FROM u JOIN q ON q.%[4]s = u.id
UNION ALL
SELECT d.id, 3::smallint, NULL::bigint, NULL::jsonb, d.rev
  FROM d
`,
		rewrittenSQL,
		shadowTable,
		sqlident.Quote(revCol),
		sqlident.Quote(idCol),
		dataExpr,
		sqlident.Literal(seqName),
	)

	rows, err := conn.Query(ctx, stmt)
	if err != nil {
		return nil, lastRev, &qcore.Error{Kind: qcore.KindDiff, Err: fmt.Errorf("diff query: %w", err)}
	}
	defer rows.Close()

	var changes []Change
	maxRev := lastRev
	for rows.Next() {
		var (
			id   string
			op   int16
			rn   *int64
			data []byte
			rev  *int64
		)
		if err := rows.Scan(&id, &op, &rn, &data, &rev); err != nil {
			return nil, lastRev, &qcore.Error{Kind: qcore.KindDiff, Err: fmt.Errorf("diff scan: %w", err)}
		}
		c := Change{ID: id, Op: Op(op)}
		if rn != nil {
			c.Rn = *rn
		}
		if data != nil {
			c.Data = json.RawMessage(data)
		}
		if rev != nil && *rev > maxRev {
			maxRev = *rev
		}
		changes = append(changes, c)
	}
	if err := rows.Err(); err != nil {
		return nil, lastRev, &qcore.Error{Kind: qcore.KindDiff, Err: fmt.Errorf("diff rows: %w", err)}
	}

	return changes, maxRev, nil
}
