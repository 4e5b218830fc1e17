// Package introspect discovers the column names a SQL statement would
// produce without executing it for real rows, by asking Postgres to plan
// (and trivially execute) a zero-row wrapper around the statement.
package introspect

import (
	"context"
	"fmt"

	"github.com/driftwood-labs/qwatch/qcore"
)

// Columns returns the output column names of sql, in order, as Postgres's
// own row descriptor reports them — no SQL text parsing is involved. Any
// failure to plan or execute the wrapped query is reported as
// qcore.KindIntrospection.
func Columns(ctx context.Context, conn qcore.Connection, sql string) ([]string, error) {
	wrapped := fmt.Sprintf("SELECT * FROM (%s) __qw_introspect WHERE 0 = 1", sql)
	rows, err := conn.Query(ctx, wrapped)
	if err != nil {
		return nil, &qcore.Error{Kind: qcore.KindIntrospection, Err: fmt.Errorf("introspect columns: %w", err)}
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, &qcore.Error{Kind: qcore.KindIntrospection, Err: fmt.Errorf("introspect columns: %w", err)}
	}
	// Drain in case the driver requires Next before Columns is final, and
	// to surface any deferred execution error.
	for rows.Next() {
	}
	if err := rows.Err(); err != nil {
		return nil, &qcore.Error{Kind: qcore.KindIntrospection, Err: fmt.Errorf("introspect columns: %w", err)}
	}
	return cols, nil
}
