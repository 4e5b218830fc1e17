// Package shadow manages the per-watcher shadow tables the diff engine
// compares query results against: a session-local two-column table mirroring
// the last-known id/revision of every row the watcher has seen.
package shadow

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/driftwood-labs/qwatch/qcore"
)

// Manager allocates and tears down shadow tables for one Connection.
type Manager struct {
	conn    qcore.Connection
	counter atomic.Uint64
}

func NewManager(conn qcore.Connection) *Manager {
	return &Manager{conn: conn}
}

// Table is a single allocated shadow table.
type Table struct {
	// Name is the session-scoped pg_temp relation name. It is not quoted;
	// it contains only characters that need no quoting, so generated SQL
	// embeds it directly.
	Name string

	mgr *Manager
}

// Allocate creates a fresh, empty shadow table and returns a handle to it.
func (m *Manager) Allocate(ctx context.Context) (*Table, error) {
	n := m.counter.Add(1)
	name := fmt.Sprintf("pg_temp.__qw__%d", n)
	create := fmt.Sprintf(
		`CREATE TEMP TABLE IF NOT EXISTS %s (id TEXT PRIMARY KEY, rev BIGINT NOT NULL)`, name)
	if err := m.conn.Exec(ctx, create); err != nil {
		return nil, fmt.Errorf("shadow: allocate %s: %w", name, err)
	}
	return &Table{Name: name, mgr: m}, nil
}

// Drop removes the shadow table. Safe to call once a watcher is torn down;
// also happens implicitly when the session ends since pg_temp objects are
// session-scoped.
func (t *Table) Drop(ctx context.Context) error {
	if err := t.mgr.conn.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", t.Name)); err != nil {
		return fmt.Errorf("shadow: drop %s: %w", t.Name, err)
	}
	return nil
}
