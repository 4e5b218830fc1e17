// Package qcore holds the engine's DB-collaborator and error contracts
// (Connection, Rows, Notification, Error, ErrorKind). It exists as a
// standalone package so that packages the root qwatch package depends on
// (diff, identity, shadow, trigger, scheduler, introspect) can reference
// these types without importing the root package back. The root package
// re-exports everything here under its original names via type aliases,
// so this split is invisible to callers of qwatch.
package qcore

import "context"

// Connection is the database collaborator the engine is built against. It
// deliberately exposes nothing beyond query execution and LISTEN/NOTIFY —
// the engine never opens its own connections, reads config, or manages a
// pool; callers supply one, typically backed by internal/pgconn.
type Connection interface {
	// Query runs sql and returns an iterator over the result rows.
	Query(ctx context.Context, sql string, args ...any) (Rows, error)
	// Exec runs sql for its side effects only.
	Exec(ctx context.Context, sql string, args ...any) error
	// Listen subscribes to a Postgres notification channel. The returned
	// channel is closed when the underlying connection is lost; canceling
	// ctx after Listen returns does not close it.
	Listen(ctx context.Context, channel string) (<-chan Notification, error)
}

// Rows iterates a query result set, modeled on database/sql.Rows but kept
// minimal so any driver (pgx, lib/pq, a test fake) can satisfy it directly.
type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Columns() ([]string, error)
	Err() error
	Close()
}

// Notification is a single pg_notify payload delivered on a LISTEN channel.
type Notification struct {
	Channel string
	Payload string
}
