package qwatch

import "github.com/driftwood-labs/qwatch/qcore"

// Connection is the database collaborator the engine is built against. It
// deliberately exposes nothing beyond query execution and LISTEN/NOTIFY —
// the engine never opens its own connections, reads config, or manages a
// pool; callers supply one, typically backed by internal/pgconn.
type Connection = qcore.Connection

// Rows iterates a query result set, modeled on database/sql.Rows but kept
// minimal so any driver (pgx, lib/pq, a test fake) can satisfy it directly.
type Rows = qcore.Rows

// Notification is a single pg_notify payload delivered on a LISTEN channel.
type Notification = qcore.Notification
