// Package pgconn adapts a pgx connection pool to the qwatch.Connection
// interface. The engine's identity/shadow/trigger machinery lives in
// pg_temp, which is only visible to the backend that created it, so every
// Query/Exec the engine issues — schema setup, diffs, and user edits alike —
// is routed through one connection pinned for the engine's lifetime and
// serialized with a mutex. LISTEN/NOTIFY fan-out runs on a second, separate
// physical connection, since NOTIFY delivery is session-independent pub/sub
// and doesn't need to share a backend with the pg_temp objects.
package pgconn

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	pgxnotify "github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/driftwood-labs/qwatch"
)

// Conn wraps a *pgxpool.Pool as a qwatch.Connection: one pinned connection
// serializes every statement, and a second pinned connection runs the
// LISTEN broadcaster.
type Conn struct {
	pool *pgxpool.Pool
	log  *zap.Logger

	connOnce sync.Once
	connErr  error
	stmtConn *pgxpool.Conn
	stmtMu   sync.Mutex

	mu        sync.Mutex
	listening bool
	listenCh  chan listenRequest
}

type listenRequest struct {
	channel string
	out     chan qwatch.Notification
}

// New builds a Conn around an existing pool. The pool must allow at least
// two extra connections beyond whatever other traffic the caller expects:
// one pinned for the lifetime of the engine's serialized statement
// connection, one pinned for the lifetime of the listener session.
func New(pool *pgxpool.Pool, log *zap.Logger) *Conn {
	if log == nil {
		log = zap.NewNop()
	}
	return &Conn{pool: pool, log: log}
}

// ensureStmtConn acquires the engine's single long-lived statement
// connection on first use and reuses it for the rest of the process.
func (c *Conn) ensureStmtConn(ctx context.Context) (*pgxpool.Conn, error) {
	c.connOnce.Do(func() {
		c.stmtConn, c.connErr = c.pool.Acquire(ctx)
	})
	return c.stmtConn, c.connErr
}

// Query runs sql on the engine's single pinned statement connection. The
// connection stays locked to this call until the returned Rows is closed,
// so every Query/Exec across the engine executes one at a time, in the same
// backend session that owns its pg_temp objects.
func (c *Conn) Query(ctx context.Context, sql string, args ...any) (qwatch.Rows, error) {
	pconn, err := c.ensureStmtConn(ctx)
	if err != nil {
		return nil, fmt.Errorf("pgconn: acquire statement connection: %w", err)
	}
	c.stmtMu.Lock()
	rows, err := pconn.Query(ctx, sql, args...)
	if err != nil {
		c.stmtMu.Unlock()
		return nil, fmt.Errorf("pgconn: query: %w", err)
	}
	return &pgxRows{rows: rows, unlock: &c.stmtMu}, nil
}

func (c *Conn) Exec(ctx context.Context, sql string, args ...any) error {
	pconn, err := c.ensureStmtConn(ctx)
	if err != nil {
		return fmt.Errorf("pgconn: acquire statement connection: %w", err)
	}
	c.stmtMu.Lock()
	defer c.stmtMu.Unlock()
	if _, err := pconn.Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("pgconn: exec: %w", err)
	}
	return nil
}

// Listen returns a channel of notifications for the given channel name. The
// first caller for a given Conn starts a background broadcaster loop that
// owns one physical connection's LISTEN session; later calls for other
// channel names share that same loop. ctx bounds only the registration:
// the returned channel is closed when LISTEN fails or the listen
// connection is lost, not when ctx is canceled.
func (c *Conn) Listen(ctx context.Context, channel string) (<-chan qwatch.Notification, error) {
	c.mu.Lock()
	if !c.listening {
		c.listenCh = make(chan listenRequest)
		c.listening = true
		go c.broadcastLoop()
	}
	reqCh := c.listenCh
	c.mu.Unlock()

	out := make(chan qwatch.Notification, 64)
	select {
	case reqCh <- listenRequest{channel: channel, out: out}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return out, nil
}

// broadcastLoop owns a single physical connection for its entire lifetime,
// issuing LISTEN for every channel any caller has asked for and fanning
// each notification out to every subscriber of that channel.
func (c *Conn) broadcastLoop() {
	ctx := context.Background()
	pconn, err := c.pool.Acquire(ctx)
	if err != nil {
		c.log.Error("pgconn: acquire listen connection failed", zap.Error(err))
		return
	}
	defer pconn.Release()

	subs := map[string][]chan qwatch.Notification{}
	listened := map[string]bool{}

	notifyCh := make(chan *pgxnotify.Notification, 256)
	errCh := make(chan error, 1)
	go func() {
		for {
			n, err := pconn.Conn().WaitForNotification(ctx)
			if err != nil {
				errCh <- err
				return
			}
			notifyCh <- n
		}
	}()

	for {
		select {
		case req := <-c.listenCh:
			if !listened[req.channel] {
				if _, err := pconn.Exec(ctx, fmt.Sprintf("LISTEN %q", req.channel)); err != nil {
					c.log.Error("pgconn: LISTEN failed", zap.String("channel", req.channel), zap.Error(err))
					close(req.out)
					continue
				}
				listened[req.channel] = true
			}
			subs[req.channel] = append(subs[req.channel], req.out)

		case n := <-notifyCh:
			for _, out := range subs[n.Channel] {
				select {
				case out <- qwatch.Notification{Channel: n.Channel, Payload: n.Payload}:
				default:
					c.log.Warn("pgconn: subscriber channel full, dropping notification",
						zap.String("channel", n.Channel))
				}
			}

		case err := <-errCh:
			c.log.Error("pgconn: listen connection lost", zap.Error(err))
			for _, outs := range subs {
				for _, out := range outs {
					close(out)
				}
			}
			return
		}
	}
}

// pgxRows wraps pgx.Rows and holds the statement connection's mutex for as
// long as the caller is iterating, releasing it exactly once on Close so
// the next Query/Exec on the shared connection can proceed.
type pgxRows struct {
	rows     pgx.Rows
	unlock   *sync.Mutex
	unlocked bool
}

func (r *pgxRows) Next() bool { return r.rows.Next() }

func (r *pgxRows) Scan(dest ...any) error { return r.rows.Scan(dest...) }

func (r *pgxRows) Columns() ([]string, error) {
	fields := r.rows.FieldDescriptions()
	cols := make([]string, len(fields))
	for i, f := range fields {
		cols[i] = string(f.Name)
	}
	return cols, nil
}

func (r *pgxRows) Err() error { return r.rows.Err() }

func (r *pgxRows) Close() {
	r.rows.Close()
	if !r.unlocked {
		r.unlocked = true
		r.unlock.Unlock()
	}
}
