// Package qwatch turns a plain SQL SELECT into a live, incrementally
// updated result set over a single Postgres connection: Engine.Watch
// rewrites the query to carry stable row identities and revisions,
// installs change-notification triggers on its base table, and runs a
// notify-driven, fairness-scheduled diff loop that emits insert/update/
// delete events as the underlying data changes.
package qwatch

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/driftwood-labs/qwatch/identity"
	"github.com/driftwood-labs/qwatch/scheduler"
	"github.com/driftwood-labs/qwatch/shadow"
	"github.com/driftwood-labs/qwatch/trigger"
)

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithIdentityColumn overrides the hidden identity column name added to
// watched base tables. Defaults to "__id__".
func WithIdentityColumn(name string) Option {
	return func(e *Engine) { e.idCol = name }
}

// WithRevisionColumn overrides the hidden revision column name added to
// watched base tables. Defaults to "__rev__".
func WithRevisionColumn(name string) Option {
	return func(e *Engine) { e.revCol = name }
}

// WithLogger attaches structured logging. Defaults to a no-op logger.
func WithLogger(log *zap.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// Engine is the entry point: one Engine wraps one Connection and tracks
// every query currently being watched over it.
type Engine struct {
	conn   Connection
	idCol  string
	revCol string
	log    *zap.Logger

	identity *identity.Context
	trigger  *trigger.Installer
	shadow   *shadow.Manager

	startMu   sync.Mutex
	started   bool
	cancelBg  context.CancelFunc
	scheduler *scheduler.Scheduler

	mu       sync.Mutex
	watchers map[string]*Watcher
}

// NewEngine builds an Engine over conn. conn is never opened, pooled, or
// closed by the engine — that lifecycle belongs entirely to the caller.
func NewEngine(conn Connection, opts ...Option) *Engine {
	e := &Engine{
		conn:     conn,
		idCol:    "__id__",
		revCol:   "__rev__",
		log:      zap.NewNop(),
		watchers: make(map[string]*Watcher),
	}
	for _, o := range opts {
		o(e)
	}
	e.identity = identity.NewContext(conn, e.idCol, e.revCol)
	e.trigger = trigger.NewInstaller(conn)
	e.shadow = shadow.NewManager(conn)
	return e
}

// Watch begins watching sql. The returned Subscription's Events channel
// first receives one payload-less EventReady once setup completes, then an
// EventInsert/EventUpdate/EventDelete per changed row followed by one
// EventChanges for every diff pass — including the first, whose "changes"
// are the query's initial rows delivered as inserts — until Close is
// called.
func (e *Engine) Watch(ctx context.Context, sql string) (*Subscription, error) {
	if err := e.ensureStarted(ctx); err != nil {
		return nil, err
	}

	rewritten, tables, cols, err := e.identity.Rewrite(ctx, sql)
	if err != nil {
		return nil, err
	}

	tableKeys := make([]string, 0, len(tables))
	for key, ref := range tables {
		if err := e.trigger.Ensure(ctx, ref.Schema, ref.Name); err != nil {
			return nil, err
		}
		tableKeys = append(tableKeys, key)
	}

	shadowTbl, err := e.shadow.Allocate(ctx)
	if err != nil {
		return nil, newErr(KindDiff, fmt.Errorf("allocating shadow table: %w", err))
	}

	w := &Watcher{
		id:        uuid.NewString(),
		engine:    e,
		sql:       sql,
		cols:      cols,
		rewritten: rewritten,
		tables:    tables,
		shadowTbl: shadowTbl,
		events:    make(chan Event, 256),
	}

	e.mu.Lock()
	e.watchers[w.id] = w
	e.mu.Unlock()

	// Holding w.mu keeps the first RunDiff from emitting before EventReady.
	w.mu.Lock()
	e.scheduler.Register(w, tableKeys)
	w.send(Event{Type: EventReady})
	w.mu.Unlock()

	return &Subscription{
		ID:      w.id,
		SQL:     sql,
		Tables:  tableKeys,
		Events:  w.events,
		watcher: w,
	}, nil
}

// IdentityColumn returns the hidden identity column name this engine adds
// to watched base tables.
func (e *Engine) IdentityColumn() string { return e.idCol }

// WatcherInfo is a read-only view of one active watcher, for operability
// endpoints (spec has no introspection endpoint of its own, but doesn't
// forbid one either).
type WatcherInfo struct {
	ID     string
	SQL    string
	Tables []string
}

// Snapshot returns a point-in-time view of every currently active watcher.
func (e *Engine) Snapshot() []WatcherInfo {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]WatcherInfo, 0, len(e.watchers))
	for _, w := range e.watchers {
		tables := make([]string, 0, len(w.tables))
		for k := range w.tables {
			tables = append(tables, k)
		}
		out = append(out, WatcherInfo{ID: w.id, SQL: w.sql, Tables: tables})
	}
	return out
}

// Close stops the scheduler loop and tears down every active watcher's
// shadow table.
func (e *Engine) Close(ctx context.Context) error {
	e.startMu.Lock()
	if e.cancelBg != nil {
		e.cancelBg()
	}
	e.startMu.Unlock()

	e.mu.Lock()
	watchers := make([]*Watcher, 0, len(e.watchers))
	for _, w := range e.watchers {
		watchers = append(watchers, w)
	}
	e.mu.Unlock()

	var firstErr error
	for _, w := range watchers {
		if err := w.close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (e *Engine) removeWatcher(id string) {
	e.mu.Lock()
	delete(e.watchers, id)
	e.mu.Unlock()
}

func (e *Engine) ensureStarted(ctx context.Context) error {
	e.startMu.Lock()
	defer e.startMu.Unlock()
	if e.started {
		return nil
	}

	bgCtx, cancel := context.WithCancel(context.Background())
	notifyCh, err := e.conn.Listen(bgCtx, trigger.Channel)
	if err != nil {
		cancel()
		return newErr(KindConnectionLost, fmt.Errorf("listening on %s: %w", trigger.Channel, err))
	}

	e.scheduler = scheduler.New(notifyCh, e.log)
	e.cancelBg = cancel
	e.started = true
	go e.scheduler.Run(bgCtx)
	return nil
}
