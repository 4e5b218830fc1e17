package qwatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/driftwood-labs/qwatch/diff"
	"github.com/driftwood-labs/qwatch/identity"
	"github.com/driftwood-labs/qwatch/internal/logutil"
	"github.com/driftwood-labs/qwatch/shadow"
)

// Subscription is the handle a caller holds for one watched query. Events
// arrive on Events in a fixed order: one payload-less ready event once
// setup completes and the watcher is enqueued for its first diff, then for
// every diff pass (including that first one), per-row insert/update/delete
// events followed by one changes batch event.
type Subscription struct {
	ID     string
	SQL    string
	Tables []string

	Events <-chan Event

	watcher *Watcher
}

// Close unregisters the watcher and releases its shadow table. Idempotent.
func (s *Subscription) Close(ctx context.Context) error {
	return s.watcher.close(ctx)
}

// Watcher is the engine-side state for one watched query (spec §4.7).
type Watcher struct {
	id     string
	engine *Engine
	sql    string
	cols   []string

	rewritten string
	tables    map[string]identity.TableRef
	shadowTbl *shadow.Table

	events chan Event

	mu      sync.Mutex
	lastRev int64
	closed  bool
}

func (w *Watcher) WatcherID() string { return w.id }

// RunDiff runs one diff pass and emits its events. Called by the scheduler
// loop; never called concurrently with itself for the same watcher since
// the scheduler dispatches one watcher's diff at a time.
func (w *Watcher) RunDiff(ctx context.Context) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	lastRev := w.lastRev
	w.mu.Unlock()

	seqName, err := w.engine.identity.SequenceName(ctx)
	if err != nil {
		w.emitError(newErr(KindDiff, err))
		return
	}

	changes, newRev, err := diff.Run(ctx, w.engine.conn, w.shadowTbl.Name, w.rewritten,
		w.engine.idCol, w.engine.revCol, seqName, w.cols, lastRev)
	if err != nil {
		w.engine.log.Warn("qwatch: diff failed",
			zap.String("watcher", w.id),
			zap.Error(err),
			logutil.Values(zap.String("sql", w.sql), zap.Int64("lastRev", lastRev)))
		w.emitError(err)
		w.engine.scheduler.MarkStale(w.id) // resolved open question: retry even with no further notifications
		return
	}

	w.mu.Lock()
	w.lastRev = newRev
	w.mu.Unlock()

	rows := make([]Row, 0, len(changes))
	ops := make([]diff.Op, 0, len(changes))
	for _, c := range changes {
		row, err := w.toRow(c)
		if err != nil {
			w.emitError(newErr(KindDiff, err))
			continue
		}
		rows = append(rows, row)
		ops = append(ops, c.Op)
	}

	for i, op := range ops {
		switch op {
		case diff.OpInsert:
			w.send(Event{Type: EventInsert, Row: &rows[i]})
		case diff.OpUpdate:
			w.send(Event{Type: EventUpdate, Row: &rows[i]})
		case diff.OpDelete:
			w.send(Event{Type: EventDelete, Row: &rows[i]})
		}
	}
	w.send(Event{Type: EventChanges, Rows: rows})
}

func (w *Watcher) toRow(c diff.Change) (Row, error) {
	row := Row{ID: c.ID, Rn: c.Rn, Columns: w.cols}
	if c.Data == nil {
		return row, nil
	}
	var values []any
	if err := json.Unmarshal(c.Data, &values); err != nil {
		return row, fmt.Errorf("decode row data: %w", err)
	}
	row.Values = values
	return row, nil
}

func (w *Watcher) emitError(err error) {
	w.send(Event{Type: EventError, Err: err})
}

func (w *Watcher) send(ev Event) {
	select {
	case w.events <- ev:
	default:
		// A slow consumer never blocks the scheduler loop; drop and warn.
		w.engine.log.Warn("qwatch: dropping event for slow subscriber",
			zap.String("watcher", w.id), zap.String("event", string(ev.Type)))
	}
}

func (w *Watcher) close(ctx context.Context) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	w.engine.scheduler.Unregister(w.id)
	w.engine.removeWatcher(w.id)
	return w.shadowTbl.Drop(ctx)
}
