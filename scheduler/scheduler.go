// Package scheduler implements the notify-driven fairness scheduler: one
// loop per engine that turns pg_notify payloads into a stale count per
// watcher and runs diffs for the most-stale watcher first, one diff at a
// time, so no single hot table can starve the others. The loop is a plain
// for-select over channels, not recursive, so its stack depth never grows
// with the number of notifications processed.
package scheduler

import (
	"container/heap"
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/driftwood-labs/qwatch/qcore"
)

// Runner is whatever a watcher exposes to the scheduler: an identity and a
// diff step to run when it's picked.
type Runner interface {
	WatcherID() string
	RunDiff(ctx context.Context)
}

// Scheduler fans notifications on a single channel out to interested
// watchers and dispatches their diffs one at a time, most-stale first.
type Scheduler struct {
	log *zap.Logger

	mu       sync.Mutex
	items    map[string]*item
	order    itemHeap
	runners  map[string]Runner
	tableMap map[string]map[string]struct{} // "schema.table" -> watcher IDs

	notifyCh <-chan qcore.Notification
	wake     chan struct{}
}

type item struct {
	watcherID string
	stale     int
	index     int
}

func New(notifyCh <-chan qcore.Notification, log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{
		log:      log,
		items:    make(map[string]*item),
		runners:  make(map[string]Runner),
		tableMap: make(map[string]map[string]struct{}),
		notifyCh: notifyCh,
		wake:     make(chan struct{}, 1),
	}
}

// Register adds a watcher to the scheduler, interested in the given set of
// "schema.table" keys, and marks it stale once so it gets an initial run.
func (s *Scheduler) Register(r Runner, tables []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := r.WatcherID()
	s.runners[id] = r
	it := &item{watcherID: id, stale: 1}
	s.items[id] = it
	heap.Push(&s.order, it)

	for _, t := range tables {
		if s.tableMap[t] == nil {
			s.tableMap[t] = make(map[string]struct{})
		}
		s.tableMap[t][id] = struct{}{}
	}
	s.notifyWake()
}

// Unregister removes a watcher so future notifications no longer mark it
// stale and it is never picked again.
func (s *Scheduler) Unregister(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if it, ok := s.items[id]; ok {
		heap.Remove(&s.order, it.index)
		delete(s.items, id)
	}
	delete(s.runners, id)
	for t, ids := range s.tableMap {
		delete(ids, id)
		if len(ids) == 0 {
			delete(s.tableMap, t)
		}
	}
}

// MarkStale bumps a watcher's stale count directly. Used to re-queue a
// watcher whose diff just failed, per the engine's error-recovery policy.
func (s *Scheduler) MarkStale(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if it, ok := s.items[id]; ok {
		it.stale++
		heap.Fix(&s.order, it.index)
	}
	s.notifyWake()
}

func (s *Scheduler) notifyWake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run drives the scheduler loop until ctx is canceled or the notification
// channel closes (connection lost).
func (s *Scheduler) Run(ctx context.Context) {
	for {
		if id, ok := s.popMostStale(); ok {
			r, ok := s.runnerFor(id)
			if ok {
				r.RunDiff(ctx)
			}
			continue
		}

		select {
		case <-ctx.Done():
			return
		case n, ok := <-s.notifyCh:
			if !ok {
				return
			}
			s.handleNotify(n)
		case <-s.wake:
		}
	}
}

func (s *Scheduler) runnerFor(id string) (Runner, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runners[id]
	return r, ok
}

func (s *Scheduler) handleNotify(n qcore.Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id := range s.tableMap[n.Payload] {
		if it, ok := s.items[id]; ok {
			it.stale++
			heap.Fix(&s.order, it.index)
		}
	}
}

// popMostStale pops the watcher with the highest stale count, if any
// watcher is actually stale, resetting its count to zero and re-pushing it
// so it stays in the rotation for future notifications.
func (s *Scheduler) popMostStale() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.order.Len() == 0 {
		return "", false
	}
	top := s.order[0]
	if top.stale <= 0 {
		return "", false
	}
	top.stale = 0
	heap.Fix(&s.order, top.index)
	return top.watcherID, true
}

// itemHeap is a max-heap on stale count.
type itemHeap []*item

func (h itemHeap) Len() int            { return len(h) }
func (h itemHeap) Less(i, j int) bool  { return h[i].stale > h[j].stale }
func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *itemHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}
func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}
