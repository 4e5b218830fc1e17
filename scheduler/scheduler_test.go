package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/driftwood-labs/qwatch/qcore"
)

type fakeRunner struct {
	id   string
	runs *[]string
	mu   *sync.Mutex
}

func (f *fakeRunner) WatcherID() string { return f.id }

func (f *fakeRunner) RunDiff(ctx context.Context) {
	f.mu.Lock()
	*f.runs = append(*f.runs, f.id)
	f.mu.Unlock()
}

func TestSchedulerPicksMostStaleFirst(t *testing.T) {
	notifyCh := make(chan qcore.Notification, 8)
	s := New(notifyCh, nil)

	var mu sync.Mutex
	var runs []string

	a := &fakeRunner{id: "a", runs: &runs, mu: &mu}
	b := &fakeRunner{id: "b", runs: &runs, mu: &mu}

	// Register marks each watcher stale once (initial run); one extra bump
	// makes b the most stale, so it must run before a.
	s.Register(a, []string{"public.t"})
	s.Register(b, []string{"public.t"})
	s.MarkStale("b")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go s.Run(ctx)

	deadline := time.After(time.Second)
	for {
		mu.Lock()
		n := len(runs)
		mu.Unlock()
		if n >= 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("expected both watchers to run at least once, got %v", runs)
		case <-time.After(10 * time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if runs[0] != "b" {
		t.Fatalf("expected most-stale watcher b to run first, got %v", runs)
	}
}

func TestSchedulerNotifyTargetsInterestedWatchers(t *testing.T) {
	notifyCh := make(chan qcore.Notification, 8)
	s := New(notifyCh, nil)

	var mu sync.Mutex
	var runs []string
	a := &fakeRunner{id: "a", runs: &runs, mu: &mu}
	b := &fakeRunner{id: "b", runs: &runs, mu: &mu}
	s.Register(a, []string{"public.t"})
	s.Register(b, []string{"public.other"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go s.Run(ctx)

	time.Sleep(50 * time.Millisecond) // let the initial run drain
	mu.Lock()
	runs = nil
	mu.Unlock()

	notifyCh <- qcore.Notification{Channel: "__qw__", Payload: "public.t"}

	deadline := time.After(500 * time.Millisecond)
	for {
		mu.Lock()
		n := len(runs)
		mu.Unlock()
		if n >= 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("expected a notify-triggered run")
		case <-time.After(10 * time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	for _, id := range runs {
		if id != "a" {
			t.Fatalf("expected only the watcher interested in public.t to run, got %v", runs)
		}
	}
}

func TestUnregisterStopsFutureDispatch(t *testing.T) {
	notifyCh := make(chan qcore.Notification, 8)
	s := New(notifyCh, nil)

	var mu sync.Mutex
	var runs []string
	a := &fakeRunner{id: "a", runs: &runs, mu: &mu}
	s.Register(a, []string{"public.t"})
	s.Unregister("a")

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	s.Run(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(runs) != 0 {
		t.Fatalf("expected unregistered watcher to never run, got %v", runs)
	}
}
