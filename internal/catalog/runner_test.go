package catalog

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeExecutor struct {
	calls   atomic.Int32
	current atomic.Int32
	peak    atomic.Int32

	mu   sync.Mutex
	seen map[string]int

	fn func(ctx context.Context, run *Run) error
}

func (f *fakeExecutor) Execute(ctx context.Context, run *Run) error {
	f.calls.Add(1)
	n := f.current.Add(1)
	defer f.current.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}

	f.mu.Lock()
	if f.seen == nil {
		f.seen = make(map[string]int)
	}
	f.seen[run.ID]++
	f.mu.Unlock()

	if f.fn != nil {
		return f.fn(ctx, run)
	}
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestRunner_ExecutesPendingRuns(t *testing.T) {
	database, repo := setupTestDB(t)
	defer database.Close()

	svc := NewService(repo, nil)
	submitVideo(t, svc, "a")

	exec := &fakeExecutor{fn: func(ctx context.Context, run *Run) error {
		return repo.TransitionRun(ctx, run.ID, RunStarted, RunAnalyzing)
	}}
	runner := NewRunner(repo, exec, 2, 10*time.Millisecond, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		runner.Start(ctx)
		close(done)
	}()

	waitFor(t, 2*time.Second, func() bool { return exec.calls.Load() >= 1 })
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	if got := exec.calls.Load(); got != 1 {
		t.Errorf("Execute calls = %d, want 1", got)
	}
	if runner.IsRunning() {
		t.Error("runner should not report running after Start returns")
	}
}

func TestRunner_BoundsConcurrency(t *testing.T) {
	database, repo := setupTestDB(t)
	defer database.Close()

	svc := NewService(repo, nil)
	for _, id := range []string{"a", "b", "c", "d"} {
		submitVideo(t, svc, id)
	}

	release := make(chan struct{})
	exec := &fakeExecutor{fn: func(ctx context.Context, run *Run) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return repo.TransitionRun(context.Background(), run.ID, RunStarted, RunAnalyzing)
	}}
	runner := NewRunner(repo, exec, 2, 10*time.Millisecond, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		runner.Start(ctx)
		close(done)
	}()

	waitFor(t, 2*time.Second, func() bool { return runner.ActiveRuns() == 2 })
	time.Sleep(50 * time.Millisecond)
	if got := exec.calls.Load(); got != 2 {
		t.Errorf("Execute calls while saturated = %d, want 2", got)
	}

	close(release)
	waitFor(t, 2*time.Second, func() bool { return exec.calls.Load() == 4 })
	cancel()
	<-done

	if got := exec.peak.Load(); got > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", got)
	}
	exec.mu.Lock()
	defer exec.mu.Unlock()
	for id, n := range exec.seen {
		if n != 1 {
			t.Errorf("run %s executed %d times, want 1", id, n)
		}
	}
}

func TestRunner_PauseResume(t *testing.T) {
	database, repo := setupTestDB(t)
	defer database.Close()

	runner := NewRunner(repo, &fakeExecutor{}, 1, time.Second, testLogger())

	if runner.IsPaused() {
		t.Error("runner should not start paused")
	}
	runner.Pause()
	if !runner.IsPaused() {
		t.Error("runner should be paused after Pause()")
	}
	runner.Resume()
	if runner.IsPaused() {
		t.Error("runner should not be paused after Resume()")
	}
}

func TestRunner_PausedSkipsDispatch(t *testing.T) {
	database, repo := setupTestDB(t)
	defer database.Close()

	svc := NewService(repo, nil)
	submitVideo(t, svc, "paused")

	exec := &fakeExecutor{}
	runner := NewRunner(repo, exec, 1, 10*time.Millisecond, testLogger())
	runner.Pause()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		runner.Start(ctx)
		close(done)
	}()

	time.Sleep(80 * time.Millisecond)
	cancel()
	<-done

	if got := exec.calls.Load(); got != 0 {
		t.Errorf("Execute calls while paused = %d, want 0", got)
	}
}
