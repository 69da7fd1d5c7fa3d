package catalog

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/videa/videa-pipeline/internal/logging"
)

// RunExecutor drives one pipeline run to a terminal state.
type RunExecutor interface {
	Execute(ctx context.Context, run *Run) error
}

// Runner picks up STARTED runs from storage on a ticker and executes them,
// at most `concurrency` at a time.
type Runner struct {
	repo         Repository
	executor     RunExecutor
	logger       *slog.Logger
	pollInterval time.Duration
	slots        chan struct{}
	running      atomic.Bool
	paused       atomic.Bool

	mu       sync.Mutex
	inflight map[string]struct{}
	wg       sync.WaitGroup
}

func NewRunner(repo Repository, executor RunExecutor, concurrency int, pollInterval time.Duration, logger *slog.Logger) *Runner {
	if concurrency < 1 {
		concurrency = 1
	}
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &Runner{
		repo:         repo,
		executor:     executor,
		logger:       logging.OrDiscard(logger),
		pollInterval: pollInterval,
		slots:        make(chan struct{}, concurrency),
		inflight:     make(map[string]struct{}),
	}
}

// Start blocks until ctx is cancelled, then waits for in-flight runs to
// return.
func (r *Runner) Start(ctx context.Context) {
	if r.running.Swap(true) {
		return
	}

	r.logger.Info("run runner started", "concurrency", cap(r.slots))

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("run runner stopping", "in_flight", r.ActiveRuns())
			r.wg.Wait()
			r.running.Store(false)
			return
		case <-ticker.C:
			if !r.paused.Load() {
				r.dispatchPending(ctx)
			}
		}
	}
}

func (r *Runner) Pause() {
	r.paused.Store(true)
	r.logger.Info("run runner paused")
}

func (r *Runner) Resume() {
	r.paused.Store(false)
	r.logger.Info("run runner resumed")
}

func (r *Runner) IsPaused() bool {
	return r.paused.Load()
}

func (r *Runner) IsRunning() bool {
	return r.running.Load()
}

// ActiveRuns returns the number of runs currently executing.
func (r *Runner) ActiveRuns() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.inflight)
}

func (r *Runner) dispatchPending(ctx context.Context) {
	free := cap(r.slots) - len(r.slots)
	if free <= 0 {
		return
	}

	runs, err := r.repo.ListPendingRuns(ctx, cap(r.slots)*2)
	if err != nil {
		r.logger.Error("failed to list pending runs", "error", err)
		return
	}

	for _, run := range runs {
		if !r.claim(run.ID) {
			continue
		}
		select {
		case r.slots <- struct{}{}:
		default:
			r.release(run.ID)
			return
		}

		r.wg.Add(1)
		go r.execute(ctx, run)
	}
}

func (r *Runner) execute(ctx context.Context, run *Run) {
	defer func() {
		<-r.slots
		r.release(run.ID)
		r.wg.Done()
	}()

	r.logger.Info("executing run", "run_id", run.ID, "video_id", run.VideoID)
	if err := r.executor.Execute(ctx, run); err != nil {
		r.logger.Warn("run did not complete", "run_id", run.ID, "video_id", run.VideoID, "error", err)
		return
	}
	r.logger.Info("run completed", "run_id", run.ID, "video_id", run.VideoID)
}

func (r *Runner) claim(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.inflight[id]; ok {
		return false
	}
	r.inflight[id] = struct{}{}
	return true
}

func (r *Runner) release(id string) {
	r.mu.Lock()
	delete(r.inflight, id)
	r.mu.Unlock()
}
