// Package pipeline drives a run through its state machine:
// STARTED -> ANALYZING -> SYNTHESIZING -> CONSOLIDATING -> COMPLETED, with
// FAILED reachable from every non-terminal state.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/videa/videa-pipeline/internal/catalog"
	"github.com/videa/videa-pipeline/internal/consolidate"
	"github.com/videa/videa-pipeline/internal/insights"
	"github.com/videa/videa-pipeline/internal/logging"
	"github.com/videa/videa-pipeline/internal/metrics"
	"github.com/videa/videa-pipeline/internal/stages"
)

const (
	DefaultAbandonReason = "abandoned by operator"
	ShutdownReason       = "interrupted by shutdown"
)

var (
	ErrRunNotFound = errors.New("run not found")
	ErrRunTerminal = errors.New("run already terminal")
)

var errAbandoned = errors.New("run abandoned")

var tracer = otel.Tracer("github.com/videa/videa-pipeline/internal/pipeline")

type Options struct {
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Coordinator executes runs. It implements catalog.RunExecutor.
type Coordinator struct {
	repo         catalog.Repository
	stages       []stages.Stage
	consolidator *consolidate.Consolidator
	metrics      *metrics.Metrics
	logger       *slog.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelCauseFunc
}

func NewCoordinator(repo catalog.Repository, stageList []stages.Stage, consolidator *consolidate.Consolidator, opts Options) *Coordinator {
	return &Coordinator{
		repo:         repo,
		stages:       stageList,
		consolidator: consolidator,
		metrics:      opts.Metrics,
		logger:       logging.WithComponent(logging.OrDiscard(opts.Logger), "coordinator"),
		cancels:      make(map[string]context.CancelCauseFunc),
	}
}

// Execute drives run from STARTED to a terminal state. Any failure marks the
// run and its video FAILED before the error is returned.
func (c *Coordinator) Execute(ctx context.Context, run *catalog.Run) (err error) {
	log := logging.WithVideoID(logging.WithRunID(c.logger, run.ID), run.VideoID)

	ctx, span := tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("run.id", run.ID),
		attribute.String("video.id", run.VideoID),
	))
	defer span.End()

	runCtx, cancel := context.WithCancelCause(ctx)
	c.register(run.ID, cancel)
	defer func() {
		c.unregister(run.ID)
		cancel(nil)
	}()

	c.metrics.RunStarted()
	start := time.Now()
	defer func() {
		outcome := string(catalog.RunCompleted)
		if err != nil {
			outcome = string(catalog.RunFailed)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		c.metrics.RunFinished(outcome)
		log.Info("run finished", "outcome", outcome, "duration", time.Since(start))
	}()

	video, err := c.repo.GetVideo(runCtx, run.VideoID)
	if err != nil {
		err = fmt.Errorf("load video %s: %w", run.VideoID, err)
		c.fail(runCtx, log, run.ID, err)
		return err
	}
	if video == nil {
		err = fmt.Errorf("video %s not found", run.VideoID)
		c.fail(runCtx, log, run.ID, err)
		return err
	}

	if err := c.advance(runCtx, run.ID, catalog.RunStarted, catalog.RunAnalyzing); err != nil {
		c.fail(runCtx, log, run.ID, err)
		return err
	}
	target := stages.Target{RunID: run.ID, VideoID: video.ID, SourceLocation: video.SourceLocation}
	if err := c.analyze(runCtx, log, target); err != nil {
		c.fail(runCtx, log, run.ID, err)
		return err
	}

	if err := c.advance(runCtx, run.ID, catalog.RunAnalyzing, catalog.RunSynthesizing); err != nil {
		c.fail(runCtx, log, run.ID, err)
		return err
	}
	if err := c.synthesize(runCtx, run.ID, video.ID); err != nil {
		c.fail(runCtx, log, run.ID, err)
		return err
	}

	if err := c.advance(runCtx, run.ID, catalog.RunSynthesizing, catalog.RunConsolidating); err != nil {
		c.fail(runCtx, log, run.ID, err)
		return err
	}
	if err := c.consolidator.Consolidate(runCtx, run.ID, video.ID, video.Title, video.Description); err != nil {
		c.fail(runCtx, log, run.ID, err)
		return err
	}
	return nil
}

// Abandon marks a non-terminal run FAILED and cancels it if it is executing
// in this process. Writes the run makes afterwards are rejected as stale.
func (c *Coordinator) Abandon(ctx context.Context, runID, reason string) error {
	if reason == "" {
		reason = DefaultAbandonReason
	}

	run, err := c.repo.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run == nil {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}

	ok, err := c.repo.FailRun(ctx, runID, reason)
	if err != nil {
		return fmt.Errorf("abandon run %s: %w", runID, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrRunTerminal, runID)
	}

	c.mu.Lock()
	cancel := c.cancels[runID]
	c.mu.Unlock()
	if cancel != nil {
		cancel(errAbandoned)
	}

	c.logger.Warn("run abandoned", "run_id", runID, "video_id", run.VideoID, "reason", reason, "was_executing", cancel != nil)
	return nil
}

func (c *Coordinator) advance(ctx context.Context, runID string, from, to catalog.RunState) error {
	if err := c.repo.TransitionRun(context.WithoutCancel(ctx), runID, from, to); err != nil {
		return fmt.Errorf("advance run %s to %s: %w", runID, to, err)
	}
	trace.SpanFromContext(ctx).AddEvent("state", trace.WithAttributes(attribute.String("run.state", string(to))))
	return nil
}

// analyze runs every stage concurrently. The first failure cancels the
// others.
func (c *Coordinator) analyze(ctx context.Context, log *slog.Logger, t stages.Target) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, st := range c.stages {
		st := st
		g.Go(func() error {
			return c.runStage(gctx, log, st, t)
		})
	}
	return g.Wait()
}

func (c *Coordinator) runStage(ctx context.Context, log *slog.Logger, st stages.Stage, t stages.Target) error {
	kind := st.Kind()
	bookkeeping := context.WithoutCancel(ctx)

	if err := c.repo.UpdateStageRun(bookkeeping, &catalog.StageRun{RunID: t.RunID, Kind: kind, Status: catalog.StageStatusRunning}); err != nil {
		log.Warn("failed to record stage start", "stage", kind, "error", err)
	}

	start := time.Now()
	rep, err := st.Run(ctx, t)

	rec := &catalog.StageRun{
		RunID:   t.RunID,
		Kind:    kind,
		Status:  catalog.StageStatusSucceeded,
		JobID:   rep.JobID,
		Polls:   rep.Polls,
		Retries: rep.Retries,
	}
	if err != nil {
		rec.Status = catalog.StageStatusFailed
		rec.Error = err.Error()
	}
	if uerr := c.repo.UpdateStageRun(bookkeeping, rec); uerr != nil {
		log.Warn("failed to record stage outcome", "stage", kind, "error", uerr)
	}
	c.metrics.StageFinished(string(kind), err == nil, time.Since(start), rep.Polls, rep.Retries)
	return err
}

func (c *Coordinator) synthesize(ctx context.Context, runID, videoID string) error {
	in, err := consolidate.LoadStageOutputs(ctx, c.repo, runID, videoID)
	if err != nil {
		return fmt.Errorf("synthesize: %w", err)
	}

	out := insights.Synthesize(in.Labels, in.Faces, in.Transcript)
	if err := c.repo.PutInsights(ctx, videoID, &catalog.Insights{
		RunID:      runID,
		Summary:    out.Summary,
		KeyMoments: out.KeyMoments,
	}); err != nil {
		return fmt.Errorf("store insights: %w", err)
	}
	return nil
}

// fail records err as the run's failure reason. A run that is already
// terminal, abandoned for instance, is left untouched.
func (c *Coordinator) fail(ctx context.Context, log *slog.Logger, runID string, err error) {
	reason := err.Error()
	switch cause := context.Cause(ctx); {
	case errors.Is(cause, errAbandoned):
		return
	case cause != nil:
		reason = ShutdownReason
	}

	ok, ferr := c.repo.FailRun(context.WithoutCancel(ctx), runID, reason)
	if ferr != nil {
		log.Error("failed to mark run failed", "error", ferr, "reason", reason)
		return
	}
	if ok {
		log.Warn("run failed", "reason", reason)
	}
}

func (c *Coordinator) register(runID string, cancel context.CancelCauseFunc) {
	c.mu.Lock()
	c.cancels[runID] = cancel
	c.mu.Unlock()
}

func (c *Coordinator) unregister(runID string) {
	c.mu.Lock()
	delete(c.cancels, runID)
	c.mu.Unlock()
}
