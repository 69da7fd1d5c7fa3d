// Package stages runs the three analysis stages of a pipeline run. Each
// stage starts an external job through a jobpoll.Poller, normalizes the
// job's output and stores it under its own (video, stage kind) key.
package stages

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/videa/videa-pipeline/internal/catalog"
	"github.com/videa/videa-pipeline/internal/jobpoll"
	"github.com/videa/videa-pipeline/internal/logging"
)

// ErrOutputUnreadable means the job succeeded but its result could not be
// fetched or parsed.
var ErrOutputUnreadable = errors.New("stage output unreadable")

var tracer = otel.Tracer("github.com/videa/videa-pipeline/internal/stages")

// Target is the video a stage analyzes within one run.
type Target struct {
	RunID          string
	VideoID        string
	SourceLocation string
}

// Report summarizes a finished stage for run bookkeeping.
type Report struct {
	Kind    catalog.StageKind
	JobID   string
	Polls   int
	Retries int
	Items   int
}

type Stage interface {
	Kind() catalog.StageKind
	Run(ctx context.Context, t Target) (Report, error)
}

// Store persists normalized stage outputs.
type Store interface {
	PutStageResult(ctx context.Context, videoID, runID string, kind catalog.StageKind, payload []byte) error
}

// StageError attributes a failure to the stage that produced it.
type StageError struct {
	Kind catalog.StageKind
	Err  error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage: %v", e.Kind, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Settings bound how long a stage waits for its job.
type Settings struct {
	PollInterval time.Duration
	MaxPolls     int
}

func (s Settings) withDefaults() Settings {
	if s.PollInterval <= 0 {
		s.PollInterval = 5 * time.Second
	}
	if s.MaxPolls <= 0 {
		s.MaxPolls = 360
	}
	return s
}

// runJob starts the job, awaits it and fills the job part of the report.
func runJob[T any](ctx context.Context, p *jobpoll.Poller[T], spec jobpoll.Spec, s Settings, rep *Report) (jobpoll.Handle, T, error) {
	var zero T
	h, err := p.Start(ctx, spec)
	if err != nil {
		return jobpoll.Handle{}, zero, err
	}
	rep.JobID = h.ID
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("job.id", h.ID))

	res, err := p.Await(ctx, h, s.PollInterval, s.MaxPolls)
	rep.Polls = res.Polls
	rep.Retries = res.Retries
	if errors.Is(err, jobpoll.ErrMalformedOutput) {
		return h, zero, fmt.Errorf("%w: %w", ErrOutputUnreadable, err)
	}
	if err != nil {
		return h, zero, err
	}
	return h, res.Output, nil
}

func store(ctx context.Context, st Store, t Target, kind catalog.StageKind, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", kind, err)
	}
	if err := st.PutStageResult(ctx, t.VideoID, t.RunID, kind, payload); err != nil {
		return fmt.Errorf("store %s result: %w", kind, err)
	}
	return nil
}

// instrument wraps one stage execution in a span and a log line, and turns
// every error into a *StageError.
func instrument(ctx context.Context, logger *slog.Logger, kind catalog.StageKind, t Target, run func(ctx context.Context, rep *Report) error) (Report, error) {
	ctx, span := tracer.Start(ctx, "stage."+string(kind), trace.WithAttributes(
		attribute.String("stage.kind", string(kind)),
		attribute.String("run.id", t.RunID),
		attribute.String("video.id", t.VideoID),
	))
	defer span.End()

	log := logging.WithStage(logging.WithRunID(logging.OrDiscard(logger), t.RunID), string(kind))
	start := time.Now()
	rep := Report{Kind: kind}

	err := run(ctx, &rep)
	span.SetAttributes(attribute.Int("job.polls", rep.Polls), attribute.Int("job.retries", rep.Retries))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Warn("stage failed", "job_id", rep.JobID, "polls", rep.Polls, "retries", rep.Retries,
			"duration", time.Since(start), "error", err)
		return rep, &StageError{Kind: kind, Err: err}
	}

	log.Info("stage succeeded", "job_id", rep.JobID, "polls", rep.Polls, "retries", rep.Retries,
		"items", rep.Items, "duration", time.Since(start))
	return rep, nil
}
