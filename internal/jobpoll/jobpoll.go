// Package jobpoll starts long-running jobs on an external capability and
// polls them to a terminal state with a bounded poll budget, a hard
// deadline and bounded retries of individual poll calls.
package jobpoll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/videa/videa-pipeline/internal/logging"
)

// State is the externally reported state of a job.
type State string

const (
	StatePending   State = "PENDING"
	StateRunning   State = "RUNNING"
	StateSucceeded State = "SUCCEEDED"
	StateFailed    State = "FAILED"
	// StateTimeout is never reported by a capability. Await sets it when the
	// poll budget or deadline runs out.
	StateTimeout State = "TIMEOUT"
)

func (s State) rank() int {
	switch s {
	case StatePending:
		return 1
	case StateRunning:
		return 2
	case StateSucceeded, StateFailed, StateTimeout:
		return 3
	default:
		return 0
	}
}

// Terminal reports whether s is SUCCEEDED, FAILED or TIMEOUT.
func (s State) Terminal() bool {
	return s.rank() == 3
}

var (
	ErrJobFailed          = errors.New("job failed")
	ErrJobTimeout         = errors.New("job timed out")
	ErrPollingUnavailable = errors.New("job polling unavailable")
	// ErrMalformedOutput is matched by capability errors reporting that a
	// succeeded job's result could not be decoded.
	ErrMalformedOutput = errors.New("malformed job output")
)

// Spec describes a job to submit.
type Spec struct {
	SourceLocation string
	Params         map[string]string
	// OutputLocation optionally asks the capability to write its result
	// document to a specific place.
	OutputLocation string
}

// Handle identifies a submitted job.
type Handle struct {
	ID             string
	OutputLocation string
}

// Status is one poll response.
type Status[T any] struct {
	State  State
	Output T
	Reason string
}

// Capability is an external analysis engine reachable through a start/poll
// contract.
type Capability[T any] interface {
	Start(ctx context.Context, spec Spec) (Handle, error)
	Status(ctx context.Context, h Handle) (Status[T], error)
}

// Result carries the job output and the polling statistics. Polls, Retries
// and State are filled in even when Await returns an error.
type Result[T any] struct {
	Output  T
	State   State
	Polls   int
	Retries int
}

// SubmissionError means the capability rejected the job request.
type SubmissionError struct {
	Spec Spec
	Err  error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("job submission rejected for %s: %v", e.Spec.SourceLocation, e.Err)
}

func (e *SubmissionError) Unwrap() error {
	return e.Err
}

// JobError is returned by Await for every non-success outcome other than
// parent cancellation. Kind is one of ErrJobFailed, ErrJobTimeout,
// ErrPollingUnavailable or ErrMalformedOutput and is matched by errors.Is.
type JobError struct {
	Kind   error
	Handle Handle
	Reason string
	Err    error
}

func (e *JobError) Error() string {
	msg := fmt.Sprintf("job %s: %v", e.Handle.ID, e.Kind)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *JobError) Is(target error) bool {
	return target == e.Kind
}

func (e *JobError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether a poll call error may be retried. Errors that
// implement IsRetryable decide for themselves; context errors never retry;
// anything else is assumed to be a transient transport failure.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var r interface{ IsRetryable() bool }
	if errors.As(err, &r) {
		return r.IsRetryable()
	}
	return true
}

type Options struct {
	// MaxRetries bounds retries of a single failing poll call. Zero means
	// no retries. Negative means DefaultMaxRetries.
	MaxRetries int
	// RetryInitialInterval and RetryMaxInterval shape the exponential
	// backoff between retries of one poll call.
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration
	// OnState is called whenever Await accepts a new job state.
	OnState func(State)
	Logger  *slog.Logger
}

const (
	DefaultMaxRetries           = 3
	DefaultRetryInitialInterval = 500 * time.Millisecond
	DefaultRetryMaxInterval     = 5 * time.Second
)

// Poller wraps one capability.
type Poller[T any] struct {
	capability Capability[T]
	opts       Options
	logger     *slog.Logger
}

func New[T any](capability Capability[T], opts Options) *Poller[T] {
	if opts.MaxRetries < 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.RetryInitialInterval <= 0 {
		opts.RetryInitialInterval = DefaultRetryInitialInterval
	}
	if opts.RetryMaxInterval < opts.RetryInitialInterval {
		opts.RetryMaxInterval = DefaultRetryMaxInterval
		if opts.RetryMaxInterval < opts.RetryInitialInterval {
			opts.RetryMaxInterval = opts.RetryInitialInterval
		}
	}
	return &Poller[T]{capability: capability, opts: opts, logger: logging.OrDiscard(opts.Logger)}
}

// WithOnState returns a copy of the poller that reports accepted states to fn.
func (p *Poller[T]) WithOnState(fn func(State)) *Poller[T] {
	cp := *p
	cp.opts.OnState = fn
	return &cp
}

// Start submits the job. Any rejection is a *SubmissionError and is not
// retried.
func (p *Poller[T]) Start(ctx context.Context, spec Spec) (Handle, error) {
	h, err := p.capability.Start(ctx, spec)
	if err != nil {
		return Handle{}, &SubmissionError{Spec: spec, Err: err}
	}
	if h.ID == "" {
		return Handle{}, &SubmissionError{Spec: spec, Err: errors.New("capability returned an empty job id")}
	}
	p.logger.Debug("job started", "job_id", h.ID, "source", spec.SourceLocation)
	return h, nil
}

// Await polls h until it reaches a terminal state. The first poll is
// immediate, later polls are pollInterval apart, and no more than maxPolls
// polls are made. pollInterval*maxPolls is a hard deadline for the job.
func (p *Poller[T]) Await(ctx context.Context, h Handle, pollInterval time.Duration, maxPolls int) (Result[T], error) {
	res := Result[T]{State: StatePending}
	if maxPolls < 1 {
		maxPolls = 1
	}
	if pollInterval <= 0 {
		pollInterval = time.Second
	}

	pctx, cancel := context.WithTimeout(ctx, pollInterval*time.Duration(maxPolls))
	defer cancel()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for res.Polls < maxPolls {
		select {
		case <-pctx.Done():
			return res, p.interrupted(ctx, h, &res)
		case <-timer.C:
		}

		st, retries, err := p.poll(pctx, h)
		res.Polls++
		res.Retries += retries
		if err != nil {
			if pctx.Err() != nil {
				return res, p.interrupted(ctx, h, &res)
			}
			if errors.Is(err, ErrMalformedOutput) {
				res.State = StateSucceeded
				p.logger.Warn("job output malformed", "job_id", h.ID, "polls", res.Polls, "error", err)
				return res, &JobError{Kind: ErrMalformedOutput, Handle: h, Err: err}
			}
			p.logger.Warn("job polling unavailable", "job_id", h.ID, "polls", res.Polls, "retries", res.Retries, "error", err)
			return res, &JobError{Kind: ErrPollingUnavailable, Handle: h, Err: err}
		}

		switch {
		case st.State.rank() == 0:
			return res, &JobError{Kind: ErrPollingUnavailable, Handle: h, Reason: fmt.Sprintf("unknown job state %q", st.State)}
		case st.State.rank() < res.State.rank():
			p.logger.Warn("ignoring job state regression", "job_id", h.ID, "observed", res.State, "reported", st.State)
		case st.State != res.State:
			res.State = st.State
			if p.opts.OnState != nil {
				p.opts.OnState(st.State)
			}
		}

		switch res.State {
		case StateSucceeded:
			res.Output = st.Output
			p.logger.Debug("job succeeded", "job_id", h.ID, "polls", res.Polls, "retries", res.Retries)
			return res, nil
		case StateFailed:
			return res, &JobError{Kind: ErrJobFailed, Handle: h, Reason: st.Reason}
		case StateTimeout:
			return res, &JobError{Kind: ErrJobTimeout, Handle: h, Reason: st.Reason}
		}

		timer.Reset(pollInterval)
	}

	last := res.State
	res.State = StateTimeout
	return res, &JobError{Kind: ErrJobTimeout, Handle: h, Reason: fmt.Sprintf("still %s after %d polls", last, res.Polls)}
}

// Run starts the job and awaits it.
func (p *Poller[T]) Run(ctx context.Context, spec Spec, pollInterval time.Duration, maxPolls int) (Handle, Result[T], error) {
	h, err := p.Start(ctx, spec)
	if err != nil {
		return Handle{}, Result[T]{}, err
	}
	res, err := p.Await(ctx, h, pollInterval, maxPolls)
	return h, res, err
}

func (p *Poller[T]) interrupted(parent context.Context, h Handle, res *Result[T]) error {
	if err := parent.Err(); err != nil {
		return fmt.Errorf("await job %s: %w", h.ID, err)
	}
	res.State = StateTimeout
	return &JobError{Kind: ErrJobTimeout, Handle: h, Reason: fmt.Sprintf("deadline exceeded after %d polls", res.Polls)}
}

// poll makes one logical status call, retrying transient failures.
func (p *Poller[T]) poll(ctx context.Context, h Handle) (Status[T], int, error) {
	var st Status[T]
	attempts := 0

	op := func() error {
		attempts++
		s, err := p.capability.Status(ctx, h)
		if err != nil {
			if !IsRetryable(err) {
				return backoff.Permanent(err)
			}
			p.logger.Debug("retrying job status", "job_id", h.ID, "attempt", attempts, "error", err)
			return err
		}
		st = s
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.opts.RetryInitialInterval
	bo.MaxInterval = p.opts.RetryMaxInterval
	bo.MaxElapsedTime = 0

	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(p.opts.MaxRetries)), ctx))
	retries := attempts - 1
	if retries < 0 {
		retries = 0
	}
	return st, retries, err
}
