// Package intake consumes video submissions from an AMQP queue. Each
// message body is a JSON catalog.Submission.
package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/videa/videa-pipeline/internal/catalog"
	"github.com/videa/videa-pipeline/internal/logging"
	"github.com/videa/videa-pipeline/internal/metrics"
)

const DefaultQueue = "video_processing_queue"

type Submitter interface {
	Submit(ctx context.Context, sub catalog.Submission) (*catalog.VideoRecord, *catalog.Run, error)
}

// Outcome is what happened to one delivery.
type Outcome string

const (
	OutcomeAccepted  Outcome = "accepted"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeRejected  Outcome = "rejected"
	OutcomeRequeued  Outcome = "requeued"
)

type Config struct {
	URL      string
	Queue    string
	Prefetch int
}

type Consumer struct {
	cfg       Config
	submitter Submitter
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

func NewConsumer(cfg Config, submitter Submitter, m *metrics.Metrics, logger *slog.Logger) *Consumer {
	if cfg.Queue == "" {
		cfg.Queue = DefaultQueue
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 8
	}
	return &Consumer{
		cfg:       cfg,
		submitter: submitter,
		metrics:   m,
		logger:    logging.WithComponent(logging.OrDiscard(logger), "intake"),
	}
}

// Run consumes until ctx is cancelled, reconnecting with exponential
// backoff whenever the broker connection drops.
func (c *Consumer) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0

	op := func() error {
		err := c.consume(ctx)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		bo.Reset()
		return err
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Warn("amqp consumer disconnected, retrying", "error", err, "retry_in", wait,
			"url", logging.SanitizeURL(c.cfg.URL))
	}

	err := backoff.RetryNotify(op, backoff.WithContext(bo, ctx), notify)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (c *Consumer) consume(ctx context.Context) error {
	conn, err := amqp.Dial(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("connect to rabbitmq: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}
	q, err := ch.QueueDeclare(c.cfg.Queue, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("declare queue %s: %w", c.cfg.Queue, err)
	}
	msgs, err := ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("register consumer: %w", err)
	}

	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	c.logger.Info("amqp consumer started", "queue", q.Name)

	for {
		select {
		case <-ctx.Done():
			return nil
		case amqpErr := <-closed:
			if amqpErr == nil {
				return errors.New("connection closed")
			}
			return amqpErr
		case d, ok := <-msgs:
			if !ok {
				return errors.New("delivery channel closed")
			}
			c.settle(d, c.Handle(ctx, d.Body))
		}
	}
}

// Handle turns one message body into a submission. Malformed and invalid
// messages are rejected; a duplicate of a live video is acknowledged and
// dropped; storage errors ask for redelivery.
func (c *Consumer) Handle(ctx context.Context, body []byte) Outcome {
	var sub catalog.Submission
	if err := json.Unmarshal(body, &sub); err != nil {
		c.logger.Warn("rejecting malformed submission", "error", err, "body_bytes", len(body))
		return c.record(OutcomeRejected)
	}

	video, run, err := c.submitter.Submit(ctx, sub)
	switch {
	case err == nil:
		c.logger.Info("submission accepted", "video_id", video.ID, "run_id", run.ID)
		return c.record(OutcomeAccepted)
	case errors.Is(err, catalog.ErrVideoExists):
		c.logger.Info("duplicate submission dropped", "video_id", sub.VideoID, "error", err)
		return c.record(OutcomeDuplicate)
	case errors.Is(err, catalog.ErrInvalidSubmission):
		c.logger.Warn("rejecting invalid submission", "video_id", sub.VideoID, "error", err)
		return c.record(OutcomeRejected)
	default:
		c.logger.Error("submission failed, requeueing", "video_id", sub.VideoID, "error", err)
		return c.record(OutcomeRequeued)
	}
}

func (c *Consumer) record(o Outcome) Outcome {
	c.metrics.IntakeMessage(string(o))
	return o
}

// acknowledger is the part of amqp.Delivery settle needs.
type acknowledger interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
}

func (c *Consumer) settle(d acknowledger, o Outcome) {
	var err error
	switch o {
	case OutcomeAccepted, OutcomeDuplicate:
		err = d.Ack(false)
	case OutcomeRejected:
		err = d.Nack(false, false)
	default:
		err = d.Nack(false, true)
	}
	if err != nil {
		c.logger.Warn("failed to settle delivery", "outcome", o, "error", err)
	}
}
