package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/videa/videa-pipeline/internal/catalog"
	"github.com/videa/videa-pipeline/internal/cloud"
	"github.com/videa/videa-pipeline/internal/cloud/videointel"
	"github.com/videa/videa-pipeline/internal/config"
	"github.com/videa/videa-pipeline/internal/jobpoll"
	"github.com/videa/videa-pipeline/internal/logging"
	"github.com/videa/videa-pipeline/internal/stages"
)

// provider bundles the three analysis capabilities of one backend together
// with the way transcript documents are read back.
type provider struct {
	labels       jobpoll.Capability[[]catalog.Label]
	faces        jobpoll.Capability[[]catalog.Face]
	transcripts  jobpoll.Capability[stages.TranscriptJob]
	fetcher      stages.DocumentFetcher
	parser       stages.TranscriptParser
	outputPrefix string
	close        func() error
}

func newProvider(ctx context.Context, cfg config.Config, logger *slog.Logger) (*provider, error) {
	switch cfg.Provider() {
	case config.ProviderGCP:
		return newGCPProvider(ctx, cfg, logger)
	default:
		return newHTTPProvider(cfg, logger)
	}
}

func newHTTPProvider(cfg config.Config, logger *slog.Logger) (*provider, error) {
	if cfg.ProviderURL() == "" {
		return nil, fmt.Errorf("%s is required when %s=%s", config.EnvProviderURL, config.EnvProvider, config.ProviderHTTP)
	}
	client := cloud.NewHTTPClient(cfg.ProviderURL(), cfg.ProviderToken(), logger)
	logger.Info("analysis provider configured", "provider", config.ProviderHTTP,
		"base_url", logging.SanitizeURL(cfg.ProviderURL()), "token", logging.SanitizeToken(cfg.ProviderToken()))

	return &provider{
		labels:      cloud.NewLabelCapability(client),
		faces:       cloud.NewFaceCapability(client),
		transcripts: cloud.NewTranscriptCapability(client),
		fetcher:     client,
		parser:      stages.TranscriptParserFunc(stages.ParseTranscriptDocument),
		close:       func() error { return nil },
	}, nil
}

func newGCPProvider(ctx context.Context, cfg config.Config, logger *slog.Logger) (*provider, error) {
	opts := videointel.ClientOptionsFromEnv()

	vi, err := videointel.New(ctx, cfg.LanguageCode(), logger, opts...)
	if err != nil {
		return nil, err
	}
	gcs, err := videointel.NewGCSFetcher(ctx, opts...)
	if err != nil {
		vi.Close()
		return nil, err
	}

	bucket := strings.TrimPrefix(cfg.TranscriptBucket(), "gs://")
	bucket = strings.TrimSuffix(bucket, "/")
	logger.Info("analysis provider configured", "provider", config.ProviderGCP,
		"transcript_bucket", bucket, "language_code", cfg.LanguageCode())

	return &provider{
		labels:       vi.LabelCapability(),
		faces:        vi.FaceCapability(),
		transcripts:  vi.TranscriptCapability(),
		fetcher:      gcs,
		parser:       stages.TranscriptParserFunc(videointel.ParseTranscriptDocument),
		outputPrefix: "gs://" + bucket + "/transcripts/",
		close: func() error {
			gerr := gcs.Close()
			if err := vi.Close(); err != nil {
				return err
			}
			return gerr
		},
	}, nil
}

// buildStages wires one poller per capability and the three stages that
// share the run's storage.
func buildStages(p *provider, store stages.Store, cfg config.Config, logger *slog.Logger) []stages.Stage {
	pollOpts := func(kind catalog.StageKind) jobpoll.Options {
		return jobpoll.Options{
			MaxRetries: cfg.PollRetries(),
			Logger:     logging.WithStage(logger, string(kind)),
		}
	}
	settings := stages.Settings{PollInterval: cfg.PollInterval(), MaxPolls: cfg.MaxPolls()}

	return []stages.Stage{
		stages.NewLabelStage(jobpoll.New(p.labels, pollOpts(catalog.StageLabels)), store, settings, logger),
		stages.NewFaceStage(jobpoll.New(p.faces, pollOpts(catalog.StageFaces)), store, settings, logger),
		stages.NewTranscriptStage(jobpoll.New(p.transcripts, pollOpts(catalog.StageTranscript)), p.fetcher, p.parser, store, stages.TranscriptStageConfig{
			Settings:     settings,
			OutputPrefix: p.outputPrefix,
			Logger:       logger,
		}),
	}
}
