package stages

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/videa/videa-pipeline/internal/catalog"
	"github.com/videa/videa-pipeline/internal/jobpoll"
)

// TranscriptJob is the output of a finished transcription job: where the
// transcript document was written.
type TranscriptJob struct {
	OutputLocation string
}

// DocumentFetcher reads a result document from an output location.
type DocumentFetcher interface {
	Fetch(ctx context.Context, location string) ([]byte, error)
}

// TranscriptParser extracts the flattened transcript from a document.
type TranscriptParser interface {
	Parse(doc []byte) (string, error)
}

type TranscriptParserFunc func(doc []byte) (string, error)

func (f TranscriptParserFunc) Parse(doc []byte) (string, error) {
	return f(doc)
}

// TranscriptStage runs speech transcription and reads the resulting
// transcript document.
type TranscriptStage struct {
	poller       *jobpoll.Poller[TranscriptJob]
	fetcher      DocumentFetcher
	parser       TranscriptParser
	store        Store
	settings     Settings
	outputPrefix string
	logger       *slog.Logger
}

type TranscriptStageConfig struct {
	Settings Settings
	// OutputPrefix, when set, asks the capability to write the document to
	// OutputPrefix + videoID + ".json".
	OutputPrefix string
	Logger       *slog.Logger
}

func NewTranscriptStage(poller *jobpoll.Poller[TranscriptJob], fetcher DocumentFetcher, parser TranscriptParser, store Store, cfg TranscriptStageConfig) *TranscriptStage {
	if parser == nil {
		parser = TranscriptParserFunc(ParseTranscriptDocument)
	}
	return &TranscriptStage{
		poller:       poller,
		fetcher:      fetcher,
		parser:       parser,
		store:        store,
		settings:     cfg.Settings.withDefaults(),
		outputPrefix: cfg.OutputPrefix,
		logger:       cfg.Logger,
	}
}

func (s *TranscriptStage) Kind() catalog.StageKind {
	return catalog.StageTranscript
}

func (s *TranscriptStage) Run(ctx context.Context, t Target) (Report, error) {
	return instrument(ctx, s.logger, catalog.StageTranscript, t, func(ctx context.Context, rep *Report) error {
		spec := jobpoll.Spec{SourceLocation: t.SourceLocation}
		if s.outputPrefix != "" {
			spec.OutputLocation = s.outputPrefix + t.VideoID + ".json"
		}

		h, out, err := runJob(ctx, s.poller, spec, s.settings, rep)
		if err != nil {
			return err
		}

		location := out.OutputLocation
		if location == "" {
			location = h.OutputLocation
		}
		if location == "" {
			location = spec.OutputLocation
		}
		if location == "" {
			return fmt.Errorf("%w: job %s reported no output location", ErrOutputUnreadable, h.ID)
		}

		doc, err := s.fetcher.Fetch(ctx, location)
		if err != nil {
			return fmt.Errorf("%w: fetch %s: %v", ErrOutputUnreadable, location, err)
		}
		if len(bytes.TrimSpace(doc)) == 0 {
			return fmt.Errorf("%w: empty document at %s", ErrOutputUnreadable, location)
		}

		transcript, err := s.parser.Parse(doc)
		if err != nil {
			return fmt.Errorf("%w: parse %s: %v", ErrOutputUnreadable, location, err)
		}

		rep.Items = len(strings.Fields(transcript))
		return store(ctx, s.store, t, catalog.StageTranscript, catalog.TranscriptPayload{
			Transcript:    transcript,
			TranscriptURI: location,
		})
	})
}

type transcriptDocument struct {
	Results *struct {
		Transcripts []struct {
			Transcript string `json:"transcript"`
		} `json:"transcripts"`
	} `json:"results"`
}

// ParseTranscriptDocument reads the {"results":{"transcripts":[...]}}
// document format. Multiple transcripts are joined with a space. A document
// without a transcripts list is rejected; an empty transcript text is not.
func ParseTranscriptDocument(doc []byte) (string, error) {
	var d transcriptDocument
	if err := json.Unmarshal(doc, &d); err != nil {
		return "", err
	}
	if d.Results == nil || len(d.Results.Transcripts) == 0 {
		return "", fmt.Errorf("document has no transcripts")
	}

	parts := make([]string, 0, len(d.Results.Transcripts))
	for _, tr := range d.Results.Transcripts {
		if text := strings.TrimSpace(tr.Transcript); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " "), nil
}
