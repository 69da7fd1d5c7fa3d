// Package consolidate writes the final aggregate record of a video once all
// stage outputs and insights of a run are available.
package consolidate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/videa/videa-pipeline/internal/catalog"
	"github.com/videa/videa-pipeline/internal/logging"
)

// ErrIncompleteInputs means consolidation was reached without every stage
// output and the insights of the same run. That is an ordering defect, not
// a transient condition.
var ErrIncompleteInputs = errors.New("incomplete consolidation inputs")

// Store is the subset of the catalog repository the consolidator needs.
type Store interface {
	GetStageResult(ctx context.Context, videoID string, kind catalog.StageKind) (*catalog.StageResult, error)
	GetInsights(ctx context.Context, videoID string) (*catalog.Insights, error)
	CommitVideo(ctx context.Context, runID string, video *catalog.VideoRecord) error
}

// Inputs are everything a consolidated record is derived from.
type Inputs struct {
	Labels     []catalog.Label
	Faces      []catalog.Face
	Transcript string
	Insights   catalog.Insights
}

type Consolidator struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

func New(store Store, logger *slog.Logger) *Consolidator {
	return &Consolidator{store: store, logger: logging.OrDiscard(logger), now: time.Now}
}

// Consolidate loads the run's inputs and commits the COMPLETED record.
func (c *Consolidator) Consolidate(ctx context.Context, runID, videoID, title, description string) error {
	in, err := c.LoadInputs(ctx, runID, videoID)
	if err != nil {
		if errors.Is(err, ErrIncompleteInputs) {
			c.logger.Error("consolidation reached with incomplete inputs",
				"run_id", runID, "video_id", videoID, "error", err)
		}
		return err
	}

	record := BuildRecord(videoID, title, description, in)
	record.CreatedAt = c.now().UTC()

	if err := c.store.CommitVideo(ctx, runID, record); err != nil {
		return fmt.Errorf("commit video %s: %w", videoID, err)
	}

	c.logger.Info("video consolidated", "run_id", runID, "video_id", videoID,
		"objects", len(record.Objects), "face_count", record.FaceCount, "key_moments", len(record.KeyMoments))
	return nil
}

// LoadInputs reads the three stage outputs and the insights, requiring each
// to belong to runID.
func (c *Consolidator) LoadInputs(ctx context.Context, runID, videoID string) (Inputs, error) {
	in, err := LoadStageOutputs(ctx, c.store, runID, videoID)
	if err != nil {
		return in, err
	}

	insights, err := c.store.GetInsights(ctx, videoID)
	if err != nil {
		return in, fmt.Errorf("load insights: %w", err)
	}
	if insights == nil {
		return in, fmt.Errorf("%w: insights missing for video %s", ErrIncompleteInputs, videoID)
	}
	if insights.RunID != runID {
		return in, fmt.Errorf("%w: insights belong to run %s, not %s", ErrIncompleteInputs, insights.RunID, runID)
	}
	in.Insights = *insights
	return in, nil
}

// StageReader reads stored stage outputs.
type StageReader interface {
	GetStageResult(ctx context.Context, videoID string, kind catalog.StageKind) (*catalog.StageResult, error)
}

// LoadStageOutputs decodes the labels, faces and transcript stored by runID.
// The returned Inputs has no insights.
func LoadStageOutputs(ctx context.Context, r StageReader, runID, videoID string) (Inputs, error) {
	var in Inputs

	var labels catalog.LabelsPayload
	if err := loadStage(ctx, r, runID, videoID, catalog.StageLabels, &labels); err != nil {
		return in, err
	}
	var faces catalog.FacesPayload
	if err := loadStage(ctx, r, runID, videoID, catalog.StageFaces, &faces); err != nil {
		return in, err
	}
	var transcript catalog.TranscriptPayload
	if err := loadStage(ctx, r, runID, videoID, catalog.StageTranscript, &transcript); err != nil {
		return in, err
	}

	in.Labels = labels.Labels
	in.Faces = faces.Faces
	in.Transcript = transcript.Transcript
	return in, nil
}

func loadStage(ctx context.Context, r StageReader, runID, videoID string, kind catalog.StageKind, v any) error {
	res, err := r.GetStageResult(ctx, videoID, kind)
	if err != nil {
		return fmt.Errorf("load %s result: %w", kind, err)
	}
	if res == nil {
		return fmt.Errorf("%w: %s result missing for video %s", ErrIncompleteInputs, kind, videoID)
	}
	if res.RunID != runID {
		return fmt.Errorf("%w: %s result belongs to run %s, not %s", ErrIncompleteInputs, kind, res.RunID, runID)
	}
	if err := json.Unmarshal(res.Payload, v); err != nil {
		return fmt.Errorf("%w: decode %s result: %v", ErrIncompleteInputs, kind, err)
	}
	return nil
}

// BuildRecord derives the aggregate from its inputs. CreatedAt is left for
// the caller to stamp.
func BuildRecord(videoID, title, description string, in Inputs) *catalog.VideoRecord {
	moments := make([]catalog.KeyMoment, len(in.Insights.KeyMoments))
	copy(moments, in.Insights.KeyMoments)

	return &catalog.VideoRecord{
		ID:          videoID,
		Title:       title,
		Description: description,
		Status:      catalog.VideoStatusCompleted,
		Objects:     DistinctLabelNames(in.Labels),
		FaceCount:   len(in.Faces),
		Transcript:  in.Transcript,
		Summary:     in.Insights.Summary,
		KeyMoments:  moments,
	}
}

// DistinctLabelNames returns each label name once, in first-seen order.
func DistinctLabelNames(labels []catalog.Label) []string {
	seen := make(map[string]bool, len(labels))
	names := make([]string, 0, len(labels))
	for _, l := range labels {
		if seen[l.Name] {
			continue
		}
		seen[l.Name] = true
		names = append(names, l.Name)
	}
	return names
}
