package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

var (
	ErrInvalidSubmission = errors.New("invalid submission")
	ErrVideoExists       = errors.New("video already exists")
)

// Submission is what the upload/import collaborator hands over to begin a
// run.
type Submission struct {
	VideoID        string `json:"videoId"`
	SourceLocation string `json:"sourceLocation"`
	Title          string `json:"title"`
	Description    string `json:"description"`
}

type CatalogService interface {
	Submit(ctx context.Context, sub Submission) (*VideoRecord, *Run, error)
	GetVideo(ctx context.Context, id string) (*VideoRecord, error)
	ListVideos(ctx context.Context, limit int) ([]*VideoRecord, error)
	GetRun(ctx context.Context, id string) (*Run, error)
}

type Service struct {
	repo   Repository
	logger *slog.Logger
}

func NewService(repo Repository, logger *slog.Logger) *Service {
	return &Service{repo: repo, logger: logger}
}

// Submit creates the PROCESSING video record and a STARTED run for it in
// one transaction. A previously FAILED video may be resubmitted under the
// same id, taking the new submission's source, title and description; any
// other existing video is rejected with ErrVideoExists.
func (s *Service) Submit(ctx context.Context, sub Submission) (*VideoRecord, *Run, error) {
	sub.SourceLocation = strings.TrimSpace(sub.SourceLocation)
	if sub.SourceLocation == "" {
		return nil, nil, fmt.Errorf("%w: sourceLocation is required", ErrInvalidSubmission)
	}
	if sub.VideoID == "" {
		sub.VideoID = NewID()
	}

	existing, err := s.repo.GetVideo(ctx, sub.VideoID)
	if err != nil {
		return nil, nil, err
	}

	now := time.Now().UTC()
	run := &Run{
		ID:        NewID(),
		VideoID:   sub.VideoID,
		State:     RunStarted,
		CreatedAt: now,
		UpdatedAt: now,
	}

	var video *VideoRecord
	if existing == nil {
		video = &VideoRecord{
			ID:             sub.VideoID,
			Title:          sub.Title,
			Description:    sub.Description,
			SourceLocation: sub.SourceLocation,
			Status:         VideoStatusProcessing,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := s.repo.CreateVideoRun(ctx, video, run); err != nil {
			return nil, nil, err
		}
	} else {
		video = existing
		video.SourceLocation = sub.SourceLocation
		video.Title = sub.Title
		video.Description = sub.Description
		ok, err := s.repo.ResubmitVideoRun(ctx, video, run)
		if err != nil {
			return nil, nil, err
		}
		if !ok {
			return nil, nil, fmt.Errorf("%w: %s is %s", ErrVideoExists, existing.ID, existing.Status)
		}
		video.Status = VideoStatusProcessing
		video.Error = ""
		video.UpdatedAt = now
	}

	if s.logger != nil {
		s.logger.Info("video submitted", "video_id", video.ID, "run_id", run.ID, "resubmitted", existing != nil)
	}
	return video, run, nil
}

func (s *Service) GetVideo(ctx context.Context, id string) (*VideoRecord, error) {
	return s.repo.GetVideo(ctx, id)
}

func (s *Service) ListVideos(ctx context.Context, limit int) ([]*VideoRecord, error) {
	return s.repo.ListVideos(ctx, limit)
}

func (s *Service) GetRun(ctx context.Context, id string) (*Run, error) {
	return s.repo.GetRun(ctx, id)
}
