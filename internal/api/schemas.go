package api

import (
	"time"

	"github.com/videa/videa-pipeline/internal/catalog"
)

type HealthResponse struct {
	Status  string          `json:"status"`
	Version string          `json:"version"`
	UptimeS int64           `json:"uptime_s"`
	Runner  *RunnerResponse `json:"runner,omitempty"`
}

type RunnerResponse struct {
	Running    bool `json:"running"`
	Paused     bool `json:"paused"`
	ActiveRuns int  `json:"active_runs"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// SubmitResponse is returned by POST /videos.
type SubmitResponse struct {
	VideoID string           `json:"videoId"`
	RunID   string           `json:"runId"`
	Status  string           `json:"status"`
	State   catalog.RunState `json:"state"`
}

type KeyMomentResponse struct {
	Time        int64  `json:"time"`
	Description string `json:"description"`
}

// VideoResponse is the read side view of one video. Aggregate fields are
// empty until the video is COMPLETED.
type VideoResponse struct {
	ID          string              `json:"id"`
	Title       string              `json:"title"`
	Description string              `json:"description"`
	Status      string              `json:"status"`
	Objects     []string            `json:"objects"`
	FaceCount   int                 `json:"faceCount"`
	Transcript  string              `json:"transcript"`
	Summary     string              `json:"summary"`
	KeyMoments  []KeyMomentResponse `json:"keyMoments"`
	Error       string              `json:"error,omitempty"`
	CreatedAt   string              `json:"createdAt"`
}

type VideoListResponse struct {
	Videos []VideoResponse `json:"videos"`
}

// VideoContextResponse is what a chat feature forwards to its model.
type VideoContextResponse struct {
	Status      string              `json:"status"`
	Title       string              `json:"title"`
	Description string              `json:"description"`
	Objects     []string            `json:"objects"`
	FaceCount   int                 `json:"faceCount"`
	Transcript  string              `json:"transcript"`
	Summary     string              `json:"summary"`
	KeyMoments  []KeyMomentResponse `json:"keyMoments"`
}

type StageRunResponse struct {
	Kind    string `json:"kind"`
	Status  string `json:"status"`
	JobID   string `json:"jobId,omitempty"`
	Polls   int    `json:"polls"`
	Retries int    `json:"retries"`
	Error   string `json:"error,omitempty"`
}

type RunResponse struct {
	ID        string             `json:"id"`
	VideoID   string             `json:"videoId"`
	State     string             `json:"state"`
	Error     string             `json:"error,omitempty"`
	Stages    []StageRunResponse `json:"stages"`
	CreatedAt string             `json:"createdAt"`
	UpdatedAt string             `json:"updatedAt"`
}

type AbandonRequest struct {
	Reason string `json:"reason"`
}

func keyMomentsToResponse(moments []catalog.KeyMoment) []KeyMomentResponse {
	out := make([]KeyMomentResponse, 0, len(moments))
	for _, m := range moments {
		out = append(out, KeyMomentResponse{Time: m.TimeSeconds, Description: m.Description})
	}
	return out
}

func VideoToResponse(v *catalog.VideoRecord) VideoResponse {
	objects := v.Objects
	if objects == nil {
		objects = []string{}
	}
	return VideoResponse{
		ID:          v.ID,
		Title:       v.Title,
		Description: v.Description,
		Status:      v.Status,
		Objects:     objects,
		FaceCount:   v.FaceCount,
		Transcript:  v.Transcript,
		Summary:     v.Summary,
		KeyMoments:  keyMomentsToResponse(v.KeyMoments),
		Error:       v.Error,
		CreatedAt:   formatTime(v.CreatedAt),
	}
}

func VideoToContext(v *catalog.VideoRecord) VideoContextResponse {
	objects := v.Objects
	if objects == nil {
		objects = []string{}
	}
	return VideoContextResponse{
		Status:      v.Status,
		Title:       v.Title,
		Description: v.Description,
		Objects:     objects,
		FaceCount:   v.FaceCount,
		Transcript:  v.Transcript,
		Summary:     v.Summary,
		KeyMoments:  keyMomentsToResponse(v.KeyMoments),
	}
}

func RunToResponse(run *catalog.Run) RunResponse {
	stages := make([]StageRunResponse, 0, len(run.Stages))
	for _, s := range run.Stages {
		stages = append(stages, StageRunResponse{
			Kind:    string(s.Kind),
			Status:  s.Status,
			JobID:   s.JobID,
			Polls:   s.Polls,
			Retries: s.Retries,
			Error:   s.Error,
		})
	}
	return RunResponse{
		ID:        run.ID,
		VideoID:   run.VideoID,
		State:     string(run.State),
		Error:     run.Error,
		Stages:    stages,
		CreatedAt: formatTime(run.CreatedAt),
		UpdatedAt: formatTime(run.UpdatedAt),
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
