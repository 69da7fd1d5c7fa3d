package cloud

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/videa/videa-pipeline/internal/catalog"
	"github.com/videa/videa-pipeline/internal/jobpoll"
	"github.com/videa/videa-pipeline/internal/stages"
)

// Gateway feature names.
const (
	FeatureLabels     = "LABEL_DETECTION"
	FeatureFaces      = "FACE_DETECTION"
	FeatureTranscript = "SPEECH_TRANSCRIPTION"
)

// ResultDecodeError means a succeeded job carried results that could not be
// decoded. Retrying the poll would not help.
type ResultDecodeError struct {
	JobID string
	Err   error
}

func (e *ResultDecodeError) Error() string {
	return fmt.Sprintf("decode results of job %s: %v", e.JobID, e.Err)
}

func (e *ResultDecodeError) Unwrap() error     { return e.Err }
func (e *ResultDecodeError) IsRetryable() bool { return false }

func (e *ResultDecodeError) Is(target error) bool {
	return target == jobpoll.ErrMalformedOutput
}

// JobCapability adapts one gateway feature to jobpoll.Capability[T].
type JobCapability[T any] struct {
	client  *HTTPClient
	feature string
	decode  func(*JobStatus) (T, error)
}

func NewLabelCapability(c *HTTPClient) *JobCapability[[]catalog.Label] {
	return &JobCapability[[]catalog.Label]{client: c, feature: FeatureLabels, decode: decodeLabels}
}

func NewFaceCapability(c *HTTPClient) *JobCapability[[]catalog.Face] {
	return &JobCapability[[]catalog.Face]{client: c, feature: FeatureFaces, decode: decodeFaces}
}

func NewTranscriptCapability(c *HTTPClient) *JobCapability[stages.TranscriptJob] {
	return &JobCapability[stages.TranscriptJob]{client: c, feature: FeatureTranscript, decode: decodeTranscriptJob}
}

func (j *JobCapability[T]) Start(ctx context.Context, spec jobpoll.Spec) (jobpoll.Handle, error) {
	id, err := j.client.SubmitJob(ctx, JobRequest{
		Feature:        j.feature,
		SourceLocation: spec.SourceLocation,
		Params:         spec.Params,
		OutputLocation: spec.OutputLocation,
	})
	if err != nil {
		return jobpoll.Handle{}, err
	}
	return jobpoll.Handle{ID: id, OutputLocation: spec.OutputLocation}, nil
}

func (j *JobCapability[T]) Status(ctx context.Context, h jobpoll.Handle) (jobpoll.Status[T], error) {
	var st jobpoll.Status[T]
	resp, err := j.client.GetJob(ctx, h.ID)
	if err != nil {
		return st, err
	}

	st.State = MapJobState(resp.Status)
	st.Reason = resp.StatusMessage
	if st.State != jobpoll.StateSucceeded {
		return st, nil
	}

	out, err := j.decode(resp)
	if err != nil {
		return st, &ResultDecodeError{JobID: h.ID, Err: err}
	}
	st.Output = out
	return st, nil
}

// MapJobState folds the gateway's status vocabulary onto jobpoll states.
// Unknown values pass through so the poller can reject them.
func MapJobState(status string) jobpoll.State {
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case "PENDING", "QUEUED", "SUBMITTED":
		return jobpoll.StatePending
	case "RUNNING", "IN_PROGRESS":
		return jobpoll.StateRunning
	case "SUCCEEDED", "COMPLETED":
		return jobpoll.StateSucceeded
	case "FAILED", "ERROR":
		return jobpoll.StateFailed
	default:
		return jobpoll.State(status)
	}
}

type labelDetection struct {
	Timestamp int64 `json:"Timestamp"`
	Label     struct {
		Name       string  `json:"Name"`
		Confidence float64 `json:"Confidence"`
	} `json:"Label"`
}

type faceDetection struct {
	Timestamp int64 `json:"Timestamp"`
	Face      struct {
		BoundingBox struct {
			Left   float64 `json:"Left"`
			Top    float64 `json:"Top"`
			Width  float64 `json:"Width"`
			Height float64 `json:"Height"`
		} `json:"BoundingBox"`
		Confidence float64 `json:"Confidence"`
		Emotions   []struct {
			Type       string  `json:"Type"`
			Confidence float64 `json:"Confidence"`
		} `json:"Emotions"`
		Gender *struct {
			Value      string  `json:"Value"`
			Confidence float64 `json:"Confidence"`
		} `json:"Gender"`
		AgeRange *struct {
			Low  int `json:"Low"`
			High int `json:"High"`
		} `json:"AgeRange"`
	} `json:"Face"`
}

func decodeLabels(s *JobStatus) ([]catalog.Label, error) {
	var res struct {
		Labels []labelDetection `json:"Labels"`
	}
	if err := decodeResults(s, &res); err != nil {
		return nil, err
	}
	labels := make([]catalog.Label, 0, len(res.Labels))
	for _, d := range res.Labels {
		labels = append(labels, catalog.Label{Name: d.Label.Name, Confidence: d.Label.Confidence, TimestampMs: d.Timestamp})
	}
	return labels, nil
}

func decodeFaces(s *JobStatus) ([]catalog.Face, error) {
	var res struct {
		Faces []faceDetection `json:"Faces"`
	}
	if err := decodeResults(s, &res); err != nil {
		return nil, err
	}
	faces := make([]catalog.Face, 0, len(res.Faces))
	for _, d := range res.Faces {
		f := catalog.Face{
			TimestampMs: d.Timestamp,
			BoundingBox: catalog.BoundingBox{
				Left:   d.Face.BoundingBox.Left,
				Top:    d.Face.BoundingBox.Top,
				Width:  d.Face.BoundingBox.Width,
				Height: d.Face.BoundingBox.Height,
			},
			Confidence: d.Face.Confidence,
		}
		for _, e := range d.Face.Emotions {
			f.Emotions = append(f.Emotions, catalog.Emotion{Type: e.Type, Confidence: e.Confidence})
		}
		if g := d.Face.Gender; g != nil {
			f.Gender = &catalog.Gender{Value: g.Value, Confidence: g.Confidence}
		}
		if a := d.Face.AgeRange; a != nil {
			f.AgeRange = &catalog.AgeRange{Low: a.Low, High: a.High}
		}
		faces = append(faces, f)
	}
	return faces, nil
}

// decodeTranscriptJob only needs the document location; the stage fetches
// and parses the document itself.
func decodeTranscriptJob(s *JobStatus) (stages.TranscriptJob, error) {
	loc := s.OutputLocation
	if loc == "" && len(s.Results) > 0 {
		var res struct {
			TranscriptFileURI string `json:"TranscriptFileUri"`
		}
		if err := json.Unmarshal(s.Results, &res); err != nil {
			return stages.TranscriptJob{}, err
		}
		loc = res.TranscriptFileURI
	}
	return stages.TranscriptJob{OutputLocation: loc}, nil
}

func decodeResults(s *JobStatus, v any) error {
	if len(s.Results) == 0 {
		return nil
	}
	return json.Unmarshal(s.Results, v)
}
