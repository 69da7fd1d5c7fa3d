package catalog

import (
	"time"

	"github.com/google/uuid"
)

const (
	VideoStatusProcessing = "PROCESSING"
	VideoStatusCompleted  = "COMPLETED"
	VideoStatusFailed     = "FAILED"
)

// RunState is the pipeline run state machine position.
type RunState string

const (
	RunStarted       RunState = "STARTED"
	RunAnalyzing     RunState = "ANALYZING"
	RunSynthesizing  RunState = "SYNTHESIZING"
	RunConsolidating RunState = "CONSOLIDATING"
	RunCompleted     RunState = "COMPLETED"
	RunFailed        RunState = "FAILED"
)

// Terminal reports whether no further transition can leave s.
func (s RunState) Terminal() bool {
	return s == RunCompleted || s == RunFailed
}

// StageKind names one analysis stage. It doubles as the stage_results key.
type StageKind string

const (
	StageLabels     StageKind = "labels"
	StageFaces      StageKind = "faces"
	StageTranscript StageKind = "transcript"
)

// StageKinds lists every stage a run must complete, in a fixed order.
var StageKinds = []StageKind{StageLabels, StageFaces, StageTranscript}

const (
	StageStatusPending   = "PENDING"
	StageStatusRunning   = "RUNNING"
	StageStatusSucceeded = "SUCCEEDED"
	StageStatusFailed    = "FAILED"
)

// VideoRecord is the consolidated, externally queryable aggregate for one
// video. Aggregate fields are only populated by the consolidation commit.
type VideoRecord struct {
	ID             string      `json:"id"`
	Title          string      `json:"title"`
	Description    string      `json:"description"`
	SourceLocation string      `json:"sourceLocation"`
	Status         string      `json:"status"`
	Objects        []string    `json:"objects"`
	FaceCount      int         `json:"faceCount"`
	Transcript     string      `json:"transcript"`
	Summary        string      `json:"summary"`
	KeyMoments     []KeyMoment `json:"keyMoments"`
	Error          string      `json:"error,omitempty"`
	CreatedAt      time.Time   `json:"createdAt"`
	UpdatedAt      time.Time   `json:"updatedAt"`
}

type Label struct {
	Name        string  `json:"name"`
	Confidence  float64 `json:"confidence"`
	TimestampMs int64   `json:"timestampMs"`
}

type BoundingBox struct {
	Left   float64 `json:"left"`
	Top    float64 `json:"top"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

type Emotion struct {
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence"`
}

type Gender struct {
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
}

type AgeRange struct {
	Low  int `json:"low"`
	High int `json:"high"`
}

type Face struct {
	TimestampMs int64       `json:"timestampMs"`
	BoundingBox BoundingBox `json:"boundingBox"`
	Confidence  float64     `json:"confidence"`
	Emotions    []Emotion   `json:"emotions,omitempty"`
	Gender      *Gender     `json:"gender,omitempty"`
	AgeRange    *AgeRange   `json:"ageRange,omitempty"`
}

// KeyMoment is a derived highlight. Lists of key moments are strictly
// increasing in TimeSeconds.
type KeyMoment struct {
	TimeSeconds int64  `json:"time"`
	Description string `json:"description"`
}

// Insights is the synthesizer output stored between SYNTHESIZING and
// CONSOLIDATING.
type Insights struct {
	RunID      string      `json:"runId"`
	Summary    string      `json:"summary"`
	KeyMoments []KeyMoment `json:"keyMoments"`
}

// LabelsPayload, FacesPayload and TranscriptPayload are the JSON documents
// stored per (video, stage kind).
type LabelsPayload struct {
	Labels []Label `json:"labels"`
}

type FacesPayload struct {
	Faces     []Face `json:"faces"`
	FaceCount int    `json:"faceCount"`
}

type TranscriptPayload struct {
	Transcript    string `json:"transcript"`
	TranscriptURI string `json:"transcriptUri"`
}

// StageResult is one stored stage output.
type StageResult struct {
	VideoID   string
	RunID     string
	Kind      StageKind
	Payload   []byte
	CreatedAt time.Time
}

// Run is the bookkeeping row for one pipeline execution.
type Run struct {
	ID        string      `json:"id"`
	VideoID   string      `json:"videoId"`
	State     RunState    `json:"state"`
	Error     string      `json:"error,omitempty"`
	Stages    []*StageRun `json:"stages,omitempty"`
	CreatedAt time.Time   `json:"createdAt"`
	UpdatedAt time.Time   `json:"updatedAt"`
}

type StageRun struct {
	RunID     string    `json:"-"`
	Kind      StageKind `json:"kind"`
	Status    string    `json:"status"`
	JobID     string    `json:"jobId,omitempty"`
	Polls     int       `json:"polls"`
	Retries   int       `json:"retries"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func NewID() string {
	return uuid.NewString()
}
