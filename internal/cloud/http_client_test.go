package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/videa/videa-pipeline/internal/catalog"
	"github.com/videa/videa-pipeline/internal/jobpoll"
	"github.com/videa/videa-pipeline/internal/stages"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestHTTPClient_SubmitJob(t *testing.T) {
	var received JobRequest
	var receivedAuth, requestID string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/jobs" || r.Method != http.MethodPost {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		receivedAuth = r.Header.Get("Authorization")
		requestID = r.Header.Get("X-Request-Id")
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &received)

		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(`{"job_id":"job-42"}`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL+"/", "test-token", testLogger())
	id, err := client.SubmitJob(context.Background(), JobRequest{
		Feature:        FeatureLabels,
		SourceLocation: "s3://uploads/a.mp4",
		Params:         map[string]string{"min_confidence": "70"},
	})
	if err != nil {
		t.Fatalf("SubmitJob() error = %v", err)
	}
	if id != "job-42" {
		t.Errorf("job id = %q, want job-42", id)
	}
	if receivedAuth != "Bearer test-token" {
		t.Errorf("auth = %q, want %q", receivedAuth, "Bearer test-token")
	}
	if requestID == "" {
		t.Error("expected X-Request-Id header")
	}
	if received.Feature != FeatureLabels || received.Params["min_confidence"] != "70" {
		t.Errorf("request = %+v", received)
	}
}

func TestHTTPClient_NoTokenNoAuthHeader(t *testing.T) {
	var hasAuth bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, hasAuth = r.Header["Authorization"]
		w.Write([]byte(`{"job_id":"j","status":"RUNNING"}`))
	}))
	defer server.Close()

	if _, err := NewHTTPClient(server.URL, "", testLogger()).GetJob(context.Background(), "j"); err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if hasAuth {
		t.Error("Authorization header sent without a token")
	}
}

func TestAPIError_IsRetryable(t *testing.T) {
	tests := []struct {
		code int
		want bool
	}{
		{http.StatusInternalServerError, true},
		{http.StatusBadGateway, true},
		{http.StatusTooManyRequests, true},
		{http.StatusBadRequest, false},
		{http.StatusUnauthorized, false},
		{http.StatusNotFound, false},
	}
	for _, tt := range tests {
		if got := (&APIError{StatusCode: tt.code}).IsRetryable(); got != tt.want {
			t.Errorf("IsRetryable(%d) = %v, want %v", tt.code, got, tt.want)
		}
	}
}

func TestHTTPClient_ReturnsAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"detail":"unsupported feature"}`))
	}))
	defer server.Close()

	_, err := NewHTTPClient(server.URL, "t", testLogger()).SubmitJob(context.Background(), JobRequest{Feature: "NOPE"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %T (%v)", err, err)
	}
	if apiErr.StatusCode != http.StatusBadRequest || !strings.Contains(apiErr.Body, "unsupported feature") {
		t.Errorf("api error = %+v", apiErr)
	}
	if jobpoll.IsRetryable(err) {
		t.Error("4xx must not be retryable")
	}
}

func TestHTTPClient_ContextCancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"job_id":"j"}`))
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewHTTPClient(server.URL, "t", testLogger()).SubmitJob(ctx, JobRequest{}); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}

func TestHTTPClient_Fetch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/documents":
			if got := r.URL.Query().Get("location"); got != "s3://out/t.json" {
				t.Errorf("location = %q", got)
			}
			if got := r.Header.Get("Authorization"); got != "Bearer t" {
				t.Errorf("gateway Authorization = %q, want Bearer t", got)
			}
			w.Write([]byte(`{"via":"gateway"}`))
		case "/direct.json":
			if got := r.Header.Get("Authorization"); got != "" {
				t.Errorf("direct Authorization = %q, want none", got)
			}
			w.Write([]byte(`{"via":"direct"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "t", testLogger())

	doc, err := client.Fetch(context.Background(), "s3://out/t.json")
	if err != nil || string(doc) != `{"via":"gateway"}` {
		t.Errorf("Fetch(s3) = %s, %v", doc, err)
	}
	doc, err = client.Fetch(context.Background(), server.URL+"/direct.json")
	if err != nil || string(doc) != `{"via":"direct"}` {
		t.Errorf("Fetch(http) = %s, %v", doc, err)
	}
	if _, err := client.Fetch(context.Background(), server.URL+"/missing"); err == nil {
		t.Error("expected error for 404 document")
	}
}

// gateway serves one job per feature that reports IN_PROGRESS once, then
// SUCCEEDED with results.
func gateway(t *testing.T, results map[string]string, outputLocation string) *httptest.Server {
	t.Helper()
	var polls atomic.Int32
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/jobs":
			var req JobRequest
			json.NewDecoder(r.Body).Decode(&req)
			json.NewEncoder(w).Encode(map[string]string{"job_id": req.Feature})
		case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/jobs/"):
			feature := strings.TrimPrefix(r.URL.Path, "/jobs/")
			if polls.Add(1)%2 == 1 {
				json.NewEncoder(w).Encode(JobStatus{JobID: feature, Status: "IN_PROGRESS"})
				return
			}
			json.NewEncoder(w).Encode(JobStatus{
				JobID:          feature,
				Status:         "SUCCEEDED",
				OutputLocation: outputLocation,
				Results:        json.RawMessage(results[feature]),
			})
		default:
			http.NotFound(w, r)
		}
	}))
}

func TestLabelCapability_Decodes(t *testing.T) {
	server := gateway(t, map[string]string{
		FeatureLabels: `{"Labels":[{"Timestamp":1000,"Label":{"Name":"Dog","Confidence":91.5}}]}`,
	}, "")
	defer server.Close()

	p := jobpoll.New[[]catalog.Label](NewLabelCapability(NewHTTPClient(server.URL, "", testLogger())), jobpoll.Options{})
	_, res, err := p.Run(context.Background(), jobpoll.Spec{SourceLocation: "s3://a.mp4"}, 5*time.Millisecond, 10)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(res.Output) != 1 || res.Output[0] != (catalog.Label{Name: "Dog", Confidence: 91.5, TimestampMs: 1000}) {
		t.Errorf("labels = %+v", res.Output)
	}
	if res.Polls != 2 {
		t.Errorf("Polls = %d, want 2", res.Polls)
	}
}

func TestFaceCapability_Decodes(t *testing.T) {
	server := gateway(t, map[string]string{
		FeatureFaces: `{"Faces":[{"Timestamp":500,"Face":{
			"BoundingBox":{"Left":0.1,"Top":0.2,"Width":0.3,"Height":0.4},
			"Confidence":99.1,
			"Emotions":[{"Type":"HAPPY","Confidence":95}],
			"Gender":{"Value":"Female","Confidence":98},
			"AgeRange":{"Low":25,"High":35}}}]}`,
	}, "")
	defer server.Close()

	p := jobpoll.New[[]catalog.Face](NewFaceCapability(NewHTTPClient(server.URL, "", testLogger())), jobpoll.Options{})
	_, res, err := p.Run(context.Background(), jobpoll.Spec{SourceLocation: "s3://a.mp4"}, 5*time.Millisecond, 10)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(res.Output) != 1 {
		t.Fatalf("faces = %+v", res.Output)
	}
	f := res.Output[0]
	if f.TimestampMs != 500 || f.BoundingBox.Height != 0.4 || f.Emotions[0].Type != "HAPPY" {
		t.Errorf("face = %+v", f)
	}
	if f.Gender == nil || f.Gender.Value != "Female" || f.AgeRange == nil || f.AgeRange.High != 35 {
		t.Errorf("face attributes = %+v / %+v", f.Gender, f.AgeRange)
	}
}

func TestTranscriptCapability_OutputLocation(t *testing.T) {
	server := gateway(t, map[string]string{
		FeatureTranscript: `{"TranscriptFileUri":"s3://out/from-results.json"}`,
	}, "")
	defer server.Close()

	p := jobpoll.New[stages.TranscriptJob](NewTranscriptCapability(NewHTTPClient(server.URL, "", testLogger())), jobpoll.Options{})
	_, res, err := p.Run(context.Background(), jobpoll.Spec{SourceLocation: "s3://a.mp4"}, 5*time.Millisecond, 10)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Output.OutputLocation != "s3://out/from-results.json" {
		t.Errorf("OutputLocation = %q", res.Output.OutputLocation)
	}
}

func TestCapability_FailedJob(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			w.Write([]byte(`{"job_id":"j1"}`))
			return
		}
		w.Write([]byte(`{"job_id":"j1","status":"FAILED","status_message":"unsupported codec"}`))
	}))
	defer server.Close()

	p := jobpoll.New[[]catalog.Label](NewLabelCapability(NewHTTPClient(server.URL, "", testLogger())), jobpoll.Options{})
	_, _, err := p.Run(context.Background(), jobpoll.Spec{SourceLocation: "s3://a.mp4"}, 5*time.Millisecond, 10)
	if !errors.Is(err, jobpoll.ErrJobFailed) {
		t.Fatalf("Run() error = %v, want ErrJobFailed", err)
	}
	if !strings.Contains(err.Error(), "unsupported codec") {
		t.Errorf("error = %v, want the job's status message", err)
	}
}

func TestCapability_UndecodableResultsArePermanent(t *testing.T) {
	var polls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			w.Write([]byte(`{"job_id":"j1"}`))
			return
		}
		polls.Add(1)
		w.Write([]byte(`{"job_id":"j1","status":"SUCCEEDED","results":{"Labels":"oops"}}`))
	}))
	defer server.Close()

	p := jobpoll.New[[]catalog.Label](NewLabelCapability(NewHTTPClient(server.URL, "", testLogger())), jobpoll.Options{})
	_, _, err := p.Run(context.Background(), jobpoll.Spec{SourceLocation: "s3://a.mp4"}, 5*time.Millisecond, 10)
	var decodeErr *ResultDecodeError
	if !errors.As(err, &decodeErr) {
		t.Fatalf("Run() error = %v, want *ResultDecodeError", err)
	}
	if polls.Load() != 1 {
		t.Errorf("status calls = %d, want 1", polls.Load())
	}
	if errors.Is(err, jobpoll.ErrPollingUnavailable) {
		t.Errorf("Run() error = %v, must not be reported as polling unavailable", err)
	}

	stage := stages.NewLabelStage(p, discardStore{}, stages.Settings{PollInterval: 5 * time.Millisecond, MaxPolls: 10}, testLogger())
	_, err = stage.Run(context.Background(), stages.Target{RunID: "r1", VideoID: "v1", SourceLocation: "s3://a.mp4"})
	if !errors.Is(err, stages.ErrOutputUnreadable) {
		t.Fatalf("LabelStage.Run() error = %v, want ErrOutputUnreadable", err)
	}
	if errors.Is(err, jobpoll.ErrPollingUnavailable) {
		t.Errorf("LabelStage.Run() error = %v, must not match ErrPollingUnavailable", err)
	}
}

type discardStore struct{}

func (discardStore) PutStageResult(ctx context.Context, videoID, runID string, kind catalog.StageKind, payload []byte) error {
	return nil
}

func TestMapJobState(t *testing.T) {
	tests := map[string]jobpoll.State{
		"QUEUED":      jobpoll.StatePending,
		"in_progress": jobpoll.StateRunning,
		"COMPLETED":   jobpoll.StateSucceeded,
		"SUCCEEDED":   jobpoll.StateSucceeded,
		"FAILED":      jobpoll.StateFailed,
		"EXPLODED":    jobpoll.State("EXPLODED"),
	}
	for in, want := range tests {
		if got := MapJobState(in); got != want {
			t.Errorf("MapJobState(%q) = %s, want %s", in, got, want)
		}
	}
}
