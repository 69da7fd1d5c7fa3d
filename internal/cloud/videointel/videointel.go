// Package videointel implements the analysis capabilities on Google Cloud
// Video Intelligence. A job handle is the long-running operation name.
package videointel

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	videointelligence "cloud.google.com/go/videointelligence/apiv1"
	vipb "cloud.google.com/go/videointelligence/apiv1/videointelligencepb"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/durationpb"

	"github.com/videa/videa-pipeline/internal/catalog"
	"github.com/videa/videa-pipeline/internal/jobpoll"
	"github.com/videa/videa-pipeline/internal/logging"
	"github.com/videa/videa-pipeline/internal/stages"
)

const defaultLanguageCode = "en-US"

type Client struct {
	vi           *videointelligence.Client
	languageCode string
	logger       *slog.Logger
}

func New(ctx context.Context, languageCode string, logger *slog.Logger, opts ...option.ClientOption) (*Client, error) {
	vi, err := videointelligence.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("videointelligence client: %w", err)
	}
	if languageCode == "" {
		languageCode = defaultLanguageCode
	}
	return &Client{
		vi:           vi,
		languageCode: languageCode,
		logger:       logging.WithComponent(logging.OrDiscard(logger), "videointel"),
	}, nil
}

func (c *Client) Close() error {
	if c == nil || c.vi == nil {
		return nil
	}
	return c.vi.Close()
}

// RPCError wraps a failed status or annotate call with its gRPC code.
type RPCError struct {
	Op  string
	Err error
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("videointelligence %s: %v", e.Op, e.Err)
}

func (e *RPCError) Unwrap() error { return e.Err }

func (e *RPCError) IsRetryable() bool {
	return retryableCode(status.Code(e.Err))
}

func retryableCode(code codes.Code) bool {
	switch code {
	case codes.Unavailable, codes.ResourceExhausted, codes.DeadlineExceeded, codes.Aborted, codes.Internal, codes.Unknown:
		return true
	default:
		return false
	}
}

// annotation is one Video Intelligence feature exposed as a capability.
type annotation[T any] struct {
	client  *Client
	feature vipb.Feature
	context func(spec jobpoll.Spec) *vipb.VideoContext
	decode  func(h jobpoll.Handle, res *vipb.VideoAnnotationResults) T
}

func (c *Client) LabelCapability() jobpoll.Capability[[]catalog.Label] {
	return &annotation[[]catalog.Label]{
		client:  c,
		feature: vipb.Feature_LABEL_DETECTION,
		context: labelContext,
		decode:  func(_ jobpoll.Handle, res *vipb.VideoAnnotationResults) []catalog.Label { return LabelsFromResults(res) },
	}
}

func (c *Client) FaceCapability() jobpoll.Capability[[]catalog.Face] {
	return &annotation[[]catalog.Face]{
		client:  c,
		feature: vipb.Feature_FACE_DETECTION,
		context: faceContext,
		decode:  func(_ jobpoll.Handle, res *vipb.VideoAnnotationResults) []catalog.Face { return FacesFromResults(res) },
	}
}

// TranscriptCapability writes the annotation document to Spec.OutputLocation.
// The transcript stage reads it back from storage.
func (c *Client) TranscriptCapability() jobpoll.Capability[stages.TranscriptJob] {
	return &annotation[stages.TranscriptJob]{
		client:  c,
		feature: vipb.Feature_SPEECH_TRANSCRIPTION,
		context: func(jobpoll.Spec) *vipb.VideoContext {
			return &vipb.VideoContext{SpeechTranscriptionConfig: &vipb.SpeechTranscriptionConfig{
				LanguageCode:               c.languageCode,
				EnableAutomaticPunctuation: true,
			}}
		},
		decode: func(h jobpoll.Handle, _ *vipb.VideoAnnotationResults) stages.TranscriptJob {
			return stages.TranscriptJob{OutputLocation: h.OutputLocation}
		},
	}
}

func (a *annotation[T]) Start(ctx context.Context, spec jobpoll.Spec) (jobpoll.Handle, error) {
	op, err := a.client.vi.AnnotateVideo(ctx, &vipb.AnnotateVideoRequest{
		InputUri:     spec.SourceLocation,
		Features:     []vipb.Feature{a.feature},
		VideoContext: a.context(spec),
		OutputUri:    spec.OutputLocation,
	})
	if err != nil {
		return jobpoll.Handle{}, &RPCError{Op: "AnnotateVideo", Err: err}
	}

	a.client.logger.Info("annotation started", "feature", a.feature.String(), "operation", op.Name())
	return jobpoll.Handle{ID: op.Name(), OutputLocation: spec.OutputLocation}, nil
}

func (a *annotation[T]) Status(ctx context.Context, h jobpoll.Handle) (jobpoll.Status[T], error) {
	var st jobpoll.Status[T]
	op := a.client.vi.AnnotateVideoOperation(h.ID)

	resp, err := op.Poll(ctx)
	if err != nil {
		if op.Done() {
			st.State = jobpoll.StateFailed
			st.Reason = status.Convert(err).Message()
			return st, nil
		}
		return st, &RPCError{Op: "GetOperation", Err: err}
	}

	if !op.Done() {
		st.State = jobpoll.StatePending
		if meta, err := op.Metadata(); err == nil && progressPercent(meta) > 0 {
			st.State = jobpoll.StateRunning
		}
		return st, nil
	}

	st.State = jobpoll.StateSucceeded
	st.Output = a.decode(h, firstResults(resp))
	return st, nil
}

func labelContext(spec jobpoll.Spec) *vipb.VideoContext {
	cfg := &vipb.LabelDetectionConfig{LabelDetectionMode: vipb.LabelDetectionMode_SHOT_AND_FRAME_MODE}
	if v, err := strconv.ParseFloat(spec.Params["min_confidence"], 32); err == nil {
		cfg.FrameConfidenceThreshold = float32(v / 100)
	}
	return &vipb.VideoContext{LabelDetectionConfig: cfg}
}

func faceContext(spec jobpoll.Spec) *vipb.VideoContext {
	return &vipb.VideoContext{FaceDetectionConfig: &vipb.FaceDetectionConfig{
		IncludeBoundingBoxes: true,
		IncludeAttributes:    strings.EqualFold(spec.Params["face_attributes"], "ALL"),
	}}
}

func progressPercent(meta *vipb.AnnotateVideoProgress) int32 {
	var best int32
	for _, p := range meta.GetAnnotationProgress() {
		if p.GetProgressPercent() > best {
			best = p.GetProgressPercent()
		}
	}
	return best
}

func firstResults(resp *vipb.AnnotateVideoResponse) *vipb.VideoAnnotationResults {
	if resp == nil || len(resp.AnnotationResults) == 0 {
		return nil
	}
	return resp.AnnotationResults[0]
}

// LabelsFromResults flattens frame and shot label annotations, with
// confidences scaled to 0-100 and each shot label stamped at its start.
func LabelsFromResults(res *vipb.VideoAnnotationResults) []catalog.Label {
	var labels []catalog.Label
	for _, a := range res.GetFrameLabelAnnotations() {
		name := a.GetEntity().GetDescription()
		for _, f := range a.GetFrames() {
			labels = append(labels, catalog.Label{
				Name:        name,
				Confidence:  percent(f.GetConfidence()),
				TimestampMs: millis(f.GetTimeOffset()),
			})
		}
	}
	for _, a := range res.GetShotLabelAnnotations() {
		name := a.GetEntity().GetDescription()
		for _, s := range a.GetSegments() {
			labels = append(labels, catalog.Label{
				Name:        name,
				Confidence:  percent(s.GetConfidence()),
				TimestampMs: millis(s.GetSegment().GetStartTimeOffset()),
			})
		}
	}
	return labels
}

// FacesFromResults emits one face per timestamped track object. The
// "smiling" attribute is reported as a HAPPY emotion.
func FacesFromResults(res *vipb.VideoAnnotationResults) []catalog.Face {
	var faces []catalog.Face
	for _, a := range res.GetFaceDetectionAnnotations() {
		for _, track := range a.GetTracks() {
			for _, obj := range track.GetTimestampedObjects() {
				box := obj.GetNormalizedBoundingBox()
				f := catalog.Face{
					TimestampMs: millis(obj.GetTimeOffset()),
					BoundingBox: catalog.BoundingBox{
						Left:   float64(box.GetLeft()),
						Top:    float64(box.GetTop()),
						Width:  float64(box.GetRight() - box.GetLeft()),
						Height: float64(box.GetBottom() - box.GetTop()),
					},
					Confidence: percent(track.GetConfidence()),
				}
				for _, attr := range obj.GetAttributes() {
					if attr.GetName() == "smiling" {
						f.Emotions = append(f.Emotions, catalog.Emotion{Type: "HAPPY", Confidence: percent(attr.GetConfidence())})
					}
				}
				faces = append(faces, f)
			}
		}
	}
	return faces
}

func percent(v float32) float64 {
	return float64(v) * 100
}

func millis(d *durationpb.Duration) int64 {
	if d == nil {
		return 0
	}
	return d.AsDuration().Milliseconds()
}
