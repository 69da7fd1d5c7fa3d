package videointel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
	vipb "cloud.google.com/go/videointelligence/apiv1/videointelligencepb"
	"google.golang.org/api/option"
	"google.golang.org/protobuf/encoding/protojson"
)

const maxDocumentBytes = 32 << 20

// GCSFetcher reads annotation documents from gs:// locations.
type GCSFetcher struct {
	client *storage.Client
}

func NewGCSFetcher(ctx context.Context, opts ...option.ClientOption) (*GCSFetcher, error) {
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	return &GCSFetcher{client: client}, nil
}

func (f *GCSFetcher) Fetch(ctx context.Context, location string) ([]byte, error) {
	bucket, object, err := ParseGCSURI(location)
	if err != nil {
		return nil, err
	}
	r, err := f.client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("document %s not found: %w", location, err)
		}
		return nil, fmt.Errorf("open %s: %w", location, err)
	}
	defer r.Close()
	return io.ReadAll(io.LimitReader(r, maxDocumentBytes))
}

func (f *GCSFetcher) Close() error {
	return f.client.Close()
}

// ParseGCSURI splits gs://bucket/object.
func ParseGCSURI(uri string) (bucket, object string, err error) {
	rest, ok := strings.CutPrefix(uri, "gs://")
	if !ok {
		return "", "", fmt.Errorf("location must be gs://..., got %q", uri)
	}
	bucket, object, _ = strings.Cut(rest, "/")
	if bucket == "" || object == "" {
		return "", "", fmt.Errorf("location %q has no bucket or object", uri)
	}
	return bucket, object, nil
}

// ParseTranscriptDocument reads an AnnotateVideoResponse written to an
// output URI and joins the top alternative of every transcription.
func ParseTranscriptDocument(doc []byte) (string, error) {
	var resp vipb.AnnotateVideoResponse
	if err := (protojson.UnmarshalOptions{DiscardUnknown: true}).Unmarshal(doc, &resp); err != nil {
		return "", fmt.Errorf("decode annotation document: %w", err)
	}
	res := firstResults(&resp)
	if res == nil {
		return "", errors.New("annotation document has no results")
	}
	if msg := res.GetError().GetMessage(); msg != "" {
		return "", fmt.Errorf("annotation reported an error: %s", msg)
	}

	var parts []string
	for _, tr := range res.GetSpeechTranscriptions() {
		alts := tr.GetAlternatives()
		if len(alts) == 0 {
			continue
		}
		if t := strings.TrimSpace(alts[0].GetTranscript()); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " "), nil
}
