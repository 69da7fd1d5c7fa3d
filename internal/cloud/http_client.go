// Package cloud talks to an analysis job gateway over HTTP. The gateway
// accepts jobs at POST {base}/jobs, reports them at GET {base}/jobs/{id}
// and serves result documents.
package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/videa/videa-pipeline/internal/logging"
)

const maxDocumentBytes = 32 << 20

// APIError is a non-2xx response from the gateway.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s %s: HTTP %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// IsRetryable returns true for server errors (5xx) and throttling (429).
// Other client errors are permanent.
func (e *APIError) IsRetryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// JobRequest is the body of POST /jobs.
type JobRequest struct {
	Feature        string            `json:"feature"`
	SourceLocation string            `json:"source_location"`
	Params         map[string]string `json:"params,omitempty"`
	OutputLocation string            `json:"output_location,omitempty"`
}

type jobCreated struct {
	JobID string `json:"job_id"`
}

// JobStatus is the body of GET /jobs/{id}.
type JobStatus struct {
	JobID          string          `json:"job_id"`
	Status         string          `json:"status"`
	StatusMessage  string          `json:"status_message,omitempty"`
	OutputLocation string          `json:"output_location,omitempty"`
	Results        json.RawMessage `json:"results,omitempty"`
}

type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

func NewHTTPClient(baseURL, token string, logger *slog.Logger) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		logger: logging.WithComponent(logging.OrDiscard(logger), "cloud"),
	}
}

// SubmitJob starts a job and returns its id.
func (c *HTTPClient) SubmitJob(ctx context.Context, req JobRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal job request: %w", err)
	}

	var created jobCreated
	if err := c.do(ctx, http.MethodPost, c.baseURL+"/jobs", body, &created); err != nil {
		return "", err
	}

	c.logger.Info("job submitted",
		"feature", req.Feature,
		"job_id", created.JobID,
		"source", logging.SanitizeURL(req.SourceLocation),
	)
	return created.JobID, nil
}

func (c *HTTPClient) GetJob(ctx context.Context, jobID string) (*JobStatus, error) {
	var status JobStatus
	if err := c.do(ctx, http.MethodGet, c.baseURL+"/jobs/"+url.PathEscape(jobID), nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Fetch reads a result document. Absolute http(s) locations are fetched
// as is and without the gateway token; anything else is resolved through
// GET {base}/documents.
func (c *HTTPClient) Fetch(ctx context.Context, location string) ([]byte, error) {
	target := location
	direct := strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://")
	if !direct {
		target = c.baseURL + "/documents?location=" + url.QueryEscape(location)
	}

	req, err := c.newRequest(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	if direct {
		req.Header.Del("Authorization")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch document: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, c.apiError(req, resp)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxDocumentBytes))
}

func (c *HTTPClient) do(ctx context.Context, method, target string, body []byte, out any) error {
	req, err := c.newRequest(ctx, method, target, body)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.apiError(req, resp)
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxDocumentBytes)).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, req.URL.Path, err)
	}
	return nil
}

func (c *HTTPClient) newRequest(ctx context.Context, method, target string, body []byte) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, r)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("X-Request-Id", uuid.NewString())
	return req, nil
}

func (c *HTTPClient) apiError(req *http.Request, resp *http.Response) error {
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &APIError{
		Method:     req.Method,
		Path:       req.URL.Path,
		StatusCode: resp.StatusCode,
		Body:       strings.TrimSpace(string(respBody)),
	}
}
