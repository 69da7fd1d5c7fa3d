package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/videa/videa-pipeline/internal/metrics"
)

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	h := RequestIDMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = r.Context().Value(RequestIDKey).(string)
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if len(seen) != 8 {
		t.Errorf("generated request id = %q, want 8 chars", seen)
	}
	if got := rr.Header().Get("X-Request-ID"); got != seen {
		t.Errorf("X-Request-ID = %q, want %q", got, seen)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "upstream-42")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if seen != "upstream-42" {
		t.Errorf("request id = %q, want the caller's", seen)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", strings.Repeat("x", 100))
	h.ServeHTTP(httptest.NewRecorder(), req)
	if len(seen) != 8 {
		t.Errorf("oversized request id was kept: %d chars", len(seen))
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	h := RecoveryMiddleware(testLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status code = %d, want 500", rr.Code)
	}
	if got := decodeJSONBody(t, rr)["code"]; got != "INTERNAL_ERROR" {
		t.Errorf("code = %v, want INTERNAL_ERROR", got)
	}
}

func TestLoggingMiddleware_RecordsRoutePattern(t *testing.T) {
	m := metrics.New()
	r := chi.NewRouter()
	r.Use(LoggingMiddleware(testLogger(), m))
	r.Get("/runs/{id}", func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, http.StatusTeapot, "no", "NO")
	})

	for _, id := range []string{"a", "b", "c"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/runs/"+id, nil))
	}

	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	want := `videa_http_requests_total{method="GET",route="/runs/{id}",status="418"} 3`
	if !strings.Contains(rr.Body.String(), want) {
		t.Errorf("metrics output missing %q", want)
	}
}

func TestResponseWriter_KeepsFirstStatus(t *testing.T) {
	rr := httptest.NewRecorder()
	w := &responseWriter{ResponseWriter: rr, status: http.StatusOK}

	w.Write([]byte("ok"))
	w.WriteHeader(http.StatusInternalServerError)

	if w.status != http.StatusOK {
		t.Errorf("status = %d, want 200 once the body was written", w.status)
	}
}

func TestTracingMiddleware_PassesThrough(t *testing.T) {
	h := TracingMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusCreated, map[string]string{"ok": "yes"})
	}))

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/videos", nil)
	req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("status code = %d, want 201", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
}
