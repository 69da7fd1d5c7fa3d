package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/videa/videa-pipeline/internal/catalog"
	"github.com/videa/videa-pipeline/internal/logging"
	"github.com/videa/videa-pipeline/internal/pipeline"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
	maxBodyBytes     = 1 << 20
)

func NewRouter(cfg ServerConfig) *chi.Mux {
	cfg.Logger = logging.OrDiscard(cfg.Logger)
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware())
	r.Use(RecoveryMiddleware(cfg.Logger))
	r.Use(TracingMiddleware())
	r.Use(LoggingMiddleware(cfg.Logger, cfg.Metrics))

	r.Get("/health", healthHandler(cfg))
	r.Method(http.MethodGet, "/metrics", cfg.Metrics.Handler())

	r.Route("/videos", func(r chi.Router) {
		r.Get("/", listVideosHandler(cfg))
		r.Post("/", submitVideoHandler(cfg))
		r.Get("/{id}", getVideoHandler(cfg))
		r.Get("/{id}/context", videoContextHandler(cfg))
	})

	r.Route("/runs", func(r chi.Router) {
		r.Get("/{id}", getRunHandler(cfg))
		r.Post("/{id}/abandon", abandonRunHandler(cfg))
	})

	r.Post("/runner/pause", pauseRunnerHandler(cfg))
	r.Post("/runner/resume", resumeRunnerHandler(cfg))

	return r
}

func healthHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := HealthResponse{
			Status:  "ok",
			Version: cfg.Version,
			UptimeS: int64(time.Since(cfg.StartTime).Seconds()),
		}
		if cfg.Runner != nil {
			resp.Runner = runnerStatus(cfg.Runner)
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func listVideosHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := defaultListLimit
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				WriteError(w, http.StatusBadRequest, "limit must be a positive integer", "INVALID_REQUEST")
				return
			}
			limit = min(n, maxListLimit)
		}

		videos, err := cfg.CatalogService.ListVideos(r.Context(), limit)
		if err != nil {
			requestLogger(cfg.Logger, r).Error("failed to list videos", "error", err)
			WriteError(w, http.StatusInternalServerError, "failed to list videos", "INTERNAL_ERROR")
			return
		}

		resp := VideoListResponse{Videos: make([]VideoResponse, 0, len(videos))}
		for _, v := range videos {
			resp.Videos = append(resp.Videos, VideoToResponse(v))
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func submitVideoHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var sub catalog.Submission
		if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&sub); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "INVALID_REQUEST")
			return
		}

		video, run, err := cfg.CatalogService.Submit(r.Context(), sub)
		switch {
		case errors.Is(err, catalog.ErrInvalidSubmission):
			WriteError(w, http.StatusBadRequest, err.Error(), "INVALID_REQUEST")
			return
		case errors.Is(err, catalog.ErrVideoExists):
			WriteError(w, http.StatusConflict, err.Error(), "VIDEO_EXISTS")
			return
		case err != nil:
			requestLogger(cfg.Logger, r).Error("failed to submit video", "error", err, "video_id", sub.VideoID)
			WriteError(w, http.StatusInternalServerError, "failed to submit video", "INTERNAL_ERROR")
			return
		}

		WriteJSON(w, http.StatusAccepted, SubmitResponse{
			VideoID: video.ID,
			RunID:   run.ID,
			Status:  video.Status,
			State:   run.State,
		})
	}
}

func getVideoHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		video, ok := loadVideo(cfg, w, r)
		if !ok {
			return
		}
		WriteJSON(w, http.StatusOK, VideoToResponse(video))
	}
}

func videoContextHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		video, ok := loadVideo(cfg, w, r)
		if !ok {
			return
		}
		if video.Status != catalog.VideoStatusCompleted {
			WriteError(w, http.StatusConflict, "video processing incomplete", "VIDEO_NOT_READY")
			return
		}
		WriteJSON(w, http.StatusOK, VideoToContext(video))
	}
}

func loadVideo(cfg ServerConfig, w http.ResponseWriter, r *http.Request) (*catalog.VideoRecord, bool) {
	id := chi.URLParam(r, "id")
	video, err := cfg.CatalogService.GetVideo(r.Context(), id)
	if err != nil {
		requestLogger(cfg.Logger, r).Error("failed to get video", "error", err, "video_id", id)
		WriteError(w, http.StatusInternalServerError, "failed to get video", "INTERNAL_ERROR")
		return nil, false
	}
	if video == nil {
		WriteError(w, http.StatusNotFound, "video not found", "NOT_FOUND")
		return nil, false
	}
	return video, true
}

func getRunHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		run, err := cfg.CatalogService.GetRun(r.Context(), id)
		if err != nil {
			requestLogger(cfg.Logger, r).Error("failed to get run", "error", err, "run_id", id)
			WriteError(w, http.StatusInternalServerError, "failed to get run", "INTERNAL_ERROR")
			return
		}
		if run == nil {
			WriteError(w, http.StatusNotFound, "run not found", "NOT_FOUND")
			return
		}
		WriteJSON(w, http.StatusOK, RunToResponse(run))
	}
}

func abandonRunHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if cfg.Abandoner == nil {
			WriteError(w, http.StatusServiceUnavailable, "abandon not available", "UNAVAILABLE")
			return
		}

		var req AbandonRequest
		if r.ContentLength != 0 {
			if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
				WriteError(w, http.StatusBadRequest, "invalid request body", "INVALID_REQUEST")
				return
			}
		}

		id := chi.URLParam(r, "id")
		err := cfg.Abandoner.Abandon(r.Context(), id, req.Reason)
		switch {
		case errors.Is(err, pipeline.ErrRunNotFound):
			WriteError(w, http.StatusNotFound, "run not found", "NOT_FOUND")
			return
		case errors.Is(err, pipeline.ErrRunTerminal):
			WriteError(w, http.StatusConflict, "run already finished", "RUN_TERMINAL")
			return
		case err != nil:
			requestLogger(cfg.Logger, r).Error("failed to abandon run", "error", err, "run_id", id)
			WriteError(w, http.StatusInternalServerError, "failed to abandon run", "INTERNAL_ERROR")
			return
		}

		run, err := cfg.CatalogService.GetRun(r.Context(), id)
		if err != nil || run == nil {
			WriteJSON(w, http.StatusOK, RunResponse{ID: id, State: string(catalog.RunFailed), Stages: []StageRunResponse{}})
			return
		}
		WriteJSON(w, http.StatusOK, RunToResponse(run))
	}
}

func pauseRunnerHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if cfg.Runner == nil {
			WriteError(w, http.StatusServiceUnavailable, "runner not available", "UNAVAILABLE")
			return
		}
		cfg.Runner.Pause()
		requestLogger(cfg.Logger, r).Info("runner paused")
		WriteJSON(w, http.StatusOK, runnerStatus(cfg.Runner))
	}
}

func resumeRunnerHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if cfg.Runner == nil {
			WriteError(w, http.StatusServiceUnavailable, "runner not available", "UNAVAILABLE")
			return
		}
		cfg.Runner.Resume()
		requestLogger(cfg.Logger, r).Info("runner resumed")
		WriteJSON(w, http.StatusOK, runnerStatus(cfg.Runner))
	}
}

func runnerStatus(rn *catalog.Runner) *RunnerResponse {
	return &RunnerResponse{
		Running:    rn.IsRunning(),
		Paused:     rn.IsPaused(),
		ActiveRuns: rn.ActiveRuns(),
	}
}
