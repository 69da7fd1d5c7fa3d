package api

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/videa/videa-pipeline/internal/catalog"
	"github.com/videa/videa-pipeline/internal/logging"
	"github.com/videa/videa-pipeline/internal/metrics"
)

// Abandoner stops a run on operator request.
type Abandoner interface {
	Abandon(ctx context.Context, runID, reason string) error
}

type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

type ServerConfig struct {
	Host           string
	Port           int
	Version        string
	CatalogService catalog.CatalogService
	Abandoner      Abandoner
	Runner         *catalog.Runner
	Metrics        *metrics.Metrics
	Logger         *slog.Logger
	StartTime      time.Time
}

func NewServer(cfg ServerConfig) *Server {
	cfg.Logger = logging.OrDiscard(cfg.Logger)
	host := cfg.Host
	if host == "" {
		host = "127.0.0.1"
	}

	return &Server{
		httpServer: &http.Server{
			Addr:         net.JoinHostPort(host, strconv.Itoa(cfg.Port)),
			Handler:      NewRouter(cfg),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: cfg.Logger,
	}
}

func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) Addr() string {
	return s.httpServer.Addr
}
