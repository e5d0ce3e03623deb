package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/groundline-ai/groundline/internal/auth"
	"github.com/groundline-ai/groundline/internal/health"
	"github.com/groundline-ai/groundline/internal/pipeline"
	"github.com/groundline-ai/groundline/internal/ratelimit"
	"github.com/groundline-ai/groundline/internal/schemas"
	"github.com/groundline-ai/groundline/internal/synthesis"
)

// Pipeline is the question-answering surface the server fronts.
type Pipeline interface {
	Ask(ctx context.Context, req schemas.AskRequest, u schemas.UserContext) (*pipeline.AskResult, error)
	AskStream(ctx context.Context, req schemas.AskRequest, u schemas.UserContext) (<-chan synthesis.Event, error)
}

// Ingestor is the document publishing surface.
type Ingestor interface {
	Preview(ctx context.Context, doc *schemas.NormalizedDoc) (*schemas.PreviewResponse, error)
	PublishBatch(ctx context.Context, docs []schemas.NormalizedDoc) []schemas.PublishResult
}

// Server wires the HTTP surface: ask endpoints behind auth and rate
// limiting, ingest endpoints behind the shared token, plus health and
// metrics.
type Server struct {
	auth        *auth.Authenticator
	limiter     *ratelimit.Limiter
	pipeline    Pipeline
	ingest      Ingestor
	health      *health.Manager
	ingestToken string
	log         *zap.Logger

	httpServer *http.Server
}

// Config carries the listener settings. WriteTimeout is deliberately
// absent: SSE and WebSocket responses outlive any sane fixed deadline.
type Config struct {
	Addr        string
	ReadTimeout time.Duration
	IngestToken string
}

// NewServer builds the server. limiter may be nil to disable rate
// limiting; an empty ingest token disables the ingest surface entirely.
func NewServer(cfg Config, authn *auth.Authenticator, limiter *ratelimit.Limiter, pl Pipeline, ing Ingestor, hm *health.Manager, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		auth:        authn,
		limiter:     limiter,
		pipeline:    pl,
		ingest:      ing,
		health:      hm,
		ingestToken: cfg.IngestToken,
		log:         log,
	}
	s.httpServer = &http.Server{
		Addr:        cfg.Addr,
		Handler:     s.Routes(),
		ReadTimeout: cfg.ReadTimeout,
	}
	return s
}

// Routes builds the mux. Exposed separately so tests can drive handlers
// through httptest without binding a port.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	ask := func(h http.HandlerFunc) http.Handler {
		return s.withLogging(s.withAuth(s.withRateLimit(h)))
	}
	mux.Handle("POST /ask", ask(s.handleAsk))
	mux.Handle("POST /ask/stream", ask(s.handleAskStream))
	mux.Handle("GET /ask/ws", ask(s.handleAskWS))

	ingestChain := func(h http.HandlerFunc) http.Handler {
		return s.withLogging(s.withIngestToken(h))
	}
	mux.Handle("POST /ingest/preview", ingestChain(s.handlePreview))
	mux.Handle("POST /ingest/publish", ingestChain(s.handlePublish))
	mux.Handle("POST /ingest/upload", ingestChain(s.handleUpload))

	mux.HandleFunc("GET /healthz", s.handleLive)
	mux.HandleFunc("GET /readyz", s.handleReady)
	mux.Handle("GET /metrics", promhttp.Handler())

	return mux
}

func (s *Server) handleLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	report := s.health.Snapshot()
	status := http.StatusOK
	if !report.Ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

// Start blocks serving until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	s.log.Info("http server listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
