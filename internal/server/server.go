// Package server exposes the thin HTTP surface of the WaveShift pipeline:
// the segmenter watch endpoint, transcript reads and single-field edits, a
// live websocket feed, and the health and metrics endpoints.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jbang2004/waveshift/internal/health"
	"github.com/jbang2004/waveshift/internal/observe"
	"github.com/jbang2004/waveshift/internal/segmenter"
	"github.com/jbang2004/waveshift/internal/store"
	"github.com/jbang2004/waveshift/internal/workflow"
)

// TranscriptAPI is the slice of the transcript store the HTTP surface needs.
// *store.TranscriptStore satisfies it.
type TranscriptAPI interface {
	SelectAfter(ctx context.Context, transcriptionID string, minSequence int64, limit int) ([]store.Segment, error)
	GetTranscription(ctx context.Context, id string) (*store.Transcription, error)
	UpdateSegmentText(ctx context.Context, transcriptionID string, sequence int64, field, value string) error
}

// Watcher runs the segmenter for one transcription. *segmenter.Driver
// satisfies it.
type Watcher interface {
	Watch(ctx context.Context, req segmenter.WatchRequest) (*segmenter.WatchResult, error)
}

// JobRunner executes the full pipeline for one task. *workflow.Workflow
// satisfies it.
type JobRunner interface {
	Run(ctx context.Context, job workflow.Job) (*workflow.Result, error)
}

// Server routes the WaveShift HTTP API.
type Server struct {
	transcripts TranscriptAPI
	watcher     Watcher
	jobs        JobRunner
	health      *health.Handler
	metrics     *observe.Metrics
	log         *slog.Logger

	// livePoll is the interval of the websocket feed's store polling.
	livePoll time.Duration
}

// Option customises a [Server].
type Option func(*Server)

// WithMetrics sets the metrics instance. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) { s.log = log }
}

// WithLivePollInterval sets how often the live feed polls the store.
func WithLivePollInterval(d time.Duration) Option {
	return func(s *Server) { s.livePoll = d }
}

// WithJobs enables the task processing endpoint backed by runner.
func WithJobs(runner JobRunner) Option {
	return func(s *Server) { s.jobs = runner }
}

// New creates a Server over the transcript store and segmenter driver.
func New(transcripts TranscriptAPI, watcher Watcher, h *health.Handler, opts ...Option) *Server {
	s := &Server{
		transcripts: transcripts,
		watcher:     watcher,
		health:      h,
		log:         slog.Default(),
		livePoll:    time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Routes builds the full handler tree: API routes behind CORS and the observe
// middleware, plus health and metrics endpoints.
func (s *Server) Routes() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("POST /v1/segmenter/watch", s.handleWatch)
	api.HandleFunc("GET /v1/transcriptions/{id}/segments", s.handleSegments)
	api.HandleFunc("GET /v1/transcriptions/{id}/live", s.handleLive)
	api.HandleFunc("PATCH /v1/transcriptions/{id}/segments/{sequence}/text", s.handleUpdateText)
	if s.jobs != nil {
		api.HandleFunc("POST /v1/tasks/process", s.handleProcessTask)
	}

	root := http.NewServeMux()
	root.Handle("/v1/", cors(observe.Middleware(s.metrics)(api)))
	root.Handle("GET /metrics", promhttp.Handler())
	if s.health != nil {
		s.health.Register(root)
	}
	return root
}

// cors applies a permissive CORS policy to the API routes. The transcript is
// consumed directly from browsers on other origins.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
