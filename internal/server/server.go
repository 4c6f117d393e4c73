// Package server exposes the ASI model and the document query engine over
// HTTP and MCP.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"asi-llm/internal/config"
	"asi-llm/internal/index"
	"asi-llm/internal/llm"
	"asi-llm/internal/metrics"
	"asi-llm/internal/query"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const defaultIndexConcurrency = 4

// Pinger is implemented by models that can check their upstream.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server holds the HTTP handlers.
type Server struct {
	cfg    *config.Config
	model  llm.Model
	index  *index.VectorStoreIndex
	engine *query.Engine
	mcp    *mcp.Server

	sem chan struct{} // Limits concurrent background indexing jobs
	wg  sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithIndex enables the document and query routes.
func WithIndex(ix *index.VectorStoreIndex, engine *query.Engine) Option {
	return func(s *Server) {
		s.index = ix
		s.engine = engine
	}
}

// New creates a server for model.
func New(cfg *config.Config, model llm.Model, opts ...Option) *Server {
	s := &Server{
		cfg:   cfg,
		model: model,
		sem:   make(chan struct{}, defaultIndexConcurrency),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.mcp = NewMCPServer(model, s.engine)
	return s
}

// MCP returns the MCP server, e.g. to serve it over stdio.
func (s *Server) MCP() *mcp.Server {
	return s.mcp
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/complete", s.handleComplete)
	mux.HandleFunc("POST /v1/chat", s.handleChat)
	if s.index != nil {
		mux.HandleFunc("POST /v1/documents", s.handleInsertDocuments)
		mux.HandleFunc("DELETE /v1/documents/{id}", s.handleDeleteDocument)
	}
	if s.engine != nil {
		mux.HandleFunc("POST /v1/query", s.handleQuery)
	}

	// Liveness check
	mux.HandleFunc("/health/live", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Readiness checks the upstream model and the vector store
	mux.HandleFunc("/health/ready", s.handleReady)

	mux.Handle("/mcp", mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return s.mcp
	}, nil))

	// Prometheus Metrics Endpoint
	mux.Handle("/metrics", promhttp.Handler())

	return s.instrument(mux)
}

// WaitForCompletion blocks until background indexing jobs finish.
func (s *Server) WaitForCompletion() {
	s.wg.Wait()
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if p, ok := s.model.(Pinger); ok {
		if err := p.Ping(ctx); err != nil {
			slog.Warn("llm unhealthy", "error", err)
			http.Error(w, "LLM Service Unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	if s.index != nil {
		if _, err := s.index.Store().Count(ctx); err != nil {
			slog.Warn("vector store unhealthy", "error", err)
			http.Error(w, "Vector Store Unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Ready"))
}

// statusRecorder captures the response status for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// instrument records per-route metrics and recovers from handler panics.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w}
		defer func() {
			if p := recover(); p != nil {
				slog.Error("panic recovered in http handler",
					"panic", p,
					"path", r.URL.Path,
					"stack", string(debug.Stack()))
				if rec.status == 0 {
					http.Error(rec, "Internal Server Error", http.StatusInternalServerError)
				}
			}
			route := r.Pattern
			if route == "" {
				route = "unmatched"
			}
			status := rec.status
			if status == 0 {
				status = http.StatusOK
			}
			metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(status/100)+"xx").Inc()
		}()
		next.ServeHTTP(rec, r)
	})
}
