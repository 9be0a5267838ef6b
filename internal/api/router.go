// Package api serves the daemon's control API and provides a client for it.
package api

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/paveg/portpilot/internal/service"
	"github.com/paveg/portpilot/internal/supervisor"
)

// Supervisor is the part of *supervisor.Supervisor the API drives.
type Supervisor interface {
	Start(ctx context.Context, def service.Definition) error
	Stop(ctx context.Context, def service.Definition) error
	Restart(ctx context.Context, def service.Definition) error
	RefreshExternalState(ctx context.Context, def service.Definition, openURLs bool)
	Info(ctx context.Context, def service.Definition) supervisor.Info
	Subscribe() (<-chan supervisor.Event, func())
}

// Catalog holds the configured service definitions.
type Catalog interface {
	Services() []service.Definition
	Service(id string) (service.Definition, bool)
	Reload(ctx context.Context) error
}

// LogReader returns the tail of a service log.
type LogReader interface {
	Path(id string) string
	Tail(id string, n int) ([]string, error)
}

// Router sets up the HTTP routes
type Router struct {
	handler  *Handler
	streamer *EventStreamer
	mux      *http.ServeMux
	gatherer prometheus.Gatherer
	logger   *zap.Logger
}

// Option configures a Router
type Option func(*Router)

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(r *Router) {
		r.logger = logger
	}
}

// WithMetrics serves g on /metrics
func WithMetrics(g prometheus.Gatherer) Option {
	return func(r *Router) {
		r.gatherer = g
	}
}

// NewRouter creates a new router with all API endpoints
func NewRouter(sup Supervisor, catalog Catalog, logs LogReader, opts ...Option) *Router {
	r := &Router{
		mux:    http.NewServeMux(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.handler = NewHandler(sup, catalog, logs, r.logger)
	r.streamer = NewEventStreamer(sup, r.logger)

	r.setupRoutes()
	return r
}

func (r *Router) setupRoutes() {
	r.mux.HandleFunc("GET /api/health", r.handler.Health)
	r.mux.HandleFunc("GET /api/services", r.handler.ListServices)
	r.mux.HandleFunc("GET /api/services/{id}", r.handler.GetService)
	r.mux.HandleFunc("POST /api/services/{id}/{action}", r.handler.ServiceAction)
	r.mux.HandleFunc("GET /api/services/{id}/logs", r.handler.Logs)
	r.mux.HandleFunc("POST /api/reload", r.handler.Reload)
	r.mux.HandleFunc("POST /api/stop-all", r.handler.StopAll)
	r.mux.HandleFunc("GET /api/events", r.streamer.HandleEvents)

	if r.gatherer != nil {
		r.mux.Handle("GET /metrics", promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{}))
	}
}

// ServeHTTP implements http.Handler
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}
