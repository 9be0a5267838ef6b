package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/paveg/portpilot/internal/service"
	"github.com/paveg/portpilot/internal/supervisor"
)

// Static error variables to satisfy err113 linter
var (
	ErrUnknownService = errors.New("unknown service")
	ErrUnknownAction  = errors.New("unknown action")
	ErrInvalidLines   = errors.New("lines must be a positive integer")
)

const (
	defaultLogLines = 100
	maxLogLines     = 10000
	stopAllLimit    = 8
)

// Health is the body of GET /api/health.
type Health struct {
	Status   string `json:"status"`
	PID      int    `json:"pid"`
	Services int    `json:"services"`
}

// Logs is the body of GET /api/services/{id}/logs.
type Logs struct {
	ID    string   `json:"id"`
	Path  string   `json:"path"`
	Lines []string `json:"lines"`
}

// ReloadResult is the body of POST /api/reload.
type ReloadResult struct {
	Services []string `json:"services"`
}

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error string `json:"error"`
}

// Handler wraps the supervisor and catalog and provides HTTP handlers
type Handler struct {
	sup     Supervisor
	catalog Catalog
	logs    LogReader
	logger  *zap.Logger
}

// NewHandler creates a new API handler
func NewHandler(sup Supervisor, catalog Catalog, logs LogReader, logger *zap.Logger) *Handler {
	return &Handler{sup: sup, catalog: catalog, logs: logs, logger: logger}
}

// jsonResponse writes a JSON response
func (h *Handler) jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Debug("failed to write response", zap.Error(err))
	}
}

// errorResponse writes an error response
func (h *Handler) errorResponse(w http.ResponseWriter, status int, err error) {
	h.jsonResponse(w, status, errorBody{Error: err.Error()})
}

// statusFor maps supervisor and validation errors to HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrUnknownService):
		return http.StatusNotFound
	case errors.Is(err, supervisor.ErrShutdown):
		return http.StatusServiceUnavailable
	case isValidation(err):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func isValidation(err error) bool {
	for _, target := range []error{
		service.ErrEmptyID, service.ErrEmptyLabel, service.ErrNoLaunchTarget,
		service.ErrInvalidPort, service.ErrInvalidURL, ErrUnknownAction, ErrInvalidLines,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// lookup resolves the {id} path value.
func (h *Handler) lookup(w http.ResponseWriter, r *http.Request) (service.Definition, bool) {
	id := r.PathValue("id")
	def, ok := h.catalog.Service(id)
	if !ok {
		h.errorResponse(w, http.StatusNotFound, fmt.Errorf("%w: %s", ErrUnknownService, id))
		return service.Definition{}, false
	}
	return def, true
}

// Health reports that the daemon is serving.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	h.jsonResponse(w, http.StatusOK, Health{Status: "ok", PID: os.Getpid(), Services: len(h.catalog.Services())})
}

// ListServices returns the info of every configured service in config order.
func (h *Handler) ListServices(w http.ResponseWriter, r *http.Request) {
	defs := h.catalog.Services()
	infos := make([]supervisor.Info, 0, len(defs))
	for _, def := range defs {
		infos = append(infos, h.sup.Info(r.Context(), def))
	}
	h.jsonResponse(w, http.StatusOK, infos)
}

// GetService returns the info of one service
func (h *Handler) GetService(w http.ResponseWriter, r *http.Request) {
	def, ok := h.lookup(w, r)
	if !ok {
		return
	}
	h.jsonResponse(w, http.StatusOK, h.sup.Info(r.Context(), def))
}

// ServiceAction runs start, stop, restart or refresh and returns the resulting info.
func (h *Handler) ServiceAction(w http.ResponseWriter, r *http.Request) {
	def, ok := h.lookup(w, r)
	if !ok {
		return
	}

	ctx := r.Context()
	action := r.PathValue("action")
	log := h.logger.With(zap.String("service", def.ID), zap.String("action", action))

	var err error
	switch action {
	case "start":
		err = h.sup.Start(ctx, def)
	case "stop":
		err = h.sup.Stop(ctx, def)
	case "restart":
		err = h.sup.Restart(ctx, def)
	case "refresh":
		open, _ := strconv.ParseBool(r.URL.Query().Get("open")) //nolint:errcheck // absent or malformed means false
		h.sup.RefreshExternalState(ctx, def, open)
	default:
		err = fmt.Errorf("%w: %s", ErrUnknownAction, action)
		h.errorResponse(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		log.Info("service action failed", zap.Error(err))
		h.errorResponse(w, statusFor(err), err)
		return
	}

	log.Debug("service action done")
	h.jsonResponse(w, http.StatusOK, h.sup.Info(ctx, def))
}

// Logs returns the last lines of a service log.
func (h *Handler) Logs(w http.ResponseWriter, r *http.Request) {
	def, ok := h.lookup(w, r)
	if !ok {
		return
	}

	n := defaultLogLines
	if raw := r.URL.Query().Get("lines"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			h.errorResponse(w, http.StatusBadRequest, fmt.Errorf("%w: %q", ErrInvalidLines, raw))
			return
		}
		n = min(parsed, maxLogLines)
	}

	lines, err := h.logs.Tail(def.ID, n)
	if err != nil {
		h.errorResponse(w, http.StatusInternalServerError, err)
		return
	}
	h.jsonResponse(w, http.StatusOK, Logs{ID: def.ID, Path: h.logs.Path(def.ID), Lines: lines})
}

// Reload re-reads the configuration.
func (h *Handler) Reload(w http.ResponseWriter, r *http.Request) {
	if err := h.catalog.Reload(r.Context()); err != nil {
		h.errorResponse(w, http.StatusBadRequest, err)
		return
	}
	ids := make([]string, 0)
	for _, def := range h.catalog.Services() {
		ids = append(ids, def.ID)
	}
	h.jsonResponse(w, http.StatusOK, ReloadResult{Services: ids})
}

// StopAll stops every configured service that can be stopped.
func (h *Handler) StopAll(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	defs := h.catalog.Services()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(stopAllLimit)
	for _, def := range defs {
		g.Go(func() error {
			if err := h.sup.Stop(gctx, def); err != nil {
				return fmt.Errorf("stop %s: %w", def.ID, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		h.errorResponse(w, statusFor(err), err)
		return
	}

	infos := make([]supervisor.Info, 0, len(defs))
	for _, def := range defs {
		infos = append(infos, h.sup.Info(ctx, def))
	}
	h.jsonResponse(w, http.StatusOK, infos)
}
