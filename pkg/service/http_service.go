package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	log "github.com/sirupsen/logrus"

	"github.com/open-feature/flagd-toolbar/pkg/devserver"
	"github.com/open-feature/flagd-toolbar/pkg/eval"
	"github.com/open-feature/flagd-toolbar/pkg/metrics"
	"github.com/open-feature/flagd-toolbar/pkg/model"
	"github.com/open-feature/flagd-toolbar/pkg/share"
	"github.com/open-feature/flagd-toolbar/pkg/store"
	toolbarsync "github.com/open-feature/flagd-toolbar/pkg/sync"
)

const DefaultPort = 8090

type HTTPServiceConfiguration struct {
	Port int32
	// AllowedOrigins for CORS, every origin when empty.
	AllowedOrigins []string
	// OverrideNamespace used when importing a share link.
	OverrideNamespace string
}

type HTTPService struct {
	HTTPServiceConfiguration *HTTPServiceConfiguration
	Toolbar                  Toolbar
	Codec                    *share.Codec
	Metrics                  *metrics.Recorder

	// Resolver serves /evaluate and Starred serves /starred when set.
	Resolver Resolver
	Starred  *store.StarredStore

	logger *log.Entry
}

var _ IService = (*HTTPService)(nil)

// Handler builds the router.
func (h *HTTPService) Handler() http.Handler {
	if h.logger == nil {
		h.logger = log.WithField("component", "service")
	}
	origins := []string{"*"}
	if h.HTTPServiceConfiguration != nil && len(h.HTTPServiceConfiguration.AllowedOrigins) > 0 {
		origins = h.HTTPServiceConfiguration.AllowedOrigins
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowedHeaders: []string{"Content-Type"},
	}).Handler)

	r.Get("/state", h.getState)
	r.Get("/events", h.events)
	r.Put("/overrides/{flagKey}", h.setOverride)
	r.Delete("/overrides/{flagKey}", h.clearOverride)
	r.Delete("/overrides", h.clearAllOverrides)
	r.Post("/refresh", h.refresh)
	r.Get("/share", h.exportShare)
	r.Post("/share/import", h.importShare)
	if h.Resolver != nil {
		r.Get("/evaluate/{flagKey}", h.evaluate)
	}
	if h.Starred != nil {
		r.Get("/starred", h.getStarred)
		r.Put("/starred/{flagKey}", h.toggleStarred)
	}
	if h.Metrics != nil {
		r.Handle("/metrics", h.Metrics.Handler())
	}
	return r
}

// Serve listens until ctx is cancelled, then shuts the server down.
func (h *HTTPService) Serve(ctx context.Context) error {
	if h.HTTPServiceConfiguration == nil {
		return errors.New("http service configuration has not been initialised")
	}
	if h.Toolbar == nil {
		return errors.New("http service has no toolbar to serve")
	}
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", h.HTTPServiceConfiguration.Port),
		Handler:           h.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errc := make(chan error, 1)
	go func() {
		h.logger.Infof("serving %s toolbar on %s", h.Toolbar.Mode(), srv.Addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	}
}

func (h *HTTPService) getState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.Toolbar.Snapshot())
}

// events streams every snapshot as a server-sent event, starting with the
// current one.
func (h *HTTPService) events(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	updates := make(chan any, 1)
	stop := h.Toolbar.Watch(func(snapshot any) {
		select {
		case updates <- snapshot:
		default:
			// keep only the newest snapshot for a slow reader
			select {
			case <-updates:
			default:
			}
			select {
			case updates <- snapshot:
			default:
			}
		}
	})
	defer stop()

	send := func(snapshot any) bool {
		data, err := json.Marshal(snapshot)
		if err != nil {
			h.logger.Warnf("encode event: %v", err)
			return true
		}
		if _, err := fmt.Fprintf(w, "event: state\ndata: %s\n\n", data); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	if !send(h.Toolbar.Snapshot()) {
		return
	}
	for {
		select {
		case <-r.Context().Done():
			return
		case snapshot := <-updates:
			if !send(snapshot) {
				return
			}
		}
	}
}

func (h *HTTPService) setOverride(w http.ResponseWriter, r *http.Request) {
	flagKey := chi.URLParam(r, "flagKey")
	var value any
	if err := json.NewDecoder(r.Body).Decode(&value); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("override value must be JSON: %w", err))
		return
	}
	if err := h.Toolbar.SetOverride(r.Context(), flagKey, value); err != nil {
		h.handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.Toolbar.Snapshot())
}

func (h *HTTPService) clearOverride(w http.ResponseWriter, r *http.Request) {
	if err := h.Toolbar.ClearOverride(r.Context(), chi.URLParam(r, "flagKey")); err != nil {
		h.handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.Toolbar.Snapshot())
}

func (h *HTTPService) clearAllOverrides(w http.ResponseWriter, r *http.Request) {
	if err := h.Toolbar.ClearAllOverrides(r.Context()); err != nil {
		h.handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.Toolbar.Snapshot())
}

func (h *HTTPService) refresh(w http.ResponseWriter, r *http.Request) {
	if err := h.Toolbar.Refresh(r.Context()); err != nil {
		h.handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.Toolbar.Snapshot())
}

func (h *HTTPService) exportShare(w http.ResponseWriter, r *http.Request) {
	if h.Codec == nil {
		h.handleError(w, ErrNotSupported)
		return
	}
	state, err := h.Codec.Collect(h.Toolbar.Overrides())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	result, err := h.Codec.Serialize(state, r.URL.Query().Get("base"), r.URL.Query().Get("param"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *HTTPService) evaluate(w http.ResponseWriter, r *http.Request) {
	want := model.FlagType(r.URL.Query().Get("type"))
	switch want {
	case "", model.FlagTypeBoolean, model.FlagTypeString, model.FlagTypeNumber, model.FlagTypeObject, model.FlagTypeMultivariate:
	default:
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown flag type %q", want))
		return
	}
	res, err := h.Resolver.Resolve(chi.URLParam(r, "flagKey"), want)
	switch {
	case errors.Is(err, eval.ErrFlagNotFound):
		writeJSON(w, http.StatusNotFound, res)
	case errors.Is(err, eval.ErrTypeMismatch):
		writeJSON(w, http.StatusConflict, res)
	case err != nil:
		h.logger.Warnf("evaluate %s: %v", res.Key, err)
		writeJSON(w, http.StatusInternalServerError, res)
	default:
		writeJSON(w, http.StatusOK, res)
	}
}

type starredResponse struct {
	FlagKey string `json:"flagKey"`
	Starred bool   `json:"starred"`
}

func (h *HTTPService) getStarred(w http.ResponseWriter, _ *http.Request) {
	keys, err := h.Starred.Get()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if keys == nil {
		keys = []string{}
	}
	writeJSON(w, http.StatusOK, keys)
}

func (h *HTTPService) toggleStarred(w http.ResponseWriter, r *http.Request) {
	flagKey := chi.URLParam(r, "flagKey")
	starred, err := h.Starred.Toggle(flagKey)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, starredResponse{FlagKey: flagKey, Starred: starred})
}

type importRequest struct {
	URL   string `json:"url"`
	Param string `json:"param,omitempty"`
}

type importResponse struct {
	Loaded  bool     `json:"loaded"`
	Warning string   `json:"warning,omitempty"`
	Errors  []string `json:"errors,omitempty"`
}

// overrideWriter applies imported overrides through the toolbar.
type overrideWriter struct {
	ctx     context.Context
	toolbar Toolbar
}

func (o overrideWriter) SetOverride(flagKey string, value any) error {
	return o.toolbar.SetOverride(o.ctx, flagKey, value)
}

func (h *HTTPService) importShare(w http.ResponseWriter, r *http.Request) {
	if h.Codec == nil {
		h.handleError(w, ErrNotSupported)
		return
	}
	var req importRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	parsed := h.Codec.Parse(req.URL, req.Param)
	if !parsed.Found {
		writeError(w, http.StatusBadRequest, errors.New("no shared state in url"))
		return
	}
	if parsed.Err != nil {
		writeError(w, http.StatusBadRequest, parsed.Err)
		return
	}

	namespace := ""
	if h.HTTPServiceConfiguration != nil {
		namespace = h.HTTPServiceConfiguration.OverrideNamespace
	}
	applied := h.Codec.Apply(parsed.State, namespace, overrideWriter{ctx: r.Context(), toolbar: h.Toolbar})
	resp := importResponse{Loaded: applied.Loaded, Warning: parsed.Warning}
	for _, err := range applied.Errs {
		resp.Errors = append(resp.Errors, err.Error())
	}
	status := http.StatusOK
	if !applied.Loaded {
		status = http.StatusMultiStatus
	}
	writeJSON(w, status, resp)
}

// handleError maps engine errors onto HTTP statuses.
func (h *HTTPService) handleError(w http.ResponseWriter, err error) {
	var reqErr *devserver.RequestError
	switch {
	case errors.Is(err, toolbarsync.ErrNotAvailable), errors.Is(err, ErrNotSupported):
		writeError(w, http.StatusConflict, err)
	case devserver.IsConnectionError(err), errors.As(err, &reqErr), errors.Is(err, toolbarsync.ErrNoProjects):
		h.logger.Warn(err)
		writeError(w, http.StatusBadGateway, errors.New(devserver.DescribeError(err)))
	default:
		h.logger.Error(err)
		writeError(w, http.StatusInternalServerError, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
