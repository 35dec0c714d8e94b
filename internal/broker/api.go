// ABOUTME: HTTP handlers for the broker control plane used by the web UI, CLI, and instances
// ABOUTME: JSON bodies everywhere, permissive CORS, and sentinel errors mapped to status codes

package broker

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/2389/opencode-web/internal/api"
	"github.com/2389/opencode-web/internal/config"
	"github.com/2389/opencode-web/internal/lifecycle"
	"github.com/2389/opencode-web/internal/registry"
	"github.com/2389/opencode-web/internal/store"
)

// maxBodyBytes bounds request bodies; every request is a cwd and a port.
const maxBodyBytes = 64 << 10

// Handler returns the broker's HTTP handler with CORS applied to every response.
func (b *Broker) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/register", b.handleRegister)
	mux.HandleFunc("/ping", b.handlePing)
	mux.HandleFunc("/deregister", b.handleDeregister)
	mux.HandleFunc("/instances", b.handleInstances)
	mux.HandleFunc("/instance", b.handleInstance)
	mux.HandleFunc("/events", b.handleEvents)
	mux.HandleFunc("/watch", b.handleWatch)
	mux.HandleFunc("/status", b.handleStatus)
	mux.HandleFunc("/health", b.handleHealth)
	return withCORS(mux)
}

// withCORS lets the hosted web UI call the broker from any origin.
func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "*")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleRegister handles POST /register from a starting or recovering instance.
func (b *Broker) handleRegister(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}

	var req api.RegisterRequest
	if err := decodeBody(w, r, &req); err != nil {
		b.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := b.registry.Register(req.CWD, req.Port); err != nil {
		b.sendError(w, err)
		return
	}
	b.writeJSON(w, http.StatusOK, api.OKResponse{OK: true})
}

// handlePing handles POST /ping heartbeats. known=false tells the instance the
// broker has no entry for it and it should register again.
func (b *Broker) handlePing(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}

	var req api.RegisterRequest
	if err := decodeBody(w, r, &req); err != nil {
		b.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := b.registry.Heartbeat(req.CWD, req.Port)
	if err != nil {
		b.sendError(w, err)
		return
	}
	b.writeJSON(w, http.StatusOK, api.PingResponse{OK: true, Known: res.Known, Matched: res.Matched, Online: res.Online})
}

// handleDeregister handles POST /deregister from an instance shutting down.
func (b *Broker) handleDeregister(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}

	var req api.CWDRequest
	if err := decodeBody(w, r, &req); err != nil {
		b.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := b.registry.Deregister(req.CWD); err != nil {
		b.sendError(w, err)
		return
	}
	b.writeJSON(w, http.StatusOK, api.DeregisterResponse{Instances: b.snapshot()})
}

// handleInstances handles GET /instances. The payload doubles as the
// discovery signature, so its shape must not change.
func (b *Broker) handleInstances(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}

	b.writeJSON(w, http.StatusOK, api.InstancesResponse{
		Version:   config.Version,
		Info:      api.ServiceInfo{Name: config.ServiceName},
		Instances: b.snapshot(),
	})
}

// handleInstance handles POST /instance (start) and DELETE /instance (stop).
func (b *Broker) handleInstance(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost, http.MethodDelete) {
		return
	}

	var req api.CWDRequest
	if err := decodeBody(w, r, &req); err != nil {
		b.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.CWD == "" {
		b.sendJSONError(w, http.StatusBadRequest, registry.ErrInvalidCWD.Error())
		return
	}

	if r.Method == http.MethodPost {
		port, err := b.lifecycle.Start(r.Context(), req.CWD)
		if err != nil {
			b.logger.Warn("start failed", "cwd", req.CWD, "error", err)
			b.sendError(w, err)
			return
		}
		b.writeJSON(w, http.StatusCreated, api.StartResponse{Message: "Instance started", Port: port})
		return
	}

	if err := b.lifecycle.Stop(r.Context(), req.CWD); err != nil {
		b.logger.Warn("stop failed", "cwd", req.CWD, "error", err)
		b.sendError(w, err)
		return
	}
	b.writeJSON(w, http.StatusOK, api.MessageResponse{Message: "Instance stopped"})
}

// handleEvents handles GET /events?limit=N&cwd=D&kind=K, newest first.
func (b *Broker) handleEvents(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}

	q := r.URL.Query()
	var filter store.EventFilter
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			b.sendJSONError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		filter.Limit = limit
	}
	if cwd := q.Get("cwd"); cwd != "" {
		filter.CWD = &cwd
	}
	if raw := q.Get("kind"); raw != "" {
		kind := store.EventKind(raw)
		filter.Kind = &kind
	}

	evts, err := b.store.ListEvents(r.Context(), filter)
	if err != nil {
		b.logger.Error("failed to list events", "error", err)
		b.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if evts == nil {
		evts = []store.Event{}
	}
	b.writeJSON(w, http.StatusOK, api.EventsResponse{Events: evts})
}

// handleHealth returns 200 OK if the server is alive.
func (b *Broker) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// snapshot returns the swept instance list, never nil so it encodes as [].
func (b *Broker) snapshot() []registry.Instance {
	list := b.registry.List()
	if list == nil {
		list = []registry.Instance{}
	}
	return list
}

// statusFor maps package sentinel errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, lifecycle.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, lifecycle.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, lifecycle.ErrInvalidCWD),
		errors.Is(err, registry.ErrInvalidCWD),
		errors.Is(err, registry.ErrInvalidPort):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (b *Broker) sendError(w http.ResponseWriter, err error) {
	b.sendJSONError(w, statusFor(err), err.Error())
}

func (b *Broker) sendJSONError(w http.ResponseWriter, status int, message string) {
	b.writeJSON(w, status, api.ErrorResponse{Error: message})
}

func (b *Broker) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		b.logger.Debug("failed to write response", "error", err)
	}
}

// allowMethod answers 405 with an Allow header when r uses another method.
func allowMethod(w http.ResponseWriter, r *http.Request, methods ...string) bool {
	for _, m := range methods {
		if r.Method == m {
			return true
		}
	}
	w.Header().Set("Allow", strings.Join(methods, ", "))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusMethodNotAllowed)
	_ = json.NewEncoder(w).Encode(api.ErrorResponse{Error: "method not allowed"})
	return false
}

// decodeBody parses a JSON request body into v.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return errors.New("invalid JSON body")
	}
	return nil
}
