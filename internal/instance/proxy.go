// ABOUTME: Per-instance reverse proxy in front of the agent server
// ABOUTME: Strips the API prefix, forces permissive CORS, and exposes health and shutdown endpoints

package instance

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"

	"github.com/2389/opencode-web/internal/api"
	"github.com/2389/opencode-web/internal/auth"
)

// HealthPath reports the instance's cwd and port.
const HealthPath = "/health"

// ShutdownPath is the control endpoint that triggers graceful self-shutdown.
const ShutdownPath = "/__shutdown"

// ProxyConfig describes one proxy.
type ProxyConfig struct {
	CWD       string
	Host      string
	Port      int
	AgentPort int
	APIPrefix string
}

// setCORS overwrites whatever CORS headers the agent server sent.
func setCORS(h http.Header) {
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Headers", "*")
	h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
}

// NewProxy builds the proxy handler. onShutdown is called once an authorized
// shutdown request has been answered.
func NewProxy(cfg ProxyConfig, signer *auth.JWTSigner, onShutdown func(), logger *slog.Logger) http.Handler {
	logger = logger.With("component", "proxy")

	target := &url.URL{
		Scheme: "http",
		Host:   net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.AgentPort)),
	}
	prefix := strings.TrimSuffix(cfg.APIPrefix, "/")

	rp := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			path := strings.TrimPrefix(pr.In.URL.Path, prefix)
			if path == "" {
				path = "/"
			}
			pr.Out.URL.Path = path
			pr.Out.URL.RawPath = ""
			pr.SetURL(target)
			pr.SetXForwarded()
		},
		ModifyResponse: func(resp *http.Response) error {
			setCORS(resp.Header)
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			logger.Warn("agent server unreachable", "path", r.URL.Path, "error", err)
			setCORS(w.Header())
			writeJSON(w, http.StatusBadGateway, api.ErrorResponse{Error: "agent server unavailable: " + err.Error()})
		},
		// Streamed agent responses (SSE) must not be buffered.
		FlushInterval: -1,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+HealthPath, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, api.HealthResponse{Status: "ok", CWD: cfg.CWD, Port: cfg.Port})
	})

	shutdown := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var subject string
		if cc := auth.FromContext(r.Context()); cc != nil {
			subject = cc.Subject
		}
		logger.Info("shutdown requested via control endpoint", "subject", subject)
		writeJSON(w, http.StatusOK, api.OKResponse{OK: true})
		go onShutdown()
	})
	mux.Handle("POST "+ShutdownPath, auth.RequireControlToken(signer, cfg.CWD)(shutdown))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			setCORS(w.Header())
			w.WriteHeader(http.StatusNoContent)
			return
		}
		// Proxied responses get CORS from ModifyResponse or ErrorHandler;
		// setting it here too would duplicate the header values.
		if !isControlPath(r.URL.Path) && (r.URL.Path == prefix || strings.HasPrefix(r.URL.Path, prefix+"/")) {
			rp.ServeHTTP(w, r)
			return
		}
		setCORS(w.Header())
		mux.ServeHTTP(w, r)
	})
}

// isControlPath reports paths the proxy answers itself whatever the API prefix.
func isControlPath(path string) bool {
	return path == HealthPath || path == ShutdownPath
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
