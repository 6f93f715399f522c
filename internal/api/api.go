// Package api provides the operator-facing management REST API: flow
// inspection, CA material download, and a health check. It never
// touches proxied traffic directly — it only reads from the flow store
// the driver already populated.
package api

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/HakAl/snitcher/internal/config"
	"github.com/HakAl/snitcher/internal/httpmsg"
	"github.com/HakAl/snitcher/internal/store"
	snitchertls "github.com/HakAl/snitcher/internal/tls"
)

// Server is the management API server.
type Server struct {
	cfg         *config.Config
	cfgPath     string
	store       *store.Store
	ca          *snitchertls.CA
	logger      *slog.Logger
	mux         *http.ServeMux
	startTime   time.Time
	onReload    func(newToken string)
	rateLimiter *RateLimiter
}

// ServerOption configures the API server.
type ServerOption func(*Server)

// WithConfigPath sets the config file path for reload support.
func WithConfigPath(path string) ServerOption {
	return func(s *Server) {
		s.cfgPath = path
	}
}

// WithOnReload sets a callback invoked when the config is reloaded. The
// callback receives the new auth token.
func WithOnReload(fn func(newToken string)) ServerOption {
	return func(s *Server) {
		s.onReload = fn
	}
}

// NewServer creates a new management API server over st, scoped to the
// flows the proxy driver has captured, plus ca material for clients
// that need to trust the MITM certificate authority.
func NewServer(cfg *config.Config, st *store.Store, ca *snitchertls.CA, logger *slog.Logger, opts ...ServerOption) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:         cfg,
		store:       st,
		ca:          ca,
		logger:      logger,
		mux:         http.NewServeMux(),
		startTime:   time.Now(),
		rateLimiter: NewRateLimiter(&cfg.Management),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.mux.HandleFunc("GET /api/flows", s.authMiddleware(s.listFlows))
	s.mux.HandleFunc("GET /api/flows/{id}", s.authMiddleware(s.getFlow))
	s.mux.HandleFunc("GET /api/ca.crt", s.authMiddleware(s.getCACert))
	s.mux.HandleFunc("GET /api/ca.crl", s.authMiddleware(s.getCACRL))
	s.mux.HandleFunc("GET /healthz", s.healthCheck)
	s.mux.HandleFunc("POST /api/admin/reload", s.authMiddleware(s.adminReload))

	return s
}

// Handler returns the HTTP handler for the API.
// Applies middleware chain: CORS -> Rate Limit -> routes
func (s *Server) Handler() http.Handler {
	return s.corsMiddleware(s.rateLimiter.Middleware(s.mux))
}

// authMiddleware wraps a handler with bearer token authentication.
// Uses constant-time comparison to prevent timing attacks.
// SECURITY: Rejects tokens in URL query params - use Authorization header instead.
func (s *Server) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("token") != "" {
			s.logger.Warn("rejected token in URL", "path", r.URL.Path, "remote", r.RemoteAddr)
			http.Error(w, "Token in URL is not allowed. Use Authorization header instead.", http.StatusBadRequest)
			return
		}

		auth := r.Header.Get("Authorization")
		expected := "Bearer " + s.cfg.Auth.Token

		if subtle.ConstantTimeCompare([]byte(auth), []byte(expected)) != 1 {
			s.logger.Debug("auth failed", "provided_len", len(auth))
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next(w, r)
	}
}

// corsMiddleware adds CORS headers for local development.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		if origin != "" && isLocalhostOrigin(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			w.Header().Set("Access-Control-Max-Age", "86400")
		}

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func isLocalhostOrigin(origin string) bool {
	return strings.HasPrefix(origin, "http://localhost") ||
		strings.HasPrefix(origin, "http://127.0.0.1") ||
		strings.HasPrefix(origin, "https://localhost") ||
		strings.HasPrefix(origin, "https://127.0.0.1")
}

// listFlows returns a page of captured flows, most recent first.
func (s *Server) listFlows(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	var flows []*store.Flow
	if status := r.URL.Query().Get("status"); status != "" {
		flows = s.store.Find(func(f *store.Flow) bool {
			return string(f.Status) == status
		}, limit)
	} else {
		flows = s.store.List(limit)
	}

	response := make([]FlowSummary, len(flows))
	for i, f := range flows {
		response[i] = toFlowSummary(f)
	}

	s.writeJSON(w, response)
}

// getFlow returns a single flow by ID, including its headers and body.
func (s *Server) getFlow(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		http.Error(w, "Missing flow ID", http.StatusBadRequest)
		return
	}

	flow, ok := s.store.Get(id)
	if !ok {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}

	s.writeJSON(w, toFlowDetail(flow))
}

// getCACert serves the CA's public certificate in PEM form, for clients
// to import into their trust store.
func (s *Server) getCACert(w http.ResponseWriter, r *http.Request) {
	if s.ca == nil {
		http.Error(w, "CA unavailable", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.Header().Set("Content-Disposition", `attachment; filename="snitcher-ca.pem"`)
	_, _ = w.Write(s.ca.CertPEM())
}

// getCACRL serves the CA's certificate revocation list in DER form.
func (s *Server) getCACRL(w http.ResponseWriter, r *http.Request) {
	if s.ca == nil {
		http.Error(w, "CA unavailable", http.StatusServiceUnavailable)
		return
	}
	crl := s.ca.CRLDER()
	if crl == nil {
		http.Error(w, "CRL unavailable", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/pkix-crl")
	_, _ = w.Write(crl)
}

// healthCheck returns server health status with operational metrics.
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	health := HealthResponse{
		Status:     "ok",
		Timestamp:  time.Now(),
		Uptime:     time.Since(s.startTime).String(),
		TotalFlows: s.store.Len(),
	}
	s.writeJSON(w, health)
}

// adminReload reloads configuration from disk.
// SECURITY: Requires authentication and localhost-only access.
func (s *Server) adminReload(w http.ResponseWriter, r *http.Request) {
	remoteAddr := r.RemoteAddr
	if !isLocalhost(remoteAddr) {
		s.logger.Warn("admin reload rejected: not localhost", "remote", remoteAddr)
		http.Error(w, "Admin endpoints are localhost-only", http.StatusForbidden)
		return
	}

	if s.cfgPath == "" {
		http.Error(w, "Config path not set - reload not supported", http.StatusServiceUnavailable)
		return
	}

	newCfg, err := config.Load(s.cfgPath)
	if err != nil {
		s.logger.Error("failed to reload config", "error", err)
		http.Error(w, "Failed to reload config: "+err.Error(), http.StatusInternalServerError)
		return
	}

	oldToken := s.cfg.Auth.Token
	newToken := newCfg.Auth.Token
	s.cfg.Auth.Token = newToken

	if s.onReload != nil {
		s.onReload(newToken)
	}

	s.logger.Info("config reloaded", "token_changed", oldToken != newToken)

	s.writeJSON(w, map[string]interface{}{
		"success":       true,
		"token_changed": oldToken != newToken,
		"timestamp":     time.Now(),
	})
}

// isLocalhost checks if the remote address is from localhost.
func isLocalhost(remoteAddr string) bool {
	host := remoteAddr

	if strings.HasPrefix(host, "[") {
		if idx := strings.Index(host, "]:"); idx != -1 {
			host = host[1:idx]
		} else if strings.HasSuffix(host, "]") {
			host = host[1 : len(host)-1]
		}
	} else if strings.Contains(host, ":") && !strings.Contains(host, "::") {
		if idx := strings.LastIndex(host, ":"); idx != -1 {
			host = host[:idx]
		}
	}

	return host == "127.0.0.1" || host == "localhost" || host == "::1"
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode JSON response", "error", err)
	}
}

// API response types

// FlowSummary is the summary view of a flow.
type FlowSummary struct {
	ID            string    `json:"id"`
	Timestamp     time.Time `json:"timestamp"`
	RemoteAddr    string    `json:"remote_addr"`
	Method        string    `json:"method,omitempty"`
	Target        string    `json:"target,omitempty"`
	StatusCode    int       `json:"status_code,omitempty"`
	DurationMs    int64     `json:"duration_ms"`
	Status        string    `json:"status"`
	FailureReason string    `json:"failure_reason,omitempty"`
}

// FlowDetail is the detailed view of a flow, including headers and body.
type FlowDetail struct {
	FlowSummary
	RequestHeaders  map[string][]string `json:"request_headers,omitempty"`
	RequestBody     string              `json:"request_body,omitempty"`
	ResponseHeaders map[string][]string `json:"response_headers,omitempty"`
	ResponseBody    string              `json:"response_body,omitempty"`
}

// HealthResponse is the API response for health status.
type HealthResponse struct {
	Status     string    `json:"status"`
	Timestamp  time.Time `json:"timestamp"`
	Uptime     string    `json:"uptime"`
	TotalFlows int       `json:"total_flows"`
}

func toFlowSummary(f *store.Flow) FlowSummary {
	summary := FlowSummary{
		ID:            f.ID,
		Timestamp:     f.Timestamp,
		RemoteAddr:    f.RemoteAddr,
		DurationMs:    f.Duration.Milliseconds(),
		Status:        string(f.Status),
		FailureReason: f.FailureReason,
	}
	if f.Request != nil {
		summary.Method = f.Request.Method
		summary.Target = f.Request.Target
	}
	if f.Response != nil {
		summary.StatusCode = f.Response.Status
	}
	return summary
}

func toFlowDetail(f *store.Flow) FlowDetail {
	detail := FlowDetail{FlowSummary: toFlowSummary(f)}
	if f.Request != nil && f.Request.Header != nil {
		detail.RequestHeaders = headerMap(f.Request.Header)
		detail.RequestBody = string(f.Request.Body)
	}
	if f.Response != nil && f.Response.Header != nil {
		detail.ResponseHeaders = headerMap(f.Response.Header)
		detail.ResponseBody = string(f.Response.Body)
	}
	return detail
}

// headerMap flattens a Header into the name->values map JSON expects.
func headerMap(h *httpmsg.Header) map[string][]string {
	m := make(map[string][]string, len(h.Names()))
	for _, name := range h.Names() {
		m[name] = h.GetAll(name)
	}
	return m
}
