package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/HakAl/snitcher/internal/config"
	"github.com/HakAl/snitcher/internal/httpmsg"
	"github.com/HakAl/snitcher/internal/store"
)

func testServer(t *testing.T, token string, flows ...*store.Flow) *Server {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Auth.Token = token

	st := store.New(100)
	for _, f := range flows {
		st.Put(f)
	}

	return NewServer(cfg, st, nil, nil)
}

func TestAuthMiddleware_RejectsTokenInURL(t *testing.T) {
	server := testServer(t, "test-token-12345")
	handler := server.Handler()

	tests := []struct {
		name           string
		path           string
		authHeader     string
		wantStatus     int
		wantBodySubstr string
	}{
		{
			name:           "token in URL rejected with 400",
			path:           "/api/flows?token=test-token-12345",
			wantStatus:     http.StatusBadRequest,
			wantBodySubstr: "Token in URL is not allowed",
		},
		{
			name:           "token in URL rejected even with header also present",
			path:           "/api/flows?token=test-token-12345",
			authHeader:     "Bearer test-token-12345",
			wantStatus:     http.StatusBadRequest,
			wantBodySubstr: "Token in URL is not allowed",
		},
		{
			name:       "valid header auth succeeds",
			path:       "/api/flows",
			authHeader: "Bearer test-token-12345",
			wantStatus: http.StatusOK,
		},
		{
			name:           "missing auth returns 401",
			path:           "/api/flows",
			wantStatus:     http.StatusUnauthorized,
			wantBodySubstr: "Unauthorized",
		},
		{
			name:           "invalid token returns 401",
			path:           "/api/flows",
			authHeader:     "Bearer wrong-token",
			wantStatus:     http.StatusUnauthorized,
			wantBodySubstr: "Unauthorized",
		},
		{
			name:       "empty token param is allowed (no param value)",
			path:       "/api/flows?other=param",
			authHeader: "Bearer test-token-12345",
			wantStatus: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", tt.path, nil)
			if tt.authHeader != "" {
				req.Header.Set("Authorization", tt.authHeader)
			}

			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			if rr.Code != tt.wantStatus {
				t.Errorf("got status %d, want %d", rr.Code, tt.wantStatus)
			}

			if tt.wantBodySubstr != "" && !containsSubstring(rr.Body.String(), tt.wantBodySubstr) {
				t.Errorf("body %q does not contain %q", rr.Body.String(), tt.wantBodySubstr)
			}
		})
	}
}

func TestAuthMiddleware_RejectsSimilarTokens(t *testing.T) {
	server := testServer(t, "secure-token-abc123")
	handler := server.Handler()

	wrongTokens := []string{
		"secure-token-abc124",
		"secure-token-abc12",
		"secure-token-abc1234",
		"SECURE-TOKEN-ABC123",
	}

	for _, wrongToken := range wrongTokens {
		req := httptest.NewRequest("GET", "/api/flows", nil)
		req.Header.Set("Authorization", "Bearer "+wrongToken)

		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if rr.Code != http.StatusUnauthorized {
			t.Errorf("wrong token %q: got status %d, want 401", wrongToken, rr.Code)
		}
	}
}

func containsSubstring(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return len(substr) == 0
}

func TestAdminReload_LocalhostOnly(t *testing.T) {
	server := testServer(t, "test-token")
	handler := server.Handler()

	tests := []struct {
		name       string
		remoteAddr string
		wantStatus int
	}{
		{
			name:       "localhost IPv4 allowed",
			remoteAddr: "127.0.0.1:12345",
			wantStatus: http.StatusServiceUnavailable, // no config path set, but passes auth
		},
		{
			name:       "localhost IPv6 allowed",
			remoteAddr: "[::1]:12345",
			wantStatus: http.StatusServiceUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/api/admin/reload", nil)
			req.Header.Set("Authorization", "Bearer test-token")
			req.RemoteAddr = tt.remoteAddr

			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			if rr.Code != tt.wantStatus {
				t.Errorf("got status %d, want %d, body: %s", rr.Code, tt.wantStatus, rr.Body.String())
			}
		})
	}
}

func TestIsLocalhost(t *testing.T) {
	tests := []struct {
		addr string
		want bool
	}{
		{"127.0.0.1:8080", true},
		{"127.0.0.1", true},
		{"localhost:8080", true},
		{"localhost", true},
		{"[::1]:8080", true},
		{"::1", true},
		{"192.168.1.1:8080", false},
		{"10.0.0.1:8080", false},
		{"8.8.8.8:8080", false},
	}

	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			got := isLocalhost(tt.addr)
			if got != tt.want {
				t.Errorf("isLocalhost(%q) = %v, want %v", tt.addr, got, tt.want)
			}
		})
	}
}

func TestListFlows_ReturnsCapturedFlows(t *testing.T) {
	flows := createTestFlows(3)
	server := testServer(t, "test-token", flows...)
	handler := server.Handler()

	req := httptest.NewRequest("GET", "/api/flows", nil)
	req.Header.Set("Authorization", "Bearer test-token")

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200, body: %s", rr.Code, rr.Body.String())
	}

	var result []FlowSummary
	if err := json.Unmarshal(rr.Body.Bytes(), &result); err != nil {
		t.Fatalf("failed to parse JSON: %v", err)
	}
	if len(result) != 3 {
		t.Errorf("got %d flows, want 3", len(result))
	}
}

func TestListFlows_FiltersByStatus(t *testing.T) {
	flows := []*store.Flow{
		{ID: "f1", Status: store.StatusCompleted, Request: &httpmsg.Request{Method: "GET"}},
		{ID: "f2", Status: store.StatusFailed, Request: &httpmsg.Request{Method: "GET"}},
	}
	server := testServer(t, "test-token", flows...)
	handler := server.Handler()

	req := httptest.NewRequest("GET", "/api/flows?status=failed", nil)
	req.Header.Set("Authorization", "Bearer test-token")

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	var result []FlowSummary
	if err := json.Unmarshal(rr.Body.Bytes(), &result); err != nil {
		t.Fatalf("failed to parse JSON: %v", err)
	}
	if len(result) != 1 || result[0].ID != "f2" {
		t.Errorf("got %+v, want single failed flow f2", result)
	}
}

func TestGetFlow_NotFound(t *testing.T) {
	server := testServer(t, "test-token")
	handler := server.Handler()

	req := httptest.NewRequest("GET", "/api/flows/missing", nil)
	req.Header.Set("Authorization", "Bearer test-token")

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Errorf("got status %d, want 404", rr.Code)
	}
}

func TestHealthCheck_NoAuthRequired(t *testing.T) {
	server := testServer(t, "test-token")
	handler := server.Handler()

	req := httptest.NewRequest("GET", "/healthz", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("got status %d, want 200", rr.Code)
	}
}

func TestGetCACert_UnavailableWithoutCA(t *testing.T) {
	server := testServer(t, "test-token")
	handler := server.Handler()

	req := httptest.NewRequest("GET", "/api/ca.crt", nil)
	req.Header.Set("Authorization", "Bearer test-token")

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("got status %d, want 503", rr.Code)
	}
}

func createTestFlows(n int) []*store.Flow {
	flows := make([]*store.Flow, n)
	for i := 0; i < n; i++ {
		flows[i] = &store.Flow{
			ID:     string(rune('a' + i)),
			Status: store.StatusCompleted,
			Request: &httpmsg.Request{
				Method: "POST",
				Target: "/v1/messages",
			},
			Response: &httpmsg.Response{Status: 200},
		}
	}
	return flows
}
