// Package e2e contains end-to-end tests for snitcher: a mock upstream,
// a real proxy listener, and the management API wired over the same
// store, driven through nothing but net/http clients.
package e2e

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/HakAl/snitcher/internal/api"
	"github.com/HakAl/snitcher/internal/config"
	"github.com/HakAl/snitcher/internal/intercept"
	"github.com/HakAl/snitcher/internal/proxy"
	"github.com/HakAl/snitcher/internal/queue"
	"github.com/HakAl/snitcher/internal/redact"
	"github.com/HakAl/snitcher/internal/store"
)

// harness wires a driver, a proxy listener, a store, a bus and a
// management API server over one in-memory flow store, the same way
// cmd/snitcher does.
type harness struct {
	listener *proxy.Listener
	addr     string
	store    *store.Store
	bus      *queue.Bus
	api      *api.Server
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	cfg := config.DefaultConfig()
	logger := slog.New(slog.NewTextHandler(testWriter{t}, &slog.HandlerOptions{Level: slog.LevelDebug}))

	redactor, err := redact.New(&cfg.Redaction)
	if err != nil {
		t.Fatalf("failed to build redactor: %v", err)
	}

	st := store.New(100)
	bus := queue.NewBus(16)
	pipeline := intercept.New(logger)
	pipeline.AddResponseInterceptor(intercept.NewRedactionLogger(logger, redactor))
	pipeline.AddResponseInterceptor(intercept.NewResponseLogger(logger))

	driver := proxy.NewDriver(&cfg.Proxy, logger, nil, pipeline, redactor, st, bus)

	ln, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		t.Fatalf("failed to reserve a port: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	listener := proxy.NewListener(addr, logger, driver, bus)
	if err := listener.Start(); err != nil {
		t.Fatalf("failed to start proxy listener: %v", err)
	}
	t.Cleanup(listener.Stop)

	cfg.Auth.Token = "e2e-test-token"
	apiServer := api.NewServer(cfg, st, nil, logger)

	return &harness{
		listener: listener,
		addr:     addr,
		store:    st,
		bus:      bus,
		api:      apiServer,
	}
}

// testWriter adapts *testing.T into an io.Writer for slog output.
type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func (h *harness) clientThrough() *http.Client {
	proxyURL, _ := url.Parse("http://" + h.addr)
	return &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyURL(proxyURL),
		},
		Timeout: 5 * time.Second,
	}
}

// TestE2E_PlainHTTPFlowCaptured proxies a plain HTTP request through the
// listener to a mock upstream and verifies the resulting flow is
// retrievable through the management API.
func TestE2E_PlainHTTPFlowCaptured(t *testing.T) {
	mockUpstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("x-request-id", "req_e2e123")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"id":     "msg_e2e123",
			"type":   "message",
			"model":  "claude-3-sonnet-20240229",
			"result": "ok",
		})
	}))
	defer mockUpstream.Close()

	h := newHarness(t)

	sub := h.bus.Subscribe()
	defer sub.Unsubscribe()

	req, err := http.NewRequest(http.MethodPost, mockUpstream.URL+"/v1/messages", nil)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer sk-ant-REDACTED")

	client := h.clientThrough()
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("request through proxy failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("got status %d, want 200", resp.StatusCode)
	}

	var captured *store.Flow
	select {
	case flow := <-sub.Events():
		captured = flow
	case <-time.After(2 * time.Second):
		t.Fatal("no flow published on bus within timeout")
	}

	if captured.Status != store.StatusCompleted {
		t.Errorf("flow status = %v, want completed", captured.Status)
	}
	if captured.Response == nil || captured.Response.Status != http.StatusOK {
		t.Errorf("flow response = %+v, want status 200", captured.Response)
	}
	if captured.Request.Header.Get("Authorization") != "Bearer sk-ant-REDACTED" {
		t.Error("stored flow should retain the raw Authorization header; redaction only applies to the log line, not the store")
	}

	// The store should already hold this flow (Put happens before bus Publish).
	stored, ok := h.store.Get(captured.ID)
	if !ok {
		t.Fatal("flow not found in store")
	}
	if stored.Request == nil {
		t.Fatal("stored flow missing request")
	}

	// Fetch it back through the management API.
	handler := h.api.Handler()
	apiReq := httptest.NewRequest(http.MethodGet, "/api/flows/"+captured.ID, nil)
	apiReq.Header.Set("Authorization", "Bearer e2e-test-token")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, apiReq)

	if rr.Code != http.StatusOK {
		t.Fatalf("GET /api/flows/%s = %d, body: %s", captured.ID, rr.Code, rr.Body.String())
	}

	var detail api.FlowDetail
	if err := json.Unmarshal(rr.Body.Bytes(), &detail); err != nil {
		t.Fatalf("failed to decode flow detail: %v", err)
	}
	if detail.ID != captured.ID {
		t.Errorf("detail.ID = %q, want %q", detail.ID, captured.ID)
	}
	if detail.StatusCode != http.StatusOK {
		t.Errorf("detail.StatusCode = %d, want 200", detail.StatusCode)
	}
}

// TestE2E_ListFlowsThroughAPI verifies flows captured by the proxy show
// up in the management API's flow list.
func TestE2E_ListFlowsThroughAPI(t *testing.T) {
	mockUpstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer mockUpstream.Close()

	h := newHarness(t)
	sub := h.bus.Subscribe()
	defer sub.Unsubscribe()

	client := h.clientThrough()
	for i := 0; i < 3; i++ {
		resp, err := client.Get(mockUpstream.URL + "/ping")
		if err != nil {
			t.Fatalf("request %d through proxy failed: %v", i, err)
		}
		resp.Body.Close()
	}

	for i := 0; i < 3; i++ {
		select {
		case <-sub.Events():
		case <-time.After(2 * time.Second):
			t.Fatalf("flow %d never published on bus", i)
		}
	}

	handler := h.api.Handler()
	req := httptest.NewRequest(http.MethodGet, "/api/flows", nil)
	req.Header.Set("Authorization", "Bearer e2e-test-token")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("GET /api/flows = %d, body: %s", rr.Code, rr.Body.String())
	}

	var flows []api.FlowSummary
	if err := json.Unmarshal(rr.Body.Bytes(), &flows); err != nil {
		t.Fatalf("failed to decode flow list: %v", err)
	}
	if len(flows) != 3 {
		t.Errorf("got %d flows, want 3", len(flows))
	}
}

// TestE2E_UpstreamUnreachable verifies a failed dial is captured as a
// failed flow rather than dropped.
func TestE2E_UpstreamUnreachable(t *testing.T) {
	h := newHarness(t)

	sub := h.bus.Subscribe()
	defer sub.Unsubscribe()

	// Port 1 is reserved and should refuse connections immediately.
	req, _ := http.NewRequest(http.MethodGet, "http://127.0.0.1:1/nope", nil)
	client := h.clientThrough()
	client.Timeout = 3 * time.Second

	resp, err := client.Do(req)
	if err == nil {
		resp.Body.Close()
	}

	select {
	case flow := <-sub.Events():
		if flow.Status != store.StatusFailed {
			t.Errorf("flow status = %v, want failed", flow.Status)
		}
		if flow.FailureReason == "" {
			t.Error("expected a non-empty failure reason")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no flow published for unreachable upstream")
	}
}
