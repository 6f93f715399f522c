package intercept

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/HakAl/snitcher/internal/httpmsg"
	"github.com/HakAl/snitcher/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeRequestInterceptor struct {
	id       string
	priority int
	fn       func(*httpmsg.Request) (*httpmsg.Request, error)
}

func (f *fakeRequestInterceptor) ID() string    { return f.id }
func (f *fakeRequestInterceptor) Priority() int { return f.priority }
func (f *fakeRequestInterceptor) InterceptRequest(req *httpmsg.Request, _ *store.Flow) (*httpmsg.Request, error) {
	return f.fn(req)
}

func TestPipeline_RunRequest_AppliesInPriorityOrder(t *testing.T) {
	t.Parallel()
	p := New(testLogger())

	var order []string
	p.AddRequestInterceptor(&fakeRequestInterceptor{id: "second", priority: 200, fn: func(r *httpmsg.Request) (*httpmsg.Request, error) {
		order = append(order, "second")
		return r, nil
	}})
	p.AddRequestInterceptor(&fakeRequestInterceptor{id: "first", priority: 100, fn: func(r *httpmsg.Request) (*httpmsg.Request, error) {
		order = append(order, "first")
		return r, nil
	}})

	req := httpmsg.NewRequest()
	p.RunRequest(req, nil)

	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Errorf("order = %v, want [first second]", order)
	}
}

func TestPipeline_RunRequest_FailingInterceptorIsIsolated(t *testing.T) {
	t.Parallel()
	p := New(testLogger())

	p.AddRequestInterceptor(&fakeRequestInterceptor{id: "failing", priority: 100, fn: func(r *httpmsg.Request) (*httpmsg.Request, error) {
		return nil, errors.New("boom")
	}})
	p.AddRequestInterceptor(&fakeRequestInterceptor{id: "ok", priority: 200, fn: func(r *httpmsg.Request) (*httpmsg.Request, error) {
		r.Header.Set("X-Marker", "applied")
		return r, nil
	}})

	req := httpmsg.NewRequest()
	result := p.RunRequest(req, nil)

	if result.Header.Get("X-Marker") != "applied" {
		t.Error("expected downstream interceptor to still run after a failure")
	}
}

func TestHeaderInjector_SkipsExistingHeader(t *testing.T) {
	t.Parallel()
	h := NewHeaderInjector("inject", [][2]string{{"X-Proxy", "snitcher"}})

	req := httpmsg.NewRequest()
	req.Header.Set("X-Proxy", "already-set")

	result, err := h.InterceptRequest(req, nil)
	if err != nil {
		t.Fatalf("InterceptRequest: %v", err)
	}
	if result.Header.Get("X-Proxy") != "already-set" {
		t.Errorf("expected existing header preserved, got %q", result.Header.Get("X-Proxy"))
	}
}

func TestHeaderInjector_AddsMissingHeader(t *testing.T) {
	t.Parallel()
	h := NewHeaderInjector("inject", [][2]string{{"X-Proxy", "snitcher"}})

	req := httpmsg.NewRequest()
	result, err := h.InterceptRequest(req, nil)
	if err != nil {
		t.Fatalf("InterceptRequest: %v", err)
	}
	if result.Header.Get("X-Proxy") != "snitcher" {
		t.Errorf("expected injected header, got %q", result.Header.Get("X-Proxy"))
	}
}

func TestResponseLogger_LogsSmallTextBody(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	logger := NewResponseLogger(slog.New(slog.NewTextHandler(&buf, nil)))

	resp := httpmsg.NewResponse()
	resp.Status = 200
	resp.Header.Set("Content-Type", "application/json")
	resp.Body = []byte(`{"ok":true}`)

	result, err := logger.InterceptResponse(resp, &store.Flow{Request: httpmsg.NewRequest()})
	if err != nil {
		t.Fatalf("InterceptResponse: %v", err)
	}
	if result != resp {
		t.Error("expected ResponseLogger to pass the response through unmodified")
	}
	if !strings.Contains(buf.String(), "body=") {
		t.Errorf("expected the small JSON body to be logged, got %q", buf.String())
	}
}

func TestShouldLogBody(t *testing.T) {
	t.Parallel()
	if !shouldLogBody("text/plain", 10) {
		t.Error("expected text/* to be logged")
	}
	if !shouldLogBody("application/json", 10) {
		t.Error("expected json to be logged")
	}
	if shouldLogBody("application/json", maxLoggedBodyBytes+1) {
		t.Error("expected oversized body to be skipped")
	}
	if shouldLogBody("image/png", 10) {
		t.Error("expected binary content type to be skipped")
	}
}
