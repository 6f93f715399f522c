// Package intercept implements the interceptor pipeline: an ordered
// chain of transforms applied to request and response messages, with
// per-element fault isolation.
package intercept

import (
	"log/slog"
	"sort"

	"github.com/HakAl/snitcher/internal/httpmsg"
	"github.com/HakAl/snitcher/internal/store"
)

// RequestInterceptor transforms an outgoing request before it is sent
// upstream.
type RequestInterceptor interface {
	ID() string
	Priority() int
	InterceptRequest(req *httpmsg.Request, flow *store.Flow) (*httpmsg.Request, error)
}

// ResponseInterceptor transforms a response before it is returned to
// the client.
type ResponseInterceptor interface {
	ID() string
	Priority() int
	InterceptResponse(resp *httpmsg.Response, flow *store.Flow) (*httpmsg.Response, error)
}

// Pipeline holds the request and response interceptor chains. It is a
// shared singleton across connections: interceptors must be safe for
// concurrent reentry, though they may carry their own internal state.
type Pipeline struct {
	logger    *slog.Logger
	requests  []RequestInterceptor
	responses []ResponseInterceptor
}

// New constructs an empty pipeline.
func New(logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{logger: logger}
}

// AddRequestInterceptor registers a request interceptor. The pipeline
// keeps the chain sorted by priority ascending, ties broken by
// insertion order.
func (p *Pipeline) AddRequestInterceptor(i RequestInterceptor) {
	p.requests = append(p.requests, i)
	sort.SliceStable(p.requests, func(a, b int) bool {
		return p.requests[a].Priority() < p.requests[b].Priority()
	})
}

// AddResponseInterceptor registers a response interceptor, sorted the
// same way.
func (p *Pipeline) AddResponseInterceptor(i ResponseInterceptor) {
	p.responses = append(p.responses, i)
	sort.SliceStable(p.responses, func(a, b int) bool {
		return p.responses[a].Priority() < p.responses[b].Priority()
	})
}

// RunRequest applies every request interceptor in priority order. A
// failing interceptor is logged with its identifier and skipped; the
// pipeline continues with the last successfully-produced message.
func (p *Pipeline) RunRequest(req *httpmsg.Request, flow *store.Flow) *httpmsg.Request {
	current := req
	for _, i := range p.requests {
		next, err := i.InterceptRequest(current, flow)
		if err != nil {
			p.logger.Warn("request interceptor failed", "interceptor", i.ID(), "error", err)
			continue
		}
		current = next
	}
	return current
}

// RunResponse applies every response interceptor in priority order,
// under the same fault-isolation contract as RunRequest.
func (p *Pipeline) RunResponse(resp *httpmsg.Response, flow *store.Flow) *httpmsg.Response {
	current := resp
	for _, i := range p.responses {
		next, err := i.InterceptResponse(current, flow)
		if err != nil {
			p.logger.Warn("response interceptor failed", "interceptor", i.ID(), "error", err)
			continue
		}
		current = next
	}
	return current
}
