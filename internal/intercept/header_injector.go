package intercept

import (
	"github.com/HakAl/snitcher/internal/httpmsg"
	"github.com/HakAl/snitcher/internal/store"
)

// HeaderInjectorPriority is the stable execution priority for HeaderInjector.
const HeaderInjectorPriority = 200

// HeaderInjector adds configured headers to a message, but only where
// the header name (case-insensitive) is not already present.
type HeaderInjector struct {
	id      string
	headers [][2]string
}

// NewHeaderInjector constructs a HeaderInjector that injects each
// (name, value) pair in headers.
func NewHeaderInjector(id string, headers [][2]string) *HeaderInjector {
	return &HeaderInjector{id: id, headers: headers}
}

func (h *HeaderInjector) ID() string       { return h.id }
func (h *HeaderInjector) Priority() int    { return HeaderInjectorPriority }

// InterceptRequest injects configured headers into req.
func (h *HeaderInjector) InterceptRequest(req *httpmsg.Request, _ *store.Flow) (*httpmsg.Request, error) {
	for _, kv := range h.headers {
		if !req.Header.Has(kv[0]) {
			req.Header.Set(kv[0], kv[1])
		}
	}
	return req, nil
}

// InterceptResponse injects configured headers into resp.
func (h *HeaderInjector) InterceptResponse(resp *httpmsg.Response, _ *store.Flow) (*httpmsg.Response, error) {
	for _, kv := range h.headers {
		if !resp.Header.Has(kv[0]) {
			resp.Header.Set(kv[0], kv[1])
		}
	}
	return resp, nil
}
