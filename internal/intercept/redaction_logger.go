package intercept

import (
	"log/slog"

	"github.com/HakAl/snitcher/internal/httpmsg"
	"github.com/HakAl/snitcher/internal/redact"
	"github.com/HakAl/snitcher/internal/store"
)

// RedactionLoggerPriority is the stable execution priority for
// RedactionLogger. It runs before ResponseLogger so its own log line
// reflects a scrubbed copy regardless of what ResponseLogger later logs.
const RedactionLoggerPriority = 900

// RedactionLogger logs a redacted copy of the in-flight response without
// touching the response it passes along. The flow's own Request/Response
// keep raw bytes for the store and the management API; only the copy
// handed to this logger is scrubbed.
type RedactionLogger struct {
	logger   *slog.Logger
	redactor *redact.Redactor
}

// NewRedactionLogger constructs a RedactionLogger that scrubs via
// redactor and writes to logger.
func NewRedactionLogger(logger *slog.Logger, redactor *redact.Redactor) *RedactionLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedactionLogger{logger: logger, redactor: redactor}
}

func (r *RedactionLogger) ID() string    { return "redaction-logger" }
func (r *RedactionLogger) Priority() int { return RedactionLoggerPriority }

// InterceptResponse logs a redacted view of resp and returns it
// unmodified: the real response keeps flowing raw to the client, the
// store, and the live flow hub. flow.Response is not yet set at this
// point in the chain, so the redacted copy is built from resp directly
// rather than from the flow.
func (r *RedactionLogger) InterceptResponse(resp *httpmsg.Response, flow *store.Flow) (*httpmsg.Response, error) {
	if r.redactor == nil {
		return resp, nil
	}

	fields := []any{
		"status", resp.Status,
		"content_type", r.redactor.RedactHeaders(resp.Header).Get("Content-Type"),
	}
	if flow != nil && flow.Request != nil {
		fields = append([]any{"method", flow.Request.Method, "target", flow.Request.Target}, fields...)
	}
	if !r.redactor.ShouldStoreRawBody() && len(resp.Body) > 0 {
		fields = append(fields, "body", string(r.redactor.RedactBodyBytes(resp.Body)))
	}

	r.logger.Debug("response (redacted)", fields...)
	return resp, nil
}
