package intercept

import (
	"log/slog"
	"strings"

	"github.com/HakAl/snitcher/internal/httpmsg"
	"github.com/HakAl/snitcher/internal/store"
)

// ResponseLoggerPriority is the stable execution priority for ResponseLogger.
// It runs last so it observes every upstream interceptor's output.
const ResponseLoggerPriority = 1000

// maxLoggedBodyBytes bounds how large a response body may be before its
// text is omitted from the log line.
const maxLoggedBodyBytes = 10 * 1024

// ResponseLogger logs method, target, status, content type and length
// for every response, including body text for small textual payloads.
type ResponseLogger struct {
	logger *slog.Logger
}

// NewResponseLogger constructs a ResponseLogger writing to logger.
func NewResponseLogger(logger *slog.Logger) *ResponseLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &ResponseLogger{logger: logger}
}

func (r *ResponseLogger) ID() string    { return "response-logger" }
func (r *ResponseLogger) Priority() int { return ResponseLoggerPriority }

// InterceptResponse logs resp and returns it unmodified.
func (r *ResponseLogger) InterceptResponse(resp *httpmsg.Response, flow *store.Flow) (*httpmsg.Response, error) {
	contentType := resp.Header.Get("Content-Type")
	length := len(resp.Body)

	fields := []any{
		"status", resp.Status,
		"content_type", contentType,
		"content_length", length,
	}
	if flow != nil && flow.Request != nil {
		fields = append([]any{"method", flow.Request.Method, "target", flow.Request.Target}, fields...)
	}

	if shouldLogBody(contentType, length) {
		fields = append(fields, "body", string(resp.Body))
	}

	r.logger.Info("response", fields...)
	return resp, nil
}

func shouldLogBody(contentType string, length int) bool {
	if length > maxLoggedBodyBytes {
		return false
	}
	ct := strings.ToLower(contentType)
	if strings.HasPrefix(ct, "text/") {
		return true
	}
	return strings.Contains(ct, "json") || strings.Contains(ct, "xml")
}
