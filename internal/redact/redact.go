// Package redact provides credential redaction for headers and bodies.
// RedactionLogger calls RedactHeaders and RedactBodyBytes to build the
// values it logs; the flow
// that reaches the store, the live flow hub, and the management API
// keeps raw bytes.
package redact

import (
	"regexp"
	"strings"

	"github.com/HakAl/snitcher/internal/config"
	"github.com/HakAl/snitcher/internal/httpmsg"
	"github.com/HakAl/snitcher/internal/store"
)

const (
	// RedactedValue is the replacement for redacted content.
	RedactedValue = "[REDACTED]"

	// RedactedImageValue is the replacement for redacted base64 images.
	RedactedImageValue = "[IMAGE base64 redacted]"

	// MaxRedactionInputSize is the maximum body size to attempt redaction
	// on. Bodies larger than this are returned as-is to avoid regex
	// performance issues.
	MaxRedactionInputSize = 1024 * 1024 // 1MB
)

// Redactor handles credential redaction.
type Redactor struct {
	cfg                   *config.RedactionConfig
	headerPatterns        []*regexp.Regexp
	apiKeyPattern         *regexp.Regexp
	base64Pattern         *regexp.Regexp
	jsonCredentialPattern *regexp.Regexp
}

// New creates a new Redactor with the given configuration.
func New(cfg *config.RedactionConfig) (*Redactor, error) {
	r := &Redactor{
		cfg: cfg,
	}

	for _, pattern := range cfg.PatternRedactHeaders {
		re, err := regexp.Compile("(?i)" + pattern)
		if err != nil {
			continue // fall back to config's simple matcher
		}
		r.headerPatterns = append(r.headerPatterns, re)
	}

	// API key patterns for multiple providers. Handles both plain and
	// JSON-escaped strings.
	r.apiKeyPattern = regexp.MustCompile(`(?i)(` +
		`sk-ant-[a-zA-Z0-9_-]{20,}|` + // Anthropic
		`sk-[a-zA-Z0-9_-]{20,}|` + // OpenAI
		`AKIA[0-9A-Z]{16}|` + // AWS access key
		`AIza[0-9A-Za-z_-]{35,}|` + // Google API key
		`key-[a-zA-Z0-9_-]{20,}|` + // generic key-...
		`api[_-]?key[=:]\\?"?[a-zA-Z0-9_-]{20,}` + // api_key=... / api-key:...
		`)`)

	r.base64Pattern = regexp.MustCompile(`(?i)(data:image/[^;]+;base64,)[A-Za-z0-9+/=]{100,}|"(source|data)":\s*\{\s*"type":\s*"base64"[^}]*"data":\s*"[A-Za-z0-9+/=]{100,}"`)

	r.jsonCredentialPattern = regexp.MustCompile(`(?i)"([^"]*(?:password|secret|credential)[^"]*)":\s*"([^"\\]*(?:\\.[^"\\]*)*)"`)

	return r, nil
}

// RedactHeaders returns a new Header with sensitive values replaced.
func (r *Redactor) RedactHeaders(h *httpmsg.Header) *httpmsg.Header {
	result := httpmsg.NewHeader()
	for _, name := range h.Names() {
		if r.shouldRedactHeader(name) {
			result.Set(name, RedactedValue)
			continue
		}
		for _, v := range h.GetAll(name) {
			result.Add(name, v)
		}
	}
	return result
}

// shouldRedactHeader checks if a header name should be redacted.
func (r *Redactor) shouldRedactHeader(name string) bool {
	nameLower := strings.ToLower(name)

	for _, h := range r.cfg.AlwaysRedactHeaders {
		if strings.ToLower(h) == nameLower {
			return true
		}
	}

	for _, pattern := range r.headerPatterns {
		if pattern.MatchString(name) {
			return true
		}
	}

	return r.cfg.HeaderShouldRedact(name)
}

// RedactBody redacts sensitive content in a body string. Bodies larger
// than MaxRedactionInputSize are returned as-is to avoid regex
// performance issues on very large payloads.
func (r *Redactor) RedactBody(body string) string {
	if len(body) > MaxRedactionInputSize {
		return body
	}

	result := body

	if r.cfg.RedactAPIKeys {
		result = r.apiKeyPattern.ReplaceAllStringFunc(result, func(match string) string {
			matchLower := strings.ToLower(match)
			switch {
			case strings.HasPrefix(matchLower, "sk-ant-"):
				return "sk-ant-" + RedactedValue
			case strings.HasPrefix(matchLower, "sk-"):
				return "sk-" + RedactedValue
			case strings.HasPrefix(match, "AKIA"):
				return "AKIA" + RedactedValue
			case strings.HasPrefix(match, "AIza"):
				return "AIza" + RedactedValue
			case strings.HasPrefix(matchLower, "key-"):
				return "key-" + RedactedValue
			}

			if parts := strings.SplitN(match, "=", 2); len(parts) == 2 {
				return parts[0] + "=" + RedactedValue
			}
			if parts := strings.SplitN(match, ":", 2); len(parts) == 2 {
				return parts[0] + ":" + RedactedValue
			}
			return RedactedValue
		})
	}

	if r.cfg.RedactBase64Images {
		result = r.base64Pattern.ReplaceAllStringFunc(result, func(match string) string {
			if strings.HasPrefix(strings.ToLower(match), "data:image") {
				if idx := strings.Index(match, ","); idx > 0 {
					return match[:idx+1] + RedactedImageValue
				}
			}
			return RedactedImageValue
		})
	}

	if r.cfg.RedactAPIKeys { // shares the API-key toggle
		result = r.jsonCredentialPattern.ReplaceAllStringFunc(result, func(match string) string {
			if colonIdx := strings.Index(match, ":"); colonIdx > 0 {
				return match[:colonIdx+1] + ` "` + RedactedValue + `"`
			}
			return match
		})
	}

	return result
}

// RedactBodyBytes redacts sensitive content in a body, returning bytes.
func (r *Redactor) RedactBodyBytes(body []byte) []byte {
	return []byte(r.RedactBody(string(body)))
}

// ShouldStoreRawBody returns whether raw body storage is enabled. Off by
// default for security.
func (r *Redactor) ShouldStoreRawBody() bool {
	return r.cfg.RawBodyStorage
}

// RedactFlow returns a clone of flow whose request/response headers and
// bodies are scrubbed; the original flow is left unchanged. It never
// touches the bytes already written to the client or upstream — those
// are sent by the driver before a flow is finalized.
func (r *Redactor) RedactFlow(flow *store.Flow) *store.Flow {
	clone := *flow

	if flow.Request != nil {
		reqClone := *flow.Request
		reqClone.Header = r.RedactHeaders(flow.Request.Header)
		if !r.ShouldStoreRawBody() {
			reqClone.Body = r.RedactBodyBytes(flow.Request.Body)
		}
		clone.Request = &reqClone
	}

	if flow.Response != nil {
		respClone := *flow.Response
		respClone.Header = r.RedactHeaders(flow.Response.Header)
		if !r.ShouldStoreRawBody() {
			respClone.Body = r.RedactBodyBytes(flow.Response.Body)
		}
		clone.Response = &respClone
	}

	return &clone
}
