package httpmsg

import "github.com/HakAl/snitcher/internal/snerr"

// Codec-specific parse failure operations, surfaced via snerr.Error so
// driver code can branch with errors.Is/errors.As without string matching.
const (
	OpMalformedHeaders   = "malformed_headers"
	OpMalformedBody      = "malformed_body"
	OpHeaderLimitExceeded = "header_limit_exceeded"
	OpShortRead          = "short_read"
)

func errMalformedHeaders(cause error) error {
	return snerr.NewParseError(OpMalformedHeaders, "malformed header line", cause)
}

func errMalformedBody(cause error) error {
	return snerr.NewParseError(OpMalformedBody, "malformed body framing", cause)
}

func errHeaderLimitExceeded() error {
	return snerr.NewParseError(OpHeaderLimitExceeded, "header block exceeds maximum size", nil)
}

func errShortRead(cause error) error {
	return snerr.NewParseError(OpShortRead, "peer closed inside framed region", cause)
}
