package httpmsg

// Request is a parsed (or about-to-be-serialized) HTTP/1.1 request line
// plus headers and body.
type Request struct {
	Method  string
	Target  string // request-target as it appeared on the wire
	Version string // e.g. "HTTP/1.1"
	Header  *Header
	Body    []byte

	// URL is populated for logging/Flow display; for CONNECT it is
	// synthesized as "https://host:port/" and is never parsed from it.
	URL string
}

// NewRequest returns an empty request with an initialized header map.
func NewRequest() *Request {
	return &Request{Version: "HTTP/1.1", Header: NewHeader(), Body: []byte{}}
}

// IsConnect reports whether this is a CONNECT request.
func (r *Request) IsConnect() bool {
	return r.Method == "CONNECT"
}

// Response is a parsed (or about-to-be-serialized) HTTP/1.1 status line
// plus headers and body.
type Response struct {
	Version string
	Status  int
	Reason  string
	Header  *Header
	Body    []byte
}

// NewResponse returns an empty response with an initialized header map.
func NewResponse() *Response {
	return &Response{Version: "HTTP/1.1", Header: NewHeader(), Body: []byte{}}
}
