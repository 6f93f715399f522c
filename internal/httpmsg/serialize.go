package httpmsg

import (
	"io"
	"strconv"
	"strings"
)

// SerializeRequest writes req to w per the serialization contract: start
// line, headers, blank line, body. If Host is absent and the target
// carries an authority, Host is synthesized.
func SerializeRequest(w io.Writer, req *Request) error {
	if req.Header == nil {
		req.Header = NewHeader()
	}
	if !req.Header.Has("Host") {
		if host := hostFromTarget(req.Target); host != "" {
			req.Header.Set("Host", host)
		}
	}

	if _, err := io.WriteString(w, req.Method+" "+req.Target+" "+req.Version+"\r\n"); err != nil {
		return err
	}
	return writeHeadersAndBody(w, req.Header, req.Body)
}

// SerializeResponse writes resp to w per the serialization contract.
func SerializeResponse(w io.Writer, resp *Response) error {
	if resp.Header == nil {
		resp.Header = NewHeader()
	}

	reason := resp.Reason
	statusLine := resp.Version + " " + strconv.Itoa(resp.Status)
	if reason != "" {
		statusLine += " " + reason
	}
	if _, err := io.WriteString(w, statusLine+"\r\n"); err != nil {
		return err
	}
	if !resp.Header.Has("Connection") {
		resp.Header.Set("Connection", "close")
	}
	return writeHeadersAndBody(w, resp.Header, resp.Body)
}

func writeHeadersAndBody(w io.Writer, h *Header, body []byte) error {
	chunked := h.ContainsToken("Transfer-Encoding", "chunked")
	if !chunked && len(body) > 0 && !h.Has("Content-Length") {
		h.Set("Content-Length", strconv.Itoa(len(body)))
	}

	for _, name := range h.Names() {
		for _, v := range h.GetAll(name) {
			if _, err := io.WriteString(w, name+": "+v+"\r\n"); err != nil {
				return err
			}
		}
	}
	if _, err := io.WriteString(w, "\r\n"); err != nil {
		return err
	}

	if chunked {
		return encodeChunked(w, body)
	}
	_, err := w.Write(body)
	return err
}

func hostFromTarget(target string) string {
	// absolute-form target, e.g. http://host:port/path
	if idx := strings.Index(target, "://"); idx >= 0 {
		rest := target[idx+3:]
		if slash := strings.IndexByte(rest, '/'); slash >= 0 {
			return rest[:slash]
		}
		return rest
	}
	return ""
}
