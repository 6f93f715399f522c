package httpmsg

import (
	"bufio"
	"io"
	"strconv"
	"strings"
)

// DefaultHeaderLimit is the default header-bytes ceiling enforced while
// reading the start-line + header block of a message.
const DefaultHeaderLimit = 64 * 1024

// limitedLineReader wraps a bufio.Reader and fails once the cumulative
// number of bytes read through it exceeds limit.
type limitedLineReader struct {
	r     *bufio.Reader
	limit int
	read  int
}

func (l *limitedLineReader) readLine() (string, error) {
	line, err := l.r.ReadString('\n')
	l.read += len(line)
	if l.limit > 0 && l.read > l.limit {
		return "", errHeaderLimitExceeded()
	}
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// ParseRequest reads a single HTTP/1.1 request from r.
func ParseRequest(r io.Reader, headerLimit int) (*Request, error) {
	return ParseRequestFromReader(bufio.NewReader(r), headerLimit)
}

// ParseRequestFromReader reads a single HTTP/1.1 request from an
// existing bufio.Reader, leaving any bytes buffered past the request
// available to the caller for a subsequent read on the same
// connection (needed when a CONNECT parse is followed by raw
// tunneling or a TLS handshake on the same socket).
func ParseRequestFromReader(br *bufio.Reader, headerLimit int) (*Request, error) {
	if headerLimit <= 0 {
		headerLimit = DefaultHeaderLimit
	}
	ll := &limitedLineReader{r: br, limit: headerLimit}

	startLine, err := ll.readLine()
	if err != nil {
		return nil, errShortRead(err)
	}

	req := NewRequest()
	if err := parseRequestLine(startLine, req); err != nil {
		return nil, err
	}

	header, err := readHeaderBlock(ll)
	if err != nil {
		return nil, err
	}
	req.Header = header

	if req.IsConnect() {
		host, port := splitHostPort(req.Target)
		req.URL = "https://" + host + ":" + port + "/"
		return req, nil
	}
	req.URL = req.Target

	body, err := readRequestBody(br, header)
	if err != nil {
		return nil, err
	}
	req.Body = body
	return req, nil
}

func splitHostPort(target string) (host, port string) {
	idx := strings.LastIndex(target, ":")
	if idx < 0 {
		return target, "443"
	}
	return target[:idx], target[idx+1:]
}

func parseRequestLine(line string, req *Request) error {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 {
		return errMalformedHeaders(nil)
	}
	req.Method = parts[0]
	req.Target = parts[1]
	req.Version = parts[2]
	return nil
}

// ParseResponse reads a single HTTP/1.1 response from r. method is the
// request method that produced this response (affects body framing for
// HEAD). A body with neither chunked nor Content-Length framing is read
// until EOF.
func ParseResponse(r io.Reader, headerLimit int, method string) (*Response, error) {
	return ParseResponseFromReader(bufio.NewReader(r), headerLimit, method)
}

// ParseResponseFromReader reads a single HTTP/1.1 response from an
// existing bufio.Reader; see ParseRequestFromReader for why this
// matters on a connection that is read from more than once.
func ParseResponseFromReader(br *bufio.Reader, headerLimit int, method string) (*Response, error) {
	if headerLimit <= 0 {
		headerLimit = DefaultHeaderLimit
	}
	ll := &limitedLineReader{r: br, limit: headerLimit}

	startLine, err := ll.readLine()
	if err != nil {
		return nil, errShortRead(err)
	}

	resp := NewResponse()
	if err := parseStatusLine(startLine, resp); err != nil {
		return nil, err
	}

	header, err := readHeaderBlock(ll)
	if err != nil {
		return nil, err
	}
	resp.Header = header

	if method == "HEAD" || resp.Status == 204 || resp.Status == 304 || (resp.Status >= 100 && resp.Status < 200) {
		if br.Buffered() == 0 {
			resp.Body = []byte{}
			return resp, nil
		}
	}

	body, err := readResponseBody(br, header)
	if err != nil {
		return nil, err
	}
	resp.Body = body
	return resp, nil
}

func parseStatusLine(line string, resp *Response) error {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 {
		return errMalformedHeaders(nil)
	}
	resp.Version = parts[0]
	status, err := strconv.Atoi(parts[1])
	if err != nil {
		return errMalformedHeaders(err)
	}
	resp.Status = status
	if len(parts) == 3 {
		resp.Reason = parts[2]
	} else if status == 200 {
		resp.Reason = "OK"
	} else {
		resp.Reason = ""
	}
	return nil
}

// readHeaderBlock reads "name: value" lines (with single-line RFC 7230
// §3.2.4 folding support) until a blank line terminates the block.
func readHeaderBlock(ll *limitedLineReader) (*Header, error) {
	h := NewHeader()
	var lastName string

	for {
		line, err := ll.readLine()
		if err != nil {
			return nil, errShortRead(err)
		}
		if line == "" {
			break
		}

		if strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t") {
			if lastName == "" {
				continue
			}
			vs := h.GetAll(lastName)
			if len(vs) == 0 {
				continue
			}
			vs[len(vs)-1] = vs[len(vs)-1] + " " + strings.TrimSpace(line)
			continue
		}

		idx := strings.IndexByte(line, ':')
		if idx < 0 {
			return nil, errMalformedHeaders(nil)
		}
		name := strings.TrimSpace(line[:idx])
		value := strings.TrimSpace(line[idx+1:])
		h.Add(name, value)
		lastName = name
	}

	return h, nil
}

func readRequestBody(br *bufio.Reader, h *Header) ([]byte, error) {
	if h.ContainsToken("Transfer-Encoding", "chunked") {
		return decodeChunked(br)
	}
	if cl := h.Get("Content-Length"); cl != "" {
		n, err := parseContentLength(cl)
		if err != nil {
			return nil, errMalformedBody(err)
		}
		return readFixed(br, n)
	}
	return []byte{}, nil
}

func readResponseBody(br *bufio.Reader, h *Header) ([]byte, error) {
	if h.ContainsToken("Transfer-Encoding", "chunked") {
		return decodeChunked(br)
	}
	if cl := h.Get("Content-Length"); cl != "" {
		n, err := parseContentLength(cl)
		if err != nil {
			return nil, errMalformedBody(err)
		}
		return readFixed(br, n)
	}
	return readUntilClose(br)
}

func parseContentLength(v string) (int64, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, errMalformedBody(nil)
	}
	return n, nil
}

func readFixed(br *bufio.Reader, n int64) ([]byte, error) {
	if n <= 0 {
		return []byte{}, nil
	}
	buf := make([]byte, n)
	read, err := io.ReadFull(br, buf)
	if err != nil {
		return nil, errShortRead(err)
	}
	return buf[:read], nil
}

func readUntilClose(br *bufio.Reader) ([]byte, error) {
	data, err := io.ReadAll(br)
	if err != nil {
		return nil, errShortRead(err)
	}
	return data, nil
}
