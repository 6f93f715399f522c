package httpmsg

import (
	"bufio"
	"bytes"
)

func newTestBufioReader(b []byte) *bufio.Reader {
	return bufio.NewReader(bytes.NewReader(b))
}
