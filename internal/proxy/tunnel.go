package proxy

import (
	"io"
	"log/slog"
	"net"
	"sync"
	"time"
)

const defaultIdleTimeout = 5 * time.Minute

// tunnel copies data bidirectionally between clientConn and upstreamConn
// until either side closes or goes idle, returning true if the direction
// that finished first ended on a clean EOF.
func tunnel(clientConn, upstreamConn net.Conn, logger *slog.Logger, host string) bool {
	return tunnelWithTimeout(clientConn, upstreamConn, logger, host, defaultIdleTimeout)
}

// tunnelWithTimeout is the testable core that accepts an explicit idle timeout.
// The first direction to finish closes both connections, so the other
// direction always ends on a closed-connection error; the result is
// therefore taken from the direction that finished first.
func tunnelWithTimeout(clientConn, upstreamConn net.Conn, logger *slog.Logger, host string, idleTimeout time.Duration) bool {
	logger.Debug("tunnel established", "host", host)

	var once sync.Once
	var clean bool
	closeAll := func(directionClean bool) {
		once.Do(func() {
			clean = directionClean
			clientConn.Close()
			upstreamConn.Close()
			logger.Debug("tunnel closed", "host", host)
		})
	}

	var wg sync.WaitGroup
	wg.Add(2)

	// client -> upstream
	go func() {
		defer wg.Done()
		closeAll(copyWithIdleTimeout(upstreamConn, clientConn, idleTimeout))
	}()

	// upstream -> client
	go func() {
		defer wg.Done()
		closeAll(copyWithIdleTimeout(clientConn, upstreamConn, idleTimeout))
	}()

	wg.Wait()
	return clean
}

// copyWithIdleTimeout copies from src to dst, resetting a read deadline on src
// after every successful read. If no data arrives within idleTimeout, the copy
// stops. Returns true if the copy ended because src reached EOF cleanly.
func copyWithIdleTimeout(dst io.Writer, src net.Conn, idleTimeout time.Duration) bool {
	buf := make([]byte, 32*1024)
	for {
		_ = src.SetReadDeadline(time.Now().Add(idleTimeout))
		n, err := src.Read(buf)
		if n > 0 {
			if _, wErr := dst.Write(buf[:n]); wErr != nil {
				return false
			}
		}
		if err != nil {
			return err == io.EOF
		}
	}
}
