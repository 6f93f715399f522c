// Package proxy implements the connection driver and listener: the
// state machine that turns one accepted TCP connection into a captured
// Flow, and the Accept loop that feeds it connections.
package proxy

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/HakAl/snitcher/internal/config"
	"github.com/HakAl/snitcher/internal/httpmsg"
	"github.com/HakAl/snitcher/internal/intercept"
	"github.com/HakAl/snitcher/internal/queue"
	"github.com/HakAl/snitcher/internal/redact"
	"github.com/HakAl/snitcher/internal/store"
	snitchertls "github.com/HakAl/snitcher/internal/tls"
)

// Failure reasons matching the driver's fixed vocabulary for
// client-side and cancellation outcomes.
const (
	ReasonClientDisconnect = "ClientDisconnect"
	ReasonCancelled        = "cancelled"
)

// Driver carries one accepted connection through PARSE, FWD_HTTP,
// DECIDE_TLS, MITM, TUNNEL and EMIT_FLOW.
type Driver struct {
	cfg       *config.ProxyConfig
	logger    *slog.Logger
	certCache *snitchertls.CertCache
	pipeline  *intercept.Pipeline
	redactor  *redact.Redactor
	store     *store.Store
	bus       *queue.Bus
}

// NewDriver builds a Driver from the proxy's wired dependencies.
func NewDriver(cfg *config.ProxyConfig, logger *slog.Logger, certCache *snitchertls.CertCache, pipeline *intercept.Pipeline, redactor *redact.Redactor, st *store.Store, bus *queue.Bus) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{
		cfg:       cfg,
		logger:    logger,
		certCache: certCache,
		pipeline:  pipeline,
		redactor:  redactor,
		store:     st,
		bus:       bus,
	}
}

// Drive runs the full state machine over conn, guaranteeing EMIT_FLOW
// is reached on every exit path, including a panic or a cancellation
// of ctx. It always closes conn before returning.
func (d *Driver) Drive(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	flow := &store.Flow{
		ID:         uuid.NewString(),
		Timestamp:  time.Now(),
		RemoteAddr: conn.RemoteAddr().String(),
		Status:     store.StatusPending,
	}

	watcherDone := make(chan struct{})
	defer close(watcherDone)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-watcherDone:
		}
	}()

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("driver panic recovered", "panic", r)
			d.emitFlow(flow, store.StatusFailed, fmt.Sprintf("panic: %v", r))
		}
	}()

	br := bufio.NewReader(conn)
	req, err := httpmsg.ParseRequestFromReader(br, d.cfg.HeaderLimitByte)
	if err != nil {
		flow.Request = httpmsg.NewRequest()
		reason := d.classifyFailure(ctx, err)
		if reason != ReasonClientDisconnect && reason != ReasonCancelled {
			d.writeErrorResponse(conn, 400, "Bad Request", "malformed request")
		}
		d.emitFlow(flow, store.StatusFailed, reason)
		return
	}
	flow.Request = req

	switch {
	case req.IsConnect():
		d.driveConnect(ctx, conn, br, flow)
	default:
		d.driveHTTP(ctx, conn, flow)
	}
}

// classifyFailure maps a raw error into the driver's fixed reason
// vocabulary where one applies, falling back to the error text.
func (d *Driver) classifyFailure(ctx context.Context, err error) string {
	if ctx.Err() != nil {
		return ReasonCancelled
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ReasonClientDisconnect
	}
	return err.Error()
}

// driveHTTP implements FWD_HTTP: forward a plain HTTP request to its
// origin and relay the response back to the client.
func (d *Driver) driveHTTP(ctx context.Context, conn net.Conn, flow *store.Flow) {
	req := d.pipeline.RunRequest(flow.Request, flow)
	flow.Request = req

	addr, err := upstreamAddr(req, 80)
	if err != nil {
		d.writeErrorResponse(conn, 400, "Bad Request", "malformed request target")
		d.emitFlow(flow, store.StatusFailed, fmt.Sprintf("target: %v", err))
		return
	}

	upstream, err := dialWithContext(ctx, addr, d.cfg.DialTimeout())
	if err != nil {
		d.writeErrorResponse(conn, 502, "Bad Gateway", "upstream dial failed")
		d.emitFlow(flow, store.StatusFailed, d.classifyFailure(ctx, fmt.Errorf("dial %s: %w", addr, err)))
		return
	}
	defer upstream.Close()

	resp, failReason := d.roundTrip(req, upstream, conn, flow)
	if resp == nil {
		d.emitFlow(flow, store.StatusFailed, d.classifyFailure(ctx, errors.New(failReason)))
		return
	}
	d.emitFlow(flow, store.StatusCompleted, "")
}

// driveConnect implements DECIDE_TLS: either tunnel the CONNECT target
// opaquely, or terminate TLS and MITM a single inner transaction.
func (d *Driver) driveConnect(ctx context.Context, conn net.Conn, br *bufio.Reader, flow *store.Flow) {
	host, _ := hostPort(flow.Request.Target, 443)
	bareHost := strippedHost(flow.Request.Target)

	if !d.cfg.ShouldIntercept(bareHost) {
		d.tunnelPlain(ctx, conn, br, flow)
		return
	}

	if _, err := conn.Write([]byte("HTTP/1.1 200 Connection established\r\n\r\n")); err != nil {
		d.emitFlow(flow, store.StatusFailed, fmt.Sprintf("write connect reply: %v", err))
		return
	}

	cert, err := d.certCache.GetCertificate(&tls.ClientHelloInfo{ServerName: bareHost})
	if err != nil {
		d.logger.Warn("leaf mint failed, falling back to tunnel", "host", host, "error", err)
		d.tunnelRaw(ctx, conn, br, flow, host, true)
		return
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{*cert},
		NextProtos:   []string{"http/1.1"},
		MinVersion:   tls.VersionTLS12,
	}

	clientTLS := tls.Server(&bufferedConn{Conn: conn, r: br}, tlsConfig)
	if err := clientTLS.Handshake(); err != nil {
		d.emitFlow(flow, store.StatusFailed, fmt.Sprintf("client tls handshake: %v", err))
		return
	}
	defer clientTLS.Close()

	upstream, err := tls.Dial("tcp", host, &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{"http/1.1"},
	})
	if err != nil {
		d.emitFlow(flow, store.StatusFailed, fmt.Sprintf("upstream tls dial %s: %v", host, err))
		return
	}
	defer upstream.Close()

	d.driveMITMTransaction(clientTLS, upstream, flow)
}

// driveMITMTransaction handles a single inner request/response pair
// over an already-established pair of TLS connections.
func (d *Driver) driveMITMTransaction(clientTLS, upstream *tls.Conn, flow *store.Flow) {
	_ = clientTLS.SetReadDeadline(time.Now().Add(d.cfg.IdleTimeout()))
	inner, err := httpmsg.ParseRequest(clientTLS, d.cfg.HeaderLimitByte)
	_ = clientTLS.SetReadDeadline(time.Time{})
	if err != nil {
		d.emitFlow(flow, store.StatusFailed, fmt.Sprintf("inner parse: %v", err))
		return
	}
	inner = d.pipeline.RunRequest(inner, flow)
	flow.Request = inner

	if err := httpmsg.SerializeRequest(upstream, inner); err != nil {
		d.emitFlow(flow, store.StatusFailed, fmt.Sprintf("inner request write: %v", err))
		return
	}

	_ = upstream.SetReadDeadline(time.Now().Add(d.cfg.IdleTimeout()))
	resp, err := httpmsg.ParseResponse(upstream, d.cfg.HeaderLimitByte, inner.Method)
	_ = upstream.SetReadDeadline(time.Time{})
	if err != nil {
		d.writeErrorResponse(clientTLS, 502, "Bad Gateway", "upstream response unreadable")
		d.emitFlow(flow, store.StatusFailed, fmt.Sprintf("inner response read: %v", err))
		return
	}
	resp = d.pipeline.RunResponse(resp, flow)
	flow.Response = resp

	if err := httpmsg.SerializeResponse(clientTLS, resp); err != nil {
		d.emitFlow(flow, store.StatusFailed, fmt.Sprintf("inner response write: %v", err))
		return
	}

	d.emitFlow(flow, store.StatusCompleted, "")
}

// roundTrip performs the plain-HTTP wire exchange against upstream,
// writing the relayed response (or an error response) to client.
func (d *Driver) roundTrip(req *httpmsg.Request, upstream, client net.Conn, flow *store.Flow) (*httpmsg.Response, string) {
	if err := httpmsg.SerializeRequest(upstream, req); err != nil {
		d.writeErrorResponse(client, 502, "Bad Gateway", "could not reach upstream")
		return nil, fmt.Sprintf("request write: %v", err)
	}

	_ = upstream.SetReadDeadline(time.Now().Add(d.cfg.IdleTimeout()))
	resp, err := httpmsg.ParseResponse(upstream, d.cfg.HeaderLimitByte, req.Method)
	_ = upstream.SetReadDeadline(time.Time{})
	if err != nil {
		d.writeErrorResponse(client, 502, "Bad Gateway", "upstream response unreadable")
		return nil, fmt.Sprintf("response read: %v", err)
	}
	resp = d.pipeline.RunResponse(resp, flow)
	flow.Response = resp

	if err := httpmsg.SerializeResponse(client, resp); err != nil {
		return nil, fmt.Sprintf("response write: %v", err)
	}
	return resp, ""
}

// tunnelPlain implements TUNNEL for a CONNECT whose target is not
// configured for interception.
func (d *Driver) tunnelPlain(ctx context.Context, conn net.Conn, br *bufio.Reader, flow *store.Flow) {
	host, _ := hostPort(flow.Request.Target, 443)
	d.tunnelRaw(ctx, conn, br, flow, host, false)
}

// tunnelRaw dials host as a plain TCP socket, replies 200 if
// alreadyReplied is false, and copies bytes bidirectionally until
// either side closes.
func (d *Driver) tunnelRaw(ctx context.Context, conn net.Conn, br *bufio.Reader, flow *store.Flow, host string, alreadyReplied bool) {
	flow.Response = syntheticConnectResponse()

	upstream, err := dialWithContext(ctx, host, d.cfg.DialTimeout())
	if err != nil {
		// TUNNEL dial failures close the client connection rather than
		// synthesizing a response; only plain HTTP gets a 502 body.
		d.emitFlow(flow, store.StatusFailed, d.classifyFailure(ctx, fmt.Errorf("dial %s: %w", host, err)))
		return
	}
	defer upstream.Close()

	if !alreadyReplied {
		if _, err := conn.Write([]byte("HTTP/1.1 200 Connection established\r\n\r\n")); err != nil {
			d.emitFlow(flow, store.StatusFailed, fmt.Sprintf("write connect reply: %v", err))
			return
		}
	}

	clean := tunnelWithTimeout(&bufferedConn{Conn: conn, r: br}, upstream, d.logger, host, d.cfg.IdleTimeout())
	if clean {
		d.emitFlow(flow, store.StatusCompleted, "")
		return
	}
	d.emitFlow(flow, store.StatusFailed, "tunnel closed uncleanly")
}

// emitFlow implements EMIT_FLOW: finalize duration/status, store the
// flow and notify subscribers. The stored and broadcast flow retains
// raw request/response bytes; redaction happens only in the
// RedactionLogger companion's own log line, not in what lands in the
// store or on the live flow hub. The management API that serves flows
// back out is itself bearer-token gated.
func (d *Driver) emitFlow(flow *store.Flow, status store.Status, reason string) {
	flow.Duration = time.Since(flow.Timestamp)
	flow.Status = status
	flow.FailureReason = reason
	if flow.Response == nil {
		flow.Response = httpmsg.NewResponse()
	}

	d.store.Put(flow)
	d.bus.Publish(flow)
}

// writeErrorResponse writes a synthetic plain-text error response
// directly to conn, ignoring write errors (the connection is about to
// be torn down regardless).
func (d *Driver) writeErrorResponse(conn net.Conn, status int, reason, message string) {
	resp := httpmsg.NewResponse()
	resp.Status = status
	resp.Reason = reason
	resp.Header.Set("Content-Type", "text/plain; charset=utf-8")
	resp.Body = []byte(reason + ": " + message)
	_ = httpmsg.SerializeResponse(conn, resp)
}

// dialWithContext dials addr with both an explicit timeout and the
// driver's cancellation context, whichever fires first.
func dialWithContext(ctx context.Context, addr string, timeout time.Duration) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: timeout}
	return dialer.DialContext(ctx, "tcp", addr)
}

func syntheticConnectResponse() *httpmsg.Response {
	resp := httpmsg.NewResponse()
	resp.Status = 200
	resp.Reason = "Connection established"
	return resp
}

// upstreamAddr derives a host:port to dial for a plain HTTP request,
// from an absolute-form target or the Host header.
func upstreamAddr(req *httpmsg.Request, defaultPort int) (string, error) {
	target := req.Target
	if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
		rest := target
		rest = strings.TrimPrefix(rest, "https://")
		rest = strings.TrimPrefix(rest, "http://")
		if idx := strings.Index(rest, "/"); idx >= 0 {
			rest = rest[:idx]
		}
		return hostPort(rest, defaultPort)
	}

	if h := req.Header.Get("Host"); h != "" {
		return hostPort(h, defaultPort)
	}

	return "", fmt.Errorf("no host in request target %q", target)
}

// hostPort splits a "host" or "host:port" string, applying
// defaultPort when no port is present.
func hostPort(hostport string, defaultPort int) (string, error) {
	if hostport == "" {
		return "", fmt.Errorf("empty host")
	}
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		return net.JoinHostPort(hostport, strconv.Itoa(defaultPort)), nil
	}
	return net.JoinHostPort(host, port), nil
}

// strippedHost returns the hostname portion of a CONNECT target
// (host:port), for SNI lookups that don't want the port.
func strippedHost(target string) string {
	host, _, err := net.SplitHostPort(target)
	if err != nil {
		return target
	}
	return host
}

// bufferedConn wraps a net.Conn whose first reads must come from an
// already-filled bufio.Reader (bytes buffered while parsing a request
// on the same socket), falling through to the raw connection once
// drained. This lets tls.Server and the raw tunnel copy see bytes the
// parser already pulled off the wire.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}
