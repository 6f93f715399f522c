package proxy

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/HakAl/snitcher/internal/config"
	"github.com/HakAl/snitcher/internal/httpmsg"
	"github.com/HakAl/snitcher/internal/intercept"
	"github.com/HakAl/snitcher/internal/queue"
	"github.com/HakAl/snitcher/internal/store"
)

func TestListener_StartStopLifecycle(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig().Proxy
	st := store.New(100)
	bus := queue.NewBus(16)
	pipeline := intercept.New(testProxyLogger())
	driver := NewDriver(&cfg, testProxyLogger(), nil, pipeline, testRedactor(t), st, bus)

	l := NewListener("127.0.0.1:0", testProxyLogger(), driver, bus)
	if l.IsRunning() {
		t.Fatal("expected not running before Start")
	}

	if err := l.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !l.IsRunning() {
		t.Fatal("expected running after Start")
	}

	if err := l.Start(); err == nil {
		t.Error("expected error starting an already-running listener")
	}

	l.Stop()
	if l.IsRunning() {
		t.Fatal("expected not running after Stop")
	}

	// Restartable after stop.
	if err := l.Start(); err != nil {
		t.Fatalf("restart after stop: %v", err)
	}
	l.Stop()
}

func TestListener_AcceptDrivesConnectionAndCapturesFlow(t *testing.T) {
	t.Parallel()

	upstreamAddr := echoUpstream(t, "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok")

	cfg := config.DefaultConfig().Proxy
	st := store.New(100)
	bus := queue.NewBus(16)
	pipeline := intercept.New(testProxyLogger())
	driver := NewDriver(&cfg, testProxyLogger(), nil, pipeline, testRedactor(t), st, bus)

	l := NewListener("127.0.0.1:0", testProxyLogger(), driver, bus)
	if err := l.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer l.Stop()

	sub := l.OnFlowCaptured()

	conn, err := net.Dial("tcp", l.ln.Addr().String())
	if err != nil {
		t.Fatalf("dial listener: %v", err)
	}
	defer conn.Close()

	req := "GET http://" + upstreamAddr + "/ HTTP/1.1\r\nHost: " + upstreamAddr + "\r\n\r\n"
	if _, err := conn.Write([]byte(req)); err != nil {
		t.Fatalf("write: %v", err)
	}

	resp, err := httpmsg.ParseResponse(conn, 0, "GET")
	if err != nil {
		t.Fatalf("ParseResponse: %v", err)
	}
	if resp.Status != 200 {
		t.Errorf("status = %d, want 200", resp.Status)
	}

	select {
	case flow := <-sub.Events():
		if flow.Status != store.StatusCompleted {
			t.Errorf("flow status = %v, want Completed", flow.Status)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no flow captured event")
	}
}

func TestListener_StopWaitsForInFlightDrivers(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		time.Sleep(200 * time.Millisecond)
		io.ReadAll(conn)
	}()
	upstreamAddr := ln.Addr().String()

	cfg := config.DefaultConfig().Proxy
	st := store.New(100)
	bus := queue.NewBus(16)
	pipeline := intercept.New(testProxyLogger())
	driver := NewDriver(&cfg, testProxyLogger(), nil, pipeline, testRedactor(t), st, bus)

	l := NewListener("127.0.0.1:0", testProxyLogger(), driver, bus)
	if err := l.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	conn, err := net.Dial("tcp", l.ln.Addr().String())
	if err != nil {
		t.Fatalf("dial listener: %v", err)
	}
	defer conn.Close()

	connectReq := "CONNECT " + upstreamAddr + " HTTP/1.1\r\nHost: " + upstreamAddr + "\r\n\r\n"
	if _, err := conn.Write([]byte(connectReq)); err != nil {
		t.Fatalf("write: %v", err)
	}

	// give the driver task time to spawn before Stop races with Accept
	time.Sleep(20 * time.Millisecond)

	start := time.Now()
	l.Stop()
	if time.Since(start) > StopGrace {
		t.Error("Stop took longer than the grace period")
	}
}
