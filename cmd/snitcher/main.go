package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/HakAl/snitcher/internal/api"
	"github.com/HakAl/snitcher/internal/config"
	"github.com/HakAl/snitcher/internal/intercept"
	"github.com/HakAl/snitcher/internal/proxy"
	"github.com/HakAl/snitcher/internal/queue"
	"github.com/HakAl/snitcher/internal/redact"
	"github.com/HakAl/snitcher/internal/store"
	snitchertls "github.com/HakAl/snitcher/internal/tls"
	"github.com/HakAl/snitcher/internal/ws"
	"github.com/HakAl/snitcher/web"
)

var (
	version = "dev"
	commit  = "unknown"
)

// maxPortAttempts bounds how many consecutive ports a listener will try
// before giving up.
const maxPortAttempts = 10

func main() {
	configPath := flag.String("config", "", "Path to config file")
	listenAddr := flag.String("listen", "", "Proxy listen address (overrides config)")
	apiAddr := flag.String("api", "localhost:9091", "Management API listen address")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	showVersion := flag.Bool("version", false, "Show version and exit")
	showCA := flag.Bool("show-ca", false, "Show CA certificate path and trust instructions")
	showHelp := flag.Bool("help", false, "Show help")
	flag.Parse()

	if *showHelp {
		printHelp()
		os.Exit(0)
	}

	if *showVersion {
		fmt.Printf("snitcher %s (%s)\n", version, commit)
		os.Exit(0)
	}

	logLevel := slog.LevelInfo
	if *debugMode {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	actualConfigPath := *configPath
	if actualConfigPath == "" {
		var pathErr error
		actualConfigPath, pathErr = config.DefaultConfigPath()
		if pathErr != nil {
			printError("Failed to determine config path", pathErr, configLoadFix(""))
		}
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		printError("Failed to load configuration", err, configLoadFix(*configPath))
	}

	if *listenAddr != "" {
		cfg.Proxy.Listen = *listenAddr
	}

	configDir, err := config.ConfigDir()
	if err != nil {
		printError("Failed to determine config directory", err, configLoadFix(""))
	}
	if err := os.MkdirAll(configDir, 0700); err != nil {
		printError("Failed to create config directory", err, caPermissionFix(configDir))
	}

	ca, err := snitchertls.LoadOrCreateCA(cfg.CA.Path, cfg.CA.Password)
	if err != nil {
		if isPermissionError(err) {
			printError("Failed to load/create CA certificate", err, caPermissionFix(filepath.Dir(cfg.CA.Path)))
		} else if isCorruptCert(err) {
			printError("CA certificate is corrupted", err, caCorruptFix(cfg.CA.Path))
		} else {
			printError("Failed to load/create CA certificate", err, caCorruptFix(cfg.CA.Path))
		}
	}
	logger.Info("CA loaded", "path", cfg.CA.Path)

	if *showCA {
		fmt.Printf("CA certificate: %s\n", cfg.CA.Path)
		fmt.Println("\nTo trust this CA:")
		fmt.Println("  macOS:   sudo security add-trusted-cert -d -r trustRoot -k /Library/Keychains/System.keychain " + cfg.CA.Path)
		fmt.Println("  Linux:   sudo cp " + cfg.CA.Path + " /usr/local/share/ca-certificates/snitcher.crt && sudo update-ca-certificates")
		fmt.Println("  Windows: certutil -addstore -f \"ROOT\" " + cfg.CA.Path)
		os.Exit(0)
	}

	apiListener, actualAPIAddr, err := listenWithFallback(*apiAddr, maxPortAttempts)
	if err != nil {
		printError("Failed to bind management API", err, portInUseFix(*apiAddr, maxPortAttempts))
	}
	logger.Info("management API bound", "addr", actualAPIAddr)

	crlURL := fmt.Sprintf("http://%s/api/ca.crl", actualAPIAddr)
	if err := ca.SetCRLURL(crlURL); err != nil {
		logger.Error("failed to set CRL URL", "error", err)
		apiListener.Close()
		os.Exit(1)
	}
	logger.Info("CRL configured", "url", crlURL)

	certCache := snitchertls.NewCertCache(ca, cfg.CA.MaxCacheSize)

	redactor, err := redact.New(&cfg.Redaction)
	if err != nil {
		logger.Error("failed to create redactor", "error", err)
		apiListener.Close()
		os.Exit(1)
	}

	st := store.New(cfg.Memory.MaxFlows)
	bus := queue.NewBus(256)

	pipeline := intercept.New(logger)
	pipeline.AddResponseInterceptor(intercept.NewRedactionLogger(logger, redactor))
	pipeline.AddResponseInterceptor(intercept.NewResponseLogger(logger))

	driver := proxy.NewDriver(&cfg.Proxy, logger, certCache, pipeline, redactor, st, bus)

	proxyListener, actualProxyAddr, err := startListenerWithFallback(cfg.Proxy.ListenAddr(), maxPortAttempts, logger, driver, bus)
	if err != nil {
		apiListener.Close()
		printError("Failed to bind proxy listener", err, portInUseFix(cfg.Proxy.ListenAddr(), maxPortAttempts))
	}
	logger.Info("proxy listener bound", "addr", actualProxyAddr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	wsHub := ws.NewHub(cfg, logger)
	go wsHub.Run(ctx)
	go wsHub.RunWithBus(ctx, bus)

	apiServer := api.NewServer(cfg, st, ca, logger,
		api.WithConfigPath(actualConfigPath),
		api.WithOnReload(func(newToken string) {
			logger.Info("token reloaded", "token_length", len(newToken))
		}),
	)

	apiMux := http.NewServeMux()
	apiMux.Handle("/api/", apiServer.Handler())
	apiMux.Handle("/healthz", apiServer.Handler())
	apiMux.HandleFunc("/ws", wsHub.Handler(cfg.Auth.Token))
	apiMux.Handle("/", web.Handler())

	apiSrv := &http.Server{
		Addr:    actualAPIAddr,
		Handler: apiMux,
	}

	go func() {
		logger.Info("management API starting", "addr", actualAPIAddr)
		if err := apiSrv.Serve(apiListener); err != nil && err != http.ErrServerClosed {
			logger.Error("management API error", "error", err)
		}
	}()

	logger.Info("starting snitcher",
		"proxy", actualProxyAddr,
		"api", actualAPIAddr,
	)

	fmt.Fprintf(os.Stderr, "\n")
	fmt.Fprintf(os.Stderr, "  Proxy:     http://%s\n", actualProxyAddr)
	fmt.Fprintf(os.Stderr, "  API:       http://%s\n", actualAPIAddr)
	fmt.Fprintf(os.Stderr, "  WebSocket: ws://%s/ws\n", actualAPIAddr)
	fmt.Fprintf(os.Stderr, "  CA:        %s\n", cfg.CA.Path)
	fmt.Fprintf(os.Stderr, "  Token:     %s\n", cfg.Auth.Token)
	fmt.Fprintf(os.Stderr, "\n")
	fmt.Fprintf(os.Stderr, "  Environment variables (copy-paste):\n")
	fmt.Fprintf(os.Stderr, "\n")
	fmt.Fprintf(os.Stderr, "  # Node.js\n")
	fmt.Fprintf(os.Stderr, "  export HTTPS_PROXY=http://%s\n", actualProxyAddr)
	fmt.Fprintf(os.Stderr, "  export HTTP_PROXY=http://%s\n", actualProxyAddr)
	fmt.Fprintf(os.Stderr, "  export NODE_EXTRA_CA_CERTS=%s\n", cfg.CA.Path)
	fmt.Fprintf(os.Stderr, "\n")
	fmt.Fprintf(os.Stderr, "  # Python (httpx, requests)\n")
	fmt.Fprintf(os.Stderr, "  export HTTPS_PROXY=http://%s\n", actualProxyAddr)
	fmt.Fprintf(os.Stderr, "  export HTTP_PROXY=http://%s\n", actualProxyAddr)
	fmt.Fprintf(os.Stderr, "  export SSL_CERT_FILE=%s\n", cfg.CA.Path)
	fmt.Fprintf(os.Stderr, "  export REQUESTS_CA_BUNDLE=%s\n", cfg.CA.Path)
	fmt.Fprintf(os.Stderr, "\n")

	<-ctx.Done()

	logger.Info("shutting down proxy listener")
	proxyListener.Stop()

	logger.Info("shutting down management API")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := apiSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("management API shutdown error", "error", err)
	}

	logger.Info("snitcher shutdown complete")
}

// listenWithFallback attempts to listen on baseAddr, falling back to
// subsequent ports if the port is already in use. It tries up to
// maxAttempts ports.
func listenWithFallback(baseAddr string, maxAttempts int) (net.Listener, string, error) {
	host, portStr, err := net.SplitHostPort(baseAddr)
	if err != nil {
		ln, err := net.Listen("tcp", baseAddr)
		if err != nil {
			return nil, "", err
		}
		return ln, baseAddr, nil
	}

	basePort, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, "", fmt.Errorf("invalid port %q: %w", portStr, err)
	}

	var lastErr error
	for i := 0; i < maxAttempts; i++ {
		port := basePort + i
		addr := net.JoinHostPort(host, strconv.Itoa(port))

		ln, err := net.Listen("tcp", addr)
		if err == nil {
			if i > 0 {
				slog.Info("port fallback", "requested", baseAddr, "actual", addr)
			}
			return ln, addr, nil
		}

		if isAddrInUse(err) {
			lastErr = err
			continue
		}
		return nil, "", err
	}

	return nil, "", fmt.Errorf("all %d ports starting from %s are in use: %w", maxAttempts, baseAddr, lastErr)
}

// startListenerWithFallback builds a proxy.Listener bound to baseAddr,
// retrying on subsequent ports if the port is already in use, and
// leaves the winning listener started.
func startListenerWithFallback(baseAddr string, maxAttempts int, logger *slog.Logger, driver *proxy.Driver, bus *queue.Bus) (*proxy.Listener, string, error) {
	host, portStr, err := net.SplitHostPort(baseAddr)
	if err != nil {
		l := proxy.NewListener(baseAddr, logger, driver, bus)
		if err := l.Start(); err != nil {
			return nil, "", err
		}
		return l, baseAddr, nil
	}

	basePort, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, "", fmt.Errorf("invalid port %q: %w", portStr, err)
	}

	var lastErr error
	for i := 0; i < maxAttempts; i++ {
		addr := net.JoinHostPort(host, strconv.Itoa(basePort+i))
		l := proxy.NewListener(addr, logger, driver, bus)
		err := l.Start()
		if err == nil {
			if i > 0 {
				logger.Info("port fallback", "requested", baseAddr, "actual", addr)
			}
			return l, addr, nil
		}
		if isAddrInUse(err) {
			lastErr = err
			continue
		}
		return nil, "", err
	}

	return nil, "", fmt.Errorf("all %d ports starting from %s are in use: %w", maxAttempts, baseAddr, lastErr)
}

// isAddrInUse checks if the error indicates the address is already in use.
func isAddrInUse(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "address already in use") ||
		strings.Contains(errStr, "Only one usage of each socket address") ||
		strings.Contains(errStr, "EADDRINUSE")
}

func printHelp() {
	fmt.Println(`snitcher - an intercepting HTTP/HTTPS proxy for inspecting outbound API traffic

Usage:
  snitcher [flags]

Flags:
  -config string   Path to config file
  -listen string   Proxy listen address (overrides config)
  -api string      Management API listen address (default "localhost:9091")
  -debug           Enable debug logging
  -show-ca         Show CA certificate path and trust instructions
  -version         Show version and exit
  -help            Show this help

On first run, snitcher generates a certificate authority and a
management API token under its config directory. Point your client at
the proxy address and trust the CA certificate (see -show-ca) to
inspect its HTTPS traffic.`)
}
