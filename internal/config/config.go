// Package config handles configuration loading from YAML, CLI flags, and
// environment variables.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
type Config struct {
	Proxy      ProxyConfig      `yaml:"proxy"`
	CA         CAConfig         `yaml:"ca"`
	Memory     MemoryConfig     `yaml:"memory"`
	Redaction  RedactionConfig  `yaml:"redaction"`
	Management ManagementConfig `yaml:"management"`
	Auth       AuthConfig       `yaml:"auth"`
}

// ProxyConfig configures the HTTP/TLS proxy listener and driver.
type ProxyConfig struct {
	Listen          string        `yaml:"listen"`           // e.g., "localhost:7865"
	Host            string        `yaml:"host"`             // Bind host (alternative to listen)
	Port            int           `yaml:"port"`             // Bind port (alternative to listen)
	InterceptHTTPS  bool          `yaml:"intercept_https"`   // Enable MITM of CONNECT tunnels
	DialTimeoutMs   int           `yaml:"dial_timeout_ms"`   // Upstream connect timeout
	IdleTimeoutMs   int           `yaml:"idle_timeout_ms"`   // Per-read idle timeout (tunnel, MITM, plain HTTP)
	HeaderLimitByte int           `yaml:"header_limit_bytes"`
	InterceptHosts  []string      `yaml:"intercept_hosts"` // empty = intercept all CONNECT hosts
}

// DialTimeout returns the configured dial timeout as a duration.
func (c *ProxyConfig) DialTimeout() time.Duration {
	if c.DialTimeoutMs <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.DialTimeoutMs) * time.Millisecond
}

// IdleTimeout returns the configured per-operation idle timeout as a
// duration, applied to tunnel copies and to reads inside MITM and
// plain HTTP transactions.
func (c *ProxyConfig) IdleTimeout() time.Duration {
	if c.IdleTimeoutMs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.IdleTimeoutMs) * time.Millisecond
}

// CAConfig configures the MITM certificate authority.
type CAConfig struct {
	Path          string `yaml:"path"`            // on-disk CA cert+key file
	Password      string `yaml:"password"`        // seals the private key at rest; empty = unencrypted
	MaxCacheSize  int    `yaml:"max_cache_size"`  // bound on minted leaf certificates held in memory
}

// MemoryConfig configures in-memory flow caching.
type MemoryConfig struct {
	MaxFlows int `yaml:"max_flows"` // flows retained in the store; 0 = unbounded
}

// RedactionConfig configures credential redaction.
type RedactionConfig struct {
	AlwaysRedactHeaders  []string `yaml:"always_redact_headers"`
	PatternRedactHeaders []string `yaml:"pattern_redact_headers"`
	RedactAPIKeys        bool     `yaml:"redact_api_keys"`
	RedactBase64Images   bool     `yaml:"redact_base64_images"`
	RawBodyStorage       bool     `yaml:"raw_body_storage"` // Default OFF per security spec
}

// ManagementConfig configures the operator-facing management API and
// live flow hub.
type ManagementConfig struct {
	Listen           string  `yaml:"listen"` // e.g., "localhost:9091"
	Enabled          bool    `yaml:"enabled"`
	RateLimitPerSec  float64 `yaml:"rate_limit_per_sec"` // sustained requests/sec per source IP
	RateLimitBurst   int     `yaml:"rate_limit_burst"`   // burst capacity per source IP
}

// RateLimit returns the configured sustained rate and burst capacity,
// falling back to conservative defaults when unset.
func (c *ManagementConfig) RateLimit() (rate float64, burst int) {
	rate = c.RateLimitPerSec
	if rate <= 0 {
		rate = 20
	}
	burst = c.RateLimitBurst
	if burst <= 0 {
		burst = 100
	}
	return rate, burst
}

// AuthConfig configures management API authentication.
type AuthConfig struct {
	Token string `yaml:"token"` // Bearer token for management API access
}

// DefaultConfig returns a Config with secure defaults.
func DefaultConfig() *Config {
	return &Config{
		Proxy: ProxyConfig{
			Listen:          "localhost:7865",
			InterceptHTTPS:  true,
			DialTimeoutMs:   10000,
			IdleTimeoutMs:   30000,
			HeaderLimitByte: 65536,
		},
		CA: CAConfig{
			MaxCacheSize: 1000,
		},
		Memory: MemoryConfig{
			MaxFlows: 1000,
		},
		Redaction: RedactionConfig{
			AlwaysRedactHeaders: []string{
				"authorization",
				"x-api-key",
				"x-amz-security-token", // AWS session tokens
				"cookie",
				"set-cookie",
			},
			PatternRedactHeaders: []string{
				`^x-.*-token$`,
				`^x-.*-key$`,
			},
			RedactAPIKeys:      true,
			RedactBase64Images: true,
			RawBodyStorage:     false, // Security: OFF by default
		},
		Management: ManagementConfig{
			Listen:          "localhost:9091",
			Enabled:         true,
			RateLimitPerSec: 20,
			RateLimitBurst:  100,
		},
		Auth: AuthConfig{
			Token: "", // Generated on first run if empty
		},
	}
}

// ConfigDir returns the platform-specific config directory.
func ConfigDir() (string, error) {
	switch runtime.GOOS {
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData == "" {
			return "", fmt.Errorf("APPDATA environment variable not set")
		}
		return filepath.Join(appData, "snitcher"), nil
	default: // linux, darwin, etc.
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("getting home directory: %w", err)
		}
		return filepath.Join(home, ".config", "snitcher"), nil
	}
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// DefaultCAPath returns the default CA file path.
func DefaultCAPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "ca.pem"), nil
}

// Load loads configuration from file, with environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	caPath, err := DefaultCAPath()
	if err != nil {
		return nil, fmt.Errorf("getting default CA path: %w", err)
	}
	cfg.CA.Path = caPath

	if path == "" {
		path, err = DefaultConfigPath()
		if err != nil {
			return nil, fmt.Errorf("getting default config path: %w", err)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			if cfg.Auth.Token == "" {
				cfg.Auth.Token, err = generateToken()
				if err != nil {
					return nil, fmt.Errorf("generating auth token: %w", err)
				}
				if err := cfg.Save(path); err != nil {
					return nil, fmt.Errorf("saving config: %w", err)
				}
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyEnvOverrides()

	if cfg.Auth.Token == "" {
		cfg.Auth.Token, err = generateToken()
		if err != nil {
			return nil, fmt.Errorf("generating auth token: %w", err)
		}
		if err := cfg.Save(path); err != nil {
			return nil, fmt.Errorf("saving config: %w", err)
		}
	}

	return cfg, nil
}

// Save writes the config to the specified path with secure permissions.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("SNITCHER_LISTEN"); v != "" {
		c.Proxy.Listen = v
	}
	if v := os.Getenv("SNITCHER_CA_PATH"); v != "" {
		c.CA.Path = v
	}
	if v := os.Getenv("SNITCHER_CA_PASSWORD"); v != "" {
		c.CA.Password = v
	}
	if v := os.Getenv("SNITCHER_AUTH_TOKEN"); v != "" {
		c.Auth.Token = v
	}
}

// generateToken generates a cryptographically random auth token.
func generateToken() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return "snitcher_" + hex.EncodeToString(bytes), nil
}

// ListenAddr returns the listen address, handling host:port vs listen field.
func (c *ProxyConfig) ListenAddr() string {
	if c.Listen != "" {
		return c.Listen
	}
	host := c.Host
	if host == "" {
		host = "localhost"
	}
	port := c.Port
	if port == 0 {
		port = 7865
	}
	return fmt.Sprintf("%s:%d", host, port)
}

// ShouldIntercept reports whether host should be MITM'd. An empty
// InterceptHosts list means all CONNECT hosts are eligible.
func (c *ProxyConfig) ShouldIntercept(host string) bool {
	if !c.InterceptHTTPS {
		return false
	}
	if len(c.InterceptHosts) == 0 {
		return true
	}
	for _, h := range c.InterceptHosts {
		if strings.EqualFold(h, host) {
			return true
		}
	}
	return false
}

// HeaderShouldRedact checks if a header name should be redacted.
func (c *RedactionConfig) HeaderShouldRedact(name string) bool {
	nameLower := strings.ToLower(name)

	for _, h := range c.AlwaysRedactHeaders {
		if strings.ToLower(h) == nameLower {
			return true
		}
	}

	for _, pattern := range c.PatternRedactHeaders {
		pattern = strings.ToLower(pattern)
		pattern = strings.Trim(pattern, "^$")
		if strings.HasPrefix(pattern, "x-") && strings.HasSuffix(pattern, "-token") {
			prefix := strings.TrimSuffix(pattern, "-token")
			if strings.HasPrefix(nameLower, prefix) && strings.HasSuffix(nameLower, "-token") {
				return true
			}
		}
		if strings.HasPrefix(pattern, "x-") && strings.HasSuffix(pattern, "-key") {
			prefix := strings.TrimSuffix(pattern, "-key")
			if strings.HasPrefix(nameLower, prefix) && strings.HasSuffix(nameLower, "-key") {
				return true
			}
		}
	}

	return false
}
