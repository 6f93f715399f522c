package tls

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"
)

const (
	// LeafKeySize is the RSA key size for minted leaf certificates.
	LeafKeySize = 2048

	// LeafValidityDays is how long a minted leaf certificate is valid.
	LeafValidityDays = 365

	// DefaultCacheSize bounds the number of cached leaf certificates.
	DefaultCacheSize = 1000
)

type cacheEntry struct {
	cert *tls.Certificate
}

// CertCache mints and caches per-host leaf certificates signed by a CA.
// Hostnames that share a registrable wildcard parent (e.g. api.example.com
// and cdn.example.com both fall under *.example.com) share one cached leaf.
type CertCache struct {
	ca      *CA
	maxSize int

	mu    sync.Mutex
	cache map[string]*cacheEntry
	order []string
}

// NewCertCache constructs a cache bounded to maxSize entries. A maxSize of
// zero or less uses DefaultCacheSize.
func NewCertCache(ca *CA, maxSize int) *CertCache {
	if maxSize <= 0 {
		maxSize = DefaultCacheSize
	}
	return &CertCache{
		ca:      ca,
		maxSize: maxSize,
		cache:   make(map[string]*cacheEntry),
	}
}

// GetCertificate implements tls.Config.GetCertificate: it resolves the
// requested hostname from SNI (falling back to the connection's local
// address) and returns a cached or freshly minted leaf certificate.
func (c *CertCache) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	host := hello.ServerName
	if host == "" {
		if hello.Conn != nil {
			if addr, ok := hello.Conn.LocalAddr().(*net.TCPAddr); ok {
				host = addr.IP.String()
			}
		}
		if host == "" {
			return nil, fmt.Errorf("certcache: no SNI and no fallback address")
		}
	}

	key := cacheKey(host)

	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.cache[key]; ok {
		c.moveToEnd(key)
		return entry.cert, nil
	}

	// Minting happens under the lock, so concurrent handshakes for the
	// same key never issue two leaves: a waiter finds the first caller's
	// entry above once the lock is released.
	cert, err := c.generateCert(host, key)
	if err != nil {
		return nil, fmt.Errorf("certcache: generating leaf for %s: %w", host, err)
	}

	c.cache[key] = &cacheEntry{cert: cert}
	c.order = append(c.order, key)
	if len(c.order) > c.maxSize {
		c.evictOldest()
	}

	return cert, nil
}

// cacheKey derives the cache key for a hostname. A DNS name with at least
// three labels (host.domain.tld) is folded to its wildcard parent so
// siblings under the same registrable domain share one minted leaf; IP
// addresses and two-label names are cached verbatim.
func cacheKey(host string) string {
	if net.ParseIP(host) != nil {
		return host
	}
	labels := strings.Split(host, ".")
	if len(labels) < 3 {
		return host
	}
	return "*." + strings.Join(labels[1:], ".")
}

func (c *CertCache) generateCert(host, key string) (*tls.Certificate, error) {
	priv, err := rsa.GenerateKey(rand.Reader, LeafKeySize)
	if err != nil {
		return nil, err
	}

	serial, err := generateRandomSerial()
	if err != nil {
		return nil, err
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: host},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().AddDate(0, 0, LeafValidityDays),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}

	if strings.HasPrefix(key, "*.") {
		template.DNSNames = []string{key, key[2:]}
	} else if ip := net.ParseIP(host); ip != nil {
		template.IPAddresses = []net.IP{ip}
	} else {
		template.DNSNames = []string{host}
	}

	if url := c.ca.CRLURL(); url != "" {
		template.CRLDistributionPoints = []string{url}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, c.ca.Certificate(), &priv.PublicKey, c.ca.key)
	if err != nil {
		return nil, err
	}

	cert := &tls.Certificate{
		Certificate: [][]byte{der, c.ca.Certificate().Raw},
		PrivateKey:  priv,
	}
	return cert, nil
}

// moveToEnd marks key as most-recently-used. Caller must hold c.mu.
func (c *CertCache) moveToEnd(key string) {
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			c.order = append(c.order, key)
			return
		}
	}
}

// evictOldest drops the least-recently-used entry. Caller must hold c.mu.
func (c *CertCache) evictOldest() {
	if len(c.order) == 0 {
		return
	}
	oldest := c.order[0]
	c.order = c.order[1:]
	delete(c.cache, oldest)
}

// Size returns the current number of cached entries.
func (c *CertCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.cache)
}

// Clear empties the cache.
func (c *CertCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache = make(map[string]*cacheEntry)
	c.order = nil
}
