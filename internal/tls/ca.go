// Package tls provides the MITM certificate authority: loading or
// creating the root CA, and minting/caching per-hostname leaf
// certificates signed by it.
package tls

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/crypto/scrypt"

	"github.com/HakAl/snitcher/internal/snerr"
)

const (
	// CAKeySize is the RSA key size for the root CA.
	CAKeySize = 2048

	// CAValidityYears is the root CA certificate's validity period.
	CAValidityYears = 10

	encryptedKeyPEMType = "SNITCHER ENCRYPTED KEY"
	plainKeyPEMType     = "RSA PRIVATE KEY"
	scryptSaltLen       = 16
	scryptKeyLen        = 32
)

// CA holds the root certificate authority's material.
type CA struct {
	cert    *x509.Certificate
	key     *rsa.PrivateKey
	certPEM []byte
	crlDER  []byte
	crlURL  string
}

// LoadOrCreateCA loads a CA from path (decrypting the private key with
// password if non-empty), or generates and persists a new one if path
// does not exist. An empty path always generates an ephemeral CA.
func LoadOrCreateCA(path, password string) (*CA, error) {
	if path != "" {
		if ca, err := loadCA(path, password); err == nil {
			return ca, nil
		} else if !os.IsNotExist(err) {
			return nil, snerr.NewCAError("load", "", err)
		}
	}

	ca, err := createCA()
	if err != nil {
		return nil, snerr.NewCAError("generate", "", err)
	}

	if path != "" {
		if err := ca.save(path, password); err != nil {
			return nil, snerr.NewCAError("persist", "", err)
		}
	}
	return ca, nil
}

func loadCA(path, password string) (*CA, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var certDER []byte
	var keyDER []byte

	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		switch block.Type {
		case "CERTIFICATE":
			certDER = block.Bytes
		case plainKeyPEMType:
			keyDER = block.Bytes
		case encryptedKeyPEMType:
			keyDER, err = decryptKey(block.Bytes, password)
			if err != nil {
				return nil, fmt.Errorf("decrypting CA key: %w", err)
			}
		}
	}
	if certDER == nil || keyDER == nil {
		return nil, fmt.Errorf("CA file %s missing certificate or key block", path)
	}

	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("parsing CA certificate: %w", err)
	}
	key, err := x509.ParsePKCS1PrivateKey(keyDER)
	if err != nil {
		return nil, fmt.Errorf("parsing CA private key: %w", err)
	}

	return &CA{
		cert:    cert,
		key:     key,
		certPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER}),
	}, nil
}

func createCA() (*CA, error) {
	key, err := rsa.GenerateKey(rand.Reader, CAKeySize)
	if err != nil {
		return nil, fmt.Errorf("generating private key: %w", err)
	}

	serial, err := generateRandomSerial()
	if err != nil {
		return nil, fmt.Errorf("generating serial number: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   "Snitcher Proxy CA",
			Organization: []string{"Snitcher"},
		},
		NotBefore:             time.Now().Add(-24 * time.Hour),
		NotAfter:              time.Now().AddDate(CAValidityYears, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            0,
		MaxPathLenZero:        true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("creating certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("parsing created certificate: %w", err)
	}

	return &CA{
		cert:    cert,
		key:     key,
		certPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER}),
	}, nil
}

// save writes the CA material to path. If password is non-empty the
// private key is sealed with AES-GCM under a scrypt-derived key; the
// certificate is always stored in the clear (it is public material).
func (ca *CA) save(path, password string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating CA directory: %w", err)
	}

	keyDER := x509.MarshalPKCS1PrivateKey(ca.key)

	var keyBlock *pem.Block
	if password == "" {
		keyBlock = &pem.Block{Type: plainKeyPEMType, Bytes: keyDER}
	} else {
		sealed, err := encryptKey(keyDER, password)
		if err != nil {
			return fmt.Errorf("encrypting CA key: %w", err)
		}
		keyBlock = &pem.Block{Type: encryptedKeyPEMType, Bytes: sealed}
	}

	var out []byte
	out = append(out, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: ca.cert.Raw})...)
	out = append(out, pem.EncodeToMemory(keyBlock)...)

	return writeSecureFile(path, out)
}

// encryptKey seals keyDER under a scrypt-derived key, returning
// salt || nonce || ciphertext.
func encryptKey(keyDER []byte, password string) ([]byte, error) {
	salt := make([]byte, scryptSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	derived, err := scrypt.Key([]byte(password), salt, 1<<15, 8, 1, scryptKeyLen)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	ciphertext := gcm.Seal(nil, nonce, keyDER, nil)

	sealed := make([]byte, 0, len(salt)+len(nonce)+len(ciphertext))
	sealed = append(sealed, salt...)
	sealed = append(sealed, nonce...)
	sealed = append(sealed, ciphertext...)
	return sealed, nil
}

func decryptKey(sealed []byte, password string) ([]byte, error) {
	if len(sealed) < scryptSaltLen {
		return nil, fmt.Errorf("sealed key too short")
	}
	salt := sealed[:scryptSaltLen]
	rest := sealed[scryptSaltLen:]

	derived, err := scrypt.Key([]byte(password), salt, 1<<15, 8, 1, scryptKeyLen)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(rest) < gcm.NonceSize() {
		return nil, fmt.Errorf("sealed key missing nonce")
	}
	nonce, ciphertext := rest[:gcm.NonceSize()], rest[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ciphertext, nil)
}

func generateRandomSerial() (*big.Int, error) {
	max := new(big.Int).Lsh(big.NewInt(1), 128)
	serial, err := rand.Int(rand.Reader, max)
	if err != nil {
		return nil, err
	}
	serial.Add(serial, big.NewInt(1))
	return serial, nil
}

// CertPEM returns the CA certificate in PEM form.
func (ca *CA) CertPEM() []byte {
	return ca.certPEM
}

// Certificate returns the parsed root certificate.
func (ca *CA) Certificate() *x509.Certificate {
	return ca.cert
}

// CRLDER returns the most recently generated CRL in DER form.
func (ca *CA) CRLDER() []byte {
	return ca.crlDER
}

// CRLURL returns the URL the CRL is served at, if set.
func (ca *CA) CRLURL() string {
	return ca.crlURL
}

// SetCRLURL sets the CRL distribution point URL and (re)generates the CRL.
func (ca *CA) SetCRLURL(url string) error {
	ca.crlURL = url
	return ca.generateCRL()
}

func (ca *CA) generateCRL() error {
	template := &x509.RevocationList{
		Number:     big.NewInt(1),
		ThisUpdate: time.Now(),
		NextUpdate: time.Now().AddDate(0, 0, 30),
	}
	crlDER, err := x509.CreateRevocationList(rand.Reader, template, ca.cert, ca.key)
	if err != nil {
		return fmt.Errorf("creating CRL: %w", err)
	}
	ca.crlDER = crlDER
	return nil
}

func writeSecureFile(path string, data []byte) error {
	return os.WriteFile(path, data, 0600)
}
