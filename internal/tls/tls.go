// Package tls builds the server-side TLS configuration for the control API.
package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Options selects the certificate and protocol floor.
type Options struct {
	CertFile   string
	KeyFile    string
	MinVersion string // "1.2" or "1.3"; empty means 1.2
	// AutoGenerate writes a self-signed localhost certificate to CertFile
	// and KeyFile when neither exists.
	AutoGenerate bool
}

// Enabled reports whether both certificate paths are set.
func (o Options) Enabled() bool { return o.CertFile != "" && o.KeyFile != "" }

// ParseVersion maps a version string to its crypto/tls constant.
func ParseVersion(ver string) (uint16, error) {
	switch strings.TrimPrefix(strings.ToLower(ver), "tls") {
	case "", "default", "1.2":
		return tls.VersionTLS12, nil
	case "1.3":
		return tls.VersionTLS13, nil
	}
	return 0, fmt.Errorf("unsupported TLS version %q", ver)
}

// ServerConfig returns a config that re-reads the key pair on every
// handshake, so rotated certificates are picked up without a restart.
// The pair is loaded once up front so a bad path fails at startup.
func ServerConfig(o Options) (*tls.Config, error) {
	if !o.Enabled() {
		return nil, errors.New("tls: cert_file and key_file are required")
	}
	minVer, err := ParseVersion(o.MinVersion)
	if err != nil {
		return nil, err
	}
	if o.AutoGenerate && !certificatesExist(o.CertFile, o.KeyFile) {
		if err := GenerateSelfSignedCert(CertConfig{
			CommonName:   "localhost",
			Organization: "poolkeeper",
			DNSNames:     []string{"localhost"},
			IPAddresses:  []string{"127.0.0.1", "::1"},
			NotAfter:     time.Now().AddDate(1, 0, 0),
			CertPath:     o.CertFile,
			KeyPath:      o.KeyFile,
		}); err != nil {
			return nil, fmt.Errorf("tls: certificate generation failed: %w", err)
		}
	}
	load := certLoader(o.CertFile, o.KeyFile)
	if _, err := load(nil); err != nil {
		return nil, fmt.Errorf("tls: load key pair: %w", err)
	}
	return &tls.Config{
		GetCertificate: load,
		MinVersion:     minVer,
	}, nil
}

func certLoader(certFile, keyFile string) func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	certFile, keyFile = filepath.Clean(certFile), filepath.Clean(keyFile)
	return func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
		cert, err := os.ReadFile(certFile)
		if err != nil {
			return nil, err
		}
		key, err := os.ReadFile(keyFile)
		if err != nil {
			return nil, err
		}
		pair, err := tls.X509KeyPair(cert, key)
		if err != nil {
			return nil, err
		}
		return &pair, nil
	}
}

func certificatesExist(certPath, keyPath string) bool {
	_, certErr := os.Stat(certPath)
	_, keyErr := os.Stat(keyPath)
	return certErr == nil && keyErr == nil
}
