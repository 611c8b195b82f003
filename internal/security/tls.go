package security

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/acme/autocert"
)

// TLSPaths holds the paths to the CA and server certificate files.
type TLSPaths struct {
	CACertPath string
	CertPath   string
	KeyPath    string
}

// TLSMode describes how the relay terminates TLS.
type TLSMode string

const (
	// TLSModeOff disables TLS entirely (development only).
	TLSModeOff TLSMode = "off"
	// TLSModeSelfSigned uses an auto-generated CA and server certificate.
	TLSModeSelfSigned TLSMode = "self-signed"
	// TLSModeACME uses Let's Encrypt automatic certificate management.
	TLSModeACME TLSMode = "acme"
	// TLSModeCustom uses operator-provided certificate and key files.
	TLSModeCustom TLSMode = "custom"
)

// Valid reports whether m is a known mode.
func (m TLSMode) Valid() bool {
	switch m {
	case TLSModeOff, TLSModeSelfSigned, TLSModeACME, TLSModeCustom:
		return true
	}
	return false
}

// TLSOptions selects and parameterises a TLS mode.
type TLSOptions struct {
	Mode     TLSMode
	DataDir  string
	Domains  []string
	CertFile string
	KeyFile  string
}

// TLSResult holds the outcome of TLS setup. ACMEManager is non-nil only in
// ACME mode and must serve HTTP-01 challenges.
type TLSResult struct {
	Config      *tls.Config
	Paths       *TLSPaths
	ACMEManager *autocert.Manager
	Mode        TLSMode
}

// SetupTLS builds the server TLS configuration for opts.Mode. It returns a
// nil result in TLSModeOff.
func SetupTLS(opts TLSOptions) (*TLSResult, error) {
	switch opts.Mode {
	case TLSModeOff, "":
		return nil, nil
	case TLSModeSelfSigned:
		cfg, paths, err := LoadOrGenerateTLS(opts.DataDir, opts.Domains...)
		if err != nil {
			return nil, err
		}
		return &TLSResult{Config: cfg, Paths: paths, Mode: opts.Mode}, nil
	case TLSModeACME:
		manager, cfg, err := NewACMEManager(opts.DataDir, opts.Domains)
		if err != nil {
			return nil, err
		}
		return &TLSResult{Config: cfg, ACMEManager: manager, Mode: opts.Mode}, nil
	case TLSModeCustom:
		cfg, err := LoadCustomTLS(opts.CertFile, opts.KeyFile)
		if err != nil {
			return nil, err
		}
		return &TLSResult{Config: cfg, Mode: opts.Mode}, nil
	default:
		return nil, fmt.Errorf("unknown TLS mode %q", opts.Mode)
	}
}

// LoadOrGenerateTLS loads the relay's self-signed certificates from dataDir,
// generating them on first use with names added to the relay certificate.
func LoadOrGenerateTLS(dataDir string, names ...string) (*tls.Config, *TLSPaths, error) {
	paths := &TLSPaths{
		CACertPath: filepath.Join(dataDir, "ca.crt"),
		CertPath:   filepath.Join(dataDir, "server.crt"),
		KeyPath:    filepath.Join(dataDir, "server.key"),
	}

	if !fileExists(paths.CACertPath) || !fileExists(paths.CertPath) || !fileExists(paths.KeyPath) {
		if err := generateRelayCerts(paths, names); err != nil {
			return nil, nil, fmt.Errorf("generate TLS certs: %w", err)
		}
	}

	cert, err := tls.LoadX509KeyPair(paths.CertPath, paths.KeyPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load TLS keypair: %w", err)
	}

	caCertPEM, err := os.ReadFile(paths.CACertPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load CA cert: %w", err)
	}
	caPool := x509.NewCertPool()
	caPool.AppendCertsFromPEM(caCertPEM)

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientCAs:    caPool,
		MinVersion:   tls.VersionTLS13,
	}, paths, nil
}

// LoadCustomTLS loads operator-provided certificate and key files.
func LoadCustomTLS(certFile, keyFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("load custom TLS keypair: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// ClientTLSConfig trusts the CA at caCertPath in addition to the system
// roots. An empty path yields nil (system defaults).
func ClientTLSConfig(caCertPath string) (*tls.Config, error) {
	if caCertPath == "" {
		return nil, nil
	}
	pemData, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, fmt.Errorf("read CA cert: %w", err)
	}
	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
	}
	if !pool.AppendCertsFromPEM(pemData) {
		return nil, fmt.Errorf("no certificates in %s", caCertPath)
	}
	return &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS13}, nil
}
