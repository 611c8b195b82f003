package security

import (
	"crypto/tls"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"golang.org/x/crypto/acme/autocert"
)

// acmeCacheDir holds issued certificates under the relay data dir.
const acmeCacheDir = "acme-certs"

// NewACMEManager returns an autocert manager restricted to domains and the
// TLS config that serves its certificates.
func NewACMEManager(dataDir string, domains []string) (*autocert.Manager, *tls.Config, error) {
	if len(domains) == 0 {
		return nil, nil, fmt.Errorf("acme mode requires at least one domain")
	}
	cache := filepath.Join(dataDir, acmeCacheDir)
	if err := os.MkdirAll(cache, 0o700); err != nil {
		return nil, nil, fmt.Errorf("create acme cache: %w", err)
	}

	manager := &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(domains...),
		Cache:      autocert.DirCache(cache),
	}
	cfg := manager.TLSConfig()
	cfg.MinVersion = tls.VersionTLS13
	return manager, cfg, nil
}

// ChallengeHandler wraps fallback with the HTTP-01 responder in ACME mode.
// A nil fallback redirects to HTTPS.
func (r *TLSResult) ChallengeHandler(fallback http.Handler) http.Handler {
	if r == nil || r.ACMEManager == nil {
		return fallback
	}
	return r.ACMEManager.HTTPHandler(fallback)
}
