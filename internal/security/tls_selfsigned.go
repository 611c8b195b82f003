package security

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"time"

	"github.com/google/renameio/v2"
)

const (
	relayCAValidity   = 10 * 365 * 24 * time.Hour
	relayCertValidity = 2 * 365 * 24 * time.Hour
)

// issued is one generated certificate with its key.
type issued struct {
	der  []byte
	cert *x509.Certificate
	key  *ecdsa.PrivateKey
}

// issue signs template with parent, or self-signs when parent is nil.
func issue(template *x509.Certificate, parent *issued) (*issued, error) {
	key, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	if err != nil {
		return nil, err
	}
	signer, signerKey := template, crypto.Signer(key)
	if parent != nil {
		signer, signerKey = parent.cert, parent.key
	}
	der, err := x509.CreateCertificate(rand.Reader, template, signer, &key.PublicKey, signerKey)
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	return &issued{der: der, cert: cert, key: key}, nil
}

// generateRelayCerts writes a private CA and a relay certificate signed by
// it. Desktops and viewers trust the relay by pinning ca.crt. The relay
// certificate covers localhost, this host's name and addresses, and names.
func generateRelayCerts(paths *TLSPaths, names []string) error {
	now := time.Now()
	ca, err := issue(&x509.Certificate{
		SerialNumber:          newSerial(),
		Subject:               pkix.Name{Organization: []string{"remotecast"}, CommonName: "remotecast relay CA"},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(relayCAValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            1,
	}, nil)
	if err != nil {
		return fmt.Errorf("issue CA: %w", err)
	}

	dnsNames, ips := relaySANs(names)
	relay, err := issue(&x509.Certificate{
		SerialNumber: newSerial(),
		Subject:      pkix.Name{Organization: []string{"remotecast"}, CommonName: "remotecast relay"},
		DNSNames:     dnsNames,
		IPAddresses:  ips,
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(relayCertValidity),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}, ca)
	if err != nil {
		return fmt.Errorf("issue relay certificate: %w", err)
	}

	keyDER, err := x509.MarshalECPrivateKey(relay.key)
	if err != nil {
		return err
	}
	for _, f := range []struct {
		path, block string
		der         []byte
	}{
		{paths.CACertPath, "CERTIFICATE", ca.der},
		{paths.CertPath, "CERTIFICATE", relay.der},
		{paths.KeyPath, "EC PRIVATE KEY", keyDER},
	} {
		if err := writePEM(f.path, f.block, f.der); err != nil {
			return err
		}
	}
	return nil
}

// relaySANs splits names into DNS names and IPs, adds the local host, and
// drops duplicates.
func relaySANs(names []string) ([]string, []net.IP) {
	candidates := append([]string{"localhost", "127.0.0.1", "::1"}, names...)
	if hostname, err := os.Hostname(); err == nil {
		candidates = append(candidates, hostname)
	}
	for _, ip := range interfaceIPs() {
		candidates = append(candidates, ip.String())
	}

	seen := make(map[string]bool, len(candidates))
	var dnsNames []string
	var ips []net.IP
	for _, name := range candidates {
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		if ip := net.ParseIP(name); ip != nil {
			ips = append(ips, ip)
		} else {
			dnsNames = append(dnsNames, name)
		}
	}
	return dnsNames, ips
}

// interfaceIPs lists non-loopback addresses of interfaces that are up.
func interfaceIPs() []net.IP {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}
	var out []net.IP
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if ipNet, ok := addr.(*net.IPNet); ok && !ipNet.IP.IsLoopback() {
				out = append(out, ipNet.IP)
			}
		}
	}
	return out
}

func writePEM(path, blockType string, data []byte) error {
	return renameio.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: data}), 0o600)
}

func newSerial() *big.Int {
	serial, _ := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	return serial
}
