package security

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio/v2"
	"golang.org/x/crypto/hkdf"
)

const sealVersion = "v1."

// Platform holds the relay's Ed25519 identity and a derived symmetric
// key used to seal unattended access keys before they are persisted.
type Platform struct {
	PublicKey  ed25519.PublicKey
	privateKey ed25519.PrivateKey
	sealKey    []byte
}

// Fingerprint returns the SHA-256 hex fingerprint of the platform public key.
func (p *Platform) Fingerprint() string {
	h := sha256.Sum256(p.PublicKey)
	return hex.EncodeToString(h[:])
}

// SealAccessKey binds accessKey to sessionID:
//
//	v1.<hmac_sha512_hex>
//
// The raw key is never stored; only the seal is.
func (p *Platform) SealAccessKey(sessionID, accessKey string) string {
	return sealVersion + hex.EncodeToString(p.mac(sessionID, accessKey))
}

// VerifyAccessKey reports whether accessKey matches a seal produced by
// SealAccessKey for the same session.
func (p *Platform) VerifyAccessKey(sessionID, accessKey, sealed string) bool {
	if !strings.HasPrefix(sealed, sealVersion) {
		return false
	}
	provided, err := hex.DecodeString(sealed[len(sealVersion):])
	if err != nil {
		return false
	}
	return hmac.Equal(provided, p.mac(sessionID, accessKey))
}

func (p *Platform) mac(sessionID, accessKey string) []byte {
	m := hmac.New(sha512.New, p.sealKey)
	m.Write([]byte("access-key:" + sessionID + ":" + accessKey))
	return m.Sum(nil)
}

// platformKeyFile stores the Ed25519 seed as PEM under the data dir.
const platformKeyFile = "platform.key"

// LoadOrCreatePlatform reads the relay's platform key from dataDir,
// creating it on first start. Losing the file invalidates every stored
// unattended binding.
func LoadOrCreatePlatform(dataDir string) (*Platform, error) {
	path := filepath.Join(dataDir, platformKeyFile)
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		seed, err := decodeSeed(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return newPlatform(ed25519.NewKeyFromSeed(seed)), nil
	case errors.Is(err, os.ErrNotExist):
		p, err := NewEphemeralPlatform()
		if err != nil {
			return nil, err
		}
		block := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: p.privateKey.Seed()})
		if err := renameio.WriteFile(path, block, 0o600); err != nil {
			return nil, fmt.Errorf("write platform key: %w", err)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("read platform key: %w", err)
	}
}

// NewEphemeralPlatform returns a platform whose key lives only in memory.
func NewEphemeralPlatform() (*Platform, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return newPlatform(priv), nil
}

func decodeSeed(data []byte) ([]byte, error) {
	block, _ := pem.Decode(data)
	switch {
	case block == nil || block.Type != "PRIVATE KEY":
		return nil, errors.New("not a PEM private key")
	case len(block.Bytes) != ed25519.SeedSize:
		return nil, fmt.Errorf("seed is %d bytes, want %d", len(block.Bytes), ed25519.SeedSize)
	}
	return block.Bytes, nil
}

func newPlatform(priv ed25519.PrivateKey) *Platform {
	sealKey := make([]byte, 64)
	r := hkdf.New(sha512.New, priv.Seed(), []byte("remotecast-access-key-v1"), []byte("unattended-binding"))
	io.ReadFull(r, sealKey) //nolint:errcheck

	return &Platform{
		PublicKey:  priv.Public().(ed25519.PublicKey),
		privateKey: priv,
		sealKey:    sealKey,
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
