package security

import (
	"crypto/rand"
	"crypto/subtle"
	"strings"

	"github.com/google/uuid"
)

// Ambiguity-safe alphabet: uppercase + digits, minus O/0/I/1/L.
const keyAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

// AccessKeyLength is the number of symbols in a generated access key.
const AccessKeyLength = 24

// GenerateAccessKey returns a random unattended access key formatted as
// dash-separated groups of four.
func GenerateAccessKey() (string, error) {
	code, err := randomCode(AccessKeyLength)
	if err != nil {
		return "", err
	}
	return formatCode(code), nil
}

// NewUnattendedSessionID returns a fresh identifier for an unattended desktop.
func NewUnattendedSessionID() string {
	return uuid.NewString()
}

// NormalizeAccessKey strips dashes and whitespace and uppercases the key so
// that typed and pasted forms compare equal.
func NormalizeAccessKey(key string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(key), "-", ""))
}

// EqualAccessKeys compares two access keys in constant time after
// normalisation.
func EqualAccessKeys(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(NormalizeAccessKey(a)), []byte(NormalizeAccessKey(b))) == 1
}

func randomCode(length int) (string, error) {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	code := make([]byte, length)
	for i := range b {
		code[i] = keyAlphabet[int(b[i])%len(keyAlphabet)]
	}
	return string(code), nil
}

// formatCode inserts dashes every 4 characters for readability.
func formatCode(code string) string {
	var parts []string
	for i := 0; i < len(code); i += 4 {
		end := i + 4
		if end > len(code) {
			end = len(code)
		}
		parts = append(parts, code[i:end])
	}
	return strings.Join(parts, "-")
}
