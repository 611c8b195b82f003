// Package security provides the cryptographic pieces of the relay:
//
//   - TLS setup (self-signed ECDSA P-384, ACME, or operator certificates)
//   - Platform identity keypair (Ed25519) and the HKDF-derived sealing key
//   - Sealing of unattended access keys (HMAC-SHA-512) before persistence
//   - Access key generation and constant-time comparison
//   - Bearer token middleware for the management API
//
// Go 1.23+ TLS 1.3 negotiates the X25519+ML-KEM-768 hybrid key exchange
// when both peers support it.
package security
