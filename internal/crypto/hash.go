package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// emailHashDomain namespaces email fingerprints against other sha256 uses
// of the same addresses.
const emailHashDomain = "paycheck-email-v1:"

// HashEmail returns the hex fingerprint licenses are looked up by.
// Addresses are trimmed and lowercased so user-typed variants match.
func HashEmail(email string) string {
	normalized := strings.ToLower(strings.TrimSpace(email))
	sum := sha256.Sum256([]byte(emailHashDomain + normalized))
	return hex.EncodeToString(sum[:])
}

// HashSecret fingerprints API keys, license keys and activation codes for
// storage. Raw credentials are never persisted.
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}
