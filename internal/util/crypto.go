package util

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

func HashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}

func ConstantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Fingerprint hashes parts joined by a separator that cannot appear in
// URLs or usernames, for use as a cache key over secrets.
func Fingerprint(parts ...string) string {
	return HashToken(strings.Join(parts, "\x00"))
}

func MaskSecret(s string) string {
	if len(s) <= 4 {
		return "****"
	}
	return s[:4] + "-****"
}
