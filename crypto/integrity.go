package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Hash returns the SHA-256 hex digest of content.
func Hash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// HMAC returns the HMAC-SHA256 hex tag of content under key.
func HMAC(content string, key []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(content))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyHMAC reports whether tag authenticates content under key.
// The comparison is constant-time.
func VerifyHMAC(content string, key []byte, tag string) bool {
	expected, err := hex.DecodeString(tag)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(content))
	return hmac.Equal(mac.Sum(nil), expected)
}
