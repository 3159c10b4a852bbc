package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// SignPayload computes the hex-encoded HMAC-SHA256 signature of body, as sent
// in the X-Hub-Signature-256 header (without the "sha256=" prefix).
func SignPayload(body []byte, secret []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks an incoming webhook signature header against the
// expected HMAC of the raw body. It returns false for an empty, non-hex, or
// wrong-length signature and uses a constant-time comparison for the match.
// It never panics.
func VerifySignature(body []byte, signatureHeader string, secret string) bool {
	sig := strings.TrimPrefix(signatureHeader, "sha256=")
	if sig == "" {
		return false
	}

	provided, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := mac.Sum(nil)

	if len(provided) != len(expected) {
		return false
	}
	return hmac.Equal(provided, expected)
}
