package payment

import (
	"crypto/hmac"
	"encoding/hex"
	"hash"
	"strings"
)

func hmacHex(newHash func() hash.Hash, key string, parts ...string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return ""
	}
	mac := hmac.New(newHash, []byte(key))
	for _, p := range parts {
		mac.Write([]byte(p))
	}
	return hex.EncodeToString(mac.Sum(nil))
}

func hmacHexBytes(newHash func() hash.Hash, key string, payload []byte) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return ""
	}
	mac := hmac.New(newHash, []byte(key))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// signatureMatches compares hex digests in constant time. Empty values never match.
func signatureMatches(expected, provided string) bool {
	provided = strings.ToLower(strings.TrimSpace(provided))
	if expected == "" || provided == "" {
		return false
	}
	return hmac.Equal([]byte(expected), []byte(provided))
}

func proofMessage(orderID, paymentID string) string {
	return orderID + "|" + paymentID
}
