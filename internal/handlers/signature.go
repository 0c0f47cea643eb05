package handlers

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"strings"
)

// SignatureHeader carries the HMAC of the raw webhook body.
const SignatureHeader = "X-Hub-Signature"

// ComputeSignature returns "<algorithm>=<hex digest>" of body. algorithm is
// "sha1" or "sha256"; anything else is treated as sha256.
func ComputeSignature(secret string, body []byte, algorithm string) string {
	var newHash func() hash.Hash
	if algorithm == "sha1" {
		newHash = sha1.New
	} else {
		algorithm = "sha256"
		newHash = sha256.New
	}
	mac := hmac.New(newHash, []byte(secret))
	mac.Write(body)
	return algorithm + "=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks header against the HMAC of body. The algorithm is
// picked from the header prefix (sha256 unless it starts with "sha1="), and
// the header must match the computed value byte for byte.
func VerifySignature(secret string, body []byte, header string) bool {
	if header == "" {
		return false
	}
	algorithm := "sha256"
	if strings.HasPrefix(header, "sha1=") {
		algorithm = "sha1"
	}
	expected := ComputeSignature(secret, body, algorithm)
	return hmac.Equal([]byte(expected), []byte(header))
}
