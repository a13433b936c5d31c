// Package webhooks signs outbound notification payloads so receivers can
// check they came from the signature service.
package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
)

const (
	SignatureHeader   = "X-Signature"
	PayloadHashHeader = "X-Payload-SHA256"
)

func PayloadHash(body []byte) string {
	sum := sha256.Sum256(body)
	return "sha256:" + hex.EncodeToString(sum[:])
}

func SignBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// SignRequest sets the signature headers for body on req. With an empty
// secret only the payload hash is attached.
func SignRequest(req *http.Request, secret string, body []byte) {
	req.Header.Set(PayloadHashHeader, PayloadHash(body))
	if secret != "" {
		req.Header.Set(SignatureHeader, SignBody(secret, body))
	}
}

func VerifySignature(secret string, body []byte, signatureHeader string) bool {
	sig := strings.TrimSpace(signatureHeader)
	if sig == "" || secret == "" {
		return false
	}
	if strings.HasPrefix(strings.ToLower(sig), "sha256=") {
		sig = sig[len("sha256="):]
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}
