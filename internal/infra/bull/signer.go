package bull

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"strings"
	"time"
)

// SignInput holds every value that takes part in a request signature.
type SignInput struct {
	Method      string
	Path        string
	ContentType string
	Timestamp   string
	Nonce       string
	Body        string
}

// StringToSign builds the canonical string. Form bodies are appended to the
// path verbatim, so the caller's key order is part of the signature.
func StringToSign(in SignInput) string {
	resource := in.Path
	if strings.HasPrefix(in.ContentType, "application/x-www-form-urlencoded") {
		resource += "?" + in.Body
	}

	var sb strings.Builder
	sb.WriteString(in.Method)
	sb.WriteString("\n*/*\n\n")
	sb.WriteString(in.ContentType)
	sb.WriteString("\n")
	sb.WriteString(in.Timestamp)
	sb.WriteString("\nx-ca-key:")
	sb.WriteString(appKey)
	sb.WriteString("\nx-ca-nonce:")
	sb.WriteString(in.Nonce)
	sb.WriteString("\nx-ca-signaturemethod:")
	sb.WriteString(signatureMethod)
	sb.WriteString("\n")
	sb.WriteString(resource)
	return sb.String()
}

// Sign returns the base64 HMAC-SHA256 of the canonical string.
func Sign(secret []byte, in SignInput) string {
	h := hmac.New(sha256.New, secret)
	h.Write([]byte(StringToSign(in)))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

var utc8 = time.FixedZone("GMT+8", 8*60*60)

func FormatTimestamp(t time.Time) string {
	return t.In(utc8).Format(timestampLayout) + timestampZone
}
