package util

import (
	"net/url"
	"regexp"
)

var signatureParams = regexp.MustCompile(`(?i)\b(x-amz-signature|x-amz-credential|x-amz-security-token|sig|se|sv)=[^&\s"]+`)

// RedactURL drops credentials and query parameters, which carry signatures on presigned urls.
func RedactURL(s string) string {
	if s == "" {
		return ""
	}
	u, err := url.Parse(s)
	if err != nil {
		return "{redacted}"
	}
	if u.RawQuery != "" {
		u.RawQuery = "{redacted}"
	}
	u.User = nil
	return u.String()
}

// RedactSignatures masks signing parameters embedded in free text such as sdk log lines.
func RedactSignatures(s string) string {
	return signatureParams.ReplaceAllString(s, "$1={redacted}")
}
