package oauth

import (
	"regexp"
	"unicode/utf8"
)

const (
	redacted     = "[REDACTED]"
	maxBodyBytes = 2048
)

// An unterminated JSON value is redacted too: upstream readers may have cut
// the body inside a token.
var (
	jsonSecretField = regexp.MustCompile(`"(access_token|refresh_token|id_token|client_secret|code)"(\s*:\s*)"[^"]*"?`)
	formSecretField = regexp.MustCompile(`(^|[&?\s])(access_token|refresh_token|id_token|client_secret|code)=[^&\s]*`)
)

// SanitizeBody redacts credential values from a provider response body so it
// can be logged or attached to errors. Redaction runs before truncation.
func SanitizeBody(body string) string {
	body = jsonSecretField.ReplaceAllString(body, `"$1"$2"`+redacted+`"`)
	body = formSecretField.ReplaceAllString(body, `$1$2=`+redacted)
	if len(body) > maxBodyBytes {
		cut := maxBodyBytes
		for cut > 0 && !utf8.RuneStart(body[cut]) {
			cut--
		}
		body = body[:cut] + "...(truncated)"
	}
	return body
}
