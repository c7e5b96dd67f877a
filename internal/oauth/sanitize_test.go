package oauth

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeBody(t *testing.T) {
	cases := []struct {
		name    string
		in      string
		want    string
		secrets []string
	}{
		{
			name:    "json",
			in:      `{"error":"invalid_grant","refresh_token": "r-secret","error_code":"x"}`,
			want:    `{"error":"invalid_grant","refresh_token": "[REDACTED]","error_code":"x"}`,
			secrets: []string{"r-secret"},
		},
		{
			name:    "form",
			in:      "error=bad&access_token=a-secret&code=c-secret",
			want:    "error=bad&access_token=[REDACTED]&code=[REDACTED]",
			secrets: []string{"a-secret", "c-secret"},
		},
		{
			name: "plain",
			in:   "upstream timeout",
			want: "upstream timeout",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := SanitizeBody(tc.in)
			assert.Equal(t, tc.want, got)
			for _, s := range tc.secrets {
				assert.NotContains(t, got, s)
			}
		})
	}
}

func TestSanitizeBody_Truncates(t *testing.T) {
	got := SanitizeBody(strings.Repeat("x", 5000))
	assert.Less(t, len(got), 2100)
	assert.True(t, strings.HasSuffix(got, "(truncated)"))
}

func TestSanitizeBody_TokenAcrossTruncationPoint(t *testing.T) {
	body := strings.Repeat("x", maxBodyBytes-18) + `{"access_token":"SECRETTOKENVALUE0123456789"}`
	got := SanitizeBody(body)
	assert.NotContains(t, got, "SECRETTOKE")
	assert.True(t, strings.HasSuffix(got, "(truncated)"))
}

func TestSanitizeBody_UnterminatedValue(t *testing.T) {
	got := SanitizeBody(`{"error":"server_error","refresh_token":"r-secret-cut-off`)
	assert.NotContains(t, got, "r-secret")
	assert.Contains(t, got, redacted)
}

func TestSanitizeBody_TruncatesOnRuneBoundary(t *testing.T) {
	body := strings.Repeat("x", maxBodyBytes-1) + strings.Repeat("é", 10)
	got := SanitizeBody(body)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, strings.Repeat("x", maxBodyBytes-1)+"...(truncated)", got)
}
