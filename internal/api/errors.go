package api

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/fuomag9/oauth-vault/internal/oauth"
)

// APIError is the error body of every failed request.
type APIError struct {
	Code      string `json:"error_code"`
	Message   string `json:"error_message"`
	Retryable bool   `json:"retryable,omitempty"`
	Reauth    bool   `json:"reauthenticate,omitempty"`
}

// Error codes of the HTTP layer itself.
const (
	codeBadRequest   = "BAD_REQUEST"
	codeUnauthorized = "UNAUTHORIZED"
	codeRateLimited  = "RATE_LIMITED"
	codeInternal     = "INTERNAL_ERROR"
	codeUnavailable  = "SERVICE_UNAVAILABLE"
)

var statusByCode = map[oauth.ErrorCode]int{
	oauth.CodeMissingParameter:    http.StatusBadRequest,
	oauth.CodeInvalidConfig:       http.StatusBadRequest,
	oauth.CodeUnsupportedProvider: http.StatusBadRequest,
	oauth.CodeInvalidState:        http.StatusBadRequest,
	oauth.CodeExpiredState:        http.StatusBadRequest,
	oauth.CodeStateAlreadyUsed:    http.StatusConflict,
	oauth.CodeTokenExchangeFailed: http.StatusBadGateway,
	oauth.CodeTokenRefreshFailed:  http.StatusBadGateway,
	oauth.CodeProviderUnavailable: http.StatusServiceUnavailable,
	oauth.CodeTokenStorageFailed:  http.StatusServiceUnavailable,
	oauth.CodeNoCredential:        http.StatusNotFound,
	oauth.CodeMigrationFailed:     http.StatusInternalServerError,
}

// statusFor maps a lifecycle error to its HTTP status. A provider rejecting
// the grant is reported as 401 so clients know to re-authenticate.
func statusFor(oe *oauth.Error) int {
	if oe.NeedsReauth() && oe.Code != oauth.CodeNoCredential {
		return http.StatusUnauthorized
	}
	if status, ok := statusByCode[oe.Code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, APIError{Code: code, Message: message})
}

// writeOAuthError renders err. Provider bodies and wrapped causes are logged,
// never returned to the client.
func writeOAuthError(w http.ResponseWriter, logger *zap.Logger, err error) {
	oe, ok := oauth.AsError(err)
	if !ok {
		logger.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, codeInternal, "Internal server error")
		return
	}

	status := statusFor(oe)
	fields := []zap.Field{
		zap.String("error_code", string(oe.Code)),
		zap.Int("provider_status", oe.Status),
		zap.String("provider_code", oe.ProviderCode),
	}
	if oe.Body != "" {
		fields = append(fields, zap.String("provider_body", oe.Body))
	}
	if oe.Err != nil {
		fields = append(fields, zap.NamedError("cause", oe.Err))
	}
	if status >= 500 {
		logger.Warn(oe.Message, fields...)
	} else {
		logger.Info(oe.Message, fields...)
	}

	writeJSON(w, status, APIError{
		Code:      string(oe.Code),
		Message:   oe.Message,
		Retryable: oe.Retryable(),
		Reauth:    oe.NeedsReauth(),
	})
}
