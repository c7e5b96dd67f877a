package oauth

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode classifies every failure the lifecycle manager reports.
type ErrorCode string

const (
	CodeMissingParameter    ErrorCode = "MISSING_PARAMETER"
	CodeInvalidConfig       ErrorCode = "INVALID_CONFIG"
	CodeUnsupportedProvider ErrorCode = "UNSUPPORTED_PROVIDER"
	CodeInvalidState        ErrorCode = "INVALID_STATE"
	CodeExpiredState        ErrorCode = "EXPIRED_STATE"
	CodeStateAlreadyUsed    ErrorCode = "STATE_ALREADY_USED"
	CodeTokenExchangeFailed ErrorCode = "TOKEN_EXCHANGE_FAILED"
	CodeTokenRefreshFailed  ErrorCode = "TOKEN_REFRESH_FAILED"
	CodeProviderUnavailable ErrorCode = "PROVIDER_UNAVAILABLE"
	CodeTokenStorageFailed  ErrorCode = "TOKEN_STORAGE_FAILED"
	CodeNoCredential        ErrorCode = "NO_CREDENTIAL"
	CodeMigrationFailed     ErrorCode = "MIGRATION_FAILED"
)

// Messages surfaced to callers for state validation failures.
const (
	msgInvalidState = "Invalid state parameter"
	msgExpiredState = "State parameter expired"
	msgStateUsed    = "State parameter already used"
)

// Error is the structured error returned across the package boundary.
// Body is always sanitized before it is attached.
type Error struct {
	Code         ErrorCode
	Message      string
	Status       int
	Body         string
	ProviderCode string
	Err          error
}

func (e *Error) Error() string {
	msg := string(e.Code) + ": " + e.Message
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.ProviderCode != "" {
		msg += " [" + e.ProviderCode + "]"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NeedsReauth reports whether the user has to run the authorize flow again.
func (e *Error) NeedsReauth() bool {
	if e.Code == CodeNoCredential {
		return true
	}
	switch e.ProviderCode {
	case "invalid_grant", "invalid_client", "unauthorized_client":
		return true
	}
	return false
}

// Retryable reports whether the same call may succeed later without user action.
func (e *Error) Retryable() bool {
	switch e.Code {
	case CodeProviderUnavailable, CodeTokenStorageFailed:
		return true
	}
	return e.Status == http.StatusTooManyRequests || e.Status >= 500 ||
		e.ProviderCode == "temporarily_unavailable" || e.ProviderCode == "rate_limited"
}

func newError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// CodeOf extracts the ErrorCode of err, or "" when err is not an *Error.
func CodeOf(err error) ErrorCode {
	var oe *Error
	if errors.As(err, &oe) {
		return oe.Code
	}
	return ""
}

// AsError returns err as *Error when it is one.
func AsError(err error) (*Error, bool) {
	var oe *Error
	if errors.As(err, &oe) {
		return oe, true
	}
	return nil, false
}
