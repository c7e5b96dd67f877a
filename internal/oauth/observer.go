package oauth

import (
	"context"
	"time"

	"github.com/fuomag9/oauth-vault/internal/audit"
)

// Outcome labels reported to a Recorder.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Grant types reported to a Recorder.
const (
	GrantAuthorizationCode = "authorization_code"
	GrantRefreshToken      = "refresh_token"
)

// Recorder receives lifecycle measurements.
type Recorder interface {
	ObserveProviderRequest(provider, grant, outcome string, d time.Duration)
	IncAuthorize(provider, outcome string)
	IncCallback(provider, outcome string)
	IncRefresh(provider, outcome string)
	IncRotation(provider, outcome string)
}

type nopRecorder struct{}

func (nopRecorder) ObserveProviderRequest(string, string, string, time.Duration) {}
func (nopRecorder) IncAuthorize(string, string)                                  {}
func (nopRecorder) IncCallback(string, string)                                   {}
func (nopRecorder) IncRefresh(string, string)                                    {}
func (nopRecorder) IncRotation(string, string)                                   {}

// Auditor receives one record per security-relevant operation. Implementations
// must not block the caller on slow sinks.
type Auditor interface {
	Record(ctx context.Context, rec audit.Record)
}

type nopAuditor struct{}

func (nopAuditor) Record(context.Context, audit.Record) {}

// Audit actions emitted by the manager.
const (
	ActionAuthorize  = "oauth2.authorize"
	ActionCallback   = "oauth2.callback"
	ActionRefresh    = "oauth2.refresh"
	ActionRotate     = "oauth2.rotate"
	ActionMigrate    = "oauth2.migrate"
	ActionDisconnect = "oauth2.disconnect"
)

func outcome(err error) string {
	if err != nil {
		return OutcomeFailure
	}
	return OutcomeSuccess
}
