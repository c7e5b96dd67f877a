package oauth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fuomag9/oauth-vault/internal/audit"
	"github.com/fuomag9/oauth-vault/internal/migration"
	"github.com/fuomag9/oauth-vault/internal/secret"
)

func lockKey(ownerID, connectionID string) string {
	return ownerID + "/" + connectionID
}

// Refresh redeems the connection's refresh token and overwrites the access
// token with a new version. The refresh token secret is only rewritten when
// the provider issued a new one. cfg may be nil to use the resolver.
func (m *Manager) Refresh(ctx context.Context, ownerID, connectionID string, cfg *ClientConfig) error {
	if ownerID == "" || connectionID == "" {
		return newError(CodeMissingParameter, "ownerId and connectionId are required")
	}

	run := &refreshRun{m: m, ctx: ctx, ownerID: ownerID, connectionID: connectionID}
	err := m.guard.Do(ctx, lockKey(ownerID, connectionID), func(ctx context.Context) error {
		provider, origin, err := m.refresh(ctx, ownerID, connectionID, cfg)
		run.finish(provider, origin, err)
		return err
	})
	run.settle()
	return err
}

// refreshRun hands the refresh audit record to whoever sees the outcome
// last: the caller once the guard is released, or the guarded call itself
// when the caller stopped waiting first. A run whose call never executed
// records nothing.
type refreshRun struct {
	m                     *Manager
	ctx                   context.Context
	ownerID, connectionID string

	mu        sync.Mutex
	done      bool
	abandoned bool
	provider  string
	origin    migration.Origin
	err       error
}

func (r *refreshRun) finish(provider string, origin migration.Origin, err error) {
	r.mu.Lock()
	r.done, r.provider, r.origin, r.err = true, provider, origin, err
	abandoned := r.abandoned
	r.mu.Unlock()
	if abandoned {
		r.record()
	}
}

func (r *refreshRun) settle() {
	r.mu.Lock()
	done := r.done
	r.abandoned = !done
	r.mu.Unlock()
	if done {
		r.record()
	}
}

func (r *refreshRun) record() {
	details := map[string]interface{}{"provider": r.provider, "success": r.err == nil, "source": string(r.origin)}
	if r.err != nil {
		details["error_code"] = string(CodeOf(r.err))
	}
	r.m.auditor.Record(context.WithoutCancel(r.ctx), audit.Record{
		UserID:     r.ownerID,
		Action:     ActionRefresh,
		ResourceID: r.connectionID,
		Details:    details,
	})
}

func (m *Manager) refresh(ctx context.Context, ownerID, connectionID string, cfg *ClientConfig) (string, migration.Origin, error) {
	rt, origin, err := m.strategy.RefreshToken(ctx, ownerID, connectionID)
	if errors.Is(err, secret.ErrNotFound) {
		m.recorder.IncRefresh("unknown", OutcomeFailure)
		return "", "", newError(CodeNoCredential, "no refresh token available")
	}
	if err != nil {
		m.recorder.IncRefresh("unknown", OutcomeFailure)
		return "", "", &Error{Code: CodeTokenRefreshFailed, Message: "failed to read refresh token", Err: err}
	}

	var prev secret.AccessToken
	if access, _, err := m.strategy.AccessToken(ctx, ownerID, connectionID); err == nil {
		if p, err := access.Payload(); err == nil {
			prev, _ = p.(secret.AccessToken)
		}
	}
	provider := rt.Provider
	if provider == "" {
		provider = prev.Provider
	}

	err = m.refreshWith(ctx, ownerID, connectionID, provider, rt, origin, prev, cfg)
	m.recorder.IncRefresh(provider, outcome(err))
	return provider, origin, err
}

func (m *Manager) refreshWith(ctx context.Context, ownerID, connectionID, provider string, rt secret.RefreshToken, origin migration.Origin, prev secret.AccessToken, cfg *ClientConfig) error {
	c, err := m.resolve(provider, cfg)
	if err != nil {
		return err
	}

	tokens, err := m.exchanger.ExchangeRefreshToken(ctx, rt.Token, c)
	if err != nil {
		if oe, ok := AsError(err); ok && oe.ProviderCode == "invalid_grant" {
			m.invalidateRefreshToken(ctx, ownerID, connectionID, origin)
		}
		return err
	}
	if tokens.AccessToken == "" {
		return newError(CodeTokenRefreshFailed, "provider response missing access_token")
	}

	if tokens.TokenType == "" {
		tokens.TokenType = prev.TokenType
	}
	scope := prev.Scope
	if scope == "" {
		scope = c.Scope
	}
	// A token read from the legacy table is carried into the vault so the
	// connection no longer depends on it.
	if tokens.RefreshToken == "" && origin == migration.OriginLegacy {
		tokens.RefreshToken = rt.Token
	}

	reqs := m.tokenRequests(ownerID, connectionID, provider, tokens, m.expiresAt(tokens), scope)
	if err := m.storeTokens(ctx, reqs); err != nil {
		return err
	}

	m.logger.Info("token refreshed",
		zap.String("owner_id", ownerID),
		zap.String("connection_id", connectionID),
		zap.String("provider", provider),
		zap.String("source", string(origin)),
		zap.Bool("refresh_token_rotated", len(reqs) > 1))
	return nil
}

// invalidateRefreshToken deactivates a refresh token the provider rejected.
// A token read from the legacy table retires the legacy row instead.
func (m *Manager) invalidateRefreshToken(ctx context.Context, ownerID, connectionID string, origin migration.Origin) {
	if origin == migration.OriginLegacy {
		m.retireLegacy(ctx, ownerID, connectionID)
		return
	}
	err := m.store.Deactivate(ctx, ownerID, secret.RefreshTokenName(connectionID))
	if err != nil && !errors.Is(err, secret.ErrNotFound) {
		m.logger.Warn("failed to deactivate rejected refresh token",
			zap.String("owner_id", ownerID),
			zap.String("connection_id", connectionID),
			zap.Error(err))
		return
	}
	m.logger.Info("refresh token invalidated by provider",
		zap.String("owner_id", ownerID),
		zap.String("connection_id", connectionID))
}

// GetAccessToken returns a usable access token. An expired token triggers
// exactly one refresh attempt.
func (m *Manager) GetAccessToken(ctx context.Context, ownerID, connectionID string) (string, error) {
	access, _, err := m.strategy.AccessToken(ctx, ownerID, connectionID)
	if errors.Is(err, secret.ErrNotFound) {
		return "", newError(CodeNoCredential, "no access token stored for connection")
	}
	if err != nil {
		return "", fmt.Errorf("read access token: %w", err)
	}
	if !access.IsExpired(m.now()) {
		return access.Value.Value, nil
	}

	if err := m.Refresh(ctx, ownerID, connectionID, nil); err != nil {
		return "", err
	}

	access, err = m.store.GetSecret(ctx, ownerID, secret.AccessTokenName(connectionID))
	if err != nil {
		return "", newError(CodeNoCredential, "access token missing after refresh")
	}
	if access.IsExpired(m.now()) {
		return "", newError(CodeTokenRefreshFailed, "provider issued an expired access token")
	}
	return access.Value.Value, nil
}

// RotationCheck explains whether a connection's access token should rotate.
type RotationCheck struct {
	NeedsRotation  bool       `json:"needsRotation"`
	Reason         string     `json:"reason"`
	ExpiresAt      *time.Time `json:"expiresAt,omitempty"`
	NextRotationAt *time.Time `json:"nextRotationAt,omitempty"`
}

// Rotation reasons.
const (
	ReasonNoAccessToken   = "no access token found"
	ReasonExpired         = "token expired"
	ReasonScheduled       = "scheduled rotation due"
	ReasonNoRotation      = "no rotation needed"
	rotationWarningWindow = 24 * time.Hour
)

// CheckRotationNeeded reports the first matching reason among hard expiry,
// a passed rotation schedule and expiry within 24 hours.
func (m *Manager) CheckRotationNeeded(ctx context.Context, ownerID, connectionID string) (RotationCheck, error) {
	secrets, err := m.store.GetSecretsForConnection(ctx, ownerID, connectionID)
	if err != nil {
		return RotationCheck{}, fmt.Errorf("read connection secrets: %w", err)
	}
	access := secret.FindByType(secrets, secret.TypeOAuth2AccessToken)
	if access == nil {
		return RotationCheck{Reason: ReasonNoAccessToken}, nil
	}

	now := m.now()
	check := RotationCheck{
		ExpiresAt:      copyTimePtr(access.ExpiresAt),
		NextRotationAt: copyTimePtr(access.NextRotationAt),
	}
	switch {
	case access.IsExpired(now):
		check.NeedsRotation, check.Reason = true, ReasonExpired
	case access.NextRotationAt != nil && !access.NextRotationAt.After(now):
		check.NeedsRotation, check.Reason = true, ReasonScheduled
	case access.ExpiresAt != nil && access.ExpiresAt.Sub(now) <= rotationWarningWindow:
		check.NeedsRotation, check.Reason = true, expiresInReason(access.ExpiresAt.Sub(now))
	default:
		check.Reason = ReasonNoRotation
	}
	return check, nil
}

func expiresInReason(d time.Duration) string {
	hours := int(d.Round(time.Hour) / time.Hour)
	switch {
	case hours > 1:
		return fmt.Sprintf("expires in %d hours", hours)
	case hours == 1:
		return "expires in 1 hour"
	}
	minutes := int((d + time.Minute - 1) / time.Minute)
	if minutes == 1 {
		return "expires in 1 minute"
	}
	return fmt.Sprintf("expires in %d minutes", minutes)
}

// RotationResult describes a completed rotation.
type RotationResult struct {
	Success         bool       `json:"success"`
	PreviousVersion int        `json:"previousVersion"`
	NewVersion      int        `json:"newVersion"`
	RotatedAt       time.Time  `json:"rotatedAt"`
	NextRotationAt  *time.Time `json:"nextRotationAt,omitempty"`
	NewToken        string     `json:"-"`
}

// Rotate refreshes the access token and records the rotation in its history.
// A failure to record history is logged and does not fail the rotation.
func (m *Manager) Rotate(ctx context.Context, ownerID, connectionID string, cfg *ClientConfig) (RotationResult, error) {
	name := secret.AccessTokenName(connectionID)

	prevVersion := 0
	if secrets, err := m.store.GetSecretsForConnection(ctx, ownerID, connectionID); err == nil {
		if access := secret.FindByType(secrets, secret.TypeOAuth2AccessToken); access != nil {
			prevVersion = access.Version
		}
	}

	if err := m.Refresh(ctx, ownerID, connectionID, cfg); err != nil {
		m.recordRotation(ctx, ownerID, connectionID, "", err)
		return RotationResult{}, err
	}

	access, err := m.store.GetSecret(ctx, ownerID, name)
	if err != nil {
		err = &Error{Code: CodeTokenStorageFailed, Message: "access token missing after rotation", Err: err}
		m.recordRotation(ctx, ownerID, connectionID, "", err)
		return RotationResult{}, err
	}
	provider := secret.ProviderOf(access)
	if prevVersion == 0 {
		prevVersion = access.Version - 1
	}

	rotatedAt := m.now().UTC()
	next := rotatedAt.AddDate(0, 0, m.registry.RotationIntervalDays(provider))
	res := RotationResult{
		Success:         true,
		PreviousVersion: prevVersion,
		NewVersion:      access.Version,
		RotatedAt:       rotatedAt,
		NextRotationAt:  &next,
		NewToken:        access.Value.Value,
	}

	_, err = m.store.RecordRotation(ctx, ownerID, name, secret.RotationEntry{
		RotatedAt:       rotatedAt,
		PreviousVersion: prevVersion,
		NewVersion:      access.Version,
		Method:          secret.RotationMethodOAuth2Refresh,
	}, &next)
	if err != nil {
		m.logger.Warn("failed to record rotation history",
			zap.String("owner_id", ownerID),
			zap.String("connection_id", connectionID),
			zap.Error(err))
	}

	m.recordRotation(ctx, ownerID, connectionID, provider, nil)
	return res, nil
}

func (m *Manager) recordRotation(ctx context.Context, ownerID, connectionID, provider string, err error) {
	label := provider
	if label == "" {
		label = "unknown"
	}
	m.recorder.IncRotation(label, outcome(err))

	details := map[string]interface{}{"success": err == nil, "method": secret.RotationMethodOAuth2Refresh}
	if provider != "" {
		details["provider"] = provider
	}
	if err != nil {
		details["error_code"] = string(CodeOf(err))
	}
	m.auditor.Record(ctx, audit.Record{
		UserID:     ownerID,
		Action:     ActionRotate,
		ResourceID: connectionID,
		Details:    details,
	})
}
