package oauth

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fuomag9/oauth-vault/internal/audit"
	"github.com/fuomag9/oauth-vault/internal/lock"
	"github.com/fuomag9/oauth-vault/internal/migration"
	"github.com/fuomag9/oauth-vault/internal/secret"
)

const (
	defaultStoreAttempts = 3
	defaultStoreBackoff  = 200 * time.Millisecond
)

// Manager owns the OAuth2 write path of the vault: authorize, callback,
// refresh, rotation and migration of a connection's tokens.
//
// Refreshes of one connection run inside the configured lock.Guard. With the
// default lock.Noop guard concurrent refreshes race and the last vault write wins.
type Manager struct {
	registry  *Registry
	builder   *URLBuilder
	codec     *StateCodec
	exchanger TokenExchanger
	store     secret.Store
	health    *HealthProjector
	strategy  *migration.Strategy
	resolver  ClientConfigResolver
	nonces    NonceStore
	guard     lock.Guard
	auditor   Auditor
	recorder  Recorder
	logger    *zap.Logger
	now       func() time.Time

	storeAttempts int
	storeBackoff  time.Duration
}

// Option configures a Manager.
type Option func(*Manager)

// WithResolver sets where client registrations come from when a call carries none.
func WithResolver(r ClientConfigResolver) Option {
	return func(m *Manager) { m.resolver = r }
}

// WithNonceStore enables single-use state enforcement.
func WithNonceStore(n NonceStore) Option {
	return func(m *Manager) { m.nonces = n }
}

// WithGuard sets the refresh exclusion policy.
func WithGuard(g lock.Guard) Option {
	return func(m *Manager) {
		if g != nil {
			m.guard = g
		}
	}
}

// WithStrategy sets the vault/legacy read strategy.
func WithStrategy(s *migration.Strategy) Option {
	return func(m *Manager) {
		if s != nil {
			m.strategy = s
		}
	}
}

// WithAuditor sets the audit sink.
func WithAuditor(a Auditor) Option {
	return func(m *Manager) {
		if a != nil {
			m.auditor = a
		}
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(m *Manager) {
		if r != nil {
			m.recorder = r
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithStateTTL sets how long an authorization state stays valid.
func WithStateTTL(ttl time.Duration) Option {
	return func(m *Manager) { m.codec = NewStateCodec(ttl) }
}

// WithStorageRetry sets how often a vault write after a successful exchange is attempted.
func WithStorageRetry(attempts int, backoff time.Duration) Option {
	return func(m *Manager) {
		if attempts > 0 {
			m.storeAttempts = attempts
		}
		if backoff >= 0 {
			m.storeBackoff = backoff
		}
	}
}

// NewManager creates a lifecycle manager.
func NewManager(registry *Registry, exchanger TokenExchanger, store secret.Store, opts ...Option) *Manager {
	m := &Manager{
		registry:      registry,
		builder:       NewURLBuilder(registry),
		codec:         NewStateCodec(DefaultStateTTL),
		exchanger:     exchanger,
		store:         store,
		nonces:        NewMemoryNonceStore(),
		guard:         lock.Noop{},
		auditor:       nopAuditor{},
		recorder:      nopRecorder{},
		logger:        zap.L(),
		now:           time.Now,
		storeAttempts: defaultStoreAttempts,
		storeBackoff:  defaultStoreBackoff,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.Named("oauth")
	if m.strategy == nil {
		m.strategy = migration.VaultOnly(store)
	}
	m.health = NewHealthProjector(store, m.now, m.logger)
	return m
}

// Registry returns the provider registry.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// Health returns the projector bound to the manager's store and clock.
func (m *Manager) Health() *HealthProjector {
	return m.health
}

// ClientConfig returns the resolved client registration for provider.
func (m *Manager) ClientConfig(provider string) (ClientConfig, error) {
	return m.resolve(provider, nil)
}

// resolve merges a call's client config, or the resolver's, with the registry entry.
func (m *Manager) resolve(provider string, cfg *ClientConfig) (ClientConfig, error) {
	p, ok := m.registry.Lookup(provider)
	if !ok {
		return ClientConfig{}, newError(CodeUnsupportedProvider, "unsupported provider: "+provider)
	}
	var c ClientConfig
	switch {
	case cfg != nil:
		c = *cfg
	case m.resolver != nil:
		resolved, err := m.resolver.Resolve(provider)
		if err != nil {
			return ClientConfig{}, err
		}
		c = resolved
	default:
		return ClientConfig{}, newError(CodeInvalidConfig, "no client configuration for provider "+provider)
	}
	return p.resolve(c), nil
}

// AuthorizeResult carries the redirect the user agent must follow.
type AuthorizeResult struct {
	URL       string    `json:"authorizationUrl"`
	State     string    `json:"state"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Authorize starts the authorization-code flow for a connection.
func (m *Manager) Authorize(ctx context.Context, userID, connectionID, provider string, cfg *ClientConfig) (*AuthorizeResult, error) {
	res, err := m.authorize(ctx, userID, connectionID, provider, cfg)
	m.recorder.IncAuthorize(provider, outcome(err))

	details := map[string]interface{}{"provider": provider, "success": err == nil}
	if err != nil {
		details["error_code"] = string(CodeOf(err))
	}
	if userID != "" {
		m.auditor.Record(ctx, audit.Record{
			UserID:     userID,
			Action:     ActionAuthorize,
			ResourceID: connectionID,
			Details:    details,
		})
	}
	return res, err
}

func (m *Manager) authorize(ctx context.Context, userID, connectionID, provider string, cfg *ClientConfig) (*AuthorizeResult, error) {
	if userID == "" || connectionID == "" || provider == "" {
		return nil, newError(CodeMissingParameter, "userId, connectionId and provider are required")
	}
	c, err := m.resolve(provider, cfg)
	if err != nil {
		return nil, err
	}

	nonce, err := NewNonce()
	if err != nil {
		return nil, err
	}
	issued := m.now()
	token, err := m.codec.Encode(AuthorizationState{
		UserID:       userID,
		ConnectionID: connectionID,
		Provider:     provider,
		IssuedAt:     issued.UnixMilli(),
		Nonce:        nonce,
	})
	if err != nil {
		return nil, err
	}

	authURL, err := m.builder.Build(provider, c, token)
	if err != nil {
		return nil, err
	}

	m.logger.Info("authorization started",
		zap.String("user_id", userID),
		zap.String("connection_id", connectionID),
		zap.String("provider", provider))
	return &AuthorizeResult{URL: authURL, State: token, ExpiresAt: issued.Add(m.codec.TTL())}, nil
}

// CallbackResult is the structured outcome of ProcessCallback.
type CallbackResult struct {
	Success         bool            `json:"success"`
	Error           string          `json:"error,omitempty"`
	Code            ErrorCode       `json:"errorCode,omitempty"`
	UserID          string          `json:"-"`
	ConnectionID    string          `json:"connectionId,omitempty"`
	Provider        string          `json:"provider,omitempty"`
	ExpiresAt       *time.Time      `json:"expiresAt,omitempty"`
	HasRefreshToken bool            `json:"hasRefreshToken"`
	Health          *HealthSnapshot `json:"health,omitempty"`

	// Err is the failure behind an unsuccessful result.
	Err error `json:"-"`
}

func failedCallback(err error) CallbackResult {
	res := CallbackResult{Success: false, Error: err.Error(), Err: err}
	if oe, ok := AsError(err); ok {
		res.Code = oe.Code
		res.Error = oe.Message
	}
	return res
}

// ProcessCallback completes the flow started by Authorize. It never panics
// or returns an error value; every failure is described in the result.
// cfg may be nil to use the resolver.
func (m *Manager) ProcessCallback(ctx context.Context, code, stateToken string, cfg *ClientConfig) CallbackResult {
	if stateToken == "" {
		return failedCallback(newError(CodeMissingParameter, "Missing state parameter"))
	}

	state, err := m.codec.Validate(stateToken, m.now())
	if err != nil {
		m.logger.Warn("rejected callback state", zap.String("error_code", string(CodeOf(err))))
		m.recorder.IncCallback("unknown", OutcomeFailure)
		return failedCallback(err)
	}

	res, err := m.processCallback(ctx, state, code, cfg)
	m.recorder.IncCallback(state.Provider, outcome(err))
	if err != nil {
		res = failedCallback(err)
	}
	res.UserID = state.UserID
	res.ConnectionID = state.ConnectionID
	res.Provider = state.Provider

	details := map[string]interface{}{"provider": state.Provider, "success": res.Success}
	if !res.Success {
		details["error_code"] = string(res.Code)
	} else {
		details["has_refresh_token"] = res.HasRefreshToken
	}
	m.auditor.Record(ctx, audit.Record{
		UserID:     state.UserID,
		Action:     ActionCallback,
		ResourceID: state.ConnectionID,
		Details:    details,
	})
	return res
}

func (m *Manager) processCallback(ctx context.Context, state AuthorizationState, code string, cfg *ClientConfig) (CallbackResult, error) {
	if code == "" {
		return CallbackResult{}, newError(CodeMissingParameter, "Missing authorization code")
	}

	fresh, err := m.nonces.Consume(ctx, state.Nonce, m.codec.TTL()+maxStateSkew)
	if err != nil {
		m.logger.Error("failed to consume state nonce", zap.Error(err))
		return CallbackResult{}, &Error{Code: CodeInvalidState, Message: msgInvalidState, Err: err}
	}
	if !fresh {
		m.logger.Warn("state replayed",
			zap.String("user_id", state.UserID),
			zap.String("connection_id", state.ConnectionID))
		return CallbackResult{}, newError(CodeStateAlreadyUsed, msgStateUsed)
	}

	c, err := m.resolve(state.Provider, cfg)
	if err != nil {
		return CallbackResult{}, err
	}

	tokens, err := m.exchanger.ExchangeCode(ctx, code, c)
	if err != nil {
		return CallbackResult{}, err
	}
	if tokens.AccessToken == "" {
		return CallbackResult{}, newError(CodeTokenExchangeFailed, "provider response missing access_token")
	}

	expiresAt := m.expiresAt(tokens)
	reqs := m.tokenRequests(state.UserID, state.ConnectionID, state.Provider, tokens, expiresAt, c.Scope)
	if err := m.storeTokens(ctx, reqs); err != nil {
		return CallbackResult{}, err
	}

	m.logger.Info("connection authorized",
		zap.String("user_id", state.UserID),
		zap.String("connection_id", state.ConnectionID),
		zap.String("provider", state.Provider),
		zap.Bool("has_refresh_token", tokens.RefreshToken != ""))

	snap := m.health.Project(ctx, state.UserID, state.ConnectionID)
	return CallbackResult{
		Success:         true,
		ExpiresAt:       expiresAt,
		HasRefreshToken: tokens.RefreshToken != "",
		Health:          &snap,
	}, nil
}

func (m *Manager) expiresAt(tokens *TokenResponse) *time.Time {
	if tokens.ExpiresIn <= 0 {
		return nil
	}
	at := m.now().Add(time.Duration(tokens.ExpiresIn) * time.Second)
	return &at
}

// tokenRequests builds the vault writes for a token response. The refresh
// secret is only included when the provider issued one.
func (m *Manager) tokenRequests(ownerID, connectionID, provider string, tokens *TokenResponse, expiresAt *time.Time, fallbackScope string) []secret.StoreRequest {
	scope := tokens.Scope
	if scope == "" {
		scope = fallbackScope
	}
	reqs := []secret.StoreRequest{{
		OwnerID: ownerID,
		Name:    secret.AccessTokenName(connectionID),
		Value: secret.Encode(secret.AccessToken{
			Token:     tokens.AccessToken,
			TokenType: tokens.TokenType,
			Scope:     scope,
			Provider:  provider,
		}),
		Type:      secret.TypeOAuth2AccessToken,
		ExpiresAt: expiresAt,
		Rotation: &secret.RotationConfig{
			Enabled:      true,
			IntervalDays: m.registry.RotationIntervalDays(provider),
		},
		ConnectionID: connectionID,
	}}
	if tokens.RefreshToken != "" {
		reqs = append(reqs, secret.StoreRequest{
			OwnerID:      ownerID,
			Name:         secret.RefreshTokenName(connectionID),
			Value:        secret.Encode(secret.RefreshToken{Token: tokens.RefreshToken, Provider: provider}),
			Type:         secret.TypeOAuth2RefreshToken,
			ConnectionID: connectionID,
		})
	}
	return reqs
}

// storeTokens writes reqs as one batch, retrying with linear backoff. The
// tokens were already issued by the provider, so giving up is reported as
// TOKEN_STORAGE_FAILED for the caller to re-drive the flow.
func (m *Manager) storeTokens(ctx context.Context, reqs []secret.StoreRequest) error {
	var lastErr error
	for attempt := 1; attempt <= m.storeAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			lastErr = err
			break
		}
		_, err := m.store.StoreSecrets(ctx, reqs)
		if err == nil {
			return nil
		}
		lastErr = err
		m.logger.Warn("failed to store tokens",
			zap.String("owner_id", reqs[0].OwnerID),
			zap.String("secret", reqs[0].Name),
			zap.Int("attempt", attempt),
			zap.Error(err))

		if attempt < m.storeAttempts && m.storeBackoff > 0 {
			select {
			case <-ctx.Done():
				lastErr = ctx.Err()
				attempt = m.storeAttempts
			case <-time.After(time.Duration(attempt) * m.storeBackoff):
			}
		}
	}
	return &Error{
		Code:    CodeTokenStorageFailed,
		Message: fmt.Sprintf("failed to store tokens after %d attempts", m.storeAttempts),
		Err:     lastErr,
	}
}
