package oauth

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// DefaultExchangeTimeout bounds every call to a token endpoint.
const DefaultExchangeTimeout = 10 * time.Second

// TokenResponse is the transient result of a grant exchange. It is never
// persisted as-is.
type TokenResponse struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	Scope        string
	ExpiresIn    int64
}

// TokenExchanger performs the two grant exchanges against a token endpoint.
type TokenExchanger interface {
	ExchangeCode(ctx context.Context, code string, cfg ClientConfig) (*TokenResponse, error)
	ExchangeRefreshToken(ctx context.Context, refreshToken string, cfg ClientConfig) (*TokenResponse, error)
}

// ExchangeClient is the x/oauth2 backed TokenExchanger. Credentials are sent
// in the form body.
type ExchangeClient struct {
	httpClient *http.Client
	timeout    time.Duration
	recorder   Recorder
	logger     *zap.Logger
}

var _ TokenExchanger = (*ExchangeClient)(nil)

// ExchangeOption configures an ExchangeClient.
type ExchangeOption func(*ExchangeClient)

// WithHTTPClient sets the client used for token requests.
func WithHTTPClient(c *http.Client) ExchangeOption {
	return func(e *ExchangeClient) { e.httpClient = c }
}

// WithExchangeTimeout overrides DefaultExchangeTimeout.
func WithExchangeTimeout(d time.Duration) ExchangeOption {
	return func(e *ExchangeClient) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithExchangeRecorder reports request latency to r.
func WithExchangeRecorder(r Recorder) ExchangeOption {
	return func(e *ExchangeClient) {
		if r != nil {
			e.recorder = r
		}
	}
}

// WithExchangeLogger sets the logger.
func WithExchangeLogger(l *zap.Logger) ExchangeOption {
	return func(e *ExchangeClient) {
		if l != nil {
			e.logger = l
		}
	}
}

// NewExchangeClient creates an exchange client.
func NewExchangeClient(opts ...ExchangeOption) *ExchangeClient {
	e := &ExchangeClient{
		httpClient: &http.Client{},
		timeout:    DefaultExchangeTimeout,
		recorder:   nopRecorder{},
		logger:     zap.L(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.Named("oauth.exchange")
	return e
}

func (e *ExchangeClient) config(cfg ClientConfig) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURI,
		Endpoint: oauth2.Endpoint{
			AuthURL:   cfg.AuthorizationURL,
			TokenURL:  cfg.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

func (e *ExchangeClient) context(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	return context.WithValue(ctx, oauth2.HTTPClient, e.httpClient), cancel
}

// ExchangeCode redeems an authorization code.
func (e *ExchangeClient) ExchangeCode(ctx context.Context, code string, cfg ClientConfig) (*TokenResponse, error) {
	if code == "" {
		return nil, newError(CodeMissingParameter, "missing authorization code")
	}
	if cfg.TokenURL == "" {
		return nil, newError(CodeInvalidConfig, "missing required config: tokenUrl")
	}

	ctx, cancel := e.context(ctx)
	defer cancel()

	start := time.Now()
	tok, err := e.config(cfg).Exchange(ctx, code)
	e.recorder.ObserveProviderRequest(cfg.Provider, GrantAuthorizationCode, outcome(err), time.Since(start))
	if err != nil {
		return nil, e.classify(err, CodeTokenExchangeFailed, "token exchange failed", cfg.Provider)
	}
	return toResponse(tok, start), nil
}

// ExchangeRefreshToken redeems a refresh token. RefreshToken is empty in the
// result when the provider did not issue a new one.
func (e *ExchangeClient) ExchangeRefreshToken(ctx context.Context, refreshToken string, cfg ClientConfig) (*TokenResponse, error) {
	if refreshToken == "" {
		return nil, newError(CodeMissingParameter, "missing refresh token")
	}
	if cfg.TokenURL == "" {
		return nil, newError(CodeInvalidConfig, "missing required config: tokenUrl")
	}

	ctx, cancel := e.context(ctx)
	defer cancel()

	start := time.Now()
	tok, err := e.config(cfg).TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	e.recorder.ObserveProviderRequest(cfg.Provider, GrantRefreshToken, outcome(err), time.Since(start))
	if err != nil {
		return nil, e.classify(err, CodeTokenRefreshFailed, "token refresh failed", cfg.Provider)
	}

	resp := toResponse(tok, start)
	// x/oauth2 carries the old refresh token forward when none is returned.
	if resp.RefreshToken == refreshToken {
		resp.RefreshToken = ""
	}
	return resp, nil
}

func toResponse(tok *oauth2.Token, issued time.Time) *TokenResponse {
	resp := &TokenResponse{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		ExpiresIn:    tok.ExpiresIn,
	}
	if scope, ok := tok.Extra("scope").(string); ok {
		resp.Scope = scope
	}
	if resp.ExpiresIn == 0 && !tok.Expiry.IsZero() {
		if secs := int64(tok.Expiry.Sub(issued).Round(time.Second) / time.Second); secs > 0 {
			resp.ExpiresIn = secs
		}
	}
	if resp.TokenType == "" {
		resp.TokenType = "Bearer"
	}
	return resp
}

// classify maps transport and provider failures onto *Error. Provider bodies
// are sanitized and the raw x/oauth2 error is not wrapped because its message
// embeds the body verbatim.
func (e *ExchangeClient) classify(err error, code ErrorCode, message, provider string) *Error {
	var rErr *oauth2.RetrieveError
	if errors.As(err, &rErr) {
		out := &Error{
			Code:         code,
			Message:      message,
			Body:         SanitizeBody(string(rErr.Body)),
			ProviderCode: rErr.ErrorCode,
		}
		if rErr.Response != nil {
			out.Status = rErr.Response.StatusCode
		}
		e.logger.Warn("provider rejected grant",
			zap.String("provider", provider),
			zap.Int("status", out.Status),
			zap.String("provider_code", out.ProviderCode),
			zap.String("body", out.Body))
		return out
	}

	if unavailable(err) {
		e.logger.Warn("provider unavailable", zap.String("provider", provider), zap.Error(err))
		return &Error{Code: CodeProviderUnavailable, Message: "provider unavailable", Err: err}
	}

	// Malformed 2xx responses, e.g. a body without access_token.
	e.logger.Warn("provider response unusable", zap.String("provider", provider), zap.Error(err))
	return &Error{Code: code, Message: message, Err: err}
}

func unavailable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}
