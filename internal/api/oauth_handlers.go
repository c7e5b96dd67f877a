package api

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/fuomag9/oauth-vault/internal/oauth"
)

// OAuthHandler exposes the connection token lifecycle over HTTP.
type OAuthHandler struct {
	manager   *oauth.Manager
	returnURL string
	logger    *zap.Logger
}

// NewOAuthHandler creates the handler. When returnURL is set, browser
// callbacks are redirected there instead of receiving JSON.
func NewOAuthHandler(manager *oauth.Manager, returnURL string, logger *zap.Logger) *OAuthHandler {
	if logger == nil {
		logger = zap.L()
	}
	return &OAuthHandler{manager: manager, returnURL: returnURL, logger: logger.Named("api")}
}

// ProviderInfo is one entry of the provider listing.
type ProviderInfo struct {
	oauth.Provider
	Configured bool `json:"configured"`
}

// HandleListProviders lists supported providers and whether a client is registered for each.
func (h *OAuthHandler) HandleListProviders(w http.ResponseWriter, r *http.Request) {
	providers := h.manager.Registry().Providers()
	out := make([]ProviderInfo, 0, len(providers))
	for _, p := range providers {
		_, err := h.manager.ClientConfig(p.Name)
		out = append(out, ProviderInfo{Provider: p, Configured: err == nil})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"providers": out})
}

// AuthorizeRequest starts the flow for a connection.
type AuthorizeRequest struct {
	Provider string `json:"provider"`
	Scope    string `json:"scope,omitempty"`
}

// HandleAuthorize returns the provider authorization URL for the connection.
func (h *OAuthHandler) HandleAuthorize(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFromContext(r.Context())
	connectionID := chi.URLParam(r, "connectionID")

	var req AuthorizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "Invalid request body")
		return
	}

	var cfg *oauth.ClientConfig
	if scope := strings.TrimSpace(req.Scope); scope != "" {
		c, err := h.manager.ClientConfig(req.Provider)
		if err != nil {
			writeOAuthError(w, h.logger, err)
			return
		}
		c.Scope = scope
		cfg = &c
	}

	res, err := h.manager.Authorize(r.Context(), userID, connectionID, req.Provider, cfg)
	if err != nil {
		writeOAuthError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// HandleCallback completes the flow. The route is public; the state token
// identifies the user and connection.
func (h *OAuthHandler) HandleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if providerErr := q.Get("error"); providerErr != "" {
		h.logger.Info("authorization denied by provider",
			zap.String("error", oauth.SanitizeBody(providerErr)),
			zap.String("description", oauth.SanitizeBody(q.Get("error_description"))))
		h.respondCallback(w, r, http.StatusBadRequest, oauth.CallbackResult{
			Error: "Authorization was denied",
			Code:  codeAuthorizationDenied,
		})
		return
	}

	res := h.manager.ProcessCallback(r.Context(), q.Get("code"), q.Get("state"), nil)
	status := http.StatusOK
	if !res.Success {
		status = http.StatusBadRequest
		if oe, ok := oauth.AsError(res.Err); ok {
			status = statusFor(oe)
		} else if s, ok := statusByCode[res.Code]; ok {
			status = s
		}
	}
	h.respondCallback(w, r, status, res)
}

// codeAuthorizationDenied reports a provider-side denial such as access_denied.
const codeAuthorizationDenied oauth.ErrorCode = "AUTHORIZATION_DENIED"

func (h *OAuthHandler) respondCallback(w http.ResponseWriter, r *http.Request, status int, res oauth.CallbackResult) {
	if h.returnURL == "" || strings.Contains(r.Header.Get("Accept"), "application/json") {
		writeJSON(w, status, res)
		return
	}

	target, err := url.Parse(h.returnURL)
	if err != nil {
		writeJSON(w, status, res)
		return
	}
	v := target.Query()
	if res.Success {
		v.Set("oauth", "success")
	} else {
		v.Set("oauth", "error")
		v.Set("error_code", string(res.Code))
	}
	if res.ConnectionID != "" {
		v.Set("connectionId", res.ConnectionID)
	}
	target.RawQuery = v.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}

func connectionParams(r *http.Request) (string, string) {
	userID, _ := UserIDFromContext(r.Context())
	return userID, chi.URLParam(r, "connectionID")
}

// ConnectionStatus combines the lifecycle state and health of a connection.
type ConnectionStatus struct {
	State  oauth.ConnectionState `json:"state"`
	Health oauth.HealthSnapshot  `json:"health"`
}

// HandleGetConnection reports the connection state and health.
func (h *OAuthHandler) HandleGetConnection(w http.ResponseWriter, r *http.Request) {
	userID, connectionID := connectionParams(r)
	state, err := h.manager.State(r.Context(), userID, connectionID)
	if err != nil {
		h.logger.Warn("failed to derive connection state", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, codeUnavailable, "Connection state unavailable")
		return
	}
	writeJSON(w, http.StatusOK, ConnectionStatus{
		State:  state,
		Health: h.manager.Health().Project(r.Context(), userID, connectionID),
	})
}

// HandleRefresh refreshes the access token now.
func (h *OAuthHandler) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	userID, connectionID := connectionParams(r)
	if err := h.manager.Refresh(r.Context(), userID, connectionID, nil); err != nil {
		writeOAuthError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"health":  h.manager.Health().Project(r.Context(), userID, connectionID),
	})
}

// HandleGetToken returns a usable access token, refreshing an expired one.
func (h *OAuthHandler) HandleGetToken(w http.ResponseWriter, r *http.Request) {
	userID, connectionID := connectionParams(r)
	token, err := h.manager.GetAccessToken(r.Context(), userID, connectionID)
	if err != nil {
		writeOAuthError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"accessToken": token})
}

// HandleCheckRotation reports whether the access token should rotate.
func (h *OAuthHandler) HandleCheckRotation(w http.ResponseWriter, r *http.Request) {
	userID, connectionID := connectionParams(r)
	check, err := h.manager.CheckRotationNeeded(r.Context(), userID, connectionID)
	if err != nil {
		h.logger.Warn("rotation check failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, codeUnavailable, "Rotation check unavailable")
		return
	}
	writeJSON(w, http.StatusOK, check)
}

// HandleRotate rotates the access token.
func (h *OAuthHandler) HandleRotate(w http.ResponseWriter, r *http.Request) {
	userID, connectionID := connectionParams(r)
	res, err := h.manager.Rotate(r.Context(), userID, connectionID, nil)
	if err != nil {
		writeOAuthError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// HandleHealth projects the connection health.
func (h *OAuthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	userID, connectionID := connectionParams(r)
	writeJSON(w, http.StatusOK, h.manager.Health().Project(r.Context(), userID, connectionID))
}

// HandleMigrate copies a legacy credential into the vault.
func (h *OAuthHandler) HandleMigrate(w http.ResponseWriter, r *http.Request) {
	userID, connectionID := connectionParams(r)
	res, err := h.manager.Migrate(r.Context(), userID, connectionID)
	if err != nil {
		writeOAuthError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// LinkRequest names a connection.
type LinkRequest struct {
	ConnectionName string `json:"connectionName"`
}

// HandleLink records a display name on the connection's tokens.
func (h *OAuthHandler) HandleLink(w http.ResponseWriter, r *http.Request) {
	userID, connectionID := connectionParams(r)

	var req LinkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.ConnectionName) == "" {
		writeError(w, http.StatusBadRequest, codeBadRequest, "connectionName is required")
		return
	}

	if err := h.manager.LinkConnection(r.Context(), userID, connectionID, strings.TrimSpace(req.ConnectionName)); err != nil {
		writeOAuthError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleDisconnect deactivates the connection's secrets.
func (h *OAuthHandler) HandleDisconnect(w http.ResponseWriter, r *http.Request) {
	userID, connectionID := connectionParams(r)
	if err := h.manager.Disconnect(r.Context(), userID, connectionID); err != nil {
		writeOAuthError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
