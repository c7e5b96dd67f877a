package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fuomag9/oauth-vault/internal/audit"
	"github.com/fuomag9/oauth-vault/internal/secret"
	"github.com/fuomag9/oauth-vault/internal/vault"
)

const testEncryptionKey = "oauth-test-encryption-key-0001"

// fakeProvider is an httptest token endpoint with scripted refresh behavior.
type fakeProvider struct {
	srv *httptest.Server

	codeCalls    int32
	refreshCalls int32

	mu              sync.Mutex
	issueRefresh    bool
	expiresIn       int
	refreshStatus   int
	refreshError    string
	refreshBlock    chan struct{}
	refreshEntered  chan struct{}
	lastRefreshSeen string
}

func newFakeProvider(t *testing.T) *fakeProvider {
	t.Helper()
	p := &fakeProvider{expiresIn: 3600}
	p.srv = httptest.NewServer(http.HandlerFunc(p.handle))
	t.Cleanup(p.srv.Close)
	return p
}

func (p *fakeProvider) handle(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}
	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		atomic.AddInt32(&p.codeCalls, 1)
		if r.PostForm.Get("code") != "code123" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"access_token":  "A",
			"refresh_token": "B",
			"token_type":    "Bearer",
			"expires_in":    3600,
		})
	case "refresh_token":
		n := atomic.AddInt32(&p.refreshCalls, 1)
		p.mu.Lock()
		issue, expiresIn, status, code := p.issueRefresh, p.expiresIn, p.refreshStatus, p.refreshError
		block, entered := p.refreshBlock, p.refreshEntered
		p.lastRefreshSeen = r.PostForm.Get("refresh_token")
		p.mu.Unlock()

		if entered != nil {
			select {
			case entered <- struct{}{}:
			default:
			}
		}
		if block != nil {
			<-block
		}
		if status != 0 {
			writeJSON(w, status, map[string]string{"error": code})
			return
		}
		body := map[string]interface{}{
			"access_token": fmt.Sprintf("A-refreshed-%d", n),
			"token_type":   "Bearer",
		}
		if expiresIn > 0 {
			body["expires_in"] = expiresIn
		}
		if issue {
			body["refresh_token"] = fmt.Sprintf("R-%d", n)
		}
		writeJSON(w, http.StatusOK, body)
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unsupported_grant_type"})
	}
}

func (p *fakeProvider) set(fn func(p *fakeProvider)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(p)
}

func (p *fakeProvider) refreshes() int {
	return int(atomic.LoadInt32(&p.refreshCalls))
}

func (p *fakeProvider) codes() int {
	return int(atomic.LoadInt32(&p.codeCalls))
}

// testClock is a settable time source.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// recordingAuditor keeps every audit record.
type recordingAuditor struct {
	mu      sync.Mutex
	records []audit.Record
}

func (r *recordingAuditor) Record(_ context.Context, rec audit.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
}

func (r *recordingAuditor) count(action string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, rec := range r.records {
		if rec.Action == action {
			n++
		}
	}
	return n
}

func (r *recordingAuditor) actions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec.Action)
	}
	return out
}

// failingStore rejects every batch write.
type failingStore struct {
	secret.Store
	writes int32
}

func (f *failingStore) StoreSecrets(ctx context.Context, reqs []secret.StoreRequest) ([]*secret.Secret, error) {
	atomic.AddInt32(&f.writes, 1)
	return nil, errors.New("database is down")
}

type harness struct {
	t        *testing.T
	provider *fakeProvider
	store    *vault.MemoryStore
	clock    *testClock
	auditor  *recordingAuditor
	manager  *Manager
	registry *Registry
	base     []Option
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	cipher, err := vault.NewCipher(testEncryptionKey)
	require.NoError(t, err)

	h := &harness{
		t:        t,
		provider: newFakeProvider(t),
		store:    vault.NewMemoryStore(cipher),
		clock:    &testClock{t: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)},
		auditor:  &recordingAuditor{},
	}
	h.store.SetClock(h.clock.Now)

	h.registry = NewRegistry(WithTestProvider(h.provider.srv.URL))
	resolver := StaticResolver{
		ProviderTest: {ClientID: "cid", ClientSecret: "csecret", RedirectURI: "https://app.example.com/cb"},
	}
	h.base = []Option{
		WithResolver(resolver),
		WithClock(h.clock.Now),
		WithAuditor(h.auditor),
		WithLogger(zap.NewNop()),
		WithStorageRetry(3, 0),
	}
	h.rebuild(opts...)
	return h
}

// rebuild replaces the manager, keeping the harness store and provider.
func (h *harness) rebuild(opts ...Option) {
	all := append(append([]Option{}, h.base...), opts...)
	h.manager = NewManager(h.registry, NewExchangeClient(WithExchangeLogger(zap.NewNop())), h.store, all...)
}

// authorize runs Authorize and returns the encoded state.
func (h *harness) authorize(userID, connectionID string) string {
	h.t.Helper()
	res, err := h.manager.Authorize(context.Background(), userID, connectionID, ProviderTest, nil)
	require.NoError(h.t, err)
	return res.State
}

// connect runs a full authorize and callback cycle.
func (h *harness) connect(userID, connectionID string) CallbackResult {
	h.t.Helper()
	state := h.authorize(userID, connectionID)
	res := h.manager.ProcessCallback(context.Background(), "code123", state, nil)
	require.True(h.t, res.Success, res.Error)
	return res
}

// seed writes tokens for a connection directly to the vault.
func (h *harness) seed(ownerID, connectionID, access string, expiresAt *time.Time, refresh string) {
	h.t.Helper()
	reqs := h.manager.tokenRequests(ownerID, connectionID, ProviderTest, &TokenResponse{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
	}, expiresAt, "read")
	_, err := h.store.StoreSecrets(context.Background(), reqs)
	require.NoError(h.t, err)
}

func (h *harness) secretValue(ownerID, name string) string {
	h.t.Helper()
	s, err := h.store.GetSecret(context.Background(), ownerID, name)
	require.NoError(h.t, err)
	return s.Value.Value
}

func timePtr(t time.Time) *time.Time {
	return &t
}
