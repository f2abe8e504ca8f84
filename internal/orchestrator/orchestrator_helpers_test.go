package orchestrator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/bobbyuzda1/g2e-trading-app-sub000/internal/crypto"
	"github.com/bobbyuzda1/g2e-trading-app-sub000/internal/limiter"
	"github.com/bobbyuzda1/g2e-trading-app-sub000/internal/model"
	"github.com/bobbyuzda1/g2e-trading-app-sub000/internal/oauth"
	"github.com/bobbyuzda1/g2e-trading-app-sub000/internal/oauth/oauthobs"
	"github.com/bobbyuzda1/g2e-trading-app-sub000/internal/registry"
	"github.com/bobbyuzda1/g2e-trading-app-sub000/internal/repository/memory"
	"github.com/bobbyuzda1/g2e-trading-app-sub000/internal/vault"
)

const callbackURL = "https://app.test/brokers/callback"

// stubBroker plays E*TRADE (OAuth1a) and Alpaca (OAuth2) at once.
type stubBroker struct {
	*httptest.Server
	refreshOK     atomic.Bool
	refreshDown   atomic.Bool // refresh answers 503
	exchangeCalls atomic.Int32
	refreshCalls  atomic.Int32
	revokeCalls   atomic.Int32
	gateRefresh   atomic.Bool // refresh blocks on refreshGate while set
	refreshGate   chan struct{}
	refreshIn     chan struct{}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newStubBroker(t *testing.T) *stubBroker {
	t.Helper()
	sb := &stubBroker{refreshGate: make(chan struct{}), refreshIn: make(chan struct{}, 8)}
	sb.refreshOK.Store(true)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /oauth/request_token", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("oauth_token=OT1&oauth_token_secret=OS1&oauth_callback_confirmed=true"))
	})
	mux.HandleFunc("GET /oauth/access_token", func(w http.ResponseWriter, r *http.Request) {
		sb.exchangeCalls.Add(1)
		if !strings.Contains(r.Header.Get("Authorization"), `oauth_verifier="V1"`) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte("oauth_token=AT1&oauth_token_secret=ATS1"))
	})
	mux.HandleFunc("GET /oauth/revoke_access_token", func(w http.ResponseWriter, r *http.Request) {
		sb.revokeCalls.Add(1)
	})
	mux.HandleFunc("POST /oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		switch r.PostForm.Get("grant_type") {
		case "authorization_code":
			sb.exchangeCalls.Add(1)
			code := r.PostForm.Get("code")
			if !strings.HasPrefix(code, "C") {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"access_token": "A-" + code, "refresh_token": "R1", "token_type": "bearer", "expires_in": 3600,
			})
		case "refresh_token":
			sb.refreshCalls.Add(1)
			if sb.gateRefresh.Load() {
				sb.refreshIn <- struct{}{}
				<-sb.refreshGate
			}
			if sb.refreshDown.Load() {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			if !sb.refreshOK.Load() {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"access_token": "A2", "token_type": "bearer", "expires_in": 3600})
		}
	})
	mux.HandleFunc("POST /oauth2/revoke", func(w http.ResponseWriter, r *http.Request) {
		sb.revokeCalls.Add(1)
	})
	sb.Server = httptest.NewServer(mux)
	t.Cleanup(sb.Close)
	return sb
}

type testEnv struct {
	orch   *OrchestratorImpl
	vault  *vault.VaultImpl
	reg    *registry.RegistryImpl
	states *memory.StateRepo
	broker *stubBroker
	user   uuid.UUID
}

func catalogFor(t *testing.T, base string) *oauth.Catalog {
	t.Helper()
	etrade := oauth.Endpoints{
		RequestTokenURL: base + "/oauth/request_token",
		AuthorizeURL:    base + "/e/t/etws/authorize",
		AccessTokenURL:  base + "/oauth/access_token",
		RevokeURL:       base + "/oauth/revoke_access_token",
	}
	etradeSandbox := etrade
	etradeSandbox.OOB = true
	alpaca := oauth.Endpoints{
		AuthorizeURL: base + "/oauth2/authorize",
		TokenURL:     base + "/oauth2/token",
		RevokeURL:    base + "/oauth2/revoke",
	}
	c, err := oauth.NewCatalog([]oauth.BrokerConfig{
		{ID: model.BrokerETrade, Name: "E*TRADE", Protocol: model.ProtocolOAuth1a, AuthorizeStyle: oauth.AuthorizeETrade,
			Live: etrade, Sandbox: etradeSandbox},
		{ID: model.BrokerAlpaca, Name: "Alpaca", Protocol: model.ProtocolOAuth2, TokenAuthStyle: oauth.TokenAuthParams,
			Scopes: []string{"account:write", "trading"}, Live: alpaca, Sandbox: alpaca},
	})
	require.NoError(t, err)
	return c
}

func newTestEnv(t *testing.T, lim limiter.Limiter, opts Options) *testEnv {
	t.Helper()
	log := zaptest.NewLogger(t)
	master, err := crypto.RandBytes(crypto.KeyLen)
	require.NoError(t, err)
	sealer, err := crypto.NewSealer(master)
	require.NoError(t, err)

	sb := newStubBroker(t)
	states := memory.NewStateRepo()
	reg := registry.NewRegistry(memory.NewConnectionRepo(), sealer, log)
	v := vault.NewVault(memory.NewCredentialRepo(), sealer, reg, log)
	catalog := catalogFor(t, sb.URL)
	deps := oauth.Deps{States: states, Sealer: sealer, Client: &http.Client{Timeout: 5 * time.Second}, StateTTL: 10 * time.Minute, Log: log}
	adapters := map[model.BrokerID]oauth.Adapter{}
	for _, cfg := range catalog.All() {
		a, err := oauth.NewAdapter(cfg, deps)
		require.NoError(t, err)
		adapters[cfg.ID] = oauthobs.Wrap(a, cfg.ID, log)
	}
	return &testEnv{
		orch:   New(catalog, adapters, v, reg, lim, log, opts),
		vault:  v,
		reg:    reg,
		states: states,
		broker: sb,
		user:   uuid.Must(uuid.NewV4()),
	}
}

func (e *testEnv) saveKeys(t *testing.T, broker model.BrokerID, sandbox bool) {
	t.Helper()
	_, err := e.vault.Save(context.Background(), e.user, broker, "K1", "S1", sandbox)
	require.NoError(t, err)
}

// connectAlpaca runs a full OAuth2 flow and returns the active connection.
func (e *testEnv) connectAlpaca(t *testing.T, code string) model.Connection {
	t.Helper()
	ctx := context.Background()
	init, err := e.orch.InitiateConnection(ctx, e.user, model.BrokerAlpaca, callbackURL)
	require.NoError(t, err)
	c, err := e.orch.CompleteCallback(ctx, e.user, model.BrokerAlpaca, callbackURL,
		model.CallbackPayload{State: init.State, Code: code})
	require.NoError(t, err)
	return c
}

// expireGrant moves the stored expiry of c into the past and returns the updated row.
func (e *testEnv) expireGrant(t *testing.T, c model.Connection) model.Connection {
	t.Helper()
	ctx := context.Background()
	_, g, err := e.reg.ActiveGrant(ctx, c.UserID, c.BrokerID)
	require.NoError(t, err)
	past := time.Now().Add(-time.Minute)
	g.ExpiresAt = &past
	row, err := e.reg.UpdateTokens(ctx, c.ID, g)
	require.NoError(t, err)
	return row
}
