package httpserver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/bobbyuzda1/g2e-trading-app-sub000/internal/model"
	"github.com/bobbyuzda1/g2e-trading-app-sub000/internal/oauth"
	"github.com/bobbyuzda1/g2e-trading-app-sub000/internal/orchestrator"
	"github.com/bobbyuzda1/g2e-trading-app-sub000/internal/vault"
)

var signKey = []byte("test-signing-key")

type fakeVault struct {
	mu      sync.Mutex
	saved   map[model.BrokerID]model.CredentialView
	saveErr error
	delErr  error
}

var _ vault.Vault = (*fakeVault)(nil)

func (f *fakeVault) Save(_ context.Context, _ uuid.UUID, b model.BrokerID, key, _ string, sandbox bool) (model.CredentialView, error) {
	if f.saveErr != nil {
		return model.CredentialView{}, f.saveErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	v := model.CredentialView{BrokerID: b, HasCredentials: true, IsSandbox: sandbox, APIKeyHint: model.MaskKey(key)}
	if f.saved == nil {
		f.saved = map[model.BrokerID]model.CredentialView{}
	}
	f.saved[b] = v
	return v, nil
}
func (f *fakeVault) Get(context.Context, uuid.UUID, model.BrokerID) (*model.Credential, error) {
	return nil, nil
}
func (f *fakeVault) WithKeyPair(context.Context, uuid.UUID, model.BrokerID, func(model.KeyPair) error) error {
	return nil
}
func (f *fakeVault) Delete(context.Context, uuid.UUID, model.BrokerID) error { return f.delErr }
func (f *fakeVault) List(context.Context, uuid.UUID) ([]model.CredentialView, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.CredentialView
	for _, v := range f.saved {
		out = append(out, v)
	}
	return out, nil
}

type fakeOrch struct {
	mu          sync.Mutex
	lastUser    uuid.UUID
	lastBroker  model.BrokerID
	lastRedir   string
	lastPayload model.CallbackPayload
	conn        model.Connection
	err         error
	panicOn     string
}

var _ orchestrator.Orchestrator = (*fakeOrch)(nil)

func (f *fakeOrch) record(user uuid.UUID, broker model.BrokerID, redirect string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastUser, f.lastBroker, f.lastRedir = user, broker, redirect
}

func (f *fakeOrch) InitiateConnection(_ context.Context, u uuid.UUID, b model.BrokerID, redirect string) (oauth.Initiation, error) {
	f.record(u, b, redirect)
	if f.err != nil {
		return oauth.Initiation{}, f.err
	}
	return oauth.Initiation{AuthorizationURL: "https://broker.test/authorize?state=S1", State: "S1", ExpiresIn: 10 * time.Minute}, nil
}
func (f *fakeOrch) CompleteCallback(_ context.Context, u uuid.UUID, b model.BrokerID, redirect string, p model.CallbackPayload) (model.Connection, error) {
	f.record(u, b, redirect)
	f.mu.Lock()
	f.lastPayload = p
	f.mu.Unlock()
	return f.conn, f.err
}
func (f *fakeOrch) Disconnect(_ context.Context, u, _ uuid.UUID) (model.Connection, error) {
	f.record(u, "", "")
	return f.conn, f.err
}
func (f *fakeOrch) GetUsableAccessGrant(context.Context, uuid.UUID, model.BrokerID) (model.AccessGrant, error) {
	return model.AccessGrant{}, f.err
}
func (f *fakeOrch) ReportAuthFailure(context.Context, uuid.UUID, model.BrokerID) (model.AccessGrant, error) {
	return model.AccessGrant{}, f.err
}
func (f *fakeOrch) ListConnections(_ context.Context, u uuid.UUID) ([]model.Connection, error) {
	if f.panicOn == "list" {
		panic("boom")
	}
	f.record(u, "", "")
	return []model.Connection{f.conn}, f.err
}
func (f *fakeOrch) GetConnection(_ context.Context, u, _ uuid.UUID) (*model.Connection, error) {
	f.record(u, "", "")
	if f.err != nil {
		return nil, f.err
	}
	c := f.conn
	return &c, nil
}
func (f *fakeOrch) History(context.Context, uuid.UUID, uuid.UUID) ([]model.StatusTransition, error) {
	return []model.StatusTransition{{To: model.StatusPending, Reason: "created", At: time.Unix(0, 0)}}, f.err
}
func (f *fakeOrch) SupportedBrokers() []orchestrator.SupportedBroker {
	return []orchestrator.SupportedBroker{{ID: model.BrokerAlpaca, Name: "Alpaca", Protocol: model.ProtocolOAuth2, Connectable: true}}
}

type apiEnv struct {
	srv   *httptest.Server
	vault *fakeVault
	orch  *fakeOrch
	user  uuid.UUID
	token string
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()
	e := &apiEnv{vault: &fakeVault{}, orch: &fakeOrch{}, user: uuid.Must(uuid.NewV4())}
	e.orch.conn = model.Connection{ID: uuid.Must(uuid.NewV4()), UserID: e.user, BrokerID: model.BrokerAlpaca, Status: model.StatusActive,
		AccessTokenEnc: []byte("sealed")}
	tok, _, err := IssueToken(signKey, e.user, time.Hour)
	require.NoError(t, err)
	e.token = tok
	e.srv = httptest.NewServer(New(e.vault, e.orch, signKey, zaptest.NewLogger(t)).Handler())
	t.Cleanup(e.srv.Close)
	return e
}

// do sends an authenticated request and decodes a JSON response into out when non-nil.
func (e *apiEnv) do(t *testing.T, method, path, body string, out any) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+e.token)
	resp, err := e.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}
