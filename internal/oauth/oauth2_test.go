package oauth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobbyuzda1/g2e-trading-app-sub000/internal/errs"
	"github.com/bobbyuzda1/g2e-trading-app-sub000/internal/model"
)

const redirect = "https://app.test/brokers/callback"

func alpacaConfig(base string) BrokerConfig {
	ep := Endpoints{
		AuthorizeURL: base + "/oauth/authorize",
		TokenURL:     base + "/oauth/token",
		RevokeURL:    base + "/oauth/revoke",
	}
	return BrokerConfig{
		ID: model.BrokerAlpaca, Name: "Alpaca", Protocol: model.ProtocolOAuth2,
		Scopes: []string{"account:write", "trading", "data"}, TokenAuthStyle: TokenAuthParams,
		Live: ep, Sandbox: ep,
	}
}

func writeToken(w http.ResponseWriter, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}

// alpacaStub accepts code C1 and refresh token R1.
func alpacaStub(t *testing.T) *stubBroker {
	sb := newStubBroker(t)
	sb.handle("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil || r.PostForm.Get("client_id") != "K1" || r.PostForm.Get("client_secret") != "S1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.PostForm.Get("grant_type") {
		case "authorization_code":
			if r.PostForm.Get("code") != "C1" || r.PostForm.Get("redirect_uri") != redirect {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
				return
			}
			writeToken(w, map[string]any{"access_token": "A1", "refresh_token": "R1", "token_type": "bearer", "expires_in": 3600})
		case "refresh_token":
			if r.PostForm.Get("refresh_token") != "R1" {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
				return
			}
			writeToken(w, map[string]any{"access_token": "A2", "token_type": "bearer", "expires_in": 3600})
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	})
	return sb
}

func TestOAuth2_InitiateAndComplete(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	sb := alpacaStub(t)
	a := NewOAuth2(alpacaConfig(sb.URL), env.deps)
	ctx := context.Background()
	req := flowRequest(model.BrokerAlpaca, redirect)

	init, err := a.Initiate(ctx, keyPair(false), req)
	require.NoError(t, err)
	require.False(t, init.IsOOB)
	u, err := url.Parse(init.AuthorizationURL)
	require.NoError(t, err)
	q := u.Query()
	assert.Equal(t, "K1", q.Get("client_id"))
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, redirect, q.Get("redirect_uri"))
	assert.Equal(t, "account:write trading data", q.Get("scope"))
	assert.Equal(t, init.State, q.Get("state"))
	assert.Empty(t, q.Get("code_challenge"))

	before := time.Now()
	done, err := a.Complete(ctx, keyPair(false), CallbackRequest{
		UserID: req.UserID, BrokerID: model.BrokerAlpaca, RedirectURI: redirect,
		Payload: model.CallbackPayload{State: init.State, Code: "C1"},
	})
	require.NoError(t, err)
	assert.Equal(t, req.ConnectionID, done.ConnectionID)
	assert.Equal(t, "A1", done.Grant.AccessToken.Reveal())
	assert.Equal(t, "R1", done.Grant.RefreshToken.Reveal())
	require.NotNil(t, done.Grant.ExpiresAt)
	assert.WithinDuration(t, before.Add(time.Hour), *done.Grant.ExpiresAt, time.Minute)

	_, err = a.Complete(ctx, keyPair(false), CallbackRequest{
		UserID: req.UserID, BrokerID: model.BrokerAlpaca, RedirectURI: redirect,
		Payload: model.CallbackPayload{State: init.State, Code: "C1"},
	})
	require.ErrorIs(t, err, errs.ErrInvalidState)
	assert.Equal(t, 1, sb.count("/oauth/token"))
}

func TestOAuth2_CompleteFailures(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name     string
		redirect string
		payload  func(state string) model.CallbackPayload
		want     error
		exchange int
	}{
		{"redirect mismatch", "https://evil.test/cb", func(s string) model.CallbackPayload {
			return model.CallbackPayload{State: s, Code: "C1"}
		}, errs.ErrCodeExchange, 0},
		{"user denied", redirect, func(s string) model.CallbackPayload {
			return model.CallbackPayload{State: s, Error: "access_denied"}
		}, errs.ErrCodeExchange, 0},
		{"missing code", redirect, func(s string) model.CallbackPayload {
			return model.CallbackPayload{State: s}
		}, errs.ErrCodeExchange, 0},
		{"code rejected", redirect, func(s string) model.CallbackPayload {
			return model.CallbackPayload{State: s, Code: "USED"}
		}, errs.ErrCodeExchange, 1},
		{"missing state", redirect, func(string) model.CallbackPayload {
			return model.CallbackPayload{Code: "C1"}
		}, errs.ErrInvalidState, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			sb := alpacaStub(t)
			a := NewOAuth2(alpacaConfig(sb.URL), env.deps)
			ctx := context.Background()
			req := flowRequest(model.BrokerAlpaca, redirect)
			init, err := a.Initiate(ctx, keyPair(false), req)
			require.NoError(t, err)

			_, err = a.Complete(ctx, keyPair(false), CallbackRequest{
				UserID: req.UserID, BrokerID: model.BrokerAlpaca, RedirectURI: tc.redirect,
				Payload: tc.payload(init.State),
			})
			require.ErrorIs(t, err, tc.want)
			assert.Equal(t, tc.exchange, sb.count("/oauth/token"))
		})
	}
}

func TestOAuth2_BrokerDownIsUnavailable(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	sb := newStubBroker(t)
	sb.handle("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	a := NewOAuth2(alpacaConfig(sb.URL), env.deps)
	ctx := context.Background()
	req := flowRequest(model.BrokerAlpaca, redirect)
	init, err := a.Initiate(ctx, keyPair(false), req)
	require.NoError(t, err)

	done, err := a.Complete(ctx, keyPair(false), CallbackRequest{
		UserID: req.UserID, BrokerID: model.BrokerAlpaca, RedirectURI: redirect,
		Payload: model.CallbackPayload{State: init.State, Code: "C1"},
	})
	require.ErrorIs(t, err, errs.ErrBrokerUnavailable)
	assert.Equal(t, req.ConnectionID, done.ConnectionID)
	assert.Equal(t, 1, sb.count("/oauth/token"))
}

func TestOAuth2_PKCE(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	sb := newStubBroker(t)
	verifiers := make(chan string, 1)
	sb.handle("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		verifiers <- r.PostForm.Get("code_verifier")
		writeToken(w, map[string]any{"access_token": "A1", "token_type": "bearer"})
	})
	cfg := alpacaConfig(sb.URL)
	cfg.Features = []string{FeaturePKCE}
	a := NewOAuth2(cfg, env.deps)
	ctx := context.Background()
	req := flowRequest(model.BrokerAlpaca, redirect)

	init, err := a.Initiate(ctx, keyPair(false), req)
	require.NoError(t, err)
	u, err := url.Parse(init.AuthorizationURL)
	require.NoError(t, err)
	assert.Equal(t, "S256", u.Query().Get("code_challenge_method"))
	assert.NotEmpty(t, u.Query().Get("code_challenge"))

	done, err := a.Complete(ctx, keyPair(false), CallbackRequest{
		UserID: req.UserID, BrokerID: model.BrokerAlpaca, RedirectURI: redirect,
		Payload: model.CallbackPayload{State: init.State, Code: "C1"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, <-verifiers)
	assert.Nil(t, done.Grant.ExpiresAt)
}

func TestOAuth2_Refresh(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	sb := alpacaStub(t)
	a := NewOAuth2(alpacaConfig(sb.URL), env.deps)
	ctx := context.Background()
	past := time.Now().Add(-time.Minute)

	got, err := a.Refresh(ctx, keyPair(false), model.AccessGrant{AccessToken: "A1", RefreshToken: "R1", ExpiresAt: &past})
	require.NoError(t, err)
	assert.Equal(t, "A2", got.AccessToken.Reveal())
	assert.Equal(t, "R1", got.RefreshToken.Reveal())
	require.NotNil(t, got.ExpiresAt)
	assert.True(t, got.ExpiresAt.After(time.Now()))

	_, err = a.Refresh(ctx, keyPair(false), model.AccessGrant{AccessToken: "A1", RefreshToken: "BAD"})
	require.ErrorIs(t, err, errs.ErrReauthRequired)

	_, err = a.Refresh(ctx, keyPair(false), model.AccessGrant{AccessToken: "A1"})
	require.ErrorIs(t, err, errs.ErrReauthRequired)
}

func TestOAuth2_Refresh_BrokerDownIsNotReauth(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	sb := newStubBroker(t)
	sb.handle("/oauth/token", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	a := NewOAuth2(alpacaConfig(sb.URL), env.deps)

	_, err := a.Refresh(context.Background(), keyPair(false), model.AccessGrant{AccessToken: "A1", RefreshToken: "R1"})
	require.ErrorIs(t, err, errs.ErrBrokerUnavailable)
	require.NotErrorIs(t, err, errs.ErrReauthRequired)
}

func TestOAuth2_Revoke(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	sb := newStubBroker(t)
	tokens := make(chan url.Values, 1)
	sb.handle("/oauth/revoke", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		tokens <- r.PostForm
	})
	a := NewOAuth2(alpacaConfig(sb.URL), env.deps)

	require.NoError(t, a.Revoke(context.Background(), keyPair(false), model.AccessGrant{AccessToken: "A1", RefreshToken: "R1"}))
	form := <-tokens
	assert.Equal(t, "R1", form.Get("token"))
	assert.Equal(t, "refresh_token", form.Get("token_type_hint"))
	assert.Equal(t, "K1", form.Get("client_id"))

	noRevoke := alpacaConfig(sb.URL)
	noRevoke.Live.RevokeURL = ""
	require.NoError(t, NewOAuth2(noRevoke, env.deps).Revoke(context.Background(), keyPair(false), model.AccessGrant{AccessToken: "A1"}))
}
