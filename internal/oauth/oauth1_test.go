package oauth

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobbyuzda1/g2e-trading-app-sub000/internal/errs"
	"github.com/bobbyuzda1/g2e-trading-app-sub000/internal/model"
)

func etradeConfig(base string, oob bool) BrokerConfig {
	ep := Endpoints{
		RequestTokenURL: base + "/oauth/request_token",
		AuthorizeURL:    base + "/e/t/etws/authorize",
		AccessTokenURL:  base + "/oauth/access_token",
		RenewURL:        base + "/oauth/renew_access_token",
		RevokeURL:       base + "/oauth/revoke_access_token",
		OOB:             oob,
	}
	return BrokerConfig{
		ID: model.BrokerETrade, Name: "E*TRADE", Protocol: model.ProtocolOAuth1a,
		AuthorizeStyle: AuthorizeETrade, Live: ep, Sandbox: ep,
	}
}

// etradeStub answers request and access token calls the way E*TRADE does.
func etradeStub(t *testing.T) *stubBroker {
	sb := newStubBroker(t)
	sb.handle("/oauth/request_token", func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if !strings.Contains(auth, `oauth_consumer_key="K1"`) || !strings.Contains(auth, "oauth_callback=") {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte("oauth_token=RT1&oauth_token_secret=RS1&oauth_callback_confirmed=true"))
	})
	sb.handle("/oauth/access_token", func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if !strings.Contains(auth, `oauth_verifier="V1"`) || !strings.Contains(auth, `oauth_token="RT1"`) {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte("oauth_problem=verifier_invalid"))
			return
		}
		_, _ = w.Write([]byte("oauth_token=AT1&oauth_token_secret=ATS1"))
	})
	return sb
}

func TestOAuth1_InitiateAndComplete(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	sb := etradeStub(t)
	a := NewOAuth1(etradeConfig(sb.URL, true), env.deps)
	ctx := context.Background()
	req := flowRequest(model.BrokerETrade, "")

	init, err := a.Initiate(ctx, keyPair(true), req)
	require.NoError(t, err)
	require.True(t, init.IsOOB)
	require.Equal(t, "RT1", init.RequestToken)
	require.NotEmpty(t, init.State)
	require.Equal(t, 10*time.Minute, init.ExpiresIn)

	u, err := url.Parse(init.AuthorizationURL)
	require.NoError(t, err)
	assert.Equal(t, "K1", u.Query().Get("key"))
	assert.Equal(t, "RT1", u.Query().Get("token"))
	assert.Equal(t, init.State, u.Query().Get("state"))

	done, err := a.Complete(ctx, keyPair(true), CallbackRequest{
		UserID: req.UserID, BrokerID: model.BrokerETrade,
		Payload: model.CallbackPayload{State: init.State, OAuthToken: "RT1", OAuthVerifier: "V1"},
	})
	require.NoError(t, err)
	assert.Equal(t, req.ConnectionID, done.ConnectionID)
	assert.Equal(t, "AT1", done.Grant.AccessToken.Reveal())
	assert.Equal(t, "ATS1", done.Grant.TokenSecret.Reveal())
	assert.Nil(t, done.Grant.ExpiresAt)

	_, err = a.Complete(ctx, keyPair(true), CallbackRequest{
		UserID: req.UserID, BrokerID: model.BrokerETrade,
		Payload: model.CallbackPayload{State: init.State, OAuthToken: "RT1", OAuthVerifier: "V1"},
	})
	require.ErrorIs(t, err, errs.ErrInvalidState)
	assert.Equal(t, 1, sb.count("/oauth/access_token"))
}

func TestOAuth1_CallbackURLCarriesState(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	sb := newStubBroker(t)
	callbacks := make(chan string, 1)
	sb.handle("/oauth/request_token", func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		i := strings.Index(auth, `oauth_callback="`)
		rest := auth[i+len(`oauth_callback="`):]
		cb, _ := url.QueryUnescape(rest[:strings.Index(rest, `"`)])
		callbacks <- cb
		_, _ = w.Write([]byte("oauth_token=RT1&oauth_token_secret=RS1"))
	})
	a := NewOAuth1(etradeConfig(sb.URL, false), env.deps)

	init, err := a.Initiate(context.Background(), keyPair(false), flowRequest(model.BrokerETrade, "https://app.test/cb?x=1"))
	require.NoError(t, err)
	require.False(t, init.IsOOB)
	u, err := url.Parse(<-callbacks)
	require.NoError(t, err)
	assert.Equal(t, init.State, u.Query().Get("state"))
	assert.Equal(t, "1", u.Query().Get("x"))
}

func TestOAuth1_CompleteByRequestTokenOnly(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	sb := etradeStub(t)
	a := NewOAuth1(etradeConfig(sb.URL, true), env.deps)
	ctx := context.Background()
	req := flowRequest(model.BrokerETrade, "")

	_, err := a.Initiate(ctx, keyPair(true), req)
	require.NoError(t, err)
	done, err := a.Complete(ctx, keyPair(true), CallbackRequest{
		UserID: req.UserID, BrokerID: model.BrokerETrade,
		Payload: model.CallbackPayload{OAuthToken: "RT1", OAuthVerifier: "V1"},
	})
	require.NoError(t, err)
	assert.Equal(t, req.ConnectionID, done.ConnectionID)
}

func TestOAuth1_CompleteFailures(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("never issued", func(t *testing.T) {
		env := newTestEnv(t)
		a := NewOAuth1(etradeConfig("https://unused.test", true), env.deps)
		done, err := a.Complete(ctx, keyPair(true), CallbackRequest{
			UserID: uuid.Must(uuid.NewV4()), BrokerID: model.BrokerETrade,
			Payload: model.CallbackPayload{State: "forged", OAuthVerifier: "V1"},
		})
		require.ErrorIs(t, err, errs.ErrInvalidState)
		assert.Equal(t, uuid.Nil, done.ConnectionID)
	})

	cases := []struct {
		name    string
		payload func(state string) model.CallbackPayload
		user    func(owner uuid.UUID) uuid.UUID
		advance time.Duration
		want    error
		conn    bool
	}{
		{"token mismatch", func(s string) model.CallbackPayload {
			return model.CallbackPayload{State: s, OAuthToken: "OTHER", OAuthVerifier: "V1"}
		}, nil, 0, errs.ErrInvalidState, true},
		{"missing verifier", func(s string) model.CallbackPayload {
			return model.CallbackPayload{State: s, OAuthToken: "RT1"}
		}, nil, 0, errs.ErrVerifierRejected, true},
		{"verifier denied", func(s string) model.CallbackPayload {
			return model.CallbackPayload{State: s, OAuthToken: "RT1", OAuthVerifier: "BAD"}
		}, nil, 0, errs.ErrVerifierRejected, true},
		{"expired", func(s string) model.CallbackPayload {
			return model.CallbackPayload{State: s, OAuthToken: "RT1", OAuthVerifier: "V1"}
		}, nil, 11 * time.Minute, errs.ErrInvalidState, true},
		{"other user", func(s string) model.CallbackPayload {
			return model.CallbackPayload{State: s, OAuthVerifier: "V1"}
		}, func(uuid.UUID) uuid.UUID { return uuid.Must(uuid.NewV4()) }, 0, errs.ErrInvalidState, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			sb := etradeStub(t)
			a := NewOAuth1(etradeConfig(sb.URL, true), env.deps)
			req := flowRequest(model.BrokerETrade, "")
			init, err := a.Initiate(ctx, keyPair(true), req)
			require.NoError(t, err)
			env.clock.Advance(tc.advance)

			user := req.UserID
			if tc.user != nil {
				user = tc.user(user)
			}
			done, err := a.Complete(ctx, keyPair(true), CallbackRequest{
				UserID: user, BrokerID: model.BrokerETrade, Payload: tc.payload(init.State),
			})
			require.ErrorIs(t, err, tc.want)
			if tc.conn {
				assert.Equal(t, req.ConnectionID, done.ConnectionID)
			} else {
				assert.Equal(t, uuid.Nil, done.ConnectionID)
			}
			assert.LessOrEqual(t, sb.count("/oauth/access_token"), 1)
		})
	}
}

func TestOAuth1_RequestTokenRetriesOnceOn5xx(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	sb := newStubBroker(t)
	var calls atomic.Int32
	sb.handle("/oauth/request_token", func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("oauth_token=RT1&oauth_token_secret=RS1"))
	})
	a := NewOAuth1(etradeConfig(sb.URL, true), env.deps)

	_, err := a.Initiate(context.Background(), keyPair(true), flowRequest(model.BrokerETrade, ""))
	require.NoError(t, err)
	assert.Equal(t, 2, sb.count("/oauth/request_token"))
}

func TestOAuth1_RequestTokenRejected(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	sb := newStubBroker(t)
	sb.handle("/oauth/request_token", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte("oauth_problem=consumer_key_rejected"))
	})
	a := NewOAuth1(etradeConfig(sb.URL, true), env.deps)

	_, err := a.Initiate(context.Background(), keyPair(true), flowRequest(model.BrokerETrade, ""))
	require.ErrorIs(t, err, errs.ErrCredentialsRequired)
	assert.Equal(t, 1, sb.count("/oauth/request_token"))
}

func TestOAuth1_RenewAndRevoke(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	sb := newStubBroker(t)
	var renewOK atomic.Bool
	renewOK.Store(true)
	sb.handle("/oauth/renew_access_token", func(w http.ResponseWriter, r *http.Request) {
		if !renewOK.Load() {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte("Access Token has been renewed"))
	})
	sb.handle("/oauth/revoke_access_token", func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.Header.Get("Authorization"), `oauth_token="AT1"`) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte("Revoked Access Token"))
	})
	a := NewOAuth1(etradeConfig(sb.URL, true), env.deps)
	grant := model.AccessGrant{AccessToken: "AT1", TokenSecret: "ATS1"}
	ctx := context.Background()

	got, err := a.Refresh(ctx, keyPair(true), grant)
	require.NoError(t, err)
	assert.Equal(t, grant, got)

	renewOK.Store(false)
	_, err = a.Refresh(ctx, keyPair(true), grant)
	require.ErrorIs(t, err, errs.ErrReauthRequired)

	require.NoError(t, a.Revoke(ctx, keyPair(true), grant))

	noRenew := etradeConfig(sb.URL, true)
	noRenew.Sandbox.RenewURL = ""
	_, err = NewOAuth1(noRenew, env.deps).Refresh(ctx, keyPair(true), grant)
	require.ErrorIs(t, err, errs.ErrReauthRequired)
}

func TestOAuth1_Renew_BrokerDownIsNotReauth(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	sb := newStubBroker(t)
	sb.handle("/oauth/renew_access_token", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	a := NewOAuth1(etradeConfig(sb.URL, true), env.deps)

	_, err := a.Refresh(context.Background(), keyPair(true), model.AccessGrant{AccessToken: "AT1", TokenSecret: "ATS1"})
	require.ErrorIs(t, err, errs.ErrBrokerUnavailable)
	require.NotErrorIs(t, err, errs.ErrReauthRequired)
}
