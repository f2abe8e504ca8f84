package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/bobbyuzda1/g2e-trading-app-sub000/internal/crypto"
	"github.com/bobbyuzda1/g2e-trading-app-sub000/internal/errs"
	"github.com/bobbyuzda1/g2e-trading-app-sub000/internal/model"
)

const (
	fieldRequestSecret = "request_secret"
	oobCallback        = "oob"
)

// OAuth1 is the three-legged OAuth 1.0a adapter. Requests are GETs signed in the Authorization header.
type OAuth1 struct{ flow }

var _ Adapter = (*OAuth1)(nil)

// NewOAuth1 builds an adapter for an oauth1a catalog entry.
func NewOAuth1(cfg BrokerConfig, d Deps) *OAuth1 { return &OAuth1{flow: newFlow(cfg, d)} }

// Protocol reports model.ProtocolOAuth1a.
func (a *OAuth1) Protocol() model.Protocol { return model.ProtocolOAuth1a }

// Initiate fetches a request token and stores its secret under a fresh state.
func (a *OAuth1) Initiate(ctx context.Context, kp model.KeyPair, req FlowRequest) (Initiation, error) {
	ep := a.cfg.Endpoints(kp.IsSandbox)
	st, err := a.newState(req, model.ProtocolOAuth1a)
	if err != nil {
		return Initiation{}, err
	}
	st.IsOOB = ep.OOB

	callback := oobCallback
	if !ep.OOB {
		if callback, err = withQuery(req.RedirectURI, url.Values{"state": {st.State}}); err != nil {
			return Initiation{}, fmt.Errorf("%w: redirect_uri", errs.ErrValidation)
		}
	}

	s := newSigner(string(kp.APIKey), string(kp.APISecret), "", "", a.now)
	resp, err := a.sendIdempotent(ctx, "request_token", func() (*http.Request, error) {
		return a.signedGet(ctx, s, ep.RequestTokenURL, map[string]string{"oauth_callback": callback})
	})
	if err != nil {
		return Initiation{}, err
	}
	if err := a.classify("request_token", resp, errs.ErrCredentialsRequired); err != nil {
		return Initiation{}, err
	}
	vals, err := url.ParseQuery(string(resp.body))
	token, secret := vals.Get("oauth_token"), vals.Get("oauth_token_secret")
	if err != nil || token == "" || secret == "" {
		a.logRejection("request_token", resp)
		return Initiation{}, fmt.Errorf("%w: malformed request token response", errs.ErrBrokerUnavailable)
	}

	st.RequestToken = token
	if st.RequestSecretEnc, err = a.seal(st, fieldRequestSecret, secret); err != nil {
		return Initiation{}, err
	}
	if err := a.states.Save(ctx, st); err != nil {
		return Initiation{}, err
	}

	authURL, err := a.authorizeURL(ep, string(kp.APIKey), token, st.State)
	if err != nil {
		return Initiation{}, err
	}
	return Initiation{
		AuthorizationURL: authURL,
		State:            st.State,
		RequestToken:     token,
		IsOOB:            ep.OOB,
		ExpiresIn:        a.ttl,
	}, nil
}

func (a *OAuth1) authorizeURL(ep Endpoints, consumerKey, token, state string) (string, error) {
	q := url.Values{"state": {state}}
	if a.cfg.AuthorizeStyle == AuthorizeETrade {
		q.Set("key", consumerKey)
		q.Set("token", token)
	} else {
		q.Set("oauth_token", token)
	}
	return withQuery(ep.AuthorizeURL, q)
}

// Complete resolves the flow by state, or by request token when the broker only echoes oauth_token,
// then exchanges the verifier. The exchange is never retried.
func (a *OAuth1) Complete(ctx context.Context, kp model.KeyPair, req CallbackRequest) (Completion, error) {
	p := req.Payload
	var (
		st  model.OAuthState
		err error
	)
	switch {
	case p.State != "":
		st, err = a.states.Consume(ctx, p.State)
	case p.OAuthToken != "":
		st, err = a.states.ConsumeByRequestToken(ctx, req.BrokerID, p.OAuthToken)
	default:
		return Completion{}, fmt.Errorf("%w: no state or oauth_token", errs.ErrInvalidState)
	}
	out, err := a.resolve(st, err, req, model.ProtocolOAuth1a)
	if err != nil {
		return out, err
	}
	if p.OAuthToken != "" && !crypto.Equal(p.OAuthToken, st.RequestToken) {
		return out, fmt.Errorf("%w: oauth_token does not match the flow", errs.ErrInvalidState)
	}
	if p.OAuthVerifier == "" {
		return out, fmt.Errorf("%w: missing verifier", errs.ErrVerifierRejected)
	}
	secret, err := a.open(st, fieldRequestSecret)
	if err != nil {
		return out, err
	}

	ep := a.cfg.Endpoints(kp.IsSandbox)
	s := newSigner(string(kp.APIKey), string(kp.APISecret), st.RequestToken, secret, a.now)
	httpReq, err := a.signedGet(ctx, s, ep.AccessTokenURL, map[string]string{"oauth_verifier": p.OAuthVerifier})
	if err != nil {
		return out, err
	}
	resp, err := a.send(httpReq)
	if err != nil {
		return out, err
	}
	if err := a.classify("access_token", resp, errs.ErrVerifierRejected); err != nil {
		return out, err
	}
	vals, err := url.ParseQuery(string(resp.body))
	token, tokenSecret := vals.Get("oauth_token"), vals.Get("oauth_token_secret")
	if err != nil || token == "" || tokenSecret == "" {
		a.logRejection("access_token", resp)
		return out, fmt.Errorf("%w: malformed access token response", errs.ErrBrokerUnavailable)
	}
	out.Grant = model.AccessGrant{
		AccessToken: model.Secret(token),
		TokenSecret: model.Secret(tokenSecret),
		TokenType:   "oauth1",
	}
	return out, nil
}

// Refresh reactivates an idle access token through the renew endpoint. Without one the grant
// cannot be revived and the caller must reconnect.
func (a *OAuth1) Refresh(ctx context.Context, kp model.KeyPair, grant model.AccessGrant) (model.AccessGrant, error) {
	ep := a.cfg.Endpoints(kp.IsSandbox)
	if ep.RenewURL == "" || grant.AccessToken.Empty() {
		return model.AccessGrant{}, fmt.Errorf("%w: broker has no renewal", errs.ErrReauthRequired)
	}
	if err := a.tokenCall(ctx, kp, grant, "renew", ep.RenewURL); err != nil {
		if errors.Is(err, errs.ErrBrokerUnavailable) || errors.Is(err, errs.ErrReauthRequired) {
			return model.AccessGrant{}, err
		}
		return model.AccessGrant{}, fmt.Errorf("%w: renew failed: %v", errs.ErrReauthRequired, err)
	}
	return grant, nil
}

// Revoke invalidates the access token. Brokers without a revoke endpoint are a no-op.
func (a *OAuth1) Revoke(ctx context.Context, kp model.KeyPair, grant model.AccessGrant) error {
	ep := a.cfg.Endpoints(kp.IsSandbox)
	if ep.RevokeURL == "" || grant.AccessToken.Empty() {
		return nil
	}
	return a.tokenCall(ctx, kp, grant, "revoke", ep.RevokeURL)
}

func (a *OAuth1) tokenCall(ctx context.Context, kp model.KeyPair, grant model.AccessGrant, op, endpoint string) error {
	s := newSigner(string(kp.APIKey), string(kp.APISecret), grant.AccessToken.Reveal(), grant.TokenSecret.Reveal(), a.now)
	resp, err := a.sendIdempotent(ctx, op, func() (*http.Request, error) {
		return a.signedGet(ctx, s, endpoint, nil)
	})
	if err != nil {
		return err
	}
	return a.classify(op, resp, errs.ErrReauthRequired)
}

func (a *OAuth1) signedGet(ctx context.Context, s signer, endpoint string, extra map[string]string) (*http.Request, error) {
	auth, err := s.authorization(http.MethodGet, endpoint, nil, extra)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", auth)
	return req, nil
}

// classify maps a broker status to nil, errs.ErrBrokerUnavailable for 5xx, or rejected otherwise.
func (a *OAuth1) classify(op string, resp brokerResponse, rejected error) error {
	switch {
	case resp.ok():
		return nil
	case resp.status >= 500:
		a.logRejection(op, resp)
		return fmt.Errorf("%w: %s returned %d", errs.ErrBrokerUnavailable, op, resp.status)
	default:
		a.logRejection(op, resp)
		return fmt.Errorf("%w: %s returned %d", rejected, op, resp.status)
	}
}
