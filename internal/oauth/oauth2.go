package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/bobbyuzda1/g2e-trading-app-sub000/internal/errs"
	"github.com/bobbyuzda1/g2e-trading-app-sub000/internal/model"
)

const fieldPKCEVerifier = "pkce_verifier"

// OAuth2 is the authorization-code adapter built on golang.org/x/oauth2.
type OAuth2 struct{ flow }

var _ Adapter = (*OAuth2)(nil)

// NewOAuth2 builds an adapter for an oauth2 catalog entry.
func NewOAuth2(cfg BrokerConfig, d Deps) *OAuth2 { return &OAuth2{flow: newFlow(cfg, d)} }

// Protocol reports model.ProtocolOAuth2.
func (a *OAuth2) Protocol() model.Protocol { return model.ProtocolOAuth2 }

// config never auto-detects the auth style: detection resends a failed exchange with the same code.
func (a *OAuth2) config(kp model.KeyPair, redirectURI string) *oauth2.Config {
	ep := a.cfg.Endpoints(kp.IsSandbox)
	style := oauth2.AuthStyleInHeader
	if a.cfg.TokenAuthStyle == TokenAuthParams {
		style = oauth2.AuthStyleInParams
	}
	return &oauth2.Config{
		ClientID:     string(kp.APIKey),
		ClientSecret: string(kp.APISecret),
		Endpoint: oauth2.Endpoint{
			AuthURL:   ep.AuthorizeURL,
			TokenURL:  ep.TokenURL,
			AuthStyle: style,
		},
		RedirectURL: redirectURI,
		Scopes:      a.cfg.Scopes,
	}
}

func (a *OAuth2) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, a.client)
}

// Initiate stores a fresh state and returns the authorize URL.
func (a *OAuth2) Initiate(ctx context.Context, kp model.KeyPair, req FlowRequest) (Initiation, error) {
	st, err := a.newState(req, model.ProtocolOAuth2)
	if err != nil {
		return Initiation{}, err
	}
	var opts []oauth2.AuthCodeOption
	if a.cfg.HasFeature(FeaturePKCE) {
		verifier := oauth2.GenerateVerifier()
		if st.RequestSecretEnc, err = a.seal(st, fieldPKCEVerifier, verifier); err != nil {
			return Initiation{}, err
		}
		opts = append(opts, oauth2.S256ChallengeOption(verifier))
	}
	if err := a.states.Save(ctx, st); err != nil {
		return Initiation{}, err
	}
	return Initiation{
		AuthorizationURL: a.config(kp, req.RedirectURI).AuthCodeURL(st.State, opts...),
		State:            st.State,
		ExpiresIn:        a.ttl,
	}, nil
}

// Complete consumes the state and exchanges the code exactly once.
func (a *OAuth2) Complete(ctx context.Context, kp model.KeyPair, req CallbackRequest) (Completion, error) {
	p := req.Payload
	if p.State == "" {
		return Completion{}, fmt.Errorf("%w: missing state", errs.ErrInvalidState)
	}
	st, err := a.states.Consume(ctx, p.State)
	out, err := a.resolve(st, err, req, model.ProtocolOAuth2)
	if err != nil {
		return out, err
	}
	switch {
	case p.Error != "":
		return out, fmt.Errorf("%w: authorization denied", errs.ErrCodeExchange)
	case p.Code == "":
		return out, fmt.Errorf("%w: missing code", errs.ErrCodeExchange)
	case req.RedirectURI != st.RedirectURI:
		return out, fmt.Errorf("%w: redirect_uri mismatch", errs.ErrCodeExchange)
	}

	var opts []oauth2.AuthCodeOption
	if len(st.RequestSecretEnc) > 0 {
		verifier, err := a.open(st, fieldPKCEVerifier)
		if err != nil {
			return out, err
		}
		opts = append(opts, oauth2.VerifierOption(verifier))
	}
	tok, err := a.config(kp, st.RedirectURI).Exchange(a.clientContext(ctx), p.Code, opts...)
	if err != nil {
		return out, a.translate("exchange", err, errs.ErrCodeExchange)
	}
	out.Grant = grantFromToken(tok, "")
	return out, nil
}

// Refresh trades the refresh token for a new grant. The old refresh token is kept when the broker omits one.
func (a *OAuth2) Refresh(ctx context.Context, kp model.KeyPair, grant model.AccessGrant) (model.AccessGrant, error) {
	if grant.RefreshToken.Empty() {
		return model.AccessGrant{}, fmt.Errorf("%w: no refresh token", errs.ErrReauthRequired)
	}
	stale := &oauth2.Token{RefreshToken: grant.RefreshToken.Reveal(), Expiry: time.Unix(1, 0)}
	tok, err := a.config(kp, "").TokenSource(a.clientContext(ctx), stale).Token()
	if err != nil {
		return model.AccessGrant{}, a.translate("refresh", err, errs.ErrReauthRequired)
	}
	return grantFromToken(tok, grant.RefreshToken), nil
}

// Revoke posts the token to the broker's revocation endpoint (RFC 7009) when one is configured.
func (a *OAuth2) Revoke(ctx context.Context, kp model.KeyPair, grant model.AccessGrant) error {
	ep := a.cfg.Endpoints(kp.IsSandbox)
	if ep.RevokeURL == "" {
		return nil
	}
	token, hint := grant.RefreshToken, "refresh_token"
	if token.Empty() {
		token, hint = grant.AccessToken, "access_token"
	}
	if token.Empty() {
		return nil
	}
	resp, err := a.sendIdempotent(ctx, "revoke", func() (*http.Request, error) {
		form := url.Values{"token": {token.Reveal()}, "token_type_hint": {hint}}
		if a.cfg.TokenAuthStyle == TokenAuthParams {
			form.Set("client_id", string(kp.APIKey))
			form.Set("client_secret", string(kp.APISecret))
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.RevokeURL, strings.NewReader(form.Encode()))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		if a.cfg.TokenAuthStyle != TokenAuthParams {
			req.SetBasicAuth(url.QueryEscape(string(kp.APIKey)), url.QueryEscape(string(kp.APISecret)))
		}
		return req, nil
	})
	if err != nil {
		return err
	}
	if !resp.ok() {
		a.logRejection("revoke", resp)
		return fmt.Errorf("%w: revoke returned %d", errs.ErrBrokerUnavailable, resp.status)
	}
	return nil
}

// translate maps x/oauth2 failures: a token endpoint 4xx is a rejection, anything else is the broker being unavailable.
func (a *OAuth2) translate(op string, err error, rejected error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		status := 0
		if re.Response != nil {
			status = re.Response.StatusCode
		}
		a.logRejection(op, brokerResponse{status: status, body: re.Body})
		if status >= 500 {
			return fmt.Errorf("%w: %s returned %d", errs.ErrBrokerUnavailable, op, status)
		}
		if re.ErrorCode != "" {
			return fmt.Errorf("%w: %s", rejected, re.ErrorCode)
		}
		return fmt.Errorf("%w: %s returned %d", rejected, op, status)
	}
	a.log.Warn("token endpoint unreachable", zap.String("op", op), zap.Error(err))
	return fmt.Errorf("%w: %s", errs.ErrBrokerUnavailable, op)
}

func grantFromToken(tok *oauth2.Token, previousRefresh model.Secret) model.AccessGrant {
	g := model.AccessGrant{
		AccessToken:  model.Secret(tok.AccessToken),
		RefreshToken: model.Secret(tok.RefreshToken),
		TokenType:    tok.Type(),
	}
	if g.RefreshToken.Empty() {
		g.RefreshToken = previousRefresh
	}
	if !tok.Expiry.IsZero() {
		exp := tok.Expiry
		g.ExpiresAt = &exp
	}
	return g
}
