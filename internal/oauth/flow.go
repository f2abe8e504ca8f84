package oauth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/bobbyuzda1/g2e-trading-app-sub000/internal/crypto"
	"github.com/bobbyuzda1/g2e-trading-app-sub000/internal/errs"
	"github.com/bobbyuzda1/g2e-trading-app-sub000/internal/model"
	"github.com/bobbyuzda1/g2e-trading-app-sub000/internal/repository"
)

const (
	maxBrokerBody = 64 << 10
	maxLoggedBody = 512
	stateBytes    = 24
)

// Deps are shared by both adapter families.
type Deps struct {
	States   repository.StateRepository
	Sealer   *crypto.Sealer
	Client   *http.Client // carries the per-request timeout
	StateTTL time.Duration
	Log      *zap.Logger
	Now      func() time.Time
}

// flow holds what both variants need to persist and resolve states and to talk to brokers.
type flow struct {
	cfg    BrokerConfig
	states repository.StateRepository
	sealer *crypto.Sealer
	client *http.Client
	ttl    time.Duration
	log    *zap.Logger
	now    func() time.Time
}

func newFlow(cfg BrokerConfig, d Deps) flow {
	f := flow{
		cfg: cfg, states: d.States, sealer: d.Sealer, client: d.Client,
		ttl: d.StateTTL, log: d.Log, now: d.Now,
	}
	if f.client == nil {
		f.client = &http.Client{Timeout: 15 * time.Second}
	}
	if f.ttl <= 0 {
		f.ttl = 10 * time.Minute
	}
	if f.log == nil {
		f.log = zap.NewNop()
	}
	if f.now == nil {
		f.now = time.Now
	}
	f.log = f.log.With(zap.String("broker", string(cfg.ID)))
	return f
}

func (f flow) newState(req FlowRequest, p model.Protocol) (model.OAuthState, error) {
	token, err := crypto.RandToken(stateBytes)
	if err != nil {
		return model.OAuthState{}, err
	}
	now := f.now()
	return model.OAuthState{
		State:        token,
		UserID:       req.UserID,
		BrokerID:     req.BrokerID,
		ConnectionID: req.ConnectionID,
		Protocol:     p,
		RedirectURI:  req.RedirectURI,
		CreatedAt:    now,
		ExpiresAt:    now.Add(f.ttl),
	}, nil
}

// resolve checks a consumed state against the callback. The returned Completion carries the
// connection id whenever the state belongs to the caller, so a failed flow can be closed.
func (f flow) resolve(st model.OAuthState, err error, req CallbackRequest, p model.Protocol) (Completion, error) {
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return Completion{}, fmt.Errorf("%w: unknown or already used", errs.ErrInvalidState)
		}
		return Completion{}, err
	}
	if st.UserID != req.UserID {
		return Completion{}, fmt.Errorf("%w: issued to another user", errs.ErrInvalidState)
	}
	out := Completion{ConnectionID: st.ConnectionID}
	switch {
	case st.BrokerID != req.BrokerID || st.BrokerID != f.cfg.ID:
		return out, fmt.Errorf("%w: issued for another broker", errs.ErrInvalidState)
	case st.Protocol != p:
		return out, fmt.Errorf("%w: protocol mismatch", errs.ErrInvalidState)
	case st.Expired(f.now()):
		return out, fmt.Errorf("%w: expired", errs.ErrInvalidState)
	}
	return out, nil
}

func (f flow) seal(st model.OAuthState, field, value string) ([]byte, error) {
	blob, err := f.sealer.Seal(crypto.PurposeState, crypto.AAD(st.State, field), []byte(value))
	if err != nil {
		return nil, fmt.Errorf("%w: seal %s", errs.ErrEncryption, field)
	}
	return blob, nil
}

func (f flow) open(st model.OAuthState, field string) (string, error) {
	pt, err := f.sealer.Open(crypto.PurposeState, crypto.AAD(st.State, field), st.RequestSecretEnc)
	if err != nil {
		return "", fmt.Errorf("%w: open %s", errs.ErrEncryption, field)
	}
	defer crypto.Wipe(pt)
	return string(pt), nil
}

// brokerResponse is a fully read, size-limited broker reply.
type brokerResponse struct {
	status int
	body   []byte
}

func (r brokerResponse) ok() bool { return r.status >= 200 && r.status < 300 }

// send performs one request. Transport failures become errs.ErrBrokerUnavailable.
func (f flow) send(req *http.Request) (brokerResponse, error) {
	resp, err := f.client.Do(req)
	if err != nil {
		return brokerResponse{}, fmt.Errorf("%w: %s %s: %v", errs.ErrBrokerUnavailable, req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBrokerBody))
	if err != nil {
		return brokerResponse{}, fmt.Errorf("%w: read %s: %v", errs.ErrBrokerUnavailable, req.URL.Path, err)
	}
	return brokerResponse{status: resp.StatusCode, body: body}, nil
}

// sendIdempotent retries once on a transport failure or a 5xx. build is called per attempt.
// Never use it for code or verifier exchange.
func (f flow) sendIdempotent(ctx context.Context, op string, build func() (*http.Request, error)) (brokerResponse, error) {
	var (
		resp brokerResponse
		err  error
	)
	for attempt := 1; attempt <= 2; attempt++ {
		var req *http.Request
		if req, err = build(); err != nil {
			return brokerResponse{}, err
		}
		resp, err = f.send(req.WithContext(ctx))
		if err == nil && resp.status < 500 {
			return resp, nil
		}
		if ctx.Err() != nil {
			break
		}
		f.log.Warn("broker call failed, retrying", zap.String("op", op), zap.Int("attempt", attempt),
			zap.Int("status", resp.status), zap.Error(err))
	}
	if err != nil {
		return brokerResponse{}, err
	}
	return resp, nil
}

// logRejection records a broker error body. Bodies are never returned to clients.
func (f flow) logRejection(op string, resp brokerResponse) {
	body := resp.body
	if len(body) > maxLoggedBody {
		body = body[:maxLoggedBody]
	}
	f.log.Warn("broker rejected request", zap.String("op", op), zap.Int("status", resp.status),
		zap.ByteString("body", body))
}

// withQuery appends params to raw, keeping any query it already has.
func withQuery(raw string, params url.Values) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
