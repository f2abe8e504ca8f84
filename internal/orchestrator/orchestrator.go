// Package orchestrator drives broker OAuth flows end to end and hands out usable access grants.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/bobbyuzda1/g2e-trading-app-sub000/internal/errs"
	"github.com/bobbyuzda1/g2e-trading-app-sub000/internal/limiter"
	"github.com/bobbyuzda1/g2e-trading-app-sub000/internal/model"
	"github.com/bobbyuzda1/g2e-trading-app-sub000/internal/oauth"
	"github.com/bobbyuzda1/g2e-trading-app-sub000/internal/registry"
	"github.com/bobbyuzda1/g2e-trading-app-sub000/internal/vault"
)

// Orchestrator is the entry point used by the API and by downstream broker clients.
type Orchestrator interface {
	InitiateConnection(ctx context.Context, userID uuid.UUID, brokerID model.BrokerID, redirectURI string) (oauth.Initiation, error)
	CompleteCallback(ctx context.Context, userID uuid.UUID, brokerID model.BrokerID, redirectURI string, p model.CallbackPayload) (model.Connection, error)
	Disconnect(ctx context.Context, userID, connectionID uuid.UUID) (model.Connection, error)
	// GetUsableAccessGrant returns errs.ErrReauthRequired when the user must reconnect. Never retry it blindly.
	// errs.ErrBrokerUnavailable means the refresh could not reach the broker; the connection stays active.
	GetUsableAccessGrant(ctx context.Context, userID uuid.UUID, brokerID model.BrokerID) (model.AccessGrant, error)
	// ReportAuthFailure is called when the broker rejected a grant. It renews or refreshes, or expires the connection.
	ReportAuthFailure(ctx context.Context, userID uuid.UUID, brokerID model.BrokerID) (model.AccessGrant, error)
	ListConnections(ctx context.Context, userID uuid.UUID) ([]model.Connection, error)
	GetConnection(ctx context.Context, userID, connectionID uuid.UUID) (*model.Connection, error)
	History(ctx context.Context, userID, connectionID uuid.UUID) ([]model.StatusTransition, error)
	SupportedBrokers() []SupportedBroker
}

// SupportedBroker describes a broker id and whether it can be connected here.
type SupportedBroker struct {
	ID          model.BrokerID
	Name        string
	Protocol    model.Protocol
	Features    []string
	Connectable bool
}

// Options tune flow behaviour.
type Options struct {
	RefreshLead      time.Duration
	AllowedRedirects []string // prefixes; empty allows any absolute http(s) url
}

type OrchestratorImpl struct {
	catalog  *oauth.Catalog
	adapters map[model.BrokerID]oauth.Adapter
	vault    vault.Vault
	registry registry.Registry
	limiter  limiter.Limiter
	log      *zap.Logger
	opts     Options
	now      func() time.Time
	refresh  singleflight.Group
}

var _ Orchestrator = (*OrchestratorImpl)(nil)

// New constructs an Orchestrator. Every catalog entry needs an adapter to be connectable.
func New(
	catalog *oauth.Catalog,
	adapters map[model.BrokerID]oauth.Adapter,
	v vault.Vault,
	reg registry.Registry,
	lim limiter.Limiter,
	log *zap.Logger,
	opts Options,
) *OrchestratorImpl {
	if lim == nil {
		lim = limiter.Noop{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	if opts.RefreshLead <= 0 {
		opts.RefreshLead = 2 * time.Minute
	}
	return &OrchestratorImpl{
		catalog:  catalog,
		adapters: adapters,
		vault:    v,
		registry: reg,
		limiter:  lim,
		log:      log,
		opts:     opts,
		now:      time.Now,
	}
}

func (o *OrchestratorImpl) adapterFor(brokerID model.BrokerID) (oauth.BrokerConfig, oauth.Adapter, error) {
	cfg, ok := o.catalog.Lookup(brokerID)
	if !ok {
		return oauth.BrokerConfig{}, nil, fmt.Errorf("%w: %q", errs.ErrUnsupportedBroker, brokerID)
	}
	a, ok := o.adapters[brokerID]
	if !ok || a.Protocol() != cfg.Protocol {
		return oauth.BrokerConfig{}, nil, fmt.Errorf("%w: %q has no %s adapter", errs.ErrUnsupportedBroker, brokerID, cfg.Protocol)
	}
	return cfg, a, nil
}

func (o *OrchestratorImpl) checkRedirect(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: redirect_uri must be an absolute http(s) url", errs.ErrValidation)
	}
	if len(o.opts.AllowedRedirects) == 0 {
		return nil
	}
	for _, prefix := range o.opts.AllowedRedirects {
		if strings.HasPrefix(raw, prefix) {
			return nil
		}
	}
	return fmt.Errorf("%w: redirect_uri is not allowed", errs.ErrValidation)
}

// withKeys maps a missing credential to errs.ErrCredentialsRequired.
func (o *OrchestratorImpl) withKeys(ctx context.Context, userID uuid.UUID, brokerID model.BrokerID, fn func(model.KeyPair) error) error {
	err := o.vault.WithKeyPair(ctx, userID, brokerID, fn)
	if errors.Is(err, errs.ErrNotFound) {
		return fmt.Errorf("%w: save %s api keys first", errs.ErrCredentialsRequired, brokerID)
	}
	return err
}

// InitiateConnection creates a pending connection and starts the broker's handshake.
func (o *OrchestratorImpl) InitiateConnection(
	ctx context.Context, userID uuid.UUID, brokerID model.BrokerID, redirectURI string,
) (oauth.Initiation, error) {
	cfg, a, err := o.adapterFor(brokerID)
	if err != nil {
		return oauth.Initiation{}, err
	}
	if redirectURI != "" || cfg.Protocol == model.ProtocolOAuth2 {
		if err := o.checkRedirect(redirectURI); err != nil {
			return oauth.Initiation{}, err
		}
	}

	var out oauth.Initiation
	err = o.withKeys(ctx, userID, brokerID, func(kp model.KeyPair) error {
		if redirectURI == "" && !cfg.Endpoints(kp.IsSandbox).OOB {
			return fmt.Errorf("%w: redirect_uri is required", errs.ErrValidation)
		}
		conn, err := o.registry.CreatePending(ctx, userID, brokerID)
		if err != nil {
			return err
		}
		out, err = a.Initiate(ctx, kp, oauth.FlowRequest{
			UserID: userID, BrokerID: brokerID, ConnectionID: conn.ID, RedirectURI: redirectURI,
		})
		if err != nil {
			o.closeFailed(ctx, conn.ID, "initiate failed", err)
			return err
		}
		if out.RequestToken != "" {
			return o.registry.SetRequestToken(ctx, conn.ID, out.RequestToken)
		}
		return nil
	})
	if err != nil {
		return oauth.Initiation{}, err
	}
	o.log.Info("connection initiated",
		zap.Stringer("user_id", userID), zap.String("broker", string(brokerID)), zap.Bool("oob", out.IsOOB))
	return out, nil
}

// CompleteCallback dispatches on the broker's configured protocol. The payload shape is only a hint.
func (o *OrchestratorImpl) CompleteCallback(
	ctx context.Context, userID uuid.UUID, brokerID model.BrokerID, redirectURI string, p model.CallbackPayload,
) (model.Connection, error) {
	cfg, a, err := o.adapterFor(brokerID)
	if err != nil {
		return model.Connection{}, err
	}
	if shape := p.Shape(); shape != "" && shape != cfg.Protocol {
		o.log.Warn("callback payload shape does not match broker protocol",
			zap.String("broker", string(brokerID)), zap.String("shape", string(shape)), zap.String("protocol", string(cfg.Protocol)))
	}

	subject, scope := userID.String(), limiter.HashScope(string(brokerID))
	allowed, retry, err := o.limiter.Allow(ctx, subject, scope)
	if err != nil {
		o.log.Error("callback limiter unavailable", zap.Error(err))
	} else if !allowed {
		return model.Connection{}, &errs.RetryAfterError{Err: errs.ErrRateLimited, After: retry}
	}

	var conn model.Connection
	err = o.withKeys(ctx, userID, brokerID, func(kp model.KeyPair) error {
		done, err := a.Complete(ctx, kp, oauth.CallbackRequest{
			UserID: userID, BrokerID: brokerID, RedirectURI: redirectURI, Payload: p,
		})
		if err != nil {
			if done.ConnectionID != uuid.Nil {
				o.closeFailed(ctx, done.ConnectionID, "callback failed", err)
			}
			return err
		}
		conn, err = o.registry.Activate(ctx, done.ConnectionID, done.Grant)
		if err != nil {
			if rerr := a.Revoke(ctx, kp, done.Grant); rerr != nil {
				o.log.Warn("orphaned grant revoke failed", zap.Stringer("connection_id", done.ConnectionID), zap.Error(rerr))
			}
			return err
		}
		return nil
	})
	if err != nil {
		o.recordCallbackFailure(ctx, userID, brokerID, subject, scope, err)
		return model.Connection{}, err
	}
	if err := o.limiter.Success(ctx, subject, scope); err != nil {
		o.log.Error("callback limiter reset failed", zap.Error(err))
	}
	return conn, nil
}

func (o *OrchestratorImpl) recordCallbackFailure(
	ctx context.Context, userID uuid.UUID, brokerID model.BrokerID, subject string, scope []byte, err error,
) {
	fields := []zap.Field{zap.Stringer("user_id", userID), zap.String("broker", string(brokerID)), zap.Error(err)}
	if errors.Is(err, errs.ErrInvalidState) {
		o.log.Warn("oauth callback with invalid state", append(fields, zap.Bool("security", true))...)
	} else {
		o.log.Info("oauth callback failed", fields...)
	}
	if errors.Is(err, errs.ErrBrokerUnavailable) || errors.Is(err, errs.ErrCredentialsRequired) {
		return
	}
	blocked, dur, lerr := o.limiter.Failure(ctx, subject, scope)
	switch {
	case lerr != nil:
		o.log.Error("callback limiter update failed", zap.Error(lerr))
	case blocked:
		o.log.Warn("oauth callbacks blocked", append(fields[:2:2], zap.Duration("for", dur), zap.Bool("security", true))...)
	}
}

// closeFailed revokes a connection whose flow cannot finish.
func (o *OrchestratorImpl) closeFailed(ctx context.Context, id uuid.UUID, what string, cause error) {
	if _, err := o.registry.MarkRevoked(ctx, id, what+": "+reason(cause)); err != nil {
		o.log.Error("revoke failed connection", zap.Stringer("connection_id", id), zap.Error(err))
	}
}

// reason renders an error as its taxonomy name so stored reasons never carry broker detail.
func reason(err error) string {
	for _, s := range []error{
		errs.ErrInvalidState, errs.ErrVerifierRejected, errs.ErrCodeExchange, errs.ErrBrokerUnavailable,
		errs.ErrCredentialsRequired, errs.ErrValidation, errs.ErrEncryption, errs.ErrReauthRequired, errs.ErrNotFound,
	} {
		if errors.Is(err, s) {
			return s.Error()
		}
	}
	return "internal error"
}

// Disconnect revokes an owned connection, trying the broker-side revoke first.
func (o *OrchestratorImpl) Disconnect(ctx context.Context, userID, connectionID uuid.UUID) (model.Connection, error) {
	return o.registry.Disconnect(ctx, connectionID, userID, func(ctx context.Context, c model.Connection, g model.AccessGrant) error {
		_, a, err := o.adapterFor(c.BrokerID)
		if err != nil {
			return err
		}
		return o.vault.WithKeyPair(ctx, c.UserID, c.BrokerID, func(kp model.KeyPair) error {
			return a.Revoke(ctx, kp, g)
		})
	})
}

// GetUsableAccessGrant returns the active grant, refreshing it when it is inside the lead window.
func (o *OrchestratorImpl) GetUsableAccessGrant(ctx context.Context, userID uuid.UUID, brokerID model.BrokerID) (model.AccessGrant, error) {
	c, g, err := o.activeGrant(ctx, userID, brokerID)
	if err != nil {
		return model.AccessGrant{}, err
	}
	if !g.NeedsRefresh(o.now(), o.opts.RefreshLead) {
		return g, nil
	}
	return o.renew(ctx, c, "refresh failed", false)
}

// ReportAuthFailure renews or refreshes after the broker rejected the current grant.
func (o *OrchestratorImpl) ReportAuthFailure(ctx context.Context, userID uuid.UUID, brokerID model.BrokerID) (model.AccessGrant, error) {
	c, _, err := o.activeGrant(ctx, userID, brokerID)
	if err != nil {
		return model.AccessGrant{}, err
	}
	return o.renew(ctx, c, "broker rejected token", true)
}

func (o *OrchestratorImpl) activeGrant(ctx context.Context, userID uuid.UUID, brokerID model.BrokerID) (model.Connection, model.AccessGrant, error) {
	if _, ok := o.catalog.Lookup(brokerID); !ok {
		return model.Connection{}, model.AccessGrant{}, fmt.Errorf("%w: %q", errs.ErrUnsupportedBroker, brokerID)
	}
	c, g, err := o.registry.ActiveGrant(ctx, userID, brokerID)
	if errors.Is(err, errs.ErrNotFound) {
		return model.Connection{}, model.AccessGrant{}, fmt.Errorf("%w: no active %s connection", errs.ErrReauthRequired, brokerID)
	}
	return c, g, err
}

// renew runs at most one refresh per connection at a time. seen is the row the caller read.
// The grant is reloaded inside the flight, so a caller holding a row that was renewed since gets the stored grant.
// A broker outage leaves the connection active; a rejection expires it unless the row moved on meanwhile.
func (o *OrchestratorImpl) renew(ctx context.Context, seen model.Connection, failReason string, force bool) (model.AccessGrant, error) {
	ctx = context.WithoutCancel(ctx)
	v, err, shared := o.refresh.Do(seen.ID.String(), func() (any, error) {
		c, g, err := o.activeGrant(ctx, seen.UserID, seen.BrokerID)
		switch {
		case err != nil:
			return nil, err
		case c.ID != seen.ID || !c.UpdatedAt.Equal(seen.UpdatedAt):
			return g, nil
		case !force && !g.NeedsRefresh(o.now(), o.opts.RefreshLead):
			return g, nil
		}

		_, a, err := o.adapterFor(c.BrokerID)
		if err != nil {
			return nil, err
		}
		var fresh model.AccessGrant
		err = o.vault.WithKeyPair(ctx, c.UserID, c.BrokerID, func(kp model.KeyPair) error {
			var err error
			fresh, err = a.Refresh(ctx, kp, g)
			return err
		})
		if err == nil {
			if _, err = o.registry.UpdateTokens(ctx, c.ID, fresh); err == nil {
				return fresh, nil
			}
		}
		fields := []zap.Field{zap.Stringer("connection_id", c.ID), zap.String("broker", string(c.BrokerID)), zap.Error(err)}
		if errors.Is(err, errs.ErrBrokerUnavailable) {
			o.log.Warn("grant renewal deferred, broker unavailable", fields...)
			return nil, err
		}

		cur, expired, merr := o.registry.ExpireIfUnchanged(ctx, c, failReason)
		switch {
		case merr != nil:
			o.log.Error("expire connection", zap.Stringer("connection_id", c.ID), zap.Error(merr))
		case !expired && cur.Status == model.StatusActive:
			if _, stored, gerr := o.registry.ActiveGrant(ctx, c.UserID, c.BrokerID); gerr == nil {
				o.log.Info("grant renewed elsewhere", zap.Stringer("connection_id", c.ID))
				return stored, nil
			}
		}
		o.log.Warn("grant renewal failed", fields...)
		if errors.Is(err, errs.ErrReauthRequired) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s", errs.ErrReauthRequired, reason(err))
	})
	if err != nil {
		return model.AccessGrant{}, err
	}
	if shared {
		o.log.Debug("grant renewal shared", zap.Stringer("connection_id", seen.ID))
	}
	return v.(model.AccessGrant), nil
}

// ListConnections returns every connection of the user, newest first.
func (o *OrchestratorImpl) ListConnections(ctx context.Context, userID uuid.UUID) ([]model.Connection, error) {
	return o.registry.List(ctx, userID)
}

// GetConnection returns an owned connection.
func (o *OrchestratorImpl) GetConnection(ctx context.Context, userID, connectionID uuid.UUID) (*model.Connection, error) {
	return o.registry.Get(ctx, connectionID, userID)
}

// History returns the status transitions of an owned connection.
func (o *OrchestratorImpl) History(ctx context.Context, userID, connectionID uuid.UUID) ([]model.StatusTransition, error) {
	return o.registry.History(ctx, connectionID, userID)
}

var knownBrokers = []struct {
	id   model.BrokerID
	name string
}{
	{model.BrokerETrade, "E*TRADE"},
	{model.BrokerAlpaca, "Alpaca"},
	{model.BrokerSchwab, "Charles Schwab"},
	{model.BrokerIBKR, "Interactive Brokers"},
}

// SupportedBrokers lists every known broker id; only catalog entries with an adapter are connectable.
func (o *OrchestratorImpl) SupportedBrokers() []SupportedBroker {
	out := make([]SupportedBroker, 0, len(knownBrokers))
	for _, k := range knownBrokers {
		sb := SupportedBroker{ID: k.id, Name: k.name}
		if cfg, ok := o.catalog.Lookup(k.id); ok {
			if cfg.Name != "" {
				sb.Name = cfg.Name
			}
			sb.Protocol = cfg.Protocol
			sb.Features = append([]string(nil), cfg.Features...)
			_, _, err := o.adapterFor(k.id)
			sb.Connectable = err == nil
		}
		out = append(out, sb)
	}
	return out
}
