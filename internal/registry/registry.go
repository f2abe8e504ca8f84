// Package registry owns the connection lifecycle: pending, active, expired and revoked.
package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/bobbyuzda1/g2e-trading-app-sub000/internal/crypto"
	"github.com/bobbyuzda1/g2e-trading-app-sub000/internal/errs"
	"github.com/bobbyuzda1/g2e-trading-app-sub000/internal/model"
	"github.com/bobbyuzda1/g2e-trading-app-sub000/internal/repository"
)

// BrokerRevokeFunc asks the broker to invalidate a grant.
type BrokerRevokeFunc func(ctx context.Context, c model.Connection, grant model.AccessGrant) error

// Registry defines connection lifecycle operations.
type Registry interface {
	CreatePending(ctx context.Context, userID uuid.UUID, brokerID model.BrokerID) (model.Connection, error)
	SetRequestToken(ctx context.Context, id uuid.UUID, token string) error
	// Activate stores the grant and makes id the pair's only active connection.
	Activate(ctx context.Context, id uuid.UUID, grant model.AccessGrant) (model.Connection, error)
	// MarkExpired and MarkRevoked are no-ops at the target or from an incompatible status.
	MarkExpired(ctx context.Context, id uuid.UUID, reason string) (model.Connection, error)
	MarkRevoked(ctx context.Context, id uuid.UUID, reason string) (model.Connection, error)
	// ExpireIfUnchanged expires c only if nothing touched it since it was read. changed=false means it moved on.
	ExpireIfUnchanged(ctx context.Context, c model.Connection, reason string) (model.Connection, bool, error)
	// Disconnect revokes an owned connection. A broker-side revoke failure is recorded, never returned.
	Disconnect(ctx context.Context, id, userID uuid.UUID, revoke BrokerRevokeFunc) (model.Connection, error)
	ListActive(ctx context.Context, userID uuid.UUID) ([]model.Connection, error)
	List(ctx context.Context, userID uuid.UUID) ([]model.Connection, error)
	Get(ctx context.Context, id, userID uuid.UUID) (*model.Connection, error)
	// ActiveGrant returns the pair's active connection with its decrypted grant.
	ActiveGrant(ctx context.Context, userID uuid.UUID, brokerID model.BrokerID) (model.Connection, model.AccessGrant, error)
	UpdateTokens(ctx context.Context, id uuid.UUID, grant model.AccessGrant) (model.Connection, error)
	RevokeForPair(ctx context.Context, userID uuid.UUID, brokerID model.BrokerID, reason string) ([]uuid.UUID, error)
	SweepPending(ctx context.Context, cutoff time.Time, reason string) ([]uuid.UUID, error)
	History(ctx context.Context, id, userID uuid.UUID) ([]model.StatusTransition, error)
}

const (
	fieldAccessToken  = "access_token"
	fieldTokenSecret  = "token_secret"
	fieldRefreshToken = "refresh_token"
)

type RegistryImpl struct {
	conns  repository.ConnectionRepository
	sealer *crypto.Sealer
	log    *zap.Logger
	now    func() time.Time
}

var _ Registry = (*RegistryImpl)(nil)

// NewRegistry constructs a Registry.
func NewRegistry(conns repository.ConnectionRepository, sealer *crypto.Sealer, log *zap.Logger) *RegistryImpl {
	if log == nil {
		log = zap.NewNop()
	}
	return &RegistryImpl{conns: conns, sealer: sealer, log: log, now: time.Now}
}

// CreatePending inserts a new pending connection.
func (r *RegistryImpl) CreatePending(ctx context.Context, userID uuid.UUID, brokerID model.BrokerID) (model.Connection, error) {
	if userID == uuid.Nil {
		return model.Connection{}, fmt.Errorf("%w: empty user id", errs.ErrValidation)
	}
	id, err := uuid.NewV4()
	if err != nil {
		return model.Connection{}, err
	}
	now := r.now()
	c := model.Connection{
		ID:        id,
		UserID:    userID,
		BrokerID:  brokerID,
		Status:    model.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.conns.Create(ctx, &c); err != nil {
		return model.Connection{}, err
	}
	return c, nil
}

// SetRequestToken records the OAuth1a request token on a pending connection.
func (r *RegistryImpl) SetRequestToken(ctx context.Context, id uuid.UUID, token string) error {
	return r.conns.SetRequestToken(ctx, id, token)
}

// Activate seals the grant and activates id, revoking any other active connection for the pair.
func (r *RegistryImpl) Activate(ctx context.Context, id uuid.UUID, grant model.AccessGrant) (model.Connection, error) {
	if grant.AccessToken.Empty() {
		return model.Connection{}, fmt.Errorf("%w: empty access token", errs.ErrValidation)
	}
	sealed, err := r.seal(id, grant)
	if err != nil {
		return model.Connection{}, err
	}
	c, superseded, err := r.conns.Activate(ctx, id, sealed, r.now())
	if err != nil {
		return model.Connection{}, err
	}
	for _, old := range superseded {
		r.log.Info("connection superseded",
			zap.Stringer("connection_id", old), zap.Stringer("by", id), zap.String("broker", string(c.BrokerID)))
	}
	r.log.Info("connection activated",
		zap.Stringer("connection_id", id), zap.Stringer("user_id", c.UserID), zap.String("broker", string(c.BrokerID)))
	return c, nil
}

// MarkExpired moves an active connection to expired.
func (r *RegistryImpl) MarkExpired(ctx context.Context, id uuid.UUID, reason string) (model.Connection, error) {
	return r.mark(ctx, id, model.StatusExpired, reason)
}

// MarkRevoked moves a connection to revoked.
func (r *RegistryImpl) MarkRevoked(ctx context.Context, id uuid.UUID, reason string) (model.Connection, error) {
	return r.mark(ctx, id, model.StatusRevoked, reason)
}

// ExpireIfUnchanged expires c when its row still carries c.UpdatedAt.
func (r *RegistryImpl) ExpireIfUnchanged(ctx context.Context, c model.Connection, reason string) (model.Connection, bool, error) {
	cur, changed, err := r.conns.ExpireIfUnchanged(ctx, c.ID, c.UpdatedAt, reason, r.now())
	if err != nil {
		return model.Connection{}, false, err
	}
	if changed {
		r.log.Info("connection status changed",
			zap.Stringer("connection_id", c.ID), zap.String("to", string(model.StatusExpired)), zap.String("reason", reason))
	} else {
		r.log.Debug("expiry skipped, connection changed since read",
			zap.Stringer("connection_id", c.ID), zap.String("status", string(cur.Status)))
	}
	return cur, changed, nil
}

func (r *RegistryImpl) mark(ctx context.Context, id uuid.UUID, to model.ConnectionStatus, reason string) (model.Connection, error) {
	c, changed, err := r.conns.Transition(ctx, id, to, reason, r.now())
	switch {
	case errors.Is(err, errs.ErrInvalidTransition):
		r.log.Debug("status change skipped",
			zap.Stringer("connection_id", id), zap.String("from", string(c.Status)), zap.String("to", string(to)))
		return c, nil
	case err != nil:
		return model.Connection{}, err
	}
	if changed {
		r.log.Info("connection status changed",
			zap.Stringer("connection_id", id), zap.String("to", string(to)), zap.String("reason", reason))
	}
	return c, nil
}

// Disconnect checks ownership, tries the broker-side revoke when tokens exist and revokes locally.
func (r *RegistryImpl) Disconnect(ctx context.Context, id, userID uuid.UUID, revoke BrokerRevokeFunc) (model.Connection, error) {
	c, err := r.Get(ctx, id, userID)
	if err != nil {
		return model.Connection{}, err
	}
	if c.Status == model.StatusRevoked {
		return *c, nil
	}

	reason := "disconnected by user"
	if revoke != nil && len(c.AccessTokenEnc) > 0 {
		grant, err := r.open(*c)
		if err == nil {
			err = revoke(ctx, *c, grant)
		}
		if err != nil {
			r.log.Warn("broker revoke failed", zap.Stringer("connection_id", id), zap.Error(err))
			reason += "; broker revoke failed"
		} else {
			reason += "; broker revoke ok"
		}
	}
	return r.MarkRevoked(ctx, id, reason)
}

// ListActive returns the user's active connections.
func (r *RegistryImpl) ListActive(ctx context.Context, userID uuid.UUID) ([]model.Connection, error) {
	all, err := r.List(ctx, userID)
	if err != nil {
		return nil, err
	}
	active := all[:0]
	for _, c := range all {
		if c.Status == model.StatusActive {
			active = append(active, c)
		}
	}
	return active, nil
}

// List returns all of the user's connections, newest first.
func (r *RegistryImpl) List(ctx context.Context, userID uuid.UUID) ([]model.Connection, error) {
	if userID == uuid.Nil {
		return nil, fmt.Errorf("%w: empty user id", errs.ErrValidation)
	}
	return r.conns.ListByUser(ctx, userID)
}

// Get loads a connection owned by userID.
func (r *RegistryImpl) Get(ctx context.Context, id, userID uuid.UUID) (*model.Connection, error) {
	c, err := r.conns.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.UserID != userID {
		return nil, errs.ErrForbidden
	}
	return c, nil
}

// ActiveGrant returns errs.ErrNotFound when the pair has no active connection.
func (r *RegistryImpl) ActiveGrant(ctx context.Context, userID uuid.UUID, brokerID model.BrokerID) (model.Connection, model.AccessGrant, error) {
	c, err := r.conns.FindActive(ctx, userID, brokerID)
	if err != nil {
		return model.Connection{}, model.AccessGrant{}, err
	}
	grant, err := r.open(*c)
	if err != nil {
		return model.Connection{}, model.AccessGrant{}, err
	}
	return *c, grant, nil
}

// UpdateTokens replaces an active connection's grant after a refresh.
func (r *RegistryImpl) UpdateTokens(ctx context.Context, id uuid.UUID, grant model.AccessGrant) (model.Connection, error) {
	sealed, err := r.seal(id, grant)
	if err != nil {
		return model.Connection{}, err
	}
	return r.conns.UpdateTokens(ctx, id, sealed, r.now())
}

// RevokeForPair revokes every open connection of a pair.
func (r *RegistryImpl) RevokeForPair(ctx context.Context, userID uuid.UUID, brokerID model.BrokerID, reason string) ([]uuid.UUID, error) {
	ids, err := r.conns.RevokeForPair(ctx, userID, brokerID, reason, r.now())
	if err != nil {
		return nil, err
	}
	if len(ids) > 0 {
		r.log.Info("connections revoked",
			zap.Stringer("user_id", userID), zap.String("broker", string(brokerID)),
			zap.Int("count", len(ids)), zap.String("reason", reason))
	}
	return ids, nil
}

// SweepPending revokes pending connections created before cutoff.
func (r *RegistryImpl) SweepPending(ctx context.Context, cutoff time.Time, reason string) ([]uuid.UUID, error) {
	return r.conns.SweepPending(ctx, cutoff, reason, r.now())
}

// History returns the transition log of an owned connection.
func (r *RegistryImpl) History(ctx context.Context, id, userID uuid.UUID) ([]model.StatusTransition, error) {
	if _, err := r.Get(ctx, id, userID); err != nil {
		return nil, err
	}
	return r.conns.Transitions(ctx, id)
}

func (r *RegistryImpl) seal(id uuid.UUID, g model.AccessGrant) (model.SealedTokens, error) {
	out := model.SealedTokens{ExpiresAt: g.ExpiresAt}
	for _, f := range []struct {
		name string
		val  model.Secret
		dst  *[]byte
	}{
		{fieldAccessToken, g.AccessToken, &out.AccessToken},
		{fieldTokenSecret, g.TokenSecret, &out.TokenSecret},
		{fieldRefreshToken, g.RefreshToken, &out.RefreshToken},
	} {
		if f.val.Empty() {
			continue
		}
		blob, err := r.sealer.Seal(crypto.PurposeToken, crypto.AAD(id.String(), f.name), []byte(f.val.Reveal()))
		if err != nil {
			return model.SealedTokens{}, fmt.Errorf("%w: seal %s", errs.ErrEncryption, f.name)
		}
		*f.dst = blob
	}
	return out, nil
}

func (r *RegistryImpl) open(c model.Connection) (model.AccessGrant, error) {
	g := model.AccessGrant{ExpiresAt: c.ExpiresAt}
	for _, f := range []struct {
		name string
		blob []byte
		dst  *model.Secret
	}{
		{fieldAccessToken, c.AccessTokenEnc, &g.AccessToken},
		{fieldTokenSecret, c.TokenSecretEnc, &g.TokenSecret},
		{fieldRefreshToken, c.RefreshTokenEnc, &g.RefreshToken},
	} {
		if len(f.blob) == 0 {
			continue
		}
		pt, err := r.sealer.Open(crypto.PurposeToken, crypto.AAD(c.ID.String(), f.name), f.blob)
		if err != nil {
			r.log.Error("token decrypt failed", zap.Stringer("connection_id", c.ID), zap.String("field", f.name))
			return model.AccessGrant{}, fmt.Errorf("%w: open %s", errs.ErrEncryption, f.name)
		}
		*f.dst = model.Secret(pt)
		crypto.Wipe(pt)
	}
	return g, nil
}
