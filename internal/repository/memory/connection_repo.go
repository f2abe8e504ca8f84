package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/bobbyuzda1/g2e-trading-app-sub000/internal/errs"
	"github.com/bobbyuzda1/g2e-trading-app-sub000/internal/model"
)

// ConnectionRepo is an in-memory ConnectionRepository.
// One mutex covers rows and the transition log, which makes every method a single atomic step.
type ConnectionRepo struct {
	mu          sync.Mutex
	rows        map[uuid.UUID]model.Connection
	transitions map[uuid.UUID][]model.StatusTransition
}

// NewConnectionRepo constructs an empty repository.
func NewConnectionRepo() *ConnectionRepo {
	return &ConnectionRepo{
		rows:        map[uuid.UUID]model.Connection{},
		transitions: map[uuid.UUID][]model.StatusTransition{},
	}
}

func cloneConnection(c model.Connection) model.Connection {
	c.AccessTokenEnc = append([]byte(nil), c.AccessTokenEnc...)
	c.TokenSecretEnc = append([]byte(nil), c.TokenSecretEnc...)
	c.RefreshTokenEnc = append([]byte(nil), c.RefreshTokenEnc...)
	if c.ExpiresAt != nil {
		t := *c.ExpiresAt
		c.ExpiresAt = &t
	}
	if c.ConnectedAt != nil {
		t := *c.ConnectedAt
		c.ConnectedAt = &t
	}
	if c.LastSyncAt != nil {
		t := *c.LastSyncAt
		c.LastSyncAt = &t
	}
	return c
}

// setStatus must be called with mu held.
func (r *ConnectionRepo) setStatus(c *model.Connection, to model.ConnectionStatus, reason string, at time.Time) {
	r.transitions[c.ID] = append(r.transitions[c.ID], model.StatusTransition{
		ConnectionID: c.ID, From: c.Status, To: to, Reason: reason, At: at,
	})
	if c.Status == model.StatusPending {
		c.RequestToken = ""
	}
	if to == model.StatusRevoked {
		c.IsPrimary = false
	}
	c.Status = to
	c.StatusReason = reason
	c.UpdatedAt = at
	r.rows[c.ID] = *c
}

// Create inserts a pending connection.
func (r *ConnectionRepo) Create(_ context.Context, c *model.Connection) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[c.ID]; ok {
		return fmt.Errorf("connection %s already exists", c.ID)
	}
	row := cloneConnection(*c)
	r.rows[c.ID] = row
	r.transitions[c.ID] = []model.StatusTransition{{
		ConnectionID: c.ID, To: row.Status, Reason: "created", At: row.CreatedAt,
	}}
	return nil
}

// Get loads a connection by id.
func (r *ConnectionRepo) Get(_ context.Context, id uuid.UUID) (*model.Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.rows[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	out := cloneConnection(c)
	return &out, nil
}

// ListByUser returns a user's connections, newest first.
func (r *ConnectionRepo) ListByUser(_ context.Context, userID uuid.UUID) ([]model.Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Connection
	for _, c := range r.rows {
		if c.UserID == userID {
			out = append(out, cloneConnection(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// FindActive returns the active connection for a pair.
func (r *ConnectionRepo) FindActive(_ context.Context, userID uuid.UUID, brokerID model.BrokerID) (*model.Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.rows {
		if c.UserID == userID && c.BrokerID == brokerID && c.Status == model.StatusActive {
			out := cloneConnection(c)
			return &out, nil
		}
	}
	return nil, errs.ErrNotFound
}

// SetRequestToken stores the OAuth1a request token on a pending connection.
func (r *ConnectionRepo) SetRequestToken(_ context.Context, id uuid.UUID, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.rows[id]
	if !ok || c.Status != model.StatusPending {
		return errs.ErrNotFound
	}
	c.RequestToken = token
	r.rows[id] = c
	return nil
}

// Activate revokes the pair's other active rows and activates id.
func (r *ConnectionRepo) Activate(
	_ context.Context, id uuid.UUID, tokens model.SealedTokens, at time.Time,
) (model.Connection, []uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.rows[id]
	if !ok {
		return model.Connection{}, nil, errs.ErrNotFound
	}
	if !c.Status.CanTransition(model.StatusActive) {
		return model.Connection{}, nil, fmt.Errorf("%w: %s -> %s", errs.ErrInvalidTransition, c.Status, model.StatusActive)
	}

	var superseded []uuid.UUID
	for _, other := range r.rows {
		if other.ID != id && other.UserID == c.UserID && other.BrokerID == c.BrokerID && other.Status == model.StatusActive {
			r.setStatus(&other, model.StatusRevoked, "superseded by "+id.String(), at)
			superseded = append(superseded, other.ID)
		}
	}

	sealed := cloneConnection(model.Connection{
		AccessTokenEnc: tokens.AccessToken, TokenSecretEnc: tokens.TokenSecret,
		RefreshTokenEnc: tokens.RefreshToken, ExpiresAt: tokens.ExpiresAt,
	})
	c.AccessTokenEnc, c.TokenSecretEnc, c.RefreshTokenEnc = sealed.AccessTokenEnc, sealed.TokenSecretEnc, sealed.RefreshTokenEnc
	c.ExpiresAt = sealed.ExpiresAt
	c.IsPrimary = true
	connected := at
	c.ConnectedAt, c.LastSyncAt = &connected, &connected
	r.setStatus(&c, model.StatusActive, "activated", at)
	c.StatusReason = ""
	r.rows[id] = c

	return cloneConnection(c), superseded, nil
}

// Transition moves id to a non-active status.
func (r *ConnectionRepo) Transition(
	_ context.Context, id uuid.UUID, to model.ConnectionStatus, reason string, at time.Time,
) (model.Connection, bool, error) {
	if to == model.StatusActive {
		return model.Connection{}, false, fmt.Errorf("%w: activation requires tokens", errs.ErrInvalidTransition)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.rows[id]
	if !ok {
		return model.Connection{}, false, errs.ErrNotFound
	}
	if c.Status == to {
		return cloneConnection(c), false, nil
	}
	if !c.Status.CanTransition(to) {
		return cloneConnection(c), false, fmt.Errorf("%w: %s -> %s", errs.ErrInvalidTransition, c.Status, to)
	}
	r.setStatus(&c, to, reason, at)
	return cloneConnection(c), true, nil
}

// ExpireIfUnchanged expires id only while it is active and its updated_at equals seen.
func (r *ConnectionRepo) ExpireIfUnchanged(
	_ context.Context, id uuid.UUID, seen time.Time, reason string, at time.Time,
) (model.Connection, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.rows[id]
	if !ok {
		return model.Connection{}, false, errs.ErrNotFound
	}
	if c.Status != model.StatusActive || !c.UpdatedAt.Equal(seen) {
		return cloneConnection(c), false, nil
	}
	r.setStatus(&c, model.StatusExpired, reason, at)
	return cloneConnection(c), true, nil
}

// UpdateTokens replaces tokens of an active connection.
func (r *ConnectionRepo) UpdateTokens(
	_ context.Context, id uuid.UUID, tokens model.SealedTokens, at time.Time,
) (model.Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.rows[id]
	if !ok {
		return model.Connection{}, errs.ErrNotFound
	}
	if c.Status != model.StatusActive {
		return model.Connection{}, fmt.Errorf("%w: connection is not active", errs.ErrInvalidTransition)
	}
	sealed := cloneConnection(model.Connection{
		AccessTokenEnc: tokens.AccessToken, TokenSecretEnc: tokens.TokenSecret,
		RefreshTokenEnc: tokens.RefreshToken, ExpiresAt: tokens.ExpiresAt,
	})
	c.AccessTokenEnc, c.TokenSecretEnc, c.RefreshTokenEnc = sealed.AccessTokenEnc, sealed.TokenSecretEnc, sealed.RefreshTokenEnc
	c.ExpiresAt = sealed.ExpiresAt
	synced := at
	c.LastSyncAt = &synced
	c.UpdatedAt = at
	r.rows[id] = c
	return cloneConnection(c), nil
}

func (r *ConnectionRepo) revokeMatching(match func(model.Connection) bool, reason string, at time.Time) []uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []uuid.UUID
	for _, c := range r.rows {
		if c.Status != model.StatusRevoked && match(c) {
			r.setStatus(&c, model.StatusRevoked, reason, at)
			ids = append(ids, c.ID)
		}
	}
	return ids
}

// RevokeForPair revokes every non-revoked connection of a pair.
func (r *ConnectionRepo) RevokeForPair(
	_ context.Context, userID uuid.UUID, brokerID model.BrokerID, reason string, at time.Time,
) ([]uuid.UUID, error) {
	return r.revokeMatching(func(c model.Connection) bool {
		return c.UserID == userID && c.BrokerID == brokerID
	}, reason, at), nil
}

// SweepPending revokes pending connections created before cutoff.
func (r *ConnectionRepo) SweepPending(_ context.Context, cutoff time.Time, reason string, at time.Time) ([]uuid.UUID, error) {
	return r.revokeMatching(func(c model.Connection) bool {
		return c.Status == model.StatusPending && c.CreatedAt.Before(cutoff)
	}, reason, at), nil
}

// Transitions returns the status history of a connection.
func (r *ConnectionRepo) Transitions(_ context.Context, id uuid.UUID) ([]model.StatusTransition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.StatusTransition(nil), r.transitions[id]...), nil
}
