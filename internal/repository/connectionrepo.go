package repository

import (
	"context"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/bobbyuzda1/g2e-trading-app-sub000/internal/model"
)

// ConnectionRepository stores connections and their transition log.
// Every status change writes a model.StatusTransition in the same unit of work.
type ConnectionRepository interface {
	// Create inserts a new pending connection.
	Create(ctx context.Context, c *model.Connection) error
	// Get loads a connection by id or returns errs.ErrNotFound.
	Get(ctx context.Context, id uuid.UUID) (*model.Connection, error)
	// ListByUser returns a user's connections, newest first.
	ListByUser(ctx context.Context, userID uuid.UUID) ([]model.Connection, error)
	// FindActive returns the active connection for a pair or errs.ErrNotFound.
	FindActive(ctx context.Context, userID uuid.UUID, brokerID model.BrokerID) (*model.Connection, error)
	// SetRequestToken records the OAuth1a request token on a pending connection.
	SetRequestToken(ctx context.Context, id uuid.UUID, token string) error

	// Activate makes id the only active connection for its (user, broker) pair.
	// Any other active row for the pair is revoked first, in the same transaction.
	// Returns the activated row and the ids it superseded.
	Activate(ctx context.Context, id uuid.UUID, tokens model.SealedTokens, at time.Time) (model.Connection, []uuid.UUID, error)
	// Transition moves id to status to. Already at to: returns changed=false and no error.
	// Not allowed from the current status: errs.ErrInvalidTransition.
	Transition(ctx context.Context, id uuid.UUID, to model.ConnectionStatus, reason string, at time.Time) (c model.Connection, changed bool, err error)
	// ExpireIfUnchanged expires an active connection only while its updated_at still equals seen.
	// A row renewed or moved on since then is returned with changed=false and no error.
	ExpireIfUnchanged(ctx context.Context, id uuid.UUID, seen time.Time, reason string, at time.Time) (c model.Connection, changed bool, err error)
	// UpdateTokens replaces the stored tokens of an active connection.
	UpdateTokens(ctx context.Context, id uuid.UUID, tokens model.SealedTokens, at time.Time) (model.Connection, error)
	// RevokeForPair revokes every non-revoked connection of a pair.
	RevokeForPair(ctx context.Context, userID uuid.UUID, brokerID model.BrokerID, reason string, at time.Time) ([]uuid.UUID, error)
	// SweepPending revokes pending connections created before cutoff.
	SweepPending(ctx context.Context, cutoff time.Time, reason string, at time.Time) ([]uuid.UUID, error)
	// Transitions returns the status history of a connection, oldest first.
	Transitions(ctx context.Context, id uuid.UUID) ([]model.StatusTransition, error)
}
