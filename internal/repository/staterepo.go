package repository

import (
	"context"
	"time"

	"github.com/bobbyuzda1/g2e-trading-app-sub000/internal/model"
)

// StateRepository stores single-use OAuth states.
// Consume methods read and delete atomically; a second call for the same key returns errs.ErrNotFound.
// Expiry is not checked here.
type StateRepository interface {
	// Save inserts a new state.
	Save(ctx context.Context, st model.OAuthState) error
	// Consume removes and returns the state with the given value.
	Consume(ctx context.Context, state string) (model.OAuthState, error)
	// ConsumeByRequestToken removes and returns the OAuth1a state bound to a request token.
	ConsumeByRequestToken(ctx context.Context, brokerID model.BrokerID, token string) (model.OAuthState, error)
	// PurgeExpired deletes states whose expiry is at or before now.
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}
