package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/bobbyuzda1/g2e-trading-app-sub000/internal/errs"
	"github.com/bobbyuzda1/g2e-trading-app-sub000/internal/model"
)

// StateRepo implements StateRepository using PostgreSQL.
// Consumption is a single DELETE ... RETURNING, so two racing callbacks cannot both obtain a state.
type StateRepo struct{ db *DB }

// NewStateRepo constructs an OAuth state repository.
func NewStateRepo(db *DB) *StateRepo { return &StateRepo{db: db} }

const stateCols = `state, user_id, broker_id, connection_id, protocol, redirect_uri,
request_token, request_secret_enc, is_oob, created_at, expires_at`

func scanState(row pgx.Row) (model.OAuthState, error) {
	var (
		st               model.OAuthState
		broker, protocol string
	)
	err := row.Scan(&st.State, &st.UserID, &broker, &st.ConnectionID, &protocol, &st.RedirectURI,
		&st.RequestToken, &st.RequestSecretEnc, &st.IsOOB, &st.CreatedAt, &st.ExpiresAt)
	st.BrokerID = model.BrokerID(broker)
	st.Protocol = model.Protocol(protocol)
	return st, err
}

// Save inserts a new state.
func (r *StateRepo) Save(ctx context.Context, st model.OAuthState) error {
	q := `INSERT INTO oauth_states (` + stateCols + `) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`
	_, err := r.db.Pool.Exec(ctx, q, st.State, st.UserID, string(st.BrokerID), st.ConnectionID, string(st.Protocol),
		st.RedirectURI, st.RequestToken, st.RequestSecretEnc, st.IsOOB, st.CreatedAt, st.ExpiresAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("oauth state collision: %w", err)
	}
	return err
}

// Consume deletes and returns a state by value.
func (r *StateRepo) Consume(ctx context.Context, state string) (model.OAuthState, error) {
	q := `DELETE FROM oauth_states WHERE state=$1 RETURNING ` + stateCols
	return r.consume(ctx, q, state)
}

// ConsumeByRequestToken deletes and returns the state bound to an OAuth1a request token.
func (r *StateRepo) ConsumeByRequestToken(ctx context.Context, brokerID model.BrokerID, token string) (model.OAuthState, error) {
	if token == "" {
		return model.OAuthState{}, errs.ErrNotFound
	}
	q := `
DELETE FROM oauth_states
WHERE state = (
  SELECT state FROM oauth_states WHERE broker_id=$1 AND request_token=$2
  LIMIT 1 FOR UPDATE SKIP LOCKED
)
RETURNING ` + stateCols
	return r.consume(ctx, q, string(brokerID), token)
}

func (r *StateRepo) consume(ctx context.Context, q string, args ...any) (model.OAuthState, error) {
	st, err := scanState(r.db.Pool.QueryRow(ctx, q, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.OAuthState{}, errs.ErrNotFound
		}
		return model.OAuthState{}, err
	}
	return st, nil
}

// PurgeExpired deletes states at or past their expiry.
func (r *StateRepo) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	const q = `DELETE FROM oauth_states WHERE expires_at <= $1`
	tag, err := r.db.Pool.Exec(ctx, q, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
