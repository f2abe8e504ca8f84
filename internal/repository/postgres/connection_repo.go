package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/bobbyuzda1/g2e-trading-app-sub000/internal/errs"
	"github.com/bobbyuzda1/g2e-trading-app-sub000/internal/model"
)

// ConnectionRepo implements ConnectionRepository using PostgreSQL.
type ConnectionRepo struct{ db *DB }

// NewConnectionRepo constructs a connection repository.
func NewConnectionRepo(db *DB) *ConnectionRepo { return &ConnectionRepo{db: db} }

const connectionCols = `id, user_id, broker_id, status, status_reason, request_token,
access_token_enc, token_secret_enc, refresh_token_enc, expires_at, is_primary,
connected_at, last_sync_at, created_at, updated_at`

func scanConnection(row pgx.Row) (model.Connection, error) {
	var (
		c              model.Connection
		broker, status string
	)
	err := row.Scan(&c.ID, &c.UserID, &broker, &status, &c.StatusReason, &c.RequestToken,
		&c.AccessTokenEnc, &c.TokenSecretEnc, &c.RefreshTokenEnc, &c.ExpiresAt, &c.IsPrimary,
		&c.ConnectedAt, &c.LastSyncAt, &c.CreatedAt, &c.UpdatedAt)
	c.BrokerID = model.BrokerID(broker)
	c.Status = model.ConnectionStatus(status)
	return c, err
}

const insTransition = `
INSERT INTO connection_transitions (connection_id, from_status, to_status, reason, at)
VALUES ($1,$2,$3,$4,$5)`

// revokeWhere revokes every row matched by the filter and logs one transition per row, in one statement.
// $1.. are filter args; the last two placeholders are reason and time.
func revokeWhere(filter string, nFilterArgs int) string {
	reason := fmt.Sprintf("$%d", nFilterArgs+1)
	at := fmt.Sprintf("$%d", nFilterArgs+2)
	return `
WITH prev AS (
  SELECT id, status FROM broker_connections WHERE ` + filter + ` FOR UPDATE
), upd AS (
  UPDATE broker_connections c
  SET status='revoked', status_reason=` + reason + `, is_primary=false, request_token='', updated_at=` + at + `
  FROM prev WHERE c.id = prev.id
  RETURNING c.id, prev.status AS from_status
)
INSERT INTO connection_transitions (connection_id, from_status, to_status, reason, at)
SELECT id, from_status, 'revoked', ` + reason + `, ` + at + ` FROM upd
RETURNING connection_id`
}

var (
	revokeOthersActiveSQL = revokeWhere(`user_id=$1 AND broker_id=$2 AND status='active' AND id<>$3`, 3)
	revokePairSQL         = revokeWhere(`user_id=$1 AND broker_id=$2 AND status<>'revoked'`, 2)
	sweepPendingSQL       = revokeWhere(`status='pending' AND created_at<$1`, 1)
)

func collectIDs(rows pgx.Rows, err error) ([]uuid.UUID, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// Create inserts a pending connection and its creation transition.
func (r *ConnectionRepo) Create(ctx context.Context, c *model.Connection) error {
	const ins = `
INSERT INTO broker_connections (id, user_id, broker_id, status, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$5)`
	return r.db.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, ins, c.ID, c.UserID, string(c.BrokerID), string(c.Status), c.CreatedAt); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, insTransition, c.ID, "", string(c.Status), "created", c.CreatedAt)
		return err
	})
}

// Get loads a connection by id.
func (r *ConnectionRepo) Get(ctx context.Context, id uuid.UUID) (*model.Connection, error) {
	q := `SELECT ` + connectionCols + ` FROM broker_connections WHERE id=$1`
	c, err := scanConnection(r.db.Pool.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

// ListByUser returns a user's connections, newest first.
func (r *ConnectionRepo) ListByUser(ctx context.Context, userID uuid.UUID) ([]model.Connection, error) {
	q := `SELECT ` + connectionCols + ` FROM broker_connections WHERE user_id=$1 ORDER BY created_at DESC`
	rows, err := r.db.Pool.Query(ctx, q, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Connection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// FindActive returns the single active connection of a pair.
func (r *ConnectionRepo) FindActive(ctx context.Context, userID uuid.UUID, brokerID model.BrokerID) (*model.Connection, error) {
	q := `SELECT ` + connectionCols + ` FROM broker_connections WHERE user_id=$1 AND broker_id=$2 AND status='active'`
	c, err := scanConnection(r.db.Pool.QueryRow(ctx, q, userID, string(brokerID)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

// SetRequestToken stores the OAuth1a request token while the connection is pending.
func (r *ConnectionRepo) SetRequestToken(ctx context.Context, id uuid.UUID, token string) error {
	const q = `UPDATE broker_connections SET request_token=$2, updated_at=now() WHERE id=$1 AND status='pending'`
	tag, err := r.db.Pool.Exec(ctx, q, id, token)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// Activate serializes on the (user, broker) pair with a transaction-scoped advisory lock,
// revokes the pair's other active rows, then activates id.
func (r *ConnectionRepo) Activate(
	ctx context.Context, id uuid.UUID, tokens model.SealedTokens, at time.Time,
) (conn model.Connection, superseded []uuid.UUID, err error) {
	const selPair = `SELECT user_id, broker_id FROM broker_connections WHERE id=$1`
	const lockPair = `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`
	const selStatus = `SELECT status FROM broker_connections WHERE id=$1 FOR UPDATE`
	upd := `
UPDATE broker_connections
SET status='active', status_reason='', request_token='', access_token_enc=$2, token_secret_enc=$3,
    refresh_token_enc=$4, expires_at=$5, is_primary=true, connected_at=$6, last_sync_at=$6, updated_at=$6
WHERE id=$1
RETURNING ` + connectionCols

	err = r.db.inTx(ctx, func(tx pgx.Tx) error {
		var (
			userID uuid.UUID
			broker string
		)
		if err := tx.QueryRow(ctx, selPair, id).Scan(&userID, &broker); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return errs.ErrNotFound
			}
			return err
		}
		if _, err := tx.Exec(ctx, lockPair, userID.String()+"/"+broker); err != nil {
			return err
		}

		var status string
		if err := tx.QueryRow(ctx, selStatus, id).Scan(&status); err != nil {
			return err
		}
		from := model.ConnectionStatus(status)
		if !from.CanTransition(model.StatusActive) {
			return fmt.Errorf("%w: %s -> %s", errs.ErrInvalidTransition, from, model.StatusActive)
		}

		ids, err := collectIDs(tx.Query(ctx, revokeOthersActiveSQL, userID, broker, id, "superseded by "+id.String(), at))
		if err != nil {
			return err
		}
		superseded = ids

		conn, err = scanConnection(tx.QueryRow(ctx, upd, id,
			tokens.AccessToken, tokens.TokenSecret, tokens.RefreshToken, tokens.ExpiresAt, at))
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: concurrent activation", errs.ErrInvalidTransition)
			}
			return err
		}
		_, err = tx.Exec(ctx, insTransition, id, status, string(model.StatusActive), "activated", at)
		return err
	})
	if err != nil {
		return model.Connection{}, nil, err
	}
	return conn, superseded, nil
}

// Transition moves a connection to a non-active status under a row lock.
func (r *ConnectionRepo) Transition(
	ctx context.Context, id uuid.UUID, to model.ConnectionStatus, reason string, at time.Time,
) (model.Connection, bool, error) {
	return r.transition(ctx, id, to, reason, at, nil)
}

// ExpireIfUnchanged expires id only while it is active and its updated_at equals seen.
func (r *ConnectionRepo) ExpireIfUnchanged(
	ctx context.Context, id uuid.UUID, seen time.Time, reason string, at time.Time,
) (model.Connection, bool, error) {
	return r.transition(ctx, id, model.StatusExpired, reason, at, func(cur model.Connection) bool {
		return cur.Status == model.StatusActive && cur.UpdatedAt.Equal(seen)
	})
}

// transition applies a status change under a row lock. A nil guard accepts every row.
func (r *ConnectionRepo) transition(
	ctx context.Context, id uuid.UUID, to model.ConnectionStatus, reason string, at time.Time,
	guard func(model.Connection) bool,
) (conn model.Connection, changed bool, err error) {
	if to == model.StatusActive {
		return model.Connection{}, false, fmt.Errorf("%w: activation requires tokens", errs.ErrInvalidTransition)
	}
	sel := `SELECT ` + connectionCols + ` FROM broker_connections WHERE id=$1 FOR UPDATE`
	upd := `
UPDATE broker_connections
SET status=$2, status_reason=$3, updated_at=$4,
    is_primary = is_primary AND $2 <> 'revoked',
    request_token = CASE WHEN status='pending' THEN '' ELSE request_token END
WHERE id=$1
RETURNING ` + connectionCols

	err = r.db.inTx(ctx, func(tx pgx.Tx) error {
		cur, err := scanConnection(tx.QueryRow(ctx, sel, id))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return errs.ErrNotFound
			}
			return err
		}
		conn = cur
		if cur.Status == to || (guard != nil && !guard(cur)) {
			return nil
		}
		if !cur.Status.CanTransition(to) {
			return fmt.Errorf("%w: %s -> %s", errs.ErrInvalidTransition, cur.Status, to)
		}
		if conn, err = scanConnection(tx.QueryRow(ctx, upd, id, string(to), reason, at)); err != nil {
			return err
		}
		changed = true
		_, err = tx.Exec(ctx, insTransition, id, string(cur.Status), string(to), reason, at)
		return err
	})
	if err != nil {
		// current row is still useful to callers deciding whether a refusal is a no-op
		return conn, false, err
	}
	return conn, changed, nil
}

// UpdateTokens swaps stored tokens on an active connection.
func (r *ConnectionRepo) UpdateTokens(
	ctx context.Context, id uuid.UUID, tokens model.SealedTokens, at time.Time,
) (model.Connection, error) {
	q := `
UPDATE broker_connections
SET access_token_enc=$2, token_secret_enc=$3, refresh_token_enc=$4, expires_at=$5, last_sync_at=$6, updated_at=$6
WHERE id=$1 AND status='active'
RETURNING ` + connectionCols
	c, err := scanConnection(r.db.Pool.QueryRow(ctx, q, id,
		tokens.AccessToken, tokens.TokenSecret, tokens.RefreshToken, tokens.ExpiresAt, at))
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return model.Connection{}, err
	}
	if _, gerr := r.Get(ctx, id); gerr != nil {
		return model.Connection{}, gerr
	}
	return model.Connection{}, fmt.Errorf("%w: connection is not active", errs.ErrInvalidTransition)
}

// RevokeForPair revokes every non-revoked connection of a pair.
func (r *ConnectionRepo) RevokeForPair(
	ctx context.Context, userID uuid.UUID, brokerID model.BrokerID, reason string, at time.Time,
) ([]uuid.UUID, error) {
	return collectIDs(r.db.Pool.Query(ctx, revokePairSQL, userID, string(brokerID), reason, at))
}

// SweepPending revokes pending connections created before cutoff.
func (r *ConnectionRepo) SweepPending(ctx context.Context, cutoff time.Time, reason string, at time.Time) ([]uuid.UUID, error) {
	return collectIDs(r.db.Pool.Query(ctx, sweepPendingSQL, cutoff, reason, at))
}

// Transitions returns a connection's status history, oldest first.
func (r *ConnectionRepo) Transitions(ctx context.Context, id uuid.UUID) ([]model.StatusTransition, error) {
	const q = `
SELECT connection_id, from_status, to_status, reason, at
FROM connection_transitions WHERE connection_id=$1 ORDER BY id ASC`
	rows, err := r.db.Pool.Query(ctx, q, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.StatusTransition
	for rows.Next() {
		var (
			st       model.StatusTransition
			from, to string
		)
		if err := rows.Scan(&st.ConnectionID, &from, &to, &st.Reason, &st.At); err != nil {
			return nil, err
		}
		st.From, st.To = model.ConnectionStatus(from), model.ConnectionStatus(to)
		out = append(out, st)
	}
	return out, rows.Err()
}
