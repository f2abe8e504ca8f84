package postgres

import (
	"context"
	"errors"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/bobbyuzda1/g2e-trading-app-sub000/internal/errs"
	"github.com/bobbyuzda1/g2e-trading-app-sub000/internal/model"
)

// CredentialRepo implements CredentialRepository using PostgreSQL.
type CredentialRepo struct{ db *DB }

// NewCredentialRepo constructs a credential repository.
func NewCredentialRepo(db *DB) *CredentialRepo { return &CredentialRepo{db: db} }

// Upsert replaces the row for the pair; the primary key guarantees a single row.
func (r *CredentialRepo) Upsert(ctx context.Context, c *model.Credential) (model.Credential, error) {
	const q = `
INSERT INTO broker_credentials (user_id, broker_id, api_key_enc, api_secret_enc, api_key_hint, is_sandbox)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (user_id, broker_id) DO UPDATE
SET api_key_enc=EXCLUDED.api_key_enc, api_secret_enc=EXCLUDED.api_secret_enc,
    api_key_hint=EXCLUDED.api_key_hint, is_sandbox=EXCLUDED.is_sandbox, updated_at=now()
RETURNING created_at, updated_at`
	out := *c
	err := r.db.Pool.QueryRow(ctx, q,
		c.UserID, string(c.BrokerID), c.APIKeyEnc, c.APISecretEnc, c.APIKeyHint, c.IsSandbox,
	).Scan(&out.CreatedAt, &out.UpdatedAt)
	if err != nil {
		return model.Credential{}, err
	}
	return out, nil
}

const credentialCols = `user_id, broker_id, api_key_enc, api_secret_enc, api_key_hint, is_sandbox, created_at, updated_at`

func scanCredential(row pgx.Row) (model.Credential, error) {
	var (
		c      model.Credential
		broker string
	)
	err := row.Scan(&c.UserID, &broker, &c.APIKeyEnc, &c.APISecretEnc, &c.APIKeyHint, &c.IsSandbox, &c.CreatedAt, &c.UpdatedAt)
	c.BrokerID = model.BrokerID(broker)
	return c, err
}

// Get loads the credential for a pair.
func (r *CredentialRepo) Get(ctx context.Context, userID uuid.UUID, brokerID model.BrokerID) (*model.Credential, error) {
	q := `SELECT ` + credentialCols + ` FROM broker_credentials WHERE user_id=$1 AND broker_id=$2`
	c, err := scanCredential(r.db.Pool.QueryRow(ctx, q, userID, string(brokerID)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

// List returns a user's credentials ordered by broker.
func (r *CredentialRepo) List(ctx context.Context, userID uuid.UUID) ([]model.Credential, error) {
	q := `SELECT ` + credentialCols + ` FROM broker_credentials WHERE user_id=$1 ORDER BY broker_id`
	rows, err := r.db.Pool.Query(ctx, q, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Delete removes the credential for a pair.
func (r *CredentialRepo) Delete(ctx context.Context, userID uuid.UUID, brokerID model.BrokerID) error {
	const q = `DELETE FROM broker_credentials WHERE user_id=$1 AND broker_id=$2`
	tag, err := r.db.Pool.Exec(ctx, q, userID, string(brokerID))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}
