// Package repository defines storage interfaces implemented by concrete backends.
package repository

import (
	"context"

	"github.com/gofrs/uuid/v5"

	"github.com/bobbyuzda1/g2e-trading-app-sub000/internal/model"
)

// CredentialRepository stores encrypted broker API keys, one row per (user, broker).
type CredentialRepository interface {
	// Upsert inserts or replaces the row for (c.UserID, c.BrokerID) and returns the stored row.
	Upsert(ctx context.Context, c *model.Credential) (model.Credential, error)
	// Get loads the row for a pair or returns errs.ErrNotFound.
	Get(ctx context.Context, userID uuid.UUID, brokerID model.BrokerID) (*model.Credential, error)
	// List returns all rows for a user ordered by broker id.
	List(ctx context.Context, userID uuid.UUID) ([]model.Credential, error)
	// Delete removes the row for a pair or returns errs.ErrNotFound.
	Delete(ctx context.Context, userID uuid.UUID, brokerID model.BrokerID) error
}
