// Package memory contains in-process implementations of repository interfaces,
// used for development mode and tests. State is lost on restart.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/bobbyuzda1/g2e-trading-app-sub000/internal/errs"
	"github.com/bobbyuzda1/g2e-trading-app-sub000/internal/model"
)

type pairKey struct {
	user   uuid.UUID
	broker model.BrokerID
}

// CredentialRepo is an in-memory CredentialRepository.
type CredentialRepo struct {
	mu   sync.Mutex
	rows map[pairKey]model.Credential
	now  func() time.Time
}

// NewCredentialRepo constructs an empty repository.
func NewCredentialRepo() *CredentialRepo {
	return &CredentialRepo{rows: map[pairKey]model.Credential{}, now: time.Now}
}

func cloneCredential(c model.Credential) model.Credential {
	c.APIKeyEnc = append([]byte(nil), c.APIKeyEnc...)
	c.APISecretEnc = append([]byte(nil), c.APISecretEnc...)
	return c
}

// Upsert inserts or replaces the row for the pair, keeping created_at on replace.
func (r *CredentialRepo) Upsert(_ context.Context, c *model.Credential) (model.Credential, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := pairKey{c.UserID, c.BrokerID}
	now := r.now()
	row := cloneCredential(*c)
	row.CreatedAt, row.UpdatedAt = now, now
	if prev, ok := r.rows[k]; ok {
		row.CreatedAt = prev.CreatedAt
	}
	r.rows[k] = row
	return cloneCredential(row), nil
}

// Get loads the row for a pair.
func (r *CredentialRepo) Get(_ context.Context, userID uuid.UUID, brokerID model.BrokerID) (*model.Credential, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[pairKey{userID, brokerID}]
	if !ok {
		return nil, errs.ErrNotFound
	}
	out := cloneCredential(row)
	return &out, nil
}

// List returns a user's rows ordered by broker id.
func (r *CredentialRepo) List(_ context.Context, userID uuid.UUID) ([]model.Credential, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Credential
	for k, row := range r.rows {
		if k.user == userID {
			out = append(out, cloneCredential(row))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BrokerID < out[j].BrokerID })
	return out, nil
}

// Delete removes the row for a pair.
func (r *CredentialRepo) Delete(_ context.Context, userID uuid.UUID, brokerID model.BrokerID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := pairKey{userID, brokerID}
	if _, ok := r.rows[k]; !ok {
		return errs.ErrNotFound
	}
	delete(r.rows, k)
	return nil
}
