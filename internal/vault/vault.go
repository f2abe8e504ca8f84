// Package vault stores broker API keys encrypted at rest and lends them out for the duration of a call.
package vault

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/bobbyuzda1/g2e-trading-app-sub000/internal/crypto"
	"github.com/bobbyuzda1/g2e-trading-app-sub000/internal/errs"
	"github.com/bobbyuzda1/g2e-trading-app-sub000/internal/model"
	"github.com/bobbyuzda1/g2e-trading-app-sub000/internal/repository"
)

// Vault defines credential operations. Decrypted keys never leave WithKeyPair.
type Vault interface {
	// Save validates, encrypts and upserts the pair's key and secret.
	Save(ctx context.Context, userID uuid.UUID, brokerID model.BrokerID, apiKey, apiSecret string, sandbox bool) (model.CredentialView, error)
	// Get returns the stored, still encrypted row.
	Get(ctx context.Context, userID uuid.UUID, brokerID model.BrokerID) (*model.Credential, error)
	// WithKeyPair decrypts the pair's keys, runs fn and wipes them.
	WithKeyPair(ctx context.Context, userID uuid.UUID, brokerID model.BrokerID, fn func(model.KeyPair) error) error
	// Delete removes the credential and revokes every open connection for the pair.
	Delete(ctx context.Context, userID uuid.UUID, brokerID model.BrokerID) error
	// List returns redacted views.
	List(ctx context.Context, userID uuid.UUID) ([]model.CredentialView, error)
}

// PairRevoker revokes connections when their credential disappears.
type PairRevoker interface {
	RevokeForPair(ctx context.Context, userID uuid.UUID, brokerID model.BrokerID, reason string) ([]uuid.UUID, error)
}

const (
	fieldAPIKey    = "api_key"
	fieldAPISecret = "api_secret"
)

type VaultImpl struct {
	repo    repository.CredentialRepository
	sealer  *crypto.Sealer
	revoker PairRevoker
	log     *zap.Logger
}

var _ Vault = (*VaultImpl)(nil)

// NewVault constructs a Vault.
func NewVault(repo repository.CredentialRepository, sealer *crypto.Sealer, revoker PairRevoker, log *zap.Logger) *VaultImpl {
	if log == nil {
		log = zap.NewNop()
	}
	return &VaultImpl{repo: repo, sealer: sealer, revoker: revoker, log: log}
}

func aad(userID uuid.UUID, brokerID model.BrokerID, field string) []byte {
	return crypto.AAD(userID.String(), string(brokerID), field)
}

func validPair(userID uuid.UUID, brokerID model.BrokerID) error {
	if userID == uuid.Nil {
		return fmt.Errorf("%w: empty user id", errs.ErrValidation)
	}
	if _, ok := model.ParseBrokerID(string(brokerID)); !ok {
		return fmt.Errorf("%w: %q", errs.ErrUnsupportedBroker, brokerID)
	}
	return nil
}

// Save trims both values, rejects blanks and replaces any existing row for the pair.
func (v *VaultImpl) Save(
	ctx context.Context, userID uuid.UUID, brokerID model.BrokerID, apiKey, apiSecret string, sandbox bool,
) (model.CredentialView, error) {
	if err := validPair(userID, brokerID); err != nil {
		return model.CredentialView{}, err
	}
	apiKey, apiSecret = strings.TrimSpace(apiKey), strings.TrimSpace(apiSecret)
	if apiKey == "" {
		return model.CredentialView{}, fmt.Errorf("%w: api_key is required", errs.ErrValidation)
	}
	if apiSecret == "" {
		return model.CredentialView{}, fmt.Errorf("%w: api_secret is required", errs.ErrValidation)
	}

	keyEnc, err := v.sealer.Seal(crypto.PurposeCredential, aad(userID, brokerID, fieldAPIKey), []byte(apiKey))
	if err != nil {
		return model.CredentialView{}, fmt.Errorf("%w: seal api key", errs.ErrEncryption)
	}
	secretEnc, err := v.sealer.Seal(crypto.PurposeCredential, aad(userID, brokerID, fieldAPISecret), []byte(apiSecret))
	if err != nil {
		return model.CredentialView{}, fmt.Errorf("%w: seal api secret", errs.ErrEncryption)
	}

	stored, err := v.repo.Upsert(ctx, &model.Credential{
		UserID:       userID,
		BrokerID:     brokerID,
		APIKeyEnc:    keyEnc,
		APISecretEnc: secretEnc,
		APIKeyHint:   model.MaskKey(apiKey),
		IsSandbox:    sandbox,
	})
	if err != nil {
		return model.CredentialView{}, err
	}
	v.log.Info("broker credentials saved",
		zap.Stringer("user_id", userID), zap.String("broker", string(brokerID)), zap.Bool("sandbox", sandbox))
	return stored.View(), nil
}

// Get returns the encrypted row.
func (v *VaultImpl) Get(ctx context.Context, userID uuid.UUID, brokerID model.BrokerID) (*model.Credential, error) {
	if err := validPair(userID, brokerID); err != nil {
		return nil, err
	}
	return v.repo.Get(ctx, userID, brokerID)
}

// WithKeyPair lends the decrypted keys to fn. The buffers are zeroed when fn returns.
func (v *VaultImpl) WithKeyPair(
	ctx context.Context, userID uuid.UUID, brokerID model.BrokerID, fn func(model.KeyPair) error,
) error {
	c, err := v.Get(ctx, userID, brokerID)
	if err != nil {
		return err
	}
	key, err := v.sealer.Open(crypto.PurposeCredential, aad(userID, brokerID, fieldAPIKey), c.APIKeyEnc)
	if err != nil {
		v.log.Error("credential decrypt failed", zap.Stringer("user_id", userID), zap.String("broker", string(brokerID)))
		return fmt.Errorf("%w: open api key", errs.ErrEncryption)
	}
	secret, err := v.sealer.Open(crypto.PurposeCredential, aad(userID, brokerID, fieldAPISecret), c.APISecretEnc)
	if err != nil {
		crypto.Wipe(key)
		v.log.Error("credential decrypt failed", zap.Stringer("user_id", userID), zap.String("broker", string(brokerID)))
		return fmt.Errorf("%w: open api secret", errs.ErrEncryption)
	}
	kp := model.KeyPair{APIKey: key, APISecret: secret, IsSandbox: c.IsSandbox}
	defer kp.Wipe()
	return fn(kp)
}

// Delete revokes the pair's connections, then removes the row.
func (v *VaultImpl) Delete(ctx context.Context, userID uuid.UUID, brokerID model.BrokerID) error {
	if _, err := v.Get(ctx, userID, brokerID); err != nil {
		return err
	}
	revoked, err := v.revoker.RevokeForPair(ctx, userID, brokerID, "credentials deleted")
	if err != nil {
		return fmt.Errorf("revoke connections: %w", err)
	}
	if err := v.repo.Delete(ctx, userID, brokerID); err != nil && !errors.Is(err, errs.ErrNotFound) {
		return err
	}
	v.log.Info("broker credentials deleted",
		zap.Stringer("user_id", userID), zap.String("broker", string(brokerID)), zap.Int("revoked", len(revoked)))
	return nil
}

// List returns redacted views ordered by broker.
func (v *VaultImpl) List(ctx context.Context, userID uuid.UUID) ([]model.CredentialView, error) {
	if userID == uuid.Nil {
		return nil, fmt.Errorf("%w: empty user id", errs.ErrValidation)
	}
	rows, err := v.repo.List(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]model.CredentialView, 0, len(rows))
	for _, c := range rows {
		out = append(out, c.View())
	}
	return out, nil
}
