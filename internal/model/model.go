// Package model defines domain entities used by services and repositories.
package model

import (
	"time"

	"github.com/gofrs/uuid/v5"
)

// BrokerID identifies an external brokerage.
type BrokerID string

// Known brokers. Only brokers present in the configured catalog are connectable.
const (
	BrokerETrade BrokerID = "etrade"
	BrokerAlpaca BrokerID = "alpaca"
	BrokerSchwab BrokerID = "schwab"
	BrokerIBKR   BrokerID = "ibkr"
)

// ParseBrokerID validates a raw broker identifier.
func ParseBrokerID(s string) (BrokerID, bool) {
	switch id := BrokerID(s); id {
	case BrokerETrade, BrokerAlpaca, BrokerSchwab, BrokerIBKR:
		return id, true
	default:
		return "", false
	}
}

// Protocol is the OAuth handshake family a broker speaks.
type Protocol string

const (
	ProtocolOAuth1a Protocol = "oauth1a"
	ProtocolOAuth2  Protocol = "oauth2"
)

// Credential is a stored API key/secret pair. Both fields are ciphertext; only the hint is plaintext.
type Credential struct {
	UserID       uuid.UUID
	BrokerID     BrokerID
	APIKeyEnc    []byte
	APISecretEnc []byte
	APIKeyHint   string // masked, e.g. "AKI...XYZ"
	IsSandbox    bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// View returns the redacted, client-safe projection of the credential.
func (c Credential) View() CredentialView {
	return CredentialView{
		BrokerID:       c.BrokerID,
		HasCredentials: true,
		IsSandbox:      c.IsSandbox,
		APIKeyHint:     c.APIKeyHint,
		UpdatedAt:      c.UpdatedAt,
	}
}

// CredentialView is what leaves the vault.
type CredentialView struct {
	BrokerID       BrokerID
	HasCredentials bool
	IsSandbox      bool
	APIKeyHint     string
	UpdatedAt      time.Time
}

// MaskKey renders a short, non-reversible hint of an API key.
func MaskKey(key string) string {
	switch n := len(key); {
	case n < 4:
		return "***"
	case n <= 8:
		return key[:2] + "..." + key[n-2:]
	default:
		return key[:3] + "..." + key[n-3:]
	}
}

// Connection links a user to a broker account via OAuth.
type Connection struct {
	ID              uuid.UUID
	UserID          uuid.UUID
	BrokerID        BrokerID
	Status          ConnectionStatus
	StatusReason    string
	RequestToken    string // OAuth1a only, cleared once the flow ends
	AccessTokenEnc  []byte
	TokenSecretEnc  []byte // OAuth1a token secret
	RefreshTokenEnc []byte // OAuth2 refresh token
	ExpiresAt       *time.Time
	IsPrimary       bool
	ConnectedAt     *time.Time
	LastSyncAt      *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// SealedTokens is an AccessGrant after encryption, ready for storage.
type SealedTokens struct {
	AccessToken  []byte
	TokenSecret  []byte
	RefreshToken []byte
	ExpiresAt    *time.Time
}

// StatusTransition records a single attributable status change.
type StatusTransition struct {
	ConnectionID uuid.UUID
	From         ConnectionStatus
	To           ConnectionStatus
	Reason       string
	At           time.Time
}

// OAuthState binds an initiated flow to its callback. Single use.
type OAuthState struct {
	State            string
	UserID           uuid.UUID
	BrokerID         BrokerID
	ConnectionID     uuid.UUID
	Protocol         Protocol
	RedirectURI      string
	RequestToken     string // OAuth1a request token
	RequestSecretEnc []byte // OAuth1a request token secret, sealed
	IsOOB            bool
	CreatedAt        time.Time
	ExpiresAt        time.Time
}

// Expired reports whether the state is past its lifetime at now.
func (s OAuthState) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// CallbackPayload is what the broker redirect hands back to the client.
type CallbackPayload struct {
	State         string
	Code          string
	OAuthToken    string
	OAuthVerifier string
	Error         string // OAuth2 "error" parameter when the user denied access
}

// Shape guesses the protocol family from the fields present. Empty when ambiguous.
func (p CallbackPayload) Shape() Protocol {
	switch {
	case p.OAuthVerifier != "" || p.OAuthToken != "":
		return ProtocolOAuth1a
	case p.Code != "":
		return ProtocolOAuth2
	default:
		return ""
	}
}
