// Package convert maps domain values to the JSON shapes of the HTTP API and back.
// Sealed token material never has a DTO field.
package convert

import (
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/bobbyuzda1/g2e-trading-app-sub000/internal/model"
	"github.com/bobbyuzda1/g2e-trading-app-sub000/internal/oauth"
	"github.com/bobbyuzda1/g2e-trading-app-sub000/internal/orchestrator"
)

// --- helpers ---

func ts(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

func tsPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	return ts(*t)
}

// --- credentials ---

// SaveCredentialRequest is the body of PUT /credentials.
type SaveCredentialRequest struct {
	BrokerID  string `json:"broker_id"`
	APIKey    string `json:"api_key"`
	APISecret string `json:"api_secret"`
	IsSandbox bool   `json:"is_sandbox"`
}

// Credential is the redacted credential view.
type Credential struct {
	BrokerID       string     `json:"broker_id"`
	HasCredentials bool       `json:"has_credentials"`
	IsSandbox      bool       `json:"is_sandbox"`
	APIKeyHint     string     `json:"api_key_hint"`
	UpdatedAt      *time.Time `json:"updated_at,omitempty"`
}

// ToCredential converts a vault view.
func ToCredential(v model.CredentialView) Credential {
	return Credential{
		BrokerID:       string(v.BrokerID),
		HasCredentials: v.HasCredentials,
		IsSandbox:      v.IsSandbox,
		APIKeyHint:     v.APIKeyHint,
		UpdatedAt:      ts(v.UpdatedAt),
	}
}

// ToCredentials converts a list; never nil so it encodes as [].
func ToCredentials(in []model.CredentialView) []Credential {
	out := make([]Credential, 0, len(in))
	for _, v := range in {
		out = append(out, ToCredential(v))
	}
	return out
}

// --- connections ---

// Connection is the public view of a connection row.
type Connection struct {
	ID           uuid.UUID  `json:"id"`
	BrokerID     string     `json:"broker_id"`
	Status       string     `json:"status"`
	StatusReason string     `json:"status_reason,omitempty"`
	IsPrimary    bool       `json:"is_primary"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	ConnectedAt  *time.Time `json:"connected_at,omitempty"`
	LastSyncAt   *time.Time `json:"last_sync_at,omitempty"`
	CreatedAt    *time.Time `json:"created_at,omitempty"`
	UpdatedAt    *time.Time `json:"updated_at,omitempty"`
}

// ToConnection drops every sealed field and the request token.
func ToConnection(c model.Connection) Connection {
	return Connection{
		ID:           c.ID,
		BrokerID:     string(c.BrokerID),
		Status:       string(c.Status),
		StatusReason: c.StatusReason,
		IsPrimary:    c.IsPrimary,
		ExpiresAt:    tsPtr(c.ExpiresAt),
		ConnectedAt:  tsPtr(c.ConnectedAt),
		LastSyncAt:   tsPtr(c.LastSyncAt),
		CreatedAt:    ts(c.CreatedAt),
		UpdatedAt:    ts(c.UpdatedAt),
	}
}

// ToConnections converts a list; never nil.
func ToConnections(in []model.Connection) []Connection {
	out := make([]Connection, 0, len(in))
	for _, c := range in {
		out = append(out, ToConnection(c))
	}
	return out
}

// Transition is one entry of a connection's status log.
type Transition struct {
	From   string    `json:"from,omitempty"`
	To     string    `json:"to"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// ToTransitions converts a status log; never nil.
func ToTransitions(in []model.StatusTransition) []Transition {
	out := make([]Transition, 0, len(in))
	for _, t := range in {
		out = append(out, Transition{From: string(t.From), To: string(t.To), Reason: t.Reason, At: t.At.UTC()})
	}
	return out
}

// --- flows ---

// Initiation is the response of POST /connect/{broker_id}.
type Initiation struct {
	AuthorizationURL string `json:"authorization_url"`
	State            string `json:"state"`
	ExpiresIn        int64  `json:"expires_in"`
	IsOOB            bool   `json:"is_oob"`
}

// ToInitiation reports the state lifetime in whole seconds.
func ToInitiation(in oauth.Initiation) Initiation {
	return Initiation{
		AuthorizationURL: in.AuthorizationURL,
		State:            in.State,
		ExpiresIn:        int64(in.ExpiresIn / time.Second),
		IsOOB:            in.IsOOB,
	}
}

// Callback is the body of POST /callback/{broker_id}.
type Callback struct {
	State         string `json:"state"`
	Code          string `json:"code,omitempty"`
	OAuthToken    string `json:"oauth_token,omitempty"`
	OAuthVerifier string `json:"oauth_verifier,omitempty"`
	Error         string `json:"error,omitempty"`
}

// FromCallback trims every field; brokers and browsers are sloppy with whitespace.
func FromCallback(in Callback) model.CallbackPayload {
	return model.CallbackPayload{
		State:         strings.TrimSpace(in.State),
		Code:          strings.TrimSpace(in.Code),
		OAuthToken:    strings.TrimSpace(in.OAuthToken),
		OAuthVerifier: strings.TrimSpace(in.OAuthVerifier),
		Error:         strings.TrimSpace(in.Error),
	}
}

// SupportedBroker is one entry of GET /supported.
type SupportedBroker struct {
	BrokerID    string   `json:"broker_id"`
	Name        string   `json:"name"`
	Protocol    string   `json:"protocol,omitempty"`
	Features    []string `json:"features"`
	Connectable bool     `json:"connectable"`
}

// ToSupportedBrokers converts the broker list.
func ToSupportedBrokers(in []orchestrator.SupportedBroker) []SupportedBroker {
	out := make([]SupportedBroker, 0, len(in))
	for _, b := range in {
		features := b.Features
		if features == nil {
			features = []string{}
		}
		out = append(out, SupportedBroker{
			BrokerID: string(b.ID), Name: b.Name, Protocol: string(b.Protocol),
			Features: features, Connectable: b.Connectable,
		})
	}
	return out
}
