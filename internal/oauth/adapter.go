// Package oauth implements the two OAuth handshake families brokers speak.
//
// Each configured broker gets one Adapter. OAuth1a brokers (E*TRADE) use the three-legged
// request-token / verifier flow with HMAC-SHA1 signed requests; OAuth2 brokers use the
// authorization-code grant. Both variants persist a single-use model.OAuthState at initiate,
// consume it at callback and return the same model.AccessGrant envelope.
package oauth

import (
	"context"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/bobbyuzda1/g2e-trading-app-sub000/internal/model"
)

// Adapter is one broker's OAuth handshake.
// Broker errors are translated into errs sentinels before they leave the adapter.
type Adapter interface {
	// Protocol reports the handshake family.
	Protocol() model.Protocol
	// Initiate starts a flow and persists its state. kp is only valid for the duration of the call.
	Initiate(ctx context.Context, kp model.KeyPair, req FlowRequest) (Initiation, error)
	// Complete consumes the flow's state and exchanges the callback for an access grant.
	// Completion.ConnectionID is set whenever a state owned by req.UserID was consumed, even on error.
	Complete(ctx context.Context, kp model.KeyPair, req CallbackRequest) (Completion, error)
	// Refresh produces a fresh grant or fails with errs.ErrReauthRequired.
	Refresh(ctx context.Context, kp model.KeyPair, grant model.AccessGrant) (model.AccessGrant, error)
	// Revoke asks the broker to invalidate the grant.
	Revoke(ctx context.Context, kp model.KeyPair, grant model.AccessGrant) error
}

// FlowRequest describes a flow being started for a pending connection.
type FlowRequest struct {
	UserID       uuid.UUID
	BrokerID     model.BrokerID
	ConnectionID uuid.UUID
	RedirectURI  string
}

// Initiation is what the client needs to send the user to the broker.
type Initiation struct {
	AuthorizationURL string
	State            string
	RequestToken     string // OAuth1a only
	IsOOB            bool
	ExpiresIn        time.Duration
}

// CallbackRequest carries the broker redirect back into the flow.
type CallbackRequest struct {
	UserID      uuid.UUID
	BrokerID    model.BrokerID
	RedirectURI string
	Payload     model.CallbackPayload
}

// Completion is the outcome of a callback.
type Completion struct {
	ConnectionID uuid.UUID
	Grant        model.AccessGrant
}

// NewAdapter builds the adapter for cfg's protocol.
func NewAdapter(cfg BrokerConfig, d Deps) (Adapter, error) {
	switch cfg.Protocol {
	case model.ProtocolOAuth1a:
		return NewOAuth1(cfg, d), nil
	case model.ProtocolOAuth2:
		return NewOAuth2(cfg, d), nil
	default:
		return nil, fmt.Errorf("broker %q: unknown protocol %q", cfg.ID, cfg.Protocol)
	}
}
