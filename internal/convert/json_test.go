package convert

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/bobbyuzda1/g2e-trading-app-sub000/internal/model"
	"github.com/bobbyuzda1/g2e-trading-app-sub000/internal/oauth"
	"github.com/bobbyuzda1/g2e-trading-app-sub000/internal/orchestrator"
)

func TestToConnection_NeverCarriesTokens(t *testing.T) {
	t.Parallel()

	exp := time.Date(2026, 1, 2, 3, 4, 5, 0, time.FixedZone("X", 3600))
	c := model.Connection{
		ID:              uuid.Must(uuid.NewV4()),
		BrokerID:        model.BrokerAlpaca,
		Status:          model.StatusActive,
		RequestToken:    "request-token",
		AccessTokenEnc:  []byte("sealed-access"),
		RefreshTokenEnc: []byte("sealed-refresh"),
		ExpiresAt:       &exp,
		IsPrimary:       true,
		CreatedAt:       exp,
	}
	b, err := json.Marshal(ToConnection(c))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	s := string(b)
	for _, leak := range []string{"request-token", "c2VhbGVk", "sealed"} {
		if strings.Contains(s, leak) {
			t.Fatalf("connection json leaks %q: %s", leak, s)
		}
	}
	if !strings.Contains(s, `"expires_at":"2026-01-02T02:04:05Z"`) {
		t.Fatalf("expires_at not normalised to UTC: %s", s)
	}
	if strings.Contains(s, "connected_at") {
		t.Fatalf("nil times must be omitted: %s", s)
	}
}

func TestListsAreNeverNil(t *testing.T) {
	t.Parallel()

	for name, v := range map[string]any{
		"credentials": ToCredentials(nil),
		"connections": ToConnections(nil),
		"transitions": ToTransitions(nil),
		"supported":   ToSupportedBrokers(nil),
	} {
		b, _ := json.Marshal(v)
		if string(b) != "[]" {
			t.Fatalf("%s: want [], got %s", name, b)
		}
	}
}

func TestToInitiation_ExpiresInSeconds(t *testing.T) {
	t.Parallel()

	got := ToInitiation(oauth.Initiation{AuthorizationURL: "https://b.test/a", State: "s", ExpiresIn: 10 * time.Minute, IsOOB: true})
	if got.ExpiresIn != 600 || !got.IsOOB || got.State != "s" {
		t.Fatalf("unexpected initiation: %+v", got)
	}
}

func TestFromCallback_Trims(t *testing.T) {
	t.Parallel()

	p := FromCallback(Callback{State: " s ", OAuthToken: "t\n", OAuthVerifier: " v"})
	if p.State != "s" || p.OAuthToken != "t" || p.OAuthVerifier != "v" {
		t.Fatalf("not trimmed: %+v", p)
	}
	if p.Shape() != model.ProtocolOAuth1a {
		t.Fatalf("shape: %s", p.Shape())
	}
}

func TestToCredential(t *testing.T) {
	t.Parallel()

	got := ToCredential(model.CredentialView{BrokerID: model.BrokerETrade, HasCredentials: true, APIKeyHint: "abc...xyz"})
	if got.BrokerID != "etrade" || !got.HasCredentials || got.APIKeyHint != "abc...xyz" || got.UpdatedAt != nil {
		t.Fatalf("unexpected: %+v", got)
	}
}

func TestToSupportedBrokers(t *testing.T) {
	t.Parallel()

	got := ToSupportedBrokers([]orchestrator.SupportedBroker{
		{ID: model.BrokerSchwab, Name: "Charles Schwab"},
		{ID: model.BrokerAlpaca, Name: "Alpaca", Protocol: model.ProtocolOAuth2, Features: []string{"pkce"}, Connectable: true},
	})
	if len(got) != 2 || got[0].Connectable || got[0].Features == nil {
		t.Fatalf("schwab entry: %+v", got[0])
	}
	if got[1].Protocol != "oauth2" || !got[1].Connectable {
		t.Fatalf("alpaca entry: %+v", got[1])
	}
}
