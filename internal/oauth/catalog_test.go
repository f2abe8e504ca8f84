package oauth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobbyuzda1/g2e-trading-app-sub000/internal/model"
)

func oauth2Entry() BrokerConfig {
	ep := Endpoints{AuthorizeURL: "https://broker.test/authorize", TokenURL: "https://broker.test/token"}
	return BrokerConfig{ID: model.BrokerAlpaca, Protocol: model.ProtocolOAuth2, Live: ep, Sandbox: ep}
}

func TestCatalog_ValidatesAndKeepsOrder(t *testing.T) {
	t.Parallel()
	one := Endpoints{
		RequestTokenURL: "https://e.test/rt", AuthorizeURL: "https://e.test/a", AccessTokenURL: "https://e.test/at",
	}
	etrade := BrokerConfig{ID: model.BrokerETrade, Protocol: model.ProtocolOAuth1a, Live: one, Sandbox: one, AuthorizeStyle: AuthorizeETrade}

	c, err := NewCatalog([]BrokerConfig{etrade, oauth2Entry()})
	require.NoError(t, err)
	all := c.All()
	require.Len(t, all, 2)
	assert.Equal(t, model.BrokerETrade, all[0].ID)
	_, ok := c.Lookup(model.BrokerSchwab)
	assert.False(t, ok)

	_, err = NewCatalog([]BrokerConfig{oauth2Entry(), oauth2Entry()})
	require.Error(t, err)
}

func TestBrokerConfig_ValidateRejects(t *testing.T) {
	t.Parallel()
	cases := map[string]func(*BrokerConfig){
		"unknown id":       func(b *BrokerConfig) { b.ID = "robinhood" },
		"unknown protocol": func(b *BrokerConfig) { b.Protocol = "saml" },
		"relative url":     func(b *BrokerConfig) { b.Sandbox.TokenURL = "/token" },
		"bad style":        func(b *BrokerConfig) { b.AuthorizeStyle = "weird" },
		"bad token auth":   func(b *BrokerConfig) { b.TokenAuthStyle = "cookie" },
	}
	for name, mutate := range cases {
		b := oauth2Entry()
		mutate(&b)
		assert.Error(t, b.Validate(), name)
	}
	assert.NoError(t, oauth2Entry().Validate())
}

func TestBrokerConfig_EndpointsBySandbox(t *testing.T) {
	t.Parallel()
	b := BrokerConfig{Live: Endpoints{TokenURL: "live"}, Sandbox: Endpoints{TokenURL: "sb"}, Features: []string{FeaturePKCE}}
	assert.Equal(t, "sb", b.Endpoints(true).TokenURL)
	assert.Equal(t, "live", b.Endpoints(false).TokenURL)
	assert.True(t, b.HasFeature(FeaturePKCE))
}

func TestNewAdapter_MatchesProtocol(t *testing.T) {
	t.Parallel()
	d := Deps{}
	a, err := NewAdapter(BrokerConfig{ID: model.BrokerETrade, Protocol: model.ProtocolOAuth1a}, d)
	require.NoError(t, err)
	require.Equal(t, model.ProtocolOAuth1a, a.Protocol())
	a, err = NewAdapter(BrokerConfig{ID: model.BrokerAlpaca, Protocol: model.ProtocolOAuth2}, d)
	require.NoError(t, err)
	require.Equal(t, model.ProtocolOAuth2, a.Protocol())
	_, err = NewAdapter(BrokerConfig{ID: model.BrokerAlpaca, Protocol: "saml"}, d)
	require.Error(t, err)
}
