package config

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/bobbyuzda1/g2e-trading-app-sub000/internal/model"
	"github.com/bobbyuzda1/g2e-trading-app-sub000/internal/oauth"
)

type brokersFile struct {
	Brokers []oauth.BrokerConfig `yaml:"brokers"`
}

func etradeEndpoints(base string, oob bool) oauth.Endpoints {
	return oauth.Endpoints{
		RequestTokenURL: base + "/oauth/request_token",
		AuthorizeURL:    "https://us.etrade.com/e/t/etws/authorize",
		AccessTokenURL:  base + "/oauth/access_token",
		RenewURL:        base + "/oauth/renew_access_token",
		RevokeURL:       base + "/oauth/revoke_access_token",
		OOB:             oob,
	}
}

// DefaultBrokers is the built-in catalog: E*TRADE over OAuth 1.0a and Alpaca over OAuth 2.0.
func DefaultBrokers() []oauth.BrokerConfig {
	alpaca := oauth.Endpoints{
		AuthorizeURL: "https://app.alpaca.markets/oauth/authorize",
		TokenURL:     "https://api.alpaca.markets/oauth/token",
	}
	return []oauth.BrokerConfig{
		{
			ID:             model.BrokerETrade,
			Name:           "E*TRADE",
			Protocol:       model.ProtocolOAuth1a,
			AuthorizeStyle: oauth.AuthorizeETrade,
			Features:       []string{"renew"},
			Live:           etradeEndpoints("https://api.etrade.com", false),
			Sandbox:        etradeEndpoints("https://apisb.etrade.com", true),
		},
		{
			ID:             model.BrokerAlpaca,
			Name:           "Alpaca",
			Protocol:       model.ProtocolOAuth2,
			Scopes:         []string{"account:write", "trading", "data"},
			TokenAuthStyle: oauth.TokenAuthParams,
			Live:           alpaca,
			Sandbox:        alpaca,
		},
	}
}

// LoadCatalog reads the broker catalog from path, or returns the built-in one when path is empty.
func LoadCatalog(path string) (*oauth.Catalog, error) {
	if path == "" {
		return oauth.NewCatalog(DefaultBrokers())
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read broker catalog: %w", err)
	}
	return ParseCatalog(raw)
}

// ParseCatalog decodes a YAML catalog. Unknown keys are rejected.
func ParseCatalog(raw []byte) (*oauth.Catalog, error) {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	var f brokersFile
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("parse broker catalog: %w", err)
	}
	if len(f.Brokers) == 0 {
		return nil, fmt.Errorf("broker catalog lists no brokers")
	}
	return oauth.NewCatalog(f.Brokers)
}
