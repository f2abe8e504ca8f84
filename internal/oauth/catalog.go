package oauth

import (
	"fmt"
	"net/url"
	"slices"

	"github.com/bobbyuzda1/g2e-trading-app-sub000/internal/model"
)

// Authorize URL styles.
const (
	AuthorizeStandard = "standard"
	AuthorizeETrade   = "etrade" // ?key=<consumer key>&token=<request token>
)

// Token endpoint client authentication styles for OAuth2.
const (
	TokenAuthHeader = "header"
	TokenAuthParams = "params"
)

// FeaturePKCE enables S256 PKCE on an OAuth2 broker.
const FeaturePKCE = "pkce"

// Endpoints is one environment's set of broker URLs.
type Endpoints struct {
	RequestTokenURL string `yaml:"request_token_url"`
	AuthorizeURL    string `yaml:"authorize_url"`
	AccessTokenURL  string `yaml:"access_token_url"`
	RenewURL        string `yaml:"renew_url"`
	RevokeURL       string `yaml:"revoke_url"`
	TokenURL        string `yaml:"token_url"`
	OOB             bool   `yaml:"oob"`
}

// BrokerConfig is a catalog entry.
type BrokerConfig struct {
	ID             model.BrokerID `yaml:"id"`
	Name           string         `yaml:"name"`
	Protocol       model.Protocol `yaml:"protocol"`
	Scopes         []string       `yaml:"scopes"`
	AuthorizeStyle string         `yaml:"authorize_style"`
	TokenAuthStyle string         `yaml:"token_auth_style"`
	Features       []string       `yaml:"features"`
	Live           Endpoints      `yaml:"live"`
	Sandbox        Endpoints      `yaml:"sandbox"`
}

// Endpoints selects the environment matching the credential.
func (b BrokerConfig) Endpoints(sandbox bool) Endpoints {
	if sandbox {
		return b.Sandbox
	}
	return b.Live
}

// HasFeature reports whether the broker lists f.
func (b BrokerConfig) HasFeature(f string) bool { return slices.Contains(b.Features, f) }

// Validate checks the entry is usable for its protocol.
func (b BrokerConfig) Validate() error {
	if _, ok := model.ParseBrokerID(string(b.ID)); !ok {
		return fmt.Errorf("broker %q: unknown id", b.ID)
	}
	for env, ep := range map[string]Endpoints{"live": b.Live, "sandbox": b.Sandbox} {
		var required map[string]string
		switch b.Protocol {
		case model.ProtocolOAuth1a:
			required = map[string]string{
				"request_token_url": ep.RequestTokenURL,
				"authorize_url":     ep.AuthorizeURL,
				"access_token_url":  ep.AccessTokenURL,
			}
		case model.ProtocolOAuth2:
			required = map[string]string{
				"authorize_url": ep.AuthorizeURL,
				"token_url":     ep.TokenURL,
			}
		default:
			return fmt.Errorf("broker %q: unknown protocol %q", b.ID, b.Protocol)
		}
		for name, raw := range required {
			u, err := url.Parse(raw)
			if err != nil || u.Scheme == "" || u.Host == "" {
				return fmt.Errorf("broker %q: %s.%s must be an absolute url", b.ID, env, name)
			}
		}
	}
	switch b.AuthorizeStyle {
	case "", AuthorizeStandard, AuthorizeETrade:
	default:
		return fmt.Errorf("broker %q: unknown authorize_style %q", b.ID, b.AuthorizeStyle)
	}
	switch b.TokenAuthStyle {
	case "", TokenAuthHeader, TokenAuthParams:
	default:
		return fmt.Errorf("broker %q: unknown token_auth_style %q", b.ID, b.TokenAuthStyle)
	}
	return nil
}

// Catalog is the set of connectable brokers, in configuration order.
type Catalog struct {
	byID  map[model.BrokerID]BrokerConfig
	order []model.BrokerID
}

// NewCatalog validates entries and rejects duplicates.
func NewCatalog(brokers []BrokerConfig) (*Catalog, error) {
	c := &Catalog{byID: make(map[model.BrokerID]BrokerConfig, len(brokers))}
	for _, b := range brokers {
		if err := b.Validate(); err != nil {
			return nil, err
		}
		if _, dup := c.byID[b.ID]; dup {
			return nil, fmt.Errorf("broker %q listed twice", b.ID)
		}
		c.byID[b.ID] = b
		c.order = append(c.order, b.ID)
	}
	return c, nil
}

// Lookup returns the entry for id.
func (c *Catalog) Lookup(id model.BrokerID) (BrokerConfig, bool) {
	b, ok := c.byID[id]
	return b, ok
}

// All returns every entry in configuration order.
func (c *Catalog) All() []BrokerConfig {
	out := make([]BrokerConfig, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.byID[id])
	}
	return out
}
