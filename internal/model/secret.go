package model

import (
	"time"

	"go.uber.org/zap/zapcore"
)

const redacted = "[REDACTED]"

// Secret holds token material. It never prints, logs or serializes its value.
type Secret string

// Reveal returns the raw value. Call sites must not retain or log it.
func (s Secret) Reveal() string { return string(s) }

// Empty reports whether no value is set.
func (s Secret) Empty() bool { return s == "" }

func (s Secret) String() string   { return redacted }
func (s Secret) GoString() string { return redacted }

// MarshalJSON always emits the redaction marker.
func (s Secret) MarshalJSON() ([]byte, error) { return []byte(`"` + redacted + `"`), nil }

// MarshalText always emits the redaction marker.
func (s Secret) MarshalText() ([]byte, error) { return []byte(redacted), nil }

// AccessGrant is the normalized token bundle produced by either OAuth family.
type AccessGrant struct {
	AccessToken  Secret
	TokenSecret  Secret // OAuth1a only
	RefreshToken Secret // OAuth2 only, optional
	TokenType    string
	ExpiresAt    *time.Time // nil when the broker gives no client-visible expiry
}

// NeedsRefresh reports whether the grant is expired or inside the lead window at now.
func (g AccessGrant) NeedsRefresh(now time.Time, lead time.Duration) bool {
	if g.ExpiresAt == nil {
		return false
	}
	return !now.Add(lead).Before(*g.ExpiresAt)
}

// MarshalLogObject logs presence flags only.
func (g AccessGrant) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddBool("access_token", !g.AccessToken.Empty())
	enc.AddBool("token_secret", !g.TokenSecret.Empty())
	enc.AddBool("refresh_token", !g.RefreshToken.Empty())
	if g.ExpiresAt != nil {
		enc.AddTime("expires_at", *g.ExpiresAt)
	}
	return nil
}

// KeyPair is a decrypted API key/secret. It lives only inside a vault callback and is wiped afterwards.
type KeyPair struct {
	APIKey    []byte
	APISecret []byte
	IsSandbox bool
}

// Wipe zeroes the key material in place.
func (k *KeyPair) Wipe() {
	for i := range k.APIKey {
		k.APIKey[i] = 0
	}
	for i := range k.APISecret {
		k.APISecret[i] = 0
	}
}

func (k KeyPair) String() string   { return redacted }
func (k KeyPair) GoString() string { return redacted }

// MarshalJSON always emits the redaction marker.
func (k KeyPair) MarshalJSON() ([]byte, error) { return []byte(`"` + redacted + `"`), nil }

// MarshalLogObject logs the environment flag only.
func (k KeyPair) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddBool("sandbox", k.IsSandbox)
	return nil
}
