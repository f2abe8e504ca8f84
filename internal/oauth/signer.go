package oauth

import (
	"crypto/hmac"
	"crypto/sha1" //nolint:gosec // HMAC-SHA1 is mandated by OAuth 1.0a
	"encoding/base64"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/bobbyuzda1/g2e-trading-app-sub000/internal/crypto"
)

// signer produces OAuth 1.0a HMAC-SHA1 Authorization headers (RFC 5849 section 3).
type signer struct {
	consumerKey    string
	consumerSecret string
	token          string
	tokenSecret    string

	nonce func() (string, error)
	now   func() time.Time
}

func newSigner(consumerKey, consumerSecret, token, tokenSecret string, now func() time.Time) signer {
	return signer{
		consumerKey:    consumerKey,
		consumerSecret: consumerSecret,
		token:          token,
		tokenSecret:    tokenSecret,
		nonce:          func() (string, error) { return crypto.RandToken(16) },
		now:            now,
	}
}

// authorization signs method+rawURL with the query, the form body and extra oauth_* params.
func (s signer) authorization(method, rawURL string, form url.Values, extra map[string]string) (string, error) {
	nonce, err := s.nonce()
	if err != nil {
		return "", err
	}
	oauthParams := map[string]string{
		"oauth_consumer_key":     s.consumerKey,
		"oauth_nonce":            nonce,
		"oauth_signature_method": "HMAC-SHA1",
		"oauth_timestamp":        strconv.FormatInt(s.now().Unix(), 10),
		"oauth_version":          "1.0",
	}
	if s.token != "" {
		oauthParams["oauth_token"] = s.token
	}
	for k, v := range extra {
		oauthParams[k] = v
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	all := url.Values{}
	for k, vs := range u.Query() {
		all[k] = append(all[k], vs...)
	}
	for k, vs := range form {
		all[k] = append(all[k], vs...)
	}
	for k, v := range oauthParams {
		all.Add(k, v)
	}

	base := strings.ToUpper(method) + "&" + percentEncode(baseURI(u)) + "&" + percentEncode(normalizeParams(all))
	key := percentEncode(s.consumerSecret) + "&" + percentEncode(s.tokenSecret)
	mac := hmac.New(sha1.New, []byte(key))
	mac.Write([]byte(base))
	oauthParams["oauth_signature"] = base64.StdEncoding.EncodeToString(mac.Sum(nil))

	keys := make([]string, 0, len(oauthParams))
	for k := range oauthParams {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, percentEncode(k)+`="`+percentEncode(oauthParams[k])+`"`)
	}
	return "OAuth " + strings.Join(parts, ", "), nil
}

// baseURI is scheme://host[:non-default port]/path, lower-cased scheme and host, no query.
func baseURI(u *url.URL) string {
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	if p := u.Port(); p != "" && !(scheme == "http" && p == "80") && !(scheme == "https" && p == "443") {
		host += ":" + p
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	return scheme + "://" + host + path
}

// normalizeParams encodes then sorts pairs by name and value.
func normalizeParams(v url.Values) string {
	type pair struct{ k, v string }
	pairs := make([]pair, 0, len(v))
	for k, vs := range v {
		for _, val := range vs {
			pairs = append(pairs, pair{percentEncode(k), percentEncode(val)})
		}
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].k != pairs[j].k {
			return pairs[i].k < pairs[j].k
		}
		return pairs[i].v < pairs[j].v
	})
	parts := make([]string, len(pairs))
	for i, p := range pairs {
		parts[i] = p.k + "=" + p.v
	}
	return strings.Join(parts, "&")
}

// percentEncode escapes everything outside the RFC 3986 unreserved set.
func percentEncode(s string) string {
	const hex = "0123456789ABCDEF"
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if ('A' <= c && c <= 'Z') || ('a' <= c && c <= 'z') || ('0' <= c && c <= '9') ||
			c == '-' || c == '.' || c == '_' || c == '~' {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(hex[c>>4])
		b.WriteByte(hex[c&15])
	}
	return b.String()
}
