// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across repo/service layers.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrForbidden indicates the entity exists but belongs to another user.
	ErrForbidden = errors.New("forbidden")

	// ErrUnauthorized indicates failed authentication of the API caller.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrRateLimited indicates callbacks for a (user, broker) pair are temporarily blocked.
	ErrRateLimited = errors.New("rate limited")

	// ErrValidation indicates bad caller input. Never retried.
	ErrValidation = errors.New("validation")

	// ErrUnsupportedBroker indicates the broker id is unknown or has no configured protocol.
	ErrUnsupportedBroker = errors.New("unsupported broker")

	// ErrCredentialsRequired indicates API keys must be saved before connecting.
	ErrCredentialsRequired = errors.New("broker credentials required")

	// ErrInvalidState indicates an unknown, expired, mismatched or replayed OAuth state.
	ErrInvalidState = errors.New("invalid oauth state")

	// ErrVerifierRejected indicates the broker denied an OAuth1a verifier exchange.
	ErrVerifierRejected = errors.New("oauth verifier rejected")

	// ErrCodeExchange indicates the broker denied an OAuth2 authorization code exchange.
	ErrCodeExchange = errors.New("oauth code exchange failed")

	// ErrReauthRequired indicates no usable access grant can be produced; the user must reconnect.
	ErrReauthRequired = errors.New("reauthorization required")

	// ErrInvalidTransition indicates a connection status change the lifecycle does not allow.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrBrokerUnavailable indicates a transport failure or server error talking to a broker.
	ErrBrokerUnavailable = errors.New("broker unavailable")

	// ErrEncryption indicates sealing or opening secret material failed. Internal only.
	ErrEncryption = errors.New("encryption failure")
)
