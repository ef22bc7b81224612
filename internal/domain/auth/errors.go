package auth

import "errors"

// Error taxonomy for the token subsystem. The HTTP layer maps these to
// statuses; nothing below this package knows about HTTP.
var (
	// ErrAuthentication covers unknown or malformed refresh secrets and
	// failed password checks. One error, one message: callers must not be
	// able to distinguish "no such account" from "wrong password".
	ErrAuthentication = errors.New("invalid credentials")

	// ErrTokenExpired is returned for refresh/magic-link credentials and
	// access tokens past their deadline.
	ErrTokenExpired = errors.New("token has expired")

	// ErrTokenInvalid covers malformed or wrong-kind access tokens and
	// missing or already-used magic links.
	ErrTokenInvalid = errors.New("token is invalid")

	// ErrTokenReuse signals replay of an already-rotated refresh credential.
	// By the time a caller sees it the whole token family has been revoked.
	ErrTokenReuse = errors.New("refresh token reuse detected")

	// ErrRateLimited throttles magic-link requests.
	ErrRateLimited = errors.New("too many requests")

	// ErrNotFound is returned when a targeted revocation names a session
	// that does not exist or does not belong to the caller.
	ErrNotFound = errors.New("not found")
)
