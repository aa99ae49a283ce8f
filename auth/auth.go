// Package auth defines the authentication contract the HTTP transport
// consumes. An Authenticator validates an incoming bearer token string and
// returns a UserInfo or an error; the transport extracts the token from the
// request and maps the sentinel errors onto RFC 6750 challenges.
//
// The bearerauth package provides JWT-based implementations (static JWKS
// and OIDC discovery). Tests and closed deployments can use authtest.
package auth

import (
	"context"
	"errors"
)

// ErrUnauthorized indicates authentication failed or no valid credentials
// were supplied.
var ErrUnauthorized = errors.New("unauthorized")

// ErrInsufficientScope indicates the caller authenticated but lacks a
// required scope.
var ErrInsufficientScope = errors.New("insufficient scope")

// UserInfo represents an authenticated principal.
// Implementations should be lightweight and safe for concurrent use.
type UserInfo interface {
	// UserID returns the unique identifier for the user.
	UserID() string
	// Claims unmarshals the user's claims into the provided struct reference.
	Claims(ref any) error
}

// Authenticator validates bearer tokens and returns associated user info.
// It should return ErrUnauthorized for invalid credentials.
type Authenticator interface {
	CheckAuthentication(ctx context.Context, tok string) (UserInfo, error)
}
