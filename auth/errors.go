package auth

import (
	"errors"
	"fmt"
)

var (
	// ErrCancelled marks a user-initiated abort of the OAuth browser flow.
	// It is not a failure and must never be surfaced as one.
	ErrCancelled = errors.New("authentication cancelled")
	// ErrExchangeFailed marks an authorization code that was invalid,
	// expired, or already consumed.
	ErrExchangeFailed = errors.New("authorization code exchange failed")
	// ErrInvalidCredentials marks a backend rejection of email/password.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrStoreClosed is returned when a released SessionStore is started again.
	ErrStoreClosed = errors.New("session store closed")
)

// AuthError wraps a backend or transport failure with the operation that
// produced it.
type AuthError struct {
	Op  string
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth: %s: %v", e.Op, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

func authErr(op string, err error) error {
	return &AuthError{Op: op, Err: err}
}
