package auth

import (
	"errors"
	"fmt"
)

// AuthError is a terminal failure reported by the identity provider:
// bad client credentials, unknown client, rejected scope. Retrying will
// not help; it is an operator problem.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	return "auth: " + e.Reason
}

// TransientAuthError covers network failures, timeouts, and provider 5xx
// responses during a token exchange. Callers may retry.
type TransientAuthError struct {
	Err error
}

func (e *TransientAuthError) Error() string {
	return fmt.Sprintf("auth: transient: %v", e.Err)
}

func (e *TransientAuthError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	var t *TransientAuthError
	return errors.As(err, &t)
}
