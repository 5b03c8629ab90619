package overkiz

import (
	"errors"
	"fmt"
)

// TransportError covers anything retryable: network failures, 5xx,
// timeouts, rate limiting. The poll loop backs off and tries again.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("overkiz: %s: %s", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// AuthError means the session is dead or the credentials are wrong.
// Retrying the same request is pointless, caller has to log in again.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("overkiz: auth failed: %s", e.Reason)
}

func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
