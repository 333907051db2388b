package session

import (
	"errors"
	"fmt"
)

// ErrNoRefreshCredential indicates that no refresh token is stored, so the
// session cannot be renewed.
var ErrNoRefreshCredential = errors.New("no refresh credential stored")

// ErrSessionExpired is returned by Refresh once renewal has been given up.
// It wraps the cause (ErrNoRefreshCredential or the last *RefreshError).
var ErrSessionExpired = errors.New("session expired, please log in again")

// ErrBackendRejected marks a well-formed response whose payload declared
// an error.
var ErrBackendRejected = errors.New("backend declared an error")

// RefreshError describes one failed refresh attempt.
type RefreshError struct {
	Attempt    int
	StatusCode int    // 0 when no response was received
	Message    string // backend "msg" when the payload declared an error
	Err        error
}

func (e *RefreshError) Error() string {
	msg := fmt.Sprintf("refresh attempt %d failed", e.Attempt+1)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	} else if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RefreshError) Unwrap() error {
	return e.Err
}

// expiredError ties ErrSessionExpired to the failure that caused it.
type expiredError struct {
	cause error
}

func (e *expiredError) Error() string {
	return fmt.Sprintf("%v: %v", ErrSessionExpired, e.cause)
}

func (e *expiredError) Unwrap() []error {
	return []error{ErrSessionExpired, e.cause}
}
