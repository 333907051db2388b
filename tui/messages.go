package tui

import (
	"time"

	"github.com/cookiecms/cookiecli/session"
)

// MsgBanner signals that the banner/title should be displayed.
type MsgBanner struct{}

// MsgRequesting signals that an authenticated request is being sent.
type MsgRequesting struct {
	Method string
	URL    string
}

// MsgAccessTokenRejected signals that the access token was rejected (401).
type MsgAccessTokenRejected struct{}

// MsgRefreshing signals that a token refresh is in progress.
type MsgRefreshing struct{}

// MsgRefreshRetry signals that a refresh attempt failed and another follows after Delay.
type MsgRefreshRetry struct {
	Attempt int
	Delay   time.Duration
	Err     error
}

// MsgRefreshOK signals that the token was refreshed successfully.
type MsgRefreshOK struct{}

// MsgRetryingRequest signals that the request is being resent with the new token.
type MsgRetryingRequest struct{}

// MsgSessionExpired signals that renewal was given up and the session cleared.
type MsgSessionExpired struct{}

// MsgResponse signals that the final response arrived.
type MsgResponse struct {
	Status int
	Body   string
}

// MsgImported signals that a session was stored.
type MsgImported struct{ Where string }

// MsgLoggedOut signals that the session was cleared on request.
type MsgLoggedOut struct{}

// MsgProfile carries the cached display attributes.
type MsgProfile struct{ Profile session.Profile }

// MsgFatal signals a fatal error that should terminate the command.
type MsgFatal struct{ Err error }
