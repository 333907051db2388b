package session

import "time"

// Observer receives user-facing session events. The tui package provides
// plain-text and BubbleTea implementations.
type Observer interface {
	AccessTokenRejected()
	Refreshing()
	RefreshRetry(attempt int, delay time.Duration, err error)
	RefreshOK()
	RetryingRequest()
	SessionExpired()
}

// NoopObserver ignores every event.
type NoopObserver struct{}

func (NoopObserver) AccessTokenRejected()                         {}
func (NoopObserver) Refreshing()                                  {}
func (NoopObserver) RefreshRetry(_ int, _ time.Duration, _ error) {}
func (NoopObserver) RefreshOK()                                   {}
func (NoopObserver) RetryingRequest()                             {}
func (NoopObserver) SessionExpired()                              {}
