package session

import (
	"context"

	"github.com/rs/zerolog"
)

// Expirer ends a session that can no longer be renewed.
type Expirer struct {
	store    Store
	observer Observer
	log      zerolog.Logger
}

func NewExpirer(store Store, observer Observer, log zerolog.Logger) *Expirer {
	if observer == nil {
		observer = NoopObserver{}
	}
	return &Expirer{store: store, observer: observer, log: log}
}

// HandleExpiration clears every known session key and tells the user to log
// in again. Navigation is left to the caller.
func (e *Expirer) HandleExpiration(ctx context.Context) {
	e.log.Info().Msg("session expired, clearing stored credentials")
	ClearAll(e.log.WithContext(ctx), e.store, KnownKeys)
	e.observer.SessionExpired()
}
