package session

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Persisted keys. Tokens are opaque; the profile keys are a display cache
// of backend fields and are never authoritative.
const (
	KeyAccessToken     = "access_token"
	KeyRefreshToken    = "refresh_token"
	KeyUsername        = "username"
	KeyUserID          = "user_id"
	KeyAvatar          = "avatar"
	KeyDiscordUsername = "discord_username"
	KeyPermissionLevel = "permission_level"
)

// Entry lifetimes.
const (
	AccessTokenLifetime  = 24 * time.Hour
	RefreshTokenLifetime = 7 * 24 * time.Hour
	ProfileLifetime      = 7 * 24 * time.Hour
)

// KnownKeys lists every key a session may write.
var KnownKeys = []string{
	KeyAccessToken,
	KeyRefreshToken,
	KeyUsername,
	KeyUserID,
	KeyAvatar,
	KeyDiscordUsername,
	KeyPermissionLevel,
}

// Options controls how a value is persisted.
type Options struct {
	// Lifetime after which the entry reads as absent. Zero means no expiry.
	Lifetime time.Duration
	SameSite http.SameSite
}

// Store is persisted key/value storage for session credentials.
// A missing or expired key reads as absent, never as an error.
type Store interface {
	Get(ctx context.Context, key string) (string, bool)
	Set(ctx context.Context, key, value string, opts Options) error
	Remove(ctx context.Context, key string) error
}

// Entry is one stored value with its cookie-style attributes.
type Entry struct {
	Value    string        `json:"value"`
	Expires  time.Time     `json:"expires,omitzero"`
	SameSite http.SameSite `json:"same_site,omitempty"`
}

func newEntry(value string, opts Options, now time.Time) Entry {
	e := Entry{Value: value, SameSite: opts.SameSite}
	if opts.Lifetime > 0 {
		e.Expires = now.Add(opts.Lifetime)
	}
	return e
}

func (e Entry) expired(now time.Time) bool {
	return !e.Expires.IsZero() && !now.Before(e.Expires)
}

// ClearAll removes every key from s. Failures are logged through the
// context logger and otherwise ignored; an absent key is not a failure.
func ClearAll(ctx context.Context, s Store, keys []string) {
	for _, key := range keys {
		if err := s.Remove(ctx, key); err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Str("key", key).Msg("failed to remove session key")
		}
	}
}

// Profile holds the user display attributes cached next to the session.
type Profile struct {
	Username        string `json:"username,omitempty"`
	UserID          string `json:"user_id,omitempty"`
	Avatar          string `json:"avatar,omitempty"`
	DiscordUsername string `json:"discord_username,omitempty"`
	PermissionLevel string `json:"permission_level,omitempty"`
}

func (p Profile) fields() map[string]string {
	return map[string]string{
		KeyUsername:        p.Username,
		KeyUserID:          p.UserID,
		KeyAvatar:          p.Avatar,
		KeyDiscordUsername: p.DiscordUsername,
		KeyPermissionLevel: p.PermissionLevel,
	}
}

// SaveProfile writes the non-empty attributes of p and removes the empty ones.
func SaveProfile(ctx context.Context, s Store, p Profile) error {
	for key, value := range p.fields() {
		var err error
		if value == "" {
			err = s.Remove(ctx, key)
		} else {
			err = s.Set(ctx, key, value, Options{Lifetime: ProfileLifetime})
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// LoadProfile reads the cached display attributes. Missing ones are empty.
func LoadProfile(ctx context.Context, s Store) Profile {
	get := func(key string) string {
		v, _ := s.Get(ctx, key)
		return v
	}
	return Profile{
		Username:        get(KeyUsername),
		UserID:          get(KeyUserID),
		Avatar:          get(KeyAvatar),
		DiscordUsername: get(KeyDiscordUsername),
		PermissionLevel: get(KeyPermissionLevel),
	}
}

// StoreOption configures a Store implementation.
type StoreOption func(*storeOptions)

type storeOptions struct {
	now func() time.Time
}

func newStoreOptions(opts []StoreOption) storeOptions {
	o := storeOptions{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithClock replaces time.Now for entry expiry.
func WithClock(now func() time.Time) StoreOption {
	return func(o *storeOptions) {
		o.now = now
	}
}
