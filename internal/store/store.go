package store

import (
	"context"
	"errors"
	"time"

	"github.com/knadh/phoneverify/pkg/models"
)

// ErrNotExist is thrown when a session (requested by token) does not exist.
var ErrNotExist = errors.New("the session does not exist")

// Sessions represents a storage backend where OTP sessions are stored.
type Sessions interface {
	// Create inserts a new session. It fails if the token already exists.
	Create(ctx context.Context, s models.Session) error

	// Get fetches a session by token.
	Get(ctx context.Context, token string) (models.Session, error)

	// Update atomically applies fn to the stored session and writes the
	// result back. If fn returns an error, nothing is written and the
	// error is returned as is. Concurrent updates to the same token are
	// serialised.
	Update(ctx context.Context, token string, fn func(s *models.Session) error) (models.Session, error)

	// Delete deletes the session saved against a given token.
	Delete(ctx context.Context, token string) error

	// DeleteExpired deletes all sessions whose expiry is before the
	// given time and returns the number of sessions deleted.
	DeleteExpired(ctx context.Context, before time.Time) (int, error)
}

// Accounts stores the mutable state of messaging accounts. Identity and
// credentials come from configuration.
type Accounts interface {
	// Load fills the stored status override, health and usage into the
	// given accounts. day is the usage day key (YYYYMMDD, UTC).
	Load(ctx context.Context, accs []models.Account, day string) ([]models.Account, error)

	// IncrUsage increments an account's lifetime and daily counters and
	// sets its last used time as one atomic operation, returning the
	// resulting counters.
	IncrUsage(ctx context.Context, id, day string, at time.Time) (models.Usage, error)

	// SetStatus overrides an account's configured status.
	SetStatus(ctx context.Context, id, status string) error

	// SetHealth records an account's health flag.
	SetHealth(ctx context.Context, id, health, msg string, at time.Time) error
}

// Counters is a small key-value counter store.
type Counters interface {
	// Incr increments a counter and returns its new value. A ttl > 0
	// expires the counter.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// Count returns a counter's value, 0 if it doesn't exist.
	Count(ctx context.Context, key string) (int64, error)

	// SetOnce sets a flag if it isn't already set and tells whether
	// this call set it.
	SetOnce(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// Store groups all the storage a deployment needs.
type Store interface {
	Sessions
	Accounts
	Counters

	// Ping checks if the store is reachable.
	Ping(ctx context.Context) error

	Close() error
}

// Day returns the usage day key for a time.
func Day(t time.Time) string {
	return t.UTC().Format("20060102")
}
