package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/knadh/phoneverify/internal/store"
	"github.com/knadh/phoneverify/pkg/models"
	"github.com/redis/go-redis/v9"
)

// ErrTooManyRetries is returned when an optimistic transaction keeps
// failing because of concurrent writers.
var ErrTooManyRetries = errors.New("too many concurrent updates to the session")

// sessionRow is the Redis hash representation of a session.
type sessionRow struct {
	Token       string `redis:"token"`
	Ref         string `redis:"ref"`
	Label       string `redis:"label"`
	Phone       string `redis:"phone"`
	Code        string `redis:"code"`
	Sender      string `redis:"sender"`
	AccountID   string `redis:"account_id"`
	Attempts    int    `redis:"attempts"`
	MaxAttempts int    `redis:"max_attempts"`
	Verified    bool   `redis:"verified"`
	CreatedAt   int64  `redis:"created_at"`
	SentAt      int64  `redis:"sent_at"`
	ExpiresAt   int64  `redis:"expires_at"`
}

type hashGetter interface {
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

// Create inserts a new session.
func (r *Redis) Create(ctx context.Context, s models.Session) error {
	key := r.sessionKey(s.Token)

	n, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return err
	}
	if n > 0 {
		return fmt.Errorf("session %s already exists", s.Token)
	}

	pipe := r.client.TxPipeline()
	pipe.HMSet(ctx, key, sessionFields(s)...)
	pipe.PExpire(ctx, key, r.keyTTL(s.ExpiresAt))
	pipe.ZAdd(ctx, r.expiryKey(), redis.Z{Score: float64(toMillis(s.ExpiresAt)), Member: s.Token})
	_, err = pipe.Exec(ctx)
	return err
}

// Get fetches a session by token.
func (r *Redis) Get(ctx context.Context, token string) (models.Session, error) {
	return r.get(ctx, r.client, token)
}

// Update applies fn to a session inside a WATCH/MULTI transaction. If the
// key is modified between the read and the write (eg: a resend racing a
// verification), the transaction is aborted and retried against the
// fresh state.
func (r *Redis) Update(ctx context.Context, token string, fn func(s *models.Session) error) (models.Session, error) {
	var (
		key = r.sessionKey(token)
		out models.Session
	)

	txf := func(tx *redis.Tx) error {
		s, err := r.get(ctx, tx, token)
		if err != nil {
			return err
		}
		if err := fn(&s); err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HMSet(ctx, key, sessionFields(s)...)
			pipe.ZAdd(ctx, r.expiryKey(), redis.Z{Score: float64(toMillis(s.ExpiresAt)), Member: s.Token})
			return nil
		})
		if err != nil {
			return err
		}

		out = s
		return nil
	}

	for i := 0; i < maxTxRetries; i++ {
		err := r.client.Watch(ctx, txf, key)
		if err == redis.TxFailedErr {
			continue
		}
		return out, err
	}

	return out, ErrTooManyRetries
}

// Delete deletes the session saved against a given token.
func (r *Redis) Delete(ctx context.Context, token string) error {
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, r.sessionKey(token))
	pipe.ZRem(ctx, r.expiryKey(), token)
	_, err := pipe.Exec(ctx)
	return err
}

// DeleteExpired deletes sessions whose expiry is before the given time.
func (r *Redis) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	// The index is scored by expiry in milliseconds. The upper bound is
	// exclusive.
	tokens, err := r.client.ZRangeByScore(ctx, r.expiryKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(toMillis(before), 10),
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(tokens) == 0 {
		return 0, nil
	}

	var (
		pipe = r.client.TxPipeline()
		dels = make([]*redis.IntCmd, len(tokens))
	)
	for i, t := range tokens {
		dels[i] = pipe.Del(ctx, r.sessionKey(t))
		pipe.ZRem(ctx, r.expiryKey(), t)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}

	n := 0
	for _, d := range dels {
		n += int(d.Val())
	}
	return n, nil
}

// get retrieves a session from Redis.
func (r *Redis) get(ctx context.Context, c hashGetter, token string) (models.Session, error) {
	var row sessionRow
	if err := c.HGetAll(ctx, r.sessionKey(token)).Scan(&row); err != nil {
		return models.Session{}, err
	}

	// Doesn't exist?
	if row.Token == "" {
		return models.Session{}, store.ErrNotExist
	}

	return models.Session{
		Token:         row.Token,
		SubmissionRef: row.Ref,
		Label:         row.Label,
		Phone:         row.Phone,
		Code:          row.Code,
		Sender:        row.Sender,
		AccountID:     row.AccountID,
		Attempts:      row.Attempts,
		MaxAttempts:   row.MaxAttempts,
		Verified:      row.Verified,
		CreatedAt:     fromMillis(row.CreatedAt),
		SentAt:        fromMillis(row.SentAt),
		ExpiresAt:     fromMillis(row.ExpiresAt),
	}, nil
}

// keyTTL returns how long a session's key lives: till its expiry plus
// the retention window.
func (r *Redis) keyTTL(expires time.Time) time.Duration {
	ttl := time.Until(expires)
	if ttl < 0 {
		ttl = 0
	}
	return ttl + r.conf.Retain
}

func sessionFields(s models.Session) []interface{} {
	return []interface{}{
		"token", s.Token,
		"ref", s.SubmissionRef,
		"label", s.Label,
		"phone", s.Phone,
		"code", s.Code,
		"sender", s.Sender,
		"account_id", s.AccountID,
		"attempts", s.Attempts,
		"max_attempts", s.MaxAttempts,
		"verified", s.Verified,
		"created_at", toMillis(s.CreatedAt),
		"sent_at", toMillis(s.SentAt),
		"expires_at", toMillis(s.ExpiresAt),
	}
}
