package redis

import (
	"context"
	"errors"
	"time"

	"github.com/knadh/phoneverify/pkg/models"
	"github.com/redis/go-redis/v9"
)

// Daily usage keys outlive their day so that yesterday's count can still
// be read around midnight.
const dayKeyTTL = 48 * time.Hour

type accountRow struct {
	Status    string `redis:"status"`
	Health    string `redis:"health"`
	HealthMsg string `redis:"health_msg"`
	CheckedAt int64  `redis:"checked_at"`
	Total     int64  `redis:"total"`
	LastUsed  int64  `redis:"last_used"`
}

// Load fills stored state into the given accounts.
func (r *Redis) Load(ctx context.Context, accs []models.Account, day string) ([]models.Account, error) {
	if len(accs) == 0 {
		return accs, nil
	}

	var (
		pipe  = r.client.Pipeline()
		rows  = make([]*redis.MapStringStringCmd, len(accs))
		today = make([]*redis.StringCmd, len(accs))
	)
	for i, a := range accs {
		rows[i] = pipe.HGetAll(ctx, r.accountKey(a.ID))
		today[i] = pipe.Get(ctx, r.accountDayKey(a.ID, day))
	}

	// Missing day keys return redis.Nil, which is not an error here.
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	out := make([]models.Account, len(accs))
	for i, a := range accs {
		var row accountRow
		if err := rows[i].Scan(&row); err != nil {
			return nil, err
		}

		if row.Status != "" {
			a.Status = row.Status
		}
		a.Health = row.Health
		a.HealthMsg = row.HealthMsg
		a.CheckedAt = fromMillis(row.CheckedAt)
		a.Usage.Total = row.Total
		a.Usage.LastUsed = fromMillis(row.LastUsed)

		n, err := today[i].Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, err
		}
		a.Usage.Today = n

		out[i] = a
	}

	return out, nil
}

// IncrUsage atomically increments an account's counters.
func (r *Redis) IncrUsage(ctx context.Context, id, day string, at time.Time) (models.Usage, error) {
	var (
		key    = r.accountKey(id)
		dayKey = r.accountDayKey(id, day)
	)

	pipe := r.client.TxPipeline()
	total := pipe.HIncrBy(ctx, key, "total", 1)
	pipe.HSet(ctx, key, "last_used", toMillis(at))
	today := pipe.Incr(ctx, dayKey)
	pipe.Expire(ctx, dayKey, dayKeyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return models.Usage{}, err
	}

	return models.Usage{
		Total:    total.Val(),
		Today:    today.Val(),
		LastUsed: at,
	}, nil
}

// SetStatus overrides an account's configured status.
func (r *Redis) SetStatus(ctx context.Context, id, status string) error {
	return r.client.HSet(ctx, r.accountKey(id), "status", status).Err()
}

// SetHealth records an account's health flag.
func (r *Redis) SetHealth(ctx context.Context, id, health, msg string, at time.Time) error {
	return r.client.HMSet(ctx, r.accountKey(id),
		"health", health,
		"health_msg", msg,
		"checked_at", toMillis(at)).Err()
}
