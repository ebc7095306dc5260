package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis implements a Redis Store.
type Redis struct {
	client *redis.Client
	conf   Conf
}

// Conf contains Redis configuration fields.
type Conf struct {
	Host      string        `json:"host"`
	Port      int           `json:"port"`
	Username  string        `json:"username"`
	Password  string        `json:"password"`
	DB        int           `json:"db"`
	MaxActive int           `json:"max_active"`
	MaxIdle   int           `json:"max_idle"`
	Timeout   time.Duration `json:"timeout"`
	KeyPrefix string        `json:"key_prefix"`

	// Retain is how long a session's key is kept after its expiry so
	// that late attempts see a terminal session instead of a missing one.
	Retain time.Duration `json:"retain"`

	// If this is set, session events are PUBLISHed to
	// to this Redis key (Redis PubSub).
	PublishKey string `json:"publish_key"`
}

type event struct {
	Type  string          `json:"type"`
	Token string          `json:"token"`
	Data  json.RawMessage `json:"data"`
}

const maxTxRetries = 25

// New returns a Redis implementation of store.
func New(c Conf) *Redis {
	if c.KeyPrefix == "" {
		c.KeyPrefix = "PV"
	}
	if c.Retain <= 0 {
		c.Retain = time.Hour
	}

	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", c.Host, c.Port),
		Username:     c.Username,
		Password:     c.Password,
		DB:           c.DB,
		PoolSize:     c.MaxActive,
		MaxIdleConns: c.MaxIdle,
		DialTimeout:  c.Timeout,
		WriteTimeout: c.Timeout,
		ReadTimeout:  c.Timeout,
	})

	return &Redis{
		conf:   c,
		client: client,
	}
}

// Ping checks if Redis server is reachable
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the client pool.
func (r *Redis) Close() error {
	return r.client.Close()
}

// Publish publishes a session event to the configured PublishKey.
// It's a no-op if there's no PublishKey.
func (r *Redis) Publish(ctx context.Context, typ, token string, data interface{}) error {
	if r.conf.PublishKey == "" {
		return nil
	}

	b, err := json.Marshal(data)
	if err != nil {
		return err
	}
	e, err := json.Marshal(event{
		Type:  typ,
		Token: token,
		Data:  json.RawMessage(b),
	})
	if err != nil {
		return err
	}

	return r.client.Publish(ctx, r.conf.PublishKey, e).Err()
}

func (r *Redis) sessionKey(token string) string {
	return fmt.Sprintf("%s:session:%s", r.conf.KeyPrefix, token)
}

func (r *Redis) expiryKey() string {
	return r.conf.KeyPrefix + ":sessions"
}

func (r *Redis) accountKey(id string) string {
	return fmt.Sprintf("%s:account:%s", r.conf.KeyPrefix, id)
}

func (r *Redis) accountDayKey(id, day string) string {
	return fmt.Sprintf("%s:account:%s:day:%s", r.conf.KeyPrefix, id, day)
}

func (r *Redis) counterKey(key string) string {
	return fmt.Sprintf("%s:counter:%s", r.conf.KeyPrefix, key)
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
