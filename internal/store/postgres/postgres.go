// Package postgres implements the session, account and counter stores on
// PostgreSQL. Sessions are relational rows; per-token serialisation is a
// row lock (SELECT ... FOR UPDATE) held for the read-modify-write.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/knadh/phoneverify/internal/store"
	"github.com/knadh/phoneverify/pkg/models"
)

//go:embed schema.sql
var schema string

// Conf contains the Postgres configuration fields.
type Conf struct {
	DSN      string        `json:"dsn"`
	MaxConns int32         `json:"max_conns"`
	Timeout  time.Duration `json:"timeout"`

	// Migrate creates the tables on startup if they don't exist.
	Migrate bool `json:"migrate"`
}

// Postgres implements a Postgres Store.
type Postgres struct {
	pool *pgxpool.Pool
	conf Conf
}

// New connects to Postgres and returns a Store.
func New(ctx context.Context, c Conf) (*Postgres, error) {
	if c.Timeout.Seconds() < 1 {
		c.Timeout = time.Second * 5
	}

	cfg, err := pgxpool.ParseConfig(c.DSN)
	if err != nil {
		return nil, fmt.Errorf("error parsing postgres dsn: %w", err)
	}
	if c.MaxConns > 0 {
		cfg.MaxConns = c.MaxConns
	}

	cctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(cctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("error connecting to postgres: %w", err)
	}

	p := &Postgres{pool: pool, conf: c}
	if c.Migrate {
		if err := p.Migrate(cctx); err != nil {
			pool.Close()
			return nil, err
		}
	}

	return p, nil
}

// NewFromPool returns a Store over an existing pool.
func NewFromPool(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// Migrate creates the tables.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("error applying schema: %w", err)
	}
	return nil
}

// Ping checks if the database is reachable.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Close closes the pool.
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

const sessionCols = `token, submission_ref, label, phone, code, sender, account_id,
	attempts, max_attempts, verified, created_at, sent_at, expires_at`

// Create inserts a new session.
func (p *Postgres) Create(ctx context.Context, s models.Session) error {
	tag, err := p.pool.Exec(ctx, `INSERT INTO otp_sessions (`+sessionCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (token) DO NOTHING`,
		s.Token, s.SubmissionRef, s.Label, s.Phone, s.Code, s.Sender, s.AccountID,
		s.Attempts, s.MaxAttempts, s.Verified, s.CreatedAt, s.SentAt, s.ExpiresAt)
	if err != nil {
		return fmt.Errorf("error inserting session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("session %s already exists", s.Token)
	}
	return nil
}

// Get fetches a session by token.
func (p *Postgres) Get(ctx context.Context, token string) (models.Session, error) {
	return scanSession(p.pool.QueryRow(ctx,
		`SELECT `+sessionCols+` FROM otp_sessions WHERE token = $1`, token))
}

// Update locks the session row, applies fn and writes the result back in
// the same transaction.
func (p *Postgres) Update(ctx context.Context, token string, fn func(s *models.Session) error) (models.Session, error) {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Session{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	s, err := scanSession(tx.QueryRow(ctx,
		`SELECT `+sessionCols+` FROM otp_sessions WHERE token = $1 FOR UPDATE`, token))
	if err != nil {
		return models.Session{}, err
	}
	if err := fn(&s); err != nil {
		return models.Session{}, err
	}

	if _, err := tx.Exec(ctx, `UPDATE otp_sessions SET
		code = $2, sender = $3, account_id = $4, attempts = $5, max_attempts = $6,
		verified = $7, sent_at = $8, expires_at = $9
		WHERE token = $1`,
		s.Token, s.Code, s.Sender, s.AccountID, s.Attempts, s.MaxAttempts,
		s.Verified, s.SentAt, s.ExpiresAt); err != nil {
		return models.Session{}, fmt.Errorf("error updating session: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Session{}, err
	}
	return s, nil
}

// Delete deletes the session saved against a given token.
func (p *Postgres) Delete(ctx context.Context, token string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM otp_sessions WHERE token = $1`, token)
	return err
}

// DeleteExpired deletes sessions whose expiry is before the given time.
func (p *Postgres) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	tag, err := p.pool.Exec(ctx, `DELETE FROM otp_sessions WHERE expires_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// Load fills stored state into the given accounts.
func (p *Postgres) Load(ctx context.Context, accs []models.Account, day string) ([]models.Account, error) {
	if len(accs) == 0 {
		return accs, nil
	}

	ids := make([]string, len(accs))
	for i, a := range accs {
		ids[i] = a.ID
	}

	rows, err := p.pool.Query(ctx, `SELECT a.id, a.status, a.health, a.health_msg,
		a.checked_at, a.total, a.last_used, COALESCE(d.total, 0)
		FROM messaging_accounts a
		LEFT JOIN messaging_account_days d ON d.account_id = a.id AND d.day = $2
		WHERE a.id = ANY($1)`, ids, day)
	if err != nil {
		return nil, fmt.Errorf("error loading accounts: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]models.Account, len(accs))
	for rows.Next() {
		var (
			a         models.Account
			checkedAt *time.Time
			lastUsed  *time.Time
		)
		if err := rows.Scan(&a.ID, &a.Status, &a.Health, &a.HealthMsg,
			&checkedAt, &a.Usage.Total, &lastUsed, &a.Usage.Today); err != nil {
			return nil, err
		}
		if checkedAt != nil {
			a.CheckedAt = checkedAt.UTC()
		}
		if lastUsed != nil {
			a.Usage.LastUsed = lastUsed.UTC()
		}
		byID[a.ID] = a
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]models.Account, len(accs))
	for i, a := range accs {
		if row, ok := byID[a.ID]; ok {
			if row.Status != "" {
				a.Status = row.Status
			}
			a.Health = row.Health
			a.HealthMsg = row.HealthMsg
			a.CheckedAt = row.CheckedAt
			a.Usage = row.Usage
		}
		out[i] = a
	}

	return out, nil
}

// IncrUsage atomically increments an account's counters. Both rows are
// upserted in one transaction and the new values are read back from the
// RETURNING clauses.
func (p *Postgres) IncrUsage(ctx context.Context, id, day string, at time.Time) (models.Usage, error) {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Usage{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	u := models.Usage{LastUsed: at}
	if err := tx.QueryRow(ctx, `INSERT INTO messaging_accounts (id, total, last_used)
		VALUES ($1, 1, $2)
		ON CONFLICT (id) DO UPDATE SET total = messaging_accounts.total + 1, last_used = $2
		RETURNING total`, id, at).Scan(&u.Total); err != nil {
		return models.Usage{}, fmt.Errorf("error incrementing usage: %w", err)
	}
	if err := tx.QueryRow(ctx, `INSERT INTO messaging_account_days (account_id, day, total)
		VALUES ($1, $2, 1)
		ON CONFLICT (account_id, day) DO UPDATE SET total = messaging_account_days.total + 1
		RETURNING total`, id, day).Scan(&u.Today); err != nil {
		return models.Usage{}, fmt.Errorf("error incrementing daily usage: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Usage{}, err
	}
	return u, nil
}

// SetStatus overrides an account's configured status.
func (p *Postgres) SetStatus(ctx context.Context, id, status string) error {
	_, err := p.pool.Exec(ctx, `INSERT INTO messaging_accounts (id, status) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET status = $2`, id, status)
	return err
}

// SetHealth records an account's health flag.
func (p *Postgres) SetHealth(ctx context.Context, id, health, msg string, at time.Time) error {
	_, err := p.pool.Exec(ctx, `INSERT INTO messaging_accounts (id, health, health_msg, checked_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET health = $2, health_msg = $3, checked_at = $4`,
		id, health, msg, at)
	return err
}

// Incr increments a counter and returns its new value. An expired counter
// restarts from 1.
func (p *Postgres) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	var exp *time.Time
	if ttl > 0 {
		t := time.Now().Add(ttl)
		exp = &t
	}

	var n int64
	err := p.pool.QueryRow(ctx, `INSERT INTO counters (key, value, expires_at) VALUES ($1, 1, $2)
		ON CONFLICT (key) DO UPDATE SET
			value = CASE WHEN counters.expires_at IS NOT NULL AND counters.expires_at < NOW()
				THEN 1 ELSE counters.value + 1 END,
			expires_at = COALESCE($2, counters.expires_at)
		RETURNING value`, key, exp).Scan(&n)
	return n, err
}

// Count returns a counter's value.
func (p *Postgres) Count(ctx context.Context, key string) (int64, error) {
	var n int64
	err := p.pool.QueryRow(ctx, `SELECT value FROM counters
		WHERE key = $1 AND (expires_at IS NULL OR expires_at >= NOW())`, key).Scan(&n)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return n, err
}

// SetOnce sets a flag if it isn't set already (or has expired).
func (p *Postgres) SetOnce(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	var exp *time.Time
	if ttl > 0 {
		t := time.Now().Add(ttl)
		exp = &t
	}

	tag, err := p.pool.Exec(ctx, `INSERT INTO counters (key, value, expires_at) VALUES ($1, 1, $2)
		ON CONFLICT (key) DO UPDATE SET value = 1, expires_at = $2
		WHERE counters.expires_at IS NOT NULL AND counters.expires_at < NOW()`, key, exp)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func scanSession(row pgx.Row) (models.Session, error) {
	var s models.Session
	err := row.Scan(&s.Token, &s.SubmissionRef, &s.Label, &s.Phone, &s.Code, &s.Sender,
		&s.AccountID, &s.Attempts, &s.MaxAttempts, &s.Verified,
		&s.CreatedAt, &s.SentAt, &s.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Session{}, store.ErrNotExist
	}
	if err != nil {
		return models.Session{}, err
	}

	s.CreatedAt = s.CreatedAt.UTC()
	s.SentAt = s.SentAt.UTC()
	s.ExpiresAt = s.ExpiresAt.UTC()
	return s, nil
}
