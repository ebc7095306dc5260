package postgres

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/knadh/phoneverify/internal/store"
	"github.com/knadh/phoneverify/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var now = time.Now().UTC().Truncate(time.Millisecond)

// startPostgres runs a throwaway Postgres container and returns a migrated
// store over it. The test is skipped when Docker isn't available.
func startPostgres(t *testing.T) *Postgres {
	t.Helper()
	tc.SkipIfProviderIsNotHealthy(t)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	t.Cleanup(cancel)

	req := tc.ContainerRequest{
		Image: "postgres:16-alpine",
		Env: map[string]string{
			"POSTGRES_USER":     "pv",
			"POSTGRES_PASSWORD": "pv",
			"POSTGRES_DB":       "pv",
		},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor: wait.ForSQL("5432/tcp", "pgx", func(host string, port nat.Port) string {
			return fmt.Sprintf("host=%s port=%s user=pv password=pv dbname=pv sslmode=disable", host, port.Port())
		}).WithStartupTimeout(120 * time.Second).WithPollInterval(300 * time.Millisecond),
	}

	c, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{ContainerRequest: req, Started: true})
	require.NoError(t, err, "error starting container")
	t.Cleanup(func() { _ = c.Terminate(context.Background()) })

	host, err := c.Host(ctx)
	require.NoError(t, err)
	mp, err := c.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, fmt.Sprintf("postgres://pv:pv@%s:%s/pv?sslmode=disable", host, mp.Port()))
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	p := NewFromPool(pool)
	require.NoError(t, p.Migrate(ctx), "error applying schema")
	return p
}

func mockSession() models.Session {
	return models.Session{
		Token:         "pgtoken0123456789",
		SubmissionRef: "form-1:entry-9",
		Label:         "Contact form",
		Phone:         "+14155551234",
		Code:          "123456",
		Sender:        "+15550001111",
		AccountID:     "main",
		MaxAttempts:   5,
		CreatedAt:     now,
		SentAt:        now,
		ExpiresAt:     now.Add(10 * time.Minute),
	}
}

func TestPostgres(t *testing.T) {
	p := startPostgres(t)
	ctx := context.Background()

	t.Run("sessions", func(t *testing.T) {
		s := mockSession()
		require.NoError(t, p.Create(ctx, s))
		assert.Error(t, p.Create(ctx, s), "Duplicate token should fail")

		got, err := p.Get(ctx, s.Token)
		require.NoError(t, err)
		assert.Equal(t, s, got)

		_, err = p.Get(ctx, "nonexistent")
		assert.Equal(t, store.ErrNotExist, err)

		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, _ = p.Update(ctx, s.Token, func(s *models.Session) error {
					s.Attempts++
					return nil
				})
			}()
		}
		wg.Wait()

		got, err = p.Get(ctx, s.Token)
		require.NoError(t, err)
		assert.Equal(t, 10, got.Attempts, "Lost updates under concurrency")

		old := mockSession()
		old.Token = "pgold0123456789"
		old.ExpiresAt = now.Add(-time.Minute)
		require.NoError(t, p.Create(ctx, old))

		n, err := p.DeleteExpired(ctx, now)
		assert.NoError(t, err)
		assert.Equal(t, 1, n)

		require.NoError(t, p.Delete(ctx, s.Token))
		_, err = p.Get(ctx, s.Token)
		assert.Equal(t, store.ErrNotExist, err)
	})

	t.Run("accounts", func(t *testing.T) {
		var (
			day  = store.Day(now)
			accs = []models.Account{
				{ID: "a", Status: models.StatusActive},
				{ID: "b", Status: models.StatusActive},
			}
		)

		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, _ = p.IncrUsage(ctx, "a", day, now)
			}()
		}
		wg.Wait()

		require.NoError(t, p.SetStatus(ctx, "b", models.StatusInactive))
		require.NoError(t, p.SetHealth(ctx, "a", models.HealthHealthy, "ok", now))

		out, err := p.Load(ctx, accs, day)
		require.NoError(t, err)
		assert.Equal(t, int64(20), out[0].Usage.Total)
		assert.Equal(t, int64(20), out[0].Usage.Today)
		assert.Equal(t, models.HealthHealthy, out[0].Health)
		assert.Equal(t, models.StatusInactive, out[1].Status)
	})

	t.Run("counters", func(t *testing.T) {
		n, err := p.Incr(ctx, "dispatch:x", time.Hour)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		n, err = p.Count(ctx, "dispatch:x")
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		ok, err := p.SetOnce(ctx, "warned:x", time.Hour)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = p.SetOnce(ctx, "warned:x", time.Hour)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}
