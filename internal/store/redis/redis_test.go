package redis

import (
	"context"
	"errors"
	"log"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/knadh/phoneverify/internal/store"
	"github.com/knadh/phoneverify/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	rStore *Redis
	rdis   *miniredis.Miniredis
	ctx    = context.Background()

	now         = time.Now().UTC().Truncate(time.Millisecond)
	mockSession = models.Session{
		Token:         "mytoken0123456789",
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
)

func init() {
	rd, err := miniredis.Run()
	if err != nil {
		log.Println(err)
	}
	rdis = rd

	port, _ := strconv.Atoi(rd.Port())
	rStore = New(Conf{
		Host: rd.Host(),
		Port: port,
	})
}

func setup(t *testing.T) *Redis {
	rdis.FlushDB()
	err := rStore.Create(ctx, mockSession)
	require.NoError(t, err, "Failed to set up test session")

	t.Cleanup(func() {
		rdis.FlushDB()
	})

	return rStore
}

func TestSessionCreateGet(t *testing.T) {
	rStore := setup(t)

	s, err := rStore.Get(ctx, mockSession.Token)
	assert.NoError(t, err, "Error getting session")
	assert.Equal(t, mockSession, s, "Returned session doesn't match")

	err = rStore.Create(ctx, mockSession)
	assert.Error(t, err, "Duplicate token should fail")

	_, err = rStore.Get(ctx, "nonexistent")
	assert.Equal(t, store.ErrNotExist, err, "Missing session should not exist")
}

func TestSessionUpdate(t *testing.T) {
	rStore := setup(t)

	s, err := rStore.Update(ctx, mockSession.Token, func(s *models.Session) error {
		s.Attempts++
		s.Verified = true
		return nil
	})
	assert.NoError(t, err, "Error updating session")
	assert.Equal(t, 1, s.Attempts, "Unexpected attempt count")
	assert.True(t, s.Verified, "Session should be verified")

	s, err = rStore.Get(ctx, mockSession.Token)
	assert.NoError(t, err)
	assert.Equal(t, 1, s.Attempts, "Update didn't persist")
	assert.True(t, s.Verified, "Update didn't persist")

	t.Run("aborted", func(t *testing.T) {
		errAbort := errors.New("abort")
		_, err := rStore.Update(ctx, mockSession.Token, func(s *models.Session) error {
			s.Attempts = 100
			return errAbort
		})
		assert.Equal(t, errAbort, err, "fn error should be returned")

		s, _ := rStore.Get(ctx, mockSession.Token)
		assert.Equal(t, 1, s.Attempts, "Aborted update shouldn't write")
	})

	t.Run("missing", func(t *testing.T) {
		_, err := rStore.Update(ctx, "nonexistent", func(s *models.Session) error { return nil })
		assert.Equal(t, store.ErrNotExist, err)
	})
}

func TestSessionUpdateConcurrent(t *testing.T) {
	rStore := setup(t)

	var (
		wg sync.WaitGroup
		n  = 10
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = rStore.Update(ctx, mockSession.Token, func(s *models.Session) error {
				s.Attempts++
				return nil
			})
		}()
	}
	wg.Wait()

	s, err := rStore.Get(ctx, mockSession.Token)
	require.NoError(t, err)
	assert.Equal(t, n, s.Attempts, "Lost updates under concurrency")
}

func TestSessionDelete(t *testing.T) {
	rStore := setup(t)

	err := rStore.Delete(ctx, mockSession.Token)
	assert.NoError(t, err, "Error deleting session")

	_, err = rStore.Get(ctx, mockSession.Token)
	assert.Equal(t, store.ErrNotExist, err, "Session should not exist but it does")
}

func TestSessionDeleteExpired(t *testing.T) {
	rStore := setup(t)

	old := mockSession
	old.Token = "oldtoken0123456789"
	old.ExpiresAt = now.Add(-time.Minute)
	require.NoError(t, rStore.Create(ctx, old))

	n, err := rStore.DeleteExpired(ctx, now)
	assert.NoError(t, err)
	assert.Equal(t, 1, n, "Only the expired session should be deleted")

	_, err = rStore.Get(ctx, old.Token)
	assert.Equal(t, store.ErrNotExist, err)

	_, err = rStore.Get(ctx, mockSession.Token)
	assert.NoError(t, err, "Live session shouldn't be deleted")

	// Idempotent.
	n, err = rStore.DeleteExpired(ctx, now)
	assert.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestAccounts(t *testing.T) {
	rStore := setup(t)

	var (
		day  = store.Day(now)
		accs = []models.Account{
			{ID: "a", Status: models.StatusActive},
			{ID: "b", Status: models.StatusActive},
		}
	)

	out, err := rStore.Load(ctx, accs, day)
	require.NoError(t, err)
	assert.Equal(t, accs, out, "Fresh accounts should have no stored state")

	u, err := rStore.IncrUsage(ctx, "a", day, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), u.Total)
	assert.Equal(t, int64(1), u.Today)

	require.NoError(t, rStore.SetStatus(ctx, "b", models.StatusInactive))
	require.NoError(t, rStore.SetHealth(ctx, "a", models.HealthDegraded, "timeout", now))

	out, err = rStore.Load(ctx, accs, day)
	require.NoError(t, err)
	assert.Equal(t, int64(1), out[0].Usage.Total)
	assert.Equal(t, int64(1), out[0].Usage.Today)
	assert.Equal(t, now, out[0].Usage.LastUsed)
	assert.Equal(t, models.HealthDegraded, out[0].Health)
	assert.Equal(t, "timeout", out[0].HealthMsg)
	assert.Equal(t, models.StatusInactive, out[1].Status)
}

func TestIncrUsageConcurrent(t *testing.T) {
	rStore := setup(t)

	var (
		wg  sync.WaitGroup
		n   = 50
		day = store.Day(now)
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = rStore.IncrUsage(ctx, "a", day, time.Now())
		}()
	}
	wg.Wait()

	out, err := rStore.Load(ctx, []models.Account{{ID: "a"}}, day)
	require.NoError(t, err)
	assert.Equal(t, int64(n), out[0].Usage.Total, "Lost usage updates")
	assert.Equal(t, int64(n), out[0].Usage.Today, "Lost daily usage updates")
}

func TestCounters(t *testing.T) {
	rStore := setup(t)

	n, err := rStore.Count(ctx, "dispatch:20260101")
	assert.NoError(t, err)
	assert.Equal(t, int64(0), n)

	for i := 1; i <= 3; i++ {
		n, err = rStore.Incr(ctx, "dispatch:20260101", time.Hour)
		assert.NoError(t, err)
		assert.Equal(t, int64(i), n)
	}

	ok, err := rStore.SetOnce(ctx, "warned:20260101", time.Hour)
	assert.NoError(t, err)
	assert.True(t, ok, "First SetOnce should set")

	ok, err = rStore.SetOnce(ctx, "warned:20260101", time.Hour)
	assert.NoError(t, err)
	assert.False(t, ok, "Second SetOnce shouldn't set")
}

func TestPublishDisabled(t *testing.T) {
	assert.NoError(t, rStore.Publish(ctx, "created", mockSession.Token, mockSession),
		"publish without a key should be a no-op")
}
