package accounts

import (
	"context"
	"errors"
	"io"
	"log"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/knadh/phoneverify/internal/store/redis"
	"github.com/knadh/phoneverify/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zerodha/logf"
)

type dummyProv struct {
	ack    models.Ack
	err    error
	block  bool
	maxLen int

	mu   sync.Mutex
	sent []string
}

func (d *dummyProv) ID() string          { return "dummy" }
func (d *dummyProv) ChannelName() string { return "dummychannel" }
func (d *dummyProv) MaxBodyLen() int     { return d.maxLen }
func (d *dummyProv) Ping(ctx context.Context) error {
	return d.err
}

func (d *dummyProv) CheckNumber(ctx context.Context, to string) (models.NumberCheck, error) {
	return models.NumberCheck{Exists: true, Formatted: to}, d.err
}

func (d *dummyProv) Send(ctx context.Context, to, body string) (models.Ack, error) {
	if d.block {
		<-ctx.Done()
		return models.Ack{}, ctx.Err()
	}

	d.mu.Lock()
	d.sent = append(d.sent, to)
	d.mu.Unlock()
	return d.ack, d.err
}

var (
	rdis *miniredis.Miniredis
	st   *redis.Redis
	ctx  = context.Background()
	lo   = logf.New(logf.Opts{Writer: io.Discard})

	okAck = models.Ack{Accepted: true, Confirmed: true}
)

func init() {
	rd, err := miniredis.Run()
	if err != nil {
		log.Println(err)
	}
	rdis = rd

	port, _ := strconv.Atoi(rd.Port())
	st = redis.New(redis.Conf{Host: rd.Host(), Port: port})
}

// newRegistry returns a registry over accounts a, b, c with a clock that
// advances by a second on every read.
func newRegistry(t *testing.T, cfg Config, prov models.Provider) *Registry {
	rdis.FlushDB()
	t.Cleanup(func() { rdis.FlushDB() })

	var entries []Entry
	for i, id := range []string{"a", "b", "c"} {
		entries = append(entries, Entry{
			Account: models.Account{
				ID:      id,
				Number:  "+1555000000" + strconv.Itoa(i),
				Primary: id == "b",
			},
			Provider: prov,
		})
	}

	r, err := New(cfg, entries, st, lo)
	require.NoError(t, err)

	var (
		mu  sync.Mutex
		clk = time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	)
	r.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		clk = clk.Add(time.Second)
		return clk
	}
	return r
}

func TestNew(t *testing.T) {
	p := &dummyProv{}

	_, err := New(Config{}, []Entry{{Account: models.Account{ID: "a"}, Provider: p},
		{Account: models.Account{ID: "a"}, Provider: p}}, st, lo)
	assert.Error(t, err, "duplicate ids should fail")

	_, err = New(Config{}, []Entry{{Account: models.Account{ID: "a", Primary: true}, Provider: p},
		{Account: models.Account{ID: "b", Primary: true}, Provider: p}}, st, lo)
	assert.Error(t, err, "two primaries should fail")

	_, err = New(Config{}, []Entry{{Account: models.Account{ID: "a"}}}, st, lo)
	assert.Error(t, err, "missing provider should fail")

	_, err = New(Config{Strategy: "random"}, nil, st, lo)
	assert.Error(t, err, "unknown strategy should fail")

	_, err = New(Config{Strategy: StrategyPrimary}, []Entry{{Account: models.Account{ID: "a"}, Provider: p}}, st, lo)
	assert.Error(t, err, "primary strategy without a primary should fail")
}

func TestSelectNoAccount(t *testing.T) {
	r, err := New(Config{}, nil, st, lo)
	require.NoError(t, err)

	_, err = r.Select(ctx)
	assert.Equal(t, models.ErrNoAccountConfigured, err)
	assert.Equal(t, models.KindConfiguration, models.KindOf(err))
}

func TestSelectRotates(t *testing.T) {
	r := newRegistry(t, Config{}, &dummyProv{ack: okAck})

	var got []string
	for i := 0; i < 6; i++ {
		a, err := r.Select(ctx)
		require.NoError(t, err)
		got = append(got, a.ID)

		_, err = r.RecordUsage(ctx, a.ID)
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"a", "b", "c", "a", "b", "c"}, got, "LRU should rotate round robin")
}

func TestSelectNeverInactive(t *testing.T) {
	r := newRegistry(t, Config{}, &dummyProv{ack: okAck})
	require.NoError(t, r.SetStatus(ctx, "b", models.StatusInactive))

	seen := map[string]int{}
	for i := 0; i < 30; i++ {
		a, err := r.Select(ctx)
		require.NoError(t, err)
		assert.NotEqual(t, "b", a.ID, "inactive account was selected")
		seen[a.ID]++

		_, err = r.RecordUsage(ctx, a.ID)
		require.NoError(t, err)
	}
	assert.Equal(t, 15, seen["a"])
	assert.Equal(t, 15, seen["c"])

	// All inactive.
	require.NoError(t, r.SetStatus(ctx, "a", models.StatusInactive))
	require.NoError(t, r.SetStatus(ctx, "c", models.StatusInactive))
	_, err := r.Select(ctx)
	assert.Equal(t, models.ErrNoAccountConfigured, err)

	assert.Error(t, r.SetStatus(ctx, "a", "paused"), "unknown status should fail")
	assert.Error(t, r.SetStatus(ctx, "zz", models.StatusActive), "unknown account should fail")
}

func TestSelectPrefersHealthy(t *testing.T) {
	r := newRegistry(t, Config{}, &dummyProv{ack: okAck})
	require.NoError(t, r.SetHealth(ctx, "a", models.HealthDegraded, "timeout"))
	require.NoError(t, r.SetHealth(ctx, "b", models.HealthDegraded, "timeout"))

	a, err := r.Select(ctx)
	require.NoError(t, err)
	assert.Equal(t, "c", a.ID)

	// Degraded accounts are still used when nothing healthy is left.
	require.NoError(t, r.SetStatus(ctx, "c", models.StatusInactive))
	a, err = r.Select(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", a.ID)
	assert.Equal(t, models.HealthDegraded, a.Health)
}

func TestSelectPrimary(t *testing.T) {
	r := newRegistry(t, Config{Strategy: StrategyPrimary}, &dummyProv{ack: okAck})

	for i := 0; i < 3; i++ {
		a, err := r.Select(ctx)
		require.NoError(t, err)
		assert.Equal(t, "b", a.ID)
		_, _ = r.RecordUsage(ctx, a.ID)
	}

	require.NoError(t, r.SetStatus(ctx, "b", models.StatusInactive))
	_, err := r.Select(ctx)
	assert.Equal(t, models.ErrNoAccountConfigured, err)
}

func TestRecordUsage(t *testing.T) {
	r := newRegistry(t, Config{}, &dummyProv{ack: okAck})

	var last int64
	for i := 0; i < 5; i++ {
		u, err := r.RecordUsage(ctx, "a")
		require.NoError(t, err)
		assert.Greater(t, u.Total, last, "usage should be monotonic")
		last = u.Total
	}

	var (
		wg sync.WaitGroup
		n  = 50
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = r.RecordUsage(ctx, "b")
		}()
	}
	wg.Wait()

	accs, err := r.Accounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), accs[0].Usage.Total)
	assert.Equal(t, int64(n), accs[1].Usage.Total, "lost usage updates")
	assert.Equal(t, int64(n), accs[1].Usage.Today, "lost daily usage updates")

	_, err = r.RecordUsage(ctx, "zz")
	assert.Error(t, err)
}

func TestDispatch(t *testing.T) {
	acc := models.Account{ID: "a", Number: "+15550000000"}

	t.Run("sent", func(t *testing.T) {
		r := newRegistry(t, Config{OptimisticAck: true}, &dummyProv{ack: okAck})
		res := r.Dispatch(ctx, acc, "+14155551234", "123456")
		assert.True(t, res.Success)
		assert.Equal(t, acc.Number, res.Sender)
	})

	t.Run("ambiguous", func(t *testing.T) {
		p := &dummyProv{ack: models.Ack{Accepted: true, Message: "status: false"}}

		r := newRegistry(t, Config{OptimisticAck: true}, p)
		res := r.Dispatch(ctx, acc, "+14155551234", "123456")
		assert.True(t, res.Success, "accepted send should succeed optimistically")

		r = newRegistry(t, Config{OptimisticAck: false}, p)
		res = r.Dispatch(ctx, acc, "+14155551234", "123456")
		assert.False(t, res.Success, "unconfirmed send should fail without optimistic acks")
		assert.Equal(t, acc.Number, res.Sender)
	})

	t.Run("rejected", func(t *testing.T) {
		r := newRegistry(t, Config{OptimisticAck: true}, &dummyProv{ack: models.Ack{Accepted: false}})
		res := r.Dispatch(ctx, acc, "+14155551234", "123456")
		assert.False(t, res.Success)
		assert.Equal(t, acc.Number, res.Sender, "sender should be set on failure")
	})

	t.Run("error", func(t *testing.T) {
		r := newRegistry(t, Config{}, &dummyProv{err: errors.New("connection refused: secret internals")})
		res := r.Dispatch(ctx, acc, "+14155551234", "123456")
		assert.False(t, res.Success)
		assert.Equal(t, acc.Number, res.Sender)
		assert.NotContains(t, res.Message, "secret internals", "provider internals leaked")
	})

	t.Run("timeout", func(t *testing.T) {
		r := newRegistry(t, Config{}, &dummyProv{block: true})

		c, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()
		res := r.Dispatch(c, acc, "+14155551234", "123456")
		assert.False(t, res.Success, "timeout should be a failure")
		assert.Equal(t, acc.Number, res.Sender)
	})

	t.Run("too long", func(t *testing.T) {
		r := newRegistry(t, Config{}, &dummyProv{ack: okAck, maxLen: 3})
		res := r.Dispatch(ctx, acc, "+14155551234", "123456")
		assert.False(t, res.Success)
	})

	t.Run("unknown account", func(t *testing.T) {
		r := newRegistry(t, Config{}, &dummyProv{ack: okAck})
		res := r.Dispatch(ctx, models.Account{ID: "zz", Number: "+1"}, "+14155551234", "123456")
		assert.False(t, res.Success)
		assert.Equal(t, "+1", res.Sender)
	})
}

func TestDispatchRateLimit(t *testing.T) {
	rdis.FlushDB()
	p := &dummyProv{ack: okAck}
	r, err := New(Config{}, []Entry{{
		Account:  models.Account{ID: "a", Number: "+1"},
		Provider: p,
		Rate:     0.001,
		Burst:    1,
	}}, st, lo)
	require.NoError(t, err)

	acc := models.Account{ID: "a", Number: "+1"}
	assert.True(t, r.Dispatch(ctx, acc, "+2", "x").Success, "first send is within the burst")

	c, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	assert.False(t, r.Dispatch(c, acc, "+2", "x").Success, "second send should be throttled")
}
