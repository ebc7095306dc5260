// Package accounts holds the configured outbound messaging accounts, picks
// the account that sends a given message, keeps per-account usage and
// dispatches messages through the account's provider.
package accounts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/knadh/phoneverify/internal/metrics"
	"github.com/knadh/phoneverify/internal/store"
	"github.com/knadh/phoneverify/pkg/models"
	"github.com/zerodha/logf"
	"golang.org/x/time/rate"
)

// Config contains dispatch options.
type Config struct {
	// Timeout bounds every provider send.
	Timeout  time.Duration `json:"timeout"`
	Strategy string        `json:"strategy"`

	// OptimisticAck treats a send that the provider accepted at the
	// transport level as delivered even if the response body doesn't
	// confirm it.
	OptimisticAck bool `json:"optimistic_ack"`
}

// Entry is a configured account along with its provider.
type Entry struct {
	Account  models.Account
	Provider models.Provider

	// Rate is the sustained sends per second allowed through the
	// account. 0 is unlimited.
	Rate  float64
	Burst int
}

type account struct {
	models.Account
	prov    models.Provider
	limiter *rate.Limiter
}

// Registry is the account registry. Account identity and credentials come
// from configuration. Status overrides, health and usage counters live in
// the store, which is the only state shared across processes.
type Registry struct {
	cfg  Config
	accs []account
	ids  map[string]int
	sel  Selector
	st   store.Accounts
	lo   logf.Logger

	now func() time.Time
}

var errUnknownAccount = errors.New("unknown account")

// New returns a Registry over the given accounts.
func New(cfg Config, entries []Entry, st store.Accounts, lo logf.Logger) (*Registry, error) {
	if cfg.Timeout.Seconds() < 1 {
		cfg.Timeout = time.Second * 30
	}

	sel, err := NewSelector(cfg.Strategy)
	if err != nil {
		return nil, err
	}

	r := &Registry{
		cfg: cfg,
		ids: make(map[string]int, len(entries)),
		sel: sel,
		st:  st,
		lo:  lo,
		now: time.Now,
	}

	hasPrimary := false
	for _, e := range entries {
		a := e.Account
		if a.ID == "" {
			return nil, errors.New("account id is empty")
		}
		if _, ok := r.ids[a.ID]; ok {
			return nil, fmt.Errorf("duplicate account '%s'", a.ID)
		}
		if e.Provider == nil {
			return nil, fmt.Errorf("no provider for account '%s'", a.ID)
		}

		switch a.Status {
		case "":
			a.Status = models.StatusActive
		case models.StatusActive, models.StatusInactive:
		default:
			return nil, fmt.Errorf("unknown status '%s' for account '%s'", a.Status, a.ID)
		}

		if a.Primary {
			if hasPrimary {
				return nil, fmt.Errorf("more than one primary account ('%s')", a.ID)
			}
			hasPrimary = true
		}
		if a.Provider == "" {
			a.Provider = e.Provider.ID()
		}

		acc := account{Account: a, prov: e.Provider}
		if e.Rate > 0 {
			burst := e.Burst
			if burst < 1 {
				burst = 1
			}
			acc.limiter = rate.NewLimiter(rate.Limit(e.Rate), burst)
		}

		r.ids[a.ID] = len(r.accs)
		r.accs = append(r.accs, acc)
	}

	if cfg.Strategy == StrategyPrimary && len(entries) > 0 && !hasPrimary {
		return nil, errors.New("the primary strategy needs an account flagged primary")
	}

	return r, nil
}

// Accounts returns all the configured accounts with their stored state.
func (r *Registry) Accounts(ctx context.Context) ([]models.Account, error) {
	accs := make([]models.Account, len(r.accs))
	for i, a := range r.accs {
		accs[i] = a.Account
	}

	out, err := r.st.Load(ctx, accs, store.Day(r.now()))
	if err != nil {
		return nil, fmt.Errorf("error loading accounts: %w", err)
	}
	return out, nil
}

// Active returns the accounts that aren't marked inactive.
func (r *Registry) Active(ctx context.Context) ([]models.Account, error) {
	accs, err := r.Accounts(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]models.Account, 0, len(accs))
	for _, a := range accs {
		if a.Usable() {
			out = append(out, a)
		}
	}
	return out, nil
}

// Select picks the account to send the next message through. Healthy
// accounts are preferred; degraded ones are used only when there's no
// healthy one. An inactive account is never returned.
func (r *Registry) Select(ctx context.Context) (models.Account, error) {
	accs, err := r.Active(ctx)
	if err != nil {
		return models.Account{}, err
	}

	healthy := make([]models.Account, 0, len(accs))
	for _, a := range accs {
		if a.Health != models.HealthDegraded {
			healthy = append(healthy, a)
		}
	}

	if a, ok := r.sel.Select(healthy); ok {
		return a, nil
	}
	if a, ok := r.sel.Select(accs); ok {
		return a, nil
	}

	return models.Account{}, models.ErrNoAccountConfigured
}

// RecordUsage counts a send attempt against an account. It's an atomic
// increment-and-read in the store so concurrent dispatches and health
// ticks never lose updates.
func (r *Registry) RecordUsage(ctx context.Context, id string) (models.Usage, error) {
	if _, ok := r.ids[id]; !ok {
		return models.Usage{}, errUnknownAccount
	}

	now := r.now()
	u, err := r.st.IncrUsage(ctx, id, store.Day(now), now)
	if err != nil {
		return models.Usage{}, fmt.Errorf("error recording usage: %w", err)
	}
	return u, nil
}

// SetStatus marks an account active or inactive.
func (r *Registry) SetStatus(ctx context.Context, id, status string) error {
	if _, ok := r.ids[id]; !ok {
		return errUnknownAccount
	}
	if status != models.StatusActive && status != models.StatusInactive {
		return fmt.Errorf("unknown status '%s'", status)
	}
	return r.st.SetStatus(ctx, id, status)
}

// SetHealth records the health flag of an account.
func (r *Registry) SetHealth(ctx context.Context, id, health, msg string) error {
	if _, ok := r.ids[id]; !ok {
		return errUnknownAccount
	}
	return r.st.SetHealth(ctx, id, health, msg, r.now())
}

// Provider returns the provider bound to an account.
func (r *Registry) Provider(id string) (models.Provider, bool) {
	i, ok := r.ids[id]
	if !ok {
		return nil, false
	}
	return r.accs[i].prov, true
}

// Dispatch sends a message through an account's provider. The result
// always carries the account's sender number, even on failure. The send
// is bounded by the dispatch timeout and a timeout is a failure.
func (r *Registry) Dispatch(ctx context.Context, acc models.Account, to, body string) models.DispatchResult {
	res := models.DispatchResult{
		Sender:    acc.Number,
		AccountID: acc.ID,
	}

	i, ok := r.ids[acc.ID]
	if !ok {
		res.Message = "unknown account"
		return res
	}
	a := r.accs[i]
	if res.Sender == "" {
		res.Sender = a.Number
	}

	if max := a.prov.MaxBodyLen(); max > 0 && len([]rune(body)) > max {
		res.Message = "message is too long for the channel"
		metrics.Dispatches.WithLabelValues(acc.ID, "error").Inc()
		return res
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			r.lo.Warn("dispatch rate limited", "account", acc.ID, "error", err)
			res.Message = "account is rate limited"
			metrics.Dispatches.WithLabelValues(acc.ID, "timeout").Inc()
			return res
		}
	}

	start := time.Now()
	ack, err := a.prov.Send(ctx, to, body)
	metrics.DispatchDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			r.lo.Error("dispatch timed out", "account", acc.ID, "timeout", r.cfg.Timeout.String())
			res.Message = "messaging provider timed out"
			metrics.Dispatches.WithLabelValues(acc.ID, "timeout").Inc()
			return res
		}

		r.lo.Error("error dispatching message", "account", acc.ID, "error", err)
		res.Message = models.ErrTransport.Message
		metrics.Dispatches.WithLabelValues(acc.ID, "error").Inc()
		return res
	}

	switch {
	case !ack.Accepted:
		r.lo.Warn("message rejected by provider", "account", acc.ID, "message", ack.Message)
		res.Message = "message was rejected by the provider"
		metrics.Dispatches.WithLabelValues(acc.ID, "rejected").Inc()
		return res

	case !ack.Confirmed:
		if !r.cfg.OptimisticAck {
			r.lo.Warn("provider didn't confirm the message", "account", acc.ID, "message", ack.Message)
			res.Message = "message delivery could not be confirmed"
			metrics.Dispatches.WithLabelValues(acc.ID, "rejected").Inc()
			return res
		}

		// Accepted at the transport level. The body can't be trusted.
		r.lo.Debug("provider accepted message without confirmation", "account", acc.ID, "message", ack.Message)
		metrics.Dispatches.WithLabelValues(acc.ID, "ambiguous").Inc()

	default:
		metrics.Dispatches.WithLabelValues(acc.ID, "sent").Inc()
	}

	res.Success = true
	res.Message = "message sent"
	return res
}
