// Package health probes the messaging accounts on a schedule, keeps a
// bounded log of the results, flags accounts healthy or degraded and
// alerts operators when an account fails or the daily dispatch volume
// crosses a threshold.
package health

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"text/template"
	"time"

	"github.com/Masterminds/sprig"
	"github.com/knadh/phoneverify/internal/healthlog"
	"github.com/knadh/phoneverify/internal/metrics"
	"github.com/knadh/phoneverify/internal/scheduler"
	"github.com/knadh/phoneverify/internal/store"
	"github.com/knadh/phoneverify/pkg/models"
	"github.com/zerodha/logf"
)

// Scheduled job names.
const (
	JobHealthCheck = "health-check"
	JobReap        = "reap-sessions"
)

const (
	msgNoAccount = "no account configured"

	// Daily counters outlive their day so that late reads around
	// midnight still see them.
	counterTTL = 48 * time.Hour

	notifyTimeout = 30 * time.Second
)

// Alert kinds passed to the alert template.
const (
	AlertProbe     = "probe"
	AlertThreshold = "threshold"
)

// DefaultAlertTemplate is used when no alert template is configured.
const DefaultAlertTemplate = `{{ if eq .Kind "probe" -}}
Account {{ .AccountID }} ({{ .Channel }}) failed its health check at {{ .Time | date "2006-01-02 15:04:05 MST" }}.

{{ .Message }}
{{- else -}}
{{ .Count }} messages were dispatched today ({{ .Day }}), crossing the warning threshold of {{ .Threshold }}.
{{- end }}
`

// Registry is the account registry the monitor probes.
type Registry interface {
	Active(ctx context.Context) ([]models.Account, error)
	Provider(id string) (models.Provider, bool)
	SetHealth(ctx context.Context, id, health, msg string) error
}

// Reaper deletes expired sessions.
type Reaper interface {
	ReapExpired(ctx context.Context) (int, error)
}

// Config contains the monitor's options.
type Config struct {
	Interval           time.Duration `json:"interval"`
	FallbackInterval   time.Duration `json:"fallback_interval"`
	ProbeTimeout       time.Duration `json:"probe_timeout"`
	DailyWarnThreshold int64         `json:"daily_warn_threshold"`
	ReapInterval       time.Duration `json:"reap_interval"`

	// AlertOnEveryFailure alerts on every failed probe instead of only
	// when an account turns degraded.
	AlertOnEveryFailure bool `json:"alert_on_every_failure"`
}

// Opt holds the monitor's optional collaborators.
type Opt struct {
	Notifier models.Notifier
	Reaper   Reaper

	// AlertTemplate renders alert bodies. DefaultAlertTemplate is used if nil.
	AlertTemplate *template.Template
}

// Monitor is the health monitor.
type Monitor struct {
	cfg   Config
	reg   Registry
	cnt   store.Counters
	sched *scheduler.Scheduler
	log   *healthlog.Log
	opt   Opt
	tpl   *template.Template
	lo    logf.Logger

	mu       sync.Mutex
	started  bool
	interval time.Duration

	// In-flight notifications.
	notifs sync.WaitGroup

	now func() time.Time
}

type alertData struct {
	Kind      string
	AccountID string
	Channel   string
	Message   string
	Time      time.Time
	Day       string
	Count     int64
	Threshold int64
}

// New returns a Monitor.
func New(cfg Config, reg Registry, cnt store.Counters, sched *scheduler.Scheduler, l *healthlog.Log, o Opt, lo logf.Logger) (*Monitor, error) {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.FallbackInterval <= 0 {
		cfg.FallbackInterval = 5 * time.Minute
	}
	if cfg.ProbeTimeout.Seconds() < 1 {
		cfg.ProbeTimeout = 10 * time.Second
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = time.Minute
	}

	tpl := o.AlertTemplate
	if tpl == nil {
		t, err := template.New("alert").Funcs(sprig.TxtFuncMap()).Parse(DefaultAlertTemplate)
		if err != nil {
			return nil, fmt.Errorf("error parsing alert template: %v", err)
		}
		tpl = t
	}

	return &Monitor{
		cfg:   cfg,
		reg:   reg,
		cnt:   cnt,
		sched: sched,
		log:   l,
		opt:   o,
		tpl:   tpl,
		lo:    lo,
		now:   time.Now,
	}, nil
}

// SetReaper sets the session reaper. It has to be set before Start.
func (m *Monitor) SetReaper(r Reaper) {
	m.mu.Lock()
	m.opt.Reaper = r
	m.mu.Unlock()
}

// Start schedules the health check and, if there's a reaper, the session
// reaper. Calling it again is a no-op. If the scheduler refuses the
// check interval, the fallback interval is used.
func (m *Monitor) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return nil
	}

	interval := m.cfg.Interval
	err := m.sched.Register(JobHealthCheck, interval, m.Tick)
	if errors.Is(err, scheduler.ErrIntervalTooShort) {
		m.lo.Warn("health check interval not supported, using fallback",
			"interval", interval.String(), "fallback", m.cfg.FallbackInterval.String())
		interval = m.cfg.FallbackInterval
		err = m.sched.Register(JobHealthCheck, interval, m.Tick)
	}
	if err != nil && !errors.Is(err, scheduler.ErrExists) {
		return fmt.Errorf("error scheduling health check: %w", err)
	}

	if m.opt.Reaper != nil {
		if err := m.sched.Register(JobReap, m.cfg.ReapInterval, m.reap); err != nil && !errors.Is(err, scheduler.ErrExists) {
			m.sched.Unregister(JobHealthCheck)
			return fmt.Errorf("error scheduling session reaper: %w", err)
		}
	}

	m.interval = interval
	m.started = true
	return nil
}

// Stop unschedules the monitor's jobs, waits for a check that's running
// and then for pending notifications. Calling it again is a no-op.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if m.started {
		m.sched.Unregister(JobHealthCheck)
		m.sched.Unregister(JobReap)
		m.started = false
	}
	m.mu.Unlock()

	m.notifs.Wait()
}

// Tick probes every active account once. A failed probe flags the account
// degraded and alerts operators when the account wasn't already degraded,
// or on every failure with AlertOnEveryFailure. Failures are not retried
// within a tick. A cancelled tick stops early and changes nothing.
func (m *Monitor) Tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			m.lo.Error("health check panicked", "panic", r)
			m.log.Append(models.LogEntry{Time: m.now(), Message: fmt.Sprintf("health check failed: %v", r)})
		}
	}()

	accs, err := m.reg.Active(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		m.lo.Error("error loading accounts", "error", err)
		m.log.Append(models.LogEntry{Time: m.now(), Message: "error loading accounts"})
		return
	}
	if len(accs) == 0 {
		m.lo.Warn(msgNoAccount)
		m.log.Append(models.LogEntry{Time: m.now(), Message: msgNoAccount})
		return
	}

	for _, a := range accs {
		if ctx.Err() != nil {
			return
		}
		m.probe(ctx, a)
	}
}

func (m *Monitor) probe(ctx context.Context, a models.Account) {
	prov, ok := m.reg.Provider(a.ID)
	if !ok {
		return
	}

	c, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	err := prov.Ping(c)
	cancel()

	// The check itself was cancelled, not the account's probe.
	if err != nil && ctx.Err() != nil {
		m.lo.Debug("health check cancelled", "account", a.ID)
		return
	}

	now := m.now()
	if err == nil {
		metrics.Probes.WithLabelValues(a.ID, "ok").Inc()
		m.log.Append(models.LogEntry{Time: now, AccountID: a.ID, OK: true, Message: "ok"})
		if err := m.reg.SetHealth(ctx, a.ID, models.HealthHealthy, ""); err != nil {
			m.lo.Error("error setting account health", "account", a.ID, "error", err)
		}
		return
	}

	metrics.Probes.WithLabelValues(a.ID, "fail").Inc()
	m.lo.Error("account health check failed", "account", a.ID, "error", err)

	msg := err.Error()
	if errors.Is(err, context.DeadlineExceeded) {
		msg = "health check timed out"
	}
	m.log.Append(models.LogEntry{Time: now, AccountID: a.ID, Message: msg})
	if err := m.reg.SetHealth(ctx, a.ID, models.HealthDegraded, msg); err != nil {
		m.lo.Error("error setting account health", "account", a.ID, "error", err)
	}

	if m.cfg.AlertOnEveryFailure || a.Health != models.HealthDegraded {
		m.notify("Messaging account "+a.ID+" is failing", alertData{
			Kind:      AlertProbe,
			AccountID: a.ID,
			Channel:   prov.ChannelName(),
			Message:   msg,
			Time:      now,
		})
	}
}

// ObserveDispatch counts a dispatch against today's total and warns
// operators once a day when the total reaches the warning threshold.
func (m *Monitor) ObserveDispatch(ctx context.Context) {
	day := store.Day(m.now())

	n, err := m.cnt.Incr(ctx, "dispatch:"+day, counterTTL)
	if err != nil {
		m.lo.Error("error counting dispatch", "error", err)
		return
	}
	if m.cfg.DailyWarnThreshold <= 0 || n < m.cfg.DailyWarnThreshold {
		return
	}

	ok, err := m.cnt.SetOnce(ctx, "warned:"+day, counterTTL)
	if err != nil {
		m.lo.Error("error setting dispatch warning flag", "error", err)
		return
	}
	if !ok {
		return
	}

	m.lo.Warn("daily dispatch threshold crossed", "count", n, "threshold", m.cfg.DailyWarnThreshold)
	m.notify("Daily message volume warning", alertData{
		Kind:      AlertThreshold,
		Time:      m.now(),
		Day:       day,
		Count:     n,
		Threshold: m.cfg.DailyWarnThreshold,
	})
}

// Status returns the monitor's status for display.
func (m *Monitor) Status(ctx context.Context) models.MonitorStatus {
	var out models.MonitorStatus

	out.Scheduled = m.sched.Scheduled(JobHealthCheck)
	if iv, ok := m.sched.Interval(JobHealthCheck); ok {
		out.Interval = iv.String()
	}
	if next, ok := m.sched.Next(JobHealthCheck); ok {
		out.NextRun = next
	}
	if e, ok := m.log.Last(); ok {
		out.LastEntry = &e
	}

	if accs, err := m.reg.Active(ctx); err != nil {
		m.lo.Error("error loading accounts", "error", err)
	} else {
		out.HasUsableAccount = len(accs) > 0
	}

	n, err := m.cnt.Count(ctx, "dispatch:"+store.Day(m.now()))
	if err != nil {
		m.lo.Error("error reading dispatch count", "error", err)
	}
	out.DispatchesToday = n

	return out
}

// Log returns the health check log.
func (m *Monitor) Log() *healthlog.Log {
	return m.log
}

func (m *Monitor) reap(ctx context.Context) {
	if _, err := m.opt.Reaper.ReapExpired(ctx); err != nil {
		m.lo.Error("error reaping sessions", "error", err)
	}
}

// notify renders and sends an alert in the background.
func (m *Monitor) notify(subject string, d alertData) {
	if m.opt.Notifier == nil {
		return
	}

	var b bytes.Buffer
	if err := m.tpl.Execute(&b, d); err != nil {
		m.lo.Error("error rendering alert", "error", err)
		return
	}

	m.notifs.Add(1)
	go func() {
		defer m.notifs.Done()

		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()

		if err := m.opt.Notifier.Notify(ctx, subject, b.Bytes()); err != nil {
			m.lo.Error("error sending alert", "error", err)
		}
	}()
}
