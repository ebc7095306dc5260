package models

import (
	"context"
	"time"
)

// Account statuses set by configuration or an operator.
const (
	StatusActive   = "active"
	StatusInactive = "inactive"
)

// Account health flags set by the health monitor.
const (
	HealthUnknown  = ""
	HealthHealthy  = "healthy"
	HealthDegraded = "degraded"
)

// Session states. A session never leaves Verified or Expired.
const (
	StateCreated   = "created"
	StateVerified  = "verified"
	StateExpired   = "expired"
	StateExhausted = "exhausted"
)

// Account is an outbound messaging account. Credentials live in the
// provider's configuration; Account only carries identity and the
// mutable bookkeeping owned by the account registry.
type Account struct {
	ID       string `json:"id"`
	Provider string `json:"provider"`

	// Number is the outbound address (display number or sender ID)
	// that recipients see.
	Number  string `json:"number"`
	Primary bool   `json:"primary"`

	Status    string    `json:"status"`
	Health    string    `json:"health"`
	HealthMsg string    `json:"health_message"`
	Usage     Usage     `json:"usage"`
	CheckedAt time.Time `json:"checked_at"`
}

// Usable tells if an account may be selected for dispatch.
func (a Account) Usable() bool {
	return a.Status != StatusInactive
}

// Usage holds an account's send counters.
type Usage struct {
	Total    int64     `json:"total"`
	Today    int64     `json:"today"`
	LastUsed time.Time `json:"last_used"`
}

// Session is an OTP verification session.
type Session struct {
	Token         string    `json:"token"`
	SubmissionRef string    `json:"submission_ref"`
	Label         string    `json:"label"`
	Phone         string    `json:"phone"`
	Code          string    `json:"-"`
	Sender        string    `json:"sender"`
	AccountID     string    `json:"account_id"`
	Attempts      int       `json:"attempts"`
	MaxAttempts   int       `json:"max_attempts"`
	Verified      bool      `json:"verified"`
	CreatedAt     time.Time `json:"created_at"`
	SentAt        time.Time `json:"sent_at"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// State returns the session's state at the given time.
func (s Session) State(now time.Time) string {
	switch {
	case s.Verified:
		return StateVerified
	case s.MaxAttempts > 0 && s.Attempts >= s.MaxAttempts:
		return StateExhausted
	case now.After(s.ExpiresAt):
		return StateExpired
	}
	return StateCreated
}

// Terminal tells if a session accepts no further attempts.
func (s Session) Terminal(now time.Time) bool {
	return s.State(now) != StateCreated
}

// ValidationResult is the verdict of a number check. Success=false means
// the provider could not be reached or errored; Valid=false with
// Success=true means the provider affirmatively says the number is not on
// the channel.
type ValidationResult struct {
	Success   bool   `json:"success"`
	Valid     bool   `json:"valid"`
	Formatted string `json:"formatted_number,omitempty"`
	Message   string `json:"message"`
}

// DispatchResult is the outcome of a dispatch attempt. Sender is always
// set, even on failure.
type DispatchResult struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	Sender    string `json:"sender"`
	AccountID string `json:"account_id"`
}

// VerifyResult is the outcome of a verification attempt.
type VerifyResult struct {
	Verified  bool   `json:"verified"`
	Remaining int    `json:"remaining_attempts"`
	Reason    string `json:"reason"`
}

// ResendResult is the outcome of a resend.
type ResendResult struct {
	Success   bool      `json:"success"`
	Message   string    `json:"message"`
	ExpiresAt time.Time `json:"expires_at"`
}

// LogEntry is a health check log line.
type LogEntry struct {
	Time      time.Time `json:"time"`
	AccountID string    `json:"account_id,omitempty"`
	OK        bool      `json:"ok"`
	Message   string    `json:"message"`
}

// MonitorStatus is the health monitor's display status.
type MonitorStatus struct {
	Scheduled        bool      `json:"scheduled"`
	Interval         string    `json:"interval"`
	NextRun          time.Time `json:"next_run"`
	LastEntry        *LogEntry `json:"last_entry"`
	HasUsableAccount bool      `json:"has_usable_account"`
	DispatchesToday  int64     `json:"dispatches_today"`
}

// Ack is a provider's response to a send.
type Ack struct {
	// Accepted is true when the provider accepted the request at the
	// transport level (2xx).
	Accepted bool

	// Confirmed is true when the response body also reports success.
	// Some providers are unreliable here.
	Confirmed bool

	MessageID string
	Message   string
}

// NumberCheck is a provider's response to an existence check.
type NumberCheck struct {
	Exists    bool
	Formatted string
}

// Provider is an interface for an outbound messaging backend bound to
// a single account's credentials.
type Provider interface {
	// ID returns the name of the Provider.
	ID() string

	// ChannelName returns the name of the channel, for example "WhatsApp" or "SMS".
	ChannelName() string

	// Send pushes a message to the given number. A non-nil error is a
	// transport failure. A nil error with Ack.Accepted=false is a
	// provider rejection.
	Send(ctx context.Context, to, body string) (Ack, error)

	// CheckNumber asks the provider whether the number exists on the channel.
	CheckNumber(ctx context.Context, to string) (NumberCheck, error)

	// Ping performs a lightweight reachability probe of the provider
	// with the account's credentials.
	Ping(ctx context.Context) error

	// MaxBodyLen returns the maximum permitted length of the text
	// that can be sent by the Provider. 0 is unlimited.
	MaxBodyLen() int
}

// Notifier is an operator notification channel. Delivery is best effort.
type Notifier interface {
	Notify(ctx context.Context, subject string, body []byte) error
}

// ProviderConfig represents the common configuration of an account's provider.
type ProviderConfig struct {
	ID       string `json:"id"`
	Provider string `json:"provider"`
	Number   string `json:"number"`
	Primary  bool   `json:"primary"`
	Status   string `json:"status"`

	// Rate is the sustained sends per second allowed on this account.
	// 0 is unlimited.
	Rate  float64 `json:"rate"`
	Burst int     `json:"burst"`

	// Config is the provider specific JSON configuration.
	Config string `json:"config"`
}
