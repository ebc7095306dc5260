// Package otp is the OTP session engine. It issues one-time codes to phone
// numbers through the account registry, tracks them in sessions with an
// expiry and an attempt cap, and adjudicates verification attempts.
//
// A session moves from created to verified, expired or exhausted and
// never leaves those states. Resending replaces the code of a created
// session in place.
package otp

import (
	"bytes"
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"text/template"
	"time"

	"github.com/Masterminds/sprig"
	"github.com/knadh/phoneverify/internal/metrics"
	"github.com/knadh/phoneverify/internal/store"
	"github.com/knadh/phoneverify/internal/validator"
	"github.com/knadh/phoneverify/pkg/models"
	"github.com/zerodha/logf"
)

// DefaultTemplate is the message sent when no template is configured.
const DefaultTemplate = `{{ if .Label }}{{ .Label | trunc 40 }}: {{ end }}{{ .Code }} is your verification code. It expires in {{ .Minutes }} minutes.`

// Session event types.
const (
	EventCreated  = "created"
	EventVerified = "verified"
)

// Config contains the engine's options.
type Config struct {
	TTL            time.Duration `json:"ttl"`
	MaxAttempts    int           `json:"max_attempts"`
	CodeLen        int           `json:"code_len"`
	TokenLen       int           `json:"token_len"`
	ResendCooldown time.Duration `json:"resend_cooldown"`

	// CheckNumber runs the number validator before issuing a session.
	CheckNumber bool `json:"check_number"`

	// CountFailedDispatch counts every send attempt against the account's
	// usage, whether or not the provider took the message.
	CountFailedDispatch bool `json:"count_failed_dispatch"`

	// BlockOnDispatchFailure fails session creation when the code could
	// not be sent instead of returning the session anyway.
	BlockOnDispatchFailure bool `json:"block_on_dispatch_failure"`
}

// DefaultConfig returns the default options.
func DefaultConfig() Config {
	return Config{
		TTL:                 10 * time.Minute,
		MaxAttempts:         5,
		CodeLen:             6,
		TokenLen:            48,
		CheckNumber:         true,
		CountFailedDispatch: true,
	}
}

// Registry is the account registry that messages are sent through.
type Registry interface {
	Select(ctx context.Context) (models.Account, error)
	RecordUsage(ctx context.Context, id string) (models.Usage, error)
	Dispatch(ctx context.Context, acc models.Account, to, body string) models.DispatchResult
}

// Validator checks numbers before sessions are issued.
type Validator interface {
	Validate(ctx context.Context, raw string) (models.ValidationResult, error)
}

// Observer is told about every dispatch attempt.
type Observer interface {
	ObserveDispatch(ctx context.Context)
}

// Publisher publishes session events.
type Publisher interface {
	Publish(ctx context.Context, typ, token string, data interface{}) error
}

// Opt holds the engine's optional collaborators.
type Opt struct {
	Validator Validator
	Observer  Observer
	Publisher Publisher

	// Template renders the message body. DefaultTemplate is used if nil.
	Template *template.Template

	// OnVerified is called once for every session that gets verified.
	OnVerified func(ctx context.Context, s models.Session)
}

// Engine is the OTP session engine.
type Engine struct {
	cfg Config
	reg Registry
	st  store.Sessions
	opt Opt
	tpl *template.Template
	lo  logf.Logger

	now func() time.Time
}

type msgData struct {
	Code      string
	Label     string
	Phone     string
	Sender    string
	Minutes   int
	ExpiresAt time.Time
}

// New returns an Engine.
func New(cfg Config, reg Registry, st store.Sessions, o Opt, lo logf.Logger) (*Engine, error) {
	def := DefaultConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.CodeLen < 4 {
		cfg.CodeLen = def.CodeLen
	}
	if cfg.TokenLen < 32 {
		cfg.TokenLen = def.TokenLen
	}

	tpl := o.Template
	if tpl == nil {
		t, err := ParseTemplate("otp", DefaultTemplate)
		if err != nil {
			return nil, err
		}
		tpl = t
	}

	return &Engine{
		cfg: cfg,
		reg: reg,
		st:  st,
		opt: o,
		tpl: tpl,
		lo:  lo,
		now: time.Now,
	}, nil
}

// ParseTemplate parses a message template with the sprig functions.
func ParseTemplate(name, body string) (*template.Template, error) {
	t, err := template.New(name).Funcs(sprig.TxtFuncMap()).Parse(body)
	if err != nil {
		return nil, fmt.Errorf("error parsing template %s: %v", name, err)
	}
	return t, nil
}

// CreateSession issues a new session for a phone number and sends the code
// to it. The session is returned even if the code could not be sent,
// unless BlockOnDispatchFailure is set; a missing account is always an
// error. The returned session doesn't carry the code.
func (e *Engine) CreateSession(ctx context.Context, submissionRef, phone, label string) (models.Session, error) {
	num := validator.Normalize(phone)
	if num == "" {
		return models.Session{}, models.ErrInvalidFormat
	}

	acc, err := e.reg.Select(ctx)
	if err != nil {
		return models.Session{}, err
	}

	if e.cfg.CheckNumber && e.opt.Validator != nil {
		res, err := e.opt.Validator.Validate(ctx, num)
		switch {
		case err != nil:
			if models.KindOf(err) == models.KindConfiguration || errors.Is(err, models.ErrInvalidFormat) {
				return models.Session{}, err
			}
			e.lo.Error("error validating number", "error", err)
		case !res.Success:
			// The validator couldn't reach the provider. That's not a verdict.
			e.lo.Warn("number could not be validated", "message", res.Message)
		case !res.Valid:
			return models.Session{}, models.ErrNumberUnreachable
		case res.Formatted != "":
			if n := validator.Normalize(res.Formatted); n != "" {
				num = n
			}
		}
	}

	code, err := generateRandomString(e.cfg.CodeLen, numChars)
	if err != nil {
		return models.Session{}, fmt.Errorf("error generating code: %w", err)
	}
	token, err := generateRandomString(e.cfg.TokenLen, alphaNumChars)
	if err != nil {
		return models.Session{}, fmt.Errorf("error generating token: %w", err)
	}

	now := e.now().UTC()
	s := models.Session{
		Token:         token,
		SubmissionRef: submissionRef,
		Label:         label,
		Phone:         num,
		Code:          code,
		Sender:        acc.Number,
		AccountID:     acc.ID,
		MaxAttempts:   e.cfg.MaxAttempts,
		CreatedAt:     now,
		SentAt:        now,
		ExpiresAt:     now.Add(e.cfg.TTL),
	}

	body, err := e.render(s)
	if err != nil {
		return models.Session{}, err
	}

	// The session is persisted before the send so that a code is never
	// out without a session to verify it against.
	if err := e.st.Create(ctx, s); err != nil {
		return models.Session{}, fmt.Errorf("error creating session: %w", err)
	}
	metrics.SessionsCreated.Inc()

	res := e.dispatch(ctx, acc, s.Phone, body)
	if !res.Success && e.cfg.BlockOnDispatchFailure {
		if err := e.st.Delete(ctx, s.Token); err != nil {
			e.lo.Error("error deleting undelivered session", "error", err)
		}
		return models.Session{}, models.ErrTransport
	}

	e.publish(ctx, EventCreated, s)

	s.Code = ""
	return s, nil
}

// Verify checks a code against a session. A mismatch consumes one attempt
// and the attempt that exhausts the cap makes the session terminal.
func (e *Engine) Verify(ctx context.Context, token, code string) (models.VerifyResult, error) {
	if token == "" {
		return models.VerifyResult{}, models.ErrInvalidToken
	}
	if code == "" {
		return models.VerifyResult{}, models.ErrInvalidCode
	}

	var (
		now     = e.now()
		matched bool
	)
	s, err := e.st.Update(ctx, token, func(s *models.Session) error {
		matched = false

		switch s.State(now) {
		case models.StateVerified:
			return models.ErrAlreadyVerified
		case models.StateExhausted:
			return models.ErrAttemptsExhausted
		case models.StateExpired:
			return models.ErrSessionExpired
		}

		s.Attempts++
		if subtle.ConstantTimeCompare([]byte(code), []byte(s.Code)) == 1 {
			s.Verified = true
			matched = true
		}
		return nil
	})
	if err != nil {
		err = e.sessionErr(err)
		metrics.Verifications.WithLabelValues(verifyOutcome(err)).Inc()
		return models.VerifyResult{}, err
	}

	remaining := s.MaxAttempts - s.Attempts
	if remaining < 0 {
		remaining = 0
	}

	if !matched {
		out := models.VerifyResult{Remaining: remaining, Reason: "incorrect code"}
		if remaining == 0 {
			out.Reason = "incorrect code, too many attempts"
			metrics.Verifications.WithLabelValues("exhausted").Inc()
		} else {
			metrics.Verifications.WithLabelValues("mismatch").Inc()
		}
		return out, nil
	}

	metrics.Verifications.WithLabelValues("verified").Inc()
	e.publish(ctx, EventVerified, s)
	if e.opt.OnVerified != nil {
		s.Code = ""
		e.opt.OnVerified(ctx, s)
	}

	return models.VerifyResult{Verified: true, Remaining: remaining, Reason: "verified"}, nil
}

// Resend replaces a live session's code with a fresh one, resets its
// attempts and sends the new code. The expiry is not extended. The old
// code stops working before the new one is sent.
func (e *Engine) Resend(ctx context.Context, token string) (models.ResendResult, error) {
	if token == "" {
		return models.ResendResult{}, models.ErrInvalidToken
	}

	acc, err := e.reg.Select(ctx)
	if err != nil {
		return models.ResendResult{}, err
	}

	code, err := generateRandomString(e.cfg.CodeLen, numChars)
	if err != nil {
		return models.ResendResult{}, fmt.Errorf("error generating code: %w", err)
	}

	now := e.now().UTC()
	s, err := e.st.Update(ctx, token, func(s *models.Session) error {
		if s.Terminal(now) {
			return models.ErrSessionNotFound
		}
		if e.cfg.ResendCooldown > 0 && now.Sub(s.SentAt) < e.cfg.ResendCooldown {
			return models.ErrResendTooSoon
		}

		s.Code = code
		s.Attempts = 0
		s.SentAt = now
		s.AccountID = acc.ID
		s.Sender = acc.Number
		return nil
	})
	if err != nil {
		return models.ResendResult{}, e.sessionErr(err)
	}

	body, err := e.render(s)
	if err != nil {
		return models.ResendResult{}, err
	}

	res := e.dispatch(ctx, acc, s.Phone, body)
	return models.ResendResult{
		Success:   res.Success,
		Message:   res.Message,
		ExpiresAt: s.ExpiresAt,
	}, nil
}

// Get returns a session without its code.
func (e *Engine) Get(ctx context.Context, token string) (models.Session, error) {
	if token == "" {
		return models.Session{}, models.ErrInvalidToken
	}

	s, err := e.st.Get(ctx, token)
	if err != nil {
		return models.Session{}, e.sessionErr(err)
	}
	s.Code = ""
	return s, nil
}

// ReapExpired deletes the sessions that have expired.
func (e *Engine) ReapExpired(ctx context.Context) (int, error) {
	n, err := e.st.DeleteExpired(ctx, e.now())
	if err != nil {
		return 0, fmt.Errorf("error reaping sessions: %w", err)
	}
	if n > 0 {
		metrics.SessionsReaped.Add(float64(n))
		e.lo.Debug("reaped expired sessions", "count", n)
	}
	return n, nil
}

// Now returns the engine's current time.
func (e *Engine) Now() time.Time {
	return e.now()
}

// dispatch sends a message and does the usage bookkeeping. With
// CountFailedDispatch, usage is counted before the send so that it's
// counted even if the send never returns.
func (e *Engine) dispatch(ctx context.Context, acc models.Account, to, body string) models.DispatchResult {
	if e.cfg.CountFailedDispatch {
		e.recordUsage(ctx, acc.ID)
	}

	e.lo.Debug("sending otp", "to", to, "account", acc.ID)
	res := e.reg.Dispatch(ctx, acc, to, body)
	if !res.Success {
		e.lo.Error("error sending otp", "account", acc.ID, "message", res.Message)
	} else if !e.cfg.CountFailedDispatch {
		e.recordUsage(ctx, acc.ID)
	}

	return res
}

func (e *Engine) recordUsage(ctx context.Context, id string) {
	if _, err := e.reg.RecordUsage(ctx, id); err != nil {
		e.lo.Error("error recording account usage", "account", id, "error", err)
	}
	if e.opt.Observer != nil {
		e.opt.Observer.ObserveDispatch(ctx)
	}
}

func (e *Engine) render(s models.Session) (string, error) {
	var b bytes.Buffer
	if err := e.tpl.Execute(&b, msgData{
		Code:      s.Code,
		Label:     s.Label,
		Phone:     s.Phone,
		Sender:    s.Sender,
		Minutes:   int(s.ExpiresAt.Sub(s.SentAt).Round(time.Minute) / time.Minute),
		ExpiresAt: s.ExpiresAt,
	}); err != nil {
		return "", fmt.Errorf("error rendering message: %w", err)
	}
	return b.String(), nil
}

func (e *Engine) publish(ctx context.Context, typ string, s models.Session) {
	if e.opt.Publisher == nil {
		return
	}

	s.Code = ""
	if err := e.opt.Publisher.Publish(ctx, typ, s.Token, s); err != nil {
		e.lo.Error("error publishing session event", "type", typ, "error", err)
	}
}

// sessionErr maps store errors to session errors. Classified errors
// returned by update funcs pass through.
func (e *Engine) sessionErr(err error) error {
	if errors.Is(err, store.ErrNotExist) {
		return models.ErrSessionNotFound
	}
	if models.KindOf(err) != models.KindUnknown {
		return err
	}

	e.lo.Error("error reading session", "error", err)
	return fmt.Errorf("error reading session: %w", err)
}

func verifyOutcome(err error) string {
	switch {
	case errors.Is(err, models.ErrSessionNotFound):
		return "not_found"
	case errors.Is(err, models.ErrAlreadyVerified):
		return "already_verified"
	case errors.Is(err, models.ErrAttemptsExhausted):
		return "exhausted"
	case errors.Is(err, models.ErrSessionExpired):
		return "expired"
	}
	return "error"
}
