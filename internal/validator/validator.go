// Package validator checks, before anything is sent, whether a phone
// number is reachable on the messaging channel at all.
package validator

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/knadh/phoneverify/internal/metrics"
	"github.com/knadh/phoneverify/pkg/models"
	"github.com/zerodha/logf"
)

// Selector picks the account whose provider runs the existence check.
type Selector interface {
	Select(ctx context.Context) (models.Account, error)
	Provider(id string) (models.Provider, bool)
}

// Validator is the number validator.
type Validator struct {
	sel     Selector
	timeout time.Duration
	lo      logf.Logger
}

// New returns a Validator. timeout bounds the provider check.
func New(sel Selector, timeout time.Duration, lo logf.Logger) *Validator {
	if timeout.Seconds() < 1 {
		timeout = time.Second * 30
	}
	return &Validator{sel: sel, timeout: timeout, lo: lo}
}

// Normalize reduces a raw number to its canonical international form:
// only digits behind a single leading +. The + is added when missing. It
// returns an empty string if there are no digits.
func Normalize(raw string) string {
	var b strings.Builder
	b.Grow(len(raw) + 1)
	b.WriteByte('+')
	for _, c := range raw {
		if c >= '0' && c <= '9' {
			b.WriteRune(c)
		}
	}

	if b.Len() == 1 {
		return ""
	}
	return b.String()
}

// Validate normalizes a number and asks the provider if it exists on the
// channel. A provider that can't be reached yields Success=false with a
// nil error. Success=true with Valid=false means the provider says the
// number isn't on the channel.
func (v *Validator) Validate(ctx context.Context, raw string) (models.ValidationResult, error) {
	acc, err := v.sel.Select(ctx)
	if err != nil {
		if errors.Is(err, models.ErrNoAccountConfigured) {
			return models.ValidationResult{}, models.ErrNoCredential
		}
		return models.ValidationResult{}, err
	}
	prov, ok := v.sel.Provider(acc.ID)
	if !ok {
		return models.ValidationResult{}, models.ErrNoCredential
	}

	num := Normalize(raw)
	if num == "" {
		return models.ValidationResult{}, models.ErrInvalidFormat
	}

	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	chk, err := prov.CheckNumber(ctx, num)
	if err != nil {
		v.lo.Error("error checking number", "account", acc.ID, "error", err)
		metrics.Validations.WithLabelValues("error").Inc()
		return models.ValidationResult{
			Success: false,
			Message: "the number could not be checked right now",
		}, nil
	}

	if !chk.Exists {
		metrics.Validations.WithLabelValues("invalid").Inc()
		return models.ValidationResult{
			Success: true,
			Valid:   false,
			Message: "the number is not registered on " + prov.ChannelName(),
		}, nil
	}

	formatted := chk.Formatted
	if formatted == "" {
		formatted = num
	}

	metrics.Validations.WithLabelValues("valid").Inc()
	return models.ValidationResult{
		Success:   true,
		Valid:     true,
		Formatted: formatted,
		Message:   "the number is valid",
	}, nil
}
