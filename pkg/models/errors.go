package models

import "errors"

// Kind classifies errors by who can act on them.
type Kind int

const (
	KindUnknown Kind = iota

	// KindConfiguration is a missing account or credential. Fatal to the
	// operation; the administrator has to act.
	KindConfiguration

	// KindTransport is a network or timeout error talking to a provider.
	KindTransport

	// KindValidation is a user correctable input error.
	KindValidation

	// KindSessionState is a session that can no longer be acted on.
	// The caller has to start over.
	KindSessionState
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindTransport:
		return "transport"
	case KindValidation:
		return "validation"
	case KindSessionState:
		return "session_state"
	}
	return "unknown"
}

// Error is a classified error with a short user facing message.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

func newErr(k Kind, msg string) *Error {
	return &Error{Kind: k, Message: msg}
}

var (
	ErrNoAccountConfigured = newErr(KindConfiguration, "no messaging account is configured")
	ErrNoCredential        = newErr(KindConfiguration, "no provider credential is configured")

	ErrTransport = newErr(KindTransport, "messaging provider could not be reached")

	ErrInvalidFormat     = newErr(KindValidation, "invalid phone number format")
	ErrInvalidToken      = newErr(KindValidation, "invalid session token")
	ErrInvalidCode       = newErr(KindValidation, "invalid code")
	ErrNumberUnreachable = newErr(KindValidation, "phone number is not reachable on this channel")
	ErrResendTooSoon     = newErr(KindValidation, "please wait before requesting another code")

	ErrSessionNotFound   = newErr(KindSessionState, "session not found")
	ErrSessionExpired    = newErr(KindSessionState, "session expired")
	ErrAttemptsExhausted = newErr(KindSessionState, "too many attempts")
	ErrAlreadyVerified   = newErr(KindSessionState, "session already verified")
)

// KindOf returns the Kind of an error chain, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
