package main

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/knadh/phoneverify/pkg/models"
)

type httpResp struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

type sessionResp struct {
	Token     string    `json:"token"`
	Sender    string    `json:"sender"`
	ExpiresAt time.Time `json:"expires_at"`
}

type healthResp struct {
	models.MonitorStatus
	Log []models.LogEntry `json:"log"`
}

// handleHealthCheck returns the health monitor's status.
func handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	app := r.Context().Value("app").(*App)

	if err := app.store.Ping(r.Context()); err != nil {
		app.lo.Error("error reaching store", "error", err)
		sendErrorResponse(w, "Unable to reach store.", http.StatusServiceUnavailable, nil)
		return
	}

	sendResponse(w, healthResp{
		MonitorStatus: app.monitor.Status(r.Context()),
		Log:           app.monitor.Log().Entries(),
	})
}

// handleValidate checks whether a phone number exists on the channel.
func handleValidate(w http.ResponseWriter, r *http.Request) {
	var (
		app   = r.Context().Value("app").(*App)
		phone = r.FormValue("phone")
	)

	res, err := app.validator.Validate(r.Context(), phone)
	if err != nil {
		sendError(w, app, err)
		return
	}

	sendResponse(w, res)
}

// handleCreateSession creates an OTP session and sends the code to the
// phone number.
func handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var (
		app   = r.Context().Value("app").(*App)
		ref   = r.FormValue("ref")
		phone = r.FormValue("phone")
		label = r.FormValue("label")
	)

	if len(ref) > 256 || len(label) > 256 {
		sendErrorResponse(w, "`ref` or `label` is too long.", http.StatusBadRequest, nil)
		return
	}

	s, err := app.engine.CreateSession(r.Context(), ref, phone, label)
	if err != nil {
		sendError(w, app, err)
		return
	}

	sendResponse(w, sessionResp{
		Token:     s.Token,
		Sender:    s.Sender,
		ExpiresAt: s.ExpiresAt,
	})
}

// handleGetSession returns a session's status.
func handleGetSession(w http.ResponseWriter, r *http.Request) {
	var (
		app   = r.Context().Value("app").(*App)
		token = chi.URLParam(r, "token")
	)

	s, err := app.engine.Get(r.Context(), token)
	if err != nil {
		sendError(w, app, err)
		return
	}

	sendResponse(w, struct {
		models.Session
		State string `json:"state"`
	}{s, s.State(app.engine.Now())})
}

// handleVerify checks a code against a session.
func handleVerify(w http.ResponseWriter, r *http.Request) {
	var (
		app   = r.Context().Value("app").(*App)
		token = chi.URLParam(r, "token")
		code  = strings.TrimSpace(r.FormValue("code"))
	)

	res, err := app.engine.Verify(r.Context(), token, code)
	if err != nil {
		sendError(w, app, err)
		return
	}

	if !res.Verified {
		sendErrorResponse(w, res.Reason, http.StatusBadRequest, res)
		return
	}

	sendResponse(w, res)
}

// handleResend sends a fresh code for a session.
func handleResend(w http.ResponseWriter, r *http.Request) {
	var (
		app   = r.Context().Value("app").(*App)
		token = chi.URLParam(r, "token")
	)

	res, err := app.engine.Resend(r.Context(), token)
	if err != nil {
		sendError(w, app, err)
		return
	}

	sendResponse(w, res)
}

// errStatus maps an error to an HTTP status code.
func errStatus(err error) int {
	switch {
	case errors.Is(err, models.ErrResendTooSoon), errors.Is(err, models.ErrAttemptsExhausted):
		return http.StatusTooManyRequests
	}

	switch models.KindOf(err) {
	case models.KindConfiguration:
		return http.StatusServiceUnavailable
	case models.KindTransport:
		return http.StatusBadGateway
	case models.KindValidation:
		return http.StatusBadRequest
	case models.KindSessionState:
		return http.StatusGone
	}
	return http.StatusInternalServerError
}

// sendError sends a classified error. Unclassified errors are internal
// and their messages are not sent out.
func sendError(w http.ResponseWriter, app *App, err error) {
	code := errStatus(err)
	if code == http.StatusInternalServerError {
		app.lo.Error("request failed", "error", err)
		sendErrorResponse(w, "Internal Server Error.", code, nil)
		return
	}

	msg := err.Error()
	if msg != "" {
		msg = strings.ToUpper(msg[:1]) + msg[1:] + "."
	}
	sendErrorResponse(w, msg, code, nil)
}

// wrap is a middleware that wraps HTTP handlers and injects the "app" context.
func wrap(app *App, next http.HandlerFunc) http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), "app", app)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// sendResponse sends a JSON envelope to the HTTP response.
func sendResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	out, err := json.Marshal(httpResp{Status: "success", Data: data})
	if err != nil {
		sendErrorResponse(w, "Internal Server Error.", http.StatusInternalServerError, nil)
		return
	}

	w.Write(out)
}

// sendErrorResponse sends a JSON error envelope to the HTTP response.
func sendErrorResponse(w http.ResponseWriter, message string, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)

	out, _ := json.Marshal(httpResp{Status: "error", Message: message, Data: data})
	w.Write(out)
}

// auth is a basic auth middleware over namespace:secret pairs.
func auth(authMap map[string]string, next http.HandlerFunc) http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		const authBasic = "Basic"
		var (
			delim = []byte(":")
			h     = r.Header.Get("Authorization")
		)

		if !strings.HasPrefix(h, authBasic) {
			sendErrorResponse(w, "Missing Basic Authorization header.", http.StatusUnauthorized, nil)
			return
		}

		payload, err := base64.StdEncoding.DecodeString(strings.TrimSpace(h[len(authBasic):]))
		if err != nil {
			sendErrorResponse(w, "Invalid Base64 value in Basic Authorization header.", http.StatusUnauthorized, nil)
			return
		}

		pair := bytes.SplitN(payload, delim, 2)
		if len(pair) != 2 {
			sendErrorResponse(w, "Invalid value in Basic Authorization header.", http.StatusUnauthorized, nil)
			return
		}

		var (
			namespace = string(pair[0])
			secret    = pair[1]
		)
		s, ok := authMap[namespace]
		if !ok || subtle.ConstantTimeCompare([]byte(s), secret) != 1 {
			sendErrorResponse(w, "Invalid API credentials.", http.StatusUnauthorized, nil)
			return
		}

		ctx := context.WithValue(r.Context(), "namespace", namespace)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
