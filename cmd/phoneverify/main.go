package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/knadh/koanf/v2"
	"github.com/knadh/phoneverify/internal/accounts"
	"github.com/knadh/phoneverify/internal/health"
	"github.com/knadh/phoneverify/internal/healthlog"
	"github.com/knadh/phoneverify/internal/metrics"
	"github.com/knadh/phoneverify/internal/otp"
	"github.com/knadh/phoneverify/internal/scheduler"
	"github.com/knadh/phoneverify/internal/store"
	"github.com/knadh/phoneverify/internal/validator"
	"github.com/knadh/phoneverify/pkg/models"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/zerodha/logf"
)

// App is the global app context that groups the necessary
// controls (store, engine, monitor etc.) to be injected into the HTTP handlers.
type App struct {
	store     store.Store
	engine    *otp.Engine
	validator *validator.Validator
	monitor   *health.Monitor
	lo        logf.Logger
}

var (
	lo = initLogger(false)
	ko = koanf.New(".")

	// Version of the build injected at build time.
	buildString = "unknown"
)

func main() {
	initConfig()
	if ko.Bool("app.debug") || ko.Bool("debug") {
		lo = initLogger(true)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fs := initFS(os.Args[0])

	st, pub, err := initStore(ctx)
	if err != nil {
		lo.Fatal("error initializing store", "error", err)
	}
	defer st.Close()

	entries, err := initAccounts()
	if err != nil {
		lo.Fatal("error loading accounts", "error", err)
	} else if len(entries) == 0 {
		lo.Warn("no messaging accounts configured. Sessions can't be created till one is added.")
	}

	reg, err := accounts.New(initDispatchConfig(), entries, st, lo)
	if err != nil {
		lo.Fatal("error initializing accounts", "error", err)
	}

	notif, closeNotif, err := initNotifier()
	if err != nil {
		lo.Fatal("error initializing notifier", "error", err)
	}
	defer closeNotif()

	msgTpl, err := initTemplate("otp", "otp.template", "/static/otp.txt", fs)
	if err != nil {
		lo.Fatal("error loading message template", "error", err)
	}
	alertTpl, err := initTemplate("alert", "health.alert_template", "/static/alert.txt", fs)
	if err != nil {
		lo.Fatal("error loading alert template", "error", err)
	}

	sched := scheduler.New(ko.Duration("app.min_interval"), lo)
	defer sched.Stop()

	mon, err := health.New(initHealthConfig(), reg, st, sched, healthlog.New(healthlog.DefaultCap),
		health.Opt{Notifier: notif, AlertTemplate: alertTpl}, lo)
	if err != nil {
		lo.Fatal("error initializing health monitor", "error", err)
	}

	val := validator.New(reg, ko.Duration("dispatch.timeout"), lo)

	eng, err := otp.New(initOTPConfig(), reg, st, otp.Opt{
		Validator: val,
		Observer:  mon,
		Publisher: pub,
		Template:  msgTpl,
		OnVerified: func(ctx context.Context, s models.Session) {
			lo.Info("session verified", "ref", s.SubmissionRef, "account", s.AccountID)
		},
	}, lo)
	if err != nil {
		lo.Fatal("error initializing otp engine", "error", err)
	}

	// The reaper needs the engine and the engine observes through the
	// monitor, so it's attached after both exist.
	mon.SetReaper(eng)
	if err := mon.Start(); err != nil {
		lo.Fatal("error starting health monitor", "error", err)
	}
	defer mon.Stop()

	metrics.MustRegister()

	authCreds := initAuth()
	if len(authCreds) == 0 {
		lo.Fatal("no auth entries found in config")
	}

	app := &App{
		store:     st,
		engine:    eng,
		validator: val,
		monitor:   mon,
		lo:        lo,
	}

	// HTTP Server.
	timeout := ko.Duration("app.server_timeout")
	if timeout.Seconds() < 1 {
		timeout = time.Second * 5
	}

	srv := &http.Server{
		Addr:         ko.String("app.address"),
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
		Handler:      initRoutes(app, authCreds),
	}

	go func() {
		lo.Info("starting server", "address", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			lo.Fatal("couldn't start server", "error", err)
		}
	}()

	<-ctx.Done()
	lo.Info("shutting down")

	sctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		lo.Error("error shutting down server", "error", err)
	}
}

func initRoutes(app *App, authCreds map[string]string) http.Handler {
	r := chi.NewRouter()
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("phoneverify"))
	})
	r.Get("/api/health", wrap(app, handleHealthCheck))
	r.Post("/api/validate", auth(authCreds, wrap(app, handleValidate)))
	r.Post("/api/sessions", auth(authCreds, wrap(app, handleCreateSession)))
	r.Get("/api/sessions/{token}", auth(authCreds, wrap(app, handleGetSession)))
	r.Post("/api/sessions/{token}", auth(authCreds, wrap(app, handleVerify)))
	r.Post("/api/sessions/{token}/resend", auth(authCreds, wrap(app, handleResend)))
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	return r
}
