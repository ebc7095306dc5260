package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/template"
	"time"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/knadh/phoneverify/internal/accounts"
	"github.com/knadh/phoneverify/internal/health"
	"github.com/knadh/phoneverify/internal/notify/smtp"
	"github.com/knadh/phoneverify/internal/notify/webhook"
	"github.com/knadh/phoneverify/internal/otp"
	"github.com/knadh/phoneverify/internal/providers/pinpoint"
	"github.com/knadh/phoneverify/internal/providers/solsms"
	"github.com/knadh/phoneverify/internal/providers/whatsapp"
	"github.com/knadh/phoneverify/internal/store"
	"github.com/knadh/phoneverify/internal/store/postgres"
	"github.com/knadh/phoneverify/internal/store/redis"
	"github.com/knadh/phoneverify/pkg/models"
	"github.com/knadh/stuffbin"
	flag "github.com/spf13/pflag"
	"github.com/zerodha/logf"
)

const envPrefix = "PHONEVERIFY_"

var unmarshalConf = koanf.UnmarshalConf{Tag: "json"}

func initLogger(debug bool) logf.Logger {
	opt := logf.Opts{
		EnableCaller: true,
		Level:        logf.InfoLevel,
	}
	if debug {
		opt.Level = logf.DebugLevel
		opt.EnableColor = true
	}

	return logf.New(opt)
}

func initConfig() {
	// Register --help handler.
	f := flag.NewFlagSet("config", flag.ContinueOnError)
	f.Usage = func() {
		fmt.Println(f.FlagUsages())
		os.Exit(0)
	}
	f.StringSlice("config", []string{"config.toml"},
		"Path to one or more TOML config files to load in order")
	f.Bool("version", false, "Show build version")
	f.Bool("debug", false, "Enable debug logging")
	f.Parse(os.Args[1:])

	// Display version.
	if ok, _ := f.GetBool("version"); ok {
		fmt.Println(buildString)
		os.Exit(0)
	}

	// Read the config files.
	cFiles, _ := f.GetStringSlice("config")
	for _, f := range cFiles {
		lo.Info("reading config", "file", f)
		if err := ko.Load(file.Provider(f), toml.Parser()); err != nil {
			lo.Fatal("error reading config", "error", err)
		}
	}

	// Load environment variables and merge into the loaded config.
	if err := ko.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, envPrefix)), "__", ".", -1)
	}), nil); err != nil {
		lo.Error("error loading env config", "error", err)
	}

	if err := ko.Load(posflag.Provider(f, ".", ko), nil); err != nil {
		lo.Error("error loading flags", "error", err)
	}
}

func initFS(exe string) stuffbin.FileSystem {
	// Read stuffed data from self.
	fs, err := stuffbin.UnStuff(exe)
	if err != nil {
		// Binary is unstuffed or is running in dev mode.
		if err != stuffbin.ErrNoID {
			lo.Fatal("error reading stuffed binary", "error", err)
		}

		fs, err = stuffbin.NewLocalFS("/", "static/")
		if err != nil {
			lo.Fatal("error falling back to local filesystem", "error", err)
		}
	}

	return fs
}

// initTemplate loads a template from the configured file path, or from
// the embedded static file when no path is configured.
func initTemplate(name, key, static string, fs stuffbin.FileSystem) (*template.Template, error) {
	var (
		b   []byte
		err error
	)
	if p := ko.String(key); p != "" {
		b, err = os.ReadFile(p)
	} else {
		b, err = fs.Read(static)
	}
	if err != nil {
		return nil, fmt.Errorf("error reading %s template: %v", name, err)
	}

	return otp.ParseTemplate(name, string(b))
}

// initStore connects to the configured session store. Only the Redis
// store can publish session events; the returned publisher is nil for
// the others.
func initStore(ctx context.Context) (store.Store, otp.Publisher, error) {
	switch typ := ko.String("store.type"); typ {
	case "", "redis":
		var c redis.Conf
		if err := ko.UnmarshalWithConf("store.redis", &c, unmarshalConf); err != nil {
			return nil, nil, fmt.Errorf("error reading redis config: %v", err)
		}
		r := redis.New(c)
		if c.PublishKey == "" {
			return r, nil, nil
		}
		return r, r, nil

	case "postgres":
		var c postgres.Conf
		if err := ko.UnmarshalWithConf("store.postgres", &c, unmarshalConf); err != nil {
			return nil, nil, fmt.Errorf("error reading postgres config: %v", err)
		}
		p, err := postgres.New(ctx, c)
		if err != nil {
			return nil, nil, err
		}
		return p, nil, nil

	default:
		return nil, nil, fmt.Errorf("unknown store type '%s'", typ)
	}
}

// initAccounts loads the [[accounts]] blocks and initializes a provider
// for every account.
func initAccounts() ([]accounts.Entry, error) {
	var (
		rate  = ko.Float64("dispatch.rate")
		burst = ko.Int("dispatch.burst")
		out   []accounts.Entry
	)

	for i, k := range ko.Slices("accounts") {
		var c models.ProviderConfig
		if err := k.UnmarshalWithConf("", &c, unmarshalConf); err != nil {
			return nil, fmt.Errorf("error reading accounts[%d]: %v", i, err)
		}
		if c.ID == "" {
			return nil, fmt.Errorf("accounts[%d]: id is empty", i)
		}

		prov, err := initProvider(c.Provider, []byte(c.Config))
		if err != nil {
			return nil, fmt.Errorf("error initializing provider for account '%s': %v", c.ID, err)
		}
		lo.Info("loaded account", "id", c.ID, "provider", prov.ID(), "channel", prov.ChannelName())

		e := accounts.Entry{
			Account: models.Account{
				ID:       c.ID,
				Provider: prov.ID(),
				Number:   c.Number,
				Primary:  c.Primary,
				Status:   c.Status,
			},
			Provider: prov,
			Rate:     rate,
			Burst:    burst,
		}
		if c.Rate > 0 {
			e.Rate = c.Rate
			e.Burst = c.Burst
		}
		out = append(out, e)
	}

	return out, nil
}

// initProvider initializes a messaging provider from its JSON config.
func initProvider(name string, cfg []byte) (models.Provider, error) {
	if len(cfg) == 0 {
		cfg = []byte("{}")
	}

	switch name {
	case "whatsapp":
		var c whatsapp.Config
		if err := json.Unmarshal(cfg, &c); err != nil {
			return nil, err
		}
		return whatsapp.New(c)

	case "pinpoint":
		var c pinpoint.Config
		if err := json.Unmarshal(cfg, &c); err != nil {
			return nil, err
		}
		return pinpoint.New(c)

	case "solsms":
		var c solsms.Config
		if err := json.Unmarshal(cfg, &c); err != nil {
			return nil, err
		}
		return solsms.New(c)
	}

	return nil, fmt.Errorf("unknown provider '%s'", name)
}

// initNotifier initializes the operator notification channel. It returns
// nil if notifications are disabled.
func initNotifier() (models.Notifier, func(), error) {
	switch typ := ko.String("notify.type"); typ {
	case "", "none":
		return nil, func() {}, nil

	case "smtp":
		var c smtp.Config
		if err := ko.UnmarshalWithConf("notify.smtp", &c, unmarshalConf); err != nil {
			return nil, nil, fmt.Errorf("error reading smtp config: %v", err)
		}
		s, err := smtp.New(c)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil

	case "webhook":
		var c webhook.Config
		if err := ko.UnmarshalWithConf("notify.webhook", &c, unmarshalConf); err != nil {
			return nil, nil, fmt.Errorf("error reading webhook config: %v", err)
		}
		w, err := webhook.New(c)
		if err != nil {
			return nil, nil, err
		}
		return w, func() {}, nil

	default:
		return nil, nil, fmt.Errorf("unknown notifier type '%s'", typ)
	}
}

func initOTPConfig() otp.Config {
	c := otp.DefaultConfig()
	if err := ko.UnmarshalWithConf("otp", &c, unmarshalConf); err != nil {
		lo.Fatal("error reading otp config", "error", err)
	}
	return c
}

func initDispatchConfig() accounts.Config {
	c := accounts.Config{
		Timeout:       30 * time.Second,
		Strategy:      accounts.StrategyLRU,
		OptimisticAck: true,
	}
	if err := ko.UnmarshalWithConf("dispatch", &c, unmarshalConf); err != nil {
		lo.Fatal("error reading dispatch config", "error", err)
	}
	return c
}

func initHealthConfig() health.Config {
	c := health.Config{
		Interval:         30 * time.Second,
		FallbackInterval: 5 * time.Minute,
		ProbeTimeout:     10 * time.Second,
		ReapInterval:     time.Minute,
	}
	if err := ko.UnmarshalWithConf("health", &c, unmarshalConf); err != nil {
		lo.Fatal("error reading health config", "error", err)
	}
	return c
}

// initAuth loads the namespace:secret authorisation maps.
func initAuth() map[string]string {
	out := make(map[string]string)
	for _, a := range ko.MapKeys("auth") {
		var (
			k         = ko.StringMap("auth." + a)
			namespace = k["namespace"]
			secret    = k["secret"]
		)
		if namespace == "" || secret == "" {
			lo.Fatal("namespace or secret keys not found", "auth", a)
		}
		out[namespace] = secret
	}

	return out
}
