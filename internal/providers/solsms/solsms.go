// Package solsms implements an SMS provider over the Kaleyra (Solutions
// Infini) v4 alerts API.
package solsms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/phoneverify/pkg/models"
)

const (
	providerID  = "solsms"
	channelName = "SMS"
	maxBodyLen  = 140
	apiURL      = "https://api-alerts.kaleyra.com/v4/"
	statusOK    = "OK"
)

var reNum = regexp.MustCompile(`^\+?[0-9]{8,15}$`)

// Config contains the API credentials.
type Config struct {
	RootURL  string        `json:"root_url"`
	APIKey   string        `json:"api_key"`
	Sender   string        `json:"sender"`
	Timeout  time.Duration `json:"timeout"`
	MaxConns int           `json:"max_conns"`
}

// SolSMS is the SMS provider.
type SolSMS struct {
	cfg Config
	h   *http.Client
}

type apiResp struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// New returns an SMS provider.
func New(cfg Config) (*SolSMS, error) {
	if cfg.RootURL == "" {
		cfg.RootURL = apiURL
	}
	if cfg.APIKey == "" || cfg.Sender == "" {
		return nil, errors.New("invalid api_key or sender")
	}

	if cfg.Timeout.Seconds() < 1 {
		cfg.Timeout = time.Second * 5
	}
	if cfg.MaxConns < 1 {
		cfg.MaxConns = 1
	}

	return &SolSMS{
		cfg: cfg,
		h: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost:   cfg.MaxConns,
				ResponseHeaderTimeout: cfg.Timeout,
			},
		},
	}, nil
}

// ID returns the Provider's ID.
func (s *SolSMS) ID() string {
	return providerID
}

// ChannelName returns the Provider's name.
func (s *SolSMS) ChannelName() string {
	return channelName
}

// MaxBodyLen returns the max permitted body size.
func (s *SolSMS) MaxBodyLen() int {
	return maxBodyLen
}

// Send pushes out an SMS. A 2xx reply means the API took the request.
// The API answers 200 for some failures too, so only an "OK" status in
// the body confirms the send.
func (s *SolSMS) Send(ctx context.Context, to, body string) (models.Ack, error) {
	p := url.Values{}
	p.Set("method", "sms")
	p.Set("sender", s.cfg.Sender)
	p.Set("to", strings.TrimPrefix(to, "+"))
	p.Set("message", body)

	code, r, err := s.do(ctx, p)
	if err != nil {
		return models.Ack{}, err
	}

	return models.Ack{
		Accepted:  code < 300,
		Confirmed: code < 300 && r.Status == statusOK,
		Message:   r.Message,
	}, nil
}

// CheckNumber only checks the number's shape. The API has no lookup, so
// any well formed number is reported to exist. A malformed number is an
// error and not a verdict on the number.
func (s *SolSMS) CheckNumber(ctx context.Context, to string) (models.NumberCheck, error) {
	if !reNum.MatchString(to) {
		return models.NumberCheck{}, fmt.Errorf("number '%s' can't be checked: expected 8 to 15 digits", to)
	}

	f := to
	if !strings.HasPrefix(f, "+") {
		f = "+" + f
	}
	return models.NumberCheck{Exists: true, Formatted: f}, nil
}

// Ping fetches the account's credit balance, which checks the API key.
func (s *SolSMS) Ping(ctx context.Context) error {
	p := url.Values{}
	p.Set("method", "account.credits")

	code, r, err := s.do(ctx, p)
	if err != nil {
		return err
	}
	if code >= 300 || r.Status != statusOK {
		return fmt.Errorf("error checking account: %s", r.Message)
	}
	return nil
}

func (s *SolSMS) do(ctx context.Context, p url.Values) (int, apiResp, error) {
	p.Set("api_key", s.cfg.APIKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.RootURL, strings.NewReader(p.Encode()))
	if err != nil {
		return 0, apiResp{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.h.Do(req)
	if err != nil {
		return 0, apiResp{}, err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return 0, apiResp{}, err
	}

	// A body that isn't JSON is left to the status code.
	var r apiResp
	if err := json.Unmarshal(b, &r); err != nil {
		r.Message = http.StatusText(resp.StatusCode)
	}
	return resp.StatusCode, r, nil
}
