// Package whatsapp is a provider for WhatsApp messaging gateways that expose
// a device-bound REST API: a send endpoint, a number existence check and a
// device status endpoint, authenticated with a token header.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/knadh/phoneverify/pkg/models"
)

const (
	providerID  = "whatsapp"
	channelName = "WhatsApp"
	maxBodyLen  = 4096

	// Cap on how much of a response body is read.
	maxRespLen = 64 * 1024
)

// WhatsApp sends messages through a gateway device.
type WhatsApp struct {
	cfg Config
	h   *http.Client
}

// Config contains the gateway credentials and endpoints.
type Config struct {
	URL      string `json:"url"`
	Token    string `json:"token"`
	DeviceID string `json:"device_id"`

	// Endpoint paths relative to URL.
	SendPath  string `json:"send_path"`
	CheckPath string `json:"check_path"`
	PingPath  string `json:"ping_path"`

	// AuthHeader is the header that carries Token. Defaults to Authorization.
	AuthHeader string `json:"auth_header"`

	Timeout  time.Duration `json:"timeout"`
	MaxConns int           `json:"max_conns"`
}

type sendReq struct {
	Device  string `json:"device"`
	Target  string `json:"target"`
	Message string `json:"message"`
}

type checkReq struct {
	Device string `json:"device"`
	Target string `json:"target"`
}

// apiResp represents a response from the gateway. Gateways are sloppy with
// the status flag, so it's decoded loosely.
type apiResp struct {
	Status  json.RawMessage `json:"status"`
	ID      json.RawMessage `json:"id"`
	Message string          `json:"message"`
	Reason  string          `json:"reason"`
	Exists  *bool           `json:"exists"`
	Number  string          `json:"number"`
}

// New returns a WhatsApp gateway provider.
func New(cfg Config) (*WhatsApp, error) {
	if cfg.URL == "" {
		return nil, errors.New("invalid url")
	}
	if cfg.Token == "" {
		return nil, errors.New("invalid token")
	}
	cfg.URL = strings.TrimRight(cfg.URL, "/")

	if cfg.SendPath == "" {
		cfg.SendPath = "/send"
	}
	if cfg.CheckPath == "" {
		cfg.CheckPath = "/check-number"
	}
	if cfg.PingPath == "" {
		cfg.PingPath = "/device"
	}
	if cfg.AuthHeader == "" {
		cfg.AuthHeader = "Authorization"
	}

	// Initialize the HTTP client.
	if cfg.Timeout.Seconds() < 1 {
		cfg.Timeout = time.Second * 30
	}
	if cfg.MaxConns < 1 {
		cfg.MaxConns = 1
	}

	return &WhatsApp{
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
func (w *WhatsApp) ID() string {
	return providerID
}

// ChannelName returns the Provider's name.
func (w *WhatsApp) ChannelName() string {
	return channelName
}

// MaxBodyLen returns the max permitted body size.
func (w *WhatsApp) MaxBodyLen() int {
	return maxBodyLen
}

// Send pushes out a message. Any 2xx response is an accepted send; the
// body's status flag only decides whether it is also confirmed.
func (w *WhatsApp) Send(ctx context.Context, to, body string) (models.Ack, error) {
	code, r, err := w.do(ctx, http.MethodPost, w.cfg.SendPath, sendReq{
		Device:  w.cfg.DeviceID,
		Target:  strings.TrimPrefix(to, "+"),
		Message: body,
	})
	if err != nil {
		return models.Ack{}, err
	}

	if code < 200 || code > 299 {
		return models.Ack{Accepted: false, Message: r.msg(code)}, nil
	}

	return models.Ack{
		Accepted:  true,
		Confirmed: r.ok(),
		MessageID: strings.Trim(string(r.ID), `"`),
		Message:   r.msg(code),
	}, nil
}

// CheckNumber asks the gateway whether the number has a WhatsApp account.
func (w *WhatsApp) CheckNumber(ctx context.Context, to string) (models.NumberCheck, error) {
	code, r, err := w.do(ctx, http.MethodPost, w.cfg.CheckPath, checkReq{
		Device: w.cfg.DeviceID,
		Target: strings.TrimPrefix(to, "+"),
	})
	if err != nil {
		return models.NumberCheck{}, err
	}
	if code < 200 || code > 299 {
		return models.NumberCheck{}, fmt.Errorf("number check failed: %s", r.msg(code))
	}

	// A response without an explicit existence flag isn't a verdict.
	if r.Exists == nil {
		return models.NumberCheck{}, fmt.Errorf("number check returned no verdict: %s", r.msg(code))
	}

	out := models.NumberCheck{Exists: *r.Exists}
	if out.Exists && r.Number != "" {
		out.Formatted = r.Number
		if !strings.HasPrefix(out.Formatted, "+") {
			out.Formatted = "+" + out.Formatted
		}
	}
	return out, nil
}

// Ping fetches the device status.
func (w *WhatsApp) Ping(ctx context.Context) error {
	code, r, err := w.do(ctx, http.MethodGet, w.cfg.PingPath, nil)
	if err != nil {
		return err
	}
	if code < 200 || code > 299 {
		return fmt.Errorf("device check failed: %s", r.msg(code))
	}
	if len(r.Status) > 0 && !r.ok() {
		return fmt.Errorf("device is not connected: %s", r.msg(code))
	}
	return nil
}

// do makes a request and decodes the response. A body that isn't JSON is
// not an error; the status code is returned with an empty apiResp.
func (w *WhatsApp) do(ctx context.Context, method, path string, data interface{}) (int, apiResp, error) {
	var body io.Reader
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return 0, apiResp{}, err
		}
		body = bytes.NewReader(b)
	}

	u := w.cfg.URL + path
	if method == http.MethodGet && w.cfg.DeviceID != "" {
		u += "?device=" + url.QueryEscape(w.cfg.DeviceID)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return 0, apiResp{}, err
	}
	req.Header.Set("User-Agent", "phoneverify")
	req.Header.Set(w.cfg.AuthHeader, w.cfg.Token)
	if data != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := w.h.Do(req)
	if err != nil {
		return 0, apiResp{}, err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxRespLen))
	if err != nil {
		return resp.StatusCode, apiResp{}, err
	}

	var r apiResp
	_ = json.Unmarshal(b, &r)
	return resp.StatusCode, r, nil
}

// ok tells if the status flag reports success. It can be a bool, a
// string or a number depending on the gateway.
func (r apiResp) ok() bool {
	switch strings.ToLower(strings.Trim(string(r.Status), `"`)) {
	case "true", "ok", "success", "sent", "1":
		return true
	}
	return false
}

func (r apiResp) msg(code int) string {
	if r.Message != "" {
		return r.Message
	}
	if r.Reason != "" {
		return r.Reason
	}
	return fmt.Sprintf("status %d", code)
}
