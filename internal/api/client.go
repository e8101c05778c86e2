package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"doser-dashboard/internal/device"
	"doser-dashboard/internal/store"
)

// Device REST endpoints.
const (
	PathAuth        = "/api/auth"
	PathStatus      = "/api/status"
	PathSettings    = "/api/settings"
	PathRun         = "/api/run"
	PathCalibration = "/api/calibration"
	PathUpload      = "/upload"
)

// ErrUnauthorized is wrapped by errors for HTTP 401 answers.
var ErrUnauthorized = errors.New("unauthorized")

// StatusError is returned for any non-2xx answer from the device.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status code %d", e.Code)
	}
	return fmt.Sprintf("unexpected status code %d: %s", e.Code, e.Body)
}

func (e *StatusError) Unwrap() error {
	if e.Code == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	return nil
}

// TokenSource provides the persisted session token.
type TokenSource interface {
	GetToken() (string, error)
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithTimeout bounds every request. Zero means no timeout. The underlying
// http.Client is copied so a shared client is never modified.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		hc := *c.http
		hc.Timeout = d
		c.http = &hc
	}
}

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger.With("component", "api")
	}
}

// Client talks to the dosing controller's REST API.
type Client struct {
	baseURL string
	http    *http.Client
	tokens  TokenSource
	logger  *slog.Logger

	mu             sync.RWMutex
	onUnauthorized func()
}

// NewClient creates a client for the controller at baseURL.
func NewClient(baseURL string, tokens TokenSource, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("base url must be http or https, got %q", baseURL)
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
		tokens:  tokens,
		logger:  slog.Default().With("component", "api"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// OnUnauthorized sets the hook run when any call except authentication is
// answered with 401. The call still fails afterwards.
func (c *Client) OnUnauthorized(fn func()) {
	c.mu.Lock()
	c.onUnauthorized = fn
	c.mu.Unlock()
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}

	if c.tokens != nil {
		token, err := c.tokens.GetToken()
		switch {
		case err == nil:
			req.Header.Set("Authorization", token)
		case errors.Is(err, store.ErrNotFound):
			// Sent unauthenticated.
		default:
			c.logger.Warn("read session token", "err", err)
		}
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// do sends req and decodes a JSON answer into out (if non-nil).
func (c *Client) do(req *http.Request, out any) error {
	c.logger.Debug("device request", "method", req.Method, "path", req.URL.Path)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if resp.StatusCode == http.StatusUnauthorized && req.URL.Path != PathAuth {
			c.sessionExpired()
		}
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path,
			&StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))})
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decoding %s response: %w", req.URL.Path, err)
	}
	return nil
}

func (c *Client) sessionExpired() {
	c.mu.RLock()
	fn := c.onUnauthorized
	c.mu.RUnlock()
	c.logger.Info("device rejected session token")
	if fn != nil {
		fn()
	}
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	return c.do(req, out)
}

func (c *Client) postJSON(ctx context.Context, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encoding %s request: %w", path, err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

// Authenticate exchanges credentials for a session token.
func (c *Client) Authenticate(ctx context.Context, creds device.Credentials) (string, error) {
	var resp device.TokenResponse
	if err := c.postJSON(ctx, PathAuth, creds, &resp); err != nil {
		return "", err
	}
	if resp.Token == "" {
		return "", fmt.Errorf("auth response carries no token")
	}
	return resp.Token, nil
}

// Status fetches the device status snapshot. The firmware answers either
// with the bare object or with it nested under "status".
func (c *Client) Status(ctx context.Context) (*device.Status, error) {
	var raw json.RawMessage
	if err := c.getJSON(ctx, PathStatus, &raw); err != nil {
		return nil, err
	}

	var wrapped struct {
		Status *device.Status `json:"status"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, fmt.Errorf("decoding status: %w", err)
	}
	if wrapped.Status != nil {
		return wrapped.Status, nil
	}

	var st device.Status
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("decoding status: %w", err)
	}
	return &st, nil
}

// Settings fetches the full settings aggregate.
func (c *Client) Settings(ctx context.Context) (*device.Settings, error) {
	s := device.NewSettings()
	if err := c.getJSON(ctx, PathSettings, s); err != nil {
		return nil, err
	}
	if s.Networks == nil {
		s.Networks = []device.Network{}
	}
	if s.Pumps == nil {
		s.Pumps = []device.Pump{}
	}
	return s, nil
}

// SaveSettings posts a partial aggregate and returns the device's success flag.
func (c *Client) SaveSettings(ctx context.Context, patch device.SettingsPatch) (bool, error) {
	c.logger.Debug("save settings", "keys", patch.Keys())
	var resp device.SaveResponse
	if err := c.postJSON(ctx, PathSettings, patch, &resp); err != nil {
		return false, err
	}
	return resp.Success, nil
}

// Run drives a pump. Time is in minutes; RunForever and RunStop are special.
func (c *Client) Run(ctx context.Context, cmd device.RunCommand) (bool, error) {
	var resp device.SaveResponse
	if err := c.postJSON(ctx, PathRun, cmd, &resp); err != nil {
		return false, err
	}
	return resp.Success, nil
}

// Calibrate sends a calibration run to the device.
func (c *Client) Calibrate(ctx context.Context, cmd device.RunCommand) (bool, error) {
	var resp device.SaveResponse
	if err := c.postJSON(ctx, PathCalibration, cmd, &resp); err != nil {
		return false, err
	}
	return resp.Success, nil
}
