// Package backend is the HTTP client for the remote BBNG membership API. It
// adapts the wire protocol onto the contracts the session manager and access
// resolver consume.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/SanmishaTech/bbng-mo-sub001/internal/access"
	"github.com/SanmishaTech/bbng-mo-sub001/internal/ids"
	"github.com/SanmishaTech/bbng-mo-sub001/internal/session"
)

const (
	pathLogin    = "/api/auth/login"
	pathRefresh  = "/api/auth/refresh"
	pathLogout   = "/api/auth/logout"
	pathRoleInfo = "/api/users/me/role-info"

	maxResponseBytes = 1 << 20
)

// Client talks to the BBNG backend over HTTPS/JSON.
type Client struct {
	baseURL   string
	http      *http.Client
	deviceID  string
	userAgent string
	limiter   *rate.Limiter
}

var (
	_ session.Backend = (*Client)(nil)
	_ access.Fetcher  = (*Client)(nil)
)

// Option configures the client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithDeviceID pins the device identifier sent with every request. The
// default is a fresh UUID per process.
func WithDeviceID(id string) Option {
	return func(c *Client) {
		if id != "" {
			c.deviceID = id
		}
	}
}

// WithLoginRate bounds local login attempts so a misbehaving caller cannot
// hammer the login endpoint.
func WithLoginRate(limit rate.Limit, burst int) Option {
	return func(c *Client) {
		c.limiter = rate.NewLimiter(limit, burst)
	}
}

// New creates a client with sensible defaults.
func New(baseURL string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("backend: base URL is required")
	}
	c := &Client{
		baseURL:   baseURL,
		http:      &http.Client{Timeout: 15 * time.Second},
		deviceID:  uuid.NewString(),
		userAgent: "bbng-session-agent",
		limiter:   rate.NewLimiter(rate.Every(2*time.Second), 5),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Login authenticates the credentials. Business rejections (invalid
// credentials, field validation) come back inside the outcome; only
// transport-level problems surface as errors.
func (c *Client) Login(ctx context.Context, creds session.Credentials) (session.LoginOutcome, error) {
	if !c.limiter.Allow() {
		return session.LoginOutcome{}, errors.New("backend: login attempts throttled")
	}

	var env loginEnvelope
	if err := c.do(ctx, http.MethodPost, pathLogin, creds, "", &env); err != nil {
		return session.LoginOutcome{}, err
	}

	if env.Success && env.Data != nil && env.Data.User != nil && env.Data.Token != "" {
		return session.LoginOutcome{Data: &session.LoginData{
			User:         env.Data.User,
			Token:        env.Data.Token,
			RefreshToken: env.Data.RefreshToken,
			RedirectURL:  env.Data.RedirectURL,
		}}, nil
	}

	msg := messageFrom(env.Error, env.Message)
	if ve := normalizeValidationErrors(env.ValidationErrors); len(ve) > 0 {
		return session.LoginOutcome{ValidationErrors: ve, Message: msg}, nil
	}
	if msg == "" {
		msg = "login rejected"
	}
	return session.LoginOutcome{Message: msg}, nil
}

// Refresh exchanges a refresh token for fresh credentials.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (session.RefreshOutcome, error) {
	var env refreshEnvelope
	err := c.do(ctx, http.MethodPost, pathRefresh, map[string]string{"refreshToken": refreshToken}, "", &env)
	if err != nil {
		return session.RefreshOutcome{}, err
	}
	if !env.Success || env.Token == "" {
		return session.RefreshOutcome{}, fmt.Errorf("backend: refresh rejected: %s", messageOrDefault(env.Error, env.Message, "no token returned"))
	}
	return session.RefreshOutcome{Token: env.Token, RefreshToken: env.RefreshToken}, nil
}

// Logout invalidates the token server-side. Callers treat failures as
// best-effort.
func (c *Client) Logout(ctx context.Context, token string) error {
	return c.do(ctx, http.MethodPost, pathLogout, struct{}{}, token, nil)
}

// RoleInfo fetches authorization metadata for the current user. The payload
// is kept verbatim in Raw; only accessScope is interpreted here.
func (c *Client) RoleInfo(ctx context.Context, token string) (*access.RoleInfo, error) {
	var env roleInfoEnvelope
	if err := c.do(ctx, http.MethodGet, pathRoleInfo, nil, token, &env); err != nil {
		return nil, err
	}
	payload := env.Data
	if payload == nil {
		payload = env.raw
	}
	var parsed struct {
		AccessScope []string `json:"accessScope"`
	}
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return nil, fmt.Errorf("backend: decode role info: %w", err)
	}
	return &access.RoleInfo{AccessScope: parsed.AccessScope, Raw: payload}, nil
}

// do performs a request and decodes the JSON response into dst when non-nil.
// A 4xx with a decodable envelope is not an error here; callers interpret the
// envelope. Non-JSON bodies and 5xx responses are transport failures.
func (c *Client) do(ctx context.Context, method, path string, body any, token string, dst envelope) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("backend: encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("X-Request-Id", ids.New())
	req.Header.Set("X-Device-Id", c.deviceID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("backend: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("backend: read response: %w", err)
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("backend: %s %s: status %d", method, path, resp.StatusCode)
	}
	if dst == nil {
		if resp.StatusCode >= http.StatusBadRequest {
			return fmt.Errorf("backend: %s %s: status %d", method, path, resp.StatusCode)
		}
		return nil
	}
	if len(data) == 0 {
		return fmt.Errorf("backend: %s %s: empty response (status %d)", method, path, resp.StatusCode)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("backend: %s %s: decode response (status %d): %w", method, path, resp.StatusCode, err)
	}
	dst.setRaw(data)
	return nil
}
