// Package client is a small HTTP client for the chronicle-auth API, meant
// for operational tooling and smoke checks. Login and Refresh store the
// returned tokens, so later calls authenticate automatically.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"chroniclekeeper.org/internal/auth"
)

// Client talks to one chronicle-auth deployment.
type Client struct {
	baseURL string
	httpc   *http.Client

	mu     sync.Mutex
	tokens auth.TokenPair
}

// Option configures Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpc = h
		}
	}
}

// New constructs a client for the API at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc:   &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// APIError is a non-2xx response decoded from the error body.
type APIError struct {
	Status    int
	Code      string
	Message   string
	RequestID string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api: %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("api: %d: %s", e.Status, e.Message)
}

// SetTokens replaces the stored token pair.
func (c *Client) SetTokens(t auth.TokenPair) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens = t
}

// Tokens returns the stored token pair.
func (c *Client) Tokens() auth.TokenPair {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tokens
}

// Health reports whether the service answers its liveness probe.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil, false)
}

// Register creates an account. It does not authenticate the client; fresh
// accounts start pending and must log in.
func (c *Client) Register(ctx context.Context, in auth.RegisterInput) (*auth.User, error) {
	var out struct {
		User *auth.User `json:"user"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/auth/register", in, &out, false); err != nil {
		return nil, err
	}
	return out.User, nil
}

// Login authenticates and stores the returned token pair.
func (c *Client) Login(ctx context.Context, login, password string, rememberMe bool) (*auth.LoginResult, error) {
	in := auth.LoginInput{Login: login, Password: password, RememberMe: rememberMe}
	var out auth.LoginResult
	if err := c.do(ctx, http.MethodPost, "/v1/auth/login", in, &out, false); err != nil {
		return nil, err
	}
	c.SetTokens(out.Tokens)
	return &out, nil
}

// Refresh rotates the stored refresh token and stores the new pair. The
// previous pair is dead afterwards.
func (c *Client) Refresh(ctx context.Context) (*auth.LoginResult, error) {
	refresh := c.Tokens().RefreshToken
	if refresh == "" {
		return nil, fmt.Errorf("client: no refresh token held")
	}
	var out auth.LoginResult
	if err := c.do(ctx, http.MethodPost, "/v1/auth/refresh", map[string]string{"refresh_token": refresh}, &out, false); err != nil {
		return nil, err
	}
	c.SetTokens(out.Tokens)
	return &out, nil
}

// Logout revokes both stored tokens and clears them.
func (c *Client) Logout(ctx context.Context) error {
	var body any
	if refresh := c.Tokens().RefreshToken; refresh != "" {
		body = map[string]string{"refresh_token": refresh}
	}
	if err := c.do(ctx, http.MethodPost, "/v1/auth/logout", body, nil, true); err != nil {
		return err
	}
	c.SetTokens(auth.TokenPair{})
	return nil
}

// Profile fetches the authenticated account and its permission snapshot.
func (c *Client) Profile(ctx context.Context) (*auth.User, auth.UserPermissions, error) {
	var out struct {
		User        *auth.User           `json:"user"`
		Permissions auth.UserPermissions `json:"permissions"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/auth/profile", nil, &out, true); err != nil {
		return nil, auth.UserPermissions{}, err
	}
	return out.User, out.Permissions, nil
}

// ChangePassword rotates the account credential. The server revokes every
// session, so the stored tokens are cleared and the caller must log in again.
func (c *Client) ChangePassword(ctx context.Context, current, next string) error {
	body := map[string]string{"current_password": current, "new_password": next}
	if err := c.do(ctx, http.MethodPost, "/v1/auth/change-password", body, nil, true); err != nil {
		return err
	}
	c.SetTokens(auth.TokenPair{})
	return nil
}

// Sessions lists the account's active sessions.
func (c *Client) Sessions(ctx context.Context) ([]*auth.Session, error) {
	var out struct {
		Sessions []*auth.Session `json:"sessions"`
		Total    int             `json:"total"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/auth/sessions", nil, &out, true); err != nil {
		return nil, err
	}
	return out.Sessions, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any, authed bool) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authed {
		access := c.Tokens().AccessToken
		if access == "" {
			return fmt.Errorf("client: no access token held, call Login first")
		}
		req.Header.Set("Authorization", "Bearer "+access)
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func decodeError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode, Message: resp.Status}
	var payload struct {
		Error     string `json:"error"`
		Code      string `json:"code"`
		RequestID string `json:"request_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err == nil && payload.Error != "" {
		apiErr.Message = payload.Error
		apiErr.Code = payload.Code
		apiErr.RequestID = payload.RequestID
	}
	return apiErr
}
