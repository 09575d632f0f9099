// Package authapi talks to the upstream authentication endpoints.
//
// It never goes through the gateway pipeline: the refresh call must not be decorated
// with the expired access credential, and must never be queued behind itself.
package authapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/fclairamb/tokengate/internal/credentials"
	"github.com/fclairamb/tokengate/internal/failure"
	"github.com/fclairamb/tokengate/internal/version"
)

// Default endpoint paths.
const (
	DefaultRefreshPath = "/auth/refresh-token"
	DefaultLoginPath   = "/auth/login"
)

// maxResponseBytes bounds how much of an auth response is read.
const maxResponseBytes = 1 << 20

// Client errors.
var (
	ErrRefreshRejected   = errors.New("refresh rejected by server")
	ErrLoginRejected     = errors.New("login rejected by server")
	ErrMalformedResponse = errors.New("malformed auth response")
	ErrMissingRefresh    = errors.New("refresh token is empty")
)

// Doer sends HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// User is the user block returned alongside credentials.
type User struct {
	ID    string `json:"id,omitempty"`
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
	Role  string `json:"role,omitempty"`
}

// Session is a successful login or refresh response.
type Session struct {
	Pair credentials.Pair
	User User
}

// tokenResponse is the body of a successful login or refresh, possibly wrapped in a data envelope.
type tokenResponse struct {
	AccessToken  string         `json:"accessToken"`
	RefreshToken string         `json:"refreshToken"`
	User         User           `json:"user"`
	Data         *tokenResponse `json:"data,omitempty"`
}

func (r *tokenResponse) unwrap() *tokenResponse {
	if r.AccessToken == "" && r.Data != nil {
		return r.Data
	}

	return r
}

// Client calls the login and refresh endpoints.
type Client struct {
	doer        Doer
	baseURL     string
	refreshPath string
	loginPath   string
}

// Options configures a Client. Empty paths fall back to the defaults.
type Options struct {
	BaseURL     string
	RefreshPath string
	LoginPath   string
}

// New creates a Client.
func New(doer Doer, opts Options) *Client {
	c := &Client{
		doer:        doer,
		baseURL:     strings.TrimSuffix(opts.BaseURL, "/"),
		refreshPath: opts.RefreshPath,
		loginPath:   opts.LoginPath,
	}

	if c.refreshPath == "" {
		c.refreshPath = DefaultRefreshPath
	}

	if c.loginPath == "" {
		c.loginPath = DefaultLoginPath
	}

	return c
}

// Refresh exchanges refreshToken for a new pair. Any non-2xx status or a body
// missing either token is a failure.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (credentials.Pair, error) {
	if refreshToken == "" {
		return credentials.Pair{}, ErrMissingRefresh
	}

	body := map[string]string{"refreshToken": refreshToken}

	session, err := c.post(ctx, c.refreshPath, refreshToken, body, ErrRefreshRejected)
	if err != nil {
		return credentials.Pair{}, err
	}

	return session.Pair, nil
}

// LoginRequest is the body sent to the login endpoint.
type LoginRequest struct {
	Email    string `json:"email,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password"`
}

// Login authenticates and returns the issued session. The caller stores the pair.
func (c *Client) Login(ctx context.Context, req LoginRequest) (*Session, error) {
	return c.post(ctx, c.loginPath, "", req, ErrLoginRejected)
}

func (c *Client) post(ctx context.Context, path, bearer string, body any, rejected error) (*Session, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())

	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.doer.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request to %s: %w", path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response from %s: %w", path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: status=%d, message=%s",
			rejected, resp.StatusCode, failure.ExtractMessage(resp.StatusCode, respBody))
	}

	var decoded tokenResponse
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}

	tokens := decoded.unwrap()
	if tokens.AccessToken == "" || tokens.RefreshToken == "" {
		return nil, fmt.Errorf("%w: missing accessToken or refreshToken", ErrMalformedResponse)
	}

	return &Session{
		Pair: credentials.Pair{AccessToken: tokens.AccessToken, RefreshToken: tokens.RefreshToken},
		User: tokens.User,
	}, nil
}
