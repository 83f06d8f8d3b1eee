// Package auth exchanges agent credentials for a backend session.
package auth

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
	"time"

	"github.com/modoterra/mediagent/pkg/config"
	"github.com/modoterra/mediagent/pkg/core"
)

var (
	// ErrUnreachable means the login request never got an HTTP response.
	ErrUnreachable = errors.New("backend unreachable")
	// ErrRejected means the backend answered with a non-2xx status.
	ErrRejected = errors.New("login rejected")
	// ErrMalformedResponse means the login response could not be decoded.
	ErrMalformedResponse = errors.New("malformed login response")
)

// StatusError carries the HTTP status of a rejected login. It matches
// ErrRejected with errors.Is.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Code >= 500 {
		return fmt.Sprintf("login rejected: server error %d", e.Code)
	}
	return fmt.Sprintf("login rejected: status %d", e.Code)
}

func (e *StatusError) Is(target error) bool { return target == ErrRejected }

// Session is the result of one successful login.
type Session struct {
	Token string
	// Checkpoint is the last event the backend has recorded for this agent.
	// It is zero on the first run.
	Checkpoint core.Checkpoint
}

type loginRequest struct {
	Session credentials `json:"session"`
}

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	AccessToken string  `json:"access_token"`
	LastEvent   *string `json:"last_event"`
}

// Client performs logins against the backend REST API.
type Client struct {
	endpoint string
	username string
	password string
	http     *http.Client
	logger   *slog.Logger
}

// NewClient creates a login client for the given backend. A nil httpClient
// uses a client with the backend's request timeout.
func NewClient(b config.Backend, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: b.RequestTimeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	u := url.URL{Scheme: b.Scheme(), Host: b.Addr(), Path: "/api/sessions"}
	return &Client{
		endpoint: u.String(),
		username: b.Username,
		password: b.Password,
		http:     httpClient,
		logger:   logger,
	}
}

// Authenticate performs one login exchange. It never retries.
func (c *Client) Authenticate(ctx context.Context) (Session, error) {
	body, err := json.Marshal(loginRequest{Session: credentials{Email: c.username, Password: c.password}})
	if err != nil {
		return Session{}, fmt.Errorf("encode login: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return Session{}, fmt.Errorf("build login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	c.logger.Debug("requesting session", "url", c.endpoint, "username", c.username)
	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return Session{}, fmt.Errorf("%w: %w", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Session{}, &StatusError{Code: resp.StatusCode, Body: string(snippet)}
	}

	var lr loginResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&lr); err != nil {
		return Session{}, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}
	if lr.AccessToken == "" {
		return Session{}, fmt.Errorf("%w: empty access_token", ErrMalformedResponse)
	}

	var cp core.Checkpoint
	if lr.LastEvent != nil {
		cp, err = core.ParseCheckpoint(*lr.LastEvent)
		if err != nil {
			return Session{}, fmt.Errorf("%w: last_event: %w", ErrMalformedResponse, err)
		}
	}

	c.logger.Debug("session established", "checkpoint", cp.String(), "elapsed", time.Since(start))
	return Session{Token: lr.AccessToken, Checkpoint: cp}, nil
}
