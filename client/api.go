// Package client is the client half of the relay recovery protocol: an HTTP
// API client, a WebSocket connection that survives outages, and the view
// reconciliation shared by reconnect and polling.
package client

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

	"github.com/GoCodeAlone/relay/agent"
	"github.com/GoCodeAlone/relay/server/api"
	"github.com/GoCodeAlone/relay/session"
	"github.com/GoCodeAlone/relay/task"
)

// ErrNotFound is returned for 404 responses.
var ErrNotFound = errors.New("not found")

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// Unwrap maps 404 onto ErrNotFound.
func (e *APIError) Unwrap() error {
	if e.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	return nil
}

// API calls the relay REST endpoints.
type API struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

// NewAPI returns an API client for baseURL (e.g. http://localhost:9090).
func NewAPI(baseURL, token string) *API {
	return &API{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTP:    &http.Client{Timeout: 15 * time.Second},
	}
}

func (a *API) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.BaseURL+path, rd)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.Token != "" {
		req.Header.Set("Authorization", "Bearer "+a.Token)
	}

	resp, err := a.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return &APIError{StatusCode: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// Login exchanges credentials for a token and keeps it for later calls.
func (a *API) Login(ctx context.Context, username, password string) (string, error) {
	var resp struct {
		Token string `json:"token"`
	}
	err := a.do(ctx, http.MethodPost, "/api/auth/login", map[string]string{
		"username": username,
		"password": password,
	}, &resp)
	if err != nil {
		return "", err
	}
	a.Token = resp.Token
	return resp.Token, nil
}

// Status reads the public server status.
func (a *API) Status(ctx context.Context) (api.StatusResponse, error) {
	var st api.StatusResponse
	err := a.do(ctx, http.MethodGet, "/api/status", nil, &st)
	return st, err
}

// Agents lists the configured agents.
func (a *API) Agents(ctx context.Context) ([]agent.Info, error) {
	var out []agent.Info
	err := a.do(ctx, http.MethodGet, "/api/agents", nil, &out)
	return out, err
}

// CreateSession starts a new session.
func (a *API) CreateSession(ctx context.Context, title string) (session.Session, error) {
	var out session.Session
	err := a.do(ctx, http.MethodPost, "/api/sessions", map[string]string{"title": title}, &out)
	return out, err
}

// Sessions lists the caller's sessions.
func (a *API) Sessions(ctx context.Context, includeArchived bool) ([]session.Session, error) {
	path := "/api/sessions"
	if includeArchived {
		path += "?include_archived=true"
	}
	var out []session.Session
	err := a.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// Archive archives a session.
func (a *API) Archive(ctx context.Context, sessionID string) (session.Session, error) {
	var out session.Session
	err := a.do(ctx, http.MethodPost, "/api/sessions/"+url.PathEscape(sessionID)+"/archive", nil, &out)
	return out, err
}

// State is the get_full_state read.
func (a *API) State(ctx context.Context, sessionID string) (session.State, error) {
	var out session.State
	err := a.do(ctx, http.MethodGet, "/api/sessions/"+url.PathEscape(sessionID)+"/state", nil, &out)
	return out, err
}

// Running is the cheap polling read.
func (a *API) Running(ctx context.Context, sessionID string) (session.RunningSummary, error) {
	var out session.RunningSummary
	err := a.do(ctx, http.MethodGet, "/api/sessions/"+url.PathEscape(sessionID)+"/running", nil, &out)
	return out, err
}

// Submit posts a message to an existing session.
func (a *API) Submit(ctx context.Context, sessionID, message string, options map[string]string) (api.Submitted, error) {
	var out api.Submitted
	err := a.do(ctx, http.MethodPost, "/api/sessions/"+url.PathEscape(sessionID)+"/messages", map[string]any{
		"message": message,
		"options": options,
	}, &out)
	return out, err
}

// Task reads one task record.
func (a *API) Task(ctx context.Context, taskID string) (task.Task, error) {
	var out task.Task
	err := a.do(ctx, http.MethodGet, "/api/tasks/"+url.PathEscape(taskID), nil, &out)
	return out, err
}

// Cancel cancels a task. Unknown tasks are reported in the outcome.
func (a *API) Cancel(ctx context.Context, taskID string) (api.CancelOutcome, error) {
	var out api.CancelOutcome
	err := a.do(ctx, http.MethodPost, "/api/tasks/"+url.PathEscape(taskID)+"/cancel", nil, &out)
	return out, err
}

// pushURL converts the base URL into the WebSocket endpoint URL.
func (a *API) pushURL() (string, error) {
	u, err := url.Parse(a.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	if a.Token != "" {
		q := u.Query()
		q.Set("token", a.Token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}
