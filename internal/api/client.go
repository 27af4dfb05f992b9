// Package api is the HTTP client for the authoritative fair server.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"fairquest/internal/domain"
)

// Client talks to the fair server with bearer-token auth. HTTPClient must
// be set before first use and is never written afterwards; do is called
// from concurrent push goroutines.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, token string) *Client {
	timeout := 10 * time.Second
	return &Client{
		BaseURL:    baseURL,
		Token:      token,
		HTTPClient: &http.Client{Timeout: timeout},
		Timeout:    timeout,
	}
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Message extracts the server-provided error text from an {error: string}
// body, falling back to the raw body.
func (e *APIError) Message() string {
	var envelope struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal([]byte(e.Body), &envelope); err == nil && envelope.Error != "" {
		return envelope.Error
	}
	return e.Body
}

// LoginResult is the response of the login endpoint.
type LoginResult struct {
	Token string      `json:"token"`
	User  domain.User `json:"user"`
}

// Login exchanges an entry code for a bearer token.
func (c *Client) Login(ctx context.Context, code string) (LoginResult, error) {
	var resp LoginResult
	err := c.do(ctx, http.MethodPost, "auth/login", map[string]any{"code": code}, &resp)
	return resp, err
}

// MyMissions returns the caller's full mission status.
func (c *Client) MyMissions(ctx context.Context) ([]domain.MissionStatus, error) {
	var resp []domain.MissionStatus
	err := c.do(ctx, http.MethodGet, "missions/my", nil, &resp)
	return resp, err
}

// PushProgress reports a progress value for one mission.
func (c *Client) PushProgress(ctx context.Context, missionID string, progress int) error {
	endpoint := fmt.Sprintf("missions/%s/progress", url.PathEscape(missionID))
	return c.do(ctx, http.MethodPost, endpoint, map[string]any{"progress": progress}, nil)
}

// PushComplete reports a forced completion for one mission.
func (c *Client) PushComplete(ctx context.Context, missionID string) error {
	endpoint := fmt.Sprintf("missions/%s/complete", url.PathEscape(missionID))
	return c.do(ctx, http.MethodPost, endpoint, nil, nil)
}

// Ranking returns the server-computed board for one mission.
func (c *Client) Ranking(ctx context.Context, missionID string) (domain.Ranking, error) {
	var resp domain.Ranking
	endpoint := fmt.Sprintf("missions/%s/ranking", url.PathEscape(missionID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// UseTicket performs the authoritative single-use redemption. On rejection
// the returned error carries the server message verbatim.
func (c *Client) UseTicket(ctx context.Context, ownerID int64, missionID string) (string, error) {
	var resp struct {
		MissionID string `json:"missionId"`
	}
	body := map[string]any{"ownerId": ownerID, "missionId": missionID}
	if err := c.do(ctx, http.MethodPost, "admin/tickets/use", body, &resp); err != nil {
		return "", err
	}
	return resp.MissionID, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	client := c.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
