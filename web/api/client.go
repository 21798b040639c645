package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hochfrequenz/agent-supervisor/internal/domain"
	"github.com/hochfrequenz/agent-supervisor/internal/schedule"
	"github.com/hochfrequenz/agent-supervisor/internal/supervisor"
)

// Client talks to a running supervisor's HTTP API
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the API at baseURL, e.g. http://127.0.0.1:8080
func NewClient(baseURL string) *Client {
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// APIError is a non-2xx response
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api returned %d: %s", e.StatusCode, e.Message)
}

// Is maps a 404 to domain.ErrNotFound
func (e *APIError) Is(target error) bool {
	return target == domain.ErrNotFound && e.StatusCode == http.StatusNotFound
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&e)
		return &APIError{StatusCode: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Metrics fetches /api/metrics
func (c *Client) Metrics(ctx context.Context) (MetricsResponse, error) {
	var m MetricsResponse
	err := c.do(ctx, http.MethodGet, "/api/metrics", nil, &m)
	return m, err
}

// Slots fetches /api/slots
func (c *Client) Slots(ctx context.Context) ([]supervisor.SlotInfo, error) {
	var slots []supervisor.SlotInfo
	err := c.do(ctx, http.MethodGet, "/api/slots", nil, &slots)
	return slots, err
}

// Schedules fetches /api/schedules
func (c *Client) Schedules(ctx context.Context) ([]schedule.Status, error) {
	var out []schedule.Status
	err := c.do(ctx, http.MethodGet, "/api/schedules", nil, &out)
	return out, err
}

// Sessions lists sessions, newest first
func (c *Client) Sessions(ctx context.Context, status domain.SessionStatus, limit int) ([]SessionResponse, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", string(status))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/sessions"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var out []SessionResponse
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// Session fetches one session
func (c *Client) Session(ctx context.Context, id string) (SessionResponse, error) {
	var out SessionResponse
	err := c.do(ctx, http.MethodGet, "/api/sessions/"+url.PathEscape(id), nil, &out)
	return out, err
}

// Spawn starts a worker; with wait it returns the terminal session
func (c *Client) Spawn(ctx context.Context, req SpawnRequest, wait bool) (SessionResponse, error) {
	path := "/api/sessions"
	if wait {
		path += "?wait=true"
	}
	var out SessionResponse
	err := c.do(ctx, http.MethodPost, path, req, &out)
	return out, err
}

// Terminate stops a live session
func (c *Client) Terminate(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/sessions/"+url.PathEscape(id), nil, nil)
}

// SetMaxWorkers resizes the worker pool
func (c *Client) SetMaxWorkers(ctx context.Context, n int) error {
	return c.do(ctx, http.MethodPut, "/api/pool", PoolRequest{MaxWorkers: n}, nil)
}
