// ABOUTME: Typed HTTP client for the broker control plane
// ABOUTME: Maps broker status codes back to sentinel errors

package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/2389/opencode-web/internal/api"
	"github.com/2389/opencode-web/internal/registry"
	"github.com/2389/opencode-web/internal/store"
)

// Client errors
var (
	ErrConflict   = errors.New("conflict")
	ErrNotFound   = errors.New("not found")
	ErrValidation = errors.New("invalid request")
)

// APIError is any other non-2xx broker answer.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("broker returned status %d", e.Status)
	}
	return fmt.Sprintf("broker returned status %d: %s", e.Status, e.Message)
}

// Client talks to one broker.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a client for the broker on host:port.
// Start and stop wait on the broker for up to its own timeouts, so the
// default HTTP timeout leaves room for them.
func New(host string, port int) *Client {
	return &Client{
		baseURL: "http://" + net.JoinHostPort(host, strconv.Itoa(port)),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// WithHTTPClient returns a copy of c using hc.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	cp := *c
	cp.http = hc
	return &cp
}

// BaseURL returns the broker's base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Register upserts this instance into the broker's registry.
func (c *Client) Register(ctx context.Context, cwd string, port int) error {
	var resp api.OKResponse
	return c.do(ctx, http.MethodPost, "/register", api.RegisterRequest{CWD: cwd, Port: port}, &resp)
}

// Ping sends a heartbeat.
func (c *Client) Ping(ctx context.Context, cwd string, port int) (api.PingResponse, error) {
	var resp api.PingResponse
	err := c.do(ctx, http.MethodPost, "/ping", api.RegisterRequest{CWD: cwd, Port: port}, &resp)
	return resp, err
}

// Deregister marks cwd offline and returns the updated table.
func (c *Client) Deregister(ctx context.Context, cwd string) ([]registry.Instance, error) {
	var resp api.DeregisterResponse
	err := c.do(ctx, http.MethodPost, "/deregister", api.CWDRequest{CWD: cwd}, &resp)
	return resp.Instances, err
}

// Instances lists every registry entry, online and offline.
func (c *Client) Instances(ctx context.Context) (*api.InstancesResponse, error) {
	var resp api.InstancesResponse
	if err := c.do(ctx, http.MethodGet, "/instances", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Online lists only the online entries.
func (c *Client) Online(ctx context.Context) ([]registry.Instance, error) {
	resp, err := c.Instances(ctx)
	if err != nil {
		return nil, err
	}
	var online []registry.Instance
	for _, inst := range resp.Instances {
		if inst.Status == registry.StatusOnline {
			online = append(online, inst)
		}
	}
	return online, nil
}

// Start asks the broker to start an instance for cwd.
func (c *Client) Start(ctx context.Context, cwd string) (*api.StartResponse, error) {
	var resp api.StartResponse
	if err := c.do(ctx, http.MethodPost, "/instance", api.CWDRequest{CWD: cwd}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Stop asks the broker to stop the instance for cwd.
func (c *Client) Stop(ctx context.Context, cwd string) (string, error) {
	var resp api.MessageResponse
	err := c.do(ctx, http.MethodDelete, "/instance", api.CWDRequest{CWD: cwd}, &resp)
	return resp.Message, err
}

// Events returns up to limit recent lifecycle events, newest first.
func (c *Client) Events(ctx context.Context, limit int) ([]store.Event, error) {
	path := "/events"
	if limit > 0 {
		path += "?" + url.Values{"limit": {strconv.Itoa(limit)}}.Encode()
	}
	var resp api.EventsResponse
	err := c.do(ctx, http.MethodGet, path, nil, &resp)
	return resp.Events, err
}

// Health checks GET /health.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(resp.StatusCode, data)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func statusError(status int, body []byte) error {
	var e api.ErrorResponse
	_ = json.Unmarshal(body, &e)

	switch status {
	case http.StatusConflict:
		return fmt.Errorf("%w: %s", ErrConflict, e.Error)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, e.Error)
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", ErrValidation, e.Error)
	default:
		return &APIError{Status: status, Message: e.Error}
	}
}
