// Package client talks to the run record API served by "skeelzdb serve".
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/vhskeelz/skeelzdb/internal/httpx"
)

// ErrNotFound is returned when the server knows no such process or run.
var ErrNotFound = errors.New("not found")

// Client provides HTTP client functionality to communicate with the skeelzdb server
type Client struct {
	baseURL string
	http    *httpx.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL string
	Timeout time.Duration
	// MaxRetries bounds retries on transport errors and gateway statuses.
	MaxRetries uint64
	Logger     *slog.Logger // Optional logger for client operations
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL:    "http://localhost:8080",
		Timeout:    10 * time.Second,
		MaxRetries: 3,
	}
}

// New creates a new API client
func New(config Config) *Client {
	def := DefaultConfig()
	if config.BaseURL == "" {
		config.BaseURL = def.BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = def.Timeout
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = def.MaxRetries
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		logger:  config.Logger,
		http: httpx.New("skeelzdb", httpx.Config{
			Timeout:         config.Timeout,
			MaxRetries:      config.MaxRetries,
			InitialInterval: 200 * time.Millisecond,
			MaxInterval:     2 * time.Second,
		}),
	}
}

// IsReachable checks if the server is running and its store answers
func (c *Client) IsReachable(ctx context.Context) bool {
	err := c.get(ctx, "/healthz", nil)
	if err != nil {
		c.logger.Debug("Server unreachable", "error", err)
		return false
	}
	return true
}

// Last returns when the last run of name finished and last succeeded.
func (c *Client) Last(ctx context.Context, name string) (LastRun, error) {
	var out LastRun
	err := c.get(ctx, "/runs/"+url.PathEscape(name), &out)
	return out, err
}

// Run returns one run.
func (c *Client) Run(ctx context.Context, name, id string) (Run, error) {
	var out Run
	err := c.get(ctx, "/runs/"+url.PathEscape(name)+"/"+url.PathEscape(id), &out)
	return out, err
}

// Logs returns the log lines of one run in write order.
func (c *Client) Logs(ctx context.Context, name, id string) ([]LogEntry, error) {
	var out []LogEntry
	err := c.get(ctx, "/runs/"+url.PathEscape(name)+"/"+url.PathEscape(id)+"/logs", &out)
	return out, err
}

// Stalled lists unfinished runs started more than olderThan ago.
func (c *Client) Stalled(ctx context.Context, olderThan time.Duration) ([]Run, error) {
	var out []Run
	err := c.get(ctx, "/stalled?older_than="+url.QueryEscape(olderThan.String()), &out)
	return out, err
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		var er ErrorResponse
		if json.Unmarshal(body, &er) == nil && er.Error != "" {
			return fmt.Errorf("server error %d: %s", resp.StatusCode, er.Error)
		}
		return fmt.Errorf("server error %d: %s", resp.StatusCode, body)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
