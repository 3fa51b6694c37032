// Package httpx wraps net/http with bounded exponential backoff for the
// remote APIs a sync run talks to.
package httpx

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/vhskeelz/skeelzdb/internal/metrics"
)

// Defaults mirror a retry budget of ten attempts with the delay capped at a
// minute.
const (
	DefaultTimeout         = 60 * time.Second
	DefaultMaxRetries      = 10
	DefaultInitialInterval = 2 * time.Second
	DefaultMaxInterval     = 60 * time.Second
)

var errNoRewind = errors.New("request body cannot be replayed")

type Config struct {
	Timeout         time.Duration `toml:"timeout" mapstructure:"timeout"`
	MaxRetries      uint64        `toml:"max_retries" mapstructure:"max_retries"`
	InitialInterval time.Duration `toml:"initial_interval" mapstructure:"initial_interval"`
	MaxInterval     time.Duration `toml:"max_interval" mapstructure:"max_interval"`
	// MaxElapsed bounds the whole retry loop; zero means only MaxRetries applies.
	MaxElapsed time.Duration `toml:"max_elapsed" mapstructure:"max_elapsed"`
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = DefaultInitialInterval
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = DefaultMaxInterval
	}
	return c
}

// StatusError is returned when retries ran out on a retryable status.
type StatusError struct {
	Method string
	URL    string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.URL, e.Status, e.Body)
}

// Client retries timeouts, transport errors, 429 and 5xx gateway statuses.
// POST requests are retried on transport errors only when the connection
// was never established. Any other response, successful or not, is handed
// back to the caller.
type Client struct {
	hc      *http.Client
	cfg     Config
	service string
}

// New returns a client labelled service in metrics and logs.
func New(service string, cfg Config) *Client {
	cfg = cfg.withDefaults()
	return &Client{hc: &http.Client{Timeout: cfg.Timeout}, cfg: cfg, service: service}
}

// WithHTTPClient swaps the underlying transport client, mostly for tests.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.hc = hc
	return c
}

func retryable(code int) bool {
	switch code {
	case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// notSent reports whether err happened before the request left the client.
func notSent(err error) bool {
	var oe *net.OpError
	return errors.As(err, &oe) && oe.Op == "dial"
}

func (c *Client) policy(req *http.Request) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.cfg.InitialInterval
	eb.MaxInterval = c.cfg.MaxInterval
	eb.Multiplier = 2
	eb.MaxElapsedTime = c.cfg.MaxElapsed
	return backoff.WithContext(backoff.WithMaxRetries(eb, c.cfg.MaxRetries), req.Context())
}

// Do sends req, replaying its body through GetBody between attempts.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	var (
		resp    *http.Response
		attempt int
	)
	op := func() error {
		r := req
		if attempt > 0 && req.Body != nil && req.Body != http.NoBody {
			if req.GetBody == nil {
				return backoff.Permanent(errNoRewind)
			}
			body, err := req.GetBody()
			if err != nil {
				return backoff.Permanent(err)
			}
			r = req.Clone(ctx)
			r.Body = body
		}
		attempt++
		res, err := c.hc.Do(r)
		if err != nil {
			metrics.IncRemoteRequest(c.service, "error")
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			// a POST that may have reached the server is not replayed; the
			// next run's lookup adopts whatever it created
			if req.Method == http.MethodPost && !notSent(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		metrics.IncRemoteRequest(c.service, strconv.Itoa(res.StatusCode))
		if retryable(res.StatusCode) {
			b, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
			_ = res.Body.Close()
			return &StatusError{Method: req.Method, URL: req.URL.Redacted(), Status: res.StatusCode, Body: string(b)}
		}
		resp = res
		return nil
	}
	notify := func(err error, d time.Duration) {
		slog.Warn("remote request failed, retrying", "service", c.service, "attempt", attempt, "in", d, "error", err)
	}
	if err := backoff.RetryNotify(op, c.policy(req), notify); err != nil {
		return nil, fmt.Errorf("%s: %w", c.service, err)
	}
	return resp, nil
}
