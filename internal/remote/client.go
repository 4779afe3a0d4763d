package remote

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

	"flocksync/internal/config"
	"flocksync/internal/domain"
	"flocksync/internal/logging"
	"flocksync/internal/models"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const maxErrorBody = 512

// Client talks to the remote church API on behalf of the queue and the cache.
type Client struct {
	baseURL  *url.URL
	http     *http.Client
	tokens   domain.TokenSource
	tenantID string
	limiter  *rate.Limiter
	online   func() bool
	logger   zerolog.Logger
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithOnlineCheck makes requests fail fast with ErrOffline while fn reports false.
func WithOnlineCheck(fn func() bool) Option {
	return func(c *Client) { c.online = fn }
}

func New(cfg config.RemoteConfig, tokens domain.TokenSource, logger *zerolog.Logger, opts ...Option) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	limit := rate.Inf
	if cfg.RPS > 0 {
		limit = rate.Limit(cfg.RPS)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	c := &Client{
		baseURL:  base,
		http:     &http.Client{Timeout: timeout},
		tokens:   tokens,
		tenantID: cfg.TenantID,
		limiter:  rate.NewLimiter(limit, burst),
		logger:   logging.Component(logger, "remote"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Replay sends a queued operation. It returns nil on a 2xx answer unless the
// body explicitly reports "success": false.
func (c *Client) Replay(ctx context.Context, op *models.QueuedOperation) error {
	var body io.Reader
	if op.Body != nil && op.Method != http.MethodGet {
		body = strings.NewReader(*op.Body)
	}

	headers, err := op.HeaderMap()
	if err != nil {
		return err
	}

	resp, err := c.do(ctx, op.Method, op.Endpoint, body, headers)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(op.Method, op.Endpoint, resp.StatusCode, data)
	}

	var ack struct {
		Success *bool  `json:"success"`
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(data, &ack) == nil && ack.Success != nil && !*ack.Success {
		msg := ack.Message
		if msg == "" {
			msg = ack.Error
		}
		return &RejectedError{Method: op.Method, Endpoint: op.Endpoint, Message: msg}
	}

	c.logger.Debug().Str("id", op.ID).Str("method", op.Method).Str("endpoint", op.Endpoint).
		Int("status", resp.StatusCode).Msg("operation replayed")
	return nil
}

// Fetch performs a GET and returns the raw body.
func (c *Client) Fetch(ctx context.Context, path string) ([]byte, error) {
	resp, err := c.do(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, statusError(http.MethodGet, path, resp.StatusCode, data)
	}
	return data, nil
}

// Ping checks that the base URL answers at all; any HTTP status counts as reachable.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodHead, "/", nil, nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body io.Reader, extra map[string]string) (*http.Response, error) {
	if c.online != nil && !c.online() {
		return nil, ErrOffline
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, c.resolve(endpoint), body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.tokens != nil {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get token: %w", err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}
	if c.tenantID != "" {
		req.Header.Set(models.TenantHeader, c.tenantID)
	}
	for k, v := range extra {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) resolve(endpoint string) string {
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return endpoint
	}
	u := *c.baseURL
	path, query, _ := strings.Cut(endpoint, "?")
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(path, "/")
	u.RawQuery = query
	return u.String()
}

func statusError(method, endpoint string, code int, body []byte) *StatusError {
	text := strings.TrimSpace(string(bytes.ToValidUTF8(body, nil)))
	if len(text) > maxErrorBody {
		text = text[:maxErrorBody]
	}
	return &StatusError{Method: method, Endpoint: endpoint, StatusCode: code, Body: text}
}
