// Package auth obtains data-feed credentials from the dashboard backend.
//
// The feed handshake needs three endpoints: an anti-forgery token, a
// short-lived transport URL, and a streaming auth token. Credentials
// rotate, so the whole flow runs fresh on every connect attempt.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Errors
var (
	ErrUnauthorized = errors.New("credential endpoint rejected request")
)

// Credentials is everything the Connection Manager needs to open and
// authenticate one streaming transport.
type Credentials struct {
	TransportURL string // wss:// URL for the streaming feed
	APIKey       string // streaming auth token sent in the authenticate message
}

// Config holds the credential endpoint set.
type Config struct {
	BaseURL         string
	AntiForgeryPath string
	TransportPath   string
	StreamTokenPath string
	MaxRetries      int
	RetryBackoff    time.Duration
}

// Client fetches feed credentials over the dashboard REST API.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a credential client.
func NewClient(cfg Config, opts ...Option) *Client {
	c := &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.cfg.MaxRetries == 0 {
		c.cfg.MaxRetries = 3
	}
	if c.cfg.RetryBackoff == 0 {
		c.cfg.RetryBackoff = time.Second
	}
	return c
}

// antiForgeryResponse is the anti-forgery endpoint payload.
type antiForgeryResponse struct {
	Token string `json:"token"`
}

// transportResponse is the transport config endpoint payload.
type transportResponse struct {
	URL string `json:"url"`
}

// streamTokenResponse is the streaming token endpoint payload.
type streamTokenResponse struct {
	APIKey string `json:"api_key"`
}

// AntiForgeryToken fetches the anti-forgery token required by the other
// two credential endpoints.
func (c *Client) AntiForgeryToken(ctx context.Context) (string, error) {
	var resp antiForgeryResponse
	if err := c.get(ctx, c.cfg.AntiForgeryPath, "", &resp); err != nil {
		return "", fmt.Errorf("anti-forgery token: %w", err)
	}
	if resp.Token == "" {
		return "", errors.New("anti-forgery token: empty token in response")
	}
	return resp.Token, nil
}

// TransportConfig fetches the short-lived transport URL.
func (c *Client) TransportConfig(ctx context.Context, antiForgery string) (string, error) {
	var resp transportResponse
	if err := c.get(ctx, c.cfg.TransportPath, antiForgery, &resp); err != nil {
		return "", fmt.Errorf("transport config: %w", err)
	}
	if resp.URL == "" {
		return "", errors.New("transport config: empty url in response")
	}
	return resp.URL, nil
}

// StreamToken fetches the streaming authentication token.
func (c *Client) StreamToken(ctx context.Context, antiForgery string) (string, error) {
	var resp streamTokenResponse
	if err := c.get(ctx, c.cfg.StreamTokenPath, antiForgery, &resp); err != nil {
		return "", fmt.Errorf("stream token: %w", err)
	}
	if resp.APIKey == "" {
		return "", errors.New("stream token: empty api_key in response")
	}
	return resp.APIKey, nil
}

// Fetch runs the full credential flow. Called fresh on every connect;
// nothing is cached across reconnects because tokens rotate.
func (c *Client) Fetch(ctx context.Context) (*Credentials, error) {
	antiForgery, err := c.AntiForgeryToken(ctx)
	if err != nil {
		return nil, err
	}

	url, err := c.TransportConfig(ctx, antiForgery)
	if err != nil {
		return nil, err
	}

	apiKey, err := c.StreamToken(ctx, antiForgery)
	if err != nil {
		return nil, err
	}

	return &Credentials{
		TransportURL: url,
		APIKey:       apiKey,
	}, nil
}

// get performs a GET with retry and decodes a JSON response.
func (c *Client) get(ctx context.Context, path, antiForgery string, out any) error {
	var lastErr error

	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.cfg.RetryBackoff * time.Duration(attempt)):
			}
		}

		err := c.doGet(ctx, path, antiForgery, out)
		if err == nil {
			return nil
		}
		// Auth rejections are not transient; retrying would spam the
		// endpoint with the same bad session.
		if errors.Is(err, ErrUnauthorized) {
			return err
		}
		lastErr = err
		c.logger.Debug("credential request failed, retrying",
			"path", path,
			"attempt", attempt+1,
			"error", err,
		)
	}

	return lastErr
}

func (c *Client) doGet(ctx context.Context, path, antiForgery string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if antiForgery != "" {
		req.Header.Set("X-Anti-Forgery-Token", antiForgery)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("%w: status %d", ErrUnauthorized, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, body)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
