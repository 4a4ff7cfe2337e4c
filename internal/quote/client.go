package quote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/nkhandelwal/marketsync/internal/model"
)

// Errors
var (
	ErrRequestFailed = errors.New("snapshot request failed")
)

// Config holds the snapshot endpoint settings.
type Config struct {
	BaseURL      string
	QuotesPath   string
	MaxRetries   int
	RetryBackoff time.Duration
}

// Client fetches batch quote snapshots over REST.
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

// NewClient creates a snapshot client.
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
		c.cfg.MaxRetries = 2
	}
	if c.cfg.RetryBackoff == 0 {
		c.cfg.RetryBackoff = time.Second
	}
	return c
}

// quotesRequest is the batch request body.
type quotesRequest struct {
	Symbols []model.SymbolRef `json:"symbols"`
}

// quoteResult is one symbol's entry in the batch response.
type quoteResult struct {
	Symbol   string            `json:"symbol"`
	Exchange string            `json:"exchange"`
	Data     model.QuoteFields `json:"data"`
}

// quotesResponse is the batch response body.
type quotesResponse struct {
	Status  string        `json:"status"`
	Message string        `json:"message,omitempty"`
	Results []quoteResult `json:"results"`
}

// Quotes fetches a snapshot for every symbol in the batch. Symbols the
// backend does not know are simply absent from the result map.
func (c *Client) Quotes(ctx context.Context, symbols []model.SymbolRef) (map[model.SymbolKey]model.QuoteFields, error) {
	if len(symbols) == 0 {
		return map[model.SymbolKey]model.QuoteFields{}, nil
	}

	var resp quotesResponse
	if err := c.post(ctx, c.cfg.QuotesPath, quotesRequest{Symbols: symbols}, &resp); err != nil {
		return nil, err
	}
	if resp.Status != "success" {
		return nil, fmt.Errorf("%w: %s", ErrRequestFailed, resp.Message)
	}

	out := make(map[model.SymbolKey]model.QuoteFields, len(resp.Results))
	for _, r := range resp.Results {
		out[model.NewSymbolKey(r.Exchange, r.Symbol)] = r.Data
	}
	return out, nil
}

// post performs a POST with retry and decodes a JSON response.
func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.cfg.RetryBackoff * time.Duration(attempt)):
			}
		}

		err := c.doPost(ctx, path, payload, out)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = err
		c.logger.Debug("snapshot request failed, retrying",
			"path", path,
			"attempt", attempt+1,
			"error", err,
		)
	}

	return lastErr
}

func (c *Client) doPost(ctx context.Context, path string, payload []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: status %d: %s", ErrRequestFailed, resp.StatusCode, body)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
