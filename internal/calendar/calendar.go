// Package calendar resolves whether an exchange is currently trading.
//
// Today's trading windows and the holiday table are fetched once per
// session from the dashboard backend. Windows arrive as absolute epoch
// instants, so daylight and holiday shifts are already resolved
// server-side. If the fetch fails the service fails closed: every
// exchange reports closed rather than showing a false "live" badge.
package calendar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/nkhandelwal/marketsync/internal/model"
)

// Service answers market-hours questions for the controller and the
// connection manager.
type Service interface {
	// IsExchangeOpen reports whether the exchange is trading right now.
	IsExchangeOpen(exchange string) bool

	// IsAnyExchangeOpen reports whether any known exchange is trading.
	IsAnyExchangeOpen() bool

	// Classify returns the exchange's current session phase.
	Classify(exchange string) model.MarketPhase

	// TimingFor returns today's resolved window for the exchange.
	TimingFor(exchange string) (model.MarketTiming, bool)

	// Refresh reloads timings and holidays from the backend.
	Refresh(ctx context.Context) error
}

// Config holds the calendar endpoint set.
type Config struct {
	BaseURL      string
	TimingsPath  string
	HolidaysPath string
	// Timezone is the IANA zone holiday dates are written in (they are
	// exchange-local wall-clock dates, not UTC). Empty means UTC.
	Timezone        string
	PreMarketBuffer time.Duration
}

// service implements Service.
type service struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger

	// now is injectable for tests.
	now func() time.Time
	loc *time.Location

	mu       sync.RWMutex
	timings  map[string]model.MarketTiming // exchange → today's window
	holidays []model.Holiday
	loadErr  error // last load failure; non-nil ⇒ fail closed
	loaded   bool
}

// Option configures the service.
type Option func(*service)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(s *service) { s.httpClient = hc }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *service) { s.logger = logger }
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(s *service) { s.now = now }
}

// New creates a calendar service. Call Refresh before first use; until
// then every exchange reports closed.
func New(cfg Config, opts ...Option) Service {
	if cfg.PreMarketBuffer == 0 {
		cfg.PreMarketBuffer = 15 * time.Minute
	}

	s := &service{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger:  slog.Default(),
		now:     time.Now,
		timings: make(map[string]model.MarketTiming),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.loc = time.UTC
	if cfg.Timezone != "" {
		loc, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			s.logger.Warn("invalid calendar timezone, using UTC",
				"timezone", cfg.Timezone, "error", err)
		} else {
			s.loc = loc
		}
	}
	return s
}

// timingsResponse is the timings endpoint payload.
type timingsResponse struct {
	MarketStatus []model.MarketTiming `json:"market_status"`
}

// holidaysResponse is the holidays endpoint payload.
type holidaysResponse struct {
	Data []model.Holiday `json:"data"`
}

// Refresh reloads today's timings and the holiday table.
func (s *service) Refresh(ctx context.Context) error {
	var timings timingsResponse
	timingsErr := s.fetch(ctx, s.cfg.TimingsPath, &timings)

	var holidays holidaysResponse
	holidaysErr := s.fetch(ctx, s.cfg.HolidaysPath, &holidays)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := errors.Join(timingsErr, holidaysErr); err != nil {
		// Fail closed: keep nothing that could report a stale "open".
		s.loadErr = err
		s.loaded = false
		s.timings = make(map[string]model.MarketTiming)
		s.holidays = nil
		s.logger.Warn("calendar load failed, all exchanges report closed", "error", err)
		return fmt.Errorf("calendar refresh: %w", err)
	}

	byExchange := make(map[string]model.MarketTiming, len(timings.MarketStatus))
	for _, t := range timings.MarketStatus {
		byExchange[strings.ToUpper(t.Exchange)] = t
	}

	s.timings = byExchange
	s.holidays = holidays.Data
	s.loadErr = nil
	s.loaded = true

	s.logger.Info("calendar loaded",
		"exchanges", len(byExchange),
		"holidays", len(holidays.Data),
	)
	return nil
}

// IsExchangeOpen reports whether the exchange is trading right now.
func (s *service) IsExchangeOpen(exchange string) bool {
	open, _ := s.resolve(exchange)
	return open
}

// IsAnyExchangeOpen reports whether any known exchange is trading.
func (s *service) IsAnyExchangeOpen() bool {
	s.mu.RLock()
	exchanges := make([]string, 0, len(s.timings))
	for ex := range s.timings {
		exchanges = append(exchanges, ex)
	}
	s.mu.RUnlock()

	for _, ex := range exchanges {
		if s.IsExchangeOpen(ex) {
			return true
		}
	}
	return false
}

// TimingFor returns today's resolved window for the exchange.
func (s *service) TimingFor(exchange string) (model.MarketTiming, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.timings[strings.ToUpper(exchange)]
	return t, ok
}

// Classify returns open, closed, pre-market, or post-market.
func (s *service) Classify(exchange string) model.MarketPhase {
	open, window := s.resolve(exchange)
	if open {
		return model.PhaseOpen
	}
	if window == nil {
		return model.PhaseClosed
	}

	nowMs := s.now().UnixMilli()
	preStart := window.StartMs - s.cfg.PreMarketBuffer.Milliseconds()
	switch {
	case nowMs >= preStart && nowMs < window.StartMs:
		return model.PhasePreMarket
	case nowMs >= window.EndMs:
		return model.PhasePostMarket
	default:
		return model.PhaseClosed
	}
}

// resolve applies the holiday table first, then the timing window.
// The returned window is the effective one for classification (the
// special session's window on a holiday, nil when fully closed).
func (s *service) resolve(exchange string) (bool, *model.MarketTiming) {
	exchange = strings.ToUpper(exchange)

	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.loaded {
		return false, nil
	}

	now := s.now()
	nowMs := now.UnixMilli()
	// Holiday dates are wall-clock dates in the calendar timezone; the
	// UTC date can differ by a day around midnight.
	today := now.In(s.loc).Format("2006-01-02")

	for _, h := range s.holidays {
		if h.Date != today {
			continue
		}
		if !containsExchange(h.ClosedExchanges, exchange) {
			continue
		}
		// Closed for the day unless a special session re-opens an
		// explicit sub-window.
		for _, sess := range h.SpecialSessions {
			if !strings.EqualFold(sess.Exchange, exchange) {
				continue
			}
			window := model.MarketTiming{
				Exchange: exchange,
				StartMs:  sess.StartMs,
				EndMs:    sess.EndMs,
			}
			return nowMs >= sess.StartMs && nowMs < sess.EndMs, &window
		}
		return false, nil
	}

	t, ok := s.timings[exchange]
	if !ok {
		return false, nil
	}
	return nowMs >= t.StartMs && nowMs < t.EndMs, &t
}

func containsExchange(list []string, exchange string) bool {
	for _, e := range list {
		if strings.EqualFold(e, exchange) {
			return true
		}
	}
	return false
}

// fetch performs a GET against a calendar endpoint.
func (s *service) fetch(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.BaseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s: unexpected status %d: %s", path, resp.StatusCode, body)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", path, err)
	}
	return nil
}
