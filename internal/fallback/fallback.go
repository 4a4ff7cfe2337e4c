// Package fallback decides which data source a consumer should see.
//
// Priority is strict: fresh live data while the exchange is open, then
// the last REST snapshot, then whatever baseline the caller already
// holds. The controller never returns nothing when the caller has a
// baseline, so prices degrade in quality instead of disappearing.
package fallback

import (
	"log/slog"
	"time"

	"github.com/nkhandelwal/marketsync/internal/model"
)

// LiveSource serves merged streaming cache entries.
type LiveSource interface {
	CachedData(symbol, exchange string) *model.CacheEntry
}

// SnapshotSource serves the last polled REST snapshot.
type SnapshotSource interface {
	Cached(symbol, exchange string) *model.CacheEntry
}

// MarketClock answers whether an exchange is currently trading.
type MarketClock interface {
	IsExchangeOpen(exchange string) bool
}

// Resolution is the outcome of one source decision.
type Resolution struct {
	Fields model.QuoteFields
	Source model.Source
}

// Controller resolves per-symbol data against the staleness threshold.
type Controller struct {
	live     LiveSource
	snapshot SnapshotSource
	clock    MarketClock

	threshold time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) { c.logger = logger }
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// New creates a fallback controller.
func New(live LiveSource, snapshot SnapshotSource, clock MarketClock, threshold time.Duration, opts ...Option) *Controller {
	if threshold <= 0 {
		threshold = 5 * time.Second
	}
	c := &Controller{
		live:      live,
		snapshot:  snapshot,
		clock:     clock,
		threshold: threshold,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Resolve picks the best available fields for a symbol. The baseline is
// whatever the caller already holds (typically the persisted position
// price) and is returned unchanged when neither live nor snapshot data
// qualifies.
func (c *Controller) Resolve(symbol, exchange string, baseline model.QuoteFields) Resolution {
	if entry := c.live.CachedData(symbol, exchange); entry != nil && entry.Fields.LTP != nil {
		if c.clock.IsExchangeOpen(exchange) && c.fresh(entry) {
			return Resolution{Fields: entry.Fields, Source: model.SourceLive}
		}
	}

	if entry := c.snapshot.Cached(symbol, exchange); entry != nil && entry.Fields.LTP != nil {
		return Resolution{Fields: entry.Fields, Source: model.SourceSnapshot}
	}

	c.logger.Debug("no live or snapshot data, serving baseline",
		"symbol", symbol, "exchange", exchange)
	return Resolution{Fields: baseline, Source: model.SourceBaseline}
}

// IsStale reports whether the live entry for a symbol is missing or
// older than the threshold.
func (c *Controller) IsStale(symbol, exchange string) bool {
	entry := c.live.CachedData(symbol, exchange)
	if entry == nil {
		return true
	}
	return !c.fresh(entry)
}

// fresh applies the strict age check: data exactly at the
// threshold is already stale.
func (c *Controller) fresh(entry *model.CacheEntry) bool {
	age := c.now().UnixMilli() - entry.LastUpdate
	return age < c.threshold.Milliseconds()
}
