package fallback

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nkhandelwal/marketsync/internal/model"
)

type fakeSource struct {
	entries map[model.SymbolKey]*model.CacheEntry
}

func (f *fakeSource) CachedData(symbol, exchange string) *model.CacheEntry {
	return f.entries[model.NewSymbolKey(exchange, symbol)]
}

func (f *fakeSource) Cached(symbol, exchange string) *model.CacheEntry {
	return f.entries[model.NewSymbolKey(exchange, symbol)]
}

type fakeClock struct {
	open map[string]bool
}

func (f *fakeClock) IsExchangeOpen(exchange string) bool { return f.open[exchange] }

func dp(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func entryAt(symbol, exchange, ltp string, updatedAt time.Time) *model.CacheEntry {
	key := model.NewSymbolKey(exchange, symbol)
	return &model.CacheEntry{
		Key:        key,
		Fields:     model.QuoteFields{LTP: dp(ltp)},
		LastUpdate: updatedAt.UnixMilli(),
	}
}

func newTestController(live, snap *fakeSource, open bool) *Controller {
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	c := New(live, snap, &fakeClock{open: map[string]bool{"NSE": open}}, 5*time.Second,
		WithClock(func() time.Time { return now }))
	return c
}

func TestResolveFreshLiveWins(t *testing.T) {
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	live := &fakeSource{entries: map[model.SymbolKey]*model.CacheEntry{
		model.NewSymbolKey("NSE", "SBIN"): entryAt("SBIN", "NSE", "801.20", now.Add(-time.Second)),
	}}
	snap := &fakeSource{entries: map[model.SymbolKey]*model.CacheEntry{
		model.NewSymbolKey("NSE", "SBIN"): entryAt("SBIN", "NSE", "799.00", now.Add(-time.Minute)),
	}}
	c := newTestController(live, snap, true)

	res := c.Resolve("SBIN", "NSE", model.QuoteFields{LTP: dp("790.00")})
	if res.Source != model.SourceLive {
		t.Fatalf("source = %s, want live", res.Source)
	}
	if !res.Fields.LTP.Equal(decimal.RequireFromString("801.20")) {
		t.Errorf("ltp = %v, want 801.20", res.Fields.LTP)
	}
}

func TestResolveStaleLiveFallsToSnapshot(t *testing.T) {
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	live := &fakeSource{entries: map[model.SymbolKey]*model.CacheEntry{
		model.NewSymbolKey("NSE", "SBIN"): entryAt("SBIN", "NSE", "801.20", now.Add(-time.Minute)),
	}}
	snap := &fakeSource{entries: map[model.SymbolKey]*model.CacheEntry{
		model.NewSymbolKey("NSE", "SBIN"): entryAt("SBIN", "NSE", "799.00", now.Add(-2*time.Minute)),
	}}
	c := newTestController(live, snap, true)

	res := c.Resolve("SBIN", "NSE", model.QuoteFields{})
	if res.Source != model.SourceSnapshot {
		t.Fatalf("source = %s, want snapshot", res.Source)
	}
	if !res.Fields.LTP.Equal(decimal.RequireFromString("799.00")) {
		t.Errorf("ltp = %v, want 799.00", res.Fields.LTP)
	}
}

func TestResolveClosedExchangeSkipsLive(t *testing.T) {
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	// Live data is fresh but the exchange is closed, so it cannot be
	// trusted as live any more.
	live := &fakeSource{entries: map[model.SymbolKey]*model.CacheEntry{
		model.NewSymbolKey("NSE", "SBIN"): entryAt("SBIN", "NSE", "801.20", now.Add(-time.Second)),
	}}
	snap := &fakeSource{entries: map[model.SymbolKey]*model.CacheEntry{
		model.NewSymbolKey("NSE", "SBIN"): entryAt("SBIN", "NSE", "799.00", now.Add(-time.Minute)),
	}}
	c := newTestController(live, snap, false)

	res := c.Resolve("SBIN", "NSE", model.QuoteFields{})
	if res.Source != model.SourceSnapshot {
		t.Fatalf("source = %s, want snapshot", res.Source)
	}
}

func TestResolveBaselineWhenNothingElse(t *testing.T) {
	c := newTestController(&fakeSource{}, &fakeSource{}, true)

	baseline := model.QuoteFields{LTP: dp("790.00")}
	res := c.Resolve("SBIN", "NSE", baseline)
	if res.Source != model.SourceBaseline {
		t.Fatalf("source = %s, want baseline", res.Source)
	}
	if !res.Fields.LTP.Equal(decimal.RequireFromString("790.00")) {
		t.Errorf("ltp = %v, want baseline 790.00", res.Fields.LTP)
	}
}

func TestResolveLiveWithoutPriceSkipped(t *testing.T) {
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	// A depth-only update created the entry but no trade has printed yet.
	key := model.NewSymbolKey("NSE", "SBIN")
	live := &fakeSource{entries: map[model.SymbolKey]*model.CacheEntry{
		key: {Key: key, LastUpdate: now.Add(-time.Second).UnixMilli()},
	}}
	snap := &fakeSource{entries: map[model.SymbolKey]*model.CacheEntry{
		key: entryAt("SBIN", "NSE", "799.00", now.Add(-time.Minute)),
	}}
	c := newTestController(live, snap, true)

	res := c.Resolve("SBIN", "NSE", model.QuoteFields{})
	if res.Source != model.SourceSnapshot {
		t.Fatalf("source = %s, want snapshot", res.Source)
	}
}

func TestFreshnessBoundary(t *testing.T) {
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		age  time.Duration
		want model.Source
	}{
		{"just under threshold", 4999 * time.Millisecond, model.SourceLive},
		{"exactly at threshold", 5000 * time.Millisecond, model.SourceBaseline},
		{"just over threshold", 5001 * time.Millisecond, model.SourceBaseline},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			live := &fakeSource{entries: map[model.SymbolKey]*model.CacheEntry{
				model.NewSymbolKey("NSE", "SBIN"): entryAt("SBIN", "NSE", "801.20", now.Add(-tt.age)),
			}}
			c := newTestController(live, &fakeSource{}, true)

			res := c.Resolve("SBIN", "NSE", model.QuoteFields{})
			if res.Source != tt.want {
				t.Errorf("source = %s, want %s", res.Source, tt.want)
			}
		})
	}
}

func TestIsStale(t *testing.T) {
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	live := &fakeSource{entries: map[model.SymbolKey]*model.CacheEntry{
		model.NewSymbolKey("NSE", "FRESH"): entryAt("FRESH", "NSE", "1", now.Add(-time.Second)),
		model.NewSymbolKey("NSE", "OLD"):   entryAt("OLD", "NSE", "1", now.Add(-time.Minute)),
	}}
	c := newTestController(live, &fakeSource{}, true)

	if c.IsStale("FRESH", "NSE") {
		t.Error("IsStale(FRESH) = true, want false")
	}
	if !c.IsStale("OLD", "NSE") {
		t.Error("IsStale(OLD) = false, want true")
	}
	if !c.IsStale("MISSING", "NSE") {
		t.Error("IsStale(MISSING) = false, want true")
	}
}
