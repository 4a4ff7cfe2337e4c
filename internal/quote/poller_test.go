package quote

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nkhandelwal/marketsync/internal/model"
)

// fakeFetcher is a scriptable Fetcher double.
type fakeFetcher struct {
	mu      sync.Mutex
	batches [][]model.SymbolRef
	result  map[model.SymbolKey]model.QuoteFields
	err     error
	// block, when non-nil, makes Quotes wait for a close or ctx cancel.
	block  chan struct{}
	called chan struct{}
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{called: make(chan struct{}, 32)}
}

func (f *fakeFetcher) Quotes(ctx context.Context, symbols []model.SymbolRef) (map[model.SymbolKey]model.QuoteFields, error) {
	f.mu.Lock()
	f.batches = append(f.batches, append([]model.SymbolRef(nil), symbols...))
	block := f.block
	result := f.result
	err := f.err
	f.mu.Unlock()

	select {
	case f.called <- struct{}{}:
	default:
	}

	if block != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-block:
		}
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (f *fakeFetcher) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

func (f *fakeFetcher) lastBatch() []model.SymbolRef {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.batches) == 0 {
		return nil
	}
	return f.batches[len(f.batches)-1]
}

func waitCall(t *testing.T, f *fakeFetcher) {
	t.Helper()
	select {
	case <-f.called:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for fetch")
	}
}

func sbinResult(ltp string) map[model.SymbolKey]model.QuoteFields {
	d := decimal.RequireFromString(ltp)
	return map[model.SymbolKey]model.QuoteFields{
		model.NewSymbolKey("NSE", "SBIN"): {LTP: &d},
	}
}

func TestPollerFetchesImmediatelyOnStart(t *testing.T) {
	f := newFakeFetcher()
	f.result = sbinResult("801.20")

	p := NewPoller(f, PollerConfig{Interval: time.Hour})
	p.SetSymbols([]model.SymbolRef{{Symbol: "SBIN", Exchange: "NSE"}})
	p.Start(context.Background())
	defer p.Stop()

	waitCall(t, f)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if p.Cached("SBIN", "NSE") != nil {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	entry := p.Cached("SBIN", "NSE")
	if entry == nil {
		t.Fatal("Cached = nil after initial fetch")
	}
	if !entry.Fields.LTP.Equal(decimal.RequireFromString("801.20")) {
		t.Errorf("ltp = %v, want 801.20", entry.Fields.LTP)
	}
}

func TestPollerSkipsIntervalsWhileHidden(t *testing.T) {
	f := newFakeFetcher()
	f.result = sbinResult("801.20")

	p := NewPoller(f, PollerConfig{Interval: 20 * time.Millisecond, SkipHidden: true})
	p.SetSymbols([]model.SymbolRef{{Symbol: "SBIN", Exchange: "NSE"}})
	p.SetHidden(true)
	p.Start(context.Background())
	defer p.Stop()

	// The startup fetch runs regardless of visibility.
	waitCall(t, f)

	time.Sleep(120 * time.Millisecond)
	if got := f.calls(); got != 1 {
		t.Errorf("fetch calls = %d while hidden, want 1", got)
	}
}

func TestPollerCatchesUpOnForeground(t *testing.T) {
	f := newFakeFetcher()
	f.result = sbinResult("801.20")

	now := time.Now()
	var clockMu sync.Mutex
	clock := func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		return now
	}

	p := NewPoller(f, PollerConfig{Interval: time.Hour, SkipHidden: true}, WithPollerClock(clock))
	p.SetSymbols([]model.SymbolRef{{Symbol: "SBIN", Exchange: "NSE"}})
	p.Start(context.Background())
	defer p.Stop()

	waitCall(t, f)

	p.SetHidden(true)
	clockMu.Lock()
	now = now.Add(2 * time.Hour)
	clockMu.Unlock()
	p.SetHidden(false)

	waitCall(t, f)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && f.calls() < 2 {
		time.Sleep(5 * time.Millisecond)
	}
	if got := f.calls(); got < 2 {
		t.Errorf("fetch calls = %d after foreground catch-up, want >= 2", got)
	}
}

func TestPollerNoCatchUpWithinInterval(t *testing.T) {
	f := newFakeFetcher()
	f.result = sbinResult("801.20")

	p := NewPoller(f, PollerConfig{Interval: time.Hour, SkipHidden: true})
	p.SetSymbols([]model.SymbolRef{{Symbol: "SBIN", Exchange: "NSE"}})
	p.Start(context.Background())
	defer p.Stop()

	waitCall(t, f)

	// Briefly hidden: the last snapshot is still fresh, no extra fetch.
	p.SetHidden(true)
	p.SetHidden(false)

	time.Sleep(50 * time.Millisecond)
	if got := f.calls(); got != 1 {
		t.Errorf("fetch calls = %d after brief hide, want 1", got)
	}
}

func TestPollerSetSymbolsAbortsInFlightFetch(t *testing.T) {
	f := newFakeFetcher()
	f.result = sbinResult("801.20")
	f.block = make(chan struct{})

	p := NewPoller(f, PollerConfig{Interval: time.Hour})
	p.SetSymbols([]model.SymbolRef{{Symbol: "SBIN", Exchange: "NSE"}})
	p.Start(context.Background())
	defer p.Stop()

	// First fetch is stuck in the blocked fetcher.
	waitCall(t, f)

	f.mu.Lock()
	f.block = nil
	f.mu.Unlock()

	p.SetSymbols([]model.SymbolRef{{Symbol: "INFY", Exchange: "NSE"}})

	waitCall(t, f)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		batch := f.lastBatch()
		if len(batch) == 1 && batch[0].Symbol == "INFY" {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Errorf("last batch = %v, want [INFY]", f.lastBatch())
}

func TestPollerSetSymbolsDropsRemovedFromCache(t *testing.T) {
	f := newFakeFetcher()
	f.result = sbinResult("801.20")

	p := NewPoller(f, PollerConfig{Interval: time.Hour})
	p.SetSymbols([]model.SymbolRef{{Symbol: "SBIN", Exchange: "NSE"}})

	if err := p.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if p.Cached("SBIN", "NSE") == nil {
		t.Fatal("Cached = nil after refresh")
	}

	p.SetSymbols([]model.SymbolRef{{Symbol: "INFY", Exchange: "NSE"}})
	if p.Cached("SBIN", "NSE") != nil {
		t.Error("SBIN survived symbol set change, want evicted")
	}
}

func TestPollerSkipsTickFiredDuringFetch(t *testing.T) {
	f := newFakeFetcher()
	f.result = sbinResult("801.20")
	f.block = make(chan struct{})

	p := NewPoller(f, PollerConfig{Interval: 100 * time.Millisecond})
	p.SetSymbols([]model.SymbolRef{{Symbol: "SBIN", Exchange: "NSE"}})
	p.Start(context.Background())
	defer p.Stop()

	// The first fetch stalls past a tick; that tick must be dropped,
	// not replayed the moment the fetch returns.
	waitCall(t, f)
	time.Sleep(150 * time.Millisecond)
	close(f.block)

	time.Sleep(30 * time.Millisecond)
	if got := f.calls(); got != 1 {
		t.Errorf("fetch calls = %d right after slow fetch, want 1 (buffered tick skipped)", got)
	}

	// Polling continues on the normal cadence afterwards.
	waitCall(t, f)
}

func TestPollerFetchErrorRetainsCache(t *testing.T) {
	f := newFakeFetcher()
	f.result = sbinResult("801.20")

	p := NewPoller(f, PollerConfig{Interval: time.Hour})
	p.SetSymbols([]model.SymbolRef{{Symbol: "SBIN", Exchange: "NSE"}})

	if err := p.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	f.mu.Lock()
	f.err = errors.New("backend down")
	f.mu.Unlock()

	if err := p.Refresh(context.Background()); err == nil {
		t.Fatal("Refresh = nil, want error")
	}

	entry := p.Cached("SBIN", "NSE")
	if entry == nil {
		t.Fatal("cache lost last good snapshot on failure")
	}
	if !entry.Fields.LTP.Equal(decimal.RequireFromString("801.20")) {
		t.Errorf("ltp = %v, want retained 801.20", entry.Fields.LTP)
	}
}

func TestPollerEmptySymbolSetSkipsWire(t *testing.T) {
	f := newFakeFetcher()

	p := NewPoller(f, PollerConfig{Interval: time.Hour})
	if err := p.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if got := f.calls(); got != 0 {
		t.Errorf("fetch calls = %d with empty symbol set, want 0", got)
	}
}
