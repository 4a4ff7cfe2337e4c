package quote

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/nkhandelwal/marketsync/internal/model"
)

// Fetcher is the slice of Client the poller needs.
type Fetcher interface {
	Quotes(ctx context.Context, symbols []model.SymbolRef) (map[model.SymbolKey]model.QuoteFields, error)
}

// PollerConfig holds poller settings.
type PollerConfig struct {
	Interval time.Duration
	// SkipHidden stops interval fetches while the app is hidden.
	SkipHidden bool
}

// Poller drives periodic batch snapshot fetches for the tracked symbol
// set. Fetch failures are logged and swallowed; the cache keeps the
// last good snapshot so consumers degrade instead of erroring.
type Poller struct {
	fetcher Fetcher
	cfg     PollerConfig
	logger  *slog.Logger
	now     func() time.Time

	// group collapses concurrent refreshes into one wire request.
	group singleflight.Group

	mu          sync.Mutex
	symbols     []model.SymbolRef
	cache       map[model.SymbolKey]*model.CacheEntry
	hidden      bool
	lastFetch   time.Time
	fetchCancel context.CancelFunc

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	kick    chan struct{}
	started bool
}

// PollerOption configures a Poller.
type PollerOption func(*Poller)

// WithPollerLogger sets the logger.
func WithPollerLogger(logger *slog.Logger) PollerOption {
	return func(p *Poller) { p.logger = logger }
}

// WithPollerClock sets the time source.
func WithPollerClock(now func() time.Time) PollerOption {
	return func(p *Poller) { p.now = now }
}

// NewPoller creates a snapshot poller.
func NewPoller(fetcher Fetcher, cfg PollerConfig, opts ...PollerOption) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	p := &Poller{
		fetcher: fetcher,
		cfg:     cfg,
		logger:  slog.Default(),
		now:     time.Now,
		cache:   make(map[model.SymbolKey]*model.CacheEntry),
		kick:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start begins interval polling with an immediate first fetch.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.mu.Unlock()

	p.wg.Add(1)
	go p.loop()
	p.requestFetch()
}

// Stop halts polling and waits for the loop to exit.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	p.cancel()
	if p.fetchCancel != nil {
		p.fetchCancel()
	}
	p.mu.Unlock()

	p.wg.Wait()
}

// SetSymbols replaces the tracked symbol set. Any in-flight fetch for
// the old set is aborted and a fresh fetch starts immediately, so a
// portfolio switch never waits out a slow stale request.
func (p *Poller) SetSymbols(symbols []model.SymbolRef) {
	keep := make(map[model.SymbolKey]struct{}, len(symbols))
	for _, s := range symbols {
		keep[s.Key()] = struct{}{}
	}

	p.mu.Lock()
	p.symbols = append([]model.SymbolRef(nil), symbols...)
	for key := range p.cache {
		if _, ok := keep[key]; !ok {
			delete(p.cache, key)
		}
	}
	if p.fetchCancel != nil {
		p.fetchCancel()
	}
	started := p.started
	p.mu.Unlock()

	if started {
		p.requestFetch()
	}
}

// SetHidden tells the poller about app visibility. Returning to the
// foreground after more than one interval triggers a catch-up fetch.
func (p *Poller) SetHidden(hidden bool) {
	p.mu.Lock()
	wasHidden := p.hidden
	p.hidden = hidden
	catchUp := wasHidden && !hidden && p.started &&
		p.now().Sub(p.lastFetch) > p.cfg.Interval
	p.mu.Unlock()

	if catchUp {
		p.requestFetch()
	}
}

// Refresh forces a fetch now, coalesced with any concurrent one.
func (p *Poller) Refresh(ctx context.Context) error {
	_, err, _ := p.group.Do("batch", func() (any, error) {
		return nil, p.fetchOnce(ctx)
	})
	return err
}

// Cached returns the last snapshot for a symbol, nil if absent.
func (p *Poller) Cached(symbol, exchange string) *model.CacheEntry {
	key := model.NewSymbolKey(exchange, symbol)

	p.mu.Lock()
	defer p.mu.Unlock()
	if entry, ok := p.cache[key]; ok {
		return entry.Clone()
	}
	return nil
}

// LastFetch returns when the last successful fetch completed.
func (p *Poller) LastFetch() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastFetch
}

// requestFetch nudges the loop without blocking; a pending nudge is
// enough.
func (p *Poller) requestFetch() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

func (p *Poller) loop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return

		case <-p.kick:
			p.fetch()
			drainTick(ticker)

		case <-ticker.C:
			p.mu.Lock()
			skip := p.hidden && p.cfg.SkipHidden
			p.mu.Unlock()
			if skip {
				continue
			}
			p.fetch()
			drainTick(ticker)
		}
	}
}

// drainTick drops a tick that fired while a fetch was in flight, so a
// slow fetch is never followed by an immediate back-to-back one.
func drainTick(ticker *time.Ticker) {
	select {
	case <-ticker.C:
	default:
	}
}

// fetch runs one coalesced fetch with a cancelable context so
// SetSymbols can abort it.
func (p *Poller) fetch() {
	p.mu.Lock()
	if p.ctx == nil || p.ctx.Err() != nil {
		p.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(p.ctx)
	p.fetchCancel = cancel
	p.mu.Unlock()

	defer cancel()

	_, err, _ := p.group.Do("batch", func() (any, error) {
		return nil, p.fetchOnce(ctx)
	})
	if err != nil && ctx.Err() == nil {
		p.logger.Warn("snapshot fetch failed", "error", err)
	}
}

func (p *Poller) fetchOnce(ctx context.Context) error {
	p.mu.Lock()
	symbols := append([]model.SymbolRef(nil), p.symbols...)
	p.mu.Unlock()

	if len(symbols) == 0 {
		return nil
	}

	quotes, err := p.fetcher.Quotes(ctx, symbols)
	if err != nil {
		return err
	}

	fetchedAt := p.now()
	stamp := fetchedAt.UnixMilli()

	p.mu.Lock()
	for key, fields := range quotes {
		f := fields
		p.cache[key] = &model.CacheEntry{
			Key:        key,
			Fields:     f,
			LastUpdate: stamp,
		}
	}
	p.lastFetch = fetchedAt
	p.mu.Unlock()

	p.logger.Debug("snapshot fetch completed",
		"symbols", len(symbols),
		"quotes", len(quotes),
	)
	return nil
}
