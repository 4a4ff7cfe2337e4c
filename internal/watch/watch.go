// Package watch is the consumer-facing surface of the sync engine.
//
// A Watch bundles one symbol's resolved data with the connection and
// source flags a UI needs to label it: live, fallback, paused. Updates
// are conflated so a slow consumer always sees the latest view rather
// than a backlog.
package watch

import (
	"context"
	"log/slog"
	"sync"

	"github.com/nkhandelwal/marketsync/internal/connection"
	"github.com/nkhandelwal/marketsync/internal/fallback"
	"github.com/nkhandelwal/marketsync/internal/model"
	"github.com/nkhandelwal/marketsync/internal/stream"
)

// Stream is the subscription slice of the multiplexer.
type Stream interface {
	Subscribe(symbol, exchange string, mode model.Mode, cb stream.Callback) (stream.Unsubscribe, *model.CacheEntry)
}

// Resolver picks the best price source for a symbol.
type Resolver interface {
	Resolve(symbol, exchange string, baseline model.QuoteFields) fallback.Resolution
}

// Conn is the read-only slice of the Connection Manager.
type Conn interface {
	State() connection.State
	Err() error
	OnState(l connection.StateListener) func()
}

// Refresher forces a snapshot fetch.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// View is one symbol's current resolved state.
type View struct {
	Data           model.QuoteFields
	Source         model.Source
	IsLive         bool
	IsConnected    bool
	IsPaused       bool
	IsFallbackMode bool
	Err            error
}

// Watcher creates per-symbol watches over the shared engine components.
type Watcher struct {
	stream    Stream
	resolver  Resolver
	conn      Conn
	snapshots Refresher
	logger    *slog.Logger
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Watcher) { w.logger = logger }
}

// New creates a watcher.
func New(str Stream, resolver Resolver, conn Conn, snapshots Refresher, opts ...Option) *Watcher {
	w := &Watcher{
		stream:    str,
		resolver:  resolver,
		conn:      conn,
		snapshots: snapshots,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Watch subscribes to one symbol. The returned handle already carries a
// usable view built from whatever is cached; consumers then follow
// Updates for changes.
func (w *Watcher) Watch(symbol, exchange string, mode model.Mode) *Watch {
	h := &Watch{
		watcher:  w,
		symbol:   symbol,
		exchange: exchange,
		updates:  make(chan View, 1),
	}

	unsub, snapshot := w.stream.Subscribe(symbol, exchange, mode, func(*model.CacheEntry) {
		h.recompute(true)
	})
	h.unsub = unsub

	if snapshot != nil {
		h.mu.Lock()
		h.baseline = snapshot.Fields
		h.mu.Unlock()
	}

	h.removeState = w.conn.OnState(func(connection.StateChange) {
		h.recompute(true)
	})

	h.recompute(false)
	return h
}

// Watch is one symbol's live view handle.
type Watch struct {
	watcher  *Watcher
	symbol   string
	exchange string

	mu       sync.Mutex
	baseline model.QuoteFields
	view     View
	closed   bool

	updates     chan View
	unsub       stream.Unsubscribe
	removeState func()
	closeOnce   sync.Once
}

// Current returns the latest resolved view.
func (h *Watch) Current() View {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.view
}

// Updates delivers conflated view changes. The channel is closed by
// Close.
func (h *Watch) Updates() <-chan View {
	return h.updates
}

// Refresh forces a snapshot fetch and recomputes the view, for pull-to-
// refresh style interactions.
func (h *Watch) Refresh(ctx context.Context) error {
	err := h.watcher.snapshots.Refresh(ctx)
	h.recompute(true)
	return err
}

// Close releases the subscription and closes the updates channel. Safe
// to call twice.
func (h *Watch) Close() {
	h.closeOnce.Do(func() {
		h.unsub()
		h.removeState()

		h.mu.Lock()
		h.closed = true
		close(h.updates)
		h.mu.Unlock()
	})
}

// recompute rebuilds the view from the resolver and connection state,
// optionally pushing it to the updates channel.
func (h *Watch) recompute(push bool) {
	h.mu.Lock()
	baseline := h.baseline
	h.mu.Unlock()

	res := h.watcher.resolver.Resolve(h.symbol, h.exchange, baseline)
	state := h.watcher.conn.State()

	view := View{
		Data:           res.Fields,
		Source:         res.Source,
		IsLive:         res.Source == model.SourceLive,
		IsConnected:    state == connection.StateAuthenticated,
		IsPaused:       state == connection.StatePaused,
		IsFallbackMode: res.Source != model.SourceLive,
		Err:            h.watcher.conn.Err(),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.view = view
	// The resolved fields become the next baseline so the view never
	// regresses to empty when live and snapshot both lapse.
	if view.Data.LTP != nil {
		h.baseline = view.Data
	}

	if !push {
		return
	}
	// Conflate: drop the stale pending view, keep the newest.
	select {
	case h.updates <- view:
	default:
		select {
		case <-h.updates:
		default:
		}
		select {
		case h.updates <- view:
		default:
		}
	}
}
