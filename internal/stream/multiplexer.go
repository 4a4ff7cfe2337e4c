package stream

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nkhandelwal/marketsync/internal/connection"
	"github.com/nkhandelwal/marketsync/internal/model"
)

// Conn is the slice of the Connection Manager the multiplexer needs.
type Conn interface {
	Send(cmd connection.Command) error
	IsAuthenticated() bool
	OnState(l connection.StateListener) func()
	OnMessage(h connection.MessageHandler) func()
}

// Callback receives the merged cache entry after each update for its
// subscription's symbol.
type Callback func(entry *model.CacheEntry)

// Unsubscribe releases one subscription reference. Safe to call twice.
type Unsubscribe func()

// Stats summarizes multiplexer state for health reporting.
type Stats struct {
	Subscriptions int // distinct (symbol, mode) keys
	Subscribers   int // total registered callbacks
	CachedSymbols int
	PendingWire   int
}

// subKey identifies one wire-level subscription.
type subKey struct {
	key  model.SymbolKey
	mode model.Mode
}

// subscriber is one registered callback, kept in registration order.
type subscriber struct {
	id string
	cb Callback
}

// subEntry tracks the reference count and callbacks for a subKey.
type subEntry struct {
	refs int
	subs []subscriber
}

// marketDataMessage is the inbound wire shape for quote updates.
type marketDataMessage struct {
	Type      string            `json:"type"`
	Symbol    string            `json:"symbol"`
	Exchange  string            `json:"exchange"`
	Mode      model.Mode        `json:"mode,omitempty"`
	Timestamp int64             `json:"timestamp,omitempty"` // feed time, ms
	Data      model.QuoteFields `json:"data"`
}

// Multiplexer shares the single feed connection among many consumers.
type Multiplexer struct {
	conn   Conn
	logger *slog.Logger

	// now is injectable for tests.
	now func() time.Time

	mu      sync.Mutex
	entries map[subKey]*subEntry
	cache   map[model.SymbolKey]*model.CacheEntry
	// pending holds wire subscribes queued while unauthenticated.
	pending map[subKey]struct{}

	removeState func()
	removeMsg   func()
}

// Option configures the multiplexer.
type Option func(*Multiplexer)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Multiplexer) { m.logger = logger }
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Multiplexer) { m.now = now }
}

// New creates a multiplexer bound to the connection manager.
func New(conn Conn, opts ...Option) *Multiplexer {
	m := &Multiplexer{
		conn:    conn,
		logger:  slog.Default(),
		now:     time.Now,
		entries: make(map[subKey]*subEntry),
		cache:   make(map[model.SymbolKey]*model.CacheEntry),
		pending: make(map[subKey]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	m.removeState = conn.OnState(m.onStateChange)
	m.removeMsg = conn.OnMessage(m.onMessage)
	return m
}

// Close detaches the multiplexer from the connection manager.
func (m *Multiplexer) Close() {
	if m.removeState != nil {
		m.removeState()
	}
	if m.removeMsg != nil {
		m.removeMsg()
	}
}

// Subscribe registers a callback for (symbol, exchange, mode). The
// first reference for a key sends (or queues) the wire subscribe; later
// references share it. The returned snapshot is the current cached
// entry, nil when nothing has arrived yet, so a late subscriber can
// render immediately instead of starting blank.
func (m *Multiplexer) Subscribe(symbol, exchange string, mode model.Mode, cb Callback) (Unsubscribe, *model.CacheEntry) {
	key := model.NewSymbolKey(exchange, symbol)
	sk := subKey{key: key, mode: mode}
	id := uuid.NewString()

	m.mu.Lock()
	entry, ok := m.entries[sk]
	if !ok {
		entry = &subEntry{}
		m.entries[sk] = entry
	}
	entry.refs++
	entry.subs = append(entry.subs, subscriber{id: id, cb: cb})

	first := entry.refs == 1
	var snapshot *model.CacheEntry
	if cached, ok := m.cache[key]; ok {
		snapshot = cached.Clone()
	}

	var sendNow bool
	if first {
		if m.conn.IsAuthenticated() {
			sendNow = true
		} else {
			m.pending[sk] = struct{}{}
		}
	}
	m.mu.Unlock()

	if sendNow {
		m.sendSubscribe(sk)
	}

	var once sync.Once
	unsub := func() {
		once.Do(func() { m.release(sk, id) })
	}
	return unsub, snapshot
}

// CachedData returns the merged cache entry for a symbol, nil if absent.
func (m *Multiplexer) CachedData(symbol, exchange string) *model.CacheEntry {
	key := model.NewSymbolKey(exchange, symbol)

	m.mu.Lock()
	defer m.mu.Unlock()
	if cached, ok := m.cache[key]; ok {
		return cached.Clone()
	}
	return nil
}

// Stats returns current multiplexer statistics.
func (m *Multiplexer) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	subscribers := 0
	for _, e := range m.entries {
		subscribers += len(e.subs)
	}
	return Stats{
		Subscriptions: len(m.entries),
		Subscribers:   subscribers,
		CachedSymbols: len(m.cache),
		PendingWire:   len(m.pending),
	}
}

// release drops one reference; the zeroth dereference sends the wire
// unsubscribe and evicts the cache entry.
func (m *Multiplexer) release(sk subKey, id string) {
	m.mu.Lock()
	entry, ok := m.entries[sk]
	if !ok {
		m.mu.Unlock()
		return
	}

	for i, s := range entry.subs {
		if s.id == id {
			entry.subs = append(entry.subs[:i], entry.subs[i+1:]...)
			break
		}
	}
	entry.refs--

	var sendUnsub bool
	if entry.refs <= 0 {
		delete(m.entries, sk)
		delete(m.pending, sk)
		sendUnsub = m.conn.IsAuthenticated()

		// Evict the cache only when no other mode still watches the symbol.
		if !m.symbolWatchedLocked(sk.key) {
			delete(m.cache, sk.key)
		}
	}
	m.mu.Unlock()

	if sendUnsub {
		m.sendUnsubscribe(sk)
	}
}

func (m *Multiplexer) symbolWatchedLocked(key model.SymbolKey) bool {
	for sk := range m.entries {
		if sk.key == key {
			return true
		}
	}
	return false
}

// onStateChange reacts to connection transitions.
func (m *Multiplexer) onStateChange(change connection.StateChange) {
	switch change.To {
	case connection.StateAuthenticated:
		m.flushPending()

	case connection.StateDisconnected, connection.StatePaused:
		// Wire subscriptions and the cache die with the transport. The
		// logical subscriptions survive and are queued so the next
		// authenticated transition re-sends them.
		m.mu.Lock()
		m.cache = make(map[model.SymbolKey]*model.CacheEntry)
		m.pending = make(map[subKey]struct{})
		for sk := range m.entries {
			m.pending[sk] = struct{}{}
		}
		queued := len(m.pending)
		m.mu.Unlock()

		if queued > 0 {
			m.logger.Debug("connection lost, queued resubscriptions", "count", queued)
		}
	}
}

// flushPending sends every queued wire subscribe.
func (m *Multiplexer) flushPending() {
	m.mu.Lock()
	keys := make([]subKey, 0, len(m.pending))
	for sk := range m.pending {
		keys = append(keys, sk)
	}
	m.pending = make(map[subKey]struct{})
	m.mu.Unlock()

	for _, sk := range keys {
		m.sendSubscribe(sk)
	}
	if len(keys) > 0 {
		m.logger.Info("flushed queued subscriptions", "count", len(keys))
	}
}

func (m *Multiplexer) sendSubscribe(sk subKey) {
	exchange, symbol := sk.key.Split()
	err := m.conn.Send(connection.Command{
		Action:  "subscribe",
		Symbols: []model.SymbolRef{{Symbol: symbol, Exchange: exchange}},
		Mode:    sk.mode,
	})
	if err != nil {
		// The subscription stays queued for the next authenticated
		// transition; dropping it here would strand the consumer.
		m.logger.Warn("subscribe send failed, requeueing", "key", sk.key, "error", err)
		m.mu.Lock()
		if _, ok := m.entries[sk]; ok {
			m.pending[sk] = struct{}{}
		}
		m.mu.Unlock()
	}
}

func (m *Multiplexer) sendUnsubscribe(sk subKey) {
	exchange, symbol := sk.key.Split()
	err := m.conn.Send(connection.Command{
		Action:  "unsubscribe",
		Symbols: []model.SymbolRef{{Symbol: symbol, Exchange: exchange}},
		Mode:    sk.mode,
	})
	if err != nil {
		m.logger.Debug("unsubscribe send failed", "key", sk.key, "error", err)
	}
}

// onMessage demultiplexes one inbound data message.
func (m *Multiplexer) onMessage(msg connection.TimestampedMessage) {
	var md marketDataMessage
	if err := json.Unmarshal(msg.Data, &md); err != nil {
		m.logger.Debug("dropping malformed market data", "error", err)
		return
	}
	if md.Type != "market_data" || md.Symbol == "" {
		return
	}

	key := model.NewSymbolKey(md.Exchange, md.Symbol)

	// Prefer the feed's own timestamp for per-field ordering; fall back
	// to local receive time when the feed omits it.
	stamp := md.Timestamp
	if stamp == 0 {
		stamp = msg.ReceivedAt.UnixMilli()
	}

	m.mu.Lock()
	entry, ok := m.cache[key]
	if !ok {
		entry = &model.CacheEntry{
			Key:         key,
			FieldStamps: make(map[string]int64),
		}
		m.cache[key] = entry
	}

	mergeFields(entry, md.Data, stamp)

	// Receive order keeps this monotone; the guard covers clock
	// adjustments.
	if now := msg.ReceivedAt.UnixMilli(); now > entry.LastUpdate {
		entry.LastUpdate = now
	}

	callbacks := m.callbacksForLocked(key, md.Mode)
	snapshot := entry.Clone()
	m.mu.Unlock()

	for _, cb := range callbacks {
		cb(snapshot)
	}
}

// callbacksForLocked collects callbacks for a symbol in registration
// order. A message tagged with a mode goes to that mode's subscribers;
// an untagged message goes to every subscriber of the symbol.
func (m *Multiplexer) callbacksForLocked(key model.SymbolKey, mode model.Mode) []Callback {
	var out []Callback
	for sk, entry := range m.entries {
		if sk.key != key {
			continue
		}
		if mode != "" && sk.mode != mode {
			continue
		}
		for _, s := range entry.subs {
			out = append(out, s.cb)
		}
	}
	return out
}
