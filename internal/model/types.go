package model

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// -----------------------------------------------------------------------------
// Symbol Identity
// -----------------------------------------------------------------------------

// SymbolKey uniquely identifies an instrument as "EXCHANGE:SYMBOL".
type SymbolKey string

// NewSymbolKey builds a key from exchange and symbol.
func NewSymbolKey(exchange, symbol string) SymbolKey {
	return SymbolKey(strings.ToUpper(exchange) + ":" + symbol)
}

// Split returns the exchange and symbol parts of the key.
func (k SymbolKey) Split() (exchange, symbol string) {
	parts := strings.SplitN(string(k), ":", 2)
	if len(parts) != 2 {
		return "", string(k)
	}
	return parts[0], parts[1]
}

// Mode selects the depth of streamed data for a subscription.
type Mode string

const (
	ModeLTP   Mode = "ltp"   // Last traded price only
	ModeQuote Mode = "quote" // OHLC, volume, change
	ModeDepth Mode = "depth" // Quote plus order book depth
)

// Valid reports whether m is a recognized mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeLTP, ModeQuote, ModeDepth:
		return true
	}
	return false
}

// SymbolRef names an instrument in REST request/response payloads.
type SymbolRef struct {
	Symbol   string `json:"symbol"`
	Exchange string `json:"exchange"`
}

// Key returns the cache key for this reference.
func (r SymbolRef) Key() SymbolKey {
	return NewSymbolKey(r.Exchange, r.Symbol)
}

// -----------------------------------------------------------------------------
// Quote Data
// -----------------------------------------------------------------------------

// DepthLevel is a single level of the order book.
type DepthLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity int64           `json:"quantity"`
	Orders   int             `json:"orders"`
}

// Depth holds both sides of the order book.
type Depth struct {
	Buy  []DepthLevel `json:"buy"`
	Sell []DepthLevel `json:"sell"`
}

// QuoteFields carries the per-symbol market data fields. Pointer fields
// distinguish "absent from this message" from a genuine zero value.
type QuoteFields struct {
	LTP           *decimal.Decimal `json:"ltp,omitempty"`
	Open          *decimal.Decimal `json:"open,omitempty"`
	High          *decimal.Decimal `json:"high,omitempty"`
	Low           *decimal.Decimal `json:"low,omitempty"`
	Close         *decimal.Decimal `json:"close,omitempty"`
	Volume        *int64           `json:"volume,omitempty"`
	Change        *decimal.Decimal `json:"change,omitempty"`
	ChangePercent *decimal.Decimal `json:"change_percent,omitempty"`
	Depth         *Depth           `json:"depth,omitempty"`
}

// CacheEntry is one symbol's merged view of streamed data.
type CacheEntry struct {
	Key        SymbolKey
	Fields     QuoteFields
	LastUpdate int64 // ms since epoch, monotone non-decreasing per key

	// FieldStamps records the feed timestamp (or receive time) of the last
	// write per field name, so late partial updates cannot regress a field.
	FieldStamps map[string]int64
}

// Clone returns a deep enough copy for handing to subscribers. Decimal
// values are immutable so pointer fields only need re-pointing.
func (e *CacheEntry) Clone() *CacheEntry {
	if e == nil {
		return nil
	}
	cp := *e
	cp.FieldStamps = nil
	return &cp
}

// -----------------------------------------------------------------------------
// Trading Calendar
// -----------------------------------------------------------------------------

// MarketTiming is the resolved trading window for one exchange today.
// Instants are absolute so daylight and holiday shifts are already applied.
type MarketTiming struct {
	Exchange string `json:"exchange"`
	StartMs  int64  `json:"start_time"`
	EndMs    int64  `json:"end_time"`
}

// SpecialSession is an explicit trading window that overrides a holiday.
type SpecialSession struct {
	Exchange string `json:"exchange"`
	StartMs  int64  `json:"start_time"`
	EndMs    int64  `json:"end_time"`
}

// Holiday closes the listed exchanges for a date, unless a special
// session re-opens one inside an explicit window.
type Holiday struct {
	Date            string           `json:"date"` // YYYY-MM-DD
	ClosedExchanges []string         `json:"closed_exchanges"`
	SpecialSessions []SpecialSession `json:"open_exchanges"`
}

// MarketPhase classifies an exchange's current session state.
type MarketPhase string

const (
	PhaseOpen       MarketPhase = "open"
	PhaseClosed     MarketPhase = "closed"
	PhasePreMarket  MarketPhase = "pre-market"
	PhasePostMarket MarketPhase = "post-market"
)

// -----------------------------------------------------------------------------
// Positions
// -----------------------------------------------------------------------------

// Source tags where a displayed price came from.
type Source string

const (
	SourceLive     Source = "live"     // Streamed, fresh, market open
	SourceSnapshot Source = "snapshot" // Periodic batch REST snapshot
	SourceBaseline Source = "baseline" // Initial REST load
)

// Position is a holding as loaded from the portfolio baseline. Quantity
// zero means the position is closed and its P&L is final.
type Position struct {
	Symbol           string          `json:"symbol"`
	Exchange         string          `json:"exchange"`
	Quantity         int64           `json:"quantity"`
	AveragePrice     decimal.Decimal `json:"average_price"`
	LTP              decimal.Decimal `json:"ltp"`
	PnL              decimal.Decimal `json:"pnl"`
	PnLPercent       decimal.Decimal `json:"pnl_percent"`
	TodayRealizedPnL decimal.Decimal `json:"today_realized_pnl"`
}

// Key returns the cache key for this position's instrument.
func (p Position) Key() SymbolKey {
	return NewSymbolKey(p.Exchange, p.Symbol)
}

// EnhancedPosition is a position with live-derived metrics applied.
type EnhancedPosition struct {
	Position
	Source Source `json:"source"`
}

// PortfolioSummary aggregates enhanced positions for display.
type PortfolioSummary struct {
	TotalInvestment   decimal.Decimal `json:"total_investment"`
	TotalHoldingValue decimal.Decimal `json:"total_holding_value"`
	TotalPnL          decimal.Decimal `json:"total_pnl"`
	TotalPnLPercent   decimal.Decimal `json:"total_pnl_percent"`
}

// String implements fmt.Stringer for log output.
func (s PortfolioSummary) String() string {
	return fmt.Sprintf("invested=%s value=%s pnl=%s (%s%%)",
		s.TotalInvestment, s.TotalHoldingValue, s.TotalPnL, s.TotalPnLPercent)
}
