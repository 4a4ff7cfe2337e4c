// Package pnl derives live P&L metrics for portfolio positions.
//
// The engine never mutates baseline positions it cannot price: a
// closed position's numbers are final, and a position without an
// average price has nothing to derive against.
package pnl

import (
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/nkhandelwal/marketsync/internal/fallback"
	"github.com/nkhandelwal/marketsync/internal/model"
)

var hundred = decimal.NewFromInt(100)

// Resolver picks the best price source for a symbol.
type Resolver interface {
	Resolve(symbol, exchange string, baseline model.QuoteFields) fallback.Resolution
}

// Engine recomputes position metrics from resolved prices.
type Engine struct {
	resolver Resolver
	logger   *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// New creates a metrics engine.
func New(resolver Resolver, opts ...Option) *Engine {
	e := &Engine{
		resolver: resolver,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Enhance recomputes each open position against the best available
// price. Closed positions (quantity zero) pass through untouched, as do
// positions without an average price.
func (e *Engine) Enhance(positions []model.Position) []model.EnhancedPosition {
	out := make([]model.EnhancedPosition, 0, len(positions))
	for _, p := range positions {
		out = append(out, e.enhanceOne(p))
	}
	return out
}

func (e *Engine) enhanceOne(p model.Position) model.EnhancedPosition {
	if p.Quantity == 0 {
		// Closed today: realized numbers are final.
		return model.EnhancedPosition{Position: p, Source: model.SourceBaseline}
	}
	if p.AveragePrice.IsZero() {
		e.logger.Debug("position without average price, skipping enhancement",
			"symbol", p.Symbol, "exchange", p.Exchange)
		return model.EnhancedPosition{Position: p, Source: model.SourceBaseline}
	}

	baselineLTP := p.LTP
	res := e.resolver.Resolve(p.Symbol, p.Exchange, model.QuoteFields{LTP: &baselineLTP})
	if res.Fields.LTP == nil {
		return model.EnhancedPosition{Position: p, Source: model.SourceBaseline}
	}
	ltp := *res.Fields.LTP

	qty := decimal.NewFromInt(p.Quantity)
	absQty := qty.Abs()

	// (ltp - avg) * qty prices longs and shorts alike: a negative
	// quantity flips the sign.
	unrealized := ltp.Sub(p.AveragePrice).Mul(qty)
	pnl := unrealized.Add(p.TodayRealizedPnL)

	investment := p.AveragePrice.Mul(absQty)
	var pnlPercent decimal.Decimal
	if !investment.IsZero() {
		pnlPercent = pnl.Div(investment).Mul(hundred)
	}

	p.LTP = ltp
	p.PnL = pnl
	p.PnLPercent = pnlPercent
	return model.EnhancedPosition{Position: p, Source: res.Source}
}

// Summarize aggregates enhanced positions into portfolio totals as a
// pure fold over signed quantities: short exposure subtracts from
// investment and holding value, so a hedged book nets toward zero.
// Closed positions contribute their final P&L but no investment or
// value.
func (e *Engine) Summarize(positions []model.EnhancedPosition) model.PortfolioSummary {
	var s model.PortfolioSummary
	for _, p := range positions {
		s.TotalPnL = s.TotalPnL.Add(p.PnL)
		if p.Quantity == 0 {
			continue
		}
		qty := decimal.NewFromInt(p.Quantity)
		ltp := p.LTP
		if ltp.IsZero() {
			ltp = p.AveragePrice
		}
		s.TotalInvestment = s.TotalInvestment.Add(p.AveragePrice.Mul(qty))
		s.TotalHoldingValue = s.TotalHoldingValue.Add(ltp.Mul(qty))
	}
	if !s.TotalInvestment.IsZero() {
		s.TotalPnLPercent = s.TotalPnL.Div(s.TotalInvestment).Mul(hundred)
	}
	return s
}
