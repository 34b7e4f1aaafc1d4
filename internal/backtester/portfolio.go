// Package backtester implements the portfolio simulator and the
// synchronous per-bar event loop that drives it.
package backtester

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/backtest-core/pkg/types"
)

// Portfolio holds simulated cash and positions and executes signals
// against a single bar's close price, per spec.md §4.5. It is not
// safe for concurrent use: a single backtest run drives it from one
// goroutine, matching spec.md's explicit "no concurrent writers within
// one run" Non-goal.
type Portfolio struct {
	cash       decimal.Decimal
	initialCash decimal.Decimal
	positions  map[string]*types.Position
}

// NewPortfolio creates a Portfolio seeded with initialCash and no
// positions.
func NewPortfolio(initialCash decimal.Decimal) *Portfolio {
	return &Portfolio{
		cash:        initialCash,
		initialCash: initialCash,
		positions:   make(map[string]*types.Position),
	}
}

// Cash returns current uninvested cash.
func (p *Portfolio) Cash() decimal.Decimal {
	return p.cash
}

// Position returns the position for symbol, or nil if none is held.
func (p *Portfolio) Position(symbol string) *types.Position {
	return p.positions[symbol]
}

// Positions returns a snapshot copy of all open positions.
func (p *Portfolio) Positions() map[string]*types.Position {
	out := make(map[string]*types.Position, len(p.positions))
	for sym, pos := range p.positions {
		cp := *pos
		out[sym] = &cp
	}
	return out
}

// Equity returns cash plus the market value of all positions at their
// last marked price.
func (p *Portfolio) Equity() decimal.Decimal {
	equity := p.cash
	for _, pos := range p.positions {
		equity = equity.Add(pos.MarketValue())
	}
	return equity
}

// MarkToMarket updates every held position's CurrentPrice from prices,
// leaving positions for symbols absent from prices untouched.
func (p *Portfolio) MarkToMarket(prices map[string]decimal.Decimal) {
	for symbol, pos := range p.positions {
		if price, ok := prices[symbol]; ok {
			pos.CurrentPrice = price
		}
	}
}

// ExecutionConfig is the cost model the simulator applies to every fill.
type ExecutionConfig struct {
	CommissionPerShare decimal.Decimal
	SlippagePercent    decimal.Decimal
}

// Execute fills a single signal against closePrice, applying slippage and
// a flat per-share commission, per spec.md §4.5. Quantity-bearing signals
// (BUY/SELL) use QuantityOrPercent as an absolute share count; percent
// signals (BUY_PERCENT/SELL_PERCENT) resolve it against current equity or
// holding; REBALANCE_TO_WEIGHT resolves it against current equity minus
// the symbol's existing position. Orders that would drive cash negative
// or sell more than is held are rejected outright — no partial fills —
// and returned as a Fill with Rejected=true, never mutating portfolio
// state.
func (p *Portfolio) Execute(sig types.Signal, closePrice decimal.Decimal, cfg ExecutionConfig, timestamp time.Time, barIndex int) types.Fill {
	side, quantity := p.resolveSide(sig, closePrice)

	if quantity.IsZero() || quantity.IsNegative() {
		return p.reject(sig, side, timestamp, barIndex, types.RejectZeroQuantity)
	}

	fillPrice := applySlippage(closePrice, side, cfg.SlippagePercent)
	commission := cfg.CommissionPerShare.Mul(quantity)

	switch side {
	case types.OrderSideBuy:
		requiredCash := fillPrice.Mul(quantity).Add(commission)
		if requiredCash.GreaterThan(p.cash) {
			return p.reject(sig, side, timestamp, barIndex, types.RejectInsufficientCash)
		}
		p.applyBuy(sig.Symbol, quantity, fillPrice, commission, timestamp)
		return p.fill(sig, side, quantity, fillPrice, commission, timestamp, barIndex, decimal.Zero)
	case types.OrderSideSell:
		pos := p.positions[sig.Symbol]
		held := decimal.Zero
		if pos != nil {
			held = pos.Quantity
		}
		if quantity.GreaterThan(held) {
			return p.reject(sig, side, timestamp, barIndex, types.RejectInsufficientHolding)
		}
		pnl := p.applySell(sig.Symbol, quantity, fillPrice, commission)
		return p.fill(sig, side, quantity, fillPrice, commission, timestamp, barIndex, pnl)
	default:
		return p.reject(sig, side, timestamp, barIndex, types.RejectZeroQuantity)
	}
}

// resolveSide turns a signal's kind and QuantityOrPercent into a concrete
// side and absolute integer-valued share quantity, using closePrice (not
// yet slippage-adjusted) to size percent-based signals.
func (p *Portfolio) resolveSide(sig types.Signal, closePrice decimal.Decimal) (types.OrderSide, decimal.Decimal) {
	switch sig.Kind {
	case types.SignalBuy:
		return types.OrderSideBuy, sig.QuantityOrPercent.Floor()
	case types.SignalSell:
		return types.OrderSideSell, sig.QuantityOrPercent.Floor()
	case types.SignalBuyPercent:
		if closePrice.IsZero() {
			return types.OrderSideBuy, decimal.Zero
		}
		cashTarget := p.Equity().Mul(sig.QuantityOrPercent)
		return types.OrderSideBuy, cashTarget.Div(closePrice).Floor()
	case types.SignalSellPercent:
		pos := p.positions[sig.Symbol]
		if pos == nil {
			return types.OrderSideSell, decimal.Zero
		}
		return types.OrderSideSell, pos.Quantity.Mul(sig.QuantityOrPercent).Floor()
	case types.SignalRebalanceWeight:
		if closePrice.IsZero() {
			return types.OrderSideBuy, decimal.Zero
		}
		targetValue := p.Equity().Mul(sig.QuantityOrPercent)
		targetQty := targetValue.Div(closePrice).Floor()
		currentQty := decimal.Zero
		if pos := p.positions[sig.Symbol]; pos != nil {
			currentQty = pos.Quantity
		}
		delta := targetQty.Sub(currentQty)
		if delta.IsNegative() {
			return types.OrderSideSell, delta.Neg()
		}
		return types.OrderSideBuy, delta
	default:
		return types.OrderSideBuy, decimal.Zero
	}
}

// PeekSide reports which side a signal would resolve to against
// closePrice without executing it, so the event loop can order a bar's
// signal batch (sells before buys) before calling Execute.
func (p *Portfolio) PeekSide(sig types.Signal, closePrice decimal.Decimal) types.OrderSide {
	side, _ := p.resolveSide(sig, closePrice)
	return side
}

func (p *Portfolio) applyBuy(symbol string, quantity, fillPrice, commission decimal.Decimal, timestamp time.Time) {
	p.cash = p.cash.Sub(fillPrice.Mul(quantity)).Sub(commission)
	if pos, ok := p.positions[symbol]; ok {
		totalQty := pos.Quantity.Add(quantity)
		totalCost := pos.Quantity.Mul(pos.AverageEntryPrice).Add(quantity.Mul(fillPrice))
		pos.AverageEntryPrice = totalCost.Div(totalQty)
		pos.Quantity = totalQty
		pos.CurrentPrice = fillPrice
		return
	}
	p.positions[symbol] = &types.Position{
		Symbol:            symbol,
		Quantity:          quantity,
		AverageEntryPrice: fillPrice,
		CurrentPrice:      fillPrice,
		OpenedAt:          timestamp,
	}
}

// applySell reduces the position's quantity without changing its average
// entry price, per spec.md §4.5, and returns realized PnL for the trade
// ledger.
func (p *Portfolio) applySell(symbol string, quantity, fillPrice, commission decimal.Decimal) decimal.Decimal {
	pos := p.positions[symbol]
	proceeds := fillPrice.Mul(quantity)
	costBasis := quantity.Mul(pos.AverageEntryPrice)
	pnl := proceeds.Sub(costBasis).Sub(commission)

	p.cash = p.cash.Add(proceeds).Sub(commission)
	pos.Quantity = pos.Quantity.Sub(quantity)
	if pos.Quantity.LessThanOrEqual(decimal.Zero) {
		delete(p.positions, symbol)
	}
	return pnl
}

func (p *Portfolio) fill(sig types.Signal, side types.OrderSide, quantity, fillPrice, commission decimal.Decimal, timestamp time.Time, barIndex int, pnl decimal.Decimal) types.Fill {
	return types.Fill{
		OrderID:    uuid.NewString(),
		Symbol:     sig.Symbol,
		Side:       side,
		Quantity:   quantity,
		FillPrice:  fillPrice,
		Commission: commission,
		Timestamp:  timestamp,
		BarIndex:   barIndex,
		PnL:        pnl,
	}
}

func (p *Portfolio) reject(sig types.Signal, side types.OrderSide, timestamp time.Time, barIndex int, reason types.RejectReason) types.Fill {
	return types.Fill{
		OrderID:   uuid.NewString(),
		Symbol:    sig.Symbol,
		Side:      side,
		Timestamp: timestamp,
		BarIndex:  barIndex,
		Rejected:  true,
		Reason:    reason,
	}
}

// applySlippage adjusts closePrice against the trader: buys fill higher,
// sells fill lower, per spec.md §4.5.
func applySlippage(closePrice decimal.Decimal, side types.OrderSide, slippagePercent decimal.Decimal) decimal.Decimal {
	if side == types.OrderSideBuy {
		return closePrice.Mul(decimal.NewFromInt(1).Add(slippagePercent))
	}
	return closePrice.Mul(decimal.NewFromInt(1).Sub(slippagePercent))
}

// CloseAll liquidates every open position at its last marked price,
// applying no further slippage or commission — used when a run is
// cancelled mid-stream and the caller wants a final equity figure.
func (p *Portfolio) CloseAll() {
	for symbol, pos := range p.positions {
		p.cash = p.cash.Add(pos.MarketValue())
		delete(p.positions, symbol)
	}
}
