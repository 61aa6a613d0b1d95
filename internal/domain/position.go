package domain

import (
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// Position is an open exposure derived from the trade log. It is never
// persisted as a source of truth: the open record it came from is.
// Partial closes are not modeled, so Amount is fixed for the lifetime.
type Position struct {
	ID         string
	Side       Side
	Amount     decimal.Decimal
	EntryPrice decimal.Decimal
	// EntryNotional is the quote notional reserved at open. NewPosition
	// seeds it as Amount*EntryPrice; callers holding the open record
	// overwrite it with the recorded usd_value, which keeps its own
	// rounding and is what settlement and replay reconcile against.
	EntryNotional decimal.Decimal
	OpenedAt      time.Time
}

// NewPosition constructs a position created by an accepted open record.
func NewPosition(id string, side Side, amount, entryPrice decimal.Decimal, openedAt time.Time) (*Position, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, errors.New("position amount must be greater than zero")
	}
	if entryPrice.LessThanOrEqual(decimal.Zero) {
		return nil, errors.New("entry price must be greater than zero")
	}

	return &Position{
		ID:            id,
		Side:          side,
		Amount:        amount,
		EntryPrice:    entryPrice,
		EntryNotional: amount.Mul(entryPrice),
		OpenedAt:      openedAt,
	}, nil
}

// PnL calculates unrealized profit and loss at the given market price.
func (p *Position) PnL(currentPrice decimal.Decimal) decimal.Decimal {
	if p == nil {
		return decimal.Zero
	}

	// for long positions: PnL = (currentPrice - entryPrice) * amount
	// for short positions: PnL = (entryPrice - currentPrice) * amount
	if p.Side == SideShort {
		return p.EntryPrice.Sub(currentPrice).Mul(p.Amount)
	}
	return currentPrice.Sub(p.EntryPrice).Mul(p.Amount)
}
