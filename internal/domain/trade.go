package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// TradeRecord is one half of a position lifecycle written to the trade log.
// Records are immutable once appended; the log, not any in-memory cache, is
// the source of truth for open positions and P&L.
type TradeRecord struct {
	// ID uniquely identifies the record, assigned at write time.
	ID string `json:"id"`
	// PositionID correlates an open record with its eventual close record.
	PositionID string `json:"position_id"`
	Action     Action `json:"action"`
	Side       Side   `json:"side"`
	// Amount is the base-asset quantity.
	Amount decimal.Decimal `json:"amount"`
	// Price is the execution price.
	Price decimal.Decimal `json:"price"`
	// USDValue is the quote notional at execution, stored independently to
	// preserve historical rounding.
	USDValue decimal.Decimal `json:"usd_value"`
	// Fee is the transaction cost in quote currency.
	Fee decimal.Decimal `json:"fee"`
	// BalanceAfter and HoldingsAfter snapshot cash and base holdings
	// immediately after the record was applied.
	BalanceAfter  decimal.Decimal `json:"balance_after"`
	HoldingsAfter decimal.Decimal `json:"holdings_after"`
	// EntryPrice, ExitPrice, GainLoss and ROI are populated on close records.
	EntryPrice decimal.Decimal `json:"entry_price"`
	ExitPrice  decimal.Decimal `json:"exit_price"`
	GainLoss   decimal.Decimal `json:"gain_loss"`
	ROI        decimal.Decimal `json:"roi"`
	Timestamp  time.Time       `json:"ts"`
}

// TradeIntent is a caller-supplied request to open or close a position.
type TradeIntent struct {
	Side   Side
	Action Action
	Amount decimal.Decimal
	Price  decimal.Decimal
	// USDValue may be left zero, in which case it is derived as Amount*Price.
	USDValue decimal.Decimal
	Fee      decimal.Decimal
	// PositionID is optional on open (a fresh one is assigned) and narrows
	// the lookup on close.
	PositionID string
}

// Normalize validates structural fields and fills the derived notional.
// Price validation is left to the executor, which can substitute the last
// known ledger price for a broken oracle reading.
func (i *TradeIntent) Normalize() error {
	if !i.Side.Valid() || !i.Action.Valid() {
		return ErrInvalidAmount
	}
	if i.Amount.LessThanOrEqual(decimal.Zero) {
		return ErrInvalidAmount
	}
	if i.Fee.IsNegative() {
		return ErrInvalidAmount
	}
	if i.USDValue.LessThanOrEqual(decimal.Zero) && i.Price.IsPositive() {
		i.USDValue = i.Amount.Mul(i.Price)
	}
	return nil
}
