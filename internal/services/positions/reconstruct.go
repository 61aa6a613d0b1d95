// Package positions derives open positions and P&L from the trade log.
// Everything here is a pure replay over records: calling it twice on the
// same log yields the same result.
package positions

import (
	"context"
	"sort"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/tradesim/internal/domain"
)

// PriceSource is the oracle consulted only for the legacy fallback path,
// when an open record carries no usable price data at all.
type PriceSource interface {
	Price(ctx context.Context) decimal.Decimal
}

// Reconstruct computes the set of currently open positions from an ordered
// trade log. An open record with no matching close record materializes a
// position; maxPerSide caps each side, keeping the most recently opened
// when the log violates the limit (a consistency warning, not a failure).
func Reconstruct(ctx context.Context, trades []domain.TradeRecord, maxPerSide int, fallback PriceSource, logger *zap.Logger) []*domain.Position {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxPerSide < 1 {
		maxPerSide = 1
	}

	closed := make(map[string]struct{})
	for _, r := range trades {
		if r.Action == domain.ActionClose {
			closed[r.PositionID] = struct{}{}
		}
	}

	bySide := make(map[domain.Side][]*domain.Position)
	for i, r := range trades {
		if r.Action != domain.ActionOpen {
			continue
		}
		if _, ok := closed[r.PositionID]; ok {
			continue
		}

		entryPrice := deriveEntryPrice(ctx, trades, i, fallback)
		if !r.Amount.IsPositive() || !entryPrice.IsPositive() {
			logger.Warn("discarding unreconstructable position",
				zap.String("position_id", r.PositionID),
				zap.String("amount", r.Amount.String()),
				zap.String("entry_price", entryPrice.String()))
			continue
		}

		pos, err := domain.NewPosition(r.PositionID, r.Side, r.Amount, entryPrice, r.Timestamp)
		if err != nil {
			logger.Warn("discarding unreconstructable position",
				zap.String("position_id", r.PositionID),
				zap.Error(err))
			continue
		}
		// settle against the recorded notional, not a recomputation of it
		if r.USDValue.IsPositive() {
			pos.EntryNotional = r.USDValue
		}
		bySide[r.Side] = append(bySide[r.Side], pos)
	}

	var result []*domain.Position
	for _, side := range []domain.Side{domain.SideLong, domain.SideShort} {
		positions := bySide[side]
		if len(positions) > maxPerSide {
			// the log should never hold more opens than the limit; keep the
			// most recent ones and flag the rest
			sort.SliceStable(positions, func(i, j int) bool {
				return positions[i].OpenedAt.Before(positions[j].OpenedAt)
			})
			dropped := positions[:len(positions)-maxPerSide]
			for _, p := range dropped {
				logger.Warn("more open positions than allowed, dropping older one",
					zap.String("side", side.String()),
					zap.String("position_id", p.ID),
					zap.Time("opened_at", p.OpenedAt))
			}
			positions = positions[len(positions)-maxPerSide:]
		}
		result = append(result, positions...)
	}

	sort.SliceStable(result, func(i, j int) bool {
		if result[i].OpenedAt.Equal(result[j].OpenedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].OpenedAt.Before(result[j].OpenedAt)
	})

	return result
}

// deriveEntryPrice resolves the entry price of the open record at index i:
// the recorded price, then usd_value/amount, then the most recent known
// price earlier in the history, then the oracle.
func deriveEntryPrice(ctx context.Context, trades []domain.TradeRecord, i int, fallback PriceSource) decimal.Decimal {
	r := trades[i]
	if r.Price.IsPositive() {
		return r.Price
	}
	if r.USDValue.IsPositive() && r.Amount.IsPositive() {
		return r.USDValue.Div(r.Amount)
	}

	for j := i - 1; j >= 0; j-- {
		if trades[j].Price.IsPositive() {
			return trades[j].Price
		}
	}

	if fallback != nil {
		return fallback.Price(ctx)
	}
	return decimal.Zero
}
