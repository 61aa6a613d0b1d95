package positions

import (
	"github.com/shopspring/decimal"

	"github.com/vadiminshakov/tradesim/internal/domain"
)

// RealizedPnL sums gain/loss over every position that has both an open and
// a close record. Positions missing either half contribute zero.
//
//	long:  close.usd_value - open.usd_value
//	short: open.usd_value - close.usd_value
func RealizedPnL(trades []domain.TradeRecord) decimal.Decimal {
	opens := make(map[string]domain.TradeRecord)
	for _, r := range trades {
		if r.Action == domain.ActionOpen {
			opens[r.PositionID] = r
		}
	}

	total := decimal.Zero
	for _, r := range trades {
		if r.Action != domain.ActionClose {
			continue
		}
		open, ok := opens[r.PositionID]
		if !ok {
			continue
		}

		if open.Side == domain.SideShort {
			total = total.Add(open.USDValue.Sub(r.USDValue))
		} else {
			total = total.Add(r.USDValue.Sub(open.USDValue))
		}
	}

	return total
}

// UnrealizedPnL marks every open position to the given price.
func UnrealizedPnL(positions []*domain.Position, currentPrice decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, p := range positions {
		total = total.Add(p.PnL(currentPrice))
	}
	return total
}

// TotalValue is cash plus unrealized P&L. Cash already carries all realized
// effects and the notional reserved by opens, so realized P&L must not be
// added again here.
func TotalValue(cash decimal.Decimal, positions []*domain.Position, currentPrice decimal.Decimal) decimal.Decimal {
	return cash.Add(UnrealizedPnL(positions, currentPrice))
}
