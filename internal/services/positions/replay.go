package positions

import (
	"github.com/shopspring/decimal"

	"github.com/vadiminshakov/tradesim/internal/domain"
)

// ReplayCash derives cash and base holdings by applying the signed cash
// delta of every record in order, starting from initialCash. This is the
// slow, authoritative path; the persisted snapshot is the fast one, and the
// reconciler uses this function to verify and repair it.
//
// Deltas per record:
//
//	open (either side): cash -= usd_value + fee; long also holdings += amount
//	close long:         cash += usd_value - fee; holdings -= amount
//	close short:        cash += reservation + pnl - fee, where the
//	                    reservation is open.usd_value and pnl is
//	                    open.usd_value - usd_value
func ReplayCash(trades []domain.TradeRecord, initialCash decimal.Decimal) (cash, holdings decimal.Decimal) {
	opens := make(map[string]domain.TradeRecord)
	for _, r := range trades {
		if r.Action == domain.ActionOpen {
			opens[r.PositionID] = r
		}
	}

	cash = initialCash
	holdings = decimal.Zero

	for _, r := range trades {
		switch r.Action {
		case domain.ActionOpen:
			cash = cash.Sub(r.USDValue).Sub(r.Fee)
			if r.Side == domain.SideLong {
				holdings = holdings.Add(r.Amount)
			}
		case domain.ActionClose:
			if r.Side == domain.SideLong {
				cash = cash.Add(r.USDValue).Sub(r.Fee)
				holdings = holdings.Sub(r.Amount)
				continue
			}
			open, ok := opens[r.PositionID]
			if !ok {
				// orphan close, nothing was reserved for it
				continue
			}
			pnl := open.USDValue.Sub(r.USDValue)
			cash = cash.Add(open.USDValue).Add(pnl).Sub(r.Fee)
		}
	}

	return cash, holdings
}
