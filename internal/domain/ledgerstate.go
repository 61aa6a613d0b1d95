package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// LedgerState is the denormalized snapshot of cash, holdings and totals kept
// alongside the trade log for fast reads. The log is always authoritative
// over this snapshot; reconciliation repairs any disagreement.
type LedgerState struct {
	// CashBalance is quote-currency cash, net of reserved open notional.
	CashBalance decimal.Decimal
	// BaseHoldings is spot base-asset units held from long exposure only.
	// Short exposure never changes base holdings.
	BaseHoldings decimal.Decimal
	// RealizedPnL accumulates gain/loss from fully closed positions.
	RealizedPnL decimal.Decimal
	// OpenPositionIDs mirrors the open set at snapshot time, used by the
	// reconciler to detect snapshot/replay disagreement.
	OpenPositionIDs []string
	UpdatedAt       time.Time
}

// AccountingPolicy names the funds-check discipline of the executor.
type AccountingPolicy string

const (
	// PolicyStrict rejects trades that would drive cash negative.
	PolicyStrict AccountingPolicy = "strict"
	// PolicyRelaxed permits negative cash for simulation-only runs.
	PolicyRelaxed AccountingPolicy = "relaxed"
)

// AllowNegativeCash reports whether the policy tolerates negative cash.
func (p AccountingPolicy) AllowNegativeCash() bool {
	return p == PolicyRelaxed
}

// Valid reports whether the policy is one of the known values.
func (p AccountingPolicy) Valid() bool {
	return p == PolicyStrict || p == PolicyRelaxed
}
