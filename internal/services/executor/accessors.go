package executor

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/vadiminshakov/tradesim/internal/domain"
	"github.com/vadiminshakov/tradesim/internal/services/positions"
)

// OpenPositions returns a copy of the currently open positions.
func (e *Executor) OpenPositions() []*domain.Position {
	e.mu.Lock()
	defer e.mu.Unlock()

	result := make([]*domain.Position, 0, len(e.open))
	for _, pos := range e.open {
		clone := *pos
		result = append(result, &clone)
	}
	return result
}

// CashBalance returns the current cash balance.
func (e *Executor) CashBalance() decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cash
}

// BaseHoldings returns the current spot base-asset holdings.
func (e *Executor) BaseHoldings() decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.holdings
}

// RealizedPnL returns accumulated gain/loss from closed positions.
func (e *Executor) RealizedPnL() decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.realized
}

// UnrealizedPnL marks the open positions to the given price.
func (e *Executor) UnrealizedPnL(price decimal.Decimal) decimal.Decimal {
	return positions.UnrealizedPnL(e.OpenPositions(), price)
}

// TotalValue is cash plus unrealized P&L at the given price.
func (e *Executor) TotalValue(price decimal.Decimal) decimal.Decimal {
	e.mu.Lock()
	cash := e.cash
	open := make([]*domain.Position, 0, len(e.open))
	for _, pos := range e.open {
		clone := *pos
		open = append(open, &clone)
	}
	e.mu.Unlock()

	return positions.TotalValue(cash, open, price)
}

// Snapshot returns a copy of the denormalized ledger state. Dashboard-style
// readers use this instead of taking the trade path's lock for long.
func (e *Executor) Snapshot() domain.LedgerState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

// WaitClosed blocks until the position leaves the open set or the context
// is done. Returns immediately when the position is not open. A canceled
// waiter releases its registration so abandoned waits on a long-lived
// position do not accumulate.
func (e *Executor) WaitClosed(ctx context.Context, positionID string) error {
	e.mu.Lock()
	if _, ok := e.open[positionID]; !ok {
		e.mu.Unlock()
		return nil
	}
	w, ok := e.waiters[positionID]
	if !ok {
		w = &closeWaiter{ch: make(chan struct{})}
		e.waiters[positionID] = w
	}
	w.refs++
	e.mu.Unlock()

	select {
	case <-w.ch:
		return nil
	case <-ctx.Done():
		e.mu.Lock()
		w.refs--
		if w.refs == 0 && e.waiters[positionID] == w {
			delete(e.waiters, positionID)
		}
		e.mu.Unlock()
		return ctx.Err()
	}
}

// signalClosed wakes waiters of a position that just left the open set.
// Called with the lock held.
func (e *Executor) signalClosed(positionID string) {
	if w, ok := e.waiters[positionID]; ok {
		close(w.ch)
		delete(e.waiters, positionID)
	}
}
