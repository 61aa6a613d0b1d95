// Package tradelog persists the append-only trade record log. The log is the
// single source of truth for open positions and P&L; everything else in the
// engine is derived from it.
package tradelog

import (
	"context"
	"sort"

	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/tradesim/internal/domain"
)

// Store is the append-only trade ledger. Append performs no internal
// retries; the caller decides retry policy.
type Store interface {
	// Append durably writes the record and returns its id. The record's ID
	// is assigned at write time when empty. Store unavailability surfaces
	// as domain.ErrPersistenceFailure. Backends able to detect a repeated
	// open or close for the same position report domain.ErrDuplicateOpen
	// or domain.ErrDuplicateClose instead.
	Append(ctx context.Context, record *domain.TradeRecord) (string, error)
	// All returns every record ordered by timestamp ascending.
	All(ctx context.Context) ([]domain.TradeRecord, error)
	// OpenWithoutClose returns open records on the side that have no
	// matching close record. A non-empty positionID narrows the result.
	OpenWithoutClose(ctx context.Context, side domain.Side, positionID string) ([]domain.TradeRecord, error)
	// HasClose reports whether a close record referencing the position
	// already exists.
	HasClose(ctx context.Context, positionID string) (bool, error)
	// LastPrice returns the most recent positive execution price in the log.
	LastPrice(ctx context.Context) (decimal.Decimal, bool, error)
	Close() error
}

// sortByTimestamp orders records by timestamp ascending, preserving append
// order for equal timestamps.
func sortByTimestamp(records []domain.TradeRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Timestamp.Before(records[j].Timestamp)
	})
}

// openWithoutClose filters open records lacking a matching close from an
// ordered record slice.
func openWithoutClose(records []domain.TradeRecord, side domain.Side, positionID string) []domain.TradeRecord {
	closed := make(map[string]struct{})
	for _, r := range records {
		if r.Action == domain.ActionClose {
			closed[r.PositionID] = struct{}{}
		}
	}

	var result []domain.TradeRecord
	for _, r := range records {
		if r.Action != domain.ActionOpen || r.Side != side {
			continue
		}
		if positionID != "" && r.PositionID != positionID {
			continue
		}
		if _, ok := closed[r.PositionID]; ok {
			continue
		}
		result = append(result, r)
	}
	return result
}

// lastPrice scans an ordered record slice backwards for a positive price.
func lastPrice(records []domain.TradeRecord) (decimal.Decimal, bool) {
	for i := len(records) - 1; i >= 0; i-- {
		if records[i].Price.IsPositive() {
			return records[i].Price, true
		}
	}
	return decimal.Zero, false
}
