// Package pricer supplies market prices to the ledger engine. The engine
// consumes prices through the Oracle, which never fails: when the underlying
// source errors it serves the last known value.
package pricer

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Pricer defines an interface for getting the current market price.
type Pricer interface {
	GetPrice(ctx context.Context) (decimal.Decimal, error)
}

// Oracle wraps a Pricer and caches the last good value so that readers
// always get a usable price.
type Oracle struct {
	mu     sync.RWMutex
	inner  Pricer
	last   decimal.Decimal
	logger *zap.Logger
}

// NewOracle creates an oracle seeded with a starting price. The seed is
// served until the inner pricer produces its first positive value.
func NewOracle(inner Pricer, seed decimal.Decimal, logger *zap.Logger) *Oracle {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Oracle{inner: inner, last: seed, logger: logger}
}

// Price returns the best-known price. It never fails: oracle errors and
// non-positive readings fall back to the last known value.
func (o *Oracle) Price(ctx context.Context) decimal.Decimal {
	price, err := o.inner.GetPrice(ctx)
	if err != nil || !price.IsPositive() {
		o.mu.RLock()
		last := o.last
		o.mu.RUnlock()

		if err != nil {
			o.logger.Warn("price source failed, serving last known price",
				zap.Error(err),
				zap.String("price", last.String()))
		}
		return last
	}

	o.mu.Lock()
	o.last = price
	o.mu.Unlock()

	return price
}

// LastKnown returns the cached price without consulting the source.
func (o *Oracle) LastKnown() decimal.Decimal {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.last
}
