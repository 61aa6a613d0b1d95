// Package reconciler rebuilds derived ledger state from the authoritative
// trade log: at process start, on a schedule, and on operator request.
package reconciler

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/vadiminshakov/tradesim/internal/domain"
	"github.com/vadiminshakov/tradesim/internal/services/positions"
	"github.com/vadiminshakov/tradesim/pkg/retrier"
)

// Rebuilder is the executor surface the reconciler drives. Rebuild acquires
// the same serialization lock trade execution uses, so reconciliation is
// always safe to run concurrently with trading.
type Rebuilder interface {
	Rebuild(ctx context.Context, fallback positions.PriceSource) error
}

// Service schedules ledger rebuilds.
type Service struct {
	target   Rebuilder
	fallback positions.PriceSource
	interval time.Duration
	retrier  *retrier.Retrier
	logger   *zap.Logger
}

// New creates a reconciliation service. A non-positive interval disables
// the periodic loop; RebuildNow still works.
func New(target Rebuilder, fallback positions.PriceSource, interval time.Duration, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Service{
		target:   target,
		fallback: fallback,
		interval: interval,
		retrier: retrier.New(
			retrier.WithInitialInterval(500*time.Millisecond),
			retrier.WithMaxRetries(3),
		),
		logger: logger,
	}
}

// RebuildNow runs one rebuild, retrying persistence failures with backoff.
// Business-level outcomes of a rebuild are never errors; only the store
// refusing to serve the log is.
func (s *Service) RebuildNow(ctx context.Context) error {
	err := s.retrier.Do(ctx, func(ctx context.Context) error {
		return s.target.Rebuild(ctx, s.fallback)
	})
	if err != nil {
		return errors.Wrap(err, "rebuild ledger state")
	}
	return nil
}

// Run performs an initial rebuild and then keeps reconciling on the
// configured interval until the context is done.
func (s *Service) Run(ctx context.Context) error {
	if err := s.RebuildNow(ctx); err != nil {
		return err
	}

	if s.interval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.RebuildNow(ctx); err != nil {
				if errors.Is(err, domain.ErrPersistenceFailure) {
					s.logger.Error("periodic reconciliation failed", zap.Error(err))
					continue
				}
				return err
			}
		}
	}
}
