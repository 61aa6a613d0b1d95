// Command tradesim runs the simulated long/short trade ledger engine.
// The trade log is the source of truth: on start the engine rebuilds its
// in-memory state from it, then keeps reconciling on an interval while
// serving trade intents.
//
// Usage:
//
//	tradesim --config config.yaml
//	tradesim --setup   (interactive configuration wizard)
package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/vadiminshakov/tradesim/config"
	"github.com/vadiminshakov/tradesim/internal/services/executor"
	"github.com/vadiminshakov/tradesim/internal/services/pricer"
	"github.com/vadiminshakov/tradesim/internal/services/reconciler"
	"github.com/vadiminshakov/tradesim/internal/setup"
	"github.com/vadiminshakov/tradesim/internal/storage/notelog"
	"github.com/vadiminshakov/tradesim/internal/storage/statestore"
	"github.com/vadiminshakov/tradesim/internal/storage/tradelog"
)

func main() {
	cfg, runSetup, err := config.Get()
	if err != nil {
		log.Fatal(err)
	}

	if runSetup {
		if err := setupAndReload(&cfg); err != nil {
			log.Fatal(err)
		}
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil && ctx.Err() == nil {
		logger.Fatal("engine failed", zap.Error(err))
	}

	logger.Info("engine stopped")
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	tradeLog, err := openTradeLog(cfg)
	if err != nil {
		return err
	}
	defer tradeLog.Close()

	states, err := statestore.NewStore(cfg.StateDir)
	if err != nil {
		return err
	}

	notes, err := notelog.NewWALStore(cfg.NoteDir)
	if err != nil {
		return err
	}
	defer notes.Close()

	walk := pricer.NewRandomWalkPricer(cfg.StartPrice, cfg.PriceStepPct, cfg.PriceSeed)
	oracle := pricer.NewOracle(walk, cfg.StartPrice, logger)

	exec, err := executor.New(executor.Config{
		InitialCash:            cfg.InitialCash,
		Policy:                 cfg.Policy,
		MaxPositionsPerSide:    cfg.MaxPositionsPerSide,
		SmallPositionThreshold: cfg.SmallPositionThreshold,
		CoverageTolerance:      cfg.CoverageTolerance,
		AppendTimeout:          cfg.AppendTimeout,
	}, tradeLog, states, notes, logger)
	if err != nil {
		return err
	}

	recon := reconciler.New(exec, oracle, cfg.ReconcileInterval, logger)

	done := make(chan error, 1)
	go func() {
		done <- recon.Run(ctx)
	}()

	// status loop: read derived totals at the oracle price without
	// blocking trade execution
	ticker := time.NewTicker(cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return <-done
		case err := <-done:
			return err
		case <-ticker.C:
			price := oracle.Price(ctx)
			snapshot := exec.Snapshot()
			logger.Info("ledger status",
				zap.String("price", price.String()),
				zap.String("cash", snapshot.CashBalance.String()),
				zap.String("holdings", snapshot.BaseHoldings.String()),
				zap.String("realized_pnl", snapshot.RealizedPnL.String()),
				zap.String("total_value", exec.TotalValue(price).String()),
				zap.Int("open_positions", len(snapshot.OpenPositionIDs)))
		}
	}
}

func openTradeLog(cfg config.Config) (tradelog.Store, error) {
	if cfg.LedgerBackend == config.BackendSQLite {
		return tradelog.NewSQLiteStore(cfg.SQLitePath)
	}
	return tradelog.NewWALStore(cfg.TradeLogDir)
}

func setupAndReload(cfg *config.Config) error {
	if err := setup.RunTUI(); err != nil {
		return err
	}

	loaded, err := config.FromYAML("config.gen.yaml")
	if err != nil {
		return err
	}
	*cfg = loaded
	return nil
}
