package executor

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vadiminshakov/tradesim/internal/domain"
	"github.com/vadiminshakov/tradesim/internal/services/positions"
)

// memLog is an in-memory tradelog.Store for executor tests.
type memLog struct {
	mu         sync.Mutex
	records    []domain.TradeRecord
	seq        int
	failAppend error
}

func (m *memLog) Append(_ context.Context, record *domain.TradeRecord) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failAppend != nil {
		return "", m.failAppend
	}

	m.seq++
	if record.ID == "" {
		record.ID = fmt.Sprintf("t%04d", m.seq)
	}
	m.records = append(m.records, *record)
	return record.ID, nil
}

func (m *memLog) All(_ context.Context) ([]domain.TradeRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]domain.TradeRecord, len(m.records))
	copy(out, m.records)
	return out, nil
}

func (m *memLog) OpenWithoutClose(_ context.Context, side domain.Side, positionID string) ([]domain.TradeRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	closed := make(map[string]struct{})
	for _, r := range m.records {
		if r.Action == domain.ActionClose {
			closed[r.PositionID] = struct{}{}
		}
	}

	var result []domain.TradeRecord
	for _, r := range m.records {
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
	return result, nil
}

func (m *memLog) HasClose(_ context.Context, positionID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range m.records {
		if r.Action == domain.ActionClose && r.PositionID == positionID {
			return true, nil
		}
	}
	return false, nil
}

func (m *memLog) LastPrice(_ context.Context) (decimal.Decimal, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := len(m.records) - 1; i >= 0; i-- {
		if m.records[i].Price.IsPositive() {
			return m.records[i].Price, true, nil
		}
	}
	return decimal.Zero, false, nil
}

func (m *memLog) Close() error { return nil }

func newTestExecutor(t *testing.T, cfg Config) (*Executor, *memLog) {
	t.Helper()

	log := &memLog{}
	exec, err := New(cfg, log, nil, nil, zap.NewNop())
	require.NoError(t, err)
	return exec, log
}

func defaultConfig() Config {
	return Config{
		InitialCash:         decimal.NewFromInt(10000),
		Policy:              domain.PolicyStrict,
		MaxPositionsPerSide: 1,
	}
}

func openIntent(side domain.Side, amount, price float64) domain.TradeIntent {
	return domain.TradeIntent{
		Side:   side,
		Action: domain.ActionOpen,
		Amount: decimal.NewFromFloat(amount),
		Price:  decimal.NewFromFloat(price),
	}
}

func closeIntent(side domain.Side, positionID string, amount, price float64) domain.TradeIntent {
	return domain.TradeIntent{
		Side:       side,
		Action:     domain.ActionClose,
		Amount:     decimal.NewFromFloat(amount),
		Price:      decimal.NewFromFloat(price),
		PositionID: positionID,
	}
}

func TestExecutor_OpenLong(t *testing.T) {
	exec, _ := newTestExecutor(t, defaultConfig())

	record, err := exec.ExecuteTrade(context.Background(), openIntent(domain.SideLong, 0.1, 50000))
	require.NoError(t, err)

	assert.NotEmpty(t, record.ID)
	assert.NotEmpty(t, record.PositionID)
	assert.True(t, record.BalanceAfter.Equal(decimal.NewFromInt(5000)))
	assert.True(t, record.HoldingsAfter.Equal(decimal.NewFromFloat(0.1)))
	// settlement fields belong to close records only
	assert.True(t, record.EntryPrice.IsZero())
	assert.True(t, record.GainLoss.IsZero())

	assert.True(t, exec.CashBalance().Equal(decimal.NewFromInt(5000)))
	assert.True(t, exec.BaseHoldings().Equal(decimal.NewFromFloat(0.1)))

	open := exec.OpenPositions()
	require.Len(t, open, 1)
	assert.Equal(t, domain.SideLong, open[0].Side)
	assert.True(t, open[0].EntryPrice.Equal(decimal.NewFromInt(50000)))
}

func TestExecutor_CloseLongRealizesGain(t *testing.T) {
	exec, _ := newTestExecutor(t, defaultConfig())
	ctx := context.Background()

	opened, err := exec.ExecuteTrade(ctx, openIntent(domain.SideLong, 0.1, 50000))
	require.NoError(t, err)

	closed, err := exec.ExecuteTrade(ctx, closeIntent(domain.SideLong, opened.PositionID, 0.1, 55000))
	require.NoError(t, err)

	assert.True(t, closed.GainLoss.Equal(decimal.NewFromInt(500)), "got %s", closed.GainLoss)
	assert.True(t, closed.ROI.Equal(decimal.NewFromInt(10)), "got %s", closed.ROI)
	assert.True(t, closed.EntryPrice.Equal(decimal.NewFromInt(50000)))
	assert.True(t, closed.ExitPrice.Equal(decimal.NewFromInt(55000)))

	assert.True(t, exec.CashBalance().Equal(decimal.NewFromInt(10500)))
	assert.True(t, exec.BaseHoldings().IsZero())
	assert.True(t, exec.RealizedPnL().Equal(decimal.NewFromInt(500)))
	assert.Empty(t, exec.OpenPositions())
}

func TestExecutor_ShortCycle(t *testing.T) {
	exec, _ := newTestExecutor(t, defaultConfig())
	ctx := context.Background()

	opened, err := exec.ExecuteTrade(ctx, openIntent(domain.SideShort, 0.1, 50000))
	require.NoError(t, err)

	// short exposure reserves cash but never touches base holdings
	assert.True(t, exec.CashBalance().Equal(decimal.NewFromInt(5000)))
	assert.True(t, exec.BaseHoldings().IsZero())

	closed, err := exec.ExecuteTrade(ctx, closeIntent(domain.SideShort, opened.PositionID, 0.1, 45000))
	require.NoError(t, err)

	assert.True(t, closed.GainLoss.Equal(decimal.NewFromInt(500)))
	// reservation came back plus the realized gain
	assert.True(t, exec.CashBalance().Equal(decimal.NewFromInt(10500)), "got %s", exec.CashBalance())
	assert.True(t, exec.BaseHoldings().IsZero())
	assert.Empty(t, exec.OpenPositions())
}

func TestExecutor_PositionLimitPerSide(t *testing.T) {
	exec, _ := newTestExecutor(t, defaultConfig())
	ctx := context.Background()

	_, err := exec.ExecuteTrade(ctx, openIntent(domain.SideLong, 0.05, 50000))
	require.NoError(t, err)

	cashBefore := exec.CashBalance()
	_, err = exec.ExecuteTrade(ctx, openIntent(domain.SideLong, 0.05, 50000))
	assert.ErrorIs(t, err, domain.ErrPositionLimitExceeded)
	assert.True(t, exec.CashBalance().Equal(cashBefore), "rejected trade must not move cash")
	assert.Len(t, exec.OpenPositions(), 1)

	// the limit is per side: a short still fits
	_, err = exec.ExecuteTrade(ctx, openIntent(domain.SideShort, 0.05, 50000))
	require.NoError(t, err)
	assert.Len(t, exec.OpenPositions(), 2)
}

func TestExecutor_DuplicateClose(t *testing.T) {
	exec, _ := newTestExecutor(t, defaultConfig())
	ctx := context.Background()

	opened, err := exec.ExecuteTrade(ctx, openIntent(domain.SideLong, 0.1, 50000))
	require.NoError(t, err)

	_, err = exec.ExecuteTrade(ctx, closeIntent(domain.SideLong, opened.PositionID, 0.1, 55000))
	require.NoError(t, err)

	cashBefore := exec.CashBalance()
	_, err = exec.ExecuteTrade(ctx, closeIntent(domain.SideLong, opened.PositionID, 0.1, 55000))
	assert.ErrorIs(t, err, domain.ErrDuplicateClose)
	assert.True(t, exec.CashBalance().Equal(cashBefore))
}

func TestExecutor_ConcurrentCloseSettlesOnce(t *testing.T) {
	exec, _ := newTestExecutor(t, defaultConfig())
	ctx := context.Background()

	opened, err := exec.ExecuteTrade(ctx, openIntent(domain.SideLong, 0.1, 50000))
	require.NoError(t, err)

	results := make(chan error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := exec.ExecuteTrade(ctx, closeIntent(domain.SideLong, opened.PositionID, 0.1, 55000))
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var ok, dup int
	for err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, domain.ErrDuplicateClose):
			dup++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok, "exactly one close settles")
	assert.Equal(t, 1, dup)
	assert.True(t, exec.CashBalance().Equal(decimal.NewFromInt(10500)))
}

func TestExecutor_InsufficientFunds(t *testing.T) {
	t.Run("strict rejects", func(t *testing.T) {
		exec, log := newTestExecutor(t, defaultConfig())

		_, err := exec.ExecuteTrade(context.Background(), openIntent(domain.SideLong, 0.3, 50000))
		assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
		assert.True(t, exec.CashBalance().Equal(decimal.NewFromInt(10000)))
		assert.Empty(t, log.records, "rejected trade must not reach the log")
	})

	t.Run("relaxed allows negative cash", func(t *testing.T) {
		cfg := defaultConfig()
		cfg.Policy = domain.PolicyRelaxed
		exec, _ := newTestExecutor(t, cfg)

		_, err := exec.ExecuteTrade(context.Background(), openIntent(domain.SideLong, 0.3, 50000))
		require.NoError(t, err)
		assert.True(t, exec.CashBalance().Equal(decimal.NewFromInt(-5000)))
	})
}

func TestExecutor_PriceFallback(t *testing.T) {
	exec, _ := newTestExecutor(t, defaultConfig())
	ctx := context.Background()

	// empty log: nothing to substitute
	intent := domain.TradeIntent{Side: domain.SideLong, Action: domain.ActionOpen, Amount: decimal.NewFromFloat(0.1)}
	_, err := exec.ExecuteTrade(ctx, intent)
	assert.ErrorIs(t, err, domain.ErrInvalidPrice)

	opened, err := exec.ExecuteTrade(ctx, openIntent(domain.SideLong, 0.1, 50000))
	require.NoError(t, err)

	// priceless close settles at the last execution price
	record, err := exec.ExecuteTrade(ctx, domain.TradeIntent{
		Side:       domain.SideLong,
		Action:     domain.ActionClose,
		Amount:     decimal.NewFromFloat(0.1),
		PositionID: opened.PositionID,
	})
	require.NoError(t, err)
	assert.True(t, record.Price.Equal(decimal.NewFromInt(50000)))
	assert.True(t, record.GainLoss.IsZero())
}

func TestExecutor_AppendFailureLeavesStateUntouched(t *testing.T) {
	exec, log := newTestExecutor(t, defaultConfig())
	ctx := context.Background()

	log.failAppend = errors.Wrap(domain.ErrPersistenceFailure, "disk gone")

	_, err := exec.ExecuteTrade(ctx, openIntent(domain.SideLong, 0.1, 50000))
	assert.ErrorIs(t, err, domain.ErrPersistenceFailure)
	assert.True(t, exec.CashBalance().Equal(decimal.NewFromInt(10000)))
	assert.True(t, exec.BaseHoldings().IsZero())
	assert.Empty(t, exec.OpenPositions())

	// store recovered: the same intent goes through
	log.failAppend = nil
	_, err = exec.ExecuteTrade(ctx, openIntent(domain.SideLong, 0.1, 50000))
	require.NoError(t, err)
	assert.True(t, exec.CashBalance().Equal(decimal.NewFromInt(5000)))
}

func TestExecutor_AutoClosesSmallStuckPosition(t *testing.T) {
	cfg := defaultConfig()
	cfg.SmallPositionThreshold = decimal.NewFromInt(100)
	exec, log := newTestExecutor(t, cfg)
	ctx := context.Background()

	tiny, err := exec.ExecuteTrade(ctx, openIntent(domain.SideLong, 0.001, 50000))
	require.NoError(t, err)

	// the dust position yields its slot instead of blocking the open
	_, err = exec.ExecuteTrade(ctx, openIntent(domain.SideLong, 0.1, 50000))
	require.NoError(t, err)

	closed, err := log.HasClose(ctx, tiny.PositionID)
	require.NoError(t, err)
	assert.True(t, closed, "small position should be auto-closed")

	open := exec.OpenPositions()
	require.Len(t, open, 1)
	assert.True(t, open[0].Amount.Equal(decimal.NewFromFloat(0.1)))
	assert.True(t, exec.CashBalance().Equal(decimal.NewFromInt(5000)), "got %s", exec.CashBalance())
}

func TestExecutor_SettlesAgainstRecordedNotional(t *testing.T) {
	// a caller-supplied usd_value keeps its own rounding; settlement must
	// use it, not amount*price, or live cash drifts from the log replay
	exec, log := newTestExecutor(t, defaultConfig())
	ctx := context.Background()

	opened, err := exec.ExecuteTrade(ctx, domain.TradeIntent{
		Side:     domain.SideShort,
		Action:   domain.ActionOpen,
		Amount:   decimal.NewFromFloat(0.1),
		Price:    decimal.NewFromInt(50000),
		USDValue: decimal.NewFromInt(5001),
	})
	require.NoError(t, err)
	assert.True(t, exec.CashBalance().Equal(decimal.NewFromInt(4999)))

	closed, err := exec.ExecuteTrade(ctx, closeIntent(domain.SideShort, opened.PositionID, 0.1, 45000))
	require.NoError(t, err)

	// gain = 5001 - 4500, cash = 4999 + 5001 + 501
	assert.True(t, closed.GainLoss.Equal(decimal.NewFromInt(501)), "got %s", closed.GainLoss)
	assert.True(t, exec.CashBalance().Equal(decimal.NewFromInt(10501)), "got %s", exec.CashBalance())
	assert.True(t, exec.RealizedPnL().Equal(decimal.NewFromInt(501)))

	trades, err := log.All(ctx)
	require.NoError(t, err)
	cash, _ := positions.ReplayCash(trades, decimal.NewFromInt(10000))
	assert.True(t, exec.CashBalance().Equal(cash),
		"executor cash %s, replayed %s", exec.CashBalance(), cash)
	assert.True(t, exec.RealizedPnL().Equal(positions.RealizedPnL(trades)))
}

func TestExecutor_RejectsReusedPositionID(t *testing.T) {
	exec, _ := newTestExecutor(t, defaultConfig())
	ctx := context.Background()

	intent := openIntent(domain.SideLong, 0.05, 50000)
	intent.PositionID = "fixed-id"
	_, err := exec.ExecuteTrade(ctx, intent)
	require.NoError(t, err)

	// same id while still open
	again := openIntent(domain.SideShort, 0.05, 50000)
	again.PositionID = "fixed-id"
	_, err = exec.ExecuteTrade(ctx, again)
	assert.ErrorIs(t, err, domain.ErrDuplicateOpen)

	// same id after the position settled
	_, err = exec.ExecuteTrade(ctx, closeIntent(domain.SideLong, "fixed-id", 0.05, 51000))
	require.NoError(t, err)
	_, err = exec.ExecuteTrade(ctx, again)
	assert.ErrorIs(t, err, domain.ErrDuplicateOpen)
}

func TestExecutor_WaitClosed(t *testing.T) {
	exec, _ := newTestExecutor(t, defaultConfig())
	ctx := context.Background()

	// unknown position: returns immediately
	require.NoError(t, exec.WaitClosed(ctx, "nope"))

	opened, err := exec.ExecuteTrade(ctx, openIntent(domain.SideLong, 0.1, 50000))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		done <- exec.WaitClosed(ctx, opened.PositionID)
	}()

	_, err = exec.ExecuteTrade(ctx, closeIntent(domain.SideLong, opened.PositionID, 0.1, 55000))
	require.NoError(t, err)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not woken by the close")
	}
}

func TestExecutor_WaitClosedCanceledWaiterReleasesEntry(t *testing.T) {
	exec, _ := newTestExecutor(t, defaultConfig())
	ctx := context.Background()

	opened, err := exec.ExecuteTrade(ctx, openIntent(domain.SideLong, 0.1, 50000))
	require.NoError(t, err)

	waitCtx, cancel := context.WithCancel(ctx)
	abandoned := make(chan error, 1)
	go func() {
		abandoned <- exec.WaitClosed(waitCtx, opened.PositionID)
	}()

	// let the waiter register before canceling
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-abandoned:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("canceled waiter did not return")
	}

	exec.mu.Lock()
	remaining := len(exec.waiters)
	exec.mu.Unlock()
	assert.Zero(t, remaining, "abandoned wait must not leave a registration behind")

	// a live waiter on the same position still gets the close signal
	done := make(chan error, 1)
	go func() {
		done <- exec.WaitClosed(ctx, opened.PositionID)
	}()

	time.Sleep(20 * time.Millisecond)
	_, err = exec.ExecuteTrade(ctx, closeIntent(domain.SideLong, opened.PositionID, 0.1, 55000))
	require.NoError(t, err)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not woken by the close")
	}
}

func TestExecutor_CashMatchesLogReplay(t *testing.T) {
	cfg := defaultConfig()
	cfg.MaxPositionsPerSide = 2
	exec, log := newTestExecutor(t, cfg)
	ctx := context.Background()

	long, err := exec.ExecuteTrade(ctx, openIntent(domain.SideLong, 0.05, 50000))
	require.NoError(t, err)
	short, err := exec.ExecuteTrade(ctx, openIntent(domain.SideShort, 0.05, 51000))
	require.NoError(t, err)
	_, err = exec.ExecuteTrade(ctx, closeIntent(domain.SideLong, long.PositionID, 0.05, 52000))
	require.NoError(t, err)
	_, err = exec.ExecuteTrade(ctx, closeIntent(domain.SideShort, short.PositionID, 0.05, 49000))
	require.NoError(t, err)
	_, err = exec.ExecuteTrade(ctx, openIntent(domain.SideLong, 0.02, 49500))
	require.NoError(t, err)

	trades, err := log.All(ctx)
	require.NoError(t, err)

	cash, holdings := positions.ReplayCash(trades, cfg.InitialCash)
	assert.True(t, exec.CashBalance().Equal(cash),
		"executor cash %s, replayed %s", exec.CashBalance(), cash)
	assert.True(t, exec.BaseHoldings().Equal(holdings))
	assert.True(t, exec.RealizedPnL().Equal(positions.RealizedPnL(trades)))
}

func TestExecutor_RebuildFromLog(t *testing.T) {
	cfg := defaultConfig()
	cfg.MaxPositionsPerSide = 2
	exec, log := newTestExecutor(t, cfg)
	ctx := context.Background()

	long, err := exec.ExecuteTrade(ctx, openIntent(domain.SideLong, 0.1, 50000))
	require.NoError(t, err)
	_, err = exec.ExecuteTrade(ctx, closeIntent(domain.SideLong, long.PositionID, 0.1, 55000))
	require.NoError(t, err)
	short, err := exec.ExecuteTrade(ctx, openIntent(domain.SideShort, 0.1, 54000))
	require.NoError(t, err)

	// fresh executor over the same log reconstructs the same state
	rebuilt, err := New(cfg, log, nil, nil, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, rebuilt.Rebuild(ctx, nil))

	assert.True(t, rebuilt.CashBalance().Equal(exec.CashBalance()),
		"rebuilt cash %s, live %s", rebuilt.CashBalance(), exec.CashBalance())
	assert.True(t, rebuilt.BaseHoldings().Equal(exec.BaseHoldings()))
	assert.True(t, rebuilt.RealizedPnL().Equal(exec.RealizedPnL()))

	open := rebuilt.OpenPositions()
	require.Len(t, open, 1)
	assert.Equal(t, short.PositionID, open[0].ID)
	assert.True(t, open[0].EntryPrice.Equal(decimal.NewFromInt(54000)))

	// rebuilding again changes nothing
	cash := rebuilt.CashBalance()
	require.NoError(t, rebuilt.Rebuild(ctx, nil))
	assert.True(t, rebuilt.CashBalance().Equal(cash))
	assert.Len(t, rebuilt.OpenPositions(), 1)
}
