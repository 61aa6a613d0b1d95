// Package executor applies trade intents to the ledger. Every mutation of
// cash, holdings and the open set happens under one serialization lock,
// and only after the trade record was durably appended: an append failure
// leaves the in-memory state untouched.
package executor

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/tradesim/internal/domain"
	"github.com/vadiminshakov/tradesim/internal/services/positions"
	"github.com/vadiminshakov/tradesim/internal/storage/notelog"
	"github.com/vadiminshakov/tradesim/internal/storage/statestore"
	"github.com/vadiminshakov/tradesim/internal/storage/tradelog"
)

const defaultAppendTimeout = 5 * time.Second

// Config tunes the executor's accounting discipline.
type Config struct {
	// InitialCash seeds the balance before any trade is applied.
	InitialCash decimal.Decimal
	// Policy selects strict or relaxed funds checking.
	Policy domain.AccountingPolicy
	// MaxPositionsPerSide caps concurrently open positions per side.
	MaxPositionsPerSide int
	// SmallPositionThreshold is the notional below which a stuck open
	// position is auto-closed instead of blocking a new open.
	SmallPositionThreshold decimal.Decimal
	// CoverageTolerance is how far below zero projected cash may go on a
	// close before the strict policy rejects it.
	CoverageTolerance decimal.Decimal
	// AppendTimeout bounds every ledger append.
	AppendTimeout time.Duration
}

func (c *Config) normalize() {
	if c.MaxPositionsPerSide < 1 {
		c.MaxPositionsPerSide = 1
	}
	if !c.Policy.Valid() {
		c.Policy = domain.PolicyStrict
	}
	if c.AppendTimeout <= 0 {
		c.AppendTimeout = defaultAppendTimeout
	}
}

// Executor owns the ledger state. The trade log is authoritative; the
// in-memory open set and the persisted snapshot are caches over it.
type Executor struct {
	mu     sync.Mutex
	cfg    Config
	log    tradelog.Store
	states *statestore.Store
	notes  *notelog.WALStore
	logger *zap.Logger

	cash     decimal.Decimal
	holdings decimal.Decimal
	realized decimal.Decimal
	open     map[string]*domain.Position
	waiters  map[string]*closeWaiter
	lastTS   time.Time
}

// closeWaiter fans a close notification out to every WaitClosed caller of
// one position. refs counts callers still blocked, guarded by Executor.mu.
type closeWaiter struct {
	ch   chan struct{}
	refs int
}

// New creates an executor seeded with the configured initial cash. Callers
// normally run a rebuild right after construction to load persisted state.
// The snapshot and note stores may be nil (tests, ephemeral runs).
func New(cfg Config, log tradelog.Store, states *statestore.Store, notes *notelog.WALStore, logger *zap.Logger) (*Executor, error) {
	if log == nil {
		return nil, errors.New("trade log is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.normalize()

	return &Executor{
		cfg:      cfg,
		log:      log,
		states:   states,
		notes:    notes,
		logger:   logger,
		cash:     cfg.InitialCash,
		holdings: decimal.Zero,
		realized: decimal.Zero,
		open:     make(map[string]*domain.Position),
		waiters:  make(map[string]*closeWaiter),
	}, nil
}

// ExecuteTrade validates the intent against ledger and derived state,
// appends the record and applies it. Business-rule rejections leave state
// unchanged and come back as domain sentinel errors.
func (e *Executor) ExecuteTrade(ctx context.Context, intent domain.TradeIntent) (*domain.TradeRecord, error) {
	if err := intent.Normalize(); err != nil {
		e.logger.Warn("trade intent rejected", zap.Error(err))
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.resolvePrice(ctx, &intent); err != nil {
		e.logger.Warn("trade intent rejected", zap.Error(err))
		return nil, err
	}

	var (
		record *domain.TradeRecord
		err    error
	)
	switch intent.Action {
	case domain.ActionOpen:
		record, err = e.executeOpen(ctx, intent)
	case domain.ActionClose:
		record, err = e.executeClose(ctx, intent)
	}
	if err != nil {
		e.logger.Warn("trade rejected",
			zap.String("action", intent.Action.String()),
			zap.String("side", intent.Side.String()),
			zap.Error(err))
		return nil, err
	}

	e.logger.Info("trade executed",
		zap.String("id", record.ID),
		zap.String("position_id", record.PositionID),
		zap.String("action", record.Action.String()),
		zap.String("side", record.Side.String()),
		zap.String("amount", record.Amount.String()),
		zap.String("price", record.Price.String()),
		zap.String("balance_after", record.BalanceAfter.String()))

	return record, nil
}

// resolvePrice substitutes the last known ledger price when the intent
// carries no usable one. Called with the lock held.
func (e *Executor) resolvePrice(ctx context.Context, intent *domain.TradeIntent) error {
	if intent.Price.IsPositive() {
		return nil
	}

	price, ok, err := e.log.LastPrice(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrInvalidPrice
	}

	intent.Price = price
	if !intent.USDValue.IsPositive() {
		intent.USDValue = intent.Amount.Mul(price)
	}
	return nil
}

func (e *Executor) executeOpen(ctx context.Context, intent domain.TradeIntent) (*domain.TradeRecord, error) {
	// the ledger, not the cache, decides how many positions are open
	stuck, err := e.log.OpenWithoutClose(ctx, intent.Side, "")
	if err != nil {
		return nil, err
	}

	if len(stuck) >= e.cfg.MaxPositionsPerSide {
		if err := e.autoCloseSmall(ctx, stuck, intent.Price); err != nil {
			return nil, err
		}
		stuck, err = e.log.OpenWithoutClose(ctx, intent.Side, "")
		if err != nil {
			return nil, err
		}
		if len(stuck) >= e.cfg.MaxPositionsPerSide {
			return nil, errors.Wrapf(domain.ErrPositionLimitExceeded,
				"side %s already has %d open position(s)", intent.Side, len(stuck))
		}
	}

	if intent.PositionID != "" {
		if err := e.checkPositionIDUnused(ctx, intent); err != nil {
			return nil, err
		}
	} else {
		intent.PositionID = uuid.NewString()
	}

	required := intent.USDValue.Add(intent.Fee)
	if !e.cfg.Policy.AllowNegativeCash() && e.cash.LessThan(required) {
		return nil, errors.Wrapf(domain.ErrInsufficientFunds,
			"have %s need %s", e.cash.String(), required.String())
	}

	projCash := e.cash.Sub(required)
	projHoldings := e.holdings
	if intent.Side == domain.SideLong {
		projHoldings = projHoldings.Add(intent.Amount)
	}

	record := &domain.TradeRecord{
		PositionID:    intent.PositionID,
		Action:        domain.ActionOpen,
		Side:          intent.Side,
		Amount:        intent.Amount,
		Price:         intent.Price,
		USDValue:      intent.USDValue,
		Fee:           intent.Fee,
		BalanceAfter:  projCash,
		HoldingsAfter: projHoldings,
		Timestamp:     e.nextTimestamp(),
	}

	if err := e.append(ctx, record); err != nil {
		return nil, err
	}

	pos, err := domain.NewPosition(record.PositionID, record.Side, record.Amount, record.Price, record.Timestamp)
	if err != nil {
		// the record passed validation, so this is unreachable in practice
		return nil, errors.Wrap(domain.ErrPersistenceFailure, err.Error())
	}
	// the open record's notional is authoritative over amount*price: a
	// caller-supplied usd_value keeps its historical rounding, and the close
	// settles against the same figure the log replay uses
	if record.USDValue.IsPositive() {
		pos.EntryNotional = record.USDValue
	}

	e.cash = projCash
	e.holdings = projHoldings
	e.open[pos.ID] = pos
	e.persistSnapshot()

	return record, nil
}

func (e *Executor) executeClose(ctx context.Context, intent domain.TradeIntent) (*domain.TradeRecord, error) {
	pos, err := e.findOpen(intent.Side, intent.PositionID)
	if err != nil {
		// a second close for an already settled position is a duplicate,
		// not a missing position
		if intent.PositionID != "" {
			closed, checkErr := e.log.HasClose(ctx, intent.PositionID)
			if checkErr == nil && closed {
				return nil, errors.Wrapf(domain.ErrDuplicateClose, "position %s", intent.PositionID)
			}
		}
		return nil, err
	}

	// re-check the ledger: another writer may have closed this position
	// between our caller's read and now
	closedAlready, err := e.log.HasClose(ctx, pos.ID)
	if err != nil {
		return nil, err
	}
	if closedAlready {
		e.dropStale(pos)
		return nil, errors.Wrapf(domain.ErrDuplicateClose, "position %s", pos.ID)
	}

	// partial closes are not modeled: the whole position settles
	if !intent.Amount.Equal(pos.Amount) {
		e.logger.Warn("close amount differs from position size, settling full position",
			zap.String("position_id", pos.ID),
			zap.String("requested", intent.Amount.String()),
			zap.String("position", pos.Amount.String()))
		intent.Amount = pos.Amount
		intent.USDValue = pos.Amount.Mul(intent.Price)
	}

	var projCash, projHoldings, gainLoss decimal.Decimal
	if pos.Side == domain.SideLong {
		gainLoss = intent.USDValue.Sub(pos.EntryNotional)
		projCash = e.cash.Add(intent.USDValue).Sub(intent.Fee)
		projHoldings = e.holdings.Sub(intent.Amount)
	} else {
		gainLoss = pos.EntryNotional.Sub(intent.USDValue)
		// returned reservation plus realized result
		projCash = e.cash.Add(pos.EntryNotional).Add(gainLoss).Sub(intent.Fee)
		projHoldings = e.holdings
	}

	if !e.cfg.Policy.AllowNegativeCash() && projCash.LessThan(e.cfg.CoverageTolerance.Neg()) {
		return nil, errors.Wrapf(domain.ErrInsufficientCoverage,
			"projected cash %s", projCash.String())
	}

	roi := decimal.Zero
	if pos.EntryNotional.IsPositive() {
		roi = gainLoss.Div(pos.EntryNotional).Mul(decimal.NewFromInt(100))
	}

	record := &domain.TradeRecord{
		PositionID:    pos.ID,
		Action:        domain.ActionClose,
		Side:          pos.Side,
		Amount:        pos.Amount,
		Price:         intent.Price,
		USDValue:      intent.USDValue,
		Fee:           intent.Fee,
		BalanceAfter:  projCash,
		HoldingsAfter: projHoldings,
		EntryPrice:    pos.EntryPrice,
		ExitPrice:     intent.Price,
		GainLoss:      gainLoss,
		ROI:           roi,
		Timestamp:     e.nextTimestamp(),
	}

	if err := e.append(ctx, record); err != nil {
		if errors.Is(err, domain.ErrDuplicateClose) {
			// the store-level constraint caught a concurrent close
			e.dropStale(pos)
		}
		return nil, err
	}

	e.cash = projCash
	e.holdings = projHoldings
	e.realized = e.realized.Add(gainLoss)
	delete(e.open, pos.ID)
	e.signalClosed(pos.ID)
	e.persistSnapshot()

	return record, nil
}

// autoCloseSmall closes stuck open positions whose notional sits below the
// configured threshold, freeing the slot for a fresh open. A recovery
// heuristic, not a normal path.
func (e *Executor) autoCloseSmall(ctx context.Context, stuck []domain.TradeRecord, price decimal.Decimal) error {
	if !e.cfg.SmallPositionThreshold.IsPositive() {
		return nil
	}

	for _, r := range stuck {
		if r.USDValue.GreaterThanOrEqual(e.cfg.SmallPositionThreshold) {
			continue
		}

		closeIntent := domain.TradeIntent{
			Side:       r.Side,
			Action:     domain.ActionClose,
			Amount:     r.Amount,
			Price:      price,
			USDValue:   r.Amount.Mul(price),
			PositionID: r.PositionID,
		}
		if _, err := e.executeClose(ctx, closeIntent); err != nil {
			return err
		}

		e.note(notelog.Note{
			Kind:       "auto_close",
			PositionID: r.PositionID,
			Text:       "auto-closed small stuck position to free the slot",
		})
		e.logger.Warn("auto-closed small stuck position",
			zap.String("position_id", r.PositionID),
			zap.String("notional", r.USDValue.String()))
	}

	return nil
}

// checkPositionIDUnused guards a caller-supplied position id against reuse.
// The WAL backend cannot enforce this with a constraint, so it is checked
// here; SQLite enforces it again at the store.
func (e *Executor) checkPositionIDUnused(ctx context.Context, intent domain.TradeIntent) error {
	if _, ok := e.open[intent.PositionID]; ok {
		return errors.Wrapf(domain.ErrDuplicateOpen, "position %s", intent.PositionID)
	}

	closed, err := e.log.HasClose(ctx, intent.PositionID)
	if err != nil {
		return err
	}
	if closed {
		return errors.Wrapf(domain.ErrDuplicateOpen, "position %s", intent.PositionID)
	}

	existing, err := e.log.OpenWithoutClose(ctx, intent.Side, intent.PositionID)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return errors.Wrapf(domain.ErrDuplicateOpen, "position %s", intent.PositionID)
	}

	return nil
}

func (e *Executor) findOpen(side domain.Side, positionID string) (*domain.Position, error) {
	if positionID != "" {
		pos, ok := e.open[positionID]
		if !ok || pos.Side != side {
			return nil, errors.Wrapf(domain.ErrPositionNotFound, "position %s (%s)", positionID, side)
		}
		return pos, nil
	}

	// no id supplied: pick the oldest open position on the side
	var oldest *domain.Position
	for _, pos := range e.open {
		if pos.Side != side {
			continue
		}
		if oldest == nil || pos.OpenedAt.Before(oldest.OpenedAt) {
			oldest = pos
		}
	}
	if oldest == nil {
		return nil, errors.Wrapf(domain.ErrPositionNotFound, "no open %s position", side)
	}
	return oldest, nil
}

// append writes the record under a bounded timeout. No state is mutated
// before this returns successfully.
func (e *Executor) append(ctx context.Context, record *domain.TradeRecord) error {
	actx, cancel := context.WithTimeout(ctx, e.cfg.AppendTimeout)
	defer cancel()

	if _, err := e.log.Append(actx, record); err != nil {
		return err
	}
	return nil
}

// dropStale removes a position the ledger says is already closed and wakes
// anyone waiting for it.
func (e *Executor) dropStale(pos *domain.Position) {
	delete(e.open, pos.ID)
	e.signalClosed(pos.ID)
	e.note(notelog.Note{
		Kind:       "stale_drop",
		PositionID: pos.ID,
		Text:       "dropped in-memory position already closed in the ledger",
	})
	e.logger.Warn("dropped stale in-memory position",
		zap.String("position_id", pos.ID))
}

// nextTimestamp issues a monotonically non-decreasing timestamp.
func (e *Executor) nextTimestamp() time.Time {
	now := time.Now().UTC()
	if now.Before(e.lastTS) {
		now = e.lastTS
	}
	e.lastTS = now
	return now
}

func (e *Executor) persistSnapshot() {
	if e.states == nil {
		return
	}
	if err := e.states.Save(e.snapshotLocked()); err != nil {
		e.logger.Warn("failed to persist ledger snapshot", zap.Error(err))
	}
}

func (e *Executor) snapshotLocked() domain.LedgerState {
	ids := make([]string, 0, len(e.open))
	for id := range e.open {
		ids = append(ids, id)
	}

	return domain.LedgerState{
		CashBalance:     e.cash,
		BaseHoldings:    e.holdings,
		RealizedPnL:     e.realized,
		OpenPositionIDs: ids,
		UpdatedAt:       time.Now().UTC(),
	}
}

func (e *Executor) note(n notelog.Note) {
	if e.notes == nil {
		return
	}
	if err := e.notes.Append(n); err != nil {
		e.logger.Warn("failed to append audit note", zap.Error(err))
	}
}

// Rebuild reloads the full ledger, reconstructs the open set and re-derives
// cash and holdings, all under the serialization lock. The snapshot supplies
// cash when it agrees with the replayed open set; otherwise the replay wins
// and the snapshot is rewritten.
func (e *Executor) Rebuild(ctx context.Context, fallback positions.PriceSource) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	trades, err := e.log.All(ctx)
	if err != nil {
		return err
	}

	open := positions.Reconstruct(ctx, trades, e.cfg.MaxPositionsPerSide, fallback, e.logger)

	var snapshot *domain.LedgerState
	if e.states != nil {
		snapshot, err = e.states.Load()
		if err != nil {
			e.logger.Warn("failed to load ledger snapshot, replaying log", zap.Error(err))
			snapshot = nil
		}
	}

	repaired := false
	if snapshot != nil && openSetsEqual(snapshot.OpenPositionIDs, open) {
		e.cash = snapshot.CashBalance
		e.holdings = snapshot.BaseHoldings
		e.realized = snapshot.RealizedPnL
	} else {
		if snapshot != nil {
			repaired = true
			e.logger.Warn("ledger snapshot disagrees with replayed open set, repairing")
		}
		e.cash, e.holdings = positions.ReplayCash(trades, e.cfg.InitialCash)
		e.realized = positions.RealizedPnL(trades)
	}

	// wake waiters of positions that no longer exist
	alive := make(map[string]struct{}, len(open))
	for _, pos := range open {
		alive[pos.ID] = struct{}{}
	}
	for id := range e.open {
		if _, ok := alive[id]; !ok {
			e.signalClosed(id)
		}
	}

	e.open = make(map[string]*domain.Position, len(open))
	for _, pos := range open {
		e.open[pos.ID] = pos
	}

	e.persistSnapshot()
	if repaired {
		e.note(notelog.Note{
			Kind: "reconcile_repair",
			Text: "snapshot rewritten from trade log replay",
		})
	}

	e.logger.Info("ledger state rebuilt",
		zap.Int("trades", len(trades)),
		zap.Int("open_positions", len(open)),
		zap.String("cash", e.cash.String()),
		zap.String("holdings", e.holdings.String()))

	return nil
}

func openSetsEqual(ids []string, open []*domain.Position) bool {
	if len(ids) != len(open) {
		return false
	}
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	for _, pos := range open {
		if _, ok := set[pos.ID]; !ok {
			return false
		}
	}
	return true
}
