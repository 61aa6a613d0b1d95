package tradelog

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/oklog/ulid/v2"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/gowal"
	"github.com/vadiminshakov/tradesim/internal/domain"
)

const (
	// DefaultWALDir keeps the trade history across restarts.
	DefaultWALDir = "./wal/trades"

	segmentLimit = 1000
	maxSegments  = 100

	tradeKeyPrefix = "trade_"
)

// WALStore persists trade records in a write-ahead log. Duplicate-close
// detection stays a best-effort query-then-insert check here; the SQLite
// backend enforces it with a store-level constraint.
type WALStore struct {
	wal *gowal.Wal
	mu  sync.RWMutex
}

// NewWALStore initializes a WAL-backed trade log under the provided directory.
func NewWALStore(dir string) (*WALStore, error) {
	if dir == "" {
		dir = DefaultWALDir
	}

	cfg := gowal.Config{
		Dir:              dir,
		Prefix:           "trade_",
		SegmentThreshold: segmentLimit,
		MaxSegments:      maxSegments,
		IsInSyncDiskMode: true,
	}

	wal, err := gowal.NewWAL(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "init trade WAL")
	}

	return &WALStore{wal: wal}, nil
}

// Append writes the record to WAL and returns its id.
func (s *WALStore) Append(ctx context.Context, record *domain.TradeRecord) (string, error) {
	if s == nil || s.wal == nil {
		return "", errors.Wrap(domain.ErrPersistenceFailure, "trade log is not initialized")
	}
	if err := ctx.Err(); err != nil {
		return "", errors.Wrap(domain.ErrPersistenceFailure, err.Error())
	}

	if record.ID == "" {
		record.ID = ulid.Make().String()
	}

	payload, err := json.Marshal(record)
	if err != nil {
		return "", errors.Wrap(domain.ErrPersistenceFailure, err.Error())
	}

	key := fmt.Sprintf("%s%s_%s", tradeKeyPrefix, record.Action, record.PositionID)

	s.mu.Lock()
	defer s.mu.Unlock()

	nextIndex := s.wal.CurrentIndex() + 1
	if err := s.wal.Write(nextIndex, key, payload); err != nil {
		return "", errors.Wrap(domain.ErrPersistenceFailure, err.Error())
	}

	return record.ID, nil
}

// All replays the WAL and returns every record ordered by timestamp.
func (s *WALStore) All(ctx context.Context) ([]domain.TradeRecord, error) {
	if s == nil || s.wal == nil {
		return nil, errors.Wrap(domain.ErrPersistenceFailure, "trade log is not initialized")
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(domain.ErrPersistenceFailure, err.Error())
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var records []domain.TradeRecord
	for m := range s.wal.Iterator() {
		var record domain.TradeRecord
		if err := json.Unmarshal(m.Value, &record); err != nil {
			return nil, errors.Wrap(domain.ErrPersistenceFailure, err.Error())
		}
		records = append(records, record)
	}

	sortByTimestamp(records)
	return records, nil
}

// OpenWithoutClose returns open records on the side lacking a matching close.
func (s *WALStore) OpenWithoutClose(ctx context.Context, side domain.Side, positionID string) ([]domain.TradeRecord, error) {
	records, err := s.All(ctx)
	if err != nil {
		return nil, err
	}
	return openWithoutClose(records, side, positionID), nil
}

// HasClose reports whether a close record for the position exists.
func (s *WALStore) HasClose(ctx context.Context, positionID string) (bool, error) {
	records, err := s.All(ctx)
	if err != nil {
		return false, err
	}
	for _, r := range records {
		if r.Action == domain.ActionClose && r.PositionID == positionID {
			return true, nil
		}
	}
	return false, nil
}

// LastPrice returns the most recent positive execution price in the log.
func (s *WALStore) LastPrice(ctx context.Context) (decimal.Decimal, bool, error) {
	records, err := s.All(ctx)
	if err != nil {
		return decimal.Zero, false, err
	}
	price, ok := lastPrice(records)
	return price, ok, nil
}

// Close closes the underlying WAL.
func (s *WALStore) Close() error {
	if s == nil || s.wal == nil {
		return errors.New("trade log is not initialized")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.wal.Close()
}
