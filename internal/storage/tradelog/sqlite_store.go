package tradelog

import (
	"context"
	"database/sql"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/oklog/ulid/v2"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/tradesim/internal/domain"
)

// SQLiteStore persists trade records in SQLite. Unlike the WAL backend its
// unique indexes reject a second open or close for a position at the store,
// which holds even when several processes share one database file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and migrates) a SQLite-backed trade log.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, "open trade database")
	}

	if _, err := db.Exec(Schema); err != nil {
		return nil, errors.Wrap(err, "migrate trade schema")
	}

	return &SQLiteStore{db: db}, nil
}

// Append inserts the record and returns its id. A constraint violation maps
// to domain.ErrDuplicateClose for close records and domain.ErrDuplicateOpen
// for open records.
func (s *SQLiteStore) Append(ctx context.Context, record *domain.TradeRecord) (string, error) {
	if record.ID == "" {
		record.ID = ulid.Make().String()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trades
		(id, position_id, action, side, amount, price, usd_value, fee,
		 balance_after, holdings_after, entry_price, exit_price, gain_loss, roi, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID, record.PositionID, record.Action.String(), record.Side.String(),
		record.Amount.String(), record.Price.String(), record.USDValue.String(), record.Fee.String(),
		record.BalanceAfter.String(), record.HoldingsAfter.String(),
		record.EntryPrice.String(), record.ExitPrice.String(),
		record.GainLoss.String(), record.ROI.String(),
		record.Timestamp.UnixNano(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			if record.Action == domain.ActionClose {
				return "", errors.Wrapf(domain.ErrDuplicateClose, "position %s", record.PositionID)
			}
			return "", errors.Wrapf(domain.ErrDuplicateOpen, "position %s", record.PositionID)
		}
		return "", errors.Wrap(domain.ErrPersistenceFailure, err.Error())
	}

	return record.ID, nil
}

// All returns every record ordered by timestamp ascending.
func (s *SQLiteStore) All(ctx context.Context) ([]domain.TradeRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, position_id, action, side, amount, price, usd_value, fee,
		       balance_after, holdings_after, entry_price, exit_price, gain_loss, roi, ts
		FROM trades
		ORDER BY ts ASC, id ASC`)
	if err != nil {
		return nil, errors.Wrap(domain.ErrPersistenceFailure, err.Error())
	}
	defer rows.Close()

	var records []domain.TradeRecord
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(domain.ErrPersistenceFailure, err.Error())
	}

	return records, nil
}

// OpenWithoutClose returns open records on the side lacking a matching close.
func (s *SQLiteStore) OpenWithoutClose(ctx context.Context, side domain.Side, positionID string) ([]domain.TradeRecord, error) {
	query := `
		SELECT id, position_id, action, side, amount, price, usd_value, fee,
		       balance_after, holdings_after, entry_price, exit_price, gain_loss, roi, ts
		FROM trades o
		WHERE o.action = 'open' AND o.side = ?
		  AND NOT EXISTS (
			SELECT 1 FROM trades c
			WHERE c.action = 'close' AND c.position_id = o.position_id
		  )`
	args := []any{side.String()}
	if positionID != "" {
		query += " AND o.position_id = ?"
		args = append(args, positionID)
	}
	query += " ORDER BY o.ts ASC, o.id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(domain.ErrPersistenceFailure, err.Error())
	}
	defer rows.Close()

	var records []domain.TradeRecord
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(domain.ErrPersistenceFailure, err.Error())
	}

	return records, nil
}

// HasClose reports whether a close record for the position exists.
func (s *SQLiteStore) HasClose(ctx context.Context, positionID string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM trades WHERE action = 'close' AND position_id = ?`,
		positionID,
	).Scan(&count)
	if err != nil {
		return false, errors.Wrap(domain.ErrPersistenceFailure, err.Error())
	}
	return count > 0, nil
}

// LastPrice returns the most recent positive execution price in the log.
func (s *SQLiteStore) LastPrice(ctx context.Context) (decimal.Decimal, bool, error) {
	var priceStr string
	err := s.db.QueryRowContext(ctx, `
		SELECT price FROM trades
		WHERE CAST(price AS REAL) > 0
		ORDER BY ts DESC, id DESC
		LIMIT 1`,
	).Scan(&priceStr)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return decimal.Zero, false, nil
		}
		return decimal.Zero, false, errors.Wrap(domain.ErrPersistenceFailure, err.Error())
	}

	price, err := decimal.NewFromString(priceStr)
	if err != nil {
		return decimal.Zero, false, errors.Wrap(domain.ErrPersistenceFailure, err.Error())
	}
	return price, price.IsPositive(), nil
}

// Close closes the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func scanRecord(rows *sql.Rows) (domain.TradeRecord, error) {
	var (
		record                 domain.TradeRecord
		action, side           string
		amount, price          string
		usdValue, fee          string
		balanceAfter           string
		holdingsAfter          string
		entryPrice, exitPrice  string
		gainLoss, roi          string
		tsNano                 int64
	)

	err := rows.Scan(
		&record.ID, &record.PositionID, &action, &side,
		&amount, &price, &usdValue, &fee,
		&balanceAfter, &holdingsAfter,
		&entryPrice, &exitPrice, &gainLoss, &roi,
		&tsNano,
	)
	if err != nil {
		return domain.TradeRecord{}, errors.Wrap(domain.ErrPersistenceFailure, err.Error())
	}

	record.Action = domain.Action(action)
	record.Side = domain.Side(side)
	record.Timestamp = time.Unix(0, tsNano).UTC()

	fields := []struct {
		dst *decimal.Decimal
		src string
	}{
		{&record.Amount, amount},
		{&record.Price, price},
		{&record.USDValue, usdValue},
		{&record.Fee, fee},
		{&record.BalanceAfter, balanceAfter},
		{&record.HoldingsAfter, holdingsAfter},
		{&record.EntryPrice, entryPrice},
		{&record.ExitPrice, exitPrice},
		{&record.GainLoss, gainLoss},
		{&record.ROI, roi},
	}
	for _, f := range fields {
		value, err := decimal.NewFromString(f.src)
		if err != nil {
			return domain.TradeRecord{}, errors.Wrap(domain.ErrPersistenceFailure, err.Error())
		}
		*f.dst = value
	}

	return record, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}
