// Package statestore persists the denormalized ledger snapshot so restarts
// start from known cash and holdings without re-simulating every trade.
// The trade log stays authoritative over this snapshot.
package statestore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/tradesim/internal/domain"
)

const defaultStateDir = "./wal/state"

// Store reads and writes the ledger snapshot as an atomic JSON file.
type Store struct {
	path string
}

// NewStore creates a snapshot store under the given directory.
func NewStore(dir string) (*Store, error) {
	if dir == "" {
		dir = defaultStateDir
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create state dir")
	}

	return &Store{path: filepath.Join(dir, "ledger.json")}, nil
}

// StoredState is the serializable snapshot of domain.LedgerState.
type StoredState struct {
	CashBalance     string    `json:"cash_balance"`
	BaseHoldings    string    `json:"base_holdings"`
	RealizedPnL     string    `json:"realized_pnl"`
	OpenPositionIDs []string  `json:"open_position_ids"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Load reads the snapshot from disk. A missing or empty file yields nil.
func (s *Store) Load() (*domain.LedgerState, error) {
	if s == nil || s.path == "" {
		return nil, nil
	}

	payload, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}

		return nil, errors.Wrap(err, "read ledger state")
	}

	if len(payload) == 0 {
		return nil, nil
	}

	var stored StoredState
	if err := json.Unmarshal(payload, &stored); err != nil {
		return nil, errors.Wrap(err, "decode ledger state")
	}

	return stored.toState()
}

// Save writes the snapshot to disk atomically via temp file.
func (s *Store) Save(state domain.LedgerState) error {
	if s == nil || s.path == "" {
		return nil
	}

	stored := StoredState{
		CashBalance:     state.CashBalance.String(),
		BaseHoldings:    state.BaseHoldings.String(),
		RealizedPnL:     state.RealizedPnL.String(),
		OpenPositionIDs: state.OpenPositionIDs,
		UpdatedAt:       state.UpdatedAt,
	}

	payload, err := json.MarshalIndent(stored, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode ledger state")
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return errors.Wrap(err, "write ledger state temp file")
	}

	if err := os.Rename(tmp, s.path); err != nil {
		return errors.Wrap(err, "persist ledger state")
	}

	return nil
}

func (st *StoredState) toState() (*domain.LedgerState, error) {
	cash, err := parseDecimal(st.CashBalance)
	if err != nil {
		return nil, errors.Wrap(err, "decode cash balance")
	}

	holdings, err := parseDecimal(st.BaseHoldings)
	if err != nil {
		return nil, errors.Wrap(err, "decode base holdings")
	}

	realized, err := parseDecimal(st.RealizedPnL)
	if err != nil {
		return nil, errors.Wrap(err, "decode realized pnl")
	}

	return &domain.LedgerState{
		CashBalance:     cash,
		BaseHoldings:    holdings,
		RealizedPnL:     realized,
		OpenPositionIDs: st.OpenPositionIDs,
		UpdatedAt:       st.UpdatedAt,
	}, nil
}

func parseDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}
