// Package config loads engine configuration from a YAML file or CLI flags.
package config

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/vadiminshakov/tradesim/internal/domain"
)

// Backend names a trade-log storage backend.
type Backend string

const (
	// BackendWAL stores trades in a write-ahead log.
	BackendWAL Backend = "wal"
	// BackendSQLite stores trades in SQLite with store-level duplicate
	// protection.
	BackendSQLite Backend = "sqlite"
)

// Config is the resolved engine configuration.
type Config struct {
	InitialCash            decimal.Decimal
	Policy                 domain.AccountingPolicy
	MaxPositionsPerSide    int
	SmallPositionThreshold decimal.Decimal
	CoverageTolerance      decimal.Decimal
	LedgerBackend          Backend
	TradeLogDir            string
	SQLitePath             string
	StateDir               string
	NoteDir                string
	AppendTimeout          time.Duration
	ReconcileInterval      time.Duration
	StartPrice             decimal.Decimal
	PriceStepPct           decimal.Decimal
	PriceSeed              int64
	TickInterval           time.Duration
}

// ConfigTmp is the YAML representation of Config; decimal fields are kept
// as strings until resolved.
type ConfigTmp struct {
	InitialCash            string        `yaml:"initial_cash,omitempty"`
	AccountingPolicy       string        `yaml:"accounting_policy,omitempty"`
	MaxPositionsPerSide    int           `yaml:"max_positions_per_side,omitempty"`
	SmallPositionThreshold string        `yaml:"small_position_threshold,omitempty"`
	CoverageTolerance      string        `yaml:"coverage_tolerance,omitempty"`
	LedgerBackend          string        `yaml:"ledger_backend,omitempty"`
	TradeLogDir            string        `yaml:"trade_log_dir,omitempty"`
	SQLitePath             string        `yaml:"sqlite_path,omitempty"`
	StateDir               string        `yaml:"state_dir,omitempty"`
	NoteDir                string        `yaml:"note_dir,omitempty"`
	AppendTimeout          time.Duration `yaml:"append_timeout,omitempty"`
	ReconcileInterval      time.Duration `yaml:"reconcile_interval,omitempty"`
	StartPrice             string        `yaml:"start_price,omitempty"`
	PriceStepPct           string        `yaml:"price_step_pct,omitempty"`
	PriceSeed              int64         `yaml:"price_seed,omitempty"`
	TickInterval           time.Duration `yaml:"tick_interval,omitempty"`
}

// Default returns the configuration used when nothing is specified.
func Default() Config {
	return Config{
		InitialCash:            decimal.NewFromInt(10000),
		Policy:                 domain.PolicyStrict,
		MaxPositionsPerSide:    1,
		SmallPositionThreshold: decimal.Zero,
		CoverageTolerance:      decimal.Zero,
		LedgerBackend:          BackendWAL,
		TradeLogDir:            "./wal/trades",
		SQLitePath:             "./trades.db",
		StateDir:               "./wal/state",
		NoteDir:                "./wal/notes",
		AppendTimeout:          5 * time.Second,
		ReconcileInterval:      time.Minute,
		StartPrice:             decimal.NewFromInt(50000),
		PriceStepPct:           decimal.NewFromFloat(0.5),
		PriceSeed:              1,
		TickInterval:           5 * time.Second,
	}
}

// Get resolves configuration from flags, loading the YAML file when
// --config is given. The second return value reports whether the user
// asked for the interactive setup wizard.
func Get() (Config, bool, error) {
	configPath := flag.String("config", "", "path to yaml config")
	setup := flag.Bool("setup", false, "run the interactive configuration wizard")
	flag.Parse()

	if *setup {
		return Default(), true, nil
	}
	if *configPath == "" {
		return Default(), false, nil
	}

	cfg, err := FromYAML(*configPath)
	return cfg, false, err
}

// FromYAML loads configuration from a YAML file, filling defaults for
// omitted fields.
func FromYAML(path string) (Config, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	var tmp ConfigTmp
	if err := yaml.Unmarshal(payload, &tmp); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}

	return tmp.resolve()
}

func (t ConfigTmp) resolve() (Config, error) {
	cfg := Default()

	var err error
	if cfg.InitialCash, err = overrideDecimal(cfg.InitialCash, t.InitialCash); err != nil {
		return Config{}, fmt.Errorf("initial_cash: %w", err)
	}
	if cfg.SmallPositionThreshold, err = overrideDecimal(cfg.SmallPositionThreshold, t.SmallPositionThreshold); err != nil {
		return Config{}, fmt.Errorf("small_position_threshold: %w", err)
	}
	if cfg.CoverageTolerance, err = overrideDecimal(cfg.CoverageTolerance, t.CoverageTolerance); err != nil {
		return Config{}, fmt.Errorf("coverage_tolerance: %w", err)
	}
	if cfg.StartPrice, err = overrideDecimal(cfg.StartPrice, t.StartPrice); err != nil {
		return Config{}, fmt.Errorf("start_price: %w", err)
	}
	if cfg.PriceStepPct, err = overrideDecimal(cfg.PriceStepPct, t.PriceStepPct); err != nil {
		return Config{}, fmt.Errorf("price_step_pct: %w", err)
	}

	if t.AccountingPolicy != "" {
		policy := domain.AccountingPolicy(t.AccountingPolicy)
		if !policy.Valid() {
			return Config{}, fmt.Errorf("accounting_policy: unknown value %q", t.AccountingPolicy)
		}
		cfg.Policy = policy
	}

	if t.LedgerBackend != "" {
		backend := Backend(t.LedgerBackend)
		if backend != BackendWAL && backend != BackendSQLite {
			return Config{}, fmt.Errorf("ledger_backend: unknown value %q", t.LedgerBackend)
		}
		cfg.LedgerBackend = backend
	}

	if t.MaxPositionsPerSide > 0 {
		cfg.MaxPositionsPerSide = t.MaxPositionsPerSide
	}
	if t.TradeLogDir != "" {
		cfg.TradeLogDir = t.TradeLogDir
	}
	if t.SQLitePath != "" {
		cfg.SQLitePath = t.SQLitePath
	}
	if t.StateDir != "" {
		cfg.StateDir = t.StateDir
	}
	if t.NoteDir != "" {
		cfg.NoteDir = t.NoteDir
	}
	if t.AppendTimeout > 0 {
		cfg.AppendTimeout = t.AppendTimeout
	}
	if t.ReconcileInterval > 0 {
		cfg.ReconcileInterval = t.ReconcileInterval
	}
	if t.PriceSeed != 0 {
		cfg.PriceSeed = t.PriceSeed
	}
	if t.TickInterval > 0 {
		cfg.TickInterval = t.TickInterval
	}

	if !cfg.InitialCash.IsPositive() {
		return Config{}, fmt.Errorf("initial_cash must be positive, got %s", cfg.InitialCash)
	}

	return cfg, nil
}

func overrideDecimal(current decimal.Decimal, raw string) (decimal.Decimal, error) {
	if raw == "" {
		return current, nil
	}
	return decimal.NewFromString(raw)
}
