package tradelog

// Schema creates the trade table. The partial unique indexes make the store
// itself reject a second open or close for the same position, so duplicate
// detection does not depend on the application-level query-then-insert check.
const Schema = `
CREATE TABLE IF NOT EXISTS trades (
	id TEXT PRIMARY KEY,
	position_id TEXT NOT NULL,
	action TEXT NOT NULL,
	side TEXT NOT NULL,
	amount TEXT NOT NULL,
	price TEXT NOT NULL,
	usd_value TEXT NOT NULL,
	fee TEXT NOT NULL,
	balance_after TEXT NOT NULL,
	holdings_after TEXT NOT NULL,
	entry_price TEXT NOT NULL,
	exit_price TEXT NOT NULL,
	gain_loss TEXT NOT NULL,
	roi TEXT NOT NULL,
	ts INTEGER NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_trades_one_open
	ON trades(position_id) WHERE action = 'open';

CREATE UNIQUE INDEX IF NOT EXISTS idx_trades_one_close
	ON trades(position_id) WHERE action = 'close';

CREATE INDEX IF NOT EXISTS idx_trades_ts ON trades(ts);
`
