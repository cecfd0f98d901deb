package journal

const Schema = `
CREATE TABLE IF NOT EXISTS decisions (
	id TEXT PRIMARY KEY,
	time DATETIME NOT NULL,
	cycle_id TEXT NOT NULL,
	symbol TEXT NOT NULL,
	outcome TEXT NOT NULL,
	verdict TEXT NOT NULL,
	price REAL NOT NULL,
	average_cost REAL NOT NULL,
	dividends REAL NOT NULL,
	quantity REAL NOT NULL,
	detail TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS orders (
	id TEXT PRIMARY KEY,
	time DATETIME NOT NULL,
	cycle_id TEXT NOT NULL,
	symbol TEXT NOT NULL,
	action TEXT NOT NULL,
	quantity REAL NOT NULL,
	price REAL NOT NULL,
	order_id TEXT NOT NULL,
	status TEXT NOT NULL,
	error TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_decisions_symbol_time ON decisions(symbol, time);
CREATE INDEX IF NOT EXISTS idx_orders_symbol_time ON orders(symbol, time);
`
