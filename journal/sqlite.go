package journal

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

type SQLite struct {
	db *sqlx.DB
}

var _ Journal = (*SQLite)(nil)

func NewSQLite(path string) (*SQLite, error) {
	db, err := sqlx.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLite{db: db}, nil
}

func (j *SQLite) RecordDecision(ctx context.Context, rec DecisionRecord) error {
	_, err := j.db.NamedExecContext(ctx, `
		INSERT INTO decisions
		(id, time, cycle_id, symbol, outcome, verdict, price, average_cost, dividends, quantity, detail)
		VALUES (:id, :time, :cycle_id, :symbol, :outcome, :verdict, :price, :average_cost, :dividends, :quantity, :detail)`,
		rec,
	)
	return err
}

func (j *SQLite) RecordOrder(ctx context.Context, rec OrderRecord) error {
	_, err := j.db.NamedExecContext(ctx, `
		INSERT INTO orders
		(id, time, cycle_id, symbol, action, quantity, price, order_id, status, error)
		VALUES (:id, :time, :cycle_id, :symbol, :action, :quantity, :price, :order_id, :status, :error)`,
		rec,
	)
	return err
}

// ListDecisions returns the newest decisions first. An empty symbol matches
// every symbol; limit <= 0 means no limit.
func (j *SQLite) ListDecisions(ctx context.Context, symbol string, limit int) ([]DecisionRecord, error) {
	var out []DecisionRecord
	err := j.db.SelectContext(ctx, &out, `
		SELECT id, time, cycle_id, symbol, outcome, verdict, price, average_cost, dividends, quantity, detail
		FROM decisions
		WHERE (? = '' OR symbol = ?)
		ORDER BY time DESC, id DESC
		LIMIT ?`, symbol, symbol, sqlLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	return out, nil
}

// ListOrders returns the newest orders first, filtered like ListDecisions.
func (j *SQLite) ListOrders(ctx context.Context, symbol string, limit int) ([]OrderRecord, error) {
	var out []OrderRecord
	err := j.db.SelectContext(ctx, &out, `
		SELECT id, time, cycle_id, symbol, action, quantity, price, order_id, status, error
		FROM orders
		WHERE (? = '' OR symbol = ?)
		ORDER BY time DESC, id DESC
		LIMIT ?`, symbol, symbol, sqlLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	return out, nil
}

func (j *SQLite) Close() error {
	return j.db.Close()
}

// sqlite treats a negative LIMIT as unlimited
func sqlLimit(n int) int {
	if n <= 0 {
		return -1
	}
	return n
}
