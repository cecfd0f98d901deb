// Package journal keeps an audit trail of every evaluation and order the
// engine makes. The cooldown ledger is the source of truth for restrictions;
// the journal is for people reading what happened.
package journal

import (
	"context"
	"time"
)

// Outcome values for DecisionRecord.Outcome.
const (
	OutcomeRestricted  = "restricted"
	OutcomeUnavailable = "unavailable"
	OutcomeMonitoring  = "monitoring"
	OutcomeHold        = "hold"
	OutcomeSold        = "sold"
	OutcomeOrderFailed = "order_failed"
	OutcomeError       = "error"
)

// Order statuses for OrderRecord.Status.
const (
	StatusAccepted = "accepted"
	StatusFailed   = "failed"
)

// DecisionRecord is one instrument evaluated in one cycle.
type DecisionRecord struct {
	ID          string    `db:"id"`
	Time        time.Time `db:"time"`
	CycleID     string    `db:"cycle_id"`
	Symbol      string    `db:"symbol"`
	Outcome     string    `db:"outcome"`
	Verdict     string    `db:"verdict"` // empty when no decision was made
	Price       float64   `db:"price"`
	AverageCost float64   `db:"average_cost"`
	Dividends   float64   `db:"dividends"`
	Quantity    float64   `db:"quantity"`
	Detail      string    `db:"detail"`
}

// OrderRecord is one order submission, accepted or not.
type OrderRecord struct {
	ID       string    `db:"id"`
	Time     time.Time `db:"time"`
	CycleID  string    `db:"cycle_id"`
	Symbol   string    `db:"symbol"`
	Action   string    `db:"action"`
	Quantity float64   `db:"quantity"`
	Price    float64   `db:"price"`
	OrderID  string    `db:"order_id"` // broker's id, empty on failure
	Status   string    `db:"status"`
	Error    string    `db:"error"`
}

type Journal interface {
	RecordDecision(ctx context.Context, rec DecisionRecord) error
	RecordOrder(ctx context.Context, rec OrderRecord) error
	Close() error
}

// Nop discards everything.
type Nop struct{}

func (Nop) RecordDecision(context.Context, DecisionRecord) error { return nil }
func (Nop) RecordOrder(context.Context, OrderRecord) error       { return nil }
func (Nop) Close() error                                         { return nil }
