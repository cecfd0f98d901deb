package journal

import (
	"context"
	"encoding/csv"
	"os"
	"strconv"
	"sync"
	"time"
)

var (
	decisionHeader = []string{"id", "time", "cycle_id", "symbol", "outcome", "verdict", "price", "average_cost", "dividends", "quantity", "detail"}
	orderHeader    = []string{"id", "time", "cycle_id", "symbol", "action", "quantity", "price", "order_id", "status", "error"}
)

// CSV appends to two CSV files. Headers are written when a file is new.
type CSV struct {
	mu        sync.Mutex
	decisions *csv.Writer
	orders    *csv.Writer
	df, of    *os.File
}

var _ Journal = (*CSV)(nil)

func NewCSV(decisionsPath, ordersPath string) (*CSV, error) {
	df, dw, err := openCSV(decisionsPath, decisionHeader)
	if err != nil {
		return nil, err
	}
	of, ow, err := openCSV(ordersPath, orderHeader)
	if err != nil {
		df.Close()
		return nil, err
	}
	return &CSV{decisions: dw, orders: ow, df: df, of: of}, nil
}

func openCSV(path string, header []string) (*os.File, *csv.Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, err
	}

	w := csv.NewWriter(f)
	if st.Size() == 0 {
		if err := w.Write(header); err != nil {
			f.Close()
			return nil, nil, err
		}
		w.Flush()
		if err := w.Error(); err != nil {
			f.Close()
			return nil, nil, err
		}
	}
	return f, w, nil
}

func (j *CSV) RecordDecision(_ context.Context, d DecisionRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	err := j.decisions.Write([]string{
		d.ID,
		d.Time.Format(time.RFC3339),
		d.CycleID,
		d.Symbol,
		d.Outcome,
		d.Verdict,
		f(d.Price),
		f(d.AverageCost),
		f(d.Dividends),
		f(d.Quantity),
		d.Detail,
	})
	if err != nil {
		return err
	}
	j.decisions.Flush()
	return j.decisions.Error()
}

func (j *CSV) RecordOrder(_ context.Context, o OrderRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	err := j.orders.Write([]string{
		o.ID,
		o.Time.Format(time.RFC3339),
		o.CycleID,
		o.Symbol,
		o.Action,
		f(o.Quantity),
		f(o.Price),
		o.OrderID,
		o.Status,
		o.Error,
	})
	if err != nil {
		return err
	}
	j.orders.Flush()
	return j.orders.Error()
}

func (j *CSV) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.decisions.Flush()
	if err := j.decisions.Error(); err != nil {
		return err
	}
	j.orders.Flush()
	if err := j.orders.Error(); err != nil {
		return err
	}

	if err := j.df.Close(); err != nil {
		return err
	}
	if err := j.of.Close(); err != nil {
		return err
	}
	return nil
}

func f(x float64) string {
	return strconv.FormatFloat(x, 'f', 6, 64)
}
