// Package ledger tracks wash-sale cooldowns: the date each symbol was last
// sold at a loss, and whether it may be traded again.
//
// Every mutation is persisted before the call returns. A symbol is
// restricted while fewer than the configured number of calendar days have
// passed since its last loss-sale; once that window lapses the entry is
// removed the next time it is looked at.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"cloud.google.com/go/civil"
	"github.com/rs/zerolog"
)

var ErrInvalidWindow = errors.New("cooldown window must be positive")

type Ledger struct {
	mu     sync.Mutex
	store  Store
	window int
	state  State
	log    zerolog.Logger
}

// Open loads the ledger from store.
func Open(ctx context.Context, store Store, windowDays int, logger zerolog.Logger) (*Ledger, error) {
	if windowDays <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidWindow, windowDays)
	}
	st, err := store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load ledger: %w", err)
	}
	if st.WashSaleLog == nil {
		st.WashSaleLog = make(map[string]civil.Date)
	}

	l := &Ledger{
		store:  store,
		window: windowDays,
		state:  st,
		log:    logger.With().Str("component", "ledger").Logger(),
	}
	l.log.Debug().Int("entries", len(st.WashSaleLog)).Int("window_days", windowDays).Msg("ledger loaded")
	return l, nil
}

// Window returns the cooldown length in days.
func (l *Ledger) Window() int { return l.window }

// IsRestricted reports whether symbol is inside its cooldown on today.
// An expired entry is deleted and the ledger saved. If that save fails the
// entry is put back and the symbol is reported restricted along with the
// error.
func (l *Ledger) IsRestricted(ctx context.Context, symbol string, today civil.Date) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	sold, ok := l.state.WashSaleLog[symbol]
	if !ok {
		return false, nil
	}

	elapsed := today.DaysSince(sold)
	if elapsed < l.window {
		l.log.Warn().
			Str("symbol", symbol).
			Str("sold_on", sold.String()).
			Int("days_remaining", l.window-elapsed).
			Msg("wash sale cooldown active")
		return true, nil
	}

	delete(l.state.WashSaleLog, symbol)
	if err := l.store.Save(ctx, l.state); err != nil {
		l.state.WashSaleLog[symbol] = sold
		return true, fmt.Errorf("prune %s: %w", symbol, err)
	}
	l.log.Info().Str("symbol", symbol).Str("sold_on", sold.String()).Msg("wash sale cooldown lapsed")
	return false, nil
}

// RecordLossSale marks symbol as loss-sold on today, replacing any earlier
// date. On a save error the in-memory entry is kept: the sale happened and
// this process must keep honoring it.
func (l *Ledger) RecordLossSale(ctx context.Context, symbol string, today civil.Date) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.state.WashSaleLog[symbol] = today
	if err := l.store.Save(ctx, l.state); err != nil {
		return fmt.Errorf("record %s: %w", symbol, err)
	}
	l.log.Info().Str("symbol", symbol).Str("sold_on", today.String()).Msg("logged for wash sale cooldown")
	return nil
}

// Remaining returns how many days of cooldown symbol has left on today, or
// zero when it is not restricted. It never mutates the ledger.
func (l *Ledger) Remaining(symbol string, today civil.Date) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	sold, ok := l.state.WashSaleLog[symbol]
	if !ok {
		return 0
	}
	if left := l.window - today.DaysSince(sold); left > 0 {
		return left
	}
	return 0
}

// Prune drops every expired entry with a single save and returns how many
// were removed.
func (l *Ledger) Prune(ctx context.Context, today civil.Date) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	expired := make(map[string]civil.Date)
	for sym, sold := range l.state.WashSaleLog {
		if today.DaysSince(sold) >= l.window {
			expired[sym] = sold
		}
	}
	if len(expired) == 0 {
		return 0, nil
	}

	for sym := range expired {
		delete(l.state.WashSaleLog, sym)
	}
	if err := l.store.Save(ctx, l.state); err != nil {
		for sym, sold := range expired {
			l.state.WashSaleLog[sym] = sold
		}
		return 0, fmt.Errorf("prune: %w", err)
	}
	return len(expired), nil
}

// Entries returns a copy of the current log.
func (l *Ledger) Entries() map[string]civil.Date {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make(map[string]civil.Date, len(l.state.WashSaleLog))
	for k, v := range l.state.WashSaleLog {
		out[k] = v
	}
	return out
}

// Len returns the number of entries, expired or not.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.state.WashSaleLog)
}
