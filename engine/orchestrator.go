// Package engine runs the periodic cycle: for every watched symbol it checks
// the wash-sale ledger, reads the broker, applies the erosion rule and sells
// when the rule says so.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"cloud.google.com/go/civil"
	"github.com/rs/zerolog"

	"github.com/rustyeddy/washguard/broker"
	"github.com/rustyeddy/washguard/journal"
	"github.com/rustyeddy/washguard/ledger"
	"github.com/rustyeddy/washguard/risk"
	"github.com/rustyeddy/washguard/strategy"
)

// Settings are the immutable per-process knobs of a cycle.
type Settings struct {
	Watchlist        []string
	OptionsWatchlist []string
	MaxDrawdownPct   float64
	Location         *time.Location // today's date is taken in this zone
}

// Result is what happened to one symbol in one cycle.
type Result struct {
	Symbol  string
	Outcome string // one of the journal.Outcome* values
	Stage   string // stage that failed, for OutcomeError/OutcomeOrderFailed
	Verdict string
	OrderID string
	Err     error
}

// Report summarizes a cycle.
type Report struct {
	CycleID       string
	Started       time.Time
	Finished      time.Time
	Results       []Result
	Opportunities []strategy.Opportunity
}

// Count returns how many results had the given outcome.
func (r Report) Count(outcome string) int {
	n := 0
	for _, res := range r.Results {
		if res.Outcome == outcome {
			n++
		}
	}
	return n
}

// recordTimeout bounds the ledger and journal writes that follow an order.
const recordTimeout = 10 * time.Second

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// usablePrice is false for zero, negative and non-finite prices.
func usablePrice(p float64) bool {
	return p > 0 && !math.IsInf(p, 1)
}

// Orchestrator runs one cycle at a time. It is not safe for concurrent
// RunCycle calls.
type Orchestrator struct {
	broker   broker.Broker
	ledger   *ledger.Ledger
	settings Settings

	Journal  journal.Journal
	Metrics  *Metrics
	Analyzer strategy.OptionsAnalyzer

	// Now defaults to time.Now.
	Now func() time.Time

	log zerolog.Logger
}

func NewOrchestrator(b broker.Broker, l *ledger.Ledger, s Settings, logger zerolog.Logger) *Orchestrator {
	if s.Location == nil {
		s.Location = time.Local
	}
	return &Orchestrator{
		broker:   b,
		ledger:   l,
		settings: s,
		Journal:  journal.Nop{},
		Analyzer: strategy.NoopAnalyzer{},
		Now:      time.Now,
		log:      logger.With().Str("component", "engine").Logger(),
	}
}

// RunCycle evaluates every watched symbol in order, then runs the options
// pass. Per-symbol failures are logged and recorded in the report; the only
// error returned is the context's, when it is cancelled mid-cycle.
func (o *Orchestrator) RunCycle(ctx context.Context) (Report, error) {
	start := o.Now()
	rep := Report{
		CycleID: journal.NewID(start),
		Started: start,
	}
	today := civil.DateOf(start.In(o.settings.Location))
	log := o.log.With().Str("cycle", rep.CycleID).Logger()
	log.Info().Str("date", today.String()).Int("symbols", len(o.settings.Watchlist)).Msg("cycle start")

	for _, symbol := range o.settings.Watchlist {
		if err := ctx.Err(); err != nil {
			return o.finish(rep), err
		}
		res := o.evaluate(ctx, rep.CycleID, symbol, today)
		rep.Results = append(rep.Results, res)
	}

	for _, symbol := range o.settings.OptionsWatchlist {
		if err := ctx.Err(); err != nil {
			return o.finish(rep), err
		}
		if opp := o.scanOptions(ctx, symbol); opp != nil {
			rep.Opportunities = append(rep.Opportunities, *opp)
		}
	}

	rep = o.finish(rep)
	log.Info().
		Int("sold", rep.Count(journal.OutcomeSold)).
		Int("hold", rep.Count(journal.OutcomeHold)).
		Int("errors", rep.Count(journal.OutcomeError)+rep.Count(journal.OutcomeOrderFailed)).
		Dur("took", rep.Finished.Sub(rep.Started)).
		Msg("cycle done")
	return rep, nil
}

func (o *Orchestrator) finish(rep Report) Report {
	rep.Finished = o.Now()
	if o.Metrics != nil {
		o.Metrics.CycleDuration.Observe(rep.Finished.Sub(rep.Started).Seconds())
		o.Metrics.LastCycle.Set(float64(rep.Finished.Unix()))
		o.Metrics.LedgerEntries.Set(float64(o.ledger.Len()))
	}
	return rep
}

// evaluate walks one symbol through cooldown check, snapshot, position,
// decision and execution. The ledger is written only after the broker has
// accepted the sell.
func (o *Orchestrator) evaluate(ctx context.Context, cycleID, symbol string, today civil.Date) Result {
	log := o.log.With().Str("cycle", cycleID).Str("symbol", symbol).Logger()
	rec := journal.DecisionRecord{CycleID: cycleID, Symbol: symbol}
	res := Result{Symbol: symbol}
	jctx := ctx

	done := func(outcome, stage string, err error) Result {
		res.Outcome, res.Stage, res.Err = outcome, stage, err
		rec.Outcome = outcome
		rec.Verdict = res.Verdict
		if err != nil {
			rec.Detail = stage + ": " + err.Error()
		}
		o.journalDecision(jctx, log, rec)
		if o.Metrics != nil {
			o.Metrics.Outcomes.WithLabelValues(outcome).Inc()
		}
		return res
	}

	restricted, err := o.ledger.IsRestricted(ctx, symbol, today)
	if err != nil {
		log.Error().Err(err).Str("stage", "cooldown").Msg("ledger check failed, skipping")
		return done(journal.OutcomeError, "cooldown", err)
	}
	if restricted {
		rec.Detail = fmt.Sprintf("%d days remaining", o.ledger.Remaining(symbol, today))
		return done(journal.OutcomeRestricted, "", nil)
	}

	quote, err := o.broker.GetQuote(ctx, symbol)
	if err != nil {
		log.Error().Err(err).Str("stage", "snapshot").Msg("quote failed")
		return done(journal.OutcomeError, "snapshot", err)
	}
	if !usablePrice(quote.Price) {
		log.Warn().Str("stage", "snapshot").Float64("price", quote.Price).Msg("no usable price")
		return done(journal.OutcomeUnavailable, "snapshot", nil)
	}
	rec.Price = quote.Price
	log.Debug().Str("stage", "snapshot").Float64("price", quote.Price).Interface("quote", quote.Indicators()).Msg("snapshot")

	positions, err := o.broker.GetPositions(ctx)
	if err != nil {
		log.Error().Err(err).Str("stage", "positions").Msg("positions failed")
		return done(journal.OutcomeError, "positions", err)
	}
	pos, ok := broker.FindPosition(positions, symbol)
	if !ok || !(pos.Quantity > 0) {
		log.Debug().Str("stage", "positions").Float64("price", quote.Price).Msg("monitoring")
		return done(journal.OutcomeMonitoring, "", nil)
	}
	if !finite(pos.Quantity) || !finite(pos.AveragePrice) || !finite(pos.Dividends) {
		log.Warn().
			Str("stage", "positions").
			Float64("quantity", pos.Quantity).
			Float64("average_cost", pos.AveragePrice).
			Float64("dividends", pos.Dividends).
			Msg("position has non-finite values")
		return done(journal.OutcomeUnavailable, "positions", nil)
	}
	rec.AverageCost = pos.AveragePrice
	rec.Dividends = pos.Dividends
	rec.Quantity = pos.Quantity

	d := risk.Erosion(risk.Inputs{
		Price:          quote.Price,
		AverageCost:    pos.AveragePrice,
		Dividends:      pos.Dividends,
		MaxDrawdownPct: o.settings.MaxDrawdownPct,
	})
	res.Verdict = d.Verdict.String()
	log.Info().
		Str("stage", "decide").
		Float64("price", quote.Price).
		Str("capital_delta", d.CapitalDelta.StringFixed(2)).
		Str("net_position", d.NetPosition.StringFixed(2)).
		Str("threshold", d.Threshold.StringFixed(2)).
		Str("verdict", res.Verdict).
		Msg("erosion check")
	if d.Verdict != risk.SellCritical {
		return done(journal.OutcomeHold, "", nil)
	}

	req := broker.OrderRequest{
		Symbol:   symbol,
		Action:   broker.Sell,
		Quantity: pos.Quantity,
		Type:     broker.Market,
	}
	ack, err := o.broker.PlaceOrder(ctx, req)
	// once the broker has answered, a shutdown must not lose the record
	after, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	jctx = after
	o.journalOrder(after, log, cycleID, req, ack, err)
	if err != nil {
		log.Error().Err(err).Str("stage", "execute").Float64("quantity", pos.Quantity).Msg("sell failed, ledger untouched")
		return done(journal.OutcomeOrderFailed, "execute", err)
	}
	res.OrderID = ack.OrderID
	log.Warn().Str("stage", "execute").Str("order_id", ack.OrderID).Float64("quantity", pos.Quantity).Msg("sold on capital erosion")

	if err := o.ledger.RecordLossSale(after, symbol, today); err != nil {
		// the sale went through; the in-memory entry still blocks re-buys
		log.Error().Err(err).Str("stage", "ledger").Msg("loss sale not persisted")
		return done(journal.OutcomeSold, "ledger", err)
	}
	return done(journal.OutcomeSold, "", nil)
}

func (o *Orchestrator) scanOptions(ctx context.Context, symbol string) *strategy.Opportunity {
	log := o.log.With().Str("symbol", symbol).Str("stage", "options").Logger()

	quote, err := o.broker.GetQuote(ctx, symbol)
	if err != nil {
		log.Error().Err(err).Msg("quote failed")
		return nil
	}
	if !usablePrice(quote.Price) {
		return nil
	}
	chain, err := o.broker.GetOptionsChain(ctx, symbol, nil)
	if err != nil {
		log.Error().Err(err).Msg("options chain failed")
		return nil
	}
	opp, err := o.Analyzer.Analyze(ctx, symbol, quote.Price, chain)
	if err != nil {
		log.Error().Err(err).Msg("options analysis failed")
		return nil
	}
	if opp != nil {
		log.Info().Str("contract", opp.Contract.Symbol).Str("reason", opp.Reason).Msg("options opportunity")
	}
	return opp
}

func (o *Orchestrator) journalDecision(ctx context.Context, log zerolog.Logger, rec journal.DecisionRecord) {
	rec.Time = o.Now()
	rec.ID = journal.NewID(rec.Time)
	if err := o.Journal.RecordDecision(ctx, rec); err != nil {
		log.Warn().Err(err).Msg("journal decision failed")
	}
}

func (o *Orchestrator) journalOrder(ctx context.Context, log zerolog.Logger, cycleID string, req broker.OrderRequest, ack broker.OrderAck, orderErr error) {
	rec := journal.OrderRecord{
		Time:     o.Now(),
		CycleID:  cycleID,
		Symbol:   req.Symbol,
		Action:   string(req.Action),
		Quantity: req.Quantity,
		Price:    ack.Price,
		OrderID:  ack.OrderID,
		Status:   journal.StatusAccepted,
	}
	rec.ID = journal.NewID(rec.Time)
	if orderErr != nil {
		rec.Status = journal.StatusFailed
		rec.Error = orderErr.Error()
	}
	if o.Metrics != nil {
		o.Metrics.Orders.WithLabelValues(string(req.Action), rec.Status).Inc()
	}
	if err := o.Journal.RecordOrder(ctx, rec); err != nil && !errors.Is(err, context.Canceled) {
		log.Warn().Err(err).Msg("journal order failed")
	}
}
