package engine

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/washguard/broker"
	"github.com/rustyeddy/washguard/broker/sim"
	"github.com/rustyeddy/washguard/journal"
	"github.com/rustyeddy/washguard/ledger"
	"github.com/rustyeddy/washguard/strategy"
)

var testNow = time.Date(2025, 6, 2, 15, 0, 0, 0, time.UTC)

// memStore is an in-memory ledger.Store; failSave makes Save error and
// honorCtx makes Save fail on a done context, like a network store.
type memStore struct {
	mu       sync.Mutex
	state    ledger.State
	failSave bool
	honorCtx bool
}

func (m *memStore) Load(ctx context.Context) (ledger.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := ledger.NewState()
	for k, v := range m.state.WashSaleLog {
		st.WashSaleLog[k] = v
	}
	return st, nil
}

func (m *memStore) Save(ctx context.Context, s ledger.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSave {
		return errors.New("disk full")
	}
	if m.honorCtx {
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	m.state = ledger.NewState()
	for k, v := range s.WashSaleLog {
		m.state.WashSaleLog[k] = v
	}
	return nil
}

// spyBroker wraps the paper broker to count calls and inject failures.
type spyBroker struct {
	*sim.Engine

	quoteErr  map[string]error
	quotes    map[string]int
	positions int
	orders    int
	chainErr  error

	// afterOrder runs once the paper broker has filled an order.
	afterOrder func()
}

func (s *spyBroker) GetQuote(ctx context.Context, symbol string) (broker.Quote, error) {
	s.quotes[symbol]++
	if err := s.quoteErr[symbol]; err != nil {
		return broker.Quote{}, err
	}
	return s.Engine.GetQuote(ctx, symbol)
}

func (s *spyBroker) GetPositions(ctx context.Context) ([]broker.Position, error) {
	s.positions++
	return s.Engine.GetPositions(ctx)
}

func (s *spyBroker) PlaceOrder(ctx context.Context, req broker.OrderRequest) (broker.OrderAck, error) {
	s.orders++
	ack, err := s.Engine.PlaceOrder(ctx, req)
	if s.afterOrder != nil {
		s.afterOrder()
	}
	return ack, err
}

func (s *spyBroker) GetOptionsChain(ctx context.Context, symbol string, exp *civil.Date) ([]broker.OptionContract, error) {
	if s.chainErr != nil {
		return nil, s.chainErr
	}
	return s.Engine.GetOptionsChain(ctx, symbol, exp)
}

type recJournal struct {
	decisions []journal.DecisionRecord
	orders    []journal.OrderRecord
}

func (r *recJournal) RecordDecision(ctx context.Context, rec journal.DecisionRecord) error {
	r.decisions = append(r.decisions, rec)
	return nil
}

func (r *recJournal) RecordOrder(ctx context.Context, rec journal.OrderRecord) error {
	r.orders = append(r.orders, rec)
	return nil
}

func (r *recJournal) Close() error { return nil }

type fixture struct {
	broker  *spyBroker
	store   *memStore
	ledger  *ledger.Ledger
	journal *recJournal
	orch    *Orchestrator
}

func newFixture(t *testing.T, watchlist ...string) *fixture {
	t.Helper()

	eng := sim.NewEngine("paper", broker.Account{ID: "SIM-001", Type: "CASH", Cash: 1000})
	eng.Now = func() time.Time { return testNow }
	require.NoError(t, eng.Connect(context.Background()))

	f := &fixture{
		broker:  &spyBroker{Engine: eng, quoteErr: map[string]error{}, quotes: map[string]int{}},
		store:   &memStore{state: ledger.NewState()},
		journal: &recJournal{},
	}
	l, err := ledger.Open(context.Background(), f.store, 31, zerolog.Nop())
	require.NoError(t, err)
	f.ledger = l

	f.orch = NewOrchestrator(f.broker, l, Settings{
		Watchlist:      watchlist,
		MaxDrawdownPct: 0.10,
		Location:       time.UTC,
	}, zerolog.Nop())
	f.orch.Journal = f.journal
	f.orch.Now = func() time.Time { return testNow }
	return f
}

func (f *fixture) run(t *testing.T) Report {
	t.Helper()
	rep, err := f.orch.RunCycle(context.Background())
	require.NoError(t, err)
	return rep
}

func TestULTYScenarioHolds(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "ULTY")
	f.broker.SetQuote(broker.Quote{Symbol: "ULTY", Price: 38.57})
	f.broker.SetPosition(broker.Position{Symbol: "ULTY", Quantity: 10, AveragePrice: 40, Dividends: 0.55})

	rep := f.run(t)
	require.Len(t, rep.Results, 1)
	assert.Equal(t, journal.OutcomeHold, rep.Results[0].Outcome)
	assert.Equal(t, "HOLD", rep.Results[0].Verdict)
	assert.Zero(t, f.broker.orders)
	assert.Zero(t, f.ledger.Len())
}

func TestDecisionBoundaryThroughCycle(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		price     float64
		dividends float64
		want      string
	}{
		{"loss above threshold sells", 89, 0, journal.OutcomeSold},
		{"loss equal to threshold holds", 90, 0, journal.OutcomeHold},
		{"dividends cover the loss", 95, 6, journal.OutcomeHold},
		{"large loss covered by dividends", 80, 25, journal.OutcomeHold},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t, "TSLA")
			f.broker.SetQuote(broker.Quote{Symbol: "TSLA", Price: tt.price})
			f.broker.SetPosition(broker.Position{Symbol: "TSLA", Quantity: 10, AveragePrice: 100, Dividends: tt.dividends})

			rep := f.run(t)
			assert.Equal(t, tt.want, rep.Results[0].Outcome)
		})
	}
}

func TestSellCriticalSellsWholePositionThenRecords(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "TSLA")
	f.broker.SetQuote(broker.Quote{Symbol: "TSLA", Price: 89})
	f.broker.SetPosition(broker.Position{Symbol: "TSLA", Quantity: 7.5, AveragePrice: 100})

	rep := f.run(t)
	res := rep.Results[0]
	assert.Equal(t, journal.OutcomeSold, res.Outcome)
	assert.NotEmpty(t, res.OrderID)
	assert.NoError(t, res.Err)

	orders := f.broker.Orders()
	require.Len(t, orders, 1)
	assert.Equal(t, broker.Sell, orders[0].Action)
	assert.Equal(t, 7.5, orders[0].Quantity)

	entries := f.ledger.Entries()
	assert.Equal(t, civil.DateOf(testNow), entries["TSLA"])
	assert.Equal(t, civil.DateOf(testNow), f.store.state.WashSaleLog["TSLA"], "sale must be persisted")

	require.Len(t, f.journal.orders, 1)
	assert.Equal(t, journal.StatusAccepted, f.journal.orders[0].Status)
	assert.Equal(t, res.OrderID, f.journal.orders[0].OrderID)
	require.Len(t, f.journal.decisions, 1)
	assert.Equal(t, "SELL_CRITICAL", f.journal.decisions[0].Verdict)
}

func TestFailedOrderLeavesLedgerUntouched(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "TSLA")
	f.broker.SetQuote(broker.Quote{Symbol: "TSLA", Price: 50})
	f.broker.SetPosition(broker.Position{Symbol: "TSLA", Quantity: 10, AveragePrice: 100})
	f.broker.RejectOrders("TSLA", errors.New("market closed"))

	rep := f.run(t)
	res := rep.Results[0]
	assert.Equal(t, journal.OutcomeOrderFailed, res.Outcome)
	assert.Equal(t, "execute", res.Stage)
	assert.ErrorIs(t, res.Err, broker.ErrRejected)

	assert.Zero(t, f.ledger.Len())
	assert.Empty(t, f.store.state.WashSaleLog)
	require.Len(t, f.journal.orders, 1)
	assert.Equal(t, journal.StatusFailed, f.journal.orders[0].Status)

	restricted, err := f.ledger.IsRestricted(context.Background(), "TSLA", civil.DateOf(testNow))
	require.NoError(t, err)
	assert.False(t, restricted)
}

func TestNoPositionNeverDecides(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "SPY", "QQQ")
	f.broker.SetQuote(broker.Quote{Symbol: "SPY", Price: 1})
	f.broker.SetQuote(broker.Quote{Symbol: "QQQ", Price: 1})
	f.broker.SetPosition(broker.Position{Symbol: "QQQ", Quantity: 0, AveragePrice: 400})

	rep := f.run(t)
	for _, res := range rep.Results {
		assert.Equal(t, journal.OutcomeMonitoring, res.Outcome, res.Symbol)
		assert.Empty(t, res.Verdict)
	}
	assert.Zero(t, f.broker.orders)
}

func TestPositionMatchIgnoresCase(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "tsla")
	f.broker.SetQuote(broker.Quote{Symbol: "TSLA", Price: 89})
	f.broker.SetPosition(broker.Position{Symbol: "TSLA", Quantity: 1, AveragePrice: 100})

	rep := f.run(t)
	assert.Equal(t, journal.OutcomeSold, rep.Results[0].Outcome)
	_, ok := f.ledger.Entries()["tsla"]
	assert.True(t, ok, "ledger keys use the watchlist spelling")
}

func TestRestrictedSkipsSnapshot(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "NVDA")
	f.broker.SetQuote(broker.Quote{Symbol: "NVDA", Price: 1})
	f.broker.SetPosition(broker.Position{Symbol: "NVDA", Quantity: 10, AveragePrice: 100})
	require.NoError(t, f.ledger.RecordLossSale(context.Background(), "NVDA", civil.DateOf(testNow).AddDays(-5)))

	rep := f.run(t)
	assert.Equal(t, journal.OutcomeRestricted, rep.Results[0].Outcome)
	assert.Zero(t, f.broker.quotes["NVDA"])
	assert.Zero(t, f.broker.positions)
	assert.Zero(t, f.broker.orders)
	assert.Equal(t, "26 days remaining", f.journal.decisions[0].Detail)
}

func TestLapsedCooldownIsEvaluated(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "NVDA")
	f.broker.SetQuote(broker.Quote{Symbol: "NVDA", Price: 120})
	f.broker.SetPosition(broker.Position{Symbol: "NVDA", Quantity: 10, AveragePrice: 100})
	require.NoError(t, f.ledger.RecordLossSale(context.Background(), "NVDA", civil.DateOf(testNow).AddDays(-31)))

	rep := f.run(t)
	assert.Equal(t, journal.OutcomeHold, rep.Results[0].Outcome)
	assert.Zero(t, f.ledger.Len())
}

func TestUnavailablePriceSkips(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "SPY")
	f.broker.SetQuote(broker.Quote{Symbol: "SPY", Price: 0})
	f.broker.SetPosition(broker.Position{Symbol: "SPY", Quantity: 10, AveragePrice: 500})

	rep := f.run(t)
	assert.Equal(t, journal.OutcomeUnavailable, rep.Results[0].Outcome)
	assert.Zero(t, f.broker.positions)
	assert.Zero(t, f.broker.orders)
}

func TestNonFinitePriceIsUnavailable(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "NAN", "INF", "TSLA")
	f.broker.SetQuote(broker.Quote{Symbol: "NAN", Price: math.NaN()})
	f.broker.SetQuote(broker.Quote{Symbol: "INF", Price: math.Inf(1)})
	f.broker.SetQuote(broker.Quote{Symbol: "TSLA", Price: 50})
	f.broker.SetPosition(broker.Position{Symbol: "NAN", Quantity: 10, AveragePrice: 100})
	f.broker.SetPosition(broker.Position{Symbol: "INF", Quantity: 10, AveragePrice: 100})
	f.broker.SetPosition(broker.Position{Symbol: "TSLA", Quantity: 10, AveragePrice: 100})

	rep := f.run(t)
	require.Len(t, rep.Results, 3)
	assert.Equal(t, journal.OutcomeUnavailable, rep.Results[0].Outcome)
	assert.Equal(t, journal.OutcomeUnavailable, rep.Results[1].Outcome)
	assert.Equal(t, journal.OutcomeSold, rep.Results[2].Outcome)
	assert.Equal(t, 1, f.broker.orders)
}

func TestNonFinitePositionIsUnavailable(t *testing.T) {
	tests := []struct {
		name string
		pos  broker.Position
	}{
		{"NaN average cost", broker.Position{Symbol: "TSLA", Quantity: 10, AveragePrice: math.NaN()}},
		{"infinite average cost", broker.Position{Symbol: "TSLA", Quantity: 10, AveragePrice: math.Inf(1)}},
		{"NaN dividends", broker.Position{Symbol: "TSLA", Quantity: 10, AveragePrice: 100, Dividends: math.NaN()}},
		{"infinite dividends", broker.Position{Symbol: "TSLA", Quantity: 10, AveragePrice: 100, Dividends: math.Inf(-1)}},
		{"infinite quantity", broker.Position{Symbol: "TSLA", Quantity: math.Inf(1), AveragePrice: 100}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, "TSLA", "SPY")
			f.broker.SetQuote(broker.Quote{Symbol: "TSLA", Price: 50})
			f.broker.SetQuote(broker.Quote{Symbol: "SPY", Price: 500})
			f.broker.SetPosition(tt.pos)

			rep := f.run(t)
			require.Len(t, rep.Results, 2)
			assert.Equal(t, journal.OutcomeUnavailable, rep.Results[0].Outcome)
			assert.Equal(t, "positions", rep.Results[0].Stage)
			assert.Equal(t, journal.OutcomeMonitoring, rep.Results[1].Outcome)
			assert.Zero(t, f.broker.orders)
			assert.Zero(t, f.ledger.Len())
		})
	}
}

func TestSnapshotErrorIsIsolated(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "SPY", "QQQ")
	f.broker.quoteErr["SPY"] = errors.New("timeout")
	f.broker.SetQuote(broker.Quote{Symbol: "QQQ", Price: 430})
	f.broker.SetPosition(broker.Position{Symbol: "QQQ", Quantity: 1, AveragePrice: 400})

	rep := f.run(t)
	require.Len(t, rep.Results, 2)
	assert.Equal(t, journal.OutcomeError, rep.Results[0].Outcome)
	assert.Equal(t, "snapshot", rep.Results[0].Stage)
	assert.Equal(t, journal.OutcomeHold, rep.Results[1].Outcome)
}

func TestLedgerCheckFailureFailsClosed(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "NVDA")
	f.broker.SetQuote(broker.Quote{Symbol: "NVDA", Price: 1})
	f.broker.SetPosition(broker.Position{Symbol: "NVDA", Quantity: 10, AveragePrice: 100})
	require.NoError(t, f.ledger.RecordLossSale(context.Background(), "NVDA", civil.DateOf(testNow).AddDays(-40)))
	f.store.failSave = true

	rep := f.run(t)
	assert.Equal(t, journal.OutcomeError, rep.Results[0].Outcome)
	assert.Equal(t, "cooldown", rep.Results[0].Stage)
	assert.Zero(t, f.broker.orders)
}

func TestSaleKeptInMemoryWhenLedgerWriteFails(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "TSLA")
	f.broker.SetQuote(broker.Quote{Symbol: "TSLA", Price: 50})
	f.broker.SetPosition(broker.Position{Symbol: "TSLA", Quantity: 10, AveragePrice: 100})
	f.store.failSave = true

	rep := f.run(t)
	res := rep.Results[0]
	assert.Equal(t, journal.OutcomeSold, res.Outcome)
	assert.Equal(t, "ledger", res.Stage)
	assert.Error(t, res.Err)
	assert.Equal(t, 1, f.ledger.Len())
}

func TestSaleRecordedWhenCancelledAfterFill(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "TSLA", "SPY")
	f.broker.SetQuote(broker.Quote{Symbol: "TSLA", Price: 50})
	f.broker.SetPosition(broker.Position{Symbol: "TSLA", Quantity: 10, AveragePrice: 100})
	f.store.honorCtx = true

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.broker.afterOrder = cancel

	rep, err := f.orch.RunCycle(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	require.Len(t, rep.Results, 1)
	res := rep.Results[0]
	assert.Equal(t, journal.OutcomeSold, res.Outcome)
	assert.Empty(t, res.Stage)
	assert.NoError(t, res.Err)

	f.store.mu.Lock()
	sold, ok := f.store.state.WashSaleLog["TSLA"]
	f.store.mu.Unlock()
	require.True(t, ok, "sale must reach the store")
	assert.Equal(t, civil.DateOf(testNow), sold)

	require.Len(t, f.journal.orders, 1)
	assert.Equal(t, journal.StatusAccepted, f.journal.orders[0].Status)
}

func TestCancelledContextStopsCycle(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "SPY", "QQQ")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rep, err := f.orch.RunCycle(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, rep.Results)
}

type pickFirst struct{}

func (pickFirst) Analyze(ctx context.Context, underlying string, price float64, chain []broker.OptionContract) (*strategy.Opportunity, error) {
	if len(chain) == 0 {
		return nil, nil
	}
	return &strategy.Opportunity{Underlying: underlying, Contract: chain[0], Reason: "first"}, nil
}

func TestOptionsPass(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.orch.settings.OptionsWatchlist = []string{"SPY", "QQQ"}
	f.orch.Analyzer = pickFirst{}
	f.broker.SetQuote(broker.Quote{Symbol: "SPY", Price: 500})
	f.broker.SetOptionsChain("SPY", []broker.OptionContract{
		{Symbol: "SPY250620C00500000", Underlying: "SPY", Type: broker.Call, Strike: 500, Expiration: civil.Date{Year: 2025, Month: 6, Day: 20}},
	})

	rep := f.run(t)
	require.Len(t, rep.Opportunities, 1)
	assert.Equal(t, "SPY", rep.Opportunities[0].Underlying)
	assert.Zero(t, f.broker.orders)
}

func TestOptionsPassSkipsChainErrors(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.orch.settings.OptionsWatchlist = []string{"SPY"}
	f.orch.Analyzer = pickFirst{}
	f.broker.SetQuote(broker.Quote{Symbol: "SPY", Price: 500})
	f.broker.chainErr = errors.New("chain unavailable")

	rep := f.run(t)
	assert.Empty(t, rep.Opportunities)
}

func TestMetricsCountOutcomes(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "SPY", "TSLA", "ULTY")
	m := NewMetrics(prometheus.NewRegistry())
	f.orch.Metrics = m
	f.broker.SetQuote(broker.Quote{Symbol: "SPY", Price: 500})
	f.broker.SetQuote(broker.Quote{Symbol: "TSLA", Price: 89})
	f.broker.SetQuote(broker.Quote{Symbol: "ULTY", Price: 38.57})
	f.broker.SetPosition(broker.Position{Symbol: "TSLA", Quantity: 10, AveragePrice: 100})
	f.broker.SetPosition(broker.Position{Symbol: "ULTY", Quantity: 10, AveragePrice: 40, Dividends: 0.55})

	f.run(t)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Outcomes.WithLabelValues(journal.OutcomeMonitoring)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Outcomes.WithLabelValues(journal.OutcomeSold)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Outcomes.WithLabelValues(journal.OutcomeHold)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Orders.WithLabelValues("SELL", journal.StatusAccepted)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LedgerEntries))
	assert.Equal(t, float64(testNow.Unix()), testutil.ToFloat64(m.LastCycle))
}

func TestReportCount(t *testing.T) {
	t.Parallel()

	rep := Report{Results: []Result{
		{Outcome: journal.OutcomeHold},
		{Outcome: journal.OutcomeHold},
		{Outcome: journal.OutcomeSold},
	}}
	assert.Equal(t, 2, rep.Count(journal.OutcomeHold))
	assert.Equal(t, 1, rep.Count(journal.OutcomeSold))
	assert.Zero(t, rep.Count(journal.OutcomeError))
}
