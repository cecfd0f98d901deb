package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/rustyeddy/washguard/broker"
	"github.com/rustyeddy/washguard/broker/guard"
	"github.com/rustyeddy/washguard/broker/sim"
	"github.com/rustyeddy/washguard/config"
	"github.com/rustyeddy/washguard/engine"
	"github.com/rustyeddy/washguard/journal"
	"github.com/rustyeddy/washguard/ledger"
	"github.com/rustyeddy/washguard/strategy"
)

var errNoBroker = errors.New("cannot start without any connected brokers")

// app is everything a command needs, built from one Config.
type app struct {
	cfg      *config.Config
	log      zerolog.Logger
	loc      *time.Location
	ledger   *ledger.Ledger
	journal  journal.Journal
	registry *prometheus.Registry
	metrics  *engine.Metrics

	closers []func() error
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Warn().Err(err).Msg("close")
		}
	}
}

// newApp opens the ledger and journal. Brokers are connected separately
// since not every command needs them.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{
		cfg:      cfg,
		log:      newLogger(cfg.Log),
		registry: prometheus.NewRegistry(),
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	a.loc = loc
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = engine.NewMetrics(a.registry)

	store, err := a.openStore(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.ledger, err = ledger.Open(ctx, store, cfg.WashSaleDays, a.log)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("open ledger: %w", err)
	}

	a.journal, err = openJournal(cfg.Journal)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.closers = append(a.closers, a.journal.Close)
	return a, nil
}

func (a *app) openStore(ctx context.Context) (ledger.Store, error) {
	sc := a.cfg.State
	switch sc.Backend {
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: sc.RedisAddr})
		a.closers = append(a.closers, client.Close)
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis %s: %w", sc.RedisAddr, err)
		}
		a.log.Info().Str("addr", sc.RedisAddr).Msg("ledger backed by redis")
		return ledger.NewRedisStore(client, sc.RedisKey), nil
	default:
		a.log.Debug().Str("path", sc.Path).Msg("ledger backed by file")
		return ledger.NewFileStore(sc.Path), nil
	}
}

func openJournal(jc config.JournalConfig) (journal.Journal, error) {
	switch jc.Type {
	case "csv":
		j, err := journal.NewCSV(jc.DecisionsFile, jc.OrdersFile)
		if err != nil {
			return nil, fmt.Errorf("create journal: %w", err)
		}
		return j, nil
	case "sqlite":
		j, err := journal.NewSQLite(jc.DBPath)
		if err != nil {
			return nil, fmt.Errorf("create journal: %w", err)
		}
		return j, nil
	default:
		return journal.Nop{}, nil
	}
}

// newBroker builds the paper broker seeded from bc, wrapped in the guard.
func newBroker(bc config.BrokerConfig, logger zerolog.Logger) broker.Broker {
	eng := sim.NewEngine(bc.Name, broker.Account{
		ID:   bc.Paper.AccountID,
		Type: "CASH",
		Cash: bc.Paper.Cash,
	})
	now := time.Now()
	for sym, price := range bc.Paper.Quotes {
		eng.SetQuote(broker.Quote{Symbol: strings.ToUpper(sym), Price: price, Time: now})
	}
	for _, p := range bc.Paper.Positions {
		eng.SetPosition(broker.Position{
			Symbol:       strings.ToUpper(p.Symbol),
			Quantity:     p.Quantity,
			AveragePrice: p.AveragePrice,
			Dividends:    p.Dividends,
		})
	}
	for _, sym := range bc.Paper.ETFs {
		eng.SetETF(sym, true)
	}

	opts := guard.DefaultOptions()
	if bc.RatePerSec != 0 {
		opts.RatePerSec = bc.RatePerSec
	}
	if bc.Burst > 0 {
		opts.Burst = bc.Burst
	}
	if bc.ReadRetries > 0 {
		opts.ReadRetries = bc.ReadRetries
	}
	if bc.BreakerFailures > 0 {
		opts.BreakerFailures = uint32(bc.BreakerFailures)
	}
	if bc.BreakerTimeoutSeconds > 0 {
		opts.BreakerTimeout = time.Duration(bc.BreakerTimeoutSeconds) * time.Second
	}
	return guard.New(eng, opts, logger)
}

// connectBrokers connects every enabled broker and returns them in config
// order. The first one drives the cycle.
func (a *app) connectBrokers(ctx context.Context) ([]broker.Broker, error) {
	var connected []broker.Broker
	for _, bc := range a.cfg.EnabledBrokers() {
		b := newBroker(bc, a.log)
		if err := b.Connect(ctx); err != nil {
			a.log.Error().Err(err).Str("broker", bc.Name).Msg("connect failed")
			continue
		}
		a.log.Info().Str("broker", bc.Name).Msg("broker connected")
		connected = append(connected, b)
	}
	if len(connected) == 0 {
		return nil, errNoBroker
	}
	return connected, nil
}

func (a *app) orchestrator(b broker.Broker) (*engine.Orchestrator, error) {
	analyzer, err := strategy.AnalyzerByName(a.cfg.OptionsAnalyzer)
	if err != nil {
		return nil, err
	}
	o := engine.NewOrchestrator(b, a.ledger, engine.Settings{
		Watchlist:        a.cfg.Watchlist,
		OptionsWatchlist: a.cfg.OptionsWatchlist,
		MaxDrawdownPct:   a.cfg.MaxDrawdownPct,
		Location:         a.loc,
	}, a.log)
	o.Journal = a.journal
	o.Metrics = a.metrics
	o.Analyzer = analyzer
	return o, nil
}
