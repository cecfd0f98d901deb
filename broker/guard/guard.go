// Package guard wraps a broker.Broker with a rate limiter, a circuit breaker
// and retries for read calls.
//
// Orders are never retried: a timed-out submission may still have reached
// the broker, and a second one could sell twice.
package guard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/civil"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/rustyeddy/washguard/broker"
)

type Options struct {
	RatePerSec float64 // <= 0 disables limiting
	Burst      int

	ReadRetries  int
	RetryBackoff time.Duration

	// BreakerFailures consecutive failures open the breaker for BreakerTimeout.
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

func DefaultOptions() Options {
	return Options{
		RatePerSec:      2,
		Burst:           1,
		ReadRetries:     2,
		RetryBackoff:    500 * time.Millisecond,
		BreakerFailures: 3,
		BreakerTimeout:  60 * time.Second,
	}
}

type Broker struct {
	inner   broker.Broker
	opts    Options
	limiter *rate.Limiter
	cb      *gobreaker.CircuitBreaker
	log     zerolog.Logger
}

var _ broker.Broker = (*Broker)(nil)

func New(inner broker.Broker, opts Options, logger zerolog.Logger) *Broker {
	limit := rate.Inf
	if opts.RatePerSec > 0 {
		limit = rate.Limit(opts.RatePerSec)
	}
	burst := opts.Burst
	if burst < 1 {
		burst = 1
	}
	if opts.BreakerFailures < 1 {
		opts.BreakerFailures = 3
	}

	g := &Broker{
		inner:   inner,
		opts:    opts,
		limiter: rate.NewLimiter(limit, burst),
		log:     logger.With().Str("component", "guard").Str("broker", inner.Name()).Logger(),
	}

	st := gobreaker.Settings{Name: inner.Name()}
	st.Timeout = opts.BreakerTimeout
	st.ReadyToTrip = func(counts gobreaker.Counts) bool {
		return counts.ConsecutiveFailures >= opts.BreakerFailures
	}
	// a broker that answers "no" is healthy
	st.IsSuccessful = func(err error) bool {
		return err == nil || errors.Is(err, broker.ErrRejected) || errors.Is(err, broker.ErrUnknownSymbol)
	}
	st.OnStateChange = func(name string, from, to gobreaker.State) {
		g.log.Warn().Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
	}
	g.cb = gobreaker.NewCircuitBreaker(st)
	return g
}

// State reports the breaker state.
func (g *Broker) State() gobreaker.State { return g.cb.State() }

func (g *Broker) Name() string { return g.inner.Name() }

func (g *Broker) Connect(ctx context.Context) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return err
	}
	return g.inner.Connect(ctx)
}

func (g *Broker) GetAccount(ctx context.Context) (broker.Account, error) {
	v, err := g.read(ctx, "account", func() (any, error) { return g.inner.GetAccount(ctx) })
	if err != nil {
		return broker.Account{}, err
	}
	return v.(broker.Account), nil
}

func (g *Broker) GetPositions(ctx context.Context) ([]broker.Position, error) {
	v, err := g.read(ctx, "positions", func() (any, error) { return g.inner.GetPositions(ctx) })
	if err != nil {
		return nil, err
	}
	return v.([]broker.Position), nil
}

func (g *Broker) GetQuote(ctx context.Context, symbol string) (broker.Quote, error) {
	v, err := g.read(ctx, "quote", func() (any, error) { return g.inner.GetQuote(ctx, symbol) })
	if err != nil {
		return broker.Quote{}, err
	}
	return v.(broker.Quote), nil
}

func (g *Broker) GetOptionsChain(ctx context.Context, symbol string, expiration *civil.Date) ([]broker.OptionContract, error) {
	v, err := g.read(ctx, "options_chain", func() (any, error) { return g.inner.GetOptionsChain(ctx, symbol, expiration) })
	if err != nil {
		return nil, err
	}
	return v.([]broker.OptionContract), nil
}

func (g *Broker) IsETF(ctx context.Context, symbol string) (bool, error) {
	v, err := g.read(ctx, "is_etf", func() (any, error) { return g.inner.IsETF(ctx, symbol) })
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

func (g *Broker) PlaceOrder(ctx context.Context, req broker.OrderRequest) (broker.OrderAck, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return broker.OrderAck{}, err
	}
	v, err := g.cb.Execute(func() (any, error) { return g.inner.PlaceOrder(ctx, req) })
	if err != nil {
		return broker.OrderAck{}, fmt.Errorf("place order %s %s: %w", req.Action, req.Symbol, err)
	}
	return v.(broker.OrderAck), nil
}

func (g *Broker) read(ctx context.Context, op string, fn func() (any, error)) (any, error) {
	var lastErr error
	for attempt := 0; attempt <= g.opts.ReadRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * g.opts.RetryBackoff):
			}
		}
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		v, err := g.cb.Execute(fn)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if !retryable(err) {
			break
		}
		g.log.Debug().Err(err).Str("op", op).Int("attempt", attempt+1).Msg("broker read failed")
	}
	return nil, fmt.Errorf("%s: %w", op, lastErr)
}

func retryable(err error) bool {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return false
	case errors.Is(err, broker.ErrUnknownSymbol), errors.Is(err, broker.ErrRejected), errors.Is(err, broker.ErrNotConnected):
		return false
	}
	return true
}
