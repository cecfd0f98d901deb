// Package sim is an in-memory paper broker. Quotes and positions are seeded
// by the caller; orders fill immediately against the seeded quote.
package sim

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"

	"github.com/rustyeddy/washguard/broker"
)

type Engine struct {
	mu        sync.Mutex
	name      string
	connected bool
	acct      broker.Account
	quotes    map[string]broker.Quote
	positions map[string]broker.Position
	etfs      map[string]bool
	chains    map[string][]broker.OptionContract
	rejects   map[string]error
	orders    []broker.OrderAck

	// Now stamps fills; defaults to time.Now.
	Now func() time.Time
}

var _ broker.Broker = (*Engine)(nil)

func NewEngine(name string, acct broker.Account) *Engine {
	return &Engine{
		name:      name,
		acct:      acct,
		quotes:    make(map[string]broker.Quote),
		positions: make(map[string]broker.Position),
		etfs:      make(map[string]bool),
		chains:    make(map[string][]broker.OptionContract),
		rejects:   make(map[string]error),
		Now:       time.Now,
	}
}

func key(symbol string) string { return strings.ToUpper(strings.TrimSpace(symbol)) }

// SetQuote seeds or replaces the quote for q.Symbol.
func (e *Engine) SetQuote(q broker.Quote) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.quotes[key(q.Symbol)] = q
}

// SetPosition seeds or replaces a holding. A zero quantity removes it.
func (e *Engine) SetPosition(p broker.Position) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p.Quantity == 0 {
		delete(e.positions, key(p.Symbol))
		return
	}
	e.positions[key(p.Symbol)] = p
}

func (e *Engine) SetETF(symbol string, etf bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.etfs[key(symbol)] = etf
}

func (e *Engine) SetOptionsChain(symbol string, chain []broker.OptionContract) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.chains[key(symbol)] = chain
}

// RejectOrders makes every order for symbol fail with err until cleared
// with a nil err.
func (e *Engine) RejectOrders(symbol string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err == nil {
		delete(e.rejects, key(symbol))
		return
	}
	e.rejects[key(symbol)] = err
}

// Orders returns every accepted order, oldest first.
func (e *Engine) Orders() []broker.OrderAck {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]broker.OrderAck, len(e.orders))
	copy(out, e.orders)
	return out
}

func (e *Engine) Name() string { return e.name }

func (e *Engine) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.connected = true
	return nil
}

func (e *Engine) GetAccount(ctx context.Context) (broker.Account, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.connected {
		return broker.Account{}, broker.ErrNotConnected
	}
	acct := e.acct
	acct.Equity = acct.Cash + e.marketValueLocked()
	return acct, nil
}

func (e *Engine) GetPositions(ctx context.Context) ([]broker.Position, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.connected {
		return nil, broker.ErrNotConnected
	}
	out := make([]broker.Position, 0, len(e.positions))
	for _, p := range e.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (e *Engine) GetQuote(ctx context.Context, symbol string) (broker.Quote, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.connected {
		return broker.Quote{}, broker.ErrNotConnected
	}
	q, ok := e.quotes[key(symbol)]
	if !ok {
		return broker.Quote{}, fmt.Errorf("%w: %s", broker.ErrUnknownSymbol, symbol)
	}
	return q, nil
}

func (e *Engine) GetOptionsChain(ctx context.Context, symbol string, expiration *civil.Date) ([]broker.OptionContract, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.connected {
		return nil, broker.ErrNotConnected
	}
	var out []broker.OptionContract
	for _, c := range e.chains[key(symbol)] {
		if expiration != nil && c.Expiration != *expiration {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (e *Engine) IsETF(ctx context.Context, symbol string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.connected {
		return false, broker.ErrNotConnected
	}
	return e.etfs[key(symbol)], nil
}

func (e *Engine) PlaceOrder(ctx context.Context, req broker.OrderRequest) (broker.OrderAck, error) {
	if err := ctx.Err(); err != nil {
		return broker.OrderAck{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.connected {
		return broker.OrderAck{}, broker.ErrNotConnected
	}
	k := key(req.Symbol)
	if err, ok := e.rejects[k]; ok {
		return broker.OrderAck{}, fmt.Errorf("%w: %s: %v", broker.ErrRejected, req.Symbol, err)
	}
	if req.Quantity <= 0 {
		return broker.OrderAck{}, fmt.Errorf("%w: quantity must be positive, got %v", broker.ErrRejected, req.Quantity)
	}
	if req.Action != broker.Buy && req.Action != broker.Sell {
		return broker.OrderAck{}, fmt.Errorf("%w: unknown action %q", broker.ErrRejected, req.Action)
	}

	if req.Option != nil {
		return e.fillOptionLocked(req), nil
	}

	price, err := e.fillPriceLocked(k, req)
	if err != nil {
		return broker.OrderAck{}, err
	}

	pos := e.positions[k]
	switch req.Action {
	case broker.Sell:
		if req.Quantity > pos.Quantity {
			return broker.OrderAck{}, fmt.Errorf("%w: sell %v %s but hold %v", broker.ErrRejected, req.Quantity, req.Symbol, pos.Quantity)
		}
		pos.Quantity -= req.Quantity
		e.acct.Cash += req.Quantity * price
	case broker.Buy:
		cost := pos.AveragePrice*pos.Quantity + price*req.Quantity
		pos.Symbol = req.Symbol
		pos.Quantity += req.Quantity
		pos.AveragePrice = cost / pos.Quantity
		e.acct.Cash -= req.Quantity * price
	}
	if pos.Quantity == 0 {
		delete(e.positions, k)
	} else {
		e.positions[k] = pos
	}

	return e.ackLocked(req, price), nil
}

func (e *Engine) fillPriceLocked(k string, req broker.OrderRequest) (float64, error) {
	if req.Type == broker.Limit {
		if req.Price == nil || *req.Price <= 0 {
			return 0, fmt.Errorf("%w: limit order without price", broker.ErrRejected)
		}
		return *req.Price, nil
	}
	q, ok := e.quotes[k]
	if !ok || q.Price <= 0 {
		return 0, fmt.Errorf("%w: no market for %s", broker.ErrRejected, req.Symbol)
	}
	// sells hit the bid, buys lift the ask, when the quote has them
	if req.Action == broker.Sell && q.Bid > 0 {
		return q.Bid, nil
	}
	if req.Action == broker.Buy && q.Ask > 0 {
		return q.Ask, nil
	}
	return q.Price, nil
}

func (e *Engine) fillOptionLocked(req broker.OrderRequest) broker.OrderAck {
	price := 0.01
	if req.Price != nil && *req.Price > 0 {
		price = *req.Price
	}
	return e.ackLocked(req, price)
}

func (e *Engine) ackLocked(req broker.OrderRequest, price float64) broker.OrderAck {
	ack := broker.OrderAck{
		OrderID:  uuid.NewString(),
		Symbol:   req.Symbol,
		Action:   req.Action,
		Quantity: req.Quantity,
		Price:    price,
		Time:     e.Now(),
	}
	e.orders = append(e.orders, ack)
	return ack
}

func (e *Engine) marketValueLocked() float64 {
	var total float64
	for k, p := range e.positions {
		price := p.AveragePrice
		if q, ok := e.quotes[k]; ok && q.Price > 0 {
			price = q.Price
		}
		total += p.Quantity * price
	}
	return total
}
