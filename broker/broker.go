// Package broker defines the brokerage capability the engine depends on.
package broker

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/civil"
)

var (
	ErrNotConnected  = errors.New("broker not connected")
	ErrUnknownSymbol = errors.New("unknown symbol")
	ErrRejected      = errors.New("order rejected")
)

// Broker is one brokerage account. Implementations are selected at startup.
type Broker interface {
	Name() string
	Connect(ctx context.Context) error

	GetAccount(ctx context.Context) (Account, error)
	GetPositions(ctx context.Context) ([]Position, error)

	// GetQuote returns the last price and indicators for symbol. A zero
	// Price means the price is unavailable.
	GetQuote(ctx context.Context, symbol string) (Quote, error)

	// GetOptionsChain returns contracts for symbol; a nil expiration means
	// every listed expiration.
	GetOptionsChain(ctx context.Context, symbol string, expiration *civil.Date) ([]OptionContract, error)

	// PlaceOrder submits an order. A nil error means the broker accepted it.
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderAck, error)

	IsETF(ctx context.Context, symbol string) (bool, error)
}

type Account struct {
	ID          string
	Type        string
	Cash        float64
	Equity      float64
	BuyingPower float64
}

type Position struct {
	Symbol       string
	Quantity     float64
	AveragePrice float64
	Dividends    float64
}

// FindPosition returns the position for symbol, matched case-insensitively.
func FindPosition(positions []Position, symbol string) (Position, bool) {
	for _, p := range positions {
		if strings.EqualFold(p.Symbol, symbol) {
			return p, true
		}
	}
	return Position{}, false
}

type Quote struct {
	Symbol string
	Price  float64
	Bid    float64
	Ask    float64
	Volume int64
	High   float64
	Low    float64
	Time   time.Time
}

// Indicators returns the quote fields in the loose map form used for logging.
func (q Quote) Indicators() map[string]float64 {
	return map[string]float64{
		"bid":    q.Bid,
		"ask":    q.Ask,
		"volume": float64(q.Volume),
		"high":   q.High,
		"low":    q.Low,
	}
}

type OptionType string

const (
	Call OptionType = "CALL"
	Put  OptionType = "PUT"
)

type OptionContract struct {
	Symbol     string
	Underlying string
	Type       OptionType
	Strike     float64
	Expiration civil.Date
	Bid        float64
	Ask        float64
	Volume     int64
}

type Action string

const (
	Buy  Action = "BUY"
	Sell Action = "SELL"
)

type OrderType string

const (
	Market OrderType = "MARKET"
	Limit  OrderType = "LIMIT"
)

// OrderRequest is an equity order unless Option is set.
type OrderRequest struct {
	Symbol   string
	Action   Action
	Quantity float64
	Type     OrderType
	Price    *float64 // limit price

	Option *OptionLeg
}

type OptionLeg struct {
	Type       OptionType
	Strike     float64
	Expiration civil.Date
}

type OrderAck struct {
	OrderID  string
	Symbol   string
	Action   Action
	Quantity float64
	Price    float64
	Time     time.Time
}
