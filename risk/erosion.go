package risk

import (
	"github.com/shopspring/decimal"
)

// Verdict is the outcome of an erosion check.
type Verdict int

const (
	Hold Verdict = iota
	SellCritical
)

func (v Verdict) String() string {
	switch v {
	case Hold:
		return "HOLD"
	case SellCritical:
		return "SELL_CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// Inputs to Erosion. All prices are per unit.
type Inputs struct {
	Price          float64
	AverageCost    float64
	Dividends      float64 // accumulated dividend income on the position
	MaxDrawdownPct float64 // 0.10 = 10%
}

// Decision carries the verdict and the numbers that produced it.
type Decision struct {
	Verdict Verdict

	CapitalDelta decimal.Decimal // price - average cost; negative is a paper loss
	NetPosition  decimal.Decimal // capital delta + dividends
	Threshold    decimal.Decimal // average cost * max drawdown
}

// Erosion decides whether a position has eroded enough to sell.
//
// It recommends SellCritical only when dividends no longer cover the paper
// loss (NetPosition < 0) and the loss alone is strictly larger than
// MaxDrawdownPct of the cost basis. An AverageCost of zero gives a zero
// threshold. All inputs must be finite.
func Erosion(in Inputs) Decision {
	price := decimal.NewFromFloat(in.Price)
	cost := decimal.NewFromFloat(in.AverageCost)

	d := Decision{Verdict: Hold}
	d.CapitalDelta = price.Sub(cost)
	d.NetPosition = d.CapitalDelta.Add(decimal.NewFromFloat(in.Dividends))
	d.Threshold = cost.Mul(decimal.NewFromFloat(in.MaxDrawdownPct))

	if d.NetPosition.IsNegative() && d.CapitalDelta.Abs().GreaterThan(d.Threshold) {
		d.Verdict = SellCritical
	}
	return d
}
