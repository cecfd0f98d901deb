// Package strategy holds the analyzers run in the options pass of a cycle.
package strategy

import (
	"context"
	"fmt"
	"strings"

	"github.com/rustyeddy/washguard/broker"
)

// Opportunity is a trade idea surfaced by an OptionsAnalyzer. The engine logs
// opportunities and returns them in the cycle report; it never acts on them.
type Opportunity struct {
	Underlying string
	Contract   broker.OptionContract
	Reason     string
}

// OptionsAnalyzer inspects an options chain for one underlying. It returns
// nil when there is nothing worth reporting.
type OptionsAnalyzer interface {
	Analyze(ctx context.Context, underlying string, price float64, chain []broker.OptionContract) (*Opportunity, error)
}

// NoopAnalyzer never finds anything.
type NoopAnalyzer struct{}

func (NoopAnalyzer) Analyze(ctx context.Context, underlying string, price float64, chain []broker.OptionContract) (*Opportunity, error) {
	return nil, nil
}

var registry = map[string]OptionsAnalyzer{
	"noop": NoopAnalyzer{},
}

// AnalyzerByName returns a registered analyzer; "" and "none" mean noop.
func AnalyzerByName(name string) (OptionsAnalyzer, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	if n == "" || n == "none" {
		n = "noop"
	}
	a, ok := registry[n]
	if !ok {
		return nil, fmt.Errorf("unknown options analyzer %q", name)
	}
	return a, nil
}
