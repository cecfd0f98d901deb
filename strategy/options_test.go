package strategy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/washguard/broker"
)

func TestNoopAnalyzer(t *testing.T) {
	a := NoopAnalyzer{}

	chain := []broker.OptionContract{{Symbol: "SPY250620C00500000", Underlying: "SPY", Type: broker.Call, Strike: 500}}
	opp, err := a.Analyze(context.Background(), "SPY", 500, chain)
	assert.NoError(t, err)
	assert.Nil(t, opp)
}

func TestAnalyzerByName(t *testing.T) {
	for _, name := range []string{"", "none", "noop", "NOOP"} {
		a, err := AnalyzerByName(name)
		require.NoError(t, err, name)
		assert.IsType(t, NoopAnalyzer{}, a)
	}

	_, err := AnalyzerByName("iron-condor")
	assert.Error(t, err)
}
