package relay

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yanolja/relay/failure"
)

func TestParseStrategy(t *testing.T) {
	tests := []struct {
		input    string
		expected Strategy
	}{
		{"", StrategyPriority},
		{"priority", StrategyPriority},
		{"PERFORMANCE", StrategyPerformance},
		{"COST_OPTIMIZED", StrategyCostOptimized},
		{"load-balanced", StrategyLoadBalanced},
		{" round_robin ", StrategyRoundRobin},
		{"Fallback", StrategyFallback},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			strategy, err := ParseStrategy(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, strategy)
		})
	}

	_, err := ParseStrategy("cheapest")
	assert.Error(t, err)
}

func TestOptionsDefaults(t *testing.T) {
	var opts Options
	assert.True(t, opts.CacheOn())
	assert.Equal(t, StrategyPriority, opts.StrategyOrDefault())

	disabled := false
	opts = Options{CacheEnabled: &disabled, Strategy: StrategyRoundRobin}
	assert.False(t, opts.CacheOn())
	assert.Equal(t, StrategyRoundRobin, opts.StrategyOrDefault())
}

func TestResponse(t *testing.T) {
	t.Run("failed carries the user message", func(t *testing.T) {
		response := Failed(failure.RateLimit, "openai", "gpt-4")
		assert.False(t, response.Success)
		assert.Equal(t, failure.RateLimit, response.ErrorKind)
		assert.Equal(t, failure.UserMessage(failure.RateLimit), response.Error)
		assert.Equal(t, "openai", response.Provider)
	})

	t.Run("clone is independent", func(t *testing.T) {
		original := &Response{Success: true, Text: "hello"}
		clone := original.Clone()
		clone.Text = "changed"
		assert.Equal(t, "hello", original.Text)

		var missing *Response
		assert.Nil(t, missing.Clone())
	})
}
