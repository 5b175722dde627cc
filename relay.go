package relay

import (
	"fmt"
	"strings"
	"time"

	"github.com/yanolja/relay/failure"
)

// TaskType selects which model each provider uses for a request.
// Unknown task types fall back to the "default" tables.
type TaskType string

const (
	TaskTextGeneration TaskType = "text-generation"
	TaskCodeGeneration TaskType = "code-generation"
	TaskDecisionMaking TaskType = "decision-making"
	TaskDefault        TaskType = "default"
)

// Strategy is the policy used to rank providers.
type Strategy string

const (
	// StrategyPriority ranks by the composite of priority weight and health (default)
	StrategyPriority Strategy = "priority"

	// StrategyPerformance prefers the provider with the lowest average latency
	StrategyPerformance Strategy = "performance"

	// StrategyCostOptimized prefers the provider with the highest priority weight,
	// which doubles as a cost proxy
	StrategyCostOptimized Strategy = "cost_optimized"

	// StrategyLoadBalanced prefers the provider with the fewest recent requests
	StrategyLoadBalanced Strategy = "load_balanced"

	// StrategyRoundRobin cycles through providers ignoring health
	StrategyRoundRobin Strategy = "round_robin"

	// StrategyFallback is used when picking a replacement for a failed provider
	StrategyFallback Strategy = "fallback"
)

var strategies = []Strategy{
	StrategyPriority,
	StrategyPerformance,
	StrategyCostOptimized,
	StrategyLoadBalanced,
	StrategyRoundRobin,
	StrategyFallback,
}

// ParseStrategy accepts strategy names case-insensitively. An empty name
// yields StrategyPriority.
func ParseStrategy(name string) (Strategy, error) {
	if name == "" {
		return StrategyPriority, nil
	}
	normalized := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), "-", "_")
	for _, strategy := range strategies {
		if string(strategy) == normalized {
			return strategy, nil
		}
	}
	return "", fmt.Errorf("unknown selection strategy: %s", name)
}

// Options tunes how a single request is processed.
type Options struct {
	// Provider forces a specific provider when it is registered.
	Provider string `json:"provider,omitempty"`

	// Model overrides the model table for the chosen provider.
	Model string `json:"model,omitempty"`

	Strategy Strategy `json:"strategy,omitempty"`

	// CacheEnabled defaults to true when nil.
	CacheEnabled *bool `json:"cache_enabled,omitempty"`

	// Timeout per provider attempt. Zero uses the gateway default.
	Timeout time.Duration `json:"timeout,omitempty"`

	// MaxRetries overrides the gateway retry budget when set.
	MaxRetries *int `json:"max_retries,omitempty"`

	MaxTokens     int      `json:"max_tokens,omitempty"`
	Temperature   *float64 `json:"temperature,omitempty"`
	SystemPrompt  string   `json:"system_prompt,omitempty"`
	StopSequences []string `json:"stop_sequences,omitempty"`

	// TestMode together with TestError forces a synthetic failure without
	// calling any provider.
	TestMode  bool         `json:"test_mode,omitempty"`
	TestError failure.Kind `json:"test_error,omitempty"`
}

func (o Options) CacheOn() bool {
	return o.CacheEnabled == nil || *o.CacheEnabled
}

func (o Options) StrategyOrDefault() Strategy {
	if o.Strategy == "" {
		return StrategyPriority
	}
	return o.Strategy
}

// Response is the outcome of processing one input.
type Response struct {
	RequestID    string        `json:"request_id"`
	Success      bool          `json:"success"`
	Text         string        `json:"text,omitempty"`
	Provider     string        `json:"provider,omitempty"`
	Model        string        `json:"model,omitempty"`
	Latency      time.Duration `json:"latency"`
	TotalTokens  int           `json:"total_tokens,omitempty"`
	FinishReason string        `json:"finish_reason,omitempty"`
	FromCache    bool          `json:"from_cache"`
	WasFailover  bool          `json:"was_failover"`

	// Attempts counts provider invocations made for this response.
	Attempts int `json:"attempts"`

	Error     string       `json:"error,omitempty"`
	ErrorKind failure.Kind `json:"error_kind,omitempty"`
}

func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	clone := *r
	return &clone
}

// Failed builds a failure response carrying the user-facing message for kind.
func Failed(kind failure.Kind, provider, model string) *Response {
	return &Response{
		Success:   false,
		Provider:  provider,
		Model:     model,
		Error:     failure.UserMessage(kind),
		ErrorKind: kind,
	}
}
