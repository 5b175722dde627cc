package provider

import (
	"context"
)

// Provider is a named backend that generates text completions. Every call to
// GenerateCompletion is one attempt; callers handle retries and fallback.
type Provider interface {
	// Name is the stable identifier used as the key in routing tables.
	// E.g., "openai"
	Name() string

	// IsAvailable reports whether the backend can currently serve requests.
	// May perform a network probe.
	IsAvailable(ctx context.Context) bool

	// GenerateCompletion returns an error on failure, preferably a
	// *failure.Failure so the error can be classified without guessing.
	GenerateCompletion(ctx context.Context, request *CompletionRequest) (*CompletionResult, error)

	Shutdown() error
}

type CompletionRequest struct {
	Prompt string

	// Model name as understood by the provider. E.g., "gpt-4"
	Model string

	// Zero leaves the limit to the provider.
	MaxTokens int

	// Nil leaves the temperature to the provider.
	Temperature *float64

	SystemPrompt  string
	StopSequences []string
}

func (r *CompletionRequest) TemperatureOr(defaultValue float64) float64 {
	if r.Temperature == nil {
		return defaultValue
	}
	return *r.Temperature
}

func (r *CompletionRequest) MaxTokensOr(defaultValue int) int {
	if r.MaxTokens <= 0 {
		return defaultValue
	}
	return r.MaxTokens
}

type CompletionResult struct {
	Text         string
	TotalTokens  int
	FinishReason string

	// Model that actually served the request, which may differ from the
	// requested one.
	Model string
}
