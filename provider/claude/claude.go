package claude

import (
	"context"
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/yanolja/relay/failure"
	"github.com/yanolja/relay/provider"
)

// A unique identifier for the Anthropic provider. Routing tables use this name.
const PROVIDER = "anthropic"

// Anthropic requires max_tokens on every request.
const defaultMaxTokens = 1024

type anthropicClient interface {
	New(ctx context.Context, params anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

type Endpoint struct {
	client anthropicClient
}

func NewEndpoint(apiKey string) (*Endpoint, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic API key is required")
	}
	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &Endpoint{client: &client.Messages}, nil
}

func newEndpointWithClient(client anthropicClient) *Endpoint {
	return &Endpoint{client: client}
}

func (ep *Endpoint) Name() string {
	return PROVIDER
}

func (ep *Endpoint) GenerateCompletion(ctx context.Context, request *provider.CompletionRequest) (*provider.CompletionResult, error) {
	params := toClaudeParams(request)
	message, err := ep.client.New(ctx, params)
	if err != nil {
		return nil, toFailure(err)
	}

	text := strings.Builder{}
	for _, block := range message.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	model := string(message.Model)
	if model == "" {
		model = request.Model
	}
	return &provider.CompletionResult{
		Text:         strings.TrimSpace(text.String()),
		TotalTokens:  int(message.Usage.InputTokens + message.Usage.OutputTokens),
		FinishReason: toFinishReason(string(message.StopReason)),
		Model:        model,
	}, nil
}

// IsAvailable sends a one-token message to the cheapest model.
func (ep *Endpoint) IsAvailable(ctx context.Context) bool {
	_, err := ep.client.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(standardizeModelName("claude-3-haiku")),
		MaxTokens: 1,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock("Ping")),
		},
	})
	return err == nil
}

func (ep *Endpoint) Shutdown() error {
	return nil
}

func toClaudeParams(request *provider.CompletionRequest) anthropic.MessageNewParams {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(standardizeModelName(request.Model)),
		MaxTokens: int64(request.MaxTokensOr(defaultMaxTokens)),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(request.Prompt)),
		},
		StopSequences: request.StopSequences,
	}
	if request.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: request.SystemPrompt}}
	}
	if request.Temperature != nil {
		params.Temperature = anthropic.Float(*request.Temperature)
	}
	return params
}

// toFailure keeps the status and the error body of API errors so that the
// classifier can read the Anthropic error type and message.
func toFailure(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return provider.ResponseFailure(PROVIDER, apiErr.StatusCode, []byte(apiErr.RawJSON()))
	}
	return failure.Normalize(PROVIDER, err)
}

func toFinishReason(stopReason string) string {
	switch stopReason {
	case "max_tokens":
		return "length"
	case "end_turn", "stop_sequence", "tool_use":
		return "stop"
	case "refusal":
		return "content_filter"
	}
	return stopReason
}

func standardizeModelName(model string) string {
	switch strings.TrimRight(model, "0123456789@-") {
	case "claude-3-5-sonnet":
		return "claude-3-5-sonnet-20241022"
	case "claude-3-opus":
		return "claude-3-opus-20240229"
	case "claude-3-sonnet":
		return "claude-3-sonnet-20240229"
	case "claude-3-haiku":
		return "claude-3-haiku-20240307"
	}
	return model
}
