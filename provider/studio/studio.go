package studio

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/yanolja/relay/failure"
	"github.com/yanolja/relay/provider"
)

// A unique identifier for the Gemini API provider in Google AI Studio
const PROVIDER = "studio"

const pingModel = "gemini-1.5-flash"

type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

type Endpoint struct {
	models contentGenerator
}

func NewEndpoint(ctx context.Context, apiKey string) (*Endpoint, error) {
	if apiKey == "" {
		return nil, errors.New("studio API key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %v", err)
	}
	return &Endpoint{models: client.Models}, nil
}

func newEndpointWithGenerator(models contentGenerator) *Endpoint {
	return &Endpoint{models: models}
}

func (ep *Endpoint) Name() string {
	return PROVIDER
}

func (ep *Endpoint) GenerateCompletion(ctx context.Context, request *provider.CompletionRequest) (*provider.CompletionResult, error) {
	response, err := ep.models.GenerateContent(ctx, request.Model, genai.Text(request.Prompt), toGeminiConfig(request))
	if err != nil {
		return nil, toFailure(err)
	}
	if len(response.Candidates) == 0 {
		if response.PromptFeedback != nil && response.PromptFeedback.BlockReason != "" {
			return nil, &failure.Failure{
				Provider: PROVIDER,
				Type:     "content_filter",
				Message:  fmt.Sprintf("prompt blocked by safety filters: %s", response.PromptFeedback.BlockReason),
			}
		}
		return nil, &failure.Failure{Provider: PROVIDER, StatusCode: 500, Message: "response contained no candidates"}
	}

	finishReason := toFinishReason(response.Candidates[0].FinishReason)
	if finishReason == "content_filter" {
		return nil, &failure.Failure{
			Provider: PROVIDER,
			Type:     "content_filter",
			Message:  "response blocked by safety filters",
		}
	}

	result := &provider.CompletionResult{
		Text:         strings.TrimSpace(response.Text()),
		FinishReason: finishReason,
		Model:        request.Model,
	}
	if response.UsageMetadata != nil {
		result.TotalTokens = int(response.UsageMetadata.TotalTokenCount)
	}
	if response.ModelVersion != "" {
		result.Model = response.ModelVersion
	}
	return result, nil
}

func (ep *Endpoint) IsAvailable(ctx context.Context) bool {
	config := &genai.GenerateContentConfig{MaxOutputTokens: 1}
	_, err := ep.models.GenerateContent(ctx, pingModel, genai.Text("Ping"), config)
	return err == nil
}

func (ep *Endpoint) Shutdown() error {
	return nil
}

func toGeminiConfig(request *provider.CompletionRequest) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{
		StopSequences: request.StopSequences,
	}
	if request.MaxTokens > 0 {
		config.MaxOutputTokens = int32(request.MaxTokens)
	}
	if request.Temperature != nil {
		config.Temperature = genai.Ptr(float32(*request.Temperature))
	}
	if request.SystemPrompt != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: request.SystemPrompt}},
		}
	}
	return config
}

func toFailure(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &failure.Failure{Provider: PROVIDER, StatusCode: apiErr.Code, Type: apiErr.Status, Message: apiErr.Message}
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) {
		return &failure.Failure{Provider: PROVIDER, StatusCode: apiErrPtr.Code, Type: apiErrPtr.Status, Message: apiErrPtr.Message}
	}
	return failure.Normalize(PROVIDER, err)
}

func toFinishReason(reason genai.FinishReason) string {
	switch reason {
	case genai.FinishReasonMaxTokens:
		return "length"
	case genai.FinishReasonSafety, genai.FinishReasonBlocklist, genai.FinishReasonProhibitedContent, genai.FinishReasonSPII:
		return "content_filter"
	}
	return "stop"
}
