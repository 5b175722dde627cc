package lmstudio

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/yanolja/relay/failure"
	"github.com/yanolja/relay/provider"
)

// A unique identifier for a local LM Studio server
const PROVIDER = "lmstudio"

const (
	DefaultBaseUrl        = "http://localhost:1234/v1"
	DefaultMaxConcurrency = 20
)

type CompletionRequest struct {
	Model       string   `json:"model"`
	Prompt      string   `json:"prompt"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	Stop        []string `json:"stop,omitempty"`
	Stream      bool     `json:"stream"`
}

type Choice struct {
	Text         string `json:"text"`
	FinishReason string `json:"finish_reason"`
}

type CompletionResponse struct {
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

type ModelList struct {
	Data []struct {
		Id string `json:"id"`
	} `json:"data"`
}

// Endpoint calls the OpenAI-compatible legacy completions API of LM Studio.
type Endpoint struct {
	baseUrl *url.URL
	client  *http.Client
	slots   *semaphore.Weighted
	logger  *zap.SugaredLogger
}

func NewEndpoint(baseUrl string, maxConcurrency int, logger *zap.SugaredLogger) (*Endpoint, error) {
	if baseUrl == "" {
		baseUrl = DefaultBaseUrl
	}
	parsedBaseUrl, err := provider.ParseBaseUrl(baseUrl)
	if err != nil {
		return nil, err
	}
	if maxConcurrency <= 0 {
		maxConcurrency = DefaultMaxConcurrency
	}
	return &Endpoint{
		baseUrl: parsedBaseUrl,
		client:  &http.Client{Timeout: 2 * time.Minute},
		slots:   semaphore.NewWeighted(int64(maxConcurrency)),
		logger:  logger,
	}, nil
}

func (ep *Endpoint) Name() string {
	return PROVIDER
}

func (ep *Endpoint) GenerateCompletion(ctx context.Context, request *provider.CompletionRequest) (*provider.CompletionResult, error) {
	if err := ep.slots.Acquire(ctx, 1); err != nil {
		return nil, failure.Normalize(PROVIDER, err)
	}
	defer ep.slots.Release(1)

	prompt := request.Prompt
	if request.SystemPrompt != "" {
		prompt = request.SystemPrompt + "\n\n" + prompt
	}
	body := &CompletionRequest{
		Model:       request.Model,
		Prompt:      prompt,
		MaxTokens:   request.MaxTokens,
		Temperature: request.Temperature,
		Stop:        request.StopSequences,
	}

	var response CompletionResponse
	endpointPath := ep.baseUrl.JoinPath("completions").String()
	if err := provider.DoJSON(ctx, ep.client, PROVIDER, http.MethodPost, endpointPath, nil, body, &response); err != nil {
		return nil, err
	}
	if len(response.Choices) == 0 {
		return nil, &failure.Failure{Provider: PROVIDER, StatusCode: 500, Message: "response contained no choices"}
	}

	model := response.Model
	if model == "" {
		model = request.Model
	}
	return &provider.CompletionResult{
		Text:         strings.TrimSpace(response.Choices[0].Text),
		TotalTokens:  response.Usage.TotalTokens,
		FinishReason: response.Choices[0].FinishReason,
		Model:        model,
	}, nil
}

// ListModels returns the models currently loaded in LM Studio.
func (ep *Endpoint) ListModels(ctx context.Context) ([]string, error) {
	var response ModelList
	endpointPath := ep.baseUrl.JoinPath("models").String()
	if err := provider.DoJSON(ctx, ep.client, PROVIDER, http.MethodGet, endpointPath, nil, nil, &response); err != nil {
		return nil, err
	}
	names := make([]string, len(response.Data))
	for i, model := range response.Data {
		names[i] = model.Id
	}
	return names, nil
}

func (ep *Endpoint) IsAvailable(ctx context.Context) bool {
	_, err := ep.ListModels(ctx)
	if err != nil {
		ep.logger.Debugw("LM Studio is not reachable", "base_url", ep.baseUrl.String(), "error", err)
	}
	return err == nil
}

func (ep *Endpoint) Shutdown() error {
	ep.client.CloseIdleConnections()
	return nil
}
