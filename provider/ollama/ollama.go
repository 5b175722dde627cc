package ollama

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

// A unique identifier for a local Ollama server
const PROVIDER = "ollama"

const (
	DefaultBaseUrl        = "http://localhost:11434"
	DefaultMaxConcurrency = 12
)

type Options struct {
	Temperature *float64 `json:"temperature,omitempty"`
	NumPredict  int      `json:"num_predict,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

type GenerateRequest struct {
	Model   string   `json:"model"`
	Prompt  string   `json:"prompt"`
	System  string   `json:"system,omitempty"`
	Stream  bool     `json:"stream"`
	Options *Options `json:"options,omitempty"`
}

type GenerateResponse struct {
	Model           string `json:"model"`
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	DoneReason      string `json:"done_reason"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
}

type Model struct {
	Name string `json:"name"`
}

type TagsResponse struct {
	Models []Model `json:"models"`
}

// Endpoint calls Ollama's native API. Requests beyond the concurrency limit
// wait for a free slot until their context ends.
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
	if !ep.slots.TryAcquire(1) {
		ep.logger.Debugw("Waiting for a free Ollama slot", "model", request.Model)
		if err := ep.slots.Acquire(ctx, 1); err != nil {
			return nil, failure.Normalize(PROVIDER, err)
		}
	}
	defer ep.slots.Release(1)

	body := &GenerateRequest{
		Model:  request.Model,
		Prompt: request.Prompt,
		System: request.SystemPrompt,
		Stream: false,
	}
	if request.Temperature != nil || request.MaxTokens > 0 || len(request.StopSequences) > 0 {
		body.Options = &Options{
			Temperature: request.Temperature,
			NumPredict:  request.MaxTokens,
			Stop:        request.StopSequences,
		}
	}

	var response GenerateResponse
	endpointPath := ep.baseUrl.JoinPath("api", "generate").String()
	if err := provider.DoJSON(ctx, ep.client, PROVIDER, http.MethodPost, endpointPath, nil, body, &response); err != nil {
		return nil, err
	}

	finishReason := response.DoneReason
	if finishReason == "" {
		finishReason = "stop"
	}
	model := response.Model
	if model == "" {
		model = request.Model
	}
	return &provider.CompletionResult{
		Text:         strings.TrimSpace(response.Response),
		TotalTokens:  response.PromptEvalCount + response.EvalCount,
		FinishReason: finishReason,
		Model:        model,
	}, nil
}

// ListModels returns the models pulled on the server.
func (ep *Endpoint) ListModels(ctx context.Context) ([]string, error) {
	var response TagsResponse
	endpointPath := ep.baseUrl.JoinPath("api", "tags").String()
	if err := provider.DoJSON(ctx, ep.client, PROVIDER, http.MethodGet, endpointPath, nil, nil, &response); err != nil {
		return nil, err
	}
	names := make([]string, len(response.Models))
	for i, model := range response.Models {
		names[i] = model.Name
	}
	return names, nil
}

func (ep *Endpoint) IsAvailable(ctx context.Context) bool {
	_, err := ep.ListModels(ctx)
	if err != nil {
		ep.logger.Debugw("Ollama is not reachable", "base_url", ep.baseUrl.String(), "error", err)
	}
	return err == nil
}

func (ep *Endpoint) Shutdown() error {
	ep.client.CloseIdleConnections()
	return nil
}
