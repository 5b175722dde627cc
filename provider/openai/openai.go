package openai

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/yanolja/relay/failure"
	"github.com/yanolja/relay/provider"
)

// A unique identifier for the OpenAI provider
const PROVIDER = "openai"

const DefaultBaseUrl = "https://api.openai.com/v1"

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatCompletionRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
	Stop        []string  `json:"stop,omitempty"`
}

type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type ChatCompletionResponse struct {
	Id      string   `json:"id"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

// Endpoint talks to any backend exposing the OpenAI chat completions API.
type Endpoint struct {
	providerName string
	apiKey       string
	baseUrl      *url.URL
	client       *http.Client
}

func NewEndpoint(providerName string, baseUrl string, apiKey string) (*Endpoint, error) {
	parsedBaseUrl, err := provider.ParseBaseUrl(baseUrl)
	if err != nil {
		return nil, err
	}
	if providerName == "" {
		providerName = PROVIDER
	}
	return &Endpoint{
		providerName: providerName,
		apiKey:       apiKey,
		baseUrl:      parsedBaseUrl,
		client:       &http.Client{Timeout: 5 * time.Minute},
	}, nil
}

func (ep *Endpoint) Name() string {
	return ep.providerName
}

func (ep *Endpoint) header() http.Header {
	header := http.Header{}
	if ep.apiKey != "" {
		header.Set("Authorization", "Bearer "+ep.apiKey)
	}
	return header
}

func (ep *Endpoint) GenerateCompletion(ctx context.Context, request *provider.CompletionRequest) (*provider.CompletionResult, error) {
	messages := make([]Message, 0, 2)
	if request.SystemPrompt != "" {
		messages = append(messages, Message{Role: "system", Content: request.SystemPrompt})
	}
	messages = append(messages, Message{Role: "user", Content: request.Prompt})

	body := &ChatCompletionRequest{
		Model:       request.Model,
		Messages:    messages,
		MaxTokens:   request.MaxTokens,
		Temperature: request.Temperature,
		Stop:        request.StopSequences,
	}

	var response ChatCompletionResponse
	endpointPath := ep.baseUrl.JoinPath("chat", "completions").String()
	if err := provider.DoJSON(ctx, ep.client, ep.providerName, http.MethodPost, endpointPath, ep.header(), body, &response); err != nil {
		return nil, err
	}
	if len(response.Choices) == 0 {
		return nil, &failure.Failure{
			Provider: ep.providerName,
			Type:     "server_error",
			Message:  "response contained no choices",
		}
	}

	choice := response.Choices[0]
	model := response.Model
	if model == "" {
		model = request.Model
	}
	return &provider.CompletionResult{
		Text:         strings.TrimSpace(choice.Message.Content),
		TotalTokens:  response.Usage.TotalTokens,
		FinishReason: choice.FinishReason,
		Model:        model,
	}, nil
}

// IsAvailable lists the models, which needs a valid API key but costs nothing.
func (ep *Endpoint) IsAvailable(ctx context.Context) bool {
	if ep.apiKey == "" {
		return false
	}
	endpointPath := ep.baseUrl.JoinPath("models").String()
	return provider.DoJSON(ctx, ep.client, ep.providerName, http.MethodGet, endpointPath, ep.header(), nil, nil) == nil
}

func (ep *Endpoint) Shutdown() error {
	ep.client.CloseIdleConnections()
	return nil
}
