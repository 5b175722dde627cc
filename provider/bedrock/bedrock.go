package bedrock

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrock"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/smithy-go"
	"github.com/goccy/go-json"

	"github.com/yanolja/relay/failure"
	"github.com/yanolja/relay/provider"
)

// A unique identifier for the AWS Bedrock provider
const PROVIDER = "bedrock"

const (
	anthropicVersion = "bedrock-2023-05-31"
	defaultMaxTokens = 1024
)

type modelInvoker interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

type modelLister interface {
	ListFoundationModels(ctx context.Context, params *bedrock.ListFoundationModelsInput, optFns ...func(*bedrock.Options)) (*bedrock.ListFoundationModelsOutput, error)
}

type Endpoint struct {
	region  string
	runtime modelInvoker
	catalog modelLister
}

func NewEndpoint(ctx context.Context, region string, accessKey string, secretKey string, sessionToken string) (*Endpoint, error) {
	if region == "" {
		region = "us-east-1"
	}

	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %v", err)
	}

	// Static keys from the relay config win over the default chain.
	if accessKey != "" && secretKey != "" {
		cfg.Credentials = credentials.NewStaticCredentialsProvider(accessKey, secretKey, sessionToken)
	}

	return &Endpoint{
		region:  region,
		runtime: bedrockruntime.NewFromConfig(cfg),
		catalog: bedrock.NewFromConfig(cfg),
	}, nil
}

func (ep *Endpoint) Name() string {
	return PROVIDER
}

func (ep *Endpoint) Region() string {
	return ep.region
}

func (ep *Endpoint) GenerateCompletion(ctx context.Context, request *provider.CompletionRequest) (*provider.CompletionResult, error) {
	modelId := mapModelName(request.Model)
	payload, err := createPayload(request, modelId)
	if err != nil {
		return nil, &failure.Failure{Provider: PROVIDER, StatusCode: 400, Message: err.Error()}
	}

	response, err := ep.runtime.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(modelId),
		Body:        payload,
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
	})
	if err != nil {
		return nil, toFailure(err)
	}

	result, err := parseResponse(response.Body, modelId)
	if err != nil {
		return nil, &failure.Failure{Provider: PROVIDER, StatusCode: 500, Message: fmt.Sprintf("failed to parse bedrock response: %v", err)}
	}
	return result, nil
}

// IsAvailable lists the foundation models, which checks both the credentials
// and the region.
func (ep *Endpoint) IsAvailable(ctx context.Context) bool {
	_, err := ep.catalog.ListFoundationModels(ctx, &bedrock.ListFoundationModelsInput{})
	return err == nil
}

func (ep *Endpoint) Shutdown() error {
	return nil
}

func mapModelName(model string) string {
	if strings.Contains(model, ".") {
		// Already a Bedrock model ID. E.g., "anthropic.claude-3-haiku-20240307-v1:0"
		return model
	}
	switch {
	case strings.Contains(model, "claude"):
		switch {
		case strings.Contains(model, "3-5-sonnet"):
			return "anthropic.claude-3-5-sonnet-20240620-v1:0"
		case strings.Contains(model, "3-opus"):
			return "anthropic.claude-3-opus-20240229-v1:0"
		case strings.Contains(model, "3-haiku"):
			return "anthropic.claude-3-haiku-20240307-v1:0"
		}
		return "anthropic.claude-3-sonnet-20240229-v1:0"
	case strings.Contains(model, "llama"):
		return "meta.llama3-8b-instruct-v1:0"
	}
	return "anthropic.claude-3-haiku-20240307-v1:0"
}

type claudeMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type claudePayload struct {
	AnthropicVersion string          `json:"anthropic_version"`
	MaxTokens        int             `json:"max_tokens"`
	System           string          `json:"system,omitempty"`
	Messages         []claudeMessage `json:"messages"`
	Temperature      *float64        `json:"temperature,omitempty"`
	StopSequences    []string        `json:"stop_sequences,omitempty"`
}

type claudeResponse struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type llamaPayload struct {
	Prompt      string   `json:"prompt"`
	MaxGenLen   int      `json:"max_gen_len,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
}

type llamaResponse struct {
	Generation           string `json:"generation"`
	PromptTokenCount     int    `json:"prompt_token_count"`
	GenerationTokenCount int    `json:"generation_token_count"`
	StopReason           string `json:"stop_reason"`
}

func createPayload(request *provider.CompletionRequest, modelId string) ([]byte, error) {
	switch {
	case strings.HasPrefix(modelId, "anthropic."):
		return json.Marshal(&claudePayload{
			AnthropicVersion: anthropicVersion,
			MaxTokens:        request.MaxTokensOr(defaultMaxTokens),
			System:           request.SystemPrompt,
			Messages:         []claudeMessage{{Role: "user", Content: request.Prompt}},
			Temperature:      request.Temperature,
			StopSequences:    request.StopSequences,
		})
	case strings.HasPrefix(modelId, "meta."):
		prompt := request.Prompt
		if request.SystemPrompt != "" {
			prompt = request.SystemPrompt + "\n\n" + prompt
		}
		return json.Marshal(&llamaPayload{
			Prompt:      prompt,
			MaxGenLen:   request.MaxTokens,
			Temperature: request.Temperature,
		})
	}
	return nil, fmt.Errorf("unsupported model: %s", modelId)
}

func parseResponse(body []byte, modelId string) (*provider.CompletionResult, error) {
	if strings.HasPrefix(modelId, "meta.") {
		var response llamaResponse
		if err := json.Unmarshal(body, &response); err != nil {
			return nil, err
		}
		return &provider.CompletionResult{
			Text:         strings.TrimSpace(response.Generation),
			TotalTokens:  response.PromptTokenCount + response.GenerationTokenCount,
			FinishReason: response.StopReason,
			Model:        modelId,
		}, nil
	}

	var response claudeResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, err
	}
	text := strings.Builder{}
	for _, block := range response.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	finishReason := "stop"
	if response.StopReason == "max_tokens" {
		finishReason = "length"
	}
	return &provider.CompletionResult{
		Text:         strings.TrimSpace(text.String()),
		TotalTokens:  response.Usage.InputTokens + response.Usage.OutputTokens,
		FinishReason: finishReason,
		Model:        modelId,
	}, nil
}

// toFailure keeps the HTTP status and the AWS error code. The code lands in
// Type. E.g., "ThrottlingException"
func toFailure(err error) error {
	result := failure.Normalize(PROVIDER, err)

	var responseErr *awshttp.ResponseError
	if errors.As(err, &responseErr) {
		result.StatusCode = responseErr.HTTPStatusCode()
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		result.Type = apiErr.ErrorCode()
		result.Message = apiErr.ErrorMessage()
		if result.StatusCode == 0 {
			result.StatusCode = statusFromCode(apiErr.ErrorCode())
		}
	}
	return result
}

func statusFromCode(code string) int {
	switch code {
	case "ThrottlingException", "ServiceQuotaExceededException":
		return 429
	case "AccessDeniedException", "UnrecognizedClientException":
		return 403
	case "ResourceNotFoundException":
		return 404
	case "ValidationException":
		return 400
	case "ModelNotReadyException", "ServiceUnavailableException":
		return 503
	case "InternalServerException", "ModelErrorException":
		return 500
	}
	return 0
}
