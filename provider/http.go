package provider

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/goccy/go-json"

	"github.com/yanolja/relay/failure"
)

// Longest response body copied into a failure message.
const maxErrorBody = 512

// ParseBaseUrl validates the base URL of an HTTP backend.
func ParseBaseUrl(baseUrl string) (*url.URL, error) {
	parsed, err := url.Parse(baseUrl)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %v", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid endpoint: URL must have a scheme and host")
	}
	return parsed, nil
}

// DoJSON sends body as JSON and decodes a 2xx response into out. Transport
// errors and non-2xx responses come back as *failure.Failure tagged with
// provider.
func DoJSON(ctx context.Context, client *http.Client, provider, method, endpoint string, header http.Header, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %v", err)
		}
		reader = bytes.NewReader(data)
	}

	httpRequest, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %v", err)
	}
	if body != nil {
		httpRequest.Header.Set("Content-Type", "application/json")
	}
	for key, values := range header {
		httpRequest.Header[key] = values
	}

	httpResponse, err := client.Do(httpRequest)
	if err != nil {
		return failure.Normalize(provider, err)
	}
	defer httpResponse.Body.Close()

	data, err := io.ReadAll(httpResponse.Body)
	if err != nil {
		return failure.Normalize(provider, err)
	}
	if httpResponse.StatusCode < 200 || httpResponse.StatusCode >= 300 {
		return ResponseFailure(provider, httpResponse.StatusCode, data)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &failure.Failure{
			StatusCode: httpResponse.StatusCode,
			Provider:   provider,
			Type:       "invalid_response",
			Message:    fmt.Sprintf("failed to decode response: %v", err),
		}
	}
	return nil
}

type errorEnvelope struct {
	Error   json.RawMessage `json:"error"`
	Message string          `json:"message"`
}

type errorObject struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ResponseFailure builds a failure from an error response body. It accepts
// {"error": {"type": ..., "message": ...}}, {"error": "..."} and
// {"message": ...}, and falls back to the raw body.
func ResponseFailure(provider string, statusCode int, body []byte) *failure.Failure {
	result := &failure.Failure{StatusCode: statusCode, Provider: provider}

	var envelope errorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil {
		var object errorObject
		var text string
		switch {
		case len(envelope.Error) > 0 && json.Unmarshal(envelope.Error, &object) == nil && object.Message != "":
			result.Type = object.Type
			result.Message = object.Message
		case len(envelope.Error) > 0 && json.Unmarshal(envelope.Error, &text) == nil && text != "":
			result.Message = text
		case envelope.Message != "":
			result.Message = envelope.Message
		}
	}

	if result.Message == "" {
		result.Message = strings.TrimSpace(string(body))
		if len(result.Message) > maxErrorBody {
			result.Message = result.Message[:maxErrorBody]
		}
	}
	if result.Message == "" {
		result.Message = http.StatusText(statusCode)
	}
	return result
}
