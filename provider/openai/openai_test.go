package openai

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yanolja/relay/failure"
	"github.com/yanolja/relay/provider"
)

func TestNewEndpoint(t *testing.T) {
	tests := []struct {
		name        string
		baseUrl     string
		expectError bool
	}{
		{name: "valid endpoint", baseUrl: "https://api.openai.com/v1"},
		{name: "invalid URL scheme", baseUrl: "invalid-url", expectError: true},
		{name: "missing host", baseUrl: "https://", expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			endpoint, err := NewEndpoint("", tt.baseUrl, "test-key")
			if tt.expectError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, PROVIDER, endpoint.Name())
		})
	}
}

func TestEndpoint_GenerateCompletion(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var request ChatCompletionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&request))
		assert.Equal(t, "gpt-4", request.Model)
		assert.Equal(t, 64, request.MaxTokens)
		require.Len(t, request.Messages, 2)
		assert.Equal(t, Message{Role: "system", Content: "Be brief."}, request.Messages[0])
		assert.Equal(t, Message{Role: "user", Content: "Hello"}, request.Messages[1])

		w.Write([]byte(`{
			"id": "chatcmpl-1",
			"model": "gpt-4-0613",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": " Hi there! "}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 3, "total_tokens": 15}
		}`))
	}))
	defer server.Close()

	endpoint, err := NewEndpoint(PROVIDER, server.URL+"/v1", "test-key")
	require.NoError(t, err)

	result, err := endpoint.GenerateCompletion(context.Background(), &provider.CompletionRequest{
		Prompt:       "Hello",
		Model:        "gpt-4",
		MaxTokens:    64,
		SystemPrompt: "Be brief.",
	})
	require.NoError(t, err)
	assert.Equal(t, "Hi there!", result.Text)
	assert.Equal(t, 15, result.TotalTokens)
	assert.Equal(t, "stop", result.FinishReason)
	assert.Equal(t, "gpt-4-0613", result.Model)
}

func TestEndpoint_GenerateCompletionErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   failure.Kind
	}{
		{
			name:   "rate limit",
			status: http.StatusTooManyRequests,
			body:   `{"error":{"type":"rate_limit_error","message":"Rate limit reached for gpt-4"}}`,
			want:   failure.RateLimit,
		},
		{
			name:   "unknown model",
			status: http.StatusNotFound,
			body:   `{"error":{"type":"invalid_request_error","message":"The model 'gpt-5' does not exist"}}`,
			want:   failure.ModelNotFound,
		},
		{
			name:   "bad key",
			status: http.StatusUnauthorized,
			body:   `{"error":{"type":"invalid_request_error","message":"Incorrect API key provided"}}`,
			want:   failure.AuthenticationError,
		},
		{
			name:   "server error",
			status: http.StatusInternalServerError,
			body:   `{"error":{"type":"server_error","message":"The server had an error"}}`,
			want:   failure.ServerError,
		},
		{
			name:   "no choices",
			status: http.StatusOK,
			body:   `{"choices":[]}`,
			want:   failure.ServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			endpoint, err := NewEndpoint(PROVIDER, server.URL, "test-key")
			require.NoError(t, err)

			_, err = endpoint.GenerateCompletion(context.Background(), &provider.CompletionRequest{Prompt: "Hello", Model: "gpt-4"})

			var f *failure.Failure
			require.True(t, errors.As(err, &f))
			assert.Equal(t, PROVIDER, f.Provider)
			assert.Equal(t, tt.want, failure.Classify(f))
		})
	}
}

func TestEndpoint_IsAvailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer good" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"data":[]}`))
	}))
	defer server.Close()

	good, err := NewEndpoint(PROVIDER, server.URL, "good")
	require.NoError(t, err)
	assert.True(t, good.IsAvailable(context.Background()))

	bad, err := NewEndpoint(PROVIDER, server.URL, "bad")
	require.NoError(t, err)
	assert.False(t, bad.IsAvailable(context.Background()))

	keyless, err := NewEndpoint(PROVIDER, server.URL, "")
	require.NoError(t, err)
	assert.False(t, keyless.IsAvailable(context.Background()))
}
