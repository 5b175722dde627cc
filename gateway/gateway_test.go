package gateway

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/yanolja/relay"
	"github.com/yanolja/relay/cache"
	"github.com/yanolja/relay/failure"
	"github.com/yanolja/relay/health"
	"github.com/yanolja/relay/monitoring"
	"github.com/yanolja/relay/provider"
)

type fakeProvider struct {
	name      string
	available bool
	models    []string
	respond   func(ctx context.Context, request *provider.CompletionRequest) (*provider.CompletionResult, error)

	mutex    sync.Mutex
	requests []provider.CompletionRequest
}

func (f *fakeProvider) Name() string                         { return f.name }
func (f *fakeProvider) IsAvailable(ctx context.Context) bool { return f.available }
func (f *fakeProvider) Shutdown() error                      { return nil }

func (f *fakeProvider) GenerateCompletion(ctx context.Context, request *provider.CompletionRequest) (*provider.CompletionResult, error) {
	f.mutex.Lock()
	f.requests = append(f.requests, *request)
	f.mutex.Unlock()
	return f.respond(ctx, request)
}

func (f *fakeProvider) calls() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return len(f.requests)
}

func (f *fakeProvider) lastRequest() provider.CompletionRequest {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.requests[len(f.requests)-1]
}

type listingProvider struct {
	*fakeProvider
}

func (l listingProvider) ListModels(ctx context.Context) ([]string, error) {
	return l.models, nil
}

func succeeding(name, text string) *fakeProvider {
	return &fakeProvider{name: name, available: true, respond: func(ctx context.Context, request *provider.CompletionRequest) (*provider.CompletionResult, error) {
		return &provider.CompletionResult{Text: text, TotalTokens: 3, FinishReason: "stop"}, nil
	}}
}

func failing(name string, f *failure.Failure) *fakeProvider {
	return &fakeProvider{name: name, respond: func(ctx context.Context, request *provider.CompletionRequest) (*provider.CompletionResult, error) {
		return nil, f
	}}
}

func hanging(name string) *fakeProvider {
	return &fakeProvider{name: name, respond: func(ctx context.Context, request *provider.CompletionRequest) (*provider.CompletionResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
}

type fixture struct {
	gateway *Gateway
	monitor *health.Monitor
	cache   *cache.MemoryCache
}

func newFixture(t *testing.T, settings Settings, providers ...provider.Provider) *fixture {
	logger := zaptest.NewLogger(t).Sugar()
	registry, err := provider.NewRegistry(providers...)
	require.NoError(t, err)

	monitor := health.NewMonitor(logger)
	memory := cache.NewMemoryCache(cache.DefaultCapacity, cache.DefaultTTL, logger)
	gateway, err := New(Params{
		Registry: registry,
		Monitor:  monitor,
		Cache:    memory,
		Settings: settings,
		Logger:   logger,
	})
	require.NoError(t, err)
	return &fixture{gateway: gateway, monitor: monitor, cache: memory}
}

func quickSettings() Settings {
	return Settings{DefaultTimeout: time.Second, MaxRetries: 3, RetryDelay: time.Millisecond}
}

func TestNew(t *testing.T) {
	_, err := New(Params{})
	assert.Error(t, err)

	f := newFixture(t, Settings{MaxRetries: -1})
	assert.Equal(t, DefaultTimeout, f.gateway.Settings().DefaultTimeout)
	assert.Equal(t, 0, f.gateway.Settings().MaxRetries)
}

func TestProcessSingle_Success(t *testing.T) {
	anthropic := succeeding("anthropic", "Hello!")
	openai := succeeding("openai", "Hi!")
	f := newFixture(t, quickSettings(), openai, anthropic)

	temperature := 0.1
	response := f.gateway.ProcessSingle(context.Background(), relay.TaskTextGeneration, "Say hello", relay.Options{
		MaxTokens:    16,
		Temperature:  &temperature,
		SystemPrompt: "Be polite.",
	})

	assert.True(t, response.Success)
	assert.Equal(t, "Hello!", response.Text)
	assert.Equal(t, "anthropic", response.Provider)
	assert.Equal(t, "claude-3-opus-20240229", response.Model)
	assert.Equal(t, 1, response.Attempts)
	assert.Equal(t, 3, response.TotalTokens)
	assert.False(t, response.WasFailover)
	assert.False(t, response.FromCache)
	assert.NotEmpty(t, response.RequestID)

	request := anthropic.lastRequest()
	assert.Equal(t, "Say hello", request.Prompt)
	assert.Equal(t, "claude-3-opus-20240229", request.Model)
	assert.Equal(t, 16, request.MaxTokens)
	assert.Equal(t, "Be polite.", request.SystemPrompt)
	assert.Equal(t, 0, openai.calls())

	stats := f.monitor.Get("anthropic")
	assert.Equal(t, 1, stats.RecentRequests)
	assert.Equal(t, 0, stats.RecentErrors)
}

func TestProcessSingle_Cache(t *testing.T) {
	anthropic := succeeding("anthropic", "cached text")
	f := newFixture(t, quickSettings(), anthropic)

	first := f.gateway.ProcessSingle(context.Background(), relay.TaskTextGeneration, "same input", relay.Options{})
	second := f.gateway.ProcessSingle(context.Background(), relay.TaskTextGeneration, "same input", relay.Options{})

	require.True(t, second.Success)
	assert.True(t, second.FromCache)
	assert.Equal(t, first.Text, second.Text)
	assert.Equal(t, first.Latency, second.Latency, "a cache hit reports the stored latency")
	assert.NotEqual(t, first.RequestID, second.RequestID)
	assert.Equal(t, 1, anthropic.calls())

	t.Run("different task type is a different key", func(t *testing.T) {
		response := f.gateway.ProcessSingle(context.Background(), relay.TaskCodeGeneration, "same input", relay.Options{Provider: "anthropic"})
		assert.False(t, response.FromCache)
		assert.Equal(t, 2, anthropic.calls())
	})

	t.Run("disabled cache always calls the provider", func(t *testing.T) {
		disabled := false
		response := f.gateway.ProcessSingle(context.Background(), relay.TaskTextGeneration, "same input", relay.Options{CacheEnabled: &disabled})
		assert.False(t, response.FromCache)
		assert.Equal(t, 3, anthropic.calls())
	})

	t.Run("failures are not cached", func(t *testing.T) {
		broken := newFixture(t, quickSettings(), failing("anthropic", &failure.Failure{StatusCode: 400, Message: "bad"}))
		broken.gateway.ProcessSingle(context.Background(), relay.TaskTextGeneration, "x", relay.Options{})
		assert.Equal(t, 0, broken.cache.Len())
	})
}

func TestProcessSingle_TestMode(t *testing.T) {
	anthropic := succeeding("anthropic", "never")
	f := newFixture(t, quickSettings(), anthropic)

	response := f.gateway.ProcessSingle(context.Background(), relay.TaskTextGeneration, "anything", relay.Options{
		TestMode:  true,
		TestError: failure.ContentFilter,
	})

	assert.False(t, response.Success)
	assert.Equal(t, failure.ContentFilter, response.ErrorKind)
	assert.Equal(t, failure.UserMessage(failure.ContentFilter), response.Error)
	assert.Equal(t, "test", response.Provider)
	assert.Equal(t, "test", response.Model)
	assert.Equal(t, 0, response.Attempts)
	assert.Equal(t, 0, anthropic.calls())
}

func TestProcessSingle_TimeoutFallsBack(t *testing.T) {
	anthropic := hanging("anthropic")
	openai := succeeding("openai", "from openai")
	f := newFixture(t, quickSettings(), anthropic, openai)

	response := f.gateway.ProcessSingle(context.Background(), relay.TaskTextGeneration, "hello", relay.Options{Timeout: 20 * time.Millisecond})

	assert.True(t, response.Success)
	assert.Equal(t, "openai", response.Provider)
	assert.Equal(t, "gpt-4", response.Model)
	assert.True(t, response.WasFailover)
	assert.Equal(t, 2, response.Attempts)

	stats := f.monitor.Get("anthropic")
	assert.Equal(t, 1, stats.RecentErrors)
	assert.Equal(t, failure.Timeout, stats.LastErrorKind)
}

func TestProcessSingle_TimeoutThenRateLimit(t *testing.T) {
	anthropic := hanging("anthropic")
	openai := failing("openai", &failure.Failure{StatusCode: 429, Type: "rate_limit_error", Message: "Rate limit reached"})
	f := newFixture(t, quickSettings(), anthropic, openai)

	response := f.gateway.ProcessSingle(context.Background(), relay.TaskTextGeneration, "hello", relay.Options{Timeout: 20 * time.Millisecond})

	assert.False(t, response.Success)
	assert.Equal(t, failure.AllProvidersFailed, response.ErrorKind)
	assert.Equal(t, failure.UserMessage(failure.AllProvidersFailed), response.Error)
	assert.Equal(t, 2, response.Attempts)
	assert.Equal(t, 1, anthropic.calls())
	assert.Equal(t, 1, openai.calls())
	assert.Equal(t, failure.RateLimit, f.monitor.Get("openai").LastErrorKind)
}

func TestProcessSingle_NonRetryableStopsImmediately(t *testing.T) {
	tests := []struct {
		name    string
		failure *failure.Failure
		kind    failure.Kind
	}{
		{"authentication", &failure.Failure{StatusCode: 401, Message: "invalid x-api-key"}, failure.AuthenticationError},
		{"model not found", &failure.Failure{StatusCode: 404, Message: "no such model"}, failure.ModelNotFound},
		{"content filter", &failure.Failure{Type: "invalid_request_error", Message: "Blocked by content filter"}, failure.ContentFilter},
		{"invalid request", &failure.Failure{StatusCode: 422, Message: "bad input"}, failure.InvalidRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			first := failing("openai", tt.failure)
			second := succeeding("anthropic", "unused")
			f := newFixture(t, quickSettings(), first, second)

			response := f.gateway.ProcessSingle(context.Background(), relay.TaskCodeGeneration, "hello", relay.Options{})

			assert.False(t, response.Success)
			assert.Equal(t, tt.kind, response.ErrorKind)
			assert.Equal(t, "openai", response.Provider)
			assert.Equal(t, 1, response.Attempts)
			assert.Equal(t, 1, first.calls())
			assert.Equal(t, 0, second.calls())
		})
	}
}

func TestProcessSingle_RetryBound(t *testing.T) {
	serverError := &failure.Failure{StatusCode: 503, Message: "overloaded"}
	names := []string{"anthropic", "openai", "studio", "ollama", "bedrock", "lmstudio", "local"}

	build := func() ([]*fakeProvider, []provider.Provider) {
		fakes := make([]*fakeProvider, len(names))
		providers := make([]provider.Provider, len(names))
		for i, name := range names {
			fakes[i] = failing(name, serverError)
			providers[i] = fakes[i]
		}
		return fakes, providers
	}
	totalCalls := func(fakes []*fakeProvider) int {
		total := 0
		for _, fake := range fakes {
			total += fake.calls()
		}
		return total
	}

	for _, maxRetries := range []int{0, 1, 3, 5} {
		t.Run(fmt.Sprintf("max retries %d", maxRetries), func(t *testing.T) {
			fakes, providers := build()
			settings := quickSettings()
			settings.MaxRetries = maxRetries
			f := newFixture(t, settings, providers...)

			response := f.gateway.ProcessSingle(context.Background(), relay.TaskTextGeneration, "hello", relay.Options{})

			assert.Equal(t, failure.AllProvidersFailed, response.ErrorKind)
			assert.Equal(t, maxRetries+1, response.Attempts)
			assert.Equal(t, maxRetries+1, totalCalls(fakes))
			for _, fake := range fakes {
				assert.LessOrEqual(t, fake.calls(), 1, "a provider is never retried within one request")
			}
		})
	}

	t.Run("request option overrides the default", func(t *testing.T) {
		fakes, providers := build()
		f := newFixture(t, quickSettings(), providers...)

		zero := 0
		response := f.gateway.ProcessSingle(context.Background(), relay.TaskTextGeneration, "hello", relay.Options{MaxRetries: &zero})

		assert.Equal(t, failure.AllProvidersFailed, response.ErrorKind)
		assert.Equal(t, 1, totalCalls(fakes))
	})

	t.Run("runs out of providers before retries", func(t *testing.T) {
		first := failing("anthropic", serverError)
		second := failing("openai", serverError)
		settings := quickSettings()
		settings.MaxRetries = 5
		f := newFixture(t, settings, first, second)

		response := f.gateway.ProcessSingle(context.Background(), relay.TaskTextGeneration, "hello", relay.Options{})

		assert.Equal(t, failure.AllProvidersFailed, response.ErrorKind)
		assert.Equal(t, 2, response.Attempts)
	})
}

func TestProcessSingle_FallbackStopsOnNonRetryable(t *testing.T) {
	first := failing("anthropic", &failure.Failure{StatusCode: 500, Message: "internal"})
	second := failing("openai", &failure.Failure{StatusCode: 401, Message: "Incorrect API key provided"})
	third := succeeding("studio", "unused")
	f := newFixture(t, quickSettings(), first, second, third)

	response := f.gateway.ProcessSingle(context.Background(), relay.TaskTextGeneration, "hello", relay.Options{})

	assert.Equal(t, failure.AuthenticationError, response.ErrorKind)
	assert.Equal(t, "openai", response.Provider)
	assert.Equal(t, 2, response.Attempts)
	assert.Equal(t, 0, third.calls())
}

func TestProcessSingle_ProviderAndModelResolution(t *testing.T) {
	t.Run("explicit provider and model", func(t *testing.T) {
		ollama := succeeding("ollama", "local answer")
		f := newFixture(t, quickSettings(), succeeding("anthropic", "x"), ollama)

		response := f.gateway.ProcessSingle(context.Background(), relay.TaskTextGeneration, "hi", relay.Options{Provider: "ollama", Model: "mistral"})

		assert.Equal(t, "ollama", response.Provider)
		assert.Equal(t, "mistral", response.Model)
		assert.Equal(t, "mistral", ollama.lastRequest().Model)
	})

	t.Run("unregistered provider falls back to selection", func(t *testing.T) {
		f := newFixture(t, quickSettings(), succeeding("anthropic", "x"))

		response := f.gateway.ProcessSingle(context.Background(), relay.TaskTextGeneration, "hi", relay.Options{Provider: "nonexistent"})

		assert.True(t, response.Success)
		assert.Equal(t, "anthropic", response.Provider)
	})

	t.Run("explicit model is dropped with an unregistered provider", func(t *testing.T) {
		anthropic := succeeding("anthropic", "x")
		f := newFixture(t, quickSettings(), anthropic)

		response := f.gateway.ProcessSingle(context.Background(), relay.TaskTextGeneration, "hi", relay.Options{Provider: "nonexistent", Model: "gpt-4"})

		assert.True(t, response.Success)
		assert.Equal(t, "anthropic", response.Provider)
		assert.NotEqual(t, "gpt-4", anthropic.lastRequest().Model)
		assert.Equal(t, response.Model, anthropic.lastRequest().Model)
	})

	t.Run("explicit model without a provider applies to the selection", func(t *testing.T) {
		anthropic := succeeding("anthropic", "x")
		f := newFixture(t, quickSettings(), anthropic)

		f.gateway.ProcessSingle(context.Background(), relay.TaskTextGeneration, "hi", relay.Options{Model: "claude-custom"})

		assert.Equal(t, "claude-custom", anthropic.lastRequest().Model)
	})

	t.Run("no providers", func(t *testing.T) {
		f := newFixture(t, quickSettings())

		response := f.gateway.ProcessSingle(context.Background(), relay.TaskTextGeneration, "hi", relay.Options{})

		assert.Equal(t, failure.ProviderUnavailable, response.ErrorKind)
		assert.Equal(t, 0, response.Attempts)
	})

	t.Run("no model for the provider", func(t *testing.T) {
		mystery := succeeding("mystery", "x")
		f := newFixture(t, quickSettings(), mystery)

		response := f.gateway.ProcessSingle(context.Background(), relay.TaskTextGeneration, "hi", relay.Options{})

		assert.Equal(t, failure.ModelUnavailable, response.ErrorKind)
		assert.Equal(t, "mystery", response.Provider)
		assert.Equal(t, 0, mystery.calls())
	})

	t.Run("model reported by the provider wins", func(t *testing.T) {
		openai := &fakeProvider{name: "openai", respond: func(ctx context.Context, request *provider.CompletionRequest) (*provider.CompletionResult, error) {
			return &provider.CompletionResult{Text: "ok", Model: "gpt-4-0613"}, nil
		}}
		f := newFixture(t, quickSettings(), openai)

		response := f.gateway.ProcessSingle(context.Background(), relay.TaskCodeGeneration, "hi", relay.Options{})
		assert.Equal(t, "gpt-4-0613", response.Model)
	})
}

func TestProcessSingle_AbandonedCallDoesNotTouchHealth(t *testing.T) {
	release := make(chan struct{})
	var finished atomic.Bool
	slow := &fakeProvider{name: "anthropic", respond: func(ctx context.Context, request *provider.CompletionRequest) (*provider.CompletionResult, error) {
		<-release
		finished.Store(true)
		return &provider.CompletionResult{Text: "too late"}, nil
	}}
	f := newFixture(t, quickSettings(), slow)

	response := f.gateway.ProcessSingle(context.Background(), relay.TaskTextGeneration, "hi", relay.Options{Timeout: 10 * time.Millisecond})
	assert.False(t, response.Success)

	close(release)
	assert.Eventually(t, finished.Load, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	stats := f.monitor.Get("anthropic")
	assert.Equal(t, 1, stats.RecentRequests)
	assert.Equal(t, 1, stats.RecentErrors)
	assert.Equal(t, failure.Timeout, stats.LastErrorKind)
	assert.Equal(t, 0, f.cache.Len(), "a late result must not be cached")
}

func TestProcessSingle_CallerCancelDoesNotTouchHealth(t *testing.T) {
	recorder := &countingRecorder{}
	logger := zaptest.NewLogger(t).Sugar()
	registry, err := provider.NewRegistry(hanging("anthropic"), succeeding("openai", "unused"))
	require.NoError(t, err)
	monitor := health.NewMonitor(logger)
	gateway, err := New(Params{
		Registry: registry,
		Monitor:  monitor,
		Settings: quickSettings(),
		Recorder: recorder,
		Logger:   logger,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	response := gateway.ProcessSingle(ctx, relay.TaskTextGeneration, "hi", relay.Options{})

	assert.False(t, response.Success)
	assert.Equal(t, failure.Timeout, response.ErrorKind)
	assert.Equal(t, 1, response.Attempts)
	assert.Equal(t, "anthropic", response.Provider)

	stats := monitor.Get("anthropic")
	assert.Equal(t, 0, stats.RecentRequests)
	assert.Equal(t, 0, stats.RecentErrors)
	assert.Empty(t, stats.LastErrorKind)
	assert.Equal(t, 0, monitor.Get("openai").RecentRequests)

	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	assert.Empty(t, recorder.attempts)
}

func TestProcessSingle_NoDelayWithoutFallback(t *testing.T) {
	settings := quickSettings()
	settings.RetryDelay = time.Hour
	only := failing("anthropic", &failure.Failure{StatusCode: 503, Message: "overloaded"})
	f := newFixture(t, settings, only)

	started := time.Now()
	response := f.gateway.ProcessSingle(context.Background(), relay.TaskTextGeneration, "hi", relay.Options{})

	assert.Less(t, time.Since(started), 5*time.Second)
	assert.Equal(t, failure.AllProvidersFailed, response.ErrorKind)
	assert.Equal(t, 1, response.Attempts)
	assert.Equal(t, 1, only.calls())
}

func TestProcessSingle_PanickingProvider(t *testing.T) {
	broken := &fakeProvider{name: "anthropic", respond: func(ctx context.Context, request *provider.CompletionRequest) (*provider.CompletionResult, error) {
		panic("nil map")
	}}
	f := newFixture(t, quickSettings(), broken, succeeding("openai", "fine"))

	response := f.gateway.ProcessSingle(context.Background(), relay.TaskTextGeneration, "hi", relay.Options{})

	assert.False(t, response.Success)
	assert.Equal(t, failure.Unknown, response.ErrorKind)
}

func TestProcessSingle_CancelDuringRetryDelay(t *testing.T) {
	settings := quickSettings()
	settings.RetryDelay = time.Hour
	f := newFixture(t, settings,
		failing("anthropic", &failure.Failure{StatusCode: 500, Message: "internal"}),
		succeeding("openai", "unused"))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	started := time.Now()
	response := f.gateway.ProcessSingle(ctx, relay.TaskTextGeneration, "hi", relay.Options{})

	assert.Less(t, time.Since(started), 5*time.Second)
	assert.False(t, response.Success)
	assert.Equal(t, failure.Timeout, response.ErrorKind)
	assert.Equal(t, 1, response.Attempts)
}

func TestProcessBatch(t *testing.T) {
	var active, peak int32
	echo := &fakeProvider{name: "anthropic", respond: func(ctx context.Context, request *provider.CompletionRequest) (*provider.CompletionResult, error) {
		current := atomic.AddInt32(&active, 1)
		defer atomic.AddInt32(&active, -1)
		for {
			previous := atomic.LoadInt32(&peak)
			if current <= previous || atomic.CompareAndSwapInt32(&peak, previous, current) {
				break
			}
		}
		time.Sleep(time.Duration(rand.Intn(5)) * time.Millisecond)
		return &provider.CompletionResult{Text: "echo: " + request.Prompt}, nil
	}}
	settings := quickSettings()
	settings.BatchConcurrency = 3
	f := newFixture(t, settings, echo)

	inputs := make([]string, 20)
	for i := range inputs {
		inputs[i] = fmt.Sprintf("input %d", i)
	}

	responses := f.gateway.ProcessBatch(context.Background(), relay.TaskTextGeneration, inputs, relay.Options{})

	require.Len(t, responses, len(inputs))
	for i, response := range responses {
		require.NotNil(t, response)
		assert.True(t, response.Success)
		assert.Equal(t, "echo: "+inputs[i], response.Text)
	}
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(3))

	t.Run("empty batch", func(t *testing.T) {
		assert.Empty(t, f.gateway.ProcessBatch(context.Background(), relay.TaskTextGeneration, nil, relay.Options{}))
	})

	t.Run("slow input keeps its slot", func(t *testing.T) {
		delays := map[string]time.Duration{"a": 0, "b": 100 * time.Millisecond, "c": 0}
		var order []string
		var orderMutex sync.Mutex
		uneven := &fakeProvider{name: "anthropic", respond: func(ctx context.Context, request *provider.CompletionRequest) (*provider.CompletionResult, error) {
			time.Sleep(delays[request.Prompt])
			orderMutex.Lock()
			order = append(order, request.Prompt)
			orderMutex.Unlock()
			return &provider.CompletionResult{Text: strings.ToUpper(request.Prompt)}, nil
		}}
		unevenSettings := quickSettings()
		unevenSettings.BatchConcurrency = 3
		batch := newFixture(t, unevenSettings, uneven)

		responses := batch.gateway.ProcessBatch(context.Background(), relay.TaskTextGeneration, []string{"a", "b", "c"}, relay.Options{})

		require.Len(t, responses, 3)
		assert.Equal(t, "A", responses[0].Text)
		assert.Equal(t, "B", responses[1].Text)
		assert.Equal(t, "C", responses[2].Text)
		assert.Equal(t, "b", order[len(order)-1], "b finishes last")
	})

	t.Run("mixed outcomes keep their slots", func(t *testing.T) {
		picky := &fakeProvider{name: "anthropic", respond: func(ctx context.Context, request *provider.CompletionRequest) (*provider.CompletionResult, error) {
			if request.Prompt == "bad" {
				return nil, &failure.Failure{StatusCode: 400, Message: "bad input"}
			}
			return &provider.CompletionResult{Text: request.Prompt}, nil
		}}
		mixed := newFixture(t, quickSettings(), picky)

		responses := mixed.gateway.ProcessBatch(context.Background(), relay.TaskTextGeneration, []string{"good", "bad", "fine"}, relay.Options{})

		assert.True(t, responses[0].Success)
		assert.Equal(t, failure.InvalidRequest, responses[1].ErrorKind)
		assert.Equal(t, "fine", responses[2].Text)
	})
}

type countingRecorder struct {
	mutex    sync.Mutex
	attempts []bool
	outcomes []monitoring.Outcome
	lookups  []bool
}

func (r *countingRecorder) RecordAttempt(provider string, model string, success bool, kind failure.Kind, latency time.Duration) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.attempts = append(r.attempts, success)
}

func (r *countingRecorder) RecordRequest(taskType string, outcome monitoring.Outcome, kind failure.Kind, latency time.Duration) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.outcomes = append(r.outcomes, outcome)
}

func (r *countingRecorder) RecordCacheLookup(taskType string, hit bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.lookups = append(r.lookups, hit)
}

func TestRecorder(t *testing.T) {
	logger := zaptest.NewLogger(t).Sugar()
	registry, err := provider.NewRegistry(
		failing("anthropic", &failure.Failure{StatusCode: 503, Message: "busy"}),
		succeeding("openai", "ok"),
	)
	require.NoError(t, err)

	recorder := &countingRecorder{}
	gateway, err := New(Params{
		Registry: registry,
		Monitor:  health.NewMonitor(logger),
		Cache:    cache.NewMemoryCache(10, time.Hour, logger),
		Settings: quickSettings(),
		Recorder: recorder,
		Logger:   logger,
	})
	require.NoError(t, err)

	gateway.ProcessSingle(context.Background(), relay.TaskTextGeneration, "hi", relay.Options{})
	gateway.ProcessSingle(context.Background(), relay.TaskTextGeneration, "hi", relay.Options{})

	assert.Equal(t, []bool{false, true}, recorder.attempts)
	assert.Equal(t, []monitoring.Outcome{monitoring.OutcomeFailover, monitoring.OutcomeCache}, recorder.outcomes)
	assert.Equal(t, []bool{false, true}, recorder.lookups)
}

func TestDiagnostics(t *testing.T) {
	ollama := listingProvider{&fakeProvider{name: "ollama", available: true, models: []string{"mistral:latest", "llama3"}}}
	anthropic := succeeding("anthropic", "x")
	anthropic.available = false
	f := newFixture(t, quickSettings(), anthropic, ollama)

	t.Run("models merge tables and listings", func(t *testing.T) {
		models := f.gateway.AvailableModels(context.Background())
		assert.Equal(t, []string{"codellama", "llama3", "mistral:latest"}, models["ollama"])
		assert.Equal(t, []string{"claude-3-haiku-20240307", "claude-3-opus-20240229"}, models["anthropic"])
	})

	t.Run("probe records availability", func(t *testing.T) {
		assert.Equal(t, []string{"anthropic", "ollama"}, f.gateway.AvailableProviders())

		results := f.gateway.ProbeProviders(context.Background())

		assert.Equal(t, map[string]bool{"anthropic": false, "ollama": true}, results)
		assert.Equal(t, []string{"ollama"}, f.gateway.AvailableProviders())
		assert.False(t, f.gateway.ProvidersHealth()["anthropic"].Available)

		scores := f.gateway.ProvidersByScore(relay.TaskTextGeneration)
		require.Len(t, scores, 2)
		assert.Equal(t, "ollama", scores[0].Provider, "available providers rank first")
	})

	t.Run("reset", func(t *testing.T) {
		require.NoError(t, f.gateway.ResetHealth("anthropic"))
		assert.True(t, f.gateway.ProvidersHealth()["anthropic"].Available)

		err := f.gateway.ResetHealth("nonexistent")
		assert.True(t, errors.Is(err, provider.ErrProviderNotFound))
	})
}

func TestStartPingLoop(t *testing.T) {
	probed := make(chan struct{}, 10)
	pinger := &fakeProvider{name: "ollama", respond: nil}
	settings := quickSettings()
	settings.PingInterval = 10 * time.Millisecond
	f := newFixture(t, settings, &probeCounter{fakeProvider: pinger, probed: probed})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.gateway.StartPingLoop(ctx)
		close(done)
	}()

	for i := 0; i < 2; i++ {
		select {
		case <-probed:
		case <-time.After(time.Second):
			t.Fatal("provider was not probed")
		}
	}
	cancel()
	<-done

	t.Run("disabled without an interval", func(t *testing.T) {
		disabled := newFixture(t, quickSettings(), succeeding("openai", "x"))
		disabled.gateway.StartPingLoop(context.Background())
	})
}

type probeCounter struct {
	*fakeProvider
	probed chan struct{}
}

func (p *probeCounter) IsAvailable(ctx context.Context) bool {
	select {
	case p.probed <- struct{}{}:
	default:
	}
	return true
}
