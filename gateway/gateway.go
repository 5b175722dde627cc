package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/yanolja/relay"
	"github.com/yanolja/relay/cache"
	"github.com/yanolja/relay/failure"
	"github.com/yanolja/relay/health"
	"github.com/yanolja/relay/monitoring"
	"github.com/yanolja/relay/provider"
	"github.com/yanolja/relay/routing"
)

const (
	DefaultTimeout    = 30 * time.Second
	DefaultMaxRetries = 3
	DefaultRetryDelay = 500 * time.Millisecond

	// Provider and model reported for synthetic test-mode failures.
	testProvider = "test"
)

// Settings are the request-handling knobs loaded from configuration.
type Settings struct {
	// Per-attempt timeout used when a request does not set its own.
	DefaultTimeout time.Duration

	// Number of fallback attempts after the first one fails. Zero disables
	// fallback.
	MaxRetries int

	// Wait before each fallback attempt.
	RetryDelay time.Duration

	// Maximum inputs of one batch processed at the same time. Zero means no
	// limit.
	BatchConcurrency int

	// How often ProbeProviders runs in the ping loop. Zero disables the loop.
	PingInterval time.Duration
}

func DefaultSettings() Settings {
	return Settings{
		DefaultTimeout: DefaultTimeout,
		MaxRetries:     DefaultMaxRetries,
		RetryDelay:     DefaultRetryDelay,
	}
}

type Params struct {
	Registry *provider.Registry
	Monitor  *health.Monitor

	// Nil uses routing.DefaultTables.
	Tables *routing.Tables

	// Nil disables caching regardless of request options.
	Cache cache.Cache

	Settings Settings

	// Nil records nothing.
	Recorder monitoring.Recorder

	// Nil traces nothing.
	Tracer trace.Tracer

	Logger *zap.SugaredLogger
}

// Gateway processes requests against the registered providers: it checks the
// cache, selects a provider and model, invokes it under a timeout, and falls
// back to other providers on retryable failures.
type Gateway struct {
	registry *provider.Registry
	monitor  *health.Monitor
	selector *routing.Selector
	tables   *routing.Tables
	cache    cache.Cache
	settings Settings
	recorder monitoring.Recorder
	tracer   trace.Tracer
	clock    clock.Clock
	newId    func() string
	logger   *zap.SugaredLogger
}

func New(params Params) (*Gateway, error) {
	return newWithClock(params, clock.New())
}

func newWithClock(params Params, clock clock.Clock) (*Gateway, error) {
	if params.Registry == nil {
		return nil, errors.New("provider registry is required")
	}
	if params.Monitor == nil {
		return nil, errors.New("health monitor is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}

	tables := params.Tables
	if tables == nil {
		tables = routing.DefaultTables()
	}
	settings := params.Settings
	if settings.DefaultTimeout <= 0 {
		settings.DefaultTimeout = DefaultTimeout
	}
	if settings.MaxRetries < 0 {
		settings.MaxRetries = 0
	}
	if settings.RetryDelay < 0 {
		settings.RetryDelay = 0
	}
	recorder := params.Recorder
	if recorder == nil {
		recorder = monitoring.Nop()
	}
	tracer := params.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("relay")
	}

	return &Gateway{
		registry: params.Registry,
		monitor:  params.Monitor,
		selector: routing.NewSelector(params.Registry, params.Monitor, tables, params.Logger),
		tables:   tables,
		cache:    params.Cache,
		settings: settings,
		recorder: recorder,
		tracer:   tracer,
		clock:    clock,
		newId:    uuid.NewString,
		logger:   params.Logger,
	}, nil
}

func (g *Gateway) Settings() Settings {
	return g.settings
}

// ProcessSingle handles one input. Failures are reported in the response,
// never as a Go error.
func (g *Gateway) ProcessSingle(ctx context.Context, taskType relay.TaskType, input string, opts relay.Options) *relay.Response {
	start := g.clock.Now()
	requestId := g.newId()

	ctx, span := g.tracer.Start(ctx, "relay.process", trace.WithAttributes(
		attribute.String("relay.request_id", requestId),
		attribute.String("relay.task_type", string(taskType)),
		attribute.String("relay.strategy", string(opts.StrategyOrDefault())),
	))
	defer span.End()

	response := g.process(ctx, start, taskType, input, opts)
	response.RequestID = requestId
	if !response.FromCache && !response.Success {
		response.Latency = g.clock.Since(start)
	}

	outcome := monitoring.OutcomeProvider
	switch {
	case response.FromCache:
		outcome = monitoring.OutcomeCache
	case !response.Success:
		outcome = monitoring.OutcomeFailure
	case response.WasFailover:
		outcome = monitoring.OutcomeFailover
	}
	g.recorder.RecordRequest(string(taskType), outcome, response.ErrorKind, response.Latency)

	span.SetAttributes(
		attribute.String("relay.provider", response.Provider),
		attribute.String("relay.model", response.Model),
		attribute.Int("relay.attempts", response.Attempts),
		attribute.Bool("relay.from_cache", response.FromCache),
		attribute.Bool("relay.was_failover", response.WasFailover),
	)
	if !response.Success {
		span.SetStatus(codes.Error, string(response.ErrorKind))
	}
	return response
}

func (g *Gateway) process(ctx context.Context, start time.Time, taskType relay.TaskType, input string, opts relay.Options) *relay.Response {
	if opts.TestMode && opts.TestError != "" {
		g.logger.Infow("Returning simulated failure", "task_type", taskType, "error_kind", opts.TestError)
		return relay.Failed(opts.TestError, testProvider, testProvider)
	}

	useCache := opts.CacheOn() && g.cache != nil
	if useCache {
		cached, hit := g.cache.Get(ctx, taskType, input)
		g.recorder.RecordCacheLookup(string(taskType), hit)
		if hit {
			g.logger.Debugw("Returning cached response", "task_type", taskType, "provider", cached.Provider)
			return cached
		}
	}

	strategy := opts.StrategyOrDefault()
	current, ok := g.initialProvider(taskType, strategy, opts.Provider)
	if !ok {
		return relay.Failed(failure.ProviderUnavailable, "", "")
	}

	// An explicit model only makes sense for the provider it was chosen for.
	model := opts.Model
	if opts.Provider != "" && current != opts.Provider {
		model = ""
	}
	if model == "" {
		model, ok = g.tables.Model(taskType, current)
		if !ok {
			g.logger.Warnw("No model configured for provider", "task_type", taskType, "provider", current)
			return relay.Failed(failure.ModelUnavailable, current, "")
		}
	}

	request := &provider.CompletionRequest{
		Prompt:        input,
		MaxTokens:     opts.MaxTokens,
		Temperature:   opts.Temperature,
		SystemPrompt:  opts.SystemPrompt,
		StopSequences: opts.StopSequences,
	}
	timeout := g.settings.DefaultTimeout
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}

	attempts := 1
	result, kind := g.attempt(ctx, current, model, request, timeout)
	if result != nil {
		return g.succeed(ctx, start, taskType, input, useCache, result, current, model, attempts, false)
	}
	if err := ctx.Err(); err != nil {
		return g.ended(taskType, err, current, model, attempts)
	}
	if !failure.IsRetryable(kind) {
		return failed(kind, current, model, attempts)
	}

	maxRetries := g.settings.MaxRetries
	if opts.MaxRetries != nil {
		maxRetries = max(0, *opts.MaxRetries)
	}

	tried := []string{current}
	for retry := 1; retry <= maxRetries; retry++ {
		next, ok := g.selector.SelectNext(taskType, current, kind, retry, tried...)
		if !ok {
			break
		}
		if err := g.wait(ctx); err != nil {
			return g.ended(taskType, err, current, model, attempts)
		}
		tried = append(tried, next)
		current = next

		model, ok = g.tables.Model(taskType, current)
		if !ok {
			g.logger.Warnw("Skipping fallback provider without a model", "task_type", taskType, "provider", current)
			continue
		}

		attempts++
		result, kind = g.attempt(ctx, current, model, request, timeout)
		if result != nil {
			return g.succeed(ctx, start, taskType, input, useCache, result, current, model, attempts, true)
		}
		if err := ctx.Err(); err != nil {
			return g.ended(taskType, err, current, model, attempts)
		}
		if !failure.IsRetryable(kind) {
			return failed(kind, current, model, attempts)
		}
	}

	g.logger.Warnw("All providers failed",
		"task_type", taskType,
		"tried", tried,
		"attempts", attempts,
		"last_error_kind", kind)
	return failed(failure.AllProvidersFailed, current, model, attempts)
}

func (g *Gateway) initialProvider(taskType relay.TaskType, strategy relay.Strategy, requested string) (string, bool) {
	if requested != "" {
		if g.registry.Has(requested) {
			return requested, true
		}
		g.logger.Warnw("Requested provider is not registered, selecting another", "provider", requested)
	}
	return g.selector.SelectBest(taskType, strategy, 0)
}

func (g *Gateway) succeed(ctx context.Context, start time.Time, taskType relay.TaskType, input string, useCache bool, result *provider.CompletionResult, providerName, model string, attempts int, failover bool) *relay.Response {
	if result.Model != "" {
		model = result.Model
	}
	response := &relay.Response{
		Success:      true,
		Text:         result.Text,
		Provider:     providerName,
		Model:        model,
		TotalTokens:  result.TotalTokens,
		FinishReason: result.FinishReason,
		WasFailover:  failover,
		Attempts:     attempts,
		Latency:      g.clock.Since(start),
	}
	if useCache {
		// Caching should be done even if the request has been canceled.
		g.cache.Put(context.WithoutCancel(ctx), taskType, input, response)
	}
	if failover {
		g.logger.Infow("Request served by fallback provider", "task_type", taskType, "provider", providerName, "attempts", attempts)
	}
	return response
}

// ended reports a request whose caller went away before it finished. No
// provider is blamed for it.
func (g *Gateway) ended(taskType relay.TaskType, err error, providerName, model string, attempts int) *relay.Response {
	g.logger.Infow("Request ended by caller", "task_type", taskType, "provider", providerName, "attempts", attempts, "error", err)
	return failed(failure.Timeout, providerName, model, attempts)
}

func failed(kind failure.Kind, providerName, model string, attempts int) *relay.Response {
	response := relay.Failed(kind, providerName, model)
	response.Attempts = attempts
	return response
}

// wait sleeps for the retry delay unless ctx ends first.
func (g *Gateway) wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if g.settings.RetryDelay <= 0 {
		return nil
	}
	timer := g.clock.Timer(g.settings.RetryDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type attemptOutcome struct {
	result *provider.CompletionResult
	err    error
}

// attempt invokes one provider and races the call against timeout. The call
// runs in its own goroutine; when the timeout wins, that goroutine is
// abandoned and its late result is dropped. Health is recorded here, after
// the race is decided, so an abandoned call never touches shared state. A
// call cut short by the caller's ctx records nothing at all.
// Returns the result on success, or the classified failure kind.
func (g *Gateway) attempt(ctx context.Context, name, model string, request *provider.CompletionRequest, timeout time.Duration) (*provider.CompletionResult, failure.Kind) {
	ctx, span := g.tracer.Start(ctx, "relay.attempt", trace.WithAttributes(
		attribute.String("relay.provider", name),
		attribute.String("relay.model", model),
	))
	defer span.End()

	p, err := g.registry.Get(name)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, failure.ProviderUnavailable
	}

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	attemptRequest := *request
	attemptRequest.Model = model

	// Buffered so the abandoned goroutine can always deliver and exit.
	done := make(chan attemptOutcome, 1)
	start := g.clock.Now()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- attemptOutcome{err: fmt.Errorf("provider panicked: %v", r)}
			}
		}()
		result, err := p.GenerateCompletion(attemptCtx, &attemptRequest)
		done <- attemptOutcome{result: result, err: err}
	}()

	var outcome attemptOutcome
	select {
	case outcome = <-done:
	case <-attemptCtx.Done():
		outcome = attemptOutcome{err: attemptCtx.Err()}
	}
	latency := g.clock.Since(start)

	if outcome.err == nil && outcome.result == nil {
		outcome.err = &failure.Failure{Provider: name, StatusCode: 500, Message: "provider returned no result"}
	}

	if outcome.err != nil && ctx.Err() != nil {
		// The caller ended the request, not the provider.
		span.SetStatus(codes.Error, ctx.Err().Error())
		return nil, failure.Timeout
	}

	if outcome.err == nil {
		g.monitor.Update(name, true, latency, "", "")
		g.recorder.RecordAttempt(name, model, true, "", latency)
		return outcome.result, ""
	}

	normalized := failure.Normalize(name, outcome.err)
	kind := failure.Classify(normalized)
	g.monitor.Update(name, false, latency, kind, normalized.Error())
	g.recorder.RecordAttempt(name, model, false, kind, latency)

	span.RecordError(normalized)
	span.SetStatus(codes.Error, string(kind))
	g.logger.Warnw("Provider attempt failed",
		"provider", name,
		"model", model,
		"error_kind", kind,
		"retryable", failure.IsRetryable(kind),
		"latency", latency,
		"error", normalized.Error())
	return nil, kind
}

// ProcessBatch processes every input concurrently and returns the responses
// in input order.
func (g *Gateway) ProcessBatch(ctx context.Context, taskType relay.TaskType, inputs []string, opts relay.Options) []*relay.Response {
	responses := make([]*relay.Response, len(inputs))

	var group errgroup.Group
	if g.settings.BatchConcurrency > 0 {
		group.SetLimit(g.settings.BatchConcurrency)
	}
	for index, input := range inputs {
		group.Go(func() error {
			responses[index] = g.ProcessSingle(ctx, taskType, input, opts)
			return nil
		})
	}
	_ = group.Wait()

	g.logger.Debugw("Processed batch", "task_type", taskType, "size", len(inputs))
	return responses
}

// Shutdown stops every registered provider.
func (g *Gateway) Shutdown() error {
	g.logger.Info("Shutting down gateway")
	return g.registry.Shutdown()
}
