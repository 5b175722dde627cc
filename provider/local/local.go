package local

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/yanolja/relay/failure"
	"github.com/yanolja/relay/provider"
)

// A unique identifier for models run in-process by a llama.cpp binary
const PROVIDER = "local"

const (
	DefaultBinaryPath = "./llama.cpp/main"
	DefaultModelsDir  = "./models"

	contextSize        = 2048
	defaultMaxTokens   = 1000
	defaultTemperature = 0.7
	maxStderr          = 512
)

var modelExtensions = []string{".gguf", ".bin"}

// runFunc executes the binary and returns its stdout and stderr.
type runFunc func(ctx context.Context, binary string, args ...string) ([]byte, []byte, error)

func runCommand(ctx context.Context, binary string, args ...string) ([]byte, []byte, error) {
	var stdout, stderr bytes.Buffer
	command := exec.CommandContext(ctx, binary, args...)
	command.Stdout = &stdout
	command.Stderr = &stderr
	err := command.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

// Endpoint runs one llama.cpp process per request. Each process loads the
// whole model, so concurrency is usually kept at one.
type Endpoint struct {
	binaryPath string
	modelsDir  string
	slots      *semaphore.Weighted
	run        runFunc
	logger     *zap.SugaredLogger
}

func NewEndpoint(binaryPath string, modelsDir string, maxConcurrency int, logger *zap.SugaredLogger) (*Endpoint, error) {
	if binaryPath == "" {
		binaryPath = DefaultBinaryPath
	}
	if modelsDir == "" {
		modelsDir = DefaultModelsDir
	}
	absoluteBinary, err := filepath.Abs(binaryPath)
	if err != nil {
		return nil, fmt.Errorf("invalid llama binary path: %v", err)
	}
	absoluteModels, err := filepath.Abs(modelsDir)
	if err != nil {
		return nil, fmt.Errorf("invalid models directory: %v", err)
	}
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}

	endpoint := &Endpoint{
		binaryPath: absoluteBinary,
		modelsDir:  absoluteModels,
		slots:      semaphore.NewWeighted(int64(maxConcurrency)),
		run:        runCommand,
		logger:     logger,
	}
	if err := endpoint.checkBinary(); err != nil {
		logger.Warnw("Local models will be unavailable", "error", err)
	}
	return endpoint, nil
}

func (ep *Endpoint) Name() string {
	return PROVIDER
}

func (ep *Endpoint) checkBinary() error {
	info, err := os.Stat(ep.binaryPath)
	if err != nil {
		return fmt.Errorf("llama binary not found at %s", ep.binaryPath)
	}
	if info.IsDir() || info.Mode().Perm()&0o111 == 0 {
		return fmt.Errorf("llama binary at %s is not executable", ep.binaryPath)
	}
	return nil
}

// resolveModel finds the model file, trying the known extensions when the
// name has none.
func (ep *Endpoint) resolveModel(model string) (string, error) {
	if model == "" {
		return "", errors.New("model name is empty")
	}
	base := filepath.Join(ep.modelsDir, filepath.Clean("/"+model))
	candidates := []string{base}
	if filepath.Ext(base) == "" {
		for _, extension := range modelExtensions {
			candidates = append(candidates, base+extension)
		}
	}
	for _, candidate := range candidates {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("model file %s not found in %s", model, ep.modelsDir)
}

func (ep *Endpoint) GenerateCompletion(ctx context.Context, request *provider.CompletionRequest) (*provider.CompletionResult, error) {
	if err := ep.checkBinary(); err != nil {
		return nil, &failure.Failure{Provider: PROVIDER, StatusCode: 503, Message: err.Error()}
	}
	modelPath, err := ep.resolveModel(request.Model)
	if err != nil {
		return nil, &failure.Failure{Provider: PROVIDER, StatusCode: 404, Message: err.Error()}
	}

	if err := ep.slots.Acquire(ctx, 1); err != nil {
		return nil, failure.Normalize(PROVIDER, err)
	}
	defer ep.slots.Release(1)

	prompt := request.Prompt
	if request.SystemPrompt != "" {
		prompt = request.SystemPrompt + "\n\n" + prompt
	}
	args := []string{
		"-m", modelPath,
		"--temp", strconv.FormatFloat(request.TemperatureOr(defaultTemperature), 'f', -1, 64),
		"--ctx_size", strconv.Itoa(contextSize),
		"-n", strconv.Itoa(request.MaxTokensOr(defaultMaxTokens)),
		"-p", prompt,
	}

	ep.logger.Debugw("Running local model", "model", request.Model, "binary", ep.binaryPath)
	stdout, stderr, err := ep.run(ctx, ep.binaryPath, args...)
	if ctx.Err() != nil {
		return nil, failure.Normalize(PROVIDER, ctx.Err())
	}
	if err != nil {
		message := strings.TrimSpace(string(stderr))
		if len(message) > maxStderr {
			message = message[len(message)-maxStderr:]
		}
		return nil, &failure.Failure{
			Provider:   PROVIDER,
			StatusCode: 500,
			Type:       "process_error",
			Message:    fmt.Sprintf("llama process failed: %v: %s", err, message),
		}
	}
	if len(stderr) > 0 {
		ep.logger.Debugw("Local model wrote to stderr", "model", request.Model, "stderr_bytes", len(stderr))
	}

	// llama.cpp echoes the prompt before the generated text.
	text := strings.TrimPrefix(string(stdout), prompt)
	return &provider.CompletionResult{
		Text:         strings.TrimSpace(text),
		FinishReason: "stop",
		Model:        request.Model,
	}, nil
}

// ListModels returns the model files found in the models directory.
func (ep *Endpoint) ListModels(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(ep.modelsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read models directory: %v", err)
	}
	var models []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		for _, extension := range modelExtensions {
			if strings.HasSuffix(entry.Name(), extension) {
				models = append(models, entry.Name())
				break
			}
		}
	}
	sort.Strings(models)
	return models, nil
}

// IsAvailable requires an executable binary and at least one model file.
func (ep *Endpoint) IsAvailable(ctx context.Context) bool {
	if err := ep.checkBinary(); err != nil {
		return false
	}
	models, err := ep.ListModels(ctx)
	return err == nil && len(models) > 0
}

func (ep *Endpoint) Shutdown() error {
	return nil
}
