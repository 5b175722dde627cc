package local

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/yanolja/relay/failure"
	"github.com/yanolja/relay/provider"
)

func setupDirs(t *testing.T, script string) (string, string) {
	dir := t.TempDir()
	binary := filepath.Join(dir, "main")
	require.NoError(t, os.WriteFile(binary, []byte(script), 0o755))

	models := filepath.Join(dir, "models")
	require.NoError(t, os.Mkdir(models, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(models, "llama3.gguf"), []byte("weights"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(models, "notes.txt"), []byte("ignored"), 0o644))
	return binary, models
}

func TestEndpoint_GenerateCompletionArguments(t *testing.T) {
	binary, models := setupDirs(t, "#!/bin/sh\n")
	endpoint, err := NewEndpoint(binary, models, 0, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)

	var gotBinary string
	var gotArgs []string
	endpoint.run = func(ctx context.Context, binary string, args ...string) ([]byte, []byte, error) {
		gotBinary = binary
		gotArgs = args
		return []byte("Tell me a joke. Why did the gopher cross the road?\n"), nil, nil
	}

	temperature := 0.3
	result, err := endpoint.GenerateCompletion(context.Background(), &provider.CompletionRequest{
		Prompt:      "Tell me a joke.",
		Model:       "llama3",
		MaxTokens:   64,
		Temperature: &temperature,
	})
	require.NoError(t, err)
	assert.Equal(t, "Why did the gopher cross the road?", result.Text)
	assert.Equal(t, "llama3", result.Model)

	assert.Equal(t, binary, gotBinary)
	assert.Equal(t, []string{
		"-m", filepath.Join(models, "llama3.gguf"),
		"--temp", "0.3",
		"--ctx_size", "2048",
		"-n", "64",
		"-p", "Tell me a joke.",
	}, gotArgs)
}

func TestEndpoint_RunsBinary(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts are not executable on windows")
	}
	binary, models := setupDirs(t, "#!/bin/sh\necho \"generated text\"\n")
	endpoint, err := NewEndpoint(binary, models, 1, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)

	result, err := endpoint.GenerateCompletion(context.Background(), &provider.CompletionRequest{Prompt: "hi", Model: "llama3.gguf"})
	require.NoError(t, err)
	assert.Equal(t, "generated text", result.Text)
}

func TestEndpoint_Failures(t *testing.T) {
	t.Run("missing binary", func(t *testing.T) {
		_, models := setupDirs(t, "")
		endpoint, err := NewEndpoint(filepath.Join(t.TempDir(), "absent"), models, 0, zaptest.NewLogger(t).Sugar())
		require.NoError(t, err)

		_, err = endpoint.GenerateCompletion(context.Background(), &provider.CompletionRequest{Prompt: "hi", Model: "llama3"})

		var f *failure.Failure
		require.True(t, errors.As(err, &f))
		assert.Equal(t, failure.ServerError, failure.Classify(f))
		assert.False(t, endpoint.IsAvailable(context.Background()))
	})

	t.Run("missing model", func(t *testing.T) {
		binary, models := setupDirs(t, "#!/bin/sh\n")
		endpoint, err := NewEndpoint(binary, models, 0, zaptest.NewLogger(t).Sugar())
		require.NoError(t, err)

		_, err = endpoint.GenerateCompletion(context.Background(), &provider.CompletionRequest{Prompt: "hi", Model: "mistral"})

		var f *failure.Failure
		require.True(t, errors.As(err, &f))
		assert.Equal(t, failure.ModelNotFound, failure.Classify(f))
	})

	t.Run("model outside the directory", func(t *testing.T) {
		binary, models := setupDirs(t, "#!/bin/sh\n")
		endpoint, err := NewEndpoint(binary, models, 0, zaptest.NewLogger(t).Sugar())
		require.NoError(t, err)

		_, err = endpoint.resolveModel("../main")
		assert.Error(t, err)
	})

	t.Run("process error", func(t *testing.T) {
		binary, models := setupDirs(t, "#!/bin/sh\n")
		endpoint, err := NewEndpoint(binary, models, 0, zaptest.NewLogger(t).Sugar())
		require.NoError(t, err)
		endpoint.run = func(ctx context.Context, binary string, args ...string) ([]byte, []byte, error) {
			return nil, []byte("error loading model"), errors.New("exit status 1")
		}

		_, err = endpoint.GenerateCompletion(context.Background(), &provider.CompletionRequest{Prompt: "hi", Model: "llama3"})

		var f *failure.Failure
		require.True(t, errors.As(err, &f))
		assert.Contains(t, f.Message, "error loading model")
		assert.Equal(t, failure.ServerError, failure.Classify(f))
	})

	t.Run("deadline", func(t *testing.T) {
		binary, models := setupDirs(t, "#!/bin/sh\n")
		endpoint, err := NewEndpoint(binary, models, 0, zaptest.NewLogger(t).Sugar())
		require.NoError(t, err)
		endpoint.run = func(ctx context.Context, binary string, args ...string) ([]byte, []byte, error) {
			<-ctx.Done()
			return nil, nil, errors.New("signal: killed")
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		_, err = endpoint.GenerateCompletion(ctx, &provider.CompletionRequest{Prompt: "hi", Model: "llama3"})

		var f *failure.Failure
		require.True(t, errors.As(err, &f))
		assert.Equal(t, failure.Timeout, failure.Classify(f))
	})
}

func TestEndpoint_ListModels(t *testing.T) {
	binary, models := setupDirs(t, "#!/bin/sh\n")
	require.NoError(t, os.WriteFile(filepath.Join(models, "phi.bin"), []byte("weights"), 0o644))
	endpoint, err := NewEndpoint(binary, models, 0, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)

	names, err := endpoint.ListModels(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"llama3.gguf", "phi.bin"}, names)
	assert.True(t, endpoint.IsAvailable(context.Background()))
}
