package config

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/yanolja/relay/monitoring"
	"github.com/yanolja/relay/routing"
	"github.com/yanolja/relay/utils/env"
)

const (
	CacheBackendMemory = "memory"
	CacheBackendValkey = "valkey"
)

// Config represents the full application configuration
type Config struct {
	// Port to listen for incoming requests.
	Port int `yaml:"port"`

	// API key callers must send in the Authorization header with the Bearer
	// scheme. Authentication is disabled when both this and JwtSecret are empty.
	ApiKey string `yaml:"api_key"`

	// HMAC secret for validating caller JWTs. Accepted in addition to ApiKey.
	JwtSecret string `yaml:"jwt_secret"`

	// Timeout of a single provider attempt. E.g., 30s
	DefaultTimeout time.Duration `yaml:"default_timeout"`

	// Fallback attempts after the first failure.
	MaxRetries int `yaml:"max_retries"`

	// Fixed delay before each fallback attempt. E.g., 500ms
	RetryDelay time.Duration `yaml:"retry_delay"`

	// Maximum inputs of one batch processed at the same time. 0 means no limit.
	BatchConcurrency int `yaml:"batch_concurrency"`

	// Interval between provider availability probes. 0 disables probing.
	PingInterval time.Duration `yaml:"ping_interval"`

	Cache CacheConfig `yaml:"cache"`

	Providers ProvidersConfig `yaml:"providers"`

	// Overrides of the built-in priority and model tables.
	Routing *routing.Tables `yaml:"routing"`

	Monitoring monitoring.Config `yaml:"monitoring"`
}

type CacheConfig struct {
	// "memory" or "valkey"
	Backend string `yaml:"backend"`

	// Maximum number of entries of the memory backend.
	Capacity int `yaml:"capacity"`

	TTL time.Duration `yaml:"ttl"`

	// Valkey (open-source version of Redis) endpoint. E.g., localhost:6379
	ValkeyEndpoint string `yaml:"valkey_endpoint"`

	// Interval to drop expired entries of the memory backend.
	PurgeInterval time.Duration `yaml:"purge_interval"`
}

// ProviderConfig configures one provider. Fields a provider does not use
// are ignored.
type ProviderConfig struct {
	Enabled bool   `yaml:"enabled"`
	ApiKey  string `yaml:"api_key"`

	// E.g., http://localhost:11434
	BaseUrl string `yaml:"base_url"`

	// Requests sent to the backend at the same time; more wait in a queue.
	MaxConcurrency int `yaml:"max_concurrency"`

	// Local runner only.
	BinaryPath string `yaml:"binary_path"`
	ModelsDir  string `yaml:"models_dir"`

	// Bedrock only.
	Region       string `yaml:"region"`
	AccessKey    string `yaml:"access_key"`
	SecretKey    string `yaml:"secret_key"`
	SessionToken string `yaml:"session_token"`
}

type ProvidersConfig struct {
	OpenAI    ProviderConfig `yaml:"openai"`
	Anthropic ProviderConfig `yaml:"anthropic"`
	Studio    ProviderConfig `yaml:"studio"`
	Bedrock   ProviderConfig `yaml:"bedrock"`
	Ollama    ProviderConfig `yaml:"ollama"`
	LMStudio  ProviderConfig `yaml:"lmstudio"`
	Local     ProviderConfig `yaml:"local"`
}

func Default() Config {
	return Config{
		Port:             8080,
		DefaultTimeout:   30 * time.Second,
		MaxRetries:       3,
		RetryDelay:       500 * time.Millisecond,
		BatchConcurrency: 0,
		PingInterval:     5 * time.Minute,
		Cache: CacheConfig{
			Backend:       CacheBackendMemory,
			Capacity:      1000,
			TTL:           time.Hour,
			PurgeInterval: 10 * time.Minute,
		},
		Providers: ProvidersConfig{
			OpenAI: ProviderConfig{
				Enabled: true,
				BaseUrl: "https://api.openai.com/v1",
			},
			Anthropic: ProviderConfig{Enabled: true},
			Studio:    ProviderConfig{Enabled: false},
			Bedrock: ProviderConfig{
				Enabled: false,
				Region:  "us-east-1",
			},
			Ollama: ProviderConfig{
				Enabled:        false,
				BaseUrl:        "http://localhost:11434",
				MaxConcurrency: 12,
			},
			LMStudio: ProviderConfig{
				Enabled:        false,
				BaseUrl:        "http://localhost:1234/v1",
				MaxConcurrency: 20,
			},
			Local: ProviderConfig{
				Enabled:        false,
				BinaryPath:     "./llama.cpp/main",
				ModelsDir:      "./models",
				MaxConcurrency: 1,
			},
		},
	}
}

// LoadConfig loads the configuration from the specified path
func LoadConfig(path string, logger *zap.SugaredLogger) (*Config, error) {
	config := Default()

	// Checks if config is specified via environment variable.
	configSource := env.OptionalStringVariable("CONFIG_SOURCE", path)
	configToken := env.OptionalStringVariable("CONFIG_TOKEN", "")
	configData, err := func(configSource string, configToken string) ([]byte, error) {
		if strings.HasPrefix(configSource, "http://") || strings.HasPrefix(configSource, "https://") {
			logger.Infow("Fetching remote config", "url", configSource)
			return fetchRemoteConfig(configSource, configToken)
		}
		logger.Infow("Loading local config", "path", configSource)
		return os.ReadFile(configSource)
	}(configSource, configToken)

	switch {
	case errors.Is(err, os.ErrNotExist):
		logger.Warnw("Config file not found, using defaults and environment", "path", configSource)
	case err != nil:
		return nil, fmt.Errorf("failed to get config data: %v", err)
	default:
		// Overrides config with the YAML data.
		if err := yaml.Unmarshal(configData, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config: %v", err)
		}
	}

	applyEnvironment(&config)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// applyEnvironment overrides config with environment variables.
// Therefore, the values from the environment variables precede the values from the YAML file.
func applyEnvironment(config *Config) {
	config.Port = env.OptionalIntVariable("PORT", config.Port)
	config.ApiKey = env.OptionalStringVariable("RELAY_API_KEY", config.ApiKey)
	config.JwtSecret = env.OptionalStringVariable("RELAY_JWT_SECRET", config.JwtSecret)
	config.DefaultTimeout = env.OptionalDurationVariable("REQUEST_TIMEOUT", config.DefaultTimeout)
	config.MaxRetries = env.OptionalIntVariable("MAX_RETRIES", config.MaxRetries)
	config.RetryDelay = env.OptionalDurationVariable("RETRY_DELAY", config.RetryDelay)
	config.BatchConcurrency = env.OptionalIntVariable("BATCH_CONCURRENCY", config.BatchConcurrency)
	config.PingInterval = env.OptionalDurationVariable("PING_INTERVAL", config.PingInterval)

	config.Cache.Backend = env.OptionalStringVariable("CACHE_BACKEND", config.Cache.Backend)
	config.Cache.Capacity = env.OptionalIntVariable("CACHE_CAPACITY", config.Cache.Capacity)
	config.Cache.TTL = env.OptionalDurationVariable("CACHE_TTL", config.Cache.TTL)
	config.Cache.ValkeyEndpoint = env.OptionalStringVariable("VALKEY_ENDPOINT", config.Cache.ValkeyEndpoint)

	providers := &config.Providers
	providers.OpenAI.Enabled = env.OptionalBoolVariable("USE_OPENAI", providers.OpenAI.Enabled)
	providers.OpenAI.ApiKey = env.OptionalStringVariable("OPENAI_API_KEY", providers.OpenAI.ApiKey)
	providers.OpenAI.BaseUrl = env.OptionalStringVariable("OPENAI_API_ENDPOINT", providers.OpenAI.BaseUrl)

	providers.Anthropic.Enabled = env.OptionalBoolVariable("USE_ANTHROPIC", providers.Anthropic.Enabled)
	providers.Anthropic.ApiKey = env.OptionalStringVariable("ANTHROPIC_API_KEY", providers.Anthropic.ApiKey)

	providers.Studio.Enabled = env.OptionalBoolVariable("USE_STUDIO", providers.Studio.Enabled)
	providers.Studio.ApiKey = env.OptionalStringVariable("GENAI_STUDIO_API_KEY", providers.Studio.ApiKey)

	providers.Bedrock.Enabled = env.OptionalBoolVariable("USE_BEDROCK", providers.Bedrock.Enabled)
	providers.Bedrock.Region = env.OptionalStringVariable("AWS_REGION", providers.Bedrock.Region)

	providers.Ollama.Enabled = env.OptionalBoolVariable("USE_OLLAMA", providers.Ollama.Enabled)
	providers.Ollama.BaseUrl = env.OptionalStringVariable("OLLAMA_API_ENDPOINT", providers.Ollama.BaseUrl)

	providers.LMStudio.Enabled = env.OptionalBoolVariable("USE_LM_STUDIO", providers.LMStudio.Enabled)
	providers.LMStudio.BaseUrl = env.OptionalStringVariable("LMSTUDIO_API_ENDPOINT", providers.LMStudio.BaseUrl)

	providers.Local.Enabled = env.OptionalBoolVariable("USE_LOCAL_MODELS", providers.Local.Enabled)
	providers.Local.BinaryPath = env.OptionalStringVariable("LLAMA_BINARY_PATH", providers.Local.BinaryPath)
	providers.Local.ModelsDir = env.OptionalStringVariable("LOCAL_MODELS_DIR", providers.Local.ModelsDir)

	otelConfig := &config.Monitoring.OpenTelemetry
	otelConfig.TracesEndpoint = env.OptionalStringVariable("OTEL_EXPORTER_OTLP_TRACES_ENDPOINT", otelConfig.TracesEndpoint)
	otelConfig.MetricsEndpoint = env.OptionalStringVariable("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT", otelConfig.MetricsEndpoint)
}

func (c *Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port out of range: %d", c.Port))
	}
	if c.DefaultTimeout <= 0 {
		errs = append(errs, fmt.Errorf("default_timeout must be positive"))
	}
	if c.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("max_retries must not be negative"))
	}
	if c.RetryDelay < 0 {
		errs = append(errs, fmt.Errorf("retry_delay must not be negative"))
	}
	if c.BatchConcurrency < 0 {
		errs = append(errs, fmt.Errorf("batch_concurrency must not be negative"))
	}
	if c.Cache.Capacity <= 0 {
		errs = append(errs, fmt.Errorf("cache capacity must be positive"))
	}
	if c.Cache.TTL <= 0 {
		errs = append(errs, fmt.Errorf("cache ttl must be positive"))
	}
	switch c.Cache.Backend {
	case CacheBackendMemory:
	case CacheBackendValkey:
		if c.Cache.ValkeyEndpoint == "" {
			errs = append(errs, fmt.Errorf("valkey cache backend requires valkey_endpoint"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported cache backend: %s", c.Cache.Backend))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Tables returns the built-in routing tables with the configured overrides
// applied.
func (c *Config) Tables() *routing.Tables {
	tables := routing.DefaultTables()
	tables.Merge(c.Routing)
	return tables
}

func fetchRemoteConfig(url string, token string) ([]byte, error) {
	client := &http.Client{
		Timeout: 10 * time.Second,
	}

	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		return nil, err
	}

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch config: HTTP %d", resp.StatusCode)
	}

	return io.ReadAll(resp.Body)
}
