package monitoring

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/yanolja/relay/failure"
)

const (
	FormatJSON     = "json"
	FormatInfluxDB = "influxdb"

	defaultFlushInterval = 10 * time.Second
	defaultMaxBuffered   = 10_000
)

// CustomEndpointConfig represents custom metrics endpoint configuration
type CustomEndpointConfig struct {
	Enabled bool              `yaml:"enabled"`
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers,omitempty"`

	// "json" or "influxdb"
	Format string `yaml:"format"`

	FlushInterval time.Duration `yaml:"flush_interval"`

	// Events kept while the endpoint is unreachable. Older events are
	// dropped first.
	MaxBuffered int `yaml:"max_buffered"`
}

// CustomMetricEntry represents a single metric entry
type CustomMetricEntry struct {
	Name      string            `json:"name"`
	Value     float64           `json:"value"`
	Unit      string            `json:"unit,omitempty"`
	Labels    map[string]string `json:"labels,omitempty"`
	Timestamp int64             `json:"timestamp"`
}

// CustomMetricPayload represents the payload structure for custom metrics
type CustomMetricPayload struct {
	Source  string              `json:"source"`
	Metrics []CustomMetricEntry `json:"metrics"`
}

// CustomRecorder buffers gateway events and posts them to an HTTP endpoint
// in batches.
type CustomRecorder struct {
	config     CustomEndpointConfig
	httpClient *http.Client
	clock      clock.Clock
	logger     *zap.SugaredLogger

	mutex   sync.Mutex
	pending []CustomMetricEntry
	dropped int
}

func NewCustomRecorder(config CustomEndpointConfig, logger *zap.SugaredLogger) (*CustomRecorder, error) {
	return newCustomRecorderWithClock(config, logger, clock.New())
}

func newCustomRecorderWithClock(config CustomEndpointConfig, logger *zap.SugaredLogger, clock clock.Clock) (*CustomRecorder, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("custom endpoint URL is required")
	}
	switch strings.ToLower(config.Format) {
	case "":
		config.Format = FormatJSON
	case FormatJSON, FormatInfluxDB:
		config.Format = strings.ToLower(config.Format)
	default:
		return nil, fmt.Errorf("unsupported custom endpoint format: %s", config.Format)
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = defaultFlushInterval
	}
	if config.MaxBuffered <= 0 {
		config.MaxBuffered = defaultMaxBuffered
	}

	return &CustomRecorder{
		config: config,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		clock:  clock,
		logger: logger,
	}, nil
}

func (c *CustomRecorder) RecordAttempt(provider string, model string, success bool, kind failure.Kind, latency time.Duration) {
	labels := map[string]string{
		"provider": provider,
		"model":    model,
		"success":  strconv.FormatBool(success),
	}
	if kind != "" {
		labels["error_kind"] = string(kind)
	}
	c.add(
		CustomMetricEntry{Name: "attempts_total", Value: 1, Labels: labels},
		CustomMetricEntry{Name: "attempt_duration_seconds", Value: latency.Seconds(), Unit: "seconds", Labels: labels},
	)
}

func (c *CustomRecorder) RecordRequest(taskType string, outcome Outcome, kind failure.Kind, latency time.Duration) {
	labels := map[string]string{
		"task_type": taskType,
		"outcome":   string(outcome),
	}
	if kind != "" {
		labels["error_kind"] = string(kind)
	}
	c.add(
		CustomMetricEntry{Name: "requests_total", Value: 1, Labels: labels},
		CustomMetricEntry{Name: "request_duration_seconds", Value: latency.Seconds(), Unit: "seconds", Labels: labels},
	)
}

func (c *CustomRecorder) RecordCacheLookup(taskType string, hit bool) {
	c.add(CustomMetricEntry{Name: "cache_lookups_total", Value: 1, Labels: map[string]string{
		"task_type": taskType,
		"hit":       strconv.FormatBool(hit),
	}})
}

func (c *CustomRecorder) add(entries ...CustomMetricEntry) {
	now := c.clock.Now().Unix()

	c.mutex.Lock()
	defer c.mutex.Unlock()
	for _, entry := range entries {
		entry.Timestamp = now
		c.pending = append(c.pending, entry)
	}
	if overflow := len(c.pending) - c.config.MaxBuffered; overflow > 0 {
		c.pending = c.pending[overflow:]
		c.dropped += overflow
	}
}

// Flush sends every buffered event. On failure the events are put back so
// the next flush retries them.
func (c *CustomRecorder) Flush(ctx context.Context) error {
	c.mutex.Lock()
	batch := c.pending
	dropped := c.dropped
	c.pending = nil
	c.dropped = 0
	c.mutex.Unlock()

	if dropped > 0 {
		c.logger.Warnw("Dropped metric events while the custom endpoint was behind", "count", dropped)
	}
	if len(batch) == 0 {
		return nil
	}

	var body []byte
	contentType := "application/json"
	switch c.config.Format {
	case FormatInfluxDB:
		body = []byte(formatInfluxDB(batch))
		contentType = "text/plain"
	default:
		data, err := json.Marshal(CustomMetricPayload{Source: "relay", Metrics: batch})
		if err != nil {
			return fmt.Errorf("failed to marshal JSON payload: %v", err)
		}
		body = data
	}

	if err := c.sendHTTPRequest(ctx, body, contentType); err != nil {
		c.mutex.Lock()
		c.pending = append(batch, c.pending...)
		c.mutex.Unlock()
		return err
	}
	return nil
}

// Start flushes on every interval until ctx is done, then flushes once more.
func (c *CustomRecorder) Start(ctx context.Context) {
	ticker := c.clock.Ticker(c.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			if err := c.Flush(flushCtx); err != nil {
				c.logger.Warnw("Failed to flush metrics on shutdown", "error", err)
			}
			cancel()
			return
		case <-ticker.C:
			if err := c.Flush(ctx); err != nil {
				c.logger.Warnw("Failed to send metrics to custom endpoint", "url", c.config.URL, "error", err)
			}
		}
	}
}

// sendHTTPRequest sends an HTTP request to the custom endpoint
func (c *CustomRecorder) sendHTTPRequest(ctx context.Context, data []byte, contentType string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.URL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %v", err)
	}

	req.Header.Set("Content-Type", contentType)
	for key, value := range c.config.Headers {
		req.Header.Set(key, value)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("custom endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

// formatInfluxDB renders entries in the InfluxDB line protocol, one line per
// entry, with tags in key order.
func formatInfluxDB(entries []CustomMetricEntry) string {
	var builder strings.Builder
	for _, entry := range entries {
		builder.WriteString(escapeInflux(entry.Name))

		keys := make([]string, 0, len(entry.Labels))
		for key := range entry.Labels {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			builder.WriteString(",")
			builder.WriteString(escapeInflux(key))
			builder.WriteString("=")
			builder.WriteString(escapeInflux(entry.Labels[key]))
		}

		builder.WriteString(" value=")
		builder.WriteString(strconv.FormatFloat(entry.Value, 'f', -1, 64))
		builder.WriteString(" ")
		builder.WriteString(strconv.FormatInt(entry.Timestamp*int64(time.Second), 10))
		builder.WriteString("\n")
	}
	return builder.String()
}

var influxEscaper = strings.NewReplacer(",", `\,`, "=", `\=`, " ", `\ `)

func escapeInflux(s string) string {
	return influxEscaper.Replace(s)
}
