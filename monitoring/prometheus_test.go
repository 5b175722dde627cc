package monitoring

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/yanolja/relay/failure"
)

func TestPrometheusMonitor(t *testing.T) {
	logger := zaptest.NewLogger(t).Sugar()

	t.Run("defaults", func(t *testing.T) {
		monitor, err := NewPrometheusMonitor(PrometheusConfig{}, logger)
		require.NoError(t, err)
		assert.Equal(t, "/metrics", monitor.Path())
		assert.Equal(t, "relay", monitor.config.Namespace)
	})

	t.Run("records events", func(t *testing.T) {
		monitor, err := NewPrometheusMonitor(PrometheusConfig{Namespace: "test"}, logger)
		require.NoError(t, err)

		monitor.RecordAttempt("openai", "gpt-4", true, "", 100*time.Millisecond)
		monitor.RecordAttempt("openai", "gpt-4", false, failure.Timeout, time.Second)
		monitor.RecordAttempt("openai", "gpt-4", false, failure.Timeout, time.Second)
		monitor.RecordRequest("text-generation", OutcomeFailover, "", 2*time.Second)
		monitor.RecordCacheLookup("text-generation", true)
		monitor.RecordCacheLookup("text-generation", false)
		monitor.RecordCacheLookup("text-generation", false)

		assert.Equal(t, 1.0, testutil.ToFloat64(monitor.attemptsTotal.WithLabelValues("openai", "gpt-4", "success", "")))
		assert.Equal(t, 2.0, testutil.ToFloat64(monitor.attemptsTotal.WithLabelValues("openai", "gpt-4", "failure", "timeout")))
		assert.Equal(t, 1.0, testutil.ToFloat64(monitor.requestsTotal.WithLabelValues("text-generation", "failover", "")))
		assert.Equal(t, 1.0, testutil.ToFloat64(monitor.cacheLookups.WithLabelValues("text-generation", "hit")))
		assert.Equal(t, 2.0, testutil.ToFloat64(monitor.cacheLookups.WithLabelValues("text-generation", "miss")))
	})

	t.Run("handler exposes metrics", func(t *testing.T) {
		monitor, err := NewPrometheusMonitor(PrometheusConfig{Namespace: "test"}, logger)
		require.NoError(t, err)
		monitor.RecordRequest("code-generation", OutcomeProvider, "", time.Millisecond)

		recorder := httptest.NewRecorder()
		monitor.Handler().ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/metrics", nil))

		body, err := io.ReadAll(recorder.Body)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, recorder.Code)
		assert.Contains(t, string(body), `test_requests_total{error_kind="",outcome="provider",task_type="code-generation"} 1`)
	})
}
