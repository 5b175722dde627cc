package monitoring

import (
	"time"

	"github.com/yanolja/relay/failure"
)

// Outcome labels how a request was finally served.
type Outcome string

const (
	OutcomeProvider Outcome = "provider"
	OutcomeFailover Outcome = "failover"
	OutcomeCache    Outcome = "cache"
	OutcomeFailure  Outcome = "failure"
)

// Config represents monitoring configuration
type Config struct {
	// Prometheus configuration
	Prometheus PrometheusConfig `yaml:"prometheus"`

	// OpenTelemetry configuration
	OpenTelemetry OpenTelemetryConfig `yaml:"opentelemetry"`

	// Batched events posted to an arbitrary HTTP collector
	CustomEndpoint CustomEndpointConfig `yaml:"custom_endpoint"`
}

// Recorder receives gateway events. Implementations must be safe for
// concurrent use.
type Recorder interface {
	// RecordAttempt is called once per provider invocation.
	RecordAttempt(provider string, model string, success bool, kind failure.Kind, latency time.Duration)

	// RecordRequest is called once per processed input.
	RecordRequest(taskType string, outcome Outcome, kind failure.Kind, latency time.Duration)

	RecordCacheLookup(taskType string, hit bool)
}

type nopRecorder struct{}

func (nopRecorder) RecordAttempt(string, string, bool, failure.Kind, time.Duration) {}
func (nopRecorder) RecordRequest(string, Outcome, failure.Kind, time.Duration)     {}
func (nopRecorder) RecordCacheLookup(string, bool)                                 {}

// Nop discards every event.
func Nop() Recorder {
	return nopRecorder{}
}

type multiRecorder []Recorder

// Multi fans events out to every non-nil recorder.
func Multi(recorders ...Recorder) Recorder {
	var active multiRecorder
	for _, r := range recorders {
		if r != nil {
			active = append(active, r)
		}
	}
	switch len(active) {
	case 0:
		return Nop()
	case 1:
		return active[0]
	}
	return active
}

func (m multiRecorder) RecordAttempt(provider string, model string, success bool, kind failure.Kind, latency time.Duration) {
	for _, r := range m {
		r.RecordAttempt(provider, model, success, kind, latency)
	}
}

func (m multiRecorder) RecordRequest(taskType string, outcome Outcome, kind failure.Kind, latency time.Duration) {
	for _, r := range m {
		r.RecordRequest(taskType, outcome, kind, latency)
	}
}

func (m multiRecorder) RecordCacheLookup(taskType string, hit bool) {
	for _, r := range m {
		r.RecordCacheLookup(taskType, hit)
	}
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
