package health

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/yanolja/relay/failure"
)

const (
	// Recent counters are rescaled once they exceed this many requests.
	windowSize = 100

	// Rates are recomputed only after this many requests.
	minSamples = 5

	// A provider is marked unavailable above this error rate.
	unavailableErrorRate = 0.8

	// Weight of the previous average in the latency moving average.
	latencyDecay = 0.7
)

// Health is a snapshot of one provider's recent behaviour.
type Health struct {
	Available      bool          `json:"available"`
	SuccessRate    float64       `json:"success_rate"`
	ErrorRate      float64       `json:"error_rate"`
	AverageLatency time.Duration `json:"average_latency"`
	RecentRequests int           `json:"recent_requests"`
	RecentErrors   int           `json:"recent_errors"`
	LastUsed       time.Time     `json:"last_used"`
	LastError      string        `json:"last_error,omitempty"`
	LastErrorKind  failure.Kind  `json:"last_error_kind,omitempty"`
	LastErrorTime  time.Time     `json:"last_error_time"`
}

func optimistic() Health {
	return Health{Available: true, SuccessRate: 1.0}
}

type entry struct {
	mutex  sync.Mutex
	health Health
}

// Monitor keeps process-wide health statistics per provider. Entries are
// created lazily and never removed.
type Monitor struct {
	entries map[string]*entry
	mutex   sync.RWMutex
	clock   clock.Clock
	logger  *zap.SugaredLogger
}

func NewMonitor(logger *zap.SugaredLogger) *Monitor {
	return newMonitorWithClock(logger, clock.New())
}

func newMonitorWithClock(logger *zap.SugaredLogger, clock clock.Clock) *Monitor {
	return &Monitor{
		entries: make(map[string]*entry),
		clock:   clock,
		logger:  logger,
	}
}

func (m *Monitor) entry(provider string) *entry {
	m.mutex.RLock()
	e, ok := m.entries[provider]
	m.mutex.RUnlock()
	if ok {
		return e
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()
	if e, ok := m.entries[provider]; ok {
		return e
	}
	e = &entry{health: optimistic()}
	m.entries[provider] = e
	return e
}

// Update records the outcome of one attempt against provider. kind and
// message are ignored on success.
func (m *Monitor) Update(provider string, success bool, latency time.Duration, kind failure.Kind, message string) {
	e := m.entry(provider)
	e.mutex.Lock()
	defer e.mutex.Unlock()

	h := &e.health
	h.RecentRequests++
	if !success {
		h.RecentErrors++
	}

	if h.RecentRequests > windowSize {
		h.RecentErrors = h.RecentErrors * windowSize / h.RecentRequests
		h.RecentRequests = windowSize
	}

	if h.RecentRequests >= minSamples {
		h.ErrorRate = float64(h.RecentErrors) / float64(h.RecentRequests)
		h.SuccessRate = 1 - h.ErrorRate
	}

	now := m.clock.Now()
	if success {
		if h.AverageLatency == 0 {
			h.AverageLatency = latency
		} else {
			h.AverageLatency = time.Duration(math.Round(latencyDecay*float64(h.AverageLatency) + (1-latencyDecay)*float64(latency)))
		}
		h.LastUsed = now
		h.Available = true
		return
	}

	h.LastError = message
	h.LastErrorKind = kind
	h.LastErrorTime = now
	if h.RecentRequests >= minSamples && h.ErrorRate > unavailableErrorRate && h.Available {
		h.Available = false
		m.logger.Warnw("Provider marked unavailable",
			"provider", provider,
			"error_rate", h.ErrorRate,
			"recent_requests", h.RecentRequests)
	}
}

// SetAvailable records the result of an availability probe without counting
// it as a request.
func (m *Monitor) SetAvailable(provider string, available bool) {
	e := m.entry(provider)
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.health.Available = available
}

// Get returns a copy of the provider's health, creating an optimistic entry
// on first reference.
func (m *Monitor) Get(provider string) Health {
	e := m.entry(provider)
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.health
}

func (m *Monitor) All() map[string]Health {
	m.mutex.RLock()
	entries := make(map[string]*entry, len(m.entries))
	for name, e := range m.entries {
		entries[name] = e
	}
	m.mutex.RUnlock()

	result := make(map[string]Health, len(entries))
	for name, e := range entries {
		e.mutex.Lock()
		result[name] = e.health
		e.mutex.Unlock()
	}
	return result
}

// Reset restores the optimistic defaults for provider.
func (m *Monitor) Reset(provider string) {
	e := m.entry(provider)
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.health = optimistic()
	m.logger.Infow("Provider health reset", "provider", provider)
}

type Scored struct {
	Provider string  `json:"provider"`
	Score    float64 `json:"score"`
}

// Rank scores every known provider and orders them best first. Ties are
// broken by name so the order is stable.
func (m *Monitor) Rank(score func(provider string, health Health) float64) []Scored {
	all := m.All()
	ranked := make([]Scored, 0, len(all))
	for name, h := range all {
		ranked = append(ranked, Scored{Provider: name, Score: score(name, h)})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return ranked[i].Provider < ranked[j].Provider
	})
	return ranked
}

// DiagnosticScore favours available providers with high success rates and
// low latency.
func DiagnosticScore(_ string, h Health) float64 {
	score := h.SuccessRate * 50
	if h.Available {
		score += 100
	}
	latencyPenalty := float64(h.AverageLatency.Milliseconds()) / 50
	if latencyPenalty > 20 {
		latencyPenalty = 20
	}
	return score - latencyPenalty
}
