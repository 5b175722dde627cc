package routing

import (
	"math"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/yanolja/relay"
	"github.com/yanolja/relay/failure"
	"github.com/yanolja/relay/health"
)

const (
	priorityWeight    = 100
	successRateWeight = 50

	// Latency earns up to this many points, losing one per 100ms.
	maxLatencyScore = 30

	// Cap of the per-retry penalty applied to busy providers.
	maxRetryPenalty = 20
)

// NameSource enumerates the registered providers in a stable order.
type NameSource interface {
	Names() []string
}

// HealthSource exposes the health statistics the selector ranks by.
type HealthSource interface {
	Get(provider string) health.Health
}

// Selector picks providers for a task according to a relay.Strategy.
type Selector struct {
	providers NameSource
	health    HealthSource
	tables    *Tables

	// Round-robin cursor. Starts at -1 so the first pick is the first provider.
	cursor int
	mutex  sync.Mutex

	logger *zap.SugaredLogger
}

func NewSelector(providers NameSource, health HealthSource, tables *Tables, logger *zap.SugaredLogger) *Selector {
	if tables == nil {
		tables = DefaultTables()
	}
	return &Selector{
		providers: providers,
		health:    health,
		tables:    tables,
		cursor:    -1,
		logger:    logger,
	}
}

type candidate struct {
	name     string
	priority int
	health   health.Health
	score    float64
}

// Score combines the priority weight of the provider for the task with its
// health. Later retries penalize providers that have seen a lot of traffic,
// and the penalty never shrinks as retryCount grows.
func Score(priority int, h health.Health, retryCount int) float64 {
	score := float64(priority)*priorityWeight + h.SuccessRate*successRateWeight

	latencyMs := float64(h.AverageLatency.Milliseconds())
	if latencyMs > 0 {
		score += math.Max(0, maxLatencyScore-latencyMs/100)
	} else {
		score += maxLatencyScore
	}

	if retryCount > 0 {
		penalty := math.Min(maxRetryPenalty, float64(h.RecentRequests)/5)
		score -= penalty * float64(retryCount)
	}
	return score
}

func (s *Selector) candidates(exclude []string) []string {
	excluded := make(map[string]struct{}, len(exclude))
	for _, name := range exclude {
		excluded[name] = struct{}{}
	}

	names := s.providers.Names()
	result := make([]string, 0, len(names))
	for _, name := range names {
		if _, ok := excluded[name]; !ok {
			result = append(result, name)
		}
	}
	return result
}

// rank orders names best first. Available providers always precede
// unavailable ones; within each group the strategy's ordering applies on top
// of the composite score.
func (s *Selector) rank(taskType relay.TaskType, strategy relay.Strategy, retryCount int, names []string) []candidate {
	ranked := make([]candidate, len(names))
	for i, name := range names {
		priority := s.tables.Priority(taskType, name)
		h := s.health.Get(name)
		ranked[i] = candidate{
			name:     name,
			priority: priority,
			health:   h,
			score:    Score(priority, h, retryCount),
		}
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].score > ranked[j].score
	})

	var secondary func(a, b candidate) bool
	switch strategy {
	case relay.StrategyLoadBalanced:
		secondary = func(a, b candidate) bool { return a.health.RecentRequests < b.health.RecentRequests }
	case relay.StrategyPerformance:
		secondary = func(a, b candidate) bool { return a.health.AverageLatency < b.health.AverageLatency }
	case relay.StrategyCostOptimized:
		secondary = func(a, b candidate) bool { return a.priority > b.priority }
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.health.Available != b.health.Available {
			return a.health.Available
		}
		if secondary != nil {
			return secondary(a, b)
		}
		return false
	})
	return ranked
}

// SelectBest returns the best provider for the task, skipping every name in
// exclude. The second result is false when no provider is left.
func (s *Selector) SelectBest(taskType relay.TaskType, strategy relay.Strategy, retryCount int, exclude ...string) (string, bool) {
	names := s.candidates(exclude)
	if len(names) == 0 {
		s.logger.Warnw("No providers available for selection",
			"task_type", taskType,
			"strategy", strategy,
			"excluded", exclude)
		return "", false
	}

	if strategy == relay.StrategyRoundRobin {
		s.mutex.Lock()
		s.cursor = (s.cursor + 1) % len(names)
		selected := names[s.cursor]
		s.mutex.Unlock()
		return selected, true
	}

	ranked := s.rank(taskType, strategy, retryCount, names)
	if len(ranked) == 0 {
		return names[0], true
	}

	s.logger.Debugw("Selected provider",
		"task_type", taskType,
		"strategy", strategy,
		"retry_count", retryCount,
		"provider", ranked[0].name,
		"score", ranked[0].score)
	return ranked[0].name, true
}

// SelectNext picks a replacement for current after it failed with kind. tried
// lists providers already attempted for the same request.
func (s *Selector) SelectNext(taskType relay.TaskType, current string, kind failure.Kind, retryCount int, tried ...string) (string, bool) {
	exclude := append([]string{current}, tried...)
	selected, ok := s.SelectBest(taskType, relay.StrategyFallback, retryCount, exclude...)
	if ok {
		s.logger.Infow("Falling back to another provider",
			"task_type", taskType,
			"failed_provider", current,
			"error_kind", kind,
			"retry_count", retryCount,
			"next_provider", selected)
	}
	return selected, ok
}

// Alternatives returns every provider except exclude, best first.
func (s *Selector) Alternatives(taskType relay.TaskType, exclude string, strategy relay.Strategy) []string {
	var names []string
	if exclude == "" {
		names = s.candidates(nil)
	} else {
		names = s.candidates([]string{exclude})
	}
	if strategy == relay.StrategyRoundRobin {
		strategy = relay.StrategyPriority
	}

	ranked := s.rank(taskType, strategy, 0, names)
	result := make([]string, len(ranked))
	for i, c := range ranked {
		result[i] = c.name
	}
	return result
}

// Scores reports the composite score of every registered provider for the
// task, best first.
func (s *Selector) Scores(taskType relay.TaskType) []health.Scored {
	ranked := s.rank(taskType, relay.StrategyPriority, 0, s.candidates(nil))
	result := make([]health.Scored, len(ranked))
	for i, c := range ranked {
		result[i] = health.Scored{Provider: c.name, Score: c.score}
	}
	return result
}

// Tables exposes the routing tables the selector ranks with.
func (s *Selector) Tables() *Tables {
	return s.tables
}
