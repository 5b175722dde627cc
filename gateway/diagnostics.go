package gateway

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/yanolja/relay"
	"github.com/yanolja/relay/health"
	"github.com/yanolja/relay/provider"
)

// Upper bound of a single availability probe.
const probeTimeout = 10 * time.Second

// modelLister is implemented by providers that can report the models they
// serve. E.g., the models pulled on an Ollama server
type modelLister interface {
	ListModels(ctx context.Context) ([]string, error)
}

// AvailableProviders lists the registered providers currently considered
// available, in registration order.
func (g *Gateway) AvailableProviders() []string {
	var available []string
	for _, name := range g.registry.Names() {
		if g.monitor.Get(name).Available {
			available = append(available, name)
		}
	}
	return available
}

// AvailableModels maps every registered provider to the models it can serve:
// the models of the routing tables plus whatever the provider itself lists.
func (g *Gateway) AvailableModels(ctx context.Context) map[string][]string {
	names := g.registry.Names()
	result := make(map[string][]string, len(names))
	var mutex sync.Mutex

	var group errgroup.Group
	for _, name := range names {
		group.Go(func() error {
			models := g.tables.ModelsFor(name)
			if p, err := g.registry.Get(name); err == nil {
				if lister, ok := p.(modelLister); ok {
					listCtx, cancel := context.WithTimeout(ctx, probeTimeout)
					listed, err := lister.ListModels(listCtx)
					cancel()
					if err != nil {
						g.logger.Debugw("Failed to list provider models", "provider", name, "error", err)
					}
					models = mergeSorted(models, listed)
				}
			}

			mutex.Lock()
			result[name] = models
			mutex.Unlock()
			return nil
		})
	}
	_ = group.Wait()
	return result
}

func mergeSorted(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	merged := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, name := range list {
			if _, ok := seen[name]; ok {
				continue
			}
			seen[name] = struct{}{}
			merged = append(merged, name)
		}
	}
	sort.Strings(merged)
	return merged
}

// ProvidersHealth returns the health of every registered provider.
func (g *Gateway) ProvidersHealth() map[string]health.Health {
	names := g.registry.Names()
	result := make(map[string]health.Health, len(names))
	for _, name := range names {
		result[name] = g.monitor.Get(name)
	}
	return result
}

// ProvidersByScore ranks the registered providers for taskType, best first.
func (g *Gateway) ProvidersByScore(taskType relay.TaskType) []health.Scored {
	return g.selector.Scores(taskType)
}

// ResetHealth clears the statistics of a registered provider.
func (g *Gateway) ResetHealth(name string) error {
	if _, err := g.registry.Get(name); err != nil {
		return err
	}
	g.monitor.Reset(name)
	return nil
}

// ProbeProviders asks every provider whether it is available and records the
// answers in the health monitor. Probes run concurrently.
func (g *Gateway) ProbeProviders(ctx context.Context) map[string]bool {
	names := g.registry.Names()
	result := make(map[string]bool, len(names))
	var mutex sync.Mutex

	var group errgroup.Group
	for _, name := range names {
		group.Go(func() error {
			p, err := g.registry.Get(name)
			if err != nil {
				return nil
			}
			available := g.probe(ctx, p)
			g.monitor.SetAvailable(name, available)

			mutex.Lock()
			result[name] = available
			mutex.Unlock()
			return nil
		})
	}
	_ = group.Wait()

	g.logger.Debugw("Probed providers", "results", result)
	return result
}

func (g *Gateway) probe(ctx context.Context, p provider.Provider) (available bool) {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			g.logger.Warnw("Provider availability check panicked", "provider", p.Name(), "panic", r)
			available = false
		}
	}()

	available = p.IsAvailable(probeCtx)
	if !available {
		g.logger.Warnw("Provider is not available", "provider", p.Name())
	}
	return available
}

// StartPingLoop probes every provider right away and then on every ping
// interval until ctx ends.
func (g *Gateway) StartPingLoop(ctx context.Context) {
	if g.settings.PingInterval <= 0 {
		return
	}

	ticker := g.clock.Ticker(g.settings.PingInterval)
	defer ticker.Stop()

	// This ensures we have initial data without waiting for the first tick,
	// which occurs after a full interval.
	g.ProbeProviders(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.ProbeProviders(ctx)
		}
	}
}
