package cache

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/yanolja/relay"
	"github.com/yanolja/relay/utils/heap"
)

type entry struct {
	key       string
	response  *relay.Response
	writtenAt time.Time

	// Insertion sequence. Breaks ties between entries written at the same
	// instant so the earlier write is evicted first.
	sequence uint64

	// Position in the eviction heap.
	index int
}

func olderThan(a, b *entry) bool {
	if !a.writtenAt.Equal(b.writtenAt) {
		return a.writtenAt.Before(b.writtenAt)
	}
	return a.sequence < b.sequence
}

// MemoryCache is a bounded in-process cache. When full it evicts the entry
// with the oldest write time; reads never refresh an entry.
type MemoryCache struct {
	entries  map[string]*entry
	byAge    *heap.MinHeap[*entry]
	capacity int
	ttl      time.Duration
	sequence uint64
	mutex    sync.Mutex
	clock    clock.Clock
	logger   *zap.SugaredLogger
}

func NewMemoryCache(capacity int, ttl time.Duration, logger *zap.SugaredLogger) *MemoryCache {
	return newMemoryCacheWithClock(capacity, ttl, logger, clock.New())
}

func newMemoryCacheWithClock(capacity int, ttl time.Duration, logger *zap.SugaredLogger, clock clock.Clock) *MemoryCache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &MemoryCache{
		entries: make(map[string]*entry, capacity),
		byAge: heap.NewIndexedMinHeap(olderThan, func(e *entry, index int) {
			e.index = index
		}),
		capacity: capacity,
		ttl:      ttl,
		clock:    clock,
		logger:   logger,
	}
}

func (c *MemoryCache) Get(ctx context.Context, taskType relay.TaskType, input string) (*relay.Response, bool) {
	key := Key(taskType, input)

	c.mutex.Lock()
	defer c.mutex.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.ttl > 0 && c.clock.Since(e.writtenAt) > c.ttl {
		c.remove(e)
		return nil, false
	}
	return fromCache(e.response), true
}

func (c *MemoryCache) Put(ctx context.Context, taskType relay.TaskType, input string, response *relay.Response) {
	if !cacheable(response) {
		return
	}
	key := Key(taskType, input)

	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.sequence++
	now := c.clock.Now()

	if e, ok := c.entries[key]; ok {
		e.response = response.Clone()
		e.writtenAt = now
		e.sequence = c.sequence
		c.byAge.Fix(e.index)
		return
	}

	for len(c.entries) >= c.capacity {
		oldest, ok := c.byAge.Pop()
		if !ok {
			break
		}
		delete(c.entries, oldest.key)
		c.logger.Debugw("Evicted cache entry", "key_length", len(oldest.key), "written_at", oldest.writtenAt)
	}

	e := &entry{
		key:       key,
		response:  response.Clone(),
		writtenAt: now,
		sequence:  c.sequence,
	}
	c.entries[key] = e
	c.byAge.Push(e)
}

func (c *MemoryCache) remove(e *entry) {
	c.byAge.RemoveAt(e.index)
	delete(c.entries, e.key)
}

func (c *MemoryCache) Len() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return len(c.entries)
}

// Purge drops every expired entry and returns how many were removed.
func (c *MemoryCache) Purge() int {
	if c.ttl <= 0 {
		return 0
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	removed := 0
	for {
		oldest, ok := c.byAge.Peek()
		if !ok || c.clock.Since(oldest.writtenAt) <= c.ttl {
			break
		}
		c.remove(oldest)
		removed++
	}
	return removed
}

// StartPurgeLoop purges expired entries every interval until ctx is done.
func (c *MemoryCache) StartPurgeLoop(ctx context.Context, interval time.Duration) {
	ticker := c.clock.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := c.Purge(); removed > 0 {
				c.logger.Debugw("Purged expired cache entries", "count", removed)
			}
		}
	}
}
