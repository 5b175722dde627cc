package cache

import (
	"context"
	"time"

	"github.com/yanolja/relay"
)

const (
	DefaultCapacity = 1000
	DefaultTTL      = time.Hour

	keySeparator = ":"
)

// Cache stores successful responses by task type and exact input text.
type Cache interface {
	// Get returns a copy of the stored response marked as coming from cache.
	Get(ctx context.Context, taskType relay.TaskType, input string) (*relay.Response, bool)

	// Put stores response. Failed responses are ignored.
	Put(ctx context.Context, taskType relay.TaskType, input string, response *relay.Response)
}

// Key joins task type and input without any normalization, so inputs that
// differ only in whitespace are different keys.
func Key(taskType relay.TaskType, input string) string {
	return string(taskType) + keySeparator + input
}

func cacheable(response *relay.Response) bool {
	return response != nil && response.Success && !response.FromCache
}

func fromCache(stored *relay.Response) *relay.Response {
	response := stored.Clone()
	response.FromCache = true
	return response
}
