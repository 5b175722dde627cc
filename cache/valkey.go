package cache

import (
	"context"
	"time"

	"github.com/goccy/go-json"
	"github.com/valkey-io/valkey-go"
	"go.uber.org/zap"

	"github.com/yanolja/relay"
)

const valkeyKeyPrefix = "relay:cache:"

// ValkeyCache shares cached responses between gateway instances. Expiry is
// delegated to Valkey and capacity to the server's eviction policy.
type ValkeyCache struct {
	client valkey.Client
	ttl    time.Duration
	logger *zap.SugaredLogger
}

func NewValkeyCache(client valkey.Client, ttl time.Duration, logger *zap.SugaredLogger) *ValkeyCache {
	if ttl < time.Second {
		ttl = DefaultTTL
	}
	return &ValkeyCache{client: client, ttl: ttl, logger: logger}
}

func (c *ValkeyCache) Get(ctx context.Context, taskType relay.TaskType, input string) (*relay.Response, bool) {
	result := c.client.Do(ctx, c.client.B().Get().Key(valkeyKeyPrefix+Key(taskType, input)).Build())
	if err := result.Error(); err != nil {
		if !valkey.IsValkeyNil(err) {
			c.logger.Warnw("Failed to read cached response", "task_type", taskType, "error", err)
		}
		return nil, false
	}

	data, err := result.AsBytes()
	if err != nil {
		c.logger.Warnw("Failed to read cached response", "task_type", taskType, "error", err)
		return nil, false
	}

	var stored relay.Response
	if err := json.Unmarshal(data, &stored); err != nil {
		c.logger.Warnw("Dropping undecodable cached response", "task_type", taskType, "error", err)
		return nil, false
	}
	return fromCache(&stored), true
}

func (c *ValkeyCache) Put(ctx context.Context, taskType relay.TaskType, input string, response *relay.Response) {
	if !cacheable(response) {
		return
	}

	data, err := json.Marshal(response)
	if err != nil {
		c.logger.Warnw("Failed to encode response for cache", "task_type", taskType, "error", err)
		return
	}

	err = c.client.Do(ctx, c.client.B().Set().
		Key(valkeyKeyPrefix+Key(taskType, input)).
		Value(valkey.BinaryString(data)).
		Ex(c.ttl).
		Build(),
	).Error()
	if err != nil {
		c.logger.Warnw("Failed to store response in cache", "task_type", taskType, "error", err)
	}
}
