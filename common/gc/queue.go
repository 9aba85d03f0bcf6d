// Package gc implements the GC worker: draining the
// durable orphan-block queue in batches and deleting blocks from the blob
// store. Grounded on original_source/analemma-workflow-os's
// handlers/core/background_gc.py batch-drain shape, realized over
// common/redis/client.go's list idiom (PushToList/BlockingPopList).
package gc

import (
	"context"
	"encoding/json"
	"fmt"

	redisWrapper "github.com/skwuwu/workflow-core/common/redis"
	"github.com/skwuwu/workflow-core/common/kernel"
)

const queueKey = "gc:orphan_blocks"

// RedisGCQueue implements kernel.GCQueue over a Redis list (RPUSH/BLPOP),
// matching an at-least-once-delivery-with-DLQ durable queue shape — the
// DLQ is simulated by re-enqueueing failed items, see worker.go.
type RedisGCQueue struct {
	redis *redisWrapper.Client
}

func NewRedisGCQueue(redis *redisWrapper.Client) *RedisGCQueue {
	return &RedisGCQueue{redis: redis}
}

func (q *RedisGCQueue) Enqueue(ctx context.Context, item kernel.GCItem) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to marshal GC item: %w", err)
	}
	return q.redis.PushToList(ctx, queueKey, string(data))
}
