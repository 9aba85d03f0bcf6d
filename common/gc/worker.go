package gc

import (
	"context"
	"encoding/json"
	"time"

	"github.com/skwuwu/workflow-core/common/kernel"
	redisWrapper "github.com/skwuwu/workflow-core/common/redis"
)

// Logger mirrors the minimal logging contract used across common/.
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// batchSize caps messages drained per invocation (backpressure: GC
// batch size cap).
const batchSize = 10

// Worker drains the orphan-block queue and deletes blocks from the blob
// store. Each item's blob is HEAD-checked first (404 => already deleted,
// skipped); DELETE failures beyond the retry budget are re-enqueued so the
// queue redelivers only the failed subset, mirroring background_gc.py's
// "batch item failures" semantics translated to an at-least-once list.
type Worker struct {
	redis  *redisWrapper.Client
	blobs  kernel.BlobStore
	logger Logger
}

func NewWorker(redis *redisWrapper.Client, blobs kernel.BlobStore, logger Logger) *Worker {
	return &Worker{redis: redis, blobs: blobs, logger: logger}
}

// Run drains the queue in a loop until ctx is cancelled, blocking between
// batches when the queue is empty.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
			if err := w.drainBatch(ctx); err != nil {
				w.logger.Error("gc batch drain failed", "error", err)
				time.Sleep(time.Second)
			}
		}
	}
}

func (w *Worker) drainBatch(ctx context.Context) error {
	var succeeded, failed int
	for i := 0; i < batchSize; i++ {
		popped, err := w.redis.BlockingPopList(ctx, 2*time.Second, queueKey)
		if err != nil {
			return err
		}
		if popped == nil {
			break
		}
		// BLPOP result is [key, value]; the value is index 1.
		if len(popped) < 2 {
			continue
		}
		var item kernel.GCItem
		if err := json.Unmarshal([]byte(popped[1]), &item); err != nil {
			w.logger.Error("failed to decode GC item, dropping", "error", err)
			continue
		}
		if err := w.process(ctx, item); err != nil {
			failed++
			w.logger.Error("gc item failed, re-enqueuing", "block_key", item.BlockKey, "error", err)
			if requeueErr := (&RedisGCQueue{redis: w.redis}).Enqueue(ctx, item); requeueErr != nil {
				w.logger.Error("failed to re-enqueue GC item", "error", requeueErr)
			}
			continue
		}
		succeeded++
	}
	if succeeded > 0 || failed > 0 {
		w.logger.Info("gc batch drained", "succeeded", succeeded, "failed", failed)
	}
	return nil
}

func (w *Worker) process(ctx context.Context, item kernel.GCItem) error {
	exists, err := w.blobs.Exists(ctx, item.BlockKey)
	if err != nil {
		return err
	}
	if !exists {
		// Already deleted (HEAD 404 equivalent) — treat as success.
		return nil
	}
	return w.blobs.Delete(ctx, item.BlockKey)
}
