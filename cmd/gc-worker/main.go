// Command gc-worker drains the orphan-block queue the State Kernel
// enqueues onto during rollback and abandoned-write recovery, deleting
// every block it pops from the content-addressed store. Grounded on
// cmd/orchestrator/main.go's bootstrap-then-run shape, collapsed to a
// worker loop instead of an HTTP server since this binary has no request
// surface of its own.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/skwuwu/workflow-core/common/bootstrap"
	"github.com/skwuwu/workflow-core/common/gc"
	"github.com/skwuwu/workflow-core/common/kernel"
	rediswrap "github.com/skwuwu/workflow-core/common/redis"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	components, err := bootstrap.Setup(ctx, "gc-worker", bootstrap.WithoutDB())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap gc-worker: %v\n", err)
		os.Exit(1)
	}
	defer components.Shutdown(ctx)

	rawRedis := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", components.Config.Redis.Host, components.Config.Redis.Port),
		Password: components.Config.Redis.Password,
		DB:       0,
	})
	defer rawRedis.Close()

	redisClient := rediswrap.NewClient(rawRedis, components.Logger)
	blobs := kernel.NewRedisBlobStore(redisClient)
	worker := gc.NewWorker(redisClient, blobs, components.Logger)

	components.Logger.Info("gc-worker draining orphan block queue")
	if err := worker.Run(ctx); err != nil {
		components.Logger.Error("gc-worker stopped", "error", err)
		os.Exit(1)
	}
}
