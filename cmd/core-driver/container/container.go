// Package container wires the Orchestrator Driver's dependencies once at
// startup, mirroring cmd/orchestrator/container/container.go's singleton
// bottom-up construction (repositories/stores, then the engine, then the
// services that sit on top of it).
package container

import (
	"fmt"
	"net/http"
	"os"

	"github.com/redis/go-redis/v9"

	"github.com/skwuwu/workflow-core/common/bootstrap"
	"github.com/skwuwu/workflow-core/common/clients"
	"github.com/skwuwu/workflow-core/common/driver"
	"github.com/skwuwu/workflow-core/common/execution"
	"github.com/skwuwu/workflow-core/common/gc"
	"github.com/skwuwu/workflow-core/common/governance"
	"github.com/skwuwu/workflow-core/common/idempotency"
	"github.com/skwuwu/workflow-core/common/kernel"
	"github.com/skwuwu/workflow-core/common/notify"
	"github.com/skwuwu/workflow-core/common/nodes"
	"github.com/skwuwu/workflow-core/common/partition"
	rediswrap "github.com/skwuwu/workflow-core/common/redis"
	"github.com/skwuwu/workflow-core/common/ratelimit"
	"github.com/skwuwu/workflow-core/common/routing"
	"github.com/skwuwu/workflow-core/common/segment"
	"github.com/skwuwu/workflow-core/common/validation"
	"github.com/skwuwu/workflow-core/common/workflowdef"
)

// Container holds every initialized component the Submit/Status/stop/
// HITP-callback/WebSocket handlers depend on.
type Container struct {
	Components *bootstrap.Components
	Redis      *redis.Client

	Driver        *driver.Driver
	Idempotency   idempotency.Store
	Executions    execution.Store
	Workflows     workflowdef.Store
	HITP          driver.HITPStore
	Kernel        *kernel.Kernel
	Partitioner   *partition.Partitioner

	PatchValidator *validation.PatchValidator
	RateLimiter    *ratelimit.RateLimiter

	Hub        *notify.Hub
	Notify     *notify.Server
	Subscriber *notify.Subscriber
}

// NewContainer wires every component bottom-up: Redis/Postgres-backed
// stores first, the State Kernel and Segment Runner on top of those, the
// Orchestrator Driver on top of that, then the request-facing stores
// (idempotency, execution registry, workflow definitions) and the
// Progress Notifier alongside it.
func NewContainer(components *bootstrap.Components) (*Container, error) {
	rawRedis, err := createRedisClient(components)
	if err != nil {
		return nil, fmt.Errorf("failed to create redis client: %w", err)
	}
	redisClient := rediswrap.NewClient(rawRedis, components.Logger)

	blobs := kernel.NewRedisBlobStore(redisClient)
	manifests := kernel.NewPgManifestStore(components.DB)
	gcQueue := gc.NewRedisGCQueue(redisClient)

	k := kernel.NewKernel(blobs, manifests, gcQueue, components.Logger)
	if inline := components.Config.Kernel.InlineThresholdBytes; inline > 0 {
		k.InlineThreshold = inline
	}

	partitioner := partition.NewPartitioner()
	resolver := routing.NewResolver()

	// condition is a second ConditionHandler instance from the Segment
	// Runner's own internal one (unexported, so not shareable): a harmless
	// duplicate CEL compile cache for the same route_condition expressions.
	condition := segment.NewConditionHandler()
	httpClient := clients.NewHTTPClient(&http.Client{}, components.Logger)
	operator := nodes.NewOperatorHandler(httpClient)
	llm := nodes.NewLLMHandler(nil)   // Completer supplied by a deployment's LLM-provider client
	agent := nodes.NewAgentHandler(nil) // AgentInvoker supplied the same way

	handlers := nodes.DefaultHandlers(operator, llm, agent, condition)
	runner := segment.NewRunner(k, resolver, handlers, components.Logger)

	hitpStore := driver.NewRedisHITPStore(redisClient)

	d := driver.NewDriver(partitioner, runner, k, hitpStore, components.Logger)
	d.Governance = governance.NewRing(governance.DefaultConfig(), nil)

	idempotencyStore := idempotency.NewRedisStore(redisClient)
	executionStore := execution.NewPgStore(components.DB)
	workflowStore := workflowdef.NewPgStore(components.DB)

	patchValidator := validation.NewPatchValidator()
	rateLimiter := ratelimit.NewRateLimiter(rawRedis, components.Logger)

	hub := notify.NewHub(components.Logger)
	notifyServer := notify.NewServer(hub, ownerFromToken, components.Logger)
	subscriber := notify.NewSubscriber(rawRedis, hub, components.Logger)

	return &Container{
		Components:     components,
		Redis:          rawRedis,
		Driver:         d,
		Idempotency:    idempotencyStore,
		Executions:     executionStore,
		Workflows:      workflowStore,
		HITP:           hitpStore,
		Kernel:         k,
		Partitioner:    partitioner,
		PatchValidator: patchValidator,
		RateLimiter:    rateLimiter,
		Hub:            hub,
		Notify:         notifyServer,
		Subscriber:     subscriber,
	}, nil
}

// ownerFromToken is the default $connect authorizer: JWKS verification is
// an explicit non-goal, so the raw token string is trusted as the owner
// id. A deployment wires a real JWT-verifying OwnerFromToken the same way
// nodes.Completer/AgentInvoker are injected rather than built in.
func ownerFromToken(token string) (string, bool) {
	if token == "" {
		return "", false
	}
	return token, true
}

func createRedisClient(components *bootstrap.Components) (*redis.Client, error) {
	cfg := components.Config.Redis
	host := cfg.Host
	if host == "" {
		host = getEnv("REDIS_HOST", "localhost")
	}
	port := cfg.Port
	if port == 0 {
		port = 6379
	}
	password := cfg.Password
	if password == "" {
		password = getEnv("REDIS_PASSWORD", "")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Password: password,
		DB:       0,
	})
	return client, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
