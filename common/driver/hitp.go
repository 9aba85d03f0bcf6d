package driver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/skwuwu/workflow-core/common/redis"
)

// HITPToken records where an execution paused for a human decision: the
// node it's waiting at and the manifest to resume hydrating from. Grounded
// on the "pending_tokens:<run_id>:*" key family that
// supervisor/timeout.go's cleanupFailedRun already deletes on timeout,
// generalized here into the store that actually writes them.
type HITPToken struct {
	ExecutionID string    `json:"execution_id"`
	WorkflowID  string    `json:"workflow_id"`
	OwnerID     string    `json:"owner_id"`
	NodeID      string    `json:"node_id"`
	ManifestID  string    `json:"manifest_id"`
	CreatedAt   time.Time `json:"created_at"`
}

// HITPStore persists pending HITP tokens so a decision callback can resume
// the right execution at the right node.
type HITPStore interface {
	Put(ctx context.Context, token HITPToken) error
	Get(ctx context.Context, executionID string) (*HITPToken, error)
	Delete(ctx context.Context, executionID string) error
}

// hitpTTL bounds how long a paused execution waits for a human decision
// before its token expires.
const hitpTTL = 72 * time.Hour

// RedisHITPStore is the common/redis-backed HITPStore.
type RedisHITPStore struct {
	client *redis.Client
}

func NewRedisHITPStore(client *redis.Client) *RedisHITPStore {
	return &RedisHITPStore{client: client}
}

func hitpKey(executionID string) string {
	return fmt.Sprintf("pending_tokens:%s", executionID)
}

func (s *RedisHITPStore) Put(ctx context.Context, token HITPToken) error {
	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("marshal hitp token: %w", err)
	}
	return s.client.SetWithExpiry(ctx, hitpKey(token.ExecutionID), string(data), hitpTTL)
}

func (s *RedisHITPStore) Get(ctx context.Context, executionID string) (*HITPToken, error) {
	data, err := s.client.Get(ctx, hitpKey(executionID))
	if err != nil {
		return nil, err
	}
	var token HITPToken
	if err := json.Unmarshal([]byte(data), &token); err != nil {
		return nil, fmt.Errorf("unmarshal hitp token: %w", err)
	}
	return &token, nil
}

func (s *RedisHITPStore) Delete(ctx context.Context, executionID string) error {
	return s.client.Delete(ctx, hitpKey(executionID))
}
