// Package idempotency implements the submit-path dedup table: a
// caller-supplied idempotency key claims an execution slot, so a retried
// submit finds the prior in-flight or terminal execution instead of
// starting a second one. Grounded on
// original_source/analemma-workflow-os/backend/src/common/check_idempotency.py
// (the get_item duplicate check) and .../handlers/utils/finalizer.py (the
// terminal-status update_item), translated from a DynamoDB table keyed on
// idempotency_key into a Redis-backed one following common/driver/hitp.go's
// interface-plus-Redis-implementation shape.
package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/skwuwu/workflow-core/common/redis"
)

// Status is the idempotency record's lifecycle state.
type Status string

const (
	StatusInFlight  Status = "IN_FLIGHT"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// defaultTTL mirrors finalizer.py's EXECUTION_TTL_HOURS default of 24.
const defaultTTL = 24 * time.Hour

// Record is one idempotency key's claim, refreshed in place as the
// execution it names progresses from IN_FLIGHT to a terminal status.
type Record struct {
	IdempotencyKey string                 `json:"idempotency_key"`
	ExecutionID    string                 `json:"execution_id"`
	Status         Status                 `json:"status"`
	Output         map[string]interface{} `json:"output,omitempty"`
	Error          string                 `json:"error,omitempty"`
	StopDate       string                 `json:"stop_date,omitempty"`
}

// ClaimResult is the outcome of trying to claim an idempotency key.
type ClaimResult struct {
	// Claimed is true when the caller's execution now owns the key and
	// should proceed; false means a prior execution already owns it.
	Claimed bool

	ExistingExecutionID string
	ExistingStatus      Status
	ExistingOutput      map[string]interface{}
}

// Store is the idempotency table's contract: claim a key for a new
// execution, and finalize it once that execution reaches a terminal
// status.
type Store interface {
	Claim(ctx context.Context, idempotencyKey, executionID string) (*ClaimResult, error)
	Finalize(ctx context.Context, idempotencyKey, executionID string, status Status, output map[string]interface{}, errMsg, stopDate string) error
}

// RedisStore is the common/redis-backed Store.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, ttl: defaultTTL}
}

// WithTTL overrides the default 24h record lifetime.
func (s *RedisStore) WithTTL(ttl time.Duration) *RedisStore {
	s.ttl = ttl
	return s
}

func recordKey(idempotencyKey string) string {
	return fmt.Sprintf("idempotency:%s", idempotencyKey)
}

// Claim mirrors check_idempotency.py's get_item check, but makes the
// check-then-claim atomic via SETNX instead of a separate read: a caller
// with no idempotency_key always claims (an execution with no key is never
// deduplicated), matching the original's "not idempotency_key -> no
// existing execution" short circuit.
func (s *RedisStore) Claim(ctx context.Context, idempotencyKey, executionID string) (*ClaimResult, error) {
	if idempotencyKey == "" {
		return &ClaimResult{Claimed: true}, nil
	}

	rec := Record{IdempotencyKey: idempotencyKey, ExecutionID: executionID, Status: StatusInFlight}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal idempotency record: %w", err)
	}

	wasSet, err := s.client.SetNX(ctx, recordKey(idempotencyKey), string(data), s.ttl)
	if err != nil {
		return nil, err
	}
	if wasSet {
		return &ClaimResult{Claimed: true}, nil
	}

	existing, err := s.get(ctx, idempotencyKey)
	if err != nil {
		return nil, err
	}
	return &ClaimResult{
		ExistingExecutionID: existing.ExecutionID,
		ExistingStatus:      existing.Status,
		ExistingOutput:      existing.Output,
	}, nil
}

func (s *RedisStore) get(ctx context.Context, idempotencyKey string) (*Record, error) {
	data, err := s.client.Get(ctx, recordKey(idempotencyKey))
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("unmarshal idempotency record: %w", err)
	}
	return &rec, nil
}

// Finalize overwrites idempotencyKey's record with its terminal outcome,
// mirroring finalizer.py's update_item: status, output (success only),
// error (failure only), and a refreshed TTL so the record survives exactly
// EXECUTION_TTL_HOURS past completion rather than from claim time.
func (s *RedisStore) Finalize(ctx context.Context, idempotencyKey, executionID string, status Status, output map[string]interface{}, errMsg, stopDate string) error {
	if idempotencyKey == "" {
		return nil
	}
	rec := Record{
		IdempotencyKey: idempotencyKey,
		ExecutionID:    executionID,
		Status:         status,
		StopDate:       stopDate,
	}
	if status == StatusCompleted {
		rec.Output = output
	}
	if status == StatusFailed {
		rec.Error = errMsg
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal idempotency record: %w", err)
	}
	return s.client.SetWithExpiry(ctx, recordKey(idempotencyKey), string(data), s.ttl)
}

// ExtractKey reads idempotency_key off an execution's input, falling back
// to the legacy state_data.idempotency_key location finalizer.py also
// checks for inputs produced before the key was promoted to top level.
func ExtractKey(input map[string]interface{}) (string, bool) {
	if key, ok := input["idempotency_key"].(string); ok && key != "" {
		return key, true
	}
	if nested, ok := input["state_data"].(map[string]interface{}); ok {
		if key, ok := nested["idempotency_key"].(string); ok && key != "" {
			return key, true
		}
	}
	return "", false
}
