package idempotency

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// memStore is an in-memory Store for tests, mirroring what RedisStore does
// against a real SETNX-backed table.
type memStore struct {
	mu      sync.Mutex
	records map[string]Record
}

func newMemStore() *memStore { return &memStore{records: make(map[string]Record)} }

func (s *memStore) Claim(ctx context.Context, idempotencyKey, executionID string) (*ClaimResult, error) {
	if idempotencyKey == "" {
		return &ClaimResult{Claimed: true}, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.records[idempotencyKey]; ok {
		return &ClaimResult{ExistingExecutionID: existing.ExecutionID, ExistingStatus: existing.Status, ExistingOutput: existing.Output}, nil
	}
	s.records[idempotencyKey] = Record{IdempotencyKey: idempotencyKey, ExecutionID: executionID, Status: StatusInFlight}
	return &ClaimResult{Claimed: true}, nil
}

func (s *memStore) Finalize(ctx context.Context, idempotencyKey, executionID string, status Status, output map[string]interface{}, errMsg, stopDate string) error {
	if idempotencyKey == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := Record{IdempotencyKey: idempotencyKey, ExecutionID: executionID, Status: status, StopDate: stopDate}
	if status == StatusCompleted {
		rec.Output = output
	}
	if status == StatusFailed {
		rec.Error = errMsg
	}
	s.records[idempotencyKey] = rec
	return nil
}

func TestClaimWithNoKeyAlwaysClaims(t *testing.T) {
	s := newMemStore()
	result, err := s.Claim(context.Background(), "", "exec-1")
	require.NoError(t, err)
	require.True(t, result.Claimed)
}

func TestClaimSucceedsOnceThenReportsExisting(t *testing.T) {
	s := newMemStore()

	first, err := s.Claim(context.Background(), "key-1", "exec-1")
	require.NoError(t, err)
	require.True(t, first.Claimed)

	second, err := s.Claim(context.Background(), "key-1", "exec-2")
	require.NoError(t, err)
	require.False(t, second.Claimed)
	require.Equal(t, "exec-1", second.ExistingExecutionID)
	require.Equal(t, StatusInFlight, second.ExistingStatus)
}

func TestClaimReportsCachedOutputAfterFinalize(t *testing.T) {
	s := newMemStore()

	_, err := s.Claim(context.Background(), "key-2", "exec-1")
	require.NoError(t, err)

	err = s.Finalize(context.Background(), "key-2", "exec-1", StatusCompleted, map[string]interface{}{"result": "ok"}, "", "2026-01-01T00:00:00Z")
	require.NoError(t, err)

	retry, err := s.Claim(context.Background(), "key-2", "exec-2")
	require.NoError(t, err)
	require.False(t, retry.Claimed)
	require.Equal(t, StatusCompleted, retry.ExistingStatus)
	require.Equal(t, "ok", retry.ExistingOutput["result"])
}

func TestExtractKeyFromTopLevel(t *testing.T) {
	key, ok := ExtractKey(map[string]interface{}{"idempotency_key": "abc"})
	require.True(t, ok)
	require.Equal(t, "abc", key)
}

func TestExtractKeyFallsBackToStateData(t *testing.T) {
	key, ok := ExtractKey(map[string]interface{}{
		"state_data": map[string]interface{}{"idempotency_key": "legacy-key"},
	})
	require.True(t, ok)
	require.Equal(t, "legacy-key", key)
}

func TestExtractKeyMissingReturnsFalse(t *testing.T) {
	_, ok := ExtractKey(map[string]interface{}{"other": "field"})
	require.False(t, ok)
}
