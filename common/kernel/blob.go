package kernel

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/skwuwu/workflow-core/common/coreerrors"
	redisWrapper "github.com/skwuwu/workflow-core/common/redis"
)

// BlobKey renders the content-addressed key layout:
// workflows/{owner}/{workflow}/{execution}/blocks/{sha256}.
func BlobKey(ownerID, workflowID, executionID, checksum string) string {
	return fmt.Sprintf("workflows/%s/%s/%s/blocks/%s", ownerID, workflowID, executionID, checksum)
}

// Checksum computes the content hash used both as the GC/idempotent write
// key and the pointer's checksum field.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// BlobStore is the content-addressed block store the kernel commits
// through. Grounded on common/clients/redis_cas.go's hash-keyed Put/Get,
// generalized to the workflows/.../blocks/{sha256} key layout.
type BlobStore interface {
	// Put writes data at key if absent (idempotent by content hash) and
	// returns the checksum.
	Put(ctx context.Context, key string, data []byte) (checksum string, err error)
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
}

// RedisBlobStore implements BlobStore over the shared Redis client wrapper.
// This is the default backend; a second "mover-style" transport (grounded
// on common/clients/mover_client.go's Unix-socket binary protocol) can be
// added behind the same interface without touching the kernel.
type RedisBlobStore struct {
	redis *redisWrapper.Client
}

func NewRedisBlobStore(redis *redisWrapper.Client) *RedisBlobStore {
	return &RedisBlobStore{redis: redis}
}

func (s *RedisBlobStore) Put(ctx context.Context, key string, data []byte) (string, error) {
	checksum := Checksum(data)
	if err := s.redis.Set(ctx, key, string(data), 0); err != nil {
		return "", coreerrors.Wrap(coreerrors.KindStorageCorruption, "blob put failed", err)
	}
	return checksum, nil
}

func (s *RedisBlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := s.redis.Get(ctx, key)
	if err != nil {
		return nil, coreerrors.Wrap(coreerrors.KindStateHydrationFailed, "blob get failed", err)
	}
	return []byte(val), nil
}

func (s *RedisBlobStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.redis.Get(ctx, key)
	if err != nil {
		return false, nil
	}
	return true, nil
}

func (s *RedisBlobStore) Delete(ctx context.Context, key string) error {
	return s.redis.Delete(ctx, key)
}
