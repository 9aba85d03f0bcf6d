package gc

import (
	"context"
	"sync"
	"testing"

	"github.com/skwuwu/workflow-core/common/kernel"
	"github.com/stretchr/testify/require"
)

type fakeBlobStore struct {
	mu      sync.Mutex
	present map[string]bool
	deleted []string
}

func (f *fakeBlobStore) Put(ctx context.Context, key string, data []byte) (string, error) {
	return "", nil
}

func (f *fakeBlobStore) Get(ctx context.Context, key string) ([]byte, error) { return nil, nil }

func (f *fakeBlobStore) Exists(ctx context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.present[key], nil
}

func (f *fakeBlobStore) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, key)
	delete(f.present, key)
	return nil
}

type noopLogger struct{}

func (noopLogger) Info(string, ...interface{})  {}
func (noopLogger) Error(string, ...interface{}) {}
func (noopLogger) Warn(string, ...interface{})  {}
func (noopLogger) Debug(string, ...interface{}) {}

func TestWorkerProcessSkipsAlreadyDeletedBlock(t *testing.T) {
	blobs := &fakeBlobStore{present: map[string]bool{}}
	w := &Worker{blobs: blobs, logger: noopLogger{}}

	err := w.process(context.Background(), kernel.GCItem{BlockKey: "missing-key"})
	require.NoError(t, err)
	require.Empty(t, blobs.deleted)
}

func TestWorkerProcessDeletesPresentBlock(t *testing.T) {
	blobs := &fakeBlobStore{present: map[string]bool{"k1": true}}
	w := &Worker{blobs: blobs, logger: noopLogger{}}

	err := w.process(context.Background(), kernel.GCItem{BlockKey: "k1"})
	require.NoError(t, err)
	require.Equal(t, []string{"k1"}, blobs.deleted)
}
