package governance

import (
	"context"
	"sync"
	"testing"

	"github.com/skwuwu/workflow-core/common/kernel"
	"github.com/stretchr/testify/require"
)

type memBlobStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemBlobStore() *memBlobStore { return &memBlobStore{data: make(map[string][]byte)} }

func (m *memBlobStore) Put(ctx context.Context, key string, data []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte{}, data...)
	return kernel.Checksum(data), nil
}
func (m *memBlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data[key], nil
}
func (m *memBlobStore) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.data[key]
	return ok, nil
}
func (m *memBlobStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

type memManifestStore struct {
	mu        sync.Mutex
	manifests map[string]*kernel.Manifest
	latest    string
}

func newMemManifestStore() *memManifestStore {
	return &memManifestStore{manifests: make(map[string]*kernel.Manifest)}
}
func (m *memManifestStore) Put(ctx context.Context, mf *kernel.Manifest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *mf
	m.manifests[mf.ManifestID] = &cp
	m.latest = mf.ManifestID
	return nil
}
func (m *memManifestStore) SetCommitted(ctx context.Context, manifestID string, committed bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mf, ok := m.manifests[manifestID]; ok {
		mf.Committed = committed
	}
	return nil
}
func (m *memManifestStore) Get(ctx context.Context, manifestID string) (*kernel.Manifest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.manifests[manifestID], nil
}
func (m *memManifestStore) Latest(ctx context.Context, executionID string) (*kernel.Manifest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.latest == "" {
		return nil, nil
	}
	return m.manifests[m.latest], nil
}

type memGCQueue struct {
	mu    sync.Mutex
	items []kernel.GCItem
}

func (q *memGCQueue) Enqueue(ctx context.Context, item kernel.GCItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, item)
	return nil
}

func TestRollbackRevertsToPreviousManifestAndEnqueuesOrphans(t *testing.T) {
	gcQueue := &memGCQueue{}
	k := kernel.NewKernel(newMemBlobStore(), newMemManifestStore(), gcQueue, nil)
	sctx := kernel.SyncContext{ExecutionID: "exec-1", OwnerID: "owner-1", WorkflowID: "wf-1"}

	base, m1, err := k.Sync(context.Background(), nil, map[string]interface{}{"k1": "a"}, kernel.ActionInit, sctx)
	require.NoError(t, err)
	require.NotNil(t, m1)

	_, m2, err := k.Sync(context.Background(), base, map[string]interface{}{"k2": "b"}, kernel.ActionSync, sctx)
	require.NoError(t, err)
	require.Equal(t, m1.ManifestID, m2.PreviousManifestID)

	result, err := Rollback(context.Background(), k, m2)
	require.NoError(t, err)
	require.Equal(t, m1.ManifestID, result.RestoredManifestID)
	require.NotNil(t, result.RestoredState)

	reloaded, err := k.Hydrate(context.Background(), m2.ManifestID)
	require.Error(t, err)
	require.Nil(t, reloaded)
}

func TestInjectFeedbackWritesSuggestedFix(t *testing.T) {
	state := kernel.NewBag(nil)
	result := PostPassResult{Verdict: VerdictReject, Reasons: []string{"article_3_user_protection: User Protection Principle"}}

	InjectFeedback(state, result)

	meta := state.GetBag(kernel.KeySelfHealMetadata)
	fix, _ := meta.Get("suggested_fix", "").(string)
	require.Contains(t, fix, "article_3_user_protection")
}
