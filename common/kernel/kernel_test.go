package kernel

import (
	"context"
	"sync"
	"testing"

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
	return Checksum(data), nil
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
	manifests map[string]*Manifest
	latest    map[string]string
}

func newMemManifestStore() *memManifestStore {
	return &memManifestStore{manifests: make(map[string]*Manifest), latest: make(map[string]string)}
}

func (m *memManifestStore) Put(ctx context.Context, mf *Manifest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *mf
	m.manifests[mf.ManifestID] = &cp
	return nil
}

func (m *memManifestStore) SetCommitted(ctx context.Context, manifestID string, committed bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mf, ok := m.manifests[manifestID]
	if !ok {
		return nil
	}
	mf.Committed = committed
	if committed {
		m.latest[mf.ExecutionID] = manifestID
	}
	return nil
}

func (m *memManifestStore) Get(ctx context.Context, manifestID string) (*Manifest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mf, ok := m.manifests[manifestID]
	if !ok {
		return nil, errNotFound
	}
	cp := *mf
	return &cp, nil
}

func (m *memManifestStore) Latest(ctx context.Context, executionID string) (*Manifest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.latest[executionID]
	if !ok {
		return nil, nil
	}
	cp := *m.manifests[id]
	return &cp, nil
}

type errString string

func (e errString) Error() string { return string(e) }

const errNotFound = errString("manifest not found")

type memGCQueue struct {
	mu    sync.Mutex
	items []GCItem
}

func (q *memGCQueue) Enqueue(ctx context.Context, item GCItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, item)
	return nil
}

func newTestKernel() (*Kernel, *memBlobStore, *memManifestStore, *memGCQueue) {
	blobs := newMemBlobStore()
	manifests := newMemManifestStore()
	gc := &memGCQueue{}
	k := NewKernel(blobs, manifests, gc, nil)
	return k, blobs, manifests, gc
}

func TestSyncInitPopulatesDefaults(t *testing.T) {
	k, _, _, _ := newTestKernel()
	sctx := SyncContext{ExecutionID: "exec-1", OwnerID: "owner-1", WorkflowID: "wf-1", SegmentID: 0}

	bag, manifest, err := k.Sync(context.Background(), nil, map[string]interface{}{"k1": "a"}, ActionInit, sctx)
	require.NoError(t, err)
	require.True(t, manifest.Committed)
	require.Equal(t, "a", bag.Raw()["k1"])
	require.Equal(t, 0, bag.Raw()[KeyLoopCounter])
	require.Equal(t, 0, bag.Raw()[KeySegmentToRun])
}

func TestSyncShallowMergeIsCopyOnWrite(t *testing.T) {
	k, _, _, _ := newTestKernel()
	sctx := SyncContext{ExecutionID: "exec-2", OwnerID: "owner-1", WorkflowID: "wf-1"}

	base, _, err := k.Sync(context.Background(), nil, map[string]interface{}{
		"nested": map[string]interface{}{"x": 1},
		"k1":     "a",
	}, ActionInit, sctx)
	require.NoError(t, err)

	updated, _, err := k.Sync(context.Background(), base, map[string]interface{}{"k1": "b"}, ActionSync, sctx)
	require.NoError(t, err)

	require.Equal(t, "b", updated.Raw()["k1"])
	// Unchanged top-level key keeps the same underlying nested map (identity,
	// not just equality) — the copy-on-write contract.
	require.Same(t,
		base.Raw()["nested"].(map[string]interface{}),
		updated.Raw()["nested"].(map[string]interface{}),
	)
}

func TestSyncLoopBodyIncrementsCounter(t *testing.T) {
	k, _, _, _ := newTestKernel()
	sctx := SyncContext{ExecutionID: "exec-3", OwnerID: "o", WorkflowID: "w"}

	base, _, err := k.Sync(context.Background(), nil, map[string]interface{}{}, ActionInit, sctx)
	require.NoError(t, err)

	sctx.IsLoopBody = true
	next, _, err := k.Sync(context.Background(), base, map[string]interface{}{}, ActionSync, sctx)
	require.NoError(t, err)
	require.Equal(t, 1, next.Raw()[KeyLoopCounter])
}

func TestOffloadPointerizesLargeSubtree(t *testing.T) {
	k, _, _, _ := newTestKernel()
	k.InlineThreshold = 128
	sctx := SyncContext{ExecutionID: "exec-4", OwnerID: "o", WorkflowID: "w"}

	big := make([]interface{}, 0, 100)
	for i := 0; i < 100; i++ {
		big = append(big, "01234567890123456789")
	}

	bag, manifest, err := k.Sync(context.Background(), nil, map[string]interface{}{"documents": big}, ActionInit, sctx)
	require.NoError(t, err)

	ptr, isPtr := AsPointer(bag.Raw()["documents"])
	require.True(t, isPtr)
	require.NotNil(t, manifest.PointerMap["documents"])

	// Pointer non-recursion invariant.
	_, nested := AsPointer(ptr.ToMap()["key"])
	require.False(t, nested)
}

func TestAggregateSyncConcatenatesSequencesAndRecordsErrors(t *testing.T) {
	k, _, _, _ := newTestKernel()
	sctx := SyncContext{ExecutionID: "exec-5", OwnerID: "o", WorkflowID: "w"}

	base, _, err := k.Sync(context.Background(), nil, map[string]interface{}{}, ActionInit, sctx)
	require.NoError(t, err)

	branches := []BranchResult{
		{BranchIndex: 0, Delta: map[string]interface{}{"items": []interface{}{"a"}, "scalar": "from0"}},
		{BranchIndex: 1, Err: "boom", AllowFailure: true, Delta: map[string]interface{}{"items": []interface{}{"b"}}},
		{BranchIndex: 2, Delta: map[string]interface{}{"items": []interface{}{"c"}, "scalar": "from2"}},
	}

	merged, _, err := k.AggregateSync(context.Background(), base, branches, nil, sctx)
	require.NoError(t, err)

	require.Equal(t, []interface{}{"a", "b", "c"}, merged.Raw()["items"])
	require.Equal(t, "from0", merged.Raw()["scalar"])

	errs, ok := merged.Raw()[KeyBranchErrors].([]interface{})
	require.True(t, ok)
	require.Len(t, errs, 1)
}

func TestRollbackEnqueuesOrphanBlocks(t *testing.T) {
	k, _, manifests, gc := newTestKernel()
	rejected := &Manifest{ManifestID: "m2", ExecutionID: "e", Blocks: []string{"workflows/o/w/e/blocks/deadbeef"}}
	require.NoError(t, manifests.Put(context.Background(), rejected))
	require.NoError(t, manifests.SetCommitted(context.Background(), "m2", true))

	require.NoError(t, k.Rollback(context.Background(), rejected))
	require.Len(t, gc.items, 1)
	require.Equal(t, GCReasonOptimisticRollback, gc.items[0].Reason)
}
