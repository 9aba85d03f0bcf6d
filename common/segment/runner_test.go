package segment

import (
	"context"
	"sync"
	"testing"

	"github.com/skwuwu/workflow-core/common/kernel"
	"github.com/skwuwu/workflow-core/common/partition"
	"github.com/skwuwu/workflow-core/common/routing"
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
}

func newMemManifestStore() *memManifestStore {
	return &memManifestStore{manifests: make(map[string]*kernel.Manifest)}
}
func (m *memManifestStore) Put(ctx context.Context, mf *kernel.Manifest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *mf
	m.manifests[mf.ManifestID] = &cp
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
	return nil, nil
}

type memGCQueue struct{}

func (q *memGCQueue) Enqueue(ctx context.Context, item kernel.GCItem) error { return nil }

type echoHandler struct{}

func (echoHandler) Handle(ctx context.Context, node *partition.Node, config map[string]interface{}, state *kernel.Bag) (map[string]interface{}, error) {
	return map[string]interface{}{"ran": true, "config": config}, nil
}

func newTestRunner() *Runner {
	k := kernel.NewKernel(newMemBlobStore(), newMemManifestStore(), &memGCQueue{}, nil)
	return NewRunner(k, routing.NewResolver(), map[partition.NodeType]NodeHandler{
		partition.NodeOperator: echoHandler{},
		partition.NodeLLM:      echoHandler{},
	}, nil)
}

func TestRunCompletesLinearSegmentAndResolvesNext(t *testing.T) {
	wf := &partition.Workflow{
		Nodes: map[string]*partition.Node{
			"a": {ID: "a", Type: partition.NodeOperator, Ring: partition.RingAgent},
			"b": {ID: "b", Type: partition.NodeOperator, Ring: partition.RingAgent},
		},
		Edges: []*partition.Edge{
			{ID: "e1", Source: "a", Target: "b", Type: partition.EdgeNormal},
		},
	}
	seg := &partition.Segment{SegmentID: 0, Nodes: []string{"a"}, ExitBoundary: partition.ExitTerminal}
	state := kernel.NewBag(nil).WithDefaults()
	targets := routing.BuildValidTargets(wf)

	r := newTestRunner()
	result := r.Run(context.Background(), seg, wf, state, kernel.SyncContext{ExecutionID: "e", OwnerID: "o", WorkflowID: "w"}, targets, partition.RingAgent)

	require.NoError(t, result.Err)
	require.Equal(t, StatusCompleted, result.Status)
	require.Equal(t, TransitionComplete, result.TransitionKind)
	require.Equal(t, "b", result.NextNode)
}

func TestRunEndsAtTerminalNode(t *testing.T) {
	wf := &partition.Workflow{
		Nodes: map[string]*partition.Node{
			"a": {ID: "a", Type: partition.NodeOperator, Ring: partition.RingAgent},
		},
	}
	seg := &partition.Segment{SegmentID: 0, Nodes: []string{"a"}, ExitBoundary: partition.ExitTerminal}
	state := kernel.NewBag(nil).WithDefaults()
	targets := routing.BuildValidTargets(wf)

	r := newTestRunner()
	result := r.Run(context.Background(), seg, wf, state, kernel.SyncContext{ExecutionID: "e", OwnerID: "o", WorkflowID: "w"}, targets, partition.RingAgent)

	require.NoError(t, result.Err)
	require.Equal(t, routing.EndTarget, result.NextNode)
}

func TestRunLoopBodyIncrementsAndEnforcesCap(t *testing.T) {
	wf := &partition.Workflow{
		Nodes: map[string]*partition.Node{
			"body": {ID: "body", Type: partition.NodeOperator, Ring: partition.RingAgent},
		},
	}
	seg := &partition.Segment{SegmentID: 0, Nodes: []string{"body"}, ExitBoundary: partition.ExitLoopBackEdge}
	state := kernel.NewBag(map[string]interface{}{
		kernel.KeyMaxLoopIterations: 1,
		kernel.KeyLoopCounter:       0,
	}).WithDefaults()
	targets := routing.BuildValidTargets(wf)

	r := newTestRunner()
	result := r.Run(context.Background(), seg, wf, state, kernel.SyncContext{ExecutionID: "e", OwnerID: "o", WorkflowID: "w"}, targets, partition.RingAgent)

	require.Error(t, result.Err)
	require.Equal(t, StatusFailedDeterministic, result.Status)
}

func TestRunLoopBreakConditionExitsEarly(t *testing.T) {
	wf := &partition.Workflow{
		Nodes: map[string]*partition.Node{
			"body": {ID: "body", Type: partition.NodeOperator, Ring: partition.RingAgent},
			"loop": {ID: "loop", Type: partition.NodeLoop, Ring: partition.RingAgent, Config: map[string]interface{}{
				"break_condition": "$.body.ran == true",
				"break_path":      "after",
			}},
			"after": {ID: "after", Type: partition.NodeOperator, Ring: partition.RingAgent},
		},
	}
	seg := &partition.Segment{SegmentID: 0, Nodes: []string{"body"}, ExitBoundary: partition.ExitLoopBackEdge, LoopHeaderNode: "loop"}
	state := kernel.NewBag(map[string]interface{}{
		kernel.KeyMaxLoopIterations: 10,
		kernel.KeyLoopCounter:       0,
	}).WithDefaults()
	targets := routing.BuildValidTargets(wf)

	r := newTestRunner()
	result := r.Run(context.Background(), seg, wf, state, kernel.SyncContext{ExecutionID: "e", OwnerID: "o", WorkflowID: "w"}, targets, partition.RingAgent)

	require.NoError(t, result.Err)
	require.Equal(t, TransitionComplete, result.TransitionKind)
	require.Equal(t, "after", result.NextNode)
	// loop_counter must not have been incremented: the break fired before sync.
	require.Equal(t, 0, result.FinalState.Raw()[kernel.KeyLoopCounter])
}

func TestRunHITPBoundaryPauses(t *testing.T) {
	wf := &partition.Workflow{
		Nodes: map[string]*partition.Node{
			"h": {ID: "h", Type: partition.NodeOperator, Ring: partition.RingAgent},
		},
	}
	seg := &partition.Segment{SegmentID: 0, Nodes: []string{"h"}, ExitBoundary: partition.ExitHITP}
	state := kernel.NewBag(nil).WithDefaults()
	targets := routing.BuildValidTargets(wf)

	r := newTestRunner()
	result := r.Run(context.Background(), seg, wf, state, kernel.SyncContext{ExecutionID: "e", OwnerID: "o", WorkflowID: "w"}, targets, partition.RingAgent)

	require.NoError(t, result.Err)
	require.Equal(t, TransitionPausedForHITP, result.TransitionKind)
}

func TestRunInjectsSelfHealAdviceIntoLLMPrompt(t *testing.T) {
	wf := &partition.Workflow{
		Nodes: map[string]*partition.Node{
			"llm": {ID: "llm", Type: partition.NodeLLM, Ring: partition.RingAgent, Config: map[string]interface{}{"prompt": "do the thing"}},
		},
	}
	seg := &partition.Segment{SegmentID: 0, Nodes: []string{"llm"}, ExitBoundary: partition.ExitTerminal}
	state := kernel.NewBag(map[string]interface{}{
		kernel.KeySelfHealMetadata: map[string]interface{}{"suggested_fix": "retry with smaller input"},
	}).WithDefaults()
	targets := routing.BuildValidTargets(wf)

	r := newTestRunner()
	result := r.Run(context.Background(), seg, wf, state, kernel.SyncContext{ExecutionID: "e", OwnerID: "o", WorkflowID: "w"}, targets, partition.RingAgent)

	require.NoError(t, result.Err)
	llmOutput := result.FinalState.Raw()["llm"].(map[string]interface{})
	config := llmOutput["config"].(map[string]interface{})
	require.Contains(t, config["prompt"], "retry with smaller input")
	require.Contains(t, config["prompt"], "do the thing")
}
