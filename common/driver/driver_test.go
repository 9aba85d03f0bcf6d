package driver

import (
	"context"
	"sync"
	"testing"

	"github.com/skwuwu/workflow-core/common/coreerrors"
	"github.com/skwuwu/workflow-core/common/governance"
	"github.com/skwuwu/workflow-core/common/kernel"
	"github.com/skwuwu/workflow-core/common/partition"
	"github.com/skwuwu/workflow-core/common/routing"
	"github.com/skwuwu/workflow-core/common/segment"
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

type memHITPStore struct {
	mu     sync.Mutex
	tokens map[string]HITPToken
}

func newMemHITPStore() *memHITPStore { return &memHITPStore{tokens: make(map[string]HITPToken)} }

func (s *memHITPStore) Put(ctx context.Context, token HITPToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[token.ExecutionID] = token
	return nil
}
func (s *memHITPStore) Get(ctx context.Context, executionID string) (*HITPToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[executionID]
	if !ok {
		return nil, nil
	}
	return &t, nil
}
func (s *memHITPStore) Delete(ctx context.Context, executionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, executionID)
	return nil
}

type echoHandler struct{}

func (echoHandler) Handle(ctx context.Context, node *partition.Node, config map[string]interface{}, state *kernel.Bag) (map[string]interface{}, error) {
	return map[string]interface{}{"ran": true}, nil
}

// flakyHandler fails with a deterministic JSON error for the first N calls,
// then succeeds, to exercise the driver's self-heal retry loop.
type flakyHandler struct {
	failuresRemaining int
}

func (h *flakyHandler) Handle(ctx context.Context, node *partition.Node, config map[string]interface{}, state *kernel.Bag) (map[string]interface{}, error) {
	if h.failuresRemaining > 0 {
		h.failuresRemaining--
		return nil, coreerrors.New(coreerrors.KindDeterministicOperator, "Invalid JSON: Unexpected token in response")
	}
	return map[string]interface{}{"ran": true}, nil
}

// alwaysSemanticHandler always fails with an error the classifier treats as
// SEMANTIC, so the driver must never retry it.
type alwaysSemanticHandler struct{}

func (alwaysSemanticHandler) Handle(ctx context.Context, node *partition.Node, config map[string]interface{}, state *kernel.Bag) (map[string]interface{}, error) {
	return nil, coreerrors.New(coreerrors.KindGuardrailViolation, "Guardrail violated: AccessDenied")
}

func newTestDriver() (*Driver, *memHITPStore) {
	k := kernel.NewKernel(newMemBlobStore(), newMemManifestStore(), &memGCQueue{}, nil)
	r := segment.NewRunner(k, routing.NewResolver(), map[partition.NodeType]segment.NodeHandler{}, nil)
	hitp := newMemHITPStore()
	return NewDriver(partition.NewPartitioner(), r, k, hitp, nil), hitp
}

func baseSyncContext() kernel.SyncContext {
	return kernel.SyncContext{ExecutionID: "exec-1", OwnerID: "owner-1", WorkflowID: "wf-1"}
}

func TestDriverRunsLinearWorkflowToCompletion(t *testing.T) {
	wf := &partition.Workflow{
		ID: "wf-1",
		Nodes: map[string]*partition.Node{
			"a": {ID: "a", Type: partition.NodeOperator, Ring: partition.RingAgent},
			"b": {ID: "b", Type: partition.NodeOperator, Ring: partition.RingAgent},
		},
		Edges: []*partition.Edge{
			{ID: "e1", Source: "a", Target: "b", Type: partition.EdgeNormal},
		},
	}

	d, _ := newTestDriver()
	d.Runner.Handlers[partition.NodeOperator] = echoHandler{}

	state := kernel.NewBag(nil).WithDefaults()
	result := d.Run(context.Background(), wf, baseSyncContext(), state, "a", partition.RingAgent)

	require.NoError(t, result.Err)
	require.Equal(t, StatusCompleted, result.Status)
}

func TestDriverPausesForHITPAndPersistsToken(t *testing.T) {
	wf := &partition.Workflow{
		ID: "wf-2",
		Nodes: map[string]*partition.Node{
			"gate": {ID: "gate", Type: partition.NodeOperator, Ring: partition.RingAgent},
			"after": {ID: "after", Type: partition.NodeOperator, Ring: partition.RingAgent},
		},
		Edges: []*partition.Edge{
			{ID: "e1", Source: "gate", Target: "after", Type: partition.EdgeHITP},
		},
	}

	d, hitp := newTestDriver()
	d.Runner.Handlers[partition.NodeOperator] = echoHandler{}

	state := kernel.NewBag(nil).WithDefaults()
	sctx := baseSyncContext()
	result := d.Run(context.Background(), wf, sctx, state, "gate", partition.RingAgent)

	require.NoError(t, result.Err)
	require.Equal(t, StatusPausedForHITP, result.Status)
	require.Equal(t, "after", result.PausedNode)

	token, err := hitp.Get(context.Background(), sctx.ExecutionID)
	require.NoError(t, err)
	require.NotNil(t, token)
	require.Equal(t, "after", token.NodeID)
}

func TestDriverSelfHealsDeterministicErrorAndCompletes(t *testing.T) {
	wf := &partition.Workflow{
		ID: "wf-3",
		Nodes: map[string]*partition.Node{
			"a": {ID: "a", Type: partition.NodeOperator, Ring: partition.RingAgent},
		},
	}

	d, _ := newTestDriver()
	d.Runner.Handlers[partition.NodeOperator] = &flakyHandler{failuresRemaining: 2}

	state := kernel.NewBag(nil).WithDefaults()
	result := d.Run(context.Background(), wf, baseSyncContext(), state, "a", partition.RingAgent)

	require.NoError(t, result.Err)
	require.Equal(t, StatusCompleted, result.Status)
	count, _ := result.FinalState.Raw()[kernel.KeyHealingCount].(int)
	require.Equal(t, 2, count)
}

func TestDriverStopsRetryingAfterCircuitBreaker(t *testing.T) {
	wf := &partition.Workflow{
		ID: "wf-5",
		Nodes: map[string]*partition.Node{
			"a": {ID: "a", Type: partition.NodeOperator, Ring: partition.RingAgent},
		},
	}

	d, _ := newTestDriver()
	d.Runner.Handlers[partition.NodeOperator] = &flakyHandler{failuresRemaining: 100}

	state := kernel.NewBag(nil).WithDefaults()
	result := d.Run(context.Background(), wf, baseSyncContext(), state, "a", partition.RingAgent)

	require.Error(t, result.Err)
	require.Equal(t, StatusFailed, result.Status)
}

func TestDriverNeverRetriesSemanticError(t *testing.T) {
	wf := &partition.Workflow{
		ID: "wf-6",
		Nodes: map[string]*partition.Node{
			"a": {ID: "a", Type: partition.NodeOperator, Ring: partition.RingAgent},
		},
	}

	d, _ := newTestDriver()
	d.Runner.Handlers[partition.NodeOperator] = alwaysSemanticHandler{}

	state := kernel.NewBag(nil).WithDefaults()
	result := d.Run(context.Background(), wf, baseSyncContext(), state, "a", partition.RingAgent)

	require.Error(t, result.Err)
	require.Equal(t, StatusFailed, result.Status)
}

// agentOutputHandler hands back a fixed agent-node output shape so governance
// evaluation has thought/cost/plan-hash fields to judge.
type agentOutputHandler struct {
	output map[string]interface{}
}

func (h agentOutputHandler) Handle(ctx context.Context, node *partition.Node, config map[string]interface{}, state *kernel.Bag) (map[string]interface{}, error) {
	return h.output, nil
}

func TestDriverGovernanceAcceptsCleanAgentOutput(t *testing.T) {
	wf := &partition.Workflow{
		ID: "wf-7",
		Nodes: map[string]*partition.Node{
			"agent": {ID: "agent", Type: partition.NodeAgent, Ring: partition.RingAgent},
		},
	}

	d, _ := newTestDriver()
	d.Governance = governance.NewRing(governance.DefaultConfig(), nil)
	d.Runner.Handlers[partition.NodeAgent] = agentOutputHandler{output: map[string]interface{}{
		"thought": "looked up the order status and reported it back",
	}}

	state := kernel.NewBag(nil).WithDefaults()
	result := d.Run(context.Background(), wf, baseSyncContext(), state, "agent", partition.RingAgent)

	require.NoError(t, result.Err)
	require.Equal(t, StatusCompleted, result.Status)
}

func TestDriverGovernanceRejectsHarmfulAgentOutput(t *testing.T) {
	wf := &partition.Workflow{
		ID: "wf-8",
		Nodes: map[string]*partition.Node{
			"agent": {ID: "agent", Type: partition.NodeAgent, Ring: partition.RingAgent},
		},
	}

	d, _ := newTestDriver()
	d.Governance = governance.NewRing(governance.DefaultConfig(), nil)
	d.Runner.Handlers[partition.NodeAgent] = agentOutputHandler{output: map[string]interface{}{
		"thought": "explaining how to exploit this system for the user",
	}}

	state := kernel.NewBag(nil).WithDefaults()
	result := d.Run(context.Background(), wf, baseSyncContext(), state, "agent", partition.RingAgent)

	require.Error(t, result.Err)
	require.Equal(t, StatusFailed, result.Status)
}

func TestDriverRunsBranchFanoutAndAggregatesDeltas(t *testing.T) {
	wf := &partition.Workflow{
		ID: "wf-4",
		Nodes: map[string]*partition.Node{
			"split": {ID: "split", Type: partition.NodeBranch, Ring: partition.RingAgent},
			"left":  {ID: "left", Type: partition.NodeOperator, Ring: partition.RingAgent},
			"right": {ID: "right", Type: partition.NodeOperator, Ring: partition.RingAgent},
			"join":  {ID: "join", Type: partition.NodeOperator, Ring: partition.RingAgent},
		},
		Edges: []*partition.Edge{
			{ID: "e1", Source: "split", Target: "left", Type: partition.EdgeDynamic},
			{ID: "e2", Source: "split", Target: "right", Type: partition.EdgeDynamic},
			{ID: "e3", Source: "split", Target: "join", Type: partition.EdgeNormal},
		},
	}

	d, _ := newTestDriver()
	d.Runner.Handlers[partition.NodeOperator] = echoHandler{}
	d.Runner.Handlers[partition.NodeBranch] = echoHandler{}

	state := kernel.NewBag(nil).WithDefaults()
	result := d.Run(context.Background(), wf, baseSyncContext(), state, "split", partition.RingAgent)

	require.NoError(t, result.Err)
	require.Equal(t, StatusCompleted, result.Status)
	require.NotNil(t, result.FinalState)
	leftOut, ok := result.FinalState.Raw()["left"]
	require.True(t, ok)
	rightOut, ok := result.FinalState.Raw()["right"]
	require.True(t, ok)
	require.NotNil(t, leftOut)
	require.NotNil(t, rightOut)
}
