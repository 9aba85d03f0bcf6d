package partition

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func linearWorkflow() *Workflow {
	return &Workflow{
		ID: "wf-linear",
		Nodes: map[string]*Node{
			"a": {ID: "a", Type: NodeOperator},
			"b": {ID: "b", Type: NodeLLM},
			"c": {ID: "c", Type: NodeOperator},
		},
		Edges: []*Edge{
			{ID: "e1", Source: "a", Target: "b", Type: EdgeNormal},
			{ID: "e2", Source: "b", Target: "c", Type: EdgeNormal},
		},
	}
}

func TestPartitionLinearWorkflowIsOneSegment(t *testing.T) {
	pm, err := NewPartitioner().Partition(linearWorkflow())
	require.NoError(t, err)
	require.Len(t, pm.Segments, 1)
	require.Equal(t, []string{"a", "b", "c"}, pm.Segments[0].Nodes)
	require.Equal(t, ExitTerminal, pm.Segments[0].ExitBoundary)
	require.Equal(t, 1, pm.EstimatedExecutions)
}

func TestPartitionCutsAtHITPEdge(t *testing.T) {
	wf := &Workflow{
		Nodes: map[string]*Node{
			"a": {ID: "a", Type: NodeOperator},
			"h": {ID: "h", Type: NodeHITP},
			"c": {ID: "c", Type: NodeOperator},
		},
		Edges: []*Edge{
			{ID: "e1", Source: "a", Target: "h", Type: EdgeHITP},
			{ID: "e2", Source: "h", Target: "c", Type: EdgeNormal},
		},
	}

	pm, err := NewPartitioner().Partition(wf)
	require.NoError(t, err)
	require.Len(t, pm.Segments, 2)
	require.Equal(t, []string{"a"}, pm.Segments[0].Nodes)
	require.Equal(t, ExitHITP, pm.Segments[0].ExitBoundary)
	require.Equal(t, SegmentHITP, pm.Segments[0].Type)
	require.Equal(t, []string{"h", "c"}, pm.Segments[1].Nodes)
}

func TestPartitionCutsAtBranchFanout(t *testing.T) {
	wf := &Workflow{
		Nodes: map[string]*Node{
			"a": {ID: "a", Type: NodeOperator},
			"br": {ID: "br", Type: NodeBranch},
			"x":  {ID: "x", Type: NodeOperator},
			"y":  {ID: "y", Type: NodeOperator},
			"agg": {ID: "agg", Type: NodeAggregator},
		},
		Edges: []*Edge{
			{ID: "e1", Source: "a", Target: "br", Type: EdgeNormal},
			{ID: "e2", Source: "br", Target: "x", Type: EdgeDynamic},
			{ID: "e3", Source: "br", Target: "y", Type: EdgeDynamic},
			{ID: "e4", Source: "x", Target: "agg", Type: EdgeNormal},
			{ID: "e5", Source: "y", Target: "agg", Type: EdgeNormal},
		},
	}

	pm, err := NewPartitioner().Partition(wf)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(pm.Segments), 2)
	require.Equal(t, ExitBranchFanout, pm.Segments[0].ExitBoundary)
	require.Contains(t, pm.Segments[0].Nodes, "br")
}

func TestPartitionDetectsLoopBackEdgeAndWeighsExecutions(t *testing.T) {
	wf := &Workflow{
		Nodes: map[string]*Node{
			"entry": {ID: "entry", Type: NodeOperator},
			"loop":  {ID: "loop", Type: NodeLoop, LoopMaxIterations: 5},
			"body":  {ID: "body", Type: NodeOperator},
		},
		Edges: []*Edge{
			{ID: "e1", Source: "entry", Target: "loop", Type: EdgeNormal},
			{ID: "e2", Source: "loop", Target: "body", Type: EdgeNormal},
			{ID: "e3", Source: "body", Target: "loop", Type: EdgeNormal},
		},
	}

	pm, err := NewPartitioner().Partition(wf)
	require.NoError(t, err)
	require.Contains(t, pm.Loops, "loop")
	require.Equal(t, 5, pm.Loops["loop"].MaxIterations)
	// The loop body segment is weighted by MaxIterations in the estimate,
	// so the total must exceed a plain node-per-segment count.
	require.Greater(t, pm.EstimatedExecutions, len(pm.Segments))

	var bodySeg *Segment
	for _, seg := range pm.Segments {
		if seg.ExitBoundary == ExitLoopBackEdge {
			bodySeg = seg
		}
	}
	require.NotNil(t, bodySeg)
	require.Equal(t, "loop", bodySeg.LoopHeaderNode)
}

func TestPartitionRejectsCycleIntoNonLoopNode(t *testing.T) {
	wf := &Workflow{
		Nodes: map[string]*Node{
			"a": {ID: "a", Type: NodeOperator},
			"b": {ID: "b", Type: NodeOperator},
		},
		Edges: []*Edge{
			{ID: "e1", Source: "a", Target: "b", Type: EdgeNormal},
			{ID: "e2", Source: "b", Target: "a", Type: EdgeNormal},
		},
	}

	_, err := NewPartitioner().Partition(wf)
	require.Error(t, err)
}

func TestPartitionRejectsDanglingEdge(t *testing.T) {
	wf := &Workflow{
		Nodes: map[string]*Node{
			"a": {ID: "a", Type: NodeOperator},
		},
		Edges: []*Edge{
			{ID: "e1", Source: "a", Target: "missing", Type: EdgeNormal},
		},
	}

	_, err := NewPartitioner().Partition(wf)
	require.Error(t, err)
}
