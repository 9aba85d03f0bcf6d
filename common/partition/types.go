// Package partition implements the Partitioner: it splits a
// workflow DAG into an ordered list of segments at suspension boundaries
// (HITP, branch fan-out, loop entries, async waits) and estimates
// execution volume for quota/ETA. Grounded on
// cmd/workflow-runner/compiler/ir.go's CompileWorkflowSchema shape (DFS
// cycle detection, terminal-node computation, typed validation errors),
// generalized from "compile to an executable IR" to "cut into segments".
package partition

// NodeType enumerates the workflow definition's node kinds.
type NodeType string

const (
	NodeOperator       NodeType = "operator"
	NodeLLM            NodeType = "llm"
	NodeSubgraph       NodeType = "subgraph"
	NodeRouteCondition NodeType = "route_condition"
	NodeHITP           NodeType = "hitp"
	NodeBranch         NodeType = "branch"
	NodeLoop           NodeType = "loop"
	NodeAggregator     NodeType = "aggregator"
	NodeGovernor       NodeType = "governor"
	NodeAgent          NodeType = "agent"
)

// RingLevel gates routing policy.
type RingLevel int

const (
	RingKernel   RingLevel = 0
	RingGovernor RingLevel = 1
	RingTrusted  RingLevel = 2
	RingAgent    RingLevel = 3
)

// EdgeType enumerates the workflow definition's edge kinds.
type EdgeType string

const (
	EdgeNormal  EdgeType = "normal"
	EdgeHITP    EdgeType = "hitp"
	EdgeDynamic EdgeType = "dynamic"
)

// Node is one workflow DAG node.
type Node struct {
	ID     string                 `json:"id"`
	Type   NodeType               `json:"type"`
	Config map[string]interface{} `json:"config"`
	Ring   RingLevel              `json:"ring"`

	// LoopMaxIterations is the author-configured cap for a loop node; 0
	// means "unbounded", in which case the global cap applies.
	LoopMaxIterations int `json:"loop_max_iterations,omitempty"`
	// DynamicIterations marks a loop header whose iteration count is only
	// known at runtime.
	DynamicIterations bool `json:"dynamic_iterations,omitempty"`
	// AsyncCallback marks an LLM node configured for external-callback
	// completion.
	AsyncCallback bool `json:"async_callback,omitempty"`
	// SubgraphRef names another workflow this node recurses into.
	SubgraphRef string `json:"subgraph_ref,omitempty"`
}

// Edge is one directed workflow edge.
type Edge struct {
	ID     string   `json:"id"`
	Type   EdgeType `json:"type"`
	Source string   `json:"source"`
	Target string   `json:"target"`
}

// Workflow is the directed multigraph a workflow definition compiles to.
type Workflow struct {
	ID    string
	Nodes map[string]*Node
	Edges []*Edge

	// EntryNodes lists explicit entry points; if empty, nodes with no
	// incoming edges are treated as entries.
	EntryNodes []string
}

// Outgoing returns edges whose source is nodeID, in declaration order.
func (w *Workflow) Outgoing(nodeID string) []*Edge {
	var out []*Edge
	for _, e := range w.Edges {
		if e.Source == nodeID {
			out = append(out, e)
		}
	}
	return out
}
