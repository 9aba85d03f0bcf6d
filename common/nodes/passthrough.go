package nodes

import (
	"context"

	"github.com/skwuwu/workflow-core/common/kernel"
	"github.com/skwuwu/workflow-core/common/partition"
	"github.com/skwuwu/workflow-core/common/segment"
)

// PassthroughHandler is the NodeHandler for node types whose effect is
// entirely decided by the Segment Runner's transition step rather than by
// the node's own Handle call: branch/loop/hitp nodes only mark where a
// segment exits (partition.Segment.ExitBoundary), the aggregator's merge
// runs in Kernel.AggregateSync after branches rejoin, and a governor node's
// enforcement is the Governance Ring's post-pass over the segment's agent
// output, not a synchronous check at this node. Handle just records the
// node's resolved config as its output so downstream templates can still
// reference it.
type PassthroughHandler struct{}

func NewPassthroughHandler() *PassthroughHandler { return &PassthroughHandler{} }

func (h *PassthroughHandler) Handle(ctx context.Context, node *partition.Node, config map[string]interface{}, state *kernel.Bag) (map[string]interface{}, error) {
	return config, nil
}

// DefaultHandlers wires every partition.NodeType to a handler: operator/llm/
// agent get their dedicated handlers, route_condition gets the Segment
// Runner's own ConditionHandler (conditions must be constructed by the
// caller since it caches compiled CEL programs across a Runner's lifetime),
// and the remaining control-flow node types share one PassthroughHandler.
func DefaultHandlers(operator *OperatorHandler, llm *LLMHandler, agent *AgentHandler, condition segment.NodeHandler) map[partition.NodeType]segment.NodeHandler {
	pass := NewPassthroughHandler()
	return map[partition.NodeType]segment.NodeHandler{
		partition.NodeOperator:       operator,
		partition.NodeLLM:            llm,
		partition.NodeAgent:          agent,
		partition.NodeRouteCondition: condition,
		partition.NodeHITP:           pass,
		partition.NodeBranch:         pass,
		partition.NodeLoop:           pass,
		partition.NodeAggregator:     pass,
		partition.NodeGovernor:       pass,
		partition.NodeSubgraph:       pass,
	}
}
