package nodes

import (
	"context"
	"fmt"

	"github.com/skwuwu/workflow-core/common/coreerrors"
	"github.com/skwuwu/workflow-core/common/kernel"
	"github.com/skwuwu/workflow-core/common/partition"
)

// AgentOutput is an autonomous agent step's result, shaped to carry exactly
// the fields the Governance Ring's post-pass reads (governance.go's
// governanceInput): the agent's stated reasoning, the action it actually
// took, and the plan/cost signals the guardrails check.
type AgentOutput struct {
	Thought             string
	Result              interface{}
	CostUSD             float64
	StatedPlanHash      string
	ExecutedActionsHash string
}

// AgentInvoker runs one ring-3 agent step. Like Completer, no concrete
// implementation ships here — the corpus has no agent-runtime SDK, so this
// stays a pluggable boundary.
type AgentInvoker interface {
	Invoke(ctx context.Context, prompt string, state map[string]interface{}) (AgentOutput, error)
}

// AgentHandler is the NodeHandler for "agent" nodes (partition.RingAgent).
// Its output map is what common/driver/governance.go's runGovernance reads
// back out of the committed segment state to judge.
type AgentHandler struct {
	invoker AgentInvoker
}

func NewAgentHandler(invoker AgentInvoker) *AgentHandler {
	return &AgentHandler{invoker: invoker}
}

func (h *AgentHandler) Handle(ctx context.Context, node *partition.Node, config map[string]interface{}, state *kernel.Bag) (map[string]interface{}, error) {
	if h.invoker == nil {
		return nil, coreerrors.New(coreerrors.KindDeterministicOperator,
			fmt.Sprintf("agent node %q has no invoker configured", node.ID))
	}
	prompt, _ := config["prompt"].(string)

	out, err := h.invoker.Invoke(ctx, prompt, state.Raw())
	if err != nil {
		return nil, coreerrors.Wrap(coreerrors.KindDeterministicOperator, fmt.Sprintf("agent node %q invocation failed", node.ID), err)
	}

	return map[string]interface{}{
		"thought":               out.Thought,
		"result":                out.Result,
		"cost_usd":              out.CostUSD,
		"stated_plan_hash":      out.StatedPlanHash,
		"executed_actions_hash": out.ExecutedActionsHash,
	}, nil
}
