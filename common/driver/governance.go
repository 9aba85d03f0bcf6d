package driver

import (
	"context"

	"github.com/skwuwu/workflow-core/common/coreerrors"
	"github.com/skwuwu/workflow-core/common/governance"
	"github.com/skwuwu/workflow-core/common/kernel"
	"github.com/skwuwu/workflow-core/common/partition"
)

// maxGovernanceRetries bounds how many times one segment can be rolled back
// and re-run after a governance rejection before the driver gives up and
// fails the execution outright, mirroring the self-heal circuit breaker.
const maxGovernanceRetries = 3

// agentOutputNodes returns the ids, in execution order, of seg's nodes whose
// ring is partition.RingAgent — the only nodes the post-pass ever judges,
// since routing.Resolver.Validate already enforces the ring-level pre-pass
// on every other node before it runs.
func agentOutputNodes(seg *partition.Segment, wf *partition.Workflow) []string {
	var ids []string
	for _, id := range seg.Nodes {
		if n, ok := wf.Nodes[id]; ok && n.Ring == partition.RingAgent {
			ids = append(ids, id)
		}
	}
	return ids
}

// governanceInput builds the Ring's EvaluateInput from a node's output,
// reading the optional fields an agent node handler may set (thought,
// cost_usd, stated_plan_hash, executed_actions_hash) and defaulting the
// rest to zero values so nodes that never set them simply skip that
// guardrail instead of tripping it.
func governanceInput(agentID string, output map[string]interface{}) governance.EvaluateInput {
	thought, _ := output["thought"].(string)
	cost, _ := output["cost_usd"].(float64)
	stated, _ := output["stated_plan_hash"].(string)
	executed, _ := output["executed_actions_hash"].(string)
	return governance.EvaluateInput{
		AgentID:             agentID,
		Output:              output,
		Thought:             thought,
		AccumulatedCostUSD:  cost,
		StatedPlanHash:      stated,
		ExecutedActionsHash: executed,
	}
}

// runGovernance judges every ring-3 agent node output this segment produced.
// On REJECT it rolls the just-synced manifest back to its predecessor (the
// optimistic-rollback half of the two-pass model) and hands back the
// restored state with feedback injected, so the caller re-enters the same
// segment instead of advancing on a rejected turn. retryCount bounds this
// independently of the self-heal circuit breaker, since a governance
// rejection is not a node error the Self-Healer ever sees.
func (d *Driver) runGovernance(ctx context.Context, seg *partition.Segment, wf *partition.Workflow, manifest *kernel.Manifest, state *kernel.Bag, retryCount int) (accepted bool, next *kernel.Bag, err error) {
	agentNodes := agentOutputNodes(seg, wf)
	if d.Governance == nil || len(agentNodes) == 0 {
		return true, state, nil
	}

	working := state
	for _, nodeID := range agentNodes {
		output, ok := working.Get(nodeID, nil).(*kernel.Bag)
		if !ok {
			continue
		}
		outMap := output.Raw()

		result := d.Governance.Evaluate(ctx, governanceInput(nodeID, outMap))
		if result.PIIViolation {
			working = working.Clone()
			working.Set(nodeID, result.MaskedOutput)
		}

		if result.Verdict == governance.VerdictAccept || result.Verdict == governance.VerdictWarn {
			continue
		}

		if retryCount >= maxGovernanceRetries || manifest == nil || manifest.PreviousManifestID == "" {
			return false, working, coreErrGuardrailRejected(result.Feedback())
		}

		rollback, rbErr := governance.Rollback(ctx, d.Kernel, manifest)
		if rbErr != nil {
			return false, working, rbErr
		}
		governance.InjectFeedback(rollback.RestoredState, result)
		return false, rollback.RestoredState, nil
	}

	return true, working, nil
}

// coreErrGuardrailRejected wraps a governance rejection that has exhausted
// its retries (or has no prior manifest to roll back to) as the same
// CoreError kind the routing pre-pass already uses for ring violations, so
// callers downstream of Run treat both as the same terminal, non-retryable
// failure class.
func coreErrGuardrailRejected(feedback string) error {
	if feedback == "" {
		feedback = "governance review rejected agent output"
	}
	return coreerrors.New(coreerrors.KindGuardrailViolation, feedback)
}
