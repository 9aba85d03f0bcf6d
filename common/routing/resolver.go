// Package routing implements the Routing Resolver: given the node just
// executed, the resulting state, and the workflow's edges, decide the next
// node to run and enforce ring-level policy on the decision. Grounded on
// operators/control_flow.go's edge-walking shape and condition/evaluator.go's
// expression evaluation, generalized from "evaluate a route_condition
// expression" to "resolve + validate the next target for any node".
package routing

import (
	"fmt"

	"github.com/skwuwu/workflow-core/common/coreerrors"
	"github.com/skwuwu/workflow-core/common/kernel"
	"github.com/skwuwu/workflow-core/common/partition"
)

const EndTarget = "END"

// ValidTargets is the prebuilt O(1) lookup set of node ids legal for a
// given manifest/partition, built once per workflow compile.
type ValidTargets map[string]bool

// Resolver resolves next-node decisions and enforces ring policy.
type Resolver struct{}

func NewResolver() *Resolver { return &Resolver{} }

// Resolve implements the priority order: explicit __next_node control
// signal (consumed on read) > single outgoing normal edge > zero outgoing
// edges (END) > ambiguous (error).
func (r *Resolver) Resolve(currentNode string, state *kernel.Bag, wf *partition.Workflow) (string, error) {
	if raw, ok := state.Raw()[kernel.KeyNextNode]; ok {
		delete(state.Raw(), kernel.KeyNextNode)
		target, ok := raw.(string)
		if !ok || target == "" {
			return "", coreerrors.New(coreerrors.KindRoutingAmbiguity,
				fmt.Sprintf("__next_node set on node %q is not a non-empty string", currentNode))
		}
		return target, nil
	}

	var normalEdges []*partition.Edge
	totalOut := 0
	for _, e := range wf.Outgoing(currentNode) {
		totalOut++
		if e.Type == partition.EdgeNormal {
			normalEdges = append(normalEdges, e)
		}
	}

	switch {
	case len(normalEdges) == 1 && totalOut == len(normalEdges):
		return normalEdges[0].Target, nil
	case totalOut == 0:
		return EndTarget, nil
	default:
		return "", coreerrors.New(coreerrors.KindRoutingAmbiguity,
			fmt.Sprintf("node %q has %d outgoing edges without a __next_node signal; insert a route_condition node", currentNode, totalOut))
	}
}

// Validate checks a resolved target exists in the workflow and is
// permitted for the caller's ring level. Ring 3 (agents) cannot target
// kernel or governor nodes; ring 2 cannot target kernel nodes; rings 0/1
// are unrestricted.
func (r *Resolver) Validate(target string, targets ValidTargets, wf *partition.Workflow, callerRing partition.RingLevel) error {
	if target == EndTarget {
		return nil
	}
	if !targets[target] {
		return coreerrors.New(coreerrors.KindInvalidTarget,
			fmt.Sprintf("resolved target %q is not a valid node id for this manifest", target))
	}

	node, ok := wf.Nodes[target]
	if !ok {
		return coreerrors.New(coreerrors.KindInvalidTarget, fmt.Sprintf("target %q not found in workflow", target))
	}

	switch callerRing {
	case partition.RingAgent:
		if node.Ring == partition.RingKernel || node.Ring == partition.RingGovernor {
			return coreerrors.New(coreerrors.KindUnauthorizedRouting,
				fmt.Sprintf("ring 3 caller may not route to ring %d node %q", node.Ring, target))
		}
	case partition.RingTrusted:
		if node.Ring == partition.RingKernel {
			return coreerrors.New(coreerrors.KindUnauthorizedRouting,
				fmt.Sprintf("ring 2 caller may not route to kernel node %q", target))
		}
	}
	return nil
}

// BuildValidTargets builds the O(1) lookup set of node ids legal for the
// given workflow's current compile.
func BuildValidTargets(wf *partition.Workflow) ValidTargets {
	targets := make(ValidTargets, len(wf.Nodes))
	for id := range wf.Nodes {
		targets[id] = true
	}
	return targets
}

// ValidateGraph checks every edge's source and target exist, the check
// run at workflow save time before a definition is accepted.
func ValidateGraph(wf *partition.Workflow) error {
	for _, e := range wf.Edges {
		if _, ok := wf.Nodes[e.Source]; !ok {
			return coreerrors.New(coreerrors.KindValidation, fmt.Sprintf("edge %q: unknown source %q", e.ID, e.Source))
		}
		if _, ok := wf.Nodes[e.Target]; !ok {
			return coreerrors.New(coreerrors.KindValidation, fmt.Sprintf("edge %q: unknown target %q", e.ID, e.Target))
		}
	}
	return nil
}
