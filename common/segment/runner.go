package segment

import (
	"context"
	"fmt"
	"time"

	"github.com/skwuwu/workflow-core/common/coreerrors"
	"github.com/skwuwu/workflow-core/common/kernel"
	"github.com/skwuwu/workflow-core/common/partition"
	"github.com/skwuwu/workflow-core/common/pii"
	"github.com/skwuwu/workflow-core/common/routing"
)

// TransitionKind is the outcome a completed segment hands back to the
// Orchestrator Driver.
type TransitionKind string

const (
	TransitionComplete          TransitionKind = "COMPLETE"
	TransitionPausedForHITP     TransitionKind = "PAUSED_FOR_HITP"
	TransitionBranchFanout      TransitionKind = "BRANCH_FANOUT"
	TransitionLoopContinue      TransitionKind = "LOOP_CONTINUE"
	TransitionAsyncChildStarted TransitionKind = "ASYNC_CHILD_STARTED"
)

// Status is the segment's terminal run status.
type Status string

const (
	StatusCompleted           Status = "COMPLETED"
	StatusFailedDeterministic Status = "FAILED_DETERMINISTIC"
	StatusFailedSemantic      Status = "FAILED_SEMANTIC"
)

// BranchConfig is one child configuration emitted on BRANCH_FANOUT, for the
// Orchestrator Driver's distributed map.
type BranchConfig struct {
	BranchIndex  int
	EntryNode    string
	State        *kernel.Bag
	AllowFailure bool
}

// RunResult is the Segment Runner's contract output.
type RunResult struct {
	Status         Status
	FinalState     *kernel.Bag
	Manifest       *kernel.Manifest
	NextNode       string
	TransitionKind TransitionKind
	Branches       []BranchConfig
	Err            error
}

// NodeHandler executes one node type. output becomes the delta merged
// under the node's id (so downstream templates can reference
// {{node_id.field}}).
type NodeHandler interface {
	Handle(ctx context.Context, node *partition.Node, config map[string]interface{}, state *kernel.Bag) (output map[string]interface{}, err error)
}

// Logger is the minimal structured logging contract the runner needs.
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

const defaultNodeTimeout = 30 * time.Second

// Runner executes one segment's nodes against the current state, applying
// template substitution and self-heal advice injection, and emits the
// segment's transition. Grounded on cmd/workflow-runner/coordinator's
// per-node dispatch-then-route loop, collapsed from its async
// stream-dispatch shape into one synchronous in-process call per segment
// (the Partitioner already cuts at every point the coordinator's loop
// would otherwise suspend).
type Runner struct {
	Kernel      *kernel.Kernel
	Resolver    *routing.Resolver
	Templater   *Templater
	Handlers    map[partition.NodeType]NodeHandler
	Logger      Logger
	NodeTimeout time.Duration

	// conditions evaluates loop break conditions (see loopContinue). Shared
	// with any route_condition ConditionHandler registered in Handlers so
	// compiled CEL programs are cached once per expression, not per use.
	conditions *ConditionHandler
}

func NewRunner(k *kernel.Kernel, r *routing.Resolver, handlers map[partition.NodeType]NodeHandler, logger Logger) *Runner {
	return &Runner{
		Kernel:      k,
		Resolver:    r,
		Templater:   NewTemplater(),
		Handlers:    handlers,
		Logger:      logger,
		NodeTimeout: defaultNodeTimeout,
		conditions:  NewConditionHandler(),
	}
}

// Run executes seg.Nodes in order against an already-hydrated state,
// returning the segment's final status and transition.
func (r *Runner) Run(ctx context.Context, seg *partition.Segment, wf *partition.Workflow, state *kernel.Bag, sctx kernel.SyncContext, validTargets routing.ValidTargets, callerRing partition.RingLevel) *RunResult {
	working := state.Clone()
	advice, hasAdvice := r.selfHealAdvice(working)

	var lastNode *partition.Node
	for _, nodeID := range seg.Nodes {
		node := wf.Nodes[nodeID]
		lastNode = node

		config, err := r.Templater.ResolveConfig(node.Config, working)
		if err != nil {
			return r.fail(working, err)
		}
		if hasAdvice && node.Type == partition.NodeLLM {
			if prompt, ok := config["prompt"].(string); ok {
				config["prompt"] = InjectAdvice(prompt, advice)
			}
		}

		handler, ok := r.Handlers[node.Type]
		if !ok {
			return r.fail(working, coreerrors.New(coreerrors.KindDeterministicOperator,
				fmt.Sprintf("no handler registered for node type %q", node.Type)))
		}

		nodeCtx, cancel := context.WithTimeout(ctx, r.NodeTimeout)
		output, err := handler.Handle(nodeCtx, node, config, working)
		cancel()
		if err != nil {
			return r.fail(working, err)
		}

		working.Set(node.ID, output)
		if r.Logger != nil {
			r.Logger.Debug("node completed", "node_id", node.ID, "output", pii.MaskStateForLogging(output))
		}
	}

	return r.transition(ctx, seg, wf, working, sctx, validTargets, callerRing, lastNode)
}

// selfHealAdvice reads _self_healing_metadata.suggested_fix if present.
func (r *Runner) selfHealAdvice(state *kernel.Bag) (string, bool) {
	meta := state.GetBag(kernel.KeySelfHealMetadata)
	fix, ok := meta.Get("suggested_fix", "").(string)
	return fix, ok && fix != ""
}

func (r *Runner) fail(working *kernel.Bag, err error) *RunResult {
	status := StatusFailedSemantic
	if ce, ok := coreerrors.As(err); ok {
		switch ce.Kind() {
		case coreerrors.KindDeterministicOperator, coreerrors.KindCacheMiss, coreerrors.KindValidation:
			status = StatusFailedDeterministic
		}
	}
	return &RunResult{Status: status, FinalState: working, Err: err}
}

// transition resolves the segment's exit: branch fan-out, HITP pause, loop
// continuation, async-child start, or completion (which still must resolve
// + validate the next node via the Routing Resolver).
func (r *Runner) transition(ctx context.Context, seg *partition.Segment, wf *partition.Workflow, working *kernel.Bag, sctx kernel.SyncContext, validTargets routing.ValidTargets, callerRing partition.RingLevel, lastNode *partition.Node) *RunResult {
	switch seg.ExitBoundary {
	case partition.ExitBranchFanout:
		return r.fanout(ctx, seg, wf, working, sctx, lastNode)
	case partition.ExitHITP:
		state, manifest, err := r.Kernel.Sync(ctx, nil, working.Raw(), kernel.ActionSync, sctx)
		if err != nil {
			return &RunResult{Status: StatusFailedDeterministic, Err: err}
		}
		next := firstOutgoingOfType(wf, lastNode.ID, partition.EdgeHITP)
		return &RunResult{Status: StatusCompleted, FinalState: state, Manifest: manifest, NextNode: next, TransitionKind: TransitionPausedForHITP}
	case partition.ExitLoopBackEdge:
		return r.loopContinue(ctx, working, sctx, wf, validTargets, callerRing, wf.Nodes[seg.LoopHeaderNode])
	case partition.ExitAsyncWait:
		state, manifest, err := r.Kernel.Sync(ctx, nil, working.Raw(), kernel.ActionSync, sctx)
		if err != nil {
			return &RunResult{Status: StatusFailedDeterministic, Err: err}
		}
		next := firstOutgoingOfType(wf, lastNode.ID, partition.EdgeNormal)
		return &RunResult{Status: StatusCompleted, FinalState: state, Manifest: manifest, NextNode: next, TransitionKind: TransitionAsyncChildStarted}
	default:
		return r.complete(ctx, wf, working, sctx, validTargets, callerRing, lastNode)
	}
}

// loopContinue decides whether a loop body re-enters the loop or exits to
// the loop node's configured break path, grounded on
// operators/control_flow.go's LoopOperator.HandleLoop: an author-configured
// break_condition is checked first (exiting early on a CEL true result,
// same as HandleLoop's Condition check returning BreakPath), then the
// author's own loop node config is consulted, and only once neither applies
// does the segment re-enter the body. The global loop_counter cap is a
// safety invariant on top of the author's own accounting, not a substitute
// for it, so it is still enforced unconditionally after the sync.
func (r *Runner) loopContinue(ctx context.Context, working *kernel.Bag, sctx kernel.SyncContext, wf *partition.Workflow, validTargets routing.ValidTargets, callerRing partition.RingLevel, loopNode *partition.Node) *RunResult {
	maxIter, _ := working.Raw()[kernel.KeyMaxLoopIterations].(int)
	if maxIter <= 0 {
		maxIter = kernel.DefaultMaxLoopIterations
	}

	if loopNode != nil {
		if breakExpr, ok := loopNode.Config["break_condition"].(string); ok && breakExpr != "" {
			shouldBreak, err := r.conditions.Eval(breakExpr, working.Raw())
			if err != nil {
				return r.fail(working, coreerrors.Wrap(coreerrors.KindDeterministicOperator,
					fmt.Sprintf("loop node %q break_condition failed", loopNode.ID), err))
			}
			if shouldBreak {
				return r.completeLoopBreak(ctx, wf, working, sctx, validTargets, callerRing, loopNode)
			}
		}
	}

	sctx.IsLoopBody = true
	state, manifest, err := r.Kernel.Sync(ctx, nil, working.Raw(), kernel.ActionSync, sctx)
	if err != nil {
		return &RunResult{Status: StatusFailedDeterministic, Err: err}
	}
	counter, _ := state.Raw()[kernel.KeyLoopCounter].(int)
	if counter >= maxIter {
		return &RunResult{
			Status: StatusFailedDeterministic, FinalState: state, Manifest: manifest,
			Err: coreerrors.New(coreerrors.KindLoopLimitExceeded, fmt.Sprintf("loop_counter %d reached max_loop_iterations %d", counter, maxIter)),
		}
	}
	return &RunResult{Status: StatusCompleted, FinalState: state, Manifest: manifest, TransitionKind: TransitionLoopContinue}
}

// completeLoopBreak routes to the loop node's break_path the same way an
// ordinary segment completes: resolve + ring-validate + sync. break_path
// must be a plain node id (or routing.EndTarget), not a __next_node signal.
func (r *Runner) completeLoopBreak(ctx context.Context, wf *partition.Workflow, working *kernel.Bag, sctx kernel.SyncContext, validTargets routing.ValidTargets, callerRing partition.RingLevel, loopNode *partition.Node) *RunResult {
	breakPath, _ := loopNode.Config["break_path"].(string)
	if breakPath == "" {
		return r.fail(working, coreerrors.New(coreerrors.KindValidation,
			fmt.Sprintf("loop node %q break_condition is true but no break_path is configured", loopNode.ID)))
	}
	if err := r.Resolver.Validate(breakPath, validTargets, wf, callerRing); err != nil {
		return &RunResult{Status: StatusFailedSemantic, FinalState: working, Err: err}
	}
	state, manifest, err := r.Kernel.Sync(ctx, nil, working.Raw(), kernel.ActionSync, sctx)
	if err != nil {
		return &RunResult{Status: StatusFailedDeterministic, Err: err}
	}
	return &RunResult{Status: StatusCompleted, FinalState: state, Manifest: manifest, NextNode: breakPath, TransitionKind: TransitionComplete}
}

// firstOutgoingOfType returns the target of nodeID's first outgoing edge of
// the given type, or "" if none exists.
func firstOutgoingOfType(wf *partition.Workflow, nodeID string, edgeType partition.EdgeType) string {
	for _, e := range wf.Outgoing(nodeID) {
		if e.Type == edgeType {
			return e.Target
		}
	}
	return ""
}

func (r *Runner) complete(ctx context.Context, wf *partition.Workflow, working *kernel.Bag, sctx kernel.SyncContext, validTargets routing.ValidTargets, callerRing partition.RingLevel, lastNode *partition.Node) *RunResult {
	next, err := r.Resolver.Resolve(lastNode.ID, working, wf)
	if err != nil {
		return &RunResult{Status: StatusFailedSemantic, FinalState: working, Err: err}
	}
	if err := r.Resolver.Validate(next, validTargets, wf, callerRing); err != nil {
		return &RunResult{Status: StatusFailedSemantic, FinalState: working, Err: err}
	}

	state, manifest, err := r.Kernel.Sync(ctx, nil, working.Raw(), kernel.ActionSync, sctx)
	if err != nil {
		return &RunResult{Status: StatusFailedDeterministic, Err: err}
	}
	return &RunResult{Status: StatusCompleted, FinalState: state, Manifest: manifest, NextNode: next, TransitionKind: TransitionComplete}
}

func (r *Runner) fanout(ctx context.Context, seg *partition.Segment, wf *partition.Workflow, working *kernel.Bag, sctx kernel.SyncContext, branchNode *partition.Node) *RunResult {
	state, manifest, err := r.Kernel.Sync(ctx, nil, working.Raw(), kernel.ActionSync, sctx)
	if err != nil {
		return &RunResult{Status: StatusFailedDeterministic, Err: err}
	}

	var branches []BranchConfig
	idx := 0
	for _, e := range wf.Outgoing(branchNode.ID) {
		if e.Type != partition.EdgeDynamic {
			continue
		}
		allowFailure := false
		if target, ok := wf.Nodes[e.Target]; ok {
			allowFailure, _ = target.Config["allow_failure"].(bool)
		}
		branches = append(branches, BranchConfig{
			BranchIndex:  idx,
			EntryNode:    e.Target,
			State:        state,
			AllowFailure: allowFailure,
		})
		idx++
	}

	next := firstOutgoingOfType(wf, branchNode.ID, partition.EdgeNormal)
	return &RunResult{
		Status: StatusCompleted, FinalState: state, Manifest: manifest,
		TransitionKind: TransitionBranchFanout, Branches: branches, NextNode: next,
	}
}
