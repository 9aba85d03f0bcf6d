// Package driver implements the Orchestrator Driver: the explicit state
// machine that partitions a workflow once, then walks its segment list
// end to end, dispatching each segment to the Segment Runner and reacting
// to its transition (advance, loop, pause for HITP, fan out branches, or
// wait on an async callback). Grounded on
// cmd/workflow-runner/coordinator/coordinator.go's handleCompletion loop,
// collapsed from its Redis-stream choreography (BLPOP on completion
// signals, one goroutine per signal, IR reload-on-patch) into one explicit
// synchronous loop per execution, since the Segment Runner already
// executes a whole segment's nodes per call instead of one node per
// signal.
package driver

import (
	"context"
	"fmt"
	"sync"

	"github.com/skwuwu/workflow-core/common/coreerrors"
	"github.com/skwuwu/workflow-core/common/governance"
	"github.com/skwuwu/workflow-core/common/heal"
	"github.com/skwuwu/workflow-core/common/kernel"
	"github.com/skwuwu/workflow-core/common/partition"
	"github.com/skwuwu/workflow-core/common/routing"
	"github.com/skwuwu/workflow-core/common/segment"
)

// Logger is the minimal structured logging contract the driver needs.
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Status is the execution's terminal status, mirrored onto the run record
// by whatever owns the run table (out of this package's scope).
type Status string

const (
	StatusCompleted         Status = "COMPLETED"
	StatusFailed            Status = "FAILED"
	StatusPausedForHITP     Status = "PAUSED_FOR_HITP"
	StatusWaitingAsyncChild Status = "WAITING_ASYNC_CHILD"
)

// DriveResult is the outcome of walking an execution to its next
// suspension point or to completion.
type DriveResult struct {
	Status     Status
	FinalState *kernel.Bag
	ManifestID string
	PausedNode string
	Err        error
}

// defaultMaxBranchConcurrency bounds the distributed map's fan-out; segments
// beyond this count in a single branch still all execute, just not all at
// once, mirroring errgroup.SetLimit's backpressure.
const defaultMaxBranchConcurrency = 16

// Driver walks one execution's segments from a starting node to the next
// suspension boundary or to the end of the workflow.
type Driver struct {
	Partitioner *partition.Partitioner
	Runner      *segment.Runner
	Kernel      *kernel.Kernel
	HITP        HITPStore
	Logger      Logger

	// Governance runs the Ring-3 post-pass over agent node output. Nil
	// disables governance review entirely (segments complete unjudged).
	Governance *governance.Ring

	MaxBranchConcurrency int

	mu    sync.Mutex
	cache map[string]*partition.PartitionMap
}

func NewDriver(p *partition.Partitioner, r *segment.Runner, k *kernel.Kernel, hitp HITPStore, logger Logger) *Driver {
	return &Driver{
		Partitioner:          p,
		Runner:               r,
		Kernel:               k,
		HITP:                 hitp,
		Logger:               logger,
		MaxBranchConcurrency: defaultMaxBranchConcurrency,
		cache:                make(map[string]*partition.PartitionMap),
	}
}

// partitionFor partitions wf once per workflow id and caches the result;
// a workflow definition is immutable once compiled, so repeated runs of
// the same workflow never re-cut segments.
func (d *Driver) partitionFor(wf *partition.Workflow) (*partition.PartitionMap, error) {
	d.mu.Lock()
	if pm, ok := d.cache[wf.ID]; ok {
		d.mu.Unlock()
		return pm, nil
	}
	d.mu.Unlock()

	pm, err := d.Partitioner.Partition(wf)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.cache[wf.ID] = pm
	d.mu.Unlock()
	return pm, nil
}

func entryIndex(pm *partition.PartitionMap) map[string]*partition.Segment {
	idx := make(map[string]*partition.Segment, len(pm.Segments))
	for _, seg := range pm.Segments {
		idx[seg.EntryNode] = seg
	}
	return idx
}

// Run walks wf from startNode until the execution completes, pauses for a
// human decision, starts waiting on an async child, or fails.
func (d *Driver) Run(ctx context.Context, wf *partition.Workflow, sctx kernel.SyncContext, state *kernel.Bag, startNode string, callerRing partition.RingLevel) *DriveResult {
	pm, err := d.partitionFor(wf)
	if err != nil {
		return &DriveResult{Status: StatusFailed, Err: err}
	}
	byEntry := entryIndex(pm)
	validTargets := routing.BuildValidTargets(wf)

	cur := startNode
	governanceRetries := 0
	for {
		seg, ok := byEntry[cur]
		if !ok {
			return &DriveResult{Status: StatusFailed, FinalState: state, Err: coreerrors.New(
				coreerrors.KindInvalidTarget, fmt.Sprintf("node %q does not begin any segment", cur))}
		}

		result := d.Runner.Run(ctx, seg, wf, state, sctx, validTargets, callerRing)
		if result.Err != nil {
			if d.Logger != nil {
				d.Logger.Error("segment failed", "execution_id", sctx.ExecutionID, "segment_id", seg.SegmentID, "error", result.Err)
			}
			healed, healedState := d.attemptSelfHeal(result.FinalState, result.Err)
			if !healed {
				return &DriveResult{Status: StatusFailed, FinalState: result.FinalState, Err: result.Err}
			}
			if d.Logger != nil {
				d.Logger.Warn("segment self-healed, retrying", "execution_id", sctx.ExecutionID, "segment_id", seg.SegmentID)
			}
			state = healedState
			continue
		}
		state = result.FinalState

		accepted, governed, govErr := d.runGovernance(ctx, seg, wf, result.Manifest, state, governanceRetries)
		if govErr != nil {
			return &DriveResult{Status: StatusFailed, FinalState: governed, Err: govErr}
		}
		if !accepted {
			governanceRetries++
			if d.Logger != nil {
				d.Logger.Warn("segment rejected by governance, retrying", "execution_id", sctx.ExecutionID, "segment_id", seg.SegmentID)
			}
			state = governed
			continue
		}
		state = governed
		governanceRetries = 0

		switch result.TransitionKind {
		case segment.TransitionComplete:
			if result.NextNode == routing.EndTarget {
				return &DriveResult{Status: StatusCompleted, FinalState: state, ManifestID: manifestID(result)}
			}
			cur = result.NextNode
			continue

		case segment.TransitionLoopContinue:
			cur = seg.EntryNode
			continue

		case segment.TransitionPausedForHITP:
			if err := d.storeHITPToken(ctx, sctx, result.NextNode, manifestID(result)); err != nil {
				return &DriveResult{Status: StatusFailed, FinalState: state, Err: err}
			}
			return &DriveResult{Status: StatusPausedForHITP, FinalState: state, ManifestID: manifestID(result), PausedNode: result.NextNode}

		case segment.TransitionAsyncChildStarted:
			return &DriveResult{Status: StatusWaitingAsyncChild, FinalState: state, ManifestID: manifestID(result), PausedNode: result.NextNode}

		case segment.TransitionBranchFanout:
			branchResult, err := d.runBranches(ctx, wf, sctx, result.Branches, callerRing, result.NextNode)
			if err != nil {
				return &DriveResult{Status: StatusFailed, FinalState: state, Err: err}
			}
			if branchResult.Status != StatusCompleted {
				return &branchResult.DriveResult
			}
			merged, manifest, err := d.Kernel.AggregateSync(ctx, state, branchResult.branchDeltas, nil, sctx)
			if err != nil {
				return &DriveResult{Status: StatusFailed, FinalState: state, Err: err}
			}
			state = merged
			cur = branchResult.nextAfterMerge
			if cur == "" || cur == routing.EndTarget {
				return &DriveResult{Status: StatusCompleted, FinalState: state, ManifestID: manifest.ManifestID}
			}
			continue

		default:
			return &DriveResult{Status: StatusFailed, FinalState: state, Err: coreerrors.New(
				coreerrors.KindDeterministicOperator, fmt.Sprintf("unhandled transition kind %q", result.TransitionKind))}
		}
	}
}

// attemptSelfHeal classifies a failed segment's error and, if auto-healable
// and still under the circuit breaker, writes advice into the same
// _self_healing_metadata.suggested_fix slot the Segment Runner's
// InjectAdvice reads on the retry and bumps healing_count. The caller
// re-dispatches the same entry node against the returned state on success.
func (d *Driver) attemptSelfHeal(working *kernel.Bag, segErr error) (bool, *kernel.Bag) {
	if working == nil || segErr == nil {
		return false, nil
	}

	ce, ok := coreerrors.As(segErr)
	if !ok || !ce.Retryable() {
		return false, nil
	}
	errType := string(ce.Kind())

	healed := working.Clone()
	healingCount, _ := healed.Raw()[kernel.KeyHealingCount].(int)

	category, _ := heal.Classify(errType, segErr.Error(), healingCount, nil)
	if category != heal.CategoryDeterministic {
		return false, nil
	}

	advice, ok := heal.Advice(errType, segErr.Error())
	if !ok {
		return false, nil
	}

	meta := healed.GetBag(kernel.KeySelfHealMetadata).Raw()
	meta["suggested_fix"] = advice
	healed.Set(kernel.KeySelfHealMetadata, meta)
	healed.Set(kernel.KeyHealingCount, healingCount+1)

	return true, healed
}

func manifestID(r *segment.RunResult) string {
	if r.Manifest == nil {
		return ""
	}
	return r.Manifest.ManifestID
}

func (d *Driver) storeHITPToken(ctx context.Context, sctx kernel.SyncContext, nodeID, manifestID string) error {
	if d.HITP == nil {
		return coreerrors.New(coreerrors.KindValidation, "driver has no HITPStore configured")
	}
	return d.HITP.Put(ctx, HITPToken{
		ExecutionID: sctx.ExecutionID,
		WorkflowID:  sctx.WorkflowID,
		OwnerID:     sctx.OwnerID,
		NodeID:      nodeID,
		ManifestID:  manifestID,
	})
}
