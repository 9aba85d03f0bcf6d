package driver

import (
	"context"
	"fmt"
	"reflect"
	"strconv"

	"golang.org/x/sync/errgroup"

	"github.com/skwuwu/workflow-core/common/kernel"
	"github.com/skwuwu/workflow-core/common/partition"
	"github.com/skwuwu/workflow-core/common/segment"
)

// branchOutcome is the internal result of driving the segments of one
// distributed-map branch to its own completion (or failure).
type branchOutcome struct {
	finalState *kernel.Bag
	err        error
}

// branchRunResult is what runBranches hands back to the main Run loop:
// the per-branch deltas ready for kernel.AggregateSync, plus the node the
// merged state should resume at.
type branchRunResult struct {
	DriveResult
	branchDeltas   []kernel.BranchResult
	nextAfterMerge string
}

// runBranches drives every branch of a BRANCH_FANOUT transition to
// completion concurrently, bounded by MaxBranchConcurrency, matching the
// distributed map described for handleAbsorberNode's branch case: each
// child is a full recursive execution of the driver starting at its own
// entry node, and a child's failure is recorded rather than aborting its
// siblings unless the branch disallows it.
func (d *Driver) runBranches(ctx context.Context, wf *partition.Workflow, sctx kernel.SyncContext, branches []segment.BranchConfig, callerRing partition.RingLevel, nextAfterMerge string) (*branchRunResult, error) {
	outcomes := make([]branchOutcome, len(branches))

	limit := d.MaxBranchConcurrency
	if limit <= 0 {
		limit = defaultMaxBranchConcurrency
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	for i, branch := range branches {
		i, branch := i, branch
		g.Go(func() error {
			branchSctx := sctx
			branchSctx.ExecutionID = childExecutionID(sctx.ExecutionID, branch.BranchIndex)

			result := d.Run(gctx, wf, branchSctx, branch.State, branch.EntryNode, callerRing)
			outcomes[i] = branchOutcome{finalState: result.FinalState, err: result.Err}
			if result.Err != nil && !branch.AllowFailure {
				return result.Err
			}
			return nil
		})
	}

	// errgroup cancels gctx on the first disallowed failure, but every
	// goroutine already wrote its own outcomes[i] slot before returning,
	// so partial results survive even when Wait reports an error below.
	waitErr := g.Wait()

	deltas := make([]kernel.BranchResult, len(branches))
	anySucceeded := false
	for i, branch := range branches {
		o := outcomes[i]
		br := kernel.BranchResult{BranchIndex: branch.BranchIndex, AllowFailure: branch.AllowFailure}
		if o.err != nil {
			br.Err = o.err.Error()
		} else {
			anySucceeded = true
			br.Delta = diffState(branch.State, o.finalState)
		}
		deltas[i] = br
	}

	// Per the aggregator contract, a partial failure still proceeds to
	// merge (allow_failure branches surface only in _branch_errors); only
	// when every branch failed does the fan-out itself fail.
	if len(branches) > 0 && !anySucceeded {
		return &branchRunResult{DriveResult: DriveResult{Status: StatusFailed, Err: allBranchesFailedErr(deltas, waitErr)}}, nil
	}

	return &branchRunResult{
		DriveResult:    DriveResult{Status: StatusCompleted},
		branchDeltas:   deltas,
		nextAfterMerge: nextAfterMerge,
	}, nil
}

// diffState returns the subset of after's keys that are new or changed
// relative to before, so the aggregate merge only ever touches what a
// branch actually wrote, per aggregate's last-writer-wins scalar rule.
func diffState(before, after *kernel.Bag) map[string]interface{} {
	if after == nil {
		return nil
	}
	beforeRaw := map[string]interface{}{}
	if before != nil {
		beforeRaw = before.Raw()
	}
	afterRaw := after.Raw()

	delta := make(map[string]interface{})
	for k, v := range afterRaw {
		if existing, ok := beforeRaw[k]; !ok || !reflect.DeepEqual(existing, v) {
			delta[k] = v
		}
	}
	return delta
}

func childExecutionID(parent string, branchIndex int) string {
	return parent + "/branch-" + strconv.Itoa(branchIndex)
}

// allBranchesFailedErr builds the error returned when every branch of a
// fan-out failed; waitErr (if any) names the first disallowed failure, and
// the rest are summarized by count.
func allBranchesFailedErr(deltas []kernel.BranchResult, waitErr error) error {
	if waitErr != nil {
		return fmt.Errorf("all %d branches failed: %w", len(deltas), waitErr)
	}
	return fmt.Errorf("all %d branches failed", len(deltas))
}
