package governance

import (
	"context"
	"fmt"

	"github.com/skwuwu/workflow-core/common/kernel"
)

// RollbackResult is the outcome of reverting a rejected manifest.
type RollbackResult struct {
	// RestoredState is the state hydrated from previous_manifest_id, the
	// execution's integrity point before the rejected agent turn.
	RestoredState *kernel.Bag
	// RestoredManifestID is previous_manifest_id.
	RestoredManifestID string
}

// Rollback reverts a post-pass-rejected manifest to its
// previous_manifest_id, enqueuing the now-orphan blocks exclusive to the
// rejected manifest onto GC, per spec.md's "if post-pass rejects after a
// sync already committed, revert to previous_manifest_id and enqueue the
// now-orphan blocks to GC" and kernel.Kernel.Rollback's contract.
func Rollback(ctx context.Context, k *kernel.Kernel, rejected *kernel.Manifest) (*RollbackResult, error) {
	if rejected.PreviousManifestID == "" {
		return nil, fmt.Errorf("manifest %s has no previous_manifest_id to roll back to", rejected.ManifestID)
	}
	if err := k.Rollback(ctx, rejected); err != nil {
		return nil, err
	}
	restored, _, err := k.Hydrate(ctx, rejected.PreviousManifestID)
	if err != nil {
		return nil, err
	}
	return &RollbackResult{RestoredState: restored, RestoredManifestID: rejected.PreviousManifestID}, nil
}

// InjectFeedback writes a PostPassResult's violation feedback into state's
// self-heal advice slot, reusing the Segment Runner's existing
// advice-injection mechanism (segment.InjectAdvice) as the feedback
// loop's delivery path into the agent's next-turn prompt, per spec.md's
// "Governance as middleware" design note (a post-sync hook, not
// entangled with the kernel's commit path).
func InjectFeedback(state *kernel.Bag, result PostPassResult) {
	feedback := result.Feedback()
	if feedback == "" {
		return
	}
	meta := state.GetBag(kernel.KeySelfHealMetadata).Raw()
	meta["suggested_fix"] = feedback
	state.Set(kernel.KeySelfHealMetadata, meta)
}
