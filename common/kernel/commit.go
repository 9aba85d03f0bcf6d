package kernel

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/skwuwu/workflow-core/common/coreerrors"
)

// commit performs the two-phase commit:
//  1. blocks are already written (idempotent by content hash) by offload.go
//  2. write the manifest with committed=false
//  3. flip committed=true with a conditional update
//  4. on any failure after step 1, enqueue every newly-written block key
//     onto the GC queue tagged with this transaction id
func (k *Kernel) commit(ctx context.Context, bag *Bag, pointerMap map[string]Pointer, newBlocks []string, sctx SyncContext) (*Manifest, error) {
	txnID := uuid.New().String()

	manifest := &Manifest{
		ManifestID:  NewManifestID(),
		CreatedAt:   time.Now(),
		ExecutionID: sctx.ExecutionID,
		OwnerID:     sctx.OwnerID,
		WorkflowID:  sctx.WorkflowID,
		SegmentID:   sctx.SegmentID,
		Blocks:      newBlocks,
		PointerMap:  pointerMap,
		Committed:   false,
	}

	if prev, err := k.manifests.Latest(ctx, sctx.ExecutionID); err == nil && prev != nil {
		manifest.PreviousManifestID = prev.ManifestID
	}

	if err := k.manifests.Put(ctx, manifest); err != nil {
		k.enqueueOrphans(ctx, newBlocks, GCReasonAbandonedWrite, txnID)
		return nil, coreerrors.Wrap(coreerrors.KindStorageCorruption, "failed to write manifest", err)
	}

	if err := k.manifests.SetCommitted(ctx, manifest.ManifestID, true); err != nil {
		k.enqueueOrphans(ctx, newBlocks, GCReasonAbandonedWrite, txnID)
		return nil, coreerrors.Wrap(coreerrors.KindStorageCorruption, "failed to flip committed flag", err)
	}

	manifest.Committed = true
	return manifest, nil
}

func (k *Kernel) enqueueOrphans(ctx context.Context, blockKeys []string, reason, txnID string) {
	for _, key := range blockKeys {
		if err := k.gc.Enqueue(ctx, GCItem{BlockKey: key, Reason: reason, TransactionID: txnID}); err != nil {
			if k.logger != nil {
				k.logger.Error("failed to enqueue orphan block for GC", "block_key", key, "reason", reason, "error", err)
			}
		}
	}
}

// Rollback reverts the execution's current manifest pointer to
// previousManifestID and enqueues the blocks exclusive to the rejected
// manifest onto GC.
func (k *Kernel) Rollback(ctx context.Context, rejected *Manifest) error {
	txnID := uuid.New().String()
	k.enqueueOrphans(ctx, rejected.Blocks, GCReasonOptimisticRollback, txnID)
	return k.manifests.SetCommitted(ctx, rejected.ManifestID, false)
}
