package kernel

import (
	"context"
	"sort"
	"time"

	"github.com/skwuwu/workflow-core/common/coreerrors"
)

// Action is the single sync entry point's mode.
type Action string

const (
	ActionInit      Action = "init"
	ActionSync      Action = "sync"
	ActionAggregate Action = "aggregate"
)

// SyncContext carries the per-call metadata the kernel needs but does not
// itself own: which execution/workflow/owner this write belongs to, which
// segment produced it, and whether the segment was a loop body (so
// loop_counter increments correctly).
type SyncContext struct {
	ExecutionID string
	OwnerID     string
	WorkflowID  string
	SegmentID   int
	IsLoopBody  bool
}

// Logger is the minimal structured logging contract the kernel needs.
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Kernel is the universal sync core: the only path through which state
// changes reach blob storage and the manifest chain. No direct block or
// manifest writes bypass it.
type Kernel struct {
	blobs     BlobStore
	manifests ManifestStore
	gc        GCQueue
	logger    Logger

	// InlineThreshold is the serialized-size cutoff in bytes above which
	// subtrees are pointerized (~200 KB).
	InlineThreshold int
}

// GCQueue is the durable queue newly-orphaned or newly-abandoned block keys
// are enqueued onto, backed by common/redis/client.go's
// PushToList/BlockingPopList (BLPOP).
type GCQueue interface {
	Enqueue(ctx context.Context, item GCItem) error
}

// GCItem is one GC queue message.
type GCItem struct {
	BlockKey      string `json:"block_key"`
	Reason        string `json:"reason"`
	TransactionID string `json:"transaction_id"`
}

const (
	GCReasonAbandonedWrite     = "abandoned_write"
	GCReasonOptimisticRollback = "optimistic_rollback"
	GCReasonManifestSuperseded = "manifest_superseded"
)

const defaultInlineThreshold = 200 * 1024

func NewKernel(blobs BlobStore, manifests ManifestStore, gc GCQueue, logger Logger) *Kernel {
	return &Kernel{
		blobs:           blobs,
		manifests:       manifests,
		gc:              gc,
		logger:          logger,
		InlineThreshold: defaultInlineThreshold,
	}
}

// Sync is the single entry: sync(base_state, delta, action, context) ->
// (new_state, manifest_id). It performs the merge, then
// the 2PC commit (commit.go), enqueuing orphan blocks to GC on failure.
func (k *Kernel) Sync(ctx context.Context, base *Bag, delta map[string]interface{}, action Action, sctx SyncContext) (*Bag, *Manifest, error) {
	var merged *Bag

	switch action {
	case ActionInit:
		if base != nil && len(base.Raw()) != 0 {
			return nil, nil, coreerrors.New(coreerrors.KindValidation, "init requires an empty base_state")
		}
		merged = NewBag(cloneDelta(delta)).WithDefaults()
		merged.Set("__status", "STARTED")

	case ActionSync:
		if base == nil {
			base = NewBag(nil)
		}
		merged = base.Clone()
		for key, val := range delta {
			merged.Set(key, val)
		}
		if sctx.IsLoopBody {
			counter, _ := merged.Raw()[KeyLoopCounter].(int)
			merged.Set(KeyLoopCounter, counter+1)
		}

	case ActionAggregate:
		return nil, nil, coreerrors.New(coreerrors.KindValidation, "aggregate requires AggregateSync, not Sync")

	default:
		return nil, nil, coreerrors.New(coreerrors.KindValidation, "unknown sync action")
	}

	merged.AppendHistory(HistoryEntry{Timestamp: time.Now().Unix(), SegmentID: sctx.SegmentID})

	offloaded, pointerMap, newBlocks, err := k.offloadAndWriteBlocks(ctx, merged, sctx)
	if err != nil {
		return nil, nil, err
	}

	manifest, err := k.commit(ctx, offloaded, pointerMap, newBlocks, sctx)
	if err != nil {
		return nil, nil, err
	}

	offloaded.Set(KeyCurrentManifestID, manifest.ManifestID)
	return offloaded, manifest, nil
}

// AggregateSync implements the `aggregate` action: (base_state,
// [branch_deltas]) -> new_state. Grounded on
// Aggregator). Ordered sequences concatenate in branch-index order;
// mappings deep-merge with last-writer-wins on scalar conflicts; scalars
// are kept from the lowest branch index unless overridden by a
// caller-supplied per-key reducer. Branch failures surface in
// _branch_errors rather than aborting the aggregate.
func (k *Kernel) AggregateSync(ctx context.Context, base *Bag, branchDeltas []BranchResult, reducers map[string]Reducer, sctx SyncContext) (*Bag, *Manifest, error) {
	if base == nil {
		base = NewBag(nil)
	}
	merged := base.Clone()

	// Stable order by branch index.
	sort.SliceStable(branchDeltas, func(i, j int) bool { return branchDeltas[i].BranchIndex < branchDeltas[j].BranchIndex })

	var branchErrors []interface{}
	seenScalarOwner := make(map[string]int)

	for _, br := range branchDeltas {
		if br.Err != "" {
			branchErrors = append(branchErrors, map[string]interface{}{
				"branch_index": br.BranchIndex,
				"error":        br.Err,
			})
			if !br.AllowFailure {
				continue
			}
		}
		for key, val := range br.Delta {
			if reducer, ok := reducers[key]; ok {
				merged.Set(key, reducer(merged.Raw()[key], val))
				continue
			}
			switch typed := val.(type) {
			case []interface{}:
				existing, _ := merged.Raw()[key].([]interface{})
				merged.Set(key, append(append([]interface{}{}, existing...), typed...))
			case map[string]interface{}:
				existing, _ := merged.Raw()[key].(map[string]interface{})
				merged.Set(key, deepMergeLastWriterWins(existing, typed))
			default:
				if _, owned := seenScalarOwner[key]; !owned {
					merged.Set(key, val)
					seenScalarOwner[key] = br.BranchIndex
				}
			}
		}
	}

	if len(branchErrors) > 0 {
		merged.Set(KeyBranchErrors, branchErrors)
	}

	merged.AppendHistory(HistoryEntry{Timestamp: time.Now().Unix(), SegmentID: sctx.SegmentID})

	offloaded, pointerMap, newBlocks, err := k.offloadAndWriteBlocks(ctx, merged, sctx)
	if err != nil {
		return nil, nil, err
	}
	manifest, err := k.commit(ctx, offloaded, pointerMap, newBlocks, sctx)
	if err != nil {
		return nil, nil, err
	}
	offloaded.Set(KeyCurrentManifestID, manifest.ManifestID)
	return offloaded, manifest, nil
}

// BranchResult is one child execution's outcome fed into AggregateSync.
type BranchResult struct {
	BranchIndex  int
	Delta        map[string]interface{}
	Err          string
	AllowFailure bool
}

// Reducer overrides the default aggregate merge rule for one state key
// (unless a key-specific reducer is declared).
type Reducer func(existing, incoming interface{}) interface{}

func deepMergeLastWriterWins(base, incoming map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(base)+len(incoming))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range incoming {
		if nestedIncoming, ok := v.(map[string]interface{}); ok {
			if nestedBase, ok := out[k].(map[string]interface{}); ok {
				out[k] = deepMergeLastWriterWins(nestedBase, nestedIncoming)
				continue
			}
		}
		out[k] = v
	}
	return out
}

func cloneDelta(delta map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(delta))
	for k, v := range delta {
		out[k] = v
	}
	return out
}
