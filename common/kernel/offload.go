package kernel

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/skwuwu/workflow-core/common/coreerrors"
)

// subtreeCandidate is a top-level (or, on the final pass, whole-state)
// subtree considered for pointerization, ranked by serialized size.
type subtreeCandidate struct {
	path string
	data []byte
	raw  interface{}
}

// offloadAndWriteBlocks implements the offload policy: serialize
// the post-merge state; if within InlineThreshold, return inline; else
// greedily pointerize the largest top-level subtrees (writing each as a
// content-addressed block) until the state fits; if still too large,
// pointerize the entire state as one block. "Once a Pointer, always a
// Pointer" — pointer values already present are never re-pointerized.
func (k *Kernel) offloadAndWriteBlocks(ctx context.Context, bag *Bag, sctx SyncContext) (*Bag, map[string]Pointer, []string, error) {
	serialized, err := json.Marshal(bag.Raw())
	if err != nil {
		return nil, nil, nil, coreerrors.Wrap(coreerrors.KindValidation, "failed to serialize state", err)
	}
	if len(serialized) <= k.InlineThreshold {
		return bag, map[string]Pointer{}, nil, nil
	}

	var candidates []subtreeCandidate
	for key, val := range bag.Raw() {
		if _, isPtr := AsPointer(val); isPtr {
			continue // never re-pointerize
		}
		data, err := json.Marshal(val)
		if err != nil {
			continue
		}
		candidates = append(candidates, subtreeCandidate{path: key, data: data, raw: val})
	}
	sort.SliceStable(candidates, func(i, j int) bool { return len(candidates[i].data) > len(candidates[j].data) })

	pointerMap := make(map[string]Pointer)
	var newBlockKeys []string
	result := bag.Clone()
	currentSize := len(serialized)

	for _, c := range candidates {
		if currentSize <= k.InlineThreshold {
			break
		}
		checksum := Checksum(c.data)
		key := BlobKey(sctx.OwnerID, sctx.WorkflowID, sctx.ExecutionID, checksum)
		if _, err := k.blobs.Put(ctx, key, c.data); err != nil {
			return nil, nil, nil, coreerrors.Wrap(coreerrors.KindStorageCorruption, "failed to write offload block", err)
		}
		newBlockKeys = append(newBlockKeys, key)

		ptr := Pointer{Type: PointerType, Bucket: "blocks", Key: key, Checksum: checksum, SizeBytes: int64(len(c.data))}
		pointerMap[c.path] = ptr
		result.Set(c.path, ptr.ToMap())

		currentSize -= len(c.data)
		currentSize += len(checksum) + 64 // rough cost of the pointer stub itself
	}

	// Still too large after pointerizing every top-level key: collapse the
	// entire state into one block and replace it with a single pointer.
	reserialized, err := json.Marshal(result.Raw())
	if err != nil {
		return nil, nil, nil, coreerrors.Wrap(coreerrors.KindValidation, "failed to reserialize offloaded state", err)
	}
	if len(reserialized) > k.InlineThreshold {
		whole, err := json.Marshal(bag.Raw())
		if err != nil {
			return nil, nil, nil, coreerrors.Wrap(coreerrors.KindValidation, "failed to serialize whole state for final offload", err)
		}
		checksum := Checksum(whole)
		key := BlobKey(sctx.OwnerID, sctx.WorkflowID, sctx.ExecutionID, checksum)
		if _, err := k.blobs.Put(ctx, key, whole); err != nil {
			return nil, nil, nil, coreerrors.Wrap(coreerrors.KindStorageCorruption, "failed to write whole-state offload block", err)
		}
		newBlockKeys = append(newBlockKeys, key)
		ptr := Pointer{Type: PointerType, Bucket: "blocks", Key: key, Checksum: checksum, SizeBytes: int64(len(whole))}
		pointerMap = map[string]Pointer{"": ptr}
		result = NewBag(map[string]interface{}{"__whole_state_ref": ptr.ToMap()})
	}

	return result, pointerMap, newBlockKeys, nil
}
