// Package kernel implements the state kernel: the single entry point
// ("sync") through which every state transition of an execution flows —
// init, sync, and aggregate — plus the blob store, manifest store, pointer
// offload, two-phase commit, and GC enqueue that back it.
package kernel

import (
	"strings"
)

// PointerType is the only recognized discriminator value for a pointer.
const PointerType = "s3_reference"

// Pointer replaces a state subtree whose serialized size exceeds the offload
// threshold. A pointer holds only primitives plus the blob reference — it is
// never itself pointerized (see Bag.Walk / offload.go).
type Pointer struct {
	Type      string `json:"type"`
	Bucket    string `json:"bucket"`
	Key       string `json:"key"`
	Checksum  string `json:"checksum"`
	SizeBytes int64  `json:"size_bytes"`
}

// AsPointer reports whether v decodes as a Pointer (the map carries
// `"type":"s3_reference"`), returning the typed value when it does.
func AsPointer(v interface{}) (*Pointer, bool) {
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil, false
	}
	if t, _ := m["type"].(string); t != PointerType {
		return nil, false
	}
	p := &Pointer{Type: PointerType}
	p.Bucket, _ = m["bucket"].(string)
	p.Key, _ = m["key"].(string)
	p.Checksum, _ = m["checksum"].(string)
	switch sz := m["size_bytes"].(type) {
	case float64:
		p.SizeBytes = int64(sz)
	case int64:
		p.SizeBytes = sz
	case int:
		p.SizeBytes = int64(sz)
	}
	return p, true
}

// ToMap renders a Pointer back to its wire form.
func (p *Pointer) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"type":       PointerType,
		"bucket":     p.Bucket,
		"key":        p.Key,
		"checksum":   p.Checksum,
		"size_bytes": p.SizeBytes,
	}
}

// Reserved state bag metadata keys.
const (
	KeySegmentToRun        = "segment_to_run"
	KeyLoopCounter         = "loop_counter"
	KeyStateHistory        = "state_history"
	KeyMaxLoopIterations   = "max_loop_iterations"
	KeyMaxBranchIterations = "max_branch_iterations"
	KeyDistributedMode     = "distributed_mode"
	KeyDistributedStrategy = "distributed_strategy"
	KeyMaxConcurrency      = "max_concurrency"
	KeyNextNode            = "__next_node"
	KeySelfHealMetadata    = "_self_healing_metadata"
	KeyCurrentManifestID   = "current_manifest_id"
	KeyBranchErrors        = "_branch_errors"
	KeyHealingCount        = "healing_count"
)

// DefaultMaxLoopIterations is the global cap applied when a loop's own
// configured max is absent or exceeds it.
const DefaultMaxLoopIterations = 50

// StateHistoryCap bounds state_history to the last K entries.
const StateHistoryCap = 200

// HistoryEntry is one bounded state_history record.
type HistoryEntry struct {
	ManifestID string `json:"manifest_id"`
	Timestamp  int64  `json:"timestamp"`
	SegmentID  int    `json:"segment_id"`
}

// Bag is a semantically typed string->value mapping. It is the tagged
// tagged Value design: a nested map obtained through Get is itself
// wrapped in a Bag, guaranteeing uniform .Get(path, default) semantics
// without carrying a dynamic-language runtime type into the value model.
type Bag struct {
	data map[string]interface{}
}

// NewBag wraps an existing map without copying it.
func NewBag(m map[string]interface{}) *Bag {
	if m == nil {
		m = make(map[string]interface{})
	}
	return &Bag{data: m}
}

// Raw returns the underlying map (callers that need to serialize the bag
// use this; mutating it bypasses the kernel and must not be done outside
// sync.go).
func (b *Bag) Raw() map[string]interface{} {
	return b.data
}

// Clone performs a shallow, top-level copy — the copy-on-write contract
// the copy-on-write contract sync requires: unchanged top-level keys
// share their nested subtree with the base, only the top-level map itself
// is new.
func (b *Bag) Clone() *Bag {
	out := make(map[string]interface{}, len(b.data))
	for k, v := range b.data {
		out[k] = v
	}
	return &Bag{data: out}
}

// Set assigns a top-level key.
func (b *Bag) Set(key string, value interface{}) {
	b.data[key] = value
}

// Get walks a dotted path (e.g. "a.b.c"), wrapping any intermediate
// map[string]interface{} in a Bag so callers chain .Get transparently.
// Returns def if any segment is missing or not traversable, or if the path
// resolves into a Pointer (pointers are opaque leaves, never descended into).
func (b *Bag) Get(path string, def interface{}) interface{} {
	if path == "" {
		return def
	}
	segments := strings.Split(path, ".")
	var cur interface{} = b.data
	for _, seg := range segments {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return def
		}
		if _, isPtr := AsPointer(m); isPtr {
			return def
		}
		v, exists := m[seg]
		if !exists {
			return def
		}
		cur = v
	}
	if m, ok := cur.(map[string]interface{}); ok {
		return NewBag(m)
	}
	return cur
}

// GetBag is a convenience for Get that asserts the result is a nested Bag,
// returning an empty Bag when the path is absent or not a map.
func (b *Bag) GetBag(path string) *Bag {
	v := b.Get(path, nil)
	if bag, ok := v.(*Bag); ok {
		return bag
	}
	return NewBag(nil)
}

// WithDefaults populates the reserved metadata keys with their init-time
// defaults for init.
func (b *Bag) WithDefaults() *Bag {
	if _, ok := b.data[KeyLoopCounter]; !ok {
		b.data[KeyLoopCounter] = 0
	}
	if _, ok := b.data[KeySegmentToRun]; !ok {
		b.data[KeySegmentToRun] = 0
	}
	if _, ok := b.data[KeyStateHistory]; !ok {
		b.data[KeyStateHistory] = []interface{}{}
	}
	if _, ok := b.data[KeyMaxLoopIterations]; !ok {
		b.data[KeyMaxLoopIterations] = DefaultMaxLoopIterations
	}
	if _, ok := b.data[KeyDistributedMode]; !ok {
		b.data[KeyDistributedMode] = false
	}
	return b
}

// AppendHistory appends a bounded state_history entry, truncating to the
// oldest StateHistoryCap-1 plus the new one when full.
func (b *Bag) AppendHistory(entry HistoryEntry) {
	raw, _ := b.data[KeyStateHistory].([]interface{})
	record := map[string]interface{}{
		"manifest_id": entry.ManifestID,
		"timestamp":   entry.Timestamp,
		"segment_id":  entry.SegmentID,
	}
	raw = append(raw, record)
	if len(raw) > StateHistoryCap {
		raw = raw[len(raw)-StateHistoryCap:]
	}
	b.data[KeyStateHistory] = raw
}
