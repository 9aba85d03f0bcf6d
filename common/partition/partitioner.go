package partition

import (
	"fmt"
	"sort"

	"github.com/skwuwu/workflow-core/common/coreerrors"
)

// SegmentType classifies how a segment was cut.
type SegmentType string

const (
	SegmentNormal SegmentType = "normal"
	SegmentHITP   SegmentType = "hitp"
	SegmentBranch SegmentType = "branch"
	SegmentLoop   SegmentType = "loop"
)

// ExitBoundary names why a segment ended.
type ExitBoundary string

const (
	ExitHITP         ExitBoundary = "hitp"
	ExitBranchFanout ExitBoundary = "branch_fanout"
	ExitLoopBackEdge ExitBoundary = "loop_back_edge"
	ExitAsyncWait    ExitBoundary = "async_wait"
	ExitTerminal     ExitBoundary = "terminal"
)

// Segment is a contiguous run of nodes executed without suspending.
type Segment struct {
	SegmentID    int
	Nodes        []string
	Type         SegmentType
	EntryNode    string
	ExitBoundary ExitBoundary

	// LoopHeaderNode is set when ExitBoundary is ExitLoopBackEdge: the id of
	// the loop node this body segment re-enters, so the runner can read its
	// break_condition/break_path config without needing the whole
	// PartitionMap in hand.
	LoopHeaderNode string
}

// LoopInfo records a detected loop header and its body segments, used to
// estimate execution volume and enforce the global iteration cap.
type LoopInfo struct {
	HeaderNode    string
	BodySegments  []int
	MaxIterations int
}

// PartitionMap is the Partitioner's output: an ordered segment list plus
// loop/volume metadata the driver uses for quota checks.
type PartitionMap struct {
	Segments            []*Segment
	EstimatedExecutions int
	Loops               map[string]LoopInfo
}

const defaultGlobalLoopCap = 50

// Partitioner cuts a workflow into segments at suspension boundaries.
type Partitioner struct {
	// GlobalLoopCap bounds an unbounded loop's estimated iteration count
	// when no author-configured LoopMaxIterations is set.
	GlobalLoopCap int
}

func NewPartitioner() *Partitioner {
	return &Partitioner{GlobalLoopCap: defaultGlobalLoopCap}
}

// Partition validates wf and cuts it into an ordered segment list.
func (p *Partitioner) Partition(wf *Workflow) (*PartitionMap, error) {
	if err := p.validate(wf); err != nil {
		return nil, err
	}

	order, backEdges, err := p.topoOrderAllowingLoopBackEdges(wf)
	if err != nil {
		return nil, err
	}

	segments := p.cutSegments(wf, order, backEdges)
	loops := p.analyzeLoops(wf, segments, backEdges)
	estimate := p.estimateExecutions(segments, loops)

	return &PartitionMap{
		Segments:            segments,
		EstimatedExecutions: estimate,
		Loops:               loops,
	}, nil
}

func (p *Partitioner) validate(wf *Workflow) error {
	if len(wf.Nodes) == 0 {
		return coreerrors.New(coreerrors.KindValidation, "workflow has no nodes")
	}
	for _, e := range wf.Edges {
		if _, ok := wf.Nodes[e.Source]; !ok {
			return coreerrors.New(coreerrors.KindValidation,
				fmt.Sprintf("edge %q references unknown source node %q", e.ID, e.Source))
		}
		if _, ok := wf.Nodes[e.Target]; !ok {
			return coreerrors.New(coreerrors.KindValidation,
				fmt.Sprintf("edge %q references unknown target node %q", e.ID, e.Target))
		}
	}
	return nil
}

// EntryNodes returns wf.EntryNodes if set, else every node with no incoming
// edge, in a deterministic (sorted) order. Exported so the Orchestrator
// Driver can pick a Submit call's start node without re-deriving it.
func EntryNodes(wf *Workflow) []string {
	return entryNodes(wf)
}

// entryNodes returns wf.EntryNodes if set, else every node with no incoming
// edge, in a deterministic (sorted) order.
func entryNodes(wf *Workflow) []string {
	if len(wf.EntryNodes) > 0 {
		return wf.EntryNodes
	}
	hasIncoming := make(map[string]bool, len(wf.Nodes))
	for _, e := range wf.Edges {
		hasIncoming[e.Target] = true
	}
	var entries []string
	for id := range wf.Nodes {
		if !hasIncoming[id] {
			entries = append(entries, id)
		}
	}
	sort.Strings(entries)
	return entries
}

// topoOrderAllowingLoopBackEdges walks the graph depth-first, producing a
// visitation order. An edge closing a cycle is legal only if its target is
// a loop node (or the source is explicitly configured with
// DynamicIterations); any other cycle is a validation error, mirroring
// CompileWorkflowSchema's DFS cycle check generalized to tolerate
// author-declared loop back-edges instead of rejecting every cycle.
func (p *Partitioner) topoOrderAllowingLoopBackEdges(wf *Workflow) ([]string, map[string]bool, error) {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(wf.Nodes))
	var order []string
	backEdges := make(map[string]bool)

	var visit func(id string) error
	visit = func(id string) error {
		color[id] = gray
		for _, e := range wf.Outgoing(id) {
			switch color[e.Target] {
			case white:
				if err := visit(e.Target); err != nil {
					return err
				}
			case gray:
				target := wf.Nodes[e.Target]
				if target != nil && target.Type == NodeLoop {
					backEdges[e.ID] = true
					continue
				}
				return coreerrors.New(coreerrors.KindValidation,
					fmt.Sprintf("cycle detected through edge %q into non-loop node %q", e.ID, e.Target))
			case black:
				// already fully visited via another path, fine for a DAG-with-merges
			}
		}
		color[id] = black
		order = append(order, id)
		return nil
	}

	for _, id := range entryNodes(wf) {
		if color[id] == white {
			if err := visit(id); err != nil {
				return nil, nil, err
			}
		}
	}
	// Any node unreachable from a declared entry (disconnected component)
	// still needs a position; append deterministically.
	var rest []string
	for id := range wf.Nodes {
		if color[id] == white {
			rest = append(rest, id)
		}
	}
	sort.Strings(rest)
	for _, id := range rest {
		if color[id] == white {
			if err := visit(id); err != nil {
				return nil, nil, err
			}
		}
	}

	// visit appends in postorder; reverse for a root-first order.
	for i, j := 0, len(order)-1; i < j; i, j = i+1, j-1 {
		order[i], order[j] = order[j], order[i]
	}
	return order, backEdges, nil
}

// cutSegments walks the topo order and starts a new segment whenever the
// edge just traversed (or the node just entered) crosses a suspension
// boundary: HITP edges, branch fan-out (a branch node with 2+ dynamic
// outgoing edges), a loop header, or an async-callback LLM node.
func (p *Partitioner) cutSegments(wf *Workflow, order []string, backEdges map[string]bool) []*Segment {
	var segments []*Segment
	var cur []string
	segID := 0

	flush := func(boundary ExitBoundary, segType SegmentType, loopHeader string) {
		if len(cur) == 0 {
			return
		}
		segments = append(segments, &Segment{
			SegmentID:      segID,
			Nodes:          cur,
			Type:           segType,
			EntryNode:      cur[0],
			ExitBoundary:   boundary,
			LoopHeaderNode: loopHeader,
		})
		segID++
		cur = nil
	}

	visited := make(map[string]bool, len(order))
	for _, id := range order {
		if visited[id] {
			continue
		}
		visited[id] = true
		node := wf.Nodes[id]
		cur = append(cur, id)

		out := wf.Outgoing(id)
		dynamicOut := 0
		hitpOut := false
		for _, e := range out {
			if backEdges[e.ID] {
				continue
			}
			switch e.Type {
			case EdgeHITP:
				hitpOut = true
			case EdgeDynamic:
				dynamicOut++
			}
		}

		switch {
		case hitpOut:
			flush(ExitHITP, SegmentHITP, "")
		case node.Type == NodeBranch && dynamicOut >= 2:
			flush(ExitBranchFanout, SegmentBranch, "")
		case node.Type == NodeLLM && node.AsyncCallback:
			flush(ExitAsyncWait, SegmentNormal, "")
		case len(out) == 0:
			flush(ExitTerminal, SegmentNormal, "")
		default:
			// Also cut right before entering a loop header so the loop body
			// re-enters the driver loop once per iteration.
			for _, e := range out {
				if backEdges[e.ID] {
					continue
				}
				if target := wf.Nodes[e.Target]; target != nil && target.Type == NodeLoop {
					flush(ExitLoopBackEdge, SegmentLoop, target.ID)
					break
				}
			}
		}
	}
	flush(ExitTerminal, SegmentNormal, "")
	return segments
}

// analyzeLoops finds loop-header nodes (targets of a recorded back edge)
// and records which segments make up their body, for iteration-cap
// enforcement and execution-volume estimation.
func (p *Partitioner) analyzeLoops(wf *Workflow, segments []*Segment, backEdges map[string]bool) map[string]LoopInfo {
	loops := make(map[string]LoopInfo)
	headerByEdge := make(map[string]string)
	for _, e := range wf.Edges {
		if backEdges[e.ID] {
			headerByEdge[e.ID] = e.Target
		}
	}
	if len(headerByEdge) == 0 {
		return loops
	}

	nodeSegment := make(map[string]int, len(wf.Nodes))
	for _, seg := range segments {
		for _, n := range seg.Nodes {
			nodeSegment[n] = seg.SegmentID
		}
	}

	for _, header := range headerByEdge {
		node := wf.Nodes[header]
		maxIter := node.LoopMaxIterations
		if maxIter <= 0 {
			maxIter = p.GlobalLoopCap
		}
		info := loops[header]
		info.HeaderNode = header
		info.MaxIterations = maxIter
		if segID, ok := nodeSegment[header]; ok {
			info.BodySegments = appendUnique(info.BodySegments, segID)
		}
		loops[header] = info
	}
	return loops
}

func appendUnique(s []int, v int) []int {
	for _, x := range s {
		if x == v {
			return s
		}
	}
	return append(s, v)
}

// estimateExecutions gives a rough upper bound on segment-run count, used
// for quota/ETA display: each normal segment runs once, each loop body
// segment runs up to its MaxIterations.
func (p *Partitioner) estimateExecutions(segments []*Segment, loops map[string]LoopInfo) int {
	loopWeight := make(map[int]int)
	for _, info := range loops {
		for _, segID := range info.BodySegments {
			if w := loopWeight[segID]; w < info.MaxIterations {
				loopWeight[segID] = info.MaxIterations
			}
		}
	}
	total := 0
	for _, seg := range segments {
		if w, ok := loopWeight[seg.SegmentID]; ok {
			total += w
			continue
		}
		total++
	}
	return total
}
