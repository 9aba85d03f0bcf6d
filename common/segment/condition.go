package segment

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/skwuwu/workflow-core/common/coreerrors"
	"github.com/skwuwu/workflow-core/common/kernel"
	"github.com/skwuwu/workflow-core/common/partition"
)

// ConditionHandler is the NodeHandler for route_condition nodes: it
// evaluates a CEL boolean expression against the current state and sets
// __next_node to config["if_true"] or config["if_false"]. Grounded on
// cmd/workflow-runner/condition/evaluator.go's compile-and-cache Evaluator,
// generalized from a single "output"/"ctx" pair of CEL variables to the
// full state bag under a "state" variable (route_condition nodes here
// branch on the whole bag, not one prior node's output).
type ConditionHandler struct {
	mu    sync.RWMutex
	cache map[string]cel.Program
}

func NewConditionHandler() *ConditionHandler {
	return &ConditionHandler{cache: make(map[string]cel.Program)}
}

func (h *ConditionHandler) Handle(ctx context.Context, node *partition.Node, config map[string]interface{}, state *kernel.Bag) (map[string]interface{}, error) {
	expr, _ := config["expression"].(string)
	if expr == "" {
		return nil, coreerrors.New(coreerrors.KindValidation,
			fmt.Sprintf("route_condition node %q has no expression", node.ID))
	}
	ifTrue, _ := config["if_true"].(string)
	ifFalse, _ := config["if_false"].(string)
	if ifTrue == "" || ifFalse == "" {
		return nil, coreerrors.New(coreerrors.KindValidation,
			fmt.Sprintf("route_condition node %q must set both if_true and if_false", node.ID))
	}

	result, err := h.evaluate(expr, state.Raw())
	if err != nil {
		return nil, coreerrors.Wrap(coreerrors.KindDeterministicOperator,
			fmt.Sprintf("route_condition node %q expression failed", node.ID), err)
	}

	target := ifFalse
	if result {
		target = ifTrue
	}
	state.Set(kernel.KeyNextNode, target)
	return map[string]interface{}{"result": result, "next_node": target}, nil
}

// Eval evaluates an arbitrary CEL boolean expression against a raw state
// map, for callers (e.g. loop break-condition checks) that need a yes/no
// answer without going through the node-handler Handle contract.
func (h *ConditionHandler) Eval(expr string, state map[string]interface{}) (bool, error) {
	return h.evaluate(expr, state)
}

func (h *ConditionHandler) evaluate(expr string, state map[string]interface{}) (bool, error) {
	// "$.field" is the author-facing shorthand for "state.field".
	normalized := strings.ReplaceAll(expr, "$.", "state.")

	h.mu.RLock()
	prg, ok := h.cache[normalized]
	h.mu.RUnlock()
	if !ok {
		var err error
		prg, err = h.compile(normalized)
		if err != nil {
			return false, err
		}
		h.mu.Lock()
		h.cache[normalized] = prg
		h.mu.Unlock()
	}

	out, _, err := prg.Eval(map[string]interface{}{"state": state})
	if err != nil {
		return false, fmt.Errorf("cel evaluation error: %w", err)
	}
	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("cel expression %q did not return a boolean, got %T", expr, out.Value())
	}
	return result, nil
}

func (h *ConditionHandler) compile(expr string) (cel.Program, error) {
	env, err := cel.NewEnv(cel.Variable("state", cel.DynType))
	if err != nil {
		return nil, fmt.Errorf("cel env: %w", err)
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("cel compile %q: %w", expr, issues.Err())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("cel program %q: %w", expr, err)
	}
	return prg, nil
}
