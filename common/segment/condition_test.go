package segment

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/skwuwu/workflow-core/common/kernel"
	"github.com/skwuwu/workflow-core/common/partition"
)

func TestConditionHandlerRoutesOnTrue(t *testing.T) {
	h := NewConditionHandler()
	node := &partition.Node{ID: "c1", Type: partition.NodeRouteCondition}
	config := map[string]interface{}{
		"expression": "$.approved",
		"if_true":    "ship",
		"if_false":   "reject",
	}
	state := kernel.NewBag(map[string]interface{}{"approved": true})

	out, err := h.Handle(context.Background(), node, config, state)
	require.NoError(t, err)
	require.Equal(t, "ship", out["next_node"])
	require.Equal(t, true, out["result"])
	require.Equal(t, "ship", state.Raw()[kernel.KeyNextNode])
}

func TestConditionHandlerRoutesOnFalse(t *testing.T) {
	h := NewConditionHandler()
	node := &partition.Node{ID: "c1", Type: partition.NodeRouteCondition}
	config := map[string]interface{}{
		"expression": "$.approved",
		"if_true":    "ship",
		"if_false":   "reject",
	}
	state := kernel.NewBag(map[string]interface{}{"approved": false})

	out, err := h.Handle(context.Background(), node, config, state)
	require.NoError(t, err)
	require.Equal(t, "reject", out["next_node"])
	require.Equal(t, "reject", state.Raw()[kernel.KeyNextNode])
}

func TestConditionHandlerCachesCompiledExpression(t *testing.T) {
	h := NewConditionHandler()
	node := &partition.Node{ID: "c1", Type: partition.NodeRouteCondition}
	config := map[string]interface{}{
		"expression": "$.score > 0",
		"if_true":    "a",
		"if_false":   "b",
	}
	state := kernel.NewBag(map[string]interface{}{"score": 1})
	_, err := h.Handle(context.Background(), node, config, state)
	require.NoError(t, err)
	require.Len(t, h.cache, 1)

	_, err = h.Handle(context.Background(), node, config, state)
	require.NoError(t, err)
	require.Len(t, h.cache, 1)
}

func TestConditionHandlerRejectsMissingExpression(t *testing.T) {
	h := NewConditionHandler()
	node := &partition.Node{ID: "c1", Type: partition.NodeRouteCondition}
	state := kernel.NewBag(nil)

	_, err := h.Handle(context.Background(), node, map[string]interface{}{}, state)
	require.Error(t, err)
}
