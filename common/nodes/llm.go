package nodes

import (
	"context"
	"fmt"

	"github.com/skwuwu/workflow-core/common/coreerrors"
	"github.com/skwuwu/workflow-core/common/kernel"
	"github.com/skwuwu/workflow-core/common/partition"
)

// Completer is an LLM provider's completion call. No concrete
// implementation ships here: the example pack carries no LLM SDK
// dependency (out of scope per the purpose/scope non-goals), so the
// handler is wired against whatever provider client the deployment
// supplies, the same way kernel.BlobStore and idempotency.Store are
// injected rather than hardcoded.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// LLMHandler is the NodeHandler for "llm" nodes. The Segment Runner
// already injects self-heal advice into config["prompt"] before Handle is
// called (runner.go's InjectAdvice step), so this handler only has to
// invoke the provider and shape its response.
type LLMHandler struct {
	completer Completer
}

func NewLLMHandler(completer Completer) *LLMHandler {
	return &LLMHandler{completer: completer}
}

func (h *LLMHandler) Handle(ctx context.Context, node *partition.Node, config map[string]interface{}, state *kernel.Bag) (map[string]interface{}, error) {
	if h.completer == nil {
		return nil, coreerrors.New(coreerrors.KindDeterministicOperator,
			fmt.Sprintf("llm node %q has no completer configured", node.ID))
	}
	prompt, _ := config["prompt"].(string)
	if prompt == "" {
		return nil, coreerrors.New(coreerrors.KindValidation, fmt.Sprintf("llm node %q has no prompt", node.ID))
	}

	response, err := h.completer.Complete(ctx, prompt)
	if err != nil {
		return nil, coreerrors.Wrap(coreerrors.KindDeterministicOperator, fmt.Sprintf("llm node %q completion failed", node.ID), err)
	}
	return map[string]interface{}{"response": response}, nil
}
