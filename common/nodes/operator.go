// Package nodes implements the Segment Runner's NodeHandler contract for
// every partition.NodeType. Grounded on cmd/workflow-runner/worker/
// http_worker.go's outbound-call node and cmd/http-worker/security's SSRF
// guard, adapted from a Redis-stream-dispatched worker into an in-process
// segment.NodeHandler.
package nodes

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/skwuwu/workflow-core/common/clients"
	"github.com/skwuwu/workflow-core/common/coreerrors"
	"github.com/skwuwu/workflow-core/common/kernel"
	"github.com/skwuwu/workflow-core/common/partition"
	"github.com/skwuwu/workflow-core/common/security"
)

// OperatorHandler is the NodeHandler for "operator" nodes: an outbound HTTP
// call whose response becomes the node's output. Grounded on
// http_worker.go's dispatch, with cmd/http-worker/security's URLValidator
// run first on every call (SSRF/protocol/path guard), not just on
// caller-supplied config once at graph-save time.
type OperatorHandler struct {
	client    *clients.HTTPClient
	validator *security.URLValidator
}

func NewOperatorHandler(client *clients.HTTPClient) *OperatorHandler {
	return &OperatorHandler{client: client, validator: security.NewURLValidator()}
}

func (h *OperatorHandler) Handle(ctx context.Context, node *partition.Node, config map[string]interface{}, state *kernel.Bag) (map[string]interface{}, error) {
	url, _ := config["url"].(string)
	if url == "" {
		return nil, coreerrors.New(coreerrors.KindValidation, fmt.Sprintf("operator node %q has no url", node.ID))
	}
	if err := h.validator.Validate(url); err != nil {
		return nil, coreerrors.Wrap(coreerrors.KindValidation, fmt.Sprintf("operator node %q url rejected", node.ID), err)
	}

	method, _ := config["method"].(string)
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if payload, ok := config["body"]; ok {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal operator node %q body: %w", node.ID, err)
		}
		body = bytes.NewReader(data)
	}

	resp, err := h.client.DoRequest(ctx, strings.ToUpper(method), url, body)
	if err != nil {
		return nil, coreerrors.Wrap(coreerrors.KindDeterministicOperator, fmt.Sprintf("operator node %q request failed", node.ID), err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, coreerrors.Wrap(coreerrors.KindDeterministicOperator, fmt.Sprintf("operator node %q response read failed", node.ID), err)
	}

	output := map[string]interface{}{
		"status_code": resp.StatusCode,
		"fetched_at":  time.Now().UTC().Format(time.RFC3339),
	}
	var parsed interface{}
	if json.Unmarshal(respBody, &parsed) == nil {
		output["body"] = parsed
	} else {
		output["body"] = string(respBody)
	}

	if resp.StatusCode >= 500 {
		return output, coreerrors.New(coreerrors.KindDeterministicOperator,
			fmt.Sprintf("operator node %q upstream returned %d", node.ID, resp.StatusCode))
	}
	return output, nil
}
