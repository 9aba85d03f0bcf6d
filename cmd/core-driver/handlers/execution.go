// Package handlers implements the Orchestrator Driver's external HTTP
// surface (§6): Submit, Status, history, stop, delete, list, and the HITP
// decision callback. Grounded on cmd/orchestrator/handlers/run.go's
// handler-struct-holds-dependencies shape and JSON response style.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/skwuwu/workflow-core/cmd/core-driver/container"
	coredriver "github.com/skwuwu/workflow-core/cmd/core-driver/middleware"
	"github.com/skwuwu/workflow-core/common/driver"
	"github.com/skwuwu/workflow-core/common/execution"
	"github.com/skwuwu/workflow-core/common/idempotency"
	"github.com/skwuwu/workflow-core/common/kernel"
	"github.com/skwuwu/workflow-core/common/partition"
)

const defaultListLimit = 50

// ExecutionHandler holds every dependency the execution-lifecycle routes
// need, constructed once from the container.
type ExecutionHandler struct {
	c *container.Container
}

func NewExecutionHandler(c *container.Container) *ExecutionHandler {
	return &ExecutionHandler{c: c}
}

type submitRequest struct {
	WorkflowID     string                 `json:"workflow_id"`
	InitialState   map[string]interface{} `json:"initial_state"`
	IdempotencyKey string                 `json:"idempotency_key,omitempty"`
}

// Submit handles POST /executions: claims an idempotency key (if any),
// loads the workflow definition, creates the execution record, and kicks
// the Orchestrator Driver off in the background, returning as soon as the
// caller owns a slot rather than waiting for the execution to finish or
// suspend. Owner extraction is strictly the authenticated subject set by
// ExtractOwnerID — the request body carries no owner field, so a
// query-string or body-supplied owner id is never read.
func (h *ExecutionHandler) Submit(c echo.Context) error {
	ownerID := coredriver.GetOwnerID(c)
	if ownerID == "" {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "missing authenticated owner"})
	}

	var req submitRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.WorkflowID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "workflow_id is required"})
	}

	ctx := c.Request().Context()
	executionID := uuid.New().String()

	if req.IdempotencyKey != "" {
		claim, err := h.c.Idempotency.Claim(ctx, req.IdempotencyKey, executionID)
		if err != nil {
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "idempotency claim failed"})
		}
		if !claim.Claimed {
			return c.JSON(http.StatusOK, map[string]interface{}{
				"execution_arn": claim.ExistingExecutionID,
				"status":        claim.ExistingStatus,
			})
		}
	}

	wf, err := h.c.Workflows.Get(ctx, req.WorkflowID, ownerID)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "unknown workflow_id"})
	}

	entries := partition.EntryNodes(wf)
	if len(entries) == 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "workflow has no entry node"})
	}

	rec := &execution.Record{
		ExecutionID:    executionID,
		OwnerID:        ownerID,
		WorkflowID:     req.WorkflowID,
		Status:         execution.StatusRunning,
		StartDate:      time.Now().UTC(),
		Input:          req.InitialState,
		IdempotencyKey: req.IdempotencyKey,
	}
	if err := h.c.Executions.Create(ctx, rec); err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to create execution"})
	}

	sctx := kernel.SyncContext{ExecutionID: executionID, OwnerID: ownerID, WorkflowID: req.WorkflowID}
	state := kernel.NewBag(req.InitialState).WithDefaults()

	go h.drive(context.Background(), wf, sctx, state, entries[0])

	return c.JSON(http.StatusOK, map[string]interface{}{
		"execution_arn": executionID,
		"status":        execution.StatusRunning,
	})
}

// drive walks wf from startNode to its next suspension point or to
// completion, persisting the outcome and publishing a Progress Notifier
// event. Runs detached from the request that started it — an execution
// outlives the HTTP call that submitted it.
func (h *ExecutionHandler) drive(ctx context.Context, wf *partition.Workflow, sctx kernel.SyncContext, state *kernel.Bag, startNode string) {
	result := h.c.Driver.Run(ctx, wf, sctx, state, startNode, partition.RingKernel)

	var status execution.Status
	var output map[string]interface{}
	var errMsg string

	switch result.Status {
	case driver.StatusCompleted:
		status = execution.StatusSucceeded
		if result.FinalState != nil {
			output = result.FinalState.Raw()
		}
	case driver.StatusPausedForHITP:
		status = execution.StatusPausedForHITP
	case driver.StatusWaitingAsyncChild:
		status = execution.StatusWaitingAsyncChild
	default:
		status = execution.StatusFailed
		if result.Err != nil {
			errMsg = result.Err.Error()
		}
	}

	manifestID := result.ManifestID
	if manifestID != "" {
		if err := h.c.Executions.UpdateManifest(ctx, sctx.ExecutionID, manifestID, status); err != nil && h.c.Components.Logger != nil {
			h.c.Components.Logger.Error("failed to persist execution manifest", "execution_id", sctx.ExecutionID, "error", err)
		}
	}

	terminal := status == execution.StatusSucceeded || status == execution.StatusFailed
	if terminal {
		if err := h.c.Executions.UpdateTerminal(ctx, sctx.ExecutionID, status, output, errMsg); err != nil && h.c.Components.Logger != nil {
			h.c.Components.Logger.Error("failed to finalize execution", "execution_id", sctx.ExecutionID, "error", err)
		}
		h.finalizeIdempotency(ctx, sctx.ExecutionID, status, output, errMsg)
	}

	h.publish(sctx.OwnerID, sctx.ExecutionID, status)
}

func (h *ExecutionHandler) finalizeIdempotency(ctx context.Context, executionID string, status execution.Status, output map[string]interface{}, errMsg string) {
	evtStatus := idempotency.ExecutionFailed
	if status == execution.StatusSucceeded {
		evtStatus = idempotency.ExecutionSucceeded
	}
	event := idempotency.TerminalEvent{
		ExecutionID: executionID,
		Status:      evtStatus,
		Output:      output,
		Error:       errMsg,
		StopDate:    time.Now().UTC().Format(time.RFC3339),
	}
	if err := idempotency.FinalizeEvent(ctx, h.c.Idempotency, event, executionDescriber{h.c.Executions}); err != nil && h.c.Components.Logger != nil {
		h.c.Components.Logger.Error("failed to finalize idempotency record", "execution_id", executionID, "error", err)
	}
}

func (h *ExecutionHandler) publish(ownerID, executionID string, status execution.Status) {
	if h.c.Hub == nil {
		return
	}
	payload := []byte(`{"execution_arn":"` + executionID + `","status":"` + string(status) + `"}`)
	h.c.Hub.Publish(ownerID, payload)
}

// executionDescriber adapts execution.Store to idempotency.ExecutionDescriber
// for the terminal-event finalizer's refetch fallback.
type executionDescriber struct {
	store execution.Store
}

func (d executionDescriber) DescribeExecution(ctx context.Context, executionID string) (map[string]interface{}, map[string]interface{}, error) {
	rec, err := d.store.GetByID(ctx, executionID)
	if err != nil {
		return nil, nil, err
	}
	return rec.Input, rec.Output, nil
}

// Status handles GET /executions/:id.
func (h *ExecutionHandler) Status(c echo.Context) error {
	ownerID := coredriver.GetOwnerID(c)
	executionID := c.Param("id")

	rec, err := h.c.Executions.Get(c.Request().Context(), executionID, ownerID)
	if err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "execution not found"})
	}
	return c.JSON(http.StatusOK, rec)
}

// History handles GET /executions/:id/history: the bounded
// step_function_state the execution record carries inline, read back out
// of its current manifest's state bag.
func (h *ExecutionHandler) History(c echo.Context) error {
	ownerID := coredriver.GetOwnerID(c)
	executionID := c.Param("id")
	ctx := c.Request().Context()

	rec, err := h.c.Executions.Get(ctx, executionID, ownerID)
	if err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "execution not found"})
	}
	if rec.CurrentManifestID == "" {
		return c.JSON(http.StatusOK, map[string]interface{}{"history": []interface{}{}})
	}

	state, _, err := h.c.Kernel.Hydrate(ctx, rec.CurrentManifestID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to hydrate execution state"})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"history": state.Get(kernel.KeyStateHistory, []interface{}{}),
	})
}

// Stop handles POST /executions/:id/stop: aborts only a RUNNING execution,
// atomically, to avoid racing its own natural completion.
func (h *ExecutionHandler) Stop(c echo.Context) error {
	ownerID := coredriver.GetOwnerID(c)
	executionID := c.Param("id")

	if err := h.c.Executions.Stop(c.Request().Context(), executionID, ownerID); err != nil {
		if err == execution.ErrNotFound {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "execution not found"})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to stop execution"})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"execution_arn": executionID, "status": execution.StatusAborted})
}

// Delete handles DELETE /executions/:id.
func (h *ExecutionHandler) Delete(c echo.Context) error {
	ownerID := coredriver.GetOwnerID(c)
	executionID := c.Param("id")

	if err := h.c.Executions.Delete(c.Request().Context(), executionID, ownerID); err != nil {
		if err == execution.ErrNotFound {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "execution not found"})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to delete execution"})
	}
	return c.NoContent(http.StatusNoContent)
}

// List handles GET /executions.
func (h *ExecutionHandler) List(c echo.Context) error {
	ownerID := coredriver.GetOwnerID(c)
	recs, err := h.c.Executions.ListByOwner(c.Request().Context(), ownerID, defaultListLimit)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to list executions"})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"executions": recs})
}

type hitpCallbackRequest struct {
	Decision string                   `json:"decision"` // "approve" | "reject"
	Patch    []map[string]interface{} `json:"patch,omitempty"`
}

// HITPCallback handles POST /executions/:id/hitp: resumes an execution
// paused at a NodeHITP boundary. An approve decision merges the reviewer's
// JSON Patch (RFC 6902) into the hydrated state before resuming; reject
// fails the execution without resuming it. The patch is validated against
// the same structural/business-rule checks authoring a workflow patch
// goes through before it is ever applied as a state mutation.
func (h *ExecutionHandler) HITPCallback(c echo.Context) error {
	ownerID := coredriver.GetOwnerID(c)
	executionID := c.Param("id")
	ctx := c.Request().Context()

	var req hitpCallbackRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	token, err := h.c.HITP.Get(ctx, executionID)
	if err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "no pending HITP token for execution"})
	}
	if token.OwnerID != ownerID {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "no pending HITP token for execution"})
	}

	rec, err := h.c.Executions.Get(ctx, executionID, ownerID)
	if err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "execution not found"})
	}

	if req.Decision != "approve" {
		if uerr := h.c.Executions.UpdateTerminal(ctx, executionID, execution.StatusFailed, nil, "rejected at human-in-the-loop checkpoint"); uerr != nil && h.c.Components.Logger != nil {
			h.c.Components.Logger.Error("failed to finalize rejected execution", "execution_id", executionID, "error", uerr)
		}
		h.finalizeIdempotency(ctx, executionID, execution.StatusFailed, nil, "rejected at human-in-the-loop checkpoint")
		h.c.HITP.Delete(ctx, executionID)
		return c.JSON(http.StatusOK, map[string]interface{}{"execution_arn": executionID, "status": execution.StatusFailed})
	}

	state, _, err := h.c.Kernel.Hydrate(ctx, token.ManifestID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to hydrate execution state"})
	}

	if len(req.Patch) > 0 {
		if err := h.c.PatchValidator.ValidateOperations(req.Patch); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
		}
		merged, err := applyDecisionPatch(state.Raw(), req.Patch)
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "failed to apply decision patch"})
		}
		state = kernel.NewBag(merged)
	}

	wf, err := h.c.Workflows.Get(ctx, rec.WorkflowID, ownerID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to load workflow definition"})
	}

	h.c.HITP.Delete(ctx, executionID)

	sctx := kernel.SyncContext{ExecutionID: executionID, OwnerID: ownerID, WorkflowID: rec.WorkflowID}
	go h.drive(context.Background(), wf, sctx, state, token.NodeID)

	return c.JSON(http.StatusOK, map[string]interface{}{"execution_arn": executionID, "status": execution.StatusRunning})
}

// applyDecisionPatch applies a reviewer's RFC 6902 patch to the hydrated
// state bag via evanphx/json-patch, re-homed here from
// cmd/orchestrator/service/materializer.go's applyPatch now that this is
// the only place a JSON Patch document is ever applied to live state.
func applyDecisionPatch(base map[string]interface{}, ops []map[string]interface{}) (map[string]interface{}, error) {
	baseJSON, err := json.Marshal(base)
	if err != nil {
		return nil, err
	}
	patchJSON, err := json.Marshal(ops)
	if err != nil {
		return nil, err
	}

	patch, err := jsonpatch.DecodePatch(patchJSON)
	if err != nil {
		return nil, err
	}
	merged, err := patch.Apply(baseJSON)
	if err != nil {
		return nil, err
	}

	var out map[string]interface{}
	if err := json.Unmarshal(merged, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// WebSocket handles GET /executions/ws, upgrading the connection to the
// Progress Notifier's push channel for the authenticated owner.
func (h *ExecutionHandler) WebSocket(c echo.Context) error {
	h.c.Notify.HandleWebSocket(c.Response(), c.Request())
	return nil
}
