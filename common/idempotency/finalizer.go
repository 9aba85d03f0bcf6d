package idempotency

import (
	"context"
	"fmt"
)

// ExecutionStatus is the terminal-or-not status an execution's owning
// driver reports on completion, mirroring the Step Functions "Execution
// Status Change" EventBridge detail finalizer.py consumes.
type ExecutionStatus string

const (
	ExecutionSucceeded ExecutionStatus = "SUCCEEDED"
	ExecutionFailed    ExecutionStatus = "FAILED"
	ExecutionTimedOut  ExecutionStatus = "TIMED_OUT"
	ExecutionAborted   ExecutionStatus = "ABORTED"
)

func isTerminal(status ExecutionStatus) bool {
	switch status {
	case ExecutionSucceeded, ExecutionFailed, ExecutionTimedOut, ExecutionAborted:
		return true
	default:
		return false
	}
}

// TerminalEvent is one execution-status-change notification the finalizer
// reacts to. Input/Output may be nil when the event envelope truncated
// them (finalizer.py's EventBridge truncation case).
type TerminalEvent struct {
	ExecutionID string
	Status      ExecutionStatus
	Input       map[string]interface{}
	Output      map[string]interface{}
	Error       string
	StopDate    string
}

// ExecutionDescriber refetches an execution's input/output when the event
// envelope omits them, mirroring finalizer.py's describe_execution
// fallback for EventBridge's payload-size truncation.
type ExecutionDescriber interface {
	DescribeExecution(ctx context.Context, executionID string) (input, output map[string]interface{}, err error)
}

// FinalizeEvent applies one terminal execution event to store, refetching
// input/output via describer first when the event omits them. Non-terminal
// statuses and events with no recoverable idempotency_key are silently
// skipped, matching finalizer.py's early returns rather than erroring on
// them (a workflow started with no idempotency key was never meant to be
// deduplicated, so there is nothing to finalize).
func FinalizeEvent(ctx context.Context, store Store, event TerminalEvent, describer ExecutionDescriber) error {
	if !isTerminal(event.Status) {
		return nil
	}

	input := event.Input
	output := event.Output
	needsRefetch := len(input) == 0 || (event.Status == ExecutionSucceeded && len(output) == 0)
	if needsRefetch && describer != nil {
		refetchedInput, refetchedOutput, err := describer.DescribeExecution(ctx, event.ExecutionID)
		if err != nil {
			return fmt.Errorf("describe execution %s: %w", event.ExecutionID, err)
		}
		if len(input) == 0 {
			input = refetchedInput
		}
		if event.Status == ExecutionSucceeded && len(output) == 0 {
			output = refetchedOutput
		}
	}

	key, ok := ExtractKey(input)
	if !ok {
		return nil
	}

	status := StatusFailed
	if event.Status == ExecutionSucceeded {
		status = StatusCompleted
	}

	return store.Finalize(ctx, key, event.ExecutionID, status, output, event.Error, event.StopDate)
}
