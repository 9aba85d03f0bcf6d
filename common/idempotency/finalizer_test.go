package idempotency

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

var errDescribeFailed = errors.New("describe execution failed")

type fakeDescriber struct {
	input  map[string]interface{}
	output map[string]interface{}
	err    error
}

func (d *fakeDescriber) DescribeExecution(ctx context.Context, executionID string) (map[string]interface{}, map[string]interface{}, error) {
	return d.input, d.output, d.err
}

func TestFinalizeEventSkipsNonTerminalStatus(t *testing.T) {
	s := newMemStore()
	err := FinalizeEvent(context.Background(), s, TerminalEvent{
		ExecutionID: "exec-1",
		Status:      "RUNNING",
		Input:       map[string]interface{}{"idempotency_key": "key-1"},
	}, nil)
	require.NoError(t, err)
	_, ok := s.records["key-1"]
	require.False(t, ok)
}

func TestFinalizeEventSkipsWhenNoIdempotencyKey(t *testing.T) {
	s := newMemStore()
	err := FinalizeEvent(context.Background(), s, TerminalEvent{
		ExecutionID: "exec-1",
		Status:      ExecutionSucceeded,
		Input:       map[string]interface{}{"other": "field"},
		Output:      map[string]interface{}{"result": "ok"},
	}, nil)
	require.NoError(t, err)
	require.Empty(t, s.records)
}

func TestFinalizeEventMarksSucceededAsCompletedWithOutput(t *testing.T) {
	s := newMemStore()
	err := FinalizeEvent(context.Background(), s, TerminalEvent{
		ExecutionID: "exec-1",
		Status:      ExecutionSucceeded,
		Input:       map[string]interface{}{"idempotency_key": "key-1"},
		Output:      map[string]interface{}{"result": "ok"},
		StopDate:    "2026-01-01T00:00:00Z",
	}, nil)
	require.NoError(t, err)
	rec := s.records["key-1"]
	require.Equal(t, StatusCompleted, rec.Status)
	require.Equal(t, "ok", rec.Output["result"])
}

func TestFinalizeEventMarksFailedWithError(t *testing.T) {
	s := newMemStore()
	err := FinalizeEvent(context.Background(), s, TerminalEvent{
		ExecutionID: "exec-1",
		Status:      ExecutionFailed,
		Input:       map[string]interface{}{"idempotency_key": "key-1"},
		Error:       "States.Timeout",
	}, nil)
	require.NoError(t, err)
	rec := s.records["key-1"]
	require.Equal(t, StatusFailed, rec.Status)
	require.Equal(t, "States.Timeout", rec.Error)
}

func TestFinalizeEventRefetchesTruncatedPayload(t *testing.T) {
	s := newMemStore()
	describer := &fakeDescriber{
		input:  map[string]interface{}{"idempotency_key": "key-1"},
		output: map[string]interface{}{"result": "ok"},
	}
	err := FinalizeEvent(context.Background(), s, TerminalEvent{
		ExecutionID: "exec-1",
		Status:      ExecutionSucceeded,
	}, describer)
	require.NoError(t, err)
	rec := s.records["key-1"]
	require.Equal(t, StatusCompleted, rec.Status)
	require.Equal(t, "ok", rec.Output["result"])
}

func TestFinalizeEventPropagatesDescribeError(t *testing.T) {
	s := newMemStore()
	describer := &fakeDescriber{err: errDescribeFailed}
	err := FinalizeEvent(context.Background(), s, TerminalEvent{
		ExecutionID: "exec-1",
		Status:      ExecutionSucceeded,
	}, describer)
	require.Error(t, err)
	require.Empty(t, s.records)
}
