// Package execution implements the execution record: the row an owner's
// Submit/Status/history/stop/delete/list calls actually read and write,
// created on submit and mutated by the driver at terminal state. Grounded
// on common/repository/run.go's pgx repository shape (context-first
// methods, typed query errors), generalized from the run/tag/artifact
// domain to the execution_arn/owner_id/workflow_id/status record spec.md
// §4.3 names.
package execution

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/skwuwu/workflow-core/common/db"
)

// Status mirrors the Orchestrator Driver's terminal and in-flight states,
// plus the two a row can sit in before the driver ever runs a segment.
type Status string

const (
	StatusRunning         Status = "RUNNING"
	StatusSucceeded       Status = "SUCCEEDED"
	StatusFailed          Status = "FAILED"
	StatusPausedForHITP   Status = "PAUSED_FOR_HITP"
	StatusWaitingAsyncChild Status = "WAITING_ASYNC_CHILD"
	StatusAborted         Status = "ABORTED"
)

// Record is one execution row, matching spec's execution record shape.
type Record struct {
	ExecutionID      string                 `json:"execution_arn"`
	OwnerID          string                 `json:"owner_id"`
	WorkflowID       string                 `json:"workflow_id"`
	Status           Status                 `json:"status"`
	StartDate        time.Time              `json:"start_date"`
	StopDate         *time.Time             `json:"stop_date,omitempty"`
	Input            map[string]interface{} `json:"input,omitempty"`
	Output           map[string]interface{} `json:"output,omitempty"`
	CurrentManifestID string                `json:"current_manifest_id,omitempty"`
	IdempotencyKey   string                 `json:"idempotency_key,omitempty"`
	Error            string                 `json:"error,omitempty"`
}

// ErrNotFound is returned by Get/Stop/Delete when no row matches, or when
// a row matches but its owner_id differs from the caller's — callers map
// both to HTTP 404, never 403, to avoid leaking cross-tenant existence.
var ErrNotFound = fmt.Errorf("execution not found")

// Store persists execution records.
type Store interface {
	Create(ctx context.Context, rec *Record) error
	Get(ctx context.Context, executionID, ownerID string) (*Record, error)
	// GetByID loads a record with no owner check, for the driver's own
	// terminal-event finalizer (idempotency.ExecutionDescriber), which
	// runs as an internal callback rather than an owner-scoped request.
	GetByID(ctx context.Context, executionID string) (*Record, error)
	UpdateTerminal(ctx context.Context, executionID string, status Status, output map[string]interface{}, errMsg string) error
	UpdateManifest(ctx context.Context, executionID, manifestID string, status Status) error
	// Stop transitions status to ABORTED only if the current status is
	// RUNNING, mirroring the conditional-update that prevents a double
	// stop racing a natural completion.
	Stop(ctx context.Context, executionID, ownerID string) error
	Delete(ctx context.Context, executionID, ownerID string) error
	ListByOwner(ctx context.Context, ownerID string, limit int) ([]*Record, error)
}

// PgStore is the pgx-backed Store.
type PgStore struct {
	db *db.DB
}

func NewPgStore(database *db.DB) *PgStore {
	return &PgStore{db: database}
}

func (s *PgStore) Create(ctx context.Context, rec *Record) error {
	inputJSON, err := json.Marshal(rec.Input)
	if err != nil {
		return fmt.Errorf("marshal input: %w", err)
	}
	query := `
		INSERT INTO execution (execution_id, owner_id, workflow_id, status, start_date,
			input, idempotency_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err = s.db.Exec(ctx, query, rec.ExecutionID, rec.OwnerID, rec.WorkflowID, rec.Status,
		rec.StartDate, inputJSON, nullableString(rec.IdempotencyKey))
	if err != nil {
		return fmt.Errorf("failed to create execution: %w", err)
	}
	return nil
}

func (s *PgStore) Get(ctx context.Context, executionID, ownerID string) (*Record, error) {
	query := `
		SELECT execution_id, owner_id, workflow_id, status, start_date, stop_date,
			input, output, current_manifest_id, idempotency_key, error
		FROM execution WHERE execution_id = $1
	`
	rec, err := s.scanRow(s.db.QueryRow(ctx, query, executionID))
	if err != nil {
		return nil, err
	}
	if rec.OwnerID != ownerID {
		return nil, ErrNotFound
	}
	return rec, nil
}

func (s *PgStore) GetByID(ctx context.Context, executionID string) (*Record, error) {
	query := `
		SELECT execution_id, owner_id, workflow_id, status, start_date, stop_date,
			input, output, current_manifest_id, idempotency_key, error
		FROM execution WHERE execution_id = $1
	`
	return s.scanRow(s.db.QueryRow(ctx, query, executionID))
}

func (s *PgStore) UpdateTerminal(ctx context.Context, executionID string, status Status, output map[string]interface{}, errMsg string) error {
	outputJSON, err := json.Marshal(output)
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	query := `
		UPDATE execution SET status = $2, stop_date = $3, output = $4, error = $5
		WHERE execution_id = $1
	`
	_, err = s.db.Exec(ctx, query, executionID, status, time.Now().UTC(), outputJSON, nullableString(errMsg))
	if err != nil {
		return fmt.Errorf("failed to finalize execution: %w", err)
	}
	return nil
}

func (s *PgStore) UpdateManifest(ctx context.Context, executionID, manifestID string, status Status) error {
	query := `UPDATE execution SET current_manifest_id = $2, status = $3 WHERE execution_id = $1`
	_, err := s.db.Exec(ctx, query, executionID, manifestID, status)
	if err != nil {
		return fmt.Errorf("failed to update execution manifest: %w", err)
	}
	return nil
}

func (s *PgStore) Stop(ctx context.Context, executionID, ownerID string) error {
	query := `
		UPDATE execution SET status = $3, stop_date = $4
		WHERE execution_id = $1 AND owner_id = $2 AND status = $5
	`
	tag, err := s.db.Exec(ctx, query, executionID, ownerID, StatusAborted, time.Now().UTC(), StatusRunning)
	if err != nil {
		return fmt.Errorf("failed to stop execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PgStore) Delete(ctx context.Context, executionID, ownerID string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM execution WHERE execution_id = $1 AND owner_id = $2`, executionID, ownerID)
	if err != nil {
		return fmt.Errorf("failed to delete execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PgStore) ListByOwner(ctx context.Context, ownerID string, limit int) ([]*Record, error) {
	query := `
		SELECT execution_id, owner_id, workflow_id, status, start_date, stop_date,
			input, output, current_manifest_id, idempotency_key, error
		FROM execution WHERE owner_id = $1 ORDER BY start_date DESC LIMIT $2
	`
	rows, err := s.db.Query(ctx, query, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := s.scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *PgStore) scanRow(row rowScanner) (*Record, error) {
	var rec Record
	var stopDate *time.Time
	var inputJSON, outputJSON []byte
	var manifestID, idempotencyKey, errMsg *string

	if err := row.Scan(&rec.ExecutionID, &rec.OwnerID, &rec.WorkflowID, &rec.Status, &rec.StartDate,
		&stopDate, &inputJSON, &outputJSON, &manifestID, &idempotencyKey, &errMsg); err != nil {
		return nil, fmt.Errorf("failed to load execution: %w", err)
	}
	rec.StopDate = stopDate
	if manifestID != nil {
		rec.CurrentManifestID = *manifestID
	}
	if idempotencyKey != nil {
		rec.IdempotencyKey = *idempotencyKey
	}
	if errMsg != nil {
		rec.Error = *errMsg
	}
	if len(inputJSON) > 0 {
		if err := json.Unmarshal(inputJSON, &rec.Input); err != nil {
			return nil, fmt.Errorf("unmarshal input: %w", err)
		}
	}
	if len(outputJSON) > 0 {
		if err := json.Unmarshal(outputJSON, &rec.Output); err != nil {
			return nil, fmt.Errorf("unmarshal output: %w", err)
		}
	}
	return &rec, nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
