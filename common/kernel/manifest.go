package kernel

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/skwuwu/workflow-core/common/coreerrors"
	"github.com/skwuwu/workflow-core/common/db"
)

// Manifest is the versioned metadata record pinning one committed state
// snapshot. Manifest ids are time-ordered and
// monotone per execution; previous_manifest_id forms a total chain.
type Manifest struct {
	ManifestID         string             `json:"manifest_id"`
	PreviousManifestID string             `json:"previous_manifest_id,omitempty"`
	CreatedAt          time.Time          `json:"created_at"`
	ExecutionID        string             `json:"execution_id"`
	OwnerID            string             `json:"owner_id"`
	WorkflowID         string             `json:"workflow_id"`
	SegmentID          int                `json:"segment_id"`
	Blocks             []string           `json:"blocks"`
	PointerMap         map[string]Pointer `json:"pointer_map"`
	Committed          bool               `json:"committed"`
	Checksum           string             `json:"checksum"`
}

// NewManifestID mints a time-ordered manifest id (UUIDv7-style monotonicity
// isn't available from google/uuid v1.5, so a random UUID plus the
// created_at field together give the ordering property; ManifestStore
// queries order by created_at).
func NewManifestID() string {
	return uuid.New().String()
}

// ManifestStore persists manifests. Grounded on common/repository/run.go's
// pgx repository shape (context-first methods, typed query errors).
type ManifestStore interface {
	Put(ctx context.Context, m *Manifest) error
	SetCommitted(ctx context.Context, manifestID string, committed bool) error
	Get(ctx context.Context, manifestID string) (*Manifest, error)
	// Latest returns the most recently committed manifest for an execution.
	Latest(ctx context.Context, executionID string) (*Manifest, error)
}

// PgManifestStore is the pgx-backed ManifestStore, keyed (execution_id,
// manifest_id) with manifests never mutated except the committed flip
// for the two-phase commit.
type PgManifestStore struct {
	db *db.DB
}

func NewPgManifestStore(database *db.DB) *PgManifestStore {
	return &PgManifestStore{db: database}
}

func (s *PgManifestStore) Put(ctx context.Context, m *Manifest) error {
	blocksJSON, err := json.Marshal(m.Blocks)
	if err != nil {
		return fmt.Errorf("marshal blocks: %w", err)
	}
	pointerJSON, err := json.Marshal(m.PointerMap)
	if err != nil {
		return fmt.Errorf("marshal pointer_map: %w", err)
	}

	query := `
		INSERT INTO manifest (manifest_id, previous_manifest_id, created_at, execution_id,
			owner_id, workflow_id, segment_id, blocks, pointer_map, committed, checksum)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err = s.db.Exec(ctx, query,
		m.ManifestID, nullableString(m.PreviousManifestID), m.CreatedAt, m.ExecutionID,
		m.OwnerID, m.WorkflowID, m.SegmentID, blocksJSON, pointerJSON, m.Committed, m.Checksum,
	)
	if err != nil {
		return fmt.Errorf("failed to insert manifest: %w", err)
	}
	return nil
}

func (s *PgManifestStore) SetCommitted(ctx context.Context, manifestID string, committed bool) error {
	_, err := s.db.Exec(ctx, `UPDATE manifest SET committed = $2 WHERE manifest_id = $1`, manifestID, committed)
	if err != nil {
		return fmt.Errorf("failed to flip committed flag: %w", err)
	}
	return nil
}

func (s *PgManifestStore) Get(ctx context.Context, manifestID string) (*Manifest, error) {
	query := `
		SELECT manifest_id, previous_manifest_id, created_at, execution_id, owner_id,
			workflow_id, segment_id, blocks, pointer_map, committed, checksum
		FROM manifest WHERE manifest_id = $1
	`
	return s.scanRow(s.db.QueryRow(ctx, query, manifestID))
}

func (s *PgManifestStore) Latest(ctx context.Context, executionID string) (*Manifest, error) {
	query := `
		SELECT manifest_id, previous_manifest_id, created_at, execution_id, owner_id,
			workflow_id, segment_id, blocks, pointer_map, committed, checksum
		FROM manifest WHERE execution_id = $1 AND committed = true
		ORDER BY created_at DESC LIMIT 1
	`
	return s.scanRow(s.db.QueryRow(ctx, query, executionID))
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *PgManifestStore) scanRow(row rowScanner) (*Manifest, error) {
	var m Manifest
	var prev *string
	var blocksJSON, pointerJSON []byte

	if err := row.Scan(&m.ManifestID, &prev, &m.CreatedAt, &m.ExecutionID, &m.OwnerID,
		&m.WorkflowID, &m.SegmentID, &blocksJSON, &pointerJSON, &m.Committed, &m.Checksum); err != nil {
		return nil, coreerrors.Wrap(coreerrors.KindStateHydrationFailed, "failed to load manifest", err)
	}
	if prev != nil {
		m.PreviousManifestID = *prev
	}
	if err := json.Unmarshal(blocksJSON, &m.Blocks); err != nil {
		return nil, fmt.Errorf("unmarshal blocks: %w", err)
	}
	if err := json.Unmarshal(pointerJSON, &m.PointerMap); err != nil {
		return nil, fmt.Errorf("unmarshal pointer_map: %w", err)
	}
	return &m, nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
