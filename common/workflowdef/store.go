// Package workflowdef loads a compiled partition.Workflow by workflow_id.
// CRUD endpoints for authoring workflow definitions are an explicit
// external collaborator (the designer/co-design UI), so this package is
// read-only: it resolves the id the Submit API receives into the graph
// the Partitioner cuts into segments. Grounded on
// common/kernel/manifest.go's pgx repository shape.
package workflowdef

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/skwuwu/workflow-core/common/coreerrors"
	"github.com/skwuwu/workflow-core/common/db"
	"github.com/skwuwu/workflow-core/common/partition"
)

// definition is the wire shape a workflow definition is authored and
// stored as; it decodes directly into partition.Workflow's unexported-tag
// fields.
type definition struct {
	ID         string            `json:"id"`
	Nodes      []*partition.Node `json:"nodes"`
	Edges      []*partition.Edge `json:"edges"`
	EntryNodes []string          `json:"entry_nodes,omitempty"`
}

func (d *definition) toWorkflow() *partition.Workflow {
	nodes := make(map[string]*partition.Node, len(d.Nodes))
	for _, n := range d.Nodes {
		nodes[n.ID] = n
	}
	return &partition.Workflow{
		ID:         d.ID,
		Nodes:      nodes,
		Edges:      d.Edges,
		EntryNodes: d.EntryNodes,
	}
}

// Store resolves a workflow_id (scoped to its owner) to a compiled graph.
type Store interface {
	Get(ctx context.Context, workflowID, ownerID string) (*partition.Workflow, error)
}

// PgStore is the pgx-backed Store. The authoring surface (create/update
// the stored JSON this decodes) lives outside this repository.
type PgStore struct {
	db *db.DB
}

func NewPgStore(database *db.DB) *PgStore {
	return &PgStore{db: database}
}

func (s *PgStore) Get(ctx context.Context, workflowID, ownerID string) (*partition.Workflow, error) {
	var raw []byte
	err := s.db.QueryRow(ctx,
		`SELECT definition FROM workflow_definition WHERE workflow_id = $1 AND owner_id = $2`,
		workflowID, ownerID,
	).Scan(&raw)
	if err != nil {
		return nil, coreerrors.Wrap(coreerrors.KindValidation, fmt.Sprintf("workflow %q not found", workflowID), err)
	}

	var def definition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, coreerrors.Wrap(coreerrors.KindValidation, "failed to decode workflow definition", err)
	}
	def.ID = workflowID
	return def.toWorkflow(), nil
}
