package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/ziadkadry99/fixflow/internal/apperr"
)

// Export is a portable copy of one category. Connections reference nodes by
// their position in Nodes rather than by id.
type Export struct {
	Issue       ExportMeta         `json:"issue" yaml:"issue"`
	Nodes       []ExportNode       `json:"nodes" yaml:"nodes"`
	Connections []ExportConnection `json:"connections" yaml:"connections"`
}

// ExportMeta describes the category itself.
type ExportMeta struct {
	Name             string  `json:"name" yaml:"name"`
	Category         string  `json:"category" yaml:"category"`
	DisplayCategory  *string `json:"display_category,omitempty" yaml:"display_category,omitempty"`
	RootQuestionText string  `json:"root_question_text" yaml:"root_question_text"`
}

type ExportNode struct {
	Kind       NodeKind `json:"node_type" yaml:"node_type"`
	Text       string   `json:"text" yaml:"text"`
	SemanticID *string  `json:"semantic_id,omitempty" yaml:"semantic_id,omitempty"`
	PositionX  *float64 `json:"position_x,omitempty" yaml:"position_x,omitempty"`
	PositionY  *float64 `json:"position_y,omitempty" yaml:"position_y,omitempty"`
}

type ExportConnection struct {
	FromNodeIndex int    `json:"from_node_index" yaml:"from_node_index"`
	ToNodeIndex   int    `json:"to_node_index" yaml:"to_node_index"`
	Label         string `json:"label" yaml:"label"`
	OrderIndex    int    `json:"order_index" yaml:"order_index"`
}

// ImportResult reports the outcome of an import, one entry per category.
type ImportResult struct {
	Success []ImportSuccess `json:"success"`
	Errors  []ImportFailure `json:"errors"`
}

type ImportSuccess struct {
	Category         string `json:"category"`
	Name             string `json:"name"`
	NodesCount       int    `json:"nodes_count"`
	ConnectionsCount int    `json:"connections_count"`
}

type ImportFailure struct {
	Category string `json:"category"`
	Error    string `json:"error"`
}

// ExportCategory captures the active nodes of a category and the active
// connections between them.
func (s *Store) ExportCategory(ctx context.Context, category string) (*Export, error) {
	cat, err := s.GetCategory(ctx, category)
	if err != nil {
		return nil, err
	}
	root, err := s.GetNode(ctx, cat.RootNodeID)
	if err != nil {
		return nil, err
	}
	nodes, err := s.ListCategoryNodes(ctx, category)
	if err != nil {
		return nil, err
	}
	if !root.Active {
		// An inactive category still exports its full tree.
		nodes, err = s.listAllCategoryNodes(ctx, category)
		if err != nil {
			return nil, err
		}
	}

	index := make(map[string]int, len(nodes))
	ids := make([]string, 0, len(nodes))
	out := &Export{
		Issue: ExportMeta{
			Name:             cat.Name,
			Category:         category,
			DisplayCategory:  cat.DisplayCategory,
			RootQuestionText: root.Text,
		},
		Nodes:       make([]ExportNode, 0, len(nodes)),
		Connections: []ExportConnection{},
	}
	for i, n := range nodes {
		index[n.ID] = i
		ids = append(ids, n.ID)
		out.Nodes = append(out.Nodes, ExportNode{
			Kind:       n.Kind,
			Text:       n.Text,
			SemanticID: n.SemanticID,
			PositionX:  n.PositionX,
			PositionY:  n.PositionY,
		})
	}

	conns, err := s.ListEdgesFrom(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, c := range conns {
		from, okFrom := index[c.FromNodeID]
		to, okTo := index[c.ToNodeID]
		if !okFrom || !okTo {
			continue
		}
		out.Connections = append(out.Connections, ExportConnection{
			FromNodeIndex: from,
			ToNodeIndex:   to,
			Label:         c.Label,
			OrderIndex:    c.OrderIndex,
		})
	}
	return out, nil
}

func (s *Store) listAllCategoryNodes(ctx context.Context, category string) ([]Node, error) {
	nodes := []Node{}
	if err := s.db.SelectContext(ctx, &nodes,
		`SELECT `+nodeColumns+` FROM nodes WHERE category = ? ORDER BY created_at ASC, id ASC`, category); err != nil {
		return nil, apperr.Internal("listing category nodes", err)
	}
	return nodes, nil
}

// ExportAll exports every category. Categories that fail to export are
// skipped and reported through the returned failures.
func (s *Store) ExportAll(ctx context.Context) ([]Export, []ImportFailure, error) {
	cats, err := s.ListCategories(ctx)
	if err != nil {
		return nil, nil, err
	}
	exports := []Export{}
	var failures []ImportFailure
	for _, c := range cats {
		e, err := s.ExportCategory(ctx, c.Category)
		if err != nil {
			failures = append(failures, ImportFailure{Category: c.Category, Error: err.Error()})
			continue
		}
		exports = append(exports, *e)
	}
	return exports, failures, nil
}

// Import recreates each exported category in its own transaction. A
// category that already exists, or whose data is inconsistent, is reported
// as a failure without affecting the others. Imported nodes are active, and
// a category whose root carries "<category>_start" is linked from the
// global start node. The categories actually written are returned.
func (s *Store) Import(ctx context.Context, data []Export) (*ImportResult, []string) {
	result := &ImportResult{Success: []ImportSuccess{}, Errors: []ImportFailure{}}
	var imported []string

	for _, e := range data {
		n, c, err := s.importOne(ctx, e)
		if err != nil {
			result.Errors = append(result.Errors, ImportFailure{Category: e.Issue.Category, Error: err.Error()})
			continue
		}
		imported = append(imported, e.Issue.Category)
		result.Success = append(result.Success, ImportSuccess{
			Category:         e.Issue.Category,
			Name:             e.Issue.Name,
			NodesCount:       n,
			ConnectionsCount: c,
		})
	}
	return result, imported
}

func (s *Store) importOne(ctx context.Context, e Export) (int, int, error) {
	if e.Issue.Category == "" {
		return 0, 0, apperr.Validation("invalid import", apperr.FieldError{Field: "issue.category", Message: "category is required"})
	}
	if len(e.Nodes) == 0 {
		return 0, 0, apperr.Validation("invalid import", apperr.FieldError{Field: "nodes", Message: "issue must have at least one node"})
	}
	var fields []apperr.FieldError
	for i, n := range e.Nodes {
		if !n.Kind.Valid() {
			fields = append(fields, apperr.FieldError{
				Field:   fmt.Sprintf("nodes[%d].node_type", i),
				Message: fmt.Sprintf("invalid node_type %q: must be question or conclusion", n.Kind),
			})
		}
	}
	for i, c := range e.Connections {
		if c.FromNodeIndex < 0 || c.FromNodeIndex >= len(e.Nodes) || c.ToNodeIndex < 0 || c.ToNodeIndex >= len(e.Nodes) {
			fields = append(fields, apperr.FieldError{
				Field:   fmt.Sprintf("connections[%d]", i),
				Message: "node index out of bounds",
			})
		}
	}
	if len(fields) > 0 {
		return 0, 0, apperr.Validation("invalid import", fields...)
	}

	rootSemantic := StartSemanticID(e.Issue.Category)
	err := s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		var exists bool
		if err := tx.GetContext(ctx, &exists,
			`SELECT EXISTS(SELECT 1 FROM nodes WHERE category = ?)`, e.Issue.Category); err != nil {
			return apperr.Internal("checking category", err)
		}
		if exists {
			return apperr.Conflict("category %q already exists", e.Issue.Category)
		}

		now := time.Now().UTC()
		ids := make([]string, len(e.Nodes))
		rootID := ""
		for i, en := range e.Nodes {
			n := &Node{
				ID:              uuid.NewString(),
				Category:        e.Issue.Category,
				Kind:            en.Kind,
				Text:            en.Text,
				SemanticID:      en.SemanticID,
				DisplayCategory: e.Issue.DisplayCategory,
				PositionX:       en.PositionX,
				PositionY:       en.PositionY,
				Active:          true,
				// Preserve export order for creation-ordered listings.
				CreatedAt: now.Add(time.Duration(i) * time.Microsecond),
				UpdatedAt: now,
			}
			if err := insertNode(ctx, tx, n); err != nil {
				return err
			}
			ids[i] = n.ID
			if en.SemanticID != nil && *en.SemanticID == rootSemantic {
				rootID = n.ID
			}
		}

		for _, ec := range e.Connections {
			c := &Connection{
				ID:         uuid.NewString(),
				FromNodeID: ids[ec.FromNodeIndex],
				ToNodeID:   ids[ec.ToNodeIndex],
				Label:      ec.Label,
				OrderIndex: ec.OrderIndex,
				Active:     true,
				CreatedAt:  now,
				UpdatedAt:  now,
			}
			if err := insertConnection(ctx, tx, c); err != nil {
				return err
			}
		}

		if rootID == "" {
			return nil
		}
		start, err := getNodeBySemanticID(ctx, tx, GlobalStart)
		if apperr.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		var siblings int
		if err := tx.GetContext(ctx, &siblings,
			`SELECT COUNT(*) FROM connections WHERE from_node_id = ?`, start.ID); err != nil {
			return apperr.Internal("counting menu entries", err)
		}
		name := e.Issue.Name
		if name == "" {
			name = e.Issue.Category
		}
		return insertConnection(ctx, tx, &Connection{
			ID:         uuid.NewString(),
			FromNodeID: start.ID,
			ToNodeID:   rootID,
			Label:      name,
			OrderIndex: siblings,
			Active:     true,
			CreatedAt:  now,
			UpdatedAt:  now,
		})
	})
	if err != nil {
		return 0, 0, err
	}
	return len(e.Nodes), len(e.Connections), nil
}
