// Package graph is the persistence layer for the decision graph: nodes,
// the labelled connections between them, and the categories they form.
package graph

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/ziadkadry99/fixflow/internal/apperr"
	"github.com/ziadkadry99/fixflow/internal/db"
)

const nodeColumns = `id, category, node_type, text, semantic_id, display_category, position_x, position_y, is_active, created_at, updated_at`

const connectionColumns = `id, from_node_id, to_node_id, label, order_index, is_active, created_at, updated_at`

// Store reads and writes the decision graph.
type Store struct {
	db *db.DB
}

// NewStore creates a graph store backed by the given database.
func NewStore(d *db.DB) *Store {
	return &Store{db: d}
}

// DB returns the underlying database handle.
func (s *Store) DB() *db.DB { return s.db }

// GetNode returns the node with the given id, active or not.
func (s *Store) GetNode(ctx context.Context, id string) (*Node, error) {
	return getNode(ctx, s.db, id)
}

func getNode(ctx context.Context, q sqlx.QueryerContext, id string) (*Node, error) {
	var n Node
	err := sqlx.GetContext(ctx, q, &n, `SELECT `+nodeColumns+` FROM nodes WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("node %s not found", id)
	}
	if err != nil {
		return nil, apperr.Internal("getting node", err)
	}
	return &n, nil
}

// GetNodeBySemanticID returns the node carrying the given semantic id.
func (s *Store) GetNodeBySemanticID(ctx context.Context, semanticID string) (*Node, error) {
	return getNodeBySemanticID(ctx, s.db, semanticID)
}

func getNodeBySemanticID(ctx context.Context, q sqlx.QueryerContext, semanticID string) (*Node, error) {
	var n Node
	err := sqlx.GetContext(ctx, q, &n, `SELECT `+nodeColumns+` FROM nodes WHERE semantic_id = ?`, semanticID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("node %q not found", semanticID)
	}
	if err != nil {
		return nil, apperr.Internal("getting node by semantic id", err)
	}
	return &n, nil
}

// GetStartNode resolves the entry node of a category, or the global entry
// node when category is empty. Inactive entry nodes are reported as missing.
func (s *Store) GetStartNode(ctx context.Context, category string) (*Node, error) {
	semanticID := GlobalStart
	if category != "" {
		semanticID = StartSemanticID(category)
	}
	n, err := s.GetNodeBySemanticID(ctx, semanticID)
	if err != nil {
		return nil, err
	}
	if !n.Active {
		return nil, apperr.NotFound("start node %q is inactive", semanticID)
	}
	return n, nil
}

// GetOutgoingEdges returns the active connections leaving nodeID in
// display order.
func (s *Store) GetOutgoingEdges(ctx context.Context, nodeID string) ([]Connection, error) {
	conns := []Connection{}
	err := s.db.SelectContext(ctx, &conns,
		`SELECT `+connectionColumns+` FROM connections
		 WHERE from_node_id = ? AND is_active = 1
		 ORDER BY order_index ASC, id ASC`, nodeID)
	if err != nil {
		return nil, apperr.Internal("listing outgoing connections", err)
	}
	return conns, nil
}

// GetConnection returns the connection with the given id. Callers decide
// what an inactive connection means to them.
func (s *Store) GetConnection(ctx context.Context, id string) (*Connection, error) {
	return getConnection(ctx, s.db, id)
}

func getConnection(ctx context.Context, q sqlx.QueryerContext, id string) (*Connection, error) {
	var c Connection
	err := sqlx.GetContext(ctx, q, &c, `SELECT `+connectionColumns+` FROM connections WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("connection %s not found", id)
	}
	if err != nil {
		return nil, apperr.Internal("getting connection", err)
	}
	return &c, nil
}

// GetTargetNode returns the node a connection points at.
func (s *Store) GetTargetNode(ctx context.Context, c *Connection) (*Node, error) {
	return s.GetNode(ctx, c.ToNodeID)
}

// GetNodes returns the nodes with the given ids keyed by id. Missing ids
// are simply absent from the result.
func (s *Store) GetNodes(ctx context.Context, ids []string) (map[string]*Node, error) {
	out := make(map[string]*Node, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	query, args, err := sqlx.In(`SELECT `+nodeColumns+` FROM nodes WHERE id IN (?)`, ids)
	if err != nil {
		return nil, apperr.Internal("building node lookup", err)
	}
	var nodes []Node
	if err := s.db.SelectContext(ctx, &nodes, s.db.Rebind(query), args...); err != nil {
		return nil, apperr.Internal("looking up nodes", err)
	}
	for i := range nodes {
		out[nodes[i].ID] = &nodes[i]
	}
	return out, nil
}

// ListCategoryNodes returns the active nodes of a category in creation order.
func (s *Store) ListCategoryNodes(ctx context.Context, category string) ([]Node, error) {
	return s.ListNodes(ctx, NodeFilter{Category: category})
}

// ListNodes returns active nodes matching the filter in creation order.
func (s *Store) ListNodes(ctx context.Context, f NodeFilter) ([]Node, error) {
	var (
		clauses = []string{"is_active = 1"}
		args    []any
	)
	if f.Category != "" {
		clauses = append(clauses, "category = ?")
		args = append(args, f.Category)
	}
	if f.Kind != "" {
		clauses = append(clauses, "node_type = ?")
		args = append(args, string(f.Kind))
	}

	nodes := []Node{}
	query := `SELECT ` + nodeColumns + ` FROM nodes WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at ASC, id ASC`
	if err := s.db.SelectContext(ctx, &nodes, query, args...); err != nil {
		return nil, apperr.Internal("listing nodes", err)
	}
	return nodes, nil
}

// ListEdgesFrom returns the active connections leaving any of the given
// nodes, grouped by source and in display order within each source.
func (s *Store) ListEdgesFrom(ctx context.Context, nodeIDs []string) ([]Connection, error) {
	conns := []Connection{}
	if len(nodeIDs) == 0 {
		return conns, nil
	}
	query, args, err := sqlx.In(
		`SELECT `+connectionColumns+` FROM connections
		 WHERE from_node_id IN (?) AND is_active = 1
		 ORDER BY from_node_id, order_index ASC, id ASC`, nodeIDs)
	if err != nil {
		return nil, apperr.Internal("building edge query", err)
	}
	if err := s.db.SelectContext(ctx, &conns, s.db.Rebind(query), args...); err != nil {
		return nil, apperr.Internal("listing edges", err)
	}
	return conns, nil
}

// ListConnections returns active connections matching the filter.
func (s *Store) ListConnections(ctx context.Context, f ConnectionFilter) ([]Connection, error) {
	var (
		clauses = []string{"is_active = 1"}
		args    []any
	)
	if f.FromNodeID != "" {
		clauses = append(clauses, "from_node_id = ?")
		args = append(args, f.FromNodeID)
	}
	if f.ToNodeID != "" {
		clauses = append(clauses, "to_node_id = ?")
		args = append(args, f.ToNodeID)
	}

	conns := []Connection{}
	query := `SELECT ` + connectionColumns + ` FROM connections WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY from_node_id, order_index ASC, id ASC`
	if err := s.db.SelectContext(ctx, &conns, query, args...); err != nil {
		return nil, apperr.Internal("listing connections", err)
	}
	return conns, nil
}

// ListDeadEndQuestions returns question nodes of a category that have no
// active outgoing connection. With includeInactive set, inactive nodes are
// considered too.
func (s *Store) ListDeadEndQuestions(ctx context.Context, category string, includeInactive bool) ([]Node, error) {
	query := `SELECT ` + nodeColumns + ` FROM nodes n
		 WHERE n.category = ? AND n.node_type = 'question'`
	if !includeInactive {
		query += ` AND n.is_active = 1`
	}
	query += ` AND NOT EXISTS (
			SELECT 1 FROM connections c WHERE c.from_node_id = n.id AND c.is_active = 1
		 )
		 ORDER BY n.created_at ASC, n.id ASC`

	nodes := []Node{}
	if err := s.db.SelectContext(ctx, &nodes, query, category); err != nil {
		return nil, apperr.Internal("finding dead-end questions", err)
	}
	return nodes, nil
}

// CreateNode inserts a new active node.
func (s *Store) CreateNode(ctx context.Context, in NewNode) (*Node, error) {
	if err := apperr.ValidateStruct(in); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	n := &Node{
		ID:              uuid.NewString(),
		Category:        in.Category,
		Kind:            in.Kind,
		Text:            in.Text,
		SemanticID:      in.SemanticID,
		DisplayCategory: in.DisplayCategory,
		PositionX:       in.PositionX,
		PositionY:       in.PositionY,
		Active:          true,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := insertNode(ctx, s.db, n); err != nil {
		return nil, err
	}
	return n, nil
}

func insertNode(ctx context.Context, e sqlx.ExecerContext, n *Node) error {
	_, err := e.ExecContext(ctx,
		`INSERT INTO nodes (`+nodeColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.Category, string(n.Kind), n.Text, n.SemanticID, n.DisplayCategory,
		n.PositionX, n.PositionY, n.Active, n.CreatedAt, n.UpdatedAt,
	)
	if db.IsUniqueViolation(err) {
		return apperr.Conflict("semantic id %q is already in use", deref(n.SemanticID))
	}
	if err != nil {
		return apperr.Internal("creating node", err)
	}
	return nil
}

// UpdateNode applies a partial update to a node.
func (s *Store) UpdateNode(ctx context.Context, id string, p NodePatch) (*Node, error) {
	if err := apperr.ValidateStruct(p); err != nil {
		return nil, err
	}

	sets := []string{"updated_at = ?"}
	args := []any{time.Now().UTC()}
	if p.Kind != nil {
		sets = append(sets, "node_type = ?")
		args = append(args, string(*p.Kind))
	}
	if p.Text != nil {
		sets = append(sets, "text = ?")
		args = append(args, *p.Text)
	}
	if p.SemanticID != nil {
		sets = append(sets, "semantic_id = ?")
		args = append(args, nullIfEmpty(*p.SemanticID))
	}
	if p.DisplayCategory != nil {
		sets = append(sets, "display_category = ?")
		args = append(args, nullIfEmpty(*p.DisplayCategory))
	}
	if p.PositionX != nil {
		sets = append(sets, "position_x = ?")
		args = append(args, *p.PositionX)
	}
	if p.PositionY != nil {
		sets = append(sets, "position_y = ?")
		args = append(args, *p.PositionY)
	}
	if p.Active != nil {
		sets = append(sets, "is_active = ?")
		args = append(args, *p.Active)
	}
	args = append(args, id)

	res, err := s.db.ExecContext(ctx, `UPDATE nodes SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if db.IsUniqueViolation(err) {
		return nil, apperr.Conflict("semantic id %q is already in use", deref(p.SemanticID))
	}
	if err != nil {
		return nil, apperr.Internal("updating node", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, apperr.NotFound("node %s not found", id)
	}
	return s.GetNode(ctx, id)
}

// DeleteNode soft-deletes a node and every connection touching it. It
// returns the node and the categories whose graphs changed.
func (s *Store) DeleteNode(ctx context.Context, id string) (*Node, []string, error) {
	var (
		node     *Node
		affected []string
	)
	err := s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		if node, err = getNode(ctx, tx, id); err != nil {
			return err
		}

		var sources []string
		if err := tx.SelectContext(ctx, &sources,
			`SELECT DISTINCT from_node_id FROM connections WHERE to_node_id = ? AND is_active = 1`, id); err != nil {
			return apperr.Internal("finding incoming connections", err)
		}
		if affected, err = categoriesOf(ctx, tx, append(sources, id)); err != nil {
			return err
		}

		now := time.Now().UTC()
		if _, err := tx.ExecContext(ctx,
			`UPDATE nodes SET is_active = 0, updated_at = ? WHERE id = ?`, now, id); err != nil {
			return apperr.Internal("deleting node", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE connections SET is_active = 0, updated_at = ?
			 WHERE (from_node_id = ? OR to_node_id = ?) AND is_active = 1`, now, id, id); err != nil {
			return apperr.Internal("deleting node connections", err)
		}
		node.Active = false
		node.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return node, affected, nil
}

// CreateConnection inserts a new active connection. Both endpoints must
// exist and the label must be non-empty; every problem is reported.
func (s *Store) CreateConnection(ctx context.Context, in NewConnection) (*Connection, []string, error) {
	var fields []apperr.FieldError
	if err := apperr.ValidateStruct(in); err != nil {
		if !apperr.IsValidation(err) {
			return nil, nil, err
		}
		fields = append(fields, err.(*apperr.Error).Fields...)
	}

	found, err := s.GetNodes(ctx, nonEmpty(in.FromNodeID, in.ToNodeID))
	if err != nil {
		return nil, nil, err
	}
	if in.FromNodeID != "" && found[in.FromNodeID] == nil {
		fields = append(fields, apperr.FieldError{Field: "from_node_id", Message: "node does not exist"})
	}
	if in.ToNodeID != "" && found[in.ToNodeID] == nil {
		fields = append(fields, apperr.FieldError{Field: "to_node_id", Message: "node does not exist"})
	}
	if len(fields) > 0 {
		return nil, nil, apperr.Validation("invalid connection", fields...)
	}

	now := time.Now().UTC()
	c := &Connection{
		ID:         uuid.NewString(),
		FromNodeID: in.FromNodeID,
		ToNodeID:   in.ToNodeID,
		Label:      in.Label,
		OrderIndex: in.OrderIndex,
		Active:     true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := insertConnection(ctx, s.db, c); err != nil {
		return nil, nil, err
	}
	return c, uniqueCategories(found[in.FromNodeID].Category, found[in.ToNodeID].Category), nil
}

func insertConnection(ctx context.Context, e sqlx.ExecerContext, c *Connection) error {
	_, err := e.ExecContext(ctx,
		`INSERT INTO connections (`+connectionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.FromNodeID, c.ToNodeID, c.Label, c.OrderIndex, c.Active, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return apperr.Internal("creating connection", err)
	}
	return nil
}

// UpdateConnection applies a partial update. A new target must exist.
func (s *Store) UpdateConnection(ctx context.Context, id string, p ConnectionPatch) (*Connection, []string, error) {
	if err := apperr.ValidateStruct(p); err != nil {
		return nil, nil, err
	}
	var (
		conn     *Connection
		affected []string
	)
	err := s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		current, err := getConnection(ctx, tx, id)
		if err != nil {
			return err
		}
		touched := []string{current.FromNodeID, current.ToNodeID}

		sets := []string{"updated_at = ?"}
		args := []any{time.Now().UTC()}
		if p.ToNodeID != nil {
			if _, err := getNode(ctx, tx, *p.ToNodeID); err != nil {
				if apperr.IsNotFound(err) {
					return apperr.Validation("invalid connection",
						apperr.FieldError{Field: "to_node_id", Message: "target node does not exist"})
				}
				return err
			}
			sets = append(sets, "to_node_id = ?")
			args = append(args, *p.ToNodeID)
			touched = append(touched, *p.ToNodeID)
		}
		if p.Label != nil {
			sets = append(sets, "label = ?")
			args = append(args, *p.Label)
		}
		if p.OrderIndex != nil {
			sets = append(sets, "order_index = ?")
			args = append(args, *p.OrderIndex)
		}
		if p.Active != nil {
			sets = append(sets, "is_active = ?")
			args = append(args, *p.Active)
		}
		args = append(args, id)

		if _, err := tx.ExecContext(ctx, `UPDATE connections SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...); err != nil {
			return apperr.Internal("updating connection", err)
		}
		if conn, err = getConnection(ctx, tx, id); err != nil {
			return err
		}
		affected, err = categoriesOf(ctx, tx, touched)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return conn, affected, nil
}

// DeleteConnection soft-deletes a connection.
func (s *Store) DeleteConnection(ctx context.Context, id string) (*Connection, []string, error) {
	var (
		conn     *Connection
		affected []string
	)
	err := s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		if conn, err = getConnection(ctx, tx, id); err != nil {
			return err
		}
		now := time.Now().UTC()
		if _, err := tx.ExecContext(ctx,
			`UPDATE connections SET is_active = 0, updated_at = ? WHERE id = ?`, now, id); err != nil {
			return apperr.Internal("deleting connection", err)
		}
		conn.Active = false
		conn.UpdatedAt = now
		affected, err = categoriesOf(ctx, tx, []string{conn.FromNodeID, conn.ToNodeID})
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return conn, affected, nil
}

// categoriesOf returns the distinct, sorted categories of the given nodes.
func categoriesOf(ctx context.Context, q sqlx.QueryerContext, nodeIDs []string) ([]string, error) {
	if len(nodeIDs) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`SELECT DISTINCT category FROM nodes WHERE id IN (?)`, nodeIDs)
	if err != nil {
		return nil, apperr.Internal("building category lookup", err)
	}
	var cats []string
	if err := sqlx.SelectContext(ctx, q, &cats, sqlx.Rebind(sqlx.QUESTION, query), args...); err != nil {
		return nil, apperr.Internal("looking up categories", err)
	}
	sort.Strings(cats)
	return cats, nil
}

func uniqueCategories(cats ...string) []string {
	seen := make(map[string]bool, len(cats))
	var out []string
	for _, c := range cats {
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	sort.Strings(out)
	return out
}

func nonEmpty(ids ...string) []string {
	var out []string
	for _, id := range ids {
		if id != "" {
			out = append(out, id)
		}
	}
	return out
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
