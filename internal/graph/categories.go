package graph

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/ziadkadry99/fixflow/internal/apperr"
)

// categoryQuery selects one row per category root: the node whose semantic
// id is "<category>_start". The name is the label of the global start
// node's edge into that root.
const categoryQuery = `
SELECT
    COALESCE((
        SELECT c.label FROM connections c
        JOIN nodes s ON s.id = c.from_node_id
        WHERE c.to_node_id = n.id AND s.semantic_id = 'start'
        ORDER BY c.order_index ASC LIMIT 1
    ), n.category) AS name,
    n.category,
    n.display_category,
    n.id AS root_node_id,
    n.is_active,
    (SELECT COUNT(*) FROM nodes n2 WHERE n2.category = n.category) AS node_count,
    n.created_at,
    n.updated_at
FROM nodes n
WHERE n.semantic_id = n.category || '_start'`

// ListCategories returns every category, active or not, ordered by key.
func (s *Store) ListCategories(ctx context.Context) ([]Category, error) {
	cats := []Category{}
	if err := s.db.SelectContext(ctx, &cats, categoryQuery+` ORDER BY n.category ASC`); err != nil {
		return nil, apperr.Internal("listing categories", err)
	}
	return cats, nil
}

// GetCategory returns a single category by key.
func (s *Store) GetCategory(ctx context.Context, category string) (*Category, error) {
	return getCategory(ctx, s.db, category)
}

func getCategory(ctx context.Context, q sqlx.QueryerContext, category string) (*Category, error) {
	var c Category
	err := sqlx.GetContext(ctx, q, &c, categoryQuery+` AND n.category = ?`, category)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("category %q not found", category)
	}
	if err != nil {
		return nil, apperr.Internal("getting category", err)
	}
	return &c, nil
}

// EnsureGlobalStart creates the global entry node if it does not exist and
// returns it. The node lives in the "root" category.
func (s *Store) EnsureGlobalStart(ctx context.Context, text string) (*Node, error) {
	n, err := s.GetNodeBySemanticID(ctx, GlobalStart)
	if err == nil {
		return n, nil
	}
	if !apperr.IsNotFound(err) {
		return nil, err
	}
	id := GlobalStart
	return s.CreateNode(ctx, NewNode{
		Category:   RootCategory,
		Kind:       Question,
		Text:       text,
		SemanticID: &id,
	})
}

// CreateCategory creates an inactive root question for a new category and
// links it from the global start node, appending it after the existing
// menu entries. The global start node must exist.
func (s *Store) CreateCategory(ctx context.Context, in NewCategory) (*Category, error) {
	if err := apperr.ValidateStruct(in); err != nil {
		return nil, err
	}

	var out *Category
	err := s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		var exists bool
		if err := tx.GetContext(ctx, &exists,
			`SELECT EXISTS(SELECT 1 FROM nodes WHERE category = ?)`, in.Category); err != nil {
			return apperr.Internal("checking category", err)
		}
		if exists {
			return apperr.Conflict("category %q already exists", in.Category)
		}

		start, err := getNodeBySemanticID(ctx, tx, GlobalStart)
		if err != nil {
			if apperr.IsNotFound(err) {
				return apperr.Internal("global start node is missing", err)
			}
			return err
		}

		now := time.Now().UTC()
		semanticID := StartSemanticID(in.Category)
		root := &Node{
			ID:              uuid.NewString(),
			Category:        in.Category,
			Kind:            Question,
			Text:            in.RootQuestionText,
			SemanticID:      &semanticID,
			DisplayCategory: in.DisplayCategory,
			Active:          false,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if err := insertNode(ctx, tx, root); err != nil {
			return err
		}

		var siblings int
		if err := tx.GetContext(ctx, &siblings,
			`SELECT COUNT(*) FROM connections WHERE from_node_id = ?`, start.ID); err != nil {
			return apperr.Internal("counting menu entries", err)
		}
		edge := &Connection{
			ID:         uuid.NewString(),
			FromNodeID: start.ID,
			ToNodeID:   root.ID,
			Label:      in.Name,
			OrderIndex: siblings,
			Active:     true,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := insertConnection(ctx, tx, edge); err != nil {
			return err
		}

		out, err = getCategory(ctx, tx, in.Category)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateCategory renames a category's menu entry and rewrites its display
// category. Activation changes go through SetCategoryActive.
func (s *Store) UpdateCategory(ctx context.Context, category string, p CategoryPatch) (*Category, error) {
	if err := apperr.ValidateStruct(p); err != nil {
		return nil, err
	}

	var out *Category
	err := s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		current, err := getCategory(ctx, tx, category)
		if err != nil {
			return err
		}
		now := time.Now().UTC()

		if p.Name != nil {
			if _, err := tx.ExecContext(ctx,
				`UPDATE connections SET label = ?, updated_at = ?
				 WHERE to_node_id = ?
				   AND from_node_id IN (SELECT id FROM nodes WHERE semantic_id = 'start')`,
				*p.Name, now, current.RootNodeID); err != nil {
				return apperr.Internal("renaming category", err)
			}
		}
		if p.DisplayCategory != nil {
			if _, err := tx.ExecContext(ctx,
				`UPDATE nodes SET display_category = ?, updated_at = ? WHERE category = ?`,
				nullIfEmpty(*p.DisplayCategory), now, category); err != nil {
				return apperr.Internal("updating display category", err)
			}
		}

		out, err = getCategory(ctx, tx, category)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SetCategoryActive flips every node of a category and the global start
// node's edge into the category root to the given state, in one transaction.
func (s *Store) SetCategoryActive(ctx context.Context, category string, active bool) (*Category, error) {
	var out *Category
	err := s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		current, err := getCategory(ctx, tx, category)
		if err != nil {
			return err
		}
		now := time.Now().UTC()

		if _, err := tx.ExecContext(ctx,
			`UPDATE nodes SET is_active = ?, updated_at = ? WHERE category = ?`,
			active, now, category); err != nil {
			return apperr.Internal("toggling category nodes", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE connections SET is_active = ?, updated_at = ?
			 WHERE to_node_id = ?
			   AND from_node_id IN (SELECT id FROM nodes WHERE semantic_id = 'start')`,
			active, now, current.RootNodeID); err != nil {
			return apperr.Internal("toggling category menu entry", err)
		}

		out, err = getCategory(ctx, tx, category)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteCategory hard-deletes every node of a category together with all
// connections touching them. It returns the number of nodes removed and
// the categories whose graphs changed.
func (s *Store) DeleteCategory(ctx context.Context, category string) (int64, []string, error) {
	var (
		deleted  int64
		affected []string
	)
	err := s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		var sources []string
		if err := tx.SelectContext(ctx, &sources,
			`SELECT DISTINCT c.from_node_id FROM connections c
			 JOIN nodes n ON n.id = c.to_node_id
			 WHERE n.category = ?`, category); err != nil {
			return apperr.Internal("finding incoming connections", err)
		}
		var err error
		if affected, err = categoriesOf(ctx, tx, sources); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM connections
			 WHERE from_node_id IN (SELECT id FROM nodes WHERE category = ?)
			    OR to_node_id IN (SELECT id FROM nodes WHERE category = ?)`,
			category, category); err != nil {
			return apperr.Internal("deleting category connections", err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM nodes WHERE category = ?`, category)
		if err != nil {
			return apperr.Internal("deleting category nodes", err)
		}
		deleted, _ = res.RowsAffected()
		if deleted == 0 {
			return apperr.NotFound("category %q not found", category)
		}
		return nil
	})
	if err != nil {
		return 0, nil, err
	}
	return deleted, uniqueCategories(append(affected, category)...), nil
}
