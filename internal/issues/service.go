// Package issues is the admin side of fixflow: it edits categories, nodes
// and connections, gates activation, and keeps snapshots and the audit
// trail in step with every write.
package issues

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ziadkadry99/fixflow/internal/activation"
	"github.com/ziadkadry99/fixflow/internal/apperr"
	"github.com/ziadkadry99/fixflow/internal/audit"
	"github.com/ziadkadry99/fixflow/internal/cache"
	"github.com/ziadkadry99/fixflow/internal/graph"
	"github.com/ziadkadry99/fixflow/internal/session"
	"github.com/ziadkadry99/fixflow/internal/snapshot"
)

// Deps bundles what the admin service is built from.
type Deps struct {
	Graph        *graph.Store
	Sessions     *session.Store
	Builder      *snapshot.Builder
	Feed         *snapshot.Feed
	Cache        *cache.Cache
	Audit        *audit.Store
	Logger       *zap.Logger
	AbandonAfter time.Duration
	// OnWrite is called after every successful graph write. Optional.
	OnWrite func(entity, action string)
}

// Service implements the admin operations.
type Service struct {
	graph        *graph.Store
	sessions     *session.Store
	builder      *snapshot.Builder
	feed         *snapshot.Feed
	cache        *cache.Cache
	audit        *audit.Store
	validator    *activation.Validator
	logger       *zap.Logger
	abandonAfter time.Duration
	onWrite      func(entity, action string)
}

func NewService(d Deps) *Service {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	onWrite := d.OnWrite
	if onWrite == nil {
		onWrite = func(string, string) {}
	}
	return &Service{
		graph:        d.Graph,
		sessions:     d.Sessions,
		builder:      d.Builder,
		feed:         d.Feed,
		cache:        d.Cache,
		audit:        d.Audit,
		validator:    activation.New(d.Graph),
		logger:       logger,
		abandonAfter: d.AbandonAfter,
		onWrite:      onWrite,
	}
}

// ToggleResult reports the outcome of an activation toggle. Incomplete is
// only filled when activation was forced past dead-end questions.
type ToggleResult struct {
	Category   *graph.Category             `json:"issue"`
	Forced     bool                        `json:"forced"`
	Incomplete []activation.IncompleteNode `json:"incomplete_questions,omitempty"`
}

// DeleteResult reports what a category delete removed.
type DeleteResult struct {
	Category        string `json:"category"`
	NodesDeleted    int64  `json:"nodes_deleted"`
	SessionsDeleted int64  `json:"sessions_deleted"`
}

// ListIssues returns every category.
func (s *Service) ListIssues(ctx context.Context) ([]graph.Category, error) {
	return s.graph.ListCategories(ctx)
}

// GetIssue returns one category.
func (s *Service) GetIssue(ctx context.Context, category string) (*graph.Category, error) {
	return s.graph.GetCategory(ctx, category)
}

// CreateIssue creates an inactive category with its root question.
func (s *Service) CreateIssue(ctx context.Context, actor string, in graph.NewCategory) (*graph.Category, error) {
	if err := apperr.ValidateStruct(in); err != nil {
		return nil, err
	}
	cat, err := s.graph.CreateCategory(ctx, in)
	if err != nil {
		return nil, err
	}
	s.changed(ctx, actor, change{
		action:     audit.ActionCreated,
		entity:     audit.EntityCategory,
		id:         cat.Category,
		summary:    fmt.Sprintf("created issue %q", cat.Name),
		categories: []string{cat.Category, graph.RootCategory},
		after:      cat,
	})
	return cat, nil
}

// UpdateIssue renames a category or changes its display category.
func (s *Service) UpdateIssue(ctx context.Context, actor, category string, p graph.CategoryPatch) (*graph.Category, error) {
	if err := apperr.ValidateStruct(p); err != nil {
		return nil, err
	}
	if p.Active != nil {
		return nil, apperr.BadRequest("use the toggle endpoint to change is_active")
	}
	before, err := s.graph.GetCategory(ctx, category)
	if err != nil {
		return nil, err
	}
	cat, err := s.graph.UpdateCategory(ctx, category, p)
	if err != nil {
		return nil, err
	}
	s.changed(ctx, actor, change{
		action:     audit.ActionUpdated,
		entity:     audit.EntityCategory,
		id:         category,
		summary:    fmt.Sprintf("updated issue %q", cat.Name),
		categories: []string{category, graph.RootCategory},
		before:     before,
		after:      cat,
	})
	return cat, nil
}

// DeleteIssue removes a category's nodes and connections. Sessions started
// in the category are removed too when deleteSessions is set.
func (s *Service) DeleteIssue(ctx context.Context, actor, category string, deleteSessions bool) (*DeleteResult, error) {
	before, err := s.graph.GetCategory(ctx, category)
	if err != nil {
		return nil, err
	}
	deleted, affected, err := s.graph.DeleteCategory(ctx, category)
	if err != nil {
		return nil, err
	}
	res := &DeleteResult{Category: category, NodesDeleted: deleted}
	if deleteSessions {
		n, err := s.sessions.DeleteByCategory(ctx, category)
		if err != nil {
			return nil, err
		}
		res.SessionsDeleted = n
	}
	s.changed(ctx, actor, change{
		action:     audit.ActionDeleted,
		entity:     audit.EntityCategory,
		id:         category,
		summary:    fmt.Sprintf("deleted issue %q (%d nodes, %d sessions)", before.Name, deleted, res.SessionsDeleted),
		categories: affected,
		before:     before,
	})
	return res, nil
}

// ToggleIssue flips a category's active flag. Activation is refused while
// the category has dead-end questions unless force is set; deactivation
// always succeeds.
func (s *Service) ToggleIssue(ctx context.Context, actor, category string, force bool) (*ToggleResult, error) {
	cur, err := s.graph.GetCategory(ctx, category)
	if err != nil {
		return nil, err
	}
	activate := !cur.Active

	res := &ToggleResult{}
	if activate {
		if err := s.validator.CheckActivation(ctx, category); err != nil {
			if !force || !apperr.IsValidation(err) {
				return nil, err
			}
			incomplete, ferr := s.validator.FindActivationBlockers(ctx, category)
			if ferr != nil {
				return nil, ferr
			}
			res.Forced = true
			res.Incomplete = incomplete
		}
	}

	cat, err := s.graph.SetCategoryActive(ctx, category, activate)
	if err != nil {
		return nil, err
	}
	res.Category = cat

	action, verb := audit.ActionActivated, "activated"
	if !activate {
		action, verb = audit.ActionDeactivated, "deactivated"
	}
	summary := fmt.Sprintf("%s issue %q", verb, cat.Name)
	if res.Forced {
		summary += " (forced)"
	}
	s.changed(ctx, actor, change{
		action:     action,
		entity:     audit.EntityCategory,
		id:         category,
		summary:    summary,
		categories: []string{category, graph.RootCategory},
		before:     cur,
		after:      cat,
	})
	return res, nil
}

// Incomplete lists the active dead-end questions of a category.
func (s *Service) Incomplete(ctx context.Context, category string) ([]activation.IncompleteNode, error) {
	if _, err := s.graph.GetCategory(ctx, category); err != nil {
		return nil, err
	}
	return s.validator.FindIncompleteQuestions(ctx, category)
}

// Graph returns the cached snapshot of a category.
func (s *Service) Graph(ctx context.Context, category string) (*snapshot.Snapshot, error) {
	return s.builder.GetCategoryGraph(ctx, category)
}

// Diagram renders a category as a Mermaid flowchart.
func (s *Service) Diagram(ctx context.Context, category string) (string, error) {
	return s.builder.Mermaid(ctx, category)
}

// Export returns one category in transfer form.
func (s *Service) Export(ctx context.Context, category string) (*graph.Export, error) {
	return s.graph.ExportCategory(ctx, category)
}

// ExportAll returns every category that could be exported.
func (s *Service) ExportAll(ctx context.Context) ([]graph.Export, error) {
	exports, failures, err := s.graph.ExportAll(ctx)
	if err != nil {
		return nil, err
	}
	for _, f := range failures {
		s.logger.Warn("category skipped in export", zap.String("category", f.Category), zap.String("error", f.Error))
	}
	return exports, nil
}

// Import recreates exported categories. Failures are per category.
func (s *Service) Import(ctx context.Context, actor string, data []graph.Export) (*graph.ImportResult, error) {
	if len(data) == 0 {
		return nil, apperr.BadRequest("nothing to import")
	}
	res, imported := s.graph.Import(ctx, data)
	if len(imported) > 0 {
		s.changed(ctx, actor, change{
			action:     audit.ActionImported,
			entity:     audit.EntityCategory,
			summary:    fmt.Sprintf("imported %d of %d issues", len(imported), len(data)),
			categories: append(imported, graph.RootCategory),
			after:      res,
		})
	}
	return res, nil
}

// ListNodes lists active nodes.
func (s *Service) ListNodes(ctx context.Context, f graph.NodeFilter) ([]graph.Node, error) {
	if f.Kind != "" && !f.Kind.Valid() {
		return nil, apperr.BadRequest("unknown node_type %q", f.Kind)
	}
	return s.graph.ListNodes(ctx, f)
}

// GetNode returns a node, active or not.
func (s *Service) GetNode(ctx context.Context, id string) (*graph.Node, error) {
	return s.graph.GetNode(ctx, id)
}

func (s *Service) CreateNode(ctx context.Context, actor string, in graph.NewNode) (*graph.Node, error) {
	n, err := s.graph.CreateNode(ctx, in)
	if err != nil {
		return nil, err
	}
	s.changed(ctx, actor, change{
		action:     audit.ActionCreated,
		entity:     audit.EntityNode,
		id:         n.ID,
		summary:    fmt.Sprintf("created %s %s", n.Kind, n.Label()),
		categories: []string{n.Category},
		after:      n,
	})
	return n, nil
}

func (s *Service) UpdateNode(ctx context.Context, actor, id string, p graph.NodePatch) (*graph.Node, error) {
	before, err := s.graph.GetNode(ctx, id)
	if err != nil {
		return nil, err
	}
	n, err := s.graph.UpdateNode(ctx, id, p)
	if err != nil {
		return nil, err
	}
	s.changed(ctx, actor, change{
		action:     audit.ActionUpdated,
		entity:     audit.EntityNode,
		id:         n.ID,
		summary:    fmt.Sprintf("updated %s %s", n.Kind, n.Label()),
		categories: []string{n.Category},
		before:     before,
		after:      n,
	})
	return n, nil
}

// DeleteNode soft-deletes a node and the connections touching it.
func (s *Service) DeleteNode(ctx context.Context, actor, id string) (*graph.Node, error) {
	n, affected, err := s.graph.DeleteNode(ctx, id)
	if err != nil {
		return nil, err
	}
	s.changed(ctx, actor, change{
		action:     audit.ActionDeleted,
		entity:     audit.EntityNode,
		id:         n.ID,
		summary:    fmt.Sprintf("deleted %s %s", n.Kind, n.Label()),
		categories: affected,
		before:     n,
	})
	return n, nil
}

// ListConnections lists active connections.
func (s *Service) ListConnections(ctx context.Context, f graph.ConnectionFilter) ([]graph.Connection, error) {
	return s.graph.ListConnections(ctx, f)
}

func (s *Service) CreateConnection(ctx context.Context, actor string, in graph.NewConnection) (*graph.Connection, error) {
	c, affected, err := s.graph.CreateConnection(ctx, in)
	if err != nil {
		return nil, err
	}
	s.changed(ctx, actor, change{
		action:     audit.ActionCreated,
		entity:     audit.EntityConnection,
		id:         c.ID,
		summary:    fmt.Sprintf("connected %s to %s as %q", c.FromNodeID, c.ToNodeID, c.Label),
		categories: affected,
		after:      c,
	})
	return c, nil
}

func (s *Service) UpdateConnection(ctx context.Context, actor, id string, p graph.ConnectionPatch) (*graph.Connection, error) {
	before, err := s.graph.GetConnection(ctx, id)
	if err != nil {
		return nil, err
	}
	c, affected, err := s.graph.UpdateConnection(ctx, id, p)
	if err != nil {
		return nil, err
	}
	s.changed(ctx, actor, change{
		action:     audit.ActionUpdated,
		entity:     audit.EntityConnection,
		id:         c.ID,
		summary:    fmt.Sprintf("updated connection %q", c.Label),
		categories: affected,
		before:     before,
		after:      c,
	})
	return c, nil
}

func (s *Service) DeleteConnection(ctx context.Context, actor, id string) (*graph.Connection, error) {
	c, affected, err := s.graph.DeleteConnection(ctx, id)
	if err != nil {
		return nil, err
	}
	s.changed(ctx, actor, change{
		action:     audit.ActionDeleted,
		entity:     audit.EntityConnection,
		id:         c.ID,
		summary:    fmt.Sprintf("deleted connection %q", c.Label),
		categories: affected,
		before:     c,
	})
	return c, nil
}

// ListSessions pages through recorded sessions.
func (s *Service) ListSessions(ctx context.Context, f session.ListFilter) (*session.Page, error) {
	return s.sessions.List(ctx, f)
}

// SessionStats aggregates sessions started in [since, until).
func (s *Service) SessionStats(ctx context.Context, since, until *time.Time) (*session.Stats, error) {
	return s.sessions.Stats(ctx, since, until, s.abandonAfter)
}

// CacheStats reports the snapshot cache contents.
func (s *Service) CacheStats() cache.Stats {
	return s.cache.Stats()
}

// ClearCache drops every cached snapshot.
func (s *Service) ClearCache(ctx context.Context, actor string) {
	n := s.cache.Stats().Total
	s.cache.Clear()
	s.logAudit(ctx, actor, change{
		action:  audit.ActionCleared,
		entity:  audit.EntityCache,
		summary: fmt.Sprintf("cleared %d cache entries", n),
	})
}

type change struct {
	action     audit.Action
	entity     audit.EntityType
	id         string
	summary    string
	categories []string
	before     any
	after      any
}

// changed invalidates the affected snapshots and records the write. Audit
// failures are logged; the write itself has already been committed.
func (s *Service) changed(ctx context.Context, actor string, c change) {
	s.builder.Invalidate(string(c.entity)+"_"+string(c.action), c.categories...)
	s.onWrite(string(c.entity), string(c.action))
	s.logAudit(ctx, actor, c)
}

func (s *Service) logAudit(ctx context.Context, actor string, c change) {
	if s.audit == nil {
		return
	}
	err := s.audit.Log(ctx, audit.Entry{
		ActorType:     audit.ActorUser,
		ActorID:       actor,
		Action:        c.action,
		EntityType:    c.entity,
		EntityID:      c.id,
		Summary:       c.summary,
		Categories:    c.categories,
		PreviousValue: audit.Value(c.before),
		NewValue:      audit.Value(c.after),
	})
	if err != nil {
		s.logger.Error("audit log failed", zap.String("action", string(c.action)), zap.String("entity", string(c.entity)), zap.Error(err))
	}
}
