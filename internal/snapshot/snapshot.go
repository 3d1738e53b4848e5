// Package snapshot assembles the full active graph of a category for the
// visual editor, memoised in the shared TTL cache.
package snapshot

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/ziadkadry99/fixflow/internal/apperr"
	"github.com/ziadkadry99/fixflow/internal/cache"
	"github.com/ziadkadry99/fixflow/internal/diagrams"
	"github.com/ziadkadry99/fixflow/internal/graph"
)

var tracer = otel.Tracer("fixflow.snapshot")

// Snapshot is every active node of a category and every active connection
// leaving one of those nodes.
type Snapshot struct {
	Category    string             `json:"category"`
	Nodes       []graph.Node       `json:"nodes"`
	Connections []graph.Connection `json:"connections"`
}

// Source is the part of the graph repository a snapshot is built from.
type Source interface {
	ListCategoryNodes(ctx context.Context, category string) ([]graph.Node, error)
	ListEdgesFrom(ctx context.Context, nodeIDs []string) ([]graph.Connection, error)
}

// Key returns the cache key of a category's snapshot.
func Key(category string) string { return "graph_" + category }

// Builder serves snapshots cache-aside and collapses concurrent builds of
// the same category.
type Builder struct {
	source  Source
	cache   *cache.Cache
	feed    *Feed
	logger  *zap.Logger
	group   singleflight.Group
	onBuild func(category string, d time.Duration)

	mu          sync.Mutex
	generations map[string]*atomic.Uint64
}

// NewBuilder creates a builder. feed may be nil when no change feed is served.
func NewBuilder(source Source, c *cache.Cache, feed *Feed, logger *zap.Logger) *Builder {
	return &Builder{
		source:      source,
		cache:       c,
		feed:        feed,
		logger:      logger,
		generations: make(map[string]*atomic.Uint64),
	}
}

// OnBuild registers a callback invoked after every uncached build.
func (b *Builder) OnBuild(fn func(category string, d time.Duration)) { b.onBuild = fn }

// GetCategoryGraph returns the snapshot of category, building and caching
// it on a miss. A category without active nodes is NotFound. Concurrent
// callers share one build but each waits only on its own ctx, and each gets
// its own copy.
func (b *Builder) GetCategoryGraph(ctx context.Context, category string) (*Snapshot, error) {
	key := Key(category)
	var snap Snapshot
	if b.cache.GetJSON(key, &snap) {
		return &snap, nil
	}

	gen := b.counter(category)
	seen := gen.Load()
	// The shared build must outlive whichever caller happened to start it.
	buildCtx := context.WithoutCancel(ctx)
	ch := b.group.DoChan(key+"#"+strconv.FormatUint(seen, 10), func() (any, error) {
		return b.build(buildCtx, category, gen, seen)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Snapshot).clone(), nil
	}
}

func (s *Snapshot) clone() *Snapshot {
	c := &Snapshot{
		Category:    s.Category,
		Nodes:       make([]graph.Node, len(s.Nodes)),
		Connections: make([]graph.Connection, len(s.Connections)),
	}
	copy(c.Nodes, s.Nodes)
	copy(c.Connections, s.Connections)
	return c
}

func (b *Builder) build(ctx context.Context, category string, gen *atomic.Uint64, seen uint64) (s *Snapshot, err error) {
	ctx, span := tracer.Start(ctx, "snapshot.build", trace.WithAttributes(attribute.String("category", category)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	start := time.Now()

	nodes, err := b.source.ListCategoryNodes(ctx, category)
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, apperr.NotFound("category %q has no active nodes", category)
	}
	ids := make([]string, 0, len(nodes))
	for _, n := range nodes {
		ids = append(ids, n.ID)
	}
	conns, err := b.source.ListEdgesFrom(ctx, ids)
	if err != nil {
		return nil, err
	}

	s = &Snapshot{Category: category, Nodes: nodes, Connections: conns}
	span.SetAttributes(attribute.Int("nodes", len(nodes)), attribute.Int("connections", len(conns)))

	// A write that landed after we started reading bumped the generation;
	// caching our result would resurrect the old graph. The check runs under
	// the cache lock so an Invalidate cannot slip between it and the store.
	stored, err := b.cache.SetJSONIf(Key(category), s, func() bool { return gen.Load() == seen })
	if err != nil {
		b.logger.Warn("caching snapshot failed", zap.String("category", category), zap.Error(err))
	}

	d := time.Since(start)
	if b.onBuild != nil {
		b.onBuild(category, d)
	}
	b.logger.Debug("snapshot built",
		zap.String("category", category),
		zap.Int("nodes", len(nodes)),
		zap.Int("connections", len(conns)),
		zap.Bool("cached", stored),
		zap.Duration("duration", d),
	)
	return s, nil
}

func (b *Builder) counter(category string) *atomic.Uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	g, ok := b.generations[category]
	if !ok {
		g = new(atomic.Uint64)
		b.generations[category] = g
	}
	return g
}

// Invalidate drops the cached snapshots of the given categories and tells
// feed subscribers the graphs changed. Every graph write must call it.
func (b *Builder) Invalidate(reason string, categories ...string) {
	seen := make(map[string]bool, len(categories))
	for _, c := range categories {
		if seen[c] {
			continue
		}
		seen[c] = true

		// Bump before dropping the key: a build that stores after this point
		// sees the new generation and backs off.
		b.counter(c).Add(1)
		b.cache.Invalidate(Key(c))

		if b.feed != nil {
			b.feed.Publish(Event{Category: c, Reason: reason, At: time.Now().UTC()})
		}
	}
}

// InvalidateCategory drops the cached snapshot of a single category.
func (b *Builder) InvalidateCategory(category string) {
	b.Invalidate("invalidated", category)
}

// Mermaid renders the snapshot of category as a flowchart.
func (b *Builder) Mermaid(ctx context.Context, category string) (string, error) {
	s, err := b.GetCategoryGraph(ctx, category)
	if err != nil {
		return "", err
	}
	return Flowchart(s), nil
}

// Flowchart converts a snapshot into a Mermaid diagram. Question nodes are
// drawn as decisions and conclusions as terminals.
func Flowchart(s *Snapshot) string {
	nodes := make([]diagrams.Node, 0, len(s.Nodes))
	for _, n := range s.Nodes {
		dn := diagrams.Node{ID: n.ID, Label: n.Text, Shape: diagrams.Decision}
		if n.IsConclusion() {
			dn.Shape = diagrams.Terminal
		}
		if n.SemanticID != nil && *n.SemanticID != "" {
			dn.Label = fmt.Sprintf("%s\n(%s)", n.Text, *n.SemanticID)
		}
		nodes = append(nodes, dn)
	}
	edges := make([]diagrams.Edge, 0, len(s.Connections))
	for _, c := range s.Connections {
		edges = append(edges, diagrams.Edge{From: c.FromNodeID, To: c.ToNodeID, Label: c.Label})
	}
	return diagrams.Flowchart(nodes, edges)
}
