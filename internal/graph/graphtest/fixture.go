// Package graphtest builds small decision graphs for tests.
package graphtest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ziadkadry99/fixflow/internal/db"
	"github.com/ziadkadry99/fixflow/internal/graph"
)

// Brush is the "brush" category: root A asks whether the brush is worn,
// "Yes" leads to conclusion B and "No" leads to question C, which has no
// answers yet.
type Brush struct {
	DB    *db.DB
	Store *graph.Store

	Start *graph.Node
	A     *graph.Node
	B     *graph.Node
	C     *graph.Node

	Yes *graph.Connection
	No  *graph.Connection
}

// OpenStore returns a graph store over a fresh in-memory database.
func OpenStore(t testing.TB) *graph.Store {
	t.Helper()
	d, err := db.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return graph.NewStore(d)
}

// NewBrush seeds the global start node and an active brush category.
func NewBrush(t testing.TB) *Brush {
	t.Helper()
	return SeedBrush(t, OpenStore(t))
}

// SeedBrush seeds the brush category into an existing store.
func SeedBrush(t testing.TB, store *graph.Store) *Brush {
	t.Helper()
	ctx := context.Background()

	start, err := store.EnsureGlobalStart(ctx, "What needs attention?")
	require.NoError(t, err)

	cat, err := store.CreateCategory(ctx, graph.NewCategory{
		Name:             "Brush problems",
		Category:         "brush",
		RootQuestionText: "Is brush worn?",
	})
	require.NoError(t, err)

	a, err := store.GetNode(ctx, cat.RootNodeID)
	require.NoError(t, err)
	b, err := store.CreateNode(ctx, graph.NewNode{Category: "brush", Kind: graph.Conclusion, Text: "Replace brush"})
	require.NoError(t, err)
	c, err := store.CreateNode(ctx, graph.NewNode{Category: "brush", Kind: graph.Question, Text: "Check motor?", SemanticID: ptr("brush_motor")})
	require.NoError(t, err)

	yes, _, err := store.CreateConnection(ctx, graph.NewConnection{FromNodeID: a.ID, ToNodeID: b.ID, Label: "Yes", OrderIndex: 0})
	require.NoError(t, err)
	no, _, err := store.CreateConnection(ctx, graph.NewConnection{FromNodeID: a.ID, ToNodeID: c.ID, Label: "No", OrderIndex: 1})
	require.NoError(t, err)

	_, err = store.SetCategoryActive(ctx, "brush", true)
	require.NoError(t, err)

	a, err = store.GetNode(ctx, a.ID)
	require.NoError(t, err)
	b, err = store.GetNode(ctx, b.ID)
	require.NoError(t, err)
	c, err = store.GetNode(ctx, c.ID)
	require.NoError(t, err)

	return &Brush{
		DB:    store.DB(),
		Store: store,
		Start: start,
		A:     a,
		B:     b,
		C:     c,
		Yes:   yes,
		No:    no,
	}
}

// CompleteMotor gives question C a single answer leading to a new
// conclusion, so the category has no dead ends.
func (b *Brush) CompleteMotor(t testing.TB) *graph.Node {
	t.Helper()
	ctx := context.Background()
	d, err := b.Store.CreateNode(ctx, graph.NewNode{Category: "brush", Kind: graph.Conclusion, Text: "Call a technician"})
	require.NoError(t, err)
	_, _, err = b.Store.CreateConnection(ctx, graph.NewConnection{FromNodeID: b.C.ID, ToNodeID: d.ID, Label: "Motor hums"})
	require.NoError(t, err)
	return d
}

func ptr[T any](v T) *T { return &v }
