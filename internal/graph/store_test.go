package graph_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ziadkadry99/fixflow/internal/apperr"
	"github.com/ziadkadry99/fixflow/internal/graph"
	"github.com/ziadkadry99/fixflow/internal/graph/graphtest"
)

func TestGetStartNode(t *testing.T) {
	b := graphtest.NewBrush(t)
	ctx := context.Background()

	n, err := b.Store.GetStartNode(ctx, "brush")
	require.NoError(t, err)
	assert.Equal(t, b.A.ID, n.ID)

	n, err = b.Store.GetStartNode(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, b.Start.ID, n.ID)

	_, err = b.Store.GetStartNode(ctx, "toaster")
	assert.True(t, apperr.IsNotFound(err), "got %v", err)
}

func TestGetStartNodeInactive(t *testing.T) {
	b := graphtest.NewBrush(t)
	ctx := context.Background()

	_, err := b.Store.SetCategoryActive(ctx, "brush", false)
	require.NoError(t, err)

	_, err = b.Store.GetStartNode(ctx, "brush")
	assert.True(t, apperr.IsNotFound(err), "got %v", err)
}

func TestGetOutgoingEdgesOrdering(t *testing.T) {
	b := graphtest.NewBrush(t)
	ctx := context.Background()

	// Same order_index as "Yes": ties break on id.
	extra, _, err := b.Store.CreateConnection(ctx, graph.NewConnection{FromNodeID: b.A.ID, ToNodeID: b.B.ID, Label: "Maybe", OrderIndex: 0})
	require.NoError(t, err)

	edges, err := b.Store.GetOutgoingEdges(ctx, b.A.ID)
	require.NoError(t, err)
	require.Len(t, edges, 3)

	first, second := b.Yes.ID, extra.ID
	if second < first {
		first, second = second, first
	}
	assert.Equal(t, []string{first, second, b.No.ID}, []string{edges[0].ID, edges[1].ID, edges[2].ID})
}

func TestGetOutgoingEdgesSkipsInactive(t *testing.T) {
	b := graphtest.NewBrush(t)
	ctx := context.Background()

	_, affected, err := b.Store.DeleteConnection(ctx, b.No.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"brush"}, affected)

	edges, err := b.Store.GetOutgoingEdges(ctx, b.A.ID)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, "Yes", edges[0].Label)

	c, err := b.Store.GetConnection(ctx, b.No.ID)
	require.NoError(t, err)
	assert.False(t, c.Active)
}

func TestGetMissing(t *testing.T) {
	store := graphtest.OpenStore(t)
	ctx := context.Background()

	_, err := store.GetNode(ctx, "nope")
	assert.True(t, apperr.IsNotFound(err))
	_, err = store.GetConnection(ctx, "nope")
	assert.True(t, apperr.IsNotFound(err))
}

func TestCreateNodeValidation(t *testing.T) {
	store := graphtest.OpenStore(t)

	_, err := store.CreateNode(context.Background(), graph.NewNode{Kind: "maybe"})
	require.True(t, apperr.IsValidation(err), "got %v", err)

	var ae *apperr.Error
	require.ErrorAs(t, err, &ae)
	fields := map[string]bool{}
	for _, f := range ae.Fields {
		fields[f.Field] = true
	}
	assert.True(t, fields["category"])
	assert.True(t, fields["node_type"])
	assert.True(t, fields["text"])
}

func TestCreateNodeDuplicateSemanticID(t *testing.T) {
	b := graphtest.NewBrush(t)
	id := "brush_motor"

	_, err := b.Store.CreateNode(context.Background(), graph.NewNode{Category: "brush", Kind: graph.Question, Text: "again", SemanticID: &id})
	assert.True(t, apperr.IsConflict(err), "got %v", err)
}

func TestUpdateNode(t *testing.T) {
	b := graphtest.NewBrush(t)
	ctx := context.Background()

	text := "Check the motor windings?"
	x := 120.5
	n, err := b.Store.UpdateNode(ctx, b.C.ID, graph.NodePatch{Text: &text, PositionX: &x})
	require.NoError(t, err)
	assert.Equal(t, text, n.Text)
	require.NotNil(t, n.PositionX)
	assert.Equal(t, x, *n.PositionX)
	assert.Equal(t, graph.Question, n.Kind)

	_, err = b.Store.UpdateNode(ctx, "missing", graph.NodePatch{Text: &text})
	assert.True(t, apperr.IsNotFound(err))
}

func TestDeleteNodeDeactivatesConnections(t *testing.T) {
	b := graphtest.NewBrush(t)
	ctx := context.Background()

	n, affected, err := b.Store.DeleteNode(ctx, b.C.ID)
	require.NoError(t, err)
	assert.False(t, n.Active)
	assert.Equal(t, []string{"brush"}, affected)

	edges, err := b.Store.GetOutgoingEdges(ctx, b.A.ID)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, b.Yes.ID, edges[0].ID)

	nodes, err := b.Store.ListCategoryNodes(ctx, "brush")
	require.NoError(t, err)
	assert.Len(t, nodes, 2)
}

func TestCreateConnectionValidation(t *testing.T) {
	b := graphtest.NewBrush(t)

	_, _, err := b.Store.CreateConnection(context.Background(), graph.NewConnection{FromNodeID: b.A.ID, ToNodeID: "ghost"})
	require.True(t, apperr.IsValidation(err), "got %v", err)

	var ae *apperr.Error
	require.ErrorAs(t, err, &ae)
	fields := map[string]bool{}
	for _, f := range ae.Fields {
		fields[f.Field] = true
	}
	assert.True(t, fields["label"], "empty label should be reported")
	assert.True(t, fields["to_node_id"], "missing target should be reported")
	assert.False(t, fields["from_node_id"])
}

func TestCreateConnectionAcrossCategories(t *testing.T) {
	b := graphtest.NewBrush(t)
	ctx := context.Background()

	other, err := b.Store.CreateNode(ctx, graph.NewNode{Category: "motor", Kind: graph.Conclusion, Text: "Swap motor"})
	require.NoError(t, err)

	_, affected, err := b.Store.CreateConnection(ctx, graph.NewConnection{FromNodeID: b.C.ID, ToNodeID: other.ID, Label: "Dead"})
	require.NoError(t, err)
	assert.Equal(t, []string{"brush", "motor"}, affected)
}

func TestUpdateConnection(t *testing.T) {
	b := graphtest.NewBrush(t)
	ctx := context.Background()

	label := "Worn out"
	order := 5
	c, affected, err := b.Store.UpdateConnection(ctx, b.Yes.ID, graph.ConnectionPatch{Label: &label, OrderIndex: &order})
	require.NoError(t, err)
	assert.Equal(t, label, c.Label)
	assert.Equal(t, order, c.OrderIndex)
	assert.Equal(t, []string{"brush"}, affected)

	ghost := "ghost"
	_, _, err = b.Store.UpdateConnection(ctx, b.Yes.ID, graph.ConnectionPatch{ToNodeID: &ghost})
	assert.True(t, apperr.IsValidation(err), "got %v", err)

	_, _, err = b.Store.UpdateConnection(ctx, "missing", graph.ConnectionPatch{Label: &label})
	assert.True(t, apperr.IsNotFound(err))
}

func TestListNodesFilter(t *testing.T) {
	b := graphtest.NewBrush(t)

	conclusions, err := b.Store.ListNodes(context.Background(), graph.NodeFilter{Category: "brush", Kind: graph.Conclusion})
	require.NoError(t, err)
	require.Len(t, conclusions, 1)
	assert.Equal(t, b.B.ID, conclusions[0].ID)
}

func TestListDeadEndQuestions(t *testing.T) {
	b := graphtest.NewBrush(t)
	ctx := context.Background()

	dead, err := b.Store.ListDeadEndQuestions(ctx, "brush", false)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, b.C.ID, dead[0].ID)

	b.CompleteMotor(t)
	dead, err = b.Store.ListDeadEndQuestions(ctx, "brush", false)
	require.NoError(t, err)
	assert.Empty(t, dead)
}
