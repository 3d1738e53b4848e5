package issues

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ziadkadry99/fixflow/internal/apperr"
	"github.com/ziadkadry99/fixflow/internal/audit"
	"github.com/ziadkadry99/fixflow/internal/cache"
	"github.com/ziadkadry99/fixflow/internal/graph"
	"github.com/ziadkadry99/fixflow/internal/graph/graphtest"
	"github.com/ziadkadry99/fixflow/internal/session"
	"github.com/ziadkadry99/fixflow/internal/snapshot"
)

type fixture struct {
	*graphtest.Brush
	svc      *Service
	cache    *cache.Cache
	feed     *snapshot.Feed
	audit    *audit.Store
	sessions *session.Store
	writes   []string
}

func setup(t *testing.T) *fixture {
	t.Helper()
	b := graphtest.NewBrush(t)
	f := &fixture{
		Brush:    b,
		cache:    cache.New(time.Minute, 10),
		feed:     snapshot.NewFeed(zap.NewNop()),
		audit:    audit.NewStore(b.DB),
		sessions: session.NewStore(b.DB),
	}
	f.svc = NewService(Deps{
		Graph:        b.Store,
		Sessions:     f.sessions,
		Builder:      snapshot.NewBuilder(b.Store, f.cache, f.feed, zap.NewNop()),
		Feed:         f.feed,
		Cache:        f.cache,
		Audit:        f.audit,
		Logger:       zap.NewNop(),
		AbandonAfter: time.Hour,
		OnWrite: func(entity, action string) {
			f.writes = append(f.writes, entity+"/"+action)
		},
	})
	return f
}

func TestToggleDeactivateAlwaysSucceeds(t *testing.T) {
	f := setup(t)

	res, err := f.svc.ToggleIssue(context.Background(), "alice", "brush", false)
	require.NoError(t, err)
	assert.False(t, res.Category.Active)
	assert.False(t, res.Forced)
}

func TestToggleActivationGate(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_, err := f.svc.ToggleIssue(ctx, "alice", "brush", false)
	require.NoError(t, err)

	_, err = f.svc.ToggleIssue(ctx, "alice", "brush", false)
	require.True(t, apperr.IsValidation(err), "got %v", err)
	var ae *apperr.Error
	require.ErrorAs(t, err, &ae)
	require.Len(t, ae.Fields, 1)
	assert.Equal(t, f.C.ID, ae.Fields[0].Field)

	cat, err := f.svc.GetIssue(ctx, "brush")
	require.NoError(t, err)
	assert.False(t, cat.Active, "refused activation leaves the category inactive")

	res, err := f.svc.ToggleIssue(ctx, "alice", "brush", true)
	require.NoError(t, err)
	assert.True(t, res.Category.Active)
	assert.True(t, res.Forced)
	require.Len(t, res.Incomplete, 1)
	assert.Equal(t, f.C.ID, res.Incomplete[0].NodeID)
}

func TestToggleCompleteCategory(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_, err := f.svc.ToggleIssue(ctx, "alice", "brush", false)
	require.NoError(t, err)
	f.CompleteMotor(t)

	res, err := f.svc.ToggleIssue(ctx, "alice", "brush", false)
	require.NoError(t, err)
	assert.True(t, res.Category.Active)
	assert.False(t, res.Forced)
	assert.Empty(t, res.Incomplete)
}

func TestToggleUnknownCategory(t *testing.T) {
	f := setup(t)
	_, err := f.svc.ToggleIssue(context.Background(), "alice", "toaster", true)
	assert.True(t, apperr.IsNotFound(err))
}

func TestMutationsInvalidateSnapshot(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	events, cancel := f.feed.Subscribe("brush")
	defer cancel()

	s, err := f.svc.Graph(ctx, "brush")
	require.NoError(t, err)
	require.Len(t, s.Nodes, 3)
	_, ok := f.cache.Get(snapshot.Key("brush"))
	require.True(t, ok)

	n, err := f.svc.CreateNode(ctx, "alice", graph.NewNode{Category: "brush", Kind: graph.Conclusion, Text: "Rewind the motor"})
	require.NoError(t, err)

	_, ok = f.cache.Get(snapshot.Key("brush"))
	assert.False(t, ok, "create must drop the cached snapshot")

	select {
	case ev := <-events:
		assert.Equal(t, "brush", ev.Category)
		assert.Equal(t, "node_created", ev.Reason)
	case <-time.After(time.Second):
		t.Fatal("no change event published")
	}

	s, err = f.svc.Graph(ctx, "brush")
	require.NoError(t, err)
	assert.Len(t, s.Nodes, 4)

	_, err = f.svc.CreateConnection(ctx, "alice", graph.NewConnection{FromNodeID: f.C.ID, ToNodeID: n.ID, Label: "Burnt smell"})
	require.NoError(t, err)
	s, err = f.svc.Graph(ctx, "brush")
	require.NoError(t, err)
	assert.Len(t, s.Connections, 3)

	assert.Equal(t, []string{"node/created", "connection/created"}, f.writes)
}

func TestFailedMutationDoesNotInvalidate(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_, err := f.svc.Graph(ctx, "brush")
	require.NoError(t, err)

	_, err = f.svc.CreateConnection(ctx, "alice", graph.NewConnection{FromNodeID: f.A.ID, ToNodeID: "ghost", Label: "x"})
	require.Error(t, err)

	_, ok := f.cache.Get(snapshot.Key("brush"))
	assert.True(t, ok)
	assert.Empty(t, f.writes)
}

func TestMutationsAreAudited(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	text := "Is the brush frayed?"
	_, err := f.svc.UpdateNode(ctx, "bob", f.A.ID, graph.NodePatch{Text: &text})
	require.NoError(t, err)

	entries, err := f.audit.Query(ctx, audit.QueryFilter{EntityType: audit.EntityNode})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, "bob", e.ActorID)
	assert.Equal(t, audit.ActionUpdated, e.Action)
	assert.Equal(t, f.A.ID, e.EntityID)
	assert.Equal(t, []string{"brush"}, e.Categories)
	assert.Contains(t, string(e.PreviousValue), "Is brush worn?")
	assert.Contains(t, string(e.NewValue), text)
}

func TestUpdateIssueRejectsActiveFlag(t *testing.T) {
	f := setup(t)
	active := false
	_, err := f.svc.UpdateIssue(context.Background(), "alice", "brush", graph.CategoryPatch{Active: &active})
	assert.True(t, apperr.IsBadRequest(err))
}

func TestDeleteIssueWithSessions(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	engine := session.NewEngine(f.Store, f.sessions, zap.NewNop())
	_, err := engine.Start(ctx, session.StartRequest{Category: "brush"})
	require.NoError(t, err)

	res, err := f.svc.DeleteIssue(ctx, "alice", "brush", true)
	require.NoError(t, err)
	assert.EqualValues(t, 3, res.NodesDeleted)
	assert.EqualValues(t, 1, res.SessionsDeleted)

	page, err := f.svc.ListSessions(ctx, session.ListFilter{})
	require.NoError(t, err)
	assert.Zero(t, page.TotalCount)

	_, err = f.svc.DeleteIssue(ctx, "alice", "brush", false)
	assert.True(t, apperr.IsNotFound(err))
}

func TestImportEmpty(t *testing.T) {
	f := setup(t)
	_, err := f.svc.Import(context.Background(), "alice", nil)
	assert.True(t, apperr.IsBadRequest(err))
}

func TestClearCache(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_, err := f.svc.Graph(ctx, "brush")
	require.NoError(t, err)
	assert.Equal(t, 1, f.svc.CacheStats().Total)

	f.svc.ClearCache(ctx, "alice")
	assert.Zero(t, f.svc.CacheStats().Total)

	entries, err := f.audit.Query(ctx, audit.QueryFilter{EntityType: audit.EntityCache})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, audit.ActionCleared, entries[0].Action)
}
