package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ziadkadry99/fixflow/internal/apperr"
	"github.com/ziadkadry99/fixflow/internal/graph"
	"github.com/ziadkadry99/fixflow/internal/graph/graphtest"
)

type countingObserver struct {
	mu        sync.Mutex
	started   int
	completed int
	rejected  map[apperr.Kind]int
}

func (o *countingObserver) SessionStarted(string) {
	o.mu.Lock()
	o.started++
	o.mu.Unlock()
}

func (o *countingObserver) SessionCompleted(string, int) {
	o.mu.Lock()
	o.completed++
	o.mu.Unlock()
}

func (o *countingObserver) AnswerRejected(kind apperr.Kind) {
	o.mu.Lock()
	if o.rejected == nil {
		o.rejected = map[apperr.Kind]int{}
	}
	o.rejected[kind]++
	o.mu.Unlock()
}

func setupEngine(t *testing.T, opts ...EngineOption) (*Engine, *graphtest.Brush) {
	t.Helper()
	b := graphtest.NewBrush(t)
	return NewEngine(b.Store, NewStore(b.DB), zap.NewNop(), opts...), b
}

func TestBrushScenario(t *testing.T) {
	e, b := setupEngine(t)
	ctx := context.Background()

	start, err := e.Start(ctx, StartRequest{Category: "brush"})
	require.NoError(t, err)
	assert.Equal(t, b.A.ID, start.Node.ID)
	require.Len(t, start.Options, 2)
	assert.Equal(t, "Yes", start.Options[0].Label)
	assert.Equal(t, "No", start.Options[1].Label)
	assert.Equal(t, "brush", start.Options[0].TargetCategory)

	state, err := e.SubmitAnswer(ctx, start.SessionID, b.Yes.ID)
	require.NoError(t, err)
	assert.True(t, state.IsConclusion)
	require.NotNil(t, state.ConclusionText)
	assert.Equal(t, "Replace brush", *state.ConclusionText)
	assert.Equal(t, b.B.ID, state.Node.ID)
	assert.Empty(t, state.Options)

	_, err = e.SubmitAnswer(ctx, start.SessionID, b.Yes.ID)
	assert.True(t, apperr.IsBadRequest(err), "got %v", err)
}

func TestStartGlobal(t *testing.T) {
	e, b := setupEngine(t)

	start, err := e.Start(context.Background(), StartRequest{})
	require.NoError(t, err)
	assert.Equal(t, b.Start.ID, start.Node.ID)

	want := []Option{{ConnectionID: start.Options[0].ConnectionID, Label: "Brush problems", TargetCategory: "brush"}}
	if diff := cmp.Diff(want, start.Options); diff != "" {
		t.Errorf("options mismatch (-want +got):\n%s", diff)
	}

	state, err := e.SubmitAnswer(context.Background(), start.SessionID, start.Options[0].ConnectionID)
	require.NoError(t, err)
	assert.Equal(t, b.A.ID, state.Node.ID)
	assert.False(t, state.IsConclusion)
}

func TestStartErrors(t *testing.T) {
	e, _ := setupEngine(t)
	_, err := e.Start(context.Background(), StartRequest{Category: "toaster"})
	assert.True(t, apperr.IsNotFound(err), "got %v", err)

	store := graphtest.OpenStore(t)
	bare := NewEngine(store, NewStore(store.DB()), zap.NewNop())
	_, err = bare.Start(context.Background(), StartRequest{})
	assert.Equal(t, apperr.KindInternal, apperr.KindOf(err))
}

func TestStartInactiveCategory(t *testing.T) {
	e, b := setupEngine(t)
	_, err := b.Store.SetCategoryActive(context.Background(), "brush", false)
	require.NoError(t, err)

	_, err = e.Start(context.Background(), StartRequest{Category: "brush"})
	assert.True(t, apperr.IsNotFound(err), "got %v", err)
}

func TestStartStoresMetadata(t *testing.T) {
	e, _ := setupEngine(t)
	tech := "tech-42"

	start, err := e.Start(context.Background(), StartRequest{
		Category:       "brush",
		TechIdentifier: &tech,
		UserAgent:      "curl/8.0",
		IPAddress:      "10.0.0.7",
	})
	require.NoError(t, err)

	sess, err := e.store.Get(context.Background(), start.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "brush", sess.Category)
	assert.Equal(t, &tech, sess.TechIdentifier)
	require.NotNil(t, sess.IPHash)
	assert.Len(t, *sess.IPHash, 64)
	assert.NotContains(t, *sess.IPHash, "10.0.0.7")
	require.NotNil(t, sess.UserAgent)
	assert.Equal(t, "curl/8.0", *sess.UserAgent)
	assert.Empty(t, sess.Steps)
}

func TestGetIsIdempotentReplay(t *testing.T) {
	e, b := setupEngine(t)
	ctx := context.Background()

	start, err := e.Start(ctx, StartRequest{Category: "brush"})
	require.NoError(t, err)

	first, err := e.Get(ctx, start.SessionID)
	require.NoError(t, err)
	second, err := e.Get(ctx, start.SessionID)
	require.NoError(t, err)
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("Get not idempotent (-first +second):\n%s", diff)
	}
	assert.Equal(t, b.A.ID, first.Node.ID)
	assert.Len(t, first.Options, 2)

	answered, err := e.SubmitAnswer(ctx, start.SessionID, b.No.ID)
	require.NoError(t, err)
	replayed, err := e.Get(ctx, start.SessionID)
	require.NoError(t, err)
	if diff := cmp.Diff(answered, replayed); diff != "" {
		t.Errorf("replay differs from answer response (-answer +replay):\n%s", diff)
	}
	assert.Equal(t, b.C.ID, replayed.Node.ID)
	assert.Empty(t, replayed.Options, "C has no answers yet")
}

func TestGetCompleted(t *testing.T) {
	e, b := setupEngine(t)
	ctx := context.Background()

	start, err := e.Start(ctx, StartRequest{Category: "brush"})
	require.NoError(t, err)
	_, err = e.SubmitAnswer(ctx, start.SessionID, b.Yes.ID)
	require.NoError(t, err)

	state, err := e.Get(ctx, start.SessionID)
	require.NoError(t, err)
	assert.True(t, state.IsConclusion)
	assert.Equal(t, "Replace brush", *state.ConclusionText)
}

func TestSubmitAnswerRejectsForeignConnection(t *testing.T) {
	e, b := setupEngine(t)
	ctx := context.Background()
	b.CompleteMotor(t)

	edges, err := b.Store.GetOutgoingEdges(ctx, b.C.ID)
	require.NoError(t, err)
	require.Len(t, edges, 1)

	start, err := e.Start(ctx, StartRequest{Category: "brush"})
	require.NoError(t, err)

	// The session is on A; C's answer cannot be used.
	_, err = e.SubmitAnswer(ctx, start.SessionID, edges[0].ID)
	assert.True(t, apperr.IsBadRequest(err), "got %v", err)

	state, err := e.Get(ctx, start.SessionID)
	require.NoError(t, err)
	assert.Equal(t, b.A.ID, state.Node.ID, "rejected answers leave no trace")
}

func TestSubmitAnswerMissingOrInactiveConnection(t *testing.T) {
	e, b := setupEngine(t)
	ctx := context.Background()

	start, err := e.Start(ctx, StartRequest{Category: "brush"})
	require.NoError(t, err)

	_, err = e.SubmitAnswer(ctx, start.SessionID, "ghost")
	assert.True(t, apperr.IsNotFound(err), "got %v", err)

	_, _, err = b.Store.DeleteConnection(ctx, b.Yes.ID)
	require.NoError(t, err)
	_, err = e.SubmitAnswer(ctx, start.SessionID, b.Yes.ID)
	assert.True(t, apperr.IsNotFound(err), "got %v", err)

	_, err = e.SubmitAnswer(ctx, "missing-session", b.No.ID)
	assert.True(t, apperr.IsNotFound(err), "got %v", err)
}

func TestSubmitAnswerMultiStep(t *testing.T) {
	e, b := setupEngine(t)
	ctx := context.Background()
	d := b.CompleteMotor(t)

	start, err := e.Start(ctx, StartRequest{Category: "brush"})
	require.NoError(t, err)

	state, err := e.SubmitAnswer(ctx, start.SessionID, b.No.ID)
	require.NoError(t, err)
	require.Len(t, state.Options, 1)

	state, err = e.SubmitAnswer(ctx, start.SessionID, state.Options[0].ConnectionID)
	require.NoError(t, err)
	assert.True(t, state.IsConclusion)
	assert.Equal(t, d.ID, state.Node.ID)

	h, err := e.History(ctx, start.SessionID)
	require.NoError(t, err)
	assert.True(t, h.Completed)
	require.Len(t, h.Steps, 2)
	assert.Equal(t, b.A.ID, h.Steps[0].NodeID)
	assert.Equal(t, "Is brush worn?", h.Steps[0].NodeText)
	assert.Equal(t, "No", h.Steps[0].ConnectionLabel)
	assert.Equal(t, "brush", h.Steps[0].Category)
	assert.Equal(t, graph.Question, h.Steps[0].Kind)
	assert.Equal(t, b.C.ID, h.Steps[1].NodeID)
	assert.Equal(t, "Motor hums", h.Steps[1].ConnectionLabel)
	require.NotNil(t, h.FinalConclusion)
	assert.Equal(t, "Call a technician", *h.FinalConclusion)
}

func TestStepTimestampsUseClock(t *testing.T) {
	fixed := time.Date(2026, 5, 4, 3, 2, 1, 0, time.UTC)
	e, b := setupEngine(t, WithClock(func() time.Time { return fixed }))
	ctx := context.Background()

	start, err := e.Start(ctx, StartRequest{Category: "brush"})
	require.NoError(t, err)
	_, err = e.SubmitAnswer(ctx, start.SessionID, b.Yes.ID)
	require.NoError(t, err)

	sess, err := e.store.Get(ctx, start.SessionID)
	require.NoError(t, err)
	require.Len(t, sess.Steps, 1)
	assert.True(t, sess.Steps[0].Timestamp.Equal(fixed))
	require.NotNil(t, sess.CompletedAt)
	assert.True(t, sess.CompletedAt.Equal(fixed))
	assert.EqualValues(t, 1, sess.Version)
}

func TestAbandonedSessions(t *testing.T) {
	ctx := context.Background()

	for _, tt := range []struct {
		name   string
		reject bool
	}{
		{"accepted by default", false},
		{"rejected when configured", true},
	} {
		t.Run(tt.name, func(t *testing.T) {
			e, b := setupEngine(t, WithRejectAbandoned(tt.reject))
			start, err := e.Start(ctx, StartRequest{Category: "brush"})
			require.NoError(t, err)

			_, err = e.store.MarkAbandoned(ctx, time.Now().Add(time.Hour))
			require.NoError(t, err)

			state, err := e.SubmitAnswer(ctx, start.SessionID, b.Yes.ID)
			if tt.reject {
				assert.True(t, apperr.IsBadRequest(err), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.True(t, state.IsConclusion)

			sess, err := e.store.Get(ctx, start.SessionID)
			require.NoError(t, err)
			assert.False(t, sess.Abandoned, "completion clears the abandoned flag")
		})
	}
}

func TestCorruptStepLog(t *testing.T) {
	e, b := setupEngine(t)
	ctx := context.Background()

	for _, raw := range []string{`{"not":"an array"}`, `[{"node_id":"","connection_id":"x"}]`, `[{`} {
		start, err := e.Start(ctx, StartRequest{Category: "brush"})
		require.NoError(t, err)
		_, err = b.DB.ExecContext(ctx, `UPDATE sessions SET steps = ? WHERE session_id = ?`, raw, start.SessionID)
		require.NoError(t, err)

		_, err = e.Get(ctx, start.SessionID)
		assert.Equal(t, apperr.KindInternal, apperr.KindOf(err), "steps %s", raw)
		_, err = e.SubmitAnswer(ctx, start.SessionID, b.Yes.ID)
		assert.Equal(t, apperr.KindInternal, apperr.KindOf(err), "steps %s", raw)
		_, err = e.History(ctx, start.SessionID)
		assert.Equal(t, apperr.KindInternal, apperr.KindOf(err), "steps %s", raw)
	}
}

func TestStaleSaveConflicts(t *testing.T) {
	e, b := setupEngine(t)
	ctx := context.Background()

	start, err := e.Start(ctx, StartRequest{Category: "brush"})
	require.NoError(t, err)

	first, err := e.store.Get(ctx, start.SessionID)
	require.NoError(t, err)
	second, err := e.store.Get(ctx, start.SessionID)
	require.NoError(t, err)

	first.Steps = append(first.Steps, Step{NodeID: b.A.ID, ConnectionID: b.No.ID, Timestamp: time.Now().UTC()})
	require.NoError(t, e.store.Save(ctx, first))

	second.Steps = append(second.Steps, Step{NodeID: b.A.ID, ConnectionID: b.Yes.ID, Timestamp: time.Now().UTC()})
	err = e.store.Save(ctx, second)
	assert.True(t, apperr.IsConflict(err), "got %v", err)

	got, err := e.store.Get(ctx, start.SessionID)
	require.NoError(t, err)
	require.Len(t, got.Steps, 1)
	assert.Equal(t, b.No.ID, got.Steps[0].ConnectionID)
}

func TestConcurrentAnswersLoseNoSteps(t *testing.T) {
	obs := &countingObserver{}
	e, b := setupEngine(t, WithObserver(obs))
	ctx := context.Background()

	start, err := e.Start(ctx, StartRequest{Category: "brush"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, conn := range []string{b.Yes.ID, b.No.ID} {
		wg.Add(1)
		go func(i int, conn string) {
			defer wg.Done()
			_, errs[i] = e.SubmitAnswer(ctx, start.SessionID, conn)
		}(i, conn)
	}
	wg.Wait()

	failures := 0
	for _, err := range errs {
		if err != nil {
			failures++
			assert.True(t, apperr.IsBadRequest(err), "got %v", err)
		}
	}
	assert.Equal(t, 1, failures)

	sess, err := e.store.Get(ctx, start.SessionID)
	require.NoError(t, err)
	assert.Len(t, sess.Steps, 1)
	assert.Equal(t, 0, e.locks.size())
	assert.Equal(t, 1, obs.started)
	assert.Equal(t, 1, obs.rejected[apperr.KindBadRequest])
}

func TestObserverCountsCompletion(t *testing.T) {
	obs := &countingObserver{}
	e, b := setupEngine(t, WithObserver(obs))
	ctx := context.Background()

	start, err := e.Start(ctx, StartRequest{Category: "brush"})
	require.NoError(t, err)
	_, err = e.SubmitAnswer(ctx, start.SessionID, b.Yes.ID)
	require.NoError(t, err)
	_, err = e.SubmitAnswer(ctx, start.SessionID, b.Yes.ID)
	require.Error(t, err)

	assert.Equal(t, 1, obs.completed)
	assert.Equal(t, 1, obs.rejected[apperr.KindBadRequest])
}
