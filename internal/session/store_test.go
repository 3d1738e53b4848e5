package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ziadkadry99/fixflow/internal/apperr"
)

// backdate moves a session's start time into the past.
func backdate(t *testing.T, e *Engine, sessionID string, age time.Duration) {
	t.Helper()
	_, err := e.store.db.ExecContext(context.Background(),
		`UPDATE sessions SET started_at = ? WHERE session_id = ?`, time.Now().UTC().Add(-age), sessionID)
	require.NoError(t, err)
}

func TestReaperSweep(t *testing.T) {
	e, b := setupEngine(t)
	ctx := context.Background()

	old, err := e.Start(ctx, StartRequest{Category: "brush"})
	require.NoError(t, err)
	backdate(t, e, old.SessionID, 2*time.Hour)

	oldDone, err := e.Start(ctx, StartRequest{Category: "brush"})
	require.NoError(t, err)
	_, err = e.SubmitAnswer(ctx, oldDone.SessionID, b.Yes.ID)
	require.NoError(t, err)
	backdate(t, e, oldDone.SessionID, 2*time.Hour)

	fresh, err := e.Start(ctx, StartRequest{Category: "brush"})
	require.NoError(t, err)

	var reaped int64
	r := NewReaper(e.store, time.Hour, zap.NewNop(), func(n int64) { reaped += n })
	n, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	assert.EqualValues(t, 1, reaped)

	for id, want := range map[string]bool{old.SessionID: true, oldDone.SessionID: false, fresh.SessionID: false} {
		sess, err := e.store.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, sess.Abandoned, id)
	}

	n, err = r.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "already abandoned sessions are not counted twice")
}

func TestSweepDuringAnswerDoesNotConflict(t *testing.T) {
	e, b := setupEngine(t)
	ctx := context.Background()

	start, err := e.Start(ctx, StartRequest{Category: "brush"})
	require.NoError(t, err)
	backdate(t, e, start.SessionID, 2*time.Hour)

	loaded, err := e.store.Get(ctx, start.SessionID)
	require.NoError(t, err)

	n, err := NewReaper(e.store, time.Hour, zap.NewNop(), nil).Sweep(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	loaded.Steps = append(loaded.Steps, Step{NodeID: b.A.ID, ConnectionID: b.No.ID, Timestamp: time.Now().UTC()})
	require.NoError(t, e.store.Save(ctx, loaded), "a sweep must not invalidate the loaded version")

	got, err := e.store.Get(ctx, start.SessionID)
	require.NoError(t, err)
	assert.True(t, got.Abandoned, "an unfinished answer keeps the reaper's flag")
	assert.Len(t, got.Steps, 1)
}

func TestReaperRunStopsOnCancel(t *testing.T) {
	e, _ := setupEngine(t)
	r := NewReaper(e.store, time.Hour, zap.NewNop(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx, time.Millisecond)
		close(done)
	}()
	time.Sleep(5 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("reaper did not stop")
	}
}

func TestListSessions(t *testing.T) {
	e, b := setupEngine(t)
	ctx := context.Background()

	alice, bob := "alice", "bob_1"
	a, err := e.Start(ctx, StartRequest{Category: "brush", TechIdentifier: &alice})
	require.NoError(t, err)
	_, err = e.SubmitAnswer(ctx, a.SessionID, b.Yes.ID)
	require.NoError(t, err)

	_, err = e.Start(ctx, StartRequest{Category: "brush", TechIdentifier: &bob})
	require.NoError(t, err)
	_, err = e.Start(ctx, StartRequest{})
	require.NoError(t, err)

	page, err := e.store.List(ctx, ListFilter{})
	require.NoError(t, err)
	assert.EqualValues(t, 3, page.TotalCount)
	assert.Equal(t, 1, page.Page)
	assert.Equal(t, 50, page.PageSize)

	page, err = e.store.List(ctx, ListFilter{Status: StatusCompleted})
	require.NoError(t, err)
	require.Len(t, page.Sessions, 1)
	assert.Equal(t, a.SessionID, page.Sessions[0].SessionID)
	assert.Equal(t, 1, page.Sessions[0].StepCount)
	assert.Equal(t, "Replace brush", *page.Sessions[0].FinalConclusion)

	page, err = e.store.List(ctx, ListFilter{Status: StatusInProgress, Category: "brush"})
	require.NoError(t, err)
	assert.EqualValues(t, 1, page.TotalCount)

	// Underscore is literal, not a LIKE wildcard.
	page, err = e.store.List(ctx, ListFilter{Search: "b_1"})
	require.NoError(t, err)
	assert.EqualValues(t, 1, page.TotalCount)
	page, err = e.store.List(ctx, ListFilter{Search: "o_"})
	require.NoError(t, err)
	assert.EqualValues(t, 0, page.TotalCount)

	page, err = e.store.List(ctx, ListFilter{PageSize: 2, Page: 2})
	require.NoError(t, err)
	assert.Len(t, page.Sessions, 1)
	assert.EqualValues(t, 3, page.TotalCount)

	_, err = e.store.List(ctx, ListFilter{Status: "weird"})
	assert.True(t, apperr.IsValidation(err), "got %v", err)
	_, err = e.store.List(ctx, ListFilter{PageSize: 1000})
	assert.True(t, apperr.IsValidation(err), "got %v", err)
}

func TestStats(t *testing.T) {
	e, b := setupEngine(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		s, err := e.Start(ctx, StartRequest{Category: "brush"})
		require.NoError(t, err)
		_, err = e.SubmitAnswer(ctx, s.SessionID, b.Yes.ID)
		require.NoError(t, err)
	}
	stale, err := e.Start(ctx, StartRequest{Category: "brush"})
	require.NoError(t, err)
	backdate(t, e, stale.SessionID, 3*time.Hour)
	_, err = e.Start(ctx, StartRequest{})
	require.NoError(t, err)

	stats, err := e.store.Stats(ctx, nil, nil, time.Hour)
	require.NoError(t, err)
	assert.EqualValues(t, 4, stats.TotalSessions)
	assert.EqualValues(t, 2, stats.CompletedSessions)
	assert.EqualValues(t, 1, stats.AbandonedSessions, "stale session counts before it is reaped")
	assert.EqualValues(t, 1, stats.ActiveSessions)
	assert.InDelta(t, 1.0, stats.AvgStepsToCompletion, 0.001)
	assert.Equal(t, []CountByLabel{{Label: "Replace brush", Count: 2}}, stats.MostCommonConclusion)
	assert.Equal(t, []CountByLabel{{Label: "brush", Count: 3}, {Label: "all", Count: 1}}, stats.SessionsByCategory)

	since := time.Now().UTC().Add(-time.Hour)
	stats, err = e.store.Stats(ctx, &since, nil, time.Hour)
	require.NoError(t, err)
	assert.EqualValues(t, 3, stats.TotalSessions)
}

func TestDeleteByCategory(t *testing.T) {
	e, _ := setupEngine(t)
	ctx := context.Background()

	s, err := e.Start(ctx, StartRequest{Category: "brush"})
	require.NoError(t, err)
	_, err = e.Start(ctx, StartRequest{})
	require.NoError(t, err)

	n, err := e.store.DeleteByCategory(ctx, "brush")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, err = e.store.Get(ctx, s.SessionID)
	assert.True(t, apperr.IsNotFound(err))
}
