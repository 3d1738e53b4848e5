package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ziadkadry99/fixflow/internal/apperr"
	"github.com/ziadkadry99/fixflow/internal/db"
)

const sessionColumns = `id, session_id, category, started_at, completed_at, steps, final_conclusion,
	abandoned, tech_identifier, client_site, ip_hash, user_agent, version, updated_at`

// Store persists sessions. Steps are kept as a JSON array in one column.
type Store struct {
	db *db.DB
}

// NewStore creates a new session store.
func NewStore(d *db.DB) *Store {
	return &Store{db: d}
}

// Create inserts a new session with version 0.
func (s *Store) Create(ctx context.Context, sess *Session) error {
	steps, err := encodeSteps(sess.Steps)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (session_id, category, started_at, steps, abandoned,
			tech_identifier, client_site, ip_hash, user_agent, version, updated_at)
		 VALUES (?, ?, ?, ?, 0, ?, ?, ?, ?, 0, ?)`,
		sess.SessionID, sess.Category, sess.StartedAt, steps,
		sess.TechIdentifier, sess.ClientSite, sess.IPHash, sess.UserAgent, sess.StartedAt,
	)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return apperr.Conflict("session %q already exists", sess.SessionID)
		}
		return apperr.Internal("creating session", err)
	}
	sess.RowID, _ = res.LastInsertId()
	sess.StepsJSON = steps
	sess.UpdatedAt = sess.StartedAt
	sess.Version = 0
	return nil
}

// Get loads a session and decodes its step log.
func (s *Store) Get(ctx context.Context, sessionID string) (*Session, error) {
	var sess Session
	err := s.db.GetContext(ctx, &sess, `SELECT `+sessionColumns+` FROM sessions WHERE session_id = ?`, sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("session %q not found", sessionID)
	}
	if err != nil {
		return nil, apperr.Internal("loading session", err)
	}
	steps, err := decodeSteps(sess.StepsJSON)
	if err != nil {
		return nil, err
	}
	sess.Steps = steps
	return &sess, nil
}

// Save writes the step log and completion fields in one statement, provided
// nobody else has saved since sess was loaded. On success sess.Version is
// advanced; a stale version yields Conflict. The abandoned flag belongs to
// the reaper and is only cleared when sess completes.
func (s *Store) Save(ctx context.Context, sess *Session) error {
	steps, err := encodeSteps(sess.Steps)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions
		 SET steps = ?, completed_at = ?, final_conclusion = ?,
		     abandoned = CASE WHEN ? THEN 0 ELSE abandoned END,
		     version = version + 1, updated_at = ?
		 WHERE session_id = ? AND version = ?`,
		steps, sess.CompletedAt, sess.FinalConclusion, sess.CompletedAt != nil, now,
		sess.SessionID, sess.Version,
	)
	if err != nil {
		return apperr.Internal("saving session", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return apperr.Internal("saving session", err)
	}
	if n == 0 {
		return apperr.Conflict("session %q was modified concurrently", sess.SessionID)
	}
	sess.StepsJSON = steps
	sess.Version++
	sess.UpdatedAt = now
	return nil
}

// MarkAbandoned flags every incomplete, not yet abandoned session started
// before cutoff and returns how many were flagged. It leaves version alone so
// an answer in flight is not turned into a Conflict.
func (s *Store) MarkAbandoned(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET abandoned = 1, updated_at = ?
		 WHERE completed_at IS NULL AND abandoned = 0 AND started_at < ?`,
		time.Now().UTC(), cutoff.UTC())
	if err != nil {
		return 0, apperr.Internal("marking abandoned sessions", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// DeleteByCategory removes sessions started in the given category and returns the
// number removed.
func (s *Store) DeleteByCategory(ctx context.Context, category string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE category = ?`, category)
	if err != nil {
		return 0, apperr.Internal("deleting sessions", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// List returns one page of sessions, newest first.
func (s *Store) List(ctx context.Context, f ListFilter) (*Page, error) {
	if err := apperr.ValidateStruct(f); err != nil {
		return nil, err
	}
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize == 0 {
		f.PageSize = 50
	}

	where, args := f.where()

	var total int64
	if err := s.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM sessions`+where, args...); err != nil {
		return nil, apperr.Internal("counting sessions", err)
	}

	rows := []Summary{}
	query := `SELECT session_id, category, started_at, completed_at, abandoned,
			tech_identifier, client_site, final_conclusion,
			COALESCE(json_array_length(steps), 0) AS step_count
		 FROM sessions` + where + `
		 ORDER BY started_at DESC, id DESC
		 LIMIT ? OFFSET ?`
	args = append(args, f.PageSize, (f.Page-1)*f.PageSize)
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, apperr.Internal("listing sessions", err)
	}

	return &Page{Sessions: rows, TotalCount: total, Page: f.Page, PageSize: f.PageSize}, nil
}

func (f ListFilter) where() (string, []any) {
	var (
		conds []string
		args  []any
	)
	switch f.Status {
	case StatusCompleted:
		conds = append(conds, "completed_at IS NOT NULL")
	case StatusAbandoned:
		conds = append(conds, "abandoned = 1")
	case StatusInProgress:
		conds = append(conds, "completed_at IS NULL", "abandoned = 0")
	}
	if f.Category != "" {
		conds = append(conds, "category = ?")
		args = append(args, f.Category)
	}
	if f.Search != "" {
		conds = append(conds, "(tech_identifier LIKE ? ESCAPE '\\' OR client_site LIKE ? ESCAPE '\\')")
		pattern := "%" + escapeLike(f.Search) + "%"
		args = append(args, pattern, pattern)
	}
	if f.Since != nil {
		conds = append(conds, "started_at >= ?")
		args = append(args, f.Since.UTC())
	}
	if f.Until != nil {
		conds = append(conds, "started_at <= ?")
		args = append(args, f.Until.UTC())
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string { return likeEscaper.Replace(s) }

// Stats aggregates outcomes of sessions started in [since, until]. Either
// bound may be nil. Sessions still open after abandonAfter count as
// abandoned even before the reaper has flagged them.
func (s *Store) Stats(ctx context.Context, since, until *time.Time, abandonAfter time.Duration) (*Stats, error) {
	f := ListFilter{Since: since, Until: until}
	where, args := f.where()
	and := " WHERE "
	if where != "" {
		and = where + " AND "
	}
	cutoff := time.Now().UTC().Add(-abandonAfter)

	out := &Stats{MostCommonConclusion: []CountByLabel{}, SessionsByCategory: []CountByLabel{}}
	counts := []struct {
		dst   *int64
		query string
		extra []any
	}{
		{&out.TotalSessions, `SELECT COUNT(*) FROM sessions` + where, nil},
		{&out.CompletedSessions, `SELECT COUNT(*) FROM sessions` + and + `completed_at IS NOT NULL`, nil},
		{&out.AbandonedSessions, `SELECT COUNT(*) FROM sessions` + and + `(abandoned = 1 OR (completed_at IS NULL AND started_at <= ?))`, []any{cutoff}},
		{&out.ActiveSessions, `SELECT COUNT(*) FROM sessions` + and + `completed_at IS NULL AND abandoned = 0 AND started_at > ?`, []any{cutoff}},
	}
	for _, c := range counts {
		if err := s.db.GetContext(ctx, c.dst, c.query, append(append([]any{}, args...), c.extra...)...); err != nil {
			return nil, apperr.Internal("computing session stats", err)
		}
	}

	var avg sql.NullFloat64
	if err := s.db.GetContext(ctx, &avg,
		`SELECT AVG(json_array_length(steps)) FROM sessions`+and+`completed_at IS NOT NULL AND json_array_length(steps) > 0`,
		args...); err != nil {
		return nil, apperr.Internal("computing average steps", err)
	}
	out.AvgStepsToCompletion = avg.Float64

	if err := s.db.SelectContext(ctx, &out.MostCommonConclusion,
		`SELECT final_conclusion AS label, COUNT(*) AS count FROM sessions`+and+`final_conclusion IS NOT NULL
		 GROUP BY final_conclusion ORDER BY count DESC, label ASC LIMIT 10`, args...); err != nil {
		return nil, apperr.Internal("grouping conclusions", err)
	}
	if err := s.db.SelectContext(ctx, &out.SessionsByCategory,
		`SELECT CASE WHEN category = '' THEN 'all' ELSE category END AS label, COUNT(*) AS count
		 FROM sessions`+where+`
		 GROUP BY label ORDER BY count DESC, label ASC`, args...); err != nil {
		return nil, apperr.Internal("grouping categories", err)
	}
	return out, nil
}

func encodeSteps(steps []Step) (string, error) {
	if steps == nil {
		steps = []Step{}
	}
	b, err := json.Marshal(steps)
	if err != nil {
		return "", apperr.Internal("encoding steps", err)
	}
	return string(b), nil
}

// decodeSteps parses a stored step log. A log that is not an array of
// complete steps is reported as Internal.
func decodeSteps(raw string) ([]Step, error) {
	if raw == "" {
		return []Step{}, nil
	}
	var steps []Step
	if err := json.Unmarshal([]byte(raw), &steps); err != nil {
		return nil, apperr.Internal("corrupt step log", err)
	}
	for i, st := range steps {
		if st.NodeID == "" || st.ConnectionID == "" {
			return nil, apperr.Internal("corrupt step log", fmt.Errorf("step %d is missing node_id or connection_id", i))
		}
	}
	if steps == nil {
		steps = []Step{}
	}
	return steps, nil
}
