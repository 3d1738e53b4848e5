package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ziadkadry99/fixflow/internal/apperr"
	"github.com/ziadkadry99/fixflow/internal/db"
)

const entryColumns = `id, timestamp, actor_type, actor_id, action, entity_type, entity_id,
	summary, categories, previous_value, new_value`

// Store provides CRUD operations for audit entries.
type Store struct {
	db *db.DB
}

// NewStore creates a Store backed by the given database.
func NewStore(database *db.DB) *Store {
	return &Store{db: database}
}

// Log inserts a new audit entry. An empty ID gets a UUID and a zero
// timestamp becomes now.
func (s *Store) Log(ctx context.Context, entry Entry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	if entry.Categories == nil {
		entry.Categories = []string{}
	}

	categories, err := json.Marshal(entry.Categories)
	if err != nil {
		return apperr.Internal("encoding audit categories", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_entries (`+entryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID,
		entry.Timestamp.UTC(),
		string(entry.ActorType),
		entry.ActorID,
		string(entry.Action),
		string(entry.EntityType),
		entry.EntityID,
		entry.Summary,
		string(categories),
		nullJSON(entry.PreviousValue),
		nullJSON(entry.NewValue),
	)
	if err != nil {
		return apperr.Internal("inserting audit entry", err)
	}
	return nil
}

// GetByID retrieves a single audit entry.
func (s *Store) GetByID(ctx context.Context, id string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM audit_entries WHERE id = ?`, id)
	e, err := scanInto(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("audit entry %q not found", id)
	}
	if err != nil {
		return nil, apperr.Internal("reading audit entry", err)
	}
	return e, nil
}

// QueryFilter controls which audit entries are returned by Query.
type QueryFilter struct {
	ActorID    string
	Action     Action
	EntityType EntityType
	EntityID   string
	Category   string
	Since      *time.Time
	Until      *time.Time
	Limit      int
	Offset     int
}

// Query returns audit entries matching the filter, newest first. Limit
// defaults to 100.
func (s *Store) Query(ctx context.Context, filter QueryFilter) ([]Entry, error) {
	var (
		clauses []string
		args    []any
	)

	if filter.ActorID != "" {
		clauses = append(clauses, "actor_id = ?")
		args = append(args, filter.ActorID)
	}
	if filter.Action != "" {
		clauses = append(clauses, "action = ?")
		args = append(args, string(filter.Action))
	}
	if filter.EntityType != "" {
		clauses = append(clauses, "entity_type = ?")
		args = append(args, string(filter.EntityType))
	}
	if filter.EntityID != "" {
		clauses = append(clauses, "entity_id = ?")
		args = append(args, filter.EntityID)
	}
	if filter.Category != "" {
		clauses = append(clauses, "EXISTS (SELECT 1 FROM json_each(audit_entries.categories) WHERE json_each.value = ?)")
		args = append(args, filter.Category)
	}
	if filter.Since != nil {
		clauses = append(clauses, "timestamp >= ?")
		args = append(args, filter.Since.UTC())
	}
	if filter.Until != nil {
		clauses = append(clauses, "timestamp <= ?")
		args = append(args, filter.Until.UTC())
	}

	query := "SELECT " + entryColumns + " FROM audit_entries"
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY timestamp DESC, id ASC LIMIT ? OFFSET ?"

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit, max(filter.Offset, 0))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperr.Internal("querying audit entries", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		e, err := scanInto(rows)
		if err != nil {
			return nil, apperr.Internal("reading audit entries", err)
		}
		entries = append(entries, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Internal("reading audit entries", err)
	}
	return entries, nil
}

// DeleteBefore removes all audit entries older than the given time.
// Returns the number of deleted rows.
func (s *Store) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM audit_entries WHERE timestamp < ?", before.UTC())
	if err != nil {
		return 0, apperr.Internal("deleting old audit entries", err)
	}
	return res.RowsAffected()
}

// scanner is implemented by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanInto(sc scanner) (*Entry, error) {
	var (
		e                        Entry
		actorType, action, etype string
		categories               string
		previous, next           sql.NullString
	)

	err := sc.Scan(
		&e.ID, &e.Timestamp, &actorType, &e.ActorID, &action, &etype, &e.EntityID,
		&e.Summary, &categories, &previous, &next,
	)
	if err != nil {
		return nil, err
	}

	e.ActorType = ActorType(actorType)
	e.Action = Action(action)
	e.EntityType = EntityType(etype)
	if previous.Valid {
		e.PreviousValue = json.RawMessage(previous.String)
	}
	if next.Valid {
		e.NewValue = json.RawMessage(next.String)
	}
	if err := json.Unmarshal([]byte(categories), &e.Categories); err != nil || e.Categories == nil {
		e.Categories = []string{}
	}

	return &e, nil
}

func nullJSON(v json.RawMessage) sql.NullString {
	if len(v) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(v), Valid: true}
}
