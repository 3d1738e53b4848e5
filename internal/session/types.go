package session

import (
	"time"

	"github.com/ziadkadry99/fixflow/internal/graph"
)

// Step is one answered question in a session's log.
type Step struct {
	NodeID          string    `json:"node_id"`
	NodeText        string    `json:"node_text"`
	ConnectionID    string    `json:"connection_id"`
	ConnectionLabel string    `json:"connection_label"`
	Timestamp       time.Time `json:"timestamp"`
}

// Session is one technician's walk through the graph. Steps only ever grow,
// and CompletedAt and FinalConclusion are set together exactly once.
type Session struct {
	RowID           int64      `db:"id" json:"-"`
	SessionID       string     `db:"session_id" json:"session_id"`
	Category        string     `db:"category" json:"category,omitempty"`
	StartedAt       time.Time  `db:"started_at" json:"started_at"`
	CompletedAt     *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	StepsJSON       string     `db:"steps" json:"-"`
	FinalConclusion *string    `db:"final_conclusion" json:"final_conclusion,omitempty"`
	Abandoned       bool       `db:"abandoned" json:"abandoned"`
	TechIdentifier  *string    `db:"tech_identifier" json:"tech_identifier,omitempty"`
	ClientSite      *string    `db:"client_site" json:"client_site,omitempty"`
	IPHash          *string    `db:"ip_hash" json:"-"`
	UserAgent       *string    `db:"user_agent" json:"user_agent,omitempty"`
	Version         int64      `db:"version" json:"version"`
	UpdatedAt       time.Time  `db:"updated_at" json:"updated_at"`

	Steps []Step `db:"-" json:"steps"`
}

// Completed reports whether the session reached a conclusion.
func (s *Session) Completed() bool { return s.CompletedAt != nil }

// Option is one answer the technician can pick at the current node.
type Option struct {
	ConnectionID    string  `json:"connection_id"`
	Label           string  `json:"label"`
	TargetCategory  string  `json:"target_category"`
	DisplayCategory *string `json:"display_category"`
}

// StartRequest is the body of POST /troubleshoot/start. UserAgent and
// IPAddress come from the request, not the body.
type StartRequest struct {
	TechIdentifier *string `json:"tech_identifier,omitempty" validate:"omitempty,max=200"`
	ClientSite     *string `json:"client_site,omitempty" validate:"omitempty,max=200"`
	Category       string  `json:"category,omitempty" validate:"omitempty,max=100"`

	UserAgent string `json:"-"`
	IPAddress string `json:"-"`
}

// StartResponse is returned when a session is created.
type StartResponse struct {
	SessionID string      `json:"session_id"`
	Node      *graph.Node `json:"node"`
	Options   []Option    `json:"options"`
}

// AnswerRequest is the body of POST /troubleshoot/{id}/answer.
type AnswerRequest struct {
	ConnectionID string `json:"connection_id" validate:"required"`
}

// State is the position of a session: the node it is on and the answers
// available from there. Answering and fetching a session both return it.
type State struct {
	SessionID      string      `json:"session_id"`
	Node           *graph.Node `json:"node"`
	Options        []Option    `json:"options"`
	IsConclusion   bool        `json:"is_conclusion"`
	ConclusionText *string     `json:"conclusion_text,omitempty"`
}

// HistoryStep is a recorded step annotated with what is known about its
// node today. Category and Kind are empty when the node no longer exists.
type HistoryStep struct {
	Step
	Category string         `json:"category,omitempty"`
	Kind     graph.NodeKind `json:"node_type,omitempty"`
}

// History is the full answer log of a session.
type History struct {
	SessionID       string        `json:"session_id"`
	StartedAt       time.Time     `json:"started_at"`
	Completed       bool          `json:"completed"`
	CompletedAt     *time.Time    `json:"completed_at,omitempty"`
	Abandoned       bool          `json:"abandoned"`
	Steps           []HistoryStep `json:"steps"`
	FinalConclusion *string       `json:"final_conclusion,omitempty"`
}

// Status filters the admin session list.
type Status string

const (
	StatusAll        Status = ""
	StatusCompleted  Status = "completed"
	StatusAbandoned  Status = "abandoned"
	StatusInProgress Status = "active"
)

// ListFilter selects sessions for the admin list. All values are bound as
// query parameters.
type ListFilter struct {
	Status   Status     `validate:"omitempty,oneof=completed abandoned active"`
	Category string     `validate:"omitempty,max=100"`
	Search   string     `validate:"omitempty,max=200"`
	Since    *time.Time `validate:"-"`
	Until    *time.Time `validate:"-"`
	Page     int        `validate:"min=0"`
	PageSize int        `validate:"min=0,max=200"`
}

// Summary is one row of the admin session list.
type Summary struct {
	SessionID       string     `db:"session_id" json:"session_id"`
	Category        string     `db:"category" json:"category,omitempty"`
	StartedAt       time.Time  `db:"started_at" json:"started_at"`
	CompletedAt     *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	Abandoned       bool       `db:"abandoned" json:"abandoned"`
	TechIdentifier  *string    `db:"tech_identifier" json:"tech_identifier,omitempty"`
	ClientSite      *string    `db:"client_site" json:"client_site,omitempty"`
	FinalConclusion *string    `db:"final_conclusion" json:"final_conclusion,omitempty"`
	StepCount       int        `db:"step_count" json:"step_count"`
}

// Page is a page of the admin session list.
type Page struct {
	Sessions   []Summary `json:"sessions"`
	TotalCount int64     `json:"total_count"`
	Page       int       `json:"page"`
	PageSize   int       `json:"page_size"`
}

// Stats summarises session outcomes for the admin dashboard.
type Stats struct {
	TotalSessions        int64          `json:"total_sessions"`
	CompletedSessions    int64          `json:"completed_sessions"`
	AbandonedSessions    int64          `json:"abandoned_sessions"`
	ActiveSessions       int64          `json:"active_sessions"`
	AvgStepsToCompletion float64        `json:"avg_steps_to_completion"`
	MostCommonConclusion []CountByLabel `json:"most_common_conclusions"`
	SessionsByCategory   []CountByLabel `json:"sessions_by_category"`
}

// CountByLabel is one bucket of a grouped count.
type CountByLabel struct {
	Label string `db:"label" json:"label"`
	Count int64  `db:"count" json:"count"`
}
