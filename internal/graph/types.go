package graph

import "time"

// NodeKind distinguishes questions, which branch, from conclusions, which end a walk.
type NodeKind string

const (
	Question   NodeKind = "question"
	Conclusion NodeKind = "conclusion"
)

// Valid reports whether k is a known node kind.
func (k NodeKind) Valid() bool {
	return k == Question || k == Conclusion
}

// GlobalStart is the semantic id of the entry node that links to every category.
const GlobalStart = "start"

// RootCategory is the category of the global start node.
const RootCategory = "root"

// StartSemanticID returns the semantic id of a category's entry node.
func StartSemanticID(category string) string {
	return category + "_start"
}

// Node is a question or conclusion in the decision graph.
type Node struct {
	ID              string    `db:"id" json:"id"`
	Category        string    `db:"category" json:"category"`
	Kind            NodeKind  `db:"node_type" json:"node_type"`
	Text            string    `db:"text" json:"text"`
	SemanticID      *string   `db:"semantic_id" json:"semantic_id,omitempty"`
	DisplayCategory *string   `db:"display_category" json:"display_category,omitempty"`
	PositionX       *float64  `db:"position_x" json:"position_x,omitempty"`
	PositionY       *float64  `db:"position_y" json:"position_y,omitempty"`
	Active          bool      `db:"is_active" json:"is_active"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time `db:"updated_at" json:"updated_at"`
}

// IsConclusion reports whether reaching n ends a session.
func (n *Node) IsConclusion() bool { return n.Kind == Conclusion }

// Label returns the semantic id, or "no ID" when the node has none.
func (n *Node) Label() string {
	if n.SemanticID == nil || *n.SemanticID == "" {
		return "no ID"
	}
	return *n.SemanticID
}

// Connection is a labelled, ordered edge from one node to another. Its
// label is the answer text shown to the technician.
type Connection struct {
	ID         string    `db:"id" json:"id"`
	FromNodeID string    `db:"from_node_id" json:"from_node_id"`
	ToNodeID   string    `db:"to_node_id" json:"to_node_id"`
	Label      string    `db:"label" json:"label"`
	OrderIndex int       `db:"order_index" json:"order_index"`
	Active     bool      `db:"is_active" json:"is_active"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time `db:"updated_at" json:"updated_at"`
}

// NewNode holds the fields accepted when creating a node.
type NewNode struct {
	Category        string   `json:"category" validate:"required,max=100"`
	Kind            NodeKind `json:"node_type" validate:"required,oneof=question conclusion"`
	Text            string   `json:"text" validate:"required"`
	SemanticID      *string  `json:"semantic_id,omitempty" validate:"omitempty,max=200"`
	DisplayCategory *string  `json:"display_category,omitempty"`
	PositionX       *float64 `json:"position_x,omitempty"`
	PositionY       *float64 `json:"position_y,omitempty"`
}

// NodePatch is a partial node update. Nil fields are left unchanged.
type NodePatch struct {
	Kind            *NodeKind `json:"node_type,omitempty" validate:"omitempty,oneof=question conclusion"`
	Text            *string   `json:"text,omitempty" validate:"omitempty,min=1"`
	SemanticID      *string   `json:"semantic_id,omitempty" validate:"omitempty,max=200"`
	DisplayCategory *string   `json:"display_category,omitempty"`
	PositionX       *float64  `json:"position_x,omitempty"`
	PositionY       *float64  `json:"position_y,omitempty"`
	Active          *bool     `json:"is_active,omitempty"`
}

// NodeFilter narrows ListNodes. Only active nodes are listed.
type NodeFilter struct {
	Category string
	Kind     NodeKind
}

// NewConnection holds the fields accepted when creating a connection.
type NewConnection struct {
	FromNodeID string `json:"from_node_id" validate:"required"`
	ToNodeID   string `json:"to_node_id" validate:"required"`
	Label      string `json:"label" validate:"required"`
	OrderIndex int    `json:"order_index" validate:"min=0"`
}

// ConnectionPatch is a partial connection update.
type ConnectionPatch struct {
	ToNodeID   *string `json:"to_node_id,omitempty"`
	Label      *string `json:"label,omitempty" validate:"omitempty,min=1"`
	OrderIndex *int    `json:"order_index,omitempty" validate:"omitempty,min=0"`
	Active     *bool   `json:"is_active,omitempty"`
}

// ConnectionFilter narrows ListConnections. Only active connections are listed.
type ConnectionFilter struct {
	FromNodeID string
	ToNodeID   string
}

// Category is one troubleshooting issue: a root question linked from the
// global start node plus every node sharing its category.
type Category struct {
	Name            string    `db:"name" json:"name"`
	Category        string    `db:"category" json:"category"`
	DisplayCategory *string   `db:"display_category" json:"display_category,omitempty"`
	RootNodeID      string    `db:"root_node_id" json:"root_question_id"`
	Active          bool      `db:"is_active" json:"is_active"`
	NodeCount       int       `db:"node_count" json:"question_count"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time `db:"updated_at" json:"updated_at"`
}

// NewCategory holds the fields accepted when creating a category.
type NewCategory struct {
	Name             string  `json:"name" validate:"required,max=200"`
	Category         string  `json:"category" validate:"required,max=100"`
	DisplayCategory  *string `json:"display_category,omitempty"`
	RootQuestionText string  `json:"root_question_text" validate:"required"`
}

// CategoryPatch is a partial category update.
type CategoryPatch struct {
	Name            *string `json:"name,omitempty" validate:"omitempty,min=1,max=200"`
	DisplayCategory *string `json:"display_category,omitempty"`
	Active          *bool   `json:"is_active,omitempty"`
}
