// Package activation decides whether a category's graph is complete enough
// to be shown to technicians.
package activation

import (
	"context"
	"fmt"

	"github.com/ziadkadry99/fixflow/internal/apperr"
	"github.com/ziadkadry99/fixflow/internal/graph"
)

// IncompleteNode is a question with no way forward.
type IncompleteNode struct {
	NodeID     string  `json:"node_id"`
	Text       string  `json:"text"`
	SemanticID *string `json:"semantic_id,omitempty"`
}

// Finder is the slice of the graph repository the validator needs.
type Finder interface {
	ListDeadEndQuestions(ctx context.Context, category string, includeInactive bool) ([]graph.Node, error)
}

// Validator checks categories for dead-end questions.
type Validator struct {
	graph Finder
}

func New(g Finder) *Validator {
	return &Validator{graph: g}
}

// FindIncompleteQuestions lists every active question in category that has
// no active outgoing connection.
func (v *Validator) FindIncompleteQuestions(ctx context.Context, category string) ([]IncompleteNode, error) {
	nodes, err := v.graph.ListDeadEndQuestions(ctx, category, false)
	if err != nil {
		return nil, err
	}
	return toIncomplete(nodes), nil
}

// FindActivationBlockers lists the dead-end questions CheckActivation
// would report, active or not.
func (v *Validator) FindActivationBlockers(ctx context.Context, category string) ([]IncompleteNode, error) {
	nodes, err := v.graph.ListDeadEndQuestions(ctx, category, true)
	if err != nil {
		return nil, err
	}
	return toIncomplete(nodes), nil
}

// CheckActivation returns a validation error naming every dead-end question
// that would go live if category were activated. Nodes of an inactive
// category are inactive themselves and are reactivated with it, so they are
// all checked.
func (v *Validator) CheckActivation(ctx context.Context, category string) error {
	nodes, err := v.graph.ListDeadEndQuestions(ctx, category, true)
	if err != nil {
		return err
	}
	if len(nodes) == 0 {
		return nil
	}

	fields := make([]apperr.FieldError, 0, len(nodes))
	for i := range nodes {
		n := &nodes[i]
		fields = append(fields, apperr.FieldError{
			Field:   n.ID,
			Message: fmt.Sprintf("%s (%s) has no answers", n.Text, n.Label()),
		})
	}
	return apperr.Validation(
		fmt.Sprintf("cannot activate %q: %d question(s) have no outgoing connections", category, len(nodes)),
		fields...,
	)
}

func toIncomplete(nodes []graph.Node) []IncompleteNode {
	out := make([]IncompleteNode, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, IncompleteNode{NodeID: n.ID, Text: n.Text, SemanticID: n.SemanticID})
	}
	return out
}
