// Package diagrams renders decision graphs as Mermaid flowcharts.
package diagrams

import (
	"fmt"
	"strings"
)

// Shape selects how a node is drawn.
type Shape int

const (
	Box      Shape = iota // plain rectangle
	Decision              // rhombus, for questions
	Terminal              // stadium, for conclusions
)

// Node is one vertex of a flowchart.
type Node struct {
	ID    string
	Label string
	Shape Shape
	// Muted nodes are drawn with the "inactive" class.
	Muted bool
}

// Edge is a labelled arrow between two nodes.
type Edge struct {
	From  string
	To    string
	Label string
}

// Flowchart generates a mermaid "graph TD" diagram. Edges whose endpoints
// are not among nodes are drawn to placeholder boxes named by id.
func Flowchart(nodes []Node, edges []Edge) string {
	var b strings.Builder
	b.WriteString("graph TD\n")

	known := make(map[string]bool, len(nodes))
	muted := false
	for _, n := range nodes {
		known[n.ID] = true
		b.WriteString("    " + shape(sanitizeID(n.ID), escapeMermaid(n.Label), n.Shape) + "\n")
		if n.Muted {
			muted = true
		}
	}

	for _, e := range edges {
		for _, id := range []string{e.From, e.To} {
			if !known[id] {
				known[id] = true
				b.WriteString(fmt.Sprintf("    %s[\"%s\"]\n", sanitizeID(id), escapeMermaid(id)))
			}
		}
		fromID := sanitizeID(e.From)
		toID := sanitizeID(e.To)
		if e.Label != "" {
			b.WriteString(fmt.Sprintf("    %s -->|%s| %s\n", fromID, escapeMermaid(e.Label), toID))
		} else {
			b.WriteString(fmt.Sprintf("    %s --> %s\n", fromID, toID))
		}
	}

	if muted {
		b.WriteString("    classDef inactive fill:#eee,stroke:#999,color:#999\n")
		for _, n := range nodes {
			if n.Muted {
				b.WriteString(fmt.Sprintf("    class %s inactive\n", sanitizeID(n.ID)))
			}
		}
	}

	return b.String()
}

func shape(id, label string, s Shape) string {
	switch s {
	case Decision:
		return fmt.Sprintf("%s{\"%s\"}", id, label)
	case Terminal:
		return fmt.Sprintf("%s([\"%s\"])", id, label)
	default:
		return fmt.Sprintf("%s[\"%s\"]", id, label)
	}
}

var idReplacer = strings.NewReplacer(
	"/", "_",
	"\\", "_",
	".", "_",
	"-", "_",
	" ", "_",
	"(", "_",
	")", "_",
	"[", "_",
	"]", "_",
	"{", "_",
	"}", "_",
	":", "_",
)

// sanitizeID converts a string into a safe mermaid node ID. The prefix keeps
// ids that start with a digit, or collide with keywords like "end", valid.
func sanitizeID(s string) string {
	return "n_" + idReplacer.Replace(s)
}

// escapeMermaid escapes characters that have special meaning in mermaid labels.
func escapeMermaid(s string) string {
	s = strings.ReplaceAll(s, "\"", "#quot;")
	s = strings.ReplaceAll(s, "(", "#lpar;")
	s = strings.ReplaceAll(s, ")", "#rpar;")
	s = strings.ReplaceAll(s, "[", "#lsqb;")
	s = strings.ReplaceAll(s, "]", "#rsqb;")
	s = strings.ReplaceAll(s, "{", "#lbrace;")
	s = strings.ReplaceAll(s, "}", "#rbrace;")
	s = strings.ReplaceAll(s, "<", "#lt;")
	s = strings.ReplaceAll(s, ">", "#gt;")
	s = strings.ReplaceAll(s, "|", "#124;")
	s = strings.ReplaceAll(s, "\n", "<br/>")
	return s
}
