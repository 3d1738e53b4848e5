package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/ziadkadry99/fixflow/internal/apperr"
	"github.com/ziadkadry99/fixflow/internal/graph"
	"github.com/ziadkadry99/fixflow/internal/session"
)

// handleListCategories lists the active categories in menu order.
func (s *Server) handleListCategories(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	cats, err := s.catalog.ListCategories(ctx)
	if err != nil {
		return toolError("listing categories", err), nil
	}

	var sb strings.Builder
	n := 0
	for _, c := range cats {
		if !c.Active {
			continue
		}
		n++
		sb.WriteString(fmt.Sprintf("- %s (category: %s", c.Name, c.Category))
		if c.DisplayCategory != nil && *c.DisplayCategory != "" {
			sb.WriteString(fmt.Sprintf(", group: %s", *c.DisplayCategory))
		}
		sb.WriteString(")\n")
	}
	if n == 0 {
		return mcp.NewToolResultText("No troubleshooting categories are active yet."), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("%d categories:\n%s", n, sb.String())), nil
}

// handleStartTroubleshooting creates a session and shows its first question.
func (s *Server) handleStartTroubleshooting(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	req := session.StartRequest{
		Category:       request.GetString("category", ""),
		TechIdentifier: optional(request.GetString("tech_identifier", "")),
		ClientSite:     optional(request.GetString("client_site", "")),
		UserAgent:      "mcp",
	}
	resp, err := s.engine.Start(ctx, req)
	if err != nil {
		return toolError("starting session", err), nil
	}
	return mcp.NewToolResultText(formatState(&session.State{
		SessionID: resp.SessionID,
		Node:      resp.Node,
		Options:   resp.Options,
	})), nil
}

// handleAnswer records the chosen option and shows where it leads.
func (s *Server) handleAnswer(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: session_id"), nil
	}
	connectionID, err := request.RequireString("connection_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: connection_id"), nil
	}

	state, err := s.engine.SubmitAnswer(ctx, sessionID, connectionID)
	if err != nil {
		return toolError("answering", err), nil
	}
	return mcp.NewToolResultText(formatState(state)), nil
}

// handleGetSession replays a session without modifying it.
func (s *Server) handleGetSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: session_id"), nil
	}

	state, err := s.engine.Get(ctx, sessionID)
	if err != nil {
		return toolError("loading session", err), nil
	}
	return mcp.NewToolResultText(formatState(state)), nil
}

func (s *Server) handleSessionHistory(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: session_id"), nil
	}

	h, err := s.engine.History(ctx, sessionID)
	if err != nil {
		return toolError("loading history", err), nil
	}
	return mcp.NewToolResultText(formatHistory(h)), nil
}

// handleCategoryDiagram returns the Mermaid source of a category graph.
func (s *Server) handleCategoryDiagram(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	category, err := request.RequireString("category")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: category"), nil
	}

	chart, err := s.diagrams.Mermaid(ctx, category)
	if err != nil {
		return toolError("rendering diagram", err), nil
	}
	return mcp.NewToolResultText(chart), nil
}

// toolError turns an application error into a tool error. Internal causes
// stay in the server.
func toolError(action string, err error) *mcp.CallToolResult {
	var ae *apperr.Error
	if !errors.As(err, &ae) || ae.Kind == apperr.KindInternal {
		return mcp.NewToolResultError(action + " failed: internal error")
	}
	return mcp.NewToolResultError(action + " failed: " + ae.Message)
}

// formatState renders a session position for agent consumption.
func formatState(st *session.State) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Session: %s\n", st.SessionID))

	if st.IsConclusion {
		text := ""
		if st.ConclusionText != nil {
			text = *st.ConclusionText
		} else if st.Node != nil {
			text = st.Node.Text
		}
		sb.WriteString(fmt.Sprintf("Conclusion: %s\n", text))
		sb.WriteString("The session is complete.\n")
		return sb.String()
	}

	if st.Node != nil {
		sb.WriteString(fmt.Sprintf("Question: %s\n", st.Node.Text))
	}
	if len(st.Options) == 0 {
		sb.WriteString("No answers are available from here.\n")
		return sb.String()
	}
	sb.WriteString("Answers:\n")
	for i, o := range st.Options {
		sb.WriteString(fmt.Sprintf("%d. %s (connection_id: %s)\n", i+1, o.Label, o.ConnectionID))
	}
	return sb.String()
}

func formatHistory(h *session.History) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Session: %s\nStarted: %s\n", h.SessionID, h.StartedAt.Format("2006-01-02 15:04:05 MST")))
	switch {
	case h.Completed:
		sb.WriteString("Status: completed\n")
	case h.Abandoned:
		sb.WriteString("Status: abandoned\n")
	default:
		sb.WriteString("Status: in progress\n")
	}

	if len(h.Steps) == 0 {
		sb.WriteString("No questions answered yet.\n")
	}
	for i, st := range h.Steps {
		sb.WriteString(fmt.Sprintf("%d. %s -> %s", i+1, st.NodeText, st.ConnectionLabel))
		if st.Category != "" && st.Category != graph.RootCategory {
			sb.WriteString(fmt.Sprintf(" [%s]", st.Category))
		}
		sb.WriteString("\n")
	}
	if h.FinalConclusion != nil {
		sb.WriteString(fmt.Sprintf("Conclusion: %s\n", *h.FinalConclusion))
	}
	return sb.String()
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
