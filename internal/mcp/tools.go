package mcp

import "github.com/mark3labs/mcp-go/mcp"

// listCategoriesTool defines the list_categories MCP tool.
var listCategoriesTool = mcp.NewTool("list_categories",
	mcp.WithDescription("List the equipment problems a troubleshooting session can start from."),
)

// startTroubleshootingTool defines the start_troubleshooting MCP tool.
var startTroubleshootingTool = mcp.NewTool("start_troubleshooting",
	mcp.WithDescription("Start a troubleshooting session. Returns the session id, the first question and the answers to choose from."),
	mcp.WithString("category",
		mcp.Description("Category to start in. Omit to start at the main menu."),
	),
	mcp.WithString("tech_identifier",
		mcp.Description("Who is doing the troubleshooting"),
	),
	mcp.WithString("client_site",
		mcp.Description("Where the equipment is"),
	),
)

// answerTool defines the answer MCP tool.
var answerTool = mcp.NewTool("answer",
	mcp.WithDescription("Answer the current question of a session by choosing one of its options."),
	mcp.WithString("session_id",
		mcp.Required(),
		mcp.Description("Session id returned by start_troubleshooting"),
	),
	mcp.WithString("connection_id",
		mcp.Required(),
		mcp.Description("connection_id of the chosen option"),
	),
)

// getSessionTool defines the get_session MCP tool.
var getSessionTool = mcp.NewTool("get_session",
	mcp.WithDescription("Show where a session currently is without changing it."),
	mcp.WithString("session_id",
		mcp.Required(),
		mcp.Description("Session id"),
	),
)

// sessionHistoryTool defines the session_history MCP tool.
var sessionHistoryTool = mcp.NewTool("session_history",
	mcp.WithDescription("List every question answered so far in a session."),
	mcp.WithString("session_id",
		mcp.Required(),
		mcp.Description("Session id"),
	),
)

// categoryDiagramTool defines the category_diagram MCP tool.
var categoryDiagramTool = mcp.NewTool("category_diagram",
	mcp.WithDescription("Get a Mermaid flowchart of a category's decision graph."),
	mcp.WithString("category",
		mcp.Required(),
		mcp.Description("Category id, as listed by list_categories"),
	),
)
