package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/parley/internal/bridge"
)

// MCPDeps holds the collaborators for the MCP adapter.
type MCPDeps struct {
	Bridge Bridger
	Memory MemorySearcher
}

// NewMCPServer creates an MCP server exposing the bridge as tools: chat,
// search_memory, and session_stats. MCP is a second inbound channel next
// to HTTP; both feed the same sessions.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"parley",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("parley — session-aware chat bridge to a locally hosted model."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("chat",
			mcp.WithDescription("Send a message to a conversation session and get the reply."),
			mcp.WithString("session_id", mcp.Description("Session identifier; one per user"), mcp.Required()),
			mcp.WithString("text", mcp.Description("The message text; may start with a /command"), mcp.Required()),
		),
		mcpChat(deps),
	)

	s.AddTool(
		mcp.NewTool("search_memory",
			mcp.WithDescription("Search a session's conversation window and archive summaries."),
			mcp.WithString("session_id", mcp.Description("Session identifier"), mcp.Required()),
			mcp.WithString("query", mcp.Description("Search terms"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 10)")),
		),
		mcpSearchMemory(deps),
	)

	s.AddTool(
		mcp.NewTool("session_stats",
			mcp.WithDescription("Snapshot of active sessions, queue depths, and backend health."),
		),
		mcpSessionStats(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"parley://stats",
			"Bridge Stats",
			mcp.WithResourceDescription("Current bridge snapshot as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceStats(deps),
	)

	return s
}

func mcpChat(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("session_id")
		if err != nil {
			return mcpError("session_id is required"), nil
		}
		text, err := req.RequireString("text")
		if err != nil {
			return mcpError("text is required"), nil
		}

		replies := make(chan bridge.Reply, 1)
		err = deps.Bridge.Submit(bridge.Request{SessionID: sessionID, Text: text}, bridge.Responder{
			Send: func(r bridge.Reply) error {
				replies <- r
				return nil
			},
		})
		if err != nil {
			if err == bridge.ErrQueueFull {
				return mcpError(deps.Bridge.BackpressureNotice()), nil
			}
			return mcpError(fmt.Sprintf("submit failed: %v", err)), nil
		}

		select {
		case r := <-replies:
			if r.Outcome != bridge.OutcomeAnswer {
				// Fallback and escalation text is still the reply; flag
				// it so the client knows no answer was produced.
				return mcpError(r.Text), nil
			}
			return mcpText(r.Text), nil
		case <-ctx.Done():
			return mcpError("cancelled while waiting for the reply"), nil
		}
	}
}

func mcpSearchMemory(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("session_id")
		if err != nil {
			return mcpError("session_id is required"), nil
		}
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		limit := req.GetInt("limit", 10)
		if limit <= 0 {
			limit = 10
		}
		if limit > 50 {
			limit = 50
		}

		results := deps.Memory.Search(sessionID, query, limit)
		if len(results) == 0 {
			return mcpText("[]"), nil
		}

		b, err := json.Marshal(results)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpSessionStats(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		b, err := json.Marshal(deps.Bridge.Stats())
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal stats: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceStats(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		b, err := json.Marshal(deps.Bridge.Stats())
		if err != nil {
			return nil, fmt.Errorf("marshalling stats: %w", err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
