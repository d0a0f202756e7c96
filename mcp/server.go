// Package mcp exposes the integration API as MCP tools over streamable HTTP.
package mcp

import (
	"context"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kaplia/server/chat"
	"github.com/kaplia/server/session"
)

const (
	serverName    = "chatrelay"
	serverVersion = "1.0.0"
)

// Router is the part of chat.Router the tools use.
type Router interface {
	RouteAPISend(ctx context.Context, targetID, text string) (chat.Message, error)
	History(ctx context.Context, sessionID string, q chat.HistoryQuery) (chat.Page, error)
}

type Server struct {
	sessions     session.Store
	router       Router
	historyLimit func() int
	mcp          *server.MCPServer
}

// NewServer registers the chat tools. historyLimit supplies the default
// page size for get_history.
func NewServer(sessions session.Store, router Router, historyLimit func() int) *Server {
	s := &Server{
		sessions:     sessions,
		router:       router,
		historyLimit: historyLimit,
		mcp:          server.NewMCPServer(serverName, serverVersion, server.WithToolCapabilities(false)),
	}

	s.mcp.AddTool(mcp.NewTool("list_sessions",
		mcp.WithDescription("List all visitor sessions with their metadata, most recently updated first"),
	), s.handleListSessions)

	s.mcp.AddTool(mcp.NewTool("get_history",
		mcp.WithDescription("Get one page of a session's chat history in ascending order"),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Visitor session id")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of messages")),
		mcp.WithNumber("before_id", mcp.Description("Return messages older than this id")),
	), s.handleGetHistory)

	s.mcp.AddTool(mcp.NewTool("send_message",
		mcp.WithDescription("Send a support message to every open tab of a visitor session"),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Visitor session id")),
		mcp.WithString("message", mcp.Required(), mcp.Description("Message text")),
	), s.handleSendMessage)

	return s
}

// Handler returns the streamable HTTP transport. Mount it behind auth.
func (s *Server) Handler() http.Handler {
	return server.NewStreamableHTTPServer(s.mcp, server.WithStateLess(true))
}
