package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kaplia/server/chat"
)

type sessionResult struct {
	SessionID string         `json:"session_id"`
	Metadata  map[string]any `json:"metadata"`
	UpdatedAt string         `json:"updated_at"`
}

type messageResult struct {
	ID        int64  `json:"id"`
	Sender    string `json:"sender"`
	Text      string `json:"text"`
	Timestamp string `json:"timestamp"`
}

type historyResult struct {
	SessionID string          `json:"session_id"`
	Messages  []messageResult `json:"messages"`
	HasMore   bool            `json:"has_more"`
}

type sendResult struct {
	Status string `json:"status"`
	SentTo string `json:"sent_to"`
	ID     int64  `json:"id"`
}

func (s *Server) handleListSessions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessions, err := s.sessions.List(ctx)
	if err != nil {
		return InternalError(err), nil
	}

	out := make([]sessionResult, len(sessions))
	for i, sess := range sessions {
		meta := map[string]any(sess.Metadata)
		if meta == nil {
			meta = map[string]any{}
		}
		out[i] = sessionResult{
			SessionID: sess.ID,
			Metadata:  meta,
			UpdatedAt: chat.FormatTime(sess.UpdatedAt),
		}
	}
	return jsonResult(out)
}

func (s *Server) handleGetHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("session_id")
	if err != nil || id == "" {
		return ValidationError("session_id is required"), nil
	}

	limit := req.GetInt("limit", s.historyLimit())
	if limit <= 0 {
		return ValidationError("limit must be positive"), nil
	}

	page, err := s.router.History(ctx, id, chat.HistoryQuery{
		Limit:    limit,
		BeforeID: int64(req.GetInt("before_id", 0)),
	})
	if err != nil {
		return InternalError(err), nil
	}

	out := historyResult{SessionID: id, Messages: make([]messageResult, len(page.Messages)), HasMore: page.HasMore}
	for i, m := range page.Messages {
		out.Messages[i] = messageResult{
			ID:        m.ID,
			Sender:    string(m.Sender),
			Text:      m.Text,
			Timestamp: chat.FormatTime(m.Timestamp),
		}
	}
	return jsonResult(out)
}

func (s *Server) handleSendMessage(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("session_id")
	if err != nil {
		return ValidationError("session_id is required"), nil
	}
	text, err := req.RequireString("message")
	if err != nil {
		return ValidationError("message is required"), nil
	}

	msg, err := s.router.RouteAPISend(ctx, id, text)
	if errors.Is(err, chat.ErrEmptyMessage) || errors.Is(err, chat.ErrMissingSession) {
		return ValidationError(err.Error()), nil
	}
	if err != nil {
		slog.Error("mcp send_message failed", "sessionId", id, "error", err)
		return InternalError(err), nil
	}
	return jsonResult(sendResult{Status: "success", SentTo: id, ID: msg.ID})
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, _ := json.MarshalIndent(v, "", "  ")
	return mcp.NewToolResultText(string(data)), nil
}
