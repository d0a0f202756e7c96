package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kaplia/server/chat"
	"github.com/kaplia/server/session"
	"github.com/kaplia/server/storage"
)

type fakeRouter struct {
	sent      []string
	lastQuery chat.HistoryQuery
	page      chat.Page
	err       error
}

func (f *fakeRouter) RouteAPISend(ctx context.Context, targetID, text string) (chat.Message, error) {
	if f.err != nil {
		return chat.Message{}, f.err
	}
	if strings.TrimSpace(text) == "" {
		return chat.Message{}, chat.ErrEmptyMessage
	}
	f.sent = append(f.sent, targetID+":"+text)
	return chat.Message{ID: 42, SessionID: targetID, Sender: chat.SenderAdmin, Text: text}, nil
}

func (f *fakeRouter) History(ctx context.Context, sessionID string, q chat.HistoryQuery) (chat.Page, error) {
	f.lastQuery = q
	return f.page, f.err
}

type testServer struct {
	*Server
	db     *storage.DB
	router *fakeRouter
}

func newTestServer(t *testing.T) testServer {
	t.Helper()
	db, err := storage.Open(context.Background(), filepath.Join(t.TempDir(), "chat.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	router := &fakeRouter{}
	return testServer{
		Server: NewServer(db, router, func() int { return 20 }),
		db:     db,
		router: router,
	}
}

func callRequest(name string, args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	if len(res.Content) != 1 {
		t.Fatalf("expected 1 content block, got %d", len(res.Content))
	}
	text, ok := res.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected text content, got %T", res.Content[0])
	}
	return text.Text
}

func decodeToolError(t *testing.T, res *mcp.CallToolResult) ToolError {
	t.Helper()
	if !res.IsError {
		t.Fatalf("expected error result, got %s", resultText(t, res))
	}
	var te ToolError
	if err := json.Unmarshal([]byte(resultText(t, res)), &te); err != nil {
		t.Fatalf("failed to decode tool error: %v", err)
	}
	return te
}

func TestListSessions(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	s.db.SaveMetadata(ctx, "auth_7", session.Metadata{"email": "a@example.com"})

	res, err := s.handleListSessions(ctx, callRequest("list_sessions", nil))
	if err != nil {
		t.Fatal(err)
	}
	if res.IsError {
		t.Fatalf("unexpected error: %s", resultText(t, res))
	}

	var out []sessionResult
	if err := json.Unmarshal([]byte(resultText(t, res)), &out); err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 || out[0].SessionID != "auth_7" || out[0].Metadata["email"] != "a@example.com" {
		t.Errorf("unexpected sessions: %+v", out)
	}
}

func TestGetHistory(t *testing.T) {
	s := newTestServer(t)
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s.router.page = chat.Page{
		Messages: []chat.Message{{ID: 3, Sender: chat.SenderVisitor, Text: "hi", Timestamp: at}},
		HasMore:  true,
	}

	res, err := s.handleGetHistory(context.Background(), callRequest("get_history", map[string]any{
		"session_id": "guest_1",
		"before_id":  float64(10),
	}))
	if err != nil {
		t.Fatal(err)
	}

	var out historyResult
	if err := json.Unmarshal([]byte(resultText(t, res)), &out); err != nil {
		t.Fatal(err)
	}
	if !out.HasMore || len(out.Messages) != 1 || out.Messages[0].Timestamp != "2026-03-01T10:00:00.000Z" {
		t.Errorf("unexpected history: %+v", out)
	}
	if s.router.lastQuery.Limit != 20 || s.router.lastQuery.BeforeID != 10 {
		t.Errorf("unexpected query: %+v", s.router.lastQuery)
	}
}

func TestGetHistory_Validation(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name string
		args map[string]any
	}{
		{"missing session", map[string]any{}},
		{"zero limit", map[string]any{"session_id": "guest_1", "limit": float64(0)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, _ := s.handleGetHistory(context.Background(), callRequest("get_history", tt.args))
			if te := decodeToolError(t, res); te.Code != ErrValidation {
				t.Errorf("code = %q, want %q", te.Code, ErrValidation)
			}
		})
	}
}

func TestSendMessage(t *testing.T) {
	s := newTestServer(t)

	res, err := s.handleSendMessage(context.Background(), callRequest("send_message", map[string]any{
		"session_id": "guest_1",
		"message":    "hello",
	}))
	if err != nil {
		t.Fatal(err)
	}

	var out sendResult
	if err := json.Unmarshal([]byte(resultText(t, res)), &out); err != nil {
		t.Fatal(err)
	}
	if out.Status != "success" || out.SentTo != "guest_1" || out.ID != 42 {
		t.Errorf("unexpected result: %+v", out)
	}
	if len(s.router.sent) != 1 || s.router.sent[0] != "guest_1:hello" {
		t.Errorf("unexpected sends: %v", s.router.sent)
	}
}

func TestSendMessage_Errors(t *testing.T) {
	t.Run("missing message", func(t *testing.T) {
		s := newTestServer(t)
		res, _ := s.handleSendMessage(context.Background(), callRequest("send_message", map[string]any{"session_id": "guest_1"}))
		if te := decodeToolError(t, res); te.Code != ErrValidation {
			t.Errorf("code = %q", te.Code)
		}
	})

	t.Run("blank message", func(t *testing.T) {
		s := newTestServer(t)
		res, _ := s.handleSendMessage(context.Background(), callRequest("send_message", map[string]any{"session_id": "guest_1", "message": "  "}))
		if te := decodeToolError(t, res); te.Code != ErrValidation {
			t.Errorf("code = %q", te.Code)
		}
	})

	t.Run("storage failure", func(t *testing.T) {
		s := newTestServer(t)
		s.router.err = errors.New("disk full")
		res, _ := s.handleSendMessage(context.Background(), callRequest("send_message", map[string]any{"session_id": "guest_1", "message": "hi"}))
		if te := decodeToolError(t, res); te.Code != ErrInternal || te.Message != "disk full" {
			t.Errorf("unexpected tool error: %+v", te)
		}
	})
}

func TestHandler_Initialize(t *testing.T) {
	s := newTestServer(t)

	body := `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26","capabilities":{},"clientInfo":{"name":"test","version":"1"}}}`
	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	rec := httptest.NewRecorder()

	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), serverName) {
		t.Errorf("response should carry server info, got %s", rec.Body.String())
	}
}
