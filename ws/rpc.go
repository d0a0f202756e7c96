package ws

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/sourcegraph/jsonrpc2"

	"github.com/kaplia/server/logger"
	"github.com/kaplia/server/rpc"
)

func (h *Handler) serveAdmin(w http.ResponseWriter, r *http.Request, password string) {
	ok, err := h.admin.CheckPassword(r.Context(), password)
	if err != nil {
		slog.Error("failed to check admin password", "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	if !ok {
		slog.Warn("invalid admin password", "remoteAddr", r.RemoteAddr)
		http.Error(w, "Invalid credentials", http.StatusUnauthorized)
		return
	}

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: h.devMode,
	})
	if err != nil {
		slog.Error("failed to accept websocket", "error", err)
		return
	}

	h.HandleStream(r.Context(), newWebSocketStream(wsConn), uuid.Must(uuid.NewV7()).String())
}

// HandleStream runs an authenticated admin session over stream until the
// peer disconnects.
func (h *Handler) HandleStream(ctx context.Context, stream jsonrpc2.ObjectStream, connID string) {
	defer func() {
		if r := recover(); r != nil {
			logger.LogPanic(r, "admin connection crashed", "connId", connID)
		}
	}()

	log := slog.With("connId", connID)

	// Registered before any request can be read; events routed meanwhile
	// wait in the queue until the snapshot is out.
	admin := newAdminConn(connID)
	if prev := h.conns.Register(admin, "", true); prev != nil {
		log.Info("admin connection replaced", "previousConnId", prev.ID())
	}
	defer h.conns.Unregister(admin)

	handler := &rpcMethodHandler{Handler: h, peer: admin, log: log}
	rpcConn := jsonrpc2.NewConn(ctx, stream, handler)
	admin.attach(rpcConn)
	log.Info("admin connected")

	h.sendSnapshot(ctx, log, admin)
	if err := admin.open(ctx); err != nil {
		log.Debug("failed to flush queued events", "error", err)
	}

	<-rpcConn.DisconnectNotify()
	log.Info("admin disconnected")
}

// sendSnapshot sends auth_success, the stored session list and the live
// presence of every online session.
func (h *Handler) sendSnapshot(ctx context.Context, log *slog.Logger, admin *adminConn) {
	token, err := h.admin.APIToken(ctx)
	if err != nil {
		log.Error("failed to read api token", "error", err)
	}

	events := []rpc.Event{rpc.AuthSuccessEvent{
		Kind:     rpc.Of(rpc.EventAuthSuccess),
		APIToken: token,
		Settings: h.settings.Get(),
	}}

	sessions, err := h.sessions.List(ctx)
	if err != nil {
		log.Error("failed to list sessions", "error", err)
	}
	users := make([]rpc.UserEntry, len(sessions))
	for i, s := range sessions {
		info := map[string]any(s.Metadata)
		if info == nil {
			info = map[string]any{}
		}
		users[i] = rpc.UserEntry{ID: s.ID, Info: info}
	}
	events = append(events, rpc.UserListEvent{Kind: rpc.Of(rpc.EventUserList), Users: users})

	for _, status := range h.conns.Online() {
		events = append(events, rpc.PresenceEvent{Kind: rpc.Of(rpc.EventUserConnected), ID: status.SessionID})
		if status.TabActive {
			events = append(events, rpc.TabVisibilityEvent{
				Kind:     rpc.Of(rpc.EventTabVisibility),
				UserID:   status.SessionID,
				IsActive: true,
			})
		}
	}

	for _, ev := range events {
		if err := admin.send(ctx, ev); err != nil {
			log.Debug("failed to send snapshot", "event", ev.EventType(), "error", err)
			return
		}
	}
}

// rpcMethodHandler runs synchronously, so the requests of one admin
// connection are handled in order.
type rpcMethodHandler struct {
	*Handler
	peer *adminConn
	log  *slog.Logger
}

func (h *rpcMethodHandler) Handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	defer func() {
		if r := recover(); r != nil {
			logger.LogPanic(r, "rpc handler panic", "method", req.Method)
		}
	}()

	h.log.Debug("received request", "method", req.Method, "id", req.ID)

	if req.Notif {
		h.log.Debug("ignoring notification", "method", req.Method)
		return
	}

	if !h.conns.IsAdmin(h.peer) {
		h.log.Warn("request from superseded admin connection", "method", req.Method)
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidRequest, "admin session superseded")
		return
	}

	switch req.Method {
	// credentials
	case "password.change":
		h.handlePasswordChange(ctx, conn, req)
	case "token.change":
		h.handleTokenChange(ctx, conn, req)
	// settings
	case "webhook.update":
		h.handleWebhookUpdate(ctx, conn, req)
	case "time_settings.update":
		h.handleTimeSettingsUpdate(ctx, conn, req)
	case "realtime_typing.update":
		h.handleRealtimeTypingUpdate(ctx, conn, req)
	case "allowed_origins.update":
		h.handleAllowedOriginsUpdate(ctx, conn, req)
	case "rate_limit.update":
		h.handleRateLimitUpdate(ctx, conn, req)
	case "message_limits.update":
		h.handleMessageLimitsUpdate(ctx, conn, req)
	case "system_logs.update":
		h.handleSystemLogsUpdate(ctx, conn, req)
	// chat
	case "history.get":
		h.handleHistoryGet(ctx, conn, req)
	case "chat.reply":
		h.handleChatReply(ctx, conn, req)
	case "message.delete":
		h.handleMessageDelete(ctx, conn, req)
	case "system_messages.delete":
		h.handleSystemMessagesDelete(ctx, conn, req)
	case "session.delete":
		h.handleSessionDelete(ctx, conn, req)
	default:
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeMethodNotFound, "method not found: "+req.Method)
	}
}

func (h *rpcMethodHandler) reply(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, result any) {
	if err := conn.Reply(ctx, req.ID, result); err != nil {
		h.log.Error("failed to send response", "method", req.Method, "error", err)
	}
}

func (h *rpcMethodHandler) replyError(ctx context.Context, conn *jsonrpc2.Conn, id jsonrpc2.ID, code int64, message string) {
	err := &jsonrpc2.Error{
		Code:    code,
		Message: message,
	}
	if replyErr := conn.ReplyWithError(ctx, id, err); replyErr != nil {
		h.log.Error("failed to send error response", "error", replyErr)
	}
}

func (h *rpcMethodHandler) notice(ctx context.Context, conn *jsonrpc2.Conn, text string) {
	ev := rpc.Notice(text)
	if err := conn.Notify(ctx, ev.EventType(), ev); err != nil {
		h.log.Debug("failed to send notice", "error", err)
	}
}

func unmarshalParams(req *jsonrpc2.Request, v any) error {
	if req.Params == nil {
		return errors.New("params required")
	}
	return json.Unmarshal(*req.Params, v)
}

// webSocketStream adapts coder/websocket to jsonrpc2.ObjectStream.
type webSocketStream struct {
	conn *websocket.Conn
	mu   sync.Mutex // protects writes
}

func newWebSocketStream(conn *websocket.Conn) *webSocketStream {
	return &webSocketStream{conn: conn}
}

// ReadObject skips frames that are not JSON-RPC messages instead of
// failing the connection.
func (s *webSocketStream) ReadObject(v any) error {
	for {
		_, data, err := s.conn.Read(context.Background())
		if err != nil {
			// Treat normal close frames as EOF so jsonrpc2 shuts down gracefully
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				return io.EOF
			}
			return err
		}
		if err := json.Unmarshal(data, v); err != nil {
			slog.Warn("malformed admin frame", "len", len(data), "error", err)
			continue
		}
		return nil
	}
}

func (s *webSocketStream) WriteObject(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Write(context.Background(), websocket.MessageText, data)
}

func (s *webSocketStream) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "")
}

var _ jsonrpc2.ObjectStream = (*webSocketStream)(nil)
