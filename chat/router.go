// Package chat routes messages between visitors, the admin, storage and the
// outbound webhook.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kaplia/server/hub"
	"github.com/kaplia/server/logger"
	"github.com/kaplia/server/ratelimit"
	"github.com/kaplia/server/rpc"
	"github.com/kaplia/server/session"
	"github.com/kaplia/server/settings"
)

var (
	ErrEmptyMessage   = errors.New("message text is empty")
	ErrMissingSession = errors.New("session id is required")
)

// textLogMaxLen limits message text in logs for privacy.
const textLogMaxLen = 50

// Webhook delivers visitor messages to an external endpoint. Deliver must
// not block.
type Webhook interface {
	Deliver(sessionID string, meta session.Metadata, text string, at time.Time)
}

// Router is the single entry point for message traffic. Persist-then-deliver
// runs under a per-session lock, so fan-out order equals storage order.
type Router struct {
	store    Store
	sessions session.Store
	conns    *hub.Registry
	limiter  *ratelimit.Limiter
	settings *settings.Store
	webhook  Webhook
	locks    *SessionLocks
	now      func() time.Time
}

func NewRouter(store Store, sessions session.Store, conns *hub.Registry, limiter *ratelimit.Limiter, settingsStore *settings.Store, webhook Webhook) *Router {
	return &Router{
		store:    store,
		sessions: sessions,
		conns:    conns,
		limiter:  limiter,
		settings: settingsStore,
		webhook:  webhook,
		locks:    NewSessionLocks(),
		now:      time.Now,
	}
}

// RouteVisitorMessage handles text typed by a visitor. A rejected message
// is reported to origin only and goes nowhere else.
func (r *Router) RouteVisitorMessage(ctx context.Context, sessionID, text string, origin hub.Conn) error {
	if res := r.limiter.Allow(sessionID, text); !res.OK {
		slog.Info("visitor message rejected", "sessionId", sessionID, "reason", res.Reason)
		return origin.Notify(ctx, rejection(res))
	}

	unlock := r.locks.Lock(sessionID)
	defer unlock()

	msg, err := r.store.AppendMessage(ctx, Message{
		SessionID: sessionID,
		Sender:    SenderVisitor,
		Text:      text,
		Timestamp: r.now(),
	})
	if err != nil {
		return fmt.Errorf("saving visitor message: %w", err)
	}

	slog.Debug("visitor message", "sessionId", sessionID, "id", msg.ID, "text", logger.Truncate(text, textLogMaxLen))

	meta := r.metadata(ctx, sessionID)
	if r.webhook != nil {
		r.webhook.Deliver(sessionID, meta, text, msg.Timestamp)
	}

	r.conns.NotifyAdmin(ctx, rpc.ClientMessageEvent{
		Kind:      rpc.Of(rpc.EventClientMessage),
		From:      sessionID,
		Text:      text,
		Info:      meta,
		Timestamp: FormatTime(msg.Timestamp),
		ID:        msg.ID,
	})

	r.conns.NotifySession(ctx, sessionID, rpc.SyncMessageEvent{
		Kind:      rpc.Of(rpc.EventSyncMessage),
		ID:        msg.ID,
		Text:      text,
		Sender:    "me",
		Timestamp: FormatTime(msg.Timestamp),
	}, origin)

	return nil
}

// RouteAdminReply persists an admin reply and delivers it to every tab of
// the target session. The caller acknowledges the admin with the result.
func (r *Router) RouteAdminReply(ctx context.Context, targetID, text string) (Message, error) {
	return r.sendToSession(ctx, targetID, text)
}

// RouteAPISend is RouteAdminReply for HTTP and MCP integrations; the admin
// is told about the message with api_msg_sent.
func (r *Router) RouteAPISend(ctx context.Context, targetID, text string) (Message, error) {
	msg, err := r.sendToSession(ctx, targetID, text)
	if err != nil {
		return Message{}, err
	}

	r.conns.NotifyAdmin(ctx, rpc.MessageSentEvent{
		Kind:      rpc.Of(rpc.EventAPIMessageSent),
		TargetID:  targetID,
		Text:      text,
		Timestamp: FormatTime(msg.Timestamp),
		ID:        msg.ID,
	})
	return msg, nil
}

func (r *Router) sendToSession(ctx context.Context, targetID, text string) (Message, error) {
	if strings.TrimSpace(targetID) == "" {
		return Message{}, ErrMissingSession
	}
	if strings.TrimSpace(text) == "" {
		return Message{}, ErrEmptyMessage
	}

	unlock := r.locks.Lock(targetID)
	defer unlock()

	msg, err := r.store.AppendMessage(ctx, Message{
		SessionID: targetID,
		Sender:    SenderAdmin,
		Text:      text,
		Timestamp: r.now(),
	})
	if err != nil {
		return Message{}, fmt.Errorf("saving reply: %w", err)
	}

	r.conns.NotifySession(ctx, targetID, rpc.ChatMessageEvent{
		Kind:      rpc.Of(rpc.EventMessage),
		ID:        msg.ID,
		Text:      text,
		Sender:    string(SenderAdmin),
		Timestamp: FormatTime(msg.Timestamp),
	}, nil)

	return msg, nil
}

// RouteDeleteMessage removes one message and tells the admin and the
// session's tabs.
func (r *Router) RouteDeleteMessage(ctx context.Context, msgID int64, targetID string) error {
	unlock := r.locks.Lock(targetID)
	defer unlock()

	if err := r.store.DeleteMessage(ctx, msgID); err != nil {
		return fmt.Errorf("deleting message %d: %w", msgID, err)
	}

	ev := rpc.MessageDeletedEvent{Kind: rpc.Of(rpc.EventMessageDeleted), MsgID: msgID}
	r.conns.NotifyAdmin(ctx, ev)
	r.conns.NotifySession(ctx, targetID, ev, nil)
	return nil
}

// RouteDeleteSystemMessages removes every system message of the session.
func (r *Router) RouteDeleteSystemMessages(ctx context.Context, targetID string) (int64, error) {
	unlock := r.locks.Lock(targetID)
	defer unlock()

	n, err := r.store.DeleteSystemMessages(ctx, targetID)
	if err != nil {
		return 0, fmt.Errorf("deleting system messages: %w", err)
	}

	r.conns.NotifyAdmin(ctx, rpc.SystemMessagesDeletedEvent{
		Kind:     rpc.Of(rpc.EventSystemMessagesDeleted),
		TargetID: targetID,
		Count:    n,
	})
	return n, nil
}

// RouteDeleteSession deletes the session and its messages, then resets and
// closes every open tab of it.
func (r *Router) RouteDeleteSession(ctx context.Context, sessionID string) error {
	unlock := r.locks.Lock(sessionID)
	defer unlock()

	if err := r.store.DeleteSession(ctx, sessionID); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	r.limiter.Forget(sessionID)

	r.conns.NotifyAdmin(ctx, rpc.SessionDeletedEvent{Kind: rpc.Of(rpc.EventSessionDeleted), ID: sessionID})

	for _, c := range r.conns.AllConnections(sessionID) {
		if err := c.Notify(ctx, rpc.Of(rpc.EventResetChat)); err != nil {
			slog.Debug("failed to send reset_chat", "connId", c.ID(), "error", err)
		}
		if err := c.Close("session deleted"); err != nil {
			slog.Debug("failed to close connection", "connId", c.ID(), "error", err)
		}
	}

	slog.Info("session deleted", "sessionId", sessionID)
	return nil
}

// RouteTyping forwards a live typing preview when the admin enabled it.
func (r *Router) RouteTyping(ctx context.Context, sessionID, text string) {
	if !r.settings.Get().RealtimeTyping {
		return
	}
	r.conns.NotifyAdmin(ctx, rpc.ClientTypingEvent{
		Kind:   rpc.Of(rpc.EventClientTyping),
		UserID: sessionID,
		Text:   text,
	})
}

// UpdateClientInfo replaces the session metadata pushed by the page.
func (r *Router) UpdateClientInfo(ctx context.Context, sessionID string, meta session.Metadata) error {
	if meta == nil {
		meta = session.Metadata{}
	}
	if err := r.sessions.SaveMetadata(ctx, sessionID, meta); err != nil {
		return fmt.Errorf("saving client info: %w", err)
	}

	r.conns.NotifyAdmin(ctx, rpc.UserInfoUpdateEvent{
		Kind: rpc.Of(rpc.EventUserInfoUpdate),
		ID:   sessionID,
		Info: meta,
	})
	return nil
}

// History returns one page of the session's history.
func (r *Router) History(ctx context.Context, sessionID string, q HistoryQuery) (Page, error) {
	msgs, err := r.store.History(ctx, sessionID, q)
	if err != nil {
		return Page{}, fmt.Errorf("loading history: %w", err)
	}
	if len(msgs) == 0 {
		return Page{Messages: []Message{}}, nil
	}

	older, err := r.store.CountBefore(ctx, sessionID, msgs[0].ID, q.ExcludeSystem)
	if err != nil {
		return Page{}, fmt.Errorf("counting older messages: %w", err)
	}
	return Page{Messages: msgs, HasMore: older > 0}, nil
}

// HistoryEvent wraps a page in the given outbound event type.
func HistoryEvent(eventType, targetID string, p Page) rpc.HistoryEvent {
	return rpc.HistoryEvent{
		Kind:     rpc.Of(eventType),
		TargetID: targetID,
		Messages: wireMessages(p.Messages),
		HasMore:  p.HasMore,
	}
}

// LogSystemEvent persists a system event unless its category is disabled.
// logged is false when the event was skipped because of settings.
func (r *Router) LogSystemEvent(ctx context.Context, sessionID, eventType string) (msg Message, logged bool, err error) {
	if !r.settings.Get().SystemLogs.Allows(eventType) {
		return Message{}, false, nil
	}

	unlock := r.locks.Lock(sessionID)
	defer unlock()

	msg, err = r.store.AppendMessage(ctx, Message{
		SessionID: sessionID,
		Sender:    SenderSystem,
		Text:      eventType,
		Timestamp: r.now(),
	})
	if err != nil {
		return Message{}, false, fmt.Errorf("saving system event %s: %w", eventType, err)
	}
	return msg, true, nil
}

func (r *Router) metadata(ctx context.Context, sessionID string) session.Metadata {
	sess, found, err := r.sessions.Get(ctx, sessionID)
	if err != nil {
		slog.Warn("failed to load session metadata", "sessionId", sessionID, "error", err)
		return session.Metadata{}
	}
	if !found || sess.Metadata == nil {
		return session.Metadata{}
	}
	return sess.Metadata
}

func rejection(res ratelimit.Result) rpc.ErrorEvent {
	ev := rpc.ErrorEvent{Kind: rpc.Of(rpc.EventError), Error: res.Reason}
	switch res.Reason {
	case ratelimit.ReasonMessageTooLong:
		ev.MaxLength = res.Limit
	case ratelimit.ReasonRateLimitExceeded:
		ev.MaxPerMinute = res.Limit
	}
	return ev
}
