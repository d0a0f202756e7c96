// Package rpc defines the wire format for WebSocket communication.
// Visitors exchange plain JSON frames tagged by "type"; the admin talks
// JSON-RPC 2.0 and receives the same outbound events as notifications.
package rpc

import (
	"github.com/kaplia/server/settings"
)

// Event is an outbound frame. The event type doubles as the JSON-RPC
// notification method on the admin channel.
type Event interface {
	EventType() string
}

// Kind carries the "type" tag of every outbound frame.
type Kind struct {
	Type string `json:"type"`
}

func (k Kind) EventType() string { return k.Type }

// Outbound event types.
const (
	// admin
	EventAuthSuccess           = "auth_success"
	EventUserList              = "user_list"
	EventUserConnected         = "user_connected"
	EventUserLeft              = "user_left"
	EventUserInfoUpdate        = "user_info_update"
	EventClientMessage         = "client_msg"
	EventClientTyping          = "client_typing"
	EventTabVisibility         = "tab_visibility"
	EventSystemEvent           = "system_event"
	EventChatOpened            = "chat_opened"
	EventChatClosed            = "chat_closed"
	EventPageVisit             = "page_visit"
	EventHistoryData           = "history_data"
	EventAdminMessageSent      = "admin_msg_sent"
	EventAPIMessageSent        = "api_msg_sent"
	EventSystemMessagesDeleted = "system_messages_deleted"
	EventSessionDeleted        = "session_deleted"
	EventSystemLogsUpdated     = "system_logs_updated"
	EventSystem                = "system"

	// visitor
	EventConfig      = "config"
	EventHistory     = "history"
	EventMessage     = "message"
	EventSyncMessage = "sync_message"
	EventResetChat   = "reset_chat"
	EventError       = "error"
	EventPong        = "pong"

	// both
	EventMoreHistory    = "more_history"
	EventMessageDeleted = "message_deleted"
)

// Message is a stored chat message as sent over the wire.
type Message struct {
	ID        int64  `json:"id"`
	Sender    string `json:"sender"`
	Text      string `json:"text"`
	Timestamp string `json:"timestamp"`
}

// Client → Server (visitor)

// ClientFrame is any frame a visitor may send. Fields are populated
// depending on Type.
type ClientFrame struct {
	Type     string         `json:"type"`
	Text     string         `json:"text,omitempty"`
	IsActive bool           `json:"isActive,omitempty"`
	URL      string         `json:"url,omitempty"`
	BeforeID int64          `json:"beforeId,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Visitor frame types.
const (
	FramePing          = "ping"
	FrameLoadMore      = "load_more"
	FrameTypingUpdate  = "typing_update"
	FrameTabVisibility = "tab_visibility"
	FrameChatOpened    = "chat_opened"
	FrameChatClosed    = "chat_closed"
	FramePageVisit     = "page_visit"
	FrameClientInfo    = "client_info"
	FrameMessage       = "message"
)

// Client → Server (admin JSON-RPC params)

type ChangePasswordParams struct {
	NewPassword string `json:"newPassword"`
}

type ChangeTokenParams struct {
	NewToken string `json:"newToken"`
}

type UpdateWebhookParams struct {
	URL     string `json:"url"`
	Enabled bool   `json:"enabled"`
}

type UpdateTimeSettingsParams struct {
	Timezone   string `json:"timezone"`
	DateFormat string `json:"dateFormat"`
	TimeFormat string `json:"timeFormat"`
}

type ToggleParams struct {
	Enabled bool `json:"enabled"`
}

type UpdateSystemLogsParams struct {
	Setting string `json:"setting"`
	Enabled bool   `json:"enabled"`
}

type UpdateAllowedOriginsParams struct {
	Origins string `json:"origins"` // newline separated
}

type UpdateRateLimitParams struct {
	MaxMessagesPerMinute int `json:"maxMessagesPerMinute"`
	MaxMessageLength     int `json:"maxMessageLength"`
}

type UpdateMessageLimitsParams struct {
	AdminMessagesLimit  int `json:"adminMessagesLimit"`
	WidgetMessagesLimit int `json:"widgetMessagesLimit"`
}

type GetHistoryParams struct {
	TargetID string `json:"targetId"`
	Limit    int    `json:"limit,omitempty"`
	BeforeID int64  `json:"beforeId,omitempty"`
}

type ReplyParams struct {
	TargetID string `json:"targetId"`
	Text     string `json:"text"`
}

type DeleteMessageParams struct {
	MsgID    int64  `json:"msgId"`
	TargetID string `json:"targetId"`
}

type TargetParams struct {
	TargetID string `json:"targetId"`
}

// Server → Client

type AuthSuccessEvent struct {
	Kind
	APIToken string `json:"apiToken"`
	settings.Settings
}

type UserEntry struct {
	ID   string         `json:"id"`
	Info map[string]any `json:"info"`
}

type UserListEvent struct {
	Kind
	Users []UserEntry `json:"users"`
}

// PresenceEvent is user_connected or user_left. MsgID and Timestamp are
// set only when the event was persisted.
type PresenceEvent struct {
	Kind
	ID        string `json:"id"`
	MsgID     int64  `json:"msgId,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

type UserInfoUpdateEvent struct {
	Kind
	ID   string         `json:"id"`
	Info map[string]any `json:"info"`
}

type ClientMessageEvent struct {
	Kind
	From      string         `json:"from"`
	Text      string         `json:"text"`
	Info      map[string]any `json:"info"`
	Timestamp string         `json:"timestamp"`
	ID        int64          `json:"id"`
}

type ClientTypingEvent struct {
	Kind
	UserID string `json:"userId"`
	Text   string `json:"text"`
}

type TabVisibilityEvent struct {
	Kind
	UserID   string `json:"userId"`
	IsActive bool   `json:"isActive"`
}

// SystemEvent reports a persisted tab_active/tab_inactive entry.
type SystemEvent struct {
	Kind
	UserID    string `json:"userId"`
	Event     string `json:"eventType"`
	MsgID     int64  `json:"msgId"`
	Timestamp string `json:"timestamp"`
}

// ChatWidgetEvent is chat_opened or chat_closed.
type ChatWidgetEvent struct {
	Kind
	UserID    string `json:"userId"`
	MsgID     int64  `json:"msgId"`
	Timestamp string `json:"timestamp"`
}

type PageVisitEvent struct {
	Kind
	UserID    string `json:"userId"`
	URL       string `json:"url"`
	MsgID     int64  `json:"msgId"`
	Timestamp string `json:"timestamp"`
}

// HistoryEvent is history, history_data or more_history. TargetID is
// only set on the admin channel.
type HistoryEvent struct {
	Kind
	TargetID string    `json:"targetId,omitempty"`
	Messages []Message `json:"messages"`
	HasMore  bool      `json:"hasMore"`
}

// MessageSentEvent is admin_msg_sent or api_msg_sent.
type MessageSentEvent struct {
	Kind
	TargetID  string `json:"targetId"`
	Text      string `json:"text"`
	Timestamp string `json:"timestamp"`
	ID        int64  `json:"id"`
}

type MessageDeletedEvent struct {
	Kind
	MsgID int64 `json:"msgId"`
}

type SystemMessagesDeletedEvent struct {
	Kind
	TargetID string `json:"targetId"`
	Count    int64  `json:"count"`
}

type SessionDeletedEvent struct {
	Kind
	ID string `json:"id"`
}

type SystemLogsUpdatedEvent struct {
	Kind
	Setting string `json:"setting"`
	Enabled bool   `json:"enabled"`
}

type SystemNoticeEvent struct {
	Kind
	Text string `json:"text"`
}

type ConfigEvent struct {
	Kind
	DateFormat    string `json:"dateFormat"`
	TimeFormat    string `json:"timeFormat"`
	Timezone      string `json:"timezone"`
	MessagesLimit int    `json:"messagesLimit"`
}

// ChatMessageEvent delivers an admin/API message to visitor tabs.
type ChatMessageEvent struct {
	Kind
	ID        int64  `json:"id"`
	Text      string `json:"text"`
	Sender    string `json:"sender"`
	Timestamp string `json:"timestamp"`
}

// SyncMessageEvent echoes a visitor message to the visitor's other tabs.
type SyncMessageEvent struct {
	Kind
	ID        int64  `json:"id"`
	Text      string `json:"text"`
	Sender    string `json:"sender"` // always "me"
	Timestamp string `json:"timestamp"`
}

// ErrorEvent reports a rejected visitor message.
type ErrorEvent struct {
	Kind
	Error        string `json:"error"`
	MaxLength    int    `json:"maxLength,omitempty"`
	MaxPerMinute int    `json:"maxPerMinute,omitempty"`
}

// Of builds a Kind for the given event type.
func Of(eventType string) Kind {
	return Kind{Type: eventType}
}

// Notice builds a generic system text notice.
func Notice(text string) SystemNoticeEvent {
	return SystemNoticeEvent{Kind: Of(EventSystem), Text: text}
}
