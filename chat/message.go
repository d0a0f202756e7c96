package chat

import (
	"context"
	"time"

	"github.com/kaplia/server/rpc"
)

// Sender is the role that produced a message.
type Sender string

const (
	SenderVisitor Sender = "client"
	SenderAdmin   Sender = "support"
	SenderSystem  Sender = "system"
)

// TimeLayout matches the millisecond ISO-8601 format the widget expects.
const TimeLayout = "2006-01-02T15:04:05.000Z07:00"

// Message is a stored chat message. IDs are assigned by the store and are
// the total order of a session's history.
type Message struct {
	ID        int64
	SessionID string
	Sender    Sender
	Text      string
	Timestamp time.Time
}

func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

func (m Message) Wire() rpc.Message {
	return rpc.Message{
		ID:        m.ID,
		Sender:    string(m.Sender),
		Text:      m.Text,
		Timestamp: FormatTime(m.Timestamp),
	}
}

func wireMessages(msgs []Message) []rpc.Message {
	out := make([]rpc.Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Wire()
	}
	return out
}

// HistoryQuery selects a page of a session's history. Without BeforeID
// the newest Limit messages are returned; with it, the Limit messages
// immediately older than BeforeID. Results are ascending by id.
type HistoryQuery struct {
	Limit         int
	BeforeID      int64
	ExcludeSystem bool
}

// Page is one page of history.
type Page struct {
	Messages []Message
	HasMore  bool // older messages matching the query exist
}

// Store persists messages.
type Store interface {
	AppendMessage(ctx context.Context, m Message) (Message, error)
	History(ctx context.Context, sessionID string, q HistoryQuery) ([]Message, error)
	CountBefore(ctx context.Context, sessionID string, beforeID int64, excludeSystem bool) (int, error)
	DeleteMessage(ctx context.Context, id int64) error
	DeleteSystemMessages(ctx context.Context, sessionID string) (int64, error)
	// DeleteSession removes the session record and all of its messages.
	DeleteSession(ctx context.Context, sessionID string) error
}
