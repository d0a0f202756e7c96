package storage

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/kaplia/server/chat"
)

var messageColumns = []string{"id", "session_id", "sender", "text", "timestamp"}

func (db *DB) AppendMessage(ctx context.Context, m chat.Message) (chat.Message, error) {
	if m.Timestamp.IsZero() {
		m.Timestamp = db.now()
	}
	// Stored with millisecond precision; return what a later read would.
	m.Timestamp = parseTime(formatTime(m.Timestamp))

	query, args, err := sqb.Insert("messages").
		Columns("session_id", "sender", "text", "timestamp").
		Values(m.SessionID, string(m.Sender), m.Text, formatTime(m.Timestamp)).
		ToSql()
	if err != nil {
		return chat.Message{}, fmt.Errorf("building insert: %w", err)
	}

	res, err := db.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return chat.Message{}, fmt.Errorf("inserting message: %w", err)
	}
	m.ID, err = res.LastInsertId()
	if err != nil {
		return chat.Message{}, fmt.Errorf("reading message id: %w", err)
	}
	return m, nil
}

func historyFilter(qb sq.SelectBuilder, sessionID string, beforeID int64, excludeSystem bool) sq.SelectBuilder {
	qb = qb.Where(sq.Eq{"session_id": sessionID})
	if beforeID > 0 {
		qb = qb.Where(sq.Lt{"id": beforeID})
	}
	if excludeSystem {
		qb = qb.Where(sq.NotEq{"sender": string(chat.SenderSystem)})
	}
	return qb
}

// History returns up to q.Limit messages in ascending id order: the newest
// ones, or the newest older than q.BeforeID.
func (db *DB) History(ctx context.Context, sessionID string, q chat.HistoryQuery) ([]chat.Message, error) {
	qb := historyFilter(sqb.Select(messageColumns...).From("messages"), sessionID, q.BeforeID, q.ExcludeSystem).
		OrderBy("id DESC")
	if q.Limit > 0 {
		qb = qb.Limit(uint64(q.Limit))
	}

	query, args, err := qb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building history query: %w", err)
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	msgs := make([]chat.Message, 0, max(q.Limit, 0))
	for rows.Next() {
		var m chat.Message
		var sender, ts string
		if err := rows.Scan(&m.ID, &m.SessionID, &sender, &m.Text, &ts); err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}
		m.Sender = chat.Sender(sender)
		m.Timestamp = parseTime(ts)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}

	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (db *DB) CountBefore(ctx context.Context, sessionID string, beforeID int64, excludeSystem bool) (int, error) {
	query, args, err := historyFilter(sqb.Select("COUNT(*)").From("messages"), sessionID, beforeID, excludeSystem).ToSql()
	if err != nil {
		return 0, fmt.Errorf("building count query: %w", err)
	}

	var count int
	if err := db.conn.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting messages: %w", err)
	}
	return count, nil
}

func (db *DB) DeleteMessage(ctx context.Context, id int64) error {
	query, args, err := sqb.Delete("messages").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return fmt.Errorf("building delete: %w", err)
	}
	if _, err := db.conn.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("deleting message: %w", err)
	}
	return nil
}

func (db *DB) DeleteSystemMessages(ctx context.Context, sessionID string) (int64, error) {
	query, args, err := sqb.Delete("messages").
		Where(sq.Eq{"session_id": sessionID, "sender": string(chat.SenderSystem)}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("building delete: %w", err)
	}

	res, err := db.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("deleting system messages: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reading deleted count: %w", err)
	}
	return n, nil
}

// DeleteSession removes the session record and its messages in one
// transaction.
func (db *DB) DeleteSession(ctx context.Context, sessionID string) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, table := range []string{"messages", "sessions"} {
		query, args, err := sqb.Delete(table).Where(sq.Eq{"session_id": sessionID}).ToSql()
		if err != nil {
			return fmt.Errorf("building delete: %w", err)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("deleting from %s: %w", table, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing session delete: %w", err)
	}
	return nil
}
