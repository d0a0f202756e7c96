package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/kaplia/server/session"
)

const upsertMetadata = "ON CONFLICT(session_id) DO UPDATE SET metadata = excluded.metadata, updated_at = excluded.updated_at"

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// List returns every session, most recently updated first.
func (db *DB) List(ctx context.Context) ([]session.Session, error) {
	query, args, err := sqb.Select("session_id", "metadata", "updated_at").
		From("sessions").
		OrderBy("updated_at DESC", "session_id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building session query: %w", err)
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	sessions := []session.Session{}
	for rows.Next() {
		var id, raw, updated string
		if err := rows.Scan(&id, &raw, &updated); err != nil {
			return nil, fmt.Errorf("scanning session row: %w", err)
		}
		sessions = append(sessions, session.Session{
			ID:        id,
			Metadata:  decodeMetadata(raw),
			UpdatedAt: parseTime(updated),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating session rows: %w", err)
	}
	return sessions, nil
}

func (db *DB) Get(ctx context.Context, sessionID string) (session.Session, bool, error) {
	return getSession(ctx, db.conn, sessionID)
}

func getSession(ctx context.Context, q queryer, sessionID string) (session.Session, bool, error) {
	query, args, err := sqb.Select("metadata", "updated_at").
		From("sessions").
		Where(sq.Eq{"session_id": sessionID}).
		ToSql()
	if err != nil {
		return session.Session{}, false, fmt.Errorf("building session query: %w", err)
	}

	var raw, updated string
	err = q.QueryRowContext(ctx, query, args...).Scan(&raw, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return session.Session{}, false, nil
	}
	if err != nil {
		return session.Session{}, false, fmt.Errorf("reading session: %w", err)
	}

	return session.Session{
		ID:        sessionID,
		Metadata:  decodeMetadata(raw),
		UpdatedAt: parseTime(updated),
	}, true, nil
}

func (db *DB) Touch(ctx context.Context, sessionID string) error {
	query, args, err := sqb.Insert("sessions").
		Columns("session_id", "metadata", "updated_at").
		Values(sessionID, "{}", formatTime(db.now())).
		Suffix("ON CONFLICT(session_id) DO NOTHING").
		ToSql()
	if err != nil {
		return fmt.Errorf("building insert: %w", err)
	}
	if _, err := db.conn.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("creating session: %w", err)
	}
	return nil
}

func (db *DB) SaveMetadata(ctx context.Context, sessionID string, meta session.Metadata) error {
	return db.saveMetadata(ctx, db.conn, sessionID, meta)
}

func (db *DB) saveMetadata(ctx context.Context, q queryer, sessionID string, meta session.Metadata) error {
	if meta == nil {
		meta = session.Metadata{}
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}

	query, args, err := sqb.Insert("sessions").
		Columns("session_id", "metadata", "updated_at").
		Values(sessionID, string(raw), formatTime(db.now())).
		Suffix(upsertMetadata).
		ToSql()
	if err != nil {
		return fmt.Errorf("building upsert: %w", err)
	}
	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("saving metadata: %w", err)
	}
	return nil
}

// MergeMetadata overlays patch onto the stored metadata in a transaction.
func (db *DB) MergeMetadata(ctx context.Context, sessionID string, patch session.Metadata) (session.Metadata, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	current, _, err := getSession(ctx, tx, sessionID)
	if err != nil {
		return nil, err
	}

	merged := session.Metadata{}
	for k, v := range current.Metadata {
		merged[k] = v
	}
	for k, v := range patch {
		merged[k] = v
	}

	if err := db.saveMetadata(ctx, tx, sessionID, merged); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing metadata: %w", err)
	}
	return merged, nil
}

func decodeMetadata(raw string) session.Metadata {
	meta := session.Metadata{}
	if raw == "" {
		return meta
	}
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return session.Metadata{}
	}
	return meta
}
