package storage

import (
	"context"
	"errors"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/kaplia/server/chat"
)

var errDisk = errors.New("disk I/O error")

func newMockDB(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return New(conn), mock
}

func TestAppendMessage_ExecError(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectExec("INSERT INTO messages").WillReturnError(errDisk)

	_, err := db.AppendMessage(context.Background(), chat.Message{SessionID: "guest_1", Sender: chat.SenderVisitor, Text: "hi"})
	if !errors.Is(err, errDisk) {
		t.Errorf("expected wrapped disk error, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestDeleteSession_RollsBack(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM messages").WithArgs("guest_1").WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec("DELETE FROM sessions").WithArgs("guest_1").WillReturnError(errDisk)
	mock.ExpectRollback()

	err := db.DeleteSession(context.Background(), "guest_1")
	if !errors.Is(err, errDisk) {
		t.Errorf("expected wrapped disk error, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestHistory_QueryShape(t *testing.T) {
	db, mock := newMockDB(t)
	rows := sqlmock.NewRows([]string{"id", "session_id", "sender", "text", "timestamp"}).
		AddRow(int64(9), "guest_1", "support", "b", "2026-01-01T10:00:01.000Z").
		AddRow(int64(7), "guest_1", "client", "a", "2026-01-01T10:00:00.000Z")
	mock.ExpectQuery(`SELECT id, session_id, sender, text, timestamp FROM messages WHERE session_id = \? AND id < \? AND sender <> \? ORDER BY id DESC LIMIT 2`).
		WithArgs("guest_1", int64(10), "system").
		WillReturnRows(rows)

	msgs, err := db.History(context.Background(), "guest_1", chat.HistoryQuery{Limit: 2, BeforeID: 10, ExcludeSystem: true})
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(msgs) != 2 || msgs[0].ID != 7 || msgs[1].ID != 9 {
		t.Errorf("expected ascending order, got %+v", msgs)
	}
	if msgs[1].Sender != chat.SenderAdmin {
		t.Errorf("sender = %q", msgs[1].Sender)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestCheckPassword_NoAdmin(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectQuery("SELECT password_hash FROM admin").WillReturnRows(sqlmock.NewRows([]string{"password_hash"}))

	ok, err := db.CheckPassword(context.Background(), "x")
	if ok || !errors.Is(err, ErrNoAdmin) {
		t.Errorf("expected ErrNoAdmin, got ok=%v err=%v", ok, err)
	}
}
