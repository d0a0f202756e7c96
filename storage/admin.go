package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/kaplia/server/settings"
)

const adminRowID = 1

var (
	ErrNoAdmin       = errors.New("admin account is not initialized")
	ErrEmptyPassword = errors.New("password is empty")
	ErrEmptyToken    = errors.New("api token is empty")
)

// Bootstrap describes the admin account after EnsureAdmin. Password is set
// only when the account was created in this call.
type Bootstrap struct {
	Created           bool
	Password          string
	GeneratedPassword bool
	APIToken          string
}

// NewSecret returns a random 32 character hex string.
func NewSecret() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// EnsureAdmin creates the admin account if it does not exist. An empty
// initialPassword generates one.
func (db *DB) EnsureAdmin(ctx context.Context, initialPassword string) (Bootstrap, error) {
	hash, err := db.readAdmin(ctx, "password_hash")
	if err != nil && !errors.Is(err, ErrNoAdmin) {
		return Bootstrap{}, err
	}
	if hash != "" {
		token, err := db.APIToken(ctx)
		if err != nil {
			return Bootstrap{}, err
		}
		if token == "" {
			token = NewSecret()
			if err := db.SetAPIToken(ctx, token); err != nil {
				return Bootstrap{}, err
			}
		}
		return Bootstrap{APIToken: token}, nil
	}

	b := Bootstrap{
		Created:  true,
		Password: initialPassword,
		APIToken: NewSecret(),
	}
	if b.Password == "" {
		b.Password = NewSecret()[:16]
		b.GeneratedPassword = true
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(b.Password), bcrypt.DefaultCost)
	if err != nil {
		return Bootstrap{}, fmt.Errorf("hashing password: %w", err)
	}

	query, args, err := sqb.Insert("admin").
		Columns("id", "password_hash", "api_token").
		Values(adminRowID, string(hashed), b.APIToken).
		Suffix("ON CONFLICT(id) DO UPDATE SET password_hash = excluded.password_hash, api_token = excluded.api_token").
		ToSql()
	if err != nil {
		return Bootstrap{}, fmt.Errorf("building insert: %w", err)
	}
	if _, err := db.conn.ExecContext(ctx, query, args...); err != nil {
		return Bootstrap{}, fmt.Errorf("creating admin: %w", err)
	}
	return b, nil
}

func (db *DB) readAdmin(ctx context.Context, column string) (string, error) {
	query, args, err := sqb.Select(column).From("admin").Where(sq.Eq{"id": adminRowID}).ToSql()
	if err != nil {
		return "", fmt.Errorf("building admin query: %w", err)
	}

	var value string
	err = db.conn.QueryRowContext(ctx, query, args...).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNoAdmin
	}
	if err != nil {
		return "", fmt.Errorf("reading admin %s: %w", column, err)
	}
	return value, nil
}

func (db *DB) updateAdmin(ctx context.Context, column string, value any) error {
	query, args, err := sqb.Update("admin").Set(column, value).Where(sq.Eq{"id": adminRowID}).ToSql()
	if err != nil {
		return fmt.Errorf("building admin update: %w", err)
	}

	res, err := db.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating admin %s: %w", column, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNoAdmin
	}
	return nil
}

// CheckPassword compares password against the stored bcrypt hash.
func (db *DB) CheckPassword(ctx context.Context, password string) (bool, error) {
	hash, err := db.readAdmin(ctx, "password_hash")
	if err != nil {
		return false, err
	}
	if hash == "" {
		return false, nil
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil, nil
}

func (db *DB) SetPassword(ctx context.Context, password string) error {
	if strings.TrimSpace(password) == "" {
		return ErrEmptyPassword
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hashing password: %w", err)
	}
	return db.updateAdmin(ctx, "password_hash", string(hash))
}

func (db *DB) APIToken(ctx context.Context) (string, error) {
	return db.readAdmin(ctx, "api_token")
}

func (db *DB) SetAPIToken(ctx context.Context, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return ErrEmptyToken
	}
	return db.updateAdmin(ctx, "api_token", token)
}

// LoadSettings decodes the stored settings over the defaults so fields
// added later keep their default values.
func (db *DB) LoadSettings(ctx context.Context) (settings.Settings, bool, error) {
	query, args, err := sqb.Select("settings").From("admin").Where(sq.Eq{"id": adminRowID}).ToSql()
	if err != nil {
		return settings.Settings{}, false, fmt.Errorf("building settings query: %w", err)
	}

	var raw sql.NullString
	err = db.conn.QueryRowContext(ctx, query, args...).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && (!raw.Valid || raw.String == "")) {
		return settings.Settings{}, false, nil
	}
	if err != nil {
		return settings.Settings{}, false, fmt.Errorf("reading settings: %w", err)
	}

	s := settings.Default()
	if err := json.Unmarshal([]byte(raw.String), &s); err != nil {
		return settings.Settings{}, false, fmt.Errorf("decoding settings: %w", err)
	}
	return s, true, nil
}

func (db *DB) SaveSettings(ctx context.Context, s settings.Settings) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encoding settings: %w", err)
	}

	query, args, err := sqb.Insert("admin").
		Columns("id", "settings").
		Values(adminRowID, string(raw)).
		Suffix("ON CONFLICT(id) DO UPDATE SET settings = excluded.settings").
		ToSql()
	if err != nil {
		return fmt.Errorf("building settings upsert: %w", err)
	}
	if _, err := db.conn.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("saving settings: %w", err)
	}
	return nil
}
