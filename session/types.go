package session

import (
	"context"
	"errors"
	"time"
)

var ErrSessionNotFound = errors.New("session not found")

// Metadata is the free-form key/value map pushed by the visitor page.
type Metadata map[string]any

// MetaCurrentURL holds the last page the visitor navigated to.
const MetaCurrentURL = "current_url"

// Session is a logical visitor identity, possibly spanning several tabs.
type Session struct {
	ID        string    `json:"session_id"`
	Metadata  Metadata  `json:"metadata"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store persists session records.
type Store interface {
	// List returns all sessions, most recently updated first.
	List(ctx context.Context) ([]Session, error)
	Get(ctx context.Context, sessionID string) (Session, bool, error)
	// Touch creates an empty session record if none exists.
	Touch(ctx context.Context, sessionID string) error
	// SaveMetadata creates the session or replaces its metadata.
	SaveMetadata(ctx context.Context, sessionID string, meta Metadata) error
	// MergeMetadata creates the session or overlays patch onto its
	// metadata, returning the merged result.
	MergeMetadata(ctx context.Context, sessionID string, patch Metadata) (Metadata, error)
}
