package session

import (
	"strings"

	"github.com/google/uuid"
)

// Session id namespaces. A visitor who logs out keeps their stored token,
// which never collides with their authenticated id.
const (
	PrefixAuth      = "auth_"
	PrefixAnonymous = "anon_"
)

// maxIDLen bounds client-supplied session tokens.
const maxIDLen = 128

// Params are the identity-related connection parameters.
type Params struct {
	UserID string // authenticated user id from the embedding page
	Token  string // previously issued session id
}

// Resolve derives the session id for a connection: an authenticated user
// id wins over a stored token, which wins over a freshly generated
// anonymous id. It always returns a usable id.
func Resolve(p Params) string {
	if userID := clean(p.UserID); userID != "" {
		return AuthID(userID)
	}
	if token := clean(p.Token); token != "" {
		return token
	}
	return NewAnonymousID()
}

// AuthID namespaces an authenticated user id.
func AuthID(userID string) string {
	if strings.HasPrefix(userID, PrefixAuth) {
		return userID
	}
	return PrefixAuth + userID
}

// NewAnonymousID returns a fresh id for a connection that supplied none.
func NewAnonymousID() string {
	return PrefixAnonymous + shortRandom()
}

func shortRandom() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

func clean(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxIDLen {
		return ""
	}
	return s
}
