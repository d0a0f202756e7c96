// Package hub tracks live sockets and fans events out to them.
package hub

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/kaplia/server/rpc"
)

type entry struct {
	sessionID string
	admin     bool
	tabActive bool
}

// SessionStatus is the live presence of one session.
type SessionStatus struct {
	SessionID string
	TabActive bool // at least one tab reports active
}

// Registry is the set of live connections, indexed by session.
// At most one admin connection is tracked; registering a new one
// replaces the previous without closing it.
type Registry struct {
	mu        sync.RWMutex
	conns     map[Conn]*entry
	bySession map[string]map[Conn]struct{}
	admin     Conn
}

func NewRegistry() *Registry {
	return &Registry{
		conns:     make(map[Conn]*entry),
		bySession: make(map[string]map[Conn]struct{}),
	}
}

// Register adds c. For admin connections sessionID is ignored and the
// previously registered admin, if any, is returned.
func (r *Registry) Register(c Conn, sessionID string, isAdmin bool) (previousAdmin Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if isAdmin {
		previousAdmin = r.admin
		if previousAdmin != nil {
			delete(r.conns, previousAdmin)
		}
		r.admin = c
		r.conns[c] = &entry{admin: true}
		return previousAdmin
	}

	r.conns[c] = &entry{sessionID: sessionID}
	set, ok := r.bySession[sessionID]
	if !ok {
		set = make(map[Conn]struct{})
		r.bySession[sessionID] = set
	}
	set[c] = struct{}{}
	return nil
}

// Unregister removes c. Unknown connections are ignored.
func (r *Registry) Unregister(c Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.admin == c {
		r.admin = nil
	}

	e, ok := r.conns[c]
	if !ok {
		return
	}
	delete(r.conns, c)

	if e.admin {
		return
	}
	set := r.bySession[e.sessionID]
	delete(set, c)
	if len(set) == 0 {
		delete(r.bySession, e.sessionID)
	}
}

// AllConnections returns every open connection of the session.
func (r *Registry) AllConnections(sessionID string) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.bySession[sessionID]
	conns := make([]Conn, 0, len(set))
	for c := range set {
		conns = append(conns, c)
	}
	return conns
}

func (r *Registry) Admin() Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.admin
}

func (r *Registry) IsAdmin(c Conn) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return c != nil && r.admin == c
}

func (r *Registry) AnyOpen(sessionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bySession[sessionID]) > 0
}

// SetTabActive records the tab visibility reported by a visitor connection.
func (r *Registry) SetTabActive(c Conn, active bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.conns[c]; ok && !e.admin {
		e.tabActive = active
	}
}

// Online lists every session with at least one open connection, sorted by
// session id.
func (r *Registry) Online() []SessionStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	statuses := make([]SessionStatus, 0, len(r.bySession))
	for sessionID, set := range r.bySession {
		status := SessionStatus{SessionID: sessionID}
		for c := range set {
			if r.conns[c].tabActive {
				status.TabActive = true
				break
			}
		}
		statuses = append(statuses, status)
	}
	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].SessionID < statuses[j].SessionID
	})
	return statuses
}

// NotifyAdmin sends ev to the admin connection if one is live.
func (r *Registry) NotifyAdmin(ctx context.Context, ev rpc.Event) {
	admin := r.Admin()
	if admin == nil {
		return
	}
	if err := admin.Notify(ctx, ev); err != nil {
		slog.Debug("failed to notify admin", "event", ev.EventType(), "error", err)
	}
}

// NotifySession sends ev to every connection of the session except skip.
// It returns the number of connections notified.
func (r *Registry) NotifySession(ctx context.Context, sessionID string, ev rpc.Event, skip Conn) int {
	n := 0
	for _, c := range r.AllConnections(sessionID) {
		if c == skip {
			continue
		}
		if err := c.Notify(ctx, ev); err != nil {
			slog.Debug("failed to notify connection",
				"connId", c.ID(),
				"sessionId", sessionID,
				"event", ev.EventType(),
				"error", err)
			continue
		}
		n++
	}
	return n
}
