// Package presence turns raw connection activity into online, offline and
// tab activity events, absorbing the disconnect and visibility blips that
// page navigation produces.
package presence

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kaplia/server/chat"
	"github.com/kaplia/server/hub"
	"github.com/kaplia/server/rpc"
	"github.com/kaplia/server/session"
	"github.com/kaplia/server/settings"
)

// System event types persisted by the tracker.
const (
	EventUserConnected = "user_connected"
	EventUserLeft      = "user_left"
	EventTabActive     = "tab_active"
	EventTabInactive   = "tab_inactive"
	EventChatOpened    = "chat_opened"
	EventChatClosed    = "chat_closed"
)

// visitExpirySlack is added to the navigation grace before a recorded page
// visit is dropped.
const visitExpirySlack = 100 * time.Millisecond

type Timings struct {
	NavigationGrace    time.Duration `yaml:"navigation_grace"`
	TabVisibilityDelay time.Duration `yaml:"tab_visibility_delay"`
	DedupCooldown      time.Duration `yaml:"dedup_cooldown"`
}

func DefaultTimings() Timings {
	return Timings{
		NavigationGrace:    3 * time.Second,
		TabVisibilityDelay: 500 * time.Millisecond,
		DedupCooldown:      60 * time.Second,
	}
}

// Registry is the subset of the connection registry the tracker reads.
type Registry interface {
	AnyOpen(sessionID string) bool
	SetTabActive(c hub.Conn, active bool)
	NotifyAdmin(ctx context.Context, ev rpc.Event)
}

// EventLogger persists system events. logged is false when the event's
// category is disabled.
type EventLogger interface {
	LogSystemEvent(ctx context.Context, sessionID, eventType string) (msg chat.Message, logged bool, err error)
}

// MetadataStore merges page-reported fields into session metadata.
type MetadataStore interface {
	MergeMetadata(ctx context.Context, sessionID string, patch session.Metadata) (session.Metadata, error)
}

type pendingTab struct {
	timer  Timer
	active bool
}

type recentVisit struct {
	at    time.Time
	timer Timer
}

// Tracker owns the per-session pending timers. Each map holds at most one
// entry per session; a timer callback acts only if its entry is still the
// one in the map, so a replaced or cancelled timer that fires late is a
// no-op. Connect and an expiring disconnect of the same session run under
// the session's serial lock, so user_left is never persisted after the
// user_connected of a reconnect.
type Tracker struct {
	conns  Registry
	events EventLogger
	meta   MetadataStore
	clock  Clock
	dedup  *Deduplicator
	serial *chat.SessionLocks

	ctx    context.Context
	cancel context.CancelFunc

	mu                sync.Mutex
	timings           Timings
	pendingDisconnect map[string]*Timer
	pendingTab        map[string]*pendingTab
	recentVisits      map[string]*recentVisit
}

func NewTracker(conns Registry, events EventLogger, meta MetadataStore, timings Timings) *Tracker {
	ctx, cancel := context.WithCancel(context.Background())
	t := &Tracker{
		conns:             conns,
		events:            events,
		meta:              meta,
		serial:            chat.NewSessionLocks(),
		ctx:               ctx,
		cancel:            cancel,
		timings:           timings,
		pendingDisconnect: make(map[string]*Timer),
		pendingTab:        make(map[string]*pendingTab),
		recentVisits:      make(map[string]*recentVisit),
	}
	t.setClock(realClock{})
	return t
}

// WithClock replaces the time source. Intended for tests.
func (t *Tracker) WithClock(c Clock) *Tracker {
	t.setClock(c)
	return t
}

func (t *Tracker) setClock(c Clock) {
	t.clock = c
	t.dedup = NewDeduplicator(t.timings.DedupCooldown, c.Now)
}

func (t *Tracker) Timings() Timings {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.timings
}

// SetTimings applies to timers started after the call.
func (t *Tracker) SetTimings(timings Timings) {
	t.mu.Lock()
	t.timings = timings
	t.mu.Unlock()
	t.dedup.SetCooldown(timings.DedupCooldown)
}

// Connect handles a new visitor connection that is already registered.
func (t *Tracker) Connect(ctx context.Context, sessionID string) {
	unlock := t.serial.Lock(sessionID)
	defer unlock()

	t.mu.Lock()
	pending, reconnect := t.pendingDisconnect[sessionID]
	if reconnect {
		(*pending).Stop()
		delete(t.pendingDisconnect, sessionID)
	}
	t.mu.Unlock()

	if reconnect {
		slog.Debug("reconnect within navigation grace", "sessionId", sessionID)
		t.conns.NotifyAdmin(ctx, presenceEvent(rpc.EventUserConnected, sessionID, nil))
		return
	}

	if t.dedup.ShouldSuppress(sessionID, EventUserConnected) {
		t.conns.NotifyAdmin(ctx, presenceEvent(rpc.EventUserConnected, sessionID, nil))
		return
	}

	msg, logged := t.logEvent(ctx, sessionID, EventUserConnected)
	if !logged {
		t.conns.NotifyAdmin(ctx, presenceEvent(rpc.EventUserConnected, sessionID, nil))
		return
	}
	t.conns.NotifyAdmin(ctx, presenceEvent(rpc.EventUserConnected, sessionID, &msg))
}

// Disconnect handles a closed visitor connection that is already
// unregistered. When it was the session's last connection the admin is told
// at once and user_left is persisted only if the session stays offline for
// the navigation grace.
func (t *Tracker) Disconnect(ctx context.Context, sessionID string) {
	t.mu.Lock()
	if t.conns.AnyOpen(sessionID) {
		t.mu.Unlock()
		return
	}
	if _, ok := t.pendingDisconnect[sessionID]; ok {
		t.mu.Unlock()
		return
	}

	timer := new(Timer)
	*timer = t.clock.AfterFunc(t.timings.NavigationGrace, func() {
		t.disconnectExpired(sessionID, timer)
	})
	t.pendingDisconnect[sessionID] = timer
	t.mu.Unlock()

	t.conns.NotifyAdmin(ctx, presenceEvent(rpc.EventUserLeft, sessionID, nil))
}

func (t *Tracker) disconnectExpired(sessionID string, timer *Timer) {
	unlock := t.serial.Lock(sessionID)
	defer unlock()

	t.mu.Lock()
	if t.pendingDisconnect[sessionID] != timer {
		t.mu.Unlock()
		return
	}
	delete(t.pendingDisconnect, sessionID)
	back := t.conns.AnyOpen(sessionID)
	t.mu.Unlock()

	if back || t.dedup.ShouldSuppress(sessionID, EventUserLeft) {
		return
	}
	if msg, logged := t.logEvent(t.ctx, sessionID, EventUserLeft); logged {
		t.conns.NotifyAdmin(t.ctx, presenceEvent(rpc.EventUserLeft, sessionID, &msg))
	}
}

// TabVisibility records a tab's visibility and schedules a tab_active or
// tab_inactive entry unless the change looks like part of a navigation.
func (t *Tracker) TabVisibility(ctx context.Context, c hub.Conn, sessionID string, active bool) {
	t.conns.SetTabActive(c, active)
	t.conns.NotifyAdmin(ctx, rpc.TabVisibilityEvent{
		Kind:     rpc.Of(rpc.EventTabVisibility),
		UserID:   sessionID,
		IsActive: active,
	})

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.navigatingLocked(sessionID) {
		return
	}

	if prev, ok := t.pendingTab[sessionID]; ok {
		prev.timer.Stop()
	}
	p := &pendingTab{active: active}
	p.timer = t.clock.AfterFunc(t.timings.TabVisibilityDelay, func() {
		t.tabVisibilityExpired(sessionID, p)
	})
	t.pendingTab[sessionID] = p
}

func (t *Tracker) tabVisibilityExpired(sessionID string, p *pendingTab) {
	t.mu.Lock()
	if t.pendingTab[sessionID] != p {
		t.mu.Unlock()
		return
	}
	delete(t.pendingTab, sessionID)
	navigating := t.navigatingLocked(sessionID)
	t.mu.Unlock()

	if navigating {
		return
	}

	eventType := EventTabInactive
	if p.active {
		eventType = EventTabActive
	}
	if t.dedup.ShouldSuppress(sessionID, eventType) {
		return
	}
	if msg, logged := t.logEvent(t.ctx, sessionID, eventType); logged {
		t.conns.NotifyAdmin(t.ctx, rpc.SystemEvent{
			Kind:      rpc.Of(rpc.EventSystemEvent),
			UserID:    sessionID,
			Event:     eventType,
			MsgID:     msg.ID,
			Timestamp: chat.FormatTime(msg.Timestamp),
		})
	}
}

// navigatingLocked reports whether a visibility change for the session
// should be treated as a navigation artifact. t.mu must be held.
func (t *Tracker) navigatingLocked(sessionID string) bool {
	if _, ok := t.pendingDisconnect[sessionID]; ok {
		return true
	}
	v, ok := t.recentVisits[sessionID]
	return ok && t.clock.Now().Sub(v.at) < t.timings.NavigationGrace
}

// PageVisit records a navigation to url. It cancels a pending visibility
// entry and opens a grace window in which visibility changes are not
// logged. A pending disconnect is left running.
func (t *Tracker) PageVisit(ctx context.Context, sessionID, url string) {
	t.mu.Lock()
	if p, ok := t.pendingTab[sessionID]; ok {
		p.timer.Stop()
		delete(t.pendingTab, sessionID)
	}
	if prev, ok := t.recentVisits[sessionID]; ok {
		prev.timer.Stop()
	}
	v := &recentVisit{at: t.clock.Now()}
	v.timer = t.clock.AfterFunc(t.timings.NavigationGrace+visitExpirySlack, func() {
		t.visitExpired(sessionID, v)
	})
	t.recentVisits[sessionID] = v
	t.mu.Unlock()

	info, err := t.meta.MergeMetadata(ctx, sessionID, session.Metadata{session.MetaCurrentURL: url})
	if err != nil {
		slog.Error("failed to save current url", "sessionId", sessionID, "error", err)
		info = session.Metadata{session.MetaCurrentURL: url}
	}
	t.conns.NotifyAdmin(ctx, rpc.UserInfoUpdateEvent{
		Kind: rpc.Of(rpc.EventUserInfoUpdate),
		ID:   sessionID,
		Info: info,
	})

	if msg, logged := t.logEvent(ctx, sessionID, settings.PageVisitPrefix+url); logged {
		t.conns.NotifyAdmin(ctx, rpc.PageVisitEvent{
			Kind:      rpc.Of(rpc.EventPageVisit),
			UserID:    sessionID,
			URL:       url,
			MsgID:     msg.ID,
			Timestamp: chat.FormatTime(msg.Timestamp),
		})
	}
}

func (t *Tracker) visitExpired(sessionID string, v *recentVisit) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.recentVisits[sessionID] == v {
		delete(t.recentVisits, sessionID)
	}
}

// ChatWidget logs the visitor opening or closing the chat window.
func (t *Tracker) ChatWidget(ctx context.Context, sessionID string, opened bool) {
	eventType := EventChatClosed
	if opened {
		eventType = EventChatOpened
	}
	msg, logged := t.logEvent(ctx, sessionID, eventType)
	if !logged {
		return
	}
	t.conns.NotifyAdmin(ctx, rpc.ChatWidgetEvent{
		Kind:      rpc.Of(eventType),
		UserID:    sessionID,
		MsgID:     msg.ID,
		Timestamp: chat.FormatTime(msg.Timestamp),
	})
}

// Forget cancels every timer of the session and drops its dedup state.
func (t *Tracker) Forget(sessionID string) {
	t.mu.Lock()
	if timer, ok := t.pendingDisconnect[sessionID]; ok {
		(*timer).Stop()
		delete(t.pendingDisconnect, sessionID)
	}
	if p, ok := t.pendingTab[sessionID]; ok {
		p.timer.Stop()
		delete(t.pendingTab, sessionID)
	}
	if v, ok := t.recentVisits[sessionID]; ok {
		v.timer.Stop()
		delete(t.recentVisits, sessionID)
	}
	t.mu.Unlock()

	t.dedup.Forget(sessionID)
}

// Close stops every pending timer. Timers that already started firing
// finish with a cancelled context.
func (t *Tracker) Close() {
	t.cancel()

	t.mu.Lock()
	defer t.mu.Unlock()
	for id, timer := range t.pendingDisconnect {
		(*timer).Stop()
		delete(t.pendingDisconnect, id)
	}
	for id, p := range t.pendingTab {
		p.timer.Stop()
		delete(t.pendingTab, id)
	}
	for id, v := range t.recentVisits {
		v.timer.Stop()
		delete(t.recentVisits, id)
	}
}

// Pending reports the session's pending disconnect and tab visibility
// timers.
func (t *Tracker) Pending(sessionID string) (disconnect, tab bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, disconnect = t.pendingDisconnect[sessionID]
	_, tab = t.pendingTab[sessionID]
	return disconnect, tab
}

func (t *Tracker) logEvent(ctx context.Context, sessionID, eventType string) (chat.Message, bool) {
	msg, logged, err := t.events.LogSystemEvent(ctx, sessionID, eventType)
	if err != nil {
		slog.Error("failed to persist system event", "sessionId", sessionID, "event", eventType, "error", err)
		return chat.Message{}, false
	}
	return msg, logged
}

func presenceEvent(eventType, sessionID string, msg *chat.Message) rpc.PresenceEvent {
	ev := rpc.PresenceEvent{Kind: rpc.Of(eventType), ID: sessionID}
	if msg != nil {
		ev.MsgID = msg.ID
		ev.Timestamp = chat.FormatTime(msg.Timestamp)
	}
	return ev
}
