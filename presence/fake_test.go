package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/kaplia/server/chat"
	"github.com/kaplia/server/session"
	"github.com/kaplia/server/settings"
)

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// fakeClock fires timers synchronously from Advance.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves time forward, running due timers in deadline order.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		sort.SliceStable(c.timers, func(i, j int) bool { return c.timers[i].at.Before(c.timers[j].at) })
		var next *fakeTimer
		for _, t := range c.timers {
			if !t.stopped && !t.fired && !t.at.After(target) {
				next = t
				break
			}
		}
		if next == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		next.fired = true
		c.now = next.at
		c.mu.Unlock()

		next.f()
	}
}

// active counts timers that are scheduled and not stopped.
func (c *fakeClock) active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

type loggedEvent struct {
	sessionID string
	eventType string
}

// memLogger persists system events in memory, honoring the log toggles.
type memLogger struct {
	clock *fakeClock

	mu     sync.Mutex
	nextID int64
	logs   settings.SystemLogs
	events []loggedEvent
	err    error

	// beforeLog runs ahead of each persisted event without l.mu held.
	beforeLog func(sessionID, eventType string)
}

func newMemLogger(clock *fakeClock) *memLogger {
	return &memLogger{clock: clock, logs: settings.Default().SystemLogs}
}

func (l *memLogger) LogSystemEvent(ctx context.Context, sessionID, eventType string) (chat.Message, bool, error) {
	l.mu.Lock()
	hook := l.beforeLog
	l.mu.Unlock()
	if hook != nil {
		hook(sessionID, eventType)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return chat.Message{}, false, l.err
	}
	if !l.logs.Allows(eventType) {
		return chat.Message{}, false, nil
	}
	l.nextID++
	l.events = append(l.events, loggedEvent{sessionID, eventType})
	return chat.Message{
		ID:        l.nextID,
		SessionID: sessionID,
		Sender:    chat.SenderSystem,
		Text:      eventType,
		Timestamp: l.clock.Now(),
	}, true, nil
}

func (l *memLogger) count(eventType string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e.eventType == eventType {
			n++
		}
	}
	return n
}

func (l *memLogger) types() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.events))
	for i, e := range l.events {
		out[i] = e.eventType
	}
	return out
}

type memMetadata struct {
	mu   sync.Mutex
	data map[string]session.Metadata
}

func (m *memMetadata) MergeMetadata(ctx context.Context, sessionID string, patch session.Metadata) (session.Metadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		m.data = make(map[string]session.Metadata)
	}
	merged := session.Metadata{}
	for k, v := range m.data[sessionID] {
		merged[k] = v
	}
	for k, v := range patch {
		merged[k] = v
	}
	m.data[sessionID] = merged
	return merged, nil
}
