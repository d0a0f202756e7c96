package presence

import (
	"sync"
	"time"
)

type lastEvent struct {
	eventType string
	at        time.Time
}

// Deduplicator suppresses a system event that repeats the session's last
// recorded event within the cooldown. Only the most recent event per
// session is remembered, so A, B, A is never suppressed.
type Deduplicator struct {
	now func() time.Time

	mu       sync.Mutex
	cooldown time.Duration
	last     map[string]lastEvent
}

func NewDeduplicator(cooldown time.Duration, now func() time.Time) *Deduplicator {
	if now == nil {
		now = time.Now
	}
	return &Deduplicator{
		now:      now,
		cooldown: cooldown,
		last:     make(map[string]lastEvent),
	}
}

// ShouldSuppress reports whether eventType repeats within the cooldown.
// When it returns false the event becomes the session's last event.
func (d *Deduplicator) ShouldSuppress(sessionID, eventType string) bool {
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()

	if prev, ok := d.last[sessionID]; ok && prev.eventType == eventType && now.Sub(prev.at) < d.cooldown {
		return true
	}
	d.last[sessionID] = lastEvent{eventType: eventType, at: now}
	return false
}

func (d *Deduplicator) SetCooldown(cooldown time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cooldown = cooldown
}

func (d *Deduplicator) Forget(sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.last, sessionID)
}
