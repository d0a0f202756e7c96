package ratelimit

import (
	"strings"
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newLimiter(perMinute, maxLen int) (*Limiter, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	l := New(func() Limits {
		return Limits{MaxMessagesPerMinute: perMinute, MaxMessageLength: maxLen}
	}).WithClock(clock.now)
	return l, clock
}

func TestAllow_RateLimitWindow(t *testing.T) {
	l, clock := newLimiter(3, 1000)

	want := []bool{true, true, true, false}
	for i, ok := range want {
		res := l.Allow("guest_1", "hi")
		if res.OK != ok {
			t.Fatalf("message %d: got OK=%v, want %v", i+1, res.OK, ok)
		}
		clock.advance(2 * time.Second)
	}

	res := l.Allow("guest_1", "hi")
	if res.Reason != ReasonRateLimitExceeded || res.Limit != 3 {
		t.Errorf("expected rate_limit_exceeded with limit 3, got %+v", res)
	}

	// 61 seconds after the first message
	clock.t = time.Date(2026, 1, 1, 12, 1, 1, 0, time.UTC)
	if res := l.Allow("guest_1", "hi"); !res.OK {
		t.Errorf("expected message to be allowed after window slid, got %+v", res)
	}
}

func TestAllow_RejectedMessagesAreNotRecorded(t *testing.T) {
	l, clock := newLimiter(2, 1000)

	l.Allow("guest_1", "a")
	l.Allow("guest_1", "b")
	for i := 0; i < 5; i++ {
		l.Allow("guest_1", "c")
		clock.advance(time.Second)
	}

	// Only the first two count: both leave the window 60s after they were sent.
	clock.t = time.Date(2026, 1, 1, 12, 1, 0, 1, time.UTC)
	if res := l.Allow("guest_1", "d"); !res.OK {
		t.Errorf("rejected attempts must not extend the window, got %+v", res)
	}
}

func TestAllow_SessionsAreIndependent(t *testing.T) {
	l, _ := newLimiter(1, 1000)

	if !l.Allow("guest_1", "hi").OK {
		t.Fatal("first message should pass")
	}
	if l.Allow("guest_1", "hi").OK {
		t.Fatal("second message for same session should fail")
	}
	if !l.Allow("guest_2", "hi").OK {
		t.Error("other session must not be affected")
	}
}

func TestAllow_Length(t *testing.T) {
	l, _ := newLimiter(100, 10)

	if res := l.Allow("guest_1", strings.Repeat("a", 10)); !res.OK {
		t.Errorf("exactly max length should pass, got %+v", res)
	}

	res := l.Allow("guest_1", strings.Repeat("a", 11))
	if res.OK || res.Reason != ReasonMessageTooLong || res.Limit != 10 {
		t.Errorf("expected message_too_long with limit 10, got %+v", res)
	}

	// length is counted in characters, not bytes
	if res := l.Allow("guest_1", strings.Repeat("ї", 10)); !res.OK {
		t.Errorf("10 multibyte characters should pass, got %+v", res)
	}
}

func TestAllow_Empty(t *testing.T) {
	l, _ := newLimiter(100, 10)

	for _, text := range []string{"", "   ", "\n\t"} {
		res := l.Allow("guest_1", text)
		if res.OK || res.Reason != ReasonEmptyMessage {
			t.Errorf("Allow(%q): expected empty_message, got %+v", text, res)
		}
	}
}

func TestAllow_LimitsAreReadLive(t *testing.T) {
	limits := Limits{MaxMessagesPerMinute: 1, MaxMessageLength: 100}
	l := New(func() Limits { return limits })

	l.Allow("guest_1", "a")
	if l.Allow("guest_1", "b").OK {
		t.Fatal("expected rejection at limit 1")
	}

	limits.MaxMessagesPerMinute = 5
	if !l.Allow("guest_1", "c").OK {
		t.Error("raised limit should apply immediately")
	}
}

func TestForget(t *testing.T) {
	l, _ := newLimiter(1, 100)
	l.Allow("guest_1", "a")
	l.Forget("guest_1")

	if !l.Allow("guest_1", "b").OK {
		t.Error("expected fresh window after Forget")
	}
}
