package settings

import (
	"context"
	"errors"
	"testing"
)

type memPersister struct {
	saved   *Settings
	saveErr error
	loadErr error
}

func (p *memPersister) LoadSettings(ctx context.Context) (Settings, bool, error) {
	if p.loadErr != nil {
		return Settings{}, false, p.loadErr
	}
	if p.saved == nil {
		return Settings{}, false, nil
	}
	return *p.saved, true, nil
}

func (p *memPersister) SaveSettings(ctx context.Context, s Settings) error {
	if p.saveErr != nil {
		return p.saveErr
	}
	p.saved = &s
	return nil
}

var bgCtx = context.Background()

func TestNewStore_DefaultsWhenNothingStored(t *testing.T) {
	store, err := NewStore(bgCtx, &memPersister{})
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	got := store.Get()
	if got.MaxMessagesPerMinute != 20 || got.MaxMessageLength != 1000 {
		t.Errorf("unexpected default rate limits: %+v", got)
	}
	if !got.SystemLogs.OnlineStatus || !got.SystemLogs.PageVisits {
		t.Errorf("expected all system logs enabled by default, got %+v", got.SystemLogs)
	}
}

func TestNewStore_LoadsStored(t *testing.T) {
	stored := Default()
	stored.RealtimeTyping = true
	stored.MaxMessagesPerMinute = 3

	store, err := NewStore(bgCtx, &memPersister{saved: &stored})
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	got := store.Get()
	if !got.RealtimeTyping || got.MaxMessagesPerMinute != 3 {
		t.Errorf("expected stored settings, got %+v", got)
	}
}

func TestNewStore_FallsBackOnInvalidValue(t *testing.T) {
	stored := Default()
	stored.MaxMessageLength = 0

	store, err := NewStore(bgCtx, &memPersister{saved: &stored})
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	if got := store.Get(); got.MaxMessageLength != 1000 {
		t.Errorf("expected default max length, got %d", got.MaxMessageLength)
	}
}

func TestNewStore_LoadError(t *testing.T) {
	_, err := NewStore(bgCtx, &memPersister{loadErr: errors.New("disk gone")})
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestStore_Update(t *testing.T) {
	p := &memPersister{}
	store, _ := NewStore(bgCtx, p)

	updated, err := store.Update(bgCtx, func(s *Settings) error {
		s.Webhook = Webhook{URL: "https://hooks.example.com", Enabled: true}
		return nil
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if !updated.Webhook.Enabled {
		t.Error("expected webhook enabled in result")
	}
	if p.saved == nil || p.saved.Webhook.URL != "https://hooks.example.com" {
		t.Error("expected settings to be persisted")
	}
	if got := store.Get(); got.Webhook.URL != "https://hooks.example.com" {
		t.Errorf("expected in-memory update, got %q", got.Webhook.URL)
	}
}

func TestStore_UpdateRejectsInvalid(t *testing.T) {
	store, _ := NewStore(bgCtx, &memPersister{})

	_, err := store.Update(bgCtx, func(s *Settings) error {
		s.MaxMessagesPerMinute = -1
		return nil
	})
	if !errors.Is(err, ErrInvalidRateLimit) {
		t.Fatalf("expected ErrInvalidRateLimit, got %v", err)
	}
	if got := store.Get(); got.MaxMessagesPerMinute != 20 {
		t.Errorf("expected unchanged settings, got %d", got.MaxMessagesPerMinute)
	}
}

func TestStore_UpdateKeepsOldValueWhenSaveFails(t *testing.T) {
	p := &memPersister{}
	store, _ := NewStore(bgCtx, p)
	p.saveErr = errors.New("readonly")

	_, err := store.Update(bgCtx, func(s *Settings) error {
		s.RealtimeTyping = true
		return nil
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if store.Get().RealtimeTyping {
		t.Error("expected in-memory settings to stay unchanged")
	}
}

func TestStore_GetReturnsCopy(t *testing.T) {
	store, _ := NewStore(bgCtx, &memPersister{})
	store.Update(bgCtx, func(s *Settings) error {
		s.AllowedOrigins = []string{"https://a.example.com"}
		return nil
	})

	got := store.Get()
	got.AllowedOrigins[0] = "https://evil.example.com"

	if store.Get().AllowedOrigins[0] != "https://a.example.com" {
		t.Error("mutating Get result must not change the store")
	}
}

func TestOriginAllowed(t *testing.T) {
	tests := []struct {
		name     string
		patterns []string
		origin   string
		want     bool
	}{
		{"empty list allows all", nil, "https://anything.test", true},
		{"exact match", []string{"https://shop.example.com"}, "https://shop.example.com", true},
		{"case insensitive", []string{"https://Shop.Example.com"}, "https://shop.example.com", true},
		{"exact mismatch", []string{"https://shop.example.com"}, "https://blog.example.com", false},
		{"wildcard subdomain", []string{"https://*.example.com"}, "https://blog.example.com", true},
		{"wildcard does not match other domain", []string{"https://*.example.com"}, "https://example.org", false},
		{"dots are literal", []string{"https://shop.example.com"}, "https://shopxexample.com", false},
		{"second pattern matches", []string{"https://a.test", "http://localhost:*"}, "http://localhost:3000", true},
		{"empty origin refused", []string{"https://a.test"}, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Default()
			s.AllowedOrigins = tt.patterns
			if got := s.OriginAllowed(tt.origin); got != tt.want {
				t.Errorf("OriginAllowed(%q) = %v, want %v", tt.origin, got, tt.want)
			}
		})
	}
}

func TestParseOrigins(t *testing.T) {
	got := ParseOrigins("https://a.test\n\n  https://*.b.test  \n")
	if len(got) != 2 || got[0] != "https://a.test" || got[1] != "https://*.b.test" {
		t.Errorf("unexpected origins: %q", got)
	}
}

func TestSystemLogs(t *testing.T) {
	logs := Default().SystemLogs
	if err := logs.Set(LogTabActivity, false); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := logs.Set("bogus", false); !errors.Is(err, ErrUnknownLogSetting) {
		t.Errorf("expected ErrUnknownLogSetting, got %v", err)
	}

	tests := []struct {
		eventType string
		want      bool
	}{
		{"user_connected", true},
		{"tab_active", false},
		{"tab_inactive", false},
		{"chat_opened", true},
		{"page_visit:https://a.test/", true},
		{"something_else", true},
	}
	for _, tt := range tests {
		if got := logs.Allows(tt.eventType); got != tt.want {
			t.Errorf("Allows(%q) = %v, want %v", tt.eventType, got, tt.want)
		}
	}
}
