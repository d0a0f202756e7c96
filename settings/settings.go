// Package settings provides the admin-editable runtime settings.
package settings

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	ErrInvalidRateLimit     = errors.New("rate limits must be positive")
	ErrInvalidMessageLimits = errors.New("message limits must be positive")
	ErrUnknownLogSetting    = errors.New("unknown system log setting")
)

type Webhook struct {
	URL     string `json:"url"`
	Enabled bool   `json:"enabled"`
}

// SystemLogs toggles persistence of each system event category.
type SystemLogs struct {
	OnlineStatus bool `json:"onlineStatus"` // user_connected, user_left
	TabActivity  bool `json:"tabActivity"`  // tab_active, tab_inactive
	ChatWidget   bool `json:"chatWidget"`   // chat_opened, chat_closed
	PageVisits   bool `json:"pageVisits"`   // page_visit:<url>
}

// System log setting names as used on the wire.
const (
	LogOnlineStatus = "onlineStatus"
	LogTabActivity  = "tabActivity"
	LogChatWidget   = "chatWidget"
	LogPageVisits   = "pageVisits"
)

// PageVisitPrefix prefixes the URL in page visit event types.
const PageVisitPrefix = "page_visit:"

type Settings struct {
	Webhook              Webhook    `json:"webhookConfig"`
	Timezone             string     `json:"timezone"`
	DateFormat           string     `json:"dateFormat"`
	TimeFormat           string     `json:"timeFormat"`
	RealtimeTyping       bool       `json:"realtimeTyping"`
	SystemLogs           SystemLogs `json:"systemLogs"`
	AllowedOrigins       []string   `json:"allowedOrigins"`
	MaxMessagesPerMinute int        `json:"maxMessagesPerMinute"`
	MaxMessageLength     int        `json:"maxMessageLength"`
	AdminMessagesLimit   int        `json:"adminMessagesLimit"`
	WidgetMessagesLimit  int        `json:"widgetMessagesLimit"`
}

func Default() Settings {
	return Settings{
		Timezone:   "0",
		DateFormat: "d.m.Y",
		TimeFormat: "H:i",
		SystemLogs: SystemLogs{
			OnlineStatus: true,
			TabActivity:  true,
			ChatWidget:   true,
			PageVisits:   true,
		},
		AllowedOrigins:       []string{},
		MaxMessagesPerMinute: 20,
		MaxMessageLength:     1000,
		AdminMessagesLimit:   20,
		WidgetMessagesLimit:  20,
	}
}

func (s Settings) Validate() error {
	if s.MaxMessagesPerMinute <= 0 || s.MaxMessageLength <= 0 {
		return ErrInvalidRateLimit
	}
	if s.AdminMessagesLimit <= 0 || s.WidgetMessagesLimit <= 0 {
		return ErrInvalidMessageLimits
	}
	return nil
}

// Set flips a single system log category by its wire name.
func (l *SystemLogs) Set(setting string, enabled bool) error {
	switch setting {
	case LogOnlineStatus:
		l.OnlineStatus = enabled
	case LogTabActivity:
		l.TabActivity = enabled
	case LogChatWidget:
		l.ChatWidget = enabled
	case LogPageVisits:
		l.PageVisits = enabled
	default:
		return fmt.Errorf("%w: %q", ErrUnknownLogSetting, setting)
	}
	return nil
}

// Allows reports whether a system event of the given type should be
// persisted. Event types outside the four categories are always allowed.
func (l SystemLogs) Allows(eventType string) bool {
	if strings.HasPrefix(eventType, PageVisitPrefix) {
		return l.PageVisits
	}
	switch eventType {
	case "user_connected", "user_left":
		return l.OnlineStatus
	case "tab_active", "tab_inactive":
		return l.TabActivity
	case "chat_opened", "chat_closed":
		return l.ChatWidget
	}
	return true
}

// ParseOrigins splits a newline separated origin list, dropping blank lines.
func ParseOrigins(s string) []string {
	origins := []string{}
	for _, line := range strings.Split(s, "\n") {
		if o := strings.TrimSpace(line); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

// OriginAllowed matches origin against the allow-list. Patterns match the
// whole origin case-insensitively and "*" matches any run of characters.
// An empty allow-list allows every origin.
func (s Settings) OriginAllowed(origin string) bool {
	if len(s.AllowedOrigins) == 0 {
		return true
	}
	for _, pattern := range s.AllowedOrigins {
		if matchOrigin(strings.TrimSpace(pattern), origin) {
			return true
		}
	}
	return false
}

func matchOrigin(pattern, origin string) bool {
	expr := strings.ReplaceAll(regexp.QuoteMeta(pattern), `\*`, `.*`)
	re, err := regexp.Compile(`(?i)^` + expr + `$`)
	if err != nil {
		return false
	}
	return re.MatchString(origin)
}
