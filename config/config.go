// Package config loads the server configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kaplia/server/logger"
	"github.com/kaplia/server/presence"
	"github.com/kaplia/server/webhook"
)

// Config holds the process configuration. Admin-editable runtime settings
// live in the database, not here.
type Config struct {
	Listen    string           `yaml:"listen"`
	Database  string           `yaml:"database"`
	DevMode   bool             `yaml:"dev_mode"`
	PublicURL string           `yaml:"public_url"`
	Log       logger.Config    `yaml:"log"`
	Presence  presence.Timings `yaml:"presence"`
	Webhook   WebhookConfig    `yaml:"webhook"`
	WebSocket WebSocketConfig  `yaml:"websocket"`
	Admin     AdminConfig      `yaml:"admin"`
}

type WebhookConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

type WebSocketConfig struct {
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type AdminConfig struct {
	// InitialPassword is used only when the admin account is first created.
	InitialPassword string `yaml:"initial_password"`
}

func DefaultConfig() Config {
	return Config{
		Listen:   ":8080",
		Database: "chat.db",
		Log: logger.Config{
			Level:  "info",
			Format: "text",
		},
		Presence:  presence.DefaultTimings(),
		Webhook:   WebhookConfig{Timeout: webhook.DefaultTimeout},
		WebSocket: WebSocketConfig{WriteTimeout: 10 * time.Second},
	}
}

// Load reads path over the defaults. A missing file yields the defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config file: %w", err)
			}
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.Listen) == "" {
		errs = append(errs, errors.New("listen address is required"))
	}
	if strings.TrimSpace(c.Database) == "" {
		errs = append(errs, errors.New("database path is required"))
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q must be one of debug, info, warn, error", c.Log.Level))
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be text or json", c.Log.Format))
	}

	durations := []struct {
		name  string
		value time.Duration
	}{
		{"presence.navigation_grace", c.Presence.NavigationGrace},
		{"presence.tab_visibility_delay", c.Presence.TabVisibilityDelay},
		{"presence.dedup_cooldown", c.Presence.DedupCooldown},
		{"webhook.timeout", c.Webhook.Timeout},
		{"websocket.write_timeout", c.WebSocket.WriteTimeout},
	}
	for _, d := range durations {
		if d.value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", d.name))
		}
	}

	return errors.Join(errs...)
}
