// Package webhook forwards visitor messages to the admin-configured URL.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/kaplia/server/chat"
	"github.com/kaplia/server/session"
	"github.com/kaplia/server/settings"
)

const DefaultTimeout = 10 * time.Second

// Payload is the JSON body posted for every visitor message.
type Payload struct {
	SessionData []SessionData `json:"session_data"`
	MessageText string        `json:"message_text"`
}

type SessionData struct {
	SessionID string           `json:"session_id"`
	Metadata  session.Metadata `json:"metadata"`
	UpdatedAt string           `json:"updated_at"`
}

// Config returns the current webhook target.
type Config func() settings.Webhook

// Client posts payloads in the background. Failures are logged and never
// reach the caller.
type Client struct {
	config Config
	http   *http.Client

	wg sync.WaitGroup
}

func New(config Config, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		config: config,
		http:   &http.Client{Timeout: timeout},
	}
}

// Deliver posts the message if the webhook is enabled. It does not block.
func (c *Client) Deliver(sessionID string, meta session.Metadata, text string, at time.Time) {
	cfg := c.config()
	if !cfg.Enabled || cfg.URL == "" {
		return
	}
	if meta == nil {
		meta = session.Metadata{}
	}

	payload := Payload{
		SessionData: []SessionData{{
			SessionID: sessionID,
			Metadata:  meta,
			UpdatedAt: chat.FormatTime(at),
		}},
		MessageText: text,
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.post(context.Background(), cfg.URL, payload); err != nil {
			slog.Warn("webhook delivery failed", "sessionId", sessionID, "error", err)
		}
	}()
}

func (c *Client) post(ctx context.Context, url string, payload Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("posting webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// Wait blocks until in-flight deliveries finish.
func (c *Client) Wait() {
	c.wg.Wait()
}
