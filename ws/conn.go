package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/kaplia/server/hub"
	"github.com/kaplia/server/rpc"
)

// visitorConn is one browser tab. Writes are serialized and bounded by
// writeTimeout.
type visitorConn struct {
	id           string
	sessionID    string
	ws           *websocket.Conn
	writeTimeout time.Duration
	writeMu      sync.Mutex

	// evicted is set when the server closes the socket because the session
	// was deleted; such a close is not a presence disconnect.
	evicted atomic.Bool
}

var _ hub.Conn = (*visitorConn)(nil)

func (c *visitorConn) ID() string { return c.id }

func (c *visitorConn) Notify(ctx context.Context, ev rpc.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", ev.EventType(), err)
	}

	// An expired write context closes the socket, so never inherit the
	// caller's cancellation.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.writeTimeout)
	defer cancel()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.Write(ctx, websocket.MessageText, data)
}

func (c *visitorConn) Close(reason string) error {
	c.evicted.Store(true)
	// The close handshake waits for the peer; do not block the caller.
	go func() { _ = c.ws.Close(websocket.StatusNormalClosure, reason) }()
	return nil
}
