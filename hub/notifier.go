package hub

import (
	"context"

	"github.com/kaplia/server/rpc"
)

// Notifier abstracts the mechanism for sending events to one peer.
// Visitor sockets write plain frames; the admin socket sends JSON-RPC
// notifications.
type Notifier interface {
	Notify(ctx context.Context, ev rpc.Event) error
}

// Conn is a live socket tracked by the Registry.
type Conn interface {
	Notifier
	ID() string
	// Close shuts the socket down from the server side.
	Close(reason string) error
}
