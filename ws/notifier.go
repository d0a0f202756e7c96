package ws

import (
	"context"
	"sync"

	"github.com/sourcegraph/jsonrpc2"

	"github.com/kaplia/server/hub"
	"github.com/kaplia/server/rpc"
)

// adminConn adapts a jsonrpc2.Conn to hub.Conn. Events are sent as
// notifications whose method is the event type. Until open is called,
// routed events are queued so that the snapshot reaches the admin first.
type adminConn struct {
	id string

	mu     sync.Mutex
	conn   *jsonrpc2.Conn
	ready  bool
	queued []rpc.Event
}

var _ hub.Conn = (*adminConn)(nil)

func newAdminConn(id string) *adminConn {
	return &adminConn{id: id}
}

func (a *adminConn) ID() string { return a.id }

func (a *adminConn) attach(conn *jsonrpc2.Conn) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.conn = conn
}

func (a *adminConn) Notify(ctx context.Context, ev rpc.Event) error {
	a.mu.Lock()
	if !a.ready {
		a.queued = append(a.queued, ev)
		a.mu.Unlock()
		return nil
	}
	conn := a.conn
	a.mu.Unlock()
	return conn.Notify(ctx, ev.EventType(), ev)
}

// send writes ev directly, bypassing the queue.
func (a *adminConn) send(ctx context.Context, ev rpc.Event) error {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	return conn.Notify(ctx, ev.EventType(), ev)
}

// open flushes the queued events in order and lets later events through.
// Notify calls made during the flush wait for it to finish.
func (a *adminConn) open(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	queued := a.queued
	a.queued = nil
	a.ready = true
	for _, ev := range queued {
		if err := a.conn.Notify(ctx, ev.EventType(), ev); err != nil {
			return err
		}
	}
	return nil
}

func (a *adminConn) Close(reason string) error {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}
