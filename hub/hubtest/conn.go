// Package hubtest provides an in-memory hub.Conn for tests.
package hubtest

import (
	"context"
	"errors"
	"sync"

	"github.com/kaplia/server/rpc"
)

var ErrClosed = errors.New("connection closed")

// Conn records every event it is notified with.
type Conn struct {
	id string

	mu          sync.Mutex
	events      []rpc.Event
	closed      bool
	closeReason string
}

func NewConn(id string) *Conn {
	return &Conn{id: id}
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) Notify(ctx context.Context, ev rpc.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.events = append(c.events, ev)
	return nil
}

func (c *Conn) Close(reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.closeReason = reason
	return nil
}

func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Events returns a copy of the recorded events.
func (c *Conn) Events() []rpc.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]rpc.Event(nil), c.events...)
}

// OfType returns the recorded events with the given type.
func (c *Conn) OfType(eventType string) []rpc.Event {
	var out []rpc.Event
	for _, ev := range c.Events() {
		if ev.EventType() == eventType {
			out = append(out, ev)
		}
	}
	return out
}

// Types returns the types of the recorded events in order.
func (c *Conn) Types() []string {
	events := c.Events()
	types := make([]string, len(events))
	for i, ev := range events {
		types[i] = ev.EventType()
	}
	return types
}

func (c *Conn) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = nil
}
