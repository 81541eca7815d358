package peermesh

import (
	"context"
	"errors"
)

// ErrNoopConnectionClosed is returned by SendData/Signal after Close.
var ErrNoopConnectionClosed = errors.New("peermesh: noop connection closed")

// NoopFactory builds connections that immediately report connected
// but never actually exchange a signal or data. It exists for
// headless tests of the parts of Signaling that don't depend on a
// real transport (poll loop, beacon, GC).
type NoopFactory struct{}

type noopConnection struct {
	handlers Handlers
	closed   bool
}

// NewConnection implements Factory.
func (NoopFactory) NewConnection(_ context.Context, _, _ string, _ bool, handlers Handlers) (Connection, error) {
	conn := &noopConnection{handlers: handlers}
	if handlers.OnConnect != nil {
		handlers.OnConnect()
	}
	return conn, nil
}

func (c *noopConnection) Signal(_ context.Context, _ []byte) error {
	if c.closed {
		return ErrNoopConnectionClosed
	}
	return nil
}

func (c *noopConnection) SendData(_ context.Context, _ string) error {
	if c.closed {
		return ErrNoopConnectionClosed
	}
	return nil
}

func (c *noopConnection) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	if c.handlers.OnClose != nil {
		c.handlers.OnClose()
	}
	return nil
}
