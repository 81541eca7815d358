// Package peermesh defines the WebRTC peer-connection capability as a
// pluggable interface injected by host configuration rather than a
// hard import. A Go peer has no browser WebRTC stack, so this package
// provides a real transport (WSRelayFactory, over nhooyr.io/websocket)
// alongside NoopFactory; the orchestrator uses NoopFactory when no
// factory is configured.
package peermesh

import "context"

// Handlers are the peer-connection lifecycle callbacks the Signaling
// component wires up, mirroring the signal/connect/data/error/close
// events described for the peer mesh.
type Handlers struct {
	// OnSignal fires when the local peer connection produces an
	// outbound signaling payload that must be delivered to the
	// remote peer via the message bus.
	OnSignal func(payload []byte)
	// OnConnect fires once the data channel is open.
	OnConnect func()
	// OnData fires for every inbound data-channel message.
	OnData func(data string)
	// OnError fires on a connection-level error.
	OnError func(err error)
	// OnClose fires when the connection is torn down, for any reason.
	OnClose func()
}

// Connection is one live (or connecting) peer connection.
type Connection interface {
	// Signal delivers an inbound signaling payload received from the
	// remote peer over the message bus.
	Signal(ctx context.Context, payload []byte) error
	// SendData sends a string over the data channel. It is an error
	// to call this before OnConnect has fired.
	SendData(ctx context.Context, data string) error
	// Close tears down the connection, firing OnClose if it has not
	// already fired.
	Close() error
}

// Factory creates peer connections. initiator is the deterministic
// tiebreak: it is true when remoteID sorts after selfID, so of each
// pair the peer with the lexicographically smaller session ID
// initiates.
type Factory interface {
	NewConnection(ctx context.Context, selfID, remoteID string, initiator bool, handlers Handlers) (Connection, error)
}
