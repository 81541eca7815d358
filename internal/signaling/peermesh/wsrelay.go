package peermesh

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"nhooyr.io/websocket"
)

// frameKind distinguishes a signaling handshake frame from a
// data-channel frame over the shared relay socket.
type frameKind string

const (
	frameSignal frameKind = "signal"
	frameData   frameKind = "data"
)

type relayFrame struct {
	Kind    frameKind       `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Text    string          `json:"text,omitempty"`
}

// WSRelayFactory builds peer connections that emulate a signaling-
// negotiated data channel over a websocket connection to a small
// relay endpoint. Both peers in a pair dial the same relay room
// (derived deterministically from their two session IDs), and the
// relay fans every frame one peer sends out to the other.
//
// This stands in for a browser WebRTC stack, which the Go side of
// this module has no equivalent of; it honors the same
// signal/connect/data/error/close contract so the rest of Signaling
// never needs to know which transport is underneath.
type WSRelayFactory struct {
	// Endpoint is the relay's base URL, e.g. "ws://localhost:8088".
	Endpoint string
}

// NewConnection implements Factory.
func (f WSRelayFactory) NewConnection(ctx context.Context, selfID, remoteID string, initiator bool, handlers Handlers) (Connection, error) {
	room := relayRoom(selfID, remoteID)
	url := fmt.Sprintf("%s/rooms/%s", f.Endpoint, room)

	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, err
	}

	c := &wsConnection{conn: conn, handlers: handlers}
	go c.readLoop()

	if handlers.OnConnect != nil {
		handlers.OnConnect()
	}
	return c, nil
}

// relayRoom derives a stable room name from both peers' session IDs,
// independent of dial order.
func relayRoom(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return ids[0] + "-" + ids[1]
}

type wsConnection struct {
	conn     *websocket.Conn
	handlers Handlers

	mu     sync.Mutex
	closed bool
}

func (c *wsConnection) readLoop() {
	ctx := context.Background()
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			c.handleClose(err)
			return
		}
		var frame relayFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			if c.handlers.OnError != nil {
				c.handlers.OnError(err)
			}
			continue
		}
		switch frame.Kind {
		case frameSignal:
			if c.handlers.OnSignal != nil {
				c.handlers.OnSignal(frame.Payload)
			}
		case frameData:
			if c.handlers.OnData != nil {
				c.handlers.OnData(frame.Text)
			}
		}
	}
}

func (c *wsConnection) handleClose(err error) {
	c.mu.Lock()
	already := c.closed
	c.closed = true
	c.mu.Unlock()
	if already {
		return
	}
	if websocket.CloseStatus(err) == -1 && c.handlers.OnError != nil {
		c.handlers.OnError(err)
	}
	if c.handlers.OnClose != nil {
		c.handlers.OnClose()
	}
}

func (c *wsConnection) Signal(ctx context.Context, payload []byte) error {
	return c.writeFrame(ctx, relayFrame{Kind: frameSignal, Payload: payload})
}

func (c *wsConnection) SendData(ctx context.Context, data string) error {
	return c.writeFrame(ctx, relayFrame{Kind: frameData, Text: data})
}

func (c *wsConnection) writeFrame(ctx context.Context, frame relayFrame) error {
	raw, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return c.conn.Write(ctx, websocket.MessageText, raw)
}

func (c *wsConnection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	err := c.conn.Close(websocket.StatusNormalClosure, "")
	if c.handlers.OnClose != nil {
		c.handlers.OnClose()
	}
	return err
}
