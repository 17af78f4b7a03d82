package live

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// Frame is the envelope for every message on the live channel in both
// directions.
type Frame struct {
	Type           string          `json:"type"`
	ConversationID string          `json:"conversationId,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// Client -> server commands.
const (
	CommandJoin  = "join"
	CommandLeave = "leave"
)

// Server -> client events.
const (
	EventMessageNew          = "message:new"
	EventAlertNew            = "alert:new"
	EventConversationUpdated = "conversation:updated"
	EventConversationRead    = "conversation:read"
	EventTypingStart         = "typing:start"
	EventTypingStop          = "typing:stop"
)

const readLimit = 1 << 20

// Conn is one established live channel connection.
type Conn interface {
	Read(ctx context.Context) (Frame, error)
	Write(ctx context.Context, f Frame) error
	Close() error
}

// Dialer opens live channel connections.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// WebSocketDialer dials the live endpoint and authenticates with a bearer
// token in the handshake.
type WebSocketDialer struct {
	URL        string
	Token      string
	HTTPClient *http.Client
}

func (d *WebSocketDialer) Dial(ctx context.Context) (Conn, error) {
	opts := &websocket.DialOptions{HTTPClient: d.HTTPClient}
	if d.Token != "" {
		opts.HTTPHeader = http.Header{"Authorization": {"Bearer " + d.Token}}
	}
	c, _, err := websocket.Dial(ctx, d.URL, opts)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", d.URL, err)
	}
	c.SetReadLimit(readLimit)
	return &wsConn{c: c}, nil
}

type wsConn struct {
	c *websocket.Conn
}

func (w *wsConn) Read(ctx context.Context) (Frame, error) {
	var f Frame
	err := wsjson.Read(ctx, w.c, &f)
	return f, err
}

func (w *wsConn) Write(ctx context.Context, f Frame) error {
	return wsjson.Write(ctx, w.c, f)
}

func (w *wsConn) Close() error {
	return w.c.Close(websocket.StatusNormalClosure, "")
}
