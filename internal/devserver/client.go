package devserver

import (
	"context"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/fleetdesk/convsync/internal/live"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pingInterval   = 30 * time.Second
	maxMessageSize = 4096
	sendBufSize    = 256
)

// client is one live channel connection.
type client struct {
	hub      *Hub
	conn     *websocket.Conn
	senderID string
	logger   *zap.Logger

	mu    sync.RWMutex
	rooms map[string]struct{}

	send chan []byte
}

func newClient(h *Hub, conn *websocket.Conn, senderID string) *client {
	return &client{
		hub:      h,
		conn:     conn,
		senderID: senderID,
		logger:   h.logger.With(zap.String("sender_id", senderID)),
		rooms:    make(map[string]struct{}),
		send:     make(chan []byte, sendBufSize),
	}
}

func (c *client) joined(conversationID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.rooms[conversationID]
	return ok
}

// readPump handles commands until the connection fails or ctx ends.
func (c *client) readPump(ctx context.Context) {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-ctx.Done():
		}
		_ = c.conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		var f live.Frame
		if err := wsjson.Read(ctx, c.conn, &f); err != nil {
			if websocket.CloseStatus(err) != -1 {
				c.logger.Debug("live client closed")
			} else {
				c.logger.Debug("live read failed", zap.Error(err))
			}
			return
		}
		c.handle(f)
	}
}

func (c *client) handle(f live.Frame) {
	switch f.Type {
	case live.CommandJoin:
		c.mu.Lock()
		c.rooms[f.ConversationID] = struct{}{}
		c.mu.Unlock()
		c.logger.Debug("joined room", zap.String("conversation_id", f.ConversationID))
	case live.CommandLeave:
		c.mu.Lock()
		delete(c.rooms, f.ConversationID)
		c.mu.Unlock()
		c.logger.Debug("left room", zap.String("conversation_id", f.ConversationID))
	case live.EventTypingStart, live.EventTypingStop:
		if f.ConversationID == "" {
			return
		}
		c.hub.publish(live.Frame{Type: f.Type, ConversationID: f.ConversationID}, true, c)
	default:
		c.logger.Debug("ignoring live command", zap.String("type", f.Type))
	}
}

// writePump writes queued frames and keeps the connection alive with pings.
func (c *client) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				return
			}
			wctx, cancel := context.WithTimeout(ctx, writeWait)
			err := c.conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				c.logger.Debug("live write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, writeWait)
			err := c.conn.Ping(pctx)
			cancel()
			if err != nil {
				c.logger.Debug("live ping failed", zap.Error(err))
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
