package devserver

import (
	"context"
	"encoding/json"

	"github.com/fleetdesk/convsync/internal/live"
	"go.uber.org/zap"
)

// Hub tracks live channel clients and routes frames to the rooms they joined.
// All client bookkeeping happens on the Run goroutine.
type Hub struct {
	logger *zap.Logger

	clients map[*client]struct{}

	register   chan *client
	unregister chan *client
	broadcast  chan *broadcastMsg
	members    chan memberQuery
}

type broadcastMsg struct {
	// conversationID limits delivery to the room; empty means every client.
	conversationID string
	data           []byte
	exclude        *client
}

type memberQuery struct {
	conversationID string
	reply          chan int
}

// NewHub creates a hub. Nothing is routed until Run.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		logger:     logger,
		clients:    make(map[*client]struct{}),
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan *broadcastMsg, 256),
		members:    make(chan memberQuery),
	}
}

// Run is the hub's main event loop. It returns when ctx ends, disconnecting
// every client.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case c := <-h.register:
			h.clients[c] = struct{}{}
			h.logger.Info("live client connected", zap.String("sender_id", c.senderID), zap.Int("clients", len(h.clients)))

		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				h.drop(c)
				h.logger.Info("live client disconnected", zap.String("sender_id", c.senderID), zap.Int("clients", len(h.clients)))
			}

		case msg := <-h.broadcast:
			for c := range h.clients {
				if c == msg.exclude {
					continue
				}
				if msg.conversationID != "" && !c.joined(msg.conversationID) {
					continue
				}
				select {
				case c.send <- msg.data:
				default:
					// Client buffer full - disconnect
					h.logger.Warn("dropping slow live client", zap.String("sender_id", c.senderID))
					h.drop(c)
				}
			}

		case q := <-h.members:
			n := 0
			for c := range h.clients {
				if c.joined(q.conversationID) {
					n++
				}
			}
			q.reply <- n

		case <-ctx.Done():
			for c := range h.clients {
				h.drop(c)
			}
			return
		}
	}
}

func (h *Hub) drop(c *client) {
	delete(h.clients, c)
	close(c.send)
}

// Publish sends a frame to the clients in the frame's room, or to every client
// when room is false.
func (h *Hub) Publish(f live.Frame, room bool) {
	h.publish(f, room, nil)
}

func (h *Hub) publish(f live.Frame, room bool, exclude *client) {
	data, err := json.Marshal(f)
	if err != nil {
		h.logger.Error("marshal live frame", zap.String("type", f.Type), zap.Error(err))
		return
	}
	msg := &broadcastMsg{data: data, exclude: exclude}
	if room {
		msg.conversationID = f.ConversationID
	}
	h.broadcast <- msg
}

// Members reports how many clients joined the conversation's room.
func (h *Hub) Members(ctx context.Context, conversationID string) (int, error) {
	q := memberQuery{conversationID: conversationID, reply: make(chan int, 1)}
	select {
	case h.members <- q:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	select {
	case n := <-q.reply:
		return n, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}
