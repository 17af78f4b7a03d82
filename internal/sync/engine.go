package sync

import (
	"context"
	"sync"
	"time"

	"github.com/fleetdesk/convsync/internal/bus"
	"github.com/fleetdesk/convsync/internal/convcache"
	"github.com/fleetdesk/convsync/internal/model"
	"github.com/fleetdesk/convsync/internal/status"
	"github.com/fleetdesk/convsync/internal/typing"
	"github.com/fleetdesk/convsync/internal/window"
	"go.uber.org/zap"
)

const resyncTimeout = 30 * time.Second

// Rooms is the part of the live manager the engine consults.
type Rooms interface {
	Focused(conversationID string) bool
	Drop(conversationID string)
}

// Engine applies live channel events to the caches.
// Live events arrive through Apply, registered as the live manager's handler;
// conversation.deleted comes from the bus.
type Engine struct {
	windows *window.Cache
	convs   *convcache.Cache
	typing  *typing.Tracker
	rooms   Rooms
	selfID  string
	bus     *bus.Bus
	logger  *zap.Logger

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

// NewEngine creates a new sync engine. Messages sent by selfID are applied as
// own messages and never count as unread.
func NewEngine(w *window.Cache, c *convcache.Cache, t *typing.Tracker, r Rooms, selfID string, b *bus.Bus, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		windows: w,
		convs:   c,
		typing:  t,
		rooms:   r,
		selfID:  selfID,
		bus:     b,
		logger:  logger,
		ctx:     context.Background(),
	}
}

// Start subscribes to conversation deletions on the bus.
func (e *Engine) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.ctx, e.cancel = ctx, cancel
	e.mu.Unlock()
	deleted, unsub := e.bus.Subscribe(bus.ConversationDeleted, 64)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-deleted:
				e.HandleEvent(ctx, evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the engine.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Apply applies a live event on the caller's goroutine. It is the live
// manager's Handler.
func (e *Engine) Apply(evt bus.Event) {
	e.mu.Lock()
	ctx := e.ctx
	e.mu.Unlock()
	e.HandleEvent(ctx, evt)
}

// HandleEvent applies one event.
func (e *Engine) HandleEvent(ctx context.Context, evt bus.Event) {
	switch evt.Kind {
	case bus.LiveMessage, bus.LiveAlert:
		msg, ok := evt.Payload.(model.Message)
		if !ok {
			return
		}
		e.IngestMessage(msg)
	case bus.LiveConversationUpdated:
		patch, ok := evt.Payload.(model.ConversationPatch)
		if !ok {
			return
		}
		e.convs.Upsert(evt.ConversationID, patch)
	case bus.LiveConversationRead:
		e.convs.ResetUnread(evt.ConversationID)
	case bus.LiveTypingStart:
		if e.rooms.Focused(evt.ConversationID) {
			e.typing.Start(evt.ConversationID)
		}
	case bus.LiveTypingStop:
		e.typing.Stop(evt.ConversationID)
	case bus.LiveStatusChanged:
		change, ok := evt.Payload.(status.StatusChange)
		if ok && change.To == status.Connected {
			go e.Resync(ctx)
		}
	case bus.ConversationDeleted:
		e.rooms.Drop(evt.ConversationID)
		e.windows.Forget(evt.ConversationID)
		e.typing.Clear(evt.ConversationID)
	}
}

// IngestMessage merges a pushed message into its window and its conversation
// summary. Applying the same message twice changes nothing.
func (e *Engine) IngestMessage(msg model.Message) {
	res := e.windows.InsertLive(msg)

	var outcome convcache.Outcome
	if e.selfID != "" && msg.SenderID == e.selfID {
		outcome = e.convs.ApplyOwn(msg)
	} else {
		outcome = e.convs.ApplyIncoming(msg)
		e.typing.Clear(msg.ConversationID)
	}
	e.logger.Debug("live message ingested",
		zap.String("conversation_id", msg.ConversationID),
		zap.String("msg_id", msg.ID),
		zap.Stringer("window", res.Outcome),
		zap.Stringer("conversation", outcome))
}

// Resync refetches the newest page of every loaded window, catching up on
// anything pushed while the channel was down.
func (e *Engine) Resync(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, resyncTimeout)
	defer cancel()
	for _, id := range e.windows.LoadedIDs() {
		if err := e.windows.Resync(ctx, id); err != nil && ctx.Err() != nil {
			return
		}
	}
}
