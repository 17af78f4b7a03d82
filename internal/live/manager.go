// Package live owns the push channel of a session: one websocket, reference
// counted room membership, and reconnection with bounded exponential backoff.
// Inbound events are decoded and handed to the registered Handler, which must
// see every one of them; the bus gets a copy for notifications only.
package live

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/fleetdesk/convsync/internal/bus"
	"github.com/fleetdesk/convsync/internal/codec"
	"github.com/fleetdesk/convsync/internal/model"
	"github.com/fleetdesk/convsync/internal/status"
	"go.uber.org/zap"
)

const writeTimeout = 5 * time.Second

// Options configures reconnection.
type Options struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxRetries      int
}

// DefaultOptions returns the reconnect policy used when none is configured.
func DefaultOptions() Options {
	return Options{
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     30 * time.Second,
		MaxRetries:      8,
	}
}

// Handler applies live events. It runs on the connection's read goroutine, so
// a slow handler delays reading instead of losing events.
type Handler func(evt bus.Event)

// Manager maintains the live connection of one session.
type Manager struct {
	dialer Dialer
	opts   Options
	state  *status.Machine
	bus    *bus.Bus
	logger *zap.Logger

	// onIdle runs when the last focus handle of a conversation is released.
	onIdle  func(conversationID string)
	handler Handler

	mu      sync.Mutex
	rooms   map[string]*room
	queue   *commandQueue // nil while disconnected
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

type room struct {
	refs int
}

// NewManager creates a manager. The connection is not opened until Start.
func NewManager(d Dialer, opts Options, b *bus.Bus, logger *zap.Logger) *Manager {
	def := DefaultOptions()
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = def.InitialInterval
	}
	if opts.MaxInterval <= 0 {
		opts.MaxInterval = def.MaxInterval
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = def.MaxRetries
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		dialer: d,
		opts:   opts,
		state:  status.NewMachine(b),
		bus:    b,
		logger: logger,
		rooms:  make(map[string]*room),
	}
}

// OnIdle registers a callback for conversations whose last focus handle was
// released, used to cancel pagination that nobody is waiting for.
func (m *Manager) OnIdle(fn func(conversationID string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onIdle = fn
}

// OnEvent registers the handler for every inbound event and for each
// established connection (a live.status_changed event to CONNECTED).
func (m *Manager) OnEvent(fn Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = fn
}

// Start opens the connection in the background. It is a no-op while the
// manager is already running; after Stop or giving up it starts afresh.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	m.running = true
	m.cancel = cancel
	m.done = make(chan struct{})
	m.transition(status.Connecting)
	go m.run(ctx, m.done)
}

// Stop closes the connection and waits for the connection loop to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Live reports whether the channel is connected.
func (m *Manager) Live() bool { return m.state.Live() }

// State returns the current connection state.
func (m *Manager) State() status.State { return m.state.Current() }

// Focused reports whether any handle holds the conversation's room.
func (m *Manager) Focused(conversationID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.rooms[conversationID]
	return ok
}

// Rooms lists the conversations with at least one focus handle.
func (m *Manager) Rooms() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.rooms))
	for id := range m.rooms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Handle is one holder's interest in a conversation room.
type Handle struct {
	m    *Manager
	id   string
	room *room
	once sync.Once
}

// ConversationID returns the focused conversation.
func (h *Handle) ConversationID() string { return h.id }

// Release gives up the focus. Only the first call has an effect.
func (h *Handle) Release() {
	h.once.Do(func() { h.m.release(h) })
}

// Focus takes a reference on the conversation's room, joining it when this is
// the first reference and the channel is up.
func (m *Manager) Focus(conversationID string) *Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[conversationID]
	if !ok {
		r = &room{}
		m.rooms[conversationID] = r
	}
	r.refs++
	if r.refs == 1 && m.queue != nil {
		m.queue.push(Frame{Type: CommandJoin, ConversationID: conversationID})
	}
	return &Handle{m: m, id: conversationID, room: r}
}

func (m *Manager) release(h *Handle) {
	m.mu.Lock()
	r, ok := m.rooms[h.id]
	// A handle from before a Drop no longer owns anything.
	if !ok || r != h.room {
		m.mu.Unlock()
		return
	}
	r.refs--
	idle := r.refs == 0
	if idle {
		delete(m.rooms, h.id)
		if m.queue != nil {
			m.queue.push(Frame{Type: CommandLeave, ConversationID: h.id})
		}
	}
	onIdle := m.onIdle
	m.mu.Unlock()

	if idle && onIdle != nil {
		onIdle(h.id)
	}
}

// Drop forgets a room regardless of outstanding handles, leaving it if live.
func (m *Manager) Drop(conversationID string) {
	m.mu.Lock()
	_, ok := m.rooms[conversationID]
	if ok {
		delete(m.rooms, conversationID)
		if m.queue != nil {
			m.queue.push(Frame{Type: CommandLeave, ConversationID: conversationID})
		}
	}
	m.mu.Unlock()
	if ok {
		m.logger.Info("dropped room", zap.String("conversation_id", conversationID))
	}
}

// commandQueue holds the commands of one connection. Pushes happen under the
// manager's mu, so joins and leaves go out in the order the room table changed.
type commandQueue struct {
	mu     sync.Mutex
	frames []Frame
	ready  chan struct{}
}

func newCommandQueue() *commandQueue {
	return &commandQueue{ready: make(chan struct{}, 1)}
}

func (q *commandQueue) push(f Frame) {
	q.mu.Lock()
	q.frames = append(q.frames, f)
	q.mu.Unlock()
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *commandQueue) take() []Frame {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.frames
	q.frames = nil
	return out
}

// writeLoop writes queued commands until ctx ends. A failed write surfaces as
// a read error.
func (m *Manager) writeLoop(ctx context.Context, conn Conn, q *commandQueue) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.ready:
		}
		for _, f := range q.take() {
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Write(wctx, f)
			cancel()
			if err != nil {
				m.logger.Warn("live write failed", zap.String("type", f.Type),
					zap.String("conversation_id", f.ConversationID), zap.Error(err))
			}
		}
	}
}

func (m *Manager) handle(evt bus.Event) {
	m.mu.Lock()
	h := m.handler
	m.mu.Unlock()
	if h != nil {
		h(evt)
	}
}

// publish hands an inbound event to the handler, then to the bus.
func (m *Manager) publish(kind, conversationID string, payload any) {
	evt := bus.Event{Kind: kind, Timestamp: time.Now(), ConversationID: conversationID, Payload: payload}
	m.handle(evt)
	m.bus.Publish(evt)
}

func (m *Manager) transition(to status.State) {
	if err := m.state.Transition(to); err != nil {
		m.logger.Error("live state", zap.Error(err))
	}
}

func (m *Manager) newBackOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = m.opts.InitialInterval
	eb.MaxInterval = m.opts.MaxInterval
	eb.MaxElapsedTime = 0
	eb.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(m.opts.MaxRetries)), ctx)
}

func (m *Manager) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	b := m.newBackOff(ctx)
	for {
		conn, err := m.dialer.Dial(ctx)
		if err == nil {
			b.Reset()
			err = m.serve(ctx, conn)
		}
		if ctx.Err() != nil {
			m.finish()
			return
		}
		m.logger.Warn("live channel lost", zap.Error(err))
		m.transition(status.Reconnecting)

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			m.finish()
			if ctx.Err() == nil {
				m.logger.Error("live channel down, giving up", zap.Int("max_retries", m.opts.MaxRetries))
				m.bus.Emit(bus.LiveDown, "", nil)
			}
			return
		}
		t := time.NewTimer(wait)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			m.finish()
			return
		}
		m.transition(status.Connecting)
	}
}

// finish marks the loop as stopped so Start can run it again.
func (m *Manager) finish() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running = false
	m.cancel = nil
	m.transition(status.Disconnected)
}

// serve runs one connection until it fails or ctx ends.
func (m *Manager) serve(ctx context.Context, conn Conn) error {
	wctx, cancel := context.WithCancel(ctx)
	q := newCommandQueue()
	m.mu.Lock()
	m.queue = q
	from := m.state.Current()
	m.transition(status.Connected)
	for id := range m.rooms {
		q.push(Frame{Type: CommandJoin, ConversationID: id})
	}
	m.mu.Unlock()
	m.logger.Info("live channel connected")

	written := make(chan struct{})
	go func() {
		defer close(written)
		m.writeLoop(wctx, conn, q)
	}()
	defer func() {
		m.mu.Lock()
		m.queue = nil
		m.mu.Unlock()
		cancel()
		_ = conn.Close()
		<-written
	}()

	m.handle(bus.Event{Kind: bus.LiveStatusChanged, Timestamp: time.Now(),
		Payload: status.StatusChange{From: from, To: status.Connected}})

	for {
		f, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		m.dispatch(f)
	}
}

func (m *Manager) dispatch(f Frame) {
	switch f.Type {
	case EventMessageNew, EventAlertNew:
		msg, err := codec.Decode(f.Payload)
		if err != nil {
			m.logger.Warn("dropping undecodable live message", zap.String("type", f.Type), zap.Error(err))
			return
		}
		kind := bus.LiveMessage
		if msg.IsAlert() {
			kind = bus.LiveAlert
		}
		m.publish(kind, msg.ConversationID, msg)
	case EventConversationUpdated:
		var patch model.ConversationPatch
		if len(f.Payload) > 0 {
			if err := json.Unmarshal(f.Payload, &patch); err != nil {
				m.logger.Warn("dropping undecodable conversation update", zap.Error(err))
				return
			}
		}
		m.publish(bus.LiveConversationUpdated, f.ConversationID, patch)
	case EventConversationRead:
		m.publish(bus.LiveConversationRead, f.ConversationID, nil)
	case EventTypingStart:
		m.publish(bus.LiveTypingStart, f.ConversationID, nil)
	case EventTypingStop:
		m.publish(bus.LiveTypingStop, f.ConversationID, nil)
	default:
		m.logger.Debug("ignoring live frame", zap.String("type", f.Type))
	}
}
