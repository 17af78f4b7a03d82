package window

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fleetdesk/convsync/internal/bus"
	"github.com/fleetdesk/convsync/internal/model"
	"github.com/fleetdesk/convsync/internal/reconcile"
	"go.uber.org/zap"
)

// DefaultPageSize is the number of messages requested per page.
const DefaultPageSize = 30

var (
	ErrNotFound  = errors.New("message not in window")
	ErrNotFailed = errors.New("message is not a failed send")
)

// Fetcher loads a page of messages, newest first, strictly older than before.
// A zero before means the newest page.
type Fetcher interface {
	FetchMessages(ctx context.Context, conversationID string, take int, before time.Time) ([]model.Message, error)
}

// Reasons carried by window.changed events.
const (
	ReasonNewest = "newest"
	ReasonOlder  = "older"
	ReasonLive   = "live"
	ReasonStatus = "status"
	ReasonResync = "resync"
)

// Change is the payload of a window.changed event.
type Change struct {
	Reason      string
	MessageID   string
	Placeholder string
	Outcome     reconcile.Outcome
	Added       int
}

// Cache holds one message window per conversation. Every window has its own
// lock; the cache-level lock only guards the map.
type Cache struct {
	fetcher  Fetcher
	pageSize int
	bus      *bus.Bus
	logger   *zap.Logger

	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	mu        sync.Mutex
	win       *reconcile.Window
	loaded    bool
	hasMore   bool
	forgotten bool

	olderSeq    uint64
	cancelOlder context.CancelFunc
}

// NewCache creates a window cache. pageSize <= 0 selects DefaultPageSize.
func NewCache(f Fetcher, pageSize int, b *bus.Bus, logger *zap.Logger) *Cache {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		fetcher:  f,
		pageSize: pageSize,
		bus:      b,
		logger:   logger,
		entries:  make(map[string]*entry),
	}
}

// PageSize returns the configured page size.
func (c *Cache) PageSize() int { return c.pageSize }

func (c *Cache) entry(id string) *entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		e = &entry{win: reconcile.New(), hasMore: true}
		c.entries[id] = e
	}
	return e
}

func (c *Cache) lookup(id string) (*entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	return e, ok
}

// LoadNewest fetches the newest page of a conversation unless it is already
// loaded. Messages that arrived live or from local sends before the load are
// kept and merged with the page.
func (c *Cache) LoadNewest(ctx context.Context, conversationID string) error {
	e := c.entry(conversationID)
	e.mu.Lock()
	loaded := e.loaded
	e.mu.Unlock()
	if loaded {
		return nil
	}

	msgs, err := c.fetcher.FetchMessages(ctx, conversationID, c.pageSize, time.Time{})
	if err != nil {
		c.logger.Warn("load newest page failed", zap.String("conversation_id", conversationID), zap.Error(err))
		return fmt.Errorf("load newest page of %s: %w", conversationID, err)
	}

	e.mu.Lock()
	if e.forgotten {
		e.mu.Unlock()
		return nil
	}
	added := 0
	if e.win.PageCount() == 0 {
		added = reconcile.AppendPage(e.win, msgs)
	} else {
		for _, m := range msgs {
			if reconcile.Merge(e.win, m).Changed() {
				added++
			}
		}
	}
	if !e.loaded {
		e.hasMore = len(msgs) >= c.pageSize
	}
	e.loaded = true
	e.mu.Unlock()

	c.bus.Emit(bus.WindowChanged, conversationID, Change{Reason: ReasonNewest, Added: added})
	return nil
}

// LoadOlder fetches the page before the oldest loaded message and appends it.
// It reports whether another older page may exist; a short page means the
// history is exhausted.
func (c *Cache) LoadOlder(ctx context.Context, conversationID string) (bool, error) {
	e := c.entry(conversationID)

	e.mu.Lock()
	if !e.loaded {
		e.mu.Unlock()
		if err := c.LoadNewest(ctx, conversationID); err != nil {
			return false, err
		}
		return c.HasMore(conversationID), nil
	}
	if !e.hasMore {
		e.mu.Unlock()
		return false, nil
	}
	cursor, ok := e.win.Oldest()
	if !ok {
		e.hasMore = false
		e.mu.Unlock()
		return false, nil
	}
	octx, cancel := context.WithCancel(ctx)
	if e.cancelOlder != nil {
		e.cancelOlder()
	}
	e.olderSeq++
	seq := e.olderSeq
	e.cancelOlder = cancel
	e.mu.Unlock()
	defer cancel()

	msgs, err := c.fetcher.FetchMessages(octx, conversationID, c.pageSize, cursor.CreatedAt)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.olderSeq == seq {
		e.cancelOlder = nil
	}
	if err != nil {
		c.logger.Warn("load older page failed", zap.String("conversation_id", conversationID), zap.Error(err))
		return e.hasMore, fmt.Errorf("load older page of %s: %w", conversationID, err)
	}
	// A late page is only applied while it still extends the current oldest message.
	if current, ok := e.win.Oldest(); e.forgotten || !ok || current.ID != cursor.ID {
		c.logger.Debug("discarding stale older page", zap.String("conversation_id", conversationID))
		return e.hasMore, nil
	}

	added := reconcile.AppendPage(e.win, msgs)
	e.hasMore = len(msgs) >= c.pageSize
	hasMore := e.hasMore

	c.bus.Emit(bus.WindowChanged, conversationID, Change{Reason: ReasonOlder, Added: added})
	return hasMore, nil
}

// Resync refetches the newest page of a loaded window, typically after the live
// channel was down. A page that overlaps the window is merged; a full page that
// does not means messages were missed, and the window restarts from it.
func (c *Cache) Resync(ctx context.Context, conversationID string) error {
	e, ok := c.lookup(conversationID)
	if !ok || !c.Loaded(conversationID) {
		return nil
	}
	msgs, err := c.fetcher.FetchMessages(ctx, conversationID, c.pageSize, time.Time{})
	if err != nil {
		c.logger.Warn("resync failed", zap.String("conversation_id", conversationID), zap.Error(err))
		return fmt.Errorf("resync %s: %w", conversationID, err)
	}

	e.mu.Lock()
	if e.forgotten {
		e.mu.Unlock()
		return nil
	}
	overlaps := len(msgs) < c.pageSize
	for i := 0; i < len(msgs) && !overlaps; i++ {
		_, overlaps = e.win.Get(msgs[i].ID)
	}
	added := 0
	if overlaps {
		for _, m := range msgs {
			if reconcile.Merge(e.win, m).Changed() {
				added++
			}
		}
	} else {
		added = reconcile.ReplaceNewest(e.win, msgs)
		e.hasMore = true
		if e.cancelOlder != nil {
			e.cancelOlder()
			e.cancelOlder = nil
		}
	}
	e.mu.Unlock()

	c.bus.Emit(bus.WindowChanged, conversationID, Change{Reason: ReasonResync, Added: added})
	return nil
}

// LoadedIDs lists the conversations whose newest page has been fetched.
func (c *Cache) LoadedIDs() []string {
	c.mu.Lock()
	all := make([]*entry, 0, len(c.entries))
	ids := make([]string, 0, len(c.entries))
	for id, e := range c.entries {
		all = append(all, e)
		ids = append(ids, id)
	}
	c.mu.Unlock()

	out := ids[:0]
	for i, e := range all {
		e.mu.Lock()
		if e.loaded {
			out = append(out, ids[i])
		}
		e.mu.Unlock()
	}
	return out
}

// Cancel aborts an in-flight LoadOlder for the conversation.
func (c *Cache) Cancel(conversationID string) {
	e, ok := c.lookup(conversationID)
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancelOlder != nil {
		e.cancelOlder()
		e.cancelOlder = nil
	}
}

// InsertLive reconciles a message that arrived outside of pagination.
func (c *Cache) InsertLive(m model.Message) reconcile.Result {
	e := c.entry(m.ConversationID)
	e.mu.Lock()
	res := reconcile.Reconcile(e.win, m)
	e.mu.Unlock()

	if res.Changed() {
		c.bus.Emit(bus.WindowChanged, m.ConversationID, Change{
			Reason: ReasonLive, MessageID: m.ID, Placeholder: res.Placeholder, Outcome: res.Outcome,
		})
	}
	return res
}

// MarkFailed flips a sending placeholder to failed. It does nothing if the
// placeholder was already confirmed.
func (c *Cache) MarkFailed(conversationID, id string) bool {
	e, ok := c.lookup(conversationID)
	if !ok {
		return false
	}
	e.mu.Lock()
	m, found := e.win.Get(id)
	changed := found && m.IsPlaceholder() && reconcile.SetStatus(e.win, id, model.StatusFailed)
	e.mu.Unlock()

	if changed {
		c.bus.Emit(bus.WindowChanged, conversationID, Change{Reason: ReasonStatus, MessageID: id})
	}
	return changed
}

// Restage turns a failed placeholder back into a sending one under a new id and
// client token, at the same position.
func (c *Cache) Restage(conversationID, failedID, newID, token string, now time.Time) (model.Message, error) {
	e, ok := c.lookup(conversationID)
	if !ok {
		return model.Message{}, ErrNotFound
	}
	e.mu.Lock()
	m, found := e.win.Get(failedID)
	if !found {
		e.mu.Unlock()
		return model.Message{}, ErrNotFound
	}
	if m.DeliveryStatus != model.StatusFailed {
		e.mu.Unlock()
		return model.Message{}, ErrNotFailed
	}
	m.ID = newID
	m.ClientToken = token
	m.CreatedAt = now
	m.DeliveryStatus = model.StatusSending
	replaced := reconcile.Replace(e.win, failedID, m)
	e.mu.Unlock()
	if !replaced {
		return model.Message{}, ErrNotFound
	}

	c.bus.Emit(bus.WindowChanged, conversationID, Change{Reason: ReasonStatus, MessageID: newID, Placeholder: failedID})
	return m, nil
}

// Discard removes a message from a window.
func (c *Cache) Discard(conversationID, id string) bool {
	e, ok := c.lookup(conversationID)
	if !ok {
		return false
	}
	e.mu.Lock()
	removed := reconcile.Remove(e.win, id)
	e.mu.Unlock()
	if removed {
		c.bus.Emit(bus.WindowChanged, conversationID, Change{Reason: ReasonStatus, MessageID: id})
	}
	return removed
}

// Get returns one message of a conversation window.
func (c *Cache) Get(conversationID, id string) (model.Message, bool) {
	e, ok := c.lookup(conversationID)
	if !ok {
		return model.Message{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.win.Get(id)
}

// Snapshot returns the conversation's messages in display order.
func (c *Cache) Snapshot(conversationID string) []model.Message {
	e, ok := c.lookup(conversationID)
	if !ok {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.win.Ascending()
}

// HasMore reports whether older history may still be fetched.
func (c *Cache) HasMore(conversationID string) bool {
	e, ok := c.lookup(conversationID)
	if !ok {
		return true
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hasMore
}

// Loaded reports whether the newest page has been fetched.
func (c *Cache) Loaded(conversationID string) bool {
	e, ok := c.lookup(conversationID)
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loaded
}

// Forget drops a conversation window, cancelling any pagination in flight.
func (c *Cache) Forget(conversationID string) {
	c.mu.Lock()
	e, ok := c.entries[conversationID]
	delete(c.entries, conversationID)
	c.mu.Unlock()
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.forgotten = true
	if e.cancelOlder != nil {
		e.cancelOlder()
		e.cancelOlder = nil
	}
}
