package convcache

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/fleetdesk/convsync/internal/bus"
	"github.com/fleetdesk/convsync/internal/model"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// DefaultStaleAfter is how long a fetched list view is served before a
// background refresh is triggered.
const DefaultStaleAfter = 30 * time.Second

const refreshTimeout = 15 * time.Second

// ErrUnknownConversation is returned by a Fetcher when the server has no
// conversation with the requested id.
var ErrUnknownConversation = errors.New("unknown conversation")

// Fetcher is the REST surface the cache needs.
type Fetcher interface {
	ListConversations(ctx context.Context, filter model.Filter) ([]model.Conversation, error)
	GetConversation(ctx context.Context, id string) (model.Conversation, error)
	MarkRead(ctx context.Context, id string) error
	DeleteConversation(ctx context.Context, id string) error
}

// Outcome is the result of applying a message to a conversation summary.
type Outcome int

const (
	// Applied means the summary now points at the message.
	Applied Outcome = iota
	// Duplicate means the message is already the conversation's last message.
	Duplicate
	// Stale means a newer message is already the last message.
	Stale
	// Missed means the conversation is not cached; a refetch was scheduled.
	Missed
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Duplicate:
		return "duplicate"
	case Stale:
		return "stale"
	case Missed:
		return "missed"
	}
	return "unknown"
}

// view is one filtered list. It stores ids only; records are shared, so an
// update to a conversation is visible in every view that lists it.
type view struct {
	ids       []string
	fetchedAt time.Time
}

// Cache is the in-memory table of conversation summaries.
type Cache struct {
	fetcher    Fetcher
	staleAfter time.Duration
	bus        *bus.Bus
	logger     *zap.Logger
	now        func() time.Time

	group singleflight.Group

	mu      sync.RWMutex
	records map[string]*model.Conversation
	views   map[model.Filter]*view
}

// NewCache creates a conversation cache. staleAfter <= 0 selects DefaultStaleAfter.
func NewCache(f Fetcher, staleAfter time.Duration, b *bus.Bus, logger *zap.Logger) *Cache {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		fetcher:    f,
		staleAfter: staleAfter,
		bus:        b,
		logger:     logger,
		now:        time.Now,
		records:    make(map[string]*model.Conversation),
		views:      make(map[model.Filter]*view),
	}
}

// List returns the cached summaries of a view, most recent activity first.
// A missing or stale view is refreshed in the background; callers observe the
// result through conversation.listed.
func (c *Cache) List(filter model.Filter) []model.Conversation {
	c.mu.RLock()
	v, ok := c.views[filter]
	var out []model.Conversation
	stale := !ok || c.now().Sub(v.fetchedAt) > c.staleAfter
	if ok {
		out = make([]model.Conversation, 0, len(v.ids))
		for _, id := range v.ids {
			if rec, ok := c.records[id]; ok {
				out = append(out, *rec)
			}
		}
	}
	c.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LastMessageAt.After(out[j].LastMessageAt)
	})
	if stale {
		go c.refreshInBackground(filter)
	}
	return out
}

// Refresh fetches a view from the server and replaces it. Concurrent refreshes
// of the same view share one request.
func (c *Cache) Refresh(ctx context.Context, filter model.Filter) error {
	_, err, _ := c.group.Do("list:"+string(filter), func() (any, error) {
		convs, err := c.fetcher.ListConversations(ctx, filter)
		if err != nil {
			return nil, err
		}
		c.replaceView(filter, convs)
		return nil, nil
	})
	if err != nil {
		c.logger.Warn("conversation list refresh failed", zap.String("filter", string(filter)), zap.Error(err))
		return fmt.Errorf("refresh %q conversations: %w", filter, err)
	}
	return nil
}

func (c *Cache) refreshInBackground(filter model.Filter) {
	ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
	defer cancel()
	_ = c.Refresh(ctx, filter)
}

func (c *Cache) replaceView(filter model.Filter, convs []model.Conversation) {
	c.mu.Lock()
	ids := make([]string, 0, len(convs))
	for i := range convs {
		conv := convs[i]
		if err := conv.Validate(); err != nil {
			c.logger.Warn("skipping invalid conversation", zap.String("conversation_id", conv.ID), zap.Error(err))
			continue
		}
		if !filter.Matches(&conv) {
			continue
		}
		if rec, ok := c.records[conv.ID]; ok {
			*rec = conv
		} else {
			c.records[conv.ID] = &conv
		}
		ids = append(ids, conv.ID)
	}
	old := c.views[filter]
	c.views[filter] = &view{ids: ids, fetchedAt: c.now()}
	if old != nil {
		c.collect(old.ids)
	}
	c.mu.Unlock()

	c.bus.Emit(bus.ConversationListed, "", filter)
}

// collect drops records no longer referenced by any view. Caller holds mu.
func (c *Cache) collect(candidates []string) {
	for _, id := range candidates {
		referenced := false
		for _, v := range c.views {
			if slices.Contains(v.ids, id) {
				referenced = true
				break
			}
		}
		if !referenced {
			delete(c.records, id)
		}
	}
}

// Fetch loads a single conversation from the server and adds it to the cache.
func (c *Cache) Fetch(ctx context.Context, id string) (model.Conversation, error) {
	conv, err := c.fetcher.GetConversation(ctx, id)
	if err != nil {
		if errors.Is(err, ErrUnknownConversation) {
			c.evict(id)
		}
		return model.Conversation{}, fmt.Errorf("fetch conversation %s: %w", id, err)
	}
	if err := c.Put(conv); err != nil {
		return model.Conversation{}, err
	}
	return conv, nil
}

// Put inserts or overwrites a conversation and lists it in every cached view
// whose filter matches.
func (c *Cache) Put(conv model.Conversation) error {
	if err := conv.Validate(); err != nil {
		return fmt.Errorf("conversation %s: %w", conv.ID, err)
	}
	c.mu.Lock()
	if rec, ok := c.records[conv.ID]; ok {
		*rec = conv
	} else {
		rec := conv
		c.records[conv.ID] = &rec
	}
	if len(c.views) == 0 {
		c.views[model.FilterAll] = &view{}
	}
	for filter, v := range c.views {
		if filter.Matches(&conv) && !slices.Contains(v.ids, conv.ID) {
			v.ids = append(v.ids, conv.ID)
		}
	}
	c.mu.Unlock()

	c.bus.Emit(bus.ConversationUpdated, conv.ID, conv)
	return nil
}

// Get returns a cached conversation.
func (c *Cache) Get(id string) (model.Conversation, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.records[id]
	if !ok {
		return model.Conversation{}, false
	}
	return *rec, true
}

// Find returns the first cached conversation matching pred.
func (c *Cache) Find(pred func(*model.Conversation) bool) (model.Conversation, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, rec := range c.records {
		if pred(rec) {
			return *rec, true
		}
	}
	return model.Conversation{}, false
}

// Upsert applies a partial update to a cached conversation. On a miss nothing
// is created and a full refetch is scheduled.
func (c *Cache) Upsert(id string, patch model.ConversationPatch) bool {
	c.mu.Lock()
	rec, ok := c.records[id]
	var snapshot model.Conversation
	if ok {
		patch.Apply(rec)
		snapshot = *rec
	}
	c.mu.Unlock()

	if !ok {
		c.miss(id)
		return false
	}
	c.bus.Emit(bus.ConversationUpdated, id, snapshot)
	return true
}

// ApplyIncoming records a message from another actor: it becomes the last
// message and bumps the matching unread counter, unless it already is the last
// message or is older than it.
func (c *Cache) ApplyIncoming(m model.Message) Outcome {
	return c.apply(m, true)
}

// ApplyOwn records a confirmed local send without touching unread counters.
func (c *Cache) ApplyOwn(m model.Message) Outcome {
	return c.apply(m, false)
}

func (c *Cache) apply(m model.Message, countUnread bool) Outcome {
	c.mu.Lock()
	rec, ok := c.records[m.ConversationID]
	if !ok {
		c.mu.Unlock()
		c.miss(m.ConversationID)
		return Missed
	}
	switch {
	case rec.LastMessageID == m.ID:
		c.mu.Unlock()
		return Duplicate
	case !rec.LastMessageAt.IsZero() && m.CreatedAt.Before(rec.LastMessageAt):
		c.mu.Unlock()
		return Stale
	}
	rec.LastMessageID = m.ID
	rec.LastMessageAt = m.CreatedAt
	rec.LastMessageContent = m.Preview()
	if countUnread {
		if m.IsAlert() {
			rec.UnreadAlertCount++
		} else {
			rec.UnreadMessageCount++
		}
	}
	snapshot := *rec
	c.mu.Unlock()

	c.bus.Emit(bus.ConversationUpdated, m.ConversationID, snapshot)
	return Applied
}

// MarkRead tells the server the conversation was read and clears both unread
// counters. On failure the counters are left as they were.
func (c *Cache) MarkRead(ctx context.Context, id string) error {
	if err := c.fetcher.MarkRead(ctx, id); err != nil {
		c.logger.Warn("mark read failed", zap.String("conversation_id", id), zap.Error(err))
		return fmt.Errorf("mark conversation %s read: %w", id, err)
	}
	c.resetUnread(id)
	return nil
}

// ResetUnread clears the unread counters after a read event from the server.
func (c *Cache) ResetUnread(id string) bool {
	if !c.resetUnread(id) {
		c.miss(id)
		return false
	}
	return true
}

func (c *Cache) resetUnread(id string) bool {
	c.mu.Lock()
	rec, ok := c.records[id]
	var snapshot model.Conversation
	if ok {
		rec.UnreadMessageCount = 0
		rec.UnreadAlertCount = 0
		snapshot = *rec
	}
	c.mu.Unlock()
	if ok {
		c.bus.Emit(bus.ConversationUpdated, id, snapshot)
	}
	return ok
}

// Delete removes a conversation on the server and then from every view.
// Subscribers of conversation.deleted release anything tied to it.
func (c *Cache) Delete(ctx context.Context, id string) error {
	if err := c.fetcher.DeleteConversation(ctx, id); err != nil && !errors.Is(err, ErrUnknownConversation) {
		return fmt.Errorf("delete conversation %s: %w", id, err)
	}
	c.evict(id)
	return nil
}

// evict drops a conversation the server no longer has.
func (c *Cache) evict(id string) {
	c.mu.Lock()
	_, ok := c.records[id]
	delete(c.records, id)
	for _, v := range c.views {
		v.ids = slices.DeleteFunc(v.ids, func(x string) bool { return x == id })
	}
	c.mu.Unlock()

	if ok {
		c.bus.Emit(bus.ConversationDeleted, id, nil)
	}
}

// miss handles an event for a conversation the cache does not know: the
// event is dropped and every cached view is refetched.
func (c *Cache) miss(id string) {
	c.logger.Warn("event for unknown conversation, scheduling refetch", zap.String("conversation_id", id))
	c.bus.Emit(bus.ConversationMissed, id, nil)

	c.mu.RLock()
	filters := make([]model.Filter, 0, len(c.views))
	for f := range c.views {
		filters = append(filters, f)
	}
	c.mu.RUnlock()
	if len(filters) == 0 {
		filters = append(filters, model.FilterAll)
	}
	for _, f := range filters {
		go c.refreshInBackground(f)
	}
}
