package typing

import (
	"sync"
	"time"

	"github.com/fleetdesk/convsync/internal/bus"
)

// DefaultTimeout is how long a typing signal stays true without a refresh.
const DefaultTimeout = 5 * time.Second

// Change is the payload of typing.changed events.
type Change struct {
	ConversationID string
	Typing         bool
}

// Tracker holds a bounded-lifetime typing flag per conversation.
type Tracker struct {
	timeout time.Duration
	bus     *bus.Bus

	mu     sync.Mutex
	timers map[string]*timer
	gen    uint64 // only grows, across every conversation
}

// timer pairs a time.Timer with a generation so a timer that fired after being
// replaced does not clear the newer signal.
type timer struct {
	t   *time.Timer
	gen uint64
}

// NewTracker creates a tracker. timeout <= 0 selects DefaultTimeout.
func NewTracker(timeout time.Duration, b *bus.Bus) *Tracker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Tracker{
		timeout: timeout,
		bus:     b,
		timers:  make(map[string]*timer),
	}
}

// Start marks the conversation as typing, or extends an existing signal.
func (tr *Tracker) Start(conversationID string) {
	tr.mu.Lock()
	cur, typing := tr.timers[conversationID]
	if typing {
		cur.t.Stop()
	}
	tr.gen++
	gen := tr.gen
	next := &timer{gen: gen}
	next.t = time.AfterFunc(tr.timeout, func() { tr.expire(conversationID, gen) })
	tr.timers[conversationID] = next
	tr.mu.Unlock()

	if !typing {
		tr.bus.Emit(bus.TypingChanged, conversationID, Change{ConversationID: conversationID, Typing: true})
	}
}

// Clear force-clears the flag when a message from the typing party arrives.
func (tr *Tracker) Clear(conversationID string) { tr.Stop(conversationID) }

// Stop clears the typing flag.
func (tr *Tracker) Stop(conversationID string) {
	tr.mu.Lock()
	cur, typing := tr.timers[conversationID]
	if typing {
		cur.t.Stop()
		delete(tr.timers, conversationID)
	}
	tr.mu.Unlock()

	if typing {
		tr.bus.Emit(bus.TypingChanged, conversationID, Change{ConversationID: conversationID})
	}
}

// IsTyping reports the current flag.
func (tr *Tracker) IsTyping(conversationID string) bool {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	_, ok := tr.timers[conversationID]
	return ok
}

// Close stops every pending timer.
func (tr *Tracker) Close() {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	for id, cur := range tr.timers {
		cur.t.Stop()
		delete(tr.timers, id)
	}
}

func (tr *Tracker) expire(conversationID string, gen uint64) {
	tr.mu.Lock()
	cur, ok := tr.timers[conversationID]
	if !ok || cur.gen != gen {
		tr.mu.Unlock()
		return
	}
	delete(tr.timers, conversationID)
	tr.mu.Unlock()

	tr.bus.Emit(bus.TypingChanged, conversationID, Change{ConversationID: conversationID})
}
