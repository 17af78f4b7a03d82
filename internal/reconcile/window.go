// Package reconcile merges messages into a paginated conversation window
// without duplicating or misordering entries. Nothing in this package does I/O
// or locking; callers serialize access to a Window.
package reconcile

import (
	"sort"
	"time"

	"github.com/fleetdesk/convsync/internal/model"
)

// slot locates a message inside a window.
type slot struct {
	page int
	idx  int
}

// matchKey is how an unconfirmed placeholder is paired with its server echo
// when the server does not return the client token.
type matchKey struct {
	conversationID string
	content        string
	attachment     string
}

func keyOf(m *model.Message) matchKey {
	return matchKey{conversationID: m.ConversationID, content: m.Content, attachment: m.AttachmentName()}
}

// Window is an ordered sequence of pages, newest page first. Each page is sorted
// by CreatedAt descending.
type Window struct {
	pages [][]model.Message
	index map[string]slot

	// Placeholder lookups, both restricted to records with status "sending".
	pending map[matchKey][]string
	tokens  map[string]string
}

// New returns an empty window.
func New() *Window {
	return &Window{
		index:   make(map[string]slot),
		pending: make(map[matchKey][]string),
		tokens:  make(map[string]string),
	}
}

// Len returns the number of messages in the window.
func (w *Window) Len() int { return len(w.index) }

// PageCount returns the number of loaded pages.
func (w *Window) PageCount() int { return len(w.pages) }

// PageLen returns the length of page i, or 0 if it does not exist.
func (w *Window) PageLen(i int) int {
	if i < 0 || i >= len(w.pages) {
		return 0
	}
	return len(w.pages[i])
}

// Get returns the message with the given id.
func (w *Window) Get(id string) (model.Message, bool) {
	s, ok := w.index[id]
	if !ok {
		return model.Message{}, false
	}
	return w.pages[s.page][s.idx], true
}

// Position returns the page and index of id.
func (w *Window) Position(id string) (page, idx int, ok bool) {
	s, ok := w.index[id]
	return s.page, s.idx, ok
}

// Oldest returns the oldest server-confirmed message, which is the cursor for
// fetching the next older page.
func (w *Window) Oldest() (model.Message, bool) {
	var (
		oldest model.Message
		found  bool
	)
	for _, page := range w.pages {
		for i := len(page) - 1; i >= 0; i-- {
			if page[i].DeliveryStatus != "" {
				continue
			}
			if !found || page[i].CreatedAt.Before(oldest.CreatedAt) {
				oldest, found = page[i], true
			}
			break
		}
	}
	return oldest, found
}

// Ascending returns every message in display order: oldest first, with equal
// timestamps kept in insertion order.
func (w *Window) Ascending() []model.Message {
	out := make([]model.Message, 0, len(w.index))
	for p := len(w.pages) - 1; p >= 0; p-- {
		page := w.pages[p]
		for i := len(page) - 1; i >= 0; i-- {
			out = append(out, page[i])
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Clone returns a deep copy of w.
func (w *Window) Clone() *Window {
	c := New()
	c.pages = make([][]model.Message, len(w.pages))
	for i, page := range w.pages {
		c.pages[i] = append([]model.Message(nil), page...)
	}
	for id, s := range w.index {
		c.index[id] = s
	}
	for k, ids := range w.pending {
		c.pending[k] = append([]string(nil), ids...)
	}
	for tok, id := range w.tokens {
		c.tokens[tok] = id
	}
	return c
}

// insertAt places m at page p index i and fixes the index of everything after it.
func (w *Window) insertAt(p, i int, m model.Message) {
	page := w.pages[p]
	page = append(page, model.Message{})
	copy(page[i+1:], page[i:])
	page[i] = m
	w.pages[p] = page
	w.reindex(p, i)
	w.track(&m)
}

// removeAt deletes the entry at page p index i.
func (w *Window) removeAt(p, i int) model.Message {
	page := w.pages[p]
	m := page[i]
	w.untrack(&m)
	delete(w.index, m.ID)
	w.pages[p] = append(page[:i], page[i+1:]...)
	w.reindex(p, i)
	return m
}

func (w *Window) reindex(p, from int) {
	page := w.pages[p]
	for i := from; i < len(page); i++ {
		w.index[page[i].ID] = slot{page: p, idx: i}
	}
}

// track registers a sending placeholder in the lookup tables.
func (w *Window) track(m *model.Message) {
	if !m.IsPlaceholder() {
		return
	}
	k := keyOf(m)
	w.pending[k] = append(w.pending[k], m.ID)
	if m.ClientToken != "" {
		w.tokens[m.ClientToken] = m.ID
	}
}

func (w *Window) untrack(m *model.Message) {
	if !m.IsPlaceholder() {
		return
	}
	k := keyOf(m)
	ids := w.pending[k]
	for i, id := range ids {
		if id == m.ID {
			ids = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(w.pending, k)
	} else {
		w.pending[k] = ids
	}
	if m.ClientToken != "" && w.tokens[m.ClientToken] == m.ID {
		delete(w.tokens, m.ClientToken)
	}
}

// newestSlot returns where m belongs in the newest page: before the first entry
// that is not newer than m, so later arrivals with equal timestamps sort after
// earlier ones in display order.
func (w *Window) newestSlot(at time.Time) int {
	page := w.pages[0]
	return sort.Search(len(page), func(i int) bool {
		return !page[i].CreatedAt.After(at)
	})
}

// settle moves the entry at page p index i to keep the page sorted, if its
// timestamp no longer fits between its neighbours. Returns the final index.
func (w *Window) settle(p, i int) int {
	page := w.pages[p]
	at := page[i].CreatedAt
	inOrder := (i == 0 || !page[i-1].CreatedAt.Before(at)) &&
		(i == len(page)-1 || !at.Before(page[i+1].CreatedAt))
	if inOrder {
		return i
	}
	m := w.removeAt(p, i)
	page = w.pages[p]
	j := sort.Search(len(page), func(k int) bool {
		return !page[k].CreatedAt.After(at)
	})
	w.insertAt(p, j, m)
	return j
}
