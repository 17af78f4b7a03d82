package reconcile

import (
	"sort"

	"github.com/fleetdesk/convsync/internal/model"
)

// Outcome describes what Reconcile did with an incoming message.
type Outcome int

const (
	// Duplicate means the message was already present; the window is unchanged.
	Duplicate Outcome = iota
	// Replaced means a sending placeholder was swapped for the incoming record.
	Replaced
	// Inserted means the message was added to the newest page.
	Inserted
)

func (o Outcome) String() string {
	switch o {
	case Duplicate:
		return "duplicate"
	case Replaced:
		return "replaced"
	case Inserted:
		return "inserted"
	}
	return "unknown"
}

// Result reports the outcome of a merge and, for Replaced, the placeholder id
// that disappeared.
type Result struct {
	Outcome     Outcome
	Placeholder string
}

// Changed reports whether the window was modified.
func (r Result) Changed() bool { return r.Outcome != Duplicate }

// Reconcile merges a message that arrived live, or as the response to a send,
// into w.
//
// A message whose id is already present is dropped, unless the present record
// is a sending placeholder and incoming is its confirmation. A confirmed message
// that pairs with a sending placeholder replaces it at the same position. Any
// other message is inserted into the newest page by CreatedAt.
func Reconcile(w *Window, incoming model.Message) Result {
	return merge(w, incoming, true)
}

// Merge is Reconcile for a message read back from history. Such a message only
// confirms a placeholder through its client token or its id, since identical
// text in history proves nothing about a send still in flight.
func Merge(w *Window, incoming model.Message) Result {
	return merge(w, incoming, false)
}

func merge(w *Window, incoming model.Message, byContent bool) Result {
	if s, ok := w.index[incoming.ID]; ok {
		existing := &w.pages[s.page][s.idx]
		if existing.IsPlaceholder() && incoming.DeliveryStatus == "" && keyOf(existing) == keyOf(&incoming) {
			return w.replace(s, incoming)
		}
		return Result{Outcome: Duplicate}
	}

	if incoming.DeliveryStatus == "" {
		if id, ok := w.matchPlaceholder(&incoming, byContent); ok {
			return w.replace(w.index[id], incoming)
		}
	}

	if len(w.pages) == 0 {
		w.pages = append(w.pages, nil)
	}
	w.insertAt(0, w.newestSlot(incoming.CreatedAt), incoming)
	return Result{Outcome: Inserted}
}

// matchPlaceholder finds the sending placeholder that incoming confirms. A
// client token, when the server echoes one, is authoritative. Otherwise, if
// byContent is set, the oldest placeholder with the same conversation, content
// and attachment wins, provided the sender does not differ.
func (w *Window) matchPlaceholder(incoming *model.Message, byContent bool) (string, bool) {
	if incoming.ClientToken != "" {
		id, ok := w.tokens[incoming.ClientToken]
		return id, ok
	}
	if !byContent {
		return "", false
	}
	for _, id := range w.pending[keyOf(incoming)] {
		s := w.index[id]
		if sameSender(&w.pages[s.page][s.idx], incoming) {
			return id, true
		}
	}
	return "", false
}

// sameSender is false only when both messages name different senders.
func sameSender(a, b *model.Message) bool {
	return a.SenderID == "" || b.SenderID == "" || a.SenderID == b.SenderID
}

func (w *Window) replace(s slot, incoming model.Message) Result {
	old := w.pages[s.page][s.idx]
	w.untrack(&old)
	delete(w.index, old.ID)
	w.pages[s.page][s.idx] = incoming
	w.index[incoming.ID] = s
	w.track(&incoming)
	w.settle(s.page, s.idx)
	return Result{Outcome: Replaced, Placeholder: old.ID}
}

// AppendPage adds an older page at the tail of w. Messages already present are
// dropped. Older history predates every placeholder, so nothing in the page is
// paired with one except a record carrying the placeholder's own id.
// Returns the number of messages that were new to the window.
func AppendPage(w *Window, page []model.Message) int {
	fresh := make([]model.Message, 0, len(page))
	seen := make(map[string]struct{}, len(page))
	added := 0
	for _, m := range page {
		if _, dup := seen[m.ID]; dup {
			continue
		}
		seen[m.ID] = struct{}{}
		if _, ok := w.index[m.ID]; ok {
			if Merge(w, m).Outcome == Replaced {
				added++
			}
			continue
		}
		fresh = append(fresh, m)
	}
	if len(fresh) == 0 {
		return added
	}
	sort.SliceStable(fresh, func(i, j int) bool {
		return fresh[i].CreatedAt.After(fresh[j].CreatedAt)
	})
	p := len(w.pages)
	w.pages = append(w.pages, fresh)
	w.reindex(p, 0)
	for i := range fresh {
		w.track(&fresh[i])
	}
	return added + len(fresh)
}

// SetStatus changes the delivery status of the message with the given id.
func SetStatus(w *Window, id string, status model.DeliveryStatus) bool {
	s, ok := w.index[id]
	if !ok {
		return false
	}
	m := &w.pages[s.page][s.idx]
	if m.DeliveryStatus == status {
		return false
	}
	w.untrack(m)
	m.DeliveryStatus = status
	w.track(m)
	return true
}

// Replace swaps the message with the given id for m at the same position.
// It fails if m.ID is already used by another entry.
func Replace(w *Window, id string, m model.Message) bool {
	s, ok := w.index[id]
	if !ok {
		return false
	}
	if other, taken := w.index[m.ID]; taken && other != s {
		return false
	}
	w.replace(s, m)
	return true
}

// Remove deletes the message with the given id.
func Remove(w *Window, id string) bool {
	s, ok := w.index[id]
	if !ok {
		return false
	}
	w.removeAt(s.page, s.idx)
	return true
}

// ReplaceNewest resets w to a freshly fetched newest page. Unconfirmed local
// entries (sending or failed) survive; a sending one is only replaced by a page
// record carrying its client token. Everything else that was loaded is
// discarded, so callers use it when the page does not connect to the loaded
// history.
func ReplaceNewest(w *Window, page []model.Message) int {
	var local []model.Message
	for _, p := range w.pages {
		for _, m := range p {
			if m.DeliveryStatus != "" {
				local = append(local, m)
			}
		}
	}
	*w = *New()
	for _, m := range local {
		Merge(w, m)
	}
	for _, m := range page {
		Merge(w, m)
	}
	return w.Len()
}
