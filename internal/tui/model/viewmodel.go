package model

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/fleetdesk/convsync/internal/api"
	"github.com/fleetdesk/convsync/internal/model"
)

// ErrNoConversation is returned by commands that need an open conversation.
var ErrNoConversation = errors.New("no conversation open")

// Daemon is the part of the inspection client the view model uses.
type Daemon interface {
	Status(ctx context.Context) (api.StatusReply, error)
	ListConversations(ctx context.Context, filter string, refresh bool) ([]api.ConversationView, error)
	GetWindow(ctx context.Context, conversationID string) (api.WindowReply, error)
	LoadOlder(ctx context.Context, conversationID string) (api.WindowReply, error)
	Focus(ctx context.Context, conversationID string) (api.WindowReply, error)
	Release(ctx context.Context, conversationID string) error
	Send(ctx context.Context, req api.SendRequest) (string, error)
	Retry(ctx context.Context, conversationID, tempID string) (string, error)
	MarkRead(ctx context.Context, conversationID string) error
	Delete(ctx context.Context, conversationID string) error
}

// ViewModel caches what the screens show and mirrors one focused conversation.
type ViewModel struct {
	mu sync.RWMutex

	daemon        Daemon
	Filter        model.Filter
	Status        api.StatusReply
	Conversations []api.ConversationView
	Window        api.WindowReply
	ActiveID      string
	// LastFailed is the most recent placeholder the daemon could not send.
	LastFailed string
}

// NewViewModel creates a view model connected to the daemon client.
func NewViewModel(d Daemon) *ViewModel {
	return &ViewModel{daemon: d}
}

// LoadStatus fetches daemon and live channel status.
func (vm *ViewModel) LoadStatus(ctx context.Context) error {
	st, err := vm.daemon.Status(ctx)
	if err != nil {
		return err
	}
	vm.mu.Lock()
	vm.Status = st
	vm.mu.Unlock()
	return nil
}

// LoadConversations fetches the list for the current filter. refresh asks the
// daemon to refetch from the server first.
func (vm *ViewModel) LoadConversations(ctx context.Context, refresh bool) error {
	vm.mu.RLock()
	filter := vm.Filter
	vm.mu.RUnlock()

	convs, err := vm.daemon.ListConversations(ctx, string(filter), refresh)
	if err != nil {
		return err
	}
	vm.mu.Lock()
	vm.Conversations = convs
	vm.mu.Unlock()
	return nil
}

// SetFilter switches the conversation view. Unknown names are rejected.
func (vm *ViewModel) SetFilter(name string) (model.Filter, error) {
	var f model.Filter
	switch strings.ToLower(name) {
	case "", "all":
		f = model.FilterAll
	case "driver", "drivers":
		f = model.FilterDriver
	case "company", "companies":
		f = model.FilterCompany
	default:
		return "", errors.New("unknown filter " + name + " (all, driver, company)")
	}
	vm.mu.Lock()
	vm.Filter = f
	vm.mu.Unlock()
	return f, nil
}

// Open focuses a conversation, releasing the previous one.
func (vm *ViewModel) Open(ctx context.Context, id string) error {
	vm.mu.RLock()
	prev := vm.ActiveID
	vm.mu.RUnlock()
	if prev != "" && prev != id {
		_ = vm.daemon.Release(ctx, prev)
	}

	w, err := vm.daemon.Focus(ctx, id)
	if err != nil {
		return err
	}
	vm.mu.Lock()
	vm.ActiveID = id
	vm.Window = w
	vm.LastFailed = ""
	vm.mu.Unlock()
	return nil
}

// Close releases the focused conversation.
func (vm *ViewModel) Close(ctx context.Context) error {
	vm.mu.Lock()
	id := vm.ActiveID
	vm.ActiveID = ""
	vm.Window = api.WindowReply{}
	vm.mu.Unlock()
	if id == "" {
		return nil
	}
	return vm.daemon.Release(ctx, id)
}

// ReloadWindow refreshes the focused window from the daemon.
func (vm *ViewModel) ReloadWindow(ctx context.Context) error {
	id, err := vm.active()
	if err != nil {
		return err
	}
	w, err := vm.daemon.GetWindow(ctx, id)
	if err != nil {
		return err
	}
	vm.setWindow(id, w)
	return nil
}

// LoadOlder pages the focused window back.
func (vm *ViewModel) LoadOlder(ctx context.Context) error {
	id, err := vm.active()
	if err != nil {
		return err
	}
	w, err := vm.daemon.LoadOlder(ctx, id)
	if err != nil {
		return err
	}
	vm.setWindow(id, w)
	return nil
}

// Send posts text to the focused conversation, as an alert when alertKind is set.
func (vm *ViewModel) Send(ctx context.Context, text string, alertKind model.AlertKind) (string, error) {
	id, err := vm.active()
	if err != nil {
		return "", err
	}
	return vm.daemon.Send(ctx, api.SendRequest{
		ConversationID: id,
		Content:        text,
		AlertType:      string(alertKind),
	})
}

// RetryLast resends the most recent failed message of the focused conversation.
func (vm *ViewModel) RetryLast(ctx context.Context) (string, error) {
	id, err := vm.active()
	if err != nil {
		return "", err
	}
	vm.mu.RLock()
	tempID := vm.LastFailed
	vm.mu.RUnlock()
	if tempID == "" {
		return "", errors.New("nothing to retry")
	}
	newID, err := vm.daemon.Retry(ctx, id, tempID)
	if err != nil {
		return "", err
	}
	vm.mu.Lock()
	if vm.LastFailed == tempID {
		vm.LastFailed = ""
	}
	vm.mu.Unlock()
	return newID, nil
}

// NoteFailure remembers a failed placeholder of the focused conversation.
func (vm *ViewModel) NoteFailure(conversationID, tempID string) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if conversationID == vm.ActiveID {
		vm.LastFailed = tempID
	}
}

// MarkRead clears the unread counters of the focused conversation.
func (vm *ViewModel) MarkRead(ctx context.Context) error {
	id, err := vm.active()
	if err != nil {
		return err
	}
	return vm.daemon.MarkRead(ctx, id)
}

// Delete removes the focused conversation and closes it.
func (vm *ViewModel) Delete(ctx context.Context) error {
	id, err := vm.active()
	if err != nil {
		return err
	}
	if err := vm.daemon.Delete(ctx, id); err != nil {
		return err
	}
	vm.mu.Lock()
	vm.ActiveID = ""
	vm.Window = api.WindowReply{}
	vm.mu.Unlock()
	return nil
}

// GetConversations returns a snapshot of the current list.
func (vm *ViewModel) GetConversations() []api.ConversationView {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.Conversations
}

// GetFilter returns the current conversation view.
func (vm *ViewModel) GetFilter() model.Filter {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.Filter
}

// GetConversation returns the listed summary of a conversation.
func (vm *ViewModel) GetConversation(id string) (api.ConversationView, bool) {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	for _, c := range vm.Conversations {
		if c.ID == id {
			return c, true
		}
	}
	return api.ConversationView{}, false
}

// GetWindow returns a snapshot of the focused window.
func (vm *ViewModel) GetWindow() api.WindowReply {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.Window
}

// GetStatus returns a snapshot of the daemon status.
func (vm *ViewModel) GetStatus() api.StatusReply {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.Status
}

// Active returns the focused conversation id, if any.
func (vm *ViewModel) Active() string {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.ActiveID
}

func (vm *ViewModel) active() (string, error) {
	id := vm.Active()
	if id == "" {
		return "", ErrNoConversation
	}
	return id, nil
}

// setWindow stores w unless the user moved to another conversation meanwhile.
func (vm *ViewModel) setWindow(id string, w api.WindowReply) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if vm.ActiveID == id {
		vm.Window = w
	}
}
