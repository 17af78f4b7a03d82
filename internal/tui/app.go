package tui

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/fleetdesk/convsync/internal/api"
	"github.com/fleetdesk/convsync/internal/bus"
	"github.com/fleetdesk/convsync/internal/codec"
	"github.com/fleetdesk/convsync/internal/outbox"
	"github.com/fleetdesk/convsync/internal/tui/keys"
	vm "github.com/fleetdesk/convsync/internal/tui/model"
	"github.com/fleetdesk/convsync/internal/tui/ui"
	"github.com/fleetdesk/convsync/internal/tui/views"
	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
)

const (
	callTimeout   = 10 * time.Second
	statusRefresh = 5 * time.Second
)

// Key binding scopes.
const (
	scopeList   = "list"
	scopeThread = "thread"
	scopeOther  = "other"
)

// What a batch of events requires reloading.
const (
	dirtyList uint32 = 1 << iota
	dirtyWindow
	dirtyStatus
)

// Client is the daemon API the TUI drives.
type Client interface {
	vm.Daemon
	WatchEvents(ctx context.Context, namespace string, fn func(api.EventReply) error) error
}

// App is the main TUI application shell.
type App struct {
	app      *tview.Application
	root     *tview.Flex
	pages    *ui.Pages
	theme    *ui.Theme
	header   *ui.Header
	crumbs   *ui.Crumbs
	flash    *ui.FlashModel
	flashBar *ui.FlashBar
	prompt   *ui.Prompt
	registry *keys.Registry
	client   Client
	vm       *vm.ViewModel

	list   *views.ConversationList
	thread *views.MessageThread
	info   *views.ConversationInfo
	help   *views.HelpView

	pending atomic.Uint32
	kick    chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

// NewApp creates the TUI. resolver turns attachment paths into links.
func NewApp(c Client, resolver *codec.Resolver) *App {
	ctx, cancel := context.WithCancel(context.Background())
	theme := ui.DefaultTheme()
	a := &App{
		app:      tview.NewApplication(),
		pages:    ui.NewPages(),
		theme:    theme,
		header:   ui.NewHeader(theme),
		crumbs:   ui.NewCrumbs(theme),
		flash:    ui.NewFlashModel(),
		flashBar: ui.NewFlashBar(theme),
		prompt:   ui.NewPrompt(theme),
		registry: keys.NewRegistry(),
		client:   c,
		vm:       vm.NewViewModel(c),
		list:     views.NewConversationList(theme),
		thread:   views.NewMessageThread(theme, resolver, ""),
		info:     views.NewConversationInfo(theme),
		help:     views.NewHelpView(theme),
		kick:     make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
	}
	a.setupBindings()
	a.setupCallbacks()
	a.setupLayout()
	return a
}

func (a *App) setupBindings() {
	a.registry.Add(keys.GlobalScope,
		keys.OnRune('?', func() { a.push(a.help) }),
		keys.OnRune(':', func() { a.showPrompt(ui.PromptCommand) }),
	)
	a.registry.Add(scopeList,
		keys.OnRune('q', a.Stop),
		keys.OnRune('/', func() { a.showPrompt(ui.PromptSearch) }),
		keys.OnRune('r', func() { go a.loadConversations(true) }),
		keys.OnRune('a', func() { a.setFilter("all") }),
		keys.OnRune('d', func() { a.setFilter("driver") }),
		keys.OnRune('c', func() { a.setFilter("company") }),
	)
	for n := 1; n <= 9; n++ {
		a.registry.Add(scopeList, keys.OnRune(rune('0'+n), func() {
			if id := a.list.IDByIndex(n); id != "" {
				a.open(id)
			}
		}))
	}
	a.registry.Add(scopeThread,
		keys.OnRune('i', func() { a.app.SetFocus(a.thread.Composer()) }),
		keys.OnRune('o', func() { a.async("load older", a.vm.LoadOlder) }),
		keys.OnRune('m', func() { a.async("mark read", a.vm.MarkRead) }),
		keys.OnRune('R', a.retry),
		keys.OnRune('D', a.showInfo),
	)
}

func (a *App) setupCallbacks() {
	a.list.SetSelectedFunc(func(row, _ int) {
		if id := a.list.IDByIndex(row); id != "" {
			a.open(id)
		}
	})

	a.thread.SetOnSend(func(text string) {
		go func() {
			ctx, cancel := context.WithTimeout(a.ctx, callTimeout)
			defer cancel()
			if _, err := a.vm.Send(ctx, text, ""); err != nil {
				a.notifyErr("send", err)
			}
		}()
	})

	a.prompt.SetOnSubmit(func(mode ui.PromptMode, text string) {
		a.hidePrompt()
		switch mode {
		case ui.PromptSearch:
			a.list.SetSearch(strings.TrimSpace(text))
		case ui.PromptCommand:
			a.execute(ParseCommand(text))
		}
	})
	a.prompt.SetOnCancel(a.hidePrompt)

	a.pages.SetOnChange(func(top ui.Component, titles []string) {
		a.crumbs.Update(titles)
		a.header.SetHints(top.Hints())
	})
}

func (a *App) setupLayout() {
	a.root = tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(a.header, 5, 0, false).
		AddItem(a.crumbs, 1, 0, false).
		AddItem(a.pages, 0, 1, true).
		AddItem(a.prompt, 0, 0, false).
		AddItem(a.flashBar, 1, 0, false)
	a.pages.Reset(a.list)
	a.app.SetRoot(a.root, true)

	a.app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		focused := a.app.GetFocus()
		if focused == a.prompt.InputField {
			return event
		}
		if focused == a.thread.Composer() {
			if event.Key() == tcell.KeyEscape {
				a.app.SetFocus(a.thread.Messages())
				return nil
			}
			return event
		}
		if event.Key() == tcell.KeyEscape {
			a.back()
			return nil
		}
		if a.registry.HandleEvent(a.scope(), event) {
			return nil
		}
		return event
	})
}

func (a *App) scope() string {
	switch a.pages.Top() {
	case a.list:
		return scopeList
	case a.thread:
		return scopeThread
	}
	return scopeOther
}

func (a *App) push(c ui.Component) {
	a.pages.Push(c)
	a.focusTop()
}

func (a *App) focusTop() {
	switch top := a.pages.Top(); top {
	case a.thread:
		a.app.SetFocus(a.thread.Messages())
	case nil:
	default:
		a.app.SetFocus(top)
	}
}

// back pops the current page. Leaving the thread releases the conversation.
func (a *App) back() {
	if a.pages.Top() == a.list {
		a.list.SetSearch("")
		return
	}
	if a.pages.Pop() == a.thread {
		go func() {
			ctx, cancel := context.WithTimeout(a.ctx, callTimeout)
			defer cancel()
			_ = a.vm.Close(ctx)
		}()
	}
	a.focusTop()
}

func (a *App) showPrompt(mode ui.PromptMode) {
	a.prompt.Activate(mode)
	a.root.ResizeItem(a.prompt, 3, 0)
	a.app.SetFocus(a.prompt)
}

func (a *App) hidePrompt() {
	a.root.ResizeItem(a.prompt, 0, 0)
	a.focusTop()
}

func (a *App) execute(cmd Command) {
	switch cmd.Name {
	case "":
	case "quit":
		a.Stop()
	case "help":
		a.push(a.help)
	case "filter":
		a.setFilter(cmd.Args)
	case "open":
		a.openRecipient(cmd.Args)
	case "alert":
		kind, text, err := ParseAlert(cmd.Args)
		if err != nil {
			a.flash.Err("alert", err)
			a.renderFlash()
			return
		}
		go func() {
			ctx, cancel := context.WithTimeout(a.ctx, callTimeout)
			defer cancel()
			if _, err := a.vm.Send(ctx, text, kind); err != nil {
				a.notifyErr("alert", err)
			}
		}()
	case "read":
		a.async("mark read", a.vm.MarkRead)
	case "retry":
		a.retry()
	case "delete":
		a.async("delete", func(ctx context.Context) error {
			if err := a.vm.Delete(ctx); err != nil {
				return err
			}
			a.app.QueueUpdateDraw(func() {
				a.pages.Reset(a.list)
				a.focusTop()
			})
			a.flash.Info("conversation deleted")
			return nil
		})
	default:
		a.flash.Warn("unknown command: " + cmd.Name)
		a.renderFlash()
	}
}

func (a *App) setFilter(name string) {
	if _, err := a.vm.SetFilter(name); err != nil {
		a.flash.Err("filter", err)
		a.renderFlash()
		return
	}
	go a.loadConversations(true)
}

func (a *App) openRecipient(ref string) {
	for _, c := range a.vm.GetConversations() {
		if c.ID == ref || c.Recipient().ID == ref {
			a.open(c.ID)
			return
		}
	}
	a.flash.Warn("no listed conversation with " + strconv.Quote(ref))
	a.renderFlash()
}

func (a *App) open(id string) {
	go func() {
		ctx, cancel := context.WithTimeout(a.ctx, callTimeout)
		defer cancel()
		if err := a.vm.Open(ctx, id); err != nil {
			a.notifyErr("open", err)
			return
		}
		conv, _ := a.vm.GetConversation(id)
		w := a.vm.GetWindow()
		a.app.QueueUpdateDraw(func() {
			a.thread.SetConversation(conv.Conversation)
			a.thread.Update(w)
			a.push(a.thread)
		})
	}()
}

func (a *App) showInfo() {
	conv, ok := a.vm.GetConversation(a.vm.Active())
	if !ok {
		return
	}
	a.info.Update(conv)
	a.push(a.info)
}

func (a *App) retry() {
	go func() {
		ctx, cancel := context.WithTimeout(a.ctx, callTimeout)
		defer cancel()
		if _, err := a.vm.RetryLast(ctx); err != nil {
			a.notifyErr("retry", err)
		}
	}()
}

// async runs fn off the UI goroutine and reports its error.
func (a *App) async(what string, fn func(context.Context) error) {
	go func() {
		ctx, cancel := context.WithTimeout(a.ctx, callTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			a.notifyErr(what, err)
		}
	}()
}

func (a *App) notifyErr(what string, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	a.flash.Err(what, err)
	a.app.QueueUpdateDraw(a.renderFlash)
}

func (a *App) renderFlash() {
	a.flashBar.Update(a.flash.Current())
}

func (a *App) loadConversations(refresh bool) {
	ctx, cancel := context.WithTimeout(a.ctx, callTimeout)
	defer cancel()
	if err := a.vm.LoadConversations(ctx, refresh); err != nil {
		a.notifyErr("load conversations", err)
		return
	}
	convs, filter := a.vm.GetConversations(), a.vm.GetFilter()
	a.app.QueueUpdateDraw(func() { a.list.Update(convs, filter) })
}

// mark schedules a reload; bursts of events collapse into one.
func (a *App) mark(d uint32) {
	a.pending.Or(d)
	select {
	case a.kick <- struct{}{}:
	default:
	}
}

func (a *App) handleEvent(evt api.EventReply) error {
	active := a.vm.Active()
	switch {
	case evt.Kind == bus.ConversationDeleted && evt.ConversationID == active:
		a.flash.Warn("the open conversation was deleted")
		a.app.QueueUpdateDraw(func() {
			a.pages.Reset(a.list)
			a.focusTop()
		})
		_ = a.vm.Close(a.ctx)
		a.mark(dirtyList)
	case strings.HasPrefix(evt.Kind, "conversation."):
		a.mark(dirtyList)
	case evt.Kind == bus.WindowChanged:
		if evt.ConversationID == active {
			a.mark(dirtyWindow)
		}
	case evt.Kind == bus.TypingChanged:
		a.mark(dirtyList | dirtyWindow)
	case evt.Kind == bus.MessageSendFailed:
		var f outbox.Failure
		if err := json.Unmarshal(evt.Payload, &f); err == nil {
			a.vm.NoteFailure(evt.ConversationID, f.TempID)
			a.flash.Warn("message not sent: " + f.Err + " (R to retry)")
		}
		a.mark(dirtyWindow)
	case evt.Kind == bus.LiveStatusChanged, evt.Kind == bus.LiveDown:
		a.mark(dirtyStatus)
	}
	return nil
}

// watch follows the daemon's event stream, reconnecting with backoff.
func (a *App) watch() {
	b := backoff.WithContext(backoff.NewExponentialBackOff(backoff.WithMaxElapsedTime(0)), a.ctx)
	_ = backoff.Retry(func() error {
		err := a.client.WatchEvents(a.ctx, "", func(evt api.EventReply) error {
			b.Reset()
			return a.handleEvent(evt)
		})
		if a.ctx.Err() != nil {
			return backoff.Permanent(a.ctx.Err())
		}
		a.mark(dirtyList | dirtyWindow | dirtyStatus)
		if err == nil {
			err = errors.New("event stream closed")
		}
		return err
	}, b)
}

// refreshLoop applies scheduled reloads and keeps the status fresh.
func (a *App) refreshLoop() {
	ticker := time.NewTicker(statusRefresh)
	defer ticker.Stop()
	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			a.pending.Or(dirtyStatus)
		case <-a.kick:
		}
		a.reload(a.pending.Swap(0))
	}
}

func (a *App) reload(d uint32) {
	ctx, cancel := context.WithTimeout(a.ctx, callTimeout)
	defer cancel()
	if d&dirtyStatus != 0 {
		if err := a.vm.LoadStatus(ctx); err != nil {
			a.flash.Err("status", err)
		}
	}
	if d&dirtyList != 0 {
		if err := a.vm.LoadConversations(ctx, false); err != nil {
			a.flash.Err("load conversations", err)
		}
	}
	if d&dirtyWindow != 0 && a.vm.Active() != "" {
		if err := a.vm.ReloadWindow(ctx); err != nil {
			a.flash.Err("load window", err)
		}
	}
	st, convs, filter, w := a.vm.GetStatus(), a.vm.GetConversations(), a.vm.GetFilter(), a.vm.GetWindow()
	a.app.QueueUpdateDraw(func() {
		a.header.SetStatus(st)
		a.thread.SetSelfID(st.SelfID)
		if d&dirtyList != 0 {
			a.list.Update(convs, filter)
		}
		if d&dirtyWindow != 0 && w.ConversationID != "" {
			a.thread.Update(w)
		}
		a.renderFlash()
	})
}

// Run starts the TUI and blocks until it exits.
func (a *App) Run() error {
	go func() {
		a.reload(dirtyStatus)
		a.loadConversations(true)
		go a.watch()
		a.refreshLoop()
	}()
	return a.app.Run()
}

// Stop releases the open conversation and shuts the TUI down.
func (a *App) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = a.vm.Close(ctx)
	a.cancel()
	a.app.Stop()
}
