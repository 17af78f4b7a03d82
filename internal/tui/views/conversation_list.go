package views

import (
	"fmt"
	"time"

	"github.com/fleetdesk/convsync/internal/api"
	"github.com/fleetdesk/convsync/internal/model"
	"github.com/fleetdesk/convsync/internal/tui/ui"
	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
)

// ConversationList is the table of conversation summaries.
type ConversationList struct {
	*tview.Table
	theme   *ui.Theme
	convs   []api.ConversationView
	visible []string
	filter  model.Filter
	search  string
	now     func() time.Time
}

// NewConversationList creates a new conversation list table.
func NewConversationList(theme *ui.Theme) *ConversationList {
	table := tview.NewTable().
		SetSelectable(true, false).
		SetBorders(false).
		SetFixed(1, 0)
	table.SetBorder(true)
	table.SetBorderColor(theme.BorderColor)
	table.SetBackgroundColor(theme.BgColor)
	table.SetSelectedStyle(tcell.StyleDefault.
		Foreground(theme.TableCursorFg).
		Background(theme.TableCursorBg))
	table.SetTitleColor(theme.TitleColor)

	cl := &ConversationList{Table: table, theme: theme, now: time.Now}
	cl.render()
	return cl
}

// Title implements ui.Component.
func (cl *ConversationList) Title() string { return "Conversations" }

// Hints implements ui.Component.
func (cl *ConversationList) Hints() []ui.MenuHint {
	return []ui.MenuHint{
		{Key: "Enter", Description: "Open"},
		{Key: "1-9", Description: "Open Nth"},
		{Key: "a/d/c", Description: "All/Drivers/Companies"},
		{Key: "r", Description: "Refresh"},
		{Key: "/", Description: "Search"},
		{Key: ":", Description: "Command"},
		{Key: "?", Description: "Help"},
		{Key: "q", Description: "Quit"},
	}
}

// Update replaces the listed conversations.
func (cl *ConversationList) Update(convs []api.ConversationView, filter model.Filter) {
	cl.convs = convs
	cl.filter = filter
	cl.render()
}

// SetSearch narrows the table to rows containing text; empty clears it.
func (cl *ConversationList) SetSearch(text string) {
	cl.search = text
	cl.render()
}

func (cl *ConversationList) matches(c *api.ConversationView) bool {
	if cl.search == "" {
		return true
	}
	r := c.Recipient()
	return containsFold(r.ID, cl.search) || containsFold(c.LastMessageContent, cl.search)
}

func (cl *ConversationList) render() {
	selected := cl.SelectedID()
	cl.Clear()

	headers := []struct {
		text string
		exp  int
	}{
		{" RECIPIENT", 1},
		{" LAST MESSAGE", 3},
		{" TIME", 0},
		{" UNREAD", 0},
	}
	for col, h := range headers {
		cl.SetCell(0, col, tview.NewTableCell(h.text).
			SetSelectable(false).
			SetTextColor(cl.theme.TableHeaderFg).
			SetBackgroundColor(cl.theme.TableHeaderBg).
			SetAttributes(tcell.AttrBold).
			SetExpansion(h.exp))
	}

	now := cl.now()
	cl.visible = cl.visible[:0]
	for i := range cl.convs {
		c := &cl.convs[i]
		if !cl.matches(c) {
			continue
		}
		row := len(cl.visible) + 1
		cl.visible = append(cl.visible, c.ID)

		r := c.Recipient()
		who := fmt.Sprintf(" %d %s %s", row, kindLabel(r.Kind), clean(r.ID))
		last := " " + clean(c.LastMessageContent)
		lastColor := cl.theme.FgColor
		if c.Typing {
			last, lastColor = " typing...", cl.theme.UnreadColor
		}
		unread, unreadColor := "", cl.theme.FgColor
		if c.UnreadMessageCount > 0 || c.UnreadAlertCount > 0 {
			unread, unreadColor = fmt.Sprintf("%d", c.UnreadMessageCount), cl.theme.UnreadColor
			if c.UnreadAlertCount > 0 {
				unread += fmt.Sprintf(" !%d", c.UnreadAlertCount)
			}
		}

		cl.SetCell(row, 0, tview.NewTableCell(who).SetExpansion(1).SetTextColor(cl.theme.FgColor))
		cl.SetCell(row, 1, tview.NewTableCell(last).SetExpansion(3).SetTextColor(lastColor).SetMaxWidth(60))
		cl.SetCell(row, 2, tview.NewTableCell(listTime(c.LastMessageAt, now)).SetTextColor(cl.theme.FgColor).SetAlign(tview.AlignRight))
		cl.SetCell(row, 3, tview.NewTableCell(unread).SetTextColor(unreadColor).SetAlign(tview.AlignRight))
	}

	title := fmt.Sprintf(" Conversations [%s](%s %d)[-] ", ui.Tag(cl.theme.CounterColor), filterLabel(cl.filter), len(cl.convs))
	if cl.search != "" {
		title = fmt.Sprintf(" Conversations [%s](%s %d/%d) /%s[-] ", ui.Tag(cl.theme.CounterColor),
			filterLabel(cl.filter), len(cl.visible), len(cl.convs), tview.Escape(cl.search))
	}
	cl.SetTitle(title)

	for i, id := range cl.visible {
		if id == selected {
			cl.Select(i+1, 0)
			return
		}
	}
	if len(cl.visible) > 0 {
		cl.Select(1, 0)
	}
}

// SelectedID returns the id of the highlighted conversation.
func (cl *ConversationList) SelectedID() string {
	row, _ := cl.GetSelection()
	return cl.IDByIndex(row)
}

// IDByIndex returns the id of the Nth visible conversation, 1-based.
func (cl *ConversationList) IDByIndex(n int) string {
	if n < 1 || n > len(cl.visible) {
		return ""
	}
	return cl.visible[n-1]
}

func kindLabel(k model.RecipientKind) string {
	if k == model.RecipientCompany {
		return "co"
	}
	return "dr"
}

func filterLabel(f model.Filter) string {
	switch f {
	case model.FilterDriver:
		return "drivers"
	case model.FilterCompany:
		return "companies"
	}
	return "all"
}
