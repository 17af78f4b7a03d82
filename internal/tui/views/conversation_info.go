package views

import (
	"fmt"
	"time"

	"github.com/fleetdesk/convsync/internal/api"
	"github.com/fleetdesk/convsync/internal/tui/ui"
	"github.com/rivo/tview"
)

// ConversationInfo shows the summary fields of one conversation.
type ConversationInfo struct {
	*tview.TextView
	theme *ui.Theme
}

// NewConversationInfo creates a new conversation info view.
func NewConversationInfo(theme *ui.Theme) *ConversationInfo {
	tv := tview.NewTextView().
		SetDynamicColors(true)
	tv.SetBorder(true)
	tv.SetBorderColor(theme.BorderColor)
	tv.SetBackgroundColor(theme.BgColor)
	tv.SetTextColor(theme.FgColor)
	tv.SetTitle(" Details ")
	tv.SetTitleColor(theme.TitleColor)
	return &ConversationInfo{TextView: tv, theme: theme}
}

// Title implements ui.Component.
func (ci *ConversationInfo) Title() string { return "Details" }

// Hints implements ui.Component.
func (ci *ConversationInfo) Hints() []ui.MenuHint {
	return []ui.MenuHint{
		{Key: "Esc", Description: "Back"},
	}
}

// Update renders c.
func (ci *ConversationInfo) Update(c api.ConversationView) {
	ci.Clear()
	label, value := ui.Tag(ci.theme.FgColor), ui.Tag(ci.theme.CounterColor)
	last := "-"
	if !c.LastMessageAt.IsZero() {
		last = c.LastMessageAt.Local().Format(time.DateTime)
	}
	r := c.Recipient()
	rows := []struct{ name, value string }{
		{"ID", clean(c.ID)},
		{"Recipient", fmt.Sprintf("%s %s", r.Kind, clean(r.ID))},
		{"Unread", fmt.Sprintf("%d messages, %d alerts", c.UnreadMessageCount, c.UnreadAlertCount)},
		{"Last active", last},
		{"Last message", clean(c.LastMessageContent)},
		{"Typing", fmt.Sprint(c.Typing)},
	}
	_, _ = fmt.Fprintln(ci)
	for _, row := range rows {
		_, _ = fmt.Fprintf(ci, " [%s::b]%-13s[-:-:-] [%s]%s[-]\n", label, row.name+":", value, row.value)
	}
}
