package views

import (
	"fmt"
	"strings"

	"github.com/fleetdesk/convsync/internal/tui/ui"
	"github.com/rivo/tview"
)

// HelpView lists key bindings and commands.
type HelpView struct {
	*tview.TextView
}

var helpSections = []struct {
	title string
	keys  [][2]string
}{
	{"Global", [][2]string{
		{":", "Command mode"},
		{"Esc", "Back"},
		{"?", "This help"},
		{"q", "Quit (from the list)"},
		{"Ctrl-C", "Quit immediately"},
	}},
	{"Conversation list", [][2]string{
		{"Enter", "Open conversation"},
		{"1-9", "Open Nth conversation"},
		{"a / d / c", "Show all, drivers, companies"},
		{"r", "Refresh from server"},
		{"/", "Search recipients and last messages"},
	}},
	{"Conversation", [][2]string{
		{"i", "Focus composer"},
		{"Enter", "Send draft (in composer)"},
		{"o", "Load older messages"},
		{"m", "Mark read"},
		{"R", "Retry the last failed message"},
		{"D", "Conversation details"},
	}},
	{"Commands", [][2]string{
		{":open <recipient>", "Open by driver or company id"},
		{":filter all|driver|company", "Switch the list"},
		{":alert <kind> <text>", "Send warning, alert, info or success"},
		{":read", "Mark the open conversation read"},
		{":delete", "Delete the open conversation"},
		{":retry", "Retry the last failed message"},
		{":help", "This help"},
		{":quit", "Quit"},
	}},
}

// NewHelpView creates a new help view.
func NewHelpView(theme *ui.Theme) *HelpView {
	tv := tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true)
	tv.SetBorder(true)
	tv.SetBorderColor(theme.BorderColor)
	tv.SetBackgroundColor(theme.BgColor)
	tv.SetTextColor(theme.FgColor)
	tv.SetTitle(" Help ")
	tv.SetTitleColor(theme.TitleColor)

	kc := ui.Tag(theme.MenuKeyColor)
	var b strings.Builder
	for _, s := range helpSections {
		fmt.Fprintf(&b, "\n  [::b]%s[-:-:-]\n\n", s.title)
		for _, k := range s.keys {
			fmt.Fprintf(&b, "  [%s]%-28s[-:-:-] %s\n", kc, tview.Escape(k[0]), k[1])
		}
	}
	_, _ = fmt.Fprint(tv, b.String())
	return &HelpView{TextView: tv}
}

// Title implements ui.Component.
func (hv *HelpView) Title() string { return "Help" }

// Hints implements ui.Component.
func (hv *HelpView) Hints() []ui.MenuHint {
	return []ui.MenuHint{{Key: "Esc", Description: "Back"}}
}
