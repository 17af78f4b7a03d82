package ui

import (
	"fmt"
	"strings"

	"github.com/fleetdesk/convsync/internal/api"
	"github.com/rivo/tview"
)

// Header shows daemon status on the left and key hints on the right.
type Header struct {
	*tview.Flex
	theme *Theme
	info  *tview.TextView
	menu  *tview.TextView
}

// NewHeader creates the header panel.
func NewHeader(theme *Theme) *Header {
	info := tview.NewTextView().SetDynamicColors(true)
	info.SetBackgroundColor(theme.BgColor)
	info.SetBorderPadding(0, 0, 1, 1)

	menu := tview.NewTextView().SetDynamicColors(true)
	menu.SetBackgroundColor(theme.BgColor)
	menu.SetBorderPadding(0, 0, 2, 0)

	flex := tview.NewFlex().
		AddItem(info, 0, 1, false).
		AddItem(menu, 0, 1, false)
	return &Header{Flex: flex, theme: theme, info: info, menu: menu}
}

// SetStatus renders the daemon status.
func (h *Header) SetStatus(st api.StatusReply) {
	h.info.Clear()
	label, value := Tag(h.theme.FgColor), Tag(h.theme.CounterColor)
	live := st.State
	if st.Live {
		live = fmt.Sprintf("[%s]%s[-]", Tag(h.theme.UnreadColor), st.State)
	}
	row := func(name, v string) {
		_, _ = fmt.Fprintf(h.info, "[%s::b]%-8s[-:-:-] [%s]%s[-]\n", label, name+":", value, v)
	}
	row("Session", tview.Escape(st.Session))
	row("Self", tview.Escape(orDash(st.SelfID)))
	row("Live", live)
	row("Rooms", fmt.Sprint(len(st.Rooms)))
	row("Uptime", orDash(st.Uptime))
}

// SetHints renders key hints, one per line.
func (h *Header) SetHints(hints []MenuHint) {
	h.menu.Clear()
	kc := Tag(h.theme.MenuKeyColor)
	var b strings.Builder
	for _, hint := range hints {
		fmt.Fprintf(&b, "[%s::b]<%s>[-:-:-] %s\n", kc, hint.Key, hint.Description)
	}
	_, _ = fmt.Fprint(h.menu, b.String())
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
