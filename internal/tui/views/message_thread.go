package views

import (
	"fmt"
	"strings"
	"time"

	"github.com/fleetdesk/convsync/internal/api"
	"github.com/fleetdesk/convsync/internal/codec"
	"github.com/fleetdesk/convsync/internal/model"
	"github.com/fleetdesk/convsync/internal/tui/ui"
	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
)

// MessageThread shows the loaded window of one conversation and a composer.
type MessageThread struct {
	*tview.Flex
	theme    *ui.Theme
	resolver *codec.Resolver
	selfID   string
	messages *tview.TextView
	composer *tview.InputField
	title    string
	onSend   func(text string)
	now      func() time.Time
}

// NewMessageThread creates a thread view. resolver turns attachment paths
// into links; selfID marks this account's own messages.
func NewMessageThread(theme *ui.Theme, resolver *codec.Resolver, selfID string) *MessageThread {
	messages := tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true).
		SetWordWrap(true)
	messages.SetBorder(true)
	messages.SetBorderColor(theme.BorderColor)
	messages.SetBackgroundColor(theme.BgColor)
	messages.SetTextColor(theme.FgColor)
	messages.SetTitleColor(theme.TitleColor)

	composer := tview.NewInputField().
		SetLabel(" > ").
		SetFieldWidth(0)
	composer.SetBorder(true)
	composer.SetBorderColor(theme.BorderColor)
	composer.SetBackgroundColor(theme.BgColor)
	composer.SetFieldBackgroundColor(theme.BgColor)
	composer.SetFieldTextColor(theme.FgColor)
	composer.SetLabelColor(theme.MenuKeyColor)
	composer.SetTitle(" Compose (i to focus, Esc to leave) ")
	composer.SetTitleColor(theme.TitleColor)

	flex := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(messages, 0, 1, true).
		AddItem(composer, 3, 0, false)

	mt := &MessageThread{
		Flex:     flex,
		theme:    theme,
		resolver: resolver,
		selfID:   selfID,
		messages: messages,
		composer: composer,
		title:    "Messages",
		now:      time.Now,
	}
	composer.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter || mt.onSend == nil {
			return
		}
		if text := strings.TrimSpace(composer.GetText()); text != "" {
			mt.onSend(text)
			composer.SetText("")
		}
	})
	return mt
}

// Title implements ui.Component.
func (mt *MessageThread) Title() string { return mt.title }

// Hints implements ui.Component.
func (mt *MessageThread) Hints() []ui.MenuHint {
	return []ui.MenuHint{
		{Key: "i", Description: "Compose"},
		{Key: "o", Description: "Older"},
		{Key: "m", Description: "Mark read"},
		{Key: "R", Description: "Retry failed"},
		{Key: "D", Description: "Details"},
		{Key: "Esc", Description: "Back"},
		{Key: ":", Description: "Command"},
	}
}

// SetConversation titles the thread after its recipient.
func (mt *MessageThread) SetConversation(c model.Conversation) {
	r := c.Recipient()
	mt.title = fmt.Sprintf("%s %s", r.Kind, r.ID)
	mt.messages.SetTitle(" " + clean(mt.title) + " ")
}

// SetSelfID sets the sender id rendered as "You".
func (mt *MessageThread) SetSelfID(id string) {
	mt.selfID = id
}

// SetOnSend sets the callback for a submitted draft.
func (mt *MessageThread) SetOnSend(fn func(text string)) {
	mt.onSend = fn
}

// Update renders the window. Messages arrive oldest first.
func (mt *MessageThread) Update(w api.WindowReply) {
	mt.messages.Clear()
	_, _ = fmt.Fprint(mt.messages, mt.Render(w))
	mt.messages.ScrollToEnd()
}

// Render formats a window as tview text, one block per message, with a
// separator whenever the date bucket changes.
func (mt *MessageThread) Render(w api.WindowReply) string {
	var b strings.Builder
	now := mt.now()
	if w.HasMore {
		fmt.Fprintf(&b, "[%s]  -- o loads older messages --[-]\n\n", ui.Tag(mt.theme.BucketColor))
	}
	bucket := ""
	for _, m := range w.Messages {
		d := mt.resolver.Display(m, now)
		if d.DateBucket != bucket {
			bucket = d.DateBucket
			fmt.Fprintf(&b, "[%s::b]  %s[-:-:-]\n\n", ui.Tag(mt.theme.BucketColor), clean(bucket))
		}
		b.WriteString(mt.line(m, d))
	}
	if w.Typing {
		fmt.Fprintf(&b, "[%s::i]typing...[-:-:-]\n", ui.Tag(mt.theme.UnreadColor))
	}
	return b.String()
}

func (mt *MessageThread) line(m model.Message, d codec.Display) string {
	sender, color := clean(m.SenderID), mt.theme.PeerColor
	if m.SenderID == mt.selfID || d.Status != "" {
		sender, color = "You", mt.theme.OwnColor
	}

	var status string
	switch d.Status {
	case model.StatusSending:
		status = fmt.Sprintf(" [%s]sending[-]", ui.Tag(mt.theme.PendingColor))
	case model.StatusFailed:
		status = fmt.Sprintf(" [%s]failed, R to retry[-]", ui.Tag(mt.theme.FailedColor))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[%s::b]%s[-:-:-] [::d]%s[-:-:-]%s\n", ui.Tag(color), sender, d.Clock, status)
	if d.AlertKind != "" {
		fmt.Fprintf(&b, "[%s::b]%s[-:-:-] %s\n", ui.Tag(mt.theme.AlertColor(d.AlertKind)), strings.ToUpper(string(d.AlertKind)), clean(d.Text))
	} else if d.Text != "" {
		fmt.Fprintf(&b, "%s\n", clean(d.Text))
	}
	if d.AttachmentURL != "" {
		label := "file"
		if d.IsImage {
			label = "image"
		}
		fmt.Fprintf(&b, "[::u]%s %s[::-] %s\n", label, clean(d.AttachmentName), clean(d.AttachmentURL))
	}
	b.WriteString("\n")
	return b.String()
}

// Messages returns the message view, for focus management.
func (mt *MessageThread) Messages() *tview.TextView {
	return mt.messages
}

// Composer returns the composer input, for focus management.
func (mt *MessageThread) Composer() *tview.InputField {
	return mt.composer
}
