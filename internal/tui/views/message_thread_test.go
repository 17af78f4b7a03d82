package views

import (
	"strings"
	"testing"
	"time"

	"github.com/fleetdesk/convsync/internal/api"
	"github.com/fleetdesk/convsync/internal/codec"
	"github.com/fleetdesk/convsync/internal/model"
	"github.com/fleetdesk/convsync/internal/tui/ui"
)

func TestMessageThreadRender(t *testing.T) {
	resolver, err := codec.NewResolver("https://files.example.com")
	if err != nil {
		t.Fatal(err)
	}
	now := time.Date(2026, 10, 18, 15, 0, 0, 0, time.UTC)
	mt := NewMessageThread(ui.DefaultTheme(), resolver, "dispatcher-1")
	mt.now = func() time.Time { return now }

	w := api.WindowReply{
		ConversationID: "C1",
		HasMore:        true,
		Typing:         true,
		Messages: []model.Message{
			{ID: "m1", ConversationID: "C1", SenderID: "D1", CreatedAt: now.Add(-26 * time.Hour), Kind: model.KindChat, Content: "at the gate"},
			{ID: "m2", ConversationID: "C1", SenderID: "D1", CreatedAt: now.Add(-time.Hour), Kind: model.KindAlert, AlertKind: model.AlertWarning, Content: "low fuel"},
			{ID: "m3", ConversationID: "C1", SenderID: "dispatcher-1", CreatedAt: now.Add(-30 * time.Minute), Kind: model.KindChat,
				Attachment: &model.Attachment{Path: "/files/f1", Name: "bol.png", MimeType: "image/png"}},
			{ID: "tmp-1", ConversationID: "C1", SenderID: "dispatcher-1", CreatedAt: now.Add(-time.Minute), Kind: model.KindChat, Content: "[red]ok[-]", DeliveryStatus: model.StatusFailed},
		},
	}
	out := mt.Render(w)

	for _, want := range []string{
		"o loads older messages",
		"yesterday",
		"today",
		"at the gate",
		"WARNING",
		"low fuel",
		"image bol.png",
		"https://files.example.com/files/f1",
		"failed, R to retry",
		"typing...",
		"You",
		"D1",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("Render() missing %q in:\n%s", want, out)
		}
	}
	if strings.Index(out, "yesterday") > strings.Index(out, "today") {
		t.Error("date buckets out of order")
	}
	if strings.Count(out, "today") != 1 {
		t.Errorf("today separator rendered %d times, want 1", strings.Count(out, "today"))
	}
	if strings.Contains(out, "[red]ok[-]") {
		t.Error("message text was not escaped")
	}
}

func TestClean(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"plain", "plain"},
		{"line\nbreak", "line break"},
		{"\U0001F44D\U0001F3FB", "\U0001F44D"},
		{"a\x07b", "ab"},
		{"[red]x", "[red[]x"},
	}
	for _, tt := range tests {
		if got := clean(tt.in); got != tt.want {
			t.Errorf("clean(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
