package views

import (
	"strings"
	"time"
	"unicode"

	"github.com/fleetdesk/convsync/internal/codec"
	"github.com/rivo/tview"
)

// clean makes server text safe for a tview cell: emoji modifiers tcell cannot
// lay out are dropped, line breaks become spaces, and color tags are escaped.
func clean(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 0x1F3FB && r <= 0x1F3FF, // skin tone modifiers
			r == 0x200D, // zero width joiner
			r >= 0xFE00 && r <= 0xFE0F,
			r >= 0xE0100 && r <= 0xE01EF:
			continue
		case r == '\n' || r == '\r' || r == '\t':
			b.WriteByte(' ')
		case unicode.IsControl(r):
			continue
		default:
			b.WriteRune(r)
		}
	}
	return tview.Escape(b.String())
}

// listTime shows a clock time for today and the date bucket otherwise.
func listTime(t, now time.Time) string {
	if t.IsZero() {
		return ""
	}
	bucket := codec.DateBucket(t, now)
	if bucket == codec.BucketToday {
		return t.In(now.Location()).Format("15:04")
	}
	return bucket
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
