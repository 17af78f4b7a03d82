package codec

import (
	"math"
	"strings"
	"time"

	"github.com/fleetdesk/convsync/internal/model"
)

// Display is a message shaped for rendering as a chat bubble or an alert row.
type Display struct {
	ID             string
	ConversationID string
	Variant        model.MessageKind
	Text           string
	AlertKind      model.AlertKind
	DateBucket     string
	Clock          string
	AttachmentURL  string
	AttachmentName string
	IsImage        bool
	Status         model.DeliveryStatus
	CreatedAt      time.Time
}

// Date bucket labels for the two most recent days.
const (
	BucketToday     = "today"
	BucketYesterday = "yesterday"
)

// Display converts m for rendering. now fixes the reference day and time zone.
func (r *Resolver) Display(m model.Message, now time.Time) Display {
	d := Display{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Variant:        m.Kind,
		Text:           m.Content,
		DateBucket:     DateBucket(m.CreatedAt, now),
		Clock:          m.CreatedAt.In(now.Location()).Format("15:04"),
		Status:         m.DeliveryStatus,
		CreatedAt:      m.CreatedAt,
	}
	if d.Variant == "" {
		d.Variant = model.KindChat
	}
	if m.IsAlert() {
		d.AlertKind = m.AlertKind
	}
	if m.Attachment != nil {
		d.AttachmentURL = r.Resolve(m.Attachment.Path)
		d.AttachmentName = m.Attachment.Name
		d.IsImage = strings.HasPrefix(m.Attachment.MimeType, "image/")
	}
	return d
}

// DateBucket groups t relative to now: today, yesterday, a weekday name within
// the last week, otherwise the calendar date.
func DateBucket(t, now time.Time) string {
	loc := now.Location()
	day := truncateDay(t.In(loc))
	today := truncateDay(now)
	switch days := int(math.Round(today.Sub(day).Hours() / 24)); {
	case days <= 0:
		return BucketToday
	case days == 1:
		return BucketYesterday
	case days < 7:
		return strings.ToLower(day.Weekday().String())
	}
	return day.Format("2006-01-02")
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
