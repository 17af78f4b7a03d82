package model

import (
	"errors"
	"time"
)

// RecipientKind identifies who sits on the other side of a conversation.
type RecipientKind string

const (
	RecipientDriver  RecipientKind = "driver"
	RecipientCompany RecipientKind = "company"
)

// Filter selects a view of the conversation list.
type Filter string

const (
	FilterAll     Filter = ""
	FilterDriver  Filter = "driver"
	FilterCompany Filter = "company"
)

// Matches reports whether a conversation belongs to the view.
func (f Filter) Matches(c *Conversation) bool {
	return f == FilterAll || string(f) == string(c.RecipientKind)
}

// MessageKind discriminates chat messages from alerts.
type MessageKind string

const (
	KindChat  MessageKind = "chat"
	KindAlert MessageKind = "alert"
)

// AlertKind is the severity of an alert message.
type AlertKind string

const (
	AlertWarning AlertKind = "warning"
	AlertAlert   AlertKind = "alert"
	AlertInfo    AlertKind = "info"
	AlertSuccess AlertKind = "success"
)

// Valid reports whether k is one of the known alert kinds.
func (k AlertKind) Valid() bool {
	switch k {
	case AlertWarning, AlertAlert, AlertInfo, AlertSuccess:
		return true
	}
	return false
}

// DeliveryStatus is only set on locally originated messages the server has not confirmed.
type DeliveryStatus string

const (
	StatusSending DeliveryStatus = "sending"
	StatusSent    DeliveryStatus = "sent"
	StatusFailed  DeliveryStatus = "failed"
)

var (
	ErrNoRecipient      = errors.New("conversation has no recipient")
	ErrTwoRecipients    = errors.New("conversation has both driver and company recipients")
	ErrRecipientMissing = errors.New("recipient ref does not match recipient kind")
)

// Conversation is the cached summary of a thread with one driver or one company.
type Conversation struct {
	ID                 string        `json:"id"`
	RecipientKind      RecipientKind `json:"recipientType"`
	DriverID           string        `json:"driverId,omitempty"`
	CompanyID          string        `json:"companyId,omitempty"`
	LastMessageID      string        `json:"lastMessageId,omitempty"`
	LastMessageAt      time.Time     `json:"lastMessageAt,omitzero"`
	LastMessageContent string        `json:"lastMessageContent,omitempty"`
	UnreadMessageCount int           `json:"unreadMessageCount"`
	UnreadAlertCount   int           `json:"unreadAlertCount"`
}

// Validate checks the exactly-one-recipient rule.
func (c *Conversation) Validate() error {
	switch {
	case c.DriverID == "" && c.CompanyID == "":
		return ErrNoRecipient
	case c.DriverID != "" && c.CompanyID != "":
		return ErrTwoRecipients
	case c.RecipientKind == RecipientDriver && c.DriverID == "",
		c.RecipientKind == RecipientCompany && c.CompanyID == "":
		return ErrRecipientMissing
	}
	return nil
}

// Recipient returns the addressable recipient of the conversation.
func (c *Conversation) Recipient() Recipient {
	if c.RecipientKind == RecipientCompany {
		return Recipient{Kind: RecipientCompany, ID: c.CompanyID}
	}
	return Recipient{Kind: RecipientDriver, ID: c.DriverID}
}

// Recipient addresses a driver or a company.
type Recipient struct {
	Kind RecipientKind
	ID   string
}

// Is reports whether the conversation is addressed to r.
func (r Recipient) Is(c *Conversation) bool {
	switch r.Kind {
	case RecipientDriver:
		return c.DriverID == r.ID
	case RecipientCompany:
		return c.CompanyID == r.ID
	}
	return false
}

// Attachment is a file reference stored by the attachment service.
type Attachment struct {
	Path     string `json:"path"`
	Name     string `json:"name"`
	MimeType string `json:"mimeType,omitempty"`
}

// Message is either a chat message or an alert.
type Message struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversationId"`
	SenderID       string         `json:"senderId,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	Kind           MessageKind    `json:"type"`
	Content        string         `json:"content,omitempty"`
	AlertKind      AlertKind      `json:"alertType,omitempty"`
	Attachment     *Attachment    `json:"file,omitempty"`
	ClientToken    string         `json:"clientToken,omitempty"`
	DeliveryStatus DeliveryStatus `json:"deliveryStatus,omitempty"`
}

// IsAlert reports whether m is an alert.
func (m *Message) IsAlert() bool { return m.Kind == KindAlert }

// IsPlaceholder reports whether m is an unconfirmed optimistic insert waiting on the server.
func (m *Message) IsPlaceholder() bool { return m.DeliveryStatus == StatusSending }

// AttachmentName returns the attachment's file name or "".
func (m *Message) AttachmentName() string {
	if m.Attachment == nil {
		return ""
	}
	return m.Attachment.Name
}

// Preview is the denormalized text stored on the conversation summary.
func (m *Message) Preview() string {
	if m.Content != "" {
		return m.Content
	}
	return m.AttachmentName()
}

// ConversationPatch is a partial update; nil fields are left unchanged.
type ConversationPatch struct {
	LastMessageID      *string    `json:"lastMessageId,omitempty"`
	LastMessageAt      *time.Time `json:"lastMessageAt,omitempty"`
	LastMessageContent *string    `json:"lastMessageContent,omitempty"`
	UnreadMessageCount *int       `json:"unreadMessageCount,omitempty"`
	UnreadAlertCount   *int       `json:"unreadAlertCount,omitempty"`
}

// Apply writes the set fields of p onto c. Counters are clamped at zero.
func (p *ConversationPatch) Apply(c *Conversation) {
	if p.LastMessageID != nil {
		c.LastMessageID = *p.LastMessageID
	}
	if p.LastMessageAt != nil {
		c.LastMessageAt = *p.LastMessageAt
	}
	if p.LastMessageContent != nil {
		c.LastMessageContent = *p.LastMessageContent
	}
	if p.UnreadMessageCount != nil {
		c.UnreadMessageCount = max(0, *p.UnreadMessageCount)
	}
	if p.UnreadAlertCount != nil {
		c.UnreadAlertCount = max(0, *p.UnreadAlertCount)
	}
}
