package api

import (
	"encoding/json"
	"time"

	"github.com/fleetdesk/convsync/internal/model"
)

// StatusRequest has no fields; Status reports on the whole daemon.
type StatusRequest struct{}

// StatusReply describes the daemon and its live channel.
type StatusReply struct {
	Session string   `json:"session"`
	SelfID  string   `json:"self_id"`
	State   string   `json:"state"`
	Live    bool     `json:"live"`
	Uptime  string   `json:"uptime"`
	Rooms   []string `json:"rooms"`
	Windows []string `json:"windows"`
}

// ConversationsRequest selects a conversation view.
type ConversationsRequest struct {
	Filter  string `json:"filter"`
	Refresh bool   `json:"refresh"`
}

// ConversationView is a conversation summary plus its typing indicator.
type ConversationView struct {
	model.Conversation
	Typing bool `json:"typing"`
}

// ConversationsReply lists a view, most recent activity first.
type ConversationsReply struct {
	Conversations []ConversationView `json:"conversations"`
}

// ConversationRequest addresses one conversation.
type ConversationRequest struct {
	ConversationID string `json:"conversation_id"`
}

// WindowReply is the loaded message window of a conversation, oldest first.
type WindowReply struct {
	ConversationID string          `json:"conversation_id"`
	HasMore        bool            `json:"has_more"`
	Typing         bool            `json:"typing"`
	Messages       []model.Message `json:"messages"`
}

// SendRequest is a chat message or, with AlertType set, an alert. Either
// ConversationID or RecipientType and RecipientID must be set.
type SendRequest struct {
	ConversationID string `json:"conversation_id"`
	RecipientType  string `json:"recipient_type"`
	RecipientID    string `json:"recipient_id"`
	Content        string `json:"content"`
	AlertType      string `json:"alert_type"`
}

// RetryRequest resends a failed placeholder.
type RetryRequest struct {
	ConversationID string `json:"conversation_id"`
	TempID         string `json:"temp_id"`
}

// SendReply carries the id of the placeholder shown for the send.
type SendReply struct {
	TempID string `json:"temp_id"`
}

// Ack is the empty reply of commands.
type Ack struct{}

// WatchRequest selects events by kind prefix; empty means everything.
type WatchRequest struct {
	Namespace string `json:"namespace"`
}

// EventReply is one bus event.
type EventReply struct {
	ID             string          `json:"id"`
	Kind           string          `json:"kind"`
	ConversationID string          `json:"conversation_id,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}
