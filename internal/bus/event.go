package bus

import "time"

// Event kinds published by the engine. Subscribers filter by prefix, so the
// part before the first dot is the namespace.
const (
	ConversationListed  = "conversation.listed"
	ConversationUpdated = "conversation.updated"
	ConversationDeleted = "conversation.deleted"
	ConversationMissed  = "conversation.missed"

	WindowChanged = "window.changed"

	MessageSendAck    = "message.send_ack"
	MessageSendFailed = "message.send_failed"

	TypingChanged = "typing.changed"

	LiveStatusChanged       = "live.status_changed"
	LiveDown                = "live.down"
	LiveMessage             = "live.message"
	LiveAlert               = "live.alert"
	LiveConversationUpdated = "live.conversation_updated"
	LiveConversationRead    = "live.conversation_read"
	LiveTypingStart         = "live.typing_start"
	LiveTypingStop          = "live.typing_stop"
)

// Event is a notification about a change in engine state.
type Event struct {
	Kind           string
	Timestamp      time.Time
	ConversationID string
	Payload        any
}
