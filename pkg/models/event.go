package models

import "time"

// InboundEvent is the uniform contract an adapter uses to hand a received
// platform message to the dispatcher. The engine never sees platform bytes,
// only this normalized form.
type InboundEvent struct {
	BotInstanceID     string       `json:"bot_instance_id"`
	ChatScope         string       `json:"chat_scope"`
	SenderID          string       `json:"sender_id"`
	Payload           string       `json:"payload"`
	Attachments       []Attachment `json:"attachments,omitempty"`
	PlatformMessageID string       `json:"platform_message_id"`
	ReceivedAt        time.Time    `json:"received_at"`

	// GroupChat marks a multi-party conversation. Mentioned reports
	// whether the bot was addressed directly; adapters set it from the
	// platform's mention syntax.
	GroupChat bool `json:"group_chat,omitempty"`
	Mentioned bool `json:"mentioned,omitempty"`
}

// OutboundAction is one delivery instruction handed back to the adapter that
// owns the chat scope. Delivery is at-least-once; adapters are expected to be
// idempotent on (ChatScope, ReplyToMessageID, Content).
type OutboundAction struct {
	ChatScope        string       `json:"chat_scope"`
	Content          string       `json:"content"`
	Attachments      []Attachment `json:"attachments,omitempty"`
	ReplyToMessageID string       `json:"reply_to_message_id,omitempty"`
}
