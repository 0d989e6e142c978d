package model

import (
	"time"
)

// MessageStatus is the delivery state of a rendered message.
type MessageStatus string

const (
	StatusPending MessageStatus = "pending"
	StatusSent    MessageStatus = "sent"
	StatusFailed  MessageStatus = "failed"
)

// Message is a single message in a conversation.
type Message struct {
	// Identity
	ID             string `json:"id,omitempty"`
	ConversationID string `json:"conversation_id"`
	ClientID       string `json:"client_id"`

	// Content
	Sender  string `json:"sender"`
	Content string `json:"content"`

	// SentAt is server-assigned for persisted messages and local for
	// placeholders.
	SentAt time.Time `json:"sent_at"`

	// Sequence is the message log position, populated on read.
	Sequence uint64 `json:"sequence,omitempty"`

	// Local rendering state
	Status MessageStatus `json:"status,omitempty"`
	Error  string        `json:"error,omitempty"`
}

// Preview returns the LastMessage representation of m.
func (m Message) Preview() LastMessage {
	return LastMessage{
		Content:  m.Content,
		SentAt:   m.SentAt,
		SentBy:   m.Sender,
		ClientID: m.ClientID,
	}
}

// SendMessageRequest is the request to send a new message.
type SendMessageRequest struct {
	Content string `json:"content"`
}

// SendMessageResponse is the response after sending a message.
type SendMessageResponse struct {
	Message *Message `json:"message,omitempty"`
	Warning string   `json:"warning,omitempty"`
}

// BadgeResponse is the response for the unread badge.
type BadgeResponse struct {
	Unread int  `json:"unread"`
	Role   Role `json:"role"`
}

// ErrorEvent represents an error event.
type ErrorEvent struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

// HeartbeatEvent represents a heartbeat event.
type HeartbeatEvent struct {
	Timestamp time.Time `json:"timestamp"`
}
